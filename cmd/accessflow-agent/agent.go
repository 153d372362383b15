// Copyright 2024 Accessflow Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"k8s.io/klog/v2"

	"github.com/noironetworks/accessflow/pkg/agent/ctzone"
	"github.com/noironetworks/accessflow/pkg/agent/endpointsource"
	"github.com/noironetworks/accessflow/pkg/agent/idallocator"
	"github.com/noironetworks/accessflow/pkg/agent/metrics"
	"github.com/noironetworks/accessflow/pkg/agent/openflow"
	"github.com/noironetworks/accessflow/pkg/agent/policystore"
	"github.com/noironetworks/accessflow/pkg/agent/portindex"
	binding "github.com/noironetworks/accessflow/pkg/ovs/openflow"
)

// logWriter is the stand-in reconciler sink: it records each flow-set
// handoff. The real reconciler attaches here.
type logWriter struct{}

func (logWriter) WriteFlows(ownerKey string, tableID uint8, flows []*binding.FlowEntry) {
	klog.V(3).InfoS("Flow set handed to reconciler", "owner", ownerKey, "table", tableID, "flows", len(flows))
	for _, f := range flows {
		klog.V(5).InfoS("Flow", "entry", f.String())
	}
}

func (logWriter) WriteTLVs(ownerKey string, tlvs []binding.TLVEntry) {
	klog.V(3).InfoS("TLV set handed to reconciler", "owner", ownerKey, "tlvs", len(tlvs))
}

func run(o *options) error {
	cfg := o.config
	klog.InfoS("Starting accessflow agent", "endpointSourceDir", cfg.EndpointSourceDir)

	ports := portindex.New()
	ids := idallocator.New()
	ctZones := ctzone.New(ctzone.MinZone, ctzone.MaxZone)
	switchProg := openflow.NewSwitchProgrammer(logWriter{})

	programmer := openflow.New(
		openflow.Config{
			ConnTrack:                cfg.ConnTrack,
			AddL34FlowsWithoutSubnet: cfg.AddL34FlowsWithoutSubnet,
			Domain:                   cfg.Domain,
			Workers:                  cfg.Workers,
			Round:                    uint64(time.Now().Unix()),
		},
		nil, nil, nil, ports, ids, ctZones, switchProg,
		func() { klog.InfoS("Reconciler sync enabled") },
	)

	endpoints := endpointsource.New(cfg.EndpointSourceDir, programmer)
	policies := policystore.New(programmer)
	lbIfaces := policystore.NewLBStore()
	programmer.SetStores(endpoints, policies, lbIfaces)

	if err := programmer.Start(); err != nil {
		return err
	}
	defer programmer.Stop()

	if cfg.DropLog.Interface != "" {
		programmer.SetDropLog(cfg.DropLog.Interface, cfg.DropLog.RemoteIP, cfg.DropLog.RemotePort)
	}

	if err := endpoints.Start(); err != nil {
		return err
	}
	defer endpoints.Stop()

	if cfg.MetricsBindAddress != "" {
		metrics.Register(nil)
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		server := &http.Server{Addr: cfg.MetricsBindAddress, Handler: mux}
		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				klog.ErrorS(err, "Metrics server failed")
			}
		}()
		defer server.Close()
	}

	stopCh := make(chan os.Signal, 1)
	signal.Notify(stopCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-stopCh
	klog.InfoS("Shutting down", "signal", sig)
	return nil
}
