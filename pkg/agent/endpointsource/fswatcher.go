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

// Package endpointsource maintains the endpoint inventory from JSON
// declaration files in a watched directory. Each ".ep" file declares
// one endpoint; creating, rewriting or removing a file drives an
// endpoint update.
package endpointsource

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/klog/v2"

	"github.com/noironetworks/accessflow/pkg/agent/types"
)

const endpointFileSuffix = ".ep"

// Listener receives endpoint change notifications.
type Listener interface {
	EndpointUpdated(uuid string)
}

// FSSource implements types.EndpointStore over a directory of endpoint
// files.
type FSSource struct {
	dir      string
	listener Listener

	mu     sync.RWMutex
	byUUID map[string]*types.Endpoint
	byFile map[string]string

	watcher *fsnotify.Watcher
	wg      sync.WaitGroup
	stopCh  chan struct{}
}

// New returns a source over dir notifying listener. listener may be
// nil.
func New(dir string, listener Listener) *FSSource {
	return &FSSource{
		dir:      dir,
		listener: listener,
		byUUID:   make(map[string]*types.Endpoint),
		byFile:   make(map[string]string),
		stopCh:   make(chan struct{}),
	}
}

// Start scans the directory and begins watching it.
func (s *FSSource) Start() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), endpointFileSuffix) {
			continue
		}
		s.loadFile(filepath.Join(s.dir, entry.Name()))
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(s.dir); err != nil {
		watcher.Close()
		return err
	}
	s.watcher = watcher
	s.wg.Add(1)
	go s.run()
	return nil
}

// Stop terminates the watch loop.
func (s *FSSource) Stop() {
	close(s.stopCh)
	if s.watcher != nil {
		s.watcher.Close()
	}
	s.wg.Wait()
}

func (s *FSSource) run() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stopCh:
			return
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(ev.Name, endpointFileSuffix) {
				continue
			}
			switch {
			case ev.Op.Has(fsnotify.Create) || ev.Op.Has(fsnotify.Write):
				s.loadFile(ev.Name)
			case ev.Op.Has(fsnotify.Remove) || ev.Op.Has(fsnotify.Rename):
				s.removeFile(ev.Name)
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			klog.ErrorS(err, "Endpoint directory watch error", "dir", s.dir)
		}
	}
}

func (s *FSSource) loadFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		klog.ErrorS(err, "Could not read endpoint file", "file", path)
		return
	}
	var ep types.Endpoint
	if err := json.Unmarshal(data, &ep); err != nil {
		klog.ErrorS(err, "Could not parse endpoint file", "file", path)
		return
	}
	if _, err := uuid.Parse(ep.UUID); err != nil {
		klog.ErrorS(err, "Endpoint file carries an invalid UUID", "file", path, "uuid", ep.UUID)
		return
	}

	s.mu.Lock()
	// A rewritten file may now declare a different endpoint.
	oldUUID, hadOld := s.byFile[path]
	s.byFile[path] = ep.UUID
	s.byUUID[ep.UUID] = &ep
	if hadOld && oldUUID != ep.UUID {
		delete(s.byUUID, oldUUID)
	}
	s.mu.Unlock()

	klog.V(2).InfoS("Loaded endpoint", "file", path, "uuid", ep.UUID)
	if s.listener != nil {
		if hadOld && oldUUID != ep.UUID {
			s.listener.EndpointUpdated(oldUUID)
		}
		s.listener.EndpointUpdated(ep.UUID)
	}
}

func (s *FSSource) removeFile(path string) {
	s.mu.Lock()
	uuid, ok := s.byFile[path]
	if ok {
		delete(s.byFile, path)
		delete(s.byUUID, uuid)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	klog.V(2).InfoS("Removed endpoint", "file", path, "uuid", uuid)
	if s.listener != nil {
		s.listener.EndpointUpdated(uuid)
	}
}

// GetEndpoint implements types.EndpointStore.
func (s *FSSource) GetEndpoint(uuid string) *types.Endpoint {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.byUUID[uuid]
}

func (s *FSSource) endpointsMatching(match func(*types.Endpoint) bool) sets.Set[string] {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := sets.New[string]()
	for uuid, ep := range s.byUUID {
		if match(ep) {
			result.Insert(uuid)
		}
	}
	return result
}

// GetEndpointsByAccessIface implements types.EndpointStore.
func (s *FSSource) GetEndpointsByAccessIface(name string) sets.Set[string] {
	return s.endpointsMatching(func(ep *types.Endpoint) bool {
		return ep.AccessInterface == name
	})
}

// GetEndpointsByAccessUplink implements types.EndpointStore.
func (s *FSSource) GetEndpointsByAccessUplink(name string) sets.Set[string] {
	return s.endpointsMatching(func(ep *types.Endpoint) bool {
		return ep.AccessUplinkInterface == name
	})
}

// GetEndpointsByIface implements types.EndpointStore.
func (s *FSSource) GetEndpointsByIface(name string) sets.Set[string] {
	return s.endpointsMatching(func(ep *types.Endpoint) bool {
		return ep.InterfaceName == name
	})
}

// SecGrpSetEmpty implements types.EndpointStore.
func (s *FSSource) SecGrpSetEmpty(groups []string) bool {
	key := types.SecGrpSetKey(groups)
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ep := range s.byUUID {
		if types.SecGrpSetKey(ep.SecurityGroups) == key {
			return false
		}
	}
	return true
}

// GetSecGrpSetsForSecGrp implements types.EndpointStore.
func (s *FSSource) GetSecGrpSetsForSecGrp(uri string) [][]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := sets.New[string]()
	var result [][]string
	for _, ep := range s.byUUID {
		contains := false
		for _, g := range ep.SecurityGroups {
			if g == uri {
				contains = true
				break
			}
		}
		if !contains {
			continue
		}
		key := types.SecGrpSetKey(ep.SecurityGroups)
		if seen.Has(key) {
			continue
		}
		seen.Insert(key)
		result = append(result, append([]string(nil), ep.SecurityGroups...))
	}
	return result
}
