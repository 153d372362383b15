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
	"flag"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"k8s.io/klog/v2"
)

func main() {
	command := newAgentCommand()
	if err := command.Execute(); err != nil {
		os.Exit(1)
	}
}

func newAgentCommand() *cobra.Command {
	opts := newOptions()

	cmd := &cobra.Command{
		Use:          "accessflow-agent",
		Long:         "The accessflow agent programs the access-bridge flow pipeline from declarative endpoint and security-group policy.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			defer klog.Flush()
			if err := opts.complete(); err != nil {
				return err
			}
			return run(opts)
		},
	}

	flags := cmd.Flags()
	opts.addFlags(flags)
	klogFlags := flag.NewFlagSet("klog", flag.ExitOnError)
	klog.InitFlags(klogFlags)
	flags.AddGoFlagSet(klogFlags)
	pflag.CommandLine = flags
	return cmd
}
