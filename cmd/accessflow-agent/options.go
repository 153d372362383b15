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
	"fmt"

	"github.com/spf13/pflag"

	"github.com/noironetworks/accessflow/pkg/agent/config"
)

type options struct {
	configFile string
	config     *config.AgentConfig
}

func newOptions() *options {
	return &options{}
}

func (o *options) addFlags(fs *pflag.FlagSet) {
	fs.StringVar(&o.configFile, "config", "", "Path to the agent configuration file")
}

func (o *options) complete() error {
	if o.configFile == "" {
		return fmt.Errorf("--config is required")
	}
	cfg, err := config.Load(o.configFile)
	if err != nil {
		return err
	}
	if cfg.Workers == 0 {
		cfg.Workers = 4
	}
	o.config = cfg
	return nil
}
