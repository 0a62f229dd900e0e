// Copyright 2026 The Poolvisor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command poolvisord runs a pool of identical worker processes, keeping
// the pool populated and restarting workers that crash or grow too large.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

func newRootCmd(v *viper.Viper) *cobra.Command {
	var configFile string

	root := &cobra.Command{
		Use:           "poolvisord",
		Short:         "Supervise a pool of worker processes",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&configFile, "config", "", "config file (yaml, json or toml)")
	pf.BoolP("verbose", "v", false, "log at debug level")
	pf.Bool("log-json", false, "log in JSON")
	pf.Bool("color", false, "colorize log output")
	addPoolFlags(pf)
	_ = v.BindPFlags(pf)

	start := &cobra.Command{
		Use:   "start <entrypoint> [-- args...]",
		Short: "Start the pool and supervise it until it is empty",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadSettings(v, configFile, args)
			if err != nil {
				return err
			}
			dc, err := s.validate()
			if err != nil {
				return err
			}
			return run(cmd.Context(), dc)
		},
	}

	config := &cobra.Command{
		Use:   "config [entrypoint] [-- args...]",
		Short: "Print the effective configuration",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadSettings(v, configFile, args)
			if err != nil {
				return err
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(s); err != nil {
				return err
			}
			return enc.Close()
		},
	}

	root.AddCommand(start, config)
	return root
}

func main() {
	if err := newRootCmd(newViper()).ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "poolvisord: %v\n", err)
		if errors.Is(err, errValidation) {
			os.Exit(1)
		}
		os.Exit(2)
	}
}
