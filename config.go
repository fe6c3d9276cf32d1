// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package main

import (
	"fmt"

	"github.com/spf13/pflag"

	"github.com/mangoh/datarouter/internal/config"
)

// loadConfig parses the command line and loads the configuration file it
// names, letting flags override file values.
func loadConfig(args []string) (*config.Config, error) {
	flags := pflag.NewFlagSet("datarouterd", pflag.ContinueOnError)
	configFile := flags.StringP("config", "c", "", "Configuration file path.")
	flags.StringP("protocol", "p", "mqtt", "Upstream protocol (mqtt, lwm2m, none).")
	flags.StringP("listen", "l", "127.0.0.1:7483", "IPC listen address.")
	flags.StringP("log-level", "v", "info", "Log verbosity level (debug, info, warn, error).")
	flags.StringP("log-file", "L", "", "Log file name ('-' for logging to STDOUT only).")
	if err := flags.Parse(args); err != nil {
		return nil, fmt.Errorf("failed to parse flags: %w", err)
	}
	return config.LoadConfig(*configFile, flags)
}
