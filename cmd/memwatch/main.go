// Copyright (C) 2025 memwatch contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// memwatch runs the memory observability agent as a standalone process,
// monitoring its own runtime and exposing the event stream and metrics.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"memwatch/agent"
	"memwatch/config"
	"memwatch/logger"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "memwatch",
		Short: "In-process memory observability agent",
		Long: `memwatch samples runtime memory, detects leak patterns against a
statistical baseline, tracks hotspots, raises deduplicated alerts and
serves a live event stream.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath)
		},
		SilenceUsage: true,
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")
	cmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	cmd.PersistentFlags().Int("port", 0, "stream server port override")
	cmd.PersistentFlags().Duration("interval", 0, "sampling interval override")

	_ = viper.BindPFlag("log-level", cmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("streaming.port", cmd.PersistentFlags().Lookup("port"))
	_ = viper.BindPFlag("monitoring.interval", cmd.PersistentFlags().Lookup("interval"))
	viper.SetEnvPrefix("MEMWATCH")
	viper.AutomaticEnv()

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("memwatch", version)
		},
	})
	return cmd
}

func run(configPath string) error {
	logger.Init(viper.GetString("log-level"))

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	applyOverrides(cfg)

	a := agent.New()
	if err := a.Configure(cfg); err != nil {
		return err
	}
	if err := a.Start(); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received %s, shutting down", sig)

	return a.GracefulShutdown(cfg.ErrorHandling.GracefulShutdownTimeout)
}

// loadConfig reads the YAML file when given, defaults otherwise
func loadConfig(path string) (*config.Config, error) {
	cfg := config.Default()
	if path == "" {
		return cfg, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return cfg, nil
}

// applyOverrides layers flag and environment values over the file config
func applyOverrides(cfg *config.Config) {
	if port := viper.GetInt("streaming.port"); port > 0 {
		cfg.Streaming.Port = port
		cfg.Streaming.Enabled = true
	}
	if interval := viper.GetDuration("monitoring.interval"); interval > 0 {
		cfg.Monitoring.Interval = interval
	}
	if secret := viper.GetString("streaming.authsecret"); secret != "" {
		cfg.Streaming.AuthSecret = secret
	}
}
