// Copyright (c) 2019 Red Hat and/or its affiliates.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at:
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Main package for the Nimbess OVS agent executable.
package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/nimbess/nimbess-ovs-agent/pkg/agent"
	"github.com/nimbess/nimbess-ovs-agent/pkg/drivers"
	"github.com/nimbess/nimbess-ovs-agent/pkg/drivers/ovs"
	"github.com/nimbess/nimbess-ovs-agent/pkg/etcdv3"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	// LogFile holds the name of Nimbess Agent log file
	LogFile = "nimbess-ovs-agent.log"
	// ConfigFile holds the default path to the Nimbess Agent configuration file
	ConfigFile = "/etc/nimbess/agent/agent.yaml"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "nimbess-ovs-agent",
	Short: "Nimbess OVS agent",
	Long:  "Programs an Open vSwitch bridge from the group based policy stored in etcd",
	RunE: func(cmd *cobra.Command, _ []string) error {
		conf, err := agent.InitConfig(viper.GetViper(), cfgFile)
		if err != nil {
			return err
		}
		if err := setupLogging(conf); err != nil {
			return err
		}
		return run(cmd.Context(), conf)
	},
	SilenceUsage: true,
}

func init() {
	defaults := agent.DefaultConfig()
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&cfgFile, "config-file", "c", ConfigFile, "Nimbess Agent config file path")
	flags.String("log-dir", defaults.LogDir, "Logging directory path")
	flags.String("log-level", defaults.LogLevel, "Log level")
	flags.String("switch-name", defaults.SwitchName, "Bridge programmed by the agent")
	flags.String("etcd-endpoints", defaults.EtcdEndpoints, "Comma separated etcd endpoints")
	flags.String("metrics-address", defaults.MetricsAddress, "Address serving /metrics, empty to disable")

	for key, flag := range map[string]string{
		"log_dir":         "log-dir",
		"log_level":       "log-level",
		"switch_name":     "switch-name",
		"etcd_endpoints":  "etcd-endpoints",
		"metrics_address": "metrics-address",
	} {
		if err := viper.BindPFlag(key, flags.Lookup(flag)); err != nil {
			log.Fatalf("Error binding flag %s: %v", flag, err)
		}
	}
}

func setupLogging(conf *agent.Config) error {
	level, err := log.ParseLevel(conf.LogLevel)
	if err != nil {
		return err
	}
	if _, err := os.Stat(conf.LogDir); os.IsNotExist(err) {
		_ = os.MkdirAll(conf.LogDir, 0755)
	}
	logFile, err := os.OpenFile(filepath.Join(conf.LogDir, LogFile), os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0644)
	if err != nil {
		log.WithError(err).Warn("Logging to stdout only")
	} else {
		log.SetOutput(io.MultiWriter(os.Stdout, logFile))
	}
	log.SetLevel(level)
	log.SetReportCaller(true)
	return nil
}

func run(ctx context.Context, conf *agent.Config) error {
	driverConfig := drivers.DriverConfig{
		SwitchName:    conf.SwitchName,
		OfctlPath:     conf.OfctlPath,
		ControlSocket: conf.ControlSocket,
		EncapIface:    conf.EncapIface,
	}
	driver := ovs.NewDriver(driverConfig)
	log.Infof("Driver loaded for bridge %s", conf.SwitchName)

	var cmds drivers.CommandExecutor
	if conf.EncapIface != "" {
		mcast := ovs.NewMulticastListener(conf.EncapIface)
		defer mcast.Close()
		cmds = mcast
	}

	etcdClient, err := etcdv3.New(etcdv3.Config{Endpoints: conf.EtcdEndpoints, DialTimeout: conf.EtcdDialTimeout})
	if err != nil {
		return err
	}

	nimbessAgent := agent.NewAgent(conf, driver, cmds, etcdClient)
	if err := nimbessAgent.Init(); err != nil {
		log.Errorf("Failed to initialize Nimbess Agent: %v", err)
		return err
	}
	return nimbessAgent.Run(ctx)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		log.Errorf("Nimbess Agent has died: %v", err)
		os.Exit(1)
	}
}
