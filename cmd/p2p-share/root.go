package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"tarun-kavipurapu/p2p-share/pkg/config"
	"tarun-kavipurapu/p2p-share/pkg/logger"
)

// appConfig holds env defaults; flags registered in init() build on it.
var appConfig = mustLoadConfig()

var (
	logLevel  string
	logFormat string
	logFile   string
)

var rootCmd = &cobra.Command{
	Use:   "p2p-share",
	Short: "Peer-to-peer file sharing",
	Long:  `Share files directly between two machines. A small rendezvous server maps share links to the sender's address; the bytes never pass through it.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return logger.Init(logger.Config{Level: logLevel, Format: logFormat, File: logFile})
	},
	SilenceUsage: true,
}

func mustLoadConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "invalid configuration:", err)
		os.Exit(1)
	}
	return cfg
}

func Execute() {
	defer logger.Sync()
	if err := rootCmd.Execute(); err != nil {
		logger.Sugar.Error(err)
		logger.Sync()
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", appConfig.LogLevel, "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", appConfig.LogFormat, "Log format: console or json")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", appConfig.LogFile, "Write logs to this file instead of stderr")
}
