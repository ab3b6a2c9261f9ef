package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/waporthq/waport/internal/version"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "waport",
	Short: "waport is a multi-tenant chat-channel session gateway",
	Long: "waport manages per-tenant WhatsApp Web sessions: QR login, inbound\n" +
		"message capture with at-rest encryption, and change-feed driven\n" +
		"auto-reply dispatch.",
	Run: func(cmd *cobra.Command, args []string) {
		runServe()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: config.toml or $WAPORT_CONFIG)")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(tokenCmd())
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway server",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("waport %s\n", version.GetInfo())
		},
	}
}

func resolveConfigPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	if v := os.Getenv("WAPORT_CONFIG"); v != "" {
		return v
	}
	return ""
}

// Execute runs the root cobra command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
