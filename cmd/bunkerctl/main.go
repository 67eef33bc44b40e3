// Command bunkerctl is a small CLI front end over the facade (package
// nip46): one binary with pair, invite, send and status subcommands.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/bloomsignal/nip46"
	"github.com/bloomsignal/nip46/config"
)

var (
	cfgPath string
	svc     *nip46.Service
)

var rootCmd = &cobra.Command{
	Use:   "bunkerctl",
	Short: "Pair with and send requests to a NIP-46 remote signer",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return err
		}
		s, err := nip46.New(cfg)
		if err != nil {
			return err
		}
		if err := s.Init(context.Background()); err != nil {
			return err
		}
		svc = s
		return nil
	},
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "path to a bunkerctl config YAML file")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
