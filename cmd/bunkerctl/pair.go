package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bloomsignal/nip46"
)

var pairCmd = &cobra.Command{
	Use:   "pair [uri]",
	Short: "Pair with a remote signer from a nostrconnect:// or bunker:// URI",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sess, err := svc.PairWithUri(context.Background(), args[0], nip46.PairOptions{})
		if err != nil {
			return err
		}
		return printJSON(sess)
	},
}

func init() {
	rootCmd.AddCommand(pairCmd)
}

func printJSON(v interface{}) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}
