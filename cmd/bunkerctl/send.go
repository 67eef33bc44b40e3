package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/bloomsignal/nip46/protocol"
)

var sendParams []string

var sendCmd = &cobra.Command{
	Use:   "send [session-id] [method]",
	Short: "Send a request to a paired remote signer and print the response",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := svc.SendRequest(context.Background(), args[0], protocol.Method(args[1]), sendParams, "")
		if err != nil {
			return err
		}
		return printJSON(resp)
	},
}

func init() {
	sendCmd.Flags().StringSliceVar(&sendParams, "param", nil, "request parameter (repeatable)")
	rootCmd.AddCommand(sendCmd)
}
