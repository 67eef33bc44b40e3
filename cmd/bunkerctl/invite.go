package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/bloomsignal/nip46"
)

var inviteRelays []string

var inviteCmd = &cobra.Command{
	Use:   "invite",
	Short: "Create a client-initiated pairing invitation and print its URI",
	RunE: func(cmd *cobra.Command, args []string) error {
		sess, uri, err := svc.CreateInvitation(context.Background(), nip46.InvitationOptions{
			Relays: inviteRelays,
		})
		if err != nil {
			return err
		}
		return printJSON(map[string]interface{}{"session": sess, "uri": uri})
	},
}

func init() {
	inviteCmd.Flags().StringSliceVar(&inviteRelays, "relay", nil, "relay URL (repeatable)")
	rootCmd.AddCommand(inviteCmd)
}
