package main

import (
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print every known session and which one is active",
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr := svc.SessionManager()
		active, _ := mgr.GetActiveSession()
		return printJSON(map[string]interface{}{
			"sessions":        mgr.GetSessions(),
			"activeSessionId": active.ID,
		})
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
