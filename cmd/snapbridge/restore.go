package main

import (
	"fmt"
	"sort"
	"strconv"

	"snapbridge/internal/bridge"

	"github.com/spf13/cobra"
)

var restoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Manage snapshot restorations",
}

func printRestoration(r *bridge.Restoration) {
	fmt.Printf("Restoration: %d\n", r.ID)
	fmt.Printf("Snapshot:    %s\n", r.SnapshotID)
	fmt.Printf("Status:      %s\n", r.Status)
	fmt.Printf("Detail:      %s\n", r.StatusDetail)
	fmt.Printf("Destination: %s\n", formatEndpoint(r.Destination))
	if r.UserEmail != "" {
		fmt.Printf("User:        %s\n", r.UserEmail)
	}
	fmt.Printf("Started:     %s\n", formatTime(&r.StartDate))
	fmt.Printf("Ended:       %s\n", formatTime(r.EndDate))
	fmt.Printf("Expires:     %s\n", formatTime(r.ExpirationDate))
}

func parseRestorationID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid restoration id %q", s)
	}
	return id, nil
}

var restoreRequestCmd = &cobra.Command{
	Use:   "request <snapshot-id>",
	Short: "Ask the preservation node to restore a snapshot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		user, _ := cmd.Flags().GetString("user")

		a, err := newApp(cmd.Context(), "RequestRestore")
		if err != nil {
			return err
		}
		defer a.Close()

		r, err := a.RequestRestore(cmd.Context(), args[0], readEndpoint(cmd, ""), user)
		if err != nil {
			return err
		}
		printRestoration(r)
		return nil
	},
}

var restoreGetCmd = &cobra.Command{
	Use:   "get <restoration-id>",
	Short: "Show a restoration",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseRestorationID(args[0])
		if err != nil {
			return err
		}

		a, err := newApp(cmd.Context(), "GetRestore")
		if err != nil {
			return err
		}
		defer a.Close()

		r, err := a.GetRestore(cmd.Context(), id)
		if err != nil {
			return err
		}
		printRestoration(r)
		return nil
	},
}

var restoreCompleteCmd = &cobra.Command{
	Use:   "complete <restoration-id>",
	Short: "Record that the node has staged a restoration",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseRestorationID(args[0])
		if err != nil {
			return err
		}

		a, err := newApp(cmd.Context(), "CompleteRestore")
		if err != nil {
			return err
		}
		defer a.Close()

		r, err := a.CompleteRestore(cmd.Context(), id)
		if err != nil {
			return err
		}
		printRestoration(r)
		return nil
	},
}

var restoreResendCmd = &cobra.Command{
	Use:   "resend <restoration-id>",
	Short: "Send the restore request to the node again",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseRestorationID(args[0])
		if err != nil {
			return err
		}

		a, err := newApp(cmd.Context(), "ResendRestoreRequest")
		if err != nil {
			return err
		}
		defer a.Close()

		r, err := a.ResendRestoreRequest(cmd.Context(), id)
		if err != nil {
			return err
		}
		printRestoration(r)
		return nil
	},
}

var restoreExpireCmd = &cobra.Command{
	Use:   "expire",
	Short: "Expire restorations past their expiration date",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "ExpireRestorations")
		if err != nil {
			return err
		}
		defer a.Close()

		report, err := a.ExpireRestorations(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("Checked %d, expired %d, failed %d\n", report.Checked, len(report.Expired), len(report.Failed))
		for _, id := range report.Expired {
			fmt.Printf("  expired  %d\n", id)
		}
		ids := make([]int64, 0, len(report.Failed))
		for id := range report.Failed {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		for _, id := range ids {
			fmt.Printf("  failed   %d: %v\n", id, report.Failed[id])
		}
		return nil
	},
}

func init() {
	restoreCmd.AddCommand(restoreRequestCmd)
	endpointFlags(restoreRequestCmd, "")
	restoreRequestCmd.Flags().StringP("user", "u", "", "Email of the requesting user")

	restoreCmd.AddCommand(restoreGetCmd)
	restoreCmd.AddCommand(restoreCompleteCmd)
	restoreCmd.AddCommand(restoreResendCmd)
	restoreCmd.AddCommand(restoreExpireCmd)
}
