package main

import (
	"fmt"
	"sort"
	"strings"

	"snapbridge/internal/bridge"

	"github.com/spf13/cobra"
)

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Manage snapshots",
}

func printSnapshot(s *bridge.Snapshot) {
	fmt.Printf("Snapshot:    %s\n", s.ID)
	fmt.Printf("Status:      %s\n", s.Status)
	fmt.Printf("Detail:      %s\n", s.StatusDetail)
	fmt.Printf("Source:      %s\n", formatEndpoint(s.Source))
	if s.Description != "" {
		fmt.Printf("Description: %s\n", s.Description)
	}
	if s.UserEmail != "" {
		fmt.Printf("User:        %s\n", s.UserEmail)
	}
	fmt.Printf("Size:        %d bytes\n", s.TotalSizeInBytes)
	fmt.Printf("Started:     %s\n", formatTime(&s.StartDate))
	fmt.Printf("Ended:       %s\n", formatTime(s.EndDate))
}

var snapshotCreateCmd = &cobra.Command{
	Use:   "create [snapshot-id]",
	Short: "Create a snapshot of a space",
	Long: "Create a snapshot of a space. Without an ID one is generated from " +
		"the space ID and the current time.",
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		description, _ := cmd.Flags().GetString("description")
		user, _ := cmd.Flags().GetString("user")

		req := bridge.CreateSnapshotRequest{
			Description: description,
			Source:      readEndpoint(cmd, ""),
			UserEmail:   user,
		}
		if len(args) == 1 {
			req.ID = args[0]
		}

		a, err := newApp(cmd.Context(), "CreateSnapshot")
		if err != nil {
			return err
		}
		defer a.Close()

		s, err := a.CreateSnapshot(cmd.Context(), req)
		if err != nil {
			return err
		}
		printSnapshot(s)
		return nil
	},
}

var snapshotGetCmd = &cobra.Command{
	Use:   "get <snapshot-id>",
	Short: "Show a snapshot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "GetSnapshot")
		if err != nil {
			return err
		}
		defer a.Close()

		s, err := a.GetSnapshot(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		printSnapshot(s)
		return nil
	},
}

var snapshotListCmd = &cobra.Command{
	Use:   "list",
	Short: "List snapshots",
	RunE: func(cmd *cobra.Command, args []string) error {
		host, _ := cmd.Flags().GetString("host")

		a, err := newApp(cmd.Context(), "ListSnapshots")
		if err != nil {
			return err
		}
		defer a.Close()

		snapshots, err := a.ListSnapshots(cmd.Context(), host)
		if err != nil {
			return err
		}
		if len(snapshots) == 0 {
			fmt.Println("No snapshots.")
			return nil
		}
		for _, s := range snapshots {
			fmt.Printf("%-50s  %-20s  %s\n", s.ID, s.Status, formatEndpoint(s.Source))
		}
		return nil
	},
}

var snapshotStagedCmd = &cobra.Command{
	Use:   "staged <snapshot-id>",
	Short: "Record that a snapshot's content has been staged",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		size, _ := cmd.Flags().GetInt64("size")

		a, err := newApp(cmd.Context(), "MarkStaged")
		if err != nil {
			return err
		}
		defer a.Close()

		s, err := a.MarkStaged(cmd.Context(), args[0], size)
		if err != nil {
			return err
		}
		printSnapshot(s)
		return nil
	},
}

var snapshotAddItemCmd = &cobra.Command{
	Use:   "add-item <snapshot-id> <content-id> [key=value ...]",
	Short: "Add a content item to a snapshot",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		props := bridge.Properties{}
		for _, kv := range args[2:] {
			key, value, ok := strings.Cut(kv, "=")
			if !ok {
				return fmt.Errorf("property %q is not key=value", kv)
			}
			props = append(props, bridge.Property{Key: key, Value: value})
		}

		a, err := newApp(cmd.Context(), "AddContentItem")
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.AddContentItem(cmd.Context(), args[0], args[1], props); err != nil {
			return err
		}
		fmt.Printf("Added %s to %s\n", args[1], args[0])
		return nil
	},
}

var snapshotCompleteCmd = &cobra.Command{
	Use:   "complete <snapshot-id>",
	Short: "Record that a snapshot's transfer to the preservation node is done",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "CompleteTransfer")
		if err != nil {
			return err
		}
		defer a.Close()

		s, err := a.CompleteTransfer(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		printSnapshot(s)
		return nil
	},
}

var snapshotFailCmd = &cobra.Command{
	Use:   "fail <snapshot-id> <detail>",
	Short: "Mark a snapshot as failed",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "FailSnapshot")
		if err != nil {
			return err
		}
		defer a.Close()

		s, err := a.FailSnapshot(cmd.Context(), args[0], args[1])
		if err != nil {
			return err
		}
		printSnapshot(s)
		return nil
	},
}

var snapshotFinalizeCmd = &cobra.Command{
	Use:   "finalize",
	Short: "Complete every snapshot whose cleanup has finished",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "FinalizeSnapshots")
		if err != nil {
			return err
		}
		defer a.Close()

		report, err := a.FinalizeSnapshots(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("Checked %d, finalized %d, pending %d, failed %d\n",
			report.Checked, len(report.Finalized), len(report.Pending), len(report.Failed))
		for _, id := range report.Finalized {
			fmt.Printf("  finalized  %s\n", id)
		}
		ids := make([]string, 0, len(report.Failed))
		for id := range report.Failed {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			fmt.Printf("  failed     %s: %v\n", id, report.Failed[id])
		}
		return nil
	},
}

var snapshotContentCmd = &cobra.Command{
	Use:   "content <snapshot-id>",
	Short: "List a snapshot's content",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		prefix, _ := cmd.Flags().GetString("prefix")
		page, _ := cmd.Flags().GetInt("page")
		pageSize, _ := cmd.Flags().GetInt("page-size")

		a, err := newApp(cmd.Context(), "ListContent")
		if err != nil {
			return err
		}
		defer a.Close()

		result, err := a.ListContent(cmd.Context(), bridge.ContentQuery{
			SnapshotID: args[0],
			Prefix:     prefix,
			Page:       page,
			PageSize:   pageSize,
		})
		if err != nil {
			return err
		}
		for _, item := range result.Items {
			fmt.Printf("%s  %s\n", item.Checksum, item.ContentID)
		}
		fmt.Printf("Page %d (%d per page), %d items total\n", result.Page, result.PageSize, result.TotalCount)
		return nil
	},
}

var snapshotVerifyCmd = &cobra.Command{
	Use:   "verify <snapshot-id>",
	Short: "Reconcile a snapshot's manifest with its content index",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "VerifySnapshot")
		if err != nil {
			return err
		}
		defer a.Close()

		rec, err := a.VerifySnapshot(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Manifest entries: %d\n", rec.Entries)
		fmt.Printf("Indexed items:    %d\n", rec.Items)
		for _, id := range rec.Missing {
			fmt.Printf("  missing     %s\n", id)
		}
		for _, id := range rec.Extra {
			fmt.Printf("  extra       %s\n", id)
		}
		for _, id := range rec.Mismatched {
			fmt.Printf("  mismatched  %s\n", id)
		}
		for _, id := range rec.Duplicates {
			fmt.Printf("  duplicate   %s\n", id)
		}
		if !rec.Consistent() {
			return fmt.Errorf("snapshot %s is inconsistent", args[0])
		}
		fmt.Println("Consistent.")
		return nil
	},
}

var snapshotExportCmd = &cobra.Command{
	Use:   "export <snapshot-id>",
	Short: "Upload a snapshot's manifests to the archive bucket",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "ExportManifests")
		if err != nil {
			return err
		}
		defer a.Close()

		keys, err := a.ExportManifests(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		for _, key := range keys {
			fmt.Printf("Exported %s\n", key)
		}
		return nil
	},
}

func init() {
	snapshotCmd.AddCommand(snapshotCreateCmd)
	endpointFlags(snapshotCreateCmd, "")
	snapshotCreateCmd.Flags().StringP("description", "d", "", "Snapshot description")
	snapshotCreateCmd.Flags().StringP("user", "u", "", "Email of the requesting user")

	snapshotCmd.AddCommand(snapshotGetCmd)
	snapshotCmd.AddCommand(snapshotListCmd)
	snapshotListCmd.Flags().String("host", "", "Only list snapshots of this storage host")

	snapshotCmd.AddCommand(snapshotStagedCmd)
	snapshotStagedCmd.Flags().Int64("size", 0, "Total size of the staged content in bytes")

	snapshotCmd.AddCommand(snapshotAddItemCmd)
	snapshotCmd.AddCommand(snapshotCompleteCmd)
	snapshotCmd.AddCommand(snapshotFailCmd)
	snapshotCmd.AddCommand(snapshotFinalizeCmd)

	snapshotCmd.AddCommand(snapshotContentCmd)
	snapshotContentCmd.Flags().String("prefix", "", "Only list content IDs with this prefix")
	snapshotContentCmd.Flags().Int("page", 0, "Page number, starting at 0")
	snapshotContentCmd.Flags().Int("page-size", bridge.DefaultPageSize, "Items per page")

	snapshotCmd.AddCommand(snapshotVerifyCmd)
	snapshotCmd.AddCommand(snapshotExportCmd)
}
