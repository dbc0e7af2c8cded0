package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"ulpgo/hijack"
	"ulpgo/metadata"
)

var statusPatchID string

var statusCmd = &cobra.Command{
	Use:   "status <pid>",
	Short: "Query a running target's patch state",
	Long: `Without --patch-id, reports the target's current global universe
counter. With --patch-id, hijacks the target to ask the agent whether that
patch is currently applied.`,
	Args: cobra.ExactArgs(1),
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().StringVar(&statusPatchID, "patch-id", "", "hex-encoded patch id to check (is-applied query)")
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := GetContext()

	pid, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("parse pid: %w", err)
	}

	_, entry, err := resolveEntryPoints(pid)
	if err != nil {
		return err
	}

	session, err := hijack.Begin(ctx, pid)
	if err != nil {
		return err
	}
	defer func() {
		if err := session.End(); err != nil {
			fmt.Fprintln(cmd.ErrOrStderr(), "warning: failed to restore target:", err)
		}
	}()

	if err := session.WaitForLocks(ctx, entry.Testlocks); err != nil {
		return err
	}

	if statusPatchID == "" {
		universe, err := session.RunAndRedirect(ctx, entry.GlobalUniverse, 0)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "global_universe: %d\n", universe)
		return nil
	}

	id, err := parsePatchID(statusPatchID)
	if err != nil {
		return err
	}
	if err := session.WriteString(entry.PathBuffer, string(id[:])); err != nil {
		return err
	}
	result, err := session.RunAndRedirect(ctx, entry.CheckPatched, 0)
	if err != nil {
		return err
	}

	applied := int64(result) == 1
	fmt.Fprintf(cmd.OutOrStdout(), "patch %x applied: %t\n", metadata.PatchId(id), applied)
	return nil
}
