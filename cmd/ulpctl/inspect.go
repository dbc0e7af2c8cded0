package cmd

import (
	"fmt"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"ulpgo/hijack"
	"ulpgo/inspect"
)

var inspectDumpAgentState bool

var inspectCmd = &cobra.Command{
	Use:   "inspect <pid>",
	Short: "Print the classified object list of a running target",
	Long: `Walks the target's link map standalone, without opening a hijack
session, and prints every loaded object with its load address and
classification (agent, live-patchable, patch object, or generic).

With --dump-agent-state, additionally hijacks the target to retrieve the
agent's full applied-patch and detour-root dump.`,
	Args: cobra.ExactArgs(1),
	RunE: runInspect,
}

func init() {
	rootCmd.AddCommand(inspectCmd)
	inspectCmd.Flags().BoolVar(&inspectDumpAgentState, "dump-agent-state", false, "hijack the target to print the agent's full state dump")
}

func runInspect(cmd *cobra.Command, args []string) error {
	pid, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("parse pid: %w", err)
	}

	view, err := inspect.Inspect(pid)
	if err != nil && view == nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "BASE\tKIND\tNAME")
	for _, obj := range view.Objects {
		fmt.Fprintf(w, "%#x\t%s\t%s\n", obj.Base, kindString(obj.Kind), obj.Name)
	}
	if ferr := w.Flush(); ferr != nil {
		return ferr
	}

	if err != nil {
		fmt.Fprintln(cmd.ErrOrStderr(), "note:", err)
	}

	if !inspectDumpAgentState {
		return nil
	}
	if view.Agent == nil {
		return err
	}
	return dumpAgentState(cmd, pid)
}

func kindString(k inspect.ObjectKind) string {
	switch k {
	case inspect.KindAgent:
		return "agent"
	case inspect.KindLivePatchable:
		return "live-patchable"
	case inspect.KindPatchObject:
		return "patch-object"
	default:
		return "generic"
	}
}

// dumpAgentState hijacks pid just long enough to trigger __ulp_dump_state
// and read back what it wrote into __ulp_dump_buffer.
func dumpAgentState(cmd *cobra.Command, pid int) error {
	ctx := GetContext()

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
	n, err := session.RunAndRedirect(ctx, entry.DumpState, 0)
	if err != nil {
		return err
	}

	dump, err := session.ReadCString(entry.DumpBuffer, int(n)+1)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), dump)
	return nil
}
