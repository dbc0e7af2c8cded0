package cmd

import (
	"context"

	"ulpgo/hijack"
	"ulpgo/logging"
)

// triggerAgent runs the shared apply/revert dataflow described in §2 and
// §4.7: locate the agent object, open a hijack session against pid, wait
// out the allocator/dynamic-linker locks, stage metadataPath into the
// agent's path buffer, and redirect the main thread into __ulp_trigger.
// The agent itself distinguishes apply from revert by the metadata file's
// leading type byte, so both subcommands share this one driver path.
func triggerAgent(ctx context.Context, pid int, metadataPath string) error {
	_, entry, err := resolveEntryPoints(pid)
	if err != nil {
		return err
	}

	session, err := hijack.Begin(ctx, pid)
	if err != nil {
		return err
	}

	result, err := func() (uint64, error) {
		if err := session.WaitForLocks(ctx, entry.Testlocks); err != nil {
			return 0, err
		}
		if err := session.WriteString(entry.PathBuffer, metadataPath); err != nil {
			return 0, err
		}
		return session.RunAndRedirect(ctx, entry.Trigger, 0)
	}()

	if endErr := session.End(); endErr != nil {
		logging.Error("failed to restore target after trigger", "pid", pid, "error", endErr)
		if err == nil {
			err = endErr
		}
	}
	if err != nil {
		return err
	}

	if int64(result) != 0 {
		logging.Error("agent trigger returned failure", "pid", pid, "metadata", metadataPath)
	}
	return nil
}
