package cmd

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	ulperrors "ulpgo/errors"
	"ulpgo/metadata"
)

var revertCmd = &cobra.Command{
	Use:   "revert <pid> <patch-id-hex>",
	Short: "Revert a previously applied livepatch",
	Long: `Synthesizes a bare revert metadata record for the named patch id and
drives it through the same hijack dataflow as apply.`,
	Args: cobra.ExactArgs(2),
	RunE: runRevert,
}

func init() {
	rootCmd.AddCommand(revertCmd)
}

func runRevert(cmd *cobra.Command, args []string) error {
	ctx := GetContext()

	pid, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("parse pid: %w", err)
	}

	id, err := parsePatchID(args[1])
	if err != nil {
		return err
	}

	path, cleanup, err := writeRevertMetadata(id)
	if err != nil {
		return err
	}
	defer cleanup()

	return triggerAgent(ctx, pid, path)
}

// parsePatchID decodes a hex-encoded patch id, left-padding with zero bytes
// if the caller supplied fewer than 32 bytes' worth of hex digits.
func parsePatchID(s string) (metadata.PatchId, error) {
	var id metadata.PatchId
	raw, err := hex.DecodeString(s)
	if err != nil {
		return id, ulperrors.WrapWithDetail(err, ulperrors.ErrInvalidMetadata, "parse patch id", "not valid hex")
	}
	if len(raw) > len(id) {
		return id, ulperrors.New(ulperrors.ErrInvalidMetadata, "parse patch id", "hex value longer than 32 bytes")
	}
	copy(id[len(id)-len(raw):], raw)
	return id, nil
}

// writeRevertMetadata encodes a minimal revert record to a temp file and
// returns its path plus a cleanup func to remove it.
func writeRevertMetadata(id metadata.PatchId) (string, func(), error) {
	f, err := os.CreateTemp("", "ulpctl-revert-*.bin")
	if err != nil {
		return "", nil, ulperrors.Wrap(err, ulperrors.ErrInvalidMetadata, "create revert metadata file")
	}
	cleanup := func() { os.Remove(f.Name()) }

	md := &metadata.PatchMetadata{
		Type:    metadata.TypeRevert,
		PatchID: id,
	}
	if err := metadata.Encode(f, md); err != nil {
		f.Close()
		cleanup()
		return "", nil, err
	}
	if err := f.Close(); err != nil {
		cleanup()
		return "", nil, ulperrors.Wrap(err, ulperrors.ErrInvalidMetadata, "close revert metadata file")
	}
	return f.Name(), cleanup, nil
}
