package main

import (
	"debug/elf"
	"encoding/binary"
	"unsafe"

	"ulpgo/agent"
	"ulpgo/agent/rewrite"
	"ulpgo/elfinfo"
	ulperrors "ulpgo/errors"
	"ulpgo/metadata"
)

// triggerFromFile loads the metadata at path and dispatches to apply or
// revert, matching §6.1's type byte.
func triggerFromFile(path string) error {
	md, err := metadata.LoadFile(path)
	if err != nil {
		return err
	}

	switch md.Type {
	case metadata.TypeApply:
		return applyMetadata(md)
	case metadata.TypeRevert:
		stateMu.Lock()
		defer stateMu.Unlock()
		return state.Revert(md.PatchID)
	default:
		return ulperrors.ErrUnknownMetadataType
	}
}

// applyMetadata resolves every patch unit's addresses in this process via
// dlopen/dlsym against the target library (md.Target.Name, already mapped)
// and the livepatch object (md.Target.SoFilename, loaded fresh here), then
// hands the resolved units to the state engine.
func applyMetadata(md *metadata.PatchMetadata) error {
	if err := verifyBuildID(md); err != nil {
		return err
	}

	targetHandle, err := dlHandle(md.Target.Name)
	if err != nil {
		return err
	}
	patchHandle, err := dlHandle(md.Target.SoFilename)
	if err != nil {
		return err
	}

	getLocalUniverse := resolveLocalUniverseFn(targetHandle)

	units := make([]agent.ResolvedUnit, 0, len(md.Target.Units))
	for _, u := range md.Target.Units {
		leaAddr, err := dlResolve(targetHandle, u.OldFname)
		if err != nil {
			return err
		}
		patchedAddr := ulpEntryFromRuntimeAddr(leaAddr)

		targetAddr, err := dlResolve(patchHandle, u.NewFname)
		if err != nil {
			return err
		}

		units = append(units, agent.ResolvedUnit{
			OldFname:         u.OldFname,
			PatchedAddr:      patchedAddr,
			TargetAddr:       targetAddr,
			GetLocalUniverse: getLocalUniverse,
		})
	}

	stateMu.Lock()
	defer stateMu.Unlock()
	return state.Apply(md, units, rewriteCallSite)
}

// localUniverseSymbol is the optional per-library symbol a live-patchable
// target exports to report its calling thread's local universe.
const localUniverseSymbol = "__ulp_ret_local_universe"

// resolveLocalUniverseFn resolves targetHandle's __ulp_ret_local_universe,
// mirroring the reference agent's root->get_local_universe = dlsym(...);
// if (!root->get_local_universe) root->get_local_universe = return_zero.
// Returns nil when the target does not export the symbol, so the caller
// falls back to agent.State's own zero-universe default.
func resolveLocalUniverseFn(targetHandle unsafe.Pointer) func() uint64 {
	addr, err := dlResolve(targetHandle, localUniverseSymbol)
	if err != nil {
		return nil
	}
	return func() uint64 { return callLocalUniverse(addr) }
}

// ulpLeaLen is the fixed length of a .ulp section jump-slot entry.
const ulpLeaLen = 7

// ulpEntryFromRuntimeAddr mirrors the reference agent's
// get_fentry_from_ulp: the jump-slot lea instruction at leaAddr encodes,
// as its 4-byte rip-relative displacement at offset 3, the distance from
// the end of the instruction to the function's true entry point. Unlike
// elfinfo.UlpEntry (which works from the on-disk ELF image for static
// inspection), this reads the instruction directly out of the running
// process's own mapped memory, since no load-bias arithmetic is needed
// for an address dlsym already resolved to a runtime address.
func ulpEntryFromRuntimeAddr(leaAddr uint64) uint64 {
	raw := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(leaAddr))), ulpLeaLen)
	disp := int32(binary.LittleEndian.Uint32(raw[3:7]))
	return leaAddr + uint64(disp) + ulpLeaLen
}

// rewriteCallSite adapts agent/rewrite.PatchCallSite to the agent.RewriteFunc
// signature, threading the dispatcher trampoline's own address in as the
// jump target every installed prologue lands on.
func rewriteCallSite(patchedAddr uint64, index uint64) ([14]byte, error) {
	return rewrite.PatchCallSite(uintptr(patchedAddr), rewrite.PreNopsLen, uint32(index), dispatcherTrampolineAddr())
}

// verifyBuildID cross-checks the metadata's declared build-id against the
// on-disk target object before any mutation, per §8 scenario 5.
func verifyBuildID(md *metadata.PatchMetadata) error {
	f, err := elf.Open(md.Target.Name)
	if err != nil {
		return ulperrors.Wrap(err, ulperrors.ErrSymbolMissing, "open target object")
	}
	defer f.Close()

	actual, err := elfinfo.BuildID(f)
	if err != nil {
		return err
	}
	if string(actual) != string(md.Target.BuildId) {
		return ulperrors.New(ulperrors.ErrBuildIdMismatch, "verify build id", "target object build-id does not match metadata")
	}
	return nil
}
