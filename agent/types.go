// Package agent implements the in-process patch engine: the global
// apply/revert state machine, detour bookkeeping, and the dispatcher
// selection rule every patched call site depends on.
package agent

import "ulpgo/metadata"

// AppliedUnit is one function replacement as recorded in an AppliedPatch.
type AppliedUnit struct {
	PatchedAddr      uint64
	TargetAddr       uint64
	OverwrittenBytes [14]byte
}

// AppliedPatch records one applied patch and the units it installed.
type AppliedPatch struct {
	PatchID metadata.PatchId
	Units   []AppliedUnit
	Deps    []metadata.PatchId
}

// Detour is one (DetourRoot x patch) pair: a candidate implementation for
// a call site, tagged with the global universe value at which it became
// active.
type Detour struct {
	Universe   uint64
	PatchID    metadata.PatchId
	TargetAddr uint64
	Active     bool
}

// DetourRoot is the per-call-site record the dispatcher selects from. Its
// Detours slice is maintained newest-first (strictly decreasing Universe).
type DetourRoot struct {
	Index            uint64
	PatchedAddr      uint64
	GetLocalUniverse func() uint64
	Detours          []*Detour
}

// defaultLocalUniverse is used when a live-patchable library has not
// shipped __ulp_ret_local_universe.
func defaultLocalUniverse() uint64 { return 0 }
