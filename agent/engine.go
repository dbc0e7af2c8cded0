package agent

import (
	"fmt"
	"strings"

	ulperrors "ulpgo/errors"
	"ulpgo/metadata"
)

// State is the agent's process-wide engine state. Per the hijack protocol's
// critical-section discipline, every mutation happens on a single hijacked
// thread with every other thread of the process stopped: State intentionally
// carries no internal locks or atomics, unlike every other stateful type in
// this repository.
type State struct {
	loadState      bool
	globalUniverse uint64
	applied        []*AppliedPatch
	roots          []*DetourRoot
}

// NewState constructs an agent engine with load_state set, as the agent's
// constructor would on library load.
func NewState() *State {
	return &State{loadState: true}
}

// Ready reports whether the agent constructor has run.
func (s *State) Ready() bool { return s.loadState }

// GlobalUniverse returns the current global universe counter.
func (s *State) GlobalUniverse() uint64 { return s.globalUniverse }

// IsApplied reports whether id is currently applied, via a linear scan of
// the applied list.
func (s *State) IsApplied(id metadata.PatchId) bool {
	return s.find(id) != nil
}

func (s *State) find(id metadata.PatchId) *AppliedPatch {
	for _, p := range s.applied {
		if p.PatchID == id {
			return p
		}
	}
	return nil
}

// findRoot returns the DetourRoot for patchedAddr, or nil.
func (s *State) findRoot(patchedAddr uint64) *DetourRoot {
	for _, r := range s.roots {
		if r.PatchedAddr == patchedAddr {
			return r
		}
	}
	return nil
}

// RootByIndex returns the DetourRoot with the given index, or nil. The
// dispatcher trampoline uses this to turn the scratch-register index a
// patched call site embeds back into the root it belongs to.
func (s *State) RootByIndex(index uint64) *DetourRoot {
	for _, r := range s.roots {
		if r.Index == index {
			return r
		}
	}
	return nil
}

// ResolvedUnit is one PatchUnit after symbol resolution, ready to apply.
type ResolvedUnit struct {
	OldFname    string
	PatchedAddr uint64
	TargetAddr  uint64
	// GetLocalUniverse reads the target library's __ulp_ret_local_universe,
	// if it exports one. Only consulted the first time a DetourRoot is
	// created for PatchedAddr; nil falls back to defaultLocalUniverse,
	// mirroring the reference agent's root->get_local_universe = return_zero.
	GetLocalUniverse func() uint64
}

// RewriteFunc installs the dispatcher prologue at a call site, returning
// the 14 bytes it overwrote.
type RewriteFunc func(patchedAddr uint64, index uint64) ([14]byte, error)

// Apply installs md (type must be apply) using the already-resolved units,
// following the ordering in §4.4: bump the universe, build the applied
// record, find-or-create each DetourRoot, push a new active Detour, then
// rewrite the call site.
func (s *State) Apply(md *metadata.PatchMetadata, units []ResolvedUnit, rewrite RewriteFunc) error {
	if md.Type != metadata.TypeApply {
		return ulperrors.New(ulperrors.ErrInvalidMetadata, "apply", "metadata is not an apply record")
	}
	if s.IsApplied(md.PatchID) {
		return ulperrors.WrapWithPatch(nil, ulperrors.ErrAlreadyApplied, "apply", md.PatchID)
	}
	for _, dep := range md.Deps {
		if !s.IsApplied(dep) {
			return ulperrors.WrapWithPatch(nil, ulperrors.ErrDependencyMissing, "apply", md.PatchID)
		}
	}
	if len(units) == 0 {
		return ulperrors.ErrNoPatchUnits
	}

	s.globalUniverse++
	u := s.globalUniverse

	applied := &AppliedPatch{
		PatchID: md.PatchID,
		Deps:    md.Deps,
	}

	for _, unit := range units {
		root := s.findRoot(unit.PatchedAddr)
		if root == nil {
			getLocalUniverse := unit.GetLocalUniverse
			if getLocalUniverse == nil {
				getLocalUniverse = defaultLocalUniverse
			}
			root = &DetourRoot{
				Index:            uint64(len(s.roots)),
				PatchedAddr:      unit.PatchedAddr,
				GetLocalUniverse: getLocalUniverse,
			}
			s.roots = append(s.roots, root)
		}

		detour := &Detour{
			Universe:   u,
			PatchID:    md.PatchID,
			TargetAddr: unit.TargetAddr,
			Active:     true,
		}
		root.Detours = append([]*Detour{detour}, root.Detours...)

		overwritten, err := rewrite(unit.PatchedAddr, root.Index)
		if err != nil {
			return ulperrors.WrapWithPatch(err, ulperrors.ErrMemoryProtectionFailed, "apply", md.PatchID)
		}

		applied.Units = append(applied.Units, AppliedUnit{
			PatchedAddr:      unit.PatchedAddr,
			TargetAddr:       unit.TargetAddr,
			OverwrittenBytes: overwritten,
		})
	}

	s.applied = append([]*AppliedPatch{applied}, s.applied...)
	return nil
}

// Revert undoes a previously applied patch, following §4.4's revert
// ordering: reject if other applied patches depend on it, bump the
// universe, mark every matching detour inactive, then unlink the record.
func (s *State) Revert(id metadata.PatchId) error {
	if !s.IsApplied(id) {
		return ulperrors.ErrPatchNotApplied
	}
	if deps := s.DependentsOf(id); len(deps) > 0 {
		names := make([]string, len(deps))
		for i, d := range deps {
			names[i] = fmt.Sprintf("%x", d)
		}
		return ulperrors.WrapWithDetail(ulperrors.ErrDependentsExist, ulperrors.ErrDependencyMissing, "revert",
			"required by "+strings.Join(names, ", "))
	}

	s.globalUniverse++

	for _, root := range s.roots {
		for _, d := range root.Detours {
			if d.PatchID == id {
				d.Active = false
			}
		}
	}

	s.applied = removePatch(s.applied, id)
	return nil
}

func removePatch(list []*AppliedPatch, id metadata.PatchId) []*AppliedPatch {
	out := list[:0:0]
	for _, p := range list {
		if p.PatchID != id {
			out = append(out, p)
		}
	}
	return out
}

// DependentsOf returns the ids of every currently applied patch that
// declares id as a dependency.
func (s *State) DependentsOf(id metadata.PatchId) []metadata.PatchId {
	var deps []metadata.PatchId
	for _, p := range s.applied {
		for _, d := range p.Deps {
			if d == id {
				deps = append(deps, p.PatchID)
				break
			}
		}
	}
	return deps
}

// DumpState renders the applied-patch list and detour table in the same
// shape the reference agent prints to its diagnostic stream.
func (s *State) DumpState() string {
	var b strings.Builder
	fmt.Fprintln(&b, "----- ULP state dump -----")
	for _, p := range s.applied {
		fmt.Fprintf(&b, "* PATCH %x\n", p.PatchID)
		for _, dep := range p.Deps {
			fmt.Fprintf(&b, "* DEPENDS %x\n", dep)
		}
		for _, u := range p.Units {
			fmt.Fprintf(&b, "** %#x -> %#x\n", u.PatchedAddr, u.TargetAddr)
		}
	}
	fmt.Fprintln(&b, "----- End of dump -----")

	fmt.Fprintln(&b, "====== ULP Roots ======")
	for _, r := range s.roots {
		fmt.Fprintf(&b, "* ROOT index=%d patched_addr=%#x\n", r.Index, r.PatchedAddr)
		for _, d := range r.Detours {
			fmt.Fprintf(&b, "  * DETOUR universe=%d target=%#x active=%t patch=%x\n",
				d.Universe, d.TargetAddr, d.Active, d.PatchID)
		}
	}
	return b.String()
}
