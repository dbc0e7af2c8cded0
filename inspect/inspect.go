// Package inspect builds a ProcessView of a running target: its load bias,
// the dynamic linker's link map, and a classification of every loaded
// object as agent, live-patchable target, patch object, or generic.
package inspect

import (
	"bufio"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"strings"

	ulperrors "ulpgo/errors"
	"ulpgo/procio"
)

// ObjectKind classifies a loaded object in the target's address space.
type ObjectKind int

const (
	// KindGeneric is any loaded object that is none of the below.
	KindGeneric ObjectKind = iota
	// KindAgent is the in-process agent, identified by its sentinel symbols.
	KindAgent
	// KindLivePatchable is a library exporting the local-universe symbol.
	KindLivePatchable
	// KindPatchObject is a livepatch shared object, identified by filename marker.
	KindPatchObject
)

// livePatchMarker is the filename substring that flags a loaded object as
// a livepatch shared object when no stronger classification applies.
const livePatchMarker = "_livepatch"

// localUniverseSymbol is the optional per-library symbol returning the
// thread's local universe counter.
const localUniverseSymbol = "__ulp_ret_local_universe"

// agentSentinelSymbols must all be present for an object to be the agent.
var agentSentinelSymbols = []string{
	"__ulp_trigger",
	"__ulp_path_buffer",
	"__ulp_check_patched",
	"__ulp_state",
	"__ulp_get_global_universe",
	"__ulp_testlocks",
}

// LoadedObject is one entry in the target's link map.
type LoadedObject struct {
	// Name is the absolute path the loader mapped this object from.
	Name string
	// Base is the object's load address (link_map.l_addr).
	Base uint64
	// Kind classifies the object.
	Kind ObjectKind
}

// ProcessView is the inspector's output for one target pid.
type ProcessView struct {
	Pid      int
	LoadBias uint64
	DynAddr  uint64
	Objects  []LoadedObject
	Agent    *LoadedObject
}

const phdrEntrySize = 56 // sizeof(Elf64_Phdr)

const (
	ptPhdr    = 6 // PT_PHDR
	ptDynamic = 2 // PT_DYNAMIC

	atNull  = 0
	atEntry = 9
	atPhdr  = 3
	atPhnum = 5
	atPhent = 4
)

// auxvEntry mirrors Elf64_auxv_t: a tag/value pair.
type auxvEntry struct {
	Type uint64
	Val  uint64
}

// loadBias reads /proc/<pid>/auxv and the target's program headers to
// derive load_bias = AT_PHDR - PT_PHDR.p_vaddr, per §4.2.
func loadBias(pid int) (bias uint64, dynVaddr uint64, err error) {
	f, ferr := os.Open(fmt.Sprintf("/proc/%d/auxv", pid))
	if ferr != nil {
		return 0, 0, ulperrors.Wrap(ferr, ulperrors.ErrReadWriteFailed, "open auxv")
	}
	defer f.Close()

	var atPhdrVal, atPhnumVal, atPhentVal, atEntryVal uint64
	buf := make([]byte, 16)
	for {
		if _, rerr := io.ReadFull(f, buf); rerr != nil {
			break
		}
		e := auxvEntry{
			Type: binary.LittleEndian.Uint64(buf[0:8]),
			Val:  binary.LittleEndian.Uint64(buf[8:16]),
		}
		switch e.Type {
		case atEntry:
			atEntryVal = e.Val
		case atPhdr:
			atPhdrVal = e.Val
		case atPhnum:
			atPhnumVal = e.Val
		case atPhent:
			atPhentVal = e.Val
		case atNull:
			goto done
		}
	}
done:
	if atEntryVal == 0 {
		return 0, 0, ulperrors.New(ulperrors.ErrAgentMissing, "load bias", "no AT_ENTRY in auxv")
	}
	if atPhdrVal == 0 {
		return 0, 0, ulperrors.New(ulperrors.ErrAgentMissing, "load bias", "no AT_PHDR in auxv")
	}
	if atPhentVal != phdrEntrySize {
		return 0, 0, ulperrors.New(ulperrors.ErrAgentMissing, "load bias", "unexpected phdr entry size, 32-bit target?")
	}

	var ptPhdrVaddr, ptDynVaddr uint64
	phdr := make([]byte, phdrEntrySize)
	for i := uint64(0); i < atPhnumVal; i++ {
		if err := procio.ReadMemory(pid, uintptr(atPhdrVal+i*uint64(phdrEntrySize)), phdr); err != nil {
			return 0, 0, ulperrors.Wrap(err, ulperrors.ErrReadWriteFailed, "read phdr entry")
		}
		ptype := binary.LittleEndian.Uint32(phdr[0:4])
		vaddr := binary.LittleEndian.Uint64(phdr[16:24])
		switch ptype {
		case ptPhdr:
			ptPhdrVaddr = vaddr
		case ptDynamic:
			ptDynVaddr = vaddr
		}
	}

	if ptPhdrVaddr == 0 {
		return 0, ptDynVaddr, nil
	}
	bias = atPhdrVal - ptPhdrVaddr
	return bias, ptDynVaddr + bias, nil
}

const dtDebug = 21 // DT_DEBUG

// dynEntry mirrors Elf64_Dyn.
type dynEntry struct {
	Tag uint64
	Val uint64
}

// rDebugMapOffset is offsetof(struct r_debug, r_map) on x86-64: one int
// (padded to 8 bytes) precedes the r_map pointer.
const rDebugMapOffset = 8

// linkMapEntry mirrors struct link_map's leading fields on x86-64:
// l_addr, l_name, l_ld, l_next, l_prev.
type linkMapEntry struct {
	Addr uint64
	Name uint64
	Ld   uint64
	Next uint64
	Prev uint64
}

const linkMapEntrySize = 40

// walkLinkMap follows the .dynamic -> DT_DEBUG -> r_debug -> r_map chain
// and reads every node, returning each loaded object with an absolute
// name unclassified (Inspect classifies them).
func walkLinkMap(pid int, dynAddr uint64) ([]LoadedObject, error) {
	var rDebug uint64
	buf := make([]byte, 16)
	for i := 0; ; i++ {
		if err := procio.ReadMemory(pid, uintptr(dynAddr+uint64(i)*16), buf); err != nil {
			return nil, ulperrors.Wrap(err, ulperrors.ErrReadWriteFailed, "walk .dynamic")
		}
		tag := binary.LittleEndian.Uint64(buf[0:8])
		if tag == 0 {
			break
		}
		if tag == dtDebug {
			rDebug = binary.LittleEndian.Uint64(buf[8:16])
			break
		}
	}
	if rDebug == 0 {
		return nil, ulperrors.New(ulperrors.ErrAgentMissing, "walk link map", "no DT_DEBUG entry")
	}

	var mapWord [8]byte
	if err := procio.ReadMemory(pid, uintptr(rDebug+rDebugMapOffset), mapWord[:]); err != nil {
		return nil, ulperrors.Wrap(err, ulperrors.ErrReadWriteFailed, "read r_map")
	}
	node := binary.LittleEndian.Uint64(mapWord[:])

	var objects []LoadedObject
	for node != 0 {
		raw := make([]byte, linkMapEntrySize)
		if err := procio.ReadMemory(pid, uintptr(node), raw); err != nil {
			return nil, ulperrors.Wrap(err, ulperrors.ErrReadWriteFailed, "read link_map node")
		}
		entry := linkMapEntry{
			Addr: binary.LittleEndian.Uint64(raw[0:8]),
			Name: binary.LittleEndian.Uint64(raw[8:16]),
			Next: binary.LittleEndian.Uint64(raw[24:32]),
		}

		if entry.Name != 0 {
			name, err := procio.ReadCString(pid, uintptr(entry.Name), 4096)
			if err == nil && strings.HasPrefix(name, "/") {
				objects = append(objects, LoadedObject{Name: name, Base: entry.Addr})
			}
		}
		node = entry.Next
	}
	return objects, nil
}

// classify inspects name's ELF symbol table and populates kind on obj.
func classify(obj *LoadedObject) {
	f, err := elf.Open(obj.Name)
	if err != nil {
		obj.Kind = KindGeneric
		return
	}
	defer f.Close()

	syms, serr := f.DynamicSymbols()
	if serr != nil || len(syms) == 0 {
		syms, _ = f.Symbols()
	}
	have := make(map[string]bool, len(syms))
	for _, s := range syms {
		have[s.Name] = true
	}

	allAgent := true
	for _, name := range agentSentinelSymbols {
		if !have[name] {
			allAgent = false
			break
		}
	}
	switch {
	case allAgent:
		obj.Kind = KindAgent
	case have[localUniverseSymbol]:
		obj.Kind = KindLivePatchable
	case strings.Contains(obj.Name, livePatchMarker):
		obj.Kind = KindPatchObject
	default:
		obj.Kind = KindGeneric
	}
}

// Inspect builds a ProcessView of pid: its load bias and the classified
// contents of its link map.
func Inspect(pid int) (*ProcessView, error) {
	bias, dynAddr, err := loadBias(pid)
	if err != nil {
		return nil, err
	}

	objects, err := walkLinkMap(pid, dynAddr)
	if err != nil {
		return nil, err
	}

	view := &ProcessView{
		Pid:      pid,
		LoadBias: bias,
		DynAddr:  dynAddr,
		Objects:  objects,
	}

	var agents []int
	for i := range view.Objects {
		classify(&view.Objects[i])
		if view.Objects[i].Kind == KindAgent {
			agents = append(agents, i)
		}
	}

	switch len(agents) {
	case 0:
		return view, ulperrors.ErrNoAgentObject
	case 1:
		view.Agent = &view.Objects[agents[0]]
	default:
		return view, ulperrors.ErrAmbiguousAgent
	}

	return view, nil
}

// CrossCheckBuildID reports whether some line of /proc/<pid>/maps ends
// with name, i.e. whether the object the link-map walk reported is also
// mapped under that path. It compares paths only; no build-id is read or
// compared.
func CrossCheckBuildID(pid int, name string) (bool, error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/maps", pid))
	if err != nil {
		return false, ulperrors.Wrap(err, ulperrors.ErrReadWriteFailed, "open maps")
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasSuffix(line, name) {
			return true, nil
		}
	}
	return false, nil
}
