package cmd

import (
	"debug/elf"

	"ulpgo/elfinfo"
	ulperrors "ulpgo/errors"
	"ulpgo/inspect"
	"ulpgo/procio"
)

// agentStateSymbol is the agent's load_state flag; zero means its
// constructor has not yet run.
const agentStateSymbol = "__ulp_state"

// agentEntryPoints holds the runtime addresses of the agent ABI symbols a
// driver subcommand needs, resolved once per invocation against the
// target's link map.
type agentEntryPoints struct {
	PathBuffer     uint64
	DumpBuffer     uint64
	Trigger        uint64
	CheckPatched   uint64
	Testlocks      uint64
	GlobalUniverse uint64
	DumpState      uint64
}

// locateAgent inspects pid, finds its agent object, and resolves the given
// symbol names against it, adding the object's load bias to each. Per
// §4.2, it also reads the agent's load_state flag and fails with
// AgentNotReady if the constructor has not run yet, before any entry
// point address is handed back to a caller that might invoke it.
func locateAgent(pid int, symbols ...string) (*inspect.ProcessView, map[string]uint64, error) {
	view, err := inspect.Inspect(pid)
	if err != nil {
		return nil, nil, err
	}

	f, err := elf.Open(view.Agent.Name)
	if err != nil {
		return nil, nil, ulperrors.Wrap(err, ulperrors.ErrAgentMissing, "open agent object")
	}
	defer f.Close()

	stateAddr, err := elfinfo.Symbol(f, agentStateSymbol)
	if err != nil {
		return nil, nil, err
	}
	var loadState [1]byte
	if err := procio.ReadMemory(pid, uintptr(stateAddr+view.Agent.Base), loadState[:]); err != nil {
		return nil, nil, err
	}
	if loadState[0] == 0 {
		return nil, nil, ulperrors.ErrAgentConstructorPending
	}

	resolved := make(map[string]uint64, len(symbols))
	for _, name := range symbols {
		addr, err := elfinfo.Symbol(f, name)
		if err != nil {
			return nil, nil, err
		}
		resolved[name] = addr + view.Agent.Base
	}
	return view, resolved, nil
}

// resolveEntryPoints resolves the full agent ABI surface a hijack-based
// subcommand might need. Callers that only need a subset still resolve
// every symbol; elfinfo.Symbol reads the symbol table once per name.
func resolveEntryPoints(pid int) (*inspect.ProcessView, *agentEntryPoints, error) {
	view, addrs, err := locateAgent(pid,
		"__ulp_path_buffer",
		"__ulp_dump_buffer",
		"__ulp_trigger",
		"__ulp_check_patched",
		"__ulp_testlocks",
		"__ulp_get_global_universe",
		"__ulp_dump_state",
	)
	if err != nil {
		return nil, nil, err
	}

	return view, &agentEntryPoints{
		PathBuffer:     addrs["__ulp_path_buffer"],
		DumpBuffer:     addrs["__ulp_dump_buffer"],
		Trigger:        addrs["__ulp_trigger"],
		CheckPatched:   addrs["__ulp_check_patched"],
		Testlocks:      addrs["__ulp_testlocks"],
		GlobalUniverse: addrs["__ulp_get_global_universe"],
		DumpState:      addrs["__ulp_dump_state"],
	}, nil
}
