package main

/*
extern unsigned long long ulpSelectTargetAsm(unsigned long long index);

// ulp_dispatch_trampoline is the shared indirect-jump target every patched
// call site's prologue lands on (the absolute address patched into the
// prologue template at offset 14; see agent/rewrite). On entry, %rdi holds
// the DetourRoot index the prologue's "mov $index, %rdi" installed; the
// call site's original %rdi was pushed onto the stack immediately before
// that by the prologue's leading "push %rdi". ulpSelectTargetAsm runs the
// dispatch selection rule in Go and returns the address to jump to. Since
// call/ret are self-balancing, the stack holds exactly the pushed %rdi
// again once the call returns, so popping it restores the caller's
// original argument before the tail jump.
__asm__(
    ".text\n"
    ".global ulp_dispatch_trampoline\n"
    "ulp_dispatch_trampoline:\n"
    "  call ulpSelectTargetAsm\n"
    "  popq %rdi\n"
    "  jmpq *%rax\n"
);

extern void ulp_dispatch_trampoline(void);

static unsigned long long trampoline_addr(void) {
    return (unsigned long long)(void *)&ulp_dispatch_trampoline;
}
*/
import "C"

import "ulpgo/agent/dispatch"

// dispatcherTrampolineAddr returns the runtime address of the native
// dispatch trampoline, the value every rewritten call site's prologue
// embeds as its jump target.
func dispatcherTrampolineAddr() uint64 {
	return uint64(C.trampoline_addr())
}

// ulpSelectTargetAsm is called directly from the trampoline's assembly; it
// must not be called from Go. index identifies the DetourRoot the calling
// prologue belongs to. It returns the original function body's address
// when no detour applies, or the selected replacement's address.
//
//export ulpSelectTargetAsm
func ulpSelectTargetAsm(index C.ulonglong) C.ulonglong {
	stateMu.Lock()
	root := state.RootByIndex(uint64(index))
	stateMu.Unlock()

	if root == nil {
		// No known root for this index: nothing sane to jump to. This
		// should be unreachable since the index is only ever one the
		// agent itself assigned.
		return 0
	}

	localUniverse := root.GetLocalUniverse()
	detour := dispatch.Select(root, localUniverse)
	if detour == nil {
		// root.PatchedAddr is the address of the 2-byte backward jump
		// §6.2 installs as the patched function's first instruction, back
		// into the rewritten prologue; skip it so the unpatched path runs
		// the function body instead of re-entering the dispatcher.
		return C.ulonglong(root.PatchedAddr + 2)
	}
	return C.ulonglong(detour.TargetAddr)
}
