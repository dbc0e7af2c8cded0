package main

/*
#cgo LDFLAGS: -ldl
#include <dlfcn.h>
#include <stdlib.h>

typedef unsigned long long (*ulp_local_universe_fn)(void);

// callLocalUniverseFn invokes a resolved __ulp_ret_local_universe symbol
// as a plain C function, matching the reference agent's use of
// root->get_local_universe() as a bare function pointer call.
static unsigned long long callLocalUniverseFn(void *fn) {
    ulp_local_universe_fn f = (ulp_local_universe_fn)fn;
    return f();
}
*/
import "C"

import (
	"unsafe"

	ulperrors "ulpgo/errors"
)

// dlHandle returns a handle to path, matching the reference agent's
// load_so: a plain dlopen. For a target library already mapped into this
// process this only bumps the loader's refcount and returns the existing
// mapping; for a livepatch object it performs the actual load.
func dlHandle(path string) (unsafe.Pointer, error) {
	cpath := C.CString(path)
	defer C.free(unsafe.Pointer(cpath))

	h := C.dlopen(cpath, C.RTLD_NOW)
	if h == nil {
		return nil, ulperrors.New(ulperrors.ErrAgentMissing, "dlopen", "unable to load: "+path)
	}
	return unsafe.Pointer(h), nil
}

// dlResolve resolves a symbol's runtime address within a handle opened by
// dlHandle.
func dlResolve(handle unsafe.Pointer, symbol string) (uint64, error) {
	csym := C.CString(symbol)
	defer C.free(unsafe.Pointer(csym))

	addr := C.dlsym(handle, csym)
	if addr == nil {
		return 0, ulperrors.New(ulperrors.ErrSymbolMissing, "dlsym", "symbol not found: "+symbol)
	}
	return uint64(uintptr(addr)), nil
}

// callLocalUniverse invokes the function at fnAddr as a __ulp_ret_local_universe
// implementation: no arguments, returning the caller's local universe value.
func callLocalUniverse(fnAddr uint64) uint64 {
	return uint64(C.callLocalUniverseFn(unsafe.Pointer(uintptr(fnAddr))))
}
