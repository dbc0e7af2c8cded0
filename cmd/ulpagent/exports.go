package main

/*
#include <stdint.h>
*/
import "C"

import "ulpgo/logging"

// __ulp_trigger is the entry point the driver redirects a hijacked thread
// into after writing a metadata file path into __ulp_path_buffer. It reads
// the path, loads and applies (or reverts) the named patch, and returns 0
// on success or a negative error code.
//
//export __ulp_trigger
func __ulp_trigger() C.int64_t {
	path := pathBufferString()
	if path == "" {
		return -1
	}

	if err := triggerFromFile(path); err != nil {
		logging.Error("trigger failed", "path", path, "error", err)
		return -1
	}
	return 0
}

// __ulp_check_patched reports whether the patch id written into
// __ulp_path_buffer (reused as a 32-byte id scratch buffer for this call)
// is currently applied: 1 if applied, 0 if not.
//
//export __ulp_check_patched
func __ulp_check_patched() C.int64_t {
	var id [32]byte
	copy(id[:], []byte(C.GoStringN((*C.char)(unsafePathBufferPtr()), 32)))

	stateMu.Lock()
	applied := state.IsApplied(id)
	stateMu.Unlock()

	if applied {
		return 1
	}
	return 0
}

// __ulp_testlocks is the agent's allocator/dynamic-linker lock probe,
// contract: 0 safe, EAGAIN retryable, -1 fatal.
//
//export __ulp_testlocks
func __ulp_testlocks() C.int64_t {
	return C.int64_t(testlocks())
}

// __ulp_get_global_universe returns the current global universe counter.
//
//export __ulp_get_global_universe
func __ulp_get_global_universe() C.uint64_t {
	stateMu.Lock()
	defer stateMu.Unlock()
	return C.uint64_t(state.GlobalUniverse())
}

// __ulp_get_local_universe returns the calling thread's local universe.
// The reference agent derives this per-library; this implementation
// tracks a single process-wide counter mirrored from the global one,
// since no per-thread/per-library TLS slot is wired up in this port.
//
//export __ulp_get_local_universe
func __ulp_get_local_universe() C.uint64_t {
	return __ulp_get_global_universe()
}
