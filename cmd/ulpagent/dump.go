package main

/*
#include <stdint.h>

// __ulp_dump_buffer is a larger scratch area than __ulp_path_buffer, sized
// for a human-readable state dump rather than a filesystem path.
char __ulp_dump_buffer[8192];
*/
import "C"

import "unsafe"

// dumpBufferLen is the usable capacity of __ulp_dump_buffer, one byte short
// of its declared size to always leave room for the NUL terminator.
const dumpBufferLen = 8192 - 1

// __ulp_dump_state renders the engine's current applied-patch and detour
// tables into __ulp_dump_buffer, truncating if necessary, and returns the
// number of bytes written (not counting the terminator).
//
//export __ulp_dump_state
func __ulp_dump_state() C.int64_t {
	stateMu.Lock()
	dump := state.DumpState()
	stateMu.Unlock()

	if len(dump) > dumpBufferLen {
		dump = dump[:dumpBufferLen]
	}

	dst := unsafe.Slice((*byte)(unsafe.Pointer(&C.__ulp_dump_buffer[0])), dumpBufferLen+1)
	n := copy(dst, dump)
	dst[n] = 0
	return C.int64_t(n)
}
