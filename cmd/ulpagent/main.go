// Command ulpagent is built with `go build -buildmode=c-shared` and
// preloaded into a live-patchable target process (LD_PRELOAD). It exposes
// the §6.3 agent ABI: a trigger entry point the driver redirects a hijacked
// thread into, plus the data symbols the driver writes a patch file path
// and patch id into before triggering.
package main

/*
#include <stdint.h>

// These globals become real data symbols in the resulting shared object's
// dynamic symbol table, which is how the out-of-process driver locates
// them with dlsym/symbol-table lookup rather than a fixed offset.
char    __ulp_path_buffer[256];
uint8_t __ulp_state[1];
*/
import "C"

import (
	"log/slog"
	"sync"
	"unsafe"

	"ulpgo/agent"
	"ulpgo/logging"
)

// state is the single agent engine for this process. Per agent.State's own
// doc comment, the engine relies on the hijack protocol to serialize its
// mutations. In addition, every exported entry point holds stateMu around
// each call it makes into state, so two entry points racing before the
// driver's critical section discipline is in place (e.g. during early
// process init) never run engine methods at the same time.
var (
	stateMu sync.Mutex
	state   *agent.State
)

func init() {
	logging.SetDefault(logging.NewLogger(logging.Config{Level: slog.LevelInfo}))

	stateMu.Lock()
	state = agent.NewState()
	stateMu.Unlock()

	// __ulp_state[0] mirrors State.Ready() so the driver can confirm the
	// constructor ran without making a call into the process at all.
	if state.Ready() {
		C.__ulp_state[0] = 1
	}
}

func pathBufferString() string {
	return C.GoString((*C.char)(unsafePathBufferPtr()))
}

// unsafePathBufferPtr returns a raw pointer to the start of the exported
// path buffer, for callers that need byte-level access rather than a
// NUL-terminated C string read (e.g. __ulp_check_patched treating it as a
// fixed-width 32-byte patch id scratch area).
func unsafePathBufferPtr() unsafe.Pointer {
	return unsafe.Pointer(&C.__ulp_path_buffer[0])
}

// main is required by cgo for buildmode=c-shared but is never invoked; the
// target process's own main runs, and this library is only ever called
// into via the exported entry points below or a hijacked redirect.
func main() {}
