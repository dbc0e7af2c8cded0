// Command ulpctl is the out-of-process driver for the live-patching
// runtime: it applies and reverts patches against a running target that
// has ulpagent preloaded, via the cross-process hijack protocol.
package main

import (
	"fmt"
	"os"

	"ulpgo/cmd/ulpctl"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
