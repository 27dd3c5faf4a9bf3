// Package probe prints what the security monitor implements.
package probe

import (
	"fmt"
	"io"

	"github.com/bobuhiro11/goace/flow"
	"github.com/bobuhiro11/goace/riscv"
)

// Router prints the extensions, calls and traps r handles.
func Router(w io.Writer, r *flow.Router) {
	fmt.Fprintf(w, "* Extensions:")

	for _, ext := range r.SupportedExtensions() {
		fmt.Fprintf(w, " %s", ext)
	}

	fmt.Fprintf(w, "\n\n")

	printCalls(w, "Confidential calls", r.ConfidentialCalls())
	printCalls(w, "Hypervisor calls", r.HypervisorCalls())

	fmt.Fprintf(w, "* Confidential traps:")

	for _, k := range r.ConfidentialTraps() {
		fmt.Fprintf(w, " %s", k)
	}

	fmt.Fprintf(w, "\n")
}

func printCalls(w io.Writer, title string, calls []riscv.Call) {
	fmt.Fprintf(w, "* %s:\n", title)

	for _, c := range calls {
		fmt.Fprintf(w, "  %s\n", c)
	}

	fmt.Fprintf(w, "\n")
}
