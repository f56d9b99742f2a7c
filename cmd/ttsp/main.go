// Command ttsp drives a touch controller from a Linux host: it runs the
// control core as a service and offers one-shot diagnostics and an
// interactive shell.
package main

import (
	"os"
)

func main() {
	e := newEnv(os.Stdout)
	err := newRootCommand(e).Execute()
	// A failed command skips the post-run hook.
	e.keep = false
	if cerr := e.done(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Exit(1)
	}
}
