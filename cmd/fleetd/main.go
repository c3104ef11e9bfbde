// Command fleetd runs the cyber range fleet controller.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
)

// Version information (set by build)
var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	root := newRootCmd()
	root.SetArgs(args)

	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "fleetd: %v\n", err)
		var sErr *ServerError
		if errors.As(err, &sErr) {
			return sErr.ExitCode
		}
		return ExitConfigError
	}
	return ExitSuccess
}
