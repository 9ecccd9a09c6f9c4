// escrowctl - operator CLI for a running lendbridge server
package main

import (
	"fmt"
	"os"

	"github.com/mbd888/lendbridge/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
