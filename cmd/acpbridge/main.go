// Command acpbridge runs the coding agent as an Agent Client Protocol server
// for editors, over stdio or websockets.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "acpbridge: %+v\n", err)
		os.Exit(1)
	}
}
