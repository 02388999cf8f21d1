// Command taskrt boots a task runtime from a YAML config and drives a
// workload through it.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
