// axon-callgraph extracts static call graphs from Go source.
//
// For each primary file it records which functions and methods call which,
// resolving calls with the type checker, and writes the result as a
// Graphviz DOT digraph.
package main

import (
	"fmt"
	"os"

	"github.com/Benny93/axon-callgraph/cmd"
)

func main() {
	cli := cmd.NewCLI()

	if err := cli.Execute(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
