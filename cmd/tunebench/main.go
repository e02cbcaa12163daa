package main

import (
	"fmt"
	"os"

	"pgtunebench/cmd/tunebench/commands"

	// Link all k8s auth plugins
	_ "k8s.io/client-go/plugin/pkg/client/auth"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}
