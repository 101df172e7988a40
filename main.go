// Package main is the entry point for querywatch.
package main

import (
	"os"

	"querywatch/cmd"
)

func main() {
	if err := cmd.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
