// Package main is the entry point for kernelctl, the command-line
// client for a kerneld server.
package main

import "github.com/kernelforge/kerneld/internal/cli"

func main() {
	cli.Execute()
}
