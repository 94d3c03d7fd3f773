// goodwe reads and configures GoodWe inverters over UDP.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
)

const (
	exitSuccess      = 0
	exitCommandError = 1
	exitFailure      = 2
)

type command struct {
	run   func(ctx context.Context, args []string, stdout, stderr io.Writer) int
	usage string
}

var commands = map[string]command{
	"search":   {runSearch, "Broadcast a search request and print the first reply"},
	"discover": {runDiscover, "Detect the inverter family and print the device info"},
	"info":     {runInfo, "Print the device info"},
	"runtime":  {runRuntime, "Print the runtime data"},
	"settings": {runSettings, "Print every setting"},
	"get":      {runGet, "Print one sensor or setting"},
	"set":      {runSet, "Write one setting"},
	"mode":     {runMode, "Print or change the operation mode"},
	"raw":      {runRaw, "Read or write a raw register"},
	"dump":     {runDump, "Print a capture file"},
}

var order = []string{"search", "discover", "info", "runtime", "settings", "get", "set", "mode", "raw", "dump"}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		printUsage(stderr)
		return exitCommandError
	}
	switch args[0] {
	case "help", "-h", "--help":
		printUsage(stdout)
		return exitSuccess
	}
	cmd, ok := commands[args[0]]
	if !ok {
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[0])
		printUsage(stderr)
		return exitCommandError
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return cmd.run(ctx, args[1:], stdout, stderr)
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, `goodwe - GoodWe inverter client

Usage:
  goodwe <command> [options]

Commands:`)
	for _, name := range order {
		fmt.Fprintf(w, "  %-9s %s\n", name, commands[name].usage)
	}
	fmt.Fprintln(w, `
Run 'goodwe <command> -h' for the options of a command.`)
}
