package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
)

type app struct {
	args []string
}

type command interface {
	Name() string
	Help() string
	Run() error
	Register(*flag.FlagSet)
}

func (a *app) run() int {
	cmdName, args := parseArgs(a.args)
	if cmdName == "" {
		printUsage()
		return errorExitCode
	}

	for _, cmd := range commands {
		if cmd.Name() != cmdName {
			continue
		}
		flags := flag.NewFlagSet(cmdName, flag.ContinueOnError)
		cmd.Register(flags)
		if err := flags.Parse(args); err != nil {
			return errorExitCode
		}
		if err := cmd.Run(); err != nil {
			fmt.Fprintf(os.Stderr, "Command failed: %v\n", err)
			return errorExitCode
		}
		return successExitCode
	}
	fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmdName)
	printUsage()
	return errorExitCode
}

var (
	successExitCode = 0
	errorExitCode   = 1
	commands        []command
	version         = "dev"
)

func main() {
	commands = []command{&runCommand{}, &typesCommand{}}
	a := app{
		args: os.Args,
	}
	os.Exit(a.run())
}

// parseArgs returns the command name and its flags. Flags without a
// command belong to run.
func parseArgs(args []string) (string, []string) {
	if len(args) < 2 {
		return "", nil
	}
	if strings.HasPrefix(args[1], "-") {
		return "run", args[1:]
	}
	return args[1], args[2:]
}

func printUsage() {
	fmt.Println("livedsp is a real-time audio processor")
	fmt.Println()
	fmt.Println("Usage: livedsp <command> [flags]")
	fmt.Println()
	fmt.Println("Commands:")
	for _, cmd := range commands {
		fmt.Printf("\t%s\t%s\n", cmd.Name(), cmd.Help())
	}
}
