package main

import (
	"flag"
	"fmt"

	"pipelined.dev/live/device"
	"pipelined.dev/live/device/file"
	"pipelined.dev/live/device/portaudio"
)

type typesCommand struct{}

func (cmd *typesCommand) Name() string {
	return "types"
}

func (cmd *typesCommand) Help() string {
	return "Show the list of available endpoint types"
}

func (cmd *typesCommand) Register(*flag.FlagSet) {}

func (cmd *typesCommand) Run() error {
	fmt.Printf("Endpoint types:\n %v\n", registry().Types())
	return nil
}

// registry returns the registry with every endpoint type built in.
func registry() *device.Registry {
	r := device.NewRegistry()
	file.Register(r)
	portaudio.Register(r)
	return r
}
