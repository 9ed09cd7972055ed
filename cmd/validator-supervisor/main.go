// Command validator-supervisor is the entrypoint for the validator
// supervisor daemon and its companion setup/control tooling.
package main

import (
	"fmt"
	"os"

	"github.com/hashicorp/cli"

	"github.com/eth2ops/validator-supervisor/command"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	c := &cli.CLI{
		Name:     "validator-supervisor",
		Args:     args,
		HelpFunc: cli.BasicHelpFunc("validator-supervisor"),
		Commands: map[string]cli.CommandFactory{
			"setup": func() (cli.Command, error) {
				return &command.SetupCommand{}, nil
			},
			"daemon": func() (cli.Command, error) {
				return &command.DaemonCommand{}, nil
			},
			"control": func() (cli.Command, error) {
				return &command.ControlCommand{}, nil
			},
		},
	}

	exitCode, err := c.Run()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return exitCode
}
