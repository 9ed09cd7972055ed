// Package command implements the validator-supervisor CLI's three
// subcommands (setup, daemon, control) as github.com/hashicorp/cli
// Command implementations, following the Synopsis/Help/Run shape used
// throughout hashicorp-nomad/command.
package command

import (
	"flag"
	"fmt"
	"io"
)

// newFlagSet returns a flag.FlagSet configured the way every
// subcommand here wants: errors are reported by the caller (via the
// UI), not printed straight to stderr by the flag package itself.
func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

// stdUI is the default UI backing a command run from a real
// terminal: Output goes to out and Error goes to err, each message
// written as-is on its own line.
type stdUI struct {
	out io.Writer
	err io.Writer
}

func (u stdUI) Output(msg string) {
	fmt.Fprintln(u.out, msg)
}

func (u stdUI) Error(msg string) {
	fmt.Fprintln(u.err, msg)
}
