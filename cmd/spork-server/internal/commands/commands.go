// Package commands implements the spork-server subcommands.
package commands

import (
	"io"

	"github.com/rs/zerolog"
)

// Globals is shared by every subcommand.
type Globals struct {
	Debug   bool
	Version string

	// Logger is the process logger built once in main.
	Logger zerolog.Logger

	// Out receives command output meant for the user.
	Out io.Writer
}
