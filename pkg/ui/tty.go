//go:build !windows

package ui

import (
	"io"
	"os"

	"github.com/pkg/errors"
)

const controllingTerminal = "/dev/tty"

// OpenTTY opens the controlling terminal, for when stdin carries piped input.
func OpenTTY() (io.ReadWriteCloser, error) {
	f, err := os.OpenFile(controllingTerminal, os.O_RDWR, 0)
	if err != nil {
		return nil, errors.Wrap(err, "open controlling terminal")
	}
	return f, nil
}
