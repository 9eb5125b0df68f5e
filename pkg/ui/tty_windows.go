//go:build windows

package ui

import (
	"io"
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/windows"
)

// OpenTTY wraps the console input handle, for when stdin carries piped input.
func OpenTTY() (io.ReadWriteCloser, error) {
	handle, err := windows.GetStdHandle(windows.STD_INPUT_HANDLE)
	if err != nil {
		return nil, errors.Wrap(err, "get console input handle")
	}
	f := os.NewFile(uintptr(handle), "CONIN$")
	if f == nil {
		return nil, errors.New("console input handle is invalid")
	}
	return f, nil
}
