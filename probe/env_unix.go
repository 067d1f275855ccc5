//go:build unix

package probe

import (
	"os"

	"golang.org/x/sys/unix"
)

func (HostEnv) Access(name string) error {
	if err := unix.Access(name, unix.R_OK|unix.X_OK); err != nil {
		return &os.PathError{Op: "access", Path: name, Err: err}
	}
	return nil
}
