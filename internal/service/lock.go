package service

import (
	"os"

	"golang.org/x/sys/unix"
)

// lockExclusiveNonBlocking takes a non-blocking exclusive flock on fd,
// implementing the daemon's single-instance guarantee.
func lockExclusiveNonBlocking(fd *os.File) error {
	return unix.Flock(int(fd.Fd()), unix.LOCK_EX|unix.LOCK_NB)
}
