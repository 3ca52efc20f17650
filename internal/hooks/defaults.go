package hooks

import (
	"bufio"
	"context"
	"errors"
	"os"
	"strings"

	"github.com/lxc/system-imaged/internal/systemd"
)

// wellKnownDeviceFiles lists, in priority order, the files a "generic"
// device-query implementation consults to determine the device name.
var wellKnownDeviceFiles = []string{
	"/etc/system-image/device.ini",
	"/etc/hostname",
}

type genericDevice struct{}

func (genericDevice) DeviceName(_ context.Context) (string, error) {
	for _, path := range wellKnownDeviceFiles {
		name, err := readFirstLine(path)
		if err == nil && name != "" {
			return name, nil
		}
	}

	return "", errors.New("no well-known device file contained a usable device name")
}

func readFirstLine(path string) (string, error) {
	fd, err := os.Open(path) // #nosec G304
	if err != nil {
		return "", err
	}

	defer fd.Close()

	scanner := bufio.NewScanner(fd)
	if scanner.Scan() {
		return strings.TrimSpace(scanner.Text()), nil
	}

	return "", scanner.Err()
}

func rebootApply(ctx context.Context, _ string) error {
	return systemd.Reboot(ctx)
}

func noopApply(_ context.Context, _ string) error {
	return nil
}

func init() {
	RegisterDevice("generic", genericDevice{})
	RegisterApply("reboot", rebootApply)
	RegisterApply("noop", noopApply)
}
