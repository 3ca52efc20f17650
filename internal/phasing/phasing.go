// Package phasing computes the device-local phased-rollout percentage,
// implements GSM/wifi download gating flags, and drives the idle-lifetime
// timer that exits the daemon after a period with no client activity.
package phasing

import (
	"bufio"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"os"
	"strings"
	"sync"
	"time"
)

// wellKnownMachineIDFiles lists, in priority order, the files consulted to
// determine a stable per-device identifier.
var wellKnownMachineIDFiles = []string{
	"/var/lib/dbus/machine-id",
	"/etc/machine-id",
}

// ErrNoMachineID is returned when none of the well-known files exist.
var ErrNoMachineID = errors.New("no well-known machine-id file found")

// MachineID reads the first well-known machine-id file that exists.
func MachineID() (string, error) {
	for _, path := range wellKnownMachineIDFiles {
		id, err := readTrimmed(path)
		if err == nil && id != "" {
			return id, nil
		}
	}

	return "", ErrNoMachineID
}

func readTrimmed(path string) (string, error) {
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

// DevicePercentage computes the deterministic phased-rollout percentage
// for (machineID, channel, targetBuild), in [0, 100].
//
//	phase_pct = stable_hash(machineID || channel || targetBuild) mod 101
func DevicePercentage(machineID, channel string, targetBuild int) int {
	h := sha256.New()
	h.Write([]byte(machineID))
	h.Write([]byte(channel))

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(targetBuild)) //nolint:gosec
	h.Write(buf[:])

	sum := h.Sum(nil)

	// Use the first 8 bytes of the digest as the stable hash input.
	n := binary.BigEndian.Uint64(sum[:8])

	return int(n % 101) //nolint:gosec
}

// GatingPolicy controls whether cellular-linked downloads may proceed.
type GatingPolicy struct {
	mu             sync.Mutex
	forbidCellular bool
	oneShotBypass  bool
}

// NewGatingPolicy creates a policy that forbids cellular downloads by
// default (wifi-only), matching the settings store's auto_download=1
// default.
func NewGatingPolicy() *GatingPolicy {
	return &GatingPolicy{forbidCellular: true}
}

// SetForbidCellular updates the standing policy.
func (g *GatingPolicy) SetForbidCellular(forbid bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.forbidCellular = forbid
}

// BypassOnce arms a one-shot override that lets the next batch proceed on
// cellular regardless of the standing policy.
func (g *GatingPolicy) BypassOnce() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.oneShotBypass = true
}

// Allowed reports whether a download over the given link type may proceed
// now, consuming the one-shot bypass if it was armed.
func (g *GatingPolicy) Allowed(cellular bool) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !cellular || !g.forbidCellular {
		return true
	}

	if g.oneShotBypass {
		g.oneShotBypass = false

		return true
	}

	return false
}

// IdleTimer exits the process (via onExpire) after lifetime elapses with
// no intervening Reset call. A lifetime of zero disables the timer.
type IdleTimer struct {
	mu       sync.Mutex
	lifetime time.Duration
	timer    *time.Timer
	onExpire func()
}

// NewIdleTimer creates a timer that calls onExpire once lifetime elapses
// without a Reset. If lifetime is zero the timer never fires.
func NewIdleTimer(lifetime time.Duration, onExpire func()) *IdleTimer {
	t := &IdleTimer{lifetime: lifetime, onExpire: onExpire}

	if lifetime > 0 {
		t.timer = time.AfterFunc(lifetime, onExpire)
	}

	return t
}

// Reset restarts the idle countdown. The façade calls it when a check,
// download, apply, factory-reset or production-reset operation starts;
// its other methods and emitted events do not reset the countdown.
func (t *IdleTimer) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.timer == nil {
		return
	}

	t.timer.Reset(t.lifetime)
}

// Stop cancels the timer permanently.
func (t *IdleTimer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.timer != nil {
		t.timer.Stop()
	}
}
