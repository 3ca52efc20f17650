package phasing_test

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lxc/system-imaged/internal/phasing"
)

func TestDevicePercentageIsIdempotent(t *testing.T) {
	a := phasing.DevicePercentage("machine-1", "stable", 200)
	b := phasing.DevicePercentage("machine-1", "stable", 200)
	require.Equal(t, a, b)
	require.GreaterOrEqual(t, a, 0)
	require.LessOrEqual(t, a, 100)
}

func TestDevicePercentageVariesWithInputs(t *testing.T) {
	a := phasing.DevicePercentage("machine-1", "stable", 200)
	b := phasing.DevicePercentage("machine-2", "stable", 200)
	c := phasing.DevicePercentage("machine-1", "daily", 200)
	d := phasing.DevicePercentage("machine-1", "stable", 201)

	// Not a strict guarantee for any single pair, but true often enough
	// that all three disagreeing with a is a meaningful smoke test.
	require.False(t, a == b && a == c && a == d)
}

func TestGatingPolicyWifiOnlyDefault(t *testing.T) {
	g := phasing.NewGatingPolicy()
	require.True(t, g.Allowed(false))
	require.False(t, g.Allowed(true))
}

func TestGatingPolicyOneShotBypass(t *testing.T) {
	g := phasing.NewGatingPolicy()
	g.BypassOnce()
	require.True(t, g.Allowed(true))
	require.False(t, g.Allowed(true))
}

func TestIdleTimerResetsAndFires(t *testing.T) {
	var fired atomic.Bool

	timer := phasing.NewIdleTimer(30*time.Millisecond, func() { fired.Store(true) })

	time.Sleep(15 * time.Millisecond)
	timer.Reset()
	time.Sleep(15 * time.Millisecond)
	require.False(t, fired.Load(), "reset should have postponed expiry")

	time.Sleep(30 * time.Millisecond)
	require.True(t, fired.Load())
}

func TestIdleTimerDisabledWhenZero(t *testing.T) {
	var fired atomic.Bool

	timer := phasing.NewIdleTimer(0, func() { fired.Store(true) })
	defer timer.Stop()

	time.Sleep(20 * time.Millisecond)
	require.False(t, fired.Load())
}
