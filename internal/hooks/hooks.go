// Package hooks implements the fixed name→implementation capability
// registries for the three pluggable points named in the config's [hooks]
// section: device query, scorer, and apply. There is no dynamic import of
// arbitrary module paths — only these fixed maps.
package hooks

import (
	"context"
	"fmt"

	"github.com/lxc/system-imaged/internal/resolver"
)

// DeviceQuery answers what device name this install is running on, used to
// select the (channel, device) index path.
type DeviceQuery interface {
	DeviceName(ctx context.Context) (string, error)
}

// ApplyFunc triggers the apply mechanism (typically a reboot into the
// recovery environment that consumes the staged command file).
type ApplyFunc func(ctx context.Context, commandFilePath string) error

// ErrUnknownCapability is returned when a named hook has no registered
// implementation.
var ErrUnknownCapability = fmt.Errorf("unknown capability")

var deviceHooks = map[string]DeviceQuery{}

var scorerHooks = map[string]resolver.Scorer{
	"weighted": resolver.WeightedScorer,
}

var applyHooks = map[string]ApplyFunc{}

// RegisterDevice adds a device-query implementation under name. Intended
// to be called from an init() in the package providing the implementation.
func RegisterDevice(name string, impl DeviceQuery) {
	deviceHooks[name] = impl
}

// RegisterScorer adds a named scorer implementation.
func RegisterScorer(name string, impl resolver.Scorer) {
	scorerHooks[name] = impl
}

// RegisterApply adds a named apply implementation.
func RegisterApply(name string, impl ApplyFunc) {
	applyHooks[name] = impl
}

// Device looks up a registered device-query implementation by name.
func Device(name string) (DeviceQuery, error) {
	impl, ok := deviceHooks[name]
	if !ok {
		return nil, fmt.Errorf("device hook %q: %w", name, ErrUnknownCapability)
	}

	return impl, nil
}

// Scorer looks up a registered scorer implementation by name.
func Scorer(name string) (resolver.Scorer, error) {
	impl, ok := scorerHooks[name]
	if !ok {
		return nil, fmt.Errorf("scorer hook %q: %w", name, ErrUnknownCapability)
	}

	return impl, nil
}

// Apply looks up a registered apply implementation by name.
func Apply(name string) (ApplyFunc, error) {
	impl, ok := applyHooks[name]
	if !ok {
		return nil, fmt.Errorf("apply hook %q: %w", name, ErrUnknownCapability)
	}

	return impl, nil
}
