// Package service is the single request-serialized façade sitting in
// front of the engine: it owns the "one operation at a time" rule, a typed
// event stream, and the single-instance lock a long-running daemon needs.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/lxc/system-imaged/internal/download"
	"github.com/lxc/system-imaged/internal/engine"
	"github.com/lxc/system-imaged/internal/model"
	"github.com/lxc/system-imaged/internal/phasing"
	"github.com/lxc/system-imaged/internal/state"
)

// ErrOperationInFlight is returned when a caller tries to start a new
// check/download/apply while one is already running.
var ErrOperationInFlight = errors.New("an operation is already in progress")

// ErrAlreadyRunning is the distinct exit condition for "another instance
// of the daemon is already holding the single-instance lock."
var ErrAlreadyRunning = errors.New("another instance is already running")

// EventKind names the typed events the façade emits.
type EventKind string

const (
	EventStatus         EventKind = "status"
	EventProgress       EventKind = "progress"
	EventPaused         EventKind = "paused"
	EventFailed         EventKind = "failed"
	EventDownloaded     EventKind = "downloaded"
	EventApplied        EventKind = "applied"
	EventRebooting      EventKind = "rebooting"
	EventSettingChanged EventKind = "setting_changed"
)

// Event is one façade-level notification, delivered to every subscriber.
// FailureCount is only meaningful on an EventFailed event: it carries the
// per-session consecutive-failure count at the time of that failure.
type Event struct {
	Kind         EventKind
	Message      string
	Progress     download.Progress
	FailureCount int
}

// Service is the in-process daemon façade. Exactly one check/download/
// apply/factory-reset/production-reset operation runs at a time.
type Service struct {
	eng       *engine.Engine
	idle      *phasing.IdleTimer
	lockFile  *os.File
	lockPath  string

	opMu sync.Mutex // held for the duration of any single long-running operation

	mu                  sync.Mutex
	subscribers         []chan Event
	lastCheck           *engine.CheckResult
	consecutiveFailures int
}

// New builds a Service around an already-wired Engine.
func New(eng *engine.Engine, idle *phasing.IdleTimer) *Service {
	return &Service{eng: eng, idle: idle}
}

// AcquireSingleInstanceLock takes an exclusive, non-blocking lock on
// lockPath, returning ErrAlreadyRunning if another process holds it.
func (s *Service) AcquireSingleInstanceLock(lockPath string) error {
	fd, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o600) // #nosec G304
	if err != nil {
		return fmt.Errorf("opening lock file: %w", err)
	}

	if err := lockExclusiveNonBlocking(fd); err != nil {
		fd.Close()

		return fmt.Errorf("%w: %s", ErrAlreadyRunning, lockPath)
	}

	s.lockFile = fd
	s.lockPath = lockPath

	return nil
}

// ReleaseSingleInstanceLock releases and removes the lock file. Safe to
// call even if AcquireSingleInstanceLock was never called.
func (s *Service) ReleaseSingleInstanceLock() {
	if s.lockFile == nil {
		return
	}

	_ = s.lockFile.Close()
	_ = os.Remove(s.lockPath)
}

// Subscribe registers a new event listener. The returned channel is
// buffered; slow consumers drop events rather than block the façade.
func (s *Service) Subscribe() <-chan Event {
	ch := make(chan Event, 32)

	s.mu.Lock()
	s.subscribers = append(s.subscribers, ch)
	s.mu.Unlock()

	return ch
}

func (s *Service) emit(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ch := range s.subscribers {
		select {
		case ch <- ev:
		default:
			slog.Warn("Dropping event for slow subscriber", "kind", ev.Kind)
		}
	}
}

// emitFailure increments the per-session consecutive-failure counter and
// emits EventFailed carrying it, per the façade's UpdateFailed contract.
func (s *Service) emitFailure(reason string) {
	s.mu.Lock()
	s.consecutiveFailures++
	count := s.consecutiveFailures
	s.mu.Unlock()

	s.emit(Event{Kind: EventFailed, Message: reason, FailureCount: count})
}

// resetFailureCount clears the consecutive-failure counter, called after
// a successful download.
func (s *Service) resetFailureCount() {
	s.mu.Lock()
	s.consecutiveFailures = 0
	s.mu.Unlock()
}

// NotifySettingChanged emits SettingChanged for key/value. It is wired as
// the settings store's onChange callback, which only fires when a write
// actually changes the stored value, so the event stream never reports a
// no-op or rejected write.
func (s *Service) NotifySettingChanged(key, value string) {
	s.emit(Event{Kind: EventSettingChanged, Message: key + "=" + value})
}

func (s *Service) withOperation(fn func() error) error {
	if !s.opMu.TryLock() {
		return ErrOperationInFlight
	}

	defer s.opMu.Unlock()

	if s.idle != nil {
		s.idle.Reset()
	}

	return fn()
}

// Check runs a check for an update. A Check made while another operation
// (including another Check) is running returns ErrOperationInFlight; the
// running check's result is not shared with it.
func (s *Service) Check(ctx context.Context, opts engine.CheckOptions) (engine.CheckResult, error) {
	var result engine.CheckResult

	err := s.withOperation(func() error {
		r, err := s.eng.Check(ctx, opts)
		if err != nil {
			s.emit(Event{Kind: EventFailed, Message: err.Error()})

			return err
		}

		s.mu.Lock()
		s.lastCheck = &r
		s.mu.Unlock()

		result = r

		s.emit(Event{Kind: EventStatus, Message: "check complete"})

		return nil
	})

	return result, err
}

// Download starts (or resumes progress reporting for) the winning path's
// download batch. overrideGSM lets this batch proceed over a cellular link
// regardless of the gating policy.
func (s *Service) Download(ctx context.Context, overrideGSM bool) error {
	return s.withOperation(func() error {
		err := s.eng.Download(ctx, download.Options{AllowCellularOverride: overrideGSM})
		if err != nil {
			// A cancellation is reported by Cancel itself, and isn't
			// counted against the consecutive-failure streak.
			if !errors.Is(err, engine.ErrCancelled) {
				s.emitFailure(err.Error())
			}

			return err
		}

		s.resetFailureCount()
		s.emit(Event{Kind: EventDownloaded, Message: "download and staging complete"})

		return nil
	})
}

// Apply issues the configured apply hook (typically a reboot).
func (s *Service) Apply(ctx context.Context) error {
	return s.withOperation(func() error {
		s.emit(Event{Kind: EventRebooting, Message: "applying staged update"})

		if err := s.eng.Apply(ctx); err != nil {
			s.emit(Event{Kind: EventFailed, Message: err.Error()})

			return err
		}

		s.emit(Event{Kind: EventApplied, Message: "update applied"})

		return nil
	})
}

// FactoryReset wipes the data partition and reboots into recovery,
// discarding all local state.
func (s *Service) FactoryReset(ctx context.Context) error {
	return s.withOperation(func() error {
		s.emit(Event{Kind: EventRebooting, Message: "factory reset"})

		if err := s.eng.FactoryReset(ctx); err != nil {
			s.emit(Event{Kind: EventFailed, Message: err.Error()})

			return err
		}

		s.emit(Event{Kind: EventApplied, Message: "factory reset applied"})

		return nil
	})
}

// ProductionReset wipes the data partition, marks the device as
// production, and reboots into recovery.
func (s *Service) ProductionReset(ctx context.Context) error {
	return s.withOperation(func() error {
		s.emit(Event{Kind: EventRebooting, Message: "production reset"})

		if err := s.eng.ProductionReset(ctx); err != nil {
			s.emit(Event{Kind: EventFailed, Message: err.Error()})

			return err
		}

		s.emit(Event{Kind: EventApplied, Message: "production reset applied"})

		return nil
	})
}

// Pause pauses the in-flight download. Does not take the operation lock:
// it targets the operation already in flight.
func (s *Service) Pause(ctx context.Context) error {
	if err := s.eng.Pause(ctx); err != nil {
		return err
	}

	progress, _ := s.eng.Progress()

	s.emit(Event{Kind: EventPaused, Message: "download paused", Progress: progress})

	return nil
}

// Resume resumes a paused download.
func (s *Service) Resume(ctx context.Context) error {
	return s.eng.Resume(ctx)
}

// Cancel cancels the in-flight download, if any. A user-initiated cancel
// of an active download is reported as EventFailed with the normative
// "cancelled" reason, but does not count against the consecutive-failure
// streak that tracks unattended download failures.
func (s *Service) Cancel(ctx context.Context) error {
	active, err := s.eng.Cancel(ctx)
	if err != nil {
		return err
	}

	if active {
		s.emit(Event{Kind: EventFailed, Message: "cancelled"})
	}

	return nil
}

// Info reports the daemon's persisted runtime status.
func (s *Service) Info() state.State {
	return s.eng.CurrentState()
}

// ListChannels returns the full set of channels known to the image
// service, for the CLI's list-channels flag.
func (s *Service) ListChannels(ctx context.Context) (model.Channels, error) {
	return s.eng.ListChannels(ctx)
}

// GetSetting, SetSetting, DelSetting, and ShowSettings proxy to the wired
// settings store. SettingChanged is emitted by NotifySettingChanged, the
// store's onChange callback, so only a write that actually changes a
// stored value is reported.
func (s *Service) GetSetting(ctx context.Context, key string) (string, error) {
	return s.eng.Settings().Get(ctx, key)
}

func (s *Service) SetSetting(ctx context.Context, key, value string) error {
	return s.eng.Settings().Set(ctx, key, value)
}

func (s *Service) DelSetting(ctx context.Context, key string) error {
	return s.eng.Settings().Del(ctx, key)
}

func (s *Service) ShowSettings(ctx context.Context) (map[string]string, error) {
	return s.eng.Settings().Show(ctx)
}
