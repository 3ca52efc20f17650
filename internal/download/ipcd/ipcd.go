// Package ipcd is the out-of-process download backend: it speaks a small
// JSON request/response protocol over a websocket to a separate download
// manager process, so downloads keep running (and GSM gating stays
// enforced) even if the daemon itself restarts.
package ipcd

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/lxc/system-imaged/internal/download"
)

// ErrNotConnected is returned when a call is made before Dial or after the
// connection has dropped.
var ErrNotConnected = errors.New("ipc connection not established")

// ErrRequestTimedOut is returned when the manager doesn't answer a request
// within the configured timeout.
var ErrRequestTimedOut = errors.New("ipc request timed out")

type message struct {
	Type     string            `json:"type"`
	ReqID    string            `json:"req_id,omitempty"`
	Handle   string            `json:"handle,omitempty"`
	Files    []download.File   `json:"files,omitempty"`
	Options  download.Options  `json:"options,omitempty"`
	Progress download.Progress `json:"progress,omitempty"`
	Error    string            `json:"error,omitempty"`
}

// Backend is the websocket IPC downloader.
type Backend struct {
	requestTimeout time.Duration

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[string]chan message
	waiters map[download.Handle]chan error
	closed  bool
}

// Dial connects to a download manager process listening at url (typically
// a unix-socket-backed websocket endpoint) and starts its read loop.
func Dial(ctx context.Context, url string) (*Backend, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing download manager: %w", err)
	}

	b := &Backend{
		requestTimeout: 30 * time.Second,
		conn:           conn,
		pending:        map[string]chan message{},
		waiters:        map[download.Handle]chan error{},
	}

	go b.readLoop()

	return b, nil
}

func (b *Backend) readLoop() {
	for {
		var msg message

		if err := b.conn.ReadJSON(&msg); err != nil {
			b.mu.Lock()
			b.closed = true

			for _, ch := range b.pending {
				close(ch)
			}

			for handle, ch := range b.waiters {
				ch <- fmt.Errorf("ipc connection lost: %w", err)
				delete(b.waiters, handle)
			}

			b.mu.Unlock()

			return
		}

		b.dispatch(msg)
	}
}

func (b *Backend) dispatch(msg message) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch msg.Type {
	case "event_done":
		if ch, ok := b.waiters[download.Handle(msg.Handle)]; ok {
			ch <- nil
			delete(b.waiters, download.Handle(msg.Handle))
		}
	case "event_error":
		if ch, ok := b.waiters[download.Handle(msg.Handle)]; ok {
			ch <- errors.New(msg.Error)
			delete(b.waiters, download.Handle(msg.Handle))
		}
	default:
		if ch, ok := b.pending[msg.ReqID]; ok {
			ch <- msg
			delete(b.pending, msg.ReqID)
		}
	}
}

func (b *Backend) call(ctx context.Context, req message) (message, error) {
	b.mu.Lock()

	if b.closed || b.conn == nil {
		b.mu.Unlock()

		return message{}, ErrNotConnected
	}

	req.ReqID = uuid.NewString()
	reply := make(chan message, 1)
	b.pending[req.ReqID] = reply

	err := b.conn.WriteJSON(req)

	b.mu.Unlock()

	if err != nil {
		return message{}, fmt.Errorf("writing ipc request: %w", err)
	}

	timer := time.NewTimer(b.requestTimeout)
	defer timer.Stop()

	select {
	case msg, ok := <-reply:
		if !ok {
			return message{}, ErrNotConnected
		}

		if msg.Error != "" {
			return message{}, errors.New(msg.Error)
		}

		return msg, nil
	case <-timer.C:
		return message{}, ErrRequestTimedOut
	case <-ctx.Done():
		return message{}, ctx.Err()
	}
}

// Enqueue asks the download manager to start a new batch.
func (b *Backend) Enqueue(ctx context.Context, files []download.File, opts download.Options) (download.Handle, error) {
	if err := download.ValidateNoDuplicates(files); err != nil {
		return "", err
	}

	resp, err := b.call(ctx, message{Type: "enqueue", Files: files, Options: opts})
	if err != nil {
		return "", err
	}

	handle := download.Handle(resp.Handle)

	b.mu.Lock()
	b.waiters[handle] = make(chan error, 1)
	b.mu.Unlock()

	return handle, nil
}

// Pause asks the manager to pause a batch, retaining partial files.
func (b *Backend) Pause(handle download.Handle) error {
	_, err := b.call(context.Background(), message{Type: "pause", Handle: string(handle)})

	return err
}

// Resume asks the manager to resume a paused batch.
func (b *Backend) Resume(handle download.Handle) error {
	_, err := b.call(context.Background(), message{Type: "resume", Handle: string(handle)})

	return err
}

// Cancel asks the manager to cancel a batch and discard partial files.
func (b *Backend) Cancel(handle download.Handle) error {
	_, err := b.call(context.Background(), message{Type: "cancel", Handle: string(handle)})

	return err
}

// Progress queries the manager for a batch's current completion.
func (b *Backend) Progress(handle download.Handle) (download.Progress, error) {
	resp, err := b.call(context.Background(), message{Type: "progress_query", Handle: string(handle)})
	if err != nil {
		return download.Progress{}, err
	}

	return resp.Progress, nil
}

// Wait blocks until the manager reports the batch done or failed.
func (b *Backend) Wait(ctx context.Context, handle download.Handle) error {
	b.mu.Lock()
	ch, ok := b.waiters[handle]
	b.mu.Unlock()

	if !ok {
		return download.ErrUnknownHandle
	}

	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close closes the underlying websocket connection.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.conn == nil {
		return nil
	}

	return b.conn.Close()
}

var _ download.Downloader = (*Backend)(nil)
