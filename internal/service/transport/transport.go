// Package transport defines the contract every delivery channel implements.
// Adapters move opaque bytes; they never inspect envelopes.
package transport

import (
	"context"
	"errors"
	"strings"
	"sync"

	"tacmesh/internal/model"
)

const mailboxSuffix = "/mailbox"

var (
	ErrUnavailable = errors.New("transport unavailable")
	ErrQueueFull   = errors.New("transport queue full")
	ErrUnreachable = errors.New("target unreachable on this transport")
)

type (
	// Target addresses a send. The zero value is a broadcast.
	Target struct {
		DeviceID string
	}

	// Inbound receives raw frames from an adapter. It must not block for long.
	Inbound func(data []byte, transport string)

	Adapter interface {
		Name() string
		Start(ctx context.Context, in Inbound) error
		// Send enqueues data and returns without waiting for I/O.
		Send(target Target, data []byte) error
		State() model.ConnectionState
		OnStateChange(fn func(model.ConnectionState))
		Close() error
	}

	Frame struct {
		Target Target
		Data   []byte
	}

	// StateTracker holds an adapter's connection state and notifies listeners
	// on change. Listeners run on the goroutine that changed the state.
	StateTracker struct {
		mu        sync.Mutex
		state     model.ConnectionState
		listeners []func(model.ConnectionState)
	}
)

func Broadcast() Target            { return Target{} }
func To(deviceID string) Target    { return Target{DeviceID: deviceID} }
func (t Target) IsBroadcast() bool { return t.DeviceID == "" }

// Mailbox labels frames an adapter replays from store-and-forward storage
// instead of receiving them live.
func Mailbox(name string) string { return name + mailboxSuffix }

// SplitLabel returns the adapter name behind an inbound label and whether the
// frame came from a mailbox.
func SplitLabel(label string) (string, bool) {
	return strings.CutSuffix(label, mailboxSuffix)
}

func (s *StateTracker) Get() model.ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Set reports whether the state changed.
func (s *StateTracker) Set(st model.ConnectionState) bool {
	s.mu.Lock()
	if s.state == st {
		s.mu.Unlock()
		return false
	}
	s.state = st
	listeners := append([]func(model.ConnectionState){}, s.listeners...)
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(st)
	}
	return true
}

func (s *StateTracker) OnChange(fn func(model.ConnectionState)) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}
