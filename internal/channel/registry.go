package channel

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Adapter is the narrow contract a chat transport implements. The
// orchestration core never talks to a specific transport directly.
type Adapter interface {
	// Name identifies the channel (e.g. "telegram", "discord", "ws").
	Name() string
	// SendMessage delivers text to the channel's default destination.
	SendMessage(text string) error
	// SendMessageToUser delivers text to a specific user on the channel.
	SendMessageToUser(userID, text string) error
	// Disconnect releases the transport.
	Disconnect() error
}

// Registry holds the currently connected channel adapters.
type Registry struct {
	logger *slog.Logger

	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry creates an empty channel registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		logger:   logger,
		adapters: make(map[string]Adapter),
	}
}

// Register adds or replaces an adapter under its name.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Name()] = a
}

// Unregister removes an adapter and disconnects it.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	a, ok := r.adapters[name]
	delete(r.adapters, name)
	r.mu.Unlock()

	if ok {
		if err := a.Disconnect(); err != nil {
			r.logger.Warn("channel disconnect failed", "channel", name, "error", err)
		}
	}
}

// Get returns the adapter registered under name, if any.
func (r *Registry) Get(name string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	return a, ok
}

// Names returns the registered channel names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	return names
}

// Broadcast sends text to every registered adapter. Each delivery is
// attempted independently; one failing recipient never blocks the rest.
// The joined error reports every failure for the caller to log or retry.
func (r *Registry) Broadcast(text string) error {
	r.mu.RLock()
	adapters := make([]Adapter, 0, len(r.adapters))
	for _, a := range r.adapters {
		adapters = append(adapters, a)
	}
	r.mu.RUnlock()

	var errs []error
	for _, a := range adapters {
		if err := a.SendMessage(text); err != nil {
			r.logger.Warn("broadcast delivery failed", "channel", a.Name(), "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", a.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// SendToUser delivers text to one user on one channel.
func (r *Registry) SendToUser(channelName, userID, text string) error {
	a, ok := r.Get(channelName)
	if !ok {
		return fmt.Errorf("channel %q not registered", channelName)
	}
	return a.SendMessageToUser(userID, text)
}
