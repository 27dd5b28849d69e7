// Package registry keeps the directory of device sessions.
package registry

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/andyleap/fprint/internal/auth"
	"github.com/andyleap/fprint/internal/device"
	"github.com/andyleap/fprint/internal/driver"
	"github.com/andyleap/fprint/internal/events"
	"github.com/andyleap/fprint/internal/models"
	"github.com/andyleap/fprint/internal/storage"
)

type Registry struct {
	gate   *auth.Gate
	store  storage.PrintStore
	sink   events.Sink
	logger *slog.Logger

	mu       sync.Mutex
	sessions []*device.Session
	nextID   uint32
	active   map[uint32]bool
	watchers []func(inUse bool)

	// notifyMu orders watcher calls.
	notifyMu sync.Mutex
}

func New(gate *auth.Gate, store storage.PrintStore, sink events.Sink, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		gate:   gate,
		store:  store,
		sink:   sink,
		logger: logger,
		nextID: 1,
		active: make(map[uint32]bool),
	}
}

// Add registers a device and returns its session. Devices sharing a
// driver get the lowest index not in use, starting at 0, so a replugged
// device finds its prints again.
func (r *Registry) Add(drv driver.Driver) *device.Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	info := drv.Info()
	id := r.nextID
	r.nextID++
	key := models.DeviceKey{Driver: info.Driver, Index: r.freeIndex(info.Driver)}

	s := device.New(device.Options{
		ID:     id,
		Key:    key,
		Driver: drv,
		Gate:   r.gate,
		Store:  r.store,
		Sink:   r.sink,
		Logger: r.logger,
		OnInUseChange: func(inUse bool) {
			r.inUseChanged(id, inUse)
		},
	})
	r.sessions = append(r.sessions, s)
	r.logger.Info("device added", "device", id, "driver", key.Driver, "index", key.Index, "name", info.Name)
	return s
}

func (r *Registry) freeIndex(driverName string) int {
	used := make(map[int]bool)
	for _, s := range r.sessions {
		if s.Key().Driver == driverName {
			used[s.Key().Index] = true
		}
	}
	index := 0
	for used[index] {
		index++
	}
	return index
}

// Remove unregisters a device. A running action on it ends with a
// disconnected status before Remove returns.
func (r *Registry) Remove(id uint32) error {
	r.mu.Lock()
	var s *device.Session
	for i, candidate := range r.sessions {
		if candidate.ID() == id {
			s = candidate
			r.sessions = append(r.sessions[:i:i], r.sessions[i+1:]...)
			break
		}
	}
	r.mu.Unlock()
	if s == nil {
		return fmt.Errorf("%w: %d", models.ErrNoSuchDevice, id)
	}

	s.Remove()
	r.logger.Info("device removed", "device", id)
	return nil
}

// List returns the registered device ids in registration order.
func (r *Registry) List() []uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]uint32, 0, len(r.sessions))
	for _, s := range r.sessions {
		ids = append(ids, s.ID())
	}
	return ids
}

// Default returns the first registered device.
func (r *Registry) Default() (uint32, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.sessions) == 0 {
		return 0, fmt.Errorf("%w: no devices available", models.ErrNoSuchDevice)
	}
	return r.sessions[0].ID(), nil
}

func (r *Registry) Session(id uint32) (*device.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, s := range r.sessions {
		if s.ID() == id {
			return s, nil
		}
	}
	return nil, fmt.Errorf("%w: %d", models.ErrNoSuchDevice, id)
}

// ClientVanished releases every device clientID holds. Devices are
// handled in parallel; sessions the client never claimed are left
// alone.
func (r *Registry) ClientVanished(clientID string) {
	r.mu.Lock()
	sessions := slices.Clone(r.sessions)
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *device.Session) {
			defer wg.Done()
			if err := s.ClientVanished(clientID); err != nil {
				r.logger.Warn("failed to release device of vanished client",
					"device", s.ID(), "client", clientID, "error", err)
			}
		}(s)
	}
	wg.Wait()
}

// InUse reports whether any device is claimed or has a call in
// progress, including one still waiting for authorization.
func (r *Registry) InUse() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active) > 0
}

// Watch registers fn to be called whenever InUse changes.
func (r *Registry) Watch(fn func(inUse bool)) {
	r.mu.Lock()
	r.watchers = append(r.watchers, fn)
	r.mu.Unlock()
}

func (r *Registry) inUseChanged(id uint32, inUse bool) {
	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()

	r.mu.Lock()
	before := len(r.active) > 0
	if inUse {
		r.active[id] = true
	} else {
		delete(r.active, id)
	}
	after := len(r.active) > 0
	watchers := slices.Clone(r.watchers)
	r.mu.Unlock()

	if before != after {
		for _, fn := range watchers {
			fn(after)
		}
	}
}
