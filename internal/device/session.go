// Package device implements the per-device session: claim ownership,
// the enroll/verify state machine and call serialization.
//
// Calls against one Session are serialized through a single call slot.
// A call arriving while another holds the slot fails with
// ErrAlreadyInUse instead of queueing, with one exception: Release
// waits for an in-flight Stop to finish. The slot is held across
// authorization, so a hanging authority keeps the device busy but never
// blocks ListEnrolledFingers or other sessions.
package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/andyleap/fprint/internal/auth"
	"github.com/andyleap/fprint/internal/driver"
	"github.com/andyleap/fprint/internal/events"
	"github.com/andyleap/fprint/internal/models"
	"github.com/andyleap/fprint/internal/storage"
)

// Options configures a Session.
type Options struct {
	ID     uint32
	Key    models.DeviceKey
	Driver driver.Driver
	Gate   *auth.Gate
	Store  storage.PrintStore
	Sink   events.Sink
	Logger *slog.Logger

	// OnInUseChange is called when the session becomes busy or idle. A
	// session is in use while it is claimed, while a call holds its slot
	// and while a listing is being authorized.
	OnInUseChange func(inUse bool)
}

type Session struct {
	id            uint32
	key           models.DeviceKey
	drv           driver.Driver
	gate          *auth.Gate
	store         storage.PrintStore
	sink          events.Sink
	logger        *slog.Logger
	onInUseChange func(bool)

	mu            sync.Mutex
	claim         *claim
	busy          *call
	action        *action
	removed       bool
	disconnected  bool
	fingerNeeded  bool
	fingerPresent bool
	numStages     int
	readers       int

	// inUseMu orders OnInUseChange calls.
	inUseMu  sync.Mutex
	reported bool
}

type claim struct {
	owner    models.Caller
	username string
}

// call occupies the session's call slot.
type call struct {
	name    string
	owner   models.Caller
	stop    bool
	pending *auth.Pending
	done    chan struct{}

	// abandoned is set when the caller's client goes away.
	abandoned bool
}

// action is a running or finished capture. It stays on the session
// after finishing until the owner stops it or releases the device.
type action struct {
	kind      actionKind
	req       driver.CaptureRequest
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	unplugged bool
}

func New(opts Options) *Session {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		id:            opts.ID,
		key:           opts.Key,
		drv:           opts.Driver,
		gate:          opts.Gate,
		store:         opts.Store,
		sink:          opts.Sink,
		logger:        logger.With("device", opts.ID),
		onInUseChange: opts.OnInUseChange,
		numStages:     opts.Driver.Info().EnrollStages,
	}
}

func (s *Session) ID() uint32 {
	return s.id
}

func (s *Session) Key() models.DeviceKey {
	return s.key
}

func (s *Session) Driver() driver.Driver {
	return s.drv
}

// Info describes the device and its current properties.
func (s *Session) Info() models.DeviceInfo {
	info := s.drv.Info()

	s.mu.Lock()
	defer s.mu.Unlock()
	return models.DeviceInfo{
		ID:              s.id,
		Name:            info.Name,
		Driver:          s.key.Driver,
		Index:           s.key.Index,
		ScanType:        info.ScanType,
		NumEnrollStages: s.numStages,
		CanIdentify:     info.CanIdentify,
		HasStorage:      info.HasStorage,
		FingerNeeded:    s.fingerNeeded,
		FingerPresent:   s.fingerPresent,
		Claimed:         s.claim != nil,
	}
}

// Claimant returns the client holding the claim, if any.
func (s *Session) Claimant() (models.Caller, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.claim == nil {
		return models.Caller{}, false
	}
	return s.claim.owner, true
}

func (s *Session) begin(name string, caller models.Caller, stop bool) (*call, error) {
	s.mu.Lock()
	if s.removed {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: device %d was removed", models.ErrNoSuchDevice, s.id)
	}
	if s.busy != nil {
		name := s.busy.name
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s in progress", models.ErrAlreadyInUse, name)
	}
	c := &call{
		name:  name,
		owner: caller,
		stop:  stop,
		done:  make(chan struct{}),
	}
	s.busy = c
	s.mu.Unlock()

	s.updateInUse()
	return c, nil
}

// beginAfterStop is begin, except that an in-flight stop is waited for
// instead of failing.
func (s *Session) beginAfterStop(name string, caller models.Caller) (*call, error) {
	for {
		s.mu.Lock()
		b := s.busy
		s.mu.Unlock()
		if b == nil || !b.stop {
			return s.begin(name, caller, false)
		}
		<-b.done
	}
}

func (s *Session) end(c *call) {
	s.mu.Lock()
	if s.busy == c {
		s.busy = nil
	}
	s.mu.Unlock()
	close(c.done)
	s.updateInUse()
}

// authorize checks identity against reqs while c holds the slot. The
// pending request is cancelled if ctx ends or the device goes away.
func (s *Session) authorize(ctx context.Context, c *call, identity string, reqs ...auth.Requirement) error {
	p := s.gate.Authorize(identity, reqs...)

	s.mu.Lock()
	c.pending = p
	gone := s.removed || c.abandoned
	s.mu.Unlock()
	if gone {
		p.Cancel()
	}

	select {
	case <-p.Done():
	case <-ctx.Done():
		p.Cancel()
	}

	s.mu.Lock()
	c.pending = nil
	s.mu.Unlock()

	err := p.Err()
	if errors.Is(err, auth.ErrCancelled) {
		return fmt.Errorf("%w: %w", models.ErrPermissionDenied, err)
	}
	return err
}

// owner returns the claim if caller holds it.
func (s *Session) owner(caller models.Caller) (*claim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.claim == nil {
		return nil, fmt.Errorf("%w: device %d", models.ErrClaimDevice, s.id)
	}
	if s.claim.owner.ClientID != caller.ClientID {
		return nil, fmt.Errorf("%w: device claimed by another client", models.ErrAlreadyInUse)
	}
	return s.claim, nil
}

// idle fails unless a new action may start.
func (s *Session) idle() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.removed {
		return fmt.Errorf("%w: device %d was removed", models.ErrNoSuchDevice, s.id)
	}
	if s.action != nil {
		return fmt.Errorf("%w: %s in progress", models.ErrAlreadyInUse, s.action.kind)
	}
	if s.disconnected {
		return fmt.Errorf("%w: device was disconnected", models.ErrInternal)
	}
	return nil
}

// resolveUser picks the user an operation acts on. Acting on another
// user additionally requires the set-username permission.
func resolveUser(caller models.Caller, user string, base auth.Requirement) (string, []auth.Requirement) {
	if user == "" || user == caller.Identity {
		return caller.Identity, []auth.Requirement{base}
	}
	return user, []auth.Requirement{auth.Require(auth.ActionSetUsername), base}
}

// Claim takes exclusive ownership of the device for caller, acting as
// username or, when empty, as the caller's own identity.
func (s *Session) Claim(ctx context.Context, caller models.Caller, username string) error {
	c, err := s.begin("Claim", caller, false)
	if err != nil {
		return err
	}
	defer s.end(c)

	s.mu.Lock()
	claimed := s.claim != nil
	s.mu.Unlock()
	if claimed {
		return fmt.Errorf("%w: device already claimed", models.ErrAlreadyInUse)
	}

	username, reqs := resolveUser(caller, username, auth.Require(auth.ActionVerify, auth.ActionEnroll))
	if err := s.authorize(ctx, c, caller.Identity, reqs...); err != nil {
		return err
	}

	if err := s.drv.Open(ctx); err != nil {
		s.logger.Warn("failed to open device", "error", err)
		return fmt.Errorf("%w: failed to open device: %v", models.ErrInternal, err)
	}

	s.mu.Lock()
	if s.removed || c.abandoned || ctx.Err() != nil {
		removed := s.removed
		s.mu.Unlock()
		s.closeDriver(ctx)
		if removed {
			return fmt.Errorf("%w: device %d was removed", models.ErrNoSuchDevice, s.id)
		}
		return fmt.Errorf("%w: claim abandoned by client", models.ErrInternal)
	}
	s.claim = &claim{owner: caller, username: username}
	s.disconnected = false
	s.mu.Unlock()

	s.logger.Debug("device claimed", "client", caller.ClientID, "user", username)
	return nil
}

// Release gives up caller's claim, cancelling any running action first.
func (s *Session) Release(ctx context.Context, caller models.Caller) error {
	c, err := s.beginAfterStop("Release", caller)
	if err != nil {
		return err
	}
	defer s.end(c)

	if _, err := s.owner(caller); err != nil {
		return err
	}
	if err := s.authorize(ctx, c, caller.Identity, auth.Require(auth.ActionVerify, auth.ActionEnroll)); err != nil {
		return err
	}
	return s.release(context.WithoutCancel(ctx))
}

// ClientVanished releases the device if clientID holds it. Calls the
// client still has in flight are cancelled and waited for first.
func (s *Session) ClientVanished(clientID string) error {
	var c *call
	for {
		s.mu.Lock()
		b := s.busy
		owned := s.claim != nil && s.claim.owner.ClientID == clientID
		if b == nil {
			if !owned || s.removed {
				s.mu.Unlock()
				return nil
			}
			c = &call{name: "Release", done: make(chan struct{})}
			s.busy = c
			s.mu.Unlock()
			s.updateInUse()
			break
		}
		if b.owner.ClientID == clientID {
			b.abandoned = true
			if b.pending != nil {
				b.pending.Cancel()
			}
		} else if !owned {
			s.mu.Unlock()
			return nil
		}
		s.mu.Unlock()
		<-b.done
	}
	defer s.end(c)

	s.logger.Debug("client vanished, releasing device", "client", clientID)
	return s.release(context.Background())
}

func (s *Session) release(ctx context.Context) error {
	s.mu.Lock()
	a := s.action
	s.mu.Unlock()
	if a != nil {
		s.stopAction(a)
	}

	s.mu.Lock()
	cl := s.claim
	s.claim = nil
	s.disconnected = false
	s.mu.Unlock()
	if cl == nil {
		return nil
	}

	err := s.drv.Close(ctx)
	if err != nil {
		s.logger.Warn("failed to close device", "error", err)
		return fmt.Errorf("%w: failed to close device: %v", models.ErrInternal, err)
	}
	s.logger.Debug("device released", "client", cl.owner.ClientID, "user", cl.username)
	return nil
}

func (s *Session) closeDriver(ctx context.Context) {
	if err := s.drv.Close(context.WithoutCancel(ctx)); err != nil {
		s.logger.Warn("failed to close device", "error", err)
	}
}

// updateInUse reports a change of the in-use state to OnInUseChange.
func (s *Session) updateInUse() {
	s.inUseMu.Lock()
	defer s.inUseMu.Unlock()

	s.mu.Lock()
	inUse := s.claim != nil || s.busy != nil || s.readers > 0
	changed := inUse != s.reported
	s.reported = inUse
	s.mu.Unlock()

	if changed && s.onInUseChange != nil {
		s.onInUseChange(inUse)
	}
}

// Remove tears the session down when the device goes away. A running
// action ends with a disconnected status; later calls fail with
// ErrNoSuchDevice.
func (s *Session) Remove() {
	s.mu.Lock()
	s.removed = true
	b := s.busy
	if b != nil && b.pending != nil {
		b.pending.Cancel()
	}
	a := s.action
	if a != nil {
		a.unplugged = true
	}
	s.mu.Unlock()

	if a != nil {
		a.cancel()
	}
	if b != nil {
		<-b.done
	}

	s.mu.Lock()
	a = s.action
	if a != nil {
		a.unplugged = true
	}
	s.mu.Unlock()
	if a != nil {
		s.stopAction(a)
	}

	s.mu.Lock()
	cl := s.claim
	s.claim = nil
	s.mu.Unlock()
	if cl != nil {
		s.closeDriver(context.Background())
	}
	s.updateInUse()
	s.logger.Debug("device removed")
}
