package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/andyleap/fprint/internal/models"
)

// Action ids checked against the policy authority.
const (
	ActionVerify      = "net.reactivated.fprint.device.verify"
	ActionEnroll      = "net.reactivated.fprint.device.enroll"
	ActionSetUsername = "net.reactivated.fprint.device.setusername"
)

// ErrCancelled is the outcome of a Pending request cancelled before the
// authority answered.
var ErrCancelled = errors.New("authorization cancelled")

// ErrPending is reported by Pending.Err before the request resolves.
var ErrPending = errors.New("authorization pending")

// Authority is the external policy decision point. Check may take
// arbitrarily long and must return promptly once ctx is cancelled.
type Authority interface {
	Check(ctx context.Context, action, identity string) (bool, error)
}

// AuthorityFunc adapts a function to Authority.
type AuthorityFunc func(ctx context.Context, action, identity string) (bool, error)

func (f AuthorityFunc) Check(ctx context.Context, action, identity string) (bool, error) {
	return f(ctx, action, identity)
}

// Requirement is satisfied when the authority allows any one of its
// actions.
type Requirement struct {
	AnyOf []string
}

// Require builds a Requirement satisfied by any of actions.
func Require(actions ...string) Requirement {
	return Requirement{AnyOf: actions}
}

func (r Requirement) String() string {
	return strings.Join(r.AnyOf, "|")
}

// Gate issues cancellable authorization requests against an Authority.
type Gate struct {
	authority Authority
	logger    *slog.Logger
}

func NewGate(authority Authority, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		authority: authority,
		logger:    logger,
	}
}

// Authorize starts checking that identity satisfies every requirement
// and returns immediately. The check runs until the authority answers
// or the returned request is cancelled.
func (g *Gate) Authorize(identity string, reqs ...Requirement) *Pending {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pending{
		Identity:     identity,
		Requirements: reqs,
		cancel:       cancel,
		done:         make(chan struct{}),
	}

	go func() {
		defer cancel()
		p.resolve(g.check(ctx, identity, reqs))
	}()

	return p
}

// Check is Authorize followed by Wait, with ctx cancelling the request.
func (g *Gate) Check(ctx context.Context, identity string, reqs ...Requirement) error {
	p := g.Authorize(identity, reqs...)
	select {
	case <-p.Done():
	case <-ctx.Done():
		p.Cancel()
	}
	return p.Err()
}

func (g *Gate) check(ctx context.Context, identity string, reqs []Requirement) error {
	for _, req := range reqs {
		if err := g.checkRequirement(ctx, identity, req); err != nil {
			return err
		}
	}
	return nil
}

func (g *Gate) checkRequirement(ctx context.Context, identity string, req Requirement) error {
	var lastErr error
	for _, action := range req.AnyOf {
		allowed, err := g.authority.Check(ctx, action, identity)
		if ctx.Err() != nil {
			return ErrCancelled
		}
		if err != nil {
			g.logger.Warn("authorization check failed", "action", action, "identity", identity, "error", err)
			lastErr = fmt.Errorf("%w: %v", models.ErrPermissionDenied, err)
			continue
		}
		if allowed {
			return nil
		}
		lastErr = fmt.Errorf("%w: %s", models.ErrPermissionDenied, action)
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("%w: no action to check", models.ErrPermissionDenied)
	}
	g.logger.Debug("authorization denied", "requirement", req.String(), "identity", identity)
	return lastErr
}

// Pending is an in-flight authorization request.
type Pending struct {
	Identity     string
	Requirements []Requirement

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
	err    error
}

func (p *Pending) resolve(err error) {
	p.once.Do(func() {
		p.err = err
		close(p.done)
	})
}

// Done is closed once the request is resolved.
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Err returns nil if the request was allowed, and ErrPending while it
// is unresolved.
func (p *Pending) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return ErrPending
	}
}

// Wait blocks until the request resolves.
func (p *Pending) Wait() error {
	<-p.done
	return p.err
}

// Cancel resolves the request with ErrCancelled without waiting for the
// authority. A late answer from the authority is discarded.
func (p *Pending) Cancel() {
	p.resolve(ErrCancelled)
	p.cancel()
}
