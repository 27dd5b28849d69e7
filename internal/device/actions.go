package device

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/andyleap/fprint/internal/auth"
	"github.com/andyleap/fprint/internal/driver"
	"github.com/andyleap/fprint/internal/models"
	"github.com/andyleap/fprint/internal/storage"
)

// EnrollStart begins enrolling fingerName for the claiming user.
// Progress is reported as EnrollStatus events.
func (s *Session) EnrollStart(ctx context.Context, caller models.Caller, fingerName string) error {
	c, err := s.begin("EnrollStart", caller, false)
	if err != nil {
		return err
	}
	defer s.end(c)

	cl, err := s.owner(caller)
	if err != nil {
		return err
	}
	finger, err := models.ParseFinger(fingerName)
	if err != nil {
		return err
	}
	if err := s.idle(); err != nil {
		return err
	}
	if err := s.authorize(ctx, c, caller.Identity, auth.Require(auth.ActionEnroll)); err != nil {
		return err
	}
	if err := s.idle(); err != nil {
		return err
	}

	a := newAction(actionEnroll, driver.CaptureRequest{
		Mode:     driver.ModeEnroll,
		Username: cl.username,
		Finger:   finger,
	})
	events, err := s.startCapture(a)
	if err != nil {
		return err
	}
	s.logger.Debug("enrollment started", "user", cl.username, "finger", finger)
	s.setFingerNeeded(true)
	go s.runEnroll(a, events)
	return nil
}

// VerifyStart begins verifying the claiming user against fingerName, or
// against any enrolled finger when fingerName is "any" or empty.
func (s *Session) VerifyStart(ctx context.Context, caller models.Caller, fingerName string) error {
	c, err := s.begin("VerifyStart", caller, false)
	if err != nil {
		return err
	}
	defer s.end(c)

	cl, err := s.owner(caller)
	if err != nil {
		return err
	}
	finger, err := models.ParseVerifyFinger(fingerName)
	if err != nil {
		return err
	}
	if err := s.idle(); err != nil {
		return err
	}
	if err := s.authorize(ctx, c, caller.Identity, auth.Require(auth.ActionVerify)); err != nil {
		return err
	}
	if err := s.idle(); err != nil {
		return err
	}

	fingers, err := s.store.ListPrints(ctx, cl.username, s.key)
	if err != nil {
		return fmt.Errorf("%w: failed to list prints: %v", models.ErrInternal, err)
	}
	if len(fingers) == 0 {
		return fmt.Errorf("%w: user %s on device %d", models.ErrNoEnrolledPrints, cl.username, s.id)
	}

	req := driver.CaptureRequest{
		Mode:     driver.ModeVerify,
		Username: cl.username,
		Finger:   finger,
	}
	selected := models.FingerNameAny

	if finger == models.FingerAny && s.drv.Info().CanIdentify {
		req.Mode = driver.ModeIdentify
		for _, f := range fingers {
			print, err := s.store.LoadPrint(ctx, cl.username, s.key, f)
			if err != nil {
				s.logger.Warn("skipping unreadable print", "user", cl.username, "finger", f, "error", err)
				continue
			}
			req.Gallery = append(req.Gallery, print)
		}
		if len(req.Gallery) == 0 {
			return fmt.Errorf("%w: no readable prints for %s", models.ErrNoEnrolledPrints, cl.username)
		}
	} else {
		if finger == models.FingerAny {
			finger = fingers[0]
		}
		print, err := s.store.LoadPrint(ctx, cl.username, s.key, finger)
		if err != nil {
			return fmt.Errorf("%w: no print for %s: %v", models.ErrInternal, finger, err)
		}
		req.Finger = finger
		req.Gallery = []*models.Print{print}
		selected = finger.String()
	}

	a := newAction(actionVerify, req)
	events, err := s.startCapture(a)
	if err != nil {
		return err
	}
	s.logger.Debug("verification started", "user", cl.username, "finger", selected)
	s.publish(models.Event{Kind: models.EventFingerSelected, Finger: selected})
	s.setFingerNeeded(true)
	go s.runVerify(a, events)
	return nil
}

// EnrollStop cancels the running enrollment and returns once the driver
// has finished with it.
func (s *Session) EnrollStop(ctx context.Context, caller models.Caller) error {
	return s.stop(ctx, caller, actionEnroll, "EnrollStop", auth.ActionEnroll)
}

// VerifyStop cancels the running verification and returns once the
// driver has finished with it.
func (s *Session) VerifyStop(ctx context.Context, caller models.Caller) error {
	return s.stop(ctx, caller, actionVerify, "VerifyStop", auth.ActionVerify)
}

func (s *Session) stop(ctx context.Context, caller models.Caller, kind actionKind, name, permission string) error {
	c, err := s.begin(name, caller, true)
	if err != nil {
		return err
	}
	defer s.end(c)

	if _, err := s.owner(caller); err != nil {
		return err
	}
	if err := s.authorize(ctx, c, caller.Identity, auth.Require(permission)); err != nil {
		return err
	}

	s.mu.Lock()
	a := s.action
	s.mu.Unlock()
	if a == nil || a.kind != kind {
		return fmt.Errorf("%w: no %s running", models.ErrNoActionInProgress, kind)
	}

	s.stopAction(a)
	s.logger.Debug("action stopped", "action", kind.String())
	return nil
}

func newAction(kind actionKind, req driver.CaptureRequest) *action {
	return &action{
		kind: kind,
		req:  req,
		done: make(chan struct{}),
	}
}

// startCapture starts the driver capture for a and installs it as the
// session's action.
func (s *Session) startCapture(a *action) (<-chan driver.Event, error) {
	ctx, cancel := context.WithCancel(context.Background())
	events, err := s.drv.Capture(ctx, a.req)
	if err != nil {
		cancel()
		s.logger.Warn("failed to start capture", "mode", a.req.Mode.String(), "error", err)
		return nil, fmt.Errorf("%w: failed to start %s: %v", models.ErrInternal, a.kind, err)
	}
	a.ctx = ctx
	a.cancel = cancel

	s.mu.Lock()
	s.action = a
	s.mu.Unlock()
	return events, nil
}

// stopAction cancels a, waits for its terminal status and clears it.
func (s *Session) stopAction(a *action) {
	a.cancel()
	<-a.done

	s.mu.Lock()
	if s.action == a {
		s.action = nil
	}
	s.mu.Unlock()
}

func (s *Session) runEnroll(a *action, events <-chan driver.Event) {
	defer close(a.done)
	defer a.cancel()

	stages := 0
	for {
		ev, ok := <-events
		if !ok {
			s.finish(a, s.endedStatus(a))
			return
		}

		switch ev.Kind {
		case driver.EventFingerPresent:
			s.setFingerPresent(ev.Present)
		case driver.EventStagesChanged:
			s.setNumStages(ev.Stages)
		case driver.EventRetry:
			s.emit(a, retryStatus(a.kind, ev.Retry), false)
		case driver.EventStagePassed:
			stages++
			if ev.Template == nil && stages < s.numEnrollStages() {
				s.emit(a, models.EnrollStagePassed, false)
				continue
			}
			s.finish(a, s.completeEnroll(a, ev.Template))
			drain(a, events)
			return
		case driver.EventError:
			if ev.Error == driver.ErrorDataFull {
				for range events {
				}
				if a.ctx.Err() == nil && s.collectGarbage(a.ctx) {
					restarted, err := s.drv.Capture(a.ctx, a.req)
					if err == nil {
						s.logger.Debug("restarting enrollment after freeing device storage")
						events = restarted
						stages = 0
						continue
					}
					s.logger.Warn("failed to restart enrollment", "error", err)
					s.finish(a, models.EnrollUnknownError)
					return
				}
			}
			s.logger.Warn("device reported an error during enrollment", "kind", int(ev.Error))
			s.finish(a, errorStatus(a.kind, ev.Error))
			drain(a, events)
			return
		}
	}
}

func (s *Session) runVerify(a *action, events <-chan driver.Event) {
	defer close(a.done)
	defer a.cancel()

	for {
		ev, ok := <-events
		if !ok {
			s.finish(a, s.endedStatus(a))
			return
		}

		switch ev.Kind {
		case driver.EventFingerPresent:
			s.setFingerPresent(ev.Present)
		case driver.EventStagesChanged:
			s.setNumStages(ev.Stages)
		case driver.EventRetry:
			s.emit(a, retryStatus(a.kind, ev.Retry), false)
		case driver.EventMatch:
			s.finish(a, models.VerifyMatch)
			drain(a, events)
			return
		case driver.EventNoMatch:
			s.finish(a, models.VerifyNoMatch)
			drain(a, events)
			return
		case driver.EventError:
			s.logger.Warn("device reported an error during verification", "kind", int(ev.Error))
			s.finish(a, errorStatus(a.kind, ev.Error))
			drain(a, events)
			return
		}
	}
}

// endedStatus is the status of a capture that closed without an
// outcome: cancelled, or cut off by device removal.
func (s *Session) endedStatus(a *action) string {
	s.mu.Lock()
	unplugged := a.unplugged
	s.mu.Unlock()
	if unplugged {
		return disconnectedStatus(a.kind)
	}
	return cancelledStatus(a.kind)
}

func drain(a *action, events <-chan driver.Event) {
	a.cancel()
	for range events {
	}
}

func (s *Session) finish(a *action, status string) {
	s.setFingerNeeded(false)

	if isDisconnected(status) {
		s.mu.Lock()
		s.disconnected = true
		s.mu.Unlock()
	}

	s.logger.Debug("action finished", "action", a.kind.String(), "status", status)
	s.emit(a, status, true)
}

func (s *Session) completeEnroll(a *action, tmpl *driver.Template) string {
	if tmpl == nil {
		s.logger.Warn("enrollment finished without a template")
		return models.EnrollFailed
	}

	print := &models.Print{
		Username:   a.req.Username,
		Device:     s.key,
		Finger:     a.req.Finger,
		EnrollDate: time.Now().UTC(),
		Data:       tmpl.Data,
	}
	if s.drv.Info().HasStorage {
		print.TemplateID = tmpl.ID
	}
	if err := s.store.SavePrint(context.Background(), print); err != nil {
		s.logger.Warn("failed to save print", "user", print.Username, "finger", print.Finger, "error", err)
		return models.EnrollFailed
	}
	return models.EnrollCompleted
}

// collectGarbage evicts one device-resident template that no enrolled
// print references. It reports whether anything was freed.
func (s *Session) collectGarbage(ctx context.Context) bool {
	stored, err := s.drv.ListStored(ctx)
	if err != nil {
		if !errors.Is(err, driver.ErrNotSupported) {
			s.logger.Warn("failed to list device prints", "error", err)
		}
		return false
	}
	enrolled, err := storage.EnrolledTemplateIDs(ctx, s.store, s.key)
	if err != nil {
		s.logger.Warn("failed to collect enrolled prints", "error", err)
		return false
	}

	victim, ok := storage.SelectEviction(stored, enrolled)
	if !ok {
		s.logger.Debug("device storage full and nothing to evict", "stored", len(stored))
		return false
	}
	if err := s.drv.DeleteStored(ctx, victim.ID); err != nil {
		s.logger.Warn("failed to garbage collect a print", "template", victim.ID, "error", err)
		return false
	}
	s.logger.Info("evicted unused print from device storage", "template", victim.ID)
	return true
}

// DeleteEnrolledFingers deletes every print of user (the caller when
// empty) on this device. It works on unclaimed devices.
func (s *Session) DeleteEnrolledFingers(ctx context.Context, caller models.Caller, user string) error {
	c, err := s.begin("DeleteEnrolledFingers", caller, false)
	if err != nil {
		return err
	}
	defer s.end(c)

	username, reqs := resolveUser(caller, user, auth.Require(auth.ActionEnroll))

	s.mu.Lock()
	switch {
	case s.claim != nil && s.claim.owner.ClientID != caller.ClientID:
		s.mu.Unlock()
		return fmt.Errorf("%w: device claimed by another client", models.ErrAlreadyInUse)
	case s.action != nil:
		kind := s.action.kind
		s.mu.Unlock()
		return fmt.Errorf("%w: %s in progress", models.ErrAlreadyInUse, kind)
	}
	s.mu.Unlock()

	if err := s.authorize(ctx, c, caller.Identity, reqs...); err != nil {
		return err
	}
	return s.deleteAll(ctx, username)
}

// DeleteEnrolledFingers2 deletes every print of the claiming user.
func (s *Session) DeleteEnrolledFingers2(ctx context.Context, caller models.Caller) error {
	c, err := s.begin("DeleteEnrolledFingers2", caller, false)
	if err != nil {
		return err
	}
	defer s.end(c)

	cl, err := s.owner(caller)
	if err != nil {
		return err
	}
	if err := s.noAction(); err != nil {
		return err
	}
	if err := s.authorize(ctx, c, caller.Identity, auth.Require(auth.ActionEnroll)); err != nil {
		return err
	}
	return s.deleteAll(ctx, cl.username)
}

// DeleteEnrolledFinger deletes one print of the claiming user.
func (s *Session) DeleteEnrolledFinger(ctx context.Context, caller models.Caller, fingerName string) error {
	c, err := s.begin("DeleteEnrolledFinger", caller, false)
	if err != nil {
		return err
	}
	defer s.end(c)

	cl, err := s.owner(caller)
	if err != nil {
		return err
	}
	finger, err := models.ParseFinger(fingerName)
	if err != nil {
		return err
	}
	if err := s.noAction(); err != nil {
		return err
	}
	if err := s.authorize(ctx, c, caller.Identity, auth.Require(auth.ActionEnroll)); err != nil {
		return err
	}

	var templates []string
	if print, err := s.store.LoadPrint(ctx, cl.username, s.key, finger); err == nil && print.TemplateID != "" {
		templates = append(templates, print.TemplateID)
	}

	if err := s.store.DeletePrint(ctx, cl.username, s.key, finger); err != nil {
		if errors.Is(err, storage.ErrPrintNotFound) {
			return fmt.Errorf("%w: %s not enrolled", models.ErrNoEnrolledPrints, finger)
		}
		s.logger.Warn("failed to delete print", "user", cl.username, "finger", finger, "error", err)
		return fmt.Errorf("%w: %v", models.ErrPrintsNotDeleted, err)
	}
	s.deleteDeviceTemplates(ctx, templates)
	return nil
}

func (s *Session) noAction() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.action != nil {
		return fmt.Errorf("%w: %s in progress", models.ErrAlreadyInUse, s.action.kind)
	}
	return nil
}

// deleteAll removes username's prints from storage, then their
// device-resident templates. Device deletion is best effort.
func (s *Session) deleteAll(ctx context.Context, username string) error {
	fingers, err := s.store.ListPrints(ctx, username, s.key)
	if err != nil {
		return fmt.Errorf("%w: failed to list prints: %v", models.ErrPrintsNotDeleted, err)
	}

	var templates []string
	for _, finger := range fingers {
		print, err := s.store.LoadPrint(ctx, username, s.key, finger)
		if err == nil && print.TemplateID != "" {
			templates = append(templates, print.TemplateID)
		}
	}

	if err := s.store.DeleteAllPrints(ctx, username, s.key); err != nil {
		s.logger.Warn("failed to delete prints", "user", username, "error", err)
		return fmt.Errorf("%w: %v", models.ErrPrintsNotDeleted, err)
	}
	s.logger.Debug("deleted prints", "user", username, "count", len(fingers))
	s.deleteDeviceTemplates(ctx, templates)
	return nil
}

func (s *Session) deleteDeviceTemplates(ctx context.Context, ids []string) {
	if len(ids) == 0 || !s.drv.Info().HasStorage {
		return
	}

	s.mu.Lock()
	claimed := s.claim != nil
	s.mu.Unlock()
	if !claimed {
		if err := s.drv.Open(ctx); err != nil {
			s.logger.Warn("failed to open device to delete prints", "error", err)
			return
		}
		defer s.closeDriver(ctx)
	}

	for _, id := range ids {
		if err := s.drv.DeleteStored(ctx, id); err != nil {
			s.logger.Warn("error deleting print from device", "template", id, "error", err)
		}
	}
}

// ListEnrolledFingers lists the fingers user (the caller when empty)
// has enrolled on this device. It does not take the call slot.
func (s *Session) ListEnrolledFingers(ctx context.Context, caller models.Caller, user string) ([]string, error) {
	s.mu.Lock()
	s.readers++
	s.mu.Unlock()
	s.updateInUse()
	defer func() {
		s.mu.Lock()
		s.readers--
		s.mu.Unlock()
		s.updateInUse()
	}()

	username, reqs := resolveUser(caller, user, auth.Require(auth.ActionVerify))
	if err := s.gate.Check(ctx, caller.Identity, reqs...); err != nil {
		if errors.Is(err, auth.ErrCancelled) {
			return nil, fmt.Errorf("%w: %w", models.ErrPermissionDenied, err)
		}
		return nil, err
	}

	fingers, err := s.store.ListPrints(ctx, username, s.key)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list prints: %v", models.ErrInternal, err)
	}
	if len(fingers) == 0 {
		return nil, fmt.Errorf("%w: user %s on device %d", models.ErrNoEnrolledPrints, username, s.id)
	}
	return models.FingerNames(fingers), nil
}
