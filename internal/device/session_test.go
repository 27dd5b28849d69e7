package device

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andyleap/fprint/internal/auth"
	"github.com/andyleap/fprint/internal/driver"
	"github.com/andyleap/fprint/internal/events"
	"github.com/andyleap/fprint/internal/models"
	"github.com/andyleap/fprint/internal/storage"
)

var (
	alice = models.Caller{ClientID: "client-1", Identity: "alice"}
	bob   = models.Caller{ClientID: "client-2", Identity: "bob"}
)

// testAuthority allows everything not denied. Checks for a held
// identity block until released.
type testAuthority struct {
	mu      sync.Mutex
	denied  map[string]bool
	holds   map[string]chan struct{}
	waiting chan string
}

func newTestAuthority() *testAuthority {
	return &testAuthority{
		denied:  make(map[string]bool),
		holds:   make(map[string]chan struct{}),
		waiting: make(chan string, 16),
	}
}

func (a *testAuthority) Check(ctx context.Context, action, identity string) (bool, error) {
	a.mu.Lock()
	hold := a.holds[identity]
	a.mu.Unlock()

	if hold != nil {
		a.waiting <- identity
		select {
		case <-hold:
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	return !a.denied[action], nil
}

func (a *testAuthority) deny(action string) {
	a.mu.Lock()
	a.denied[action] = true
	a.mu.Unlock()
}

func (a *testAuthority) hold(identity string) (release func()) {
	ch := make(chan struct{})
	a.mu.Lock()
	a.holds[identity] = ch
	a.mu.Unlock()
	return func() {
		a.mu.Lock()
		delete(a.holds, identity)
		a.mu.Unlock()
		close(ch)
	}
}

func (a *testAuthority) awaitCheck(t *testing.T, identity string) {
	t.Helper()
	select {
	case got := <-a.waiting:
		require.Equal(t, identity, got)
	case <-time.After(5 * time.Second):
		t.Fatalf("no authorization check for %s", identity)
	}
}

type harness struct {
	t         *testing.T
	drv       *driver.Virtual
	store     *storage.MemoryStorage
	authority *testAuthority
	sub       *events.Subscription
	s         *Session
}

func newHarness(t *testing.T, cfg driver.VirtualConfig) *harness {
	return newHarnessWith(t, driver.NewVirtual(cfg), nil)
}

func newHarnessWith(t *testing.T, virtual *driver.Virtual, drv driver.Driver) *harness {
	t.Helper()
	if drv == nil {
		drv = virtual
	}

	logger := slog.New(slog.DiscardHandler)
	hub := events.NewHub(logger)
	h := &harness{
		t:         t,
		drv:       virtual,
		store:     storage.NewMemoryStorage(),
		authority: newTestAuthority(),
		sub:       hub.Subscribe(),
	}
	t.Cleanup(h.sub.Close)

	h.s = New(Options{
		ID:     1,
		Key:    models.DeviceKey{Driver: drv.Info().Driver, Index: 0},
		Driver: drv,
		Gate:   auth.NewGate(h.authority, logger),
		Store:  h.store,
		Sink:   hub,
		Logger: logger,
	})
	return h
}

func (h *harness) enroll(username string, fingers ...models.Finger) {
	h.t.Helper()
	for _, f := range fingers {
		require.NoError(h.t, h.store.SavePrint(context.Background(), &models.Print{
			Username:   username,
			Device:     h.s.Key(),
			Finger:     f,
			EnrollDate: time.Now().UTC(),
			Data:       []byte("template-" + f.String()),
		}))
	}
}

func (h *harness) next() models.Event {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ev, err := h.sub.Next(ctx)
	require.NoError(h.t, err, "waiting for event")
	return ev
}

// nextStatus skips property notifications.
func (h *harness) nextStatus() models.Event {
	h.t.Helper()
	for {
		ev := h.next()
		if ev.Kind != models.EventPropertyChanged {
			return ev
		}
	}
}

func (h *harness) expectStatus(kind, status string, done bool) {
	h.t.Helper()
	ev := h.nextStatus()
	assert.Equal(h.t, kind, ev.Kind)
	assert.Equal(h.t, status, ev.Status)
	assert.Equal(h.t, done, ev.Done)
	assert.Equal(h.t, uint32(1), ev.Device)
}

// queued returns the events already published, without waiting.
func (h *harness) queued() []models.Event {
	var evs []models.Event
	for h.sub.Len() > 0 {
		evs = append(evs, h.next())
	}
	return evs
}

func (h *harness) inject(kind driver.EventKind) {
	h.t.Helper()
	require.NoError(h.t, h.drv.Inject(driver.Event{Kind: kind}))
}

func (h *harness) busyWith(name string) bool {
	h.s.mu.Lock()
	defer h.s.mu.Unlock()
	return h.s.busy != nil && h.s.busy.name == name
}

func recvErr(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("call did not return")
		return nil
	}
}

func TestSession_ClaimRelease(t *testing.T) {
	h := newHarness(t, driver.VirtualConfig{})
	ctx := context.Background()

	assert.ErrorIs(t, h.s.Release(ctx, alice), models.ErrClaimDevice)

	require.NoError(t, h.s.Claim(ctx, alice, ""))
	assert.True(t, h.drv.IsOpen())
	assert.True(t, h.s.Info().Claimed)
	owner, ok := h.s.Claimant()
	require.True(t, ok)
	assert.Equal(t, alice, owner)

	assert.ErrorIs(t, h.s.Claim(ctx, bob, ""), models.ErrAlreadyInUse)
	assert.ErrorIs(t, h.s.Claim(ctx, alice, ""), models.ErrAlreadyInUse)
	assert.ErrorIs(t, h.s.Release(ctx, bob), models.ErrAlreadyInUse)

	require.NoError(t, h.s.Release(ctx, alice))
	assert.False(t, h.drv.IsOpen())
	assert.False(t, h.s.Info().Claimed)
	assert.ErrorIs(t, h.s.Release(ctx, alice), models.ErrClaimDevice)
}

func TestSession_SecondClaimWhileAuthorizing(t *testing.T) {
	h := newHarness(t, driver.VirtualConfig{})
	ctx := context.Background()
	release := h.authority.hold("alice")

	result := make(chan error, 1)
	go func() { result <- h.s.Claim(ctx, alice, "") }()
	h.authority.awaitCheck(t, "alice")

	assert.ErrorIs(t, h.s.Claim(ctx, bob, ""), models.ErrAlreadyInUse)

	_, err := h.s.ListEnrolledFingers(ctx, bob, "")
	assert.ErrorIs(t, err, models.ErrNoEnrolledPrints)

	release()
	require.NoError(t, recvErr(t, result))
	owner, _ := h.s.Claimant()
	assert.Equal(t, alice, owner)
}

func TestSession_ClaimDenied(t *testing.T) {
	h := newHarness(t, driver.VirtualConfig{})
	h.authority.deny(auth.ActionVerify)
	h.authority.deny(auth.ActionEnroll)

	assert.ErrorIs(t, h.s.Claim(context.Background(), alice, ""), models.ErrPermissionDenied)
	assert.False(t, h.s.Info().Claimed)
	assert.False(t, h.drv.IsOpen())
}

func TestSession_ClaimAsOther(t *testing.T) {
	h := newHarness(t, driver.VirtualConfig{EnrollStages: 1})
	ctx := context.Background()

	h.authority.deny(auth.ActionSetUsername)
	assert.ErrorIs(t, h.s.Claim(ctx, alice, "bob"), models.ErrPermissionDenied)

	h.authority.mu.Lock()
	delete(h.authority.denied, auth.ActionSetUsername)
	h.authority.mu.Unlock()

	require.NoError(t, h.s.Claim(ctx, alice, "bob"))
	require.NoError(t, h.s.EnrollStart(ctx, alice, "right-index-finger"))
	h.inject(driver.EventStagePassed)
	h.expectStatus(models.EventEnrollStatus, models.EnrollCompleted, true)

	fingers, err := h.s.ListEnrolledFingers(ctx, bob, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"right-index-finger"}, fingers)
}

func TestSession_ClaimOpenFailure(t *testing.T) {
	h := newHarness(t, driver.VirtualConfig{})
	h.drv.SetOpenError(errors.New("usb timeout"))

	assert.ErrorIs(t, h.s.Claim(context.Background(), alice, ""), models.ErrInternal)
	assert.False(t, h.s.Info().Claimed)
}

func TestSession_EnrollFiveStages(t *testing.T) {
	h := newHarness(t, driver.VirtualConfig{EnrollStages: 5})
	ctx := context.Background()

	require.NoError(t, h.s.Claim(ctx, alice, "alice"))
	require.NoError(t, h.s.EnrollStart(ctx, alice, "left-thumb"))

	ev := h.next()
	assert.Equal(t, models.PropertyFingerNeeded, ev.Property)
	assert.Equal(t, true, ev.Value)

	for i := 0; i < 4; i++ {
		h.inject(driver.EventStagePassed)
		h.expectStatus(models.EventEnrollStatus, models.EnrollStagePassed, false)
	}
	h.inject(driver.EventStagePassed)
	ev = h.next()
	assert.Equal(t, models.PropertyFingerNeeded, ev.Property)
	assert.Equal(t, false, ev.Value)
	h.expectStatus(models.EventEnrollStatus, models.EnrollCompleted, true)

	require.NoError(t, h.s.EnrollStop(ctx, alice))
	assert.Empty(t, h.queued())

	fingers, err := h.s.ListEnrolledFingers(ctx, alice, "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"left-thumb"}, fingers)

	print, err := h.store.LoadPrint(ctx, "alice", h.s.Key(), models.LeftThumb)
	require.NoError(t, err)
	assert.NotEmpty(t, print.Data)
	assert.Empty(t, print.TemplateID)

	// Enrolling the same finger again replaces the record.
	require.NoError(t, h.s.EnrollStart(ctx, alice, "left-thumb"))
	for i := 0; i < 5; i++ {
		h.inject(driver.EventStagePassed)
	}
	h.expectStatus(models.EventEnrollStatus, models.EnrollStagePassed, false)
	for i := 0; i < 3; i++ {
		h.nextStatus()
	}
	h.expectStatus(models.EventEnrollStatus, models.EnrollCompleted, true)
	require.NoError(t, h.s.EnrollStop(ctx, alice))

	fingers, err = h.s.ListEnrolledFingers(ctx, alice, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"left-thumb"}, fingers)
}

func TestSession_EnrollStartErrors(t *testing.T) {
	h := newHarness(t, driver.VirtualConfig{})
	ctx := context.Background()

	assert.ErrorIs(t, h.s.EnrollStart(ctx, alice, "left-thumb"), models.ErrClaimDevice)

	require.NoError(t, h.s.Claim(ctx, alice, ""))
	assert.ErrorIs(t, h.s.EnrollStart(ctx, alice, "left-toe"), models.ErrInvalidFingername)
	assert.ErrorIs(t, h.s.EnrollStart(ctx, alice, "any"), models.ErrInvalidFingername)
	assert.ErrorIs(t, h.s.EnrollStart(ctx, bob, "left-thumb"), models.ErrAlreadyInUse)

	require.NoError(t, h.s.EnrollStart(ctx, alice, "left-thumb"))
	assert.ErrorIs(t, h.s.EnrollStart(ctx, alice, "left-thumb"), models.ErrAlreadyInUse)
	assert.ErrorIs(t, h.s.VerifyStart(ctx, alice, "any"), models.ErrAlreadyInUse)
	assert.ErrorIs(t, h.s.VerifyStop(ctx, alice), models.ErrNoActionInProgress)

	h.authority.deny(auth.ActionEnroll)
	assert.ErrorIs(t, h.s.EnrollStop(ctx, alice), models.ErrPermissionDenied)
}

func TestSession_EnrollStopReportsFailureFirst(t *testing.T) {
	h := newHarness(t, driver.VirtualConfig{})
	ctx := context.Background()

	require.NoError(t, h.s.Claim(ctx, alice, ""))
	require.NoError(t, h.s.EnrollStart(ctx, alice, "right-thumb"))
	require.NoError(t, h.s.EnrollStop(ctx, alice))

	var statuses []models.Event
	for _, ev := range h.queued() {
		if ev.Kind == models.EventEnrollStatus {
			statuses = append(statuses, ev)
		}
	}
	require.Len(t, statuses, 1)
	assert.Equal(t, models.EnrollFailed, statuses[0].Status)
	assert.True(t, statuses[0].Done)
	assert.False(t, h.drv.Capturing())
	assert.False(t, h.s.Info().FingerNeeded)

	assert.ErrorIs(t, h.s.EnrollStop(ctx, alice), models.ErrNoActionInProgress)

	_, err := h.s.ListEnrolledFingers(ctx, alice, "")
	assert.ErrorIs(t, err, models.ErrNoEnrolledPrints)
}

func TestSession_EnrollRetryStatuses(t *testing.T) {
	h := newHarness(t, driver.VirtualConfig{EnrollStages: 2})
	ctx := context.Background()

	require.NoError(t, h.s.Claim(ctx, alice, ""))
	require.NoError(t, h.s.EnrollStart(ctx, alice, "left-index-finger"))

	for reason, status := range map[driver.RetryReason]string{
		driver.RetryGeneral:      models.EnrollRetryScan,
		driver.RetryTooShort:     models.EnrollSwipeTooShort,
		driver.RetryCenterFinger: models.EnrollFingerNotCentered,
		driver.RetryRemoveFinger: models.EnrollRemoveAndRetry,
	} {
		require.NoError(t, h.drv.Inject(driver.Event{Kind: driver.EventRetry, Retry: reason}))
		h.expectStatus(models.EventEnrollStatus, status, false)
	}
	assert.True(t, h.drv.Capturing())

	require.NoError(t, h.drv.Inject(driver.Event{Kind: driver.EventError, Error: driver.ErrorGeneral}))
	h.expectStatus(models.EventEnrollStatus, models.EnrollUnknownError, true)
}

func TestSession_StagesChanged(t *testing.T) {
	h := newHarness(t, driver.VirtualConfig{EnrollStages: 5})
	ctx := context.Background()

	require.NoError(t, h.s.Claim(ctx, alice, ""))
	require.NoError(t, h.s.EnrollStart(ctx, alice, "left-ring-finger"))
	h.next() // finger-needed

	require.NoError(t, h.drv.Inject(driver.Event{Kind: driver.EventStagesChanged, Stages: 2}))
	ev := h.next()
	assert.Equal(t, models.PropertyNumEnrollStages, ev.Property)
	assert.Equal(t, 2, ev.Value)
	assert.Equal(t, 2, h.s.Info().NumEnrollStages)

	require.NoError(t, h.drv.Inject(driver.Event{Kind: driver.EventFingerPresent, Present: true}))
	ev = h.next()
	assert.Equal(t, models.PropertyFingerPresent, ev.Property)
	assert.True(t, h.s.Info().FingerPresent)

	h.inject(driver.EventStagePassed)
	h.expectStatus(models.EventEnrollStatus, models.EnrollStagePassed, false)
	h.inject(driver.EventStagePassed)
	h.expectStatus(models.EventEnrollStatus, models.EnrollCompleted, true)
}

func TestSession_VerifyAnyPicksFirstFinger(t *testing.T) {
	h := newHarness(t, driver.VirtualConfig{})
	ctx := context.Background()
	h.enroll("alice", models.RightIndex, models.LeftMiddle)

	require.NoError(t, h.s.Claim(ctx, alice, ""))
	require.NoError(t, h.s.VerifyStart(ctx, alice, "any"))

	ev := h.next()
	assert.Equal(t, models.EventFingerSelected, ev.Kind)
	assert.Equal(t, "left-middle-finger", ev.Finger)

	req := h.drv.LastRequest()
	assert.Equal(t, driver.ModeVerify, req.Mode)
	assert.Equal(t, models.LeftMiddle, req.Finger)
	require.Len(t, req.Gallery, 1)
	assert.Equal(t, models.LeftMiddle, req.Gallery[0].Finger)

	h.inject(driver.EventMatch)
	h.expectStatus(models.EventVerifyStatus, models.VerifyMatch, true)
	require.NoError(t, h.s.VerifyStop(ctx, alice))
}

func TestSession_VerifyIdentify(t *testing.T) {
	h := newHarness(t, driver.VirtualConfig{CanIdentify: true})
	ctx := context.Background()
	h.enroll("alice", models.RightIndex, models.LeftMiddle)

	require.NoError(t, h.s.Claim(ctx, alice, ""))
	require.NoError(t, h.s.VerifyStart(ctx, alice, ""))

	ev := h.next()
	assert.Equal(t, models.EventFingerSelected, ev.Kind)
	assert.Equal(t, models.FingerNameAny, ev.Finger)

	req := h.drv.LastRequest()
	assert.Equal(t, driver.ModeIdentify, req.Mode)
	assert.Len(t, req.Gallery, 2)

	h.inject(driver.EventNoMatch)
	h.expectStatus(models.EventVerifyStatus, models.VerifyNoMatch, true)
}

func TestSession_VerifyStartErrors(t *testing.T) {
	h := newHarness(t, driver.VirtualConfig{})
	ctx := context.Background()

	assert.ErrorIs(t, h.s.VerifyStart(ctx, alice, "any"), models.ErrClaimDevice)
	require.NoError(t, h.s.Claim(ctx, alice, ""))
	assert.ErrorIs(t, h.s.VerifyStart(ctx, alice, "any"), models.ErrNoEnrolledPrints)

	h.enroll("alice", models.RightThumb)
	assert.ErrorIs(t, h.s.VerifyStart(ctx, alice, "pinky"), models.ErrInvalidFingername)
	assert.ErrorIs(t, h.s.VerifyStart(ctx, alice, "left-thumb"), models.ErrInternal)

	h.authority.deny(auth.ActionVerify)
	assert.ErrorIs(t, h.s.VerifyStart(ctx, alice, "right-thumb"), models.ErrPermissionDenied)
	assert.False(t, h.drv.Capturing())
}

func TestSession_VerifyRetryKeepsRunning(t *testing.T) {
	h := newHarness(t, driver.VirtualConfig{ScanType: models.ScanSwipe})
	ctx := context.Background()
	h.enroll("alice", models.RightThumb)

	require.NoError(t, h.s.Claim(ctx, alice, ""))
	require.NoError(t, h.s.VerifyStart(ctx, alice, "right-thumb"))
	assert.Equal(t, models.EventFingerSelected, h.nextStatus().Kind)

	require.NoError(t, h.drv.Inject(driver.Event{Kind: driver.EventRetry, Retry: driver.RetryTooShort}))
	h.expectStatus(models.EventVerifyStatus, models.VerifySwipeTooShort, false)
	assert.True(t, h.drv.Capturing())

	h.inject(driver.EventNoMatch)
	h.expectStatus(models.EventVerifyStatus, models.VerifyNoMatch, true)
}

func TestSession_FinishedActionHoldsSlotUntilStopped(t *testing.T) {
	h := newHarness(t, driver.VirtualConfig{})
	ctx := context.Background()
	h.enroll("alice", models.RightThumb)

	require.NoError(t, h.s.Claim(ctx, alice, ""))
	require.NoError(t, h.s.VerifyStart(ctx, alice, "any"))
	h.inject(driver.EventMatch)
	h.nextStatus()
	h.expectStatus(models.EventVerifyStatus, models.VerifyMatch, true)

	assert.ErrorIs(t, h.s.VerifyStart(ctx, alice, "any"), models.ErrAlreadyInUse)
	require.NoError(t, h.s.VerifyStop(ctx, alice))

	for _, ev := range h.queued() {
		assert.NotEqual(t, models.EventVerifyStatus, ev.Kind, "stop after completion emitted %s", ev.Status)
	}
	require.NoError(t, h.s.VerifyStart(ctx, alice, "any"))
}

func TestSession_VerifyStopTwiceConcurrently(t *testing.T) {
	h := newHarness(t, driver.VirtualConfig{})
	ctx := context.Background()
	h.enroll("alice", models.RightThumb)

	require.NoError(t, h.s.Claim(ctx, alice, ""))
	require.NoError(t, h.s.VerifyStart(ctx, alice, "any"))

	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() { results <- h.s.VerifyStop(ctx, alice) }()
	}

	var ok, rejected int
	for i := 0; i < 2; i++ {
		err := recvErr(t, results)
		switch {
		case err == nil:
			ok++
		case errors.Is(err, models.ErrAlreadyInUse), errors.Is(err, models.ErrNoActionInProgress):
			rejected++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, rejected)

	var done int
	for _, ev := range h.queued() {
		if ev.Kind == models.EventVerifyStatus && ev.Done {
			done++
			assert.Equal(t, models.VerifyNoMatch, ev.Status)
		}
	}
	assert.Equal(t, 1, done)
}

func TestSession_ProtoErrorDisconnects(t *testing.T) {
	h := newHarness(t, driver.VirtualConfig{})
	ctx := context.Background()
	h.enroll("alice", models.RightThumb)

	require.NoError(t, h.s.Claim(ctx, alice, ""))
	require.NoError(t, h.s.VerifyStart(ctx, alice, "any"))
	require.NoError(t, h.drv.Inject(driver.Event{Kind: driver.EventError, Error: driver.ErrorProto}))
	h.nextStatus()
	h.expectStatus(models.EventVerifyStatus, models.VerifyDisconnected, true)

	require.NoError(t, h.s.VerifyStop(ctx, alice))
	assert.ErrorIs(t, h.s.VerifyStart(ctx, alice, "any"), models.ErrInternal)
	assert.ErrorIs(t, h.s.EnrollStart(ctx, alice, "left-thumb"), models.ErrInternal)

	require.NoError(t, h.s.Release(ctx, alice))
	require.NoError(t, h.s.Claim(ctx, alice, ""))
	require.NoError(t, h.s.VerifyStart(ctx, alice, "any"))
}

func TestSession_ReleaseCancelsAction(t *testing.T) {
	h := newHarness(t, driver.VirtualConfig{})
	ctx := context.Background()

	require.NoError(t, h.s.Claim(ctx, alice, ""))
	require.NoError(t, h.s.EnrollStart(ctx, alice, "left-thumb"))
	require.NoError(t, h.s.Release(ctx, alice))

	h.expectStatus(models.EventEnrollStatus, models.EnrollFailed, true)
	assert.False(t, h.s.Info().Claimed)
	assert.False(t, h.drv.IsOpen())
	assert.False(t, h.drv.Capturing())
}

func TestSession_ReleaseCloseFailure(t *testing.T) {
	h := newHarness(t, driver.VirtualConfig{})
	ctx := context.Background()

	require.NoError(t, h.s.Claim(ctx, alice, ""))
	h.drv.SetCloseError(errors.New("device gone"))
	assert.ErrorIs(t, h.s.Release(ctx, alice), models.ErrInternal)
	assert.False(t, h.s.Info().Claimed)
}

// slowCancelDriver holds back the end of every capture until released,
// like hardware that takes a while to acknowledge cancellation.
type slowCancelDriver struct {
	*driver.Virtual
	release chan struct{}
}

func (d *slowCancelDriver) Capture(ctx context.Context, req driver.CaptureRequest) (<-chan driver.Event, error) {
	inner, err := d.Virtual.Capture(ctx, req)
	if err != nil {
		return nil, err
	}
	out := make(chan driver.Event)
	go func() {
		defer close(out)
		for ev := range inner {
			out <- ev
		}
		<-d.release
	}()
	return out, nil
}

func TestSession_ReleaseWaitsForStop(t *testing.T) {
	virtual := driver.NewVirtual(driver.VirtualConfig{})
	slow := &slowCancelDriver{Virtual: virtual, release: make(chan struct{})}
	h := newHarnessWith(t, virtual, slow)
	ctx := context.Background()
	h.enroll("alice", models.RightThumb)

	require.NoError(t, h.s.Claim(ctx, alice, ""))
	require.NoError(t, h.s.VerifyStart(ctx, alice, "any"))

	stopped := make(chan error, 1)
	go func() { stopped <- h.s.VerifyStop(ctx, alice) }()
	require.Eventually(t, func() bool { return h.busyWith("VerifyStop") }, 5*time.Second, time.Millisecond)

	released := make(chan error, 1)
	go func() { released <- h.s.Release(ctx, alice) }()

	select {
	case err := <-released:
		t.Fatalf("release returned before stop finished: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	assert.ErrorIs(t, h.s.VerifyStop(ctx, alice), models.ErrAlreadyInUse)

	close(slow.release)
	require.NoError(t, recvErr(t, stopped))
	require.NoError(t, recvErr(t, released))

	var done int
	for _, ev := range h.queued() {
		if ev.Kind == models.EventVerifyStatus && ev.Done {
			done++
		}
	}
	assert.Equal(t, 1, done)
	assert.False(t, h.s.Info().Claimed)
}

func TestSession_ClientVanishedMidEnroll(t *testing.T) {
	h := newHarness(t, driver.VirtualConfig{})
	ctx := context.Background()

	require.NoError(t, h.s.Claim(ctx, alice, ""))
	require.NoError(t, h.s.EnrollStart(ctx, alice, "left-thumb"))

	require.NoError(t, h.s.ClientVanished(bob.ClientID))
	assert.True(t, h.s.Info().Claimed)

	require.NoError(t, h.s.ClientVanished(alice.ClientID))
	h.expectStatus(models.EventEnrollStatus, models.EnrollFailed, true)
	assert.False(t, h.s.Info().Claimed)
	assert.False(t, h.drv.Capturing())

	require.NoError(t, h.s.Claim(ctx, bob, ""))
	require.NoError(t, h.s.ClientVanished(alice.ClientID))
	assert.True(t, h.s.Info().Claimed)
}

func TestSession_ClientVanishedDuringAuthorization(t *testing.T) {
	h := newHarness(t, driver.VirtualConfig{})
	ctx := context.Background()
	h.authority.hold("alice")

	result := make(chan error, 1)
	go func() { result <- h.s.Claim(ctx, alice, "") }()
	h.authority.awaitCheck(t, "alice")

	require.NoError(t, h.s.ClientVanished(alice.ClientID))
	assert.ErrorIs(t, recvErr(t, result), models.ErrPermissionDenied)
	assert.False(t, h.s.Info().Claimed)

	require.NoError(t, h.s.Claim(ctx, bob, ""))
}

func TestSession_ClaimCancelledByContext(t *testing.T) {
	h := newHarness(t, driver.VirtualConfig{})
	h.authority.hold("alice")

	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	go func() { result <- h.s.Claim(ctx, alice, "") }()
	h.authority.awaitCheck(t, "alice")
	cancel()

	assert.ErrorIs(t, recvErr(t, result), auth.ErrCancelled)
	require.NoError(t, h.s.Claim(context.Background(), bob, ""))
}

func TestSession_DeleteEnrolledFingers(t *testing.T) {
	h := newHarness(t, driver.VirtualConfig{})
	ctx := context.Background()
	h.enroll("alice", models.LeftThumb, models.RightThumb)
	h.enroll("bob", models.LeftThumb)

	// Unclaimed devices allow deletion by name.
	require.NoError(t, h.s.DeleteEnrolledFingers(ctx, alice, ""))
	_, err := h.s.ListEnrolledFingers(ctx, alice, "")
	assert.ErrorIs(t, err, models.ErrNoEnrolledPrints)

	h.authority.deny(auth.ActionSetUsername)
	assert.ErrorIs(t, h.s.DeleteEnrolledFingers(ctx, alice, "bob"), models.ErrPermissionDenied)

	require.NoError(t, h.s.Claim(ctx, bob, ""))
	assert.ErrorIs(t, h.s.DeleteEnrolledFingers(ctx, alice, ""), models.ErrAlreadyInUse)
	assert.ErrorIs(t, h.s.DeleteEnrolledFingers2(ctx, alice), models.ErrAlreadyInUse)

	require.NoError(t, h.s.DeleteEnrolledFingers2(ctx, bob))
	_, err = h.s.ListEnrolledFingers(ctx, bob, "")
	assert.ErrorIs(t, err, models.ErrNoEnrolledPrints)
}

func TestSession_DeleteEnrolledFinger(t *testing.T) {
	h := newHarness(t, driver.VirtualConfig{})
	ctx := context.Background()
	h.enroll("alice", models.LeftThumb, models.RightThumb)

	assert.ErrorIs(t, h.s.DeleteEnrolledFinger(ctx, alice, "left-thumb"), models.ErrClaimDevice)
	assert.ErrorIs(t, h.s.DeleteEnrolledFingers2(ctx, alice), models.ErrClaimDevice)

	require.NoError(t, h.s.Claim(ctx, alice, ""))
	assert.ErrorIs(t, h.s.DeleteEnrolledFinger(ctx, alice, "thumb"), models.ErrInvalidFingername)
	require.NoError(t, h.s.DeleteEnrolledFinger(ctx, alice, "left-thumb"))
	assert.ErrorIs(t, h.s.DeleteEnrolledFinger(ctx, alice, "left-thumb"), models.ErrNoEnrolledPrints)

	fingers, err := h.s.ListEnrolledFingers(ctx, alice, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"right-thumb"}, fingers)

	require.NoError(t, h.s.VerifyStart(ctx, alice, "any"))
	assert.ErrorIs(t, h.s.DeleteEnrolledFinger(ctx, alice, "right-thumb"), models.ErrAlreadyInUse)
	assert.ErrorIs(t, h.s.DeleteEnrolledFingers2(ctx, alice), models.ErrAlreadyInUse)
}

// failingDeleteStore refuses bulk deletes.
type failingDeleteStore struct {
	*storage.MemoryStorage
}

func (failingDeleteStore) DeleteAllPrints(ctx context.Context, username string, device models.DeviceKey) error {
	return errors.New("read-only file system")
}

func TestSession_DeleteFailureLeavesPrints(t *testing.T) {
	h := newHarness(t, driver.VirtualConfig{})
	ctx := context.Background()
	h.enroll("alice", models.LeftThumb, models.RightThumb)
	h.s.store = failingDeleteStore{h.store}

	assert.ErrorIs(t, h.s.DeleteEnrolledFingers(ctx, alice, ""), models.ErrPrintsNotDeleted)

	fingers, err := h.s.ListEnrolledFingers(ctx, alice, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"left-thumb", "right-thumb"}, fingers)
}

func TestSession_ListEnrolledFingers(t *testing.T) {
	h := newHarness(t, driver.VirtualConfig{})
	ctx := context.Background()
	h.enroll("bob", models.RightLittle)

	fingers, err := h.s.ListEnrolledFingers(ctx, alice, "bob")
	require.NoError(t, err)
	assert.Equal(t, []string{"right-little-finger"}, fingers)

	h.authority.deny(auth.ActionSetUsername)
	_, err = h.s.ListEnrolledFingers(ctx, alice, "bob")
	assert.ErrorIs(t, err, models.ErrPermissionDenied)

	fingers, err = h.s.ListEnrolledFingers(ctx, bob, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"right-little-finger"}, fingers)
}

func TestSession_DataFullEvictsAndRestarts(t *testing.T) {
	h := newHarness(t, driver.VirtualConfig{EnrollStages: 1, HasStorage: true, StorageCapacity: 1})
	ctx := context.Background()
	require.NoError(t, h.drv.Store(models.StoredTemplate{ID: "20200101000000-foreign"}))

	require.NoError(t, h.s.Claim(ctx, alice, ""))
	require.NoError(t, h.s.EnrollStart(ctx, alice, "right-index-finger"))
	require.Eventually(t, func() bool { return h.drv.Captures() == 2 && h.drv.Capturing() },
		5*time.Second, time.Millisecond)

	h.inject(driver.EventStagePassed)
	h.expectStatus(models.EventEnrollStatus, models.EnrollCompleted, true)

	print, err := h.store.LoadPrint(ctx, "alice", h.s.Key(), models.RightIndex)
	require.NoError(t, err)
	require.NotEmpty(t, print.TemplateID)

	stored, err := h.drv.ListStored(ctx)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, print.TemplateID, stored[0].ID)
}

func TestSession_DataFullWithNothingToEvict(t *testing.T) {
	h := newHarness(t, driver.VirtualConfig{EnrollStages: 1, HasStorage: true, StorageCapacity: 1})
	ctx := context.Background()

	require.NoError(t, h.s.Claim(ctx, alice, ""))
	require.NoError(t, h.s.EnrollStart(ctx, alice, "left-thumb"))
	h.inject(driver.EventStagePassed)
	h.expectStatus(models.EventEnrollStatus, models.EnrollCompleted, true)
	require.NoError(t, h.s.EnrollStop(ctx, alice))

	require.NoError(t, h.s.EnrollStart(ctx, alice, "right-thumb"))
	h.expectStatus(models.EventEnrollStatus, models.EnrollDataFull, true)
	assert.Equal(t, 2, h.drv.Captures())
}

func TestSession_DeleteRemovesDeviceTemplates(t *testing.T) {
	h := newHarness(t, driver.VirtualConfig{EnrollStages: 1, HasStorage: true})
	ctx := context.Background()

	require.NoError(t, h.s.Claim(ctx, alice, ""))
	require.NoError(t, h.s.EnrollStart(ctx, alice, "left-thumb"))
	h.inject(driver.EventStagePassed)
	h.expectStatus(models.EventEnrollStatus, models.EnrollCompleted, true)
	require.NoError(t, h.s.EnrollStop(ctx, alice))
	require.NoError(t, h.s.Release(ctx, alice))

	require.NoError(t, h.s.DeleteEnrolledFingers(ctx, alice, ""))
	stored, err := h.drv.ListStored(ctx)
	require.NoError(t, err)
	assert.Empty(t, stored)
	assert.False(t, h.drv.IsOpen())
}

func TestSession_RemoveDuringAction(t *testing.T) {
	h := newHarness(t, driver.VirtualConfig{})
	ctx := context.Background()

	require.NoError(t, h.s.Claim(ctx, alice, ""))
	require.NoError(t, h.s.EnrollStart(ctx, alice, "left-thumb"))

	h.s.Remove()
	h.expectStatus(models.EventEnrollStatus, models.EnrollDisconnected, true)
	assert.False(t, h.drv.IsOpen())

	assert.ErrorIs(t, h.s.Release(ctx, alice), models.ErrNoSuchDevice)
	assert.ErrorIs(t, h.s.Claim(ctx, bob, ""), models.ErrNoSuchDevice)
	require.NoError(t, h.s.ClientVanished(alice.ClientID))
}
