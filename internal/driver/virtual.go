package driver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/andyleap/fprint/internal/codec"
	"github.com/andyleap/fprint/internal/models"
)

// ErrNoCapture is returned by Inject when no capture is running.
var ErrNoCapture = errors.New("no capture running")

// VirtualConfig describes a virtual device.
type VirtualConfig struct {
	Name         string          `yaml:"name"`
	Driver       string          `yaml:"driver"`
	ScanType     models.ScanType `yaml:"scan_type"`
	EnrollStages int             `yaml:"enroll_stages"`
	CanIdentify  bool            `yaml:"can_identify"`
	HasStorage   bool            `yaml:"has_storage"`

	// StorageCapacity bounds on-device storage. Zero means unbounded.
	StorageCapacity int `yaml:"storage_capacity"`
}

// Virtual is a scriptable device. Scan results are supplied with
// Inject; everything else behaves like real hardware, including
// on-device template storage that reports itself full.
type Virtual struct {
	mu       sync.Mutex
	info     Info
	capacity int
	open     bool
	openErr  error
	closeErr error
	capture  *virtualCapture
	captures int
	last     CaptureRequest
	stored   []models.StoredTemplate
}

type virtualCapture struct {
	req    CaptureRequest
	in     chan Event
	out    chan Event
	done   chan struct{}
	stages int
}

// NewVirtual creates a virtual device from cfg, filling in defaults.
func NewVirtual(cfg VirtualConfig) *Virtual {
	if cfg.Driver == "" {
		cfg.Driver = "virtual_image"
	}
	if cfg.Name == "" {
		cfg.Name = "Virtual fingerprint device"
	}
	if cfg.ScanType == "" {
		cfg.ScanType = models.ScanPress
	}
	if cfg.EnrollStages <= 0 {
		cfg.EnrollStages = 5
	}
	return &Virtual{
		info: Info{
			Name:         cfg.Name,
			Driver:       cfg.Driver,
			ScanType:     cfg.ScanType,
			EnrollStages: cfg.EnrollStages,
			CanIdentify:  cfg.CanIdentify,
			HasStorage:   cfg.HasStorage,
		},
		capacity: cfg.StorageCapacity,
	}
}

func (v *Virtual) Info() Info {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.info
}

func (v *Virtual) Open(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.openErr != nil {
		return v.openErr
	}
	v.open = true
	return nil
}

func (v *Virtual) Close(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.open = false
	return v.closeErr
}

// SetOpenError makes subsequent Open calls fail with err.
func (v *Virtual) SetOpenError(err error) {
	v.mu.Lock()
	v.openErr = err
	v.mu.Unlock()
}

// SetCloseError makes subsequent Close calls fail with err. The device
// is still closed.
func (v *Virtual) SetCloseError(err error) {
	v.mu.Lock()
	v.closeErr = err
	v.mu.Unlock()
}

// IsOpen reports whether the device is open.
func (v *Virtual) IsOpen() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.open
}

// Capturing reports whether a capture is running.
func (v *Virtual) Capturing() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.capture != nil
}

// Captures returns how many captures have been started.
func (v *Virtual) Captures() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.captures
}

// LastRequest returns the request of the most recent capture.
func (v *Virtual) LastRequest() CaptureRequest {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.last
}

func (v *Virtual) Capture(ctx context.Context, req CaptureRequest) (<-chan Event, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.open {
		return nil, fmt.Errorf("device %s is not open", v.info.Driver)
	}
	if v.capture != nil {
		return nil, ErrBusy
	}
	if req.Mode == ModeIdentify && !v.info.CanIdentify {
		return nil, fmt.Errorf("device %s cannot identify: %w", v.info.Driver, ErrNotSupported)
	}

	c := &virtualCapture{
		req:  req,
		in:   make(chan Event),
		out:  make(chan Event, 16),
		done: make(chan struct{}),
	}
	v.capture = c
	v.captures++
	v.last = req

	var initial []Event
	if req.Mode == ModeEnroll && v.info.HasStorage && v.capacity > 0 && len(v.stored) >= v.capacity {
		initial = append(initial, Event{Kind: EventError, Error: ErrorDataFull})
	}

	go v.run(ctx, c, initial)
	return c.out, nil
}

func (v *Virtual) run(ctx context.Context, c *virtualCapture, initial []Event) {
	defer func() {
		v.mu.Lock()
		if v.capture == c {
			v.capture = nil
		}
		v.mu.Unlock()
		close(c.done)
		close(c.out)
	}()

	for {
		var ev Event
		if len(initial) > 0 {
			ev, initial = initial[0], initial[1:]
		} else {
			select {
			case ev = <-c.in:
			case <-ctx.Done():
				return
			}
		}

		ev, terminal := v.complete(c, ev)
		select {
		case c.out <- ev:
		case <-ctx.Done():
			return
		}
		if terminal {
			return
		}
	}
}

// complete fills in what real hardware would attach to ev and reports
// whether it ends the capture.
func (v *Virtual) complete(c *virtualCapture, ev Event) (Event, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()

	switch ev.Kind {
	case EventStagesChanged:
		if ev.Stages > 0 {
			v.info.EnrollStages = ev.Stages
		}
	case EventStagePassed:
		if c.req.Mode != ModeEnroll {
			return ev, false
		}
		c.stages++
		if c.stages < v.info.EnrollStages {
			return ev, false
		}
		ev.Template = v.newTemplate(c.req)
		return ev, true
	}
	return ev, ev.Terminal()
}

func (v *Virtual) newTemplate(req CaptureRequest) *Template {
	now := time.Now().UTC()
	id := now.Format("20060102150405") + "-" + uuid.NewString()
	t := &Template{
		ID:   id,
		Data: []byte(fmt.Sprintf("%s:%s:%s:%s", v.info.Driver, req.Username, req.Finger, id)),
	}

	if v.info.HasStorage {
		meta, err := codec.Marshal(models.TemplateMetadata{
			Username:   req.Username,
			Finger:     req.Finger,
			EnrollDate: now,
		})
		if err != nil {
			meta = nil
		}
		v.stored = append(v.stored, models.StoredTemplate{ID: id, Metadata: meta})
	}
	return t
}

// Inject delivers ev to the running capture. It returns once the
// capture has accepted the event.
func (v *Virtual) Inject(ev Event) error {
	v.mu.Lock()
	c := v.capture
	v.mu.Unlock()
	if c == nil {
		return ErrNoCapture
	}

	select {
	case c.in <- ev:
		return nil
	case <-c.done:
		return ErrNoCapture
	}
}

func (v *Virtual) ListStored(ctx context.Context) ([]models.StoredTemplate, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.info.HasStorage {
		return nil, ErrNotSupported
	}
	stored := make([]models.StoredTemplate, len(v.stored))
	copy(stored, v.stored)
	return stored, nil
}

func (v *Virtual) DeleteStored(ctx context.Context, id string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.info.HasStorage {
		return ErrNotSupported
	}
	for i, t := range v.stored {
		if t.ID == id {
			v.stored = append(v.stored[:i], v.stored[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("template %s not stored on device", id)
}

// Store adds t to on-device storage as if enrolled earlier, possibly
// by another host.
func (v *Virtual) Store(t models.StoredTemplate) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.info.HasStorage {
		return ErrNotSupported
	}
	v.stored = append(v.stored, t)
	return nil
}
