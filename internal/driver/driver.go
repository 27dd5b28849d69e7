// Package driver defines the boundary to fingerprint hardware.
//
// A Driver runs one capture at a time. Capture returns a channel of
// events that is closed once the capture is over: after a terminal
// event (an error, a match or no-match, or the stage-passed event that
// completes an enrollment), or after the capture context is cancelled.
// A capture cancelled before any terminal event simply closes the
// channel.
package driver

import (
	"context"
	"errors"
	"fmt"

	"github.com/andyleap/fprint/internal/models"
)

// ErrNotSupported is returned by on-device storage operations on
// devices without storage.
var ErrNotSupported = errors.New("operation not supported by device")

// ErrBusy is returned when a capture is started while another runs.
var ErrBusy = errors.New("capture already running")

// Info is the static description of a device plus its current
// enrollment stage count.
type Info struct {
	Name         string
	Driver       string
	ScanType     models.ScanType
	EnrollStages int
	CanIdentify  bool
	HasStorage   bool
}

// Mode selects what a capture does with the scanned finger.
type Mode int

const (
	ModeEnroll Mode = iota
	ModeVerify
	ModeIdentify
)

func (m Mode) String() string {
	switch m {
	case ModeEnroll:
		return "enroll"
	case ModeVerify:
		return "verify"
	case ModeIdentify:
		return "identify"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// CaptureRequest describes a capture. For verification Gallery holds
// the single print to compare against; for identification it holds
// every candidate.
type CaptureRequest struct {
	Mode     Mode
	Username string
	Finger   models.Finger
	Gallery  []*models.Print
}

// Driver is implemented by device back ends.
type Driver interface {
	Info() Info
	Open(ctx context.Context) error
	Close(ctx context.Context) error
	Capture(ctx context.Context, req CaptureRequest) (<-chan Event, error)

	// ListStored and DeleteStored manage on-device template storage.
	// Devices without storage return ErrNotSupported.
	ListStored(ctx context.Context) ([]models.StoredTemplate, error)
	DeleteStored(ctx context.Context, id string) error
}
