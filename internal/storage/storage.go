package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/andyleap/fprint/internal/models"
)

// ErrPrintNotFound is returned by LoadPrint when no usable print exists
// for the requested slot.
var ErrPrintNotFound = errors.New("print not found")

// PrintStore persists enrolled prints keyed by (user, device, finger).
type PrintStore interface {
	SavePrint(ctx context.Context, print *models.Print) error
	LoadPrint(ctx context.Context, username string, device models.DeviceKey, finger models.Finger) (*models.Print, error)

	// ListPrints returns the enrolled fingers in slot order. A user
	// with nothing enrolled yields an empty slice, not an error.
	ListPrints(ctx context.Context, username string, device models.DeviceKey) ([]models.Finger, error)

	DeletePrint(ctx context.Context, username string, device models.DeviceKey, finger models.Finger) error

	// DeleteAllPrints removes every print of username on device. On
	// failure nothing is removed.
	DeleteAllPrints(ctx context.Context, username string, device models.DeviceKey) error

	ListUsers(ctx context.Context) ([]string, error)
}

func validateUsername(username string) error {
	if username == "" || username == "." || username == ".." ||
		strings.ContainsAny(username, "/\\:\x00") || strings.HasPrefix(username, ".") {
		return fmt.Errorf("invalid username %q", username)
	}
	return nil
}

func validateDevice(device models.DeviceKey) error {
	if device.Driver == "" || device.Index < 0 ||
		strings.ContainsAny(device.Driver, "/\\:\x00") || strings.HasPrefix(device.Driver, ".") {
		return fmt.Errorf("invalid device %s/%d", device.Driver, device.Index)
	}
	return nil
}

func validatePrint(print *models.Print) error {
	if err := validateUsername(print.Username); err != nil {
		return err
	}
	if err := validateDevice(print.Device); err != nil {
		return err
	}
	if !print.Finger.Valid() {
		return fmt.Errorf("%w: slot %d", models.ErrInvalidFingername, int(print.Finger))
	}
	return nil
}

func validateKey(username string, device models.DeviceKey) error {
	if err := validateUsername(username); err != nil {
		return err
	}
	return validateDevice(device)
}

// fingerSlot is the single hex digit naming a finger in storage keys.
func fingerSlot(finger models.Finger) string {
	return fmt.Sprintf("%x", int(finger))
}

func parseFingerSlot(name string) (models.Finger, bool) {
	if len(name) != 1 {
		return 0, false
	}
	var v int
	if _, err := fmt.Sscanf(name, "%x", &v); err != nil {
		return 0, false
	}
	finger := models.Finger(v)
	return finger, finger.Valid()
}
