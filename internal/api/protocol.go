package api

import (
	"github.com/andyleap/fprint/internal/codec"
	"github.com/andyleap/fprint/internal/models"
)

// Actions understood by the server.
const (
	ActionListDevices            = "list-devices"
	ActionDefaultDevice          = "default-device"
	ActionDeviceInfo             = "device-info"
	ActionClaim                  = "claim"
	ActionRelease                = "release"
	ActionEnrollStart            = "enroll-start"
	ActionEnrollStop             = "enroll-stop"
	ActionVerifyStart            = "verify-start"
	ActionVerifyStop             = "verify-stop"
	ActionListEnrolledFingers    = "list-enrolled-fingers"
	ActionDeleteEnrolledFingers  = "delete-enrolled-fingers"
	ActionDeleteEnrolledFingers2 = "delete-enrolled-fingers2"
	ActionDeleteEnrolledFinger   = "delete-enrolled-finger"

	// ActionInject feeds a scripted driver event to a virtual device.
	// Only registered when the server runs in testing mode.
	ActionInject = "inject"
)

// Request is a client call. Device 0 addresses the default device.
type Request struct {
	ID     uint64 `json:"id"`
	Action string `json:"action"`
	Device uint32 `json:"device,omitempty"`
	Finger string `json:"finger,omitempty"`
	User   string `json:"user,omitempty"`

	// Event and Code describe the driver event for ActionInject.
	Event string `json:"event,omitempty"`
	Code  string `json:"code,omitempty"`
}

// Frame types.
const (
	FrameReply = "reply"
	FrameEvent = "event"
)

// Frame is one server-to-client message: a reply to the request with
// the same ID, or a broadcast event.
type Frame struct {
	Type      string           `json:"type"`
	ID        uint64           `json:"id,omitempty"`
	OK        bool             `json:"ok,omitempty"`
	Error     string           `json:"error,omitempty"`
	ErrorName string           `json:"error_name,omitempty"`
	Data      codec.RawMessage `json:"data,omitempty"`
	Event     *models.Event    `json:"event,omitempty"`
}
