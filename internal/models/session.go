package models

// Event kinds broadcast to subscribers.
const (
	EventEnrollStatus    = "EnrollStatus"
	EventVerifyStatus    = "VerifyStatus"
	EventFingerSelected  = "VerifyFingerSelected"
	EventPropertyChanged = "PropertyChanged"
)

// Device properties announced through EventPropertyChanged.
const (
	PropertyFingerNeeded    = "finger-needed"
	PropertyFingerPresent   = "finger-present"
	PropertyNumEnrollStages = "num-enroll-stages"
)

// Event is a progress notification emitted by a device session.
type Event struct {
	Device   uint32 `json:"device"`
	Kind     string `json:"kind"`
	Status   string `json:"status,omitempty"`
	Done     bool   `json:"done,omitempty"`
	Finger   string `json:"finger,omitempty"`
	Property string `json:"property,omitempty"`
	Value    any    `json:"value,omitempty"`
}

// Caller identifies the client connection issuing a request and the
// identity it runs as.
type Caller struct {
	ClientID string `json:"client_id"`
	Identity string `json:"identity"`
}

// Enrollment status names.
const (
	EnrollCompleted         = "enroll-completed"
	EnrollFailed            = "enroll-failed"
	EnrollStagePassed       = "enroll-stage-passed"
	EnrollRetryScan         = "enroll-retry-scan"
	EnrollSwipeTooShort     = "enroll-swipe-too-short"
	EnrollFingerNotCentered = "enroll-finger-not-centered"
	EnrollRemoveAndRetry    = "enroll-remove-and-retry"
	EnrollDataFull          = "enroll-data-full"
	EnrollDisconnected      = "enroll-disconnected"
	EnrollUnknownError      = "enroll-unknown-error"
)

// Verification status names.
const (
	VerifyMatch             = "verify-match"
	VerifyNoMatch           = "verify-no-match"
	VerifyRetryScan         = "verify-retry-scan"
	VerifySwipeTooShort     = "verify-swipe-too-short"
	VerifyFingerNotCentered = "verify-finger-not-centered"
	VerifyRemoveAndRetry    = "verify-remove-and-retry"
	VerifyDisconnected      = "verify-disconnected"
	VerifyUnknownError      = "verify-unknown-error"
)
