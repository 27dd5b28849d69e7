package models

// ScanType describes how a finger is presented to the sensor.
type ScanType string

const (
	ScanPress ScanType = "press"
	ScanSwipe ScanType = "swipe"
)

// DeviceInfo is the public description of a registered device.
type DeviceInfo struct {
	ID              uint32   `json:"id"`
	Name            string   `json:"name"`
	Driver          string   `json:"driver"`
	Index           int      `json:"index"`
	ScanType        ScanType `json:"scan_type"`
	NumEnrollStages int      `json:"num_enroll_stages"`
	CanIdentify     bool     `json:"can_identify"`
	HasStorage      bool     `json:"has_storage"`
	FingerNeeded    bool     `json:"finger_needed"`
	FingerPresent   bool     `json:"finger_present"`
	Claimed         bool     `json:"claimed"`
}

// DeviceKey locates a physical device in print storage: the driver
// name plus a per-driver index starting at 0.
type DeviceKey struct {
	Driver string `json:"driver"`
	Index  int    `json:"index"`
}
