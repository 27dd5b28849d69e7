package models

import (
	"time"
)

// Print is one enrolled fingerprint template for a user on a device.
type Print struct {
	Username   string    `json:"username"`
	Device     DeviceKey `json:"device"`
	Finger     Finger    `json:"finger"`
	EnrollDate time.Time `json:"enroll_date"`

	// TemplateID names the device-resident copy of the template on
	// devices with on-board storage. Empty otherwise.
	TemplateID string `json:"template_id,omitempty"`

	Data []byte `json:"data"`
}

// StoredTemplate is an entry in a device's on-board template storage.
// Metadata is whatever the device returned alongside the entry and may
// be empty or unparseable.
type StoredTemplate struct {
	ID       string `json:"id"`
	Metadata []byte `json:"metadata,omitempty"`
}

// TemplateMetadata is the structured form of StoredTemplate.Metadata.
type TemplateMetadata struct {
	Username   string    `json:"username"`
	Finger     Finger    `json:"finger"`
	EnrollDate time.Time `json:"enroll_date"`
}
