// Package model defines the report types shared by the local store, the sync
// engine, and the backend client.
package model

import (
	"fmt"
	"strings"
	"time"
)

// Category classifies what the field user is reporting.
type Category string

const (
	// CategoryRubble is collapsed structures or debris.
	CategoryRubble Category = "rubble"
	// CategoryHazard is a general danger (fire, exposed wiring, UXO, ...).
	CategoryHazard Category = "hazard"
	// CategoryBlockedRoad is a road that cannot be passed.
	CategoryBlockedRoad Category = "blocked_road"
)

// Categories returns every recognised category in display order.
func Categories() []Category {
	return []Category{CategoryRubble, CategoryHazard, CategoryBlockedRoad}
}

// Valid reports whether c is one of the recognised categories.
func (c Category) Valid() bool {
	switch c {
	case CategoryRubble, CategoryHazard, CategoryBlockedRoad:
		return true
	default:
		return false
	}
}

// Label returns the category in human-readable form.
func (c Category) Label() string {
	return strings.ReplaceAll(string(c), "_", " ")
}

// ParseCategory converts a raw string into a Category.
func ParseCategory(s string) (Category, error) {
	c := Category(s)
	if !c.Valid() {
		return "", fmt.Errorf("unrecognised category %q", s)
	}
	return c, nil
}

// SyncState is the upload state of a report. Values match the integer
// stored in the reports.sync_state column.
type SyncState int

const (
	// Unsynced rows are waiting in the pending queue.
	Unsynced SyncState = 0
	// Synced rows have been accepted by the backend.
	Synced SyncState = 1
)

// String returns the lowercase label for the state.
func (s SyncState) String() string {
	if s == Synced {
		return "synced"
	}
	return "unsynced"
}

// NewReport carries the immutable payload of a report before it has been
// assigned a local identifier.
type NewReport struct {
	Zone        string
	Category    Category
	Subcategory string
	Latitude    float64
	Longitude   float64
	PhotoPath   string
	Description string
	OwnerID     string

	// CreatedAt is the client-side creation time in epoch millis. Zero means
	// "now" and is filled in by the store.
	CreatedAt int64
}

// Report is a row of the local reports table.
type Report struct {
	// LocalID is the row's primary key. It starts as a client-generated UUID
	// and becomes the remote identifier once the backend accepts the report.
	LocalID string

	// RemoteID is empty until the backend has accepted the report. Once set
	// it never changes.
	RemoteID string

	Zone        string
	Category    Category
	Subcategory string
	Latitude    float64
	Longitude   float64
	PhotoPath   string
	Description string

	// CreatedAt is the client-side creation timestamp in epoch millis.
	CreatedAt int64

	SyncState SyncState

	// OwnerID is the submitting user. Empty for anonymous submissions.
	OwnerID string
}

// IsSynced reports whether the backend has acknowledged the report.
func (r *Report) IsSynced() bool {
	return r.SyncState == Synced
}

// Created returns CreatedAt as a time.Time in UTC.
func (r *Report) Created() time.Time {
	return time.UnixMilli(r.CreatedAt).UTC()
}

// StatusPending is the initial status of every record inserted remotely.
const StatusPending = "pending"

// RemoteRecord is the JSON body sent to the backend's reports table.
type RemoteRecord struct {
	Zone        string  `json:"zone"`
	Category    string  `json:"category"`
	Subcategory *string `json:"subcategory"`
	Latitude    float64 `json:"latitude"`
	Longitude   float64 `json:"longitude"`
	Description *string `json:"description"`
	Timestamp   string  `json:"timestamp"`
	OwnerID     *string `json:"owner_id"`
	Status      string  `json:"status"`
	PhotoURL    *string `json:"photo_url"`

	// ClientID is the local identifier, sent only when duplicate protection
	// is enabled on the backend.
	ClientID string `json:"client_id,omitempty"`
}

// FormatTimestamp converts epoch millis to an ISO-8601 UTC string with
// millisecond precision.
func FormatTimestamp(ms int64) string {
	return time.UnixMilli(ms).UTC().Format("2006-01-02T15:04:05.000Z07:00")
}

// ToRemote maps the report onto the backend schema. Empty optional values
// become JSON null.
func (r *Report) ToRemote(photoURL, ownerID string) RemoteRecord {
	return RemoteRecord{
		Zone:        r.Zone,
		Category:    string(r.Category),
		Subcategory: optional(r.Subcategory),
		Latitude:    r.Latitude,
		Longitude:   r.Longitude,
		Description: optional(r.Description),
		Timestamp:   FormatTimestamp(r.CreatedAt),
		OwnerID:     optional(ownerID),
		Status:      StatusPending,
		PhotoURL:    optional(photoURL),
	}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
