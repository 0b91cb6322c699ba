package attendance

import (
	"strings"
	"time"
)

// Batch identifies which club batch a session belongs to.
type Batch string

const (
	BatchBasic    Batch = "basic"
	BatchAdvanced Batch = "advanced"
)

// ParseBatch normalizes a batch name from the wire.
func ParseBatch(s string) (Batch, error) {
	switch Batch(strings.ToLower(strings.TrimSpace(s))) {
	case BatchBasic:
		return BatchBasic, nil
	case BatchAdvanced:
		return BatchAdvanced, nil
	}
	return "", &ValidationError{Field: "batch", Reason: "must be basic or advanced"}
}

// SessionType distinguishes regular classes from makeup and special sessions.
type SessionType string

const (
	SessionRegular SessionType = "regular"
	SessionMakeup  SessionType = "makeup"
	SessionSpecial SessionType = "special"
)

// Status is the per-day attendance outcome for a student.
type Status string

const (
	StatusPresent Status = "present"
	StatusLate    Status = "late"
	StatusAbsent  Status = "absent"
)

// Attending reports whether the status counts toward attendance.
func (s Status) Attending() bool { return s == StatusPresent || s == StatusLate }

// Method records how an attendance fact was produced.
type Method string

const (
	MethodQR     Method = "qr"
	MethodManual Method = "manual"
)

// Coordinates is a latitude/longitude pair in degrees.
type Coordinates struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Position is a device-reported location. Accuracy is informational only;
// it does not widen or shrink the verification radius.
type Position struct {
	Lat            float64 `json:"lat"`
	Lng            float64 `json:"lng"`
	AccuracyMeters float64 `json:"accuracy_meters"`
}

// Session is one attendance session for a batch on a date.
type Session struct {
	ID                string        `json:"id"`
	Batch             Batch         `json:"batch"`
	Date              time.Time     `json:"date"`
	Type              SessionType   `json:"session_type"`
	Location          string        `json:"location"`
	Anchor            *Coordinates  `json:"anchor,omitempty"`
	MaxDistanceMeters float64       `json:"max_distance_meters"`
	CodeValidity      time.Duration `json:"code_validity"`
	Code              string        `json:"-"`
	CodeIssuedAt      time.Time     `json:"code_issued_at"`
	CodeExpiresAt     time.Time     `json:"code_expires_at"`
	Active            bool          `json:"active"`
	CreatedAt         time.Time     `json:"created_at"`
}

// ShortCode is the human-shareable tail of the check-in credential.
func (s *Session) ShortCode() string {
	if len(s.Code) <= shortCodeLen {
		return strings.ToUpper(s.Code)
	}
	return strings.ToUpper(s.Code[len(s.Code)-shortCodeLen:])
}

// CodeExpired reports whether the current code is past its validity window.
func (s *Session) CodeExpired(now time.Time) bool {
	return now.After(s.CodeExpiresAt)
}

// CodeRemaining returns how long the current code stays valid. The countdown
// timer belongs to whatever UI layer exists; the engine only answers this.
func CodeRemaining(s *Session, now time.Time) time.Duration {
	if s == nil || s.CodeExpired(now) {
		return 0
	}
	return s.CodeExpiresAt.Sub(now)
}

// Record is the single per-student, per-date attendance fact. Session
// check-ins and independent manual entries collapse into the same row;
// SessionID is nil for the latter.
type Record struct {
	UserID           string    `json:"user_id"`
	Date             time.Time `json:"date"`
	SessionID        *string   `json:"session_id,omitempty"`
	Batch            Batch     `json:"batch"`
	Status           Status    `json:"status"`
	Method           Method    `json:"marked_method"`
	LocationVerified bool      `json:"location_verified"`
	DistanceMeters   *float64  `json:"distance_meters,omitempty"`
	DurationMinutes  *int      `json:"duration_minutes,omitempty"`
	MarkedAt         time.Time `json:"marked_at"`
}

// Manual reports whether the record came from a date-scoped manual entry
// with no backing session.
func (r *Record) Manual() bool { return r.SessionID == nil }

// Student is the roster projection the engine consumes. Identity is owned
// elsewhere.
type Student struct {
	UserID     string `json:"user_id"`
	Name       string `json:"name"`
	RollNumber string `json:"roll_number"`
	Batch      Batch  `json:"batch"`
}

// StudentStats is derived from the full record set on demand; nothing here
// is persisted.
type StudentStats struct {
	UserID           string `json:"user_id"`
	Total            int    `json:"total"`
	Present          int    `json:"present"`
	Late             int    `json:"late"`
	Absent           int    `json:"absent"`
	Percentage       int    `json:"percentage"`
	CurrentStreak    int    `json:"current_streak"`
	MaxStreak        int    `json:"max_streak"`
	QRMarked         int    `json:"qr_marked"`
	LocationVerified int    `json:"location_verified"`
	ManualMarked     int    `json:"manual_marked"`
}

// BatchStats summarizes all sessions of a batch.
type BatchStats struct {
	AvgRate      float64 `json:"avg_rate"`
	Sessions     int     `json:"sessions"`
	TotalPresent int     `json:"total_present"`
}

// ReportRow is the flat projection handed to external CSV rendering.
type ReportRow struct {
	RollNumber string `json:"roll_number"`
	Name       string `json:"name"`
	UserID     string `json:"user_id"`
	StudentStats
}

// Day truncates a timestamp to its UTC date. Records and sessions key on
// dates, never on times of day.
func Day(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
