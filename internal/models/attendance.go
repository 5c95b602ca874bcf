package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// AttendanceStatus represents the recorded presence for one session.
type AttendanceStatus string

const (
	AttendanceStatusPresent AttendanceStatus = "PRESENT"
	AttendanceStatusPartial AttendanceStatus = "PARTIAL"
	AttendanceStatusAbsent  AttendanceStatus = "ABSENT"
	AttendanceStatusLate    AttendanceStatus = "LATE"
	AttendanceStatusExcused AttendanceStatus = "EXCUSED"
)

// Valid reports whether the status is a known value.
func (s AttendanceStatus) Valid() bool {
	switch s {
	case AttendanceStatusPresent, AttendanceStatusPartial, AttendanceStatusAbsent,
		AttendanceStatusLate, AttendanceStatusExcused:
		return true
	}
	return false
}

// CountsAsAttended reports whether the status contributes a full session to
// the attendance percentage. PARTIAL contributes half and is handled by the
// recalculation directly.
func (s AttendanceStatus) CountsAsAttended() bool {
	switch s {
	case AttendanceStatusPresent, AttendanceStatusLate, AttendanceStatusExcused:
		return true
	}
	return false
}

// AttendanceModality distinguishes how the attendee joined the session.
type AttendanceModality string

const (
	ModalityInPerson AttendanceModality = "IN_PERSON"
	ModalityVirtual  AttendanceModality = "VIRTUAL"
	ModalityHybrid   AttendanceModality = "HYBRID"
)

// Valid reports whether the modality is a known value.
func (m AttendanceModality) Valid() bool {
	return m == ModalityInPerson || m == ModalityVirtual || m == ModalityHybrid
}

// VirtualConnection is one streaming interval for an attendance row. An open
// interval has no DisconnectedAt.
type VirtualConnection struct {
	Platform        *string    `json:"platform,omitempty"`
	ConnectedAt     time.Time  `json:"connected_at"`
	DisconnectedAt  *time.Time `json:"disconnected_at,omitempty"`
	DurationMinutes int        `json:"duration_minutes"`
	IPAddress       string     `json:"ip_address"`
}

// Open reports whether the interval has not been closed yet.
func (c VirtualConnection) Open() bool {
	return c.DisconnectedAt == nil
}

// ConnectionList stores virtual connection intervals as a JSONB column.
type ConnectionList []VirtualConnection

// Value implements driver.Valuer.
func (l ConnectionList) Value() (driver.Value, error) {
	if l == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(l)
}

// Scan implements sql.Scanner.
func (l *ConnectionList) Scan(src interface{}) error {
	if src == nil {
		*l = nil
		return nil
	}
	var raw []byte
	switch v := src.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("unsupported connection list type %T", src)
	}
	return json.Unmarshal(raw, l)
}

// OpenCount returns the number of intervals without a disconnect timestamp.
func (l ConnectionList) OpenCount() int {
	count := 0
	for _, c := range l {
		if c.Open() {
			count++
		}
	}
	return count
}

// TotalMinutes sums the duration of intervals where both endpoints are known.
func (l ConnectionList) TotalMinutes() int {
	total := 0
	for _, c := range l {
		if !c.Open() {
			total += c.DurationMinutes
		}
	}
	return total
}

// SessionAttendance is one attendance fact per (session, attendee). Rows are
// never deleted; they form the audit trail for certification.
type SessionAttendance struct {
	ID              string              `db:"id" json:"id"`
	SessionID       string              `db:"session_id" json:"session_id"`
	AttendeeID      string              `db:"attendee_id" json:"attendee_id"`
	EnrollmentID    *string             `db:"enrollment_id" json:"enrollment_id,omitempty"`
	Status          AttendanceStatus    `db:"status" json:"status"`
	Modality        *AttendanceModality `db:"modality" json:"modality,omitempty"`
	CheckInAt       *time.Time          `db:"check_in_at" json:"check_in_at,omitempty"`
	CheckOutAt      *time.Time          `db:"check_out_at" json:"check_out_at,omitempty"`
	MinutesAttended int                 `db:"minutes_attended" json:"minutes_attended"`
	Connections     ConnectionList      `db:"connections" json:"connections"`
	CurrentToken    *string             `db:"current_token" json:"-"`
	ExcuseReason    *string             `db:"excuse_reason" json:"excuse_reason,omitempty"`
	CreatedAt       time.Time           `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time           `db:"updated_at" json:"updated_at"`
}

// MinutesFromCheckIn returns the whole minutes between check-in and
// check-out, zero unless both timestamps are set.
func (a *SessionAttendance) MinutesFromCheckIn() int {
	if a.CheckInAt == nil || a.CheckOutAt == nil {
		return 0
	}
	minutes := int(a.CheckOutAt.Sub(*a.CheckInAt).Milliseconds() / 60000)
	if minutes < 0 {
		return 0
	}
	return minutes
}

// ComputeMinutesAttended combines the in-person check-in interval with the
// closed virtual connection intervals.
func (a *SessionAttendance) ComputeMinutesAttended() int {
	return a.MinutesFromCheckIn() + a.Connections.TotalMinutes()
}

// AttendanceWithSession joins an attendance row with its session window for
// the orphaned-connection sweep.
type AttendanceWithSession struct {
	SessionAttendance
	SessionStartAt time.Time `db:"session_start_at" json:"session_start_at"`
	SessionEndAt   time.Time `db:"session_end_at" json:"session_end_at"`
}
