package models

import "time"

// Event is a catalog record owned by the event management system. Only the
// fields this service reads are mapped.
type Event struct {
	ID    string `db:"id" json:"id"`
	Title string `db:"title" json:"title"`
}

// EventSession is a scheduled session belonging to an event. A session may be
// a member of zero or more blocks.
type EventSession struct {
	ID      string    `db:"id" json:"id"`
	EventID string    `db:"event_id" json:"event_id"`
	Title   string    `db:"title" json:"title"`
	StartAt time.Time `db:"start_at" json:"start_at"`
	EndAt   time.Time `db:"end_at" json:"end_at"`
}

// EventTicket resolves a presented ticket code to an attendee.
type EventTicket struct {
	ID         string `db:"id" json:"id"`
	EventID    string `db:"event_id" json:"event_id"`
	Code       string `db:"code" json:"code"`
	AttendeeID string `db:"attendee_id" json:"attendee_id"`
}

// Attendee is an identity record consumed from the registration system.
type Attendee struct {
	ID       string `db:"id" json:"id"`
	FullName string `db:"full_name" json:"full_name"`
	Email    string `db:"email" json:"email"`
	Document string `db:"document" json:"document"`
}

// RegistrationStatus mirrors the registration system's lifecycle; only
// CONFIRMED matters to enrollment gating.
type RegistrationStatus string

const (
	RegistrationStatusConfirmed RegistrationStatus = "CONFIRMED"
	RegistrationStatusPending   RegistrationStatus = "PENDING"
	RegistrationStatusCancelled RegistrationStatus = "CANCELLED"
)

// EventRegistration links an attendee to an event.
type EventRegistration struct {
	ID         string             `db:"id" json:"id"`
	EventID    string             `db:"event_id" json:"event_id"`
	AttendeeID string             `db:"attendee_id" json:"attendee_id"`
	Status     RegistrationStatus `db:"status" json:"status"`
}

// User identifies a grader.
type User struct {
	ID       string `db:"id" json:"id"`
	FullName string `db:"full_name" json:"full_name"`
	Email    string `db:"email" json:"email"`
	Role     string `db:"role" json:"role"`
}
