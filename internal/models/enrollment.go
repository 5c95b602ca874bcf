package models

import "time"

// EnrollmentStatus represents the lifecycle of a block enrollment.
type EnrollmentStatus string

const (
	EnrollmentStatusPending    EnrollmentStatus = "PENDING"
	EnrollmentStatusEnrolled   EnrollmentStatus = "ENROLLED"
	EnrollmentStatusInProgress EnrollmentStatus = "IN_PROGRESS"
	EnrollmentStatusApproved   EnrollmentStatus = "APPROVED"
	EnrollmentStatusFailed     EnrollmentStatus = "FAILED"
	EnrollmentStatusWithdrawn  EnrollmentStatus = "WITHDRAWN"
	EnrollmentStatusCancelled  EnrollmentStatus = "CANCELLED"
)

// Valid reports whether the status is a known value.
func (s EnrollmentStatus) Valid() bool {
	switch s {
	case EnrollmentStatusPending, EnrollmentStatusEnrolled, EnrollmentStatusInProgress,
		EnrollmentStatusApproved, EnrollmentStatusFailed, EnrollmentStatusWithdrawn,
		EnrollmentStatusCancelled:
		return true
	}
	return false
}

// Active reports whether the enrollment still occupies a place in the block.
func (s EnrollmentStatus) Active() bool {
	switch s {
	case EnrollmentStatusPending, EnrollmentStatusEnrolled, EnrollmentStatusInProgress:
		return true
	}
	return false
}

// BlockEnrollment is one attendee's participation record in one block.
// Derived attendance fields are written only by the attendance recalculation,
// derived grade fields only by the grade engine.
type BlockEnrollment struct {
	ID                    string           `db:"id" json:"id"`
	BlockID               string           `db:"block_id" json:"block_id"`
	AttendeeID            string           `db:"attendee_id" json:"attendee_id"`
	Status                EnrollmentStatus `db:"status" json:"status"`
	BasePrice             float64          `db:"base_price" json:"base_price"`
	DiscountAmount        float64          `db:"discount_amount" json:"discount_amount"`
	FinalPrice            float64          `db:"final_price" json:"final_price"`
	AttendancePercentage  *float64         `db:"attendance_percentage" json:"attendance_percentage,omitempty"`
	SessionsAttended      int              `db:"sessions_attended" json:"sessions_attended"`
	FinalGrade            *float64         `db:"final_grade" json:"final_grade,omitempty"`
	FinalGradeAfterRetake *float64         `db:"final_grade_after_retake" json:"final_grade_after_retake,omitempty"`
	RetakeAttemptsUsed    int              `db:"retake_attempts_used" json:"retake_attempts_used"`
	Passed                *bool            `db:"passed" json:"passed,omitempty"`
	EnrolledAt            *time.Time       `db:"enrolled_at" json:"enrolled_at,omitempty"`
	GradedAt              *time.Time       `db:"graded_at" json:"graded_at,omitempty"`
	WithdrawnAt           *time.Time       `db:"withdrawn_at" json:"withdrawn_at,omitempty"`
	CreatedAt             time.Time        `db:"created_at" json:"created_at"`
	UpdatedAt             time.Time        `db:"updated_at" json:"updated_at"`
}

// EffectiveFinalGrade returns the grade used at finalization, preferring the
// retake-adjusted value when present.
func (e *BlockEnrollment) EffectiveFinalGrade() *float64 {
	if e.FinalGradeAfterRetake != nil {
		return e.FinalGradeAfterRetake
	}
	return e.FinalGrade
}

// EnrollmentFilter provides filters for listing enrollments.
type EnrollmentFilter struct {
	BlockID    string
	AttendeeID string
	Status     EnrollmentStatus
	Page       int
	PageSize   int
	SortBy     string
	SortOrder  string
}
