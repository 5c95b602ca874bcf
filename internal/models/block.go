package models

import "time"

// GradingScheme represents how a block computes its final grade.
type GradingScheme string

const (
	// GradingSchemeSimple averages all published non-retake grades.
	GradingSchemeSimple GradingScheme = "SIMPLE"
	// GradingSchemeComposite applies evaluation weights to normalized grades.
	GradingSchemeComposite GradingScheme = "COMPOSITE"
)

// Valid reports whether the scheme is a known value.
func (s GradingScheme) Valid() bool {
	return s == GradingSchemeSimple || s == GradingSchemeComposite
}

// BlockStatus represents the lifecycle of an evaluable block.
type BlockStatus string

const (
	BlockStatusDraft      BlockStatus = "DRAFT"
	BlockStatusOpen       BlockStatus = "OPEN"
	BlockStatusInProgress BlockStatus = "IN_PROGRESS"
	BlockStatusGrading    BlockStatus = "GRADING"
	BlockStatusCompleted  BlockStatus = "COMPLETED"
	BlockStatusCancelled  BlockStatus = "CANCELLED"
)

// Valid reports whether the status is a known value.
func (s BlockStatus) Valid() bool {
	switch s {
	case BlockStatusDraft, BlockStatusOpen, BlockStatusInProgress,
		BlockStatusGrading, BlockStatusCompleted, BlockStatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether no further transition is allowed from the status.
func (s BlockStatus) Terminal() bool {
	return s == BlockStatusCompleted || s == BlockStatusCancelled
}

// blockTransitions is the fixed adjacency table for block lifecycle moves.
// Cancellation is reachable from every non-terminal state.
var blockTransitions = map[BlockStatus][]BlockStatus{
	BlockStatusDraft:      {BlockStatusOpen, BlockStatusCancelled},
	BlockStatusOpen:       {BlockStatusInProgress, BlockStatusCancelled},
	BlockStatusInProgress: {BlockStatusGrading, BlockStatusCancelled},
	BlockStatusGrading:    {BlockStatusCompleted, BlockStatusCancelled},
}

// CanTransitionTo reports whether moving to next is a legal lifecycle step.
func (s BlockStatus) CanTransitionTo(next BlockStatus) bool {
	for _, allowed := range blockTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// EvaluableBlock is a certifiable unit of instruction attached to an event.
type EvaluableBlock struct {
	ID                      string        `db:"id" json:"id"`
	EventID                 string        `db:"event_id" json:"event_id"`
	Title                   string        `db:"title" json:"title"`
	Status                  BlockStatus   `db:"status" json:"status"`
	GradingScheme           GradingScheme `db:"grading_scheme" json:"grading_scheme"`
	MinPassingGrade         float64       `db:"min_passing_grade" json:"min_passing_grade"`
	MaxGrade                float64       `db:"max_grade" json:"max_grade"`
	MinAttendancePercentage float64       `db:"min_attendance_percentage" json:"min_attendance_percentage"`
	RetakeAllowed           bool          `db:"retake_allowed" json:"retake_allowed"`
	MaxRetakeAttempts       int           `db:"max_retake_attempts" json:"max_retake_attempts"`
	Capacity                int           `db:"capacity" json:"capacity"`
	Price                   float64       `db:"price" json:"price"`
	RequiresRegistration    bool          `db:"requires_registration" json:"requires_registration"`
	CustomFormula           *string       `db:"custom_formula" json:"custom_formula,omitempty"`
	EnrollmentStartAt       time.Time     `db:"enrollment_start_at" json:"enrollment_start_at"`
	EnrollmentEndAt         time.Time     `db:"enrollment_end_at" json:"enrollment_end_at"`
	DeliveryStartAt         time.Time     `db:"delivery_start_at" json:"delivery_start_at"`
	DeliveryEndAt           time.Time     `db:"delivery_end_at" json:"delivery_end_at"`
	CreatedAt               time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt               time.Time     `db:"updated_at" json:"updated_at"`
}

// BlockFilter provides filters for listing blocks.
type BlockFilter struct {
	EventID   string
	Status    BlockStatus
	Page      int
	PageSize  int
	SortBy    string
	SortOrder string
}
