package models

import "time"

// GradeStatus represents the visibility state of a participant grade.
type GradeStatus string

const (
	GradeStatusDraft     GradeStatus = "DRAFT"
	GradeStatusPublished GradeStatus = "PUBLISHED"
	GradeStatusDisputed  GradeStatus = "DISPUTED"
)

// Valid reports whether the status is a known value.
func (s GradeStatus) Valid() bool {
	return s == GradeStatusDraft || s == GradeStatusPublished || s == GradeStatusDisputed
}

// ParticipantGrade is one grade record for an (enrollment, evaluation,
// attempt) triple. NormalizedGrade is the raw grade rescaled linearly onto
// the block's grading scale.
type ParticipantGrade struct {
	ID              string      `db:"id" json:"id"`
	EnrollmentID    string      `db:"enrollment_id" json:"enrollment_id"`
	EvaluationID    string      `db:"evaluation_id" json:"evaluation_id"`
	RawGrade        float64     `db:"raw_grade" json:"raw_grade"`
	NormalizedGrade float64     `db:"normalized_grade" json:"normalized_grade"`
	Status          GradeStatus `db:"status" json:"status"`
	IsRetakeGrade   bool        `db:"is_retake_grade" json:"is_retake_grade"`
	AttemptNumber   int         `db:"attempt_number" json:"attempt_number"`
	GradedBy        *string     `db:"graded_by" json:"graded_by,omitempty"`
	Comments        *string     `db:"comments" json:"comments,omitempty"`
	CreatedAt       time.Time   `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time   `db:"updated_at" json:"updated_at"`
}

// GradeFilter provides filters for listing participant grades.
type GradeFilter struct {
	EnrollmentID string
	EvaluationID string
	Status       GradeStatus
	IsRetake     *bool
}

// DistributionBucket is one slice of the fixed five-bucket grade histogram.
type DistributionBucket struct {
	Label string `json:"label"`
	Count int    `json:"count"`
}

// EvaluationStats aggregates published non-retake grades for one evaluation.
type EvaluationStats struct {
	EvaluationID string               `json:"evaluation_id"`
	Count        int                  `json:"count"`
	Average      float64              `json:"average"`
	Median       float64              `json:"median"`
	Min          float64              `json:"min"`
	Max          float64              `json:"max"`
	StdDev       float64              `json:"std_dev"`
	PassingCount int                  `json:"passing_count"`
	PassingRate  float64              `json:"passing_rate"`
	Distribution []DistributionBucket `json:"distribution"`
}
