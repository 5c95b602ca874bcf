package models

import "time"

// EvaluationKind categorises a gradable component.
type EvaluationKind string

const (
	EvaluationKindExam          EvaluationKind = "EXAM"
	EvaluationKindQuiz          EvaluationKind = "QUIZ"
	EvaluationKindAssignment    EvaluationKind = "ASSIGNMENT"
	EvaluationKindProject       EvaluationKind = "PROJECT"
	EvaluationKindParticipation EvaluationKind = "PARTICIPATION"
)

// Valid reports whether the kind is a known value.
func (k EvaluationKind) Valid() bool {
	switch k {
	case EvaluationKindExam, EvaluationKindQuiz, EvaluationKindAssignment,
		EvaluationKindProject, EvaluationKindParticipation:
		return true
	}
	return false
}

// Evaluation is a gradable component of a block. A retake evaluation carries
// no weight of its own and references the evaluation it replaces.
type Evaluation struct {
	ID                   string         `db:"id" json:"id"`
	BlockID              string         `db:"block_id" json:"block_id"`
	Title                string         `db:"title" json:"title"`
	Kind                 EvaluationKind `db:"kind" json:"kind"`
	Weight               float64        `db:"weight" json:"weight"`
	MaxGrade             *float64       `db:"max_grade" json:"max_grade,omitempty"`
	IsRetake             bool           `db:"is_retake" json:"is_retake"`
	ReplacesEvaluationID *string        `db:"replaces_evaluation_id" json:"replaces_evaluation_id,omitempty"`
	Active               bool           `db:"active" json:"active"`
	CreatedAt            time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt            time.Time      `db:"updated_at" json:"updated_at"`
}

// EffectiveMaxGrade resolves the grading scale for the evaluation, falling
// back to the block maximum when none is set.
func (e *Evaluation) EffectiveMaxGrade(blockMax float64) float64 {
	if e.MaxGrade != nil && *e.MaxGrade > 0 {
		return *e.MaxGrade
	}
	return blockMax
}
