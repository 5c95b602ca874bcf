package repository

import (
	"context"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/event-cert-api/internal/models"
)

func newGradeRepoMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	return sqlx.NewDb(db, "sqlmock"), mock, func() { db.Close() }
}

func TestGradeRepositoryListFilters(t *testing.T) {
	db, mock, cleanup := newGradeRepoMock(t)
	defer cleanup()
	repo := NewGradeRepository(db)

	now := time.Now().UTC()
	rows := sqlmock.NewRows([]string{
		"id", "enrollment_id", "evaluation_id", "raw_grade", "normalized_grade", "status",
		"is_retake_grade", "attempt_number", "graded_by", "comments", "created_at", "updated_at",
	}).AddRow("grd-1", "enr-1", "evl-1", 14.0, 14.0, models.GradeStatusPublished, false, 1, nil, nil, now, now)
	mock.ExpectQuery(regexp.QuoteMeta("WHERE enrollment_id = $1 AND status = $2 AND is_retake_grade = $3 ORDER BY created_at")).
		WithArgs("enr-1", models.GradeStatusPublished, false).
		WillReturnRows(rows)

	nonRetake := false
	grades, err := repo.List(context.Background(), models.GradeFilter{
		EnrollmentID: "enr-1",
		Status:       models.GradeStatusPublished,
		IsRetake:     &nonRetake,
	})
	require.NoError(t, err)
	require.Len(t, grades, 1)
	require.Equal(t, "evl-1", grades[0].EvaluationID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGradeRepositoryPublishDeduplicatesEnrollments(t *testing.T) {
	db, mock, cleanup := newGradeRepoMock(t)
	defer cleanup()
	repo := NewGradeRepository(db)

	rows := sqlmock.NewRows([]string{"enrollment_id"}).
		AddRow("enr-1").AddRow("enr-1").AddRow("enr-2")
	mock.ExpectQuery(regexp.QuoteMeta("RETURNING pg.enrollment_id")).
		WithArgs(models.GradeStatusPublished, sqlmock.AnyArg(), "blk-1", models.GradeStatusDraft).
		WillReturnRows(rows)

	ids, err := repo.Publish(context.Background(), "blk-1", "")
	require.NoError(t, err)
	require.Equal(t, []string{"enr-1", "enr-2"}, ids)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGradeRepositoryPublishScopedToEvaluation(t *testing.T) {
	db, mock, cleanup := newGradeRepoMock(t)
	defer cleanup()
	repo := NewGradeRepository(db)

	rows := sqlmock.NewRows([]string{"enrollment_id"}).AddRow("enr-1")
	mock.ExpectQuery(regexp.QuoteMeta("AND pg.evaluation_id = $5 RETURNING pg.enrollment_id")).
		WithArgs(models.GradeStatusPublished, sqlmock.AnyArg(), "blk-1", models.GradeStatusDraft, "evl-1").
		WillReturnRows(rows)

	ids, err := repo.Publish(context.Background(), "blk-1", "evl-1")
	require.NoError(t, err)
	require.Equal(t, []string{"enr-1"}, ids)
	require.NoError(t, mock.ExpectationsWereMet())
}
