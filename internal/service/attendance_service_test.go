package service

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noah-isme/event-cert-api/internal/models"
	appErrors "github.com/noah-isme/event-cert-api/pkg/errors"
)

type mockAttendanceRepo struct {
	rows map[string]*models.SessionAttendance
}

func attendanceKey(sessionID, attendeeID string) string {
	return sessionID + ":" + attendeeID
}

func (m *mockAttendanceRepo) Upsert(ctx context.Context, attendance *models.SessionAttendance) error {
	if m.rows == nil {
		m.rows = make(map[string]*models.SessionAttendance)
	}
	if attendance.ID == "" {
		attendance.ID = "att-" + attendance.SessionID + "-" + attendance.AttendeeID
	}
	copied := *attendance
	m.rows[attendanceKey(attendance.SessionID, attendance.AttendeeID)] = &copied
	return nil
}

func (m *mockAttendanceRepo) FindBySessionAndAttendee(ctx context.Context, sessionID, attendeeID string) (*models.SessionAttendance, error) {
	if row, ok := m.rows[attendanceKey(sessionID, attendeeID)]; ok {
		copied := *row
		return &copied, nil
	}
	return nil, sql.ErrNoRows
}

func (m *mockAttendanceRepo) ListForEnrollment(ctx context.Context, blockID, attendeeID string) ([]models.SessionAttendance, error) {
	var list []models.SessionAttendance
	for _, row := range m.rows {
		if row.AttendeeID == attendeeID {
			list = append(list, *row)
		}
	}
	return list, nil
}

type mockCatalog struct {
	sessions     map[string]*models.EventSession
	blocks       map[string][]string
	sessionCount map[string]int
	tickets      map[string]string
}

func (m *mockCatalog) FindSession(ctx context.Context, id string) (*models.EventSession, error) {
	if s, ok := m.sessions[id]; ok {
		return s, nil
	}
	return nil, sql.ErrNoRows
}

func (m *mockCatalog) ListBlockIDsBySession(ctx context.Context, sessionID string) ([]string, error) {
	return m.blocks[sessionID], nil
}

func (m *mockCatalog) CountSessionsByBlock(ctx context.Context, blockID string) (int, error) {
	return m.sessionCount[blockID], nil
}

func (m *mockCatalog) FindTicketByCode(ctx context.Context, code string) (*models.EventTicket, error) {
	if attendeeID, ok := m.tickets[code]; ok {
		return &models.EventTicket{ID: "t-" + code, Code: code, AttendeeID: attendeeID}, nil
	}
	return nil, sql.ErrNoRows
}

func (m *mockCatalog) FindAttendee(ctx context.Context, id string) (*models.Attendee, error) {
	return &models.Attendee{ID: id}, nil
}

type mockDerivedEnrollments struct {
	enrollments map[string]*models.BlockEnrollment
	percentage  map[string]float64
	attended    map[string]int
}

func (m *mockDerivedEnrollments) FindByID(ctx context.Context, id string) (*models.BlockEnrollment, error) {
	if e, ok := m.enrollments[id]; ok {
		return e, nil
	}
	return nil, sql.ErrNoRows
}

func (m *mockDerivedEnrollments) FindActiveByAttendeeAndBlocks(ctx context.Context, attendeeID string, blockIDs []string, statuses []models.EnrollmentStatus) (*models.BlockEnrollment, error) {
	for _, e := range m.enrollments {
		if e.AttendeeID != attendeeID {
			continue
		}
		for _, blockID := range blockIDs {
			if e.BlockID == blockID {
				return e, nil
			}
		}
	}
	return nil, sql.ErrNoRows
}

func (m *mockDerivedEnrollments) UpdateAttendanceDerived(ctx context.Context, id string, percentage float64, sessionsAttended int) error {
	if m.percentage == nil {
		m.percentage = make(map[string]float64)
		m.attended = make(map[string]int)
	}
	m.percentage[id] = percentage
	m.attended[id] = sessionsAttended
	return nil
}

func newAttendanceFixture(totalSessions int) (*AttendanceService, *mockAttendanceRepo, *mockCatalog, *mockDerivedEnrollments) {
	now := time.Now().UTC()
	catalog := &mockCatalog{
		sessions:     map[string]*models.EventSession{},
		blocks:       map[string][]string{},
		sessionCount: map[string]int{"b1": totalSessions},
		tickets:      map[string]string{"TK-1": "a1"},
	}
	for i := 0; i < totalSessions; i++ {
		id := sessionID(i)
		catalog.sessions[id] = &models.EventSession{ID: id, EventID: "ev1", StartAt: now, EndAt: now.Add(time.Hour)}
		catalog.blocks[id] = []string{"b1"}
	}
	enrollments := &mockDerivedEnrollments{enrollments: map[string]*models.BlockEnrollment{
		"e1": {ID: "e1", BlockID: "b1", AttendeeID: "a1", Status: models.EnrollmentStatusInProgress},
	}}
	repo := &mockAttendanceRepo{}
	svc := NewAttendanceService(repo, catalog, enrollments, validator.New(), zap.NewNop())
	return svc, repo, catalog, enrollments
}

func sessionID(i int) string {
	return "s" + string(rune('1'+i))
}

func TestAttendanceServiceRecordUpdatesPercentage(t *testing.T) {
	svc, _, _, enrollments := newAttendanceFixture(8)

	// 5 of 8 sessions fully attended: 62.5 rounds to 63.
	for i := 0; i < 5; i++ {
		_, err := svc.Record(context.Background(), RecordAttendanceRequest{
			SessionID:  sessionID(i),
			AttendeeID: "a1",
			Status:     string(models.AttendanceStatusPresent),
		})
		require.NoError(t, err)
	}

	assert.Equal(t, 63.0, enrollments.percentage["e1"])
	assert.Equal(t, 5, enrollments.attended["e1"])
}

func TestAttendanceServicePartialCountsHalf(t *testing.T) {
	svc, _, _, enrollments := newAttendanceFixture(4)

	statuses := []models.AttendanceStatus{
		models.AttendanceStatusPresent,
		models.AttendanceStatusLate,
		models.AttendanceStatusPartial,
		models.AttendanceStatusAbsent,
	}
	for i, status := range statuses {
		_, err := svc.Record(context.Background(), RecordAttendanceRequest{
			SessionID:  sessionID(i),
			AttendeeID: "a1",
			Status:     string(status),
		})
		require.NoError(t, err)
	}

	// (1 + 1 + 0.5 + 0) / 4 = 62.5 -> 63, three sessions with some presence.
	assert.Equal(t, 63.0, enrollments.percentage["e1"])
	assert.Equal(t, 3, enrollments.attended["e1"])
}

func TestAttendanceServiceZeroSessionsYieldsFull(t *testing.T) {
	svc, _, _, enrollments := newAttendanceFixture(0)

	err := svc.RecalculatePercentage(context.Background(), "e1")
	require.NoError(t, err)
	assert.Equal(t, 100.0, enrollments.percentage["e1"])
	assert.Equal(t, 0, enrollments.attended["e1"])
}

func TestAttendanceServiceRecordRequiresEnrollment(t *testing.T) {
	svc, _, _, _ := newAttendanceFixture(2)

	_, err := svc.Record(context.Background(), RecordAttendanceRequest{
		SessionID:  "s1",
		AttendeeID: "stranger",
		Status:     string(models.AttendanceStatusPresent),
	})
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrNotEnrolled))
}

func TestAttendanceServiceRecordCorrection(t *testing.T) {
	svc, repo, _, enrollments := newAttendanceFixture(2)

	_, err := svc.Record(context.Background(), RecordAttendanceRequest{
		SessionID: "s1", AttendeeID: "a1", Status: string(models.AttendanceStatusAbsent),
	})
	require.NoError(t, err)
	assert.Equal(t, 0.0, enrollments.percentage["e1"])

	_, err = svc.Record(context.Background(), RecordAttendanceRequest{
		SessionID: "s1", AttendeeID: "a1", Status: string(models.AttendanceStatusPresent),
	})
	require.NoError(t, err)
	assert.Equal(t, 50.0, enrollments.percentage["e1"])
	assert.Len(t, repo.rows, 1)
}

func TestAttendanceServiceBatchRecordBestEffort(t *testing.T) {
	svc, _, _, _ := newAttendanceFixture(2)

	result, err := svc.BatchRecord(context.Background(), "s1", []BatchAttendanceEntry{
		{AttendeeID: "a1", Status: string(models.AttendanceStatusPresent)},
		{AttendeeID: "stranger", Status: string(models.AttendanceStatusPresent)},
		{AttendeeID: "a1", Status: string(models.AttendanceStatusLate)},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, result.Processed)
	assert.Equal(t, 2, result.Success)
	require.Len(t, result.Failures, 1)
	assert.Equal(t, "stranger", result.Failures[0].AttendeeID)
}

func TestAttendanceServiceCheckInExactlyOnce(t *testing.T) {
	svc, _, _, _ := newAttendanceFixture(2)

	first, err := svc.CheckIn(context.Background(), "s1", "TK-1")
	require.NoError(t, err)
	assert.Equal(t, models.AttendanceStatusPresent, first.Status)
	require.NotNil(t, first.CheckInAt)

	_, err = svc.CheckIn(context.Background(), "s1", "TK-1")
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrConflict))
}

func TestAttendanceServiceCheckOutRequiresCheckIn(t *testing.T) {
	svc, _, _, _ := newAttendanceFixture(2)

	_, err := svc.CheckOut(context.Background(), "s1", "TK-1")
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrConflict))

	_, err = svc.CheckIn(context.Background(), "s1", "TK-1")
	require.NoError(t, err)

	out, err := svc.CheckOut(context.Background(), "s1", "TK-1")
	require.NoError(t, err)
	require.NotNil(t, out.CheckOutAt)

	_, err = svc.CheckOut(context.Background(), "s1", "TK-1")
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrConflict))
}

func TestAttendanceServiceRecordComputesMinutes(t *testing.T) {
	svc, repo, _, _ := newAttendanceFixture(2)

	checkIn := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	checkOut := checkIn.Add(90 * time.Minute)
	attendance, err := svc.Record(context.Background(), RecordAttendanceRequest{
		SessionID:  "s1",
		AttendeeID: "a1",
		Status:     string(models.AttendanceStatusPresent),
		CheckInAt:  &checkIn,
		CheckOutAt: &checkOut,
	})
	require.NoError(t, err)
	assert.Equal(t, 90, attendance.MinutesAttended)
	assert.Equal(t, 90, repo.rows[attendanceKey("s1", "a1")].MinutesAttended)
}

func TestAttendanceServiceCheckOutComputesMinutesAndRecalculates(t *testing.T) {
	svc, _, _, enrollments := newAttendanceFixture(2)

	start := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return start }
	_, err := svc.CheckIn(context.Background(), "s1", "TK-1")
	require.NoError(t, err)

	// Poison the derived value so the recalculation from check-out is visible.
	enrollments.percentage["e1"] = -1

	svc.now = func() time.Time { return start.Add(45 * time.Minute) }
	out, err := svc.CheckOut(context.Background(), "s1", "TK-1")
	require.NoError(t, err)
	assert.Equal(t, 45, out.MinutesAttended)
	assert.Equal(t, 50.0, enrollments.percentage["e1"])
}

func TestAttendanceServiceRecordVirtualConnection(t *testing.T) {
	svc, repo, _, enrollments := newAttendanceFixture(2)

	joined := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	left := joined.Add(90 * time.Minute)
	platform := "zoom"
	attendance, err := svc.RecordVirtualConnection(context.Background(), RecordVirtualConnectionRequest{
		SessionID:  "s1",
		AttendeeID: "a1",
		Platform:   &platform,
		JoinedAt:   &joined,
		LeftAt:     &left,
	})
	require.NoError(t, err)
	require.NotNil(t, attendance.Modality)
	assert.Equal(t, models.ModalityVirtual, *attendance.Modality)
	assert.Equal(t, models.AttendanceStatusPresent, attendance.Status)
	require.Len(t, attendance.Connections, 1)
	assert.Equal(t, 90, attendance.Connections[0].DurationMinutes)
	assert.Equal(t, 90, attendance.MinutesAttended)
	assert.Equal(t, 90, repo.rows[attendanceKey("s1", "a1")].MinutesAttended)
	assert.Equal(t, 50.0, enrollments.percentage["e1"])
}

func TestAttendanceServiceRecordVirtualConnectionHybridUpgrade(t *testing.T) {
	svc, _, _, _ := newAttendanceFixture(2)

	start := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return start }
	_, err := svc.CheckIn(context.Background(), "s1", "TK-1")
	require.NoError(t, err)

	left := start.Add(30 * time.Minute)
	attendance, err := svc.RecordVirtualConnection(context.Background(), RecordVirtualConnectionRequest{
		SessionID:  "s1",
		AttendeeID: "a1",
		JoinedAt:   &start,
		LeftAt:     &left,
	})
	require.NoError(t, err)
	require.NotNil(t, attendance.Modality)
	assert.Equal(t, models.ModalityHybrid, *attendance.Modality)
	assert.Equal(t, 30, attendance.MinutesAttended)
}

func TestAttendanceServiceRecordVirtualConnectionOpenInterval(t *testing.T) {
	svc, _, _, _ := newAttendanceFixture(2)

	joined := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	attendance, err := svc.RecordVirtualConnection(context.Background(), RecordVirtualConnectionRequest{
		SessionID:  "s1",
		AttendeeID: "a1",
		JoinedAt:   &joined,
	})
	require.NoError(t, err)
	require.Len(t, attendance.Connections, 1)
	assert.True(t, attendance.Connections[0].Open())
	assert.Equal(t, 0, attendance.MinutesAttended)
}

func TestAttendanceServiceRecordVirtualConnectionInvertedInterval(t *testing.T) {
	svc, _, _, _ := newAttendanceFixture(2)

	joined := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	left := joined.Add(-time.Minute)
	_, err := svc.RecordVirtualConnection(context.Background(), RecordVirtualConnectionRequest{
		SessionID:  "s1",
		AttendeeID: "a1",
		JoinedAt:   &joined,
		LeftAt:     &left,
	})
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrValidation))
}

func TestAttendanceServiceRecordVirtualConnectionRequiresEnrollment(t *testing.T) {
	svc, _, _, _ := newAttendanceFixture(2)

	_, err := svc.RecordVirtualConnection(context.Background(), RecordVirtualConnectionRequest{
		SessionID:  "s1",
		AttendeeID: "stranger",
	})
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrNotEnrolled))
}

func TestAttendanceServiceCheckInUnknownTicket(t *testing.T) {
	svc, _, _, _ := newAttendanceFixture(1)

	_, err := svc.CheckIn(context.Background(), "s1", "TK-404")
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrNotFound))
}
