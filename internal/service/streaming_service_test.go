package service

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noah-isme/event-cert-api/internal/models"
	"github.com/noah-isme/event-cert-api/pkg/config"
	appErrors "github.com/noah-isme/event-cert-api/pkg/errors"
	"github.com/noah-isme/event-cert-api/pkg/token"
)

type mockStreamingRepo struct {
	rows    map[string]*models.SessionAttendance
	orphans []models.AttendanceWithSession
}

func (m *mockStreamingRepo) FindBySessionAndAttendee(ctx context.Context, sessionID, attendeeID string) (*models.SessionAttendance, error) {
	if row, ok := m.rows[attendanceKey(sessionID, attendeeID)]; ok {
		copied := *row
		copied.Connections = append(models.ConnectionList{}, row.Connections...)
		return &copied, nil
	}
	return nil, sql.ErrNoRows
}

func (m *mockStreamingRepo) UpdateToken(ctx context.Context, sessionID, attendeeID, tok string, enrollmentID *string) error {
	if m.rows == nil {
		m.rows = make(map[string]*models.SessionAttendance)
	}
	key := attendanceKey(sessionID, attendeeID)
	row, ok := m.rows[key]
	if !ok {
		row = &models.SessionAttendance{
			ID: "att-" + key, SessionID: sessionID, AttendeeID: attendeeID,
			Status: models.AttendanceStatusAbsent, EnrollmentID: enrollmentID,
		}
		m.rows[key] = row
	}
	row.CurrentToken = &tok
	return nil
}

func (m *mockStreamingRepo) UpdateConnections(ctx context.Context, id string, connections models.ConnectionList, minutesAttended int) error {
	for _, row := range m.rows {
		if row.ID == id {
			row.Connections = connections
			row.MinutesAttended = minutesAttended
			return nil
		}
	}
	return sql.ErrNoRows
}

func (m *mockStreamingRepo) ListWithOpenConnectionsPastWindow(ctx context.Context, windowAfterMinutes int) ([]models.AttendanceWithSession, error) {
	return m.orphans, nil
}

type mockStreamingEnrollments struct {
	enrollment *models.BlockEnrollment
}

func (m *mockStreamingEnrollments) FindActiveByAttendeeAndBlocks(ctx context.Context, attendeeID string, blockIDs []string, statuses []models.EnrollmentStatus) (*models.BlockEnrollment, error) {
	if m.enrollment != nil && m.enrollment.AttendeeID == attendeeID {
		return m.enrollment, nil
	}
	return nil, sql.ErrNoRows
}

type streamingFixture struct {
	svc   *StreamingService
	repo  *mockStreamingRepo
	start time.Time
	end   time.Time
	clock time.Time
}

func newStreamingFixture(t *testing.T) *streamingFixture {
	t.Helper()
	start := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	end := start.Add(2 * time.Hour)
	fixture := &streamingFixture{start: start, end: end, clock: start.Add(10 * time.Minute)}

	catalog := &mockCatalog{
		sessions: map[string]*models.EventSession{
			"s1": {ID: "s1", EventID: "ev1", StartAt: start, EndAt: end},
		},
		blocks: map[string][]string{"s1": {"b1"}},
	}
	enrollments := &mockStreamingEnrollments{enrollment: &models.BlockEnrollment{
		ID: "e1", BlockID: "b1", AttendeeID: "a1", Status: models.EnrollmentStatusInProgress,
	}}
	repo := &mockStreamingRepo{}
	now := func() time.Time { return fixture.clock }
	signer := token.NewSigner("test-secret", "event-cert-api", now)
	policy := config.StreamingConfig{WindowBeforeMinutes: 15, WindowAfterMinutes: 30, MaxConcurrentConnections: 2}

	svc := NewStreamingService(repo, catalog, enrollments, signer, policy, nil, zap.NewNop())
	svc.now = now
	fixture.svc = svc
	fixture.repo = repo
	return fixture
}

func (f *streamingFixture) issueToken(t *testing.T) string {
	t.Helper()
	grant, err := f.svc.GenerateToken(context.Background(), "s1", "a1")
	require.NoError(t, err)
	return grant.Token
}

func TestStreamingServiceGenerateTokenExpiry(t *testing.T) {
	f := newStreamingFixture(t)

	grant, err := f.svc.GenerateToken(context.Background(), "s1", "a1")
	require.NoError(t, err)
	assert.Equal(t, f.end.Add(30*time.Minute), grant.ExpiresAt)

	row := f.repo.rows[attendanceKey("s1", "a1")]
	require.NotNil(t, row)
	require.NotNil(t, row.CurrentToken)
	assert.Equal(t, grant.Token, *row.CurrentToken)
}

func TestStreamingServiceGenerateTokenRequiresEnrollment(t *testing.T) {
	f := newStreamingFixture(t)

	_, err := f.svc.GenerateToken(context.Background(), "s1", "stranger")
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrNotEnrolled))
}

func TestStreamingServiceTokenReplacement(t *testing.T) {
	f := newStreamingFixture(t)

	first := f.issueToken(t)
	f.clock = f.clock.Add(time.Second)
	second := f.issueToken(t)
	require.NotEqual(t, first, second)

	_, err := f.svc.ValidateToken(context.Background(), first)
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrUnauthorized))

	validation, err := f.svc.ValidateToken(context.Background(), second)
	require.NoError(t, err)
	assert.True(t, validation.CanConnect)
}

func TestStreamingServiceWindowTooEarly(t *testing.T) {
	f := newStreamingFixture(t)
	raw := f.issueToken(t)

	f.clock = f.start.Add(-16 * time.Minute)
	_, err := f.svc.ValidateToken(context.Background(), raw)
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrUnauthorized))

	f.clock = f.start.Add(-14 * time.Minute)
	_, err = f.svc.ValidateToken(context.Background(), raw)
	require.NoError(t, err)
}

func TestStreamingServiceWindowClosed(t *testing.T) {
	f := newStreamingFixture(t)
	raw := f.issueToken(t)

	f.clock = f.end.Add(29 * time.Minute)
	_, err := f.svc.ValidateToken(context.Background(), raw)
	require.NoError(t, err)

	f.clock = f.end.Add(31 * time.Minute)
	_, err = f.svc.ValidateToken(context.Background(), raw)
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrUnauthorized))
}

func TestStreamingServiceConnectionCap(t *testing.T) {
	f := newStreamingFixture(t)
	raw := f.issueToken(t)

	state, err := f.svc.RegisterConnection(context.Background(), raw, "10.0.0.1", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, state.OpenConnections)

	state, err = f.svc.RegisterConnection(context.Background(), raw, "10.0.0.2", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, state.OpenConnections)
	assert.False(t, state.CanConnect)

	_, err = f.svc.RegisterConnection(context.Background(), raw, "10.0.0.3", nil)
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrCapacityReached))
}

func TestStreamingServiceRegisterIdempotentPerIP(t *testing.T) {
	f := newStreamingFixture(t)
	raw := f.issueToken(t)

	_, err := f.svc.RegisterConnection(context.Background(), raw, "10.0.0.1", nil)
	require.NoError(t, err)
	state, err := f.svc.RegisterConnection(context.Background(), raw, "10.0.0.1", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, state.OpenConnections)
}

func TestStreamingServiceDisconnectFreesSlot(t *testing.T) {
	f := newStreamingFixture(t)
	raw := f.issueToken(t)

	_, err := f.svc.RegisterConnection(context.Background(), raw, "10.0.0.1", nil)
	require.NoError(t, err)
	_, err = f.svc.RegisterConnection(context.Background(), raw, "10.0.0.2", nil)
	require.NoError(t, err)

	f.clock = f.clock.Add(25 * time.Minute)
	state, err := f.svc.Disconnect(context.Background(), raw, "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, 1, state.OpenConnections)
	assert.Equal(t, 25, state.TotalMinutes)

	state, err = f.svc.RegisterConnection(context.Background(), raw, "10.0.0.3", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, state.OpenConnections)
}

func TestStreamingServiceDisconnectUnknownIP(t *testing.T) {
	f := newStreamingFixture(t)
	raw := f.issueToken(t)

	_, err := f.svc.Disconnect(context.Background(), raw, "10.9.9.9")
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrNotFound))
}

func TestStreamingServiceCleanupOrphanedConnections(t *testing.T) {
	f := newStreamingFixture(t)
	raw := f.issueToken(t)

	_, err := f.svc.RegisterConnection(context.Background(), raw, "10.0.0.1", nil)
	require.NoError(t, err)

	row := f.repo.rows[attendanceKey("s1", "a1")]
	f.repo.orphans = []models.AttendanceWithSession{{
		SessionAttendance: *row,
		SessionStartAt:    f.start,
		SessionEndAt:      f.end,
	}}

	closed, err := f.svc.CleanupOrphanedConnections(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, closed)

	// Closed at session end plus the post-session window.
	conn := f.repo.rows[attendanceKey("s1", "a1")].Connections[0]
	require.NotNil(t, conn.DisconnectedAt)
	assert.Equal(t, f.end.Add(30*time.Minute), *conn.DisconnectedAt)
	assert.Equal(t, 140, conn.DurationMinutes)
}

func TestStreamingServiceCleanupEvictsPairLock(t *testing.T) {
	f := newStreamingFixture(t)
	raw := f.issueToken(t)

	_, err := f.svc.RegisterConnection(context.Background(), raw, "10.0.0.1", nil)
	require.NoError(t, err)

	key := pairKey("s1", "a1")
	f.svc.locks.mu.Lock()
	_, held := f.svc.locks.locks[key]
	f.svc.locks.mu.Unlock()
	require.True(t, held)

	f.repo.orphans = []models.AttendanceWithSession{{
		SessionAttendance: *f.repo.rows[attendanceKey("s1", "a1")],
		SessionStartAt:    f.start,
		SessionEndAt:      f.end,
	}}
	_, err = f.svc.CleanupOrphanedConnections(context.Background())
	require.NoError(t, err)

	f.svc.locks.mu.Lock()
	_, held = f.svc.locks.locks[key]
	f.svc.locks.mu.Unlock()
	assert.False(t, held)
}

func TestStreamingServiceCleanupClampsNegativeDuration(t *testing.T) {
	f := newStreamingFixture(t)

	cutoff := f.end.Add(30 * time.Minute)
	opened := cutoff.Add(5 * time.Minute)
	f.repo.rows = map[string]*models.SessionAttendance{
		attendanceKey("s1", "a1"): {
			ID: "att-1", SessionID: "s1", AttendeeID: "a1",
			Connections: models.ConnectionList{{ConnectedAt: opened, IPAddress: "10.0.0.1"}},
		},
	}
	f.repo.orphans = []models.AttendanceWithSession{{
		SessionAttendance: *f.repo.rows[attendanceKey("s1", "a1")],
		SessionStartAt:    f.start,
		SessionEndAt:      f.end,
	}}

	closed, err := f.svc.CleanupOrphanedConnections(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, closed)

	conn := f.repo.rows[attendanceKey("s1", "a1")].Connections[0]
	require.NotNil(t, conn.DisconnectedAt)
	assert.Equal(t, 0, conn.DurationMinutes)
}
