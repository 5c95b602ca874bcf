package service

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/event-cert-api/internal/models"
	"github.com/noah-isme/event-cert-api/pkg/config"
	appErrors "github.com/noah-isme/event-cert-api/pkg/errors"
	"github.com/noah-isme/event-cert-api/pkg/token"
)

type streamingAttendanceRepo interface {
	FindBySessionAndAttendee(ctx context.Context, sessionID, attendeeID string) (*models.SessionAttendance, error)
	UpdateToken(ctx context.Context, sessionID, attendeeID, tok string, enrollmentID *string) error
	UpdateConnections(ctx context.Context, id string, connections models.ConnectionList, minutesAttended int) error
	ListWithOpenConnectionsPastWindow(ctx context.Context, windowAfterMinutes int) ([]models.AttendanceWithSession, error)
}

type streamingCatalog interface {
	FindSession(ctx context.Context, id string) (*models.EventSession, error)
	ListBlockIDsBySession(ctx context.Context, sessionID string) ([]string, error)
}

type streamingEnrollmentRepo interface {
	FindActiveByAttendeeAndBlocks(ctx context.Context, attendeeID string, blockIDs []string, statuses []models.EnrollmentStatus) (*models.BlockEnrollment, error)
}

// keyedMutex serialises work per (session, attendee) key so connection
// admission checks and interval updates cannot interleave for the same pair.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*sync.Mutex)}
}

func (k *keyedMutex) lock(key string) *sync.Mutex {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()
	m.Lock()
	return m
}

// evict drops the entry for a key whose access window has passed. Token
// verification rejects any later request for such a pair before it reaches
// the lock, so no contender can still need the old mutex.
func (k *keyedMutex) evict(key string) {
	k.mu.Lock()
	delete(k.locks, key)
	k.mu.Unlock()
}

// TokenGrant is the result of issuing a streaming access token.
type TokenGrant struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	SessionID string    `json:"session_id"`
}

// TokenValidation reports the outcome of validating a streaming token.
type TokenValidation struct {
	SessionID       string `json:"session_id"`
	AttendeeID      string `json:"attendee_id"`
	OpenConnections int    `json:"open_connections"`
	CanConnect      bool   `json:"can_connect"`
}

// ConnectionState describes the current connections of a pair.
type ConnectionState struct {
	SessionID       string                     `json:"session_id"`
	AttendeeID      string                     `json:"attendee_id"`
	OpenConnections int                        `json:"open_connections"`
	TotalMinutes    int                        `json:"total_minutes"`
	CanConnect      bool                       `json:"can_connect"`
	Connections     []models.VirtualConnection `json:"connections"`
}

// StreamingService issues access tokens for virtual sessions, admits
// connections against a concurrency cap and records connection intervals as
// virtual attendance evidence.
type StreamingService struct {
	attendances streamingAttendanceRepo
	catalog     streamingCatalog
	enrollments streamingEnrollmentRepo
	signer      *token.Signer
	policy      config.StreamingConfig
	metrics     *MetricsService
	locks       *keyedMutex
	logger      *zap.Logger
	now         func() time.Time
}

// NewStreamingService constructs StreamingService.
func NewStreamingService(attendances streamingAttendanceRepo, catalog streamingCatalog, enrollments streamingEnrollmentRepo, signer *token.Signer, policy config.StreamingConfig, metrics *MetricsService, logger *zap.Logger) *StreamingService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if policy.WindowBeforeMinutes <= 0 {
		policy.WindowBeforeMinutes = 15
	}
	if policy.WindowAfterMinutes <= 0 {
		policy.WindowAfterMinutes = 30
	}
	if policy.MaxConcurrentConnections <= 0 {
		policy.MaxConcurrentConnections = 2
	}
	return &StreamingService{
		attendances: attendances,
		catalog:     catalog,
		enrollments: enrollments,
		signer:      signer,
		policy:      policy,
		metrics:     metrics,
		locks:       newKeyedMutex(),
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func pairKey(sessionID, attendeeID string) string {
	return sessionID + ":" + attendeeID
}

// GenerateToken issues a new access token for the pair and stores it as the
// only currently valid token, invalidating any previously issued one.
func (s *StreamingService) GenerateToken(ctx context.Context, sessionID, attendeeID string) (*TokenGrant, error) {
	session, enrollment, err := s.authorise(ctx, sessionID, attendeeID)
	if err != nil {
		return nil, err
	}
	expiresAt := session.EndAt.Add(time.Duration(s.policy.WindowAfterMinutes) * time.Minute)
	raw, err := s.signer.Sign(sessionID, attendeeID, session.StartAt, session.EndAt, expiresAt)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to sign access token")
	}
	if err := s.attendances.UpdateToken(ctx, sessionID, attendeeID, raw, &enrollment.ID); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to store access token")
	}
	s.metrics.RecordTokenIssued()
	return &TokenGrant{Token: raw, ExpiresAt: expiresAt, SessionID: sessionID}, nil
}

// ValidateToken checks signature, expiry, replacement and the access window,
// and reports whether another connection would currently be admitted.
func (s *StreamingService) ValidateToken(ctx context.Context, raw string) (*TokenValidation, error) {
	claims, attendance, err := s.verify(ctx, raw)
	if err != nil {
		return nil, err
	}
	open := 0
	if attendance != nil {
		open = attendance.Connections.OpenCount()
	}
	return &TokenValidation{
		SessionID:       claims.SessionID,
		AttendeeID:      claims.AttendeeID,
		OpenConnections: open,
		CanConnect:      open < s.policy.MaxConcurrentConnections,
	}, nil
}

// RegisterConnection validates the token and opens a connection interval.
// A repeated registration from an IP that already holds an open interval is
// idempotent; beyond the concurrency cap admission is refused.
func (s *StreamingService) RegisterConnection(ctx context.Context, raw, ipAddress string, platform *string) (*ConnectionState, error) {
	if ipAddress == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "ip address is required")
	}
	claims, _, err := s.verify(ctx, raw)
	if err != nil {
		return nil, err
	}

	lock := s.locks.lock(pairKey(claims.SessionID, claims.AttendeeID))
	defer lock.Unlock()

	attendance, err := s.attendances.FindBySessionAndAttendee(ctx, claims.SessionID, claims.AttendeeID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrUnauthorized, "no attendance record for this token")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load attendance")
	}

	for _, conn := range attendance.Connections {
		if conn.Open() && conn.IPAddress == ipAddress {
			return s.state(claims.SessionID, claims.AttendeeID, attendance.Connections), nil
		}
	}
	if attendance.Connections.OpenCount() >= s.policy.MaxConcurrentConnections {
		return nil, appErrors.Clone(appErrors.ErrCapacityReached, "maximum concurrent connections reached")
	}

	attendance.Connections = append(attendance.Connections, models.VirtualConnection{
		Platform:    platform,
		ConnectedAt: s.now(),
		IPAddress:   ipAddress,
	})
	if err := s.attendances.UpdateConnections(ctx, attendance.ID, attendance.Connections, attendance.ComputeMinutesAttended()); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to register connection")
	}
	s.metrics.ConnectionOpened()
	return s.state(claims.SessionID, claims.AttendeeID, attendance.Connections), nil
}

// Disconnect closes the most recent open interval from the given IP and
// recomputes the attended minutes.
func (s *StreamingService) Disconnect(ctx context.Context, raw, ipAddress string) (*ConnectionState, error) {
	claims, _, err := s.verify(ctx, raw)
	if err != nil {
		return nil, err
	}

	lock := s.locks.lock(pairKey(claims.SessionID, claims.AttendeeID))
	defer lock.Unlock()

	attendance, err := s.attendances.FindBySessionAndAttendee(ctx, claims.SessionID, claims.AttendeeID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "attendance record not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load attendance")
	}

	latest := -1
	for i, conn := range attendance.Connections {
		if conn.Open() && conn.IPAddress == ipAddress {
			if latest == -1 || conn.ConnectedAt.After(attendance.Connections[latest].ConnectedAt) {
				latest = i
			}
		}
	}
	if latest == -1 {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "no open connection from this address")
	}

	now := s.now()
	closeConnection(&attendance.Connections[latest], now)
	if err := s.attendances.UpdateConnections(ctx, attendance.ID, attendance.Connections, attendance.ComputeMinutesAttended()); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to close connection")
	}
	s.metrics.ConnectionClosed()
	return s.state(claims.SessionID, claims.AttendeeID, attendance.Connections), nil
}

// GetConnections returns the connection state for a pair.
func (s *StreamingService) GetConnections(ctx context.Context, sessionID, attendeeID string) (*ConnectionState, error) {
	attendance, err := s.attendances.FindBySessionAndAttendee(ctx, sessionID, attendeeID)
	if err != nil {
		if err == sql.ErrNoRows {
			return s.state(sessionID, attendeeID, nil), nil
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load attendance")
	}
	return s.state(sessionID, attendeeID, attendance.Connections), nil
}

// CleanupOrphanedConnections force-closes open intervals whose session access
// window has already passed. The interval is closed at session end plus the
// post-session window; a connection opened after that instant gets zero
// duration. Returns the number of intervals closed.
func (s *StreamingService) CleanupOrphanedConnections(ctx context.Context) (int, error) {
	rows, err := s.attendances.ListWithOpenConnectionsPastWindow(ctx, s.policy.WindowAfterMinutes)
	if err != nil {
		return 0, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list orphaned connections")
	}
	closed := 0
	for _, row := range rows {
		cutoff := row.SessionEndAt.Add(time.Duration(s.policy.WindowAfterMinutes) * time.Minute)

		lock := s.locks.lock(pairKey(row.SessionID, row.AttendeeID))
		changed := 0
		for i := range row.Connections {
			if !row.Connections[i].Open() {
				continue
			}
			closeConnection(&row.Connections[i], cutoff)
			changed++
		}
		if changed > 0 {
			if err := s.attendances.UpdateConnections(ctx, row.ID, row.Connections, row.ComputeMinutesAttended()); err != nil {
				lock.Unlock()
				s.logger.Warn("failed to close orphaned connections",
					zap.String("attendance_id", row.ID), zap.Error(err))
				continue
			}
			closed += changed
		}
		lock.Unlock()
		s.locks.evict(pairKey(row.SessionID, row.AttendeeID))
	}
	if closed > 0 {
		s.metrics.RecordOrphansClosed(closed)
		s.logger.Info("closed orphaned streaming connections", zap.Int("count", closed))
	}
	return closed, nil
}

// closeConnection stamps the disconnect time and computes the interval
// duration in whole minutes, never negative.
func closeConnection(conn *models.VirtualConnection, at time.Time) {
	if at.Before(conn.ConnectedAt) {
		at = conn.ConnectedAt
	}
	conn.DisconnectedAt = &at
	conn.DurationMinutes = int(at.Sub(conn.ConnectedAt).Milliseconds() / 60000)
}

func (s *StreamingService) state(sessionID, attendeeID string, connections models.ConnectionList) *ConnectionState {
	open := connections.OpenCount()
	return &ConnectionState{
		SessionID:       sessionID,
		AttendeeID:      attendeeID,
		OpenConnections: open,
		TotalMinutes:    connections.TotalMinutes(),
		CanConnect:      open < s.policy.MaxConcurrentConnections,
		Connections:     connections,
	}
}

// authorise checks that the pair may receive a token: the session exists and
// the attendee holds an active enrollment in a block containing it.
func (s *StreamingService) authorise(ctx context.Context, sessionID, attendeeID string) (*models.EventSession, *models.BlockEnrollment, error) {
	session, err := s.catalog.FindSession(ctx, sessionID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil, appErrors.Clone(appErrors.ErrNotFound, "session not found")
		}
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load session")
	}
	blockIDs, err := s.catalog.ListBlockIDsBySession(ctx, sessionID)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to resolve session blocks")
	}
	if len(blockIDs) == 0 {
		return nil, nil, appErrors.Clone(appErrors.ErrNotEnrolled, "session does not belong to any block")
	}
	enrollment, err := s.enrollments.FindActiveByAttendeeAndBlocks(ctx, attendeeID, blockIDs,
		[]models.EnrollmentStatus{models.EnrollmentStatusEnrolled, models.EnrollmentStatusInProgress})
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil, appErrors.Clone(appErrors.ErrNotEnrolled, "attendee is not enrolled in a block containing this session")
		}
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to resolve enrollment")
	}
	return session, enrollment, nil
}

// verify parses the token, rejects replaced tokens and enforces the access
// window around the session.
func (s *StreamingService) verify(ctx context.Context, raw string) (*token.AccessClaims, *models.SessionAttendance, error) {
	if raw == "" {
		return nil, nil, appErrors.Clone(appErrors.ErrUnauthorized, "access token is required")
	}
	claims, err := s.signer.Parse(raw)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrUnauthorized.Code, appErrors.ErrUnauthorized.Status, "invalid access token")
	}

	attendance, err := s.attendances.FindBySessionAndAttendee(ctx, claims.SessionID, claims.AttendeeID)
	if err != nil && err != sql.ErrNoRows {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load attendance")
	}
	if attendance == nil || attendance.CurrentToken == nil || *attendance.CurrentToken != raw {
		return nil, nil, appErrors.Clone(appErrors.ErrUnauthorized, "access token has been replaced")
	}

	now := s.now()
	start := time.Unix(claims.SessionStartAt, 0).UTC()
	end := time.Unix(claims.SessionEndAt, 0).UTC()
	windowStart := start.Add(-time.Duration(s.policy.WindowBeforeMinutes) * time.Minute)
	windowEnd := end.Add(time.Duration(s.policy.WindowAfterMinutes) * time.Minute)
	if now.Before(windowStart) {
		return nil, nil, appErrors.Clone(appErrors.ErrUnauthorized, "session access window has not opened yet")
	}
	if now.After(windowEnd) {
		return nil, nil, appErrors.Clone(appErrors.ErrUnauthorized, "session access window has closed")
	}
	return claims, attendance, nil
}
