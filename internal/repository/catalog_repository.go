package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/event-cert-api/internal/models"
)

// CatalogRepository exposes read-only lookups into the catalog tables owned
// by the event management and registration systems.
type CatalogRepository struct {
	db *sqlx.DB
}

// NewCatalogRepository constructs the repository.
func NewCatalogRepository(db *sqlx.DB) *CatalogRepository {
	return &CatalogRepository{db: db}
}

// FindEvent returns an event by its ID.
func (r *CatalogRepository) FindEvent(ctx context.Context, id string) (*models.Event, error) {
	const query = `SELECT id, title FROM events WHERE id = $1`
	var event models.Event
	if err := r.db.GetContext(ctx, &event, query, id); err != nil {
		return nil, err
	}
	return &event, nil
}

// FindSession returns a session by its ID.
func (r *CatalogRepository) FindSession(ctx context.Context, id string) (*models.EventSession, error) {
	const query = `SELECT id, event_id, title, start_at, end_at FROM event_sessions WHERE id = $1`
	var session models.EventSession
	if err := r.db.GetContext(ctx, &session, query, id); err != nil {
		return nil, err
	}
	return &session, nil
}

// ListBlockIDsBySession returns the IDs of blocks containing the session.
func (r *CatalogRepository) ListBlockIDsBySession(ctx context.Context, sessionID string) ([]string, error) {
	const query = `SELECT block_id FROM block_sessions WHERE session_id = $1`
	var ids []string
	if err := r.db.SelectContext(ctx, &ids, query, sessionID); err != nil {
		return nil, fmt.Errorf("list blocks for session: %w", err)
	}
	return ids, nil
}

// CountSessionsByBlock returns the number of sessions attached to a block.
func (r *CatalogRepository) CountSessionsByBlock(ctx context.Context, blockID string) (int, error) {
	const query = `SELECT COUNT(*) FROM block_sessions WHERE block_id = $1`
	var count int
	if err := r.db.GetContext(ctx, &count, query, blockID); err != nil {
		return 0, fmt.Errorf("count block sessions: %w", err)
	}
	return count, nil
}

// FindTicketByCode resolves a ticket code to its owning attendee.
func (r *CatalogRepository) FindTicketByCode(ctx context.Context, code string) (*models.EventTicket, error) {
	const query = `SELECT id, event_id, code, attendee_id FROM event_tickets WHERE code = $1`
	var ticket models.EventTicket
	if err := r.db.GetContext(ctx, &ticket, query, code); err != nil {
		return nil, err
	}
	return &ticket, nil
}

// FindAttendee returns an attendee record by its ID.
func (r *CatalogRepository) FindAttendee(ctx context.Context, id string) (*models.Attendee, error) {
	const query = `SELECT id, full_name, email, document FROM attendees WHERE id = $1`
	var attendee models.Attendee
	if err := r.db.GetContext(ctx, &attendee, query, id); err != nil {
		return nil, err
	}
	return &attendee, nil
}

// HasConfirmedRegistration reports whether the attendee holds a CONFIRMED
// registration for the event.
func (r *CatalogRepository) HasConfirmedRegistration(ctx context.Context, eventID, attendeeID string) (bool, error) {
	const query = `SELECT 1 FROM event_registrations
		WHERE event_id = $1 AND attendee_id = $2 AND status = $3 LIMIT 1`
	var exists int
	err := r.db.GetContext(ctx, &exists, query, eventID, attendeeID, models.RegistrationStatusConfirmed)
	if err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("check registration: %w", err)
	}
	return true, nil
}

// FindUser returns a grader identity by its ID.
func (r *CatalogRepository) FindUser(ctx context.Context, id string) (*models.User, error) {
	const query = `SELECT id, full_name, email, role FROM users WHERE id = $1`
	var user models.User
	if err := r.db.GetContext(ctx, &user, query, id); err != nil {
		return nil, err
	}
	return &user, nil
}
