package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/MrWong99/parley/internal/fault"
)

// MeetingMode distinguishes batch upload from realtime streaming.
type MeetingMode string

const (
	ModeBatch    MeetingMode = "batch"
	ModeRealtime MeetingMode = "realtime"
)

// IsValid reports whether m is a known mode.
func (m MeetingMode) IsValid() bool {
	return m == ModeBatch || m == ModeRealtime
}

// MeetingStatus is the processing state of a meeting.
type MeetingStatus string

const (
	StatusCreated    MeetingStatus = "created"
	StatusIngesting  MeetingStatus = "ingesting"
	StatusProcessing MeetingStatus = "processing"
	StatusDone       MeetingStatus = "done"
	StatusFailed     MeetingStatus = "failed"
)

// statusRank orders statuses for the monotonicity check. done and failed
// share a rank: neither is "after" the other.
var statusRank = map[MeetingStatus]int{
	StatusCreated:    0,
	StatusIngesting:  1,
	StatusProcessing: 2,
	StatusDone:       3,
	StatusFailed:     3,
}

// statusAllowed reports whether from → to is a legal transition. rebuild
// unlocks the one backward edge: failed → processing.
func statusAllowed(from, to MeetingStatus, rebuild bool) bool {
	if from == to {
		return true
	}
	if rebuild {
		return (from == StatusFailed || from == StatusDone) && to == StatusProcessing
	}
	if from == StatusDone || from == StatusFailed {
		return false
	}
	return statusRank[to] > statusRank[from]
}

// Meeting is the durable meeting record.
type Meeting struct {
	ID             string          `json:"id"`
	Tenant         string          `json:"tenant,omitempty"`
	Mode           MeetingMode     `json:"mode"`
	Status         MeetingStatus   `json:"status"`
	Provider       string          `json:"provider,omitempty"`
	Epoch          int             `json:"epoch"`
	DeliveryRecipe json.RawMessage `json:"delivery_recipe,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// CreateMeeting inserts a meeting in status created. A duplicate ID is a
// client fault.
func (s *Store) CreateMeeting(ctx context.Context, m Meeting) error {
	if m.Mode == "" {
		m.Mode = ModeBatch
	}
	if !m.Mode.IsValid() {
		return fault.New(fault.ClassClient, "invalid_mode", "unknown meeting mode %q", m.Mode)
	}
	recipe := m.DeliveryRecipe
	if len(recipe) == 0 {
		recipe = json.RawMessage(`{}`)
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO meetings (id, tenant, mode, provider, delivery_recipe)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING`,
		m.ID, m.Tenant, string(m.Mode), m.Provider, recipe)
	if err != nil {
		return fmt.Errorf("store: create meeting: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fault.New(fault.ClassClient, "meeting_exists", "meeting %s already exists", m.ID)
	}
	return nil
}

// GetMeeting loads a meeting. When tenant is non-empty the lookup is scoped
// to that tenant; a meeting owned by another tenant reads as not found.
func (s *Store) GetMeeting(ctx context.Context, id, tenant string) (*Meeting, error) {
	query := `
		SELECT id, tenant, mode, status, provider, epoch, delivery_recipe, created_at, updated_at
		FROM meetings WHERE id = $1`
	args := []any{id}
	if tenant != "" {
		query += ` AND tenant = $2`
		args = append(args, tenant)
	}

	var m Meeting
	err := s.pool.QueryRow(ctx, query, args...).Scan(
		&m.ID, &m.Tenant, &m.Mode, &m.Status, &m.Provider, &m.Epoch,
		&m.DeliveryRecipe, &m.CreatedAt, &m.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fault.New(fault.ClassClient, "meeting_not_found", "meeting %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get meeting: %w", err)
	}
	return &m, nil
}

// ListMeetings returns meetings newest first, optionally scoped to a tenant.
func (s *Store) ListMeetings(ctx context.Context, tenant string, limit int) ([]Meeting, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id, tenant, mode, status, provider, epoch, delivery_recipe, created_at, updated_at
		FROM meetings`
	args := []any{}
	if tenant != "" {
		query += ` WHERE tenant = $1`
		args = append(args, tenant)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT %d`, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list meetings: %w", err)
	}
	defer rows.Close()

	var out []Meeting
	for rows.Next() {
		var m Meeting
		if err := rows.Scan(&m.ID, &m.Tenant, &m.Mode, &m.Status, &m.Provider, &m.Epoch,
			&m.DeliveryRecipe, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("store: scan meeting: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ListMeetingsByStatus returns meetings in the given status, oldest update
// first. The inactivity finalizer uses it to find meetings that stopped
// receiving chunks.
func (s *Store) ListMeetingsByStatus(ctx context.Context, status MeetingStatus, limit int) ([]Meeting, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT id, tenant, mode, status, provider, epoch, delivery_recipe, created_at, updated_at
		FROM meetings WHERE status = $1 ORDER BY updated_at LIMIT %d`, limit), string(status))
	if err != nil {
		return nil, fmt.Errorf("store: list meetings by status: %w", err)
	}
	defer rows.Close()

	var out []Meeting
	for rows.Next() {
		var m Meeting
		if err := rows.Scan(&m.ID, &m.Tenant, &m.Mode, &m.Status, &m.Provider, &m.Epoch,
			&m.DeliveryRecipe, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("store: scan meeting: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// UpdateStatus moves a meeting to the given status, enforcing monotonicity.
// An illegal transition is an invariant fault; an unknown meeting a client
// fault.
func (s *Store) UpdateStatus(ctx context.Context, id string, to MeetingStatus, rebuild bool) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var from MeetingStatus
	err = tx.QueryRow(ctx, `SELECT status FROM meetings WHERE id = $1 FOR UPDATE`, id).Scan(&from)
	if errors.Is(err, pgx.ErrNoRows) {
		return fault.New(fault.ClassClient, "meeting_not_found", "meeting %s not found", id)
	}
	if err != nil {
		return fmt.Errorf("store: select status: %w", err)
	}

	if !statusAllowed(from, to, rebuild) {
		return fault.New(fault.ClassInvariant, "status_not_monotone",
			"meeting %s: illegal status transition %s -> %s", id, from, to)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE meetings SET status = $2, updated_at = now() WHERE id = $1`, id, string(to)); err != nil {
		return fmt.Errorf("store: update status: %w", err)
	}
	return tx.Commit(ctx)
}

// BindConnector records the connector provider handling this meeting.
func (s *Store) BindConnector(ctx context.Context, id, provider string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE meetings SET provider = $2, updated_at = now() WHERE id = $1`, id, provider)
	if err != nil {
		return fmt.Errorf("store: bind connector: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fault.New(fault.ClassClient, "meeting_not_found", "meeting %s not found", id)
	}
	return nil
}

// SetDeliveryRecipe stores the delivery instructions consumed by the delivery
// stage.
func (s *Store) SetDeliveryRecipe(ctx context.Context, id string, recipe json.RawMessage) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE meetings SET delivery_recipe = $2, updated_at = now() WHERE id = $1`, id, recipe)
	if err != nil {
		return fmt.Errorf("store: set delivery recipe: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fault.New(fault.ClassClient, "meeting_not_found", "meeting %s not found", id)
	}
	return nil
}

// IncrementEpoch bumps the rebuild epoch and returns the new value. Prior
// idempotency keys for the meeting become stale because they embed the epoch.
func (s *Store) IncrementEpoch(ctx context.Context, id string) (int, error) {
	var epoch int
	err := s.pool.QueryRow(ctx,
		`UPDATE meetings SET epoch = epoch + 1, updated_at = now() WHERE id = $1 RETURNING epoch`, id).Scan(&epoch)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fault.New(fault.ClassClient, "meeting_not_found", "meeting %s not found", id)
	}
	if err != nil {
		return 0, fmt.Errorf("store: increment epoch: %w", err)
	}
	return epoch, nil
}

// DeleteMeeting removes a meeting and, via cascades, its chunks, artifacts,
// and sessions.
func (s *Store) DeleteMeeting(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM meetings WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("store: delete meeting: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fault.New(fault.ClassClient, "meeting_not_found", "meeting %s not found", id)
	}
	return nil
}
