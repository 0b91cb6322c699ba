package attendance

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Manager owns the session lifecycle: create, rotate code, close, delete.
type Manager struct {
	store Store
	now   Clock
}

// NewManager creates a manager backed by a store. A nil clock falls back to
// UTC wall time.
func NewManager(store Store, now Clock) *Manager {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Manager{store: store, now: now}
}

// CreateSessionInput carries the admin's session parameters.
type CreateSessionInput struct {
	Batch             Batch
	Date              time.Time
	Type              SessionType
	Location          string
	Anchor            *Coordinates
	MaxDistanceMeters float64
	CodeValidity      time.Duration
}

// CreateSession opens a new session for a batch. Any session already active
// for the batch is closed as part of the same write, so at most one stays
// active. Omitting the anchor degrades the session to pure-manual mode:
// every check-in passes verification unchecked.
func (m *Manager) CreateSession(ctx context.Context, in CreateSessionInput) (Session, error) {
	if in.Location == "" {
		return Session{}, &ValidationError{Field: "location"}
	}
	if in.Batch != BatchBasic && in.Batch != BatchAdvanced {
		return Session{}, &ValidationError{Field: "batch", Reason: "must be basic or advanced"}
	}
	if in.Type == "" {
		in.Type = SessionRegular
	}
	if in.CodeValidity <= 0 {
		in.CodeValidity = 5 * time.Minute
	}
	if in.MaxDistanceMeters <= 0 {
		in.MaxDistanceMeters = 100
	}

	code, err := NewCode()
	if err != nil {
		return Session{}, err
	}

	now := m.now()
	s := Session{
		ID:                uuid.NewString(),
		Batch:             in.Batch,
		Date:              Day(in.Date),
		Type:              in.Type,
		Location:          in.Location,
		Anchor:            in.Anchor,
		MaxDistanceMeters: in.MaxDistanceMeters,
		CodeValidity:      in.CodeValidity,
		Code:              code,
		CodeIssuedAt:      now,
		CodeExpiresAt:     now.Add(in.CodeValidity),
		Active:            true,
		CreatedAt:         now,
	}
	if s.Date.IsZero() {
		s.Date = Day(now)
	}
	if err := m.store.CreateSession(ctx, s); err != nil {
		return Session{}, err
	}
	return s, nil
}

// RefreshCode rotates the session's credential and restarts the validity
// window. Closed sessions keep their frozen code.
func (m *Manager) RefreshCode(ctx context.Context, sessionID string) (Session, error) {
	s, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return Session{}, err
	}
	if !s.Active {
		return Session{}, ErrSessionNotFound
	}

	code, err := NewCode()
	if err != nil {
		return Session{}, err
	}
	now := m.now()
	expiresAt := now.Add(s.CodeValidity)
	if err := m.store.UpdateSessionCode(ctx, s.ID, code, now, expiresAt); err != nil {
		return Session{}, err
	}
	codeRefreshes.Inc()

	s.Code = code
	s.CodeIssuedAt = now
	s.CodeExpiresAt = expiresAt
	return s, nil
}

// CloseSession deactivates the session. Later check-ins against its code
// fail with ErrSessionClosed.
func (m *Manager) CloseSession(ctx context.Context, sessionID string) error {
	return m.store.CloseSession(ctx, sessionID)
}

// DeleteSession removes the session and all of its records. The admin
// confirms out-of-band; there is no undo.
func (m *Manager) DeleteSession(ctx context.Context, sessionID string) error {
	return m.store.DeleteSession(ctx, sessionID)
}

// GetSession returns one session.
func (m *Manager) GetSession(ctx context.Context, sessionID string) (Session, error) {
	return m.store.GetSession(ctx, sessionID)
}

// ListSessions returns a batch's sessions, optionally only active ones.
func (m *Manager) ListSessions(ctx context.Context, batch Batch, activeOnly bool) ([]Session, error) {
	return m.store.ListSessions(ctx, batch, activeOnly)
}
