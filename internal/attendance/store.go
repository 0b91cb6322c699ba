package attendance

import (
	"context"
	"time"
)

// Store is the persistence boundary for sessions and records. The wrapping
// application decides what implements it; this package ships a Postgres
// repository and an in-memory store for dev and tests.
type Store interface {
	// CreateSession inserts a session and, in the same transaction,
	// deactivates any previously active session for the same batch.
	CreateSession(ctx context.Context, s Session) error
	GetSession(ctx context.Context, id string) (Session, error)
	// GetSessionByCode resolves a session from the full check-in credential.
	// Returns ErrSessionNotFound when no session carries the code.
	GetSessionByCode(ctx context.Context, code string) (Session, error)
	UpdateSessionCode(ctx context.Context, id, code string, issuedAt, expiresAt time.Time) error
	CloseSession(ctx context.Context, id string) error
	// DeleteSession removes the session and cascades to its records.
	DeleteSession(ctx context.Context, id string) error
	ListSessions(ctx context.Context, batch Batch, activeOnly bool) ([]Session, error)

	// UpsertRecord writes the single attendance fact for (UserID, Date).
	// A later mark fully replaces an earlier one; there is no field merge.
	UpsertRecord(ctx context.Context, r Record) (Record, error)
	// DeleteRecord removes the record for (userID, date). When manual is
	// true only a session-less record matches, otherwise only a
	// session-backed one. Returns ErrRecordNotFound when nothing matched.
	DeleteRecord(ctx context.Context, userID string, date time.Time, manual bool) error
	ListRecordsByUser(ctx context.Context, userID string) ([]Record, error)
	ListRecordsBySession(ctx context.Context, sessionID string) ([]Record, error)
	ListRecordsByBatch(ctx context.Context, batch Batch) ([]Record, error)
}

// Roster looks up student identity. The engine never owns it.
type Roster interface {
	StudentsByBatch(ctx context.Context, batch Batch) ([]Student, error)
}

// Clock supplies current time. Code expiry checks always go through the
// clock at validation time, never through a cached client timestamp.
type Clock func() time.Time
