package attendance

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// Repository persists sessions and records in Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

var _ Store = (*Repository)(nil)
var _ Roster = (*Repository)(nil)

const sessionColumns = `id, batch, date, session_type, location, anchor_lat, anchor_lng,
	max_distance_m, code_validity_secs, code, code_issued_at, code_expires_at, is_active, created_at`

func scanSession(row interface{ Scan(...any) error }) (Session, error) {
	var (
		s            Session
		lat, lng     sql.NullFloat64
		validitySecs int64
	)
	err := row.Scan(&s.ID, &s.Batch, &s.Date, &s.Type, &s.Location, &lat, &lng,
		&s.MaxDistanceMeters, &validitySecs, &s.Code, &s.CodeIssuedAt, &s.CodeExpiresAt, &s.Active, &s.CreatedAt)
	if err != nil {
		return Session{}, err
	}
	if lat.Valid && lng.Valid {
		s.Anchor = &Coordinates{Lat: lat.Float64, Lng: lng.Float64}
	}
	s.CodeValidity = time.Duration(validitySecs) * time.Second
	return s, nil
}

// CreateSession inserts a session, closing any prior active session for the
// batch in the same transaction. A partial unique index on
// (batch) WHERE is_active backs this up at the schema level.
func (r *Repository) CreateSession(ctx context.Context, s Session) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE attendance_sessions SET is_active = FALSE WHERE batch = $1 AND is_active
	`, s.Batch); err != nil {
		return err
	}

	var lat, lng any
	if s.Anchor != nil {
		lat, lng = s.Anchor.Lat, s.Anchor.Lng
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO attendance_sessions
			(id, batch, date, session_type, location, anchor_lat, anchor_lng,
			 max_distance_m, code_validity_secs, code, code_issued_at, code_expires_at, is_active, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
	`, s.ID, s.Batch, s.Date, s.Type, s.Location, lat, lng,
		s.MaxDistanceMeters, int64(s.CodeValidity/time.Second), s.Code,
		s.CodeIssuedAt, s.CodeExpiresAt, s.Active, s.CreatedAt); err != nil {
		return err
	}

	return tx.Commit()
}

// GetSession returns a single session by id.
func (r *Repository) GetSession(ctx context.Context, id string) (Session, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+` FROM attendance_sessions WHERE id = $1
	`, id)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrSessionNotFound
	}
	return s, err
}

// GetSessionByCode resolves a session from its full credential.
func (r *Repository) GetSessionByCode(ctx context.Context, code string) (Session, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+` FROM attendance_sessions WHERE code = $1
	`, code)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrSessionNotFound
	}
	return s, err
}

// UpdateSessionCode rotates the credential and its validity window.
func (r *Repository) UpdateSessionCode(ctx context.Context, id, code string, issuedAt, expiresAt time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE attendance_sessions
		SET code = $2, code_issued_at = $3, code_expires_at = $4
		WHERE id = $1
	`, id, code, issuedAt, expiresAt)
	if err != nil {
		return err
	}
	return oneRowOr(res, ErrSessionNotFound)
}

// CloseSession freezes the session; the code stops resolving for check-ins.
func (r *Repository) CloseSession(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE attendance_sessions SET is_active = FALSE WHERE id = $1
	`, id)
	if err != nil {
		return err
	}
	return oneRowOr(res, ErrSessionNotFound)
}

// DeleteSession removes the session; records cascade via the FK.
func (r *Repository) DeleteSession(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM attendance_sessions WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return oneRowOr(res, ErrSessionNotFound)
}

// ListSessions returns sessions for a batch, newest first.
func (r *Repository) ListSessions(ctx context.Context, batch Batch, activeOnly bool) ([]Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM attendance_sessions WHERE batch = $1`
	if activeOnly {
		query += ` AND is_active`
	}
	query += ` ORDER BY date DESC, created_at DESC`

	rows, err := r.db.QueryContext(ctx, query, batch)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

const recordColumns = `user_id, date, session_id, batch, status, marked_method,
	location_verified, distance_m, duration_minutes, marked_at`

func scanRecord(row interface{ Scan(...any) error }) (Record, error) {
	var (
		rec       Record
		sessionID sql.NullString
		distance  sql.NullFloat64
		duration  sql.NullInt64
	)
	err := row.Scan(&rec.UserID, &rec.Date, &sessionID, &rec.Batch, &rec.Status, &rec.Method,
		&rec.LocationVerified, &distance, &duration, &rec.MarkedAt)
	if err != nil {
		return Record{}, err
	}
	if sessionID.Valid {
		rec.SessionID = &sessionID.String
	}
	if distance.Valid {
		rec.DistanceMeters = &distance.Float64
	}
	if duration.Valid {
		d := int(duration.Int64)
		rec.DurationMinutes = &d
	}
	return rec, nil
}

// UpsertRecord writes the one attendance fact for (user_id, date). A later
// mark replaces the earlier one wholesale.
func (r *Repository) UpsertRecord(ctx context.Context, rec Record) (Record, error) {
	var duration any
	if rec.DurationMinutes != nil {
		duration = *rec.DurationMinutes
	}
	var distance any
	if rec.DistanceMeters != nil {
		distance = *rec.DistanceMeters
	}
	var sessionID any
	if rec.SessionID != nil {
		sessionID = *rec.SessionID
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO attendance_records
			(user_id, date, session_id, batch, status, marked_method,
			 location_verified, distance_m, duration_minutes, marked_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (user_id, date) DO UPDATE SET
			session_id = EXCLUDED.session_id,
			batch = EXCLUDED.batch,
			status = EXCLUDED.status,
			marked_method = EXCLUDED.marked_method,
			location_verified = EXCLUDED.location_verified,
			distance_m = EXCLUDED.distance_m,
			duration_minutes = EXCLUDED.duration_minutes,
			marked_at = EXCLUDED.marked_at
	`, rec.UserID, rec.Date, sessionID, rec.Batch, rec.Status, rec.Method,
		rec.LocationVerified, distance, duration, rec.MarkedAt)
	if err != nil {
		return Record{}, err
	}
	return rec, nil
}

// DeleteRecord removes the record for (user_id, date) within the requested
// scope. Deletion is immediate and unrecoverable.
func (r *Repository) DeleteRecord(ctx context.Context, userID string, date time.Time, manual bool) error {
	scope := `AND session_id IS NOT NULL`
	if manual {
		scope = `AND session_id IS NULL`
	}
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM attendance_records WHERE user_id = $1 AND date = $2 `+scope, userID, date)
	if err != nil {
		return err
	}
	return oneRowOr(res, ErrRecordNotFound)
}

// ListRecordsByUser returns a student's records ordered by date ascending,
// the order streak computation needs.
func (r *Repository) ListRecordsByUser(ctx context.Context, userID string) ([]Record, error) {
	return r.listRecords(ctx, `WHERE user_id = $1`, userID)
}

// ListRecordsBySession returns all records written against one session.
func (r *Repository) ListRecordsBySession(ctx context.Context, sessionID string) ([]Record, error) {
	return r.listRecords(ctx, `WHERE session_id = $1`, sessionID)
}

// ListRecordsByBatch returns every record for a batch, manual entries
// included.
func (r *Repository) ListRecordsByBatch(ctx context.Context, batch Batch) ([]Record, error) {
	return r.listRecords(ctx, `WHERE batch = $1`, batch)
}

func (r *Repository) listRecords(ctx context.Context, where string, arg any) ([]Record, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+recordColumns+` FROM attendance_records `+where+` ORDER BY date ASC, user_id ASC
	`, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

// StudentsByBatch returns the roster projection for a batch.
func (r *Repository) StudentsByBatch(ctx context.Context, batch Batch) ([]Student, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT user_id, name, roll_number, batch
		FROM students WHERE batch = $1 ORDER BY roll_number
	`, batch)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Student
	for rows.Next() {
		var st Student
		if err := rows.Scan(&st.UserID, &st.Name, &st.RollNumber, &st.Batch); err != nil {
			return nil, err
		}
		res = append(res, st)
	}
	return res, rows.Err()
}

// UpsertStudent creates or updates a roster entry.
func (r *Repository) UpsertStudent(ctx context.Context, st Student) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO students (user_id, name, roll_number, batch)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id) DO UPDATE SET
			name = EXCLUDED.name,
			roll_number = EXCLUDED.roll_number,
			batch = EXCLUDED.batch
	`, st.UserID, st.Name, st.RollNumber, st.Batch)
	return err
}

func oneRowOr(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}
