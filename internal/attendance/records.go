package attendance

import (
	"context"
	"math"
	"sync"
	"time"
)

// Reconciler merges the three marking paths (QR self-check-in, admin bulk
// marking, date-scoped manual entry) into the single per-student, per-date
// attendance fact. A later mark always replaces an earlier one; partial
// fields are never merged.
type Reconciler struct {
	store Store
	now   Clock
}

// NewReconciler creates a reconciler backed by a store.
func NewReconciler(store Store, now Clock) *Reconciler {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Reconciler{store: store, now: now}
}

// CheckIn resolves a session from the full credential and writes a QR record
// for the caller. Expiry is judged against the clock at validation time.
// A failed distance check never blocks the record; it is written with
// LocationVerified=false and the measured distance for admin review.
func (r *Reconciler) CheckIn(ctx context.Context, code, userID string, claimed *Position) (Record, error) {
	if userID == "" {
		return Record{}, &ValidationError{Field: "user_id"}
	}
	if code == "" {
		return Record{}, &ValidationError{Field: "code"}
	}

	s, err := r.store.GetSessionByCode(ctx, code)
	if err != nil {
		if err == ErrSessionNotFound {
			checkins.WithLabelValues("invalid").Inc()
			return Record{}, ErrCodeInvalid
		}
		return Record{}, err
	}
	if !s.Active {
		checkins.WithLabelValues("closed").Inc()
		return Record{}, ErrSessionClosed
	}
	now := r.now()
	if s.CodeExpired(now) {
		checkins.WithLabelValues("expired").Inc()
		return Record{}, ErrCodeExpired
	}

	v := VerifyDistance(s.Anchor, claimed, s.MaxDistanceMeters)
	if s.Anchor != nil {
		if v.Verified {
			verifications.WithLabelValues("verified").Inc()
		} else {
			verifications.WithLabelValues("failed").Inc()
		}
	}

	rec := Record{
		UserID:           userID,
		Date:             s.Date,
		SessionID:        &s.ID,
		Batch:            s.Batch,
		Status:           StatusPresent,
		Method:           MethodQR,
		LocationVerified: v.Verified,
		DistanceMeters:   v.DistanceMeters,
		MarkedAt:         now,
	}
	rec, err = r.store.UpsertRecord(ctx, rec)
	if err != nil {
		return Record{}, err
	}
	checkins.WithLabelValues("ok").Inc()
	return rec, nil
}

// Mark is one student's status within a bulk operation.
type Mark struct {
	UserID string `json:"user_id"`
	Status Status `json:"status"`
}

// BulkResult reports aggregate success and failure counts. The writes are
// independent; the caller decides what a partial failure means.
type BulkResult struct {
	Records   []Record `json:"records"`
	Succeeded int      `json:"succeeded"`
	Failed    int      `json:"failed"`
}

// MarkBulk upserts one record per student for the session's date. The writes
// are dispatched in parallel with no transaction across them; re-marking a
// student replaces status and method.
func (r *Reconciler) MarkBulk(ctx context.Context, sessionID string, marks []Mark, method Method) (BulkResult, error) {
	if len(marks) == 0 {
		return BulkResult{}, &ValidationError{Field: "marks", Reason: "at least one mark required"}
	}
	s, err := r.store.GetSession(ctx, sessionID)
	if err != nil {
		return BulkResult{}, err
	}
	if method == "" {
		method = MethodManual
	}
	now := r.now()

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		res BulkResult
	)
	for _, mk := range marks {
		wg.Add(1)
		go func(mk Mark) {
			defer wg.Done()
			if mk.UserID == "" || !validStatus(mk.Status) {
				mu.Lock()
				res.Failed++
				mu.Unlock()
				return
			}
			rec := Record{
				UserID:    mk.UserID,
				Date:      s.Date,
				SessionID: &s.ID,
				Batch:     s.Batch,
				Status:    mk.Status,
				Method:    method,
				MarkedAt:  now,
			}
			written, err := r.store.UpsertRecord(ctx, rec)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				res.Failed++
				return
			}
			res.Records = append(res.Records, written)
			res.Succeeded++
		}(mk)
	}
	wg.Wait()
	return res, nil
}

// ManualMarkInput is a date-scoped manual entry independent of any session.
type ManualMarkInput struct {
	UserID string
	Status Status
	Date   time.Time
	Batch  Batch
	Start  time.Time
	End    time.Time
}

// MarkManual creates or replaces the record for (user, date) with no session
// reference. It is allowed with no active session at all. When both start
// and end times are given the duration in minutes is derived from them.
func (r *Reconciler) MarkManual(ctx context.Context, in ManualMarkInput) (Record, error) {
	if in.UserID == "" {
		return Record{}, &ValidationError{Field: "user_id"}
	}
	if !validStatus(in.Status) {
		return Record{}, &ValidationError{Field: "status", Reason: "must be present, late or absent"}
	}
	if in.Batch != BatchBasic && in.Batch != BatchAdvanced {
		return Record{}, &ValidationError{Field: "batch", Reason: "must be basic or advanced"}
	}
	if in.Date.IsZero() {
		return Record{}, &ValidationError{Field: "date"}
	}

	rec := Record{
		UserID:   in.UserID,
		Date:     Day(in.Date),
		Batch:    in.Batch,
		Status:   in.Status,
		Method:   MethodManual,
		MarkedAt: r.now(),
	}
	if !in.Start.IsZero() && !in.End.IsZero() {
		if in.End.Before(in.Start) {
			return Record{}, &ValidationError{Field: "end_time", Reason: "must not precede start_time"}
		}
		d := int(math.Round(in.End.Sub(in.Start).Minutes()))
		rec.DurationMinutes = &d
	}
	return r.store.UpsertRecord(ctx, rec)
}

// DeleteRecord removes exactly one record in the given scope. Missing
// targets surface ErrRecordNotFound rather than silently succeeding.
func (r *Reconciler) DeleteRecord(ctx context.Context, userID string, date time.Time, manual bool) error {
	if userID == "" {
		return &ValidationError{Field: "user_id"}
	}
	return r.store.DeleteRecord(ctx, userID, Day(date), manual)
}

// SessionRecords lists a session's records so admins can review unverified
// check-ins.
func (r *Reconciler) SessionRecords(ctx context.Context, sessionID string) ([]Record, error) {
	if _, err := r.store.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	return r.store.ListRecordsBySession(ctx, sessionID)
}

func validStatus(s Status) bool {
	return s == StatusPresent || s == StatusLate || s == StatusAbsent
}
