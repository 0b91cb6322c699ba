package attendance

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"
)

func newTestEngine() (*Manager, *Reconciler, *MemStore, *fakeClock) {
	clock := newFakeClock(time.Date(2025, 1, 10, 9, 0, 0, 0, time.UTC))
	st := NewMemStore()
	return NewManager(st, clock.Now), NewReconciler(st, clock.Now), st, clock
}

func TestCheckIn(t *testing.T) {
	mgr, rc, _, clock := newTestEngine()
	ctx := context.Background()

	s, err := mgr.CreateSession(ctx, validInput())
	if err != nil {
		t.Fatalf("CreateSession() failed: %v", err)
	}

	t.Run("invalid code", func(t *testing.T) {
		if _, err := rc.CheckIn(ctx, "WRONGCODE", "u1", nil); !errors.Is(err, ErrCodeInvalid) {
			t.Errorf("CheckIn() error = %v, want ErrCodeInvalid", err)
		}
	})

	t.Run("within radius verifies", func(t *testing.T) {
		pos := &Position{Lat: 19.0001, Lng: 73.0, AccuracyMeters: 10}
		record, err := rc.CheckIn(ctx, s.Code, "u1", pos)
		if err != nil {
			t.Fatalf("CheckIn() failed: %v", err)
		}
		if !record.LocationVerified {
			t.Error("LocationVerified = false, want true")
		}
		if record.DistanceMeters == nil || *record.DistanceMeters > 100 {
			t.Errorf("DistanceMeters = %v, want small non-nil", record.DistanceMeters)
		}
		if record.Method != MethodQR {
			t.Errorf("Method = %s, want qr", record.Method)
		}
		if record.Status != StatusPresent {
			t.Errorf("Status = %s, want present", record.Status)
		}
		if record.SessionID == nil || *record.SessionID != s.ID {
			t.Errorf("SessionID = %v, want %s", record.SessionID, s.ID)
		}
	})

	t.Run("outside radius records but flags", func(t *testing.T) {
		// ~150m north of the 100m-radius anchor.
		pos := &Position{Lat: 19.0 + (150.0/earthRadiusMeters)*180/math.Pi, Lng: 73.0}
		record, err := rc.CheckIn(ctx, s.Code, "u2", pos)
		if err != nil {
			t.Fatalf("CheckIn() should record a failed verification, got error: %v", err)
		}
		if record.LocationVerified {
			t.Error("LocationVerified = true, want false at 150m")
		}
		if record.DistanceMeters == nil {
			t.Fatal("DistanceMeters = nil, want the measured distance")
		}
		if d := *record.DistanceMeters; d < 149 || d > 151 {
			t.Errorf("DistanceMeters = %v, want ~150", d)
		}
	})

	t.Run("no position degrades to unverified", func(t *testing.T) {
		record, err := rc.CheckIn(ctx, s.Code, "u3", nil)
		if err != nil {
			t.Fatalf("CheckIn() failed: %v", err)
		}
		if record.LocationVerified {
			t.Error("LocationVerified = true, want false without a position")
		}
		if record.DistanceMeters != nil {
			t.Errorf("DistanceMeters = %v, want nil", *record.DistanceMeters)
		}
	})

	t.Run("expired code", func(t *testing.T) {
		clock.Advance(6 * time.Minute)
		if _, err := rc.CheckIn(ctx, s.Code, "u4", nil); !errors.Is(err, ErrCodeExpired) {
			t.Errorf("CheckIn() error = %v, want ErrCodeExpired", err)
		}
	})

	t.Run("closed session", func(t *testing.T) {
		if err := mgr.CloseSession(ctx, s.ID); err != nil {
			t.Fatalf("CloseSession() failed: %v", err)
		}
		if _, err := rc.CheckIn(ctx, s.Code, "u5", nil); !errors.Is(err, ErrSessionClosed) {
			t.Errorf("CheckIn() error = %v, want ErrSessionClosed", err)
		}
	})
}

func TestCheckInWithoutAnchor(t *testing.T) {
	mgr, rc, _, _ := newTestEngine()
	ctx := context.Background()

	in := validInput()
	in.Anchor = nil
	s, err := mgr.CreateSession(ctx, in)
	if err != nil {
		t.Fatalf("CreateSession() failed: %v", err)
	}

	record, err := rc.CheckIn(ctx, s.Code, "u1", nil)
	if err != nil {
		t.Fatalf("CheckIn() failed: %v", err)
	}
	if !record.LocationVerified {
		t.Error("sessions without an anchor trust every check-in")
	}
	if record.DistanceMeters != nil {
		t.Errorf("DistanceMeters = %v, want nil without an anchor", *record.DistanceMeters)
	}
}

func TestMarkBulk(t *testing.T) {
	mgr, rc, st, _ := newTestEngine()
	ctx := context.Background()

	s, err := mgr.CreateSession(ctx, validInput())
	if err != nil {
		t.Fatalf("CreateSession() failed: %v", err)
	}

	// An untouched student's existing record must survive a bulk mark.
	if _, err := rc.CheckIn(ctx, s.Code, "untouched", nil); err != nil {
		t.Fatalf("CheckIn() failed: %v", err)
	}

	marks := []Mark{
		{UserID: "u1", Status: StatusPresent},
		{UserID: "u2", Status: StatusLate},
		{UserID: "u3", Status: StatusAbsent},
	}
	res, err := rc.MarkBulk(ctx, s.ID, marks, MethodManual)
	if err != nil {
		t.Fatalf("MarkBulk() failed: %v", err)
	}
	if res.Succeeded != 3 || res.Failed != 0 {
		t.Errorf("BulkResult = %d/%d, want 3/0", res.Succeeded, res.Failed)
	}

	// Re-marking replaces instead of duplicating.
	res, err = rc.MarkBulk(ctx, s.ID, []Mark{{UserID: "u1", Status: StatusAbsent}}, MethodManual)
	if err != nil {
		t.Fatalf("second MarkBulk() failed: %v", err)
	}
	if res.Succeeded != 1 {
		t.Errorf("Succeeded = %d, want 1", res.Succeeded)
	}

	records, err := st.ListRecordsBySession(ctx, s.ID)
	if err != nil {
		t.Fatalf("ListRecordsBySession() failed: %v", err)
	}
	if len(records) != 4 {
		t.Errorf("session records = %d, want 4 (one per student per date)", len(records))
	}
	for _, r := range records {
		if r.UserID == "u1" && r.Status != StatusAbsent {
			t.Errorf("u1 status = %s, want absent after re-mark", r.Status)
		}
		if r.UserID == "untouched" && r.Method != MethodQR {
			t.Errorf("untouched student's record changed: %+v", r)
		}
	}

	t.Run("invalid marks count as failures", func(t *testing.T) {
		res, err := rc.MarkBulk(ctx, s.ID, []Mark{
			{UserID: "", Status: StatusPresent},
			{UserID: "u9", Status: "asleep"},
			{UserID: "u9", Status: StatusPresent},
		}, MethodManual)
		if err != nil {
			t.Fatalf("MarkBulk() failed: %v", err)
		}
		if res.Succeeded != 1 || res.Failed != 2 {
			t.Errorf("BulkResult = %d/%d, want 1/2", res.Succeeded, res.Failed)
		}
	})

	t.Run("missing session", func(t *testing.T) {
		if _, err := rc.MarkBulk(ctx, "nope", marks, MethodManual); !errors.Is(err, ErrSessionNotFound) {
			t.Errorf("MarkBulk() error = %v, want ErrSessionNotFound", err)
		}
	})

	t.Run("empty batch is a validation error", func(t *testing.T) {
		if _, err := rc.MarkBulk(ctx, s.ID, nil, MethodManual); !IsValidation(err) {
			t.Errorf("MarkBulk() error = %v, want ValidationError", err)
		}
	})
}

func TestMarkManual(t *testing.T) {
	_, rc, st, _ := newTestEngine()
	ctx := context.Background()

	date := time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC)
	in := ManualMarkInput{
		UserID: "42",
		Status: StatusLate,
		Date:   date,
		Batch:  BatchAdvanced,
		Start:  time.Date(2025, 1, 10, 9, 0, 0, 0, time.UTC),
		End:    time.Date(2025, 1, 10, 11, 0, 0, 0, time.UTC),
	}
	record, err := rc.MarkManual(ctx, in)
	if err != nil {
		t.Fatalf("MarkManual() failed: %v", err)
	}
	if !record.Manual() {
		t.Error("manual record should carry no session reference")
	}
	if record.DurationMinutes == nil || *record.DurationMinutes != 120 {
		t.Errorf("DurationMinutes = %v, want 120", record.DurationMinutes)
	}

	records, err := st.ListRecordsByUser(ctx, "42")
	if err != nil {
		t.Fatalf("ListRecordsByUser() failed: %v", err)
	}
	stats := ComputeStats("42", records)
	if stats.Late != 1 {
		t.Errorf("stats.Late = %d, want 1", stats.Late)
	}
	if stats.ManualMarked != 1 {
		t.Errorf("stats.ManualMarked = %d, want 1", stats.ManualMarked)
	}

	tests := []struct {
		name   string
		mutate func(*ManualMarkInput)
	}{
		{"missing user", func(in *ManualMarkInput) { in.UserID = "" }},
		{"bad status", func(in *ManualMarkInput) { in.Status = "asleep" }},
		{"bad batch", func(in *ManualMarkInput) { in.Batch = "night" }},
		{"zero date", func(in *ManualMarkInput) { in.Date = time.Time{} }},
		{"end before start", func(in *ManualMarkInput) { in.End = in.Start.Add(-time.Hour) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bad := in
			tt.mutate(&bad)
			if _, err := rc.MarkManual(ctx, bad); !IsValidation(err) {
				t.Errorf("MarkManual() error = %v, want ValidationError", err)
			}
		})
	}
}

func TestDeleteRecord(t *testing.T) {
	mgr, rc, st, _ := newTestEngine()
	ctx := context.Background()

	s, err := mgr.CreateSession(ctx, validInput())
	if err != nil {
		t.Fatalf("CreateSession() failed: %v", err)
	}
	if _, err := rc.CheckIn(ctx, s.Code, "u1", nil); err != nil {
		t.Fatalf("CheckIn() failed: %v", err)
	}

	t.Run("scope mismatch is not found", func(t *testing.T) {
		if err := rc.DeleteRecord(ctx, "u1", s.Date, true); !errors.Is(err, ErrRecordNotFound) {
			t.Errorf("DeleteRecord(manual) on a session record error = %v, want ErrRecordNotFound", err)
		}
	})

	t.Run("delete excludes record from stats", func(t *testing.T) {
		if err := rc.DeleteRecord(ctx, "u1", s.Date, false); err != nil {
			t.Fatalf("DeleteRecord() failed: %v", err)
		}
		records, err := st.ListRecordsByUser(ctx, "u1")
		if err != nil {
			t.Fatalf("ListRecordsByUser() failed: %v", err)
		}
		if stats := ComputeStats("u1", records); stats.Total != 0 {
			t.Errorf("stats.Total = %d after delete, want 0", stats.Total)
		}
	})

	t.Run("deleting twice is not found", func(t *testing.T) {
		if err := rc.DeleteRecord(ctx, "u1", s.Date, false); !errors.Is(err, ErrRecordNotFound) {
			t.Errorf("DeleteRecord() error = %v, want ErrRecordNotFound", err)
		}
	})
}
