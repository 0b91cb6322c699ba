package attendance

import (
	"context"
	"errors"
	"testing"
	"time"
)

// fakeClock is a settable clock for expiry tests.
type fakeClock struct {
	t time.Time
}

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{t: t} }

func (f *fakeClock) Now() time.Time { return f.t }

func (f *fakeClock) Advance(d time.Duration) { f.t = f.t.Add(d) }

func newTestManager() (*Manager, *MemStore, *fakeClock) {
	clock := newFakeClock(time.Date(2025, 1, 10, 9, 0, 0, 0, time.UTC))
	st := NewMemStore()
	return NewManager(st, clock.Now), st, clock
}

func validInput() CreateSessionInput {
	return CreateSessionInput{
		Batch:             BatchBasic,
		Date:              time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC),
		Type:              SessionRegular,
		Location:          "Lab 2",
		Anchor:            &Coordinates{Lat: 19.0, Lng: 73.0},
		MaxDistanceMeters: 100,
		CodeValidity:      5 * time.Minute,
	}
}

func TestCreateSessionValidation(t *testing.T) {
	mgr, _, _ := newTestManager()
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(*CreateSessionInput)
	}{
		{
			name:   "empty location",
			mutate: func(in *CreateSessionInput) { in.Location = "" },
		},
		{
			name:   "unknown batch",
			mutate: func(in *CreateSessionInput) { in.Batch = "intermediate" },
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := validInput()
			tt.mutate(&in)
			if _, err := mgr.CreateSession(ctx, in); !IsValidation(err) {
				t.Errorf("CreateSession() error = %v, want ValidationError", err)
			}
		})
	}
}

func TestCreateSessionDefaults(t *testing.T) {
	mgr, _, clock := newTestManager()
	in := validInput()
	in.Type = ""
	in.CodeValidity = 0
	in.MaxDistanceMeters = 0

	s, err := mgr.CreateSession(context.Background(), in)
	if err != nil {
		t.Fatalf("CreateSession() failed: %v", err)
	}
	if s.Type != SessionRegular {
		t.Errorf("Type = %s, want regular", s.Type)
	}
	if s.CodeValidity != 5*time.Minute {
		t.Errorf("CodeValidity = %v, want 5m", s.CodeValidity)
	}
	if s.MaxDistanceMeters != 100 {
		t.Errorf("MaxDistanceMeters = %v, want 100", s.MaxDistanceMeters)
	}
	if !s.Active {
		t.Error("new session should be active")
	}
	if s.CodeExpired(clock.Now()) {
		t.Error("fresh code should not be expired")
	}
	if len(s.Code) != codeLen {
		t.Errorf("code length = %d, want %d", len(s.Code), codeLen)
	}
}

func TestCreateSessionClosesPriorActive(t *testing.T) {
	mgr, _, _ := newTestManager()
	ctx := context.Background()

	first, err := mgr.CreateSession(ctx, validInput())
	if err != nil {
		t.Fatalf("first CreateSession() failed: %v", err)
	}

	// Second session for the same batch closes the first.
	in := validInput()
	in.Location = "Auditorium"
	second, err := mgr.CreateSession(ctx, in)
	if err != nil {
		t.Fatalf("second CreateSession() failed: %v", err)
	}

	got, err := mgr.GetSession(ctx, first.ID)
	if err != nil {
		t.Fatalf("GetSession() failed: %v", err)
	}
	if got.Active {
		t.Error("prior session for the batch should have been closed")
	}

	// A different batch keeps its own active session.
	in = validInput()
	in.Batch = BatchAdvanced
	if _, err := mgr.CreateSession(ctx, in); err != nil {
		t.Fatalf("advanced CreateSession() failed: %v", err)
	}
	got, _ = mgr.GetSession(ctx, second.ID)
	if !got.Active {
		t.Error("basic batch session should stay active when advanced opens")
	}

	active, err := mgr.ListSessions(ctx, BatchBasic, true)
	if err != nil {
		t.Fatalf("ListSessions() failed: %v", err)
	}
	if len(active) != 1 {
		t.Errorf("active sessions for basic = %d, want 1", len(active))
	}
}

func TestRefreshCode(t *testing.T) {
	mgr, _, clock := newTestManager()
	ctx := context.Background()

	s, err := mgr.CreateSession(ctx, validInput())
	if err != nil {
		t.Fatalf("CreateSession() failed: %v", err)
	}
	oldCode := s.Code

	clock.Advance(6 * time.Minute)
	if !s.CodeExpired(clock.Now()) {
		t.Fatal("code should have expired after the validity window")
	}

	refreshed, err := mgr.RefreshCode(ctx, s.ID)
	if err != nil {
		t.Fatalf("RefreshCode() failed: %v", err)
	}
	if refreshed.Code == oldCode {
		t.Error("RefreshCode() did not rotate the code")
	}
	if refreshed.CodeExpired(clock.Now()) {
		t.Error("code should be valid immediately after refresh")
	}
	if want := clock.Now().Add(5 * time.Minute); !refreshed.CodeExpiresAt.Equal(want) {
		t.Errorf("CodeExpiresAt = %v, want %v", refreshed.CodeExpiresAt, want)
	}

	t.Run("missing session", func(t *testing.T) {
		if _, err := mgr.RefreshCode(ctx, "nope"); !errors.Is(err, ErrSessionNotFound) {
			t.Errorf("RefreshCode() error = %v, want ErrSessionNotFound", err)
		}
	})

	t.Run("closed session", func(t *testing.T) {
		if err := mgr.CloseSession(ctx, s.ID); err != nil {
			t.Fatalf("CloseSession() failed: %v", err)
		}
		if _, err := mgr.RefreshCode(ctx, s.ID); !errors.Is(err, ErrSessionNotFound) {
			t.Errorf("RefreshCode() on closed session error = %v, want ErrSessionNotFound", err)
		}
	})
}

func TestDeleteSessionCascades(t *testing.T) {
	clock := newFakeClock(time.Date(2025, 1, 10, 9, 0, 0, 0, time.UTC))
	st := NewMemStore()
	mgr := NewManager(st, clock.Now)
	rc := NewReconciler(st, clock.Now)
	ctx := context.Background()

	s, err := mgr.CreateSession(ctx, validInput())
	if err != nil {
		t.Fatalf("CreateSession() failed: %v", err)
	}
	if _, err := rc.CheckIn(ctx, s.Code, "u1", nil); err != nil {
		t.Fatalf("CheckIn() failed: %v", err)
	}

	if err := mgr.DeleteSession(ctx, s.ID); err != nil {
		t.Fatalf("DeleteSession() failed: %v", err)
	}
	if _, err := mgr.GetSession(ctx, s.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("GetSession() after delete error = %v, want ErrSessionNotFound", err)
	}

	records, err := st.ListRecordsByUser(ctx, "u1")
	if err != nil {
		t.Fatalf("ListRecordsByUser() failed: %v", err)
	}
	if len(records) != 0 {
		t.Errorf("records after cascade = %d, want 0", len(records))
	}

	stats := ComputeStats("u1", records)
	if stats.Total != 0 {
		t.Errorf("stats after cascade should be zeroed, got %+v", stats)
	}
}
