package attendance

import (
	"strings"
	"testing"
	"time"
)

func TestNewCode(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		code, err := NewCode()
		if err != nil {
			t.Fatalf("NewCode() failed: %v", err)
		}
		if len(code) != codeLen {
			t.Errorf("NewCode() length = %d, want %d", len(code), codeLen)
		}
		for _, r := range code {
			if !strings.ContainsRune(codeAlphabet, r) {
				t.Errorf("NewCode() produced %q outside the alphabet", r)
			}
		}
		if seen[code] {
			t.Errorf("NewCode() repeated %q", code)
		}
		seen[code] = true
	}
}

func TestShortCode(t *testing.T) {
	tests := []struct {
		name string
		code string
		want string
	}{
		{
			name: "last 8 characters uppercased",
			code: "abcdefghjkmnpqrstuvwxyz2",
			want: "TUVWXYZ2",
		},
		{
			name: "short code of a short credential is the whole thing",
			code: "abc",
			want: "ABC",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := Session{Code: tt.code}
			if got := s.ShortCode(); got != tt.want {
				t.Errorf("ShortCode() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCodeExpiry(t *testing.T) {
	issued := time.Date(2025, 1, 10, 9, 0, 0, 0, time.UTC)
	s := Session{
		CodeIssuedAt:  issued,
		CodeExpiresAt: issued.Add(5 * time.Minute),
	}

	tests := []struct {
		name        string
		now         time.Time
		wantExpired bool
		wantRemain  time.Duration
	}{
		{
			name:        "just issued",
			now:         issued,
			wantExpired: false,
			wantRemain:  5 * time.Minute,
		},
		{
			name:        "one second before expiry",
			now:         issued.Add(5*time.Minute - time.Second),
			wantExpired: false,
			wantRemain:  time.Second,
		},
		{
			name:        "exactly at expiry",
			now:         issued.Add(5 * time.Minute),
			wantExpired: false,
			wantRemain:  0,
		},
		{
			name:        "past expiry",
			now:         issued.Add(5*time.Minute + time.Second),
			wantExpired: true,
			wantRemain:  0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := s.CodeExpired(tt.now); got != tt.wantExpired {
				t.Errorf("CodeExpired() = %v, want %v", got, tt.wantExpired)
			}
			if got := CodeRemaining(&s, tt.now); got != tt.wantRemain {
				t.Errorf("CodeRemaining() = %v, want %v", got, tt.wantRemain)
			}
		})
	}
}
