package attendance

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemStore is an in-memory Store and Roster for dev mode and tests, selected
// with STORE_BACKEND=memory.
type MemStore struct {
	mu       sync.RWMutex
	sessions map[string]Session
	records  map[recordKey]Record
	students map[string]Student
}

type recordKey struct {
	userID string
	date   time.Time
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		sessions: make(map[string]Session),
		records:  make(map[recordKey]Record),
		students: make(map[string]Student),
	}
}

var _ Store = (*MemStore)(nil)
var _ Roster = (*MemStore)(nil)

// CreateSession inserts a session after deactivating any active session for
// the same batch.
func (m *MemStore) CreateSession(_ context.Context, s Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, existing := range m.sessions {
		if existing.Batch == s.Batch && existing.Active {
			existing.Active = false
			m.sessions[id] = existing
		}
	}
	m.sessions[s.ID] = s
	return nil
}

// GetSession returns a session by id.
func (m *MemStore) GetSession(_ context.Context, id string) (Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	return s, nil
}

// GetSessionByCode resolves a session from the full credential.
func (m *MemStore) GetSessionByCode(_ context.Context, code string) (Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.sessions {
		if s.Code == code {
			return s, nil
		}
	}
	return Session{}, ErrSessionNotFound
}

// UpdateSessionCode rotates a session's credential.
func (m *MemStore) UpdateSessionCode(_ context.Context, id, code string, issuedAt, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	s.Code = code
	s.CodeIssuedAt = issuedAt
	s.CodeExpiresAt = expiresAt
	m.sessions[id] = s
	return nil
}

// CloseSession marks a session inactive.
func (m *MemStore) CloseSession(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	s.Active = false
	m.sessions[id] = s
	return nil
}

// DeleteSession removes a session and cascades to its records.
func (m *MemStore) DeleteSession(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return ErrSessionNotFound
	}
	delete(m.sessions, id)
	for k, rec := range m.records {
		if rec.SessionID != nil && *rec.SessionID == id {
			delete(m.records, k)
		}
	}
	return nil
}

// ListSessions returns a batch's sessions, newest first.
func (m *MemStore) ListSessions(_ context.Context, batch Batch, activeOnly bool) ([]Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var res []Session
	for _, s := range m.sessions {
		if s.Batch != batch {
			continue
		}
		if activeOnly && !s.Active {
			continue
		}
		res = append(res, s)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Date.After(res[j].Date) })
	return res, nil
}

// UpsertRecord replaces the fact for (user_id, date).
func (m *MemStore) UpsertRecord(_ context.Context, rec Record) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[recordKey{rec.UserID, rec.Date}] = rec
	return rec, nil
}

// DeleteRecord removes one record within the manual or session scope.
func (m *MemStore) DeleteRecord(_ context.Context, userID string, date time.Time, manual bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := recordKey{userID, date}
	rec, ok := m.records[k]
	if !ok || rec.Manual() != manual {
		return ErrRecordNotFound
	}
	delete(m.records, k)
	return nil
}

// ListRecordsByUser returns a student's records ordered by date ascending.
func (m *MemStore) ListRecordsByUser(_ context.Context, userID string) ([]Record, error) {
	return m.filterRecords(func(r Record) bool { return r.UserID == userID }), nil
}

// ListRecordsBySession returns all records for one session.
func (m *MemStore) ListRecordsBySession(_ context.Context, sessionID string) ([]Record, error) {
	return m.filterRecords(func(r Record) bool {
		return r.SessionID != nil && *r.SessionID == sessionID
	}), nil
}

// ListRecordsByBatch returns every record for a batch.
func (m *MemStore) ListRecordsByBatch(_ context.Context, batch Batch) ([]Record, error) {
	return m.filterRecords(func(r Record) bool { return r.Batch == batch }), nil
}

func (m *MemStore) filterRecords(keep func(Record) bool) []Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var res []Record
	for _, r := range m.records {
		if keep(r) {
			res = append(res, r)
		}
	}
	sort.Slice(res, func(i, j int) bool {
		if !res[i].Date.Equal(res[j].Date) {
			return res[i].Date.Before(res[j].Date)
		}
		return res[i].UserID < res[j].UserID
	})
	return res
}

// StudentsByBatch returns the roster for a batch ordered by roll number.
func (m *MemStore) StudentsByBatch(_ context.Context, batch Batch) ([]Student, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var res []Student
	for _, st := range m.students {
		if st.Batch == batch {
			res = append(res, st)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].RollNumber < res[j].RollNumber })
	return res, nil
}

// UpsertStudent adds or replaces a roster entry.
func (m *MemStore) UpsertStudent(_ context.Context, st Student) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.students[st.UserID] = st
	return nil
}
