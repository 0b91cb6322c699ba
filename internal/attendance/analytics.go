package attendance

import (
	"context"
	"math"
	"sort"
)

// Ranking thresholds. Design constants, not configuration.
const (
	TopPerformerPct = 90
	AtRiskPct       = 75
)

// ComputeStats derives a student's statistics from their full record set.
// Records must be ordered by date ascending. Streaks count consecutive
// session-dates with a non-absent status; calendar gaps between sessions do
// not break a streak, an absent record does. Empty input yields zeroed
// stats, never an error.
func ComputeStats(userID string, records []Record) StudentStats {
	st := StudentStats{UserID: userID}
	streak := 0
	for _, rec := range records {
		st.Total++
		switch rec.Status {
		case StatusPresent:
			st.Present++
		case StatusLate:
			st.Late++
		case StatusAbsent:
			st.Absent++
		}
		if rec.Status.Attending() {
			streak++
			if streak > st.MaxStreak {
				st.MaxStreak = streak
			}
		} else {
			streak = 0
		}
		switch rec.Method {
		case MethodQR:
			st.QRMarked++
		case MethodManual:
			st.ManualMarked++
		}
		if rec.LocationVerified && rec.Method == MethodQR {
			st.LocationVerified++
		}
	}
	st.CurrentStreak = streak
	if st.Total > 0 {
		st.Percentage = int(math.Round(100 * float64(st.Present+st.Late) / float64(st.Total)))
	}
	return st
}

// ComputeBatchStats averages per-session attend-rate across a batch's
// sessions. A session with no records contributes a zero rate. TotalPresent
// counts strictly present records so it stays distinguishable from the
// late-inclusive rate. Zero sessions yields zeroed stats.
func ComputeBatchStats(sessions []Session, records []Record) BatchStats {
	bs := BatchStats{Sessions: len(sessions)}
	if len(sessions) == 0 {
		return bs
	}

	type tally struct{ attending, total int }
	perSession := make(map[string]*tally, len(sessions))
	for _, s := range sessions {
		perSession[s.ID] = &tally{}
	}
	for _, rec := range records {
		if rec.Status == StatusPresent {
			bs.TotalPresent++
		}
		if rec.SessionID == nil {
			continue
		}
		t, ok := perSession[*rec.SessionID]
		if !ok {
			continue
		}
		t.total++
		if rec.Status.Attending() {
			t.attending++
		}
	}

	var sum float64
	for _, t := range perSession {
		if t.total > 0 {
			sum += float64(t.attending) / float64(t.total)
		}
	}
	bs.AvgRate = sum / float64(len(sessions))
	return bs
}

// RankStudents orders stats by percentage descending, ties broken by present
// count descending, then by user id for a stable order.
func RankStudents(stats []StudentStats) []StudentStats {
	ranked := make([]StudentStats, len(stats))
	copy(ranked, stats)
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Percentage != ranked[j].Percentage {
			return ranked[i].Percentage > ranked[j].Percentage
		}
		if ranked[i].Present != ranked[j].Present {
			return ranked[i].Present > ranked[j].Present
		}
		return ranked[i].UserID < ranked[j].UserID
	})
	return ranked
}

// TopPerformers filters ranked stats to percentage >= 90.
func TopPerformers(ranked []StudentStats) []StudentStats {
	var out []StudentStats
	for _, st := range ranked {
		if st.Percentage >= TopPerformerPct && st.Total > 0 {
			out = append(out, st)
		}
	}
	return out
}

// AtRisk filters ranked stats to percentage < 75.
func AtRisk(ranked []StudentStats) []StudentStats {
	var out []StudentStats
	for _, st := range ranked {
		if st.Percentage < AtRiskPct {
			out = append(out, st)
		}
	}
	return out
}

// Aggregator answers reporting queries by re-deriving from stored records.
// Nothing is rolled up incrementally; query cost scales with record count,
// which is fine at club scale.
type Aggregator struct {
	store  Store
	roster Roster
}

// NewAggregator creates an aggregator over a store and roster.
func NewAggregator(store Store, roster Roster) *Aggregator {
	return &Aggregator{store: store, roster: roster}
}

// StudentStats recomputes one student's statistics.
func (a *Aggregator) StudentStats(ctx context.Context, userID string) (StudentStats, error) {
	records, err := a.store.ListRecordsByUser(ctx, userID)
	if err != nil {
		return StudentStats{}, err
	}
	return ComputeStats(userID, records), nil
}

// BatchStats recomputes a batch's aggregate statistics.
func (a *Aggregator) BatchStats(ctx context.Context, batch Batch) (BatchStats, error) {
	sessions, err := a.store.ListSessions(ctx, batch, false)
	if err != nil {
		return BatchStats{}, err
	}
	records, err := a.store.ListRecordsByBatch(ctx, batch)
	if err != nil {
		return BatchStats{}, err
	}
	return ComputeBatchStats(sessions, records), nil
}

// Rankings returns the batch roster ranked by attendance percentage.
func (a *Aggregator) Rankings(ctx context.Context, batch Batch) ([]StudentStats, error) {
	stats, err := a.batchStudentStats(ctx, batch)
	if err != nil {
		return nil, err
	}
	return RankStudents(stats), nil
}

// Report builds the flat rows handed to external CSV rendering.
func (a *Aggregator) Report(ctx context.Context, batch Batch) ([]ReportRow, error) {
	students, err := a.roster.StudentsByBatch(ctx, batch)
	if err != nil {
		return nil, err
	}
	records, err := a.store.ListRecordsByBatch(ctx, batch)
	if err != nil {
		return nil, err
	}
	byUser := groupByUser(records)

	rows := make([]ReportRow, 0, len(students))
	for _, st := range students {
		rows = append(rows, ReportRow{
			RollNumber:   st.RollNumber,
			Name:         st.Name,
			UserID:       st.UserID,
			StudentStats: ComputeStats(st.UserID, byUser[st.UserID]),
		})
	}
	return rows, nil
}

func (a *Aggregator) batchStudentStats(ctx context.Context, batch Batch) ([]StudentStats, error) {
	records, err := a.store.ListRecordsByBatch(ctx, batch)
	if err != nil {
		return nil, err
	}
	byUser := groupByUser(records)
	stats := make([]StudentStats, 0, len(byUser))
	for userID, recs := range byUser {
		stats = append(stats, ComputeStats(userID, recs))
	}
	return stats, nil
}

// groupByUser preserves the incoming date-ascending order within each user.
func groupByUser(records []Record) map[string][]Record {
	byUser := make(map[string][]Record)
	for _, rec := range records {
		byUser[rec.UserID] = append(byUser[rec.UserID], rec)
	}
	return byUser
}
