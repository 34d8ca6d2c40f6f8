package moderation

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"modledger/api/internal/rbac"
)

type ModeratorStats struct {
	ModeratorID    string  `json:"moderatorId"`
	TotalActions   int     `json:"totalActions"`
	TotalReversals int     `json:"totalReversals"`
	ReversalRate   float64 `json:"reversalRate"`
	SelfReversals  int     `json:"selfReversals"`
}

type ActionTypeStats struct {
	ActionType   ActionKind `json:"actionType"`
	Total        int        `json:"total"`
	Reversed     int        `json:"reversed"`
	ReversalRate float64    `json:"reversalRate"`
}

// DurationStats are expressed in hours.
type DurationStats struct {
	Avg    float64 `json:"avg"`
	Median float64 `json:"median"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
}

type ReversalMetrics struct {
	Start          time.Time         `json:"start"`
	End            time.Time         `json:"end"`
	TotalActions   int               `json:"totalActions"`
	TotalReversals int               `json:"totalReversals"`
	OverallRate    float64           `json:"overallRate"`
	PerModerator   []ModeratorStats  `json:"perModerator"`
	TimeToReversal DurationStats     `json:"timeToReversal"`
	ByActionType   []ActionTypeStats `json:"byActionType"`
}

type AuditExport struct {
	Key     string    `json:"key"`
	Start   time.Time `json:"start"`
	End     time.Time `json:"end"`
	Actions int       `json:"actions"`
}

func validWindow(start, end time.Time) error {
	if start.IsZero() || end.IsZero() {
		return validationError("start", "start and end are required")
	}
	if !end.After(start) {
		return validationError("end", "end must be after start")
	}
	return nil
}

// ReversalMetrics summarizes how often actions created in [start, end] were
// reversed.
func (s *Service) ReversalMetrics(ctx context.Context, actor Actor, start, end time.Time) (ReversalMetrics, error) {
	if err := s.require(actor, rbac.CapViewAudit); err != nil {
		return ReversalMetrics{}, err
	}
	if err := validWindow(start, end); err != nil {
		return ReversalMetrics{}, err
	}
	actions, err := s.reader.ListActions(ctx, start, end)
	if err != nil {
		return ReversalMetrics{}, err
	}
	return ComputeReversalMetrics(actions, start, end), nil
}

// ComputeReversalMetrics aggregates a slice of ledger entries.
func ComputeReversalMetrics(actions []Action, start, end time.Time) ReversalMetrics {
	out := ReversalMetrics{
		Start:        start,
		End:          end,
		TotalActions: len(actions),
		PerModerator: []ModeratorStats{},
		ByActionType: []ActionTypeStats{},
	}
	byModerator := make(map[string]*ModeratorStats)
	byKind := make(map[ActionKind]*ActionTypeStats)
	var hours []float64

	for _, a := range actions {
		m, ok := byModerator[a.ModeratorID]
		if !ok {
			m = &ModeratorStats{ModeratorID: a.ModeratorID}
			byModerator[a.ModeratorID] = m
		}
		k, ok := byKind[a.Kind]
		if !ok {
			k = &ActionTypeStats{ActionType: a.Kind}
			byKind[a.Kind] = k
		}
		m.TotalActions++
		k.Total++
		if !a.Reversed() {
			continue
		}
		out.TotalReversals++
		m.TotalReversals++
		k.Reversed++
		if a.Metadata.IsSelfReversal {
			m.SelfReversals++
		}
		hours = append(hours, a.RevokedAt.Sub(a.CreatedAt).Hours())
	}

	out.OverallRate = percent(out.TotalReversals, out.TotalActions)
	for _, m := range byModerator {
		m.ReversalRate = percent(m.TotalReversals, m.TotalActions)
		out.PerModerator = append(out.PerModerator, *m)
	}
	sort.Slice(out.PerModerator, func(i, j int) bool {
		a, b := out.PerModerator[i], out.PerModerator[j]
		if a.TotalActions != b.TotalActions {
			return a.TotalActions > b.TotalActions
		}
		return a.ModeratorID < b.ModeratorID
	})
	for _, k := range byKind {
		k.ReversalRate = percent(k.Reversed, k.Total)
		out.ByActionType = append(out.ByActionType, *k)
	}
	sort.Slice(out.ByActionType, func(i, j int) bool {
		return out.ByActionType[i].ActionType < out.ByActionType[j].ActionType
	})
	out.TimeToReversal = durationStats(hours)
	return out
}

func percent(part, total int) float64 {
	if total == 0 {
		return 0
	}
	return round2(float64(part) * 100 / float64(total))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func durationStats(hours []float64) DurationStats {
	if len(hours) == 0 {
		return DurationStats{}
	}
	sorted := append([]float64(nil), hours...)
	sort.Float64s(sorted)
	var sum float64
	for _, h := range sorted {
		sum += h
	}
	n := len(sorted)
	median := sorted[n/2]
	if n%2 == 0 {
		median = (sorted[n/2-1] + sorted[n/2]) / 2
	}
	return DurationStats{
		Avg:    round2(sum / float64(n)),
		Median: round2(median),
		Min:    round2(sorted[0]),
		Max:    round2(sorted[n-1]),
	}
}

// ExportAudit archives the ledger slice for [start, end] and returns the
// object key it was written under.
func (s *Service) ExportAudit(ctx context.Context, actor Actor, start, end time.Time) (AuditExport, error) {
	if err := s.require(actor, rbac.CapViewAudit); err != nil {
		return AuditExport{}, err
	}
	if err := validWindow(start, end); err != nil {
		return AuditExport{}, err
	}
	if s.archive == nil {
		return AuditExport{}, newError(ErrTransient, "ARCHIVE_UNAVAILABLE", "audit archive is not configured", nil)
	}
	actions, err := s.reader.ListActions(ctx, start, end)
	if err != nil {
		return AuditExport{}, err
	}
	key, err := s.archive.PutAudit(ctx, start, end, actions)
	if err != nil {
		return AuditExport{}, err
	}
	log.Info().Str("key", key).Int("actions", len(actions)).Str("actor_id", actor.ID).Msg("audit exported")
	return AuditExport{Key: key, Start: start, End: end, Actions: len(actions)}, nil
}
