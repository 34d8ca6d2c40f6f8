// Package search keeps a Meilisearch projection of the report queue and
// answers free-text queries over it, falling back to Postgres when the index
// is unavailable.
package search

import (
	"context"
	"time"

	"modledger/api/internal/moderation"
)

// ReportRecord is the data we index for a report.
type ReportRecord struct {
	ID               string `json:"id"`
	Kind             string `json:"kind"`
	TargetID         string `json:"targetId"`
	Reason           string `json:"reason"`
	Status           string `json:"status"`
	Priority         int    `json:"priority"`
	Description      string `json:"description"`
	ResolutionNotes  string `json:"resolutionNotes"`
	ModeratorFlagged bool   `json:"moderatorFlagged"`
	CreatedAt        int64  `json:"createdAt"`
}

func recordFromReport(r moderation.Report) ReportRecord {
	return ReportRecord{
		ID:               r.ID,
		Kind:             string(r.Kind),
		TargetID:         r.TargetID,
		Reason:           string(r.Reason),
		Status:           string(r.Status),
		Priority:         r.Priority,
		Description:      r.Description,
		ResolutionNotes:  r.ResolutionNotes,
		ModeratorFlagged: r.ModeratorFlagged,
		CreatedAt:        r.CreatedAt.UTC().Truncate(time.Second).Unix(),
	}
}

// Lookup is the authoritative source search results are hydrated from, and
// the fallback searcher.
type Lookup interface {
	GetReport(ctx context.Context, id string) (moderation.Report, error)
	ListReports(ctx context.Context, filter moderation.ReportFilter) ([]moderation.Report, error)
	SearchReports(ctx context.Context, text string, limit int) ([]moderation.Report, error)
}
