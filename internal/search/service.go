package search

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"

	"modledger/api/internal/moderation"
)

// Service tries Meilisearch first and falls back to the Lookup. It
// implements moderation.ReportIndexer and moderation.ReportSearcher.
type Service struct {
	meili  *Meili
	lookup Lookup
}

// NewService creates a search service. meili may be nil if Meilisearch is
// not configured.
func NewService(meili *Meili, lookup Lookup) *Service {
	return &Service{meili: meili, lookup: lookup}
}

func (s *Service) indexAvailable() bool {
	return s.meili != nil && s.meili.Healthy()
}

func (s *Service) SearchReports(ctx context.Context, text string, limit int) ([]moderation.Report, error) {
	if s.indexAvailable() {
		ids, err := s.meili.SearchIDs(text, limit)
		if err == nil {
			return s.hydrate(ctx, ids)
		}
		log.Warn().Err(err).Msg("search: meilisearch error, falling back to postgres")
	}
	return s.lookup.SearchReports(ctx, text, limit)
}

// hydrate loads the authoritative rows for index hits. Ids the index knows
// but the database does not are skipped.
func (s *Service) hydrate(ctx context.Context, ids []string) ([]moderation.Report, error) {
	reports := make([]moderation.Report, 0, len(ids))
	for _, id := range ids {
		r, err := s.lookup.GetReport(ctx, id)
		if errors.Is(err, moderation.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		reports = append(reports, r)
	}
	return reports, nil
}

// IndexReport pushes a report to Meilisearch (fire-and-forget).
func (s *Service) IndexReport(report moderation.Report) {
	if !s.indexAvailable() {
		return
	}
	record := recordFromReport(report)
	go func() {
		if err := s.meili.IndexReports([]ReportRecord{record}); err != nil {
			log.Warn().Err(err).Str("report_id", record.ID).Msg("search: index report")
		}
	}()
}

// Reindex reads the queue from the database and pushes it to Meilisearch.
// Called at startup so the index converges after an outage.
func (s *Service) Reindex(ctx context.Context) {
	if !s.indexAvailable() {
		return
	}
	reports, err := s.lookup.ListReports(ctx, moderation.ReportFilter{Limit: 10_000})
	if err != nil {
		log.Warn().Err(err).Msg("search: reindex load failed")
		return
	}
	records := make([]ReportRecord, len(reports))
	for i, r := range reports {
		records[i] = recordFromReport(r)
	}
	if err := s.meili.IndexReports(records); err != nil {
		log.Warn().Err(err).Msg("search: reindex reports")
		return
	}
	log.Info().Int("reports", len(records)).Msg("search: reindexed reports")
}
