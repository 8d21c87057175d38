package search

import (
	"context"
	"log"
)

// Service is the facade that tries Meilisearch first and falls back to Postgres.
type Service struct {
	meili    *Meili
	fallback *Fallback
}

// NewService creates a search service. meili may be nil if Meilisearch is not configured.
func NewService(meili *Meili, fallback *Fallback) *Service {
	return &Service{meili: meili, fallback: fallback}
}

// Search tries Meilisearch if healthy, otherwise falls back to Postgres.
func (s *Service) Search(q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		log.Printf("search: meilisearch error, falling back to postgres: %v", err)
	}

	results, total, err := s.fallback.Search(q)
	if err != nil {
		log.Printf("search: postgres fallback error: %v", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexEntity indexes an entity (fire-and-forget to Meilisearch).
func (s *Service) IndexEntity(record EntityRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexEntity(record); err != nil {
			log.Printf("search: index entity %s: %v", record.ID, err)
		}
	}()
}

// DeleteEntity removes an entity from the search index (fire-and-forget).
func (s *Service) DeleteEntity(id string) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeleteEntity(id); err != nil {
			log.Printf("search: delete entity %s: %v", id, err)
		}
	}()
}

// ReindexWorld reads all of a world's entities from Postgres and pushes
// them to Meilisearch.
func (s *Service) ReindexWorld(ctx context.Context, worldID string) {
	if s.meili == nil || !s.meili.Healthy() || s.fallback == nil {
		return
	}
	records, err := s.fallback.LoadWorldRecords(ctx, worldID)
	if err != nil {
		log.Printf("search: reindex load for world %s failed: %v", worldID, err)
		return
	}
	if err := s.meili.IndexEntities(records); err != nil {
		log.Printf("search: reindex world %s: %v", worldID, err)
	}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
