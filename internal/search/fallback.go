package search

import (
	"context"

	"worldloom/api/internal/store"
)

// EntityStore is the slice of the data layer the fallback needs.
type EntityStore interface {
	SearchEntities(ctx context.Context, worldID, query string, limit int) ([]store.Entity, error)
	ListEntities(ctx context.Context, worldID, folderID string) ([]store.Entity, error)
}

// Fallback searches entities directly in Postgres when Meilisearch is down.
type Fallback struct {
	store EntityStore
}

func NewFallback(entityStore EntityStore) *Fallback {
	return &Fallback{store: entityStore}
}

// Healthy always reports true; Postgres being down fails the whole request
// long before search does.
func (f *Fallback) Healthy() bool { return true }

// Search runs a name match against Postgres and maps rows to results.
func (f *Fallback) Search(q Query) ([]Result, int, error) {
	entities, err := f.store.SearchEntities(context.Background(), q.WorldID, q.Text, q.Limit)
	if err != nil {
		return nil, 0, err
	}
	results := make([]Result, 0, len(entities))
	for _, entity := range entities {
		results = append(results, entityToResult(entity))
	}
	return results, len(results), nil
}

// LoadWorldRecords reads every entity of a world for bulk reindexing.
func (f *Fallback) LoadWorldRecords(ctx context.Context, worldID string) ([]EntityRecord, error) {
	entities, err := f.store.ListEntities(ctx, worldID, "")
	if err != nil {
		return nil, err
	}
	records := make([]EntityRecord, 0, len(entities))
	for _, entity := range entities {
		records = append(records, RecordFromEntity(entity))
	}
	return records, nil
}

func entityToResult(entity store.Entity) Result {
	record := RecordFromEntity(entity)
	return Result{
		ID:         record.ID,
		WorldID:    record.WorldID,
		Name:       record.Name,
		Snippet:    record.Summary,
		TemplateID: record.TemplateID,
		FolderID:   record.FolderID,
		Tags:       record.Tags,
	}
}

// RecordFromEntity projects a stored entity into its indexable form.
// The summary is taken from the entity's text field values.
func RecordFromEntity(entity store.Entity) EntityRecord {
	record := EntityRecord{
		ID:      entity.ID,
		WorldID: entity.WorldID,
		Name:    entity.Name,
		Tags:    entity.Tags,
	}
	if entity.TemplateID != nil {
		record.TemplateID = *entity.TemplateID
	}
	if entity.FolderID != nil {
		record.FolderID = *entity.FolderID
	}
	record.Summary = summarize(entity.Fields)
	return record
}

const maxSummaryLen = 280

func summarize(fields map[string]any) string {
	summary := ""
	for _, value := range fields {
		text, ok := value.(string)
		if !ok || text == "" {
			continue
		}
		if len(text) > len(summary) {
			summary = text
		}
	}
	if len(summary) > maxSummaryLen {
		summary = summary[:maxSummaryLen]
	}
	return summary
}
