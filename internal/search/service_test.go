package search

import (
	"context"
	"errors"
	"strings"
	"testing"

	"worldloom/api/internal/store"
)

type fakeEntityStore struct {
	search func(ctx context.Context, worldID, query string, limit int) ([]store.Entity, error)
	list   func(ctx context.Context, worldID, folderID string) ([]store.Entity, error)
}

func (f *fakeEntityStore) SearchEntities(ctx context.Context, worldID, query string, limit int) ([]store.Entity, error) {
	if f.search != nil {
		return f.search(ctx, worldID, query, limit)
	}
	return []store.Entity{}, nil
}

func (f *fakeEntityStore) ListEntities(ctx context.Context, worldID, folderID string) ([]store.Entity, error) {
	if f.list != nil {
		return f.list(ctx, worldID, folderID)
	}
	return []store.Entity{}, nil
}

func TestServiceFallsBackWithoutMeili(t *testing.T) {
	tplID := "tpl-1"
	fs := &fakeEntityStore{
		search: func(ctx context.Context, worldID, query string, limit int) ([]store.Entity, error) {
			if worldID != "w1" || query != "kara" {
				t.Fatalf("unexpected query: world=%s q=%s", worldID, query)
			}
			return []store.Entity{{
				ID:         "e1",
				WorldID:    worldID,
				Name:       "Kara",
				TemplateID: &tplID,
				Tags:       []string{"pilot"},
				Fields:     map[string]any{"backstory": "Raised among the cloud farms."},
			}}, nil
		},
	}
	svc := NewService(nil, NewFallback(fs))

	resp := svc.Search(Query{Text: "kara", WorldID: "w1", Limit: 10})
	if resp.Total != 1 || len(resp.Results) != 1 {
		t.Fatalf("got %d results", len(resp.Results))
	}
	got := resp.Results[0]
	if got.ID != "e1" || got.Name != "Kara" || got.TemplateID != "tpl-1" {
		t.Fatalf("result = %+v", got)
	}
	if got.Snippet != "Raised among the cloud farms." {
		t.Fatalf("snippet = %q", got.Snippet)
	}
	if resp.Query != "kara" {
		t.Fatalf("query echo = %q", resp.Query)
	}
}

func TestServiceReturnsEmptyEnvelopeOnStoreError(t *testing.T) {
	fs := &fakeEntityStore{
		search: func(ctx context.Context, worldID, query string, limit int) ([]store.Entity, error) {
			return nil, errors.New("connection refused")
		},
	}
	svc := NewService(nil, NewFallback(fs))

	resp := svc.Search(Query{Text: "anything", WorldID: "w1"})
	if resp.Results == nil || len(resp.Results) != 0 || resp.Total != 0 {
		t.Fatalf("resp = %+v, want empty non-nil results", resp)
	}
}

func TestRecordFromEntitySummary(t *testing.T) {
	long := strings.Repeat("history ", 60)
	entity := store.Entity{
		ID:      "e2",
		WorldID: "w1",
		Name:    "Aerodrome",
		Fields: map[string]any{
			"motto":   "short",
			"history": long,
			"count":   12.0,
		},
	}

	record := RecordFromEntity(entity)
	if len(record.Summary) != maxSummaryLen {
		t.Fatalf("summary length = %d, want capped at %d", len(record.Summary), maxSummaryLen)
	}
	if !strings.HasPrefix(record.Summary, "history ") {
		t.Fatalf("summary should come from the longest text field, got %q", record.Summary)
	}
}

func TestRecordFromEntityNilRefs(t *testing.T) {
	record := RecordFromEntity(store.Entity{ID: "e3", WorldID: "w1", Name: "Orphan"})
	if record.TemplateID != "" || record.FolderID != "" {
		t.Fatalf("record = %+v, want empty template/folder ids", record)
	}
	if record.Summary != "" {
		t.Fatalf("summary = %q", record.Summary)
	}
}
