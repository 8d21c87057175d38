package store

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewPostgresStore(db), mock
}

func TestGetMemberRole(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT role FROM world_members`).
		WithArgs("w1", "u1").
		WillReturnRows(sqlmock.NewRows([]string{"role"}).AddRow("editor"))

	role, err := s.GetMemberRole(context.Background(), "w1", "u1")
	if err != nil {
		t.Fatalf("GetMemberRole: %v", err)
	}
	if role != "editor" {
		t.Errorf("role = %q, want editor", role)
	}
}

func TestGetMemberRoleNoMembership(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT role FROM world_members`).
		WithArgs("w1", "stranger").
		WillReturnError(sql.ErrNoRows)

	_, err := s.GetMemberRole(context.Background(), "w1", "stranger")
	if !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("expected sql.ErrNoRows, got %v", err)
	}
}

func TestDeleteEntityMissingReturnsNoRows(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(`DELETE FROM entities`).
		WithArgs("e-missing", "w1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.DeleteEntity(context.Background(), "w1", "e-missing")
	if !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("expected sql.ErrNoRows for missing entity, got %v", err)
	}
}

func TestCountOwners(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM world_members`).
		WithArgs("w1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	count, err := s.CountOwners(context.Background(), "w1")
	if err != nil {
		t.Fatalf("CountOwners: %v", err)
	}
	if count != 1 {
		t.Errorf("count = %d, want 1", count)
	}
}

func TestAcceptInviteRejected(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(`accept_world_invite`).
		WithArgs("hash", "u1").
		WillReturnRows(sqlmock.NewRows([]string{"accepted", "world_id", "member_role"}).AddRow(false, nil, nil))

	result, err := s.AcceptInvite(context.Background(), "hash", "u1")
	if err != nil {
		t.Fatalf("AcceptInvite: %v", err)
	}
	if result.Accepted {
		t.Error("expected rejection for invalid token")
	}
	if result.WorldID != "" || result.Role != "" {
		t.Errorf("rejected acceptance must carry no world/role, got %+v", result)
	}
}

func TestAcceptInviteAccepted(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(`accept_world_invite`).
		WithArgs("hash", "u1").
		WillReturnRows(sqlmock.NewRows([]string{"accepted", "world_id", "member_role"}).AddRow(true, "w1", "editor"))

	result, err := s.AcceptInvite(context.Background(), "hash", "u1")
	if err != nil {
		t.Fatalf("AcceptInvite: %v", err)
	}
	if !result.Accepted || result.WorldID != "w1" || result.Role != "editor" {
		t.Errorf("unexpected acceptance: %+v", result)
	}
}

func TestListTemplateNamesInFolder(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT name FROM templates`).
		WithArgs("w1", "f1").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("Character").AddRow("Location"))

	names, err := s.ListTemplateNamesInFolder(context.Background(), "w1", "f1")
	if err != nil {
		t.Fatalf("ListTemplateNamesInFolder: %v", err)
	}
	if !names["Character"] || !names["Location"] || len(names) != 2 {
		t.Errorf("names = %v", names)
	}
}

func TestGetEntityDecodesJSON(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now()
	rows := sqlmock.NewRows([]string{"id", "world_id", "template_id", "folder_id", "name", "fields", "tags", "cover_path", "created_by", "created_at", "updated_at"}).
		AddRow("e1", "w1", nil, nil, "Mira", []byte(`{"age":30}`), []byte(`["hero"]`), "", "u1", now, now)
	mock.ExpectQuery(`SELECT .+ FROM entities`).
		WithArgs("e1", "w1").
		WillReturnRows(rows)

	entity, err := s.GetEntity(context.Background(), "w1", "e1")
	if err != nil {
		t.Fatalf("GetEntity: %v", err)
	}
	if entity.Fields["age"] != float64(30) {
		t.Errorf("fields = %v", entity.Fields)
	}
	if len(entity.Tags) != 1 || entity.Tags[0] != "hero" {
		t.Errorf("tags = %v", entity.Tags)
	}
}
