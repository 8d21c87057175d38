package session

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func setupTestRedis(t *testing.T) *RedisStore {
	t.Helper()
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	return NewRedisStoreWithClient(client)
}

func TestSaveAndLookupRefreshSession(t *testing.T) {
	store := setupTestRedis(t)
	ctx := context.Background()

	identity := Identity{UserID: "u1", DisplayName: "Mira"}
	if err := store.SaveRefreshSession(ctx, "hash-1", identity, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("SaveRefreshSession: %v", err)
	}

	got, err := store.LookupRefreshSession(ctx, "hash-1")
	if err != nil {
		t.Fatalf("LookupRefreshSession: %v", err)
	}
	if got.UserID != "u1" || got.DisplayName != "Mira" {
		t.Errorf("identity = %+v", got)
	}
}

func TestLookupUnknownToken(t *testing.T) {
	store := setupTestRedis(t)
	if _, err := store.LookupRefreshSession(context.Background(), "nope"); err == nil {
		t.Error("expected error for unknown token")
	}
}

func TestRevokeRefreshSession(t *testing.T) {
	store := setupTestRedis(t)
	ctx := context.Background()

	if err := store.SaveRefreshSession(ctx, "hash-2", Identity{UserID: "u2"}, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("SaveRefreshSession: %v", err)
	}
	if err := store.RevokeRefreshSession(ctx, "hash-2"); err != nil {
		t.Fatalf("RevokeRefreshSession: %v", err)
	}
	if _, err := store.LookupRefreshSession(ctx, "hash-2"); err == nil {
		t.Error("expected revoked token to be gone")
	}
}

func TestRefreshSessionExpires(t *testing.T) {
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	store := NewRedisStoreWithClient(client)
	ctx := context.Background()

	if err := store.SaveRefreshSession(ctx, "hash-3", Identity{UserID: "u3"}, time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("SaveRefreshSession: %v", err)
	}

	// Fast-forward past the TTL in miniredis
	s.FastForward(2 * time.Minute)

	if _, err := store.LookupRefreshSession(ctx, "hash-3"); err == nil {
		t.Error("expected expired token to be gone")
	}
}
