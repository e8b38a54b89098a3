package repo

import (
	"context"
	"testing"
	"time"

	"github.com/tbourn/go-news-autopublisher/internal/domain"
)

func TestKeyStateStore_SaveOverwritesAndLoads(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	store := KeyStateStore{DB: db}
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	cool := now.Add(time.Minute)

	if err := store.SaveKeyState(ctx, domain.APIKeyState{KeyID: "key-b", WindowStart: now, RequestCount: 2, UpdatedAt: now}); err != nil {
		t.Fatalf("save b: %v", err)
	}
	if err := store.SaveKeyState(ctx, domain.APIKeyState{KeyID: "key-a", WindowStart: now, RequestCount: 1, UpdatedAt: now}); err != nil {
		t.Fatalf("save a: %v", err)
	}
	if err := store.SaveKeyState(ctx, domain.APIKeyState{KeyID: "key-a", WindowStart: now, RequestCount: 5, CooldownUntil: &cool, ConsecutiveFailures: 3, UpdatedAt: now}); err != nil {
		t.Fatalf("overwrite a: %v", err)
	}

	got, err := store.LoadKeyStates(ctx)
	if err != nil {
		t.Fatalf("LoadKeyStates: %v", err)
	}
	if len(got) != 2 || got[0].KeyID != "key-a" || got[1].KeyID != "key-b" {
		t.Fatalf("unexpected states: %+v", got)
	}
	a := got[0]
	if a.RequestCount != 5 || a.ConsecutiveFailures != 3 || a.CooldownUntil == nil || !a.CooldownUntil.Equal(cool) {
		t.Fatalf("overwrite not applied: %+v", a)
	}
}
