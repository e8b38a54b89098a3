package domain

import (
	"fmt"
	"strings"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite" // pure-Go SQLite (no CGO)
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newDomainDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	return db
}

func TestTableNames(t *testing.T) {
	cases := map[string]string{
		(ArticleRecord{}).TableName():  "article_records",
		(ArticlePayload{}).TableName(): "article_payloads",
		(FailureLog{}).TableName():     "failure_logs",
		(APIKeyState{}).TableName():    "api_key_states",
	}
	for got, want := range cases {
		if got != want {
			t.Fatalf("TableName() = %q; want %q", got, want)
		}
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to ArticleStatus
		want     bool
	}{
		{StatusSeen, StatusExtracted, true},
		{StatusExtracted, StatusRewritten, true},
		{StatusRewritten, StatusPublished, true},
		{StatusSeen, StatusPublished, true},
		{StatusSeen, StatusSeen, true},
		{StatusRewritten, StatusExtracted, false},
		{StatusPublished, StatusSeen, false},
		{StatusSeen, StatusFailed, true},
		{StatusRewritten, StatusFailed, true},
		{StatusPublished, StatusFailed, false},
		{StatusFailed, StatusSeen, true},
		{StatusFailed, StatusFailed, false},
		{StatusFailed, StatusPublished, false},
		{"bogus", StatusSeen, false},
	}
	for _, tc := range tests {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("CanTransition(%s, %s) = %v; want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestStatusHelpers(t *testing.T) {
	if StatusFailed.Rank() != -1 || StatusPublished.Rank() != 3 {
		t.Fatalf("unexpected ranks: failed=%d published=%d", StatusFailed.Rank(), StatusPublished.Rank())
	}
	for _, s := range []ArticleStatus{StatusSeen, StatusExtracted, StatusRewritten} {
		if !s.InFlight() {
			t.Fatalf("%s should be in flight", s)
		}
	}
	if StatusPublished.InFlight() || StatusFailed.InFlight() {
		t.Fatalf("published/failed must not be in flight")
	}
}

func TestArticleRecord_UniqueSourceKey(t *testing.T) {
	db := newDomainDB(t)
	if err := db.AutoMigrate(&ArticleRecord{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	now := time.Now().UTC()
	a := ArticleRecord{ID: "a1", SourceID: "s1", ArticleKey: strings.Repeat("a", 64), Status: StatusSeen, FirstSeenAt: now, LastUpdatedAt: now}
	if err := db.Create(&a).Error; err != nil {
		t.Fatalf("create first: %v", err)
	}
	b := a
	b.ID = "a2"
	if err := db.Create(&b).Error; err == nil {
		t.Fatalf("expected unique violation on (source_id, article_key)")
	}
	// Same key under another source is a different article.
	c := a
	c.ID = "a3"
	c.SourceID = "s2"
	if err := db.Create(&c).Error; err != nil {
		t.Fatalf("create other source: %v", err)
	}
}

func TestAPIKeyState_Eligible(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	later := now.Add(time.Minute)
	earlier := now.Add(-time.Second)

	if !(APIKeyState{RequestCount: 0}).Eligible(now, 1) {
		t.Fatalf("fresh key should be eligible")
	}
	if (APIKeyState{RequestCount: 1}).Eligible(now, 1) {
		t.Fatalf("key at limit must not be eligible")
	}
	if (APIKeyState{CooldownUntil: &later}).Eligible(now, 5) {
		t.Fatalf("cooling key must not be eligible")
	}
	if !(APIKeyState{CooldownUntil: &earlier}).Eligible(now, 5) {
		t.Fatalf("expired cooldown should be eligible")
	}
	if !(APIKeyState{CooldownUntil: &now}).Eligible(now, 5) {
		t.Fatalf("cooldown ending exactly now should be eligible")
	}
}
