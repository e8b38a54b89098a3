package repo

import (
	"context"
	"errors"
	"testing"

	"github.com/tbourn/go-news-autopublisher/internal/domain"
)

func TestGetPublishReceipt_EmptyTokenIsNotFound(t *testing.T) {
	db := newTestDB(t)
	if _, err := GetPublishReceipt(context.Background(), db, "  "); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPublishReceipt_CreateGetAndDuplicate(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	if _, err := GetPublishReceipt(ctx, db, "tok"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound before create, got %v", err)
	}

	post := domain.PublishedPost{ID: 7, URL: "https://wp.example/?p=7"}
	rec, err := CreatePublishReceipt(ctx, db, "tok", "s1", post)
	if err != nil {
		t.Fatalf("CreatePublishReceipt: %v", err)
	}
	if rec.ID == "" || rec.PostID != 7 {
		t.Fatalf("unexpected receipt: %+v", rec)
	}

	got, err := GetPublishReceipt(ctx, db, "tok")
	if err != nil {
		t.Fatalf("GetPublishReceipt: %v", err)
	}
	if got.PostID != 7 || got.PostURL != post.URL || got.SourceID != "s1" {
		t.Fatalf("unexpected stored receipt: %+v", got)
	}

	if _, err := CreatePublishReceipt(ctx, db, "tok", "s1", domain.PublishedPost{ID: 8}); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
}

func TestIsUniqueViolation(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("UNIQUE constraint failed: publish_receipts.token"), true},
		{errors.New("constraint failed: UNIQUE constraint failed (2067)"), true},
		{errors.New("disk I/O error"), false},
	}
	for _, c := range cases {
		if got := isUniqueViolation(c.err); got != c.want {
			t.Fatalf("isUniqueViolation(%v) = %v; want %v", c.err, got, c.want)
		}
	}
}
