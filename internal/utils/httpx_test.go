package utils

import (
	"net/http"
	"strings"
	"testing"
	"time"
)

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	cases := []struct {
		in   string
		want time.Duration
	}{
		{"", 0},
		{"30", 30 * time.Second},
		{" 5 ", 5 * time.Second},
		{"-1", 0},
		{"soon", 0},
		{now.Add(90 * time.Second).Format(http.TimeFormat), 90 * time.Second},
		{now.Add(-time.Minute).Format(http.TimeFormat), 0},
	}
	for _, tc := range cases {
		if got := ParseRetryAfter(tc.in, now); got != tc.want {
			t.Fatalf("ParseRetryAfter(%q) = %v; want %v", tc.in, got, tc.want)
		}
	}
}

func TestErrorBody(t *testing.T) {
	got := ErrorBody(strings.NewReader("  {\"code\":\n \"rest_forbidden\"}  "))
	if got != `{"code": "rest_forbidden"}` {
		t.Fatalf("ErrorBody = %q", got)
	}
	long := ErrorBody(strings.NewReader(strings.Repeat("x", 2000)))
	if len(long) != maxErrorBody {
		t.Fatalf("ErrorBody must cap at %d, got %d", maxErrorBody, len(long))
	}
}
