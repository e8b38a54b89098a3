package domain

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestKindOf(t *testing.T) {
	base := errors.New("boom")
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"nil", nil, ""},
		{"exhausted", fmt.Errorf("rewrite: %w", ErrKeyPoolExhausted), KindExhausted},
		{"transient", Transient("ai", 503, base), KindTransient},
		{"rate limited", RateLimited("ai", time.Second, base), KindRateLimited},
		{"permanent wrapped", fmt.Errorf("stage: %w", Permanent("wp", 400, base)), KindPermanent},
		{"canceled", context.Canceled, KindCanceled},
		{"deadline", context.DeadlineExceeded, KindTransient},
		{"unclassified", base, KindTransient},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := KindOf(tc.err); got != tc.want {
				t.Fatalf("KindOf() = %q; want %q", got, tc.want)
			}
		})
	}
}

func TestCallError_UnwrapAndMessage(t *testing.T) {
	base := errors.New("quota")
	err := RateLimited("ai.complete", 30*time.Second, base)

	if !errors.Is(err, base) {
		t.Fatalf("CallError must unwrap to the cause")
	}
	if RetryAfterOf(err) != 30*time.Second {
		t.Fatalf("RetryAfterOf = %v", RetryAfterOf(err))
	}
	if StatusCodeOf(err) != 429 {
		t.Fatalf("StatusCodeOf = %d", StatusCodeOf(err))
	}
	if msg := err.Error(); !strings.Contains(msg, "ai.complete") || !strings.Contains(msg, "rate_limited") {
		t.Fatalf("unexpected message %q", msg)
	}
	if RetryAfterOf(base) != 0 || StatusCodeOf(base) != 0 {
		t.Fatalf("plain errors carry no hints")
	}
}

func TestErrorKind_Retryable(t *testing.T) {
	if !KindTransient.Retryable() || !KindRateLimited.Retryable() {
		t.Fatalf("transient and rate-limited are retryable")
	}
	if KindPermanent.Retryable() || KindExhausted.Retryable() || KindCanceled.Retryable() {
		t.Fatalf("permanent, exhausted and canceled are not retryable")
	}
}

func TestFromStatus(t *testing.T) {
	cause := errors.New("x")
	cases := []struct {
		status int
		want   ErrorKind
	}{
		{429, KindRateLimited},
		{408, KindTransient},
		{500, KindTransient},
		{503, KindTransient},
		{400, KindPermanent},
		{401, KindPermanent},
		{404, KindPermanent},
	}
	for _, c := range cases {
		err := FromStatus("op", c.status, 0, cause)
		if got := KindOf(err); got != c.want {
			t.Fatalf("FromStatus(%d) kind = %s; want %s", c.status, got, c.want)
		}
		if !errors.Is(err, cause) {
			t.Fatalf("FromStatus(%d) must wrap the cause", c.status)
		}
	}
	if got := RetryAfterOf(FromStatus("op", 429, 5*time.Second, cause)); got != 5*time.Second {
		t.Fatalf("retry hint lost: %v", got)
	}
}

func TestFromTransport(t *testing.T) {
	if FromTransport("op", nil) != nil {
		t.Fatalf("nil must stay nil")
	}
	if got := KindOf(FromTransport("op", context.Canceled)); got != KindCanceled {
		t.Fatalf("cancel kind = %s", got)
	}
	if got := KindOf(FromTransport("op", context.DeadlineExceeded)); got != KindTransient {
		t.Fatalf("deadline kind = %s", got)
	}
}
