package llm

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestTrackerCancel(t *testing.T) {
	tr := NewTracker()
	ctx, done := tr.Begin(context.Background(), "req_1")
	defer done()

	if ids := tr.InFlight(); len(ids) != 1 || ids[0] != "req_1" {
		t.Fatalf("expected [req_1] in flight, got %v", ids)
	}
	if !tr.Cancel("req_1") {
		t.Fatal("expected cancel to find the request")
	}
	select {
	case <-ctx.Done():
		if !errors.Is(ctx.Err(), context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", ctx.Err())
		}
	case <-time.After(time.Second):
		t.Fatal("context not cancelled")
	}
	if tr.Cancel("req_1") {
		t.Error("expected second cancel to report false")
	}
}

func TestTrackerDoneRemoves(t *testing.T) {
	tr := NewTracker()
	_, done := tr.Begin(context.Background(), "req_2")
	done()
	if len(tr.InFlight()) != 0 {
		t.Errorf("expected nothing in flight, got %v", tr.InFlight())
	}
	if tr.Cancel("req_2") {
		t.Error("expected finished request not cancellable")
	}
}

func TestAPIErrorTemporaryTracker(t *testing.T) {
	tests := []struct {
		status int
		want   bool
	}{
		{429, true},
		{500, true},
		{503, true},
		{400, false},
		{401, false},
	}
	for _, tt := range tests {
		err := &APIError{StatusCode: tt.status}
		if got := err.Temporary(); got != tt.want {
			t.Errorf("status %d: expected %v, got %v", tt.status, tt.want, got)
		}
	}
}
