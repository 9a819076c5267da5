package api

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/davidahmann/docflow/pkg/types"
)

func TestIdemReserveWaitsForCompletion(t *testing.T) {
	store := NewInMemoryIdemStore()
	ctx := context.Background()

	if _, replay, err := store.Reserve(ctx, "b1-mgr", "k1"); err != nil || replay {
		t.Fatalf("first reserve: replay=%v err=%v", replay, err)
	}
	if _, ok := store.Get("b1-mgr", "k1"); ok {
		t.Fatalf("reserved key must not read as completed")
	}

	got := make(chan IdemRecord, 1)
	go func() {
		rec, replay, err := store.Reserve(ctx, "b1-mgr", "k1")
		if err != nil || !replay {
			got <- IdemRecord{}
			return
		}
		got <- rec
	}()

	select {
	case <-got:
		t.Fatalf("second reserve returned before completion")
	case <-time.After(20 * time.Millisecond):
	}

	store.Complete(IdemRecord{IdemKey: "k1", Subject: "b1-mgr", StepID: "s1", Action: types.ActionApprove, Result: types.ApprovalHistory{ID: "h1"}})
	select {
	case rec := <-got:
		if rec.Result.ID != "h1" {
			t.Fatalf("expected replay of h1, got %+v", rec)
		}
	case <-time.After(time.Second):
		t.Fatalf("waiter was not woken")
	}
}

func TestIdemReleaseHandsKeyToWaiter(t *testing.T) {
	store := NewInMemoryIdemStore()
	ctx := context.Background()
	if _, _, err := store.Reserve(ctx, "b1-mgr", "k1"); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	owned := make(chan bool, 1)
	go func() {
		_, replay, err := store.Reserve(ctx, "b1-mgr", "k1")
		owned <- err == nil && !replay
	}()
	store.Release("b1-mgr", "k1")

	select {
	case ok := <-owned:
		if !ok {
			t.Fatalf("expected the waiter to own the released key")
		}
	case <-time.After(time.Second):
		t.Fatalf("waiter was not woken")
	}
}

func TestIdemReserveHonoursContext(t *testing.T) {
	store := NewInMemoryIdemStore()
	if _, _, err := store.Reserve(context.Background(), "b1-mgr", "k1"); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, _, err := store.Reserve(ctx, "b1-mgr", "k1"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	if _, replay, err := store.Reserve(context.Background(), "b2-mgr", "k1"); err != nil || replay {
		t.Fatalf("keys are scoped per subject: replay=%v err=%v", replay, err)
	}
}
