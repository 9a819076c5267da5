package sqlstore

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/davidahmann/docflow/internal/ledger"
	"github.com/davidahmann/docflow/internal/ledger/ledgertest"
	"github.com/davidahmann/docflow/pkg/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	s, err := OpenSQLite(dsn)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	if _, err := ledger.Migrate(context.Background(), s.DB(), ledger.DriverSQLite); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return s
}

func TestStoreSuite(t *testing.T) {
	ledgertest.Run(t, func(t *testing.T) ledger.Store { return openTestStore(t) })
}

func TestConcurrentStepUpdatesSerialize(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if err := s.WithTx(ctx, func(tx ledger.Tx) error {
		if err := tx.InsertDocument(ctx, ledgertest.Document("d1")); err != nil {
			return err
		}
		return tx.InsertLine(ctx, ledgertest.Line("d1", "l1", "mgr"))
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for _, status := range []types.StepStatus{types.StepApproved, types.StepRejected} {
		wg.Add(1)
		go func(status types.StepStatus) {
			defer wg.Done()
			err := s.WithTx(ctx, func(tx ledger.Tx) error {
				step, err := tx.GetStepForUpdate(ctx, "l1-s1")
				if err != nil {
					return err
				}
				if step.Status != types.StepPending {
					return ledger.ErrConflict
				}
				step.Status = status
				_, err = tx.UpdateStep(ctx, step)
				return err
			})
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}(status)
	}
	wg.Wait()

	if succeeded != 1 {
		t.Fatalf("expected exactly one winner, got %d", succeeded)
	}
	step, err := s.GetStep(ctx, "l1-s1")
	if err != nil {
		t.Fatalf("get step: %v", err)
	}
	if step.Version != 2 {
		t.Fatalf("expected a single version bump, got %d", step.Version)
	}
}

func TestTimesRoundTripInUTC(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seoul := time.FixedZone("KST", 9*3600)
	doc := ledgertest.Document("d1")
	doc.CreatedAt = time.Date(2026, 3, 2, 19, 0, 0, 5, seoul)
	if err := s.WithTx(ctx, func(tx ledger.Tx) error { return tx.InsertDocument(ctx, doc) }); err != nil {
		t.Fatalf("insert: %v", err)
	}
	got, err := s.GetDocument(ctx, "d1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.CreatedAt.Equal(doc.CreatedAt) || got.CreatedAt.Location() != time.UTC {
		t.Fatalf("time mismatch: got %v want %v", got.CreatedAt, doc.CreatedAt)
	}
}
