package qa

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"msgfleet/pkg/logx"
)

func openTestStore(t *testing.T) Store {
	t.Helper()
	st, err := Open(filepath.Join(t.TempDir(), "qa.db"), logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestAddAndList(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	p1, err := st.Add(ctx, "opening hours?", "nine to five")
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	p2, err := st.Add(ctx, "parking?", "behind the building")
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if p1.ID == 0 || p2.ID <= p1.ID {
		t.Fatalf("ids = %d, %d", p1.ID, p2.ID)
	}

	pairs, err := st.ListAll(ctx)
	if err != nil {
		t.Fatalf("ListAll: %v", err)
	}
	if len(pairs) != 2 || pairs[0].Question != "opening hours?" {
		t.Fatalf("pairs = %+v", pairs)
	}
}

func TestUpdate(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	p, err := st.Add(ctx, "q", "a")
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := st.Update(ctx, p.ID, "q2", "a2"); err != nil {
		t.Fatalf("Update: %v", err)
	}

	pairs, err := st.ListAll(ctx)
	if err != nil {
		t.Fatalf("ListAll: %v", err)
	}
	if pairs[0].Question != "q2" || pairs[0].Answer != "a2" {
		t.Fatalf("pair = %+v", pairs[0])
	}

	if err := st.Update(ctx, 9999, "x", "y"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Update missing id: %v", err)
	}
}

func TestDelete(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	p, err := st.Add(ctx, "q", "a")
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := st.Delete(ctx, p.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := st.Delete(ctx, p.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second Delete: %v", err)
	}

	pairs, err := st.ListAll(ctx)
	if err != nil {
		t.Fatalf("ListAll: %v", err)
	}
	if len(pairs) != 0 {
		t.Fatalf("pairs = %+v", pairs)
	}
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open("  ", logx.Nop()); err == nil {
		t.Fatal("expected error for empty path")
	}
}
