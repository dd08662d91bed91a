package memory_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/vtuberkit/stagehand/pkg/memory"
)

func TestMemStoreAppendAndRecent(t *testing.T) {
	s := memory.NewMemStore(10)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := s.Append(ctx, memory.Entry{Role: memory.RoleUser, Text: fmt.Sprintf("m%d", i)}); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.Recent(ctx, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d entries, want 3", len(got))
	}
	// Oldest first, most recent window.
	if got[0].Text != "m2" || got[2].Text != "m4" {
		t.Errorf("window mismatch: %v", got)
	}
}

func TestMemStoreEvictsOldest(t *testing.T) {
	s := memory.NewMemStore(3)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if err := s.Append(ctx, memory.Entry{Text: fmt.Sprintf("m%d", i)}); err != nil {
			t.Fatal(err)
		}
	}
	got, err := s.Recent(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 || got[0].Text != "m2" {
		t.Errorf("eviction mismatch: %v", got)
	}
}
