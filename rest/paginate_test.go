package rest

import (
	"context"
	"errors"
	"testing"

	"github.com/exelabs/concord/discord"
)

// fakePages serves ids [1..total] in pages, newest-first semantics left to
// the caller. It counts fetches so tests can assert laziness.
type fakePages struct {
	total   int
	fetches int
}

func (f *fakePages) fetch(_ context.Context, cursor discord.Snowflake, limit int) ([]discord.Snowflake, error) {
	f.fetches++
	start := int(cursor) + 1
	var out []discord.Snowflake
	for id := start; id <= f.total && len(out) < limit; id++ {
		out = append(out, discord.Snowflake(id))
	}
	return out, nil
}

func idCursor(s discord.Snowflake) discord.Snowflake { return s }

func TestPaginatorWalksAllPages(t *testing.T) {
	src := &fakePages{total: 25}
	p := NewPaginator(src.fetch, idCursor, 10)

	got, err := Collect(context.Background(), p)
	if err != nil {
		t.Fatalf("collect failed: %v", err)
	}
	if len(got) != 25 {
		t.Fatalf("expected 25 items, got %d", len(got))
	}
	seen := make(map[discord.Snowflake]bool)
	for i, id := range got {
		if seen[id] {
			t.Fatalf("duplicate item %d", id)
		}
		seen[id] = true
		if int(id) != i+1 {
			t.Fatalf("out of order at %d: got %d", i, id)
		}
	}
	// 25 items at page size 10: two full pages plus one short page.
	if src.fetches != 3 {
		t.Errorf("expected 3 fetches, got %d", src.fetches)
	}
}

func TestPaginatorShortPageEndsSequence(t *testing.T) {
	src := &fakePages{total: 7}
	p := NewPaginator(src.fetch, idCursor, 10)

	if _, err := Collect(context.Background(), p); err != nil {
		t.Fatalf("collect failed: %v", err)
	}
	// A short first page must not trigger a second fetch.
	if src.fetches != 1 {
		t.Errorf("expected 1 fetch, got %d", src.fetches)
	}

	// Exhausted sequences stay exhausted.
	if _, ok, err := p.Next(context.Background()); ok || err != nil {
		t.Errorf("exhausted Next returned ok=%v err=%v", ok, err)
	}
}

func TestPaginatorIsLazy(t *testing.T) {
	src := &fakePages{total: 100}
	p := NewPaginator(src.fetch, idCursor, 10)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		if _, ok, err := p.Next(ctx); !ok || err != nil {
			t.Fatalf("item %d: ok=%v err=%v", i, ok, err)
		}
	}
	if src.fetches != 1 {
		t.Fatalf("consuming one page caused %d fetches", src.fetches)
	}
	if _, ok, _ := p.Next(ctx); !ok {
		t.Fatal("sequence ended early")
	}
	if src.fetches != 2 {
		t.Errorf("crossing a page boundary caused %d fetches", src.fetches)
	}
}

func TestPaginatorPropagatesFetchError(t *testing.T) {
	boom := errors.New("upstream exploded")
	p := NewPaginator(func(context.Context, discord.Snowflake, int) ([]discord.Snowflake, error) {
		return nil, boom
	}, idCursor, 10)

	if _, _, err := p.Next(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected fetch error, got %v", err)
	}
}

func TestMapFilterFind(t *testing.T) {
	src := &fakePages{total: 20}
	ctx := context.Background()

	even := Filter[discord.Snowflake](NewPaginator(src.fetch, idCursor, 5), func(s discord.Snowflake) bool {
		return s%2 == 0
	})
	doubled := Map(even, func(s discord.Snowflake) uint64 { return uint64(s) * 2 })

	got, err := Collect(ctx, doubled)
	if err != nil {
		t.Fatalf("collect failed: %v", err)
	}
	if len(got) != 10 {
		t.Fatalf("expected 10 even items, got %d", len(got))
	}
	if got[0] != 4 || got[9] != 40 {
		t.Errorf("unexpected mapped values: first=%d last=%d", got[0], got[9])
	}

	src2 := &fakePages{total: 50}
	item, ok, err := Find(ctx, NewPaginator(src2.fetch, idCursor, 10), func(s discord.Snowflake) bool {
		return s == 13
	})
	if err != nil || !ok {
		t.Fatalf("find failed: ok=%v err=%v", ok, err)
	}
	if item != 13 {
		t.Errorf("found wrong item %d", item)
	}
	// 13 lives in the second page of 10; no further pages were needed.
	if src2.fetches != 2 {
		t.Errorf("find over-fetched: %d fetches", src2.fetches)
	}
}
