package rest

import (
	"context"

	"github.com/exelabs/concord/discord"
)

// Seq is a lazy, forward-only, finite sequence. Exhausted sequences are
// not restartable; build a new one to iterate again.
type Seq[T any] interface {
	// Next yields the next item. ok is false once the sequence is
	// exhausted; err aborts iteration.
	Next(ctx context.Context) (item T, ok bool, err error)
}

// FetchPage pulls one page relative to an opaque cursor. A zero cursor
// means "from the start"; an empty result ends the sequence.
type FetchPage[T any] func(ctx context.Context, cursor discord.Snowflake, limit int) ([]T, error)

// Paginator walks a paged REST collection one page at a time, issuing a
// fetch only when the buffered page is consumed. Implements Seq[T].
type Paginator[T any] struct {
	fetch    FetchPage[T]
	cursorOf func(T) discord.Snowflake
	pageSize int

	cursor discord.Snowflake
	buf    []T
	idx    int
	done   bool
}

// NewPaginator builds a Paginator. cursorOf extracts the next-page cursor
// from the last item of a page (e.g. the message id for before/after
// paging). pageSize caps items per REST call.
func NewPaginator[T any](fetch FetchPage[T], cursorOf func(T) discord.Snowflake, pageSize int) *Paginator[T] {
	if pageSize <= 0 {
		pageSize = 100
	}
	return &Paginator[T]{fetch: fetch, cursorOf: cursorOf, pageSize: pageSize}
}

// Next yields the next item, fetching a page only when needed.
func (p *Paginator[T]) Next(ctx context.Context) (T, bool, error) {
	var zero T
	if p.idx >= len(p.buf) {
		if p.done {
			return zero, false, nil
		}
		page, err := p.fetch(ctx, p.cursor, p.pageSize)
		if err != nil {
			return zero, false, err
		}
		if len(page) == 0 {
			p.done = true
			return zero, false, nil
		}
		if len(page) < p.pageSize {
			// Short page: the backing collection ends here.
			p.done = true
		}
		p.cursor = p.cursorOf(page[len(page)-1])
		p.buf = page
		p.idx = 0
	}
	item := p.buf[p.idx]
	p.idx++
	return item, true, nil
}

type mapSeq[T, U any] struct {
	src Seq[T]
	f   func(T) U
}

func (s mapSeq[T, U]) Next(ctx context.Context) (U, bool, error) {
	var zero U
	item, ok, err := s.src.Next(ctx)
	if !ok || err != nil {
		return zero, false, err
	}
	return s.f(item), true, nil
}

// Map lazily transforms each item; no extra fetches are forced.
func Map[T, U any](src Seq[T], f func(T) U) Seq[U] {
	return mapSeq[T, U]{src: src, f: f}
}

type filterSeq[T any] struct {
	src  Seq[T]
	keep func(T) bool
}

func (s filterSeq[T]) Next(ctx context.Context) (T, bool, error) {
	for {
		item, ok, err := s.src.Next(ctx)
		if !ok || err != nil {
			var zero T
			return zero, false, err
		}
		if s.keep(item) {
			return item, true, nil
		}
	}
}

// Filter lazily drops items failing pred.
func Filter[T any](src Seq[T], pred func(T) bool) Seq[T] {
	return filterSeq[T]{src: src, keep: pred}
}

// Find consumes the sequence until pred matches. ok is false when the
// sequence ends first.
func Find[T any](ctx context.Context, src Seq[T], pred func(T) bool) (T, bool, error) {
	for {
		item, ok, err := src.Next(ctx)
		if !ok || err != nil {
			var zero T
			return zero, false, err
		}
		if pred(item) {
			return item, true, nil
		}
	}
}

// Collect drains the sequence into a slice.
func Collect[T any](ctx context.Context, src Seq[T]) ([]T, error) {
	var out []T
	for {
		item, ok, err := src.Next(ctx)
		if err != nil {
			return out, err
		}
		if !ok {
			return out, nil
		}
		out = append(out, item)
	}
}
