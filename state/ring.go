package state

import "github.com/exelabs/concord/discord"

// messageRing is a fixed-capacity per-channel message buffer. Insertion
// past capacity silently evicts the oldest entry. Not safe for
// concurrent use; the Store's lock covers it.
type messageRing struct {
	buf  []*discord.Message
	head int // next write slot
	size int
}

func newMessageRing(capacity int) *messageRing {
	if capacity <= 0 {
		capacity = 1
	}
	return &messageRing{buf: make([]*discord.Message, capacity)}
}

// add appends a message, evicting the oldest when full.
func (r *messageRing) add(m *discord.Message) {
	r.buf[r.head] = m
	r.head = (r.head + 1) % len(r.buf)
	if r.size < len(r.buf) {
		r.size++
	}
}

// get returns the cached message with the given id, nil when evicted or
// never seen.
func (r *messageRing) get(id discord.Snowflake) *discord.Message {
	for i := 0; i < r.size; i++ {
		idx := (r.head - 1 - i + len(r.buf)*2) % len(r.buf)
		if m := r.buf[idx]; m != nil && m.ID == id {
			return m
		}
	}
	return nil
}

// remove drops a message by id, compacting the ring.
func (r *messageRing) remove(id discord.Snowflake) bool {
	kept := make([]*discord.Message, 0, r.size)
	found := false
	for i := r.size - 1; i >= 0; i-- {
		idx := (r.head - 1 - i + len(r.buf)*2) % len(r.buf)
		m := r.buf[idx]
		if m != nil && m.ID == id {
			found = true
			continue
		}
		kept = append(kept, m)
	}
	if !found {
		return false
	}
	nr := newMessageRing(len(r.buf))
	for _, m := range kept {
		nr.add(m)
	}
	*r = *nr
	return true
}

// recent returns up to n messages, newest first.
func (r *messageRing) recent(n int) []*discord.Message {
	if n <= 0 || n > r.size {
		n = r.size
	}
	out := make([]*discord.Message, 0, n)
	for i := 0; i < n; i++ {
		idx := (r.head - 1 - i + len(r.buf)*2) % len(r.buf)
		if m := r.buf[idx]; m != nil {
			out = append(out, m)
		}
	}
	return out
}
