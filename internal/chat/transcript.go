package chat

import "time"

// Transcript is the ordered, deduplicated message list of one scope.
// Entries are sorted by CreatedAt; equal timestamps keep arrival order.
// Transcript is not safe for concurrent use.
type Transcript struct {
	entries    []*entry
	byID       map[string]*entry
	tombstones map[string]struct{}
	buffered   map[string]Message
	seq        uint64
}

type entry struct {
	msg Message
	seq uint64
}

// NewTranscript returns an empty transcript.
func NewTranscript() *Transcript {
	return &Transcript{
		byID:       make(map[string]*entry),
		tombstones: make(map[string]struct{}),
		buffered:   make(map[string]Message),
	}
}

// Insert adds m. A known id is merged as an update; a deleted id is ignored.
// It reports whether the transcript changed.
func (t *Transcript) Insert(m Message) bool {
	if _, dead := t.tombstones[m.ID]; dead {
		return false
	}
	if e, ok := t.byID[m.ID]; ok {
		return t.merge(e, m)
	}

	if b, ok := t.buffered[m.ID]; ok {
		delete(t.buffered, m.ID)
		if !b.UpdatedAt.Before(m.UpdatedAt) {
			m = b
		}
	}

	t.seq++
	e := &entry{msg: m, seq: t.seq}
	t.byID[m.ID] = e
	t.place(e)
	return true
}

// Update applies m to the entry with the same id. Updates for ids not seen
// yet are held until the insert arrives; the newest one wins.
func (t *Transcript) Update(m Message) bool {
	if _, dead := t.tombstones[m.ID]; dead {
		return false
	}
	if e, ok := t.byID[m.ID]; ok {
		return t.merge(e, m)
	}
	if b, ok := t.buffered[m.ID]; !ok || !m.UpdatedAt.Before(b.UpdatedAt) {
		t.buffered[m.ID] = m
	}
	return false
}

// Remove deletes id and records a tombstone so late inserts and updates for
// it are ignored. Removing an unknown id changes nothing visible.
func (t *Transcript) Remove(id string) bool {
	t.tombstones[id] = struct{}{}
	delete(t.buffered, id)
	return t.drop(id)
}

// Replace swaps the provisional entry tempID for the authoritative row. When
// the row is already present, the provisional entry is dropped instead.
func (t *Transcript) Replace(tempID string, auth Message) bool {
	auth.State = ""
	_, known := t.byID[auth.ID]
	_, dead := t.tombstones[auth.ID]

	if known || dead {
		dropped := t.drop(tempID)
		if known {
			return t.merge(t.byID[auth.ID], auth) || dropped
		}
		return dropped
	}

	e, ok := t.byID[tempID]
	if !ok {
		return t.Insert(auth)
	}

	delete(t.byID, tempID)
	t.unlink(e)
	if b, ok := t.buffered[auth.ID]; ok {
		delete(t.buffered, auth.ID)
		if !b.UpdatedAt.Before(auth.UpdatedAt) {
			auth = b
		}
	}
	t.seq++
	e.msg = auth
	e.seq = t.seq
	t.byID[auth.ID] = e
	t.place(e)
	return true
}

// MatchPending returns the oldest sending entry that looks like m: same
// sender, same content, created within window of m.
func (t *Transcript) MatchPending(m Message, window time.Duration) (string, bool) {
	for _, e := range t.entries {
		p := e.msg
		if p.State != StateSending || p.SenderID != m.SenderID || p.Content != m.Content {
			continue
		}
		d := m.CreatedAt.Sub(p.CreatedAt)
		if d < 0 {
			d = -d
		}
		if d <= window {
			return p.ID, true
		}
	}
	return "", false
}

// SetState changes the send state of an entry.
func (t *Transcript) SetState(id string, s SendState) bool {
	e, ok := t.byID[id]
	if !ok || e.msg.State == s {
		return false
	}
	e.msg.State = s
	return true
}

// Get returns the entry with the given id.
func (t *Transcript) Get(id string) (Message, bool) {
	e, ok := t.byID[id]
	if !ok {
		return Message{}, false
	}
	return e.msg, true
}

// Messages returns a copy of the ordered entries.
func (t *Transcript) Messages() []Message {
	out := make([]Message, len(t.entries))
	for i, e := range t.entries {
		out[i] = e.msg
	}
	return out
}

// Len returns the number of entries.
func (t *Transcript) Len() int { return len(t.entries) }

// Confirmed returns the number of entries the server has acknowledged.
func (t *Transcript) Confirmed() int {
	n := 0
	for _, e := range t.entries {
		if !e.msg.Provisional() {
			n++
		}
	}
	return n
}

// Mark returns a position in the arrival order. Entries that arrive or are
// confirmed later are newer than the mark.
func (t *Transcript) Mark() uint64 { return t.seq }

// Reconcile drops confirmed entries that are not in keep, were created after
// since and arrived no later than mark. Entries that arrived after mark were
// not covered by the page and stay. Nothing is tombstoned: a later insert
// brings them back.
func (t *Transcript) Reconcile(since time.Time, mark uint64, keep map[string]struct{}) int {
	var gone []string
	for _, e := range t.entries {
		if e.msg.Provisional() || e.seq > mark || !e.msg.CreatedAt.After(since) {
			continue
		}
		if _, ok := keep[e.msg.ID]; !ok {
			gone = append(gone, e.msg.ID)
		}
	}
	for _, id := range gone {
		t.drop(id)
	}
	return len(gone)
}

func (t *Transcript) merge(e *entry, m Message) bool {
	if m.UpdatedAt.Before(e.msg.UpdatedAt) {
		return false
	}
	moved := !m.CreatedAt.Equal(e.msg.CreatedAt)
	e.msg = m
	if moved {
		t.unlink(e)
		t.place(e)
	}
	return true
}

func (t *Transcript) drop(id string) bool {
	e, ok := t.byID[id]
	if !ok {
		return false
	}
	delete(t.byID, id)
	t.unlink(e)
	return true
}

// place inserts e after every entry that sorts before or equal to it.
func (t *Transcript) place(e *entry) {
	i := len(t.entries)
	for i > 0 && less(e, t.entries[i-1]) {
		i--
	}
	t.entries = append(t.entries, nil)
	copy(t.entries[i+1:], t.entries[i:])
	t.entries[i] = e
}

func (t *Transcript) unlink(e *entry) {
	for i, x := range t.entries {
		if x == e {
			t.entries = append(t.entries[:i], t.entries[i+1:]...)
			return
		}
	}
}

func less(a, b *entry) bool {
	if !a.msg.CreatedAt.Equal(b.msg.CreatedAt) {
		return a.msg.CreatedAt.Before(b.msg.CreatedAt)
	}
	return a.seq < b.seq
}
