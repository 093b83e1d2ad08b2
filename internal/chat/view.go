package chat

import (
	"errors"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"
)

// ErrViewClosed is returned by every mutation on a View after Close.
var ErrViewClosed = errors.New("chat: view is closed")

// Removal identifies an entry that left the view: a persisted message by ID,
// or an optimistic entry by its ClientToken.
type Removal struct {
	ID          string `json:"id,omitempty"`
	ClientToken string `json:"client_token,omitempty"`
}

// Diff describes the visible effect of one merge. Consumers apply Removed
// before Upserted; an optimistic entry being promoted shows up as a token
// removal plus an upsert carrying both the ID and the same ClientToken.
type Diff struct {
	Upserted []Message
	Removed  []Removal
}

// Empty reports whether the merge changed nothing visible.
func (d Diff) Empty() bool {
	return len(d.Upserted) == 0 && len(d.Removed) == 0
}

func (d *Diff) add(o Diff) {
	d.Upserted = append(d.Upserted, o.Upserted...)
	d.Removed = append(d.Removed, o.Removed...)
}

type entry struct {
	msg Message
	seq uint64 // arrival order, breaks CreatedAt ties
}

func (e *entry) less(o *entry) bool {
	if !e.msg.CreatedAt.Equal(o.msg.CreatedAt) {
		return e.msg.CreatedAt.Before(o.msg.CreatedAt)
	}
	return e.seq < o.seq
}

// View is the RoomView of a single room. All mutations are serialized by one
// mutex, so push events, poll snapshots and local sends arriving from
// independent goroutines are applied one at a time.
//
// Merging is idempotent and order-independent with respect to identity:
// a message is kept only in its newest version, deleted identities are
// tombstoned so a late INSERT cannot resurrect them, and a message carrying
// the ClientToken of a pending entry replaces that entry.
type View struct {
	roomID string

	mu       sync.RWMutex
	entries  []*entry // sorted by (CreatedAt, seq)
	byID     map[string]*entry
	pending  map[string]*entry   // client token -> optimistic entry
	settled  map[string]struct{} // client tokens already seen on a stored message
	deleted  map[string]struct{}
	seq      uint64
	closed   bool
	observer func(Diff)
}

// NewView creates an empty view for roomID.
func NewView(roomID string) *View {
	return &View{
		roomID:  roomID,
		byID:    make(map[string]*entry),
		pending: make(map[string]*entry),
		settled: make(map[string]struct{}),
		deleted: make(map[string]struct{}),
	}
}

// SetObserver registers fn to receive every non-empty diff, in the order the
// mutations were applied. fn runs with the view locked and must not call back
// into the view.
func (v *View) SetObserver(fn func(Diff)) {
	v.mu.Lock()
	v.observer = fn
	v.mu.Unlock()
}

// notify must be called with mu held.
func (v *View) notify(d Diff) Diff {
	if v.observer != nil && !d.Empty() {
		v.observer(d)
	}
	return d
}

// RoomID returns the room this view projects.
func (v *View) RoomID() string {
	return v.roomID
}

// Merge applies one push event. Events for other rooms are ignored.
func (v *View) Merge(ev Event) (Diff, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return Diff{}, ErrViewClosed
	}
	if ev.Message.RoomID != "" && ev.Message.RoomID != v.roomID {
		return Diff{}, nil
	}

	switch ev.Kind {
	case EventInsert, EventUpdate:
		return v.notify(v.upsert(ev.Message)), nil
	case EventDelete:
		return v.notify(v.remove(ev.Message.ID)), nil
	}
	return Diff{}, nil
}

// MergeSnapshot applies a full poll result (or the initial fetch). Every row
// goes through the same rule as a pushed INSERT; rows missing from the
// snapshot are left alone since only an explicit DELETE removes a message.
func (v *View) MergeSnapshot(msgs []Message) (Diff, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return Diff{}, ErrViewClosed
	}

	var d Diff
	for _, m := range msgs {
		if m.RoomID != "" && m.RoomID != v.roomID {
			continue
		}
		d.add(v.upsert(m))
	}
	return v.notify(d), nil
}

// AddPending inserts an optimistic entry for a send that has not been
// acknowledged yet. Adding the same token twice is a no-op, and so is adding
// a token whose stored message has already been merged.
func (v *View) AddPending(token string, msg Message) (Diff, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return Diff{}, ErrViewClosed
	}
	if _, ok := v.pending[token]; ok {
		return Diff{}, nil
	}
	if _, ok := v.settled[token]; ok {
		return Diff{}, nil
	}

	msg.ID = ""
	msg.ClientToken = token
	msg.RoomID = v.roomID
	msg.Pending = true
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	e := v.newEntry(msg)
	v.pending[token] = e
	v.insertEntry(e)
	return v.notify(Diff{Upserted: []Message{msg}}), nil
}

// DropPending removes an optimistic entry whose send failed. It is a no-op
// when the token is unknown or was already promoted.
func (v *View) DropPending(token string) (Diff, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return Diff{}, ErrViewClosed
	}
	e, ok := v.pending[token]
	if !ok {
		return Diff{}, nil
	}
	delete(v.pending, token)
	v.removeEntry(e)
	return v.notify(Diff{Removed: []Removal{{ClientToken: token}}}), nil
}

// upsert must be called with mu held.
func (v *View) upsert(m Message) Diff {
	var d Diff
	if m.ID == "" {
		return d
	}
	m.Pending = false

	// The pending entry goes even when the stored message is already
	// tombstoned, or it would outlive its own deletion.
	var seq uint64
	hasSeq := false
	if m.ClientToken != "" {
		v.settled[m.ClientToken] = struct{}{}
		if p, ok := v.pending[m.ClientToken]; ok {
			delete(v.pending, m.ClientToken)
			v.removeEntry(p)
			d.Removed = append(d.Removed, Removal{ClientToken: m.ClientToken})
			// The promoted message keeps the arrival slot of its send.
			seq, hasSeq = p.seq, true
		}
	}
	if _, gone := v.deleted[m.ID]; gone {
		return d
	}

	if cur, ok := v.byID[m.ID]; ok {
		if !m.newerThan(cur.msg) {
			return d
		}
		v.removeEntry(cur)
		cur.msg = m
		v.insertEntry(cur)
		d.Upserted = append(d.Upserted, m)
		return d
	}

	var e *entry
	if hasSeq {
		e = &entry{msg: m, seq: seq}
	} else {
		e = v.newEntry(m)
	}
	v.byID[m.ID] = e
	v.insertEntry(e)
	d.Upserted = append(d.Upserted, m)
	return d
}

// remove must be called with mu held. The tombstone is recorded even when
// the identity is absent, which keeps DELETE-then-INSERT interleavings
// convergent without changing what is visible.
func (v *View) remove(id string) Diff {
	if id == "" {
		return Diff{}
	}
	v.deleted[id] = struct{}{}

	e, ok := v.byID[id]
	if !ok {
		return Diff{}
	}
	delete(v.byID, id)
	v.removeEntry(e)
	return Diff{Removed: []Removal{{ID: id}}}
}

func (v *View) newEntry(m Message) *entry {
	v.seq++
	return &entry{msg: m, seq: v.seq}
}

func (v *View) insertEntry(e *entry) {
	i := sort.Search(len(v.entries), func(i int) bool {
		return e.less(v.entries[i])
	})
	v.entries = slices.Insert(v.entries, i, e)
}

func (v *View) removeEntry(e *entry) {
	if i := slices.Index(v.entries, e); i >= 0 {
		v.entries = slices.Delete(v.entries, i, i+1)
	}
}

// Snapshot returns the visible sequence, oldest first.
func (v *View) Snapshot() []Message {
	v.mu.RLock()
	defer v.mu.RUnlock()

	out := make([]Message, len(v.entries))
	for i, e := range v.entries {
		out[i] = e.msg
	}
	return out
}

// Len returns the number of visible entries, pending ones included.
func (v *View) Len() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.entries)
}

// PendingCount returns the number of unacknowledged optimistic entries.
func (v *View) PendingCount() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.pending)
}

// Search returns the text messages containing query, case-insensitively.
// An empty query returns the whole view.
func (v *View) Search(query string) []Message {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return v.Snapshot()
	}

	v.mu.RLock()
	defer v.mu.RUnlock()

	var out []Message
	for _, e := range v.entries {
		if e.msg.Text != "" && strings.Contains(strings.ToLower(e.msg.Text), q) {
			out = append(out, e.msg)
		}
	}
	return out
}

// Close tears the view down. It waits for any in-flight merge to finish;
// every later mutation returns ErrViewClosed.
func (v *View) Close() {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.closed = true
	v.observer = nil
	v.entries = nil
	v.byID = nil
	v.pending = nil
	v.settled = nil
	v.deleted = nil
}

// Closed reports whether Close has been called.
func (v *View) Closed() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.closed
}
