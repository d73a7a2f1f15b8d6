// Package window keeps the client's contiguous, gap-free view of one room
// and reconciles server batches into it.
package window

import (
	"sync"

	"github.com/GrishaVar/publichat/pkg/crypto"
	"github.com/GrishaVar/publichat/pkg/protocol"
)

// Decoder turns a stored record into a chat message. *crypto.Room is the
// production implementation.
type Decoder interface {
	Decode(record []byte) (*crypto.Message, error)
}

// Message is one entry of the window. Msg is nil when the record could not be
// decoded; the entry still occupies its id so the queue stays aligned.
type Message struct {
	ID  uint32
	Msg *crypto.Message
	Err error
}

// Outcome reports what Apply did with a batch.
type Outcome int

const (
	Baseline  Outcome = iota // first batch, accepted as ground truth
	Appended                 // new records added after max id
	Prepended                // older records added before min id
	Empty                    // batch carried no records
	WrongRoom                // room token did not match
	Malformed                // payload length disagrees with the head
	Gap                      // disjoint from the window with a hole between
	Duplicate                // fully contained in the window
	Straddle                 // overhangs the window on both sides
	Stale                    // overlaps but adds nothing in its direction
)

var outcomeNames = [...]string{
	Baseline:  "baseline",
	Appended:  "appended",
	Prepended: "prepended",
	Empty:     "empty",
	WrongRoom: "wrong_room",
	Malformed: "malformed",
	Gap:       "gap",
	Duplicate: "duplicate",
	Straddle:  "straddle",
	Stale:     "stale",
}

func (o Outcome) String() string {
	if int(o) < len(outcomeNames) {
		return outcomeNames[o]
	}
	return "unknown"
}

// Changed reports whether the window was mutated
func (o Outcome) Changed() bool {
	return o == Baseline || o == Appended || o == Prepended
}

// Window is the client-side view of a room: an ordered queue of messages
// covering ids [minID, maxID] with no holes. minID > maxID means nothing has
// been received yet.
type Window struct {
	mu    sync.RWMutex
	token byte
	dec   Decoder

	queue []Message
	minID uint32
	maxID uint32
}

// New creates an empty window for the room with the given id.
func New(room protocol.ChatID, dec Decoder) *Window {
	return &Window{
		token: room.Token(),
		dec:   dec,
		minID: 1,
		maxID: 0,
	}
}

// Apply reconciles one server batch into the window.
func (w *Window) Apply(head *protocol.Head, records []byte) Outcome {
	if head.Count == 0 {
		return Empty
	}
	if head.Room != w.token {
		return WrongRoom
	}
	recs, err := protocol.SplitRecords(records)
	if err != nil || len(recs) != int(head.Count) {
		return Malformed
	}

	first := head.FirstID
	last := head.LastID()

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.minID > w.maxID {
		w.queue = w.decodeAll(w.queue[:0], first, recs)
		w.minID, w.maxID = first, last
		return Baseline
	}

	switch {
	case w.maxID+1 < first:
		return Gap
	case w.minID > last+1:
		return Gap
	case w.minID <= first && last <= w.maxID:
		return Duplicate
	case first < w.minID && w.maxID < last:
		return Straddle
	}

	if head.Forward {
		if last <= w.maxID {
			return Stale
		}
		var skip uint32
		if first <= w.maxID {
			skip = w.maxID - first + 1
		}
		w.queue = w.decodeAll(w.queue, first+skip, recs[skip:])
		w.maxID = last
		return Appended
	}

	if first >= w.minID {
		return Stale
	}
	keep := w.minID - first
	older := w.decodeAll(make([]Message, 0, int(keep)+len(w.queue)), first, recs[:keep])
	w.queue = append(older, w.queue...)
	w.minID = first
	return Prepended
}

func (w *Window) decodeAll(dst []Message, firstID uint32, recs [][]byte) []Message {
	for i, rec := range recs {
		m := Message{ID: firstID + uint32(i)}
		m.Msg, m.Err = w.dec.Decode(rec)
		dst = append(dst, m)
	}
	return dst
}

// Messages returns a copy of the whole queue, oldest first
func (w *Window) Messages() []Message {
	w.mu.RLock()
	defer w.mu.RUnlock()

	out := make([]Message, len(w.queue))
	copy(out, w.queue)
	return out
}

// Since returns the messages with an id greater than id.
func (w *Window) Since(id uint32) []Message {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if w.minID > w.maxID || id >= w.maxID {
		return nil
	}
	start := 0
	if id >= w.minID {
		start = int(id - w.minID + 1)
	}

	out := make([]Message, len(w.queue)-start)
	copy(out, w.queue[start:])
	return out
}

// Bounds returns the id range held. ok is false until the first batch.
func (w *Window) Bounds() (minID, maxID uint32, ok bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	return w.minID, w.maxID, w.minID <= w.maxID
}

// Len returns the number of messages held
func (w *Window) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()

	return len(w.queue)
}

// Initialized reports whether a baseline batch has been applied
func (w *Window) Initialized() bool {
	_, _, ok := w.Bounds()
	return ok
}

// Token returns the room token batches are matched against
func (w *Window) Token() byte {
	return w.token
}
