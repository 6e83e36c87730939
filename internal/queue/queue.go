// Package queue manages the playback queue.
//
// A Queue keeps two sequences: the requested order (tracks in the order they
// were added) and the active order (a permutation of the requested order that
// Next and Prev walk). Shuffle only ever rewrites the active order, so turning
// it off restores the requested order exactly.
//
// A Queue is not safe for concurrent use; the playback controller owns it.
package queue

import (
	"math/rand"
	"time"

	"github.com/austinkregel/local-media/playd/internal/types"
)

// Queue is the playback queue
type Queue struct {
	items   []types.TrackRef // requested order
	order   []int            // active order, indices into items
	index   int              // position in order, -1 when empty
	shuffle bool
	repeat  types.RepeatMode
	rng     *rand.Rand
}

// New creates an empty queue
func New() *Queue {
	return NewWithRand(rand.New(rand.NewSource(time.Now().UnixNano())))
}

// NewWithRand creates an empty queue that shuffles with rng
func NewWithRand(rng *rand.Rand) *Queue {
	return &Queue{
		index: -1,
		rng:   rng,
	}
}

// Clone returns an independent copy sharing the random source
func (q *Queue) Clone() *Queue {
	c := *q
	c.items = append([]types.TrackRef(nil), q.items...)
	c.order = append([]int(nil), q.order...)
	return &c
}

// Len returns the number of queued tracks
func (q *Queue) Len() int {
	return len(q.items)
}

// Index returns the current position in the active order, or -1
func (q *Queue) Index() int {
	return q.index
}

// Current returns the current track
func (q *Queue) Current() (types.TrackRef, bool) {
	if q.index < 0 || q.index >= len(q.order) {
		return types.TrackRef{}, false
	}
	return q.items[q.order[q.index]], true
}

// Set replaces the queue with refs and makes refs[start] current. With
// shuffle enabled the current track leads the active order and the rest is
// permuted.
func (q *Queue) Set(refs []types.TrackRef, start int) {
	q.items = append([]types.TrackRef(nil), refs...)
	q.order = identity(len(refs))
	q.index = -1
	if len(refs) == 0 {
		return
	}
	if start < 0 || start >= len(refs) {
		start = 0
	}

	if !q.shuffle {
		q.index = start
		return
	}
	q.order[0], q.order[start] = q.order[start], q.order[0]
	q.shuffleFrom(1)
	q.index = 0
}

// Append adds a track to the end of the requested order. With shuffle
// enabled it lands at a random position after the current track. Appending
// to an empty queue makes the new track current.
func (q *Queue) Append(ref types.TrackRef) {
	q.items = append(q.items, ref)
	idx := len(q.items) - 1

	if q.shuffle && q.index >= 0 {
		// Uniform over index+1 .. len(order) inclusive.
		pos := q.index + 1 + q.rng.Intn(len(q.order)-q.index)
		q.order = append(q.order, 0)
		copy(q.order[pos+1:], q.order[pos:])
		q.order[pos] = idx
	} else {
		q.order = append(q.order, idx)
	}

	if q.index < 0 {
		q.index = 0
	}
}

// Clear empties the queue. Shuffle and repeat settings are kept.
func (q *Queue) Clear() {
	q.items = nil
	q.order = nil
	q.index = -1
}

// Find returns the active-order position of the track with id, or -1
func (q *Queue) Find(id string) int {
	for pos, idx := range q.order {
		if q.items[idx].ID == id {
			return pos
		}
	}
	return -1
}

// Jump makes the track at active-order position pos current
func (q *Queue) Jump(pos int) bool {
	if pos < 0 || pos >= len(q.order) {
		return false
	}
	q.index = pos
	return true
}

// Next moves to the next track in the active order. At the end it wraps when
// repeat is All; otherwise it returns false and the index is unchanged.
func (q *Queue) Next() (types.TrackRef, bool) {
	if len(q.order) == 0 {
		return types.TrackRef{}, false
	}
	switch {
	case q.index+1 < len(q.order):
		q.index++
	case q.repeat == types.RepeatAll:
		q.index = 0
	default:
		return types.TrackRef{}, false
	}
	return q.Current()
}

// Prev moves to the previous track in the active order. At the start it wraps
// when repeat is All; otherwise it returns false and the index is unchanged.
func (q *Queue) Prev() (types.TrackRef, bool) {
	if len(q.order) == 0 {
		return types.TrackRef{}, false
	}
	switch {
	case q.index > 0:
		q.index--
	case q.repeat == types.RepeatAll:
		q.index = len(q.order) - 1
	default:
		return types.TrackRef{}, false
	}
	return q.Current()
}

// SetShuffle enables or disables shuffle. Enabling keeps the played prefix
// (through the current track) and permutes the remainder. Disabling restores
// the requested order with the same current track.
func (q *Queue) SetShuffle(enabled bool) {
	if enabled == q.shuffle {
		return
	}
	q.shuffle = enabled

	if enabled {
		q.shuffleFrom(q.index + 1)
		return
	}

	current := -1
	if q.index >= 0 {
		current = q.order[q.index]
	}
	q.order = identity(len(q.items))
	q.index = current
}

// Shuffle reports whether shuffle is enabled
func (q *Queue) Shuffle() bool {
	return q.shuffle
}

// SetRepeat sets the repeat mode
func (q *Queue) SetRepeat(mode types.RepeatMode) {
	q.repeat = mode
}

// Repeat returns the repeat mode
func (q *Queue) Repeat() types.RepeatMode {
	return q.repeat
}

// Active returns the tracks in active order
func (q *Queue) Active() []types.TrackRef {
	out := make([]types.TrackRef, len(q.order))
	for pos, idx := range q.order {
		out[pos] = q.items[idx]
	}
	return out
}

// Requested returns the tracks in requested order
func (q *Queue) Requested() []types.TrackRef {
	return append([]types.TrackRef(nil), q.items...)
}

// shuffleFrom permutes order[from:] in place (Fisher-Yates)
func (q *Queue) shuffleFrom(from int) {
	if from < 0 {
		from = 0
	}
	for i := len(q.order) - 1; i > from; i-- {
		j := from + q.rng.Intn(i-from+1)
		q.order[i], q.order[j] = q.order[j], q.order[i]
	}
}

func identity(n int) []int {
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	return order
}
