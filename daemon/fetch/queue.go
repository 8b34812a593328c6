package fetch

import (
	"time"

	"github.com/rhizomemesh/rhizome/internal/rhizome"
)

// DefaultPriority is the priority given to advertised manifests.
const DefaultPriority = 100

// queueSpec lists the fetch queues in order of ascending size threshold.
// A threshold of -1 accepts any size.
var queueSpec = []struct {
	threshold int64
	capacity  int
}{
	{10000, 5},
	{100000, 4},
	{1000000, 3},
	{10000000, 2},
	{-1, 1},
}

type candidate struct {
	manifest *rhizome.Manifest
	peer     string
	priority int
	queued   time.Time
}

type slot struct {
	active   bool
	manifest *rhizome.Manifest // nil while fetching a manifest by prefix
	prefix   []byte
	peer     string
	started  time.Time
}

type queue struct {
	index      int
	threshold  int64
	capacity   int
	candidates []candidate
	slot       slot
}

func (q *queue) accepts(size int64) bool {
	return q.threshold < 0 || size < q.threshold
}

// insert places c at position i, dropping the last candidate if the queue
// is full.
func (q *queue) insert(i int, c candidate) {
	if len(q.candidates) == q.capacity {
		q.candidates = q.candidates[:q.capacity-1]
	}
	q.candidates = append(q.candidates, candidate{})
	copy(q.candidates[i+1:], q.candidates[i:])
	q.candidates[i] = c
}

func (q *queue) unqueue(i int) {
	q.candidates = append(q.candidates[:i], q.candidates[i+1:]...)
}

// CandidateStatus describes one queued candidate.
type CandidateStatus struct {
	BundleID rhizome.BundleID `json:"bundle_id"`
	Version  int64            `json:"version"`
	FileSize int64            `json:"file_size"`
	Peer     string           `json:"peer"`
	Priority int              `json:"priority"`
}

// SlotStatus describes an active fetch.
type SlotStatus struct {
	BundleID *rhizome.BundleID `json:"bundle_id,omitempty"`
	Prefix   string            `json:"prefix,omitempty"`
	FileSize int64             `json:"file_size"`
	Peer     string            `json:"peer"`
	Started  time.Time         `json:"started"`
}

// QueueStatus is a point-in-time view of one fetch queue.
type QueueStatus struct {
	Threshold  int64             `json:"threshold"`
	Capacity   int               `json:"capacity"`
	Candidates []CandidateStatus `json:"candidates"`
	Active     *SlotStatus       `json:"active,omitempty"`
}
