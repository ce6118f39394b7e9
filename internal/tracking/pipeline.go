package tracking

import (
	"sync"
	"sync/atomic"

	"github.com/banshee-data/uwb.locator/internal/monitoring"
)

// Publisher receives a snapshot after every change to the store.
// Implementations must not block.
type Publisher interface {
	Publish(snap Snapshot)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(Snapshot)

// Publish calls f(snap).
func (f PublisherFunc) Publish(snap Snapshot) { f(snap) }

// Stats counts reports seen by a Pipeline.
type Stats struct {
	Accepted uint64 `json:"accepted"`
	Dropped  uint64 `json:"dropped"`
}

// Pipeline applies raw reports to a Store and publishes the result. Reports
// are handled one at a time, each producing exactly one snapshot.
type Pipeline struct {
	store *Store
	pub   Publisher

	mu       sync.Mutex
	accepted atomic.Uint64
	dropped  atomic.Uint64
}

// NewPipeline creates a pipeline. pub may be nil.
func NewPipeline(store *Store, pub Publisher) *Pipeline {
	return &Pipeline{store: store, pub: pub}
}

// Ingest parses payload and applies it. origin is the sender address shown
// for new tags. It returns false for malformed payloads, which leave the
// store untouched and publish nothing.
func (p *Pipeline) Ingest(payload []byte, origin string) bool {
	r, err := ParseReport(payload)
	if err != nil {
		p.dropped.Add(1)
		monitoring.Logf("[!] Dropping report from %s: %v", origin, err)
		return false
	}
	p.Handle(r, origin)
	return true
}

// Handle applies an already parsed report.
func (p *Pipeline) Handle(r Report, origin string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	_, created := p.store.Apply(r, origin)
	if created {
		monitoring.Logf("[+] New tracker detected: %s from %s", r.Tag, origin)
	}
	p.accepted.Add(1)
	if p.pub != nil {
		p.pub.Publish(p.store.Snapshot())
	}
}

// Stats returns the report counters.
func (p *Pipeline) Stats() Stats {
	return Stats{Accepted: p.accepted.Load(), Dropped: p.dropped.Load()}
}
