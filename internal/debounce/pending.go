package debounce

import (
	"log"
	"sync"
	"time"
)

// DefaultWriteTTL bounds how long a registered self-write may go unobserved
// before it is considered lost.
const DefaultWriteTTL = 10 * time.Second

type pendingWrite struct {
	fingerprint uint64
	issued      time.Time
}

// PendingWrites tracks writes issued by this process that have not yet been
// observed back through the watcher. The write coordinator registers the
// expected fingerprint before it renames a file into place; the debouncer
// consumes the entry when the matching change settles.
type PendingWrites struct {
	ttl    time.Duration
	logger *log.Logger
	now    func() time.Time

	mu     sync.Mutex
	byPath map[string][]pendingWrite
}

// NewPendingWrites creates an empty table. A non-positive ttl falls back to
// DefaultWriteTTL.
func NewPendingWrites(ttl time.Duration, logger *log.Logger) *PendingWrites {
	if ttl <= 0 {
		ttl = DefaultWriteTTL
	}
	return &PendingWrites{
		ttl:    ttl,
		logger: logger,
		now:    time.Now,
		byPath: make(map[string][]pendingWrite),
	}
}

// Register records that a write with the given expected fingerprint is about
// to land at path.
func (p *PendingWrites) Register(path string, fingerprint uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.byPath[path] = append(p.byPath[path], pendingWrite{
		fingerprint: fingerprint,
		issued:      p.now(),
	})
}

// Consume reports whether an unexpired registered write matches the observed
// fingerprint, removing it if so. Expired entries for the path are swept
// first: an expired entry means a write we issued was never seen back, which
// is worth a warning but must not suppress real changes forever.
func (p *PendingWrites) Consume(path string, fingerprint uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.expireLocked(path, p.now())
	writes := p.byPath[path]
	for i, w := range writes {
		if w.fingerprint == fingerprint {
			writes = append(writes[:i], writes[i+1:]...)
			if len(writes) == 0 {
				delete(p.byPath, path)
			} else {
				p.byPath[path] = writes
			}
			return true
		}
	}
	return false
}

// Sweep drops expired entries across every path. Consume expires lazily for
// the path it touches; the engine calls this on a timer so a write whose
// filesystem event never arrives is still reported promptly.
func (p *PendingWrites) Sweep() {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	for path := range p.byPath {
		p.expireLocked(path, now)
	}
}

func (p *PendingWrites) expireLocked(path string, now time.Time) {
	writes := p.byPath[path]
	kept := writes[:0]
	for _, w := range writes {
		if now.Sub(w.issued) > p.ttl {
			p.logger.Printf("pending write for %s expired unobserved after %s", path, p.ttl)
			continue
		}
		kept = append(kept, w)
	}
	if len(kept) == 0 {
		delete(p.byPath, path)
	} else {
		p.byPath[path] = kept
	}
}

// Len returns the number of outstanding registered writes.
func (p *PendingWrites) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, writes := range p.byPath {
		n += len(writes)
	}
	return n
}
