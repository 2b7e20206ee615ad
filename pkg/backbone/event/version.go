package event

import (
	"sync"
	"sync/atomic"
)

// VersionTracker remembers the highest accepted version per (domain, type).
// Updates use compare-and-swap so concurrent publishes never lower a version.
type VersionTracker struct {
	versions sync.Map // versionKey -> *atomic.Int64
}

type versionKey struct {
	domain Domain
	typ    string
}

// NewVersionTracker creates an empty tracker.
func NewVersionTracker() *VersionTracker {
	return &VersionTracker{}
}

// Last returns the highest accepted version, or 0 if none.
func (t *VersionTracker) Last(domain Domain, eventType string) int {
	v, ok := t.versions.Load(versionKey{domain, eventType})
	if !ok {
		return 0
	}
	return int(v.(*atomic.Int64).Load())
}

// Observe records version if it is not lower than the current one. It returns
// the version now in effect and whether version was accepted.
func (t *VersionTracker) Observe(domain Domain, eventType string, version int) (int, bool) {
	v, _ := t.versions.LoadOrStore(versionKey{domain, eventType}, new(atomic.Int64))
	cur := v.(*atomic.Int64)
	for {
		old := cur.Load()
		if int64(version) < old {
			return int(old), false
		}
		if int64(version) == old || cur.CompareAndSwap(old, int64(version)) {
			return version, true
		}
	}
}
