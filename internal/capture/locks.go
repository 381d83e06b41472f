package capture

import "sync"

// ZoneLocks provides the advisory per-zone locks shared between capture
// sessions and retention sweeps. Sessions hold a zone read-side while
// persisting; sweeps hold the write-side, so a sweep never deletes a
// blob a concurrent capture is about to reuse. The model is
// single-process, so in-process locks suffice.
type ZoneLocks struct {
	raw     sync.RWMutex
	derived sync.RWMutex
}

// Zone returns the lock for the named zone.
func (l *ZoneLocks) Zone(z Zone) *sync.RWMutex {
	if z == ZoneDerived {
		return &l.derived
	}
	return &l.raw
}
