package mediaflow

import (
	"sync"
	"time"
)

// KindStats carries per-media-kind tx/rx counters, rolled up into the
// session-wide Stats below.
type KindStats struct {
	TxPackets uint64
	TxBytes   uint64
	RxPackets uint64
	RxBytes   uint64
}

// Stats is the session statistics record. All fields are safe to
// read from any goroutine via Session.Stats(); every mutation holds the
// tracker's mutex, whichever goroutine makes it.
type Stats struct {
	TxBytes uint64
	RxBytes uint64

	FirstTx time.Time
	LastTx  time.Time
	FirstRx time.Time
	LastRx  time.Time

	NumSRTPDropped uint64 // media arrived before srtp_rx was installed
	NumSRTPErrors  uint64 // decrypt failures (excluding silent replay)
	NumSDPReceived uint64
	NumRemoteCands uint64

	// PeerSoftware is the SOFTWARE attribute value extracted from the
	// peer's STUN traffic, when it sent one.
	PeerSoftware string

	Audio KindStats
	Video KindStats

	// Milestone durations, measured from Alloc.
	TurnAllocDur time.Duration
	NATEstabDur  time.Duration
	DTLSEstabDur time.Duration
	DCEEstabDur  time.Duration
}

type statsTracker struct {
	mu       sync.Mutex
	s        Stats
	allocAt  time.Time
	turnDone bool
	natDone  bool
	dtlsDone bool
	dceDone  bool
}

func newStatsTracker() *statsTracker {
	return &statsTracker{allocAt: time.Now()}
}

func (t *statsTracker) snapshot() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.s
}

func (t *statsTracker) onTx(kind MediaKind, n int, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.s.TxBytes += uint64(n)
	if t.s.FirstTx.IsZero() {
		t.s.FirstTx = now
	}
	t.s.LastTx = now
	switch kind {
	case KindAudio:
		t.s.Audio.TxPackets++
		t.s.Audio.TxBytes += uint64(n)
	case KindVideo, KindVideoRTX:
		t.s.Video.TxPackets++
		t.s.Video.TxBytes += uint64(n)
	}
}

func (t *statsTracker) onRx(kind MediaKind, n int, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.s.RxBytes += uint64(n)
	if t.s.FirstRx.IsZero() {
		t.s.FirstRx = now
	}
	t.s.LastRx = now
	switch kind {
	case KindAudio:
		t.s.Audio.RxPackets++
		t.s.Audio.RxBytes += uint64(n)
	case KindVideo, KindVideoRTX:
		t.s.Video.RxPackets++
		t.s.Video.RxBytes += uint64(n)
	}
}

// onRxRTCP counts control traffic toward the session totals without
// touching the per-kind media buckets.
func (t *statsTracker) onRxRTCP(n int, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.s.RxBytes += uint64(n)
	if t.s.FirstRx.IsZero() {
		t.s.FirstRx = now
	}
	t.s.LastRx = now
}

func (t *statsTracker) incSRTPDropped() {
	t.mu.Lock()
	t.s.NumSRTPDropped++
	t.mu.Unlock()
}

func (t *statsTracker) incSRTPError() {
	t.mu.Lock()
	t.s.NumSRTPErrors++
	t.mu.Unlock()
}

func (t *statsTracker) incSDPReceived() {
	t.mu.Lock()
	t.s.NumSDPReceived++
	t.mu.Unlock()
}

func (t *statsTracker) incRemoteCandidates(n int) {
	t.mu.Lock()
	t.s.NumRemoteCands += uint64(n)
	t.mu.Unlock()
}

func (t *statsTracker) setPeerSoftware(v string) {
	t.mu.Lock()
	if t.s.PeerSoftware == "" {
		t.s.PeerSoftware = v
	}
	t.mu.Unlock()
}

func (t *statsTracker) markTurnAlloc() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.turnDone {
		return
	}
	t.turnDone = true
	t.s.TurnAllocDur = time.Since(t.allocAt)
}

func (t *statsTracker) markNATEstablished() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.natDone {
		return
	}
	t.natDone = true
	t.s.NATEstabDur = time.Since(t.allocAt)
}

func (t *statsTracker) markDTLSEstablished() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.dtlsDone {
		return
	}
	t.dtlsDone = true
	t.s.DTLSEstabDur = time.Since(t.allocAt)
}

func (t *statsTracker) markDCEEstablished() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.dceDone {
		return
	}
	t.dceDone = true
	t.s.DCEEstabDur = time.Since(t.allocAt)
}
