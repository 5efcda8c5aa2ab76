package logging

import (
	"strings"
	"sync"
	"time"
)

// ProgressSampler suppresses repetitive progress logs. It emits when the
// completion percentage crosses a bucket boundary, when the phase changes, or
// when no line has been emitted for longer than the heartbeat interval.
type ProgressSampler struct {
	mu         sync.Mutex
	bucketSize float64
	heartbeat  time.Duration
	now        func() time.Time
	lastPhase  string
	lastBucket int
	lastEmit   time.Time
}

// NewProgressSampler constructs a sampler with the given bucket size in
// percent (default 5) and heartbeat interval (0 disables the heartbeat).
func NewProgressSampler(bucketSize float64, heartbeat time.Duration) *ProgressSampler {
	if bucketSize <= 0 {
		bucketSize = 5
	}
	return &ProgressSampler{bucketSize: bucketSize, heartbeat: heartbeat, now: time.Now, lastBucket: -1}
}

// ShouldLog reports whether a progress event for done of total units in the
// given phase should be logged. A non-positive total disables percentage
// bucketing so only phase changes and heartbeats emit.
func (s *ProgressSampler) ShouldLog(done, total int64, phase string) bool {
	if s == nil {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	emit := false
	phase = strings.TrimSpace(phase)
	if phase != "" && phase != s.lastPhase {
		s.lastPhase = phase
		s.lastBucket = -1
		emit = true
	}
	if total > 0 {
		percent := float64(done) * 100 / float64(total)
		if percent > 100 {
			percent = 100
		}
		if bucket := int(percent / s.bucketSize); bucket > s.lastBucket {
			s.lastBucket = bucket
			emit = true
		}
	}
	if !emit && s.heartbeat > 0 && !s.lastEmit.IsZero() && now.Sub(s.lastEmit) >= s.heartbeat {
		emit = true
	}
	if emit {
		s.lastEmit = now
	}
	return emit
}

// Reset clears the sampler state.
func (s *ProgressSampler) Reset() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastPhase = ""
	s.lastBucket = -1
	s.lastEmit = time.Time{}
}
