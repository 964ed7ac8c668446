// Package ring implements the ring subscriber: a per-execution bounded
// deque of sequenced output chunks that a pipeline reader can follow while
// the producing process is still running.
//
// Grounded on the teacher's internal/agentctl/server/process.ringBuffer
// (size/age bounded eviction) and internal/agentctl/process.OutputBuffer
// (subscriber registration), generalized to carry sequence numbers and an
// isActive flag per the pipeline-handoff design.
package ring

import (
	"sync"
	"time"

	"github.com/mako10k/shell-server-sub000/internal/broker/ids"
)

// Chunk is one sequenced piece of output.
type Chunk struct {
	SequenceNumber int64
	Timestamp      time.Time
	Data           []byte
	IsStderr       bool
}

// StreamState summarizes one execution's ring state.
type StreamState struct {
	IsActive     bool
	LastSequence int64
	ChunkCount   int
}

type execRing struct {
	mu           sync.Mutex
	chunks       []Chunk
	nextSeq      int64
	isActive     bool
	lastActivity time.Time
}

// Subscriber is a bounded, per-execution ring buffer of output chunks. It
// implements pubsub.Subscriber so it can be registered directly with the
// publisher.
type Subscriber struct {
	bufferSize          int
	maxBuffers          int
	maxRetentionSeconds int

	mu    sync.RWMutex
	execs map[ids.ExecutionID]*execRing
}

// New constructs a ring Subscriber. bufferSize is advisory (matches the
// per-chunk target used by callers that split output before publishing);
// maxBuffers bounds the number of retained chunks per execution;
// maxRetentionSeconds bounds how long a finished execution's chunks are
// kept before the sweep evicts them.
func New(bufferSize, maxBuffers, maxRetentionSeconds int) *Subscriber {
	return &Subscriber{
		bufferSize:          bufferSize,
		maxBuffers:          maxBuffers,
		maxRetentionSeconds: maxRetentionSeconds,
		execs:               make(map[ids.ExecutionID]*execRing),
	}
}

func (s *Subscriber) ringFor(exec ids.ExecutionID) *execRing {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.execs[exec]
	if !ok {
		r = &execRing{isActive: true, lastActivity: time.Now()}
		s.execs[exec] = r
	}
	return r
}

// OnProcessStart is a no-op; the ring activates on first data per spec.
func (s *Subscriber) OnProcessStart(exec ids.ExecutionID, command string) {}

// OnOutputData appends a sequenced chunk, trimming the oldest chunks once
// more than maxBuffers are retained or once they are older than
// maxRetentionSeconds.
func (s *Subscriber) OnOutputData(exec ids.ExecutionID, data []byte, isStderr bool) {
	r := s.ringFor(exec)
	r.mu.Lock()
	defer r.mu.Unlock()

	cp := make([]byte, len(data))
	copy(cp, data)

	r.chunks = append(r.chunks, Chunk{
		SequenceNumber: r.nextSeq,
		Timestamp:      time.Now(),
		Data:           cp,
		IsStderr:       isStderr,
	})
	r.nextSeq++
	r.lastActivity = time.Now()

	if s.maxBuffers > 0 {
		for len(r.chunks) > s.maxBuffers {
			r.chunks = r.chunks[1:]
		}
	}
	if s.maxRetentionSeconds > 0 {
		cutoff := time.Now().Add(-time.Duration(s.maxRetentionSeconds) * time.Second)
		for len(r.chunks) > 0 && r.chunks[0].Timestamp.Before(cutoff) {
			r.chunks = r.chunks[1:]
		}
	}
}

// OnProcessEnd flips the ring inactive; chunks are retained until the TTL
// sweep or eviction removes them.
func (s *Subscriber) OnProcessEnd(exec ids.ExecutionID, exitCode int) {
	r := s.ringFor(exec)
	r.mu.Lock()
	r.isActive = false
	r.lastActivity = time.Now()
	r.mu.Unlock()
}

// OnError is a no-op for the ring; errors are not part of its replay log.
func (s *Subscriber) OnError(exec ids.ExecutionID, err error) {}

// GetStreamState reports the current state of exec's ring, or false if
// nothing has ever been published for it.
func (s *Subscriber) GetStreamState(exec ids.ExecutionID) (StreamState, bool) {
	s.mu.RLock()
	r, ok := s.execs[exec]
	s.mu.RUnlock()
	if !ok {
		return StreamState{}, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	last := int64(-1)
	if len(r.chunks) > 0 {
		last = r.chunks[len(r.chunks)-1].SequenceNumber
	}
	return StreamState{IsActive: r.isActive, LastSequence: last, ChunkCount: len(r.chunks)}, true
}

// GetLatestBuffers returns the most recent n chunks, oldest first.
func (s *Subscriber) GetLatestBuffers(exec ids.ExecutionID, n int) []Chunk {
	s.mu.RLock()
	r, ok := s.execs[exec]
	s.mu.RUnlock()
	if !ok {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if n > len(r.chunks) {
		n = len(r.chunks)
	}
	if n <= 0 {
		return nil
	}
	out := make([]Chunk, n)
	copy(out, r.chunks[len(r.chunks)-n:])
	return out
}

// GetBuffersFromSequence returns up to maxCount chunks with sequence
// number >= fromSeq, in order.
func (s *Subscriber) GetBuffersFromSequence(exec ids.ExecutionID, fromSeq int64, maxCount int) []Chunk {
	s.mu.RLock()
	r, ok := s.execs[exec]
	s.mu.RUnlock()
	if !ok {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Chunk
	for _, c := range r.chunks {
		if c.SequenceNumber >= fromSeq {
			out = append(out, c)
			if len(out) >= maxCount {
				break
			}
		}
	}
	return out
}

// Sweep evicts every execution whose ring has been inactive for longer
// than maxRetentionSeconds. Intended to be called periodically from a
// background goroutine.
func (s *Subscriber) Sweep(now time.Time) {
	if s.maxRetentionSeconds <= 0 {
		return
	}
	ttl := time.Duration(s.maxRetentionSeconds) * time.Second

	s.mu.Lock()
	defer s.mu.Unlock()
	for exec, r := range s.execs {
		r.mu.Lock()
		stale := !r.isActive && now.Sub(r.lastActivity) > ttl
		r.mu.Unlock()
		if stale {
			delete(s.execs, exec)
		}
	}
}

// StartSweeper runs Sweep every interval until stop is closed.
func (s *Subscriber) StartSweeper(interval time.Duration, stop <-chan struct{}) {
	t := time.NewTicker(interval)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-t.C:
				s.Sweep(time.Now())
			case <-stop:
				return
			}
		}
	}()
}
