// Package filesub implements the file storage subscriber: it buffers a
// running execution's output in memory and, on process end, writes one
// combined artifact via the output store.
//
// Grounded on the teacher's internal/agentctl/process.OutputBuffer (which
// accumulates lines before they are consumed) adapted to the spec's
// combined stdout/stderr artifact shape.
package filesub

import (
	"bytes"
	"context"
	"sync"

	"github.com/mako10k/shell-server-sub000/internal/broker/ids"
	"github.com/mako10k/shell-server-sub000/internal/broker/store"
	"github.com/mako10k/shell-server-sub000/internal/common/logger"
	"go.uber.org/zap"
)

const stderrSeparator = "\n--- STDERR ---\n"

type execBuffers struct {
	mu     sync.Mutex
	stdout bytes.Buffer
	stderr bytes.Buffer
}

// Subscriber buffers per-execution output and persists a combined artifact
// through an output store on process end.
type Subscriber struct {
	store *store.Store
	log   *logger.Logger

	mu    sync.Mutex
	execs map[ids.ExecutionID]*execBuffers
	// bound receives the OutputID once an execution's artifact is written.
	bound map[ids.ExecutionID]ids.OutputID
	boundMu sync.Mutex
}

// New constructs a file subscriber writing combined artifacts into st.
func New(st *store.Store, log *logger.Logger) *Subscriber {
	return &Subscriber{
		store: st,
		log:   log.WithFields(zap.String("component", "filesub")),
		execs: make(map[ids.ExecutionID]*execBuffers),
		bound: make(map[ids.ExecutionID]ids.OutputID),
	}
}

func (s *Subscriber) buffersFor(exec ids.ExecutionID) *execBuffers {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.execs[exec]
	if !ok {
		b = &execBuffers{}
		s.execs[exec] = b
	}
	return b
}

// OnProcessStart is a no-op; buffers are created lazily on first data.
func (s *Subscriber) OnProcessStart(exec ids.ExecutionID, command string) {}

// OnOutputData appends chunk to the appropriate in-memory stream buffer.
func (s *Subscriber) OnOutputData(exec ids.ExecutionID, data []byte, isStderr bool) {
	b := s.buffersFor(exec)
	b.mu.Lock()
	defer b.mu.Unlock()
	if isStderr {
		b.stderr.Write(data)
	} else {
		b.stdout.Write(data)
	}
}

// OnProcessEnd writes the combined artifact and records its OutputID.
func (s *Subscriber) OnProcessEnd(exec ids.ExecutionID, exitCode int) {
	s.mu.Lock()
	b, ok := s.execs[exec]
	delete(s.execs, exec)
	s.mu.Unlock()
	if !ok {
		return
	}

	b.mu.Lock()
	stdout := b.stdout.String()
	stderr := b.stderr.String()
	b.mu.Unlock()

	combined := stdout
	if stderr != "" {
		combined += stderrSeparator + stderr
	}

	id, err := s.store.CreateFromString(context.Background(), store.KindCombined, combined, exec)
	if err != nil {
		s.log.Error("failed to persist combined artifact", zap.String("execution_id", string(exec)), zap.Error(err))
		return
	}

	s.boundMu.Lock()
	s.bound[exec] = id
	s.boundMu.Unlock()
}

// PersistPartial snapshots exec's currently buffered output into a new
// artifact without clearing the buffer, so a still-running execution has a
// resolvable OutputID: an adaptive transition hands it to the caller, and a
// pipeline reader can later join the ring at it. OnProcessEnd still runs
// its own final persist when the process actually exits, rebinding exec to
// the complete artifact.
func (s *Subscriber) PersistPartial(ctx context.Context, exec ids.ExecutionID) (ids.OutputID, bool) {
	s.mu.Lock()
	b, ok := s.execs[exec]
	s.mu.Unlock()
	if !ok {
		return "", false
	}

	b.mu.Lock()
	stdout := b.stdout.String()
	stderr := b.stderr.String()
	b.mu.Unlock()

	combined := stdout
	if stderr != "" {
		combined += stderrSeparator + stderr
	}

	id, err := s.store.CreateFromString(ctx, store.KindCombined, combined, exec)
	if err != nil {
		s.log.Error("failed to persist partial artifact", zap.String("execution_id", string(exec)), zap.Error(err))
		return "", false
	}

	s.boundMu.Lock()
	s.bound[exec] = id
	s.boundMu.Unlock()
	return id, true
}

// OnError is a no-op; persistence failures are logged, not raised here.
func (s *Subscriber) OnError(exec ids.ExecutionID, err error) {}

// OutputIDFor returns the OutputID most recently bound to exec, by
// PersistPartial or OnProcessEnd, or false if neither has bound one yet (or
// writing failed).
func (s *Subscriber) OutputIDFor(exec ids.ExecutionID) (ids.OutputID, bool) {
	s.boundMu.Lock()
	defer s.boundMu.Unlock()
	id, ok := s.bound[exec]
	return id, ok
}
