package ring

import (
	"context"
	"fmt"
	"time"

	"github.com/mako10k/shell-server-sub000/internal/broker/ids"
	"github.com/mako10k/shell-server-sub000/internal/broker/store"
)

const (
	defaultPollingInterval = 100 * time.Millisecond
	defaultReadTimeout     = 30 * time.Second
	defaultChunkSize       = 64 * 1024
	ringFollowBatch        = 50
)

// PipelineReader is a lazy byte source over an OutputID whose owning
// execution may still be running: it drains the persisted artifact, then
// switches to following the ring at the join point, emitting each byte
// exactly once.
//
// Grounded on the handoff algorithm in spec.md §4.5: estimate the ring
// sequence number already covered by the file cursor by walking the
// ring's latest buffers backward until the accumulated length covers the
// remaining file bytes.
type PipelineReader struct {
	store *store.Store
	ring  *Subscriber
	outID ids.OutputID
	exec  ids.ExecutionID

	pollingInterval time.Duration
	readTimeout     time.Duration
	chunkSize       int64

	phase         phase
	fileOffset    int64
	lastEmittedSeq int64
}

type phase int

const (
	phaseFileDrain phase = iota
	phaseRingFollow
	phaseDone
)

// NewPipelineReader constructs a reader over outID, whose producing
// execution is exec (used to consult the ring).
func NewPipelineReader(st *store.Store, r *Subscriber, outID ids.OutputID, exec ids.ExecutionID) *PipelineReader {
	return &PipelineReader{
		store:           st,
		ring:            r,
		outID:           outID,
		exec:            exec,
		pollingInterval: defaultPollingInterval,
		readTimeout:     defaultReadTimeout,
		chunkSize:       defaultChunkSize,
	}
}

// Next returns the next chunk of bytes, or io.EOF-equivalent via the done
// flag when the stream has ended. It blocks, internally polling, until
// either data is available, the stream ends, or readTimeout elapses.
func (p *PipelineReader) Next(ctx context.Context) (data []byte, done bool, err error) {
	deadline := time.Now().Add(p.readTimeout)
	for {
		if p.phase == phaseDone {
			return nil, true, nil
		}
		if time.Now().After(deadline) {
			return nil, false, fmt.Errorf("pipeline reader: read timeout with no emission")
		}

		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		default:
		}

		switch p.phase {
		case phaseFileDrain:
			chunk, progressed, switchedToRing, err := p.drainFile(ctx)
			if err != nil {
				return nil, false, err
			}
			if len(chunk) > 0 {
				return chunk, false, nil
			}
			if switchedToRing {
				continue
			}
			if !progressed {
				time.Sleep(p.pollingInterval)
			}
		case phaseRingFollow:
			chunk, ended, err := p.followRing()
			if err != nil {
				return nil, false, err
			}
			if len(chunk) > 0 {
				return chunk, false, nil
			}
			if ended {
				p.phase = phaseDone
				return nil, true, nil
			}
			time.Sleep(p.pollingInterval)
		}
	}
}

// drainFile reads forward from the file cursor. It returns the bytes read
// (if any), whether the cursor advanced, and whether it switched to ring
// mode this call.
func (p *PipelineReader) drainFile(ctx context.Context) (data []byte, progressed bool, switchedToRing bool, err error) {
	res, err := p.store.ReadByOffset(ctx, p.outID, p.fileOffset, p.chunkSize)
	if err != nil {
		return nil, false, false, fmt.Errorf("pipeline reader: file read: %w", err)
	}

	if len(res.Content) > 0 {
		p.fileOffset += int64(len(res.Content))
		return res.Content, true, false, nil
	}

	state, ok := p.ring.GetStreamState(p.exec)
	if !ok {
		return nil, false, false, fmt.Errorf("pipeline reader: missing stream state for %s", p.exec)
	}
	if !state.IsActive {
		p.phase = phaseDone
		return nil, false, false, nil
	}

	p.estimateJoinSequence()
	p.phase = phaseRingFollow
	return nil, false, true, nil
}

// estimateJoinSequence walks the ring's latest buffers backward,
// accumulating lengths, until the accumulated suffix length meets or
// exceeds the bytes not yet covered by the file (total ring bytes minus
// the file cursor), and sets lastEmittedSeq to the sequence number just
// before the first chunk not yet covered by the file. This keeps the
// file-to-ring handoff from emitting any byte twice: followRing only
// replays chunks strictly newer than what the file already produced.
func (p *PipelineReader) estimateJoinSequence() {
	const lookback = 4096
	recent := p.ring.GetLatestBuffers(p.exec, lookback)
	if len(recent) == 0 {
		p.lastEmittedSeq = -1
		return
	}

	var total int64
	for _, c := range recent {
		total += int64(len(c.Data))
	}
	remaining := total - p.fileOffset
	if remaining <= 0 {
		// The file has already caught up to (or past) everything retained
		// in the ring; resume right after the newest chunk.
		p.lastEmittedSeq = recent[len(recent)-1].SequenceNumber
		return
	}

	var accumulated int64
	for i := len(recent) - 1; i >= 0; i-- {
		accumulated += int64(len(recent[i].Data))
		if accumulated >= remaining {
			p.lastEmittedSeq = recent[i].SequenceNumber - 1
			return
		}
	}
	// Even the oldest retained chunk is still uncovered by the file;
	// replay from the very beginning of what the ring retains.
	p.lastEmittedSeq = recent[0].SequenceNumber - 1
}

func (p *PipelineReader) followRing() (data []byte, ended bool, err error) {
	chunks := p.ring.GetBuffersFromSequence(p.exec, p.lastEmittedSeq+1, ringFollowBatch)
	if len(chunks) == 0 {
		state, ok := p.ring.GetStreamState(p.exec)
		if !ok || !state.IsActive {
			return nil, true, nil
		}
		return nil, false, nil
	}

	var out []byte
	for _, c := range chunks {
		out = append(out, c.Data...)
		p.lastEmittedSeq = c.SequenceNumber
	}
	return out, false, nil
}
