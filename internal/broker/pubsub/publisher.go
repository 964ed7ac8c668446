// Package pubsub implements the stream publisher described in the
// execution engine's output pub/sub fabric: a per-execution subscriber set
// with ordered fan-out of start/data/end/error events.
//
// Grounded on the teacher's internal/agentctl/process.OutputBuffer
// subscriber pattern (channel-based, non-blocking notify), generalized
// from a single shared ring into a capability-set subscriber interface per
// execution so the file subscriber and ring subscriber can be registered
// side by side.
package pubsub

import (
	"sync"

	"github.com/mako10k/shell-server-sub000/internal/broker/ids"
	"github.com/mako10k/shell-server-sub000/internal/common/logger"
	"go.uber.org/zap"
)

// Subscriber is the capability set a component registers to observe one
// execution's lifecycle. Every method is invoked in order by the publisher,
// each subscriber in its own goroutine; the publisher waits for all of them
// before a Publish call returns, so a subscriber that blocks holds up the
// next event for every subscriber of that execution.
type Subscriber interface {
	// OnProcessStart is called at most once, before any OnOutputData.
	OnProcessStart(exec ids.ExecutionID, command string)
	// OnOutputData is called once per published chunk, in publish order.
	OnOutputData(exec ids.ExecutionID, data []byte, isStderr bool)
	// OnProcessEnd is called at most once, after the last OnOutputData.
	OnProcessEnd(exec ids.ExecutionID, exitCode int)
	// OnError may be called at any point, possibly interleaved with data.
	OnError(exec ids.ExecutionID, err error)
}

// SubscriberID names one registered subscriber.
type SubscriberID string

type perExecState struct {
	mu     sync.Mutex
	subIDs map[SubscriberID]struct{}
}

// Publisher fans execution lifecycle events out to a set of registered
// subscribers, delivering each event to all of them concurrently and
// waiting for every one before returning. A panicking subscriber is
// recovered and does not stop delivery to the others.
type Publisher struct {
	log *logger.Logger

	mu          sync.RWMutex
	subscribers map[SubscriberID]Subscriber
	globalIDs   []SubscriberID
	perExec     map[ids.ExecutionID]*perExecState
}

// NewPublisher constructs an empty Publisher.
func NewPublisher(log *logger.Logger) *Publisher {
	return &Publisher{
		log:         log.WithFields(zap.String("component", "publisher")),
		subscribers: make(map[SubscriberID]Subscriber),
		perExec:     make(map[ids.ExecutionID]*perExecState),
	}
}

// Register adds a subscriber under id; it is not yet bound to any
// execution until Subscribe is called for that execution.
func (p *Publisher) Register(id SubscriberID, sub Subscriber) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subscribers[id] = sub
}

// RegisterGlobal adds a subscriber under id and binds it to every
// execution automatically, present and future. The output store's file
// subscriber and the ring subscriber are registered this way, since every
// execution needs both regardless of caller intent.
func (p *Publisher) RegisterGlobal(id SubscriberID, sub Subscriber) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subscribers[id] = sub
	p.globalIDs = append(p.globalIDs, id)
}

// Subscribe binds subscriber id to execution exec, in addition to
// whichever subscribers were registered via RegisterGlobal.
func (p *Publisher) Subscribe(exec ids.ExecutionID, id SubscriberID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	state := p.stateForLocked(exec)
	state.mu.Lock()
	state.subIDs[id] = struct{}{}
	state.mu.Unlock()
}

// stateForLocked returns exec's subscription state, creating it (seeded
// with every global subscriber) if this is the first event seen for exec.
// Callers must hold p.mu.
func (p *Publisher) stateForLocked(exec ids.ExecutionID) *perExecState {
	state, ok := p.perExec[exec]
	if ok {
		return state
	}
	state = &perExecState{subIDs: make(map[SubscriberID]struct{})}
	for _, id := range p.globalIDs {
		state.subIDs[id] = struct{}{}
	}
	p.perExec[exec] = state
	return state
}

// PublishStart notifies every subscriber of exec that the process has
// started. Must be called before any PublishData for the same execution.
func (p *Publisher) PublishStart(exec ids.ExecutionID, command string) {
	p.dispatch(exec, func(sub Subscriber) { sub.OnProcessStart(exec, command) })
}

// PublishData notifies every subscriber of exec of one output chunk, in
// the order this method is called for that execution.
func (p *Publisher) PublishData(exec ids.ExecutionID, data []byte, isStderr bool) {
	// Copy so a subscriber mutating its buffer cannot race the caller's reuse
	// of data.
	cp := make([]byte, len(data))
	copy(cp, data)
	p.dispatch(exec, func(sub Subscriber) { sub.OnOutputData(exec, cp, isStderr) })
}

// PublishEnd notifies every subscriber of exec that the process has ended,
// then removes the execution's subscription set.
func (p *Publisher) PublishEnd(exec ids.ExecutionID, exitCode int) {
	p.dispatch(exec, func(sub Subscriber) { sub.OnProcessEnd(exec, exitCode) })
	p.unsubscribeAll(exec)
}

// PublishError notifies every subscriber of exec of an error. May be
// called at any point in the execution's lifecycle.
func (p *Publisher) PublishError(exec ids.ExecutionID, err error) {
	p.dispatch(exec, func(sub Subscriber) { sub.OnError(exec, err) })
}

func (p *Publisher) dispatch(exec ids.ExecutionID, call func(Subscriber)) {
	p.mu.Lock()
	state := p.stateForLocked(exec)
	p.mu.Unlock()

	p.mu.RLock()
	state.mu.Lock()
	subIDs := make([]SubscriberID, 0, len(state.subIDs))
	for id := range state.subIDs {
		subIDs = append(subIDs, id)
	}
	state.mu.Unlock()

	subs := make([]Subscriber, 0, len(subIDs))
	for _, id := range subIDs {
		if sub, ok := p.subscribers[id]; ok {
			subs = append(subs, sub)
		}
	}
	p.mu.RUnlock()

	var wg sync.WaitGroup
	for _, sub := range subs {
		wg.Add(1)
		s := sub
		go func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					p.log.Error("subscriber callback panicked", zap.Any("recover", r))
				}
			}()
			call(s)
		}()
	}
	wg.Wait()
}

func (p *Publisher) unsubscribeAll(exec ids.ExecutionID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.perExec, exec)
}
