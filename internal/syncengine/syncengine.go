// Package syncengine implements the sync protocol core (spec §4.5,
// §5): topic subscription, peer join/leave tracking, head exchange on
// both the direct channel and the pubsub topic, broadcast on update,
// and the serialized work queue that gives the whole thing its
// ordering guarantees.
//
// Grounded on internal/events/events.go's Manager: a mutex-guarded
// subscriber/peer set, channel-based event fan-out with a
// drop-on-full slow-consumer policy, and a Shutdown that closes
// everything down in a fixed order. cmd/primal-pds/main.go's
// signal-driven context cancellation shapes Start/Stop.
package syncengine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/orbitmesh/oplogsync/internal/dchan"
	"github.com/orbitmesh/oplogsync/internal/entry"
	"github.com/orbitmesh/oplogsync/internal/identity"
	"github.com/orbitmesh/oplogsync/internal/syncmarshal"
)

// DefaultTimeout is the per-peer handshake timeout used when New is
// given a zero timeout (spec §4.5 "Inputs").
const DefaultTimeout = 30 * time.Second

// Log is the local append-only log collaborator (spec §4.5 "Inputs").
// The engine itself only ever calls ID and Heads; Append belongs to
// the onSynced consumer's side of the contract (see internal/logstore),
// kept here for interface-level fidelity with the full collaborator
// shape the spec describes.
type Log interface {
	ID() string
	Heads(ctx context.Context) ([]*entry.Entry, error)
	Append(ctx context.Context, e *entry.Entry) error
}

// PubSub is the publish/subscribe collaborator (spec §4.5 "Inputs").
type PubSub interface {
	Subscribe(topic string) error
	Unsubscribe(topic string) error
	Publish(topic string, data []byte) error
	OnSubscriptionChange(fn func(topic, peer string, subscribed bool))
	OnMessage(fn func(topic string, data []byte))
}

// EventKind labels what an Event reports.
type EventKind string

const (
	EventJoin  EventKind = "join"
	EventLeave EventKind = "leave"
	EventError EventKind = "error"
)

// Event is the engine's event-sink surface (spec §4.5 "Public operations").
type Event struct {
	Kind  EventKind
	Peer  string
	Heads []*entry.Entry // populated on EventJoin
	Err   error          // populated on EventError
}

type peerState int

const (
	peerPending peerState = iota
	peerEngaged
)

// Engine is one peer's sync protocol state machine over a single log.
type Engine struct {
	logImpl   Log
	pubsub    PubSub
	transport dchan.Transport
	verifier  identity.Verifier
	dialect   entry.Dialect
	onSynced  func([]byte)
	timeout   time.Duration

	events chan Event

	mu         sync.Mutex
	started    bool
	peers      map[string]peerState
	taskCh     chan func(context.Context)
	rootCtx    context.Context
	cancelRoot context.CancelFunc
	enqueueWG  sync.WaitGroup
	doneCh     chan struct{}
	channel    *dchan.Channel
}

// New creates an Engine. onSynced is called once per verified head,
// in order, with its raw encoded bytes (spec §4.5 "Inputs"). timeout
// of zero uses DefaultTimeout.
func New(l Log, pubsub PubSub, transport dchan.Transport, verifier identity.Verifier, dialect entry.Dialect, onSynced func([]byte), timeout time.Duration) *Engine {
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	return &Engine{
		logImpl:   l,
		pubsub:    pubsub,
		transport: transport,
		verifier:  verifier,
		dialect:   dialect,
		onSynced:  onSynced,
		timeout:   timeout,
		events:    make(chan Event, 256),
	}
}

// Events returns the engine's event sink. It is created once in New
// and stays valid across Start/Stop cycles.
func (e *Engine) Events() <-chan Event { return e.events }

// Peers returns a snapshot of currently engaged peer identifiers (spec
// §4.5 "peers": "only engaged peers appear in the public peers set").
func (e *Engine) Peers() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.peers))
	for p, st := range e.peers {
		if st == peerEngaged {
			out = append(out, p)
		}
	}
	return out
}

// Start is idempotent: registers the direct-channel handler, attaches
// pubsub listeners, and subscribes to the topic named after the log's
// id. Listeners are attached before Subscribe (rather than after, as a
// literal reading of spec §4.5 might suggest) so a subscription-change
// fired synchronously during Subscribe is never lost to a race against
// listener registration.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return nil
	}
	e.rootCtx, e.cancelRoot = context.WithCancel(ctx)
	e.taskCh = make(chan func(context.Context), 256)
	e.doneCh = make(chan struct{})
	e.peers = make(map[string]peerState)
	e.started = true
	e.mu.Unlock()

	e.channel = dchan.New(e.transport, dchan.ProtocolID)
	messages, err := e.channel.Listen()
	if err != nil {
		e.mu.Lock()
		e.started = false
		e.mu.Unlock()
		return fmt.Errorf("syncengine: start: %w", err)
	}

	go e.runWorker()
	go e.forwardIncomingStreams(messages)

	e.pubsub.OnSubscriptionChange(e.handleSubscriptionChangeEvent)
	e.pubsub.OnMessage(e.handleMessageEvent)

	if err := e.pubsub.Subscribe(e.logImpl.ID()); err != nil {
		return fmt.Errorf("syncengine: start: subscribe: %w", err)
	}
	return nil
}

// Stop is idempotent: it stops accepting new work, drains whatever is
// already queued, then tears down listeners, the topic subscription,
// and the peer set, in that order (spec §4.5 "stop()").
//
// The transport's pubsub capability has no listener-removal operation
// (spec §4.5 only names "on(...)" registration), so "removes listeners"
// is realized by the started flag itself: handleSubscriptionChangeEvent
// and handleMessageEvent both no-op once started is false, rather than
// literally unregistering a callback.
func (e *Engine) Stop() error {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = false
	taskCh := e.taskCh
	e.mu.Unlock()

	e.enqueueWG.Wait()
	close(taskCh)
	<-e.doneCh

	e.cancelRoot()
	if err := e.channel.Close(); err != nil {
		log.Printf("syncengine: stop: close channel: %v", err)
	}
	if err := e.pubsub.Unsubscribe(e.logImpl.ID()); err != nil {
		log.Printf("syncengine: stop: unsubscribe: %v", err)
	}

	e.mu.Lock()
	e.peers = nil
	e.mu.Unlock()
	return nil
}

// Add publishes a heads envelope containing the single entry to the
// topic, if the engine is started (spec §4.5 "add(entry)").
func (e *Engine) Add(ctx context.Context, ent *entry.Entry) error {
	e.mu.Lock()
	started := e.started
	e.mu.Unlock()
	if !started {
		return nil
	}

	env := &syncmarshal.HeadsEnvelope{Address: e.logImpl.ID(), Heads: []*entry.Entry{ent}}
	payload, err := syncmarshal.Marshal(env, e.dialect)
	if err != nil {
		return fmt.Errorf("syncengine: add: marshal: %w", err)
	}
	if err := e.pubsub.Publish(e.logImpl.ID(), payload); err != nil {
		return fmt.Errorf("syncengine: add: publish: %w", err)
	}
	return nil
}

// runWorker is the concurrency-1 serialized work queue (spec §4.5
// "Subscription-change handling runs through a concurrency-1
// serialized work queue").
func (e *Engine) runWorker() {
	for task := range e.taskCh {
		task(e.rootCtx)
	}
	close(e.doneCh)
}

func (e *Engine) forwardIncomingStreams(messages <-chan dchan.Message) {
	for msg := range messages {
		m := msg
		e.enqueue(func(ctx context.Context) { e.handleIncomingStream(ctx, m) })
	}
}

// enqueue submits task to the serialized queue. It is a silent no-op
// once the engine has stopped accepting work.
func (e *Engine) enqueue(task func(context.Context)) {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return
	}
	ch := e.taskCh
	e.enqueueWG.Add(1)
	e.mu.Unlock()
	defer e.enqueueWG.Done()

	select {
	case ch <- task:
	case <-e.rootCtx.Done():
	}
}

func (e *Engine) handleSubscriptionChangeEvent(topic, peer string, subscribed bool) {
	if topic != e.logImpl.ID() {
		return
	}
	e.enqueue(func(ctx context.Context) {
		if subscribed {
			e.handleSubscribe(ctx, peer)
		} else {
			e.handleUnsubscribe(peer)
		}
	})
}

func (e *Engine) handleMessageEvent(topic string, data []byte) {
	if topic != e.logImpl.ID() {
		return
	}
	e.enqueue(func(ctx context.Context) { e.handleUpdateMessage(ctx, data) })
}

// handleSubscribe implements spec §4.5 "Subscribe event from peer P".
func (e *Engine) handleSubscribe(ctx context.Context, peer string) {
	e.mu.Lock()
	if _, exists := e.peers[peer]; exists {
		e.mu.Unlock()
		return
	}
	e.peers[peer] = peerPending
	e.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	heads, err := e.logImpl.Heads(dialCtx)
	if err != nil {
		e.emitError(err)
		e.removePeer(peer)
		return
	}

	env := &syncmarshal.HeadsEnvelope{Address: e.logImpl.ID(), Heads: heads}
	payload, err := syncmarshal.Marshal(env, e.dialect)
	if err != nil {
		e.emitError(err)
		e.removePeer(peer)
		return
	}

	if err := e.channel.Send(dialCtx, peer, payload); err != nil {
		if errors.Is(err, dchan.ErrUnsupportedProtocol) {
			e.removePeer(peer)
			return
		}
		e.emitError(err)
		e.removePeer(peer)
		return
	}

	e.mu.Lock()
	e.peers[peer] = peerEngaged
	e.mu.Unlock()
}

// handleUnsubscribe implements spec §4.5 "Unsubscribe event from peer P".
func (e *Engine) handleUnsubscribe(peer string) {
	e.removePeer(peer)
	e.emit(Event{Kind: EventLeave, Peer: peer})
}

func (e *Engine) removePeer(peer string) {
	e.mu.Lock()
	delete(e.peers, peer)
	e.mu.Unlock()
}

// handleIncomingStream implements spec §4.5 "Head exchange on
// incoming stream".
func (e *Engine) handleIncomingStream(ctx context.Context, msg dchan.Message) {
	peer := msg.RemotePeer

	e.mu.Lock()
	e.peers[peer] = peerEngaged
	e.mu.Unlock()

	env, err := syncmarshal.Unmarshal(msg.Bytes, e.dialect)
	if err != nil {
		e.emitError(fmt.Errorf("syncengine: decode heads envelope from %s: %w", peer, err))
		return
	}

	for _, head := range env.Heads {
		if err := e.verifyAndDeliver(head); err != nil {
			e.emitError(err)
		}
	}

	e.mu.Lock()
	started := e.started
	e.mu.Unlock()
	if !started {
		return
	}

	localHeads, err := e.logImpl.Heads(ctx)
	if err != nil {
		e.emitError(err)
		return
	}
	e.emit(Event{Kind: EventJoin, Peer: peer, Heads: localHeads})
}

// handleUpdateMessage implements spec §4.5 "Broadcast on update":
// updates received on the pubsub topic are parsed identically to the
// stream handshake. Each envelope runs as one task on the serialized
// queue, and its heads are delivered in order within that task.
func (e *Engine) handleUpdateMessage(ctx context.Context, data []byte) {
	env, err := syncmarshal.Unmarshal(data, e.dialect)
	if err != nil {
		e.emitError(fmt.Errorf("syncengine: decode heads envelope: %w", err))
		return
	}
	for _, head := range env.Heads {
		if err := e.verifyAndDeliver(head); err != nil {
			e.emitError(err)
		}
	}
}

// verifyAndDeliver re-encodes head to recompute its content identifier
// and compares it against the advertised hash (spec invariant 1, §4.5).
// A mismatch is a hard rejection of that head; on success, head's
// re-encoded bytes are handed to onSynced.
func (e *Engine) verifyAndDeliver(head *entry.Entry) error {
	claimed := head.Hash
	if _, err := entry.Encode(head); err != nil {
		return fmt.Errorf("syncengine: encode head %s: %w", head.ID, err)
	}
	if claimed != "" && head.Hash != claimed {
		return fmt.Errorf("syncengine: hash mismatch for head %s: claimed %s recomputed %s", head.ID, claimed, head.Hash)
	}

	if e.verifier != nil {
		ok, err := entry.Verify(e.verifier, head)
		if err != nil {
			return fmt.Errorf("syncengine: verify head %s: %w", head.ID, err)
		}
		if !ok {
			return fmt.Errorf("syncengine: signature check failed for head %s", head.ID)
		}
	}

	e.onSynced(head.Bytes)
	return nil
}

func (e *Engine) emit(ev Event) {
	select {
	case e.events <- ev:
	default:
		log.Printf("syncengine: event sink full, dropping %s event for %s", ev.Kind, ev.Peer)
	}
}

func (e *Engine) emitError(err error) {
	e.emit(Event{Kind: EventError, Err: err})
}
