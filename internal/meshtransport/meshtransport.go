// Package meshtransport is a concrete pubsub + stream-protocol
// transport for the sync engine, wiring its two collaborator
// interfaces (spec §4.5 "Inputs") over plain WebSocket connections
// between statically-known peer addresses.
//
// Grounded on internal/events/events.go's subscriber-map-plus-broadcast
// shape (subs map[*subscriber]struct{}, mutex-guarded, slow-consumer
// channel-close) and internal/server/xrpc_sync.go's WebSocket
// upgrade/read-goroutine/write-loop shape, generalized from a single
// long-lived firehose connection to one full-duplex link per
// (topic, peer) pair plus one-shot links per direct-channel dial.
package meshtransport

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/orbitmesh/oplogsync/internal/dchan"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Transport wires both the sync engine's pubsub capability and its
// stream-protocol capability over WebSocket connections to a
// statically-configured set of peer addresses.
type Transport struct {
	selfID string
	dialer *websocket.Dialer

	mu    sync.RWMutex
	peers map[string]string // peerID -> base URL, e.g. "ws://host:port"

	topicsMu sync.Mutex
	topics   map[string]*topicState

	streamMu       sync.Mutex
	streamHandlers map[string]dchan.StreamHandler

	subChangeMu       sync.Mutex
	subChangeHandlers []func(topic, peer string, subscribed bool)

	messageMu       sync.Mutex
	messageHandlers []func(topic, peer string, data []byte)
}

type topicState struct {
	mu    sync.Mutex
	links map[string]*topicLink // peerID -> link
}

// New creates a Transport identifying itself as selfID to dialed peers.
func New(selfID string) *Transport {
	return &Transport{
		selfID:         selfID,
		dialer:         websocket.DefaultDialer,
		peers:          make(map[string]string),
		topics:         make(map[string]*topicState),
		streamHandlers: make(map[string]dchan.StreamHandler),
	}
}

// AddPeer registers a known peer's base WebSocket URL
// (e.g. "ws://10.0.0.2:4001").
func (t *Transport) AddPeer(peerID, baseURL string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.peers[peerID] = baseURL
}

// RemovePeer forgets a peer's address.
func (t *Transport) RemovePeer(peerID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.peers, peerID)
}

func (t *Transport) peerURL(peerID string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	u, ok := t.peers[peerID]
	return u, ok
}

// RegisterRoutes wires the mesh's WebSocket endpoints onto an existing
// echo instance, mirroring internal/server/server.go's route-wiring
// style.
func (t *Transport) RegisterRoutes(e *echo.Echo) {
	e.GET("/mesh/pubsub/:topic", t.handlePubSubAccept)
	e.GET("/mesh/stream/:proto", t.handleStreamAccept)
}

// --- PubSub capability (spec §4.5 "Inputs": subscribe, unsubscribe,
// publish, on('subscription-change'), on('message')) ---

// OnSubscriptionChange registers a callback invoked whenever a peer
// link for a topic opens (subscribed=true) or closes (subscribed=false).
func (t *Transport) OnSubscriptionChange(fn func(topic, peer string, subscribed bool)) {
	t.subChangeMu.Lock()
	defer t.subChangeMu.Unlock()
	t.subChangeHandlers = append(t.subChangeHandlers, fn)
}

// OnMessage registers a callback invoked for every message received on
// any topic link.
func (t *Transport) OnMessage(fn func(topic string, data []byte)) {
	t.messageMu.Lock()
	defer t.messageMu.Unlock()
	t.messageHandlers = append(t.messageHandlers, func(topic, _ string, data []byte) { fn(topic, data) })
}

// Subscribe dials every known peer's pubsub endpoint for topic,
// establishing one full-duplex link per peer. Dial failures for
// individual peers are logged and skipped — they may simply not be
// reachable yet; the sync engine layer deals with discovery over time
// via further Subscribe/AddPeer calls.
func (t *Transport) Subscribe(topic string) error {
	state := t.topicStateFor(topic)

	t.mu.RLock()
	peers := make(map[string]string, len(t.peers))
	for id, u := range t.peers {
		peers[id] = u
	}
	t.mu.RUnlock()

	for peerID, base := range peers {
		if _, exists := state.link(peerID); exists {
			continue
		}
		wsURL := fmt.Sprintf("%s/mesh/pubsub/%s", base, url.PathEscape(topic))
		conn, _, err := t.dialer.Dial(wsURL, nil)
		if err != nil {
			log.Printf("meshtransport: subscribe %s: dial %s: %v", topic, peerID, err)
			continue
		}
		t.adoptLink(topic, peerID, conn)
	}
	return nil
}

// Unsubscribe closes every link this peer holds for topic.
func (t *Transport) Unsubscribe(topic string) error {
	t.topicsMu.Lock()
	state, ok := t.topics[topic]
	delete(t.topics, topic)
	t.topicsMu.Unlock()
	if !ok {
		return nil
	}

	state.mu.Lock()
	links := state.links
	state.links = nil
	state.mu.Unlock()

	for _, l := range links {
		l.conn.Close()
	}
	return nil
}

// Publish writes data to every currently-connected peer link for topic.
func (t *Transport) Publish(topic string, data []byte) error {
	state := t.topicStateFor(topic)

	state.mu.Lock()
	links := make([]*topicLink, 0, len(state.links))
	for _, l := range state.links {
		links = append(links, l)
	}
	state.mu.Unlock()

	var firstErr error
	for _, l := range links {
		if err := l.write(data); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("meshtransport: publish to %s: %w", l.peerID, err)
		}
	}
	return firstErr
}

func (t *Transport) topicStateFor(topic string) *topicState {
	t.topicsMu.Lock()
	defer t.topicsMu.Unlock()
	state, ok := t.topics[topic]
	if !ok {
		state = &topicState{links: make(map[string]*topicLink)}
		t.topics[topic] = state
	}
	return state
}

// handlePubSubAccept accepts an inbound link for a topic, registers it,
// and fires subscription-change(true)/(false) across its lifetime.
func (t *Transport) handlePubSubAccept(c echo.Context) error {
	topic := c.Param("topic")
	peerID := c.Request().Header.Get("X-Peer-Id")
	if peerID == "" {
		peerID = c.Request().RemoteAddr
	}

	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		log.Printf("meshtransport: pubsub upgrade: %v", err)
		return nil
	}

	t.adoptLink(topic, peerID, conn)
	return nil
}

// adoptLink registers conn as the link for (topic, peerID), starts its
// read loop, and fires subscription-change(true) immediately and
// subscription-change(false) when the read loop ends.
func (t *Transport) adoptLink(topic, peerID string, conn *websocket.Conn) {
	state := t.topicStateFor(topic)
	link := &topicLink{peerID: peerID, topic: topic, conn: conn}

	state.mu.Lock()
	if existing, ok := state.links[peerID]; ok {
		existing.conn.Close()
	}
	state.links[peerID] = link
	state.mu.Unlock()

	t.fireSubscriptionChange(topic, peerID, true)

	go func() {
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				break
			}
			if mt != websocket.BinaryMessage {
				continue
			}
			t.fireMessage(topic, peerID, data)
		}

		state.mu.Lock()
		if state.links[peerID] == link {
			delete(state.links, peerID)
		}
		state.mu.Unlock()
		conn.Close()
		t.fireSubscriptionChange(topic, peerID, false)
	}()
}

func (t *Transport) fireSubscriptionChange(topic, peer string, subscribed bool) {
	t.subChangeMu.Lock()
	handlers := append([]func(topic, peer string, subscribed bool){}, t.subChangeHandlers...)
	t.subChangeMu.Unlock()
	for _, h := range handlers {
		h(topic, peer, subscribed)
	}
}

func (t *Transport) fireMessage(topic, peer string, data []byte) {
	t.messageMu.Lock()
	handlers := append([]func(topic, peer string, data []byte){}, t.messageHandlers...)
	t.messageMu.Unlock()
	for _, h := range handlers {
		h(topic, peer, data)
	}
}

type topicLink struct {
	peerID string
	topic  string
	conn   *websocket.Conn

	writeMu sync.Mutex
}

func (l *topicLink) write(data []byte) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	return l.conn.WriteMessage(websocket.BinaryMessage, data)
}

// --- Stream-protocol capability (spec §4.5 "Inputs", §4.3) ---

// Handle implements dchan.Transport.
func (t *Transport) Handle(proto string, handler dchan.StreamHandler) error {
	t.streamMu.Lock()
	defer t.streamMu.Unlock()
	t.streamHandlers[proto] = handler
	return nil
}

// Unhandle implements dchan.Transport.
func (t *Transport) Unhandle(proto string) error {
	t.streamMu.Lock()
	defer t.streamMu.Unlock()
	delete(t.streamHandlers, proto)
	return nil
}

// Dial implements dchan.Transport. It opens a fresh one-shot WebSocket
// connection to peer's stream endpoint for proto. If the peer is
// unknown, that is reported as dchan.ErrUnsupportedProtocol — in this
// statically-addressed transport, an unreachable peer and one that
// doesn't speak proto are indistinguishable without an explicit
// capability handshake, so both collapse to the same silent-drop path
// the sync engine already handles (spec §4.5 "Subscribe event from
// peer").
func (t *Transport) Dial(ctx context.Context, peer string, proto string) (dchan.Stream, error) {
	base, ok := t.peerURL(peer)
	if !ok {
		return nil, fmt.Errorf("dial %s: %w", peer, dchan.ErrUnsupportedProtocol)
	}

	wsURL := fmt.Sprintf("%s/mesh/stream/%s", base, url.PathEscape(proto))
	header := http.Header{}
	header.Set("X-Peer-Id", t.selfID)

	dialer := *t.dialer
	conn, resp, err := dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("dial %s: %w", peer, dchan.ErrUnsupportedProtocol)
		}
		return nil, fmt.Errorf("meshtransport: dial %s: %w", peer, err)
	}
	return &wsStream{conn: conn, remote: peer}, nil
}

func (t *Transport) handleStreamAccept(c echo.Context) error {
	proto := c.Param("proto")
	peerID := c.Request().Header.Get("X-Peer-Id")
	if peerID == "" {
		peerID = c.Request().RemoteAddr
	}

	t.streamMu.Lock()
	handler, ok := t.streamHandlers[proto]
	t.streamMu.Unlock()
	if !ok {
		return c.NoContent(http.StatusNotFound)
	}

	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		log.Printf("meshtransport: stream upgrade: %v", err)
		return nil
	}

	handler(&wsStream{conn: conn, remote: peerID})
	return nil
}

// wsStream adapts a *websocket.Conn's message framing to the
// io.Reader/io.Writer interface dchan needs, buffering the remainder of
// a partially-consumed WebSocket message across Read calls.
type wsStream struct {
	conn   *websocket.Conn
	remote string

	pending []byte
}

func (s *wsStream) RemotePeer() string { return s.remote }

func (s *wsStream) Read(p []byte) (int, error) {
	for len(s.pending) == 0 {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return 0, err
		}
		s.pending = data
	}
	n := copy(p, s.pending)
	s.pending = s.pending[n:]
	return n, nil
}

func (s *wsStream) Write(p []byte) (int, error) {
	if err := s.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (s *wsStream) Close() error { return s.conn.Close() }
