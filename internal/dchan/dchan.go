// Package dchan implements the direct-channel stream protocol (spec
// §4.3, §6): a one-shot, length-prefixed binary exchange over a single
// duplex stream reserved under a well-known protocol identifier.
//
// Grounded on the teacher's internal/events.Manager subscriber
// bookkeeping (channel-based fan-out under a mutex, close-on-drop) and
// internal/server/xrpc_sync.go's raw frame read/write loop over a
// single connection, generalized from a long-lived firehose stream to
// dchan's one-shot two-frame exchange.
package dchan

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/multiformats/go-varint"
)

// ProtocolID is the exact wire-compatible protocol identifier (spec §6).
const ProtocolID = "/go-orbit-db/direct-channel/1.2.0"

// Message is one decoded incoming frame, surfaced as a channel-message
// event.
type Message struct {
	RemotePeer string
	Bytes      []byte
}

// Stream is a single duplex connection to a remote peer, scoped to one
// exchange.
type Stream interface {
	io.Reader
	io.Writer
	io.Closer
	RemotePeer() string
}

// StreamHandler is invoked once per accepted inbound stream.
type StreamHandler func(s Stream)

// Transport is the stream-protocol capability the sync engine and this
// channel depend on (spec §4.5 "Inputs"): register/unregister a
// protocol handler, and dial a peer under a protocol with a
// cancellable context.
//
// ErrUnsupportedProtocol must be returned by Dial (wrapped or bare) when
// the remote peer does not speak proto, so callers can distinguish it
// from other transport failures (spec §4.5 "Subscribe event from peer").
type Transport interface {
	Handle(proto string, handler StreamHandler) error
	Unhandle(proto string) error
	Dial(ctx context.Context, peer string, proto string) (Stream, error)
}

// ErrUnsupportedProtocol signals that a peer does not implement the
// requested protocol.
var ErrUnsupportedProtocol = fmt.Errorf("dchan: unsupported protocol")

// Channel is a direct-channel endpoint bound to one protocol identifier
// on one transport.
type Channel struct {
	transport Transport
	proto     string

	mu       sync.Mutex
	listener chan Message
	closed   bool
}

// New creates a Channel over transport using proto as the protocol
// identifier. Callers outside tests should pass dchan.ProtocolID.
func New(transport Transport, proto string) *Channel {
	return &Channel{transport: transport, proto: proto}
}

// Listen registers the protocol handler and returns a channel of
// decoded incoming messages (spec §4.3 "Listen"). Each accepted stream
// is consumed greedily: exactly one frame pair is read, then the stream
// is closed regardless of outcome.
func (c *Channel) Listen() (<-chan Message, error) {
	c.mu.Lock()
	if c.listener != nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("dchan: listen: already listening")
	}
	c.listener = make(chan Message, 64)
	c.mu.Unlock()

	err := c.transport.Handle(c.proto, func(s Stream) {
		defer s.Close()
		payload, ok := readFrame(s)
		if !ok {
			return
		}
		c.mu.Lock()
		l := c.listener
		closed := c.closed
		c.mu.Unlock()
		if closed || l == nil {
			return
		}
		select {
		case l <- Message{RemotePeer: s.RemotePeer(), Bytes: payload}:
		default:
		}
	})
	if err != nil {
		c.mu.Lock()
		c.listener = nil
		c.mu.Unlock()
		return nil, fmt.Errorf("dchan: listen: %w", err)
	}

	return c.listener, nil
}

// Send dials peer under the protocol identifier and emits the two
// frames, then closes the stream (spec §4.3 "Send"). Any transport
// error propagates to the caller, with ErrUnsupportedProtocol
// preserved so callers can branch on it.
func (c *Channel) Send(ctx context.Context, peer string, payload []byte) error {
	s, err := c.transport.Dial(ctx, peer, c.proto)
	if err != nil {
		return err
	}
	defer s.Close()

	if err := writeFrame(s, payload); err != nil {
		return fmt.Errorf("dchan: send: %w", err)
	}
	return nil
}

// Close unregisters the handler and drops all listeners (spec §4.3
// "Close").
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.listener != nil {
		close(c.listener)
		c.listener = nil
	}
	return c.transport.Unhandle(c.proto)
}

// writeFrame emits the length-prefixed varint frame followed by
// payload (spec §6 wire format).
func writeFrame(w io.Writer, payload []byte) error {
	if err := varint.WriteUvarint(w, uint64(len(payload))); err != nil {
		return fmt.Errorf("write length: %w", err)
	}
	if len(payload) == 0 {
		return nil
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write payload: %w", err)
	}
	return nil
}

// readFrame reads one length-prefixed frame, then reads on until the
// stream ends. If the announced length and the actual payload length
// disagree (too few bytes, or bytes left over), the message is silently
// discarded: the second return value is false and no error is
// surfaced (spec §4.3 "Wire format").
func readFrame(r io.Reader) ([]byte, bool) {
	length, err := varint.ReadUvarint(r)
	if err != nil {
		return nil, false
	}
	payload := make([]byte, length)
	n, err := io.ReadFull(r, payload)
	if err != nil || uint64(n) != length {
		return nil, false
	}
	var extra [1]byte
	if m, _ := r.Read(extra[:]); m > 0 {
		return nil, false
	}
	return payload, true
}
