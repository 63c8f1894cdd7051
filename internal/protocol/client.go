package protocol

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/tetherlabs/tether/internal/journal"
)

// ErrProtocolViolation marks a peer that broke a protocol invariant, such as
// a non-monotone change id or a mismatched pong nonce.
var ErrProtocolViolation = errors.New("protocol: violation")

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithClientLogger sets the client logger.
func WithClientLogger(log zerolog.Logger) ClientOption {
	return func(c *Client) { c.log = log }
}

// WithoutPing suppresses liveness frames.
func WithoutPing() ClientOption {
	return func(c *Client) { c.disablePing = true }
}

// Client speaks the replica side of the sync protocol over a transport.
// It answers pings transparently and enforces the server's monotone change
// id invariant.
type Client struct {
	transport   Transport
	log         zerolog.Logger
	disablePing bool

	mu           sync.Mutex
	nonce        uint64
	pendingNonce uint64
	pingPending  bool
	lastChangeID journal.ID
}

// NewClient wraps a transport.
func NewClient(t Transport, opts ...ClientOption) *Client {
	c := &Client{transport: t, log: zerolog.Nop()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) send(ctx context.Context, m Message) error {
	frame, err := Marshal(m)
	if err != nil {
		return err
	}
	return c.transport.Send(ctx, frame)
}

// Hello opens the session.
func (c *Client) Hello(ctx context.Context, identity string, capabilities []string) error {
	return c.send(ctx, Hello{Identity: identity, Capabilities: capabilities})
}

// WriteEntries pushes a batch of local entries.
func (c *Client) WriteEntries(ctx context.Context, entries []journal.Entry) error {
	return c.send(ctx, WriteEntries{Entries: FromEntries(entries)})
}

// Ack reports local commit up to and including the given id.
func (c *Client) Ack(ctx context.Context, upTo journal.ID) error {
	return c.send(ctx, Ack{UpToID: upTo.String()})
}

// Ping sends a liveness probe. It is a no-op when pings are disabled.
func (c *Client) Ping(ctx context.Context) error {
	if c.disablePing {
		return nil
	}
	c.mu.Lock()
	c.nonce++
	nonce := c.nonce
	c.pendingNonce = nonce
	c.pingPending = true
	c.mu.Unlock()
	return c.send(ctx, Ping{Nonce: nonce})
}

// Next receives the next application-level message. Pings are answered with
// an echoing Pong, and Pongs are matched against the last sent Ping; both
// are consumed internally.
func (c *Client) Next(ctx context.Context) (Message, error) {
	for {
		frame, err := c.transport.Receive(ctx)
		if err != nil {
			return nil, err
		}
		m, err := Unmarshal(frame)
		if err != nil {
			return nil, err
		}
		switch msg := m.(type) {
		case *Ping:
			if err := c.send(ctx, Pong{Nonce: msg.Nonce}); err != nil {
				return nil, err
			}
		case *Pong:
			if err := c.matchPong(msg.Nonce); err != nil {
				return nil, err
			}
		case *Changes:
			if err := c.checkMonotone(msg.Entries); err != nil {
				return nil, err
			}
			return msg, nil
		default:
			return m, nil
		}
	}
}

func (c *Client) matchPong(nonce uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.pingPending {
		return fmt.Errorf("%w: unsolicited pong (nonce %d)", ErrProtocolViolation, nonce)
	}
	if nonce != c.pendingNonce {
		return fmt.Errorf("%w: pong nonce %d, want %d", ErrProtocolViolation, nonce, c.pendingNonce)
	}
	c.pingPending = false
	return nil
}

// checkMonotone enforces that the server never re-sends an id at or below
// one it already delivered to this client.
func (c *Client) checkMonotone(entries []WireEntry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, w := range entries {
		id, err := journal.ParseID(w.ID)
		if err != nil {
			return fmt.Errorf("%w: malformed change id %q", ErrProtocolViolation, w.ID)
		}
		if !c.lastChangeID.IsZero() && !c.lastChangeID.Less(id) {
			return fmt.Errorf("%w: change id %s regressed (last %s)", ErrProtocolViolation, id, c.lastChangeID)
		}
		c.lastChangeID = id
	}
	return nil
}

// Close closes the underlying transport.
func (c *Client) Close() error {
	return c.transport.Close()
}
