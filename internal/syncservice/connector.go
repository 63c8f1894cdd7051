package syncservice

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/tetherlabs/tether/internal/journal"
	"github.com/tetherlabs/tether/internal/protocol"
)

const pingInterval = 30 * time.Second

// connector owns one remote's transport and push/pull loop. It runs until
// the transport fails or the service stops it; it never restarts itself.
type connector struct {
	svc      *Service
	key      string
	kind     Kind
	remoteID string
	dial     Dialer

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func newConnector(svc *Service, key string, kind Kind, remoteID string, dial Dialer) *connector {
	ctx, cancel := context.WithCancel(context.Background())
	return &connector{
		svc:      svc,
		key:      key,
		kind:     kind,
		remoteID: remoteID,
		dial:     dial,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
}

func (c *connector) start() {
	go c.run()
}

func (c *connector) stop() {
	c.cancel()
}

func (c *connector) finished() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *connector) run() {
	defer close(c.done)
	err := c.sync(c.ctx)
	switch {
	case err == nil || errors.Is(err, context.Canceled):
		c.svc.updateStatus(c.key, func(st *RemoteStatus) {
			st.Connected = false
		})
	default:
		c.svc.log.Warn().Err(err).Str("remote", c.key).Msg("connector failed")
		c.svc.updateStatus(c.key, func(st *RemoteStatus) {
			st.Connected = false
			st.LastError = err.Error()
		})
	}
}

func (c *connector) sync(ctx context.Context) error {
	transport, err := c.open(ctx)
	if err != nil {
		return fmt.Errorf("syncservice: dial %q: %w", c.key, err)
	}

	opts := []protocol.ClientOption{protocol.WithClientLogger(c.svc.log)}
	if c.svc.cfg.DisablePing {
		opts = append(opts, protocol.WithoutPing())
	}
	client := protocol.NewClient(transport, opts...)
	defer c.closeBounded(client)

	if err := client.Hello(ctx, c.svc.cfg.Identity, c.svc.cfg.Capabilities); err != nil {
		return fmt.Errorf("syncservice: hello %q: %w", c.key, err)
	}

	// URL-keyed remotes learn their id from the server's answering Hello.
	var deferred protocol.Message
	if c.remoteID == "" {
		m, err := client.Next(ctx)
		if err != nil {
			return fmt.Errorf("syncservice: await identity %q: %w", c.key, err)
		}
		if hello, ok := m.(*protocol.Hello); ok {
			c.remoteID = hello.Identity
		} else {
			c.remoteID = c.key
			deferred = m
		}
		c.svc.reconcileRemoteID(c.key, c.remoteID)
	}

	remote, err := c.svc.journal.RegisterRemote(ctx, c.remoteID)
	if err != nil {
		return fmt.Errorf("syncservice: register remote %q: %w", c.remoteID, err)
	}
	defer c.svc.journal.UnregisterRemote(c.remoteID)

	c.svc.updateStatus(c.key, func(st *RemoteStatus) {
		st.Connected = true
		st.LastError = ""
	})

	handle := func(m protocol.Message) error {
		switch msg := m.(type) {
		case *protocol.Changes:
			entries, err := protocol.ToEntries(msg.Entries)
			if err != nil {
				return err
			}
			if len(entries) > 0 {
				if err := remote.Write(ctx, entries); err != nil {
					return fmt.Errorf("syncservice: apply changes: %w", err)
				}
				if err := client.Ack(ctx, entries[len(entries)-1].ID); err != nil {
					return fmt.Errorf("syncservice: ack: %w", err)
				}
			}
			c.markSynced()
		case *protocol.RequestChanges:
			return c.push(ctx, client, c.svc.journal.EntriesSince(c.remoteID, msg.SinceSequence))
		case *protocol.Hello:
			c.svc.reconcileRemoteID(c.key, msg.Identity)
		default:
			c.svc.log.Debug().Str("remote", c.key).Msgf("ignoring %T", m)
		}
		return nil
	}

	if deferred != nil {
		if err := handle(deferred); err != nil {
			return err
		}
	}

	if err := c.push(ctx, client, remote.Uncommitted()); err != nil {
		return err
	}

	readerCtx, stopReader := context.WithCancel(ctx)
	defer stopReader()
	incoming := make(chan protocol.Message)
	errc := make(chan error, 1)
	go func() {
		for {
			m, err := client.Next(readerCtx)
			if err != nil {
				errc <- err
				return
			}
			select {
			case incoming <- m:
			case <-readerCtx.Done():
				return
			}
		}
	}()

	var ping <-chan time.Time
	if !c.svc.cfg.DisablePing {
		t := time.NewTicker(pingInterval)
		defer t.Stop()
		ping = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errc:
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("syncservice: read %q: %w", c.key, err)
		case m := <-incoming:
			if err := handle(m); err != nil {
				return err
			}
		case batch := <-remote.Changes():
			if err := c.push(ctx, client, batch); err != nil {
				return err
			}
		case <-ping:
			if err := client.Ping(ctx); err != nil {
				return fmt.Errorf("syncservice: ping %q: %w", c.key, err)
			}
		}
	}
}

// open dials with exponential backoff bounded by the handshake timeout per
// attempt.
func (c *connector) open(ctx context.Context) (protocol.Transport, error) {
	var transport protocol.Transport
	op := func() error {
		dctx, cancel := context.WithTimeout(ctx, c.svc.cfg.handshakeTimeout())
		defer cancel()
		t, err := c.dial(dctx)
		if err != nil {
			return err
		}
		transport = t
		return nil
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxElapsedTime = 30 * time.Second
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		return nil, err
	}
	return transport, nil
}

// push sends entries and advances the acknowledged watermark.
func (c *connector) push(ctx context.Context, client *protocol.Client, entries []journal.Entry) error {
	if len(entries) == 0 {
		c.markSynced()
		return nil
	}
	if err := client.WriteEntries(ctx, entries); err != nil {
		return fmt.Errorf("syncservice: push %q: %w", c.key, err)
	}
	if err := c.svc.journal.Acknowledge(ctx, c.remoteID, entries[len(entries)-1].ID); err != nil {
		return fmt.Errorf("syncservice: acknowledge %q: %w", c.key, err)
	}
	c.markSynced()
	return nil
}

func (c *connector) markSynced() {
	now := time.Now()
	c.svc.updateStatus(c.key, func(st *RemoteStatus) {
		st.LastSyncAt = now
	})
}

// closeBounded tears the transport down but never waits longer than the
// configured close timeout.
func (c *connector) closeBounded(client *protocol.Client) {
	closed := make(chan struct{})
	go func() {
		_ = client.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(c.svc.cfg.closeTimeout()):
		c.svc.log.Warn().Str("remote", c.key).Msg("transport close timed out")
	}
}
