// Package syncservice keeps a local journal synchronised with remote peers.
//
// Each registered remote gets a status entry and, while connected, one
// connector goroutine that owns the transport and runs the push/pull loop.
// The restart policy is external: a failed connector marks its status
// disconnected and waits for SyncNow or the periodic scheduler.
package syncservice

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/tetherlabs/tether/internal/journal"
	"github.com/tetherlabs/tether/internal/protocol"
)

// ErrClosed is returned by operations on a closed service.
var ErrClosed = errors.New("syncservice: closed")

// Kind tells how a remote is addressed.
type Kind string

const (
	// KindRemoteID is a programmatically attached remote with a known id.
	KindRemoteID Kind = "remoteId"
	// KindURL is a websocket remote keyed by its URL until the server
	// identifies itself.
	KindURL Kind = "url"
)

// RemoteStatus is the live state of one configured remote.
type RemoteStatus struct {
	Key        string
	Kind       Kind
	RemoteID   string
	URL        string
	Connected  bool
	LastSyncAt time.Time
	LastError  string
}

// Dialer opens a transport to a remote.
type Dialer func(ctx context.Context) (protocol.Transport, error)

// Config holds sync service settings.
type Config struct {
	// Identity is the stable client id sent in Hello.
	Identity string
	// Capabilities are the event tags this replica understands.
	Capabilities []string
	// SyncInterval enables the periodic scheduler when positive.
	SyncInterval time.Duration
	// DisablePing suppresses liveness frames.
	DisablePing bool
	// Protocols are websocket sub-protocols offered during the handshake.
	Protocols []string
	// HandshakeTimeout bounds transport dials. Defaults to 10s.
	HandshakeTimeout time.Duration
	// CloseTimeout bounds transport teardown. Defaults to 5s.
	CloseTimeout time.Duration
}

func (c Config) handshakeTimeout() time.Duration {
	if c.HandshakeTimeout > 0 {
		return c.HandshakeTimeout
	}
	return 10 * time.Second
}

func (c Config) closeTimeout() time.Duration {
	if c.CloseTimeout > 0 {
		return c.CloseTimeout
	}
	return 5 * time.Second
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(log zerolog.Logger) Option {
	return func(s *Service) { s.log = log }
}

// Service multiplexes sync connectors over one journal.
type Service struct {
	journal *journal.Journal
	cfg     Config
	log     zerolog.Logger

	syncSem *semaphore.Weighted

	mu         sync.Mutex
	connectors map[string]*connector
	status     map[string]*RemoteStatus
	subs       []chan RemoteStatus
	closed     bool

	done chan struct{}
	wg   sync.WaitGroup
}

// New builds a Service over the journal. When cfg.SyncInterval is positive a
// background scheduler calls SyncNow on that cadence.
func New(j *journal.Journal, cfg Config, opts ...Option) *Service {
	s := &Service{
		journal:    j,
		cfg:        cfg,
		log:        zerolog.Nop(),
		syncSem:    semaphore.NewWeighted(1),
		connectors: make(map[string]*connector),
		status:     make(map[string]*RemoteStatus),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if cfg.SyncInterval > 0 {
		s.wg.Add(1)
		go s.schedule()
	}
	return s
}

// Connect registers a remote with a known id and starts its connector.
func (s *Service) Connect(ctx context.Context, remoteID string, dial Dialer) error {
	return s.connect(ctx, remoteID, KindRemoteID, remoteID, "", dial)
}

// ConnectWebSocket registers a websocket remote keyed by URL. The status
// entry's RemoteID is filled in once the server identifies itself.
func (s *Service) ConnectWebSocket(ctx context.Context, url string) error {
	return s.connect(ctx, url, KindURL, "", url, s.websocketDialer(url))
}

func (s *Service) connect(ctx context.Context, key string, kind Kind, remoteID, url string, dial Dialer) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	st, ok := s.status[key]
	if !ok {
		st = &RemoteStatus{Key: key, Kind: kind, RemoteID: remoteID, URL: url}
		s.status[key] = st
	}
	if c, running := s.connectors[key]; running && !c.finished() {
		s.mu.Unlock()
		return nil
	}
	c := newConnector(s, key, kind, remoteID, dial)
	s.connectors[key] = c
	s.mu.Unlock()

	c.start()
	return nil
}

// Disconnect stops the remote's connector and marks it disconnected. The
// context bounds the wait for the fiber to unwind.
func (s *Service) Disconnect(ctx context.Context, key string) error {
	s.mu.Lock()
	c, ok := s.connectors[key]
	if ok {
		delete(s.connectors, key)
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("syncservice: unknown remote %q", key)
	}
	c.stop()
	select {
	case <-c.done:
	case <-ctx.Done():
		return fmt.Errorf("syncservice: disconnect %q: %w", key, ctx.Err())
	}
	s.updateStatus(key, func(st *RemoteStatus) {
		st.Connected = false
	})
	return nil
}

// SyncNow restarts every registered connector, forcing an immediate
// reconnection attempt. Concurrent calls are serialised.
func (s *Service) SyncNow(ctx context.Context) error {
	if err := s.syncSem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("syncservice: syncNow: %w", err)
	}
	defer s.syncSem.Release(1)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	olds := make(map[string]*connector, len(s.connectors))
	for key, c := range s.connectors {
		olds[key] = c
	}
	s.mu.Unlock()

	for key, old := range olds {
		old.stop()
		select {
		case <-old.done:
		case <-ctx.Done():
			return fmt.Errorf("syncservice: syncNow: %w", ctx.Err())
		}
		s.mu.Lock()
		if s.closed || s.connectors[key] != old {
			s.mu.Unlock()
			continue
		}
		fresh := newConnector(s, key, old.kind, old.remoteID, old.dial)
		s.connectors[key] = fresh
		s.mu.Unlock()
		fresh.start()
	}
	return nil
}

// Status returns a snapshot of all remote statuses.
func (s *Service) Status() map[string]RemoteStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]RemoteStatus, len(s.status))
	for key, st := range s.status {
		out[key] = *st
	}
	return out
}

// StatusStream delivers status transitions. Delivery is best-effort: a slow
// subscriber loses the oldest updates.
func (s *Service) StatusStream() <-chan RemoteStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan RemoteStatus, 16)
	if s.closed {
		close(ch)
		return ch
	}
	s.subs = append(s.subs, ch)
	return ch
}

func (s *Service) updateStatus(key string, mutate func(*RemoteStatus)) {
	s.mu.Lock()
	st, ok := s.status[key]
	if !ok {
		s.mu.Unlock()
		return
	}
	mutate(st)
	snapshot := *st
	subs := s.subs
	s.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub <- snapshot:
		default:
			select {
			case <-sub:
			default:
			}
			select {
			case sub <- snapshot:
			default:
			}
		}
	}
}

// reconcileRemoteID records the server-assigned remote id for a URL-keyed
// remote, in place, without creating a second status entry.
func (s *Service) reconcileRemoteID(key, remoteID string) {
	s.updateStatus(key, func(st *RemoteStatus) {
		st.RemoteID = remoteID
	})
}

func (s *Service) schedule() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.SyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.SyncInterval)
			if err := s.SyncNow(ctx); err != nil && !errors.Is(err, ErrClosed) {
				s.log.Warn().Err(err).Msg("periodic sync failed")
			}
			cancel()
		}
	}
}

// Close stops the scheduler and every connector.
func (s *Service) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conns := make([]*connector, 0, len(s.connectors))
	for _, c := range s.connectors {
		conns = append(conns, c)
	}
	s.connectors = map[string]*connector{}
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()

	close(s.done)
	for _, c := range conns {
		c.stop()
	}
	for _, c := range conns {
		select {
		case <-c.done:
		case <-ctx.Done():
			return fmt.Errorf("syncservice: close: %w", ctx.Err())
		}
	}

	finished := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-ctx.Done():
		return fmt.Errorf("syncservice: close: %w", ctx.Err())
	}
	for _, sub := range subs {
		close(sub)
	}
	return nil
}
