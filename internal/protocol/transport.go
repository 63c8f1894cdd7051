package protocol

import (
	"context"
	"errors"
	"sync"
)

// ErrTransportClosed is returned by transport operations after Close.
var ErrTransportClosed = errors.New("protocol: transport closed")

// Transport moves opaque frames between peers. Implementations must be safe
// for one concurrent sender and one concurrent receiver.
type Transport interface {
	Send(ctx context.Context, frame []byte) error
	Receive(ctx context.Context) ([]byte, error)
	Close() error
}

// Pipe returns two connected in-memory transports, one per peer. Frames
// written to one side are received by the other. Used by tests and local
// (in-process) remotes.
func Pipe() (Transport, Transport) {
	ab := make(chan []byte, 32)
	ba := make(chan []byte, 32)
	closed := make(chan struct{})
	shared := &pipeShared{closed: closed}
	return &pipeEnd{send: ab, recv: ba, shared: shared},
		&pipeEnd{send: ba, recv: ab, shared: shared}
}

type pipeShared struct {
	once   sync.Once
	closed chan struct{}
}

type pipeEnd struct {
	send   chan []byte
	recv   chan []byte
	shared *pipeShared
}

func (p *pipeEnd) Send(ctx context.Context, frame []byte) error {
	buf := append([]byte(nil), frame...)
	select {
	case p.send <- buf:
		return nil
	case <-p.shared.closed:
		return ErrTransportClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipeEnd) Receive(ctx context.Context) ([]byte, error) {
	select {
	case frame := <-p.recv:
		return frame, nil
	case <-p.shared.closed:
		// Drain anything already in flight before reporting closure.
		select {
		case frame := <-p.recv:
			return frame, nil
		default:
		}
		return nil, ErrTransportClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *pipeEnd) Close() error {
	p.shared.once.Do(func() { close(p.shared.closed) })
	return nil
}
