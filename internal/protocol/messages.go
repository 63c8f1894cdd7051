// Package protocol defines the framed message set exchanged between a
// journal replica and the sync server, encoded with MessagePack.
//
// Client-to-server: Hello, WriteEntries, Ack, Ping. Server-to-client:
// RequestChanges, Changes, Pong. Both sides may Ping; a Pong must echo the
// nonce of the last Ping received.
package protocol

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/tetherlabs/tether/internal/journal"
)

// Message type tags on the wire.
const (
	TypeHello          = "hello"
	TypeRequestChanges = "request_changes"
	TypeWriteEntries   = "write_entries"
	TypeChanges        = "changes"
	TypeAck            = "ack"
	TypePing           = "ping"
	TypePong           = "pong"
)

// Message is any protocol frame body.
type Message interface {
	messageType() string
}

// Hello opens a session, declaring the client's stable identity and the
// event tags it understands.
type Hello struct {
	Identity     string   `msgpack:"identity"`
	Capabilities []string `msgpack:"capabilities"`
}

// RequestChanges asks the client for its uncommitted entries from a cursor.
type RequestChanges struct {
	SinceSequence uint64 `msgpack:"sinceSequence"`
}

// WriteEntries pushes a batch of entries.
type WriteEntries struct {
	Entries []WireEntry `msgpack:"entries"`
}

// Changes delivers a pull batch; Terminal marks the end of a sync round.
type Changes struct {
	Entries  []WireEntry `msgpack:"entries"`
	Terminal bool        `msgpack:"terminal"`
}

// Ack tells the server everything up to and including UpToID is committed
// locally, which permits server-side compaction for this client.
type Ack struct {
	UpToID string `msgpack:"upToId"`
}

// Ping probes liveness; Pong echoes the nonce.
type Ping struct {
	Nonce uint64 `msgpack:"nonce"`
}

// Pong answers a Ping.
type Pong struct {
	Nonce uint64 `msgpack:"nonce"`
}

func (Hello) messageType() string          { return TypeHello }
func (RequestChanges) messageType() string { return TypeRequestChanges }
func (WriteEntries) messageType() string   { return TypeWriteEntries }
func (Changes) messageType() string        { return TypeChanges }
func (Ack) messageType() string            { return TypeAck }
func (Ping) messageType() string           { return TypePing }
func (Pong) messageType() string           { return TypePong }

// WireEntry is a journal entry in transit. Seq carries the origin journal's
// arrival sequence so cursors can advance without regressing.
type WireEntry struct {
	ID         string `msgpack:"id"`
	Event      string `msgpack:"event"`
	PrimaryKey string `msgpack:"primaryKey"`
	Payload    []byte `msgpack:"payload"`
	Seq        uint64 `msgpack:"seq"`
}

// FromEntry converts a journal entry to its wire form.
func FromEntry(e journal.Entry) WireEntry {
	return WireEntry{
		ID:         e.ID.String(),
		Event:      e.Event,
		PrimaryKey: e.PrimaryKey,
		Payload:    e.Payload,
		Seq:        e.Seq,
	}
}

// FromEntries converts a batch.
func FromEntries(entries []journal.Entry) []WireEntry {
	out := make([]WireEntry, len(entries))
	for i, e := range entries {
		out[i] = FromEntry(e)
	}
	return out
}

// ToEntry converts a wire entry back to a journal entry.
func (w WireEntry) ToEntry() (journal.Entry, error) {
	id, err := journal.ParseID(w.ID)
	if err != nil {
		return journal.Entry{}, fmt.Errorf("protocol: entry id: %w", err)
	}
	return journal.Entry{
		ID:         id,
		Event:      w.Event,
		PrimaryKey: w.PrimaryKey,
		Payload:    w.Payload,
		Seq:        w.Seq,
	}, nil
}

// ToEntries converts a batch, failing on the first malformed id.
func ToEntries(wires []WireEntry) ([]journal.Entry, error) {
	out := make([]journal.Entry, len(wires))
	for i, w := range wires {
		e, err := w.ToEntry()
		if err != nil {
			return nil, err
		}
		out[i] = e
	}
	return out, nil
}

// envelope frames a message with its type tag.
type envelope struct {
	Type string             `msgpack:"t"`
	Body msgpack.RawMessage `msgpack:"b"`
}

// Marshal encodes a message into a framed MessagePack blob.
func Marshal(m Message) ([]byte, error) {
	body, err := msgpack.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %s body: %w", m.messageType(), err)
	}
	data, err := msgpack.Marshal(envelope{Type: m.messageType(), Body: body})
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %s frame: %w", m.messageType(), err)
	}
	return data, nil
}

// Unmarshal decodes a framed blob into its concrete message type.
func Unmarshal(data []byte) (Message, error) {
	var env envelope
	if err := msgpack.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("protocol: decode frame: %w", err)
	}
	var m Message
	switch env.Type {
	case TypeHello:
		m = &Hello{}
	case TypeRequestChanges:
		m = &RequestChanges{}
	case TypeWriteEntries:
		m = &WriteEntries{}
	case TypeChanges:
		m = &Changes{}
	case TypeAck:
		m = &Ack{}
	case TypePing:
		m = &Ping{}
	case TypePong:
		m = &Pong{}
	default:
		return nil, fmt.Errorf("protocol: unknown message type %q", env.Type)
	}
	if err := msgpack.Unmarshal(env.Body, m); err != nil {
		return nil, fmt.Errorf("protocol: decode %s body: %w", env.Type, err)
	}
	return m, nil
}
