// Package backend declares the agent contract the query supervisor drives:
// start a prompt, get back a handle owning a message stream and a small set
// of control and introspection operations.
//
// The supervisor only consumes this contract. The anthropic adapter in this
// package is one real implementation; tests use the scriptable fake.
package backend

import (
	"context"
	"encoding/json"
	"fmt"
)

// Message is one item of a handle's output stream.
type Message struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// TextMessage builds a plain-text message.
func TextMessage(role, text string) Message {
	content, _ := json.Marshal(text)
	return Message{Role: role, Content: content}
}

// Prompt is either a single text prompt or a lazy sequence of user messages.
type Prompt struct {
	Text   string
	Stream <-chan Message
}

// TextPrompt wraps a plain string prompt.
func TextPrompt(s string) Prompt { return Prompt{Text: s} }

// StreamPrompt wraps a message-stream prompt.
func StreamPrompt(ch <-chan Message) Prompt { return Prompt{Stream: ch} }

// IsStream reports whether the prompt is the streaming form.
func (p Prompt) IsStream() bool { return p.Stream != nil }

// Options carries per-query settings handed to Start.
type Options struct {
	SessionID         string
	Model             string
	SystemPrompt      string
	MaxTokens         int64
	MaxThinkingTokens int64
	PermissionMode    string
}

// AccountInfo is the read-only account summary some backends expose.
type AccountInfo struct {
	Email        string `json:"email,omitempty"`
	Organization string `json:"organization,omitempty"`
	Plan         string `json:"plan,omitempty"`
}

// NotSupportedError is returned by optional handle operations a backend does
// not implement.
type NotSupportedError struct {
	Op string
}

func (e *NotSupportedError) Error() string {
	return fmt.Sprintf("backend: operation %s not supported", e.Op)
}

// Handle is an in-flight query. The message stream closes when the query
// finishes; Err reports the terminal failure, if any, once the stream is
// closed. Control and introspection operations are best-effort and may
// return NotSupportedError.
type Handle interface {
	// Messages is the query's output stream.
	Messages() <-chan Message
	// Err is non-nil after Messages closes if the query failed mid-stream.
	Err() error

	// CloseInput signals that no further input messages will be sent.
	CloseInput() error
	// Interrupt asks the backend to stop the query.
	Interrupt() error

	// Optional controls.
	SetPermissionMode(mode string) error
	SetModel(model string) error
	SetMaxThinkingTokens(n int64) error
	RewindFiles(ctx context.Context, checkpoint string) error

	// Read-only queries.
	SupportedCommands(ctx context.Context) ([]string, error)
	SupportedModels(ctx context.Context) ([]string, error)
	MCPServerStatus(ctx context.Context) (map[string]string, error)
	AccountInfo(ctx context.Context) (AccountInfo, error)
}

// Backend starts queries.
type Backend interface {
	Start(ctx context.Context, prompt Prompt, opts Options) (Handle, error)
}

// Unsupported is a mixin providing NotSupportedError for every optional
// operation; concrete handles embed it and override what they implement.
type Unsupported struct{}

func (Unsupported) SetPermissionMode(string) error { return &NotSupportedError{Op: "setPermissionMode"} }
func (Unsupported) SetModel(string) error          { return &NotSupportedError{Op: "setModel"} }
func (Unsupported) SetMaxThinkingTokens(int64) error {
	return &NotSupportedError{Op: "setMaxThinkingTokens"}
}
func (Unsupported) RewindFiles(context.Context, string) error {
	return &NotSupportedError{Op: "rewindFiles"}
}
func (Unsupported) SupportedCommands(context.Context) ([]string, error) {
	return nil, &NotSupportedError{Op: "supportedCommands"}
}
func (Unsupported) SupportedModels(context.Context) ([]string, error) {
	return nil, &NotSupportedError{Op: "supportedModels"}
}
func (Unsupported) MCPServerStatus(context.Context) (map[string]string, error) {
	return nil, &NotSupportedError{Op: "mcpServerStatus"}
}
func (Unsupported) AccountInfo(context.Context) (AccountInfo, error) {
	return AccountInfo{}, &NotSupportedError{Op: "accountInfo"}
}
