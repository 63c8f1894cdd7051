package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

const (
	defaultModel     = "claude-sonnet-4-5"
	defaultMaxTokens = int64(4096)
)

// Anthropic drives queries against the Anthropic Messages API.
type Anthropic struct {
	client anthropic.Client
	log    zerolog.Logger
}

// AnthropicOption configures the adapter.
type AnthropicOption func(*Anthropic)

// WithAnthropicLogger sets the adapter logger.
func WithAnthropicLogger(log zerolog.Logger) AnthropicOption {
	return func(a *Anthropic) { a.log = log }
}

// NewAnthropic builds an adapter authenticated with apiKey.
func NewAnthropic(apiKey string, opts ...AnthropicOption) *Anthropic {
	a := &Anthropic{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		log:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Anthropic) Start(ctx context.Context, prompt Prompt, opts Options) (Handle, error) {
	if prompt.Text == "" && prompt.Stream == nil {
		return nil, errors.New("backend: empty prompt")
	}

	runCtx, cancel := context.WithCancel(ctx)
	h := &anthropicHandle{
		msgs:   make(chan Message, 16),
		done:   make(chan struct{}),
		cancel: cancel,
	}
	go h.run(runCtx, a, prompt, opts)
	return h, nil
}

type anthropicHandle struct {
	Unsupported

	msgs   chan Message
	done   chan struct{}
	cancel context.CancelFunc

	err error
}

func (h *anthropicHandle) run(ctx context.Context, a *Anthropic, prompt Prompt, opts Options) {
	defer func() {
		close(h.msgs)
		close(h.done)
		h.cancel()
	}()

	params, err := buildParams(ctx, prompt, opts)
	if err != nil {
		h.err = err
		return
	}

	var msg *anthropic.Message
	op := func() error {
		var callErr error
		msg, callErr = a.client.Messages.New(ctx, params)
		if callErr != nil && !isRetryable(callErr) {
			return backoff.Permanent(callErr)
		}
		return callErr
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxElapsedTime = 2 * time.Minute
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		// Interrupt cancels the run context; that is not a failure.
		if ctx.Err() != nil {
			return
		}
		h.err = fmt.Errorf("backend: anthropic call failed: %w", err)
		return
	}

	for _, block := range msg.Content {
		if block.Type != "text" {
			continue
		}
		content, err := json.Marshal(block.Text)
		if err != nil {
			h.err = fmt.Errorf("backend: encode response: %w", err)
			return
		}
		select {
		case h.msgs <- Message{Role: "assistant", Content: content}:
		case <-ctx.Done():
			return
		}
	}
	a.log.Debug().Str("model", string(params.Model)).Msg("anthropic query completed")
}

func buildParams(ctx context.Context, prompt Prompt, opts Options) (anthropic.MessageNewParams, error) {
	model := opts.Model
	if model == "" {
		model = defaultModel
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	var msgs []anthropic.MessageParam
	if prompt.IsStream() {
		var err error
		msgs, err = drainPromptStream(ctx, prompt.Stream)
		if err != nil {
			return anthropic.MessageNewParams{}, err
		}
	} else {
		msgs = []anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock(prompt.Text))}
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: maxTokens,
		Messages:  msgs,
	}
	if opts.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: opts.SystemPrompt}}
	}
	return params, nil
}

// drainPromptStream collects the streaming prompt's user messages until the
// channel closes.
func drainPromptStream(ctx context.Context, stream <-chan Message) ([]anthropic.MessageParam, error) {
	var msgs []anthropic.MessageParam
	for {
		select {
		case m, ok := <-stream:
			if !ok {
				if len(msgs) == 0 {
					return nil, errors.New("backend: prompt stream closed without messages")
				}
				return msgs, nil
			}
			var text string
			if err := json.Unmarshal(m.Content, &text); err != nil {
				text = string(m.Content)
			}
			msgs = append(msgs, anthropic.NewUserMessage(anthropic.NewTextBlock(text)))
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (h *anthropicHandle) Messages() <-chan Message { return h.msgs }

func (h *anthropicHandle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

func (h *anthropicHandle) CloseInput() error { return nil }

func (h *anthropicHandle) Interrupt() error {
	h.cancel()
	return nil
}

func (h *anthropicHandle) SupportedModels(ctx context.Context) ([]string, error) {
	return []string{
		"claude-sonnet-4-5",
		"claude-opus-4-1",
		"claude-3-5-haiku-latest",
	}, nil
}

// isRetryable reports whether the API error is worth retrying: rate limits
// and server-side failures, not client mistakes.
func isRetryable(err error) bool {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429 || apiErr.StatusCode >= 500
	}
	return true
}
