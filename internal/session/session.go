// Package session owns one duplex WebSocket connection to the live
// conversational endpoint. A session's configuration is immutable for its
// lifetime - changing persona, voice or tool set requires a new session.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/tmc/langchaingo/llms"

	"github.com/voicebridge/voicebridge/internal/codec"
	"github.com/voicebridge/voicebridge/internal/model"
)

// DefaultEndpoint is the BidiGenerateContent WebSocket endpoint.
const DefaultEndpoint = "wss://generativelanguage.googleapis.com/ws/google.ai.generativelanguage.v1alpha.GenerativeService.BidiGenerateContent"

// DefaultModel is a model known to work with the live API.
const DefaultModel = "models/gemini-2.0-flash-exp"

// ErrClosed is returned by send operations on a closed session.
var ErrClosed = errors.New("session closed")

// TransportError terminates a session. Recovery requires opening a new one.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("session transport: %s", e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Config is the immutable per-session configuration.
type Config struct {
	Endpoint     string
	APIKey       string
	Model        string
	SystemPrompt string
	Voice        string
	Functions    []llms.FunctionDefinition
}

// EventKind discriminates the typed inbound events of a session.
type EventKind string

const (
	// EventReady signals setup completion; the session accepts audio now.
	EventReady EventKind = "ready"
	// EventAudio carries one decoded synthesized speech segment.
	EventAudio EventKind = "audio"
	// EventText carries one partial response text fragment.
	EventText EventKind = "text"
	// EventToolCall carries one batch of server-issued function calls.
	EventToolCall EventKind = "toolCall"
	// EventTurnComplete signals the end of the model's turn.
	EventTurnComplete EventKind = "turnComplete"
	// EventError reports a transport failure. EventClosed follows.
	EventError EventKind = "error"
	// EventClosed is terminal; no further events are delivered.
	EventClosed EventKind = "closed"
)

// Event is one typed inbound session event, delivered in the order the
// endpoint produced it.
type Event struct {
	Kind      EventKind
	Samples   []int16
	MIMEType  string
	Text      string
	ToolCalls []model.ToolInvocation
	Err       error
}

// Session is one live logical connection to the conversational endpoint.
type Session struct {
	cfg    Config
	conn   *websocket.Conn
	sendCh chan any
	events chan Event
	ctx    context.Context
	cancel context.CancelFunc
}

// Open dials the endpoint, sends the one-time setup message and starts the
// session's reader and writer. The returned session emits EventReady once
// the endpoint acknowledged the setup.
func Open(ctx context.Context, cfg Config) (*Session, error) {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}

	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}

	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse live endpoint URL: %w", err)
	}

	if cfg.APIKey != "" {
		q := u.Query()
		q.Set("key", cfg.APIKey)
		u.RawQuery = q.Encode()
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, &TransportError{Err: fmt.Errorf("dial live endpoint: %w", err)}
	}

	err = conn.WriteJSON(setupMessage{Setup: setupPayload{
		Model:            cfg.Model,
		GenerationConfig: generationConfigFor(cfg),
		SystemInstruction: &content{
			Parts: []part{{Text: cfg.SystemPrompt}},
		},
		Tools: toolDecls(cfg.Functions),
	}})
	if err != nil {
		_ = conn.Close()
		return nil, &TransportError{Err: fmt.Errorf("send setup message: %w", err)}
	}

	sessionCtx, cancel := context.WithCancel(context.Background())
	s := &Session{
		cfg:    cfg,
		conn:   conn,
		sendCh: make(chan any, 32),
		events: make(chan Event, 32),
		ctx:    sessionCtx,
		cancel: cancel,
	}

	go s.writeLoop()
	go s.readLoop()

	return s, nil
}

func generationConfigFor(cfg Config) generationConfig {
	gc := generationConfig{ResponseModalities: []string{"AUDIO"}}

	if cfg.Voice != "" {
		gc.SpeechConfig = &speechConfig{
			VoiceConfig: voiceConfig{
				PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
		}
	}

	return gc
}

// Events yields the session's inbound events. The channel is closed after
// the terminal EventClosed was delivered.
func (s *Session) Events() <-chan Event {
	return s.events
}

// SendAudio forwards one captured audio envelope to the endpoint.
func (s *Session) SendAudio(envelope codec.Envelope) error {
	return s.enqueue(realtimeInputMessage{RealtimeInput: realtimeInput{
		MediaChunks: []mediaChunk{{MIMEType: envelope.MIMEType, Data: envelope.Data}},
	}})
}

// EndTurn signals that the user finished speaking. It relies on transport
// FIFO ordering: any audio chunk enqueued before it reaches the endpoint
// first.
func (s *Session) EndTurn() error {
	return s.enqueue(clientContentMessage{ClientContent: clientContent{
		Turns:        []clientTurn{{Role: "user", Parts: []part{}}},
		TurnComplete: true,
	}})
}

// EndAudioStream signals end of the realtime audio stream. Functionally
// close to EndTurn; some model variants expect this form instead.
func (s *Session) EndAudioStream() error {
	return s.enqueue(realtimeInputMessage{RealtimeInput: realtimeInput{AudioStreamEnd: true}})
}

// SendToolResult returns one tool invocation's result to the endpoint.
// Results may be delivered in any order relative to their invocations.
func (s *Session) SendToolResult(result model.ToolResult) error {
	return s.enqueue(toolResponseMessage{ToolResponse: toolResponse{
		FunctionResponses: []functionResponse{{
			ID:       result.ID,
			Name:     result.Name,
			Response: result.Response,
		}},
	}})
}

// Close terminates the session. Safe to call multiple times.
func (s *Session) Close() error {
	s.cancel()
	return s.conn.Close()
}

func (s *Session) enqueue(msg any) error {
	select {
	case <-s.ctx.Done():
		return ErrClosed
	case s.sendCh <- msg:
		return nil
	}
}

// writeLoop is the session's single writer, preserving caller send order.
func (s *Session) writeLoop() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg := <-s.sendCh:
			err := s.conn.WriteJSON(msg)
			if err != nil {
				slog.Warn(fmt.Sprintf("write to live endpoint: %s", err))
				s.cancel()
				return
			}
		}
	}
}

func (s *Session) readLoop() {
	defer close(s.events)
	defer s.cancel()

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if s.ctx.Err() == nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.events <- Event{Kind: EventError, Err: &TransportError{Err: err}}
			}

			s.events <- Event{Kind: EventClosed}

			return
		}

		var msg serverMessage

		err = json.Unmarshal(data, &msg)
		if err != nil {
			slog.Warn(fmt.Sprintf("skipping malformed live endpoint message: %s", err))
			continue
		}

		s.deliver(msg)
	}
}

func (s *Session) deliver(msg serverMessage) {
	if msg.SetupComplete != nil {
		s.events <- Event{Kind: EventReady}
		return
	}

	if msg.ToolCall != nil {
		calls := make([]model.ToolInvocation, len(msg.ToolCall.FunctionCalls))
		for i, call := range msg.ToolCall.FunctionCalls {
			calls[i] = model.ToolInvocation{
				ID:        call.ID,
				Name:      call.Name,
				Arguments: call.Args,
			}
		}

		s.events <- Event{Kind: EventToolCall, ToolCalls: calls}

		return
	}

	if msg.ServerContent == nil {
		return
	}

	if msg.ServerContent.ModelTurn != nil {
		for _, p := range msg.ServerContent.ModelTurn.Parts {
			if p.InlineData != nil && strings.Contains(p.InlineData.MIMEType, "audio") {
				samples, err := codec.Decode(codec.Envelope{
					Data:     p.InlineData.Data,
					MIMEType: p.InlineData.MIMEType,
				})
				if err != nil {
					// Drop the offending frame but keep the channel alive.
					slog.Warn(fmt.Sprintf("dropping audio frame: %s", err))
					continue
				}

				s.events <- Event{Kind: EventAudio, Samples: samples, MIMEType: p.InlineData.MIMEType}
			}

			if p.Text != "" {
				s.events <- Event{Kind: EventText, Text: p.Text}
			}
		}
	}

	if msg.ServerContent.TurnComplete {
		s.events <- Event{Kind: EventTurnComplete}
	}
}
