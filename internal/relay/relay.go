// Package relay exposes the live conversation over a WebSocket endpoint for
// browser clients that cannot talk to the model API directly. Each client
// connection owns at most one upstream session; when the client goes away,
// the upstream session is closed with it.
package relay

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/voicebridge/voicebridge/internal/codec"
	"github.com/voicebridge/voicebridge/internal/functions"
	"github.com/voicebridge/voicebridge/internal/model"
	"github.com/voicebridge/voicebridge/internal/session"
	"github.com/voicebridge/voicebridge/pkg/config"
)

// Upstream is the relay's view of one model session.
type Upstream interface {
	Events() <-chan session.Event
	SendAudio(envelope codec.Envelope) error
	EndTurn() error
	SendToolResult(result model.ToolResult) error
	Close() error
}

// Dialer opens an upstream session for one client.
type Dialer func(ctx context.Context, cfg session.Config) (Upstream, error)

type Server struct {
	cfg        config.Configuration
	dial       Dialer
	dispatcher *functions.Dispatcher
}

func New(cfg config.Configuration, fns functions.FunctionProvider) *Server {
	if fns == nil {
		fns = functions.Noop()
	}

	return &Server{
		cfg: cfg,
		dial: func(ctx context.Context, sessionCfg session.Config) (Upstream, error) {
			return session.Open(ctx, sessionCfg)
		},
		dispatcher: functions.NewDispatcher(fns),
	}
}

// WithDialer replaces the upstream dialer, e.g. for tests.
func (s *Server) WithDialer(dial Dialer) *Server {
	s.dial = dial
	return s
}

// Router builds the HTTP routes. webDir, when non-empty, is served as the
// web client at the root path.
func (s *Server) Router(webDir string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/ws", s.handleWebsocket)

	if webDir != "" {
		r.Handle("/*", http.FileServer(http.Dir(webDir)))
	}

	return r
}

// Client wire messages. The client speaks base64 PCM16 envelopes in both
// directions so the browser never handles raw binary frames.
type clientMessage struct {
	Type         string `json:"type"`
	SystemPrompt string `json:"system_prompt,omitempty"`
	Voice        string `json:"voice,omitempty"`
	Audio        string `json:"audio,omitempty"`
	MIMEType     string `json:"mimeType,omitempty"`
}

type serverMessage struct {
	Type     string `json:"type"`
	Data     string `json:"data,omitempty"`
	MIMEType string `json:"mimeType,omitempty"`
	Text     string `json:"text,omitempty"`
	Message  string `json:"message,omitempty"`
}

func (s *Server) handleWebsocket(w http.ResponseWriter, req *http.Request) {
	conn, err := websocket.Accept(w, req, nil)
	if err != nil {
		slog.Warn(fmt.Sprintf("accept websocket connection: %s", err))
		return
	}
	defer conn.CloseNow()

	clientID := uuid.NewString()
	logger := slog.With("client", clientID)
	logger.Info("client connected")
	defer logger.Info("client disconnected")

	c := &client{
		conn:   conn,
		server: s,
		logger: logger,
	}
	defer c.closeUpstream()

	conn.SetReadLimit(1 << 20)

	ctx, cancel := context.WithCancel(req.Context())
	defer cancel()

	for {
		var msg clientMessage

		err := wsjson.Read(ctx, conn, &msg)
		if err != nil {
			// Client gone or protocol violation. Either way the upstream
			// session must not outlive this handler.
			return
		}

		err = c.handle(ctx, msg)
		if err != nil {
			logger.Warn(fmt.Sprintf("handle %s message: %s", msg.Type, err))

			if sendErr := c.send(ctx, serverMessage{Type: "error", Message: err.Error()}); sendErr != nil {
				return
			}
		}
	}
}

type client struct {
	conn   *websocket.Conn
	server *Server
	logger *slog.Logger

	writeMutex sync.Mutex

	mutex    sync.Mutex
	upstream Upstream
}

func (c *client) handle(ctx context.Context, msg clientMessage) error {
	switch msg.Type {
	case "start":
		return c.start(ctx, msg)
	case "audio_chunk":
		return c.forwardAudio(msg)
	case "end_turn":
		return c.endTurn()
	default:
		return fmt.Errorf("unsupported message type %q", msg.Type)
	}
}

func (c *client) start(ctx context.Context, msg clientMessage) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.upstream != nil {
		return fmt.Errorf("session started already")
	}

	cfg := c.server.sessionConfig()

	if msg.SystemPrompt != "" {
		cfg.SystemPrompt = msg.SystemPrompt
	}

	if msg.Voice != "" {
		cfg.Voice = msg.Voice
	}

	upstream, err := c.server.dial(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open upstream session: %w", err)
	}

	c.upstream = upstream

	go c.pumpUpstream(ctx, upstream)

	return nil
}

func (s *Server) sessionConfig() session.Config {
	cfg := session.Config{
		Endpoint:     s.cfg.Endpoint,
		APIKey:       s.cfg.APIKey,
		Model:        s.cfg.Model,
		SystemPrompt: s.cfg.SystemPrompt,
		Voice:        s.cfg.Voice,
	}

	defs, err := functions.Definitions(s.dispatcher.Functions)
	if err != nil {
		slog.Warn(fmt.Sprintf("list functions: %s", err))
	}
	cfg.Functions = defs

	return cfg
}

func (c *client) forwardAudio(msg clientMessage) error {
	upstream := c.currentUpstream()
	if upstream == nil {
		return fmt.Errorf("no session started")
	}

	mimeType := msg.MIMEType
	if mimeType == "" {
		mimeType = fmt.Sprintf("audio/pcm;rate=%d", codec.InputSampleRate)
	}

	return upstream.SendAudio(codec.Envelope{Data: msg.Audio, MIMEType: mimeType})
}

func (c *client) endTurn() error {
	upstream := c.currentUpstream()
	if upstream == nil {
		return fmt.Errorf("no session started")
	}

	return upstream.EndTurn()
}

func (c *client) currentUpstream() Upstream {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return c.upstream
}

func (c *client) closeUpstream() {
	upstream := c.currentUpstream()
	if upstream != nil {
		if err := upstream.Close(); err != nil {
			c.logger.Warn(fmt.Sprintf("close upstream session: %s", err))
		}
	}
}

// pumpUpstream translates upstream session events into client messages.
// Tool calls are answered server-side and never reach the client.
func (c *client) pumpUpstream(ctx context.Context, upstream Upstream) {
	for evt := range upstream.Events() {
		var msg serverMessage

		switch evt.Kind {
		case session.EventReady:
			msg = serverMessage{Type: "ready"}
		case session.EventAudio:
			envelope := codec.Encode(evt.Samples, codec.Rate(evt.MIMEType, codec.OutputSampleRate))
			msg = serverMessage{Type: "audio", Data: envelope.Data, MIMEType: envelope.MIMEType}
		case session.EventText:
			msg = serverMessage{Type: "text", Text: evt.Text}
		case session.EventToolCall:
			go c.server.dispatcher.Dispatch(ctx, evt.ToolCalls, func(result model.ToolResult) {
				if err := upstream.SendToolResult(result); err != nil {
					c.logger.Warn(fmt.Sprintf("send tool result: %s", err))
				}
			})

			continue
		case session.EventTurnComplete:
			msg = serverMessage{Type: "turn_complete"}
		case session.EventError:
			msg = serverMessage{Type: "error", Message: evt.Err.Error()}
		case session.EventClosed:
			_ = c.conn.Close(websocket.StatusNormalClosure, "upstream session closed")
			return
		default:
			continue
		}

		if err := c.send(ctx, msg); err != nil {
			return
		}
	}
}

func (c *client) send(ctx context.Context, msg serverMessage) error {
	c.writeMutex.Lock()
	defer c.writeMutex.Unlock()

	return wsjson.Write(ctx, c.conn, msg)
}
