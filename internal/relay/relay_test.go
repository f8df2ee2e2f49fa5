package relay

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/require"

	"github.com/voicebridge/voicebridge/internal/codec"
	"github.com/voicebridge/voicebridge/internal/model"
	"github.com/voicebridge/voicebridge/internal/session"
	"github.com/voicebridge/voicebridge/pkg/config"
)

type fakeUpstream struct {
	events    chan session.Event
	closed    chan struct{}
	closeOnce sync.Once

	mutex    sync.Mutex
	audio    []codec.Envelope
	endTurns int
	results  []model.ToolResult
}

func newFakeUpstream() *fakeUpstream {
	u := &fakeUpstream{
		events: make(chan session.Event, 32),
		closed: make(chan struct{}),
	}
	u.events <- session.Event{Kind: session.EventReady}

	return u
}

func (u *fakeUpstream) Events() <-chan session.Event {
	return u.events
}

func (u *fakeUpstream) SendAudio(envelope codec.Envelope) error {
	u.mutex.Lock()
	defer u.mutex.Unlock()

	u.audio = append(u.audio, envelope)

	return nil
}

func (u *fakeUpstream) EndTurn() error {
	u.mutex.Lock()
	defer u.mutex.Unlock()

	u.endTurns++

	return nil
}

func (u *fakeUpstream) SendToolResult(result model.ToolResult) error {
	u.mutex.Lock()
	defer u.mutex.Unlock()

	u.results = append(u.results, result)

	return nil
}

func (u *fakeUpstream) Close() error {
	u.closeOnce.Do(func() {
		close(u.events)
		close(u.closed)
	})

	return nil
}

type fixture struct {
	upstream *fakeUpstream
	conn     *websocket.Conn
	ctx      context.Context
}

func dialRelay(t *testing.T) *fixture {
	f := &fixture{upstream: newFakeUpstream()}

	server := New(config.Configuration{APIKey: "fake-key"}, nil).
		WithDialer(func(ctx context.Context, cfg session.Config) (Upstream, error) {
			return f.upstream, nil
		})

	httpServer := httptest.NewServer(server.Router(""))
	t.Cleanup(httpServer.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	f.ctx = ctx

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(httpServer.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.CloseNow() })
	f.conn = conn

	return f
}

func (f *fixture) send(t *testing.T, msg clientMessage) {
	require.NoError(t, wsjson.Write(f.ctx, f.conn, msg))
}

func (f *fixture) receive(t *testing.T) serverMessage {
	var msg serverMessage
	require.NoError(t, wsjson.Read(f.ctx, f.conn, &msg))

	return msg
}

func (f *fixture) start(t *testing.T) {
	f.send(t, clientMessage{Type: "start"})
	require.Equal(t, "ready", f.receive(t).Type)
}

func TestRelayForwardsClientAudio(t *testing.T) {
	f := dialRelay(t)
	f.start(t)

	envelope := codec.Encode([]int16{1, 2, 3}, codec.InputSampleRate)
	f.send(t, clientMessage{Type: "audio_chunk", Audio: envelope.Data})
	f.send(t, clientMessage{Type: "end_turn"})

	require.Eventually(t, func() bool {
		f.upstream.mutex.Lock()
		defer f.upstream.mutex.Unlock()
		return f.upstream.endTurns == 1
	}, 2*time.Second, time.Millisecond)

	f.upstream.mutex.Lock()
	defer f.upstream.mutex.Unlock()
	require.Len(t, f.upstream.audio, 1)
	require.Equal(t, envelope.Data, f.upstream.audio[0].Data)
	require.Equal(t, envelope.MIMEType, f.upstream.audio[0].MIMEType)
}

// TestRelayWireFieldNames exchanges raw JSON so a renamed field cannot slip
// through the shared message structs unnoticed: the client sends its chunk
// under "audio" and receives model audio under "data"/"mimeType".
func TestRelayWireFieldNames(t *testing.T) {
	f := dialRelay(t)
	f.start(t)

	require.NoError(t, wsjson.Write(f.ctx, f.conn, map[string]any{
		"type":  "audio_chunk",
		"audio": "AQACAA==",
	}))

	require.Eventually(t, func() bool {
		f.upstream.mutex.Lock()
		defer f.upstream.mutex.Unlock()
		return len(f.upstream.audio) == 1
	}, 2*time.Second, time.Millisecond)

	f.upstream.mutex.Lock()
	require.Equal(t, "AQACAA==", f.upstream.audio[0].Data)
	require.Equal(t, fmt.Sprintf("audio/pcm;rate=%d", codec.InputSampleRate), f.upstream.audio[0].MIMEType)
	f.upstream.mutex.Unlock()

	f.upstream.events <- session.Event{
		Kind:     session.EventAudio,
		Samples:  []int16{5, 6},
		MIMEType: "audio/pcm;rate=24000",
	}

	var raw map[string]any
	require.NoError(t, wsjson.Read(f.ctx, f.conn, &raw))
	require.Equal(t, "audio", raw["type"])
	require.NotEmpty(t, raw["data"])
	require.Equal(t, "audio/pcm;rate=24000", raw["mimeType"])
}

func TestRelayForwardsModelResponse(t *testing.T) {
	f := dialRelay(t)
	f.start(t)

	f.upstream.events <- session.Event{
		Kind:     session.EventAudio,
		Samples:  []int16{5, 6},
		MIMEType: "audio/pcm;rate=24000",
	}
	f.upstream.events <- session.Event{Kind: session.EventText, Text: "hello"}
	f.upstream.events <- session.Event{Kind: session.EventTurnComplete}

	audio := f.receive(t)
	require.Equal(t, "audio", audio.Type)
	samples, err := codec.Decode(codec.Envelope{Data: audio.Data, MIMEType: audio.MIMEType})
	require.NoError(t, err)
	require.Equal(t, []int16{5, 6}, samples)

	text := f.receive(t)
	require.Equal(t, "text", text.Type)
	require.Equal(t, "hello", text.Text)

	require.Equal(t, "turn_complete", f.receive(t).Type)
}

func TestRelayRejectsAudioBeforeStart(t *testing.T) {
	f := dialRelay(t)

	f.send(t, clientMessage{Type: "audio_chunk", Audio: "AAA="})

	msg := f.receive(t)
	require.Equal(t, "error", msg.Type)
	require.Contains(t, msg.Message, "no session started")
}

func TestRelayRejectsSecondStart(t *testing.T) {
	f := dialRelay(t)
	f.start(t)

	f.send(t, clientMessage{Type: "start"})

	msg := f.receive(t)
	require.Equal(t, "error", msg.Type)
	require.Contains(t, msg.Message, "started already")
}

func TestRelayRejectsUnknownMessageType(t *testing.T) {
	f := dialRelay(t)

	f.send(t, clientMessage{Type: "bogus"})

	msg := f.receive(t)
	require.Equal(t, "error", msg.Type)
	require.Contains(t, msg.Message, "unsupported message type")
}

func TestRelayClosesUpstreamOnClientDisconnect(t *testing.T) {
	f := dialRelay(t)
	f.start(t)

	require.NoError(t, f.conn.Close(websocket.StatusNormalClosure, ""))

	select {
	case <-f.upstream.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("the upstream session must be closed when the client disconnects")
	}
}

func TestRelayAnswersToolCalls(t *testing.T) {
	f := dialRelay(t)
	f.start(t)

	f.upstream.events <- session.Event{Kind: session.EventToolCall, ToolCalls: []model.ToolInvocation{
		{ID: "a", Name: "no_such_tool"},
	}}

	require.Eventually(t, func() bool {
		f.upstream.mutex.Lock()
		defer f.upstream.mutex.Unlock()
		return len(f.upstream.results) == 1
	}, 2*time.Second, time.Millisecond)

	f.upstream.mutex.Lock()
	defer f.upstream.mutex.Unlock()
	require.Equal(t, "a", f.upstream.results[0].ID)
	require.Contains(t, f.upstream.results[0].Response, "error")
}

func TestHealthz(t *testing.T) {
	server := New(config.Configuration{}, nil)
	httpServer := httptest.NewServer(server.Router(""))
	defer httpServer.Close()

	resp, err := http.Get(httpServer.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}
