// Package coordinator owns the conversation turn state machine. It funnels
// captured microphone frames and inbound session events through one ordered
// inbox so every state transition happens on a single goroutine.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/voicebridge/voicebridge/internal/capture"
	"github.com/voicebridge/voicebridge/internal/codec"
	"github.com/voicebridge/voicebridge/internal/functions"
	"github.com/voicebridge/voicebridge/internal/model"
	"github.com/voicebridge/voicebridge/internal/pubsub"
	"github.com/voicebridge/voicebridge/internal/session"
)

// ErrClosed is returned by operations on a closed coordinator.
var ErrClosed = errors.New("coordinator closed")

// CaptureHandle stops a running capture. After Stop returned, no further
// frames are delivered.
type CaptureHandle interface {
	Stop() error
}

// CaptureDriver starts microphone capture, delivering frames to onFrame in
// capture order.
type CaptureDriver interface {
	Start(ctx context.Context, onFrame func([]int16)) (CaptureHandle, error)
}

// Player schedules synthesized speech segments for gapless playback.
type Player interface {
	Enqueue(samples []int16) error
	ResetCursor()
}

// LiveSession is the coordinator's view of one model session.
type LiveSession interface {
	Events() <-chan session.Event
	SendAudio(envelope codec.Envelope) error
	EndTurn() error
	SendToolResult(result model.ToolResult) error
	Close() error
}

// SessionFactory opens a new live session. There is no reconnect: once a
// session ends, the coordinator enters a terminal state and a fresh
// coordinator must be created.
type SessionFactory func(ctx context.Context, cfg session.Config) (LiveSession, error)

type Options struct {
	Session     session.Config
	OpenSession SessionFactory
	Capture     CaptureDriver
	Player      Player
	Functions   functions.FunctionProvider

	// OnFrame observes every frame forwarded while listening, e.g. to feed a
	// voice activity detector or a recorder.
	OnFrame func(samples []int16)
	// OnTurnComplete runs after each completed model turn.
	OnTurnComplete func()
}

type Coordinator struct {
	opts       Options
	dispatcher *functions.Dispatcher
	status     *pubsub.PubSub[model.StatusUpdate]
	transcript *model.Transcript

	inbox     chan any
	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	mutex   sync.Mutex
	state   model.TurnState
	session LiveSession
	handle  CaptureHandle
}

type frameMsg []int16

type eventMsg session.Event

type cmdKind int

const (
	cmdStartTurn cmdKind = iota
	cmdStopTurn
)

type commandMsg struct {
	kind  cmdKind
	reply chan error
}

func New(opts Options) *Coordinator {
	if opts.Functions == nil {
		opts.Functions = functions.Noop()
	}

	if opts.OpenSession == nil {
		opts.OpenSession = func(ctx context.Context, cfg session.Config) (LiveSession, error) {
			return session.Open(ctx, cfg)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Coordinator{
		opts:       opts,
		dispatcher: functions.NewDispatcher(opts.Functions),
		status:     pubsub.New[model.StatusUpdate](),
		transcript: &model.Transcript{},
		inbox:      make(chan any, 64),
		ready:      make(chan struct{}),
		done:       make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// State returns the current turn state.
func (c *Coordinator) State() model.TurnState {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return c.state
}

// Status yields a state change stream for observers such as a UI.
func (c *Coordinator) Status() pubsub.Subscriber[model.StatusUpdate] {
	return c.status
}

// Transcript returns the response text accumulated during the current turn.
func (c *Coordinator) Transcript() *model.Transcript {
	return c.transcript
}

// Connect opens the session and blocks until the model acknowledged the
// setup or the context expired. Valid in the disconnected state only.
func (c *Coordinator) Connect(ctx context.Context) error {
	c.mutex.Lock()
	if c.state != model.StateDisconnected {
		state := c.state
		c.mutex.Unlock()
		return fmt.Errorf("cannot connect in state %q", state)
	}
	c.state = model.StateConnecting
	c.mutex.Unlock()
	c.status.Publish(model.StatusUpdate{State: model.StateConnecting})

	cfg := c.opts.Session

	defs, err := functions.Definitions(c.opts.Functions)
	if err != nil {
		c.setState(model.StateError, fmt.Sprintf("list functions: %s", err))
		return fmt.Errorf("list functions: %w", err)
	}
	cfg.Functions = append(cfg.Functions, defs...)

	s, err := c.opts.OpenSession(ctx, cfg)
	if err != nil {
		c.setState(model.StateError, err.Error())
		return fmt.Errorf("connect: %w", err)
	}

	c.mutex.Lock()
	c.session = s
	c.mutex.Unlock()

	go c.pumpEvents(s)
	go c.run()

	select {
	case <-c.ready:
		return nil
	case <-c.done:
		return fmt.Errorf("connect: %w", ErrClosed)
	case <-ctx.Done():
		_ = c.Close()
		return fmt.Errorf("connect: %w", ctx.Err())
	}
}

// StartTurn begins capturing the user's speech. Valid in the ready state
// only; concurrent turns are rejected.
func (c *Coordinator) StartTurn() error {
	return c.command(cmdStartTurn)
}

// StopTurn ends the user's speech, stops capture and asks the model to
// respond. Valid in the listening state only.
func (c *Coordinator) StopTurn() error {
	return c.command(cmdStopTurn)
}

func (c *Coordinator) command(kind cmdKind) error {
	cmd := commandMsg{kind: kind, reply: make(chan error, 1)}

	select {
	case c.inbox <- cmd:
	case <-c.done:
		return ErrClosed
	case <-c.ctx.Done():
		return ErrClosed
	}

	select {
	case err := <-cmd.reply:
		return err
	case <-c.done:
		return ErrClosed
	}
}

// Close terminates the session and releases the capture device. Safe to call
// multiple times.
func (c *Coordinator) Close() error {
	c.cancel()

	c.mutex.Lock()
	s := c.session
	c.mutex.Unlock()

	var err error
	if s != nil {
		err = s.Close()
		<-c.done
	}

	c.stopCapture()
	c.setState(model.StateDisconnected, "")
	c.status.Stop()

	return err
}

func (c *Coordinator) setState(state model.TurnState, message string) {
	c.mutex.Lock()
	if c.state == state {
		c.mutex.Unlock()
		return
	}
	c.state = state
	c.mutex.Unlock()

	c.status.Publish(model.StatusUpdate{State: state, Message: message})
}

func (c *Coordinator) pumpEvents(s LiveSession) {
	for evt := range s.Events() {
		c.inbox <- eventMsg(evt)
	}
}

// run is the only goroutine that performs state transitions. Frames, session
// events and commands are processed in arrival order.
func (c *Coordinator) run() {
	defer close(c.done)

	for {
		select {
		case <-c.ctx.Done():
			return
		case msg := <-c.inbox:
			switch m := msg.(type) {
			case frameMsg:
				c.handleFrame(m)
			case commandMsg:
				m.reply <- c.handleCommand(m.kind)
			case eventMsg:
				if terminal := c.handleEvent(session.Event(m)); terminal {
					return
				}
			}
		}
	}
}

func (c *Coordinator) handleCommand(kind cmdKind) error {
	switch kind {
	case cmdStartTurn:
		return c.startTurn()
	case cmdStopTurn:
		return c.stopTurn()
	}

	return fmt.Errorf("unknown command %d", kind)
}

func (c *Coordinator) startTurn() error {
	if state := c.State(); state != model.StateReady {
		return fmt.Errorf("cannot start a turn in state %q", state)
	}

	c.transcript.Reset()

	handle, err := c.opts.Capture.Start(c.ctx, func(samples []int16) {
		select {
		case c.inbox <- frameMsg(samples):
		default:
			slog.Warn("dropping captured frame: coordinator inbox full")
		}
	})
	if err != nil {
		c.setState(model.StateError, err.Error())
		return fmt.Errorf("start capture: %w", err)
	}

	c.mutex.Lock()
	c.handle = handle
	c.mutex.Unlock()

	c.setState(model.StateListening, "")

	return nil
}

func (c *Coordinator) stopTurn() error {
	if state := c.State(); state != model.StateListening {
		return fmt.Errorf("cannot stop a turn in state %q", state)
	}

	c.stopCapture()

	// Stopping capture is synchronous, so every frame of the turn is already
	// in the inbox ahead of this command and was forwarded before it.
	err := c.currentSession().EndTurn()
	if err != nil {
		c.setState(model.StateError, err.Error())
		return fmt.Errorf("end turn: %w", err)
	}

	c.setState(model.StateAwaitingResponse, "")

	return nil
}

func (c *Coordinator) stopCapture() {
	c.mutex.Lock()
	handle := c.handle
	c.handle = nil
	c.mutex.Unlock()

	if handle != nil {
		if err := handle.Stop(); err != nil {
			slog.Warn(fmt.Sprintf("stop capture: %s", err))
		}
	}
}

func (c *Coordinator) currentSession() LiveSession {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return c.session
}

func (c *Coordinator) handleFrame(samples []int16) {
	if c.State() != model.StateListening {
		// Stale frame of a turn that ended meanwhile.
		return
	}

	if c.opts.OnFrame != nil {
		c.opts.OnFrame(samples)
	}

	err := c.currentSession().SendAudio(codec.Encode(samples, codec.InputSampleRate))
	if err != nil {
		c.stopCapture()
		c.setState(model.StateError, err.Error())
	}
}

func (c *Coordinator) handleEvent(evt session.Event) (terminal bool) {
	switch evt.Kind {
	case session.EventReady:
		c.setState(model.StateReady, "")
		c.readyOnce.Do(func() { close(c.ready) })
	case session.EventAudio:
		if c.State() == model.StateAwaitingResponse {
			c.setState(model.StateSpeaking, "")
		}

		if err := c.opts.Player.Enqueue(evt.Samples); err != nil {
			c.setState(model.StateError, err.Error())
		}
	case session.EventText:
		if c.State() == model.StateAwaitingResponse {
			c.setState(model.StateSpeaking, "")
		}

		c.transcript.Append(evt.Text)
	case session.EventToolCall:
		// Tool calls do not change the turn state. Results go back in
		// whatever order the functions finish.
		s := c.currentSession()
		go c.dispatcher.Dispatch(c.ctx, evt.ToolCalls, func(result model.ToolResult) {
			if err := s.SendToolResult(result); err != nil {
				slog.Warn(fmt.Sprintf("send tool result: %s", err))
			}
		})
	case session.EventTurnComplete:
		c.opts.Player.ResetCursor()
		c.setState(model.StateReady, "")

		if c.opts.OnTurnComplete != nil {
			c.opts.OnTurnComplete()
		}
	case session.EventError:
		c.stopCapture()
		c.setState(model.StateError, evt.Err.Error())
	case session.EventClosed:
		c.stopCapture()

		if c.ctx.Err() == nil {
			c.setState(model.StateError, "session closed")
		}

		return true
	}

	return false
}

// Microphone adapts a portaudio capture driver to the CaptureDriver
// interface.
func Microphone(d *capture.Driver) CaptureDriver {
	return microphone{driver: d}
}

type microphone struct {
	driver *capture.Driver
}

func (m microphone) Start(ctx context.Context, onFrame func([]int16)) (CaptureHandle, error) {
	return m.driver.Start(ctx, onFrame)
}
