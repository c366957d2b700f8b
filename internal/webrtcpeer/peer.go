package webrtcpeer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"
)

const (
	// DataChannelLabel is the label both demo peers open and accept.
	DataChannelLabel = "hyperscale"

	// DefaultAnswerAttempts bounds how many times the offerer polls for an
	// answer before giving up.
	DefaultAnswerAttempts = 60

	messageBuffer = 64
)

var (
	ErrClosed           = errors.New("webrtcpeer: connection closed")
	ErrConnectionFailed = errors.New("webrtcpeer: peer connection failed")
)

// Offerer is the signaling surface used by Dial.
type Offerer interface {
	CreateOffer(ctx context.Context, offer webrtc.SessionDescription) (string, error)
	WaitAnswer(ctx context.Context, id string, maxAttempts int) (webrtc.SessionDescription, error)
}

// Answerer is the signaling surface used by Accept.
type Answerer interface {
	Claim(ctx context.Context) (string, error)
	GetOffer(ctx context.Context, id string) (webrtc.SessionDescription, error)
	SubmitAnswer(ctx context.Context, id string, answer webrtc.SessionDescription) error
}

type Options struct {
	ICEServers []webrtc.ICEServer
	Label      string
	// AnswerAttempts caps answer polls in Dial. Zero selects
	// DefaultAnswerAttempts; a negative value polls until ctx ends.
	AnswerAttempts int
	Logger         *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.Label == "" {
		o.Label = DataChannelLabel
	}
	if o.AnswerAttempts == 0 {
		o.AnswerAttempts = DefaultAnswerAttempts
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Conn is an established PeerConnection with one open DataChannel.
type Conn struct {
	// ConnectionID is the relay record this connection was negotiated over.
	// It is fixed once Dial or Accept returns.
	ConnectionID string

	pc     *webrtc.PeerConnection
	logger *slog.Logger

	mu sync.Mutex
	dc *webrtc.DataChannel

	msgs     chan []byte
	opened   chan struct{}
	openOnce sync.Once
	done     chan struct{}
	doneOnce sync.Once
	failed   chan struct{}
	failOnce sync.Once
}

func newConn(pc *webrtc.PeerConnection, logger *slog.Logger) *Conn {
	c := &Conn{
		pc:     pc,
		logger: logger,
		msgs:   make(chan []byte, messageBuffer),
		opened: make(chan struct{}),
		done:   make(chan struct{}),
		failed: make(chan struct{}),
	}
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		c.logger.Debug("peer connection state", "connection_id", c.id(), "state", state.String())
		switch state {
		case webrtc.PeerConnectionStateFailed:
			c.failOnce.Do(func() { close(c.failed) })
		case webrtc.PeerConnectionStateClosed:
			c.doneOnce.Do(func() { close(c.done) })
		}
	})
	return c
}

func (c *Conn) setID(id string) {
	c.mu.Lock()
	c.ConnectionID = id
	c.mu.Unlock()
}

func (c *Conn) id() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ConnectionID
}

func (c *Conn) attach(dc *webrtc.DataChannel) {
	c.mu.Lock()
	c.dc = dc
	c.mu.Unlock()

	dc.OnOpen(func() {
		c.openOnce.Do(func() { close(c.opened) })
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		select {
		case c.msgs <- msg.Data:
		case <-c.done:
		default:
			c.logger.Warn("dropping datachannel message; receiver is not keeping up",
				"connection_id", c.id(),
				"bytes", len(msg.Data),
			)
		}
	})
	dc.OnClose(func() {
		c.doneOnce.Do(func() { close(c.done) })
	})
}

func (c *Conn) waitOpen(ctx context.Context) error {
	select {
	case <-c.opened:
		return nil
	case <-c.failed:
		return ErrConnectionFailed
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Label returns the negotiated DataChannel label.
func (c *Conn) Label() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dc == nil {
		return ""
	}
	return c.dc.Label()
}

// Send writes a binary message.
func (c *Conn) Send(data []byte) error {
	c.mu.Lock()
	dc := c.dc
	c.mu.Unlock()
	if dc == nil {
		return ErrClosed
	}
	return dc.Send(data)
}

// SendText writes a text message.
func (c *Conn) SendText(s string) error {
	c.mu.Lock()
	dc := c.dc
	c.mu.Unlock()
	if dc == nil {
		return ErrClosed
	}
	return dc.SendText(s)
}

// Recv returns the next message. Queued messages are drained before ErrClosed
// is reported.
func (c *Conn) Recv(ctx context.Context) ([]byte, error) {
	select {
	case msg := <-c.msgs:
		return msg, nil
	default:
	}
	select {
	case msg := <-c.msgs:
		return msg, nil
	case <-c.done:
		return nil, ErrClosed
	case <-c.failed:
		return nil, ErrConnectionFailed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Done is closed once the DataChannel or PeerConnection closes.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

func (c *Conn) Close() error {
	return c.pc.Close()
}

// Dial creates an offer carrying a DataChannel, enqueues it on the relay and
// waits for the answer. ICE candidates are gathered up front since the relay
// carries a single offer and a single answer.
func Dial(ctx context.Context, api *webrtc.API, sig Offerer, opts Options) (conn *Conn, err error) {
	opts = opts.withDefaults()
	if api == nil {
		api = webrtc.NewAPI()
	}

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: opts.ICEServers})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	defer func() {
		if err != nil {
			_ = pc.Close()
		}
	}()

	c := newConn(pc, opts.Logger)
	dc, err := pc.CreateDataChannel(opts.Label, nil)
	if err != nil {
		return nil, fmt.Errorf("create datachannel: %w", err)
	}
	c.attach(dc)

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return nil, fmt.Errorf("create offer: %w", err)
	}
	if err := setLocalAndGather(ctx, pc, offer); err != nil {
		return nil, err
	}

	id, err := sig.CreateOffer(ctx, *pc.LocalDescription())
	if err != nil {
		return nil, fmt.Errorf("enqueue offer: %w", err)
	}
	c.setID(id)
	opts.Logger.Info("offer enqueued", "connection_id", id)

	answer, err := sig.WaitAnswer(ctx, id, max(opts.AnswerAttempts, 0))
	if err != nil {
		return nil, fmt.Errorf("wait answer: %w", err)
	}
	if err := pc.SetRemoteDescription(answer); err != nil {
		return nil, fmt.Errorf("set remote description: %w", err)
	}

	if err := c.waitOpen(ctx); err != nil {
		return nil, err
	}
	opts.Logger.Info("datachannel open", "connection_id", id, "label", dc.Label())
	return c, nil
}

// Accept claims the oldest pending offer, answers it and waits for the
// offerer's DataChannel. Channels with another label are closed.
func Accept(ctx context.Context, api *webrtc.API, sig Answerer, opts Options) (conn *Conn, err error) {
	opts = opts.withDefaults()
	if api == nil {
		api = webrtc.NewAPI()
	}

	id, err := sig.Claim(ctx)
	if err != nil {
		return nil, fmt.Errorf("claim: %w", err)
	}
	offer, err := sig.GetOffer(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get offer: %w", err)
	}

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: opts.ICEServers})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	defer func() {
		if err != nil {
			_ = pc.Close()
		}
	}()

	c := newConn(pc, opts.Logger)
	c.setID(id)
	var attachOnce sync.Once
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != opts.Label {
			opts.Logger.Warn("rejecting datachannel", "connection_id", id, "label", dc.Label())
			_ = dc.Close()
			return
		}
		attachOnce.Do(func() { c.attach(dc) })
	})

	if err := pc.SetRemoteDescription(offer); err != nil {
		return nil, fmt.Errorf("set remote description: %w", err)
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return nil, fmt.Errorf("create answer: %w", err)
	}
	if err := setLocalAndGather(ctx, pc, answer); err != nil {
		return nil, err
	}

	if err := sig.SubmitAnswer(ctx, id, *pc.LocalDescription()); err != nil {
		return nil, fmt.Errorf("submit answer: %w", err)
	}
	opts.Logger.Info("answer submitted", "connection_id", id)

	if err := c.waitOpen(ctx); err != nil {
		return nil, err
	}
	opts.Logger.Info("datachannel open", "connection_id", id, "label", c.Label())
	return c, nil
}

func setLocalAndGather(ctx context.Context, pc *webrtc.PeerConnection, desc webrtc.SessionDescription) error {
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(desc); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	select {
	case <-gathered:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
