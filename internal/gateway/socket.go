// Package gateway is the client-facing edge of a voice session. It owns the
// websocket: inbound frames are decoded per client source and published to
// the session bus, and bus events bound for the client are serialized into
// the JSON envelopes the companion apps consume.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/chillpanda/bamboo/internal/config"
	"github.com/chillpanda/bamboo/internal/dispatch"
)

const (
	// defaultPingInterval is the liveness cadence for detecting half-open
	// peers that stopped reading without a close handshake.
	defaultPingInterval = 15 * time.Second

	// writeTimeout bounds a single send or ping round trip.
	writeTimeout = 10 * time.Second

	// maxInboundFrameBytes caps one client frame. Phone audio frames are
	// around 16KB for 500ms of PCM16 at 16kHz.
	maxInboundFrameBytes = 1 << 20
)

var errBusClosed = errors.New("session bus closed")

// Socket services one accepted client connection: a read loop publishing
// inbound frames, a write loop serializing outbound bus events, and a
// liveness pinger. Peer disconnect and send failure are not errors; the
// socket broadcasts SESSION_CLOSE{peer_closed} once and lets the supervisor
// tear the session down.
type Socket struct {
	sessionID    string
	source       config.Source
	conn         *websocket.Conn
	bus          *dispatch.Dispatcher
	pingInterval time.Duration

	audio    *dispatch.Subscription
	text     *dispatch.Subscription
	echoes   *dispatch.Subscription
	tokens   *dispatch.Subscription
	turns    *dispatch.Subscription
	clears   *dispatch.Subscription
	warnings *dispatch.Subscription
	limits   *dispatch.Subscription
	disabled *dispatch.Subscription
	abuse    *dispatch.Subscription
	crisis   *dispatch.Subscription

	closeOnce sync.Once
}

// SocketOption adjusts Socket construction.
type SocketOption func(*Socket)

// WithPingInterval overrides the liveness ping cadence.
func WithPingInterval(d time.Duration) SocketOption {
	return func(s *Socket) {
		if d > 0 {
			s.pingInterval = d
		}
	}
}

// NewSocket wraps an accepted connection. All outbound topics are subscribed
// here so events published between session setup and task start are not
// lost.
func NewSocket(sessionID string, source config.Source, conn *websocket.Conn, bus *dispatch.Dispatcher, opts ...SocketOption) *Socket {
	conn.SetReadLimit(maxInboundFrameBytes)

	s := &Socket{
		sessionID:    sessionID,
		source:       source,
		conn:         conn,
		bus:          bus,
		pingInterval: defaultPingInterval,
		audio:        bus.Subscribe(sessionID, dispatch.OutboundAudio),
		text:         bus.Subscribe(sessionID, dispatch.OutboundText),
		echoes:       bus.Subscribe(sessionID, dispatch.FinalTranscript),
		tokens:       bus.Subscribe(sessionID, dispatch.LLMToken),
		turns:        bus.Subscribe(sessionID, dispatch.TurnEnded),
		clears:       bus.Subscribe(sessionID, dispatch.ClearBuffer),
		warnings:     bus.Subscribe(sessionID, dispatch.UsageWarning),
		limits:       bus.Subscribe(sessionID, dispatch.UsageLimitReached),
		disabled:     bus.Subscribe(sessionID, dispatch.VoiceDisabled),
		abuse:        bus.Subscribe(sessionID, dispatch.AbuseDetected),
		crisis:       bus.Subscribe(sessionID, dispatch.CrisisDetected),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run services the connection until the context is cancelled or the bus
// closes. The connection itself is closed by the caller that accepted it.
func (s *Socket) Run(ctx context.Context) error {
	defer s.releaseAll()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.readLoop(ctx) })
	g.Go(func() error { return s.writeLoop(ctx) })
	g.Go(func() error { return s.liveness(ctx) })

	err := g.Wait()
	if errors.Is(err, errBusClosed) {
		return nil
	}
	return err
}

// inboundFrame carries one client frame from the connection pump.
type inboundFrame struct {
	typ  websocket.MessageType
	data []byte
	err  error
}

// readLoop receives client frames and publishes them as inbound frames.
// Device clients send JSON text frames, phone clients raw PCM binary frames,
// web clients either. Frame kinds the source does not accept are dropped.
//
// Reads are armed with a background context: cancelling a blocked websocket
// read destroys the whole connection, and the supervisor still needs to
// write a goodbye after this loop stops. The pump goroutine unblocks when
// the caller that accepted the connection closes it.
func (s *Socket) readLoop(ctx context.Context) error {
	frames := make(chan inboundFrame)
	go func() {
		for {
			typ, data, err := s.conn.Read(context.Background())
			select {
			case frames <- inboundFrame{typ: typ, data: data, err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	for {
		var in inboundFrame
		select {
		case <-ctx.Done():
			return ctx.Err()
		case in = <-frames:
		}
		if in.err != nil {
			s.broadcastClose("read")
			return nil
		}

		switch {
		case in.typ == websocket.MessageBinary && s.source != config.SourceDevice:
			if len(in.data) == 0 {
				continue
			}
			s.bus.Broadcast(s.sessionID, dispatch.InboundFrame, dispatch.Frame{Binary: true, Data: in.data})

		case in.typ == websocket.MessageText && s.source != config.SourcePhone:
			text, ok := decodeTextFrame(in.data)
			if !ok {
				slog.Warn("dropping unparseable text frame", "session_id", s.sessionID)
				continue
			}
			s.bus.Broadcast(s.sessionID, dispatch.InboundFrame, dispatch.Frame{Text: text})

		default:
			slog.Warn("dropping frame kind not accepted for source",
				"session_id", s.sessionID, "source", s.source)
		}
	}
}

// writeLoop serializes outbound bus events onto the connection. A failed
// send marks the socket dead.
func (s *Socket) writeLoop(ctx context.Context) error {
	for {
		var (
			ev dispatch.Event
			ok bool
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok = <-s.audio.Events():
		case ev, ok = <-s.text.Events():
		case ev, ok = <-s.echoes.Events():
		case ev, ok = <-s.tokens.Events():
		case ev, ok = <-s.turns.Events():
		case ev, ok = <-s.clears.Events():
		case ev, ok = <-s.warnings.Events():
		case ev, ok = <-s.limits.Events():
		case ev, ok = <-s.disabled.Events():
		case ev, ok = <-s.abuse.Events():
		case ev, ok = <-s.crisis.Events():
		}
		if !ok {
			return errBusClosed
		}

		env, want := envelopeFor(ev)
		if !want {
			continue
		}
		if err := s.send(env); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Warn("websocket send failed", "session_id", s.sessionID, "err", err)
			s.broadcastClose("write")
			return nil
		}
	}
}

// send serializes one envelope onto the connection. The write deadline is
// detached from the session context; a cancellation racing an in-flight
// write must not destroy the connection while a goodbye is still owed.
func (s *Socket) send(env any) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	return s.conn.Write(wctx, websocket.MessageText, data)
}

// liveness pings the peer on a fixed cadence. A failed ping means the peer
// is gone even though the TCP connection still looks open.
func (s *Socket) liveness(ctx context.Context) error {
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			err := s.conn.Ping(pctx)
			cancel()
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				s.broadcastClose("ping")
				return nil
			}
		}
	}
}

// broadcastClose publishes the peer-closed signal exactly once no matter
// which loop notices the dead connection first.
func (s *Socket) broadcastClose(via string) {
	s.closeOnce.Do(func() {
		slog.Info("client connection lost", "session_id", s.sessionID, "via", via)
		s.bus.Broadcast(s.sessionID, dispatch.SessionClose, dispatch.Close{Reason: dispatch.ReasonPeerClosed})
	})
}

func (s *Socket) releaseAll() {
	for _, sub := range []*dispatch.Subscription{
		s.audio, s.text, s.echoes, s.tokens, s.turns, s.clears,
		s.warnings, s.limits, s.disabled, s.abuse, s.crisis,
	} {
		sub.Release()
	}
}

// SendNotice writes one closing text envelope directly to conn, outside
// the bus path. The session layer uses it after the task group has
// stopped, when no socket writer is running and a final notice must still
// reach the client.
func SendNotice(ctx context.Context, conn *websocket.Conn, msg string) error {
	data, err := json.Marshal(textEvent(msg, false, true))
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(wctx, websocket.MessageText, data)
}

// decodeTextFrame extracts the utterance from a client text frame. Clients
// send either {"transcribed_text": ...} from on-device recognition or
// {"user_msg": ...} for typed input.
func decodeTextFrame(data []byte) (string, bool) {
	var frame struct {
		TranscribedText string `json:"transcribed_text"`
		UserMsg         string `json:"user_msg"`
	}
	if err := json.Unmarshal(data, &frame); err != nil {
		return "", false
	}
	if frame.TranscribedText != "" {
		return frame.TranscribedText, true
	}
	if frame.UserMsg != "" {
		return frame.UserMsg, true
	}
	return "", false
}
