package relay

import (
	"bytes"
	"context"
	"crypto/rand"
	"net"
	"time"

	"github.com/gobwas/ws"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/fernwood/tweet-relay/internal/bus"
	"github.com/fernwood/tweet-relay/internal/metrics"
	"github.com/fernwood/tweet-relay/internal/twitter"
)

const (
	// A connection with no inbound traffic, pongs included, for this long
	// is considered dead.
	wsStall = 90 * time.Second

	heartbeatInterval = 30 * time.Second

	sendQueueCapacity = 32

	writeTimeout = 5 * time.Second

	// Close reason sent when the relay, not the client, ends the session.
	interruptedReason = "service was interrupted or encountered an error"
)

// wsFrame is one outbound frame queued for the write pump.
type wsFrame struct {
	op      ws.OpCode
	payload []byte
}

// session serves one WebSocket client: it decodes subscription commands,
// forwards interest deltas to the supervisor, and fans matching tweets
// back out. Reads and writes each run on their own pump goroutine; all
// state lives in the run loop.
type session struct {
	conn        net.Conn
	addr        string
	logger      zerolog.Logger
	deltas      chan<- twitter.Delta
	receiver    *bus.Receiver[*twitter.Tweet]
	lifeline    *Lifeline
	debugFanout bool

	follows   twitter.FollowSet
	pingNonce []byte
	limiter   *rate.Limiter

	stall     time.Duration
	heartbeat time.Duration

	inbound chan wsFrame
	send    chan wsFrame
	closed  chan struct{}
}

func newSession(conn net.Conn, deltas chan<- twitter.Delta, tweets *bus.Bus[*twitter.Tweet], lifeline *Lifeline, debugFanout bool, logger zerolog.Logger) *session {
	addr := conn.RemoteAddr().String()
	return &session{
		conn:        conn,
		addr:        addr,
		logger:      logger.With().Str("client", addr).Logger(),
		deltas:      deltas,
		receiver:    tweets.Subscribe(),
		lifeline:    lifeline,
		debugFanout: debugFanout,
		follows:     twitter.NewFollowSet(),
		limiter:     rate.NewLimiter(rate.Limit(10), 100),
		stall:       wsStall,
		heartbeat:   heartbeatInterval,
		inbound:     make(chan wsFrame),
		send:        make(chan wsFrame, sendQueueCapacity),
		closed:      make(chan struct{}),
	}
}

// run drives the session until the client leaves, the connection dies,
// the bus closes, or ctx is cancelled.
func (s *session) run(ctx context.Context) {
	readErr := make(chan error, 1)
	go s.readPump(readErr)

	writeDone := make(chan struct{})
	go s.writePump(writeDone)

	heartbeat := time.NewTicker(s.heartbeat)
	defer heartbeat.Stop()

	s.loop(ctx, readErr, heartbeat.C)

	// Teardown. Stopping the pumps before closing the send queue keeps
	// enqueue and close on the same goroutine.
	close(s.closed)
	close(s.send)
	<-writeDone
	s.conn.Close()
	s.receiver.Close()

	// Withdraw this client's interests so the supervisor can shrink the
	// upstream filter. Best effort: a wedged supervisor must not leak
	// session goroutines.
	select {
	case s.deltas <- twitter.Delta{Client: s.addr, Follows: twitter.NewFollowSet()}:
	case <-time.After(time.Second):
		s.logger.Warn().Msg("Timed out withdrawing interests on close")
	}
}

func (s *session) loop(ctx context.Context, readErr <-chan error, heartbeat <-chan time.Time) {
	for {
		select {
		case <-ctx.Done():
			s.enqueueClose(ws.StatusInternalServerError, interruptedReason)
			return

		case err := <-readErr:
			s.logger.Debug().Err(err).Msg("Client read ended")
			return

		case frame := <-s.inbound:
			if done := s.handleFrame(frame); done {
				return
			}

		case tweet, ok := <-s.receiver.C():
			if !ok {
				// Upstream pipeline is gone for good.
				s.enqueueClose(ws.StatusInternalServerError, interruptedReason)
				return
			}
			if done := s.deliver(tweet); done {
				return
			}

		case <-heartbeat:
			nonce := make([]byte, 8)
			rand.Read(nonce)
			s.pingNonce = nonce
			if !s.enqueue(wsFrame{op: ws.OpPing, payload: nonce}) {
				return
			}
		}
	}
}

// handleFrame dispatches one inbound frame. A true result ends the
// session.
func (s *session) handleFrame(frame wsFrame) bool {
	switch frame.op {
	case ws.OpText:
		return s.handleText(frame.payload)

	case ws.OpBinary:
		return false

	case ws.OpPing:
		return !s.enqueue(wsFrame{op: ws.OpPong, payload: frame.payload})

	case ws.OpPong:
		if s.pingNonce == nil {
			// Unsolicited pong, permitted by the RFC.
			return false
		}
		if !bytes.Equal(frame.payload, s.pingNonce) {
			s.logger.Warn().Msg("Heartbeat pong carried the wrong payload")
			return true
		}
		s.pingNonce = nil
		return false

	case ws.OpClose:
		s.enqueue(wsFrame{op: ws.OpClose, payload: ws.NewCloseFrameBody(ws.StatusNormalClosure, "")})
		return true

	default:
		return false
	}
}

// handleText decodes and applies one client command.
func (s *session) handleText(payload []byte) bool {
	if !s.limiter.Allow() {
		metrics.RateLimitedFrames.Inc()
		s.logger.Warn().Msg("Dropping client frame, rate limit exceeded")
		return false
	}

	cmd, err := decodeClientMessage(payload)
	if err != nil {
		metrics.ProtocolErrors.Inc()
		s.logger.Debug().Err(err).Msg("Client sent a malformed message")
		s.sendProtocolError(err.Error())
		return false
	}

	switch cmd.Kind {
	case cmdExit:
		// No ack and no local close. Shutdown propagates back to every
		// session through context cancellation.
		s.logger.Info().Msg("Client requested shutdown")
		s.lifeline.Fire()
		return false

	case cmdSet:
		s.follows = twitter.NewFollowSet(cmd.IDs...)
	case cmdInsert:
		for _, id := range cmd.IDs {
			s.follows.Insert(id)
		}
	case cmdRemove:
		for _, id := range cmd.IDs {
			s.follows.Remove(id)
		}
	}

	select {
	case s.deltas <- twitter.Delta{Client: s.addr, Follows: s.follows.Clone()}:
	case <-time.After(writeTimeout):
		s.logger.Error().Msg("Supervisor did not accept an interest delta")
		return true
	}

	ack, err := encodeAck(s.follows)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode ack")
		return true
	}
	return !s.enqueue(wsFrame{op: ws.OpText, payload: ack})
}

// deliver forwards one bus tweet if the client's filter matches.
func (s *session) deliver(tweet *twitter.Tweet) bool {
	if lagged := s.receiver.Lagged(); lagged > 0 {
		metrics.BusLagDropped.Add(float64(lagged))
		s.logger.Warn().Int64("dropped", lagged).Msg("Session lagged behind the tweet bus")
	}

	if !s.debugFanout && !s.follows.Contains(tweet.AuthorID()) {
		return false
	}

	payload, err := encodeTweet(tweet)
	if err != nil {
		s.logger.Error().Err(err).Uint64("id", tweet.ID).Msg("Failed to encode tweet")
		return false
	}

	if !s.enqueue(wsFrame{op: ws.OpText, payload: payload}) {
		return true
	}
	metrics.TweetsDelivered.Inc()
	if s.debugFanout {
		s.logger.Info().Uint64("id", tweet.ID).Msg("Delivered tweet (debug fan-out)")
	}
	return false
}

func (s *session) sendProtocolError(desc string) {
	payload, err := encodeProtocolError(desc)
	if err != nil {
		return
	}
	s.enqueue(wsFrame{op: ws.OpText, payload: payload})
}

// enqueue hands a frame to the write pump. A full queue means the
// client cannot keep up; the session ends rather than block the loop.
func (s *session) enqueue(frame wsFrame) bool {
	select {
	case s.send <- frame:
		return true
	default:
		s.logger.Warn().Msg("Client send queue full, dropping session")
		return false
	}
}

func (s *session) enqueueClose(code ws.StatusCode, reason string) {
	s.enqueue(wsFrame{op: ws.OpClose, payload: ws.NewCloseFrameBody(code, reason)})
}

// readPump reads client frames until the connection errors or stalls.
// Each frame arms a fresh read deadline, so any traffic keeps the
// session alive. Fragmented messages are reassembled before dispatch;
// control frames pass through immediately, as they may be interleaved
// with a fragmented message.
func (s *session) readPump(readErr chan<- error) {
	var (
		msgOp  ws.OpCode
		msgBuf []byte
	)

	for {
		s.conn.SetReadDeadline(time.Now().Add(s.stall))
		frame, err := ws.ReadFrame(s.conn)
		if err != nil {
			select {
			case readErr <- err:
			case <-s.closed:
			}
			return
		}
		if frame.Header.Masked {
			frame = ws.UnmaskFrameInPlace(frame)
		}

		var out wsFrame
		switch {
		case frame.Header.OpCode.IsControl():
			out = wsFrame{op: frame.Header.OpCode, payload: frame.Payload}

		case frame.Header.OpCode == ws.OpContinuation:
			if msgBuf == nil {
				// Continuation with no message in progress.
				continue
			}
			msgBuf = append(msgBuf, frame.Payload...)
			if !frame.Header.Fin {
				continue
			}
			out = wsFrame{op: msgOp, payload: msgBuf}
			msgBuf = nil

		default:
			if !frame.Header.Fin {
				msgOp = frame.Header.OpCode
				msgBuf = append([]byte{}, frame.Payload...)
				continue
			}
			out = wsFrame{op: frame.Header.OpCode, payload: frame.Payload}
		}

		select {
		case s.inbound <- out:
		case <-s.closed:
			return
		}
	}
}

// writePump owns all writes to the connection. After a write fails it
// keeps draining the queue so the run loop never blocks on a dead peer.
func (s *session) writePump(done chan<- struct{}) {
	defer close(done)

	broken := false
	for frame := range s.send {
		if broken {
			continue
		}
		s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := ws.WriteFrame(s.conn, ws.NewFrame(frame.op, true, frame.payload)); err != nil {
			s.logger.Debug().Err(err).Msg("Client write failed")
			broken = true
		}
	}
}
