package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// StreamConfig holds websocket-specific configuration.
type StreamConfig struct {
	URL              string
	HandshakeTimeout time.Duration
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	PingInterval     time.Duration
	PongTimeout      time.Duration
}

// DefaultStreamConfig returns a default stream configuration.
func DefaultStreamConfig(wsURL string) *StreamConfig {
	return &StreamConfig{
		URL:              wsURL,
		HandshakeTimeout: 10 * time.Second,
		ReadTimeout:      60 * time.Second,
		WriteTimeout:     10 * time.Second,
		PingInterval:     20 * time.Second,
		PongTimeout:      20 * time.Second,
	}
}

// StreamHealth is a point-in-time view of transport health.
type StreamHealth struct {
	Connected         bool      `json:"connected"`
	Subscriptions     []string  `json:"subscriptions"`
	MessagesReceived  int64     `json:"messages_received"`
	ErrorCount        int64     `json:"error_count"`
	LastMessageTime   time.Time `json:"last_message_time"`
	ReconnectCount    int64     `json:"reconnect_count"`
	MessagesPerSecond float64   `json:"messages_per_second"`
	ErrorRate         float64   `json:"error_rate"`
}

// Stream is a resilient duplex connection to the exchange's multiplexed
// websocket endpoint. It does not self-heal: Listen returns
// ErrConnectionClosed and the caller decides reconnect policy. Reconnect
// restores exactly the previously active subscription set.
type Stream struct {
	cfg *StreamConfig
	log *logrus.Entry

	mu     sync.Mutex
	conn   *websocket.Conn
	subs   map[string]struct{}
	nextID int

	startTime time.Time
	lastPong  time.Time

	statsMu          sync.Mutex
	messagesReceived int64
	errorCount       int64
	lastMessage      time.Time
	reconnectCount   int64
}

// NewStream creates a stream transport. Frames are delivered through the
// channel returned by Frames; the caller fans them out per stream.
func NewStream(cfg *StreamConfig, logger *logrus.Logger) *Stream {
	return &Stream{
		cfg:       cfg,
		log:       logger.WithField("component", "stream"),
		subs:      make(map[string]struct{}),
		startTime: time.Now(),
	}
}

// Connect dials the websocket endpoint. It is safe to call again after a
// connection loss; any existing connection is discarded first.
func (s *Stream) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}

	dialer := websocket.Dialer{HandshakeTimeout: s.cfg.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, s.cfg.URL, nil)
	if err != nil {
		s.countError()
		return &TransientError{Op: "dial", Attempts: 1, Err: err}
	}

	conn.SetPongHandler(func(string) error {
		s.mu.Lock()
		s.lastPong = time.Now()
		s.mu.Unlock()
		return nil
	})
	conn.SetPingHandler(func(message string) error {
		return conn.WriteControl(websocket.PongMessage, []byte(message), time.Now().Add(s.cfg.WriteTimeout))
	})

	s.conn = conn
	s.lastPong = time.Now()
	s.log.Info("connected to exchange stream")
	return nil
}

type subscribeRequest struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int      `json:"id"`
}

// Subscribe adds streams to the active set and sends a SUBSCRIBE request.
// Subscribing to an already-active stream is a no-op on the wire set, so the
// call is idempotent.
func (s *Stream) Subscribe(streams ...string) error {
	return s.sendSubscription("SUBSCRIBE", streams, true)
}

// Unsubscribe removes streams from the active set.
func (s *Stream) Unsubscribe(streams ...string) error {
	return s.sendSubscription("UNSUBSCRIBE", streams, false)
}

func (s *Stream) sendSubscription(method string, streams []string, add bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return ErrConnectionClosed
	}

	s.nextID++
	req := subscribeRequest{Method: method, Params: streams, ID: s.nextID}
	s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	if err := s.conn.WriteJSON(req); err != nil {
		s.countError()
		return fmt.Errorf("%s %v: %w", method, streams, err)
	}

	for _, st := range streams {
		if add {
			s.subs[st] = struct{}{}
		} else {
			delete(s.subs, st)
		}
	}
	s.log.WithFields(logrus.Fields{"method": method, "streams": streams}).Info("subscription updated")
	return nil
}

// Reconnect re-dials and restores the previously active stream set. The
// subscription set survives connection loss, so repeated reconnects are
// idempotent.
func (s *Stream) Reconnect(ctx context.Context) error {
	s.statsMu.Lock()
	s.reconnectCount++
	s.statsMu.Unlock()

	if err := s.Connect(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	active := make([]string, 0, len(s.subs))
	for st := range s.subs {
		active = append(active, st)
	}
	s.mu.Unlock()

	if len(active) == 0 {
		return nil
	}
	return s.Subscribe(active...)
}

// wireFrame covers both combined-stream envelopes and bare event payloads.
type wireFrame struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
	Result json.RawMessage `json:"result"`
	ID     *int            `json:"id"`
}

// Listen blocks reading frames and delivering them to out until the context
// is cancelled or the connection is lost. A keepalive ping runs on
// PingInterval; a missing pong within PongTimeout counts as connection loss.
// On loss it returns an error wrapping ErrConnectionClosed; it never
// reconnects by itself.
func (s *Stream) Listen(ctx context.Context, out chan<- Frame) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrConnectionClosed
	}

	readErrors := make(chan error, 1)
	messages := make(chan []byte, 128)
	readCtx, cancelRead := context.WithCancel(ctx)
	defer cancelRead()

	go func() {
		defer close(messages)
		for {
			conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				select {
				case readErrors <- err:
				case <-readCtx.Done():
				}
				return
			}
			select {
			case messages <- msg:
			case <-readCtx.Done():
				return
			}
		}
	}()

	pingTicker := time.NewTicker(s.cfg.PingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-readErrors:
			s.countError()
			return fmt.Errorf("%w: %v", ErrConnectionClosed, err)

		case msg, ok := <-messages:
			if !ok {
				return ErrConnectionClosed
			}
			frame, keep := s.decodeFrame(msg)
			if !keep {
				continue
			}
			select {
			case out <- frame:
			case <-ctx.Done():
				return ctx.Err()
			}

		case <-pingTicker.C:
			conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.countError()
				return fmt.Errorf("%w: ping: %v", ErrConnectionClosed, err)
			}
			s.mu.Lock()
			sincePong := time.Since(s.lastPong)
			s.mu.Unlock()
			if sincePong > s.cfg.PingInterval+s.cfg.PongTimeout {
				s.countError()
				return fmt.Errorf("%w: no pong for %s", ErrConnectionClosed, sincePong)
			}
		}
	}
}

// decodeFrame classifies one raw message. Subscription acks (messages with a
// "result" field) are dropped. Frames without a combined-stream envelope are
// tagged by their symbol and event type.
func (s *Stream) decodeFrame(msg []byte) (Frame, bool) {
	s.statsMu.Lock()
	s.messagesReceived++
	s.lastMessage = time.Now()
	s.statsMu.Unlock()

	var w wireFrame
	if err := json.Unmarshal(msg, &w); err != nil {
		s.countError()
		s.log.WithError(err).Warn("undecodable frame")
		return Frame{}, false
	}
	if w.ID != nil {
		// Subscription ack.
		return Frame{}, false
	}
	if w.Stream != "" {
		return Frame{Stream: w.Stream, Data: w.Data}, true
	}

	// Bare payload on the raw /ws endpoint: derive the stream name.
	var head struct {
		EventType string `json:"e"`
		Symbol    string `json:"s"`
	}
	if err := json.Unmarshal(msg, &head); err != nil || head.EventType == "" {
		return Frame{}, false
	}
	name := head.EventType
	switch head.EventType {
	case "depthUpdate":
		name = "depth"
	case "24hrTicker":
		name = "ticker"
	}
	stream := fmt.Sprintf("%s@%s", strings.ToLower(head.Symbol), name)
	return Frame{Stream: stream, Data: json.RawMessage(msg)}, true
}

// Close shuts the connection down and unblocks any pending read.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"),
		time.Now().Add(s.cfg.WriteTimeout))
	err := s.conn.Close()
	s.conn = nil
	return err
}

// Health reports transport counters plus derived rates.
func (s *Stream) Health() StreamHealth {
	s.mu.Lock()
	connected := s.conn != nil
	subs := make([]string, 0, len(s.subs))
	for st := range s.subs {
		subs = append(subs, st)
	}
	s.mu.Unlock()

	s.statsMu.Lock()
	defer s.statsMu.Unlock()

	uptime := time.Since(s.startTime).Seconds()
	if uptime < 1 {
		uptime = 1
	}
	total := s.messagesReceived + s.errorCount
	if total < 1 {
		total = 1
	}
	return StreamHealth{
		Connected:         connected,
		Subscriptions:     subs,
		MessagesReceived:  s.messagesReceived,
		ErrorCount:        s.errorCount,
		LastMessageTime:   s.lastMessage,
		ReconnectCount:    s.reconnectCount,
		MessagesPerSecond: float64(s.messagesReceived) / uptime,
		ErrorRate:         float64(s.errorCount) / float64(total),
	}
}

func (s *Stream) countError() {
	s.statsMu.Lock()
	s.errorCount++
	s.statsMu.Unlock()
}
