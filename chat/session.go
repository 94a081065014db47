package chat

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/quiverai/ragcore/common/errs"
	"github.com/quiverai/ragcore/common/logger"
	"github.com/quiverai/ragcore/history"
	"github.com/quiverai/ragcore/pipeline"
	"github.com/quiverai/ragcore/quota"
	"github.com/quiverai/ragcore/store"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next frame from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = 50 * time.Second

	// Maximum client frame size; attachments count too
	maxMessageSize = 1 << 20

	sendBuffer = 512
	turnBuffer = 4
)

// Session is one websocket conversation. Client frames arrive on the
// read pump, turns run sequentially on a worker, and all server frames
// leave through the write pump.
type Session struct {
	conn    *websocket.Conn
	pipe    *pipeline.Pipeline
	counter *quota.Counter

	bot        pipeline.BotConfig
	collection *store.Collection
	history    history.Handle
	user       string

	send   chan []byte
	turns  chan turn
	ctx    context.Context
	cancel context.CancelFunc
	log    *logger.Logger
}

type turn struct {
	id    string
	query string
}

// NewSession wraps an upgraded connection.
func NewSession(conn *websocket.Conn, pipe *pipeline.Pipeline, counter *quota.Counter, bot pipeline.BotConfig, collection *store.Collection, hist history.Handle, user string, log *logger.Logger) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		conn:       conn,
		pipe:       pipe,
		counter:    counter,
		bot:        bot,
		collection: collection,
		history:    hist,
		user:       user,
		send:       make(chan []byte, sendBuffer),
		turns:      make(chan turn, turnBuffer),
		ctx:        ctx,
		cancel:     cancel,
		log:        log.WithUser(user),
	}
}

// Run serves the session until the connection closes. It blocks on the
// read pump; the write pump and the turn worker run alongside.
func (s *Session) Run() {
	go s.writePump()
	go s.worker()

	s.enqueue(welcomeFrame(uuid.New().String(), WelcomeData{
		Hello: s.bot.Welcome.Hello,
		FAQ:   s.bot.Welcome.FAQ,
	}))

	s.readPump()
}

func (s *Session) enqueue(f ServerFrame) bool {
	select {
	case s.send <- encodeFrame(f):
		return true
	case <-s.ctx.Done():
		return false
	}
}

// readPump decodes client frames. A message frame announcing an
// attachment makes the next binary frame part of the same turn.
func (s *Session) readPump() {
	defer func() {
		s.cancel()
		s.conn.Close()
	}()

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	var pending *ClientFrame

	for {
		msgType, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.log.Warn("websocket read failed", "error", err)
			}
			return
		}
		s.conn.SetReadDeadline(time.Now().Add(pongWait))

		if msgType == websocket.BinaryMessage {
			s.handleAttachment(pending, raw)
			pending = nil
			continue
		}

		var frame ClientFrame
		if err := unmarshalFrame(raw, &frame); err != nil {
			s.enqueue(errorFrame("", "malformed frame"))
			continue
		}

		switch frame.Type {
		case ClientTypePing:
			s.enqueue(pongFrame())
		case ClientTypeMessage:
			if frame.FileName != "" {
				// Hold the turn until its attachment arrives
				f := frame
				pending = &f
				continue
			}
			s.startTurn(frame.Data)
		default:
			s.enqueue(errorFrame("", "unknown frame type"))
		}
	}
}

func (s *Session) handleAttachment(pending *ClientFrame, raw []byte) {
	if pending == nil {
		s.enqueue(errorFrame("", "unexpected binary frame"))
		return
	}

	content, err := ReadAttachment(pending.FileName, raw)
	if err != nil {
		s.enqueue(errorFrame("", err.Error()))
		return
	}

	query := pending.Data
	if content != "" {
		query += "\n\n" + content
	}
	s.startTurn(query)
}

func (s *Session) startTurn(query string) {
	if query == "" {
		s.enqueue(errorFrame("", "empty message"))
		return
	}
	select {
	case s.turns <- turn{id: uuid.New().String(), query: query}:
	case <-s.ctx.Done():
	}
}

// worker runs queued turns one at a time.
func (s *Session) worker() {
	for {
		select {
		case t := <-s.turns:
			s.runTurn(t)
		case <-s.ctx.Done():
			return
		}
	}
}

// runTurn checks quota, streams the answer and closes the turn with a
// stop or error frame. Quota is consumed only after a successful turn.
func (s *Session) runTurn(t turn) {
	if err := s.counter.Check(s.ctx, s.user); err != nil {
		if errors.Is(err, errs.ErrQuotaExceeded) {
			s.enqueue(errorFrame(t.id, "daily message limit reached"))
		} else {
			s.log.Error("quota check failed", "error", err)
			s.enqueue(errorFrame(t.id, "service temporarily unavailable"))
		}
		return
	}

	if !s.enqueue(startFrame(t.id)) {
		return
	}

	outcome, err := s.pipe.Answer(s.ctx, pipeline.Request{
		Bot:        s.bot,
		Collection: s.collection,
		History:    s.history,
		User:       s.user,
		Query:      t.query,
		MessageID:  t.id,
	}, func(data string) error {
		if !s.enqueue(messageFrame(t.id, data)) {
			return errs.New(errs.ErrCancelled, "session closed mid-stream")
		}
		return nil
	})
	if err != nil {
		if errs.IsCancelled(err) {
			return
		}
		s.log.Error("turn failed", "turn_id", t.id, "error", err)
		s.enqueue(errorFrame(t.id, err.Error()))
		return
	}

	s.enqueue(stopFrame(t.id, outcome.References, outcome.MemoryCount))

	if err := s.counter.Record(s.ctx, s.user); err != nil {
		s.log.Warn("failed to record quota", "error", err)
	}
}

// writePump drains the send queue and keeps the connection alive with
// pings. Each frame goes out as its own websocket message so the client
// can parse every JSON object individually.
func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.cancel()
		s.conn.Close()
	}()

	for {
		select {
		case raw := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				return
			}

			n := len(s.send)
			for i := 0; i < n; i++ {
				s.conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := s.conn.WriteMessage(websocket.TextMessage, <-s.send); err != nil {
					return
				}
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-s.ctx.Done():
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			s.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}
