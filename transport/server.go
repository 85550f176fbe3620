package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/clipforge/pipeline/broadcast"
	"github.com/clipforge/pipeline/id"
	"github.com/clipforge/pipeline/job"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 64 * 1024

	// outboundBuffer bounds control-frame responses queued by the reader
	// for the writer goroutine.
	outboundBuffer = 16
)

// Server delivers job progress to clients over WebSocket and SSE. It
// bridges the broadcast broker to the outside world: each connection is a
// broker subscriber, and the store is consulted for connect-time snapshots
// so late joiners see current state before live updates.
type Server struct {
	store             job.Store
	broker            *broadcast.Broker
	conns             *ConnectionManager
	logger            *slog.Logger
	defaultCodec      Codec
	heartbeatInterval time.Duration
	heartbeatTimeout  time.Duration
	upgrader          websocket.Upgrader
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger for the server.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithCodec sets the default codec for the server.
// Clients can override via the format query parameter.
func WithCodec(codec Codec) Option {
	return func(s *Server) { s.defaultCodec = codec }
}

// WithHeartbeat sets the heartbeat interval and the silence timeout.
// A connection silent for interval gets an unsolicited heartbeat frame;
// one silent past timeout is closed. The timeout must exceed the interval.
func WithHeartbeat(interval, timeout time.Duration) Option {
	return func(s *Server) {
		s.heartbeatInterval = interval
		s.heartbeatTimeout = timeout
	}
}

// NewServer creates a progress delivery server.
func NewServer(store job.Store, broker *broadcast.Broker, opts ...Option) *Server {
	s := &Server{
		store:             store,
		broker:            broker,
		conns:             NewConnectionManager(),
		logger:            slog.Default(),
		defaultCodec:      &JSONCodec{},
		heartbeatInterval: 30 * time.Second,
		heartbeatTimeout:  90 * time.Second,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(_ *http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Connections returns the connection manager.
func (s *Server) Connections() *ConnectionManager { return s.conns }

// RegisterRoutes mounts the delivery endpoints on a gin router.
func (s *Server) RegisterRoutes(r gin.IRouter) {
	r.GET("/ws", s.handleWebSocket)
	r.GET("/events", s.handleSSE)
}

// lookupJob resolves a job_id string to its stored record.
func (s *Server) lookupJob(ctx context.Context, raw string) (*job.Record, error) {
	jobID, err := id.ParseJobID(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid job id %q: %w", raw, err)
	}
	return s.store.GetJob(ctx, jobID)
}

// ── WebSocket ───────────────────────────────────────

// handleWebSocket upgrades the connection and serves the frame protocol.
// The initial job_id query parameter selects the first subscription;
// further jobs can be followed with subscribe frames.
func (s *Server) handleWebSocket(c *gin.Context) {
	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer ws.Close() //nolint:errcheck

	codec := s.defaultCodec
	if format := c.Query("format"); format != "" {
		codec = GetCodec(format)
	}

	// Validate the requested job before registering anything.
	rec, lookupErr := s.lookupJob(c.Request.Context(), c.Query("job_id"))
	if lookupErr != nil {
		s.writeFrame(ws, codec, NewErrorFrame("", ErrCodeNotFound, lookupErr.Error()))
		return
	}

	conn := NewConnection(id.NewConnID().String(), codec)
	topic := broadcast.JobTopic(rec.ID.String())

	s.conns.Add(conn)
	sub := s.broker.Subscribe(conn.ID, topic)
	conn.AddSubscription(topic)
	defer func() {
		s.broker.RemoveSubscriber(conn.ID)
		s.conns.Remove(conn.ID)
		s.logger.Info("websocket disconnected", slog.String("conn_id", conn.ID))
	}()

	s.logger.Info("websocket connected",
		slog.String("conn_id", conn.ID),
		slog.String("job_id", rec.ID.String()),
		slog.String("codec", codec.Name()),
	)

	// The writer goroutine owns all writes: broker updates, control-frame
	// responses queued by the reader, and heartbeats.
	outbound := make(chan *Frame, outboundBuffer)
	done := make(chan struct{})
	outbound <- NewSnapshotFrame(broadcast.NewUpdate(rec))
	go s.writePump(ws, codec, conn, sub, outbound, done)

	s.readLoop(c.Request.Context(), ws, codec, conn, sub, outbound)
	close(done)
}

// writePump drains the subscriber channel and the control-frame queue into
// the socket, and enforces the heartbeat protocol: a connection silent for
// the interval gets a heartbeat frame, one silent past the timeout is
// closed.
func (s *Server) writePump(
	ws *websocket.Conn,
	codec Codec,
	conn *Connection,
	sub *broadcast.Subscriber,
	outbound <-chan *Frame,
	done <-chan struct{},
) {
	ticker := time.NewTicker(s.heartbeatInterval)
	defer ticker.Stop()

	// Closing the socket on every exit unblocks the read loop: once the
	// writer is gone nobody drains outbound, and a reader stuck queueing
	// a control-frame response would otherwise hang forever.
	defer ws.Close() //nolint:errcheck

	for {
		select {
		case u, ok := <-sub.C():
			if !ok {
				return
			}
			if !s.writeFrame(ws, codec, NewUpdateFrame(u)) {
				return
			}
		case f := <-outbound:
			if !s.writeFrame(ws, codec, f) {
				return
			}
		case <-ticker.C:
			idle := conn.IdleFor()
			if idle >= s.heartbeatTimeout {
				s.logger.Info("closing silent connection",
					slog.String("conn_id", conn.ID),
					slog.Duration("idle", idle),
				)
				return
			}
			if idle >= s.heartbeatInterval {
				if !s.writeFrame(ws, codec, NewHeartbeatFrame()) {
					return
				}
			}
		case <-done:
			return
		}
	}
}

// readLoop processes inbound control frames until the connection drops.
// Malformed frames produce an error frame but keep the connection open.
func (s *Server) readLoop(
	ctx context.Context,
	ws *websocket.Conn,
	codec Codec,
	conn *Connection,
	sub *broadcast.Subscriber,
	outbound chan<- *Frame,
) {
	ws.SetReadLimit(maxMessageSize)

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		conn.Touch()

		frame, decErr := codec.Decode(data)
		if decErr != nil {
			outbound <- NewErrorFrame("", ErrCodeBadRequest, "invalid frame: "+decErr.Error())
			continue
		}

		switch frame.Type {
		case FramePing:
			outbound <- NewPongFrame(frame.ID)

		case FrameCredits:
			sub.AddCredits(int64(frame.Credits))

		case FrameSubscribe:
			rec, lookupErr := s.lookupJob(ctx, frame.JobID)
			if lookupErr != nil {
				outbound <- NewErrorFrame(frame.ID, ErrCodeNotFound, lookupErr.Error())
				continue
			}
			topic := broadcast.JobTopic(rec.ID.String())
			s.broker.SubscribeTo(conn.ID, topic)
			conn.AddSubscription(topic)
			snap := NewSnapshotFrame(broadcast.NewUpdate(rec))
			snap.CorrelID = frame.ID
			outbound <- snap

		case FrameUnsubscribe:
			if frame.JobID == "" {
				outbound <- NewErrorFrame(frame.ID, ErrCodeBadRequest, "unsubscribe requires job_id")
				continue
			}
			topic := broadcast.JobTopic(frame.JobID)
			s.broker.Unsubscribe(conn.ID, topic)
			conn.RemoveSubscription(topic)

		default:
			outbound <- NewErrorFrame(frame.ID, ErrCodeBadRequest,
				fmt.Sprintf("unsupported frame type %q", frame.Type))
		}
	}
}

// writeFrame encodes and writes a frame. Returns false when the connection
// is no longer usable.
func (s *Server) writeFrame(ws *websocket.Conn, codec Codec, frame *Frame) bool {
	data, err := codec.Encode(frame)
	if err != nil {
		s.logger.Error("frame encode failed", slog.String("error", err.Error()))
		return true
	}

	msgType := websocket.TextMessage
	if codec.Name() == CodecNameMsgpack {
		msgType = websocket.BinaryMessage
	}

	ws.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck
	if err := ws.WriteMessage(msgType, data); err != nil {
		return false
	}
	return true
}

// ── SSE ─────────────────────────────────────────────

// handleSSE serves read-only Server-Sent Events for clients that cannot
// establish WebSocket connections. Events are always JSON.
func (s *Server) handleSSE(c *gin.Context) {
	rec, err := s.lookupJob(c.Request.Context(), c.Query("job_id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	h := c.Writer.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")

	conn := NewConnection(id.NewConnID().String(), &JSONCodec{})
	topic := broadcast.JobTopic(rec.ID.String())

	s.conns.Add(conn)
	sub := s.broker.Subscribe(conn.ID, topic)
	defer func() {
		s.broker.RemoveSubscriber(conn.ID)
		s.conns.Remove(conn.ID)
	}()

	if writeErr := writeSSEEvent(c.Writer, string(FrameSnapshot), broadcast.NewUpdate(rec)); writeErr != nil {
		return
	}
	c.Writer.Flush()

	for {
		select {
		case u, ok := <-sub.C():
			if !ok {
				return
			}
			if writeErr := writeSSEEvent(c.Writer, string(FrameUpdate), u); writeErr != nil {
				return
			}
			c.Writer.Flush()
		case <-c.Request.Context().Done():
			return
		}
	}
}

func writeSSEEvent(w io.Writer, event string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}
