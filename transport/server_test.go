package transport_test

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/clipforge/pipeline/broadcast"
	"github.com/clipforge/pipeline/job"
	"github.com/clipforge/pipeline/store/memory"
	"github.com/clipforge/pipeline/transport"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type harness struct {
	srv    *transport.Server
	store  *memory.Store
	broker *broadcast.Broker
	http   *httptest.Server
}

func setupServer(t *testing.T, opts ...transport.Option) *harness {
	t.Helper()

	gin.SetMode(gin.TestMode)
	store := memory.New()
	broker := broadcast.NewBroker(testLogger())
	srv := transport.NewServer(store, broker,
		append([]transport.Option{transport.WithLogger(testLogger())}, opts...)...)

	router := gin.New()
	srv.RegisterRoutes(router)
	ts := httptest.NewServer(router)
	t.Cleanup(ts.Close)

	return &harness{srv: srv, store: store, broker: broker, http: ts}
}

func seedJob(t *testing.T, store *memory.Store, name string) *job.Record {
	t.Helper()
	r := job.New(name, []byte(`{"clip":"intro"}`), job.DefaultOptions())
	if err := store.CreateJob(context.Background(), r); err != nil {
		t.Fatalf("CreateJob error: %v", err)
	}
	return r
}

func (h *harness) wsURL(query string) string {
	return "ws" + strings.TrimPrefix(h.http.URL, "http") + "/ws?" + query
}

func dialWS(t *testing.T, h *harness, query string) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(h.wsURL(query), nil)
	if err != nil {
		t.Fatalf("websocket dial error: %v", err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn, codec transport.Codec) *transport.Frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage error: %v", err)
	}
	frame, err := codec.Decode(data)
	if err != nil {
		t.Fatalf("decode frame error: %v", err)
	}
	return frame
}

func writeFrame(t *testing.T, conn *websocket.Conn, codec transport.Codec, frame *transport.Frame) {
	t.Helper()
	data, err := codec.Encode(frame)
	if err != nil {
		t.Fatalf("encode frame error: %v", err)
	}
	msgType := websocket.TextMessage
	if codec.Name() == transport.CodecNameMsgpack {
		msgType = websocket.BinaryMessage
	}
	if err := conn.WriteMessage(msgType, data); err != nil {
		t.Fatalf("WriteMessage error: %v", err)
	}
}

// ── WebSocket ───────────────────────────────────────

func TestWebSocketSnapshotOnConnect(t *testing.T) {
	h := setupServer(t)
	rec := seedJob(t, h.store, "extract-clip")
	codec := &transport.JSONCodec{}

	conn := dialWS(t, h, "job_id="+rec.ID.String())

	frame := readFrame(t, conn, codec)
	if frame.Type != transport.FrameSnapshot {
		t.Fatalf("first frame type = %q, want %q", frame.Type, transport.FrameSnapshot)
	}
	if frame.Update == nil {
		t.Fatal("snapshot frame has no update")
	}
	if frame.Update.JobID != rec.ID.String() {
		t.Errorf("snapshot job id = %q, want %q", frame.Update.JobID, rec.ID)
	}
	if frame.Update.Status != job.StatusPending {
		t.Errorf("snapshot status = %q, want %q", frame.Update.Status, job.StatusPending)
	}
}

func TestWebSocketUnknownJobRejected(t *testing.T) {
	h := setupServer(t)
	codec := &transport.JSONCodec{}

	conn := dialWS(t, h, "job_id=job_does_not_exist")

	frame := readFrame(t, conn, codec)
	if frame.Type != transport.FrameErr {
		t.Fatalf("frame type = %q, want %q", frame.Type, transport.FrameErr)
	}
	if frame.Error == nil || frame.Error.Code != transport.ErrCodeNotFound {
		t.Fatalf("error frame = %+v, want code %d", frame.Error, transport.ErrCodeNotFound)
	}

	// The server closes the connection after rejecting the job.
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("expected connection to be closed after rejection")
	}
}

func TestWebSocketPingPong(t *testing.T) {
	h := setupServer(t)
	rec := seedJob(t, h.store, "extract-clip")
	codec := &transport.JSONCodec{}

	conn := dialWS(t, h, "job_id="+rec.ID.String())
	readFrame(t, conn, codec) // snapshot

	writeFrame(t, conn, codec, &transport.Frame{ID: "ping-1", Type: transport.FramePing})

	frame := readFrame(t, conn, codec)
	if frame.Type != transport.FramePong {
		t.Fatalf("frame type = %q, want %q", frame.Type, transport.FramePong)
	}
	if frame.CorrelID != "ping-1" {
		t.Errorf("pong correl id = %q, want %q", frame.CorrelID, "ping-1")
	}
}

func TestWebSocketReceivesPublishedUpdates(t *testing.T) {
	h := setupServer(t)
	rec := seedJob(t, h.store, "render-preview")
	codec := &transport.JSONCodec{}

	conn := dialWS(t, h, "job_id="+rec.ID.String())
	readFrame(t, conn, codec) // snapshot

	rec.Status = job.StatusInProgress
	rec.Progress = 42
	rec.Message = "rendering frame 420/1000"
	delivered := h.broker.Publish(broadcast.NewUpdate(rec))
	if delivered == 0 {
		t.Fatal("Publish delivered to no subscribers")
	}

	frame := readFrame(t, conn, codec)
	if frame.Type != transport.FrameUpdate {
		t.Fatalf("frame type = %q, want %q", frame.Type, transport.FrameUpdate)
	}
	if frame.Update.Progress != 42 {
		t.Errorf("update progress = %d, want 42", frame.Update.Progress)
	}
	if frame.Update.Message != "rendering frame 420/1000" {
		t.Errorf("update message = %q", frame.Update.Message)
	}
}

func TestWebSocketSubscribeSecondJob(t *testing.T) {
	h := setupServer(t)
	first := seedJob(t, h.store, "extract-clip")
	second := seedJob(t, h.store, "render-preview")
	codec := &transport.JSONCodec{}

	conn := dialWS(t, h, "job_id="+first.ID.String())
	readFrame(t, conn, codec) // snapshot for first

	writeFrame(t, conn, codec, &transport.Frame{
		ID:    "sub-1",
		Type:  transport.FrameSubscribe,
		JobID: second.ID.String(),
	})

	frame := readFrame(t, conn, codec)
	if frame.Type != transport.FrameSnapshot {
		t.Fatalf("frame type = %q, want %q", frame.Type, transport.FrameSnapshot)
	}
	if frame.CorrelID != "sub-1" {
		t.Errorf("snapshot correl id = %q, want %q", frame.CorrelID, "sub-1")
	}
	if frame.Update.JobID != second.ID.String() {
		t.Errorf("snapshot job id = %q, want %q", frame.Update.JobID, second.ID)
	}

	second.Progress = 10
	if delivered := h.broker.Publish(broadcast.NewUpdate(second)); delivered == 0 {
		t.Fatal("Publish delivered to no subscribers")
	}
	frame = readFrame(t, conn, codec)
	if frame.Type != transport.FrameUpdate || frame.Update.JobID != second.ID.String() {
		t.Fatalf("frame = %q for job %q, want update for %q", frame.Type, frame.Update.JobID, second.ID)
	}
}

func TestWebSocketSubscribeUnknownJob(t *testing.T) {
	h := setupServer(t)
	rec := seedJob(t, h.store, "extract-clip")
	codec := &transport.JSONCodec{}

	conn := dialWS(t, h, "job_id="+rec.ID.String())
	readFrame(t, conn, codec) // snapshot

	writeFrame(t, conn, codec, &transport.Frame{
		ID:    "sub-bad",
		Type:  transport.FrameSubscribe,
		JobID: "job_nope",
	})

	frame := readFrame(t, conn, codec)
	if frame.Type != transport.FrameErr {
		t.Fatalf("frame type = %q, want %q", frame.Type, transport.FrameErr)
	}
	if frame.CorrelID != "sub-bad" {
		t.Errorf("error correl id = %q, want %q", frame.CorrelID, "sub-bad")
	}

	// The failed subscribe must not take down the connection.
	writeFrame(t, conn, codec, &transport.Frame{ID: "ping-2", Type: transport.FramePing})
	if frame := readFrame(t, conn, codec); frame.Type != transport.FramePong {
		t.Fatalf("frame type after failed subscribe = %q, want %q", frame.Type, transport.FramePong)
	}
}

func TestWebSocketUnsubscribeStopsUpdates(t *testing.T) {
	h := setupServer(t)
	rec := seedJob(t, h.store, "extract-clip")
	codec := &transport.JSONCodec{}

	conn := dialWS(t, h, "job_id="+rec.ID.String())
	readFrame(t, conn, codec) // snapshot

	writeFrame(t, conn, codec, &transport.Frame{
		Type:  transport.FrameUnsubscribe,
		JobID: rec.ID.String(),
	})
	// The pong proves the unsubscribe was processed before we publish.
	writeFrame(t, conn, codec, &transport.Frame{ID: "ping-3", Type: transport.FramePing})
	if frame := readFrame(t, conn, codec); frame.Type != transport.FramePong {
		t.Fatalf("frame type = %q, want %q", frame.Type, transport.FramePong)
	}

	if delivered := h.broker.Publish(broadcast.NewUpdate(rec)); delivered != 0 {
		t.Fatalf("Publish delivered to %d subscribers after unsubscribe, want 0", delivered)
	}
}

func TestWebSocketMalformedFrameKeepsConnection(t *testing.T) {
	h := setupServer(t)
	rec := seedJob(t, h.store, "extract-clip")
	codec := &transport.JSONCodec{}

	conn := dialWS(t, h, "job_id="+rec.ID.String())
	readFrame(t, conn, codec) // snapshot

	if err := conn.WriteMessage(websocket.TextMessage, []byte("this is not a frame")); err != nil {
		t.Fatalf("WriteMessage error: %v", err)
	}

	frame := readFrame(t, conn, codec)
	if frame.Type != transport.FrameErr {
		t.Fatalf("frame type = %q, want %q", frame.Type, transport.FrameErr)
	}
	if frame.Error == nil || frame.Error.Code != transport.ErrCodeBadRequest {
		t.Fatalf("error frame = %+v, want code %d", frame.Error, transport.ErrCodeBadRequest)
	}

	writeFrame(t, conn, codec, &transport.Frame{ID: "ping-4", Type: transport.FramePing})
	if frame := readFrame(t, conn, codec); frame.Type != transport.FramePong {
		t.Fatalf("frame type after garbage = %q, want %q", frame.Type, transport.FramePong)
	}
}

func TestWebSocketMsgpackFormat(t *testing.T) {
	h := setupServer(t)
	rec := seedJob(t, h.store, "extract-clip")
	codec := &transport.MsgpackCodec{}

	conn := dialWS(t, h, "job_id="+rec.ID.String()+"&format=msgpack")

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	msgType, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage error: %v", err)
	}
	if msgType != websocket.BinaryMessage {
		t.Errorf("message type = %d, want binary (%d)", msgType, websocket.BinaryMessage)
	}

	frame, err := codec.Decode(data)
	if err != nil {
		t.Fatalf("msgpack decode error: %v", err)
	}
	if frame.Type != transport.FrameSnapshot || frame.Update.JobID != rec.ID.String() {
		t.Fatalf("frame = %q for job %q, want snapshot for %q", frame.Type, frame.Update.JobID, rec.ID)
	}

	// Round-trip a ping in the negotiated codec.
	writeFrame(t, conn, codec, &transport.Frame{ID: "ping-mp", Type: transport.FramePing})
	if frame := readFrame(t, conn, codec); frame.Type != transport.FramePong || frame.CorrelID != "ping-mp" {
		t.Fatalf("pong frame = %+v", frame)
	}
}

func TestWebSocketHeartbeatOnIdle(t *testing.T) {
	h := setupServer(t, transport.WithHeartbeat(50*time.Millisecond, 10*time.Second))
	rec := seedJob(t, h.store, "extract-clip")
	codec := &transport.JSONCodec{}

	conn := dialWS(t, h, "job_id="+rec.ID.String())
	readFrame(t, conn, codec) // snapshot

	frame := readFrame(t, conn, codec)
	if frame.Type != transport.FrameHeartbeat {
		t.Fatalf("frame type = %q, want %q", frame.Type, transport.FrameHeartbeat)
	}
}

func TestWebSocketSilentConnectionClosed(t *testing.T) {
	h := setupServer(t, transport.WithHeartbeat(30*time.Millisecond, 120*time.Millisecond))
	rec := seedJob(t, h.store, "extract-clip")
	codec := &transport.JSONCodec{}

	conn := dialWS(t, h, "job_id="+rec.ID.String())
	readFrame(t, conn, codec) // snapshot

	sawHeartbeat := false
	deadline := time.Now().Add(5 * time.Second)
	for {
		conn.SetReadDeadline(deadline)
		_, data, err := conn.ReadMessage()
		if err != nil {
			break // server gave up on the silent client
		}
		frame, decErr := codec.Decode(data)
		if decErr != nil {
			t.Fatalf("decode frame error: %v", decErr)
		}
		if frame.Type == transport.FrameHeartbeat {
			sawHeartbeat = true
		}
	}
	if !sawHeartbeat {
		t.Error("expected at least one heartbeat before the close")
	}
	if time.Now().After(deadline) {
		t.Fatal("connection was not closed within the read deadline")
	}
}

func TestWebSocketPingDefersIdleClose(t *testing.T) {
	h := setupServer(t, transport.WithHeartbeat(40*time.Millisecond, 160*time.Millisecond))
	rec := seedJob(t, h.store, "extract-clip")
	codec := &transport.JSONCodec{}

	conn := dialWS(t, h, "job_id="+rec.ID.String())
	readFrame(t, conn, codec) // snapshot

	// Ping well within the timeout for a while; the connection must survive.
	stop := time.After(500 * time.Millisecond)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	go func() {
		for {
			select {
			case <-ticker.C:
				data, _ := codec.Encode(&transport.Frame{Type: transport.FramePing})
				if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
					return
				}
			case <-stop:
				return
			}
		}
	}()

	until := time.Now().Add(450 * time.Millisecond)
	for time.Now().Before(until) {
		conn.SetReadDeadline(time.Now().Add(time.Second))
		if _, _, err := conn.ReadMessage(); err != nil {
			t.Fatalf("connection dropped despite regular pings: %v", err)
		}
	}
}

func TestConnectionManagerTracksConnections(t *testing.T) {
	h := setupServer(t)
	rec := seedJob(t, h.store, "extract-clip")
	codec := &transport.JSONCodec{}

	first := dialWS(t, h, "job_id="+rec.ID.String())
	readFrame(t, first, codec)
	second := dialWS(t, h, "job_id="+rec.ID.String())
	readFrame(t, second, codec)

	if got := h.srv.Connections().Count(); got != 2 {
		t.Fatalf("connection count = %d, want 2", got)
	}

	first.Close()
	deadline := time.Now().Add(5 * time.Second)
	for h.srv.Connections().Count() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("connection count = %d after close, want 1", h.srv.Connections().Count())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestBrokerShutdownClosesConnection(t *testing.T) {
	h := setupServer(t)
	rec := seedJob(t, h.store, "extract-clip")
	codec := &transport.JSONCodec{}

	conn := dialWS(t, h, "job_id="+rec.ID.String())
	readFrame(t, conn, codec)

	// Shutting the broker down closes the subscriber channel; the write
	// pump must close the socket so the read side does not linger.
	if err := h.broker.OnShutdown(context.Background()); err != nil {
		t.Fatalf("broker shutdown error: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			t.Fatal("connection still open after broker shutdown")
		}
		break
	}
}

// ── SSE ─────────────────────────────────────────────

type sseEvent struct {
	name string
	data []byte
}

func readSSEEvent(t *testing.T, r *bufio.Reader) sseEvent {
	t.Helper()
	var ev sseEvent
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("read sse stream: %v", err)
		}
		line = strings.TrimRight(line, "\n")
		switch {
		case strings.HasPrefix(line, "event: "):
			ev.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			ev.data = []byte(strings.TrimPrefix(line, "data: "))
		case line == "":
			if ev.name != "" || ev.data != nil {
				return ev
			}
		}
	}
}

func TestSSESnapshotAndUpdates(t *testing.T) {
	h := setupServer(t)
	rec := seedJob(t, h.store, "compose-timeline")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		h.http.URL+"/events?job_id="+rec.ID.String(), nil)
	if err != nil {
		t.Fatalf("new request error: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("sse request error: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %q, want text/event-stream", ct)
	}

	reader := bufio.NewReader(resp.Body)

	ev := readSSEEvent(t, reader)
	if ev.name != string(transport.FrameSnapshot) {
		t.Fatalf("first event = %q, want %q", ev.name, transport.FrameSnapshot)
	}
	var snap broadcast.Update
	if err := json.Unmarshal(ev.data, &snap); err != nil {
		t.Fatalf("unmarshal snapshot: %v", err)
	}
	if snap.JobID != rec.ID.String() {
		t.Errorf("snapshot job id = %q, want %q", snap.JobID, rec.ID)
	}

	rec.Status = job.StatusInProgress
	rec.Progress = 75
	if delivered := h.broker.Publish(broadcast.NewUpdate(rec)); delivered == 0 {
		t.Fatal("Publish delivered to no subscribers")
	}

	ev = readSSEEvent(t, reader)
	if ev.name != string(transport.FrameUpdate) {
		t.Fatalf("event = %q, want %q", ev.name, transport.FrameUpdate)
	}
	var up broadcast.Update
	if err := json.Unmarshal(ev.data, &up); err != nil {
		t.Fatalf("unmarshal update: %v", err)
	}
	if up.Progress != 75 {
		t.Errorf("update progress = %d, want 75", up.Progress)
	}
}

func TestSSEUnknownJob(t *testing.T) {
	h := setupServer(t)

	resp, err := http.Get(h.http.URL + "/events?job_id=job_nope")
	if err != nil {
		t.Fatalf("sse request error: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusNotFound)
	}
}
