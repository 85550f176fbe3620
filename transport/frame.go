// Package transport implements the progress wire protocol: a small
// frame-based protocol delivering job updates over WebSocket (primary) and
// SSE (read-only fallback). Every message exchanged over a WebSocket
// connection is a Frame.
package transport

import (
	"time"

	"github.com/google/uuid"

	"github.com/clipforge/pipeline/broadcast"
)

// FrameType identifies the frame category.
type FrameType string

const (
	// Server → client frames.
	FrameUpdate    FrameType = "update"
	FrameSnapshot  FrameType = "snapshot"
	FrameHeartbeat FrameType = "heartbeat"
	FramePong      FrameType = "pong"
	FrameErr       FrameType = "error"

	// Client → server frames.
	FramePing        FrameType = "ping"
	FrameSubscribe   FrameType = "subscribe"
	FrameUnsubscribe FrameType = "unsubscribe"
	FrameCredits     FrameType = "credits"
)

// Frame is the wire envelope for the progress protocol.
type Frame struct {
	// ID uniquely identifies this frame.
	ID string `json:"id" msgpack:"id"`

	// Type categorizes the frame.
	Type FrameType `json:"type" msgpack:"type"`

	// CorrelID links a pong or error frame to the frame that caused it.
	CorrelID string `json:"correl_id,omitempty" msgpack:"correl_id,omitempty"`

	// JobID names the job for subscribe/unsubscribe frames.
	JobID string `json:"job_id,omitempty" msgpack:"job_id,omitempty"`

	// Credits replenishes flow-control credits (backpressure).
	Credits int `json:"credits,omitempty" msgpack:"credits,omitempty"`

	// Update carries the job state for update and snapshot frames.
	Update *broadcast.Update `json:"update,omitempty" msgpack:"update,omitempty"`

	// Error carries error details for error frames.
	Error *ErrorDetail `json:"error,omitempty" msgpack:"error,omitempty"`

	// Timestamp records when this frame was created.
	Timestamp time.Time `json:"ts" msgpack:"ts"`
}

// ErrorDetail describes an error in an error frame.
type ErrorDetail struct {
	Code    int    `json:"code" msgpack:"code"`
	Message string `json:"message" msgpack:"message"`
}

// ── Well-known error codes ──────────────────────────

const (
	ErrCodeBadRequest = 400
	ErrCodeNotFound   = 404
	ErrCodeInternal   = 500
)

// NewUpdateFrame wraps a broker update for delivery.
func NewUpdateFrame(u *broadcast.Update) *Frame {
	return &Frame{
		ID:        GenerateFrameID(),
		Type:      FrameUpdate,
		JobID:     u.JobID,
		Update:    u,
		Timestamp: time.Now().UTC(),
	}
}

// NewSnapshotFrame carries the current state of a job, sent on connect and
// in response to subscribe frames.
func NewSnapshotFrame(u *broadcast.Update) *Frame {
	return &Frame{
		ID:        GenerateFrameID(),
		Type:      FrameSnapshot,
		JobID:     u.JobID,
		Update:    u,
		Timestamp: time.Now().UTC(),
	}
}

// NewErrorFrame creates an error response to a client frame.
func NewErrorFrame(correlID string, code int, message string) *Frame {
	return &Frame{
		ID:       GenerateFrameID(),
		Type:     FrameErr,
		CorrelID: correlID,
		Error: &ErrorDetail{
			Code:    code,
			Message: message,
		},
		Timestamp: time.Now().UTC(),
	}
}

// NewPongFrame answers a client ping.
func NewPongFrame(correlID string) *Frame {
	return &Frame{
		ID:        GenerateFrameID(),
		Type:      FramePong,
		CorrelID:  correlID,
		Timestamp: time.Now().UTC(),
	}
}

// NewHeartbeatFrame is sent by the server when a connection has been
// silent for the heartbeat interval.
func NewHeartbeatFrame() *Frame {
	return &Frame{
		ID:        GenerateFrameID(),
		Type:      FrameHeartbeat,
		Timestamp: time.Now().UTC(),
	}
}

// GenerateFrameID returns a new unique frame ID. Frames are correlated by
// ID across request and response, so collisions are not acceptable.
func GenerateFrameID() string {
	return uuid.NewString()
}
