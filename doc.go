// Package pipeline provides the background job pipeline for the clipforge
// platform: a bounded in-process queue, a fixed pool of workers running
// long media/AI operations (ingest, transcription, scene detection, export),
// durable job records with automatic retry, and a broadcaster that pushes
// every state change to live WebSocket and SSE viewers.
//
// The pipeline is a library, not a service. Configure a store, register
// handlers for your job types, and enqueue work:
//
//	p, err := pipeline.New(
//	    pipeline.WithStore(st),
//	    pipeline.WithConcurrency(4),
//	)
//
// # Architecture
//
// Records flow through a strict state machine
// (pending → queued → in_progress → completed/failed/cancelled) owned by
// exactly one worker per attempt. Handlers report progress through a
// narrow callback and observe cancellation through their context; they
// never see the broadcaster or any transport. Fan-out is single-process;
// a multi-node bridge would attach behind the broadcast.Broker.
//
// All entity IDs use TypeID — type-prefixed, K-sortable, UUIDv7-based
// identifiers.
package pipeline
