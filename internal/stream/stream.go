// Package stream implements the line-delimited chunk protocol between the
// gateway and its clients: the Chunk wire type, the server-side Writer and
// the client-side Consumer.
package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/howard-nolan/evalgate/internal/metrics"
)

// ---------------------------------------------------------------------------
// Wire types
// ---------------------------------------------------------------------------

// ContentType is the media type of a chunk stream: one JSON object per line.
const ContentType = "application/x-ndjson"

// ChunkType tags a chunk. Progress chunks are "feedback" for evaluations
// and "question" for quiz generation; the terminal chunk is "complete" or
// "error".
type ChunkType string

const (
	TypeFeedback ChunkType = "feedback"
	TypeQuestion ChunkType = "question"
	TypeComplete ChunkType = "complete"
	TypeError    ChunkType = "error"
)

// Chunk is one line of the wire protocol.
//
//	{"type":"feedback","content":"{\"summ","finished":false}
//	{"type":"complete","content":"{\"summary\":\"...\"}","finished":true}
//
// Content is a raw text delta on progress chunks, the JSON-encoded result
// on a complete chunk and a human-readable message on an error chunk.
// Finished is true only on the terminal chunk.
type Chunk struct {
	Type     ChunkType `json:"type"`
	Content  string    `json:"content"`
	Finished bool      `json:"finished"`
}

// Progress returns a non-terminal chunk carrying one delta.
func Progress(t ChunkType, delta string) Chunk {
	return Chunk{Type: t, Content: delta}
}

// Complete returns the terminal chunk for a result.
func Complete(result []byte) Chunk {
	return Chunk{Type: TypeComplete, Content: string(result), Finished: true}
}

// Error returns the terminal chunk for a failure.
func Error(msg string) Chunk {
	return Chunk{Type: TypeError, Content: msg, Finished: true}
}

// ---------------------------------------------------------------------------
// Chunk Writer
// ---------------------------------------------------------------------------

// ErrFinished is returned when writing after the terminal chunk.
var ErrFinished = errors.New("stream already finished")

// Writer writes chunks to an http.ResponseWriter, one flushed line each.
//
// Headers are sent with the first chunk, not before. Until then the
// handler can still answer with an ordinary HTTP error, which is how
// configuration errors reach the caller without any chunk at all.
type Writer struct {
	w       http.ResponseWriter
	flusher http.Flusher
	enc     *json.Encoder

	started  bool
	finished bool
}

// NewWriter wraps w. It fails when w cannot flush, since a chunk stream
// that sits in a buffer until the handler returns is not a stream.
func NewWriter(w http.ResponseWriter) (*Writer, error) {
	// The two-value assertion fails softly. net/http's writer implements
	// Flusher and chi's WrapResponseWriter forwards it.
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support flushing (http.Flusher)")
	}
	// Deltas are model text full of '<' and '&'. Escaping them would make
	// the concatenated content differ byte-for-byte from what the model
	// sent.
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return &Writer{w: w, flusher: flusher, enc: enc}, nil
}

// Send writes c as one line and flushes it. An error means the client is
// gone; nothing more can be written.
func (sw *Writer) Send(c Chunk) error {
	// --- Step 1: refuse anything after the terminal chunk ---
	if sw.finished {
		return ErrFinished
	}

	// --- Step 2: lazy headers ---
	//
	// Headers lock in on the first body write. Deferring them to here is
	// what lets a handler still answer 400 for a bad provider.
	if !sw.started {
		h := sw.w.Header()
		h.Set("Content-Type", ContentType)
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		// nginx buffers proxied responses unless told otherwise.
		h.Set("X-Accel-Buffering", "no")
		sw.w.WriteHeader(http.StatusOK)
		sw.started = true
	}

	// --- Step 3: write and flush one line ---
	//
	// Encode appends the newline that delimits the line. Flush pushes it
	// through the server's buffer so the client sees it now.
	if err := sw.enc.Encode(c); err != nil {
		return fmt.Errorf("writing chunk: %w", err)
	}
	sw.flusher.Flush()

	// --- Step 4: bookkeeping ---
	metrics.StreamChunksTotal.WithLabelValues(string(c.Type)).Inc()
	if c.Finished {
		sw.finished = true
	}
	return nil
}

// Started reports whether any chunk has been written.
func (sw *Writer) Started() bool {
	return sw.started
}

// Finished reports whether the terminal chunk has been written.
func (sw *Writer) Finished() bool {
	return sw.finished
}
