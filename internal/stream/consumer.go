package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// State is the lifecycle of one request, shared by the gateway that
// produces a chunk stream and the Consumer that reads it.
//
//	Idle -> Dispatching -> Streaming -> Completed
//	                                 -> Failed
//
// Completed and Failed are final.
type State int

const (
	StateIdle State = iota
	StateDispatching
	StateStreaming
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDispatching:
		return "dispatching"
	case StateStreaming:
		return "streaming"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Terminal reports whether s is Completed or Failed.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

var (
	// ErrStreamEnded means the transport closed before a terminal chunk.
	ErrStreamEnded = errors.New("stream ended unexpectedly")
	// ErrNoBody means there was no response body to read at all.
	ErrNoBody = errors.New("no response body")
)

// RemoteError is the message of an error chunk.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return e.Message
}

// maxLineSize bounds one chunk line; a complete chunk carries the whole
// result.
const maxLineSize = 4 * 1024 * 1024

// Consumer reads a chunk stream on the client side. Progress deltas are
// accumulated as display text without any attempt to parse them; the
// terminal chunk either yields the result or the error.
//
// A Consumer handles one request. It does not prevent a second request
// for the same subject; callers must keep at most one active stream per
// subject id.
type Consumer struct {
	// OnDelta, when set, is called with each progress delta as it arrives.
	OnDelta func(delta string)
	// Validate, when set, checks the result of a complete chunk. A
	// validation error fails the stream.
	Validate func(result json.RawMessage) error

	state  State
	text   strings.Builder
	result json.RawMessage
	err    error
}

// NewConsumer returns an idle Consumer.
func NewConsumer() *Consumer {
	return &Consumer{}
}

// Begin marks the request as sent.
func (c *Consumer) Begin() error {
	if c.state != StateIdle {
		return fmt.Errorf("begin: consumer is %s", c.state)
	}
	c.state = StateDispatching
	return nil
}

// Read consumes r until a terminal chunk or the end of input and returns
// the stream's error, if any. Lines may arrive split across reads. Read
// calls Begin itself when the Consumer is still idle.
func (c *Consumer) Read(ctx context.Context, r io.Reader) error {
	if c.state == StateIdle {
		if err := c.Begin(); err != nil {
			return err
		}
	}
	if c.state.Terminal() {
		return fmt.Errorf("read: consumer is %s", c.state)
	}
	if r == nil {
		return c.fail(ErrNoBody)
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return c.fail(err)
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var chunk Chunk
		if err := json.Unmarshal([]byte(line), &chunk); err != nil {
			return c.fail(fmt.Errorf("malformed chunk: %w", err))
		}
		c.handle(chunk)
		if c.state.Terminal() {
			return c.err
		}
	}

	if err := ctx.Err(); err != nil {
		return c.fail(err)
	}
	if err := scanner.Err(); err != nil {
		return c.fail(fmt.Errorf("%w: %v", ErrStreamEnded, err))
	}
	return c.fail(ErrStreamEnded)
}

func (c *Consumer) handle(chunk Chunk) {
	if c.state == StateDispatching {
		c.state = StateStreaming
	}

	switch {
	case chunk.Type == TypeError:
		c.fail(&RemoteError{Message: chunk.Content})

	case chunk.Type == TypeComplete:
		result := json.RawMessage(chunk.Content)
		if !json.Valid(result) {
			c.fail(errors.New("complete chunk does not carry JSON"))
			return
		}
		if c.Validate != nil {
			if err := c.Validate(result); err != nil {
				c.fail(fmt.Errorf("invalid result: %w", err))
				return
			}
		}
		c.result = result
		c.text.Reset()
		c.state = StateCompleted

	case chunk.Finished:
		c.fail(fmt.Errorf("unknown terminal chunk type %q", chunk.Type))

	default:
		c.text.WriteString(chunk.Content)
		if c.OnDelta != nil {
			c.OnDelta(chunk.Content)
		}
	}
}

func (c *Consumer) fail(err error) error {
	c.err = err
	c.text.Reset()
	c.state = StateFailed
	return err
}

// State returns the current state.
func (c *Consumer) State() State {
	return c.state
}

// Text returns the progress text accumulated so far. It is cleared once
// the stream finishes either way.
func (c *Consumer) Text() string {
	return c.text.String()
}

// Result returns the JSON result of a completed stream, or nil.
func (c *Consumer) Result() json.RawMessage {
	return c.result
}

// Decode unmarshals the result into v.
func (c *Consumer) Decode(v any) error {
	if c.state != StateCompleted {
		return fmt.Errorf("decode: consumer is %s", c.state)
	}
	return json.Unmarshal(c.result, v)
}

// Err returns the error that failed the stream, or nil.
func (c *Consumer) Err() error {
	return c.err
}
