package gateway

import (
	"fmt"

	"github.com/howard-nolan/evalgate/internal/stream"
)

// legal lists the states each state may move to. Completed and Failed
// have no successors.
var legal = map[stream.State][]stream.State{
	stream.StateIdle:        {stream.StateDispatching, stream.StateFailed},
	stream.StateDispatching: {stream.StateStreaming, stream.StateFailed},
	stream.StateStreaming:   {stream.StateCompleted, stream.StateFailed},
}

// machine tracks the state of one request.
type machine struct {
	state stream.State
}

func (m *machine) can(next stream.State) bool {
	for _, s := range legal[m.state] {
		if s == next {
			return true
		}
	}
	return false
}

// to moves to next. An illegal move is a bug in the gateway, not a
// runtime condition, so it panics.
func (m *machine) to(next stream.State) {
	if !m.can(next) {
		panic(fmt.Sprintf("gateway: illegal transition %s -> %s", m.state, next))
	}
	m.state = next
}
