package transport

import (
	"encoding/json"
	"fmt"
	"strconv"
	"sync"

	"hostbridge/channel"
)

// Call is one in-flight request-response operation: the future a caller
// waits on. It settles exactly once; later settle attempts are no-ops.
type Call struct {
	Seq     uint32
	Channel channel.Name

	once   sync.Once
	done   chan struct{}
	result json.RawMessage
	err    error
}

func newCall(seq uint32, name channel.Name) *Call {
	return &Call{
		Seq:     seq,
		Channel: name,
		done:    make(chan struct{}),
	}
}

// settle records the outcome and wakes waiters. It reports whether this
// call was the one that settled the future.
func (c *Call) settle(result json.RawMessage, err error) bool {
	settled := false
	c.once.Do(func() {
		c.result = result
		c.err = err
		settled = true
		close(c.done)
	})
	return settled
}

// Done is closed once the call has settled.
func (c *Call) Done() <-chan struct{} {
	return c.done
}

// Result returns the outcome of a settled call. It must only be called after
// Done is closed.
func (c *Call) Result() (json.RawMessage, error) {
	return c.result, c.err
}

// HandlerError is the failure reported by the privileged host for one call.
// Value is the error payload exactly as the host sent it.
type HandlerError struct {
	Channel channel.Name
	Value   json.RawMessage
}

func (e *HandlerError) Error() string {
	// Most hosts send a plain JSON string; show it without quotes.
	if msg, err := strconv.Unquote(string(e.Value)); err == nil && len(e.Value) > 0 && e.Value[0] == '"' {
		return fmt.Sprintf("%s: %s", e.Channel, msg)
	}
	return fmt.Sprintf("%s: %s", e.Channel, e.Value)
}
