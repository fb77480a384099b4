// Package transport implements the client side of the bridge: request/reply
// correlation and fire-and-forget delivery over a single connection.
//
// Every request-response call gets a unique sequence id. The call is entered
// into the pending map before its frame is written, and a background
// goroutine (recvLoop) routes each reply to the call with the same id:
//
//	caller-1 ──Request(seq=1)──┐
//	caller-2 ──Request(seq=2)──┼──→ one socket ──→ privileged host
//	caller-3 ──Notify(seq=0)───┘
//
//	recvLoop:  ←── reply(seq=2) → pending[2] → settle → caller-2 wakes up
//
// Two concurrent calls of the same operation share a reply channel name but
// never a sequence id, so they cannot steal each other's replies.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"hostbridge/channel"
	"hostbridge/codec"
	"hostbridge/message"
	"hostbridge/protocol"
)

// ErrClosed settles every pending call when the connection goes away.
var ErrClosed = errors.New("bridge connection closed")

// DefaultHeartbeatInterval is used when Options.HeartbeatInterval is zero.
const DefaultHeartbeatInterval = 30 * time.Second

// Options tunes a ClientTransport. The zero value is usable.
type Options struct {
	Codec             codec.CodecType
	HeartbeatInterval time.Duration // Negative disables heartbeats
	Logger            *slog.Logger
}

// ClientTransport manages one multiplexed connection to the host.
type ClientTransport struct {
	conn    net.Conn
	codec   codec.Codec
	logger  *slog.Logger
	seq     uint32     // Last issued sequence id (protected by sending mutex)
	pending sync.Map   // map[uint32]*Call
	sending sync.Mutex // Write lock: a frame must hit the socket in one piece
	count   atomic.Int64

	closeOnce sync.Once
	closed    chan struct{}
}

// NewClientTransport wraps conn and starts two background goroutines:
//   - recvLoop: reads replies and settles the matching pending calls
//   - heartbeatLoop: sends periodic heartbeat frames until the transport closes
func NewClientTransport(conn net.Conn, opts Options) (*ClientTransport, error) {
	cdc := codec.GetCodec(opts.Codec)
	if cdc == nil {
		return nil, fmt.Errorf("unsupported codec type %d", opts.Codec)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	interval := opts.HeartbeatInterval
	if interval == 0 {
		interval = DefaultHeartbeatInterval
	}

	t := &ClientTransport{
		conn:   conn,
		codec:  cdc,
		logger: logger,
		closed: make(chan struct{}),
	}
	go t.recvLoop()
	if interval > 0 {
		go t.heartbeatLoop(interval)
	}
	return t, nil
}

// Notify sends a fire-and-forget request. It returns once the frame is
// written; the host never answers it.
func (t *ClientTransport) Notify(name channel.Name, payload any) error {
	op := channel.MustLookup(name)
	if op.Kind != channel.FireAndForget {
		panic(fmt.Sprintf("transport: Notify on %s operation %q", op.Kind, name))
	}

	body, err := t.encodeRequest(name, payload)
	if err != nil {
		return err
	}

	t.sending.Lock()
	defer t.sending.Unlock()

	header := protocol.Header{
		CodecType: byte(t.codec.Type()),
		MsgType:   protocol.MsgTypeNotify,
	}
	if err := protocol.Encode(t.conn, &header, body); err != nil {
		return fmt.Errorf("sending %q: %w", name, err)
	}
	return nil
}

// Request sends a request-response call and returns its pending Call.
// The returned Call is registered before the frame is written, so a fast
// reply cannot arrive ahead of its listener.
func (t *ClientTransport) Request(name channel.Name, payload any) (*Call, error) {
	op := channel.MustLookup(name)
	if op.Kind != channel.RequestResponse {
		panic(fmt.Sprintf("transport: Request on %s operation %q", op.Kind, name))
	}

	body, err := t.encodeRequest(name, payload)
	if err != nil {
		return nil, err
	}

	select {
	case <-t.closed:
		return nil, ErrClosed
	default:
	}

	t.sending.Lock()
	defer t.sending.Unlock()

	call := newCall(t.nextSeq(), name)
	for {
		// After the counter wraps, a call from long ago may still hold this id.
		if _, taken := t.pending.LoadOrStore(call.Seq, call); !taken {
			break
		}
		call.Seq = t.nextSeq()
	}
	t.count.Add(1)

	header := protocol.Header{
		CodecType: byte(t.codec.Type()),
		MsgType:   protocol.MsgTypeRequest,
		Seq:       call.Seq,
	}
	if err := protocol.Encode(t.conn, &header, body); err != nil {
		t.release(call)
		return nil, fmt.Errorf("sending %q: %w", name, err)
	}

	// closeAllPending may have run between the closed check and Store.
	select {
	case <-t.closed:
		if t.release(call) {
			call.settle(nil, ErrClosed)
		}
	default:
	}

	return call, nil
}

// Wait blocks until call settles or ctx ends. The pending entry is released
// on every exit path; a reply that arrives after ctx ended is dropped.
func (t *ClientTransport) Wait(ctx context.Context, call *Call) (json.RawMessage, error) {
	defer t.release(call)

	select {
	case <-call.Done():
		return call.Result()
	case <-ctx.Done():
		// A reply may have won the race; prefer it over the cancellation.
		if call.settle(nil, ctx.Err()) {
			return nil, ctx.Err()
		}
		return call.Result()
	}
}

// Call is Request followed by Wait.
func (t *ClientTransport) Call(ctx context.Context, name channel.Name, payload any) (json.RawMessage, error) {
	call, err := t.Request(name, payload)
	if err != nil {
		return nil, err
	}
	return t.Wait(ctx, call)
}

// Pending reports how many calls are waiting for a reply.
func (t *ClientTransport) Pending() int {
	return int(t.count.Load())
}

// nextSeq advances the sequence counter. Zero is reserved for frames that
// expect no reply. Callers hold the sending mutex.
func (t *ClientTransport) nextSeq() uint32 {
	t.seq++
	if t.seq == 0 {
		t.seq++
	}
	return t.seq
}

// release removes call from the pending map. Only the first remover of a
// given entry gets true. The entry is matched by identity, so a settled call
// never evicts a newer call that reuses its id.
func (t *ClientTransport) release(call *Call) bool {
	if t.pending.CompareAndDelete(call.Seq, call) {
		t.count.Add(-1)
		return true
	}
	return false
}

func (t *ClientTransport) encodeRequest(name channel.Name, payload any) ([]byte, error) {
	req, err := message.NewRequest(name, payload)
	if err != nil {
		return nil, err
	}
	body, err := t.codec.Encode(req)
	if err != nil {
		return nil, fmt.Errorf("encoding request %q: %w", name, err)
	}
	return body, nil
}

// recvLoop runs in a dedicated goroutine, reading reply frames in order and
// routing each to the pending call with the same sequence id. Reads must be
// sequential to keep frame boundaries intact.
func (t *ClientTransport) recvLoop() {
	for {
		header, body, err := protocol.Decode(t.conn)
		if err != nil {
			t.shutdown(err)
			return
		}

		switch header.MsgType {
		case protocol.MsgTypeHeartbeat:
			continue
		case protocol.MsgTypeReply:
		default:
			t.logger.Warn("unexpected frame from host", "type", header.MsgType, "seq", header.Seq)
			continue
		}

		value, ok := t.pending.Load(header.Seq)
		if !ok {
			// Duplicate reply, or the caller gave up waiting.
			t.logger.Debug("dropping reply for settled call", "seq", header.Seq)
			continue
		}
		call := value.(*Call)

		result, callErr := t.decodeReply(header, body, call)
		if t.release(call) {
			call.settle(result, callErr)
		}
	}
}

func (t *ClientTransport) decodeReply(header *protocol.Header, body []byte, call *Call) (json.RawMessage, error) {
	cdc := codec.GetCodec(codec.CodecType(header.CodecType))
	var reply message.Reply
	if err := cdc.Decode(body, &reply); err != nil {
		return nil, fmt.Errorf("%w: decoding reply for %q: %v", message.ErrMalformed, call.Channel, err)
	}
	if err := reply.Validate(call.Channel); err != nil {
		return nil, err
	}
	if reply.HasError() {
		return nil, &HandlerError{Channel: call.Channel, Value: reply.Error}
	}
	if !reply.HasResult() {
		return nil, nil
	}
	return reply.Result, nil
}

// shutdown marks the transport closed and rejects every pending call so no
// caller blocks on a connection that is gone.
func (t *ClientTransport) shutdown(cause error) {
	t.closeOnce.Do(func() {
		close(t.closed)
		t.logger.Debug("bridge connection closed", "error", cause)
	})
	t.closeAllPending()
}

func (t *ClientTransport) closeAllPending() {
	t.pending.Range(func(key, value any) bool {
		call := value.(*Call)
		if t.release(call) {
			call.settle(nil, ErrClosed)
		}
		return true
	})
}

// Close closes the connection. Pending calls fail with ErrClosed.
func (t *ClientTransport) Close() error {
	err := t.conn.Close()
	t.shutdown(ErrClosed)
	return err
}

// Closed is closed once the connection is gone.
func (t *ClientTransport) Closed() <-chan struct{} {
	return t.closed
}

// heartbeatLoop sends periodic heartbeat frames to keep the connection alive.
func (t *ClientTransport) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.closed:
			return
		case <-ticker.C:
		}
		header := &protocol.Header{
			CodecType: byte(t.codec.Type()),
			MsgType:   protocol.MsgTypeHeartbeat,
		}
		t.sending.Lock()
		err := protocol.Encode(t.conn, header, nil)
		t.sending.Unlock()
		if err != nil {
			return
		}
	}
}
