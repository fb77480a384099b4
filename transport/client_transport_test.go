package transport

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net"
	"sync"
	"testing"
	"time"

	"hostbridge/channel"
	"hostbridge/codec"
	"hostbridge/message"
	"hostbridge/protocol"
)

// frame is one request seen by the scripted host.
type frame struct {
	header  *protocol.Header
	request message.Request
}

// scriptedHost is the host end of a net.Pipe. Tests read what the client
// sent from frames and answer by hand with reply, in any order they like.
type scriptedHost struct {
	t      *testing.T
	conn   net.Conn
	codec  codec.Codec
	frames chan frame
}

func newPair(t *testing.T, codecType codec.CodecType) (*ClientTransport, *scriptedHost) {
	t.Helper()
	clientConn, hostConn := net.Pipe()

	ct, err := NewClientTransport(clientConn, Options{Codec: codecType, HeartbeatInterval: -1})
	if err != nil {
		t.Fatal(err)
	}

	host := &scriptedHost{
		t:      t,
		conn:   hostConn,
		codec:  codec.GetCodec(codecType),
		frames: make(chan frame, 64),
	}
	go host.readLoop()

	t.Cleanup(func() {
		ct.Close()
		hostConn.Close()
	})
	return ct, host
}

func (h *scriptedHost) readLoop() {
	for {
		header, body, err := protocol.Decode(h.conn)
		if err != nil {
			close(h.frames)
			return
		}
		var req message.Request
		if err := h.codec.Decode(body, &req); err != nil {
			h.t.Errorf("host could not decode request: %v", err)
			continue
		}
		h.frames <- frame{header: header, request: req}
	}
}

func (h *scriptedHost) next() frame {
	h.t.Helper()
	select {
	case f, ok := <-h.frames:
		if !ok {
			h.t.Fatal("connection closed while waiting for a request")
		}
		return f
	case <-time.After(2 * time.Second):
		h.t.Fatal("timed out waiting for a request")
	}
	panic("unreachable")
}

func (h *scriptedHost) reply(seq uint32, reply *message.Reply) {
	h.t.Helper()
	body, err := h.codec.Encode(reply)
	if err != nil {
		h.t.Fatal(err)
	}
	header := protocol.Header{CodecType: byte(h.codec.Type()), MsgType: protocol.MsgTypeReply, Seq: seq}
	if err := protocol.Encode(h.conn, &header, body); err != nil {
		h.t.Fatal(err)
	}
}

func waitFor(t *testing.T, ct *ClientTransport, call *Call) (json.RawMessage, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	result, err := ct.Wait(ctx, call)
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("call %d never settled", call.Seq)
	}
	return result, err
}

func TestRequestResolvesWithResult(t *testing.T) {
	for _, codecType := range []codec.CodecType{codec.CodecTypeJSON, codec.CodecTypeCBOR} {
		t.Run(codecType.String(), func(t *testing.T) {
			ct, host := newPair(t, codecType)

			call, err := ct.Request(channel.GetUserSettings, "appearance")
			if err != nil {
				t.Fatal(err)
			}

			f := host.next()
			if f.header.MsgType != protocol.MsgTypeRequest {
				t.Fatalf("expect request frame, got %s", f.header.MsgType)
			}
			if f.request.Channel != channel.GetUserSettings {
				t.Fatalf("expect channel %q, got %q", channel.GetUserSettings, f.request.Channel)
			}
			if string(f.request.Payload) != `"appearance"` {
				t.Fatalf("unexpected payload %s", f.request.Payload)
			}

			host.reply(f.header.Seq, message.ResultReply(channel.GetUserSettings, json.RawMessage(`{"theme":"dark"}`)))

			result, err := waitFor(t, ct, call)
			if err != nil {
				t.Fatal(err)
			}
			if string(result) != `{"theme":"dark"}` {
				t.Fatalf("expect settings object, got %s", result)
			}
			if ct.Pending() != 0 {
				t.Fatalf("expect no pending calls, got %d", ct.Pending())
			}
		})
	}
}

func TestRequestRejectsWithHandlerErrorVerbatim(t *testing.T) {
	ct, host := newPair(t, codec.CodecTypeJSON)

	call, err := ct.Request(channel.SaveUserSettings, json.RawMessage(`{"theme":"dark"}`))
	if err != nil {
		t.Fatal(err)
	}
	f := host.next()

	errorValue := json.RawMessage(`{"code":"EACCES","path":"/etc/settings.json"}`)
	host.reply(f.header.Seq, &message.Reply{Channel: channel.SaveUserSettingsReply, Error: errorValue})

	_, err = waitFor(t, ct, call)
	var handlerErr *HandlerError
	if !errors.As(err, &handlerErr) {
		t.Fatalf("expect *HandlerError, got %T: %v", err, err)
	}
	if string(handlerErr.Value) != string(errorValue) {
		t.Fatalf("error value changed: got %s, want %s", handlerErr.Value, errorValue)
	}
	if handlerErr.Channel != channel.SaveUserSettings {
		t.Fatalf("expect channel %q, got %q", channel.SaveUserSettings, handlerErr.Channel)
	}
}

func TestHandlerErrorMessage(t *testing.T) {
	err := &HandlerError{Channel: channel.SaveUserSettings, Value: json.RawMessage(`"disk full"`)}
	if err.Error() != "save-user-settings: disk full" {
		t.Fatalf("unexpected message %q", err.Error())
	}

	err = &HandlerError{Channel: channel.SaveUserSettings, Value: json.RawMessage(`{"code":5}`)}
	if err.Error() != `save-user-settings: {"code":5}` {
		t.Fatalf("unexpected message %q", err.Error())
	}
}

func TestRequestWithNullResult(t *testing.T) {
	ct, host := newPair(t, codec.CodecTypeJSON)

	call, err := ct.Request(channel.GetAutostartStatus, nil)
	if err != nil {
		t.Fatal(err)
	}
	f := host.next()
	if f.request.Payload != nil {
		t.Fatalf("expect no payload, got %s", f.request.Payload)
	}
	host.reply(f.header.Seq, &message.Reply{Channel: channel.GetAutostartStatusReply, Result: json.RawMessage("null")})

	result, err := waitFor(t, ct, call)
	if err != nil {
		t.Fatal(err)
	}
	if result != nil {
		t.Fatalf("expect nil result for null reply, got %s", result)
	}
}

func TestSequentialCallsCorrelate(t *testing.T) {
	ct, host := newPair(t, codec.CodecTypeJSON)

	for _, theme := range []string{"dark", "light", "solarized"} {
		call, err := ct.Request(channel.GetUserSettings, nil)
		if err != nil {
			t.Fatal(err)
		}
		f := host.next()
		host.reply(f.header.Seq, message.ResultReply(channel.GetUserSettings, map[string]string{"theme": theme}))

		result, err := waitFor(t, ct, call)
		if err != nil {
			t.Fatal(err)
		}
		var settings map[string]string
		if err := json.Unmarshal(result, &settings); err != nil {
			t.Fatal(err)
		}
		if settings["theme"] != theme {
			t.Fatalf("expect theme %q, got %q", theme, settings["theme"])
		}
	}
}

// Two calls of the same operation in flight at once, answered in reverse
// order: each must still get its own reply.
func TestConcurrentCallsOfSameOperationAreIsolated(t *testing.T) {
	ct, host := newPair(t, codec.CodecTypeCBOR)

	first, err := ct.Request(channel.GetUserSettings, "first")
	if err != nil {
		t.Fatal(err)
	}
	second, err := ct.Request(channel.GetUserSettings, "second")
	if err != nil {
		t.Fatal(err)
	}
	if first.Seq == second.Seq {
		t.Fatalf("calls share seq %d", first.Seq)
	}

	f1 := host.next()
	f2 := host.next()
	if ct.Pending() != 2 {
		t.Fatalf("expect 2 pending calls, got %d", ct.Pending())
	}

	// Answer the second request first, echoing each request's payload.
	host.reply(f2.header.Seq, message.ResultReply(channel.GetUserSettings, f2.request.Payload))
	host.reply(f1.header.Seq, message.ResultReply(channel.GetUserSettings, f1.request.Payload))

	result1, err := waitFor(t, ct, first)
	if err != nil {
		t.Fatal(err)
	}
	result2, err := waitFor(t, ct, second)
	if err != nil {
		t.Fatal(err)
	}
	if string(result1) != `"first"` || string(result2) != `"second"` {
		t.Fatalf("replies crossed: first=%s second=%s", result1, result2)
	}
}

func TestManyConcurrentCalls(t *testing.T) {
	ct, host := newPair(t, codec.CodecTypeJSON)

	// Echo host: answers every request with its own payload.
	go func() {
		for f := range host.frames {
			body, _ := host.codec.Encode(message.ResultReply(f.request.Channel, f.request.Payload))
			header := protocol.Header{MsgType: protocol.MsgTypeReply, Seq: f.header.Seq}
			if err := protocol.Encode(host.conn, &header, body); err != nil {
				return
			}
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()

			result, err := ct.Call(ctx, channel.GetUserSettings, n)
			if err != nil {
				t.Errorf("call %d: %v", n, err)
				return
			}
			var got int
			if err := json.Unmarshal(result, &got); err != nil {
				t.Errorf("call %d: %v", n, err)
				return
			}
			if got != n {
				t.Errorf("call %d got reply for %d", n, got)
			}
		}(i)
	}
	wg.Wait()

	if ct.Pending() != 0 {
		t.Fatalf("expect no pending calls, got %d", ct.Pending())
	}
}

func TestDuplicateReplyIsIgnored(t *testing.T) {
	ct, host := newPair(t, codec.CodecTypeJSON)

	call, err := ct.Request(channel.GetUserSettings, nil)
	if err != nil {
		t.Fatal(err)
	}
	f := host.next()
	host.reply(f.header.Seq, message.ResultReply(channel.GetUserSettings, "winner"))
	host.reply(f.header.Seq, message.ResultReply(channel.GetUserSettings, "late"))

	result, err := waitFor(t, ct, call)
	if err != nil {
		t.Fatal(err)
	}
	if string(result) != `"winner"` {
		t.Fatalf("expect first reply to win, got %s", result)
	}

	// The transport is still healthy after the stray reply.
	next, err := ct.Request(channel.GetUserSettings, nil)
	if err != nil {
		t.Fatal(err)
	}
	f = host.next()
	host.reply(f.header.Seq, message.ResultReply(channel.GetUserSettings, "next"))
	result, err = waitFor(t, ct, next)
	if err != nil {
		t.Fatal(err)
	}
	if string(result) != `"next"` {
		t.Fatalf("expect next reply, got %s", result)
	}
}

func TestMalformedReplyRejectsCall(t *testing.T) {
	ct, host := newPair(t, codec.CodecTypeJSON)

	both, err := ct.Request(channel.GetUserSettings, nil)
	if err != nil {
		t.Fatal(err)
	}
	f := host.next()
	host.reply(f.header.Seq, &message.Reply{
		Channel: channel.GetUserSettingsReply,
		Result:  json.RawMessage(`{}`),
		Error:   json.RawMessage(`"boom"`),
	})
	if _, err := waitFor(t, ct, both); !errors.Is(err, message.ErrMalformed) {
		t.Fatalf("expect ErrMalformed, got %v", err)
	}

	wrongChannel, err := ct.Request(channel.GetUserSettings, nil)
	if err != nil {
		t.Fatal(err)
	}
	f = host.next()
	host.reply(f.header.Seq, &message.Reply{Channel: channel.SaveUserSettingsReply})
	if _, err := waitFor(t, ct, wrongChannel); !errors.Is(err, message.ErrMalformed) {
		t.Fatalf("expect ErrMalformed, got %v", err)
	}
}

func TestWaitCancelReleasesPendingCall(t *testing.T) {
	ct, host := newPair(t, codec.CodecTypeJSON)

	call, err := ct.Request(channel.GetAutostartStatus, nil)
	if err != nil {
		t.Fatal(err)
	}
	f := host.next()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := ct.Wait(ctx, call); !errors.Is(err, context.Canceled) {
		t.Fatalf("expect context.Canceled, got %v", err)
	}
	if ct.Pending() != 0 {
		t.Fatalf("expect released call, got %d pending", ct.Pending())
	}

	// The late reply finds nothing to settle.
	host.reply(f.header.Seq, message.ResultReply(channel.GetAutostartStatus, "/autostart/app.desktop"))
	if _, err := call.Result(); !errors.Is(err, context.Canceled) {
		t.Fatalf("settled call changed outcome: %v", err)
	}
}

func TestConnectionLossRejectsPendingCalls(t *testing.T) {
	ct, host := newPair(t, codec.CodecTypeJSON)

	calls := make([]*Call, 3)
	for i := range calls {
		call, err := ct.Request(channel.GetUserSettings, nil)
		if err != nil {
			t.Fatal(err)
		}
		host.next()
		calls[i] = call
	}

	host.conn.Close()

	for _, call := range calls {
		if _, err := waitFor(t, ct, call); !errors.Is(err, ErrClosed) {
			t.Fatalf("call %d: expect ErrClosed, got %v", call.Seq, err)
		}
	}
	if ct.Pending() != 0 {
		t.Fatalf("expect no pending calls, got %d", ct.Pending())
	}

	select {
	case <-ct.Closed():
	case <-time.After(2 * time.Second):
		t.Fatal("transport not marked closed")
	}
	if _, err := ct.Request(channel.GetUserSettings, nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("expect ErrClosed after close, got %v", err)
	}
}

func TestNotifySendsWithoutPendingCall(t *testing.T) {
	ct, host := newPair(t, codec.CodecTypeJSON)

	if err := ct.Notify(channel.EnableAutostart, nil); err != nil {
		t.Fatal(err)
	}
	f := host.next()
	if f.header.MsgType != protocol.MsgTypeNotify {
		t.Fatalf("expect notify frame, got %s", f.header.MsgType)
	}
	if f.header.Seq != 0 {
		t.Fatalf("expect seq 0 for notify, got %d", f.header.Seq)
	}
	if f.request.Channel != channel.EnableAutostart {
		t.Fatalf("expect channel %q, got %q", channel.EnableAutostart, f.request.Channel)
	}
	if ct.Pending() != 0 {
		t.Fatalf("notify must not register a pending call, got %d", ct.Pending())
	}
}

func TestWrongKindPanics(t *testing.T) {
	ct, _ := newPair(t, codec.CodecTypeJSON)

	cases := map[string]func(){
		"request on fire-and-forget": func() { ct.Request(channel.EnableAutostart, nil) },
		"notify on request-response": func() { ct.Notify(channel.GetUserSettings, nil) },
		"unknown channel":            func() { ct.Request("open-devtools", nil) },
	}
	for name, fn := range cases {
		func() {
			defer func() {
				if recover() == nil {
					t.Errorf("%s: expect panic", name)
				}
			}()
			fn()
		}()
	}
	if ct.Pending() != 0 {
		t.Fatalf("panicking calls must not leave pending entries, got %d", ct.Pending())
	}
}

func TestUnsupportedCodec(t *testing.T) {
	clientConn, hostConn := net.Pipe()
	defer clientConn.Close()
	defer hostConn.Close()

	if _, err := NewClientTransport(clientConn, Options{Codec: codec.CodecType(7)}); err == nil {
		t.Fatal("expect error for unknown codec")
	}
}

func TestSequenceWrapSkipsCallStillWaiting(t *testing.T) {
	ct, host := newPair(t, codec.CodecTypeJSON)

	old, err := ct.Request(channel.GetUserSettings, "old")
	if err != nil {
		t.Fatal(err)
	}
	if f := host.next(); f.header.Seq != 1 {
		t.Fatalf("expect first call on seq 1, got %d", f.header.Seq)
	}

	ct.sending.Lock()
	ct.seq = math.MaxUint32
	ct.sending.Unlock()

	fresh, err := ct.Request(channel.GetUserSettings, "fresh")
	if err != nil {
		t.Fatal(err)
	}
	// 0 is reserved and 1 is still taken.
	if f := host.next(); f.header.Seq != 2 {
		t.Fatalf("expect wrapped call on seq 2, got %d", f.header.Seq)
	}

	host.reply(2, message.ResultReply(channel.GetUserSettings, json.RawMessage(`"fresh"`)))
	host.reply(1, message.ResultReply(channel.GetUserSettings, json.RawMessage(`"old"`)))

	for _, tc := range []struct {
		call *Call
		want string
	}{{fresh, `"fresh"`}, {old, `"old"`}} {
		result, err := waitFor(t, ct, tc.call)
		if err != nil {
			t.Fatal(err)
		}
		if string(result) != tc.want {
			t.Fatalf("call %d: expect %s, got %s", tc.call.Seq, tc.want, result)
		}
	}
	if ct.Pending() != 0 {
		t.Fatalf("expect no pending calls, got %d", ct.Pending())
	}
}

func TestSettledCallDoesNotReleaseReusedSeq(t *testing.T) {
	ct, host := newPair(t, codec.CodecTypeJSON)

	settled, err := ct.Request(channel.GetAutostartStatus, nil)
	if err != nil {
		t.Fatal(err)
	}
	host.next()
	host.reply(1, message.ResultReply(channel.GetAutostartStatus, nil))
	<-settled.Done()

	// Wrap so the next call reuses seq 1 before the first caller collects.
	ct.sending.Lock()
	ct.seq = math.MaxUint32
	ct.sending.Unlock()

	reused, err := ct.Request(channel.GetAutostartStatus, nil)
	if err != nil {
		t.Fatal(err)
	}
	if f := host.next(); f.header.Seq != 1 {
		t.Fatalf("expect seq 1 to be reused, got %d", f.header.Seq)
	}

	if _, err := waitFor(t, ct, settled); err != nil {
		t.Fatal(err)
	}
	if ct.Pending() != 1 {
		t.Fatalf("the reused call must still be pending, got %d pending", ct.Pending())
	}

	host.reply(1, message.ResultReply(channel.GetAutostartStatus, json.RawMessage(`"/tmp/dock.desktop"`)))
	result, err := waitFor(t, ct, reused)
	if err != nil {
		t.Fatal(err)
	}
	if string(result) != `"/tmp/dock.desktop"` {
		t.Fatalf("unexpected result %s", result)
	}
}
