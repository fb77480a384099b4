// Package server implements the privileged host: it accepts connections from
// the sandboxed client, dispatches every frame to the handler registered for
// its channel, and answers request frames exactly once on the operation's
// reply channel.
//
// Request processing pipeline:
//
//	Accept conn → handleConn (single goroutine reads frames)
//	  → for each frame: go handleFrame (parallel processing)
//	    → Codec.Decode → Middleware Chain → dispatch (handler by channel)
//	      → request frame: Codec.Encode → write reply with the same seq
//	      → notify frame:  reply dropped
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"hostbridge/channel"
	"hostbridge/codec"
	"hostbridge/message"
	"hostbridge/middleware"
	"hostbridge/protocol"
	"hostbridge/registry"
)

// registrationTTL is the lease, in seconds, of the host's registry entry.
// KeepAlive renews it while the host runs.
const registrationTTL = 10

// Server is the privileged side of the bridge.
type Server struct {
	handlers      map[channel.Name]middleware.HandlerFunc // Registered handlers by request channel
	listener      net.Listener
	wg            sync.WaitGroup          // Tracks in-flight frames for graceful shutdown
	shutdown      atomic.Bool             // Set during shutdown to suppress Accept errors and refuse new frames
	frameMu       sync.Mutex              // Orders wg.Add before the shutdown flag so Add never races Wait
	ready         chan struct{}           // Closed once the listener is up
	middlewares   []middleware.Middleware // Applied in registration order
	handler       middleware.HandlerFunc  // middleware(middleware(...(dispatch)))
	registry      registry.Registry       // nil if not using discovery
	advertiseAddr string
	logger        *slog.Logger

	connsMu sync.Mutex
	conns   map[net.Conn]struct{}
}

// NewServer creates a host with no handlers. A nil logger uses slog.Default.
func NewServer(logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		handlers: make(map[channel.Name]middleware.HandlerFunc),
		ready:    make(chan struct{}),
		logger:   logger,
		conns:    make(map[net.Conn]struct{}),
	}
}

// Handle registers the handler for a request channel. Registering an unknown
// channel or the same channel twice is a programming error and panics.
func (svr *Server) Handle(name channel.Name, handler middleware.HandlerFunc) {
	if _, ok := channel.Lookup(name); !ok {
		panic(fmt.Sprintf("server: unknown channel %q", name))
	}
	if _, exists := svr.handlers[name]; exists {
		panic(fmt.Sprintf("server: duplicate handler for channel %q", name))
	}
	svr.handlers[name] = handler
}

// Use registers a middleware. Middlewares are applied in the order they are added.
func (svr *Server) Use(mw middleware.Middleware) {
	svr.middlewares = append(svr.middlewares, mw)
}

// Ready is closed once Serve is accepting connections.
func (svr *Server) Ready() <-chan struct{} {
	return svr.ready
}

// Addr returns the listener address once Ready is closed.
func (svr *Server) Addr() net.Addr {
	<-svr.ready
	return svr.listener.Addr()
}

// Serve listens on network/address and accepts connections until Shutdown.
//
// For unix sockets a stale socket file left by a crashed host is removed
// first. If reg is non-nil the host registers advertiseAddr under
// registry.HostService so clients can discover it.
func (svr *Server) Serve(network, address string, advertiseAddr string, reg registry.Registry) error {
	if network == "unix" {
		if err := os.Remove(address); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("removing stale socket %s: %w", address, err)
		}
	}

	listener, err := net.Listen(network, address)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", address, err)
	}
	if network == "unix" {
		// Only the owning user may talk to the privileged side.
		if err := os.Chmod(address, 0o600); err != nil {
			listener.Close()
			return fmt.Errorf("restricting socket %s: %w", address, err)
		}
	}
	svr.listener = listener

	// Build the middleware chain once at startup (not per-request)
	svr.handler = middleware.Chain(svr.middlewares...)(svr.dispatch)

	if reg != nil {
		if advertiseAddr == "" {
			advertiseAddr = listener.Addr().String()
		}
		svr.registry = reg
		svr.advertiseAddr = advertiseAddr
		err := reg.Register(context.TODO(), registry.HostService, registry.ServiceInstance{
			Addr:    advertiseAddr,
			Network: network,
			PID:     os.Getpid(),
			Version: strconv.Itoa(int(protocol.Version)),
		}, registrationTTL)
		if err != nil {
			listener.Close()
			return fmt.Errorf("registering host: %w", err)
		}
	}

	svr.logger.Info("bridge host listening", "network", network, "address", listener.Addr().String())
	close(svr.ready)

	for {
		conn, err := listener.Accept()
		if err != nil {
			if svr.shutdown.Load() {
				return nil
			}
			return err
		}
		svr.track(conn, true)
		go svr.handleConn(conn)
	}
}

func (svr *Server) track(conn net.Conn, add bool) {
	svr.connsMu.Lock()
	defer svr.connsMu.Unlock()
	if add {
		svr.conns[conn] = struct{}{}
	} else {
		delete(svr.conns, conn)
	}
}

// handleConn reads frames sequentially and hands each one to its own
// goroutine. A per-connection write mutex keeps reply frames from
// interleaving.
func (svr *Server) handleConn(conn net.Conn) {
	defer func() {
		svr.track(conn, false)
		conn.Close()
	}()
	writeMu := &sync.Mutex{}
	for {
		header, body, err := protocol.Decode(conn)
		if err != nil {
			svr.logger.Debug("client connection closed", "error", err)
			return
		}

		switch header.MsgType {
		case protocol.MsgTypeHeartbeat:
			continue
		case protocol.MsgTypeRequest, protocol.MsgTypeNotify:
		default:
			svr.logger.Warn("unexpected frame from client", "type", header.MsgType, "seq", header.Seq)
			continue
		}

		if !svr.startFrame() {
			svr.logger.Debug("dropping frame during shutdown", "type", header.MsgType, "seq", header.Seq)
			return
		}
		go svr.handleFrame(header, body, conn, writeMu)
	}
}

// startFrame counts a frame as in flight unless shutdown has begun.
func (svr *Server) startFrame() bool {
	svr.frameMu.Lock()
	defer svr.frameMu.Unlock()
	if svr.shutdown.Load() {
		return false
	}
	svr.wg.Add(1)
	return true
}

// handleFrame processes one frame: decode → middleware → handler → reply.
func (svr *Server) handleFrame(header *protocol.Header, body []byte, conn net.Conn, writeMu *sync.Mutex) {
	defer svr.wg.Done()

	c := codec.GetCodec(codec.CodecType(header.CodecType))
	req := message.Request{}
	if err := c.Decode(body, &req); err != nil {
		svr.logger.Warn("undecodable frame", "type", header.MsgType, "seq", header.Seq, "error", err)
		if header.MsgType == protocol.MsgTypeRequest {
			// The channel is unknown, so the reply carries none; the client
			// rejects it as malformed instead of hanging.
			svr.writeReply(conn, writeMu, header, &message.Reply{Error: errorValue(fmt.Errorf("invalid request: %v", err))})
		}
		return
	}

	op, known := channel.Lookup(req.Channel)
	if header.MsgType == protocol.MsgTypeNotify {
		if !known || op.Kind != channel.FireAndForget {
			svr.logger.Warn("dropping notify on non fire-and-forget channel", "channel", req.Channel)
			return
		}
		reply := svr.handler(context.Background(), &req)
		if reply != nil && reply.HasError() {
			// Nobody is listening for this outcome; the log is all there is.
			svr.logger.Warn("fire-and-forget operation failed", "channel", req.Channel, "error", string(reply.Error))
		}
		return
	}

	var reply *message.Reply
	switch {
	case !known:
		reply = message.ErrorReply(req.Channel, fmt.Errorf("unknown channel %q", req.Channel))
	case op.Kind != channel.RequestResponse:
		reply = message.ErrorReply(req.Channel, fmt.Errorf("channel %q does not take requests", req.Channel))
	default:
		reply = svr.handler(context.Background(), &req)
		if reply == nil {
			reply = message.ResultReply(req.Channel, nil)
		}
		// Enforce the reply contract regardless of what the handler built.
		reply.Channel = op.Reply
		if reply.HasResult() && reply.HasError() {
			reply.Result = nil
		}
	}

	svr.writeReply(conn, writeMu, header, reply)
}

func (svr *Server) writeReply(conn net.Conn, writeMu *sync.Mutex, header *protocol.Header, reply *message.Reply) {
	c := codec.GetCodec(codec.CodecType(header.CodecType))
	result, err := c.Encode(reply)
	if err != nil {
		svr.logger.Error("failed to encode reply", "channel", reply.Channel, "error", err)
		return
	}

	writeMu.Lock()
	defer writeMu.Unlock()

	// Preserve the request's seq so the client can match the reply
	replyHeader := protocol.Header{
		CodecType: header.CodecType,
		MsgType:   protocol.MsgTypeReply,
		Seq:       header.Seq,
	}
	if err := protocol.Encode(conn, &replyHeader, result); err != nil {
		svr.logger.Warn("failed to write reply", "channel", reply.Channel, "seq", header.Seq, "error", err)
	}
}

// dispatch is the innermost handler: it routes the request to the handler
// registered for its channel.
func (svr *Server) dispatch(ctx context.Context, req *message.Request) *message.Reply {
	handler, ok := svr.handlers[req.Channel]
	if !ok {
		return message.ErrorReply(req.Channel, fmt.Errorf("no handler for channel %q", req.Channel))
	}
	return handler(ctx, req)
}

// Shutdown performs graceful shutdown:
//  1. Deregister from the registry so clients stop discovering this host
//  2. Set shutdown flag (Accept errors become intentional, connections stop
//     admitting frames, so no in-flight count starts after the wait begins)
//  3. Close the listener (stop accepting new connections)
//  4. Wait for in-flight frames to finish (with timeout), then drop clients
func (svr *Server) Shutdown(timeout time.Duration) error {
	if svr.registry != nil {
		if err := svr.registry.Deregister(context.TODO(), registry.HostService, svr.advertiseAddr); err != nil {
			svr.logger.Warn("deregistering host", "error", err)
		}
	}

	svr.frameMu.Lock()
	svr.shutdown.Store(true)
	svr.frameMu.Unlock()
	if svr.listener != nil {
		svr.listener.Close()
	}

	done := make(chan struct{})
	go func() {
		svr.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-time.After(timeout):
		err = fmt.Errorf("timeout waiting for ongoing requests to finish")
	}

	// Pending client calls fail with a closed connection rather than hang.
	svr.connsMu.Lock()
	for conn := range svr.conns {
		conn.Close()
	}
	svr.connsMu.Unlock()

	return err
}

func errorValue(err error) []byte {
	return message.ErrorReply("", err).Error
}
