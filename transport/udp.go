package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "transport")

// DefaultTimeout is how long an outgoing RPC waits for a reply before its
// future completes with ok=false, per spec.md §4.5/§5.
const DefaultTimeout = 5 * time.Second

// Handler answers an incoming request named by the dispatch table in
// Protocol; it returns the value to send back, or an error to drop the
// request and log it instead of replying.
type Handler func(sender *net.UDPAddr, args []any) (any, error)

// pending is an in-flight outbound RPC awaiting its response or timeout.
type pending struct {
	done  chan Result
	timer *time.Timer
}

// Result is what a completed RPC future resolves to: Ok is false on
// timeout, per spec.md §4.5 step 4 ("complete the future with
// (false, null)").
type Result struct {
	Ok   bool
	Body []byte
}

// UDP is the datagram transport: it owns the socket, the in-flight RPC
// table, and the dispatch of incoming requests to registered handlers.
// Grounded on transport/udp.go's UDPTransport — same context-cancelled
// read loop and deadline-based shutdown, adapted from a packet-handler
// registry to Kademlia's single MessagePack frame format and
// request/response correlation by message id.
type UDP struct {
	conn net.PacketConn

	mu       sync.Mutex
	handlers map[string]Handler
	inflight map[MessageID]*pending

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Listen binds a UDP socket on addr (host:port, host may be empty) and
// starts the receive loop.
func Listen(addr string) (*UDP, error) {
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen %s: %w", addr, err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	u := &UDP{
		conn:     conn,
		handlers: make(map[string]Handler),
		inflight: make(map[MessageID]*pending),
		ctx:      ctx,
		cancel:   cancel,
	}
	u.wg.Add(1)
	go u.receiveLoop()
	return u, nil
}

// LocalAddr returns the bound local address.
func (u *UDP) LocalAddr() net.Addr { return u.conn.LocalAddr() }

// RegisterHandler associates name (e.g. "ping") with the function invoked
// when a request by that name arrives.
func (u *UDP) RegisterHandler(name string, h Handler) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.handlers[name] = h
}

// Call sends a request named `name` with the given args to dst and
// blocks until a response arrives or the default timeout elapses.
func (u *UDP) Call(dst *net.UDPAddr, name string, args []any) Result {
	return u.CallTimeout(dst, name, args, DefaultTimeout)
}

// CallTimeout is Call with an explicit timeout.
func (u *UDP) CallTimeout(dst *net.UDPAddr, name string, args []any, timeout time.Duration) Result {
	id, err := NewMessageID()
	if err != nil {
		log.WithError(err).Error("transport: could not generate message id")
		return Result{Ok: false}
	}
	frame, err := EncodeRequest(id, name, args)
	if err != nil {
		log.WithError(err).WithField("rpc", name).Error("transport: request too large, dropped locally")
		return Result{Ok: false}
	}

	p := &pending{done: make(chan Result, 1)}
	u.mu.Lock()
	u.inflight[id] = p
	u.mu.Unlock()

	p.timer = time.AfterFunc(timeout, func() {
		u.completeTimeout(id)
	})

	if _, err := u.conn.WriteTo(frame, dst); err != nil {
		u.mu.Lock()
		delete(u.inflight, id)
		u.mu.Unlock()
		p.timer.Stop()
		log.WithError(err).WithField("rpc", name).Warn("transport: send failed")
		return Result{Ok: false}
	}

	return <-p.done
}

func (u *UDP) completeTimeout(id MessageID) {
	u.mu.Lock()
	p, ok := u.inflight[id]
	if ok {
		delete(u.inflight, id)
	}
	u.mu.Unlock()
	if !ok {
		return
	}
	p.done <- Result{Ok: false}
}

// Stop cancels the receive loop and every pending RPC timer, completes
// every pending call with Ok false, and closes the socket.
func (u *UDP) Stop() {
	u.cancel()
	u.conn.Close()
	u.wg.Wait()

	u.mu.Lock()
	defer u.mu.Unlock()
	for id, p := range u.inflight {
		p.timer.Stop()
		delete(u.inflight, id)
		p.done <- Result{Ok: false}
	}
}

func (u *UDP) receiveLoop() {
	defer u.wg.Done()
	buf := make([]byte, MaxPayloadSize)
	for {
		select {
		case <-u.ctx.Done():
			return
		default:
		}

		u.conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		n, addr, err := u.conn.ReadFrom(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			select {
			case <-u.ctx.Done():
				return
			default:
				continue
			}
		}

		raw := make([]byte, n)
		copy(raw, buf[:n])
		udpAddr, _ := addr.(*net.UDPAddr)
		go u.handleDatagram(raw, udpAddr)
	}
}

func (u *UDP) handleDatagram(raw []byte, sender *net.UDPAddr) {
	frame, err := DecodeFrame(raw)
	if err != nil {
		log.WithError(err).Debug("transport: malformed datagram dropped")
		return
	}

	switch frame.Tag {
	case TagResponse:
		u.mu.Lock()
		p, ok := u.inflight[frame.ID]
		if ok {
			delete(u.inflight, frame.ID)
		}
		u.mu.Unlock()
		if !ok {
			log.WithField("id", fmt.Sprintf("%x", frame.ID)).Debug("transport: response for unknown or expired request")
			return
		}
		p.timer.Stop()
		p.done <- Result{Ok: true, Body: frame.Body}

	case TagRequest:
		name, args, err := DecodeRequestBody(frame.Body)
		if err != nil {
			log.WithError(err).WithField("sender", sender).Warn("transport: malformed request body dropped")
			return
		}
		u.mu.Lock()
		h, ok := u.handlers[name]
		u.mu.Unlock()
		if !ok {
			log.WithField("rpc", name).Debug("transport: no handler registered, dropped")
			return
		}
		result, err := h(sender, args)
		if err != nil {
			log.WithError(err).WithField("rpc", name).Debug("transport: handler error, not replying")
			return
		}
		resp, err := EncodeResponse(frame.ID, result)
		if err != nil {
			log.WithError(err).WithField("rpc", name).Error("transport: could not encode response")
			return
		}
		if _, err := u.conn.WriteTo(resp, sender); err != nil {
			log.WithError(err).WithField("rpc", name).Warn("transport: reply send failed")
		}

	default:
		log.WithField("tag", frame.Tag).Debug("transport: unknown tag, dropped")
	}
}
