package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/thirstycrow/atomix/membership"
)

const (
	frameRequest byte = 1
	frameReply   byte = 2

	replyOK    byte = 0
	replyError byte = 1

	maxFrameSize = 4 * 1024 * 1024

	defaultCallTimeout = 5 * time.Second
	defaultDialTimeout = 5 * time.Second
)

var ErrTimeout = errors.New("request timed out")

type MessagingOption func(*TCPMessaging)

func WithCallTimeout(d time.Duration) MessagingOption {
	return func(t *TCPMessaging) {
		t.callTimeout = d
	}
}

func WithDialTimeout(d time.Duration) MessagingOption {
	return func(t *TCPMessaging) {
		t.dialTimeout = d
	}
}

// TCPMessaging is a request/response transport over persistent TCP
// connections. Frames are length-prefixed and correlated by id, so many
// requests can be in flight on a single connection.
type TCPMessaging struct {
	logger      log.Logger
	ln          net.Listener
	callTimeout time.Duration
	dialTimeout time.Duration

	hmut     sync.RWMutex
	handlers map[string]func(membership.Address, []byte, membership.ReplyFunc)

	cmut   sync.Mutex
	conns  map[membership.Address]*clientConn
	nextID uint64

	smut    sync.Mutex
	inbound map[net.Conn]struct{}

	wg     sync.WaitGroup
	closed int32
}

var _ membership.MessagingService = (*TCPMessaging)(nil)

// ListenMessaging starts a TCP listener on the given address.
func ListenMessaging(bindAddr string, logger log.Logger, opts ...MessagingOption) (*TCPMessaging, error) {
	ln, err := net.Listen("tcp", bindAddr)
	if err != nil {
		return nil, fmt.Errorf("listen tcp on %s: %w", bindAddr, err)
	}

	t := &TCPMessaging{
		logger:      logger,
		ln:          ln,
		callTimeout: defaultCallTimeout,
		dialTimeout: defaultDialTimeout,
		handlers:    make(map[string]func(membership.Address, []byte, membership.ReplyFunc)),
		conns:       make(map[membership.Address]*clientConn),
		inbound:     make(map[net.Conn]struct{}),
	}

	for _, opt := range opts {
		opt(t)
	}

	t.wg.Add(1)

	go func() {
		defer t.wg.Done()
		t.serve()
	}()

	return t, nil
}

// Addr returns the bound address.
func (t *TCPMessaging) Addr() membership.Address {
	return membership.Address(t.ln.Addr().String())
}

func (t *TCPMessaging) RegisterHandler(topic string, handler func(membership.Address, []byte, membership.ReplyFunc)) {
	t.hmut.Lock()
	defer t.hmut.Unlock()

	t.handlers[topic] = handler
}

func (t *TCPMessaging) UnregisterHandler(topic string) {
	t.hmut.Lock()
	defer t.hmut.Unlock()

	delete(t.handlers, topic)
}

// SendReceive sends a request to the given address and completes reply with
// the response, a remote error, or a timeout. The reply callback is invoked
// exactly once: on the calling goroutine when the request cannot be sent
// (transport closed, dial or write failure), otherwise from a transport
// goroutine.
func (t *TCPMessaging) SendReceive(to membership.Address, topic string, payload []byte, reply membership.ReplyFunc) {
	if atomic.LoadInt32(&t.closed) == 1 {
		reply(nil, ErrClosed)
		return
	}

	cc, err := t.getConn(to)
	if err != nil {
		reply(nil, err)
		return
	}

	id := atomic.AddUint64(&t.nextID, 1)

	cc.addPending(id, reply, t.callTimeout)

	frame := encodeRequest(id, topic, payload)

	if err := cc.write(frame); err != nil {
		if pending, ok := cc.takePending(id); ok {
			pending(nil, err)
		}

		t.dropConn(to, cc)
	}
}

func (t *TCPMessaging) getConn(to membership.Address) (*clientConn, error) {
	t.cmut.Lock()
	defer t.cmut.Unlock()

	if cc, ok := t.conns[to]; ok {
		return cc, nil
	}

	conn, err := net.DialTimeout("tcp", string(to), t.dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", to, err)
	}

	cc := newClientConn(conn)
	t.conns[to] = cc

	t.wg.Add(1)

	go func() {
		defer t.wg.Done()

		cc.readLoop()
		t.dropConn(to, cc)
	}()

	return cc, nil
}

func (t *TCPMessaging) dropConn(addr membership.Address, cc *clientConn) {
	t.cmut.Lock()
	if t.conns[addr] == cc {
		delete(t.conns, addr)
	}
	t.cmut.Unlock()

	cc.close()
}

func (t *TCPMessaging) serve() {
	for {
		conn, err := t.ln.Accept()
		if err != nil {
			if atomic.LoadInt32(&t.closed) == 1 {
				return
			}

			level.Error(t.logger).Log("msg", "accept failed", "err", err)

			continue
		}

		t.smut.Lock()
		t.inbound[conn] = struct{}{}
		t.smut.Unlock()

		t.wg.Add(1)

		go func() {
			defer t.wg.Done()
			t.serveConn(conn)
		}()
	}
}

func (t *TCPMessaging) serveConn(conn net.Conn) {
	defer func() {
		t.smut.Lock()
		delete(t.inbound, conn)
		t.smut.Unlock()

		_ = conn.Close()
	}()

	from := membership.Address(conn.RemoteAddr().String())
	wmut := &sync.Mutex{}

	for {
		kind, id, body, err := readFrame(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && atomic.LoadInt32(&t.closed) == 0 {
				level.Debug(t.logger).Log("msg", "connection closed", "from", from, "err", err)
			}

			return
		}

		if kind != frameRequest {
			level.Warn(t.logger).Log("msg", "unexpected frame kind", "kind", kind, "from", from)
			continue
		}

		topic, payload, err := decodeRequestBody(body)
		if err != nil {
			level.Warn(t.logger).Log("msg", "malformed request frame", "from", from, "err", err)
			return
		}

		t.hmut.RLock()
		handler, ok := t.handlers[topic]
		t.hmut.RUnlock()

		reply := replyOnce(conn, wmut, id)

		if !ok {
			reply(nil, fmt.Errorf("no handler for topic %s", topic))
			continue
		}

		handler(from, payload, reply)
	}
}

// replyOnce builds a ReplyFunc that writes a reply frame at most once.
func replyOnce(conn net.Conn, wmut *sync.Mutex, id uint64) membership.ReplyFunc {
	var once sync.Once

	return func(payload []byte, err error) {
		once.Do(func() {
			frame := encodeReply(id, payload, err)

			wmut.Lock()
			defer wmut.Unlock()

			_, _ = conn.Write(frame)
		})
	}
}

func (t *TCPMessaging) Close() error {
	atomic.StoreInt32(&t.closed, 1)

	err := t.ln.Close()

	t.cmut.Lock()
	conns := make([]*clientConn, 0, len(t.conns))
	for addr, cc := range t.conns {
		conns = append(conns, cc)
		delete(t.conns, addr)
	}
	t.cmut.Unlock()

	for _, cc := range conns {
		cc.close()
	}

	t.smut.Lock()
	for conn := range t.inbound {
		_ = conn.Close()
	}
	t.smut.Unlock()

	t.wg.Wait()

	return err
}

// clientConn is the outgoing half of a peer connection: it writes request
// frames and routes reply frames back to the pending calls.
type clientConn struct {
	conn net.Conn
	wmut sync.Mutex

	pmut    sync.Mutex
	pending map[uint64]*pendingCall
	closed  bool
}

type pendingCall struct {
	reply membership.ReplyFunc
	timer *time.Timer
}

func newClientConn(conn net.Conn) *clientConn {
	return &clientConn{
		conn:    conn,
		pending: make(map[uint64]*pendingCall),
	}
}

func (cc *clientConn) write(frame []byte) error {
	cc.wmut.Lock()
	defer cc.wmut.Unlock()

	_, err := cc.conn.Write(frame)

	return err
}

func (cc *clientConn) addPending(id uint64, reply membership.ReplyFunc, timeout time.Duration) {
	cc.pmut.Lock()

	if cc.closed {
		cc.pmut.Unlock()
		reply(nil, ErrClosed)

		return
	}

	call := &pendingCall{reply: reply}

	call.timer = time.AfterFunc(timeout, func() {
		if pending, ok := cc.takePending(id); ok {
			pending(nil, ErrTimeout)
		}
	})

	cc.pending[id] = call
	cc.pmut.Unlock()
}

func (cc *clientConn) takePending(id uint64) (membership.ReplyFunc, bool) {
	cc.pmut.Lock()
	defer cc.pmut.Unlock()

	call, ok := cc.pending[id]
	if !ok {
		return nil, false
	}

	delete(cc.pending, id)
	call.timer.Stop()

	return call.reply, true
}

func (cc *clientConn) readLoop() {
	for {
		kind, id, body, err := readFrame(cc.conn)
		if err != nil {
			return
		}

		if kind != frameReply {
			continue
		}

		reply, ok := cc.takePending(id)
		if !ok {
			continue
		}

		payload, rerr := decodeReplyBody(body)
		reply(payload, rerr)
	}
}

// close fails every pending call and closes the connection.
func (cc *clientConn) close() {
	cc.pmut.Lock()

	if cc.closed {
		cc.pmut.Unlock()
		return
	}

	cc.closed = true

	calls := make([]*pendingCall, 0, len(cc.pending))
	for id, call := range cc.pending {
		calls = append(calls, call)
		delete(cc.pending, id)
	}
	cc.pmut.Unlock()

	for _, call := range calls {
		call.timer.Stop()
		call.reply(nil, ErrClosed)
	}

	_ = cc.conn.Close()
}

// Frame layout: 4-byte big-endian body length, then the body. A request
// body is [kind][8-byte id][2-byte topic len][topic][payload]; a reply body
// is [kind][8-byte id][status][payload or error text].

func encodeRequest(id uint64, topic string, payload []byte) []byte {
	body := 1 + 8 + 2 + len(topic) + len(payload)
	frame := make([]byte, 4+body)

	binary.BigEndian.PutUint32(frame, uint32(body))
	frame[4] = frameRequest
	binary.BigEndian.PutUint64(frame[5:], id)
	binary.BigEndian.PutUint16(frame[13:], uint16(len(topic)))
	copy(frame[15:], topic)
	copy(frame[15+len(topic):], payload)

	return frame
}

func encodeReply(id uint64, payload []byte, err error) []byte {
	status := replyOK
	if err != nil {
		status = replyError
		payload = []byte(err.Error())
	}

	body := 1 + 8 + 1 + len(payload)
	frame := make([]byte, 4+body)

	binary.BigEndian.PutUint32(frame, uint32(body))
	frame[4] = frameReply
	binary.BigEndian.PutUint64(frame[5:], id)
	frame[13] = status
	copy(frame[14:], payload)

	return frame
}

func readFrame(conn net.Conn) (kind byte, id uint64, body []byte, err error) {
	var header [4]byte

	if _, err = io.ReadFull(conn, header[:]); err != nil {
		return 0, 0, nil, err
	}

	size := binary.BigEndian.Uint32(header[:])
	if size < 9 || size > maxFrameSize {
		return 0, 0, nil, fmt.Errorf("invalid frame size %d", size)
	}

	buf := make([]byte, size)
	if _, err = io.ReadFull(conn, buf); err != nil {
		return 0, 0, nil, err
	}

	return buf[0], binary.BigEndian.Uint64(buf[1:9]), buf[9:], nil
}

func decodeRequestBody(body []byte) (topic string, payload []byte, err error) {
	if len(body) < 2 {
		return "", nil, errors.New("truncated request body")
	}

	topicLen := int(binary.BigEndian.Uint16(body))
	if len(body) < 2+topicLen {
		return "", nil, errors.New("truncated request topic")
	}

	return string(body[2 : 2+topicLen]), body[2+topicLen:], nil
}

func decodeReplyBody(body []byte) ([]byte, error) {
	if len(body) < 1 {
		return nil, errors.New("truncated reply body")
	}

	if body[0] == replyError {
		return nil, fmt.Errorf("remote: %s", body[1:])
	}

	return body[1:], nil
}
