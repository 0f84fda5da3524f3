// Package transport provides TCP and UDP implementations of the transport
// services the membership protocol consumes.
package transport

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/thirstycrow/atomix/membership"
)

const (
	maxDatagramSize   = 1500 // implied by MTU
	receiveBufferSize = 1 * 1024 * 1024
)

var (
	ErrClosed          = errors.New("transport closed")
	ErrMaxSizeExceeded = errors.New("max datagram size exceeded")
)

// UDPUnicast is a fire-and-forget datagram transport. Datagrams carry a
// one-byte topic length, the topic, and the payload.
type UDPUnicast struct {
	logger log.Logger
	conn   *net.UDPConn
	pool   *sync.Pool

	mut       sync.RWMutex
	listeners map[string]func(membership.Address, []byte)

	wg     sync.WaitGroup
	closed int32
}

var _ membership.UnicastService = (*UDPUnicast)(nil)

// ListenUnicast starts a UDP listener on the given address.
func ListenUnicast(bindAddr string, logger log.Logger) (*UDPUnicast, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", bindAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve bind address %s: %w", bindAddr, err)
	}

	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("listen udp on %s: %w", bindAddr, err)
	}

	// A larger system buffer reduces packet drops when the consumer cannot
	// keep up with the incoming message rate.
	if err := conn.SetReadBuffer(receiveBufferSize); err != nil {
		return nil, fmt.Errorf("alter udp read buffer size: %w", err)
	}

	u := &UDPUnicast{
		logger:    logger,
		conn:      conn,
		listeners: make(map[string]func(membership.Address, []byte)),
		pool: &sync.Pool{
			New: func() any {
				return make([]byte, maxDatagramSize)
			},
		},
	}

	u.wg.Add(1)

	go func() {
		defer u.wg.Done()
		u.consume()
	}()

	return u, nil
}

// Addr returns the bound address.
func (u *UDPUnicast) Addr() membership.Address {
	return membership.Address(u.conn.LocalAddr().String())
}

func (u *UDPUnicast) consume() {
	const (
		initialDelay = 30 * time.Millisecond
		maxDelay     = 10 * time.Second
	)

	delay := initialDelay

	for {
		buf := u.pool.Get().([]byte)

		n, addr, err := u.conn.ReadFromUDP(buf)
		if err != nil {
			u.pool.Put(buf) //nolint:staticcheck

			if atomic.LoadInt32(&u.closed) == 1 {
				return
			}

			level.Error(u.logger).Log("msg", "failed to read from udp", "err", err)
			time.Sleep(delay)

			delay *= 2
			if delay > maxDelay {
				delay = maxDelay
			}

			continue
		}

		delay = initialDelay

		u.dispatch(membership.Address(addr.String()), buf[:n])

		u.pool.Put(buf) //nolint:staticcheck
	}
}

func (u *UDPUnicast) dispatch(from membership.Address, frame []byte) {
	if len(frame) < 1 {
		level.Warn(u.logger).Log("msg", "received empty datagram", "from", from)
		return
	}

	topicLen := int(frame[0])
	if len(frame) < 1+topicLen {
		level.Warn(u.logger).Log("msg", "received malformed datagram", "from", from)
		return
	}

	topic := string(frame[1 : 1+topicLen])

	u.mut.RLock()
	listener, ok := u.listeners[topic]
	u.mut.RUnlock()

	if !ok {
		level.Debug(u.logger).Log("msg", "no listener for topic", "topic", topic)
		return
	}

	// The read buffer is pooled; the listener gets its own copy.
	payload := make([]byte, len(frame)-1-topicLen)
	copy(payload, frame[1+topicLen:])

	listener(from, payload)
}

func (u *UDPUnicast) AddListener(topic string, listener func(membership.Address, []byte)) {
	u.mut.Lock()
	defer u.mut.Unlock()

	u.listeners[topic] = listener
}

func (u *UDPUnicast) RemoveListener(topic string) {
	u.mut.Lock()
	defer u.mut.Unlock()

	delete(u.listeners, topic)
}

func (u *UDPUnicast) Unicast(to membership.Address, topic string, payload []byte) error {
	if atomic.LoadInt32(&u.closed) == 1 {
		return ErrClosed
	}

	if len(topic) > 255 || 1+len(topic)+len(payload) > maxDatagramSize {
		return ErrMaxSizeExceeded
	}

	addr, err := net.ResolveUDPAddr("udp", string(to))
	if err != nil {
		return fmt.Errorf("resolve %s: %w", to, err)
	}

	frame := make([]byte, 0, 1+len(topic)+len(payload))
	frame = append(frame, byte(len(topic)))
	frame = append(frame, topic...)
	frame = append(frame, payload...)

	if _, err := u.conn.WriteToUDP(frame, addr); err != nil {
		if atomic.LoadInt32(&u.closed) == 1 {
			return ErrClosed
		}

		return fmt.Errorf("write to udp socket: %w", err)
	}

	return nil
}

func (u *UDPUnicast) Close() error {
	atomic.StoreInt32(&u.closed, 1)

	if err := u.conn.Close(); err != nil {
		return err
	}

	u.wg.Wait()

	return nil
}
