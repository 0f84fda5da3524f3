package membership

// ReplyFunc completes a request/response exchange. Implementations must
// tolerate exactly one call.
type ReplyFunc func(payload []byte, err error)

// MessagingService is the request/response transport the protocol probes
// through. Handlers are asynchronous: they receive a reply callback and may
// complete it from any goroutine.
type MessagingService interface {
	// RegisterHandler installs the handler for a topic, replacing any
	// previous one.
	RegisterHandler(topic string, handler func(from Address, payload []byte, reply ReplyFunc))

	// UnregisterHandler removes the handler for a topic.
	UnregisterHandler(topic string)

	// SendReceive sends a request and invokes reply with the response. The
	// reply callback may be invoked from a transport goroutine.
	SendReceive(to Address, topic string, payload []byte, reply ReplyFunc)
}

// UnicastService is the fire-and-forget datagram transport used for gossip.
type UnicastService interface {
	// AddListener installs the listener for a topic, replacing any
	// previous one. The listener may be invoked from a transport goroutine.
	AddListener(topic string, listener func(from Address, payload []byte))

	// RemoveListener removes the listener for a topic.
	RemoveListener(topic string)

	// Unicast sends a datagram to the given address. Delivery is best
	// effort.
	Unicast(to Address, topic string, payload []byte) error
}

// Bootstrap bundles the transports handed to Join.
type Bootstrap struct {
	Messaging MessagingService
	Unicast   UnicastService
}
