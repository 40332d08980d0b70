// Package channel implements the bidirectional, message-framed byte pipe
// between two nodes, with its lifecycle state machine and early-send
// buffering, grounded on troup/infrastructure.py's Channel /
// OutgoingChannelOverWS / IncommingChannel.
package channel

import (
	"errors"
	"fmt"
	"log"
	"sync"
)

// Status is a Channel's lifecycle state (spec.md §3).
type Status string

const (
	Created    Status = "CREATED"
	Connecting Status = "CONNECTING"
	Open       Status = "OPEN"
	Closing    Status = "CLOSING"
	Closed     Status = "CLOSED"
	Error      Status = "ERROR"
)

// ChannelError is the error kind raised by Channel operations.
type ChannelError struct {
	Op  string
	Err error
}

func (e *ChannelError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("channel: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("channel: %s", e.Op)
}

func (e *ChannelError) Unwrap() error { return e.Err }

// ChannelClosed is the ChannelError subtype raised for connect/send
// failures caused by the transport being reset, refused, or already gone.
type ChannelClosed struct{ *ChannelError }

func newClosed(op string, err error) error {
	return &ChannelClosed{&ChannelError{Op: op, Err: err}}
}

// EarlyStrategy controls what happens to sends issued before a channel
// reaches Open.
type EarlyStrategy string

const (
	EarlyQueue  EarlyStrategy = "queue"
	EarlyReject EarlyStrategy = "reject"
	EarlyDrop   EarlyStrategy = "drop"
)

const DefaultEarlyQueueCap = 1000

// Listener receives inbound frames delivered by a Channel. A free
// function adaptor (ListenerFunc) lifts a plain closure to this
// interface — the static analogue of the source's dynamic "callable or
// object with on_data" duck typing (spec.md §9).
type Listener interface {
	OnData(data []byte)
}

// ListenerFunc adapts a func([]byte) to the Listener interface.
type ListenerFunc func(data []byte)

func (f ListenerFunc) OnData(data []byte) { f(data) }

// Transport is the narrow byte-pipe interface a Channel drives. The core
// depends only on this interface, never on a concrete websocket library
// (spec.md §9's "preserve the three-hook contract" guidance).
type Transport interface {
	// Connect establishes the underlying connection. For a channel built
	// from an already-accepted inbound connection this is a no-op.
	Connect() error
	// Send writes one frame. Must only be called after Listen has been
	// started (for inbound transports Listen is started before Connect
	// returns).
	Send(data []byte) error
	// Listen starts the read loop exactly once. onData is invoked for
	// each inbound frame, in order; onClose fires exactly once when the
	// transport ends for any reason (local close, remote close, or a
	// read error).
	Listen(onData func([]byte), onClose func(code int, reason string))
	// Disconnect initiates a local close and blocks until the remote
	// peer's close is observed (or the transport reports its own close).
	Disconnect() error
}

// Channel is a single bidirectional pipe to one peer.
type Channel struct {
	Name      string
	RemoteURL string

	earlyStrategy EarlyStrategy
	earlyQueueCap int

	transport Transport
	log       *log.Logger

	mu         sync.Mutex
	status     Status
	earlyQueue [][]byte
	listeners  []Listener
	eventCbs   map[string][]func(args ...interface{})
	closeOnce  sync.Once
	closeWait  chan struct{}

	// sendMu serializes every transport.Send call (both the post-open
	// flush and any Send issued once status is OPEN) so that a send
	// racing in right as Open() flips the status can never reach the
	// transport before the flush loop has pushed every queued frame.
	sendMu sync.Mutex
}

// Option configures a Channel at construction.
type Option func(*Channel)

func WithEarlyStrategy(s EarlyStrategy, queueCap int) Option {
	return func(c *Channel) {
		c.earlyStrategy = s
		if queueCap > 0 {
			c.earlyQueueCap = queueCap
		}
	}
}

func WithLogger(l *log.Logger) Option {
	return func(c *Channel) { c.log = l }
}

// New constructs a Channel in CREATED state over transport. Call Open to
// transition it to OPEN (or to ERROR on failure).
func New(name, remoteURL string, transport Transport, opts ...Option) *Channel {
	c := &Channel{
		Name:          name,
		RemoteURL:     remoteURL,
		transport:     transport,
		earlyStrategy: EarlyQueue,
		earlyQueueCap: DefaultEarlyQueueCap,
		status:        Created,
		eventCbs:      make(map[string][]func(args ...interface{})),
		closeWait:     make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	if c.log == nil {
		c.log = log.New(log.Writer(), "channel: ", log.LstdFlags)
	}
	return c
}

// Status returns the current lifecycle state.
func (c *Channel) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// RegisterListener attaches an inbound-frame listener. May be called at
// any time; listeners are invoked sequentially and in order for each
// frame, and one panicking/erroring listener does not block delivery to
// the others.
func (c *Channel) RegisterListener(l Listener) {
	c.mu.Lock()
	c.listeners = append(c.listeners, l)
	c.mu.Unlock()
}

// On subscribes to a named lifecycle event ("open", "closed"). Closed
// channels still deliver "closed" to late subscribers is NOT guaranteed
// (the event is edge-triggered, delivered exactly once at the moment of
// transition) — subscribe before Open/Close races you care about.
func (c *Channel) On(event string, cb func(args ...interface{})) {
	c.mu.Lock()
	c.eventCbs[event] = append(c.eventCbs[event], cb)
	c.mu.Unlock()
}

func (c *Channel) trigger(event string, args ...interface{}) {
	c.mu.Lock()
	cbs := append([]func(args ...interface{}){}, c.eventCbs[event]...)
	c.mu.Unlock()
	for _, cb := range cbs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.log.Printf("[%s] event %q handler panicked: %v", c.Name, event, r)
				}
			}()
			cb(args...)
		}()
	}
}

// Open transitions CREATED -> CONNECTING -> OPEN. Legal only from
// CREATED. Any transport failure maps to ERROR and is re-raised as
// ChannelClosed.
func (c *Channel) Open() error {
	c.mu.Lock()
	if c.status != Created {
		c.mu.Unlock()
		return &ChannelError{Op: "open", Err: errors.New("invalid status " + string(c.status))}
	}
	c.status = Connecting
	c.mu.Unlock()

	c.transport.Listen(c.dataReceived, c.transportClosed)

	if err := c.transport.Connect(); err != nil {
		c.mu.Lock()
		c.status = Error
		c.mu.Unlock()
		return newClosed("open", err)
	}

	// sendMu is acquired before status flips to OPEN and held across the
	// whole flush, so a concurrent Send that observes OPEN blocks on
	// sendMu until every queued frame has reached the transport.
	c.sendMu.Lock()
	c.mu.Lock()
	c.status = Open
	queued := c.earlyQueue
	c.earlyQueue = nil
	c.mu.Unlock()

	for _, data := range queued {
		if err := c.transport.Send(data); err != nil {
			c.sendMu.Unlock()
			c.mu.Lock()
			c.status = Error
			c.mu.Unlock()
			return newClosed("flush", err)
		}
	}
	c.sendMu.Unlock()

	c.trigger("open", c)
	return nil
}

// Close transitions OPEN -> CLOSING -> CLOSED. Legal only from OPEN. For
// a channel built over an inbound transport this blocks until the
// remote peer's close is observed.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.status != Open {
		c.mu.Unlock()
		return &ChannelError{Op: "close", Err: errors.New("invalid status " + string(c.status))}
	}
	c.status = Closing
	c.mu.Unlock()

	err := c.transport.Disconnect()

	c.mu.Lock()
	if err != nil {
		c.status = Error
		c.mu.Unlock()
		return &ChannelError{Op: "close", Err: err}
	}
	c.mu.Unlock()

	<-c.closeWait
	return nil
}

// Send transmits data. In OPEN it forwards immediately to the transport.
// In CREATED/CONNECTING it is buffered (or rejected, or dropped) per
// earlyStrategy. Any other status rejects with ChannelClosed.
func (c *Channel) Send(data []byte) error {
	c.mu.Lock()
	switch c.status {
	case Open:
		c.mu.Unlock()
		c.sendMu.Lock()
		defer c.sendMu.Unlock()
		if err := c.transport.Send(data); err != nil {
			return newClosed("send", err)
		}
		return nil
	case Created, Connecting:
		defer c.mu.Unlock()
		return c.enqueueEarlyLocked(data)
	default:
		c.mu.Unlock()
		return newClosed("send", fmt.Errorf("invalid status %s", c.status))
	}
}

// enqueueEarlyLocked must be called with c.mu held.
func (c *Channel) enqueueEarlyLocked(data []byte) error {
	switch c.earlyStrategy {
	case EarlyReject:
		return &ChannelError{Op: "send", Err: errors.New("early message rejected")}
	case EarlyDrop:
		if len(c.earlyQueue) >= c.earlyQueueCap {
			return nil // dropped silently, by design of the drop strategy
		}
		c.earlyQueue = append(c.earlyQueue, data)
		return nil
	default: // EarlyQueue
		if len(c.earlyQueue) >= c.earlyQueueCap {
			return &ChannelError{Op: "send", Err: errors.New("early queue full")}
		}
		c.earlyQueue = append(c.earlyQueue, data)
		return nil
	}
}

func (c *Channel) dataReceived(data []byte) {
	c.mu.Lock()
	status := c.status
	listeners := append([]Listener{}, c.listeners...)
	c.mu.Unlock()
	if status == Closed {
		return // data_received never runs after closed is delivered
	}
	for _, l := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.log.Printf("[%s] listener panicked: %v", c.Name, r)
				}
			}()
			l.OnData(data)
		}()
	}
}

func (c *Channel) transportClosed(code int, reason string) {
	c.mu.Lock()
	alreadyClosed := c.status == Closed
	c.status = Closed
	c.mu.Unlock()
	c.closeOnce.Do(func() { close(c.closeWait) })
	if alreadyClosed {
		return
	}
	c.trigger("closed", c, code, reason)
}
