// Package request implements RequestTracker: correlating outbound
// messages with their eventual reply by message id, with a periodic
// timeout sweep, grounded on troup/client.py's CallbackWrapper/
// ChannelClient and on overseer/client.go's pending-request map idiom
// (there expressed over sync.Map + channels, here over Promise).
package request

import (
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/palefire/troupnode/clock"
	"github.com/palefire/troupnode/message"
	"github.com/palefire/troupnode/promise"
)

// Sender is the narrow outbound capability RequestTracker needs:
// deliver raw wire bytes to a named or URL-addressed peer. ChannelManager
// satisfies this.
type Sender interface {
	Send(name, url string, data []byte) error
}

// CallbackWrapper tracks one outstanding request: its completion
// Promise, the instant it expires, and an optional side-channel
// callback invoked as replies stream in (spec.md §4.4).
type CallbackWrapper struct {
	ID       string
	Promise  *promise.Promise
	Deadline time.Time
	OnReply  func(reply *message.Message)
}

// Tracker correlates sent messages with their replies and times out
// requests that never get one.
type Tracker struct {
	sender  Sender
	timeout time.Duration

	mu      sync.Mutex
	pending map[string]*CallbackWrapper

	sweeper *clock.IntervalTimer
}

// New builds a Tracker that sends through sender and times out requests
// that receive no reply within timeout. The returned Tracker's sweep
// timer is not started; call Start to begin sweeping expired entries
// every checkInterval.
func New(sender Sender, timeout time.Duration) *Tracker {
	return &Tracker{
		sender:  sender,
		timeout: timeout,
		pending: make(map[string]*CallbackWrapper),
	}
}

// Start begins the periodic timeout sweep, grounded on IntervalTimer's
// re-arm-before-run semantics, so sweeps start every checkInterval
// regardless of how long each one takes.
func (t *Tracker) Start(c clock.Clock, checkInterval time.Duration) {
	if t.sweeper != nil {
		return
	}
	t.sweeper = clock.New(c, checkInterval, 0, t.sweep)
	t.sweeper.Start()
}

// Stop halts the timeout sweep. Any still-pending requests are left
// pending; callers that want them failed should call FailAll first.
func (t *Tracker) Stop() {
	if t.sweeper != nil {
		t.sweeper.Cancel()
	}
}

func (t *Tracker) sweep() {
	now := time.Now()
	var expired []*CallbackWrapper
	t.mu.Lock()
	for id, cw := range t.pending {
		if now.After(cw.Deadline) {
			expired = append(expired, cw)
			delete(t.pending, id)
		}
	}
	t.mu.Unlock()

	for _, cw := range expired {
		cw.Promise.Complete(nil, &promise.DistributedException{
			Message: fmt.Sprintf("request %s timed out", cw.ID),
		})
	}
}

// Send dispatches msg to a single target (by channel name or remote
// URL) and returns a Promise that resolves with the correlated reply,
// or with a timeout/send error. onReply, if non-nil, additionally fires
// for the reply before the Promise resolves.
func (t *Tracker) Send(msg *message.Message, name, url string, onReply func(*message.Message)) *promise.Promise {
	p := promise.New()
	cw := &CallbackWrapper{
		ID:       msg.ID,
		Promise:  p,
		Deadline: time.Now().Add(t.timeout),
		OnReply:  onReply,
	}

	t.mu.Lock()
	t.pending[msg.ID] = cw
	t.mu.Unlock()

	raw, err := message.Serialize(msg)
	if err != nil {
		t.removeAndFail(msg.ID, err)
		return p
	}
	if err := t.sender.Send(name, url, raw); err != nil {
		t.removeAndFail(msg.ID, err)
		return p
	}
	return p
}

// SendToAll dispatches msg to every (name, url) target and returns a
// single Promise that resolves once every target has either replied or
// failed/timed out. On any individual failure the aggregate error is a
// *multierror.Error collecting every target's failure; a fully
// successful fan-out resolves with a map[string]interface{} of each
// target's unwrapped data.reply value, keyed by target name.
func (t *Tracker) SendToAll(msg *message.Message, targets map[string]string) *promise.Promise {
	agg := promise.New()
	if len(targets) == 0 {
		agg.Complete(map[string]interface{}{}, nil)
		return agg
	}

	results := make(map[string]interface{}, len(targets))
	var errs *multierror.Error
	var mu sync.Mutex
	remaining := len(targets)

	finish := func(name string, reply interface{}, err error) {
		mu.Lock()
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", name, err))
		} else {
			results[name] = reply
		}
		remaining--
		done := remaining == 0
		mu.Unlock()
		if done {
			if errs != nil {
				agg.Complete(results, errs.ErrorOrNil())
			} else {
				agg.Complete(results, nil)
			}
		}
	}

	for name, url := range targets {
		name, url := name, url
		perTarget := message.NewBuilder().Data(msg.Data).Build()
		for k, v := range msg.Headers {
			perTarget.Headers[k] = v
		}
		p := t.Send(perTarget, name, url, nil)
		go func() {
			reply, err := p.Result()
			finish(name, reply, err)
		}()
	}
	return agg
}

func (t *Tracker) removeAndFail(id string, err error) {
	t.mu.Lock()
	cw, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
	}
	t.mu.Unlock()
	if ok {
		cw.Promise.Complete(nil, err)
	}
}

// Resolve delivers an inbound reply to the request it correlates with,
// keyed by the reply's "reply-for" header. The promise completes with
// the reply's data.reply value, or fails with data.error if that value
// is non-nil and non-empty, matching troup/client.py's __process_reply. Returns false if
// no matching pending request exists (already timed out, or a
// stray/duplicate reply).
func (t *Tracker) Resolve(reply *message.Message) bool {
	id := reply.Headers.Get(message.HeaderReplyFor)
	if id == "" {
		return false
	}
	t.mu.Lock()
	cw, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
	}
	t.mu.Unlock()
	if !ok {
		return false
	}
	if cw.OnReply != nil {
		cw.OnReply(reply)
	}
	result, err := unwrapReply(reply)
	cw.Promise.Complete(result, err)
	return true
}

// unwrapReply extracts data.reply/data.error from a reply message, per
// spec.md §4.3. A truthy data.error fails the promise; otherwise
// data.reply is the result.
func unwrapReply(reply *message.Message) (interface{}, error) {
	data, ok := reply.Data.(map[string]interface{})
	if !ok {
		return reply, nil
	}
	if errVal, present := data["error"]; present && errVal != nil && errVal != "" {
		msg := fmt.Sprintf("%v", errVal)
		return nil, &promise.DistributedException{Message: msg, Data: errVal}
	}
	return data["reply"], nil
}

// FailAll resolves every pending request with err, e.g. when the node
// is shutting down.
func (t *Tracker) FailAll(err error) {
	t.mu.Lock()
	all := make([]*CallbackWrapper, 0, len(t.pending))
	for id, cw := range t.pending {
		all = append(all, cw)
		delete(t.pending, id)
	}
	t.mu.Unlock()
	for _, cw := range all {
		cw.Promise.Complete(nil, err)
	}
}

// Pending returns the number of outstanding requests.
func (t *Tracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}
