package request

import (
	"errors"
	"testing"
	"time"

	"github.com/palefire/troupnode/message"
)

type fakeSender struct {
	onSend func(name, url string, data []byte) error
}

func (f *fakeSender) Send(name, url string, data []byte) error {
	if f.onSend != nil {
		return f.onSend(name, url, data)
	}
	return nil
}

func TestSendResolvesOnMatchingReply(t *testing.T) {
	sender := &fakeSender{}
	tr := New(sender, time.Minute)

	msg := message.New()
	var onReplyCalled bool
	p := tr.Send(msg, "peer", "", func(reply *message.Message) { onReplyCalled = true })

	if tr.Pending() != 1 {
		t.Fatalf("expected 1 pending request, got %d", tr.Pending())
	}

	reply := message.Reply(msg.ID, "pong", "")
	if !tr.Resolve(reply) {
		t.Fatal("expected Resolve to find the pending request")
	}
	if !onReplyCalled {
		t.Fatal("expected the onReply callback to fire")
	}

	result, err := p.Result()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "pong" {
		t.Fatalf("expected the promise to resolve with data.reply, got %v", result)
	}
	if tr.Pending() != 0 {
		t.Fatalf("expected 0 pending after resolve, got %d", tr.Pending())
	}
}

func TestSendFailsPromiseWhenReplyCarriesError(t *testing.T) {
	sender := &fakeSender{}
	tr := New(sender, time.Minute)

	msg := message.New()
	p := tr.Send(msg, "peer", "", nil)

	reply := message.Reply(msg.ID, nil, "app not found")
	if !tr.Resolve(reply) {
		t.Fatal("expected Resolve to find the pending request")
	}

	result, err := p.Result()
	if err == nil {
		t.Fatalf("expected data.error to fail the promise, got result %v", result)
	}
	if err.Error() != "app not found" {
		t.Fatalf("expected the error message from data.error, got %q", err.Error())
	}
}

func TestSendFailsPromiseWhenSenderErrors(t *testing.T) {
	boom := errors.New("unreachable")
	sender := &fakeSender{onSend: func(name, url string, data []byte) error { return boom }}
	tr := New(sender, time.Minute)

	p := tr.Send(message.New(), "peer", "", nil)
	_, err := p.Result()
	if err != boom {
		t.Fatalf("expected boom, got %v", err)
	}
	if tr.Pending() != 0 {
		t.Fatalf("expected the failed send to be removed from pending, got %d", tr.Pending())
	}
}

func TestResolveUnknownReplyForReturnsFalse(t *testing.T) {
	tr := New(&fakeSender{}, time.Minute)
	reply := message.NewBuilder().Header(message.HeaderReplyFor, "never-sent").Build()
	if tr.Resolve(reply) {
		t.Fatal("expected Resolve to fail for an unknown id")
	}
}

func TestResolveWithoutReplyForHeaderReturnsFalse(t *testing.T) {
	tr := New(&fakeSender{}, time.Minute)
	if tr.Resolve(message.New()) {
		t.Fatal("expected Resolve to fail without a reply-for header")
	}
}

func TestSweepTimesOutExpiredRequests(t *testing.T) {
	sender := &fakeSender{}
	tr := New(sender, time.Millisecond)

	p := tr.Send(message.New(), "peer", "", nil)
	time.Sleep(5 * time.Millisecond)
	tr.sweep()

	_, err := p.Result()
	if err == nil {
		t.Fatal("expected a timeout error")
	}
	if tr.Pending() != 0 {
		t.Fatalf("expected the expired request to be removed, got %d pending", tr.Pending())
	}
}

func TestSweepLeavesUnexpiredRequestsPending(t *testing.T) {
	tr := New(&fakeSender{}, time.Hour)
	tr.Send(message.New(), "peer", "", nil)
	tr.sweep()
	if tr.Pending() != 1 {
		t.Fatalf("expected the request to survive a sweep before its deadline, got %d", tr.Pending())
	}
}

func TestFailAllResolvesEveryPendingRequest(t *testing.T) {
	tr := New(&fakeSender{}, time.Minute)
	p1 := tr.Send(message.New(), "peer1", "", nil)
	p2 := tr.Send(message.New(), "peer2", "", nil)

	boom := errors.New("shutting down")
	tr.FailAll(boom)

	if _, err := p1.Result(); err != boom {
		t.Fatalf("expected p1 to fail with boom, got %v", err)
	}
	if _, err := p2.Result(); err != boom {
		t.Fatalf("expected p2 to fail with boom, got %v", err)
	}
	if tr.Pending() != 0 {
		t.Fatalf("expected no pending requests after FailAll, got %d", tr.Pending())
	}
}

func TestSendToAllWithNoTargetsResolvesImmediately(t *testing.T) {
	tr := New(&fakeSender{}, time.Minute)
	p := tr.SendToAll(message.New(), nil)
	result, err := p.Result()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.(map[string]interface{})) != 0 {
		t.Fatal("expected an empty result map")
	}
}

func TestSendToAllAggregatesSuccessAndFailure(t *testing.T) {
	var tr *Tracker
	sender := &fakeSender{onSend: func(name, url string, data []byte) error {
		if name == "bad" {
			return errors.New("unreachable")
		}
		msg, err := message.Deserialize(data)
		if err != nil {
			t.Fatalf("deserialize: %v", err)
		}
		reply := message.Reply(msg.ID, "ack", "")
		tr.Resolve(reply)
		return nil
	}}
	tr = New(sender, time.Minute)

	p := tr.SendToAll(message.New(), map[string]string{"good": "", "bad": ""})
	result, err := p.Result()
	if err == nil {
		t.Fatal("expected an aggregate error from the bad target")
	}
	m := result.(map[string]interface{})
	if got, ok := m["good"]; !ok || got != "ack" {
		t.Fatalf("expected good target to succeed with data.reply, got %v", m)
	}
	if _, ok := m["bad"]; ok {
		t.Fatal("expected bad target to be absent from successful results")
	}
}
