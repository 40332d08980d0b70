package node

import (
	"context"
	"sync"
	"testing"

	"github.com/palefire/troupnode/catalog"
	"github.com/palefire/troupnode/channel"
	"github.com/palefire/troupnode/config"
	"github.com/palefire/troupnode/gossip"
	"github.com/palefire/troupnode/message"
	"github.com/palefire/troupnode/model"
	"github.com/palefire/troupnode/stats"
	"github.com/palefire/troupnode/tasks"
)

type fakeTransport struct {
	mu   sync.Mutex
	sent [][]byte
}

func (f *fakeTransport) Connect() error { return nil }

func (f *fakeTransport) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, data)
	return nil
}

func (f *fakeTransport) Listen(onData func([]byte), onClose func(int, string)) {}
func (f *fakeTransport) Disconnect() error                                     { return nil }

func (f *fakeTransport) lastSent() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return nil
	}
	return f.sent[len(f.sent)-1]
}

type fakeStatsSource struct{ snap model.Snapshot }

func (f fakeStatsSource) Snapshot() model.Snapshot { return f.snap }

var _ stats.Source = fakeStatsSource{}

func newTestNode(t *testing.T) *Node {
	t.Helper()
	n, err := New("self", config.Data{Host: "127.0.0.1", Port: 17999, MaxWorkers: 2, ReplyTimeout: 0})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	n.catalog = catalog.NewMemory()
	n.runner = tasks.NewRunner(tasks.Options{MaxWorkers: 2})
	n.gossip = gossip.New(n.Name, n.Info, n.channels, gossip.Options{})
	return n
}

func TestParseNeighbourValid(t *testing.T) {
	name, endpoint, err := parseNeighbour("peer:host:7000")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if name != "peer" || endpoint != "ws://host:7000/ws" {
		t.Fatalf("unexpected parse result: %q %q", name, endpoint)
	}
}

func TestParseNeighbourMalformed(t *testing.T) {
	for _, bad := range []string{"noseparator", ":nohost", "name:"} {
		if _, _, err := parseNeighbour(bad); err == nil {
			t.Fatalf("expected %q to fail to parse", bad)
		}
	}
}

func TestHandleInfoReflectsCatalogAndStats(t *testing.T) {
	n := newTestNode(t)
	n.statsSrc = fakeStatsSource{snap: model.Snapshot{Stats: model.SystemStats{CPU: model.CPUStats{Bogomips: 500}}}}
	n.catalog.Add(context.Background(), model.AppDescriptor{Name: "web", Command: "nginx"})

	result, err := n.handleInfo(context.Background(), message.New())
	if err != nil {
		t.Fatalf("handleInfo: %v", err)
	}
	info := result.(model.NodeInfo)
	if info.Name != "self" {
		t.Fatalf("expected name self, got %q", info.Name)
	}
	if len(info.Apps) != 1 || info.Apps[0].Name != "web" {
		t.Fatalf("expected the catalog app to be reflected, got %+v", info.Apps)
	}
	if info.Stats.CPU.Bogomips != 500 {
		t.Fatalf("expected live stats, got %+v", info.Stats)
	}
}

func TestHandleAppsMergesSelfAndPeers(t *testing.T) {
	n := newTestNode(t)
	n.catalog.Add(context.Background(), model.AppDescriptor{Name: "web", Command: "nginx"})
	n.gossip.RegisterNode(model.NodeInfo{
		Name: "peer-a", Endpoint: "ws://peer-a/ws",
		Apps: []model.AppDescriptor{{Name: "db", Command: "postgres"}},
	})

	result, err := n.handleApps(context.Background(), message.New())
	if err != nil {
		t.Fatalf("handleApps: %v", err)
	}
	entries := result.([]model.CatalogEntry)
	if len(entries) != 2 {
		t.Fatalf("expected 2 merged entries, got %d: %+v", len(entries), entries)
	}
	byName := make(map[string]model.CatalogEntry, len(entries))
	for _, e := range entries {
		byName[e.AppDescriptor.Name] = e
	}
	if byName["web"].Nodes[0] != "self" {
		t.Fatalf("expected web to be attributed to self, got %+v", byName["web"])
	}
	if byName["db"].Nodes[0] != "peer-a" {
		t.Fatalf("expected db to be attributed to peer-a, got %+v", byName["db"])
	}
}

func TestHandleTaskResultStates(t *testing.T) {
	n := newTestNode(t)

	if _, err := n.handleTaskResult(context.Background(), message.NewBuilder().Value("task-id", "missing").Build()); err == nil {
		t.Fatal("expected an error for an unknown task id")
	}

	blockTask := &blockingTask{id: "running", release: make(chan struct{})}
	if _, err := n.runner.Run(context.Background(), blockTask); err != nil {
		t.Fatalf("run: %v", err)
	}
	if _, err := n.handleTaskResult(context.Background(), message.NewBuilder().Value("task-id", "running").Build()); err == nil {
		t.Fatal("expected an error for a still-running task")
	}
	close(blockTask.release)

	doneTask := &blockingTask{id: "done", release: make(chan struct{})}
	close(doneTask.release)
	run, err := n.runner.Run(context.Background(), doneTask)
	if err != nil {
		t.Fatalf("run done task: %v", err)
	}
	<-run.Done()
	result, err := n.handleTaskResult(context.Background(), message.NewBuilder().Value("task-id", "done").Build())
	if err != nil {
		t.Fatalf("handleTaskResult: %v", err)
	}
	if result != "ok" {
		t.Fatalf("expected ok, got %v", result)
	}
}

type blockingTask struct {
	id      string
	release chan struct{}
}

func (b *blockingTask) ID() string { return b.id }
func (b *blockingTask) Run(ctx context.Context) (interface{}, error) {
	<-b.release
	return "ok", nil
}

func TestOnCommandRepliesOverTheChannel(t *testing.T) {
	n := newTestNode(t)
	n.RegisterCommand("ping", func(ctx context.Context, msg *message.Message) (interface{}, error) {
		return "pong", nil
	})

	tr := &fakeTransport{}
	ch := channel.New("test", "ws://peer", tr)
	if err := ch.Open(); err != nil {
		t.Fatalf("open: %v", err)
	}

	req := message.NewBuilder().ID("req-1").Header(message.HeaderType, message.TypeCommand).Header(message.HeaderCommand, "ping").Build()
	n.onCommand(req, ch)

	raw := tr.lastSent()
	if raw == nil {
		t.Fatal("expected a reply to be sent over the channel")
	}
	reply, err := message.Deserialize(raw)
	if err != nil {
		t.Fatalf("deserialize reply: %v", err)
	}
	if reply.Headers.Get(message.HeaderReplyFor) != "req-1" {
		t.Fatalf("expected reply-for=req-1, got %q", reply.Headers.Get(message.HeaderReplyFor))
	}
	data := reply.Data.(map[string]interface{})
	if data["reply"] != "pong" {
		t.Fatalf("expected reply=pong, got %v", data["reply"])
	}
}

func TestOnCommandRepliesWithErrorForUnknownCommand(t *testing.T) {
	n := newTestNode(t)
	tr := &fakeTransport{}
	ch := channel.New("test", "ws://peer", tr)
	if err := ch.Open(); err != nil {
		t.Fatalf("open: %v", err)
	}

	req := message.NewBuilder().ID("req-2").Header(message.HeaderType, message.TypeCommand).Header(message.HeaderCommand, "no-such-command").Build()
	n.onCommand(req, ch)

	reply, err := message.Deserialize(tr.lastSent())
	if err != nil {
		t.Fatalf("deserialize reply: %v", err)
	}
	data := reply.Data.(map[string]interface{})
	if data["error"] == nil {
		t.Fatal("expected an error for an unknown command")
	}
}

func TestOnChannelDataRoutesByHeaderType(t *testing.T) {
	n := newTestNode(t)
	var gotTopic string
	n.bus.On("custom-type", func(events ...interface{}) { gotTopic = "custom-type" }, nil)

	msg := message.NewBuilder().Header(message.HeaderType, "custom-type").Build()
	raw, err := message.Serialize(msg)
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}

	tr := &fakeTransport{}
	ch := channel.New("test", "ws://peer", tr)
	ch.Open()

	n.onChannelData(raw, ch)
	if gotTopic != "custom-type" {
		t.Fatal("expected onChannelData to republish on the header's type topic")
	}
}

func TestOnReplyResolvesPendingRequest(t *testing.T) {
	n := newTestNode(t)
	sent := message.New()
	p := n.requests.Send(sent, "peer", "", nil)

	reply := message.NewBuilder().Header(message.HeaderReplyFor, sent.ID).Build()
	n.onReply(reply)

	result, err := p.Result()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.(*message.Message).ID != reply.ID {
		t.Fatal("expected the promise to resolve with the reply")
	}
}

func TestHostFromEndpointExtractsHostname(t *testing.T) {
	host, err := hostFromEndpoint("ws://10.0.0.5:7000/ws")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if host != "10.0.0.5" {
		t.Fatalf("expected 10.0.0.5, got %q", host)
	}
}

func TestSSHOptionsForPeerRequiresSSHUser(t *testing.T) {
	peer := model.NodeInfo{Name: "peer-a", Endpoint: "ws://host:7000/ws"}
	if _, err := sshOptionsForPeer(peer); err == nil {
		t.Fatal("expected an error when extra.ssh.user is missing")
	}
}

func TestSSHOptionsForPeerUsesExtraSSHUser(t *testing.T) {
	peer := model.NodeInfo{
		Name:     "peer-a",
		Endpoint: "ws://host:7000/ws",
		Extra:    map[string]interface{}{"ssh": map[string]interface{}{"user": "alice"}},
	}
	opts, err := sshOptionsForPeer(peer)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if opts.TargetHost != "host" || opts.User != "alice" {
		t.Fatalf("unexpected opts: %+v", opts)
	}
}

func TestCandidatesForFindsSelfAndPeerDeclaredApps(t *testing.T) {
	n := newTestNode(t)
	n.catalog.Add(context.Background(), model.AppDescriptor{Name: "web", Command: "nginx", Needs: model.Needs{CPU: 1}})
	n.gossip.RegisterNode(model.NodeInfo{
		Name: "peer-a", Endpoint: "ws://peer-a/ws",
		Apps: []model.AppDescriptor{{Name: "web", Command: "nginx", Needs: model.Needs{CPU: 1}}},
	})

	candidates, descriptor, err := n.candidatesFor(context.Background(), "web")
	if err != nil {
		t.Fatalf("candidatesFor: %v", err)
	}
	if descriptor.Command != "nginx" {
		t.Fatalf("unexpected descriptor: %+v", descriptor)
	}
	if len(candidates) != 2 {
		t.Fatalf("expected 2 candidates (self + peer-a), got %d", len(candidates))
	}
}

func TestCandidatesForUnknownAppFails(t *testing.T) {
	n := newTestNode(t)
	if _, _, err := n.candidatesFor(context.Background(), "nope"); err == nil {
		t.Fatal("expected an error for an app nobody declares")
	}
}
