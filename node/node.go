// Package node wires every component — channels, the message bus, request
// tracking, task execution, gossip membership and the app catalog — into a
// single running cluster member, grounded on troup/node.py's Node (start/
// stop lifecycle, get_node_info, the bus.subscribe('task') dispatch idiom)
// and on the teacher's router.go for how a flat handler-table services one
// transport.
package node

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/palefire/troupnode/bus"
	"github.com/palefire/troupnode/catalog"
	"github.com/palefire/troupnode/channel"
	"github.com/palefire/troupnode/channelmanager"
	"github.com/palefire/troupnode/clock"
	"github.com/palefire/troupnode/config"
	"github.com/palefire/troupnode/gossip"
	"github.com/palefire/troupnode/lockfile"
	"github.com/palefire/troupnode/message"
	"github.com/palefire/troupnode/model"
	"github.com/palefire/troupnode/process"
	"github.com/palefire/troupnode/ranking"
	"github.com/palefire/troupnode/request"
	"github.com/palefire/troupnode/stats"
	"github.com/palefire/troupnode/tasks"
)

// Topics Node dispatches inbound messages to on its own bus, keyed by
// headers.type, mirroring troup/node.py's bus.subscribe('task') and
// spec.md §4's "publish on topic headers.type with (msg, channel)".
const (
	topicCommand = message.TypeCommand
	topicTask    = message.TypeTask
	topicReply   = message.TypeReply
)

const defaultBufferLines = 200

// commandHandler services one named command; it returns the reply payload
// or an error, never a raw Go panic — Node.onCommand converts either
// into a {reply, error} message.Reply, so a handler never has to think
// about the wire shape.
type commandHandler func(ctx context.Context, msg *message.Message) (interface{}, error)

// Node is one cluster member: it owns a channel manager (and the HTTP
// server fronting it), the in-process dispatch bus, outbound request
// correlation, local task execution, gossip membership, and the catalog of
// apps this node can run.
type Node struct {
	Name     string
	Endpoint string

	cfg config.Data
	clk clock.Clock

	channels *channelmanager.Manager
	bus      *bus.Bus
	requests *request.Tracker
	runner   *tasks.Runner
	gossip   *gossip.Manager
	statsSrc stats.Source
	catalog  catalog.Catalog
	launcher process.Launcher

	lock *lockfile.File

	httpServer *http.Server

	mu       sync.RWMutex
	commands map[string]commandHandler

	log *log.Logger
}

// New wires a Node from cfg. It does not start anything — call Start to
// bind the listening socket and begin gossiping.
func New(name string, cfg config.Data) (*Node, error) {
	if name == "" {
		return nil, fmt.Errorf("node: name is required")
	}

	var cat catalog.Catalog
	if cfg.StorageRoot != "" {
		db, err := catalog.OpenSQLite(cfg.StorageRoot)
		if err != nil {
			return nil, fmt.Errorf("node: catalog: %w", err)
		}
		cat = db
	} else {
		cat = catalog.NewMemory()
	}

	n := &Node{
		Name:     name,
		Endpoint: fmt.Sprintf("ws://%s:%d/ws", cfg.Host, cfg.Port),
		cfg:      cfg,
		clk:      clock.System{},
		channels: channelmanager.New(),
		bus:      bus.New(),
		statsSrc: stats.NewProcSource(),
		catalog:  cat,
		launcher: process.LocalLauncher{},
		commands: make(map[string]commandHandler),
		log:      log.New(log.Writer(), fmt.Sprintf("node[%s]: ", name), log.LstdFlags),
	}

	n.requests = request.New(n.channels, cfg.ReplyTimeout)
	n.runner = tasks.NewRunner(tasks.Options{MaxWorkers: cfg.MaxWorkers, RetainTTL: 10 * time.Minute})
	n.gossip = gossip.New(n.Name, n.Info, n.channels, gossip.Options{
		SyncInterval: cfg.SyncInterval,
		SyncPercent:  cfg.SyncPercent,
		OnJoin: func(name string, peer model.NodeInfo) {
			n.log.Printf("node %s has joined [%s]", name, peer.Endpoint)
		},
		OnLeave: func(name string, peer model.NodeInfo) {
			n.log.Printf("node %s probably left [%s]", name, peer.Endpoint)
		},
	})

	n.registerDefaultCommands()
	return n, nil
}

// SetClock overrides the time source used by every periodic component,
// for tests that want to drive ticks deterministically instead of
// sleeping on wall-clock time. Must be called before Start.
func (n *Node) SetClock(c clock.Clock) { n.clk = c }

// RegisterCommand adds (or replaces) the handler for a named command.
// Built-in commands (apps, info, run-app, task-result) may be overridden
// this way, e.g. in tests.
func (n *Node) RegisterCommand(name string, h commandHandler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.commands[name] = h
}

func (n *Node) registerDefaultCommands() {
	n.RegisterCommand("apps", n.handleApps)
	n.RegisterCommand("info", n.handleInfo)
	n.RegisterCommand("run-app", n.handleRunApp)
	n.RegisterCommand("task-result", n.handleTaskResult)
}

// Start acquires the lock file (if configured), begins stats collection,
// binds the websocket listener, registers static neighbours, and starts
// gossiping, mirroring troup/node.py's Node.start ordering.
func (n *Node) Start(ctx context.Context) error {
	if n.cfg.LockPath != "" {
		f, err := lockfile.Acquire(n.cfg.LockPath, lockfile.Info{Name: n.Name, Endpoint: n.Endpoint})
		if err != nil {
			return fmt.Errorf("node: %w", err)
		}
		n.lock = f
		n.log.Print(lockfile.LogLine("acquired", lockfile.Info{Name: n.Name, Endpoint: n.Endpoint}))
	}

	n.startStatsSource()

	if err := n.bus.On(topicCommand, n.onCommand, nil); err != nil {
		return fmt.Errorf("node: %w", err)
	}
	if err := n.bus.On(topicTask, n.onTask, nil); err != nil {
		return fmt.Errorf("node: %w", err)
	}
	if err := n.bus.On(topicReply, n.onReply, nil); err != nil {
		return fmt.Errorf("node: %w", err)
	}
	if err := n.channels.Events.On(channelmanager.TopicData, n.onChannelData, nil); err != nil {
		return fmt.Errorf("node: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", n.channels.HandleUpgrade)
	n.httpServer = &http.Server{Addr: fmt.Sprintf("%s:%d", n.cfg.Host, n.cfg.Port), Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		if err := n.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	select {
	case err := <-errCh:
		return fmt.Errorf("node: listen: %w", err)
	case <-time.After(50 * time.Millisecond):
		// Give ListenAndServe a moment to fail fast on a bad bind before we
		// declare startup successful; a slow server that never errors just
		// proceeds normally past the timeout.
	}

	n.requests.Start(n.clk, n.cfg.CheckInterval)
	n.runner.StartMaintenance(n.clk, n.cfg.CheckInterval)

	for _, seed := range n.cfg.Neighbours {
		peerName, endpoint, err := parseNeighbour(seed)
		if err != nil {
			n.log.Printf("skipping neighbour %q: %v", seed, err)
			continue
		}
		n.gossip.RegisterNode(model.NodeInfo{Name: peerName, Endpoint: endpoint})
		n.log.Printf("added neighbour %s [%s]", peerName, endpoint)
	}
	n.gossip.Start(n.clk, n.cfg.SyncInterval)

	n.log.Printf("node %s started on %s", n.Name, n.Endpoint)
	return nil
}

// startStatsSource starts the node's StatsSource if it exposes a Start
// method (ProcSource does); the Source interface itself has no Start so a
// swapped-in test double need not implement one.
func (n *Node) startStatsSource() {
	type starter interface {
		Start(clock.Clock, time.Duration)
	}
	if s, ok := n.statsSrc.(starter); ok {
		s.Start(n.clk, n.cfg.StatsUpdateInterval)
	}
}

// Stop winds every component down in this order: gossip, stats source,
// request tracker, task runner, HTTP server, catalog, lock file,
// mirroring troup/node.py's Node.stop.
func (n *Node) Stop(ctx context.Context) error {
	n.gossip.Stop()

	type stopper interface{ Stop() }
	if s, ok := n.statsSrc.(stopper); ok {
		s.Stop()
	}

	n.requests.Stop()
	n.requests.FailAll(fmt.Errorf("node: shutting down"))

	if err := n.runner.Shutdown(ctx); err != nil {
		n.log.Printf("task runner shutdown: %v", err)
	}

	if n.httpServer != nil {
		if err := n.httpServer.Shutdown(ctx); err != nil {
			n.log.Printf("http shutdown: %v", err)
		}
	}

	if err := n.catalog.Close(); err != nil {
		n.log.Printf("catalog close: %v", err)
	}

	if n.lock != nil {
		if err := n.lock.Release(); err != nil {
			n.log.Printf("lock release: %v", err)
		}
	}

	n.log.Printf("node %s stopped", n.Name)
	return nil
}

// Info builds this node's current membership record, passed to gossip.New
// as getSelf so every gossip tick reflects live stats/apps rather than a
// snapshot taken at startup.
func (n *Node) Info() model.NodeInfo {
	apps, _ := n.catalog.List(context.Background())
	return model.NodeInfo{
		Name:     n.Name,
		Endpoint: n.Endpoint,
		Hostname: n.Name,
		Stats:    n.statsSrc.Snapshot().Stats,
		Apps:     apps,
	}
}

// onChannelData is the channelmanager.TopicData subscriber: deserialize
// the inbound frame and redispatch it on Node's own bus, keyed by
// headers.type, per spec.md §4's dispatch description.
func (n *Node) onChannelData(events ...interface{}) {
	if len(events) < 2 {
		return
	}
	raw, ok := events[0].([]byte)
	if !ok {
		return
	}
	ch, ok := events[1].(*channel.Channel)
	if !ok {
		return
	}
	msg, err := message.Deserialize(raw)
	if err != nil {
		n.log.Printf("malformed message from %s: %v", ch.RemoteURL, err)
		return
	}
	topic := msg.Headers.Get(message.HeaderType)
	if topic == "" {
		return
	}
	n.bus.Publish(topic, msg, ch)
}

func (n *Node) onReply(events ...interface{}) {
	if len(events) == 0 {
		return
	}
	msg, ok := events[0].(*message.Message)
	if !ok {
		return
	}
	n.requests.Resolve(msg)
}

// onCommand looks up the named handler, runs it, and always replies —
// command handlers never let a Go error escape to the wire (spec.md §7).
func (n *Node) onCommand(events ...interface{}) {
	if len(events) < 2 {
		return
	}
	msg, ok := events[0].(*message.Message)
	if !ok {
		return
	}
	ch, ok := events[1].(*channel.Channel)
	if !ok {
		return
	}

	name := msg.Headers.Get(message.HeaderCommand)
	n.mu.RLock()
	handler, found := n.commands[name]
	n.mu.RUnlock()

	var result interface{}
	var err error
	if !found {
		err = fmt.Errorf("no such command %q", name)
	} else {
		result, err = handler(context.Background(), msg)
	}

	errMsg := ""
	if err != nil {
		errMsg = err.Error()
	}
	reply := message.Reply(msg.ID, result, errMsg)
	raw, serr := message.Serialize(reply)
	if serr != nil {
		n.log.Printf("failed to serialize reply to %s: %v", msg.ID, serr)
		return
	}
	if serr := ch.Send(raw); serr != nil {
		n.log.Printf("failed to send reply to %s: %v", msg.ID, serr)
	}
}

// onTask runs a submitted task without replying — tasks are fire-and-
// forget; their eventual outcome is retrieved later via the task-result
// command, mirroring troup/node.py's bus.subscribe('task') handler, which
// only logs receipt.
func (n *Node) onTask(events ...interface{}) {
	if len(events) == 0 {
		return
	}
	msg, ok := events[0].(*message.Message)
	if !ok {
		return
	}
	if msg.Headers.Get(message.HeaderTaskType) != message.ProcessTaskType {
		n.log.Printf("ignoring task %s: unsupported task-type %q", msg.ID, msg.Headers.Get(message.HeaderTaskType))
		return
	}
	spec, launcher, err := n.processSpecFromMessage(msg)
	if err != nil {
		n.log.Printf("task %s: %v", msg.ID, err)
		return
	}
	task := tasks.NewProcessTask(msg.ID, launcher, spec, bufferLinesFor(msg))
	if _, err := n.runner.Run(context.Background(), task); err != nil {
		n.log.Printf("task %s: %v", msg.ID, err)
	}
}

func bufferLinesFor(msg *message.Message) int {
	raw := msg.Headers.Get(message.HeaderBufferSize)
	if raw == "" {
		return defaultBufferLines
	}
	if n, err := strconv.Atoi(raw); err == nil && n > 0 {
		return n
	}
	return defaultBufferLines
}

func (n *Node) processSpecFromMessage(msg *message.Message) (process.Spec, process.Launcher, error) {
	data, _ := msg.Data.(map[string]interface{})
	name, _ := data["command"].(string)
	if name == "" {
		return process.Spec{}, nil, fmt.Errorf("task has no command")
	}
	spec := process.Spec{Name: name, Args: stringSlice(data["args"])}

	if msg.Headers.Get(message.HeaderProcessType) == message.ProcessSSH {
		opts, err := sshOptionsFromData(data)
		if err != nil {
			return process.Spec{}, nil, err
		}
		return spec, process.SSHLauncher{Opts: opts}, nil
	}
	return spec, process.LocalLauncher{}, nil
}

func stringSlice(v interface{}) []string {
	raw, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func sshOptionsFromData(data map[string]interface{}) (process.SSHOptions, error) {
	host, _ := data["target-host"].(string)
	user, _ := data["ssh-user"].(string)
	if host == "" || user == "" {
		return process.SSHOptions{}, fmt.Errorf("ssh task missing target-host/ssh-user")
	}
	port := "22"
	if p, ok := data["target-port"].(string); ok && p != "" {
		port = p
	}
	forwardVideo, _ := data["forward-video"].(bool)
	compress, _ := data["compress-stream"].(bool)
	return process.SSHOptions{
		TargetHost:     host,
		TargetPort:     port,
		User:           user,
		ForwardVideo:   forwardVideo,
		CompressStream: compress,
	}, nil
}

// handleApps merges this node's own catalog with every known peer's
// advertised apps into a cluster-wide view, keyed by app name.
func (n *Node) handleApps(ctx context.Context, msg *message.Message) (interface{}, error) {
	entries := make(map[string]*model.CatalogEntry)

	own, err := n.catalog.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, app := range own {
		entries[app.Name] = &model.CatalogEntry{AppDescriptor: app, Nodes: []string{n.Name}}
	}
	for peerName, peer := range n.gossip.KnownNodes() {
		for _, app := range peer.Apps {
			if e, ok := entries[app.Name]; ok {
				e.Nodes = append(e.Nodes, peerName)
			} else {
				entries[app.Name] = &model.CatalogEntry{AppDescriptor: app, Nodes: []string{peerName}}
			}
		}
	}

	out := make([]model.CatalogEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, *e)
	}
	return out, nil
}

func (n *Node) handleInfo(ctx context.Context, msg *message.Message) (interface{}, error) {
	return n.Info(), nil
}

// handleRunApp locates an app descriptor across this node and its known
// peers, ranks every node that declares it by current load against the
// app's declared Needs, and submits it for execution on the winner: a
// local ProcessTask if the winner is this node, an SSH-launched
// ProcessTask otherwise, mirroring spec.md §4's run-app command.
func (n *Node) handleRunApp(ctx context.Context, msg *message.Message) (interface{}, error) {
	data, _ := msg.Data.(map[string]interface{})
	appName, _ := data["app"].(string)
	if appName == "" {
		return nil, fmt.Errorf("run-app: no app name given")
	}

	candidates, descriptor, err := n.candidatesFor(ctx, appName)
	if err != nil {
		return nil, err
	}

	best, ok := ranking.Best(candidates, descriptor.Needs, ranking.DefaultWeights)
	if !ok {
		return nil, fmt.Errorf("run-app: no candidate node has usable stats for %s", appName)
	}

	taskID := message.New().ID
	spec := process.Spec{Name: descriptor.Command}

	var launcher process.Launcher = process.LocalLauncher{}
	if best != n.Name {
		peer := n.gossip.KnownNodes()[best]
		opts, err := sshOptionsForPeer(peer)
		if err != nil {
			return nil, fmt.Errorf("run-app: %w", err)
		}
		launcher = process.SSHLauncher{Opts: opts}
	}

	task := tasks.NewProcessTask(taskID, launcher, spec, defaultBufferLines)
	if _, err := n.runner.Run(ctx, task); err != nil {
		return nil, err
	}
	return map[string]interface{}{"task-id": taskID, "node": best}, nil
}

func (n *Node) candidatesFor(ctx context.Context, appName string) ([]ranking.Candidate, model.AppDescriptor, error) {
	var descriptor model.AppDescriptor
	var candidates []ranking.Candidate

	if app, ok, err := n.catalog.Find(ctx, appName); err != nil {
		return nil, model.AppDescriptor{}, err
	} else if ok {
		descriptor = app
		snap := n.statsSrc.Snapshot().Stats
		candidates = append(candidates, ranking.Candidate{Name: n.Name, Stats: &snap})
	}

	for peerName, peer := range n.gossip.KnownNodes() {
		for _, app := range peer.Apps {
			if app.Name != appName {
				continue
			}
			descriptor = app
			peerStats := peer.Stats
			candidates = append(candidates, ranking.Candidate{Name: peerName, Stats: &peerStats})
		}
	}

	if descriptor.Name == "" {
		return nil, model.AppDescriptor{}, fmt.Errorf("run-app: app %q not found on this node or its peers", appName)
	}
	return candidates, descriptor, nil
}

// sshOptionsForPeer derives an SSH target from a peer's advertised
// endpoint and extra.ssh metadata; extra.ssh.user is required since
// neither NodeInfo nor the endpoint URL itself carries a login identity.
func sshOptionsForPeer(peer model.NodeInfo) (process.SSHOptions, error) {
	host, err := hostFromEndpoint(peer.Endpoint)
	if err != nil {
		return process.SSHOptions{}, err
	}
	user := ""
	if ssh, ok := peer.Extra["ssh"].(map[string]interface{}); ok {
		user, _ = ssh["user"].(string)
	}
	if user == "" {
		return process.SSHOptions{}, fmt.Errorf("node %s has no extra.ssh.user to run-app over ssh", peer.Name)
	}
	return process.SSHOptions{
		TargetHost: host,
		TargetPort: strconv.Itoa(peer.SSHPort()),
		User:       user,
	}, nil
}

func hostFromEndpoint(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("malformed endpoint %q: %w", endpoint, err)
	}
	host := u.Hostname()
	if host == "" {
		return "", fmt.Errorf("endpoint %q has no host", endpoint)
	}
	return host, nil
}

// handleTaskResult returns a previously submitted task's outcome only if
// it has reached a terminal state, per spec.md §4.
func (n *Node) handleTaskResult(ctx context.Context, msg *message.Message) (interface{}, error) {
	data, _ := msg.Data.(map[string]interface{})
	id, _ := data["task-id"].(string)
	if id == "" {
		return nil, fmt.Errorf("task-result: no task-id given")
	}
	run, ok := n.runner.Get(id)
	if !ok {
		return nil, fmt.Errorf("task-result: no such task %s", id)
	}
	switch run.Status() {
	case tasks.Done:
		result, _ := run.Result()
		return result, nil
	case tasks.Error:
		_, err := run.Result()
		return nil, err
	default:
		return nil, fmt.Errorf("task-result: task %s is %s, not done", id, run.Status())
	}
}

// parseNeighbour splits a "name:host:port" seed into a peer name and a
// dialable websocket endpoint, mirroring troup/node.py's
// url.partition(':') neighbour parsing.
func parseNeighbour(seed string) (name, endpoint string, err error) {
	name, rest, found := strings.Cut(seed, ":")
	if !found || name == "" || rest == "" {
		return "", "", fmt.Errorf("malformed neighbour %q, want name:host:port", seed)
	}
	return name, "ws://" + rest + "/ws", nil
}
