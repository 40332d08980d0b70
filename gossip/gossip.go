// Package gossip implements cluster membership propagation: each node
// periodically pushes its known-nodes view to a random sample of peers,
// merging whatever comes back. Grounded on troup/node.py's SyncManager
// and RandomBuffer, and on the fan-out shape of
// other_examples/8f5934ba_TickTockBent-REPRAM__internal-gossip-protocol.go.go's
// Protocol/Node/Transport. Named gossip rather than the source's
// "sync" to avoid colliding with the standard library's sync package.
package gossip

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/palefire/troupnode/channel"
	"github.com/palefire/troupnode/channelmanager"
	"github.com/palefire/troupnode/clock"
	"github.com/palefire/troupnode/message"
	"github.com/palefire/troupnode/model"
)

// randomBuffer is a refill-on-exhaustion shuffled queue of peer names,
// grounded on troup/node.py's RandomBuffer: next returns n names even
// if that requires reshuffling the full known-node set several times
// into the tail of the buffer, and fewer only when that set is empty.
type randomBuffer struct {
	mu     sync.Mutex
	source func() []string
	buf    []string
}

func newRandomBuffer(source func() []string) *randomBuffer {
	b := &randomBuffer{source: source}
	b.refill()
	return b
}

func (b *randomBuffer) refill() {
	names := b.source()
	rand.Shuffle(len(names), func(i, j int) { names[i], names[j] = names[j], names[i] })
	b.buf = append(b.buf, names...)
}

// next returns up to n peer names, reshuffling in more as needed. If the
// known-node set is empty this returns fewer than n (possibly zero)
// rather than looping forever.
func (b *randomBuffer) next(n int) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	for len(b.buf) < n {
		before := len(b.buf)
		b.refill()
		if len(b.buf) == before {
			break // known-node set is empty; nothing more to add
		}
	}
	if n > len(b.buf) {
		n = len(b.buf)
	}
	out := b.buf[:n]
	b.buf = b.buf[n:]
	return out
}

// Manager propagates membership by periodically gossiping with a
// random subset of known peers, merging their view of the cluster into
// its own on every inbound sync message.
type Manager struct {
	selfName string
	getSelf  func() model.NodeInfo

	channels    *channelmanager.Manager
	syncPercent float64

	mu         sync.Mutex
	knownNodes map[string]model.NodeInfo
	buffer     *randomBuffer

	timer *clock.IntervalTimer

	onJoin  func(name string, node model.NodeInfo)
	onLeave func(name string, node model.NodeInfo)
}

// Options configures a Manager.
type Options struct {
	SyncInterval time.Duration
	SyncPercent  float64 // fraction of known nodes gossiped with per tick
	OnJoin       func(name string, node model.NodeInfo)
	OnLeave      func(name string, node model.NodeInfo)
}

// New builds a Manager for node selfName. getSelf is called fresh on
// every gossip tick so the outgoing NodeInfo always reflects current
// stats/apps.
func New(selfName string, getSelf func() model.NodeInfo, channels *channelmanager.Manager, opts Options) *Manager {
	if opts.SyncPercent <= 0 {
		opts.SyncPercent = 0.3
	}
	m := &Manager{
		selfName:    selfName,
		getSelf:     getSelf,
		channels:    channels,
		syncPercent: opts.SyncPercent,
		knownNodes:  make(map[string]model.NodeInfo),
		onJoin:      opts.OnJoin,
		onLeave:     opts.OnLeave,
	}
	m.buffer = newRandomBuffer(m.knownNames)
	return m
}

func (m *Manager) knownNames() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.knownNodes))
	for name := range m.knownNodes {
		names = append(names, name)
	}
	return names
}

// Start arms the periodic gossip tick and subscribes to channel
// lifecycle events, mirroring SyncManager.start.
func (m *Manager) Start(c clock.Clock, syncInterval time.Duration) {
	m.channels.Events.On(channelmanager.TopicClosed, func(events ...interface{}) {
		if len(events) == 0 {
			return
		}
		m.onChannelClosed(events[0])
	}, nil)
	m.channels.Events.On(channelmanager.TopicData, func(events ...interface{}) {
		if len(events) < 1 {
			return
		}
		data, ok := events[0].([]byte)
		if !ok {
			return
		}
		m.onData(data)
	}, nil)

	m.timer = clock.New(c, syncInterval, syncInterval, m.syncRandomNodes)
	m.timer.Start()
}

// Stop halts the gossip tick. Channel event subscriptions are left in
// place; a stopped Manager simply never gossips or merges again.
func (m *Manager) Stop() {
	if m.timer != nil {
		m.timer.Cancel()
	}
}

// RegisterNode seeds or merges a peer into the known-nodes set, used
// for statically configured neighbours at startup.
func (m *Manager) RegisterNode(node model.NodeInfo) {
	m.mergeNode(node)
}

// KnownNodes returns a snapshot of every currently known peer, keyed by
// name. The local node is never included.
func (m *Manager) KnownNodes() map[string]model.NodeInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]model.NodeInfo, len(m.knownNodes))
	for k, v := range m.knownNodes {
		out[k] = v.Clone()
	}
	return out
}

func (m *Manager) onChannelClosed(raw interface{}) {
	ch, ok := raw.(*channel.Channel)
	if !ok {
		return
	}
	url := ch.RemoteURL
	if url == "" {
		return
	}
	m.mu.Lock()
	var removed []model.NodeInfo
	for name, node := range m.knownNodes {
		if node.Endpoint == url {
			removed = append(removed, node)
		}
	}
	for _, node := range removed {
		delete(m.knownNodes, node.Name)
	}
	m.mu.Unlock()

	if m.onLeave != nil {
		for _, node := range removed {
			m.onLeave(node.Name, node)
		}
	}
}

func (m *Manager) onData(raw []byte) {
	msg, err := message.Deserialize(raw)
	if err != nil {
		return
	}
	if msg.Headers.Get(message.HeaderType) != message.TypeSyncMessage {
		return
	}
	m.onSyncMessage(msg)
}

func (m *Manager) onSyncMessage(msg *message.Message) {
	data, ok := msg.Data.(map[string]interface{})
	if !ok {
		return
	}
	var nodes []model.NodeInfo
	if n, ok := decodeNodeInfo(data["node"]); ok {
		nodes = append(nodes, n)
	}
	if known, ok := data["known_nodes"].([]interface{}); ok {
		for _, raw := range known {
			if n, ok := decodeNodeInfo(raw); ok {
				nodes = append(nodes, n)
			}
		}
	}
	m.mergeNodesList(nodes)
}

func (m *Manager) mergeNodesList(nodes []model.NodeInfo) {
	for _, node := range nodes {
		if node.Name == "" || node.Name == m.selfName {
			continue
		}
		m.mergeNode(node)
	}
}

func (m *Manager) mergeNode(node model.NodeInfo) {
	m.mu.Lock()
	existing, had := m.knownNodes[node.Name]
	m.knownNodes[node.Name] = node
	m.mu.Unlock()

	if !had {
		if m.onJoin != nil {
			m.onJoin(node.Name, node)
		}
		return
	}
	if existing.Endpoint != "" && existing.Endpoint != node.Endpoint {
		m.channels.CloseChannelToURL(existing.Endpoint)
	}
}

// syncRandomNodes gossips this node's view of the cluster with a random
// sample of ceil(len(knownNodes) * syncPercent) peers, per
// troup/node.py's sync_random_nodes.
func (m *Manager) syncRandomNodes() {
	m.mu.Lock()
	count := int(math.Ceil(float64(len(m.knownNodes)) * m.syncPercent))
	m.mu.Unlock()
	if count <= 0 {
		return
	}

	targets := m.buffer.next(count)
	payload := m.syncMessage()
	raw, err := message.Serialize(payload)
	if err != nil {
		return
	}

	for _, name := range targets {
		m.mu.Lock()
		node, ok := m.knownNodes[name]
		m.mu.Unlock()
		if !ok {
			continue
		}
		_ = m.channels.Send(name, node.Endpoint, raw)
	}
}

func (m *Manager) syncMessage() *message.Message {
	self := m.getSelf()
	known := m.KnownNodes()
	peers := make([]model.NodeInfo, 0, len(known))
	for _, n := range known {
		peers = append(peers, n)
	}
	return message.NewBuilder().
		Header(message.HeaderType, message.TypeSyncMessage).
		Value("node", nodeInfoToWire(self)).
		Value("known_nodes", nodeInfoListToWire(peers)).
		Build()
}
