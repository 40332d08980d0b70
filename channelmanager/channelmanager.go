// Package channelmanager maintains the named/URL-keyed Channel registry,
// dials outgoing channels on demand, accepts incoming ones over an
// http.Server-hosted websocket endpoint, and fans inbound frames into
// the "channel.data" / "channel.open" / "channel.closed" topics,
// grounded on troup/infrastructure.py's ChannelManager / AsyncIOWebSocketServer
// and on the Upgrader pattern used throughout the pack's websocket servers.
package channelmanager

import (
	"fmt"
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/palefire/troupnode/bus"
	"github.com/palefire/troupnode/channel"
)

const (
	TopicOpen   = "channel.open"
	TopicData   = "channel.data"
	TopicClosed = "channel.closed"
)

// Manager owns every Channel it creates and exposes lifecycle events on
// its embedded Bus. ChannelManager's two indices (by name and by remote
// URL) are updated atomically with respect to each other, under mu.
type Manager struct {
	Events *bus.Bus

	mu       sync.Mutex
	byName   map[string]*channel.Channel
	byURL    map[string]*channel.Channel
	upgrader websocket.Upgrader

	log *log.Logger
}

func New() *Manager {
	return &Manager{
		Events: bus.New(),
		byName: make(map[string]*channel.Channel),
		byURL:  make(map[string]*channel.Channel),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log: log.New(log.Writer(), "channelmanager: ", log.LstdFlags),
	}
}

// HandleUpgrade is the http.HandlerFunc to mount at the node's websocket
// endpoint. Each accepted connection becomes an incoming Channel, added
// to both indices and announced on TopicOpen.
func (m *Manager) HandleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.log.Printf("upgrade failed: %v", err)
		return
	}
	remote := conn.RemoteAddr().String()
	name := fmt.Sprintf("channel[%s]", remote)
	transport := newIncoming(conn)
	ch := channel.New(name, remote, transport)
	m.wireLifecycle(ch)
	if err := ch.Open(); err != nil {
		m.log.Printf("incoming channel open failed: %v", err)
		return
	}
	m.mu.Lock()
	m.byName[ch.Name] = ch
	m.byURL[ch.RemoteURL] = ch
	m.mu.Unlock()
}

// Channel resolves to an existing channel by name or URL if either
// index hits; otherwise it dials a new outgoing channel to url, opens
// it, and installs the manager's own listener.
func (m *Manager) Channel(name, url string) (*channel.Channel, error) {
	m.mu.Lock()
	if name != "" {
		if ch, ok := m.byName[name]; ok {
			m.mu.Unlock()
			return ch, nil
		}
	}
	if url != "" {
		if ch, ok := m.byURL[url]; ok {
			m.mu.Unlock()
			return ch, nil
		}
	}
	m.mu.Unlock()

	if url == "" {
		return nil, fmt.Errorf("channelmanager: no channel URL specified")
	}
	if name == "" {
		name = url
	}

	ch := channel.New(name, url, newOutgoing(url))
	m.wireLifecycle(ch)
	if err := ch.Open(); err != nil {
		// Failure to connect surfaces as channel.closed, never open, so
		// subscribers see symmetric lifecycle events.
		m.Events.Publish(TopicClosed, ch)
		return nil, err
	}

	m.mu.Lock()
	m.byName[name] = ch
	m.byURL[url] = ch
	m.mu.Unlock()
	return ch, nil
}

// wireLifecycle installs the manager's own data/open/closed listeners on
// ch, re-emitting inbound frames onto TopicData as (payload, channel),
// announcing TopicOpen once ch opens successfully, and pruning both
// indices when ch closes.
func (m *Manager) wireLifecycle(ch *channel.Channel) {
	ch.RegisterListener(channel.ListenerFunc(func(data []byte) {
		m.Events.Publish(TopicData, data, ch)
	}))
	ch.On("closed", func(args ...interface{}) {
		m.removeChannel(ch)
		m.Events.Publish(TopicClosed, ch)
	})
	ch.On("open", func(args ...interface{}) {
		m.Events.Publish(TopicOpen, ch)
	})
}

func (m *Manager) removeChannel(ch *channel.Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.byName[ch.Name]; ok && existing == ch {
		delete(m.byName, ch.Name)
	}
	if existing, ok := m.byURL[ch.RemoteURL]; ok && existing == ch {
		delete(m.byURL, ch.RemoteURL)
	}
}

// CloseChannelToURL closes and prunes the channel addressed to url, if
// any. Used by SyncManager when a peer's endpoint changes.
func (m *Manager) CloseChannelToURL(url string) {
	m.mu.Lock()
	ch, ok := m.byURL[url]
	m.mu.Unlock()
	if !ok {
		return
	}
	if ch.Status() == channel.Open {
		_ = ch.Close()
	}
	m.removeChannel(ch)
}

// Send resolves (or opens) a channel by name/url and sends data on it.
// On ChannelClosed it prunes the channel from both indices and publishes
// TopicClosed; it does not call Close on the channel.
func (m *Manager) Send(name, url string, data []byte) error {
	ch, err := m.Channel(name, url)
	if err != nil {
		return err
	}
	if err := ch.Send(data); err != nil {
		if _, ok := err.(*channel.ChannelClosed); ok {
			m.removeChannel(ch)
			m.Events.Publish(TopicClosed, ch)
		}
		return err
	}
	return nil
}

// Channels returns a snapshot of every currently indexed channel, keyed
// by name.
func (m *Manager) Channels() map[string]*channel.Channel {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]*channel.Channel, len(m.byName))
	for k, v := range m.byName {
		out[k] = v
	}
	return out
}
