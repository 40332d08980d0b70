// Package message defines the wire envelope exchanged between nodes and
// its JSON codec, grounded on troup/messaging.py's Message/MessageBuilder.
package message

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Reserved header names (spec.md §3).
const (
	HeaderType        = "type"
	HeaderCommand     = "command"
	HeaderTaskType    = "task-type"
	HeaderProcessType = "process-type"
	HeaderTTL         = "ttl"
	HeaderReplyFor    = "reply-for"
	HeaderConsumeOut  = "consume-out"
	HeaderBufferSize  = "buffer-size"
)

// Reserved type header values.
const (
	TypeCommand     = "command"
	TypeTask        = "task"
	TypeReply       = "reply"
	TypeSyncMessage = "sync-message"
)

const ProcessTaskType = "process"

// Process variants for HeaderProcessType.
const (
	ProcessLocal = "LocalProcess"
	ProcessSSH   = "SSHProcess"
)

// Headers is a map of string to string-or-nil values.
type Headers map[string]interface{}

// Get returns a header's string value, or "" if absent or nil.
func (h Headers) Get(name string) string {
	if h == nil {
		return ""
	}
	v, ok := h[name]
	if !ok || v == nil {
		return ""
	}
	s, _ := v.(string)
	return s
}

// Message is the typed envelope carried over a Channel.
type Message struct {
	ID      string      `json:"id"`
	Headers Headers     `json:"headers"`
	Data    interface{} `json:"data"`
}

// New returns a Message with a fresh id and empty headers, matching the
// invariant that every Message has a non-empty id.
func New() *Message {
	return &Message{ID: uuid.NewString(), Headers: Headers{}}
}

// Builder constructs a Message fluently, mirroring MessageBuilder.
type Builder struct {
	msg *Message
}

func NewBuilder() *Builder {
	return &Builder{msg: &Message{Headers: Headers{}}}
}

func (b *Builder) ID(id string) *Builder {
	b.msg.ID = id
	return b
}

func (b *Builder) Header(name string, value interface{}) *Builder {
	b.msg.Headers[name] = value
	return b
}

func (b *Builder) Data(data interface{}) *Builder {
	b.msg.Data = data
	return b
}

// Value sets data[key] = value, promoting Data to a map if it is nil or
// not already a map.
func (b *Builder) Value(key string, value interface{}) *Builder {
	m, ok := b.msg.Data.(map[string]interface{})
	if !ok {
		m = map[string]interface{}{}
	}
	m[key] = value
	b.msg.Data = m
	return b
}

func (b *Builder) Build() *Message {
	if b.msg.ID == "" {
		b.msg.ID = uuid.NewString()
	}
	return b.msg
}

// Reply builds a {type: reply, reply-for: requestID} message carrying
// either a result or an error, never both, never surfacing a raw Go
// error value over the wire (spec.md §7).
func Reply(requestID string, result interface{}, errMsg string) *Message {
	b := NewBuilder().Header(HeaderType, TypeReply).Header(HeaderReplyFor, requestID)
	if errMsg != "" {
		b.Value("error", errMsg).Value("reply", errMsg)
	} else {
		b.Value("error", nil).Value("reply", result)
	}
	return b.Build()
}

// Serialize renders m to its UTF-8 JSON wire form.
func Serialize(m *Message) ([]byte, error) {
	return json.Marshal(m)
}

// Deserialize parses the wire form into a Message. A missing id is not
// an error here — New()-style auto-id assignment is a construction-time
// concern, not a parse-time one — but callers that require the
// invariant should check ID != "".
func Deserialize(raw []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("deserialize message: %w", err)
	}
	if m.Headers == nil {
		m.Headers = Headers{}
	}
	return &m, nil
}
