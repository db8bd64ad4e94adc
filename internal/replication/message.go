package replication

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/loginsentry/loginsentry/internal/lists"
	"github.com/loginsentry/loginsentry/internal/stats"
)

// MessageType tags the replication message union.
type MessageType string

const (
	TypeStatsUpdate MessageType = "stats_update"
	TypeStatsDump   MessageType = "stats_dump"
	TypeListAdd     MessageType = "list_add"
	TypeListDelete  MessageType = "list_delete"
)

// ListChange carries a list mutation to siblings.
type ListChange struct {
	Space      lists.KeySpace `json:"space"`
	Store      lists.Kind     `json:"store"`
	Key        string         `json:"key"`
	ExpireSecs int            `json:"expire_secs,omitempty"`
	Reason     string         `json:"reason,omitempty"`
}

// Message is the tagged union sent between siblings. Exactly one of the
// payload pointers matching Type is set.
type Message struct {
	Type   MessageType      `json:"type"`
	Update *stats.Update    `json:"update,omitempty"`
	Dump   *stats.DumpEntry `json:"dump,omitempty"`
	List   *ListChange      `json:"list,omitempty"`
}

// StatsUpdateMessage wraps a stats write for fan-out.
func StatsUpdateMessage(u stats.Update) Message {
	return Message{Type: TypeStatsUpdate, Update: &u}
}

// StatsDumpMessage wraps one full-dump entry for warm sync.
func StatsDumpMessage(d stats.DumpEntry) Message {
	return Message{Type: TypeStatsDump, Dump: &d}
}

// ListMessage wraps a list mutation.
func ListMessage(kind lists.Kind, m lists.Mutation) Message {
	t := TypeListAdd
	if !m.Add {
		t = TypeListDelete
	}
	return Message{Type: t, List: &ListChange{
		Space:      m.Space,
		Store:      kind,
		Key:        m.Key,
		ExpireSecs: m.ExpireSecs,
		Reason:     m.Reason,
	}}
}

// Encode serialises the message with its inner uint16 big-endian length
// prefix. This is the plaintext that gets sealed into a frame.
func (m Message) Encode() ([]byte, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	if len(body) > 0xffff {
		return nil, fmt.Errorf("message too large (%d bytes)", len(body))
	}
	out := make([]byte, 2+len(body))
	binary.BigEndian.PutUint16(out, uint16(len(body)))
	copy(out[2:], body)
	return out, nil
}

// Decode is the inverse of Encode.
func Decode(plain []byte) (Message, error) {
	var m Message
	if len(plain) < 2 {
		return m, fmt.Errorf("short message (%d bytes)", len(plain))
	}
	n := int(binary.BigEndian.Uint16(plain))
	if len(plain) != 2+n {
		return m, fmt.Errorf("length mismatch: prefix %d, payload %d", n, len(plain)-2)
	}
	if err := json.Unmarshal(plain[2:], &m); err != nil {
		return m, fmt.Errorf("unmarshal message: %w", err)
	}
	switch m.Type {
	case TypeStatsUpdate:
		if m.Update == nil {
			return m, fmt.Errorf("stats_update without payload")
		}
	case TypeStatsDump:
		if m.Dump == nil {
			return m, fmt.Errorf("stats_dump without payload")
		}
	case TypeListAdd, TypeListDelete:
		if m.List == nil {
			return m, fmt.Errorf("%s without payload", m.Type)
		}
	default:
		return m, fmt.Errorf("unknown message type %q", m.Type)
	}
	return m, nil
}
