package wire

/*
 * Wire format for the replication protocol: every datagram carries exactly one
 * self-describing JSON record. The envelope (src, dst, leader, type) is
 * mandatory on every message; the remaining fields depend on the type.
 */

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// Broadcast is the reserved ID meaning "any/unknown" replica. It is used as
// the destination for cluster-wide messages and as the leader header when no
// leader is known.
const Broadcast = "FFFF"

// Message types.
const (
	TypeHello          = "hello"
	TypeGet            = "get"
	TypePut            = "put"
	TypeOK             = "ok"
	TypeRedirect       = "redirect"
	TypeRequestVote    = "request_vote"
	TypeVoteResponse   = "request_vote_response"
	TypeAppend         = "append"
	TypeAppendResponse = "append_response"
)

var knownTypes = map[string]bool{
	TypeHello:          true,
	TypeGet:            true,
	TypePut:            true,
	TypeOK:             true,
	TypeRedirect:       true,
	TypeRequestVote:    true,
	TypeVoteResponse:   true,
	TypeAppend:         true,
	TypeAppendResponse: true,
}

// Entry is a replicated log entry as it travels inside an append message.
// Src, Dst and MID preserve the originating client context so that any future
// leader can satisfy duplicate checks and route the committed reply.
type Entry struct {
	Term  int    `json:"term"`
	Key   string `json:"key"`
	Value string `json:"value"`
	Src   string `json:"src"`
	Dst   string `json:"dst"`
	MID   string `json:"mid"`
}

// Message is the union of all protocol records. Optional numeric fields whose
// zero value is meaningful on the wire are pointers so that "absent" and "0"
// stay distinguishable; prev_log_index/prev_log_term are null on heartbeats.
type Message struct {
	Src    string `json:"src"`
	Dst    string `json:"dst"`
	Leader string `json:"leader"`
	Type   string `json:"type"`

	// Client interface.
	MID   string  `json:"MID,omitempty"`
	Key   string  `json:"key,omitempty"`
	Value *string `json:"value,omitempty"`

	// Elections.
	Term         int  `json:"term,omitempty"`
	LastLogIndex *int `json:"last_log_index,omitempty"`
	LastLogTerm  *int `json:"last_log_term,omitempty"`

	// Replication.
	PrevLogIndex *int    `json:"prev_log_index,omitempty"`
	PrevLogTerm  *int    `json:"prev_log_term,omitempty"`
	Entries      []Entry `json:"entries,omitempty"`
	LeaderCommit *int    `json:"leader_commit,omitempty"`
	Success      *bool   `json:"success,omitempty"`
	MatchIndex   *int    `json:"match_index,omitempty"`
}

// Int returns a pointer to v, for filling optional wire fields.
func Int(v int) *int { return &v }

// Str returns a pointer to s. An ok reply for an absent key must still carry
// value: "", which is why Message.Value is a pointer.
func Str(s string) *string { return &s }

// Bool returns a pointer to b.
func Bool(b bool) *bool { return &b }

// Encode serializes m into a single datagram payload.
func Encode(m *Message) ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, errors.Wrap(err, "wire: encode")
	}
	return b, nil
}

// Decode parses a datagram payload and validates the envelope. Messages with
// missing envelope fields or an unknown type are rejected; the caller is
// expected to log and discard them.
func Decode(data []byte) (*Message, error) {
	m := &Message{}
	if err := json.Unmarshal(data, m); err != nil {
		return nil, errors.Wrap(err, "wire: decode")
	}
	if m.Src == "" || m.Dst == "" || m.Leader == "" || m.Type == "" {
		return nil, errors.Errorf("wire: incomplete envelope src=%q dst=%q leader=%q type=%q",
			m.Src, m.Dst, m.Leader, m.Type)
	}
	if !knownTypes[m.Type] {
		return nil, errors.Errorf("wire: unknown message type %q", m.Type)
	}
	return m, nil
}
