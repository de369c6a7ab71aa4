package kvclient

/*
 * Clerk is a client of the replicated store. It speaks the datagram protocol:
 * requests carry a fresh MID, replies are matched by MID, redirects update the
 * believed leader, and silence means retry with the same MID so the cluster
 * can deduplicate the replay.
 */

import (
	"time"

	"github.com/google/uuid"

	"github.com/ReshiAdavan/Bastion/wire"
)

// Transport is the clerk's datagram endpoint. Recv returns (nil, nil) when
// the timeout expires with nothing to read.
type Transport interface {
	Send(m *wire.Message) error
	Recv(timeout time.Duration) (*wire.Message, error)
}

// DefaultAttemptTimeout is how long the clerk waits for a reply before
// retrying against another replica.
const DefaultAttemptTimeout = 500 * time.Millisecond

// Clerk issues linearizable gets and puts against the cluster.
type Clerk struct {
	id       string
	replicas []string
	tr       Transport

	leader  string // believed leader, wire.Broadcast when unknown
	next    int    // rotation cursor over replicas
	attempt time.Duration
}

// New returns a clerk with the given identity that will try the listed
// replicas in turn until it finds the leader.
func New(id string, replicas []string, tr Transport) *Clerk {
	return &Clerk{
		id:       id,
		replicas: append([]string(nil), replicas...),
		tr:       tr,
		leader:   wire.Broadcast,
		attempt:  DefaultAttemptTimeout,
	}
}

// SetAttemptTimeout overrides the per-attempt reply wait.
func (c *Clerk) SetAttemptTimeout(d time.Duration) { c.attempt = d }

// Get fetches the current value for key, retrying until it reaches the
// leader. An absent key reads as the empty string.
func (c *Clerk) Get(key string) string {
	req := &wire.Message{
		Src:  c.id,
		Type: wire.TypeGet,
		MID:  uuid.NewString(),
		Key:  key,
	}
	reply := c.roundTrip(req)
	if reply.Value == nil {
		return ""
	}
	return *reply.Value
}

// Put stores value under key and returns once the write is committed. The
// MID is fixed for the lifetime of the request, so replays after lost replies
// are idempotent.
func (c *Clerk) Put(key, value string) {
	req := &wire.Message{
		Src:   c.id,
		Type:  wire.TypePut,
		MID:   uuid.NewString(),
		Key:   key,
		Value: wire.Str(value),
	}
	c.roundTrip(req)
}

// roundTrip sends req to the believed leader (or rotates through replicas)
// until an ok with a matching MID arrives. Each attempt is a fresh message so
// in-flight copies are never mutated.
func (c *Clerk) roundTrip(req *wire.Message) *wire.Message {
	for {
		attempt := *req
		attempt.Dst = c.target()
		attempt.Leader = c.leader
		c.tr.Send(&attempt)

		deadline := time.Now().Add(c.attempt)
		resend := false
		for !resend {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				// No reply; forget the leader and try the next replica.
				c.leader = wire.Broadcast
				break
			}
			m, err := c.tr.Recv(remaining)
			if err != nil || m == nil {
				continue
			}
			if m.MID != req.MID {
				continue // stale reply from an earlier attempt
			}
			switch m.Type {
			case wire.TypeOK:
				if m.Leader != wire.Broadcast {
					c.leader = m.Leader
				}
				return m
			case wire.TypeRedirect:
				// Resend immediately at the redirect target.
				c.noteLeader(m.Leader)
				resend = true
			}
		}
	}
}

// target picks the next replica to talk to: the believed leader when known,
// otherwise round-robin.
func (c *Clerk) target() string {
	if c.leader != wire.Broadcast {
		return c.leader
	}
	t := c.replicas[c.next%len(c.replicas)]
	c.next++
	return t
}

func (c *Clerk) noteLeader(leader string) {
	if leader == wire.Broadcast {
		c.leader = wire.Broadcast
		return
	}
	c.leader = leader
}
