package raft

/*
 * A single consensus replica. One goroutine owns every field: the event loop
 * multiplexes inbound datagrams, the election timer, the heartbeat timers and
 * the leader step-down deadline, and all handlers run to completion without
 * blocking. The transport is the only suspension point.
 */

import (
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ReshiAdavan/Bastion/metrics"
	"github.com/ReshiAdavan/Bastion/wire"
)

// Role of a replica in the current term.
type Role int

const (
	Follower Role = iota
	Candidate
	Leader
)

func (r Role) String() string {
	switch r {
	case Follower:
		return "follower"
	case Candidate:
		return "candidate"
	case Leader:
		return "leader"
	}
	return "unknown"
}

// Transport carries one datagram at a time between the replica and the relay.
// Recv returns (nil, nil) when the timeout expires with nothing to read.
type Transport interface {
	Send(m *wire.Message) error
	Recv(timeout time.Duration) (*wire.Message, error)
}

// Config carries the replica identity, cluster membership and tunables.
// Zero-valued timing fields get the defaults below.
type Config struct {
	ID    string
	Peers []string

	ElectionTimeoutMin time.Duration // default 400ms
	ElectionTimeoutMax time.Duration // default 650ms
	HeartbeatInterval  time.Duration // default 175ms
	ResponseTimeout    time.Duration // default 787.5ms, 1.5x the mid election timeout
	Batch              int           // max entries per append, default 10

	Logger  *zap.Logger
	Metrics *metrics.Set
	Rand    *rand.Rand       // timeout jitter source, seeded per replica
	Now     func() time.Time // clock, injectable for tests
}

func (c *Config) fillDefaults() {
	if c.ElectionTimeoutMin == 0 {
		c.ElectionTimeoutMin = 400 * time.Millisecond
	}
	if c.ElectionTimeoutMax == 0 {
		c.ElectionTimeoutMax = 650 * time.Millisecond
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 175 * time.Millisecond
	}
	if c.ResponseTimeout == 0 {
		mid := (c.ElectionTimeoutMin + c.ElectionTimeoutMax) / 2
		c.ResponseTimeout = mid + mid/2
	}
	if c.Batch == 0 {
		c.Batch = 10
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Metrics == nil {
		c.Metrics = metrics.New(nil)
	}
	if c.Rand == nil {
		c.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// peerState is the per-peer bookkeeping a leader maintains.
type peerState struct {
	nextIndex  int
	matchIndex int
	lastSend   time.Time
	lastHeard  time.Time
}

// pendingRead is an in-flight get held until the leader confirms it still
// held leadership at or after the read arrived.
type pendingRead struct {
	src     string
	key     string
	mid     string
	arrived time.Time
}

// Replica is the consensus state machine for one cluster member.
type Replica struct {
	cfg    Config
	id     string
	peers  []string
	quorum int

	tr      Transport
	logger  *zap.Logger
	metrics *metrics.Set
	rng     *rand.Rand
	now     func() time.Time

	role     Role
	term     int
	votedFor string
	leader   string

	log *Log

	votes        map[string]bool
	peerState    map[string]*peerState
	pendingReads []pendingRead

	electionDeadline time.Time

	stop     chan struct{}
	stopOnce sync.Once

	// Snapshot of (role, term, leader) published once per loop iteration so
	// the exported accessors are safe from other goroutines.
	pubRole   atomic.Int32
	pubTerm   atomic.Int64
	pubLeader atomic.Value
}

// New builds a replica in the follower role with an empty log. Peers is the
// fixed set of other cluster members; the quorum threshold is derived from it.
func New(cfg Config, tr Transport) *Replica {
	cfg.fillDefaults()
	r := &Replica{
		cfg:       cfg,
		id:        cfg.ID,
		peers:     append([]string(nil), cfg.Peers...),
		quorum:    (len(cfg.Peers)+1)/2 + 1,
		tr:        tr,
		logger:    cfg.Logger.With(zap.String("id", cfg.ID)),
		metrics:   cfg.Metrics,
		rng:       cfg.Rand,
		now:       cfg.Now,
		role:      Follower,
		leader:    wire.Broadcast,
		log:       NewLog(),
		peerState: make(map[string]*peerState),
		stop:      make(chan struct{}),
	}
	for _, p := range r.peers {
		r.peerState[p] = &peerState{nextIndex: 0, matchIndex: -1}
	}
	r.resetElectionDeadline()
	r.publish()
	return r
}

// Run drives the event loop until Stop is called. It announces the replica
// with a broadcast hello first.
func (r *Replica) Run() {
	r.send(&wire.Message{Src: r.id, Dst: wire.Broadcast, Leader: r.leader, Type: wire.TypeHello})
	r.logger.Info("replica started",
		zap.Strings("peers", r.peers),
		zap.Int("quorum", r.quorum))

	for {
		select {
		case <-r.stop:
			return
		default:
		}

		msg, err := r.tr.Recv(r.recvTimeout())
		switch {
		case err != nil:
			r.metrics.Discarded.Inc()
			r.logger.Warn("discarding datagram", zap.Error(err))
		case msg != nil:
			r.dispatch(msg)
		}
		r.tick()
		r.publish()
	}
}

// Stop makes Run return after the current iteration.
func (r *Replica) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
}

func (r *Replica) publish() {
	r.pubRole.Store(int32(r.role))
	r.pubTerm.Store(int64(r.term))
	r.pubLeader.Store(r.leader)
}

// recvTimeout computes how long the loop may block on the socket: the time
// until the earliest pending timer.
func (r *Replica) recvTimeout() time.Duration {
	now := r.now()
	deadline := r.electionDeadline
	if r.role == Leader {
		deadline = now.Add(r.cfg.HeartbeatInterval)
		for _, ps := range r.peerState {
			if hb := ps.lastSend.Add(r.cfg.HeartbeatInterval); hb.Before(deadline) {
				deadline = hb
			}
		}
		if sd, ok := r.stepDownDeadline(); ok && sd.Before(deadline) {
			deadline = sd
		}
	}
	d := deadline.Sub(now)
	if d < 0 {
		d = 0
	}
	return d
}

// tick fires every expired timer: election timeout for followers and
// candidates; heartbeats and the step-down deadline for leaders.
func (r *Replica) tick() {
	now := r.now()
	if r.role != Leader {
		if !now.Before(r.electionDeadline) {
			r.becomeCandidate()
		}
		return
	}

	if sd, ok := r.stepDownDeadline(); ok && !now.Before(sd) {
		r.stepDown()
		return
	}
	for _, p := range r.peers {
		if now.Sub(r.peerState[p].lastSend) >= r.cfg.HeartbeatInterval {
			r.sendAppend(p, true)
		}
	}
}

// stepDownDeadline returns the instant at which the leader must abandon its
// role: ResponseTimeout past the quorum-threshold-th most recent time a peer
// was heard from. A partitioned former leader hits this and stops serving.
func (r *Replica) stepDownDeadline() (time.Time, bool) {
	if len(r.peers) < r.quorum {
		return time.Time{}, false
	}
	heard := make([]time.Time, 0, len(r.peers))
	for _, p := range r.peers {
		heard = append(heard, r.peerState[p].lastHeard)
	}
	sort.Slice(heard, func(i, j int) bool { return heard[i].After(heard[j]) })
	return heard[r.quorum-1].Add(r.cfg.ResponseTimeout), true
}

// dispatch routes one inbound message to its handler. Every message from a
// known peer refreshes that peer's lastHeard, which may in turn release
// pending reads.
func (r *Replica) dispatch(m *wire.Message) {
	if m.Dst != r.id && m.Dst != wire.Broadcast {
		return
	}
	r.metrics.MessagesIn.WithLabelValues(m.Type).Inc()

	if ps, ok := r.peerState[m.Src]; ok {
		ps.lastHeard = r.now()
	}

	switch m.Type {
	case wire.TypeHello:
		r.logger.Debug("hello", zap.String("from", m.Src))
	case wire.TypeGet:
		r.handleGet(m)
	case wire.TypePut:
		r.handlePut(m)
	case wire.TypeRequestVote:
		r.handleRequestVote(m)
	case wire.TypeVoteResponse:
		r.handleVoteResponse(m)
	case wire.TypeAppend:
		r.handleAppend(m)
	case wire.TypeAppendResponse:
		r.handleAppendResponse(m)
	default:
		// ok and redirect are client-bound; a replica receiving one drops it.
		r.metrics.Discarded.Inc()
		r.logger.Warn("unexpected message type", zap.String("type", m.Type), zap.String("from", m.Src))
	}

	if r.role == Leader {
		r.checkPendingReads()
	}
}

// send transmits one message. Send failures are logged and otherwise ignored;
// the protocol's timers and retries absorb loss.
func (r *Replica) send(m *wire.Message) {
	r.metrics.MessagesOut.WithLabelValues(m.Type).Inc()
	if err := r.tr.Send(m); err != nil {
		r.logger.Warn("send failed", zap.String("type", m.Type), zap.String("dst", m.Dst), zap.Error(err))
	}
}

// resetElectionDeadline re-arms the election timer with a fresh random
// timeout in [min, max) to reduce split votes.
func (r *Replica) resetElectionDeadline() {
	span := r.cfg.ElectionTimeoutMax - r.cfg.ElectionTimeoutMin
	d := r.cfg.ElectionTimeoutMin + time.Duration(r.rng.Int63n(int64(span)))
	r.electionDeadline = r.now().Add(d)
}

// Accessors. Role, Term and LeaderHint read the per-iteration snapshot and
// may be called from any goroutine; Log is safe only once the loop has
// stopped.

// ID returns the replica identity.
func (r *Replica) ID() string { return r.id }

// Role returns the role as of the last loop iteration.
func (r *Replica) Role() Role { return Role(r.pubRole.Load()) }

// Term returns the term as of the last loop iteration.
func (r *Replica) Term() int { return int(r.pubTerm.Load()) }

// LeaderHint returns the believed leader as of the last loop iteration, or
// the broadcast ID when unknown.
func (r *Replica) LeaderHint() string { return r.pubLeader.Load().(string) }

// Log exposes the replica's log for invariant checks in tests.
func (r *Replica) Log() *Log { return r.log }
