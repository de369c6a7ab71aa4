package raft

import (
	"go.uber.org/zap"

	"github.com/ReshiAdavan/Bastion/wire"
)

/*
 * Log replication. The leader tracks nextIndex/matchIndex per peer, ships
 * batched appends, walks nextIndex backwards on mismatch, and advances the
 * commit index once a quorum matches an entry from the current term. Empty
 * appends double as heartbeats and liveness probes.
 */

// sendAppend ships the next batch of entries to peer p, or an empty heartbeat
// when p is up to date and force is set. Heartbeats carry null
// prev_log_index/prev_log_term; a real append from the log head uses -1.
func (r *Replica) sendAppend(p string, force bool) {
	ps := r.peerState[p]
	m := &wire.Message{
		Src:          r.id,
		Dst:          p,
		Leader:       r.leader,
		Type:         wire.TypeAppend,
		Term:         r.term,
		LeaderCommit: wire.Int(r.log.CommitIndex()),
	}

	n := ps.nextIndex
	if n <= r.log.LastIndex() {
		end := n + r.cfg.Batch
		if end > r.log.Len() {
			end = r.log.Len()
		}
		batch := r.log.Slice(n, end)
		entries := make([]wire.Entry, len(batch))
		for i, e := range batch {
			entries[i] = e.toWire()
		}
		m.PrevLogIndex = wire.Int(n - 1)
		m.PrevLogTerm = wire.Int(r.log.TermAt(n - 1))
		m.Entries = entries
	} else if !force {
		return
	}

	ps.lastSend = r.now()
	r.send(m)
}

// handleAppend is the follower side: accept the leader, check log
// consistency, reconcile entries, and advance the commit index.
func (r *Replica) handleAppend(m *wire.Message) {
	if m.Term < r.term {
		// Stale leader; silence teaches it nothing, its own term discovery will.
		return
	}
	r.adoptTerm(m.Term)
	if r.role != Follower {
		// An equal-term append means a legitimate leader exists.
		r.toFollower()
	}
	r.leader = m.Src
	r.resetElectionDeadline()

	leaderCommit := -1
	if m.LeaderCommit != nil {
		leaderCommit = *m.LeaderCommit
	}

	// Pure heartbeat: no consistency check, no log mutation.
	if m.PrevLogIndex == nil && len(m.Entries) == 0 {
		r.applyCommitted(leaderCommit)
		r.sendAppendResponse(m.Src, true)
		return
	}

	prevIndex := -1
	if m.PrevLogIndex != nil {
		prevIndex = *m.PrevLogIndex
	}
	prevTerm := -1
	if m.PrevLogTerm != nil {
		prevTerm = *m.PrevLogTerm
	}

	if prevIndex >= 0 {
		if prevIndex >= r.log.Len() || r.log.TermAt(prevIndex) != prevTerm {
			r.metrics.AppendsRejected.Inc()
			r.logger.Debug("append mismatch",
				zap.Int("prevIndex", prevIndex),
				zap.Int("prevTerm", prevTerm),
				zap.Int("ourTerm", r.log.TermAt(prevIndex)),
				zap.Int("logLen", r.log.Len()))
			r.sendAppendResponse(m.Src, false)
			return
		}
	}

	// Reconcile: keep the matching prefix, truncate at the first conflict,
	// append the remainder. An entry with the same index and term is the same
	// entry by the log-matching property, so a delayed or duplicated append
	// can never clobber committed state.
	for i, we := range m.Entries {
		idx := prevIndex + 1 + i
		e := entryFromWire(we)
		if idx < r.log.Len() {
			if r.log.TermAt(idx) == e.Term {
				continue
			}
			r.log.TruncateFrom(idx)
		}
		r.log.Append(e)
	}

	r.applyCommitted(leaderCommit)
	r.sendAppendResponse(m.Src, true)
}

func (r *Replica) sendAppendResponse(dst string, success bool) {
	m := &wire.Message{
		Src:     r.id,
		Dst:     dst,
		Leader:  r.leader,
		Type:    wire.TypeAppendResponse,
		Success: wire.Bool(success),
	}
	if success {
		m.MatchIndex = wire.Int(r.log.LastIndex())
	}
	r.send(m)
}

// applyCommitted advances this replica's commit index toward the leader's and
// applies the newly committed entries in order.
func (r *Replica) applyCommitted(leaderCommit int) {
	newly := r.log.CommitTo(leaderCommit)
	if len(newly) == 0 {
		return
	}
	r.metrics.EntriesCommitted.Add(float64(len(newly)))
	r.metrics.CommitIndex.Set(float64(r.log.CommitIndex()))
	r.logger.Debug("applied entries",
		zap.Int("count", len(newly)),
		zap.Int("commitIndex", r.log.CommitIndex()))
}

// handleAppendResponse is the leader side: on success record the peer's match
// point and try to commit; on failure walk nextIndex back one step and retry.
func (r *Replica) handleAppendResponse(m *wire.Message) {
	if r.role != Leader {
		return
	}
	ps, ok := r.peerState[m.Src]
	if !ok || m.Success == nil {
		return
	}

	if *m.Success {
		if m.MatchIndex == nil {
			return
		}
		mi := *m.MatchIndex
		if mi > r.log.LastIndex() {
			// A reply about some other leader's entries; it cannot vouch for ours.
			mi = r.log.LastIndex()
		}
		if mi > ps.matchIndex {
			ps.matchIndex = mi
			ps.nextIndex = mi + 1
		}
		r.advanceCommit()
		if ps.nextIndex <= r.log.LastIndex() {
			r.sendAppend(m.Src, false)
		}
		return
	}

	if ps.nextIndex > 0 {
		ps.nextIndex--
	}
	r.sendAppend(m.Src, false)
}

// advanceCommit finds the highest index replicated on a quorum (counting
// self) whose entry is from the current term, commits through it, and emits
// the commit-gated client replies for entries this leader accepted. Entries
// from prior terms are never committed directly; they ride along underneath a
// current-term commit.
func (r *Replica) advanceCommit() {
	for n := r.log.LastIndex(); n > r.log.CommitIndex(); n-- {
		if r.log.TermAt(n) != r.term {
			// Terms only decrease toward the head; nothing below can match.
			break
		}
		count := 1
		for _, p := range r.peers {
			if r.peerState[p].matchIndex >= n {
				count++
			}
		}
		if count < r.quorum {
			continue
		}

		newly := r.log.CommitTo(n)
		r.metrics.EntriesCommitted.Add(float64(len(newly)))
		r.metrics.CommitIndex.Set(float64(r.log.CommitIndex()))
		r.logger.Info("committed", zap.Int("through", n), zap.Int("count", len(newly)))
		for _, e := range newly {
			if e.OriginLeader == r.id && e.ClientSrc != "" {
				r.send(&wire.Message{
					Src:    r.id,
					Dst:    e.ClientSrc,
					Leader: r.leader,
					Type:   wire.TypeOK,
					MID:    e.MID,
				})
			}
		}
		return
	}
}
