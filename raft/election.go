package raft

import (
	"go.uber.org/zap"

	"github.com/ReshiAdavan/Bastion/wire"
)

/*
 * Leader election. A follower whose election timer fires becomes a candidate,
 * increments the term, votes for itself and solicits the cluster. Votes are
 * deduped by sender; quorum in the same term wins. There is no explicit
 * denial message: silence within the election timeout is a denial.
 */

// becomeCandidate starts a new election in the next term.
func (r *Replica) becomeCandidate() {
	r.role = Candidate
	r.term++
	r.votedFor = r.id
	r.leader = wire.Broadcast
	r.votes = map[string]bool{r.id: true}
	r.resetElectionDeadline()
	r.metrics.CurrentTerm.Set(float64(r.term))
	r.metrics.Role.Set(float64(Candidate))
	r.logger.Info("election started", zap.Int("term", r.term))

	for _, p := range r.peers {
		r.send(&wire.Message{
			Src:          r.id,
			Dst:          p,
			Leader:       r.leader,
			Type:         wire.TypeRequestVote,
			Term:         r.term,
			LastLogIndex: wire.Int(r.log.LastIndex()),
			LastLogTerm:  wire.Int(r.log.LastTerm()),
		})
	}

	// A cluster of one elects itself.
	if len(r.votes) >= r.quorum {
		r.becomeLeader()
	}
}

// becomeLeader installs this replica as leader for the current term: reset
// all per-peer replication state and assert leadership with an immediate
// heartbeat round.
func (r *Replica) becomeLeader() {
	r.role = Leader
	r.leader = r.id
	r.votes = nil
	now := r.now()
	for _, p := range r.peers {
		ps := r.peerState[p]
		ps.nextIndex = r.log.Len()
		ps.matchIndex = -1
		ps.lastHeard = now // grace period before the step-down check applies
	}
	r.metrics.ElectionsWon.Inc()
	r.metrics.Role.Set(float64(Leader))
	r.logger.Info("won election",
		zap.Int("term", r.term),
		zap.Int("lastLogIndex", r.log.LastIndex()))

	for _, p := range r.peers {
		r.sendAppend(p, true)
	}
}

// stepDown abandons leadership because a quorum of peers has gone quiet.
// The term is unchanged; the believed leader reverts to broadcast so client
// redirects stop pointing at this replica.
func (r *Replica) stepDown() {
	r.logger.Warn("stepping down, lost contact with quorum", zap.Int("term", r.term))
	r.metrics.StepDowns.Inc()
	r.leader = wire.Broadcast
	r.toFollower()
}

// adoptTerm handles discovery of a higher term through any message: adopt it,
// clear the vote, and fall back to follower.
func (r *Replica) adoptTerm(term int) {
	if term <= r.term {
		return
	}
	r.logger.Info("adopting higher term", zap.Int("from", r.term), zap.Int("to", term))
	r.term = term
	r.votedFor = ""
	r.leader = wire.Broadcast
	r.metrics.CurrentTerm.Set(float64(r.term))
	r.toFollower()
}

// toFollower resets role-specific substate. The election timer is re-armed
// only when leaving the leader role, whose timer was not running.
func (r *Replica) toFollower() {
	if r.role == Leader {
		r.resetElectionDeadline()
	}
	r.role = Follower
	r.votes = nil
	r.pendingReads = nil
	r.metrics.Role.Set(float64(Follower))
}

// handleRequestVote applies the vote-granting rules: same term, no conflicting
// prior vote, and a candidate log at least as up-to-date as ours.
func (r *Replica) handleRequestVote(m *wire.Message) {
	if m.Term < r.term {
		return
	}
	r.adoptTerm(m.Term)

	if m.LastLogIndex == nil || m.LastLogTerm == nil {
		r.metrics.Discarded.Inc()
		r.logger.Warn("request_vote missing log position", zap.String("from", m.Src))
		return
	}
	if r.votedFor != "" && r.votedFor != m.Src {
		return
	}
	if !r.candidateUpToDate(*m.LastLogTerm, *m.LastLogIndex) {
		return
	}

	r.votedFor = m.Src
	r.toFollower()
	r.resetElectionDeadline()
	r.logger.Info("granted vote", zap.String("candidate", m.Src), zap.Int("term", r.term))
	r.send(&wire.Message{
		Src:    r.id,
		Dst:    m.Src,
		Leader: r.leader,
		Type:   wire.TypeVoteResponse,
		Term:   r.term,
	})
}

// candidateUpToDate compares (lastLogTerm, lastLogIndex) lexicographically:
// the candidate wins ties on term by having at least as long a log.
func (r *Replica) candidateUpToDate(candTerm, candIndex int) bool {
	ourTerm, ourIndex := r.log.LastTerm(), r.log.LastIndex()
	if candTerm != ourTerm {
		return candTerm > ourTerm
	}
	return candIndex >= ourIndex
}

// handleVoteResponse counts a granted vote. Votes from stale terms or outside
// a candidacy are ignored.
func (r *Replica) handleVoteResponse(m *wire.Message) {
	if m.Term > r.term {
		r.adoptTerm(m.Term)
		return
	}
	if r.role != Candidate || m.Term != r.term {
		return
	}
	r.votes[m.Src] = true
	if len(r.votes) >= r.quorum {
		r.becomeLeader()
	}
}
