package raft

import (
	"go.uber.org/zap"

	"github.com/ReshiAdavan/Bastion/wire"
)

/*
 * Client-facing operations. Writes are appended to the log and acknowledged
 * only from the commit path; repeated MIDs are acknowledged immediately.
 * Reads are held until a quorum confirms this replica was still leader at or
 * after the read arrived, then answered from the applied state. Everything
 * else is a redirect toward the believed leader.
 */

// handlePut accepts a write on the leader and redirects elsewhere.
func (r *Replica) handlePut(m *wire.Message) {
	if r.role != Leader {
		r.sendRedirect(m)
		return
	}

	// Duplicate suppression: an entry with this MID already in the log means
	// the write is committed or on its way; acknowledge as if it succeeded.
	if r.log.HasMID(m.MID) {
		r.send(&wire.Message{
			Src:    r.id,
			Dst:    m.Src,
			Leader: r.leader,
			Type:   wire.TypeOK,
			MID:    m.MID,
		})
		return
	}

	value := ""
	if m.Value != nil {
		value = *m.Value
	}
	idx := r.log.Append(LogEntry{
		Term:         r.term,
		Key:          m.Key,
		Value:        value,
		ClientSrc:    m.Src,
		OriginLeader: r.id,
		MID:          m.MID,
	})
	r.logger.Debug("accepted put",
		zap.String("key", m.Key),
		zap.String("mid", m.MID),
		zap.Int("index", idx))

	for _, p := range r.peers {
		r.sendAppend(p, false)
	}
	// A single-replica cluster commits on its own.
	r.advanceCommit()
}

// handleGet enqueues a read on the leader and forces a heartbeat round so the
// freshness quorum arrives quickly.
func (r *Replica) handleGet(m *wire.Message) {
	if r.role != Leader {
		r.sendRedirect(m)
		return
	}

	for _, pr := range r.pendingReads {
		if pr.mid == m.MID {
			return
		}
	}
	r.pendingReads = append(r.pendingReads, pendingRead{
		src:     m.Src,
		key:     m.Key,
		mid:     m.MID,
		arrived: r.now(),
	})
	for _, p := range r.peers {
		r.sendAppend(p, true)
	}
	r.checkPendingReads()
}

// checkPendingReads answers every read for which a quorum of replicas
// (counting self) has been heard from since the read arrived. A deposed
// leader can never assemble that quorum, so it answers nothing and the client
// retries elsewhere after this replica steps down.
func (r *Replica) checkPendingReads() {
	if len(r.pendingReads) == 0 {
		return
	}
	kept := r.pendingReads[:0]
	for _, pr := range r.pendingReads {
		heard := 1
		for _, p := range r.peers {
			if !r.peerState[p].lastHeard.Before(pr.arrived) {
				heard++
			}
		}
		if heard < r.quorum {
			kept = append(kept, pr)
			continue
		}
		r.send(&wire.Message{
			Src:    r.id,
			Dst:    pr.src,
			Leader: r.leader,
			Type:   wire.TypeOK,
			MID:    pr.mid,
			Value:  wire.Str(r.log.Read(pr.key)),
		})
	}
	r.pendingReads = kept
}

// sendRedirect points a client at the believed leader, or broadcast when no
// leader is known.
func (r *Replica) sendRedirect(m *wire.Message) {
	r.send(&wire.Message{
		Src:    r.id,
		Dst:    m.Src,
		Leader: r.leader,
		Type:   wire.TypeRedirect,
		MID:    m.MID,
	})
}
