package raft

import (
	"github.com/ReshiAdavan/Bastion/wire"
)

// LogEntry is one replicated command. Entries keep the originating client
// context (ClientSrc, OriginLeader, MID) so duplicate checks and committed
// replies survive leader handover.
type LogEntry struct {
	Term         int
	Key          string
	Value        string
	ClientSrc    string
	OriginLeader string
	MID          string
}

// toWire converts an entry for transmission inside an append message.
func (e LogEntry) toWire() wire.Entry {
	return wire.Entry{
		Term:  e.Term,
		Key:   e.Key,
		Value: e.Value,
		Src:   e.ClientSrc,
		Dst:   e.OriginLeader,
		MID:   e.MID,
	}
}

func entryFromWire(e wire.Entry) LogEntry {
	return LogEntry{
		Term:         e.Term,
		Key:          e.Key,
		Value:        e.Value,
		ClientSrc:    e.Src,
		OriginLeader: e.Dst,
		MID:          e.MID,
	}
}

/*
 * Log is the zero-indexed entry sequence plus the committed prefix applied to
 * the key-value state machine. Indices and terms below zero mean "none yet":
 * an empty log has LastIndex() == -1 and a fresh replica has commit == -1.
 */
type Log struct {
	entries []LogEntry
	commit  int
	applied map[string]string
	mids    map[string]int // MID -> log index, for duplicate suppression
}

// NewLog returns an empty log with nothing committed.
func NewLog() *Log {
	return &Log{
		commit:  -1,
		applied: make(map[string]string),
		mids:    make(map[string]int),
	}
}

func (l *Log) Len() int { return len(l.entries) }

// LastIndex returns the index of the final entry, or -1 when empty.
func (l *Log) LastIndex() int { return len(l.entries) - 1 }

// LastTerm returns the term of the final entry, or -1 when empty.
func (l *Log) LastTerm() int {
	if len(l.entries) == 0 {
		return -1
	}
	return l.entries[len(l.entries)-1].Term
}

// TermAt returns the term of the entry at index i, or -1 if out of range.
func (l *Log) TermAt(i int) int {
	if i < 0 || i >= len(l.entries) {
		return -1
	}
	return l.entries[i].Term
}

// At returns the entry at index i. The caller checks bounds.
func (l *Log) At(i int) LogEntry { return l.entries[i] }

// Append adds an entry at the tail and returns its index.
func (l *Log) Append(e LogEntry) int {
	l.entries = append(l.entries, e)
	idx := len(l.entries) - 1
	if e.MID != "" {
		l.mids[e.MID] = idx
	}
	return idx
}

// Slice returns entries[from:to] clamped to the log bounds.
func (l *Log) Slice(from, to int) []LogEntry {
	if from < 0 {
		from = 0
	}
	if to > len(l.entries) {
		to = len(l.entries)
	}
	if from >= to {
		return nil
	}
	out := make([]LogEntry, to-from)
	copy(out, l.entries[from:to])
	return out
}

// TruncateFrom drops entries[i:] and forgets their MIDs. Followers use this
// to discard an uncommitted suffix that conflicts with the leader's log.
func (l *Log) TruncateFrom(i int) {
	if i < 0 || i >= len(l.entries) {
		return
	}
	for _, e := range l.entries[i:] {
		if e.MID != "" {
			delete(l.mids, e.MID)
		}
	}
	l.entries = l.entries[:i]
}

// HasMID reports whether an entry with this MID is present in the log.
func (l *Log) HasMID(mid string) bool {
	_, ok := l.mids[mid]
	return ok
}

// CommitIndex returns the highest committed index, -1 when none.
func (l *Log) CommitIndex() int { return l.commit }

// CommitTo advances the commit index to at most i (monotone, clamped to the
// log tail) and applies the newly committed entries to the state machine in
// order. It returns those entries so the leader can emit client replies from
// the commit path.
func (l *Log) CommitTo(i int) []LogEntry {
	if i > len(l.entries)-1 {
		i = len(l.entries) - 1
	}
	if i <= l.commit {
		return nil
	}
	newly := l.Slice(l.commit+1, i+1)
	for _, e := range newly {
		l.applied[e.Key] = e.Value
	}
	l.commit = i
	return newly
}

// Read returns the applied value for key, or "" when the key is absent.
func (l *Log) Read(key string) string { return l.applied[key] }
