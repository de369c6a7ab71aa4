package linearizability

/*
 * Linearizability checker in the Wing & Gong style with the P-compositionality
 * refinements: operations are laid out as a doubly linked list of call/return
 * events, and a depth-first search tries every admissible linearization order,
 * memoizing (linearized-set, state) pairs to prune revisits.
 */

import (
	"math/bits"
	"sort"
	"sync/atomic"
	"time"
)

// histEvent is one end of an operation in the flattened history.
type histEvent struct {
	isReturn bool
	value    interface{}
	id       uint
	time     int64
}

func flatten(history []Operation) []histEvent {
	events := make([]histEvent, 0, 2*len(history))
	for i, op := range history {
		events = append(events,
			histEvent{false, op.Input, uint(i), op.Call},
			histEvent{true, op.Output, uint(i), op.Return})
	}
	sort.SliceStable(events, func(i, j int) bool { return events[i].time < events[j].time })
	return events
}

// listNode is an event in the mutable doubly linked list the search walks.
// Call nodes point at their matching return via match; return nodes have nil.
type listNode struct {
	value interface{}
	match *listNode
	id    uint
	prev  *listNode
	next  *listNode
}

func buildList(events []histEvent) *listNode {
	var head *listNode
	returns := make(map[uint]*listNode)
	for i := len(events) - 1; i >= 0; i-- {
		ev := events[i]
		n := &listNode{value: ev.value, id: ev.id}
		if ev.isReturn {
			returns[ev.id] = n
		} else {
			n.match = returns[ev.id]
		}
		n.next = head
		if head != nil {
			head.prev = n
		}
		head = n
	}
	return head
}

// detach removes a call node and its return from the list; reattach undoes it.
func detach(call *listNode) {
	call.prev.next = call.next
	call.next.prev = call.prev
	ret := call.match
	ret.prev.next = ret.next
	if ret.next != nil {
		ret.next.prev = ret.prev
	}
}

func reattach(call *listNode) {
	ret := call.match
	ret.prev.next = ret
	if ret.next != nil {
		ret.next.prev = ret
	}
	call.prev.next = call
	call.next.prev = call
}

// bitset tracks which operations the current search branch has linearized.
type bitset []uint64

func newBitset(n uint) bitset {
	return make(bitset, (n+63)/64)
}

func (b bitset) clone() bitset {
	c := make(bitset, len(b))
	copy(c, b)
	return c
}

func (b bitset) set(pos uint) bitset {
	b[pos/64] |= 1 << (pos % 64)
	return b
}

func (b bitset) clear(pos uint) bitset {
	b[pos/64] &^= 1 << (pos % 64)
	return b
}

func (b bitset) hash() uint64 {
	h := uint64(0)
	for _, w := range b {
		h ^= w
		h += uint64(bits.OnesCount64(w))
	}
	return h
}

func (b bitset) equals(o bitset) bool {
	if len(b) != len(o) {
		return false
	}
	for i := range b {
		if b[i] != o[i] {
			return false
		}
	}
	return true
}

type memoEntry struct {
	linearized bitset
	state      interface{}
}

type searchFrame struct {
	call  *listNode
	state interface{}
}

// checkPartition reports whether one sub-history admits any linearization.
// kill aborts the search early once a sibling partition has already failed.
func checkPartition(model Model, head *listNode, kill *int32) bool {
	n := uint(0)
	for cur := head; cur != nil; cur = cur.next {
		n++
	}
	n /= 2

	linearized := newBitset(n)
	memo := make(map[uint64][]memoEntry)
	var stack []searchFrame

	state := model.Init()
	sentinel := &listNode{id: ^uint(0), next: head}
	if head != nil {
		head.prev = sentinel
	}
	cur := head
	for sentinel.next != nil {
		if atomic.LoadInt32(kill) != 0 {
			return false
		}
		if cur.match != nil {
			// A call whose return is present: try linearizing it here.
			ok, next := model.Step(state, cur.value, cur.match.value)
			if ok {
				updated := linearized.clone().set(cur.id)
				cand := memoEntry{updated, next}
				if !seen(model, memo, cand) {
					memo[updated.hash()] = append(memo[updated.hash()], cand)
					stack = append(stack, searchFrame{cur, state})
					state = next
					linearized.set(cur.id)
					detach(cur)
					cur = sentinel.next
					continue
				}
			}
			cur = cur.next
			continue
		}
		// Hit a return before linearizing its call: backtrack.
		if len(stack) == 0 {
			return false
		}
		top := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		cur, state = top.call, top.state
		linearized.clear(cur.id)
		reattach(cur)
		cur = cur.next
	}
	return true
}

func seen(model Model, memo map[uint64][]memoEntry, cand memoEntry) bool {
	for _, e := range memo[cand.linearized.hash()] {
		if cand.linearized.equals(e.linearized) && model.Equal(cand.state, e.state) {
			return true
		}
	}
	return false
}

func fillDefaults(model Model) Model {
	if model.Partition == nil {
		model.Partition = NoPartition
	}
	if model.Equal == nil {
		model.Equal = ShallowEqual
	}
	return model
}

// Check reports whether history is linearizable with respect to model.
func Check(model Model, history []Operation) bool {
	return CheckTimeout(model, history, 0)
}

// CheckTimeout is Check with a cap on search time. On timeout it returns
// true: an undecided history is not evidence of a violation.
func CheckTimeout(model Model, history []Operation, timeout time.Duration) bool {
	model = fillDefaults(model)
	partitions := model.Partition(history)

	results := make(chan bool, len(partitions))
	kill := int32(0)
	for _, part := range partitions {
		go func(part []Operation) {
			results <- checkPartition(model, buildList(flatten(part)), &kill)
		}(part)
	}

	var expired <-chan time.Time
	if timeout > 0 {
		expired = time.After(timeout)
	}
	for done := 0; done < len(partitions); done++ {
		select {
		case ok := <-results:
			if !ok {
				atomic.StoreInt32(&kill, 1)
				return false
			}
		case <-expired:
			return true
		}
	}
	return true
}
