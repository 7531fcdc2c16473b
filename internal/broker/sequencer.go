package broker

import "sync"

type slot struct {
	cb     DeliveryFunc
	report Report
	done   bool
}

// sequencer numbers submissions as they are accepted and releases their
// callbacks strictly in that order, whatever order the library reports
// completions in.
type sequencer struct {
	mu    sync.Mutex
	next  uint64
	head  uint64
	slots map[uint64]*slot

	// dispatch serializes release so callbacks from concurrent pollers
	// cannot interleave.
	dispatch sync.Mutex
}

func newSequencer() *sequencer {
	return &sequencer{slots: make(map[uint64]*slot)}
}

// reserve allocates the next sequence number for cb.
func (s *sequencer) reserve(cb DeliveryFunc) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	seq := s.next
	s.next++
	s.slots[seq] = &slot{cb: cb}
	return seq
}

// cancel withdraws a reservation whose submission was rejected. Only the
// most recent reservation can be withdrawn.
func (s *sequencer) cancel(seq uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl, ok := s.slots[seq]
	if !ok || sl.done || seq+1 != s.next {
		return false
	}
	delete(s.slots, seq)
	s.next--
	return true
}

// complete records the delivery report for seq.
func (s *sequencer) complete(seq uint64, r Report) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sl, ok := s.slots[seq]; ok {
		sl.report = r
		sl.done = true
	}
}

// release fires the callbacks for the completed prefix and returns how many
// fired.
func (s *sequencer) release() int {
	s.dispatch.Lock()
	defer s.dispatch.Unlock()

	s.mu.Lock()
	var ready []*slot
	for {
		sl, ok := s.slots[s.head]
		if !ok || !sl.done {
			break
		}
		delete(s.slots, s.head)
		s.head++
		ready = append(ready, sl)
	}
	s.mu.Unlock()

	for _, sl := range ready {
		if sl.cb != nil {
			sl.cb(sl.report)
		}
	}
	return len(ready)
}

// outstanding counts accepted submissions whose callbacks have not fired.
func (s *sequencer) outstanding() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int(s.next - s.head)
}
