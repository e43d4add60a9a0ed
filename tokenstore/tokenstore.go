// Package tokenstore implements the per-arrow queue of envelopes stamped
// with a producer epoch and sequence number, and the join-policy logic
// that decides when a downstream node has enough inbound tokens to
// activate.
package tokenstore

import (
	"sync"

	"github.com/dipeo/dipeo-engine/diagram"
	"github.com/dipeo/dipeo-engine/envelope"
	"github.com/dipeo/dipeo-engine/statetracker"
)

// Token is an envelope stamped with the arrow it arrived on, the epoch of
// the producer that emitted it, and a monotonically increasing sequence
// number used to preserve FIFO order within the arrow.
type Token struct {
	Envelope       envelope.Envelope
	ArrowID        diagram.ArrowID
	ProducerEpoch  statetracker.Epoch
	SequenceNumber int64
}

// Store holds one FIFO queue per arrow and exposes the join-policy
// readiness checks the scheduler relies on.
type Store struct {
	mu       sync.Mutex
	diag     *diagram.Diagram
	queues   map[diagram.ArrowID][]Token
	nextSeq  int64
}

// New constructs an empty Store over a compiled diagram (needed to resolve
// a node's inbound arrows for peek/consume/hasNewInputs).
func New(d *diagram.Diagram) *Store {
	return &Store{
		diag:   d,
		queues: make(map[diagram.ArrowID][]Token),
	}
}

// Emit appends a token carrying env to arrowID's queue, stamping it with a
// fresh sequence number.
func (s *Store) Emit(arrowID diagram.ArrowID, env envelope.Envelope, producerEpoch statetracker.Epoch) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSeq++
	s.queues[arrowID] = append(s.queues[arrowID], Token{
		Envelope:       env,
		ArrowID:        arrowID,
		ProducerEpoch:  producerEpoch,
		SequenceNumber: s.nextSeq,
	})
}

// Peek returns, for each inbound arrow of dstNode, the oldest unconsumed
// token if one exists.
func (s *Store) Peek(dstNode diagram.NodeID) map[diagram.ArrowID]*Token {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peekLocked(dstNode)
}

func (s *Store) peekLocked(dstNode diagram.NodeID) map[diagram.ArrowID]*Token {
	out := make(map[diagram.ArrowID]*Token)
	for _, a := range s.diag.Inbound(dstNode) {
		q := s.queues[a.ID]
		if len(q) == 0 {
			continue
		}
		tok := q[0]
		out[a.ID] = &tok
	}
	return out
}

// HasNewInputs reports whether at least one inbound arrow of dstNode has an
// unconsumed token stamped with a producer epoch >= sinceEpoch.
func (s *Store) HasNewInputs(dstNode diagram.NodeID, sinceEpoch statetracker.Epoch) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.diag.Inbound(dstNode) {
		for _, tok := range s.queues[a.ID] {
			if tok.ProducerEpoch >= sinceEpoch {
				return true
			}
		}
	}
	return false
}

// Ready reports whether dstNode's join policy is satisfied by the tokens
// currently queued on its inbound arrows: ALL_REQUIRED needs a token on
// every non-optional inbound arrow; ANY needs a token on at least one.
func (s *Store) Ready(dstNode diagram.NodeID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	inbound := s.diag.Inbound(dstNode)
	if len(inbound) == 0 {
		return false
	}

	policy := s.diag.JoinPolicyFor(dstNode)
	anyReady := false
	for _, a := range inbound {
		has := len(s.queues[a.ID]) > 0
		if has {
			anyReady = true
		}
		if policy == diagram.JoinAllRequired && !a.Optional && !has {
			return false
		}
	}
	if policy == diagram.JoinAny {
		return anyReady
	}
	return true
}

// Consume pops one token from every inbound arrow of dstNode that
// currently has one, atomically from any observer's perspective (the whole
// operation runs under the store's lock). Arrows with no pending token are
// simply absent from the result and remain pending.
func (s *Store) Consume(dstNode diagram.NodeID) map[diagram.ArrowID]Token {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[diagram.ArrowID]Token)
	for _, a := range s.diag.Inbound(dstNode) {
		q := s.queues[a.ID]
		if len(q) == 0 {
			continue
		}
		out[a.ID] = q[0]
		s.queues[a.ID] = q[1:]
	}
	return out
}

// ClearFor drains every pending token on an arrow without returning them,
// used to discard a CONDITION's non-taken branch so its downstream nodes
// never see a stale token from a previous epoch.
func (s *Store) ClearFor(arrowID diagram.ArrowID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.queues, arrowID)
}

// QueueDepth reports how many tokens are currently queued on an arrow,
// primarily for metrics.
func (s *Store) QueueDepth(arrowID diagram.ArrowID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queues[arrowID])
}
