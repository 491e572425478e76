// Package memory is the in-process learning store, used by tests and by
// deployments that run without Postgres.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/wittgen/lgdl/internal/learning"
	"github.com/wittgen/lgdl/pkg/lgerr"
)

// Store keeps interactions and proposals in memory.
type Store struct {
	mu           sync.Mutex
	interactions []learning.Interaction
	proposals    map[string]*learning.Proposal
}

var _ learning.Store = (*Store)(nil)

// New creates an empty Store.
func New() *Store {
	return &Store{proposals: make(map[string]*learning.Proposal)}
}

// SaveInteraction appends one interaction record.
func (s *Store) SaveInteraction(_ context.Context, in learning.Interaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interactions = append(s.interactions, in)
	return nil
}

// Interactions returns a copy of everything observed so far.
func (s *Store) Interactions() []learning.Interaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]learning.Interaction, len(s.interactions))
	copy(out, s.interactions)
	return out
}

// SaveProposal inserts a new proposal.
func (s *Store) SaveProposal(_ context.Context, p *learning.Proposal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.proposals[p.ID]; ok {
		return fmt.Errorf("memory: proposal %s already exists", p.ID)
	}
	cp := *p
	s.proposals[p.ID] = &cp
	return nil
}

// ProposalByID returns a proposal or an E401 error when absent.
func (s *Store) ProposalByID(_ context.Context, id string) (*learning.Proposal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.proposals[id]
	if !ok {
		return nil, lgerr.New(lgerr.CodeProposalUnknown, "proposal %q does not exist", id)
	}
	cp := *p
	return &cp, nil
}

// UpdateProposal overwrites an existing proposal.
func (s *Store) UpdateProposal(_ context.Context, p *learning.Proposal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.proposals[p.ID]; !ok {
		return lgerr.New(lgerr.CodeProposalUnknown, "proposal %q does not exist", p.ID)
	}
	cp := *p
	s.proposals[p.ID] = &cp
	return nil
}

// Pending lists pending proposals for a game, oldest first.
func (s *Store) Pending(_ context.Context, gameID string) ([]*learning.Proposal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*learning.Proposal
	for _, p := range s.proposals {
		if p.GameID == gameID && p.Status == learning.StatusPending {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
