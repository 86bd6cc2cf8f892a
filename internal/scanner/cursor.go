package scanner

import "github.com/stakevrun/fee/internal/domain/model"

// IncludeSet records which log identities have already been folded for a
// stream. The finalized path uses Set, which never forgets an identity;
// the unfinalized path uses the staging area's per-block sets so that
// pruning a block releases its identities for the finalized scan.
type IncludeSet interface {
	Contains(id model.LogID) bool
	Add(id model.LogID, blockNumber uint64)
}

// Set is the finalized-path IncludeSet. Once present, an identity is
// never removed, which guarantees at-most-once application of a
// finalized event even under re-scan or restart.
type Set struct {
	ids map[model.LogID]struct{}
}

func NewSet() *Set {
	return &Set{ids: make(map[model.LogID]struct{})}
}

func (s *Set) Contains(id model.LogID) bool {
	_, ok := s.ids[id]
	return ok
}

func (s *Set) Add(id model.LogID, _ uint64) {
	s.ids[id] = struct{}{}
}

func (s *Set) Len() int {
	return len(s.ids)
}
