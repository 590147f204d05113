package group

import (
	"slices"

	"github.com/pkg/errors"
)

// ViewID identifies the view.
type ViewID struct {
	Coordinator string
	LTime       uint64
}

// ViewState is the membership snapshot. Once installed it must not be modified,
// mutations are allowed only on the candidate view carried by PreView.
type ViewState struct {
	ID        ViewID
	Group     string
	Members   []string
	Addresses []string
}

// Rank returns the rank of member or -1 if it does not belong to the view.
func (vs *ViewState) Rank(member string) int {
	return slices.Index(vs.Members, member)
}

// Clone returns deep copy of the view.
func (vs *ViewState) Clone() *ViewState {
	return &ViewState{
		ID:        vs.ID,
		Group:     vs.Group,
		Members:   slices.Clone(vs.Members),
		Addresses: slices.Clone(vs.Addresses),
	}
}

// Remove removes members from the view.
func (vs *ViewState) Remove(members ...string) {
	for _, member := range members {
		rank := vs.Rank(member)
		if rank < 0 {
			continue
		}
		vs.Members = slices.Delete(vs.Members, rank, rank+1)
		if rank < len(vs.Addresses) {
			vs.Addresses = slices.Delete(vs.Addresses, rank, rank+1)
		}
	}
}

// LocalState is the position of local member in the view.
type LocalState struct {
	Rank        int
	Coordinator bool
}

// NewLocalState computes local state of the member.
func NewLocalState(vs *ViewState, self string) (*LocalState, error) {
	rank := vs.Rank(self)
	if rank < 0 {
		return nil, errors.Errorf("member %q does not belong to view %v", self, vs.ID)
	}
	return &LocalState{
		Rank:        rank,
		Coordinator: rank == 0,
	}, nil
}
