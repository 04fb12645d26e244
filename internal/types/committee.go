package types

import "fmt"

// Committee is the ordered, fixed set of replicas participating in
// consensus. Every member has voting power 1; there is no weighted
// voting in this model.
type Committee struct {
	Members []PublicKey
	index   map[PublicKey]int
}

// NewCommittee builds a Committee from an ordered list of member keys.
func NewCommittee(members []PublicKey) (*Committee, error) {
	if len(members) == 0 {
		return nil, fmt.Errorf("committee must not be empty")
	}
	idx := make(map[PublicKey]int, len(members))
	for i, m := range members {
		if _, dup := idx[m]; dup {
			return nil, fmt.Errorf("committee: duplicate member %s", m)
		}
		idx[m] = i
	}
	cp := make([]PublicKey, len(members))
	copy(cp, members)
	return &Committee{Members: cp, index: idx}, nil
}

// Size returns the committee size n.
func (c *Committee) Size() int { return len(c.Members) }

// F returns the maximum number of faulty replicas tolerated:
// f = floor((n-1)/3).
func (c *Committee) F() int { return (c.Size() - 1) / 3 }

// Quorum returns the quorum threshold q = n - f.
func (c *Committee) Quorum() int { return c.Size() - c.F() }

// Contains reports whether pk is a committee member.
func (c *Committee) Contains(pk PublicKey) bool {
	_, ok := c.index[pk]
	return ok
}

// IndexOf returns the committee member's position, used for round-robin
// leader election.
func (c *Committee) IndexOf(pk PublicKey) (int, bool) {
	i, ok := c.index[pk]
	return i, ok
}

// MemberAt returns the committee member at round-robin position i.
func (c *Committee) MemberAt(i int) PublicKey {
	return c.Members[i%len(c.Members)]
}
