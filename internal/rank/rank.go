// Package rank holds the two ordered classification scales: ninja ranks and
// mission rank requirements. The scales are independent and compare only by
// index.
package rank

import (
	"fmt"

	"villagebrain/internal/apperr"
)

// Scale is an ordered enumeration of rank names, weakest first.
type Scale struct {
	name  string
	order []string
	index map[string]int
}

func NewScale(name string, order []string) Scale {
	idx := make(map[string]int, len(order))
	for i, v := range order {
		idx[v] = i
	}
	return Scale{name: name, order: order, index: idx}
}

// NinjaRanks orders ninja seniority.
func NinjaRanks() Scale {
	return NewScale("ninja rank", []string{"Academy", "Genin", "Chunin", "Jonin", "Kage"})
}

// MissionRanks orders mission difficulty requirements.
func MissionRanks() Scale {
	return NewScale("mission rank", []string{"D", "C", "B", "A", "S"})
}

// Index returns the position of v on the scale. Values outside the scale are
// data corruption: ranks are validated on write, so an unknown stored value
// means the record is bad.
func (s Scale) Index(v string) (int, error) {
	i, ok := s.index[v]
	if !ok {
		return 0, apperr.DataCorruption(fmt.Sprintf("unknown %s %q", s.name, v))
	}
	return i, nil
}

// Contains reports whether v is a member of the scale.
func (s Scale) Contains(v string) bool {
	_, ok := s.index[v]
	return ok
}

// Values returns the scale members in order.
func (s Scale) Values() []string {
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// Lowest returns the weakest member of the scale.
func (s Scale) Lowest() string {
	return s.order[0]
}

// Eligible reports whether a ninja of ninjaRank may take a mission requiring
// missionRank: rankIndex(ninja) >= rankIndex(mission).
func Eligible(ninjas, missions Scale, ninjaRank, missionRank string) (bool, error) {
	ni, err := ninjas.Index(ninjaRank)
	if err != nil {
		return false, err
	}
	mi, err := missions.Index(missionRank)
	if err != nil {
		return false, err
	}
	return ni >= mi, nil
}
