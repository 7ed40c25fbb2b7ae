package voting

import (
	"log/slog"
	"sort"

	"github.com/fedbtc/fedbtcd/internal/rsk"
)

// Election keeps the sticky initiator choice. Each node tracks what every
// other node reports as its initiator pick; the most popular report wins, so
// the choice does not flap on membership observation order. State is owned by
// one node instance and only touched from the node loop.
type Election struct {
	localID string
	reports map[string]string // nodeID -> reported initiator
	current string
}

// NewElection creates the election state for the local node.
func NewElection(localID string) *Election {
	localID = rsk.NormalizeAddress(localID)
	return &Election{
		localID: localID,
		reports: map[string]string{},
	}
}

// Current returns the currently adopted initiator id, or "" before the first
// tally.
func (e *Election) Current() string {
	return e.current
}

// IsInitiator reports whether the local node is the adopted initiator.
func (e *Election) IsInitiator() bool {
	return e.current != "" && rsk.SameAddress(e.current, e.localID)
}

// RecordReport stores a peer's reported initiator pick.
func (e *Election) RecordReport(nodeID, initiatorID string) {
	e.reports[rsk.NormalizeAddress(nodeID)] = rsk.NormalizeAddress(initiatorID)
}

// NodeUnavailable drops a departed node's report. If the departed node was
// the adopted initiator, the local pick is cleared to force re-election.
func (e *Election) NodeUnavailable(nodeID string) {
	nodeID = rsk.NormalizeAddress(nodeID)
	delete(e.reports, nodeID)
	if rsk.SameAddress(e.current, nodeID) {
		slog.Info("initiator departed, clearing pick", "initiator", nodeID)
		e.current = ""
	}
}

// Tally adopts the most popular reported initiator across the known members.
// Popularity ties break toward the smaller node id. A winner that is not a
// known member is discarded in favour of the lexicographically smallest
// member. Returns the adopted initiator.
func (e *Election) Tally(members []string) string {
	known := make(map[string]bool, len(members))
	normalized := make([]string, len(members))
	for i, m := range members {
		normalized[i] = rsk.NormalizeAddress(m)
		known[normalized[i]] = true
	}
	sort.Strings(normalized)

	// Count our own report too, so a lone node converges on itself.
	votes := map[string]int{}
	if e.current != "" {
		votes[e.current]++
	}
	for reporter, pick := range e.reports {
		if !known[reporter] {
			continue
		}
		votes[pick]++
	}

	winner := ""
	winnerVotes := 0
	for pick, count := range votes {
		if count > winnerVotes || (count == winnerVotes && (winner == "" || pick < winner)) {
			winner = pick
			winnerVotes = count
		}
	}

	if !known[winner] {
		if len(normalized) == 0 {
			e.current = ""
			return ""
		}
		winner = normalized[0]
	}

	if winner != e.current {
		slog.Info("initiator adopted", "initiator", winner, "votes", winnerVotes)
	}
	e.current = winner
	return winner
}
