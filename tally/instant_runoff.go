// Package tally computes poll results. It does no I/O and keeps no state between calls.
package tally

import (
	"sort"

	"github.com/alex-pricope/ranked-polls/storage"
)

// InstantRunoff ranks nominations by repeated elimination of the weakest candidates.
//
// Each round counts every ballot for its highest still-active choice; ballots with no active choice left
// abstain. A candidate holding a strict majority of the counted ballots wins, as does the last candidate
// standing. Otherwise every candidate tied for the fewest votes is eliminated at once.
//
// The result starts with the winner, followed by the other candidates of the winning round by descending
// score, then earlier eliminations from latest to first. Score is the vote count a nomination held in the
// round it won or was eliminated. Ties inside a group are ordered by nomination id. If a round eliminates
// every remaining candidate there is no winner and candidates are listed by elimination only.
//
// Only the first votesPerVoter entries of a ballot are read; ids that are not nominations and repeated
// ids are skipped.
func InstantRunoff(rankings map[string][]string, nominations map[string]storage.Nomination, votesPerVoter int) []storage.Result {
	results := make([]storage.Result, 0, len(nominations))
	if len(nominations) == 0 {
		return results
	}

	active := make(map[string]bool, len(nominations))
	for id := range nominations {
		active[id] = true
	}
	ballots := normalizeBallots(rankings, active, votesPerVoter)

	var eliminated [][]storage.Result
	for len(active) > 0 {
		counts, counted := countRound(ballots, active)

		winner := ""
		if len(active) == 1 {
			winner = onlyKey(active)
		} else {
			for id := range active {
				if counts[id]*2 > counted {
					winner = id
					break
				}
			}
		}
		if winner != "" {
			delete(active, winner)
			results = append(results, storage.Result{NominationID: winner, Score: counts[winner]})
			results = append(results, ordered(active, counts)...)
			return appendEliminated(results, eliminated)
		}

		lowest := -1
		for id := range active {
			if lowest < 0 || counts[id] < lowest {
				lowest = counts[id]
			}
		}
		round := make(map[string]bool)
		for id := range active {
			if counts[id] == lowest {
				round[id] = true
				delete(active, id)
			}
		}
		eliminated = append(eliminated, ordered(round, counts))

		// The survivor of an elimination wins with the count it held in this round.
		if len(active) == 1 {
			last := onlyKey(active)
			results = append(results, storage.Result{NominationID: last, Score: counts[last]})
			return appendEliminated(results, eliminated)
		}
	}
	return appendEliminated(results, eliminated)
}

func normalizeBallots(rankings map[string][]string, candidates map[string]bool, limit int) [][]string {
	ballots := make([][]string, 0, len(rankings))
	for _, ranking := range rankings {
		if limit > 0 && len(ranking) > limit {
			ranking = ranking[:limit]
		}
		seen := make(map[string]bool, len(ranking))
		ballot := make([]string, 0, len(ranking))
		for _, id := range ranking {
			if !candidates[id] || seen[id] {
				continue
			}
			seen[id] = true
			ballot = append(ballot, id)
		}
		ballots = append(ballots, ballot)
	}
	return ballots
}

func countRound(ballots [][]string, active map[string]bool) (map[string]int, int) {
	counts := make(map[string]int, len(active))
	for id := range active {
		counts[id] = 0
	}
	counted := 0
	for _, ballot := range ballots {
		for _, id := range ballot {
			if active[id] {
				counts[id]++
				counted++
				break
			}
		}
	}
	return counts, counted
}

// ordered lists ids by descending count, then ascending id.
func ordered(ids map[string]bool, counts map[string]int) []storage.Result {
	out := make([]storage.Result, 0, len(ids))
	for id := range ids {
		out = append(out, storage.Result{NominationID: id, Score: counts[id]})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].NominationID < out[j].NominationID
	})
	return out
}

func appendEliminated(results []storage.Result, eliminated [][]storage.Result) []storage.Result {
	for i := len(eliminated) - 1; i >= 0; i-- {
		results = append(results, eliminated[i]...)
	}
	return results
}

func onlyKey(m map[string]bool) string {
	for k := range m {
		return k
	}
	return ""
}
