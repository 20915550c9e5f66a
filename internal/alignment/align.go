// Package alignment maps a spoken transcript onto reference text with a
// minimum edit distance alignment and classifies every word.
package alignment

import (
	"reading-assessment/internal/common/errors"
	"reading-assessment/internal/models"
)

type op uint8

const (
	opNone op = iota
	opMatch
	opSubstitute
	opDelete // expected word not spoken
	opInsert // spoken word not expected
)

// cell holds the best (cost, matches) pair reaching it and the move taken.
type cell struct {
	cost    int
	matches int
	move    op
}

// better orders candidates by lower cost, then more matches. Equal pairs
// keep the earlier candidate, which yields the match > substitute > delete
// > insert preference.
func better(cost, matches int, cur cell) bool {
	if cost != cur.cost {
		return cost < cur.cost
	}
	return matches > cur.matches
}

// Align classifies each expected word as correct, incorrect or missed and
// each unmatched spoken word as extra. Every edit costs 1. Among alignments
// of equal cost the one with the most correct words wins. The output is
// deterministic for identical input.
func Align(expected []models.ExpectedWord, spoken []models.SpokenWord) ([]models.WordAnalysis, error) {
	if err := validateExpected(expected); err != nil {
		return nil, err
	}

	exp := make([]string, len(expected))
	for i, w := range expected {
		exp[i] = Normalize(w.Text)
	}
	sp := make([]string, 0, len(spoken))
	spokenIdx := make([]int, 0, len(spoken))
	for i, w := range spoken {
		if n := Normalize(w.Text); n != "" {
			sp = append(sp, n)
			spokenIdx = append(spokenIdx, i)
		}
	}

	// Without reference text there is nothing to classify against.
	if len(exp) == 0 {
		return []models.WordAnalysis{}, nil
	}

	ops := backtrace(fill(exp, sp), len(exp), len(sp))

	out := make([]models.WordAnalysis, 0, len(exp)+len(sp))
	i, j := 0, 0
	for _, o := range ops {
		switch o {
		case opMatch, opSubstitute:
			rec := fromSpoken(spoken[spokenIdx[j]], sp[j])
			rec.OriginalWord = strPtr(exp[i])
			rec.ExpectedIndex = intPtr(expected[i].Index)
			if o == opMatch {
				rec.Status = models.WordCorrect
			} else {
				rec.Status = models.WordIncorrect
				sim := similarity(exp[i], sp[j])
				rec.Similarity = &sim
				rec.PhoneticMatch = soundsAlike(exp[i], sp[j])
			}
			out = append(out, rec)
			i++
			j++
		case opDelete:
			out = append(out, models.WordAnalysis{
				OriginalWord:  strPtr(exp[i]),
				Status:        models.WordMissed,
				ExpectedIndex: intPtr(expected[i].Index),
			})
			i++
		case opInsert:
			rec := fromSpoken(spoken[spokenIdx[j]], sp[j])
			rec.Status = models.WordExtra
			out = append(out, rec)
			j++
		}
	}
	return out, nil
}

func fill(exp, sp []string) [][]cell {
	n, m := len(exp), len(sp)
	dp := make([][]cell, n+1)
	for i := range dp {
		dp[i] = make([]cell, m+1)
	}
	for i := 1; i <= n; i++ {
		dp[i][0] = cell{cost: i, move: opDelete}
	}
	for j := 1; j <= m; j++ {
		dp[0][j] = cell{cost: j, move: opInsert}
	}

	for i := 1; i <= n; i++ {
		for j := 1; j <= m; j++ {
			diag := dp[i-1][j-1]
			best := cell{cost: diag.cost + 1, matches: diag.matches, move: opSubstitute}
			if exp[i-1] == sp[j-1] {
				best = cell{cost: diag.cost, matches: diag.matches + 1, move: opMatch}
			}

			if up := dp[i-1][j]; better(up.cost+1, up.matches, best) {
				best = cell{cost: up.cost + 1, matches: up.matches, move: opDelete}
			}
			if left := dp[i][j-1]; better(left.cost+1, left.matches, best) {
				best = cell{cost: left.cost + 1, matches: left.matches, move: opInsert}
			}
			dp[i][j] = best
		}
	}
	return dp
}

func backtrace(dp [][]cell, n, m int) []op {
	ops := make([]op, 0, n+m)
	i, j := n, m
	for i > 0 || j > 0 {
		move := dp[i][j].move
		ops = append(ops, move)
		switch move {
		case opMatch, opSubstitute:
			i--
			j--
		case opDelete:
			i--
		case opInsert:
			j--
		}
	}
	for l, r := 0, len(ops)-1; l < r; l, r = l+1, r-1 {
		ops[l], ops[r] = ops[r], ops[l]
	}
	return ops
}

// validateExpected rejects index sequences that cannot come from Tokenize:
// negative or non increasing indices, or tokens that normalize to nothing.
func validateExpected(expected []models.ExpectedWord) error {
	prev := -1
	for pos, w := range expected {
		if w.Index < 0 {
			return errors.NewInvalidInputErrorf("expected word %d has negative index %d", pos, w.Index)
		}
		if w.Index <= prev {
			return errors.NewInvalidInputErrorf("expected word %d has index %d, not increasing after %d", pos, w.Index, prev)
		}
		if Normalize(w.Text) == "" {
			return errors.NewInvalidInputErrorf("expected word %d is empty after normalization", pos)
		}
		prev = w.Index
	}
	return nil
}

func fromSpoken(w models.SpokenWord, normalized string) models.WordAnalysis {
	rec := models.WordAnalysis{
		SpokenWord: strPtr(normalized),
		Confidence: copyFloat(w.Confidence),
	}
	if w.HasTiming() {
		rec.Timing = &models.Timing{Start: *w.Start, End: *w.End}
	}
	return rec
}

func strPtr(s string) *string { return &s }

func intPtr(i int) *int { return &i }

func copyFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	v := *f
	return &v
}
