// Package consolidate deduplicates normalized mapping rows and tags genuine
// one-to-many mappings.
package consolidate

import (
	"strings"
	"unicode"

	"github.com/opensource-finance/errmap/internal/domain"
)

// KeyFunc derives the grouping key of a row.
type KeyFunc func(row *domain.MappingRow) string

// NormCode lowercases a code and strips surrounding whitespace and punctuation.
func NormCode(s string) string {
	return strings.ToLower(strings.TrimFunc(s, func(r rune) bool {
		return unicode.IsSpace(r) || unicode.IsPunct(r)
	}))
}

// Key is the default grouping key: direction plus both normalized codes.
func Key(row *domain.MappingRow) string {
	return string(row.Direction) + "|" + NormCode(row.InternalCode) + "|" + NormCode(row.PSPCode)
}

// Discard reasons.
const (
	ReasonLowerConfidence = "lower_confidence"
	ReasonTiebreak        = "mapping_type_tiebreak"
	ReasonDuplicate       = "duplicate"
)

// Consolidator merges rows sharing a grouping key.
type Consolidator struct {
	key  KeyFunc
	rank map[domain.MappingType]int
}

// Option configures a Consolidator.
type Option func(*Consolidator)

// WithKeyFunc overrides the grouping key.
func WithKeyFunc(fn KeyFunc) Option {
	return func(c *Consolidator) {
		if fn != nil {
			c.key = fn
		}
	}
}

// New creates a consolidator. tiebreak orders mapping types from most to
// least preferred for equal-confidence duplicates; types not listed rank last.
func New(tiebreak []domain.MappingType, opts ...Option) *Consolidator {
	if len(tiebreak) == 0 {
		tiebreak = domain.DefaultTiebreak()
	}
	c := &Consolidator{
		key:  Key,
		rank: make(map[domain.MappingType]int, len(tiebreak)),
	}
	for i, mt := range tiebreak {
		if _, ok := c.rank[mt]; !ok {
			c.rank[mt] = i
		}
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// KeyOf returns the grouping key this consolidator uses for row.
func (c *Consolidator) KeyOf(row *domain.MappingRow) string {
	return c.key(row)
}

func (c *Consolidator) rankOf(mt domain.MappingType) int {
	if r, ok := c.rank[mt]; ok {
		return r
	}
	return len(c.rank)
}

type group struct {
	pos    int // position in the output
	winner int // source index of the kept row
}

// Consolidate deduplicates rows and retags one-to-many mappings. The input is
// not modified. Each kept row occupies the position of its group's first
// member, so output order follows input order.
func (c *Consolidator) Consolidate(rows []domain.MappingRow) ([]domain.MappingRow, domain.ConsolidationReport) {
	report := domain.ConsolidationReport{InputRows: len(rows)}

	out := make([]domain.MappingRow, 0, len(rows))
	groups := make(map[string]*group, len(rows))
	sizes := make(map[string]int, len(rows))
	var discarded []domain.DiscardedRow

	for i := range rows {
		row := rows[i]
		k := c.key(&row)
		sizes[k]++

		g, ok := groups[k]
		if !ok {
			groups[k] = &group{pos: len(out), winner: i}
			out = append(out, row)
			continue
		}

		kept := out[g.pos]
		reason, better := c.compare(&row, &kept)
		if better {
			discarded = append(discarded, domain.DiscardedRow{Key: k, Index: g.winner, Reason: reason, Row: kept})
			out[g.pos] = row
			g.winner = i
			continue
		}
		discarded = append(discarded, domain.DiscardedRow{Key: k, Index: i, Reason: reason, Row: row})
	}

	for i := range discarded {
		discarded[i].KeptIndex = groups[discarded[i].Key].winner
	}
	for _, n := range sizes {
		if n > 1 {
			report.GroupsMerged++
		}
	}

	report.Retagged = retagOneToMany(out)
	report.DuplicatesDropped = len(discarded)
	report.Discarded = discarded
	report.OutputRows = len(out)
	return out, report
}

// compare reports whether candidate beats kept, and the reason the loser lost.
func (c *Consolidator) compare(candidate, kept *domain.MappingRow) (string, bool) {
	switch {
	case candidate.Confidence > kept.Confidence:
		return ReasonLowerConfidence, true
	case candidate.Confidence < kept.Confidence:
		return ReasonLowerConfidence, false
	}
	cr, kr := c.rankOf(candidate.MappingType), c.rankOf(kept.MappingType)
	switch {
	case cr < kr:
		return ReasonTiebreak, true
	case cr > kr:
		return ReasonTiebreak, false
	}
	return ReasonDuplicate, false
}

// anchor returns the code a one-to-many fan-out hangs off, and the
// counterpart it fans out to.
func anchor(row *domain.MappingRow) (string, string, bool) {
	switch row.Direction {
	case domain.DirectionForward:
		return NormCode(row.InternalCode), NormCode(row.PSPCode), true
	case domain.DirectionReverse:
		return NormCode(row.PSPCode), NormCode(row.InternalCode), true
	}
	return "", "", false
}

// retagOneToMany tags mapped rows whose anchor code points at more than one
// distinct counterpart. Unmapped rows are never retagged.
func retagOneToMany(rows []domain.MappingRow) int {
	fanout := make(map[string]map[string]bool)
	eligible := func(row *domain.MappingRow) (string, string, bool) {
		if row.IsUnmapped() {
			return "", "", false
		}
		a, cp, ok := anchor(row)
		if !ok || a == "" || cp == "" {
			return "", "", false
		}
		return string(row.Direction) + "|" + a, cp, true
	}

	for i := range rows {
		k, cp, ok := eligible(&rows[i])
		if !ok {
			continue
		}
		if fanout[k] == nil {
			fanout[k] = make(map[string]bool)
		}
		fanout[k][cp] = true
	}

	retagged := 0
	for i := range rows {
		k, _, ok := eligible(&rows[i])
		if !ok || len(fanout[k]) < 2 {
			continue
		}
		if rows[i].MappingType != domain.MappingOneToMany {
			rows[i].MappingType = domain.MappingOneToMany
			retagged++
		}
	}
	return retagged
}
