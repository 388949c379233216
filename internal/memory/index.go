package memory

import (
	"sort"
	"strings"
	"unicode"
)

// IndexFormatVersion identifies the layout of persisted index tables.
// Snapshots carrying any other version get their index rebuilt on load.
const IndexFormatVersion = 1

// ActivationIndex holds the three inverted term → fragment-id mappings.
type ActivationIndex struct {
	goal    map[string]map[string]struct{}
	domain  map[string]map[string]struct{}
	keyword map[string]map[string]struct{}
}

// IndexTables is the serializable form of an ActivationIndex.
type IndexTables struct {
	FormatVersion int
	Goal          map[string][]string
	Domain        map[string][]string
	Keyword       map[string][]string
}

func newActivationIndex() *ActivationIndex {
	return &ActivationIndex{
		goal:    make(map[string]map[string]struct{}),
		domain:  make(map[string]map[string]struct{}),
		keyword: make(map[string]map[string]struct{}),
	}
}

// add installs the derived entries for f. Derivation is a pure function of
// the fragment content, so rebuilding from fragments reproduces the index.
func (ix *ActivationIndex) add(f *Fragment) {
	k := f.Content.keys()
	for _, term := range expandTerms(k.goals) {
		addPosting(ix.goal, term, f.ID)
	}
	for _, term := range expandTerms(k.domains) {
		addPosting(ix.domain, term, f.ID)
	}
	for _, term := range expandTerms(k.keywords) {
		addPosting(ix.keyword, term, f.ID)
	}
}

func addPosting(m map[string]map[string]struct{}, term, id string) {
	set, ok := m[term]
	if !ok {
		set = make(map[string]struct{})
		m[term] = set
	}
	set[id] = struct{}{}
}

func (ix *ActivationIndex) tables() *IndexTables {
	return &IndexTables{
		FormatVersion: IndexFormatVersion,
		Goal:          flatten(ix.goal),
		Domain:        flatten(ix.domain),
		Keyword:       flatten(ix.keyword),
	}
}

func flatten(m map[string]map[string]struct{}) map[string][]string {
	out := make(map[string][]string, len(m))
	for term, set := range m {
		out[term] = sortedKeys(set)
	}
	return out
}

func indexFromTables(t *IndexTables, fragments map[string]*Fragment) (*ActivationIndex, bool) {
	if t == nil || t.FormatVersion != IndexFormatVersion {
		return nil, false
	}
	ix := newActivationIndex()
	for _, pair := range []struct {
		src map[string][]string
		dst map[string]map[string]struct{}
	}{{t.Goal, ix.goal}, {t.Domain, ix.domain}, {t.Keyword, ix.keyword}} {
		for term, ids := range pair.src {
			for _, id := range ids {
				if _, ok := fragments[id]; !ok {
					return nil, false
				}
				addPosting(pair.dst, term, id)
			}
		}
	}
	return ix, true
}

// norm lowercases and trims a raw value.
func norm(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// Terms splits s into lowercase index terms. Underscores and hyphens are
// word characters so identifiers like "http_404" stay intact. Terms shorter
// than two characters are dropped.
func Terms(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !(unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '-')
	})
	out := fields[:0]
	for _, f := range fields {
		f = strings.Trim(f, "-")
		if len(f) >= 2 {
			out = append(out, f)
		}
	}
	return out
}

// expandTerms returns the sorted, deduplicated set of full normalized values
// and their individual terms.
func expandTerms(values []string) []string {
	set := make(map[string]struct{})
	for _, v := range values {
		n := norm(v)
		if n == "" {
			continue
		}
		set[n] = struct{}{}
		for _, t := range Terms(n) {
			set[t] = struct{}{}
		}
	}
	return sortedKeys(set)
}

// FragmentKeywords returns the keyword terms a fragment is indexed under.
func FragmentKeywords(f Fragment) []string {
	if f.Content == nil {
		return nil
	}
	k := f.Content.keys()
	all := append(append(append([]string{}, k.goals...), k.domains...), k.keywords...)
	return expandTerms(all)
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
