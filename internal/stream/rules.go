package stream

import (
	"sort"
	"strings"
)

const ruleSep = " OR "

// PackRules packs account ids into at most maxRules "from:id OR ..." rules of
// at most maxLen characters. Ids are sorted numerically first, so overflow
// always drops the same tail; the dropped ids are returned.
func PackRules(ids []string, maxRules, maxLen int) (rules, dropped []string) {
	sorted := uniqueSorted(ids)
	var cur strings.Builder
	for i, id := range sorted {
		clause := "from:" + id
		if len(clause) > maxLen {
			// Later ids are no shorter, so none of them fit either.
			dropped = append(dropped, sorted[i:]...)
			break
		}
		if cur.Len() > 0 && cur.Len()+len(ruleSep)+len(clause) <= maxLen {
			cur.WriteString(ruleSep)
			cur.WriteString(clause)
			continue
		}
		if cur.Len() > 0 {
			rules = append(rules, cur.String())
			cur.Reset()
		}
		if len(rules) == maxRules {
			dropped = append(dropped, sorted[i:]...)
			return rules, dropped
		}
		cur.WriteString(clause)
	}
	if cur.Len() > 0 {
		rules = append(rules, cur.String())
	}
	return rules, dropped
}

func uniqueSorted(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool {
		if len(out[i]) != len(out[j]) {
			return len(out[i]) < len(out[j])
		}
		return out[i] < out[j]
	})
	return out
}
