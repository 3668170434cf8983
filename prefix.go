package main

import "strings"

// PrefixRule is the unified-prefix normalization applied to MO senders
// and MT receivers. The rule string is groups separated by ';', each
// group a comma-separated list whose first element is the unified form:
// "+358,00358,0;+,00" turns 00358... and 0... into +358..., and any
// other 00-prefixed number into +-prefixed.
type PrefixRule struct {
	groups [][]string
}

// ParsePrefixRule parses the rule string; an empty string yields the
// identity rule.
func ParsePrefixRule(rule string) *PrefixRule {
	r := &PrefixRule{}
	for _, g := range strings.Split(rule, ";") {
		parts := strings.Split(g, ",")
		if len(parts) < 2 || parts[0] == "" {
			continue
		}
		r.groups = append(r.groups, parts)
	}
	return r
}

// Normalize rewrites the number per the longest matching alternative
// over all groups. A number already carrying a group's unified prefix
// is left alone.
func (r *PrefixRule) Normalize(number string) string {
	if r == nil || number == "" {
		return number
	}
	best := 0
	result := number
	for _, g := range r.groups {
		unified := g[0]
		if strings.HasPrefix(number, unified) && len(unified) > best {
			best = len(unified)
			result = number
		}
		for _, p := range g[1:] {
			if p != "" && strings.HasPrefix(number, p) && len(p) > best {
				best = len(p)
				result = unified + number[len(p):]
			}
		}
	}
	return result
}
