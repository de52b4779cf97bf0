// Package idmatch implements partial-ID resolution for user-supplied
// resource references: an exact match always wins, a prefix that uniquely
// identifies one resource succeeds, and an ambiguous prefix fails with an
// explicit error naming every candidate it matched.
package idmatch

import (
	"sort"
	"strings"

	"github.com/keelhost/keel/pkg/apierr"
)

// Resolve maps query onto exactly one of candidates. Resolution order:
// exact match first, then unique-prefix match. An empty query never
// matches.
func Resolve(query, kind string, candidates []string) (string, error) {
	if query == "" {
		return "", apierr.New(apierr.InvalidArgument, "%s reference is required", kind)
	}

	var matched []string
	for _, c := range candidates {
		if c == query {
			return c, nil
		}
		if strings.HasPrefix(c, query) {
			matched = append(matched, c)
		}
	}

	switch len(matched) {
	case 0:
		return "", apierr.New(apierr.NotFound, "no %s matches %q", kind, query)
	case 1:
		return matched[0], nil
	default:
		sort.Strings(matched)
		return "", apierr.New(apierr.InvalidArgument, "ambiguous %s reference %q matches %s", kind, query, strings.Join(matched, ", "))
	}
}
