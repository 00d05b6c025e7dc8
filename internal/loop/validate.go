package loop

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

var (
	idPattern  = regexp.MustCompile(`^[a-zA-Z0-9_.:-]{1,128}$`)
	tagPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_/-]{0,63}$`)
)

// ValidateID checks that id is a usable entity identifier.
func ValidateID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidInput)
	}
	if !idPattern.MatchString(id) {
		return fmt.Errorf("%w: id %q contains invalid characters", ErrInvalidInput, id)
	}
	return nil
}

// NormalizeTags lower-cases, deduplicates and sorts tags. A leading '#' is
// stripped. Any tag outside the token grammar is rejected.
func NormalizeTags(tags []string) ([]string, error) {
	if len(tags) == 0 {
		return nil, nil
	}
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, raw := range tags {
		t := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(raw), "#"))
		if t == "" {
			continue
		}
		if !tagPattern.MatchString(t) {
			return nil, fmt.Errorf("%w: tag %q does not match %s", ErrInvalidInput, raw, tagPattern)
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Strings(out)
	return out, nil
}
