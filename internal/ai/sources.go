package ai

import "strings"

// DedupeSources keeps the first source seen for each filename, in order.
// Sources without a filename are keyed by file id.
func DedupeSources(in []Source) []Source {
	seen := make(map[string]struct{}, len(in))
	out := make([]Source, 0, len(in))
	for _, s := range in {
		key := strings.TrimSpace(s.Filename)
		if key == "" {
			key = "id:" + strings.TrimSpace(s.FileID)
		}
		if key == "id:" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, s)
	}
	return out
}
