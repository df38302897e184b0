package supervise

import (
	"regexp"
	"strings"

	"github.com/vberezny/agentgate/internal/store"
)

// MaxBlockers caps the extracted blocker list.
const MaxBlockers = 10

// blockerRe matches file:line and file:start-end references. The extension
// is required so timestamps and ratios do not read as blockers.
var blockerRe = regexp.MustCompile(`([A-Za-z0-9_][A-Za-z0-9_./-]*\.[A-Za-z0-9_]+):(\d+(?:-\d+)?)`)

// ExtractBlockers scans text for file:line references and returns them in
// first-occurrence order, deduplicated on the file:range key, capped at
// MaxBlockers. The full containing line becomes the description.
func ExtractBlockers(text string) []store.Blocker {
	seen := map[string]bool{}
	blockers := []store.Blocker{}
	for _, line := range strings.Split(text, "\n") {
		for _, m := range blockerRe.FindAllStringSubmatch(line, -1) {
			key := m[1] + ":" + m[2]
			if seen[key] {
				continue
			}
			seen[key] = true
			blockers = append(blockers, store.Blocker{
				Description: strings.TrimSpace(line),
				File:        m[1],
				LineRange:   m[2],
			})
			if len(blockers) >= MaxBlockers {
				return blockers
			}
		}
	}
	return blockers
}
