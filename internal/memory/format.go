// ABOUTME: Deterministic text serialization of memory fragments for the prompt
// ABOUTME: Produces one "- key: content" bullet per fragment, empty string for none

package memory

import (
	"strings"

	"github.com/2389/laraclaw/internal/store"
)

// FormatMemoriesForPrompt renders fragments as a bullet list in the given order.
func FormatMemoriesForPrompt(fragments []*store.MemoryFragment) string {
	if len(fragments) == 0 {
		return ""
	}

	var b strings.Builder
	for i, f := range fragments {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString("- ")
		if key := strings.TrimSpace(f.Key); key != "" {
			b.WriteString(key)
			b.WriteString(": ")
		}
		b.WriteString(strings.TrimSpace(f.Content))
	}
	return b.String()
}
