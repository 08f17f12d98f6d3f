package agent

import "strings"

// NormalizeReply cleans the final assistant text before it is committed and
// re-rendered in the done frame. Some providers occasionally emit the same
// body twice in one response; the pass removes consecutive duplicate
// paragraphs, and when the whole reply is two identical halves it keeps only
// the first. Applying the pass to its own output changes nothing.
func NormalizeReply(text string) string {
	paragraphs := splitParagraphs(text)
	if len(paragraphs) == 0 {
		return strings.TrimSpace(text)
	}

	// Drop consecutive exact duplicates under whitespace normalization.
	deduped := paragraphs[:0]
	for i, p := range paragraphs {
		if i > 0 && normalizeWS(p) == normalizeWS(paragraphs[i-1]) {
			continue
		}
		deduped = append(deduped, p)
	}

	// A doubled body: even paragraph count with first half equal to second.
	// Halving repeats until the body is no longer doubled.
	for n := len(deduped); n >= 2 && n%2 == 0; n = len(deduped) {
		half := n / 2
		doubled := true
		for i := 0; i < half; i++ {
			if normalizeWS(deduped[i]) != normalizeWS(deduped[half+i]) {
				doubled = false
				break
			}
		}
		if !doubled {
			break
		}
		deduped = deduped[:half]
	}

	return strings.Join(deduped, "\n\n")
}

func splitParagraphs(text string) []string {
	var out []string
	for _, p := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n\n") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func normalizeWS(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
