package memory

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"

	"github.com/promethea-labs/promethea/pkg/models"
)

// recallParams are the adaptive sizes chosen by gateQuery. Longer, more
// entity-dense queries earn a wider recall.
type recallParams struct {
	ItemsPerLayer int
	MaxChars      int
	RecentDays    int
}

var presets = map[string]recallParams{
	"simple":  {ItemsPerLayer: 2, MaxChars: 2400, RecentDays: 3},
	"normal":  {ItemsPerLayer: 3, MaxChars: 4500, RecentDays: 7},
	"complex": {ItemsPerLayer: 5, MaxChars: 7500, RecentDays: 14},
}

// anaphora matches references back to earlier context. Such queries cannot
// be answered from the current turn alone, so they pass the gate even when
// short.
var anaphora = regexp.MustCompile(`(?i)\b(it|that|this|those|these|he|she|they|him|her|them|my|again|earlier|before|last time|remember)\b`)

// gateQuery decides whether recall is worth the round-trip and picks the
// recall sizing. Very short queries with no entities and no back-reference
// are skipped entirely.
func gateQuery(query string) (recallParams, bool) {
	trimmed := strings.TrimSpace(query)
	if trimmed == "" {
		return recallParams{}, false
	}
	entities := extractEntities(trimmed)
	refers := anaphora.MatchString(trimmed)

	if len(trimmed) < 6 && len(entities) == 0 && !refers {
		return recallParams{}, false
	}

	switch {
	case len(entities) >= 3 || len(trimmed) > 80:
		return presets["complex"], true
	case len(entities) >= 1 || len(trimmed) > 20 || refers:
		return presets["normal"], true
	default:
		return presets["simple"], true
	}
}

// factPatterns pull out self-descriptive statements worth remembering.
// This is the cheap heuristic path; LLM-based extraction is opt-in upstream.
var factPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bmy name is ([^.,!?\n]{1,60})`),
	regexp.MustCompile(`(?i)\bi am (\d{1,3}) years? old\b`),
	regexp.MustCompile(`(?i)\bi am ([^.,!?\n]{1,60})`),
	regexp.MustCompile(`(?i)\bi (?:work|live) (?:at|in|as) ([^.,!?\n]{1,60})`),
	regexp.MustCompile(`(?i)\bi (?:like|love|hate|prefer|enjoy) ([^.,!?\n]{1,60})`),
	regexp.MustCompile(`(?i)\bcall me ([^.,!?\n]{1,40})`),
}

// ExtractFacts derives memory facts from a committed turn. The phrase each
// fact pattern matches in the user text (at most three matches per pattern)
// becomes a hot-layer fact; the
// full exchange is stored once as a low-importance fallback so search still
// has something when no pattern fires.
func ExtractFacts(candidate models.MemoryCandidate) []Fact {
	ts := candidate.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	var facts []Fact
	add := func(content string, importance float64) {
		content = strings.TrimSpace(content)
		if content == "" {
			return
		}
		facts = append(facts, Fact{
			ID:         uuid.NewString(),
			UserID:     candidate.UserID,
			SessionID:  candidate.SessionID,
			Content:    content,
			Entities:   extractEntities(content),
			Hash:       ContentHash(candidate.UserID, content),
			Importance: importance,
			Layer:      LayerHot,
			CreatedAt:  ts,
		})
	}

	for _, re := range factPatterns {
		for _, m := range re.FindAllString(candidate.UserText, 3) {
			add(m, 0.8)
		}
	}

	exchange := strings.TrimSpace(candidate.UserText)
	if reply := strings.TrimSpace(candidate.AssistantText); reply != "" {
		if len(reply) > 200 {
			reply = reply[:200]
		}
		exchange += " / " + reply
	}
	add(exchange, 0.4)

	return facts
}

// ContentHash keys duplicate suppression. Scoping the hash by user keeps two
// users' identical statements from shadowing each other.
func ContentHash(userID, content string) string {
	normalized := strings.ToLower(strings.Join(strings.Fields(content), " "))
	sum := sha256.Sum256([]byte(userID + "\x00" + normalized))
	return hex.EncodeToString(sum[:])
}

// extractEntities pulls capitalized phrases and numbers out of text as a
// cheap stand-in for named-entity recognition.
func extractEntities(text string) []string {
	var entities []string
	seen := map[string]struct{}{}

	words := strings.Fields(text)
	for i := 0; i < len(words); i++ {
		w := strings.Trim(words[i], ".,!?;:\"'()")
		if w == "" {
			continue
		}
		runes := []rune(w)
		isCapitalized := unicode.IsUpper(runes[0]) && i > 0
		isNumber := strings.IndexFunc(w, func(r rune) bool { return !unicode.IsDigit(r) }) < 0

		if !isCapitalized && !isNumber {
			continue
		}
		// Merge consecutive capitalized words into one phrase.
		if isCapitalized {
			phrase := []string{w}
			for i+1 < len(words) {
				next := strings.Trim(words[i+1], ".,!?;:\"'()")
				nr := []rune(next)
				if len(nr) == 0 || !unicode.IsUpper(nr[0]) {
					break
				}
				phrase = append(phrase, next)
				i++
			}
			w = strings.Join(phrase, " ")
		}
		key := strings.ToLower(w)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		entities = append(entities, w)
	}
	return entities
}
