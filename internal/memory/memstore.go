package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/promethea-labs/promethea/pkg/models"
)

// MemStore is the embedded Store used when no graph database is configured,
// and by tests. Data lives only for the process lifetime.
type MemStore struct {
	mu    sync.RWMutex
	facts map[string][]Fact // keyed by user_id
}

// NewMemStore creates an empty in-process store.
func NewMemStore() *MemStore {
	return &MemStore{facts: map[string][]Fact{}}
}

func (m *MemStore) UpsertFact(ctx context.Context, userID string, fact Fact) error {
	if userID == "" {
		return models.E(models.KindInvalidArguments, "memory query without user scope")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	// Same-content upsert refreshes rather than duplicates.
	for i, existing := range m.facts[userID] {
		if existing.Hash == fact.Hash && fact.Hash != "" {
			fact.ID = existing.ID
			m.facts[userID][i] = fact
			return nil
		}
	}
	if fact.ID == "" {
		fact.ID = uuid.NewString()
	}
	fact.UserID = userID
	m.facts[userID] = append(m.facts[userID], fact)
	return nil
}

// searchRecentWindow bounds how far back a zero-overlap fact may still be
// returned as a recent candidate; the recall formatter narrows it further
// per preset.
const searchRecentWindow = 14 * 24 * time.Hour

func (m *MemStore) Search(ctx context.Context, userID, query string, k int) ([]Snippet, error) {
	if userID == "" {
		return nil, models.E(models.KindInvalidArguments, "memory query without user scope")
	}
	if k <= 0 {
		k = 10
	}

	queryTerms := searchTerms(query)

	m.mu.RLock()
	defer m.mu.RUnlock()

	type scored struct {
		snippet Snippet
		score   float64
	}
	var hits []scored
	now := time.Now()
	for _, fact := range m.facts[userID] {
		score := overlapScore(queryTerms, fact)
		if score <= 0 && now.Sub(fact.CreatedAt) > searchRecentWindow {
			continue
		}
		// Recency and importance tilt ties toward useful memories.
		age := now.Sub(fact.CreatedAt).Hours() / 24
		score += fact.Importance
		score -= age * 0.01
		hits = append(hits, scored{
			snippet: Snippet{
				Content:    fact.Content,
				Layer:      fact.Layer,
				SessionID:  fact.SessionID,
				Importance: fact.Importance,
				CreatedAt:  fact.CreatedAt,
				Entities:   append([]string(nil), fact.Entities...),
			},
			score: score,
		})
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].score > hits[j].score })
	if len(hits) > k {
		hits = hits[:k]
	}
	out := make([]Snippet, len(hits))
	for i, h := range hits {
		out[i] = h.snippet
	}
	return out, nil
}

// Cluster groups hot facts sharing an entity into warm-layer concept facts.
// Running it again over the same data produces no new clusters.
func (m *MemStore) Cluster(ctx context.Context, userID string, params MaintenanceParams) (int, error) {
	if userID == "" {
		return 0, models.E(models.KindInvalidArguments, "memory query without user scope")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	byEntity := map[string][]int{}
	for i, fact := range m.facts[userID] {
		if fact.Layer != LayerHot {
			continue
		}
		for _, e := range fact.Entities {
			key := strings.ToLower(e)
			byEntity[key] = append(byEntity[key], i)
		}
	}

	existing := map[string]bool{}
	for _, fact := range m.facts[userID] {
		if fact.Layer == LayerConcept {
			existing[strings.ToLower(firstLine(fact.Content))] = true
		}
	}

	created := 0
	for entity, idxs := range byEntity {
		if len(idxs) < 2 || created >= params.MaxItems {
			continue
		}
		header := entity + ":"
		if existing[header] {
			continue
		}
		var parts []string
		for _, i := range idxs {
			parts = append(parts, m.facts[userID][i].Content)
			if len(parts) == 5 {
				break
			}
		}
		m.facts[userID] = append(m.facts[userID], Fact{
			ID:         uuid.NewString(),
			UserID:     userID,
			Content:    header + " " + strings.Join(parts, "; "),
			Entities:   []string{entity},
			Hash:       ContentHash(userID, header),
			Importance: 0.6,
			Layer:      LayerConcept,
			CreatedAt:  time.Now(),
		})
		created++
	}
	return created, nil
}

// Summarize rolls old warm concepts into cold-layer summaries.
func (m *MemStore) Summarize(ctx context.Context, userID string, params MaintenanceParams) (int, error) {
	if userID == "" {
		return 0, models.E(models.KindInvalidArguments, "memory query without user scope")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-params.OlderThan)
	var oldConcepts []string
	for _, fact := range m.facts[userID] {
		if fact.Layer == LayerConcept && fact.CreatedAt.Before(cutoff) {
			oldConcepts = append(oldConcepts, fact.Content)
			if len(oldConcepts) >= params.MaxItems {
				break
			}
		}
	}
	if len(oldConcepts) < 2 {
		return 0, nil
	}

	summary := "Summary: " + strings.Join(oldConcepts, " | ")
	hash := ContentHash(userID, summary)
	for _, fact := range m.facts[userID] {
		if fact.Hash == hash {
			return 0, nil
		}
	}
	m.facts[userID] = append(m.facts[userID], Fact{
		ID:         uuid.NewString(),
		UserID:     userID,
		Content:    summary,
		Hash:       hash,
		Importance: 0.7,
		Layer:      LayerSummary,
		CreatedAt:  time.Now(),
	})
	return 1, nil
}

// Decay removes stale low-importance facts.
func (m *MemStore) Decay(ctx context.Context, userID string, params MaintenanceParams) (int, error) {
	if userID == "" {
		return 0, models.E(models.KindInvalidArguments, "memory query without user scope")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-params.OlderThan)
	kept := m.facts[userID][:0]
	removed := 0
	for _, fact := range m.facts[userID] {
		if fact.Importance < params.MinImportance && fact.CreatedAt.Before(cutoff) && removed < params.MaxItems {
			removed++
			continue
		}
		kept = append(kept, fact)
	}
	m.facts[userID] = kept
	return removed, nil
}

func (m *MemStore) Ping(ctx context.Context) error { return nil }

func (m *MemStore) Close(ctx context.Context) error { return nil }

// Count reports how many facts a user owns (test helper).
func (m *MemStore) Count(userID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.facts[userID])
}

func searchTerms(query string) map[string]struct{} {
	terms := map[string]struct{}{}
	for _, w := range strings.Fields(strings.ToLower(query)) {
		w = strings.Trim(w, ".,!?;:\"'()")
		if len(w) < 2 {
			continue
		}
		terms[w] = struct{}{}
	}
	return terms
}

func overlapScore(queryTerms map[string]struct{}, fact Fact) float64 {
	if len(queryTerms) == 0 {
		return 0
	}
	score := 0.0
	content := strings.ToLower(fact.Content)
	for term := range queryTerms {
		if strings.Contains(content, term) {
			score += 1
		}
	}
	for _, e := range fact.Entities {
		if _, ok := queryTerms[strings.ToLower(e)]; ok {
			score += 2
		}
	}
	return score
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, ':'); i >= 0 {
		return s[:i+1]
	}
	return s
}
