// Package memory implements write-behind ingest of committed turns,
// cross-session recall, and periodic maintenance against a graph-shaped
// store. Every store operation is scoped by user_id; a query without one
// fails closed. Memory failures never surface to the user: the turn is
// independent of this subsystem.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/promethea-labs/promethea/internal/config"
	"github.com/promethea-labs/promethea/internal/observability"
	"github.com/promethea-labs/promethea/pkg/models"
)

// Layer names order recall output: cold summaries first, then warm concepts,
// then hot facts.
const (
	LayerHot     = "hot"
	LayerConcept = "concept"
	LayerSummary = "summary"
)

// Fact is one unit of remembered knowledge.
type Fact struct {
	ID         string
	UserID     string
	SessionID  string
	Content    string
	Entities   []string
	Hash       string
	Importance float64
	Layer      string
	CreatedAt  time.Time
}

// Snippet is a recall hit. Entities carry the store's entity tags so the
// recall formatter can link related memories; Via names the entity that
// linked a related snippet to a direct hit.
type Snippet struct {
	Content    string
	Layer      string
	SessionID  string
	Importance float64
	CreatedAt  time.Time
	Entities   []string
	Via        string
}

// MaintenanceParams bounds one maintenance pass.
type MaintenanceParams struct {
	// MaxItems caps how many records one pass may touch.
	MaxItems int

	// OlderThan selects records at least this stale.
	OlderThan time.Duration

	// MinImportance is the floor below which decay removes records.
	MinImportance float64
}

// Store is the contract the gateway consumes regardless of backing store.
type Store interface {
	UpsertFact(ctx context.Context, userID string, fact Fact) error
	Search(ctx context.Context, userID, query string, k int) ([]Snippet, error)
	Cluster(ctx context.Context, userID string, params MaintenanceParams) (int, error)
	Summarize(ctx context.Context, userID string, params MaintenanceParams) (int, error)
	Decay(ctx context.Context, userID string, params MaintenanceParams) (int, error)
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

// Emitter is the slice of the event bus the service needs.
type Emitter interface {
	Emit(eventType models.EventType, payload any)
}

// Service is the write-behind front of the store.
type Service struct {
	store   Store
	cfg     func() *config.Config
	emitter Emitter
	logger  *observability.Logger
	metrics *observability.Metrics

	ingestCh chan models.MemoryCandidate
	seen     *hashWindow

	activeMu sync.Mutex
	active   map[string]struct{}

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewService wires the memory service. cfg is called per operation so turns
// bound to older snapshots do not pin memory behavior.
func NewService(store Store, cfg func() *config.Config, emitter Emitter, logger *observability.Logger, metrics *observability.Metrics) *Service {
	queueSize := cfg().Memory.IngestQueueSize
	if queueSize <= 0 {
		queueSize = 128
	}
	s := &Service{
		store:    store,
		cfg:      cfg,
		emitter:  emitter,
		logger:   logger,
		metrics:  metrics,
		ingestCh: make(chan models.MemoryCandidate, queueSize),
		seen:     newHashWindow(512),
		active:   map[string]struct{}{},
		stopCh:   make(chan struct{}),
	}

	s.wg.Add(1)
	go s.ingestLoop()

	if interval := cfg().Memory.MaintainInterval(); interval > 0 {
		s.wg.Add(1)
		go s.maintainLoop(interval)
	}
	return s
}

// Enabled reports whether memory is switched on at all.
func (s *Service) Enabled() bool {
	return s.cfg().Memory.Enabled && s.store != nil
}

// Ingest queues one committed turn for asynchronous extraction. It never
// blocks: when the queue is full the oldest candidate is dropped and logged.
func (s *Service) Ingest(candidate models.MemoryCandidate) {
	if !s.Enabled() || candidate.UserID == "" {
		return
	}
	for {
		select {
		case s.ingestCh <- candidate:
			return
		default:
		}
		select {
		case dropped := <-s.ingestCh:
			s.metrics.MemoryIngestCounter.WithLabelValues("dropped").Inc()
			s.logger.Warn(context.Background(), "memory ingest queue full, dropping oldest candidate",
				"user_id", dropped.UserID, "session_id", dropped.SessionID)
		default:
		}
	}
}

func (s *Service) ingestLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stopCh:
			return
		case candidate := <-s.ingestCh:
			s.ingestOne(candidate)
		}
	}
}

func (s *Service) ingestOne(candidate models.MemoryCandidate) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	facts := ExtractFacts(candidate)
	saved := 0
	for _, fact := range facts {
		if s.seen.Seen(fact.Hash) {
			s.metrics.MemoryIngestCounter.WithLabelValues("skipped").Inc()
			continue
		}
		if err := s.store.UpsertFact(ctx, candidate.UserID, fact); err != nil {
			s.metrics.MemoryIngestCounter.WithLabelValues("error").Inc()
			s.logger.Warn(ctx, "memory upsert failed",
				"user_id", candidate.UserID, "session_id", candidate.SessionID, "error", err)
			continue
		}
		s.seen.Add(fact.Hash)
		saved++
	}

	if saved > 0 {
		s.metrics.MemoryIngestCounter.WithLabelValues("saved").Add(float64(saved))
		s.markActive(candidate.UserID)
		s.emitter.Emit(models.EventMemorySaved, map[string]any{
			"user_id":    candidate.UserID,
			"session_id": candidate.SessionID,
			"facts":      saved,
		})
	}
}

// Recall builds the textual context block for a turn, or returns "" when
// gating decides recall adds no value. The currentSession's own facts are
// excluded; everything else the user owns is in scope. Bounded by the
// configured recall timeout: on expiry recall is skipped, never failed.
func (s *Service) Recall(ctx context.Context, userID, currentSession, query string) string {
	if !s.Enabled() || !s.cfg().Memory.RecallEnabled || userID == "" {
		return ""
	}
	params, ok := gateQuery(query)
	if !ok {
		return ""
	}

	recallCtx, cancel := context.WithTimeout(ctx, s.cfg().Memory.RecallTimeout())
	defer cancel()

	snippets, err := s.store.Search(recallCtx, userID, query, params.ItemsPerLayer*4)
	if err != nil {
		s.logger.Warn(ctx, "memory recall skipped", "user_id", userID, "error", err)
		return ""
	}

	block := formatRecallBlock(snippets, currentSession, query, params)
	if block != "" {
		s.emitter.Emit(models.EventMemoryRecalled, map[string]any{
			"user_id":    userID,
			"session_id": currentSession,
			"snippets":   len(snippets),
		})
	}
	return block
}

// Maintain runs the three passes for one user in order: cluster the warm
// layer, summarize the cold layer, then decay. Each pass is idempotent and
// bounded; errors are logged and do not stop later passes.
func (s *Service) Maintain(ctx context.Context, userID string) {
	if !s.Enabled() || userID == "" {
		return
	}
	params := MaintenanceParams{
		MaxItems:      100,
		OlderThan:     24 * time.Hour,
		MinImportance: 0.2,
	}

	if n, err := s.store.Cluster(ctx, userID, params); err != nil {
		s.logger.Warn(ctx, "memory cluster pass failed", "user_id", userID, "error", err)
	} else if n > 0 {
		s.emitter.Emit(models.EventMemoryClusterDone, map[string]any{"user_id": userID, "clusters": n})
	}

	if n, err := s.store.Summarize(ctx, userID, params); err != nil {
		s.logger.Warn(ctx, "memory summarize pass failed", "user_id", userID, "error", err)
	} else if n > 0 {
		s.emitter.Emit(models.EventMemorySummaryDone, map[string]any{"user_id": userID, "summaries": n})
	}

	if _, err := s.store.Decay(ctx, userID, params); err != nil {
		s.logger.Warn(ctx, "memory decay pass failed", "user_id", userID, "error", err)
	}
}

func (s *Service) maintainLoop(interval time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.maintainActive()
		}
	}
}

// maintainActive runs maintenance for every user who wrote memory since the
// last tick, a few users at a time.
func (s *Service) maintainActive() {
	s.activeMu.Lock()
	users := make([]string, 0, len(s.active))
	for id := range s.active {
		users = append(users, id)
	}
	s.active = map[string]struct{}{}
	s.activeMu.Unlock()

	if len(users) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, userID := range users {
		g.Go(func() error {
			s.Maintain(gctx, userID)
			return nil
		})
	}
	_ = g.Wait()
}

func (s *Service) markActive(userID string) {
	s.activeMu.Lock()
	s.active[userID] = struct{}{}
	s.activeMu.Unlock()
}

// Snippets exposes scoped search for the graph-view API.
func (s *Service) Snippets(ctx context.Context, userID, query string, k int) ([]Snippet, error) {
	if !s.Enabled() {
		return nil, nil
	}
	if userID == "" {
		return nil, models.E(models.KindInvalidArguments, "memory query without user scope")
	}
	return s.store.Search(ctx, userID, query, k)
}

// RunPass triggers one named maintenance pass on demand. "cleanup" is decay
// with a raised importance floor.
func (s *Service) RunPass(ctx context.Context, userID, op string) (int, error) {
	if !s.Enabled() {
		return 0, models.E(models.KindUpstreamUnavailable, "memory is disabled")
	}
	params := MaintenanceParams{MaxItems: 100, OlderThan: 24 * time.Hour, MinImportance: 0.2}
	switch op {
	case "cluster":
		n, err := s.store.Cluster(ctx, userID, params)
		if err == nil && n > 0 {
			s.emitter.Emit(models.EventMemoryClusterDone, map[string]any{"user_id": userID, "clusters": n})
		}
		return n, err
	case "summarize":
		n, err := s.store.Summarize(ctx, userID, params)
		if err == nil && n > 0 {
			s.emitter.Emit(models.EventMemorySummaryDone, map[string]any{"user_id": userID, "summaries": n})
		}
		return n, err
	case "decay":
		return s.store.Decay(ctx, userID, params)
	case "cleanup":
		params.MinImportance = 0.5
		params.OlderThan = 7 * 24 * time.Hour
		return s.store.Decay(ctx, userID, params)
	default:
		return 0, models.Ef(models.KindInvalidArguments, "unknown maintenance op %q", op)
	}
}

// Ping reports store reachability for the doctor endpoint.
func (s *Service) Ping(ctx context.Context) error {
	if s.store == nil {
		return models.E(models.KindUpstreamUnavailable, "memory store not configured")
	}
	return s.store.Ping(ctx)
}

// Close stops the background loops and waits for them to exit. Candidates
// still queued for ingest are not processed.
func (s *Service) Close() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

// hashWindow is a fixed-size set of recently seen content hashes used for
// cheap duplicate suppression before the store's own semantic check.
type hashWindow struct {
	mu    sync.Mutex
	limit int
	order []string
	set   map[string]struct{}
}

func newHashWindow(limit int) *hashWindow {
	return &hashWindow{limit: limit, set: map[string]struct{}{}}
}

func (w *hashWindow) Seen(hash string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.set[hash]
	return ok
}

func (w *hashWindow) Add(hash string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.set[hash]; ok {
		return
	}
	w.set[hash] = struct{}{}
	w.order = append(w.order, hash)
	if len(w.order) > w.limit {
		oldest := w.order[0]
		w.order = w.order[1:]
		delete(w.set, oldest)
	}
}

// recallItemMaxChars caps one rendered memory line before the ellipsis.
const recallItemMaxChars = 120

// formatRecallBlock renders snippets into the layered context block the turn
// engine prepends to the prompt. Five sections, priority order: summaries
// (cold), concepts (warm), direct hits, related memories linked through a
// shared entity (annotated "via"), and recent memories inside the preset's
// recency window. Each layer sorts by importance then time, and a shared
// character budget is spent item by item.
func formatRecallBlock(snippets []Snippet, excludeSession, query string, params recallParams) string {
	if len(snippets) == 0 {
		return ""
	}
	terms := searchTerms(query)
	recentCutoff := time.Now().AddDate(0, 0, -params.RecentDays)

	var summaries, concepts, direct, rest []Snippet
	for _, sn := range snippets {
		if excludeSession != "" && sn.SessionID == excludeSession {
			continue
		}
		switch sn.Layer {
		case LayerSummary:
			summaries = append(summaries, sn)
		case LayerConcept:
			concepts = append(concepts, sn)
		default:
			if matchesTerms(terms, sn) {
				direct = append(direct, sn)
			} else {
				rest = append(rest, sn)
			}
		}
	}

	// Related: hot facts that share an entity with a direct hit. Recent:
	// everything else inside the recency window.
	directEntities := map[string]string{}
	for _, sn := range direct {
		for _, e := range sn.Entities {
			directEntities[strings.ToLower(e)] = e
		}
	}
	var related, recent []Snippet
	for _, sn := range rest {
		via := ""
		for _, e := range sn.Entities {
			if display, ok := directEntities[strings.ToLower(e)]; ok {
				via = display
				break
			}
		}
		if via != "" {
			sn.Via = via
			related = append(related, sn)
			continue
		}
		if sn.CreatedAt.After(recentCutoff) {
			recent = append(recent, sn)
		}
	}

	sections := []struct {
		header string
		items  []Snippet
	}{
		{"[Long-term summaries]", summaries},
		{"[Topic concepts]", concepts},
		{"[Direct memories]", direct},
		{"[Related knowledge]", related},
		{"[Recent dialog]", recent},
	}

	budget := params.MaxChars
	var b strings.Builder
	for _, section := range sections {
		if len(section.items) == 0 {
			continue
		}
		sortSnippets(section.items)

		wrote := false
		for i, sn := range section.items {
			if i >= params.ItemsPerLayer {
				break
			}
			line := renderRecallLine(sn)
			if len(line) > budget {
				break
			}
			if !wrote {
				b.WriteString(section.header)
				b.WriteByte('\n')
				wrote = true
			}
			b.WriteString(line)
			b.WriteByte('\n')
			budget -= len(line)
		}
	}

	body := strings.TrimSpace(b.String())
	if body == "" {
		return ""
	}
	return "Relevant memory from previous conversations:\n" + body
}

// sortSnippets orders one layer by importance, then recency.
func sortSnippets(items []Snippet) {
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Importance != items[j].Importance {
			return items[i].Importance > items[j].Importance
		}
		return items[i].CreatedAt.After(items[j].CreatedAt)
	})
}

// matchesTerms reports a direct hit: a query term inside the content, or a
// query term naming one of the snippet's entities.
func matchesTerms(terms map[string]struct{}, sn Snippet) bool {
	if len(terms) == 0 {
		return false
	}
	content := strings.ToLower(sn.Content)
	for term := range terms {
		if strings.Contains(content, term) {
			return true
		}
	}
	for _, e := range sn.Entities {
		if _, ok := terms[strings.ToLower(e)]; ok {
			return true
		}
	}
	return false
}

func renderRecallLine(sn Snippet) string {
	content := strings.TrimSpace(sn.Content)
	if len(content) > recallItemMaxChars {
		content = content[:recallItemMaxChars] + "..."
	}
	var b strings.Builder
	b.WriteString("- ")
	if !sn.CreatedAt.IsZero() {
		b.WriteString("[")
		b.WriteString(sn.CreatedAt.Format("01-02"))
		b.WriteString("] ")
	}
	b.WriteString(content)
	if sn.Via != "" {
		b.WriteString(" (via: ")
		b.WriteString(sn.Via)
		b.WriteString(")")
	}
	return b.String()
}
