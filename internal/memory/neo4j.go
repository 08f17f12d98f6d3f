package memory

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/promethea-labs/promethea/internal/config"
	"github.com/promethea-labs/promethea/pkg/models"
)

// Neo4jStore implements Store on a Neo4j graph. Facts hang off a per-user
// node; every query filters through that node, so cross-user traversal is
// structurally impossible.
//
// Graph shape:
//
//	(:User {id})<-[:OWNED_BY]-(:Fact {id, content, hash, layer,
//	    importance, session_id, entities, created_at})
type Neo4jStore struct {
	driver   neo4j.DriverWithContext
	database string
}

// NewNeo4jStore connects and verifies the database is reachable.
func NewNeo4jStore(ctx context.Context, cfg config.Neo4jConfig) (*Neo4jStore, error) {
	driver, err := neo4j.NewDriverWithContext(cfg.URI, neo4j.BasicAuth(cfg.Username, cfg.Password, ""))
	if err != nil {
		return nil, fmt.Errorf("neo4j driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		driver.Close(ctx)
		return nil, models.Wrap(models.KindUpstreamUnavailable, "neo4j unreachable", err)
	}
	return &Neo4jStore{driver: driver, database: cfg.Database}, nil
}

func (s *Neo4jStore) session(ctx context.Context) neo4j.SessionWithContext {
	return s.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: s.database})
}

// userNode scopes queries. The prefix keeps user nodes distinct from any
// other id space in the graph.
func userNode(userID string) string { return "user_" + userID }

func (s *Neo4jStore) UpsertFact(ctx context.Context, userID string, fact Fact) error {
	if userID == "" {
		return models.E(models.KindInvalidArguments, "memory query without user scope")
	}
	sess := s.session(ctx)
	defer sess.Close(ctx)

	_, err := sess.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		return tx.Run(ctx, `
			MERGE (u:User {id: $uid})
			MERGE (f:Fact {hash: $hash})-[:OWNED_BY]->(u)
			SET f.id = coalesce(f.id, $id),
			    f.content = $content,
			    f.layer = $layer,
			    f.importance = $importance,
			    f.session_id = $session_id,
			    f.entities = $entities,
			    f.created_at = coalesce(f.created_at, $created_at)`,
			map[string]any{
				"uid":        userNode(userID),
				"id":         fact.ID,
				"hash":       fact.Hash,
				"content":    fact.Content,
				"layer":      fact.Layer,
				"importance": fact.Importance,
				"session_id": fact.SessionID,
				"entities":   fact.Entities,
				"created_at": fact.CreatedAt.UTC().Format(time.RFC3339),
			})
	})
	if err != nil {
		return models.Wrap(models.KindUpstreamUnavailable, "neo4j upsert failed", err)
	}
	return nil
}

func (s *Neo4jStore) Search(ctx context.Context, userID, query string, k int) ([]Snippet, error) {
	if userID == "" {
		return nil, models.E(models.KindInvalidArguments, "memory query without user scope")
	}
	if k <= 0 {
		k = 10
	}

	terms := make([]string, 0, 8)
	for t := range searchTerms(query) {
		terms = append(terms, t)
	}
	if len(terms) == 0 {
		return nil, nil
	}

	sess := s.session(ctx)
	defer sess.Close(ctx)

	// Zero-overlap facts still qualify inside the recent window; the recall
	// formatter sorts them into the recent layer.
	recentCutoff := time.Now().Add(-14 * 24 * time.Hour).UTC().Format(time.RFC3339)

	records, err := sess.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
			MATCH (f:Fact)-[:OWNED_BY]->(u:User {id: $uid})
			WITH f, reduce(score = 0.0, t IN $terms |
				score + CASE WHEN toLower(f.content) CONTAINS t THEN 1.0 ELSE 0.0 END
			) + f.importance AS score
			WHERE score > f.importance OR f.created_at >= $recent_cutoff
			RETURN f.content AS content, f.layer AS layer, f.session_id AS session_id,
			       f.importance AS importance, f.entities AS entities,
			       f.created_at AS created_at
			ORDER BY score DESC
			LIMIT $k`,
			map[string]any{
				"uid": userNode(userID), "terms": terms, "k": k,
				"recent_cutoff": recentCutoff,
			})
		if err != nil {
			return nil, err
		}
		return res.Collect(ctx)
	})
	if err != nil {
		return nil, models.Wrap(models.KindUpstreamUnavailable, "neo4j search failed", err)
	}

	var out []Snippet
	for _, record := range records.([]*neo4j.Record) {
		sn := Snippet{}
		if v, ok := record.Get("content"); ok {
			sn.Content, _ = v.(string)
		}
		if v, ok := record.Get("layer"); ok {
			sn.Layer, _ = v.(string)
		}
		if v, ok := record.Get("session_id"); ok {
			sn.SessionID, _ = v.(string)
		}
		if v, ok := record.Get("importance"); ok {
			sn.Importance, _ = v.(float64)
		}
		if v, ok := record.Get("entities"); ok {
			if list, ok := v.([]any); ok {
				for _, item := range list {
					if s, ok := item.(string); ok {
						sn.Entities = append(sn.Entities, s)
					}
				}
			}
		}
		if v, ok := record.Get("created_at"); ok {
			if str, ok := v.(string); ok {
				sn.CreatedAt, _ = time.Parse(time.RFC3339, str)
			}
		}
		if sn.Content != "" {
			out = append(out, sn)
		}
	}
	return out, nil
}

// Cluster links hot facts sharing an entity under warm concept nodes.
func (s *Neo4jStore) Cluster(ctx context.Context, userID string, params MaintenanceParams) (int, error) {
	return s.writeCount(ctx, userID, `
		MATCH (f:Fact {layer: $hot})-[:OWNED_BY]->(u:User {id: $uid})
		UNWIND f.entities AS entity
		WITH u, toLower(entity) AS entity, collect(f) AS facts
		WHERE size(facts) >= 2
		WITH u, entity, facts LIMIT $max
		MERGE (c:Fact {hash: 'concept_' + entity + '_' + u.id})
		ON CREATE SET c.id = randomUUID(),
		    c.content = entity + ': ' + reduce(acc = '', f IN facts[..5] |
		        acc + CASE WHEN acc = '' THEN '' ELSE '; ' END + f.content),
		    c.layer = $concept,
		    c.importance = 0.6,
		    c.session_id = '',
		    c.entities = [entity],
		    c.created_at = $now
		MERGE (c)-[:OWNED_BY]->(u)
		WITH c WHERE c.created_at = $now
		RETURN count(c) AS n`,
		map[string]any{
			"uid": userNode(userID), "hot": LayerHot, "concept": LayerConcept,
			"max": params.MaxItems, "now": time.Now().UTC().Format(time.RFC3339),
		})
}

// Summarize folds aged concepts into cold summaries.
func (s *Neo4jStore) Summarize(ctx context.Context, userID string, params MaintenanceParams) (int, error) {
	cutoff := time.Now().Add(-params.OlderThan).UTC().Format(time.RFC3339)
	return s.writeCount(ctx, userID, `
		MATCH (c:Fact {layer: $concept})-[:OWNED_BY]->(u:User {id: $uid})
		WHERE c.created_at < $cutoff
		WITH u, collect(c.content)[..$max] AS concepts
		WHERE size(concepts) >= 2
		MERGE (sm:Fact {hash: 'summary_' + u.id + '_' + $cutoff})
		ON CREATE SET sm.id = randomUUID(),
		    sm.content = 'Summary: ' + reduce(acc = '', x IN concepts |
		        acc + CASE WHEN acc = '' THEN '' ELSE ' | ' END + x),
		    sm.layer = $summary,
		    sm.importance = 0.7,
		    sm.session_id = '',
		    sm.entities = [],
		    sm.created_at = $now
		MERGE (sm)-[:OWNED_BY]->(u)
		RETURN count(sm) AS n`,
		map[string]any{
			"uid": userNode(userID), "concept": LayerConcept, "summary": LayerSummary,
			"cutoff": cutoff, "max": params.MaxItems,
			"now": time.Now().UTC().Format(time.RFC3339),
		})
}

// Decay deletes stale low-importance facts.
func (s *Neo4jStore) Decay(ctx context.Context, userID string, params MaintenanceParams) (int, error) {
	cutoff := time.Now().Add(-params.OlderThan).UTC().Format(time.RFC3339)
	return s.writeCount(ctx, userID, `
		MATCH (f:Fact)-[:OWNED_BY]->(u:User {id: $uid})
		WHERE f.importance < $floor AND f.created_at < $cutoff
		WITH f LIMIT $max
		DETACH DELETE f
		RETURN count(*) AS n`,
		map[string]any{
			"uid": userNode(userID), "floor": params.MinImportance,
			"cutoff": cutoff, "max": params.MaxItems,
		})
}

func (s *Neo4jStore) writeCount(ctx context.Context, userID, cypher string, args map[string]any) (int, error) {
	if userID == "" {
		return 0, models.E(models.KindInvalidArguments, "memory query without user scope")
	}
	sess := s.session(ctx)
	defer sess.Close(ctx)

	result, err := sess.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, cypher, args)
		if err != nil {
			return nil, err
		}
		record, err := res.Single(ctx)
		if err != nil {
			// Zero-row passes are normal: nothing matched the window.
			if strings.Contains(err.Error(), "no more records") || strings.Contains(err.Error(), "0 records") {
				return int64(0), nil
			}
			return nil, err
		}
		if v, ok := record.Get("n"); ok {
			if n, ok := v.(int64); ok {
				return n, nil
			}
		}
		return int64(0), nil
	})
	if err != nil {
		return 0, models.Wrap(models.KindUpstreamUnavailable, "neo4j maintenance pass failed", err)
	}
	return int(result.(int64)), nil
}

func (s *Neo4jStore) Ping(ctx context.Context) error {
	if err := s.driver.VerifyConnectivity(ctx); err != nil {
		return models.Wrap(models.KindUpstreamUnavailable, "neo4j unreachable", err)
	}
	return nil
}

func (s *Neo4jStore) Close(ctx context.Context) error {
	return s.driver.Close(ctx)
}
