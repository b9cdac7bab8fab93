// Package memory implements the agent's hybrid memory: two append-only
// vector collections (interactions, reflections) over an embedding
// index, plus a small bounded queue of the system's most recent reply
// texts. The queue is the authoritative "what I just said" buffer and
// is deliberately ephemeral; the vector collections are durable.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/philippgille/chromem-go"

	"github.com/awalczyk/anima-agent/internal/config"
	"github.com/awalczyk/anima-agent/internal/embeddings"
)

const (
	collInteractions = "interactions"
	collReflections  = "reflections"

	// reflectionMarker prefixes retrieved reflections so the generation
	// prompt can tell them apart from conversation snippets.
	reflectionMarker = "[reflection] "

	// reflectionTopK is how many reflections augment every retrieval.
	reflectionTopK = 2
)

// Store is the hybrid memory store. It is owned by the agent loop and
// called serially; the vector database handles its own locking.
type Store struct {
	db           *chromem.DB
	interactions *chromem.Collection
	reflections  *chromem.Collection
	embedder     embeddings.Embedder
	logger       *slog.Logger

	persistPath string

	// log is the recency-ordered mirror of the interaction collection,
	// rebuilt empty on restart. Recency queries (last-N pairing) read
	// it instead of the vector index.
	log []record

	// queue holds the last N system reply texts, oldest first.
	queue     []string
	queueSize int

	strategy    string
	maxSemantic int
}

// NewStore opens (or creates) the vector database under cfg.Path and
// prepares both collections.
func NewStore(cfg config.MemoryConfig, embedder embeddings.Embedder, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var db *chromem.DB
	var err error
	if cfg.Path != "" {
		if err := os.MkdirAll(cfg.Path, 0o755); err != nil {
			return nil, fmt.Errorf("create memory dir: %w", err)
		}
		db, err = chromem.NewPersistentDB(cfg.Path, false)
		if err != nil {
			return nil, fmt.Errorf("open vector db: %w", err)
		}
	} else {
		db = chromem.NewDB()
	}

	// Embeddings are always precomputed; the collection-level embedding
	// function must never be reached.
	noEmbed := func(ctx context.Context, text string) ([]float32, error) {
		return nil, fmt.Errorf("embedding function called for precomputed vectors")
	}

	inter, err := db.GetOrCreateCollection(collInteractions, nil, noEmbed)
	if err != nil {
		return nil, fmt.Errorf("open %s collection: %w", collInteractions, err)
	}
	refl, err := db.GetOrCreateCollection(collReflections, nil, noEmbed)
	if err != nil {
		return nil, fmt.Errorf("open %s collection: %w", collReflections, err)
	}

	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 5
	}

	return &Store{
		db:           db,
		interactions: inter,
		reflections:  refl,
		embedder:     embedder,
		logger:       logger,
		persistPath:  cfg.Path,
		queueSize:    queueSize,
		strategy:     cfg.ContextStrategy,
		maxSemantic:  cfg.MaxSemanticResults,
	}, nil
}

// add embeds content and appends it to a collection with a fresh id.
func (s *Store) add(ctx context.Context, col *chromem.Collection, content string, meta map[string]string) (string, error) {
	vec, err := s.embedder.Embed(ctx, content)
	if err != nil {
		return "", fmt.Errorf("embed: %w", err)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate id: %w", err)
	}

	doc := chromem.Document{
		ID:        id.String(),
		Content:   content,
		Metadata:  meta,
		Embedding: vec,
	}
	if err := col.AddDocuments(ctx, []chromem.Document{doc}, runtime.NumCPU()); err != nil {
		return "", fmt.Errorf("add document: %w", err)
	}
	return id.String(), nil
}

// StoreInteraction appends a user message to the interaction
// collection.
func (s *Store) StoreInteraction(ctx context.Context, msg Message) error {
	meta := map[string]string{
		"source":    msg.Sender,
		"timestamp": strconv.FormatInt(msg.Timestamp, 10),
		"type":      TypeUserMessage,
	}
	id, err := s.add(ctx, s.interactions, msg.Content, meta)
	if err != nil {
		return fmt.Errorf("store interaction: %w", err)
	}

	s.log = append(s.log, record{
		ID:        id,
		Type:      TypeUserMessage,
		Content:   msg.Content,
		Source:    msg.Sender,
		Timestamp: msg.Timestamp,
	})
	return nil
}

// StoreResponse appends a system reply to the interaction collection
// with the three linking fields, and pushes its text onto the
// conversation queue (evicting the oldest entry past the bound).
func (s *Store) StoreResponse(ctx context.Context, text string, inReplyTo Message) error {
	now := time.Now().Unix()
	meta := map[string]string{
		"source":             "system",
		"timestamp":          strconv.FormatInt(now, 10),
		"type":               TypeSystemResponse,
		"in_response_to":     inReplyTo.Content,
		"original_sender":    inReplyTo.Sender,
		"original_timestamp": strconv.FormatInt(inReplyTo.Timestamp, 10),
	}
	id, err := s.add(ctx, s.interactions, text, meta)
	if err != nil {
		return fmt.Errorf("store response: %w", err)
	}

	s.log = append(s.log, record{
		ID:                id,
		Type:              TypeSystemResponse,
		Content:           text,
		Source:            "system",
		Timestamp:         now,
		InResponseTo:      inReplyTo.Content,
		OriginalSender:    inReplyTo.Sender,
		OriginalTimestamp: inReplyTo.Timestamp,
	})

	s.queue = append(s.queue, text)
	if len(s.queue) > s.queueSize {
		s.queue = s.queue[len(s.queue)-s.queueSize:]
	}
	return nil
}

// StoreReflection appends a system-generated reflection to the
// reflection collection.
func (s *Store) StoreReflection(ctx context.Context, text string) error {
	meta := map[string]string{
		"source":    "system",
		"timestamp": strconv.FormatInt(time.Now().Unix(), 10),
		"type":      TypeSystemReflection,
	}
	if _, err := s.add(ctx, s.reflections, text, meta); err != nil {
		return fmt.Errorf("store reflection: %w", err)
	}
	return nil
}

// query runs a nearest-neighbor search against a collection, clamping
// n to the collection size (chromem rejects over-asks).
func (s *Store) query(ctx context.Context, col *chromem.Collection, vec []float32, n int) ([]chromem.Result, error) {
	count := col.Count()
	if count == 0 || n <= 0 {
		return nil, nil
	}
	if n > count {
		n = count
	}
	return col.QueryEmbedding(ctx, vec, n, nil, nil)
}

// RetrieveRelevantContext returns up to n semantically similar
// interaction texts plus up to two reflections, reflections prefixed
// with a marker string.
func (s *Store) RetrieveRelevantContext(ctx context.Context, query string, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}

	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	var out []string

	results, err := s.query(ctx, s.interactions, vec, n)
	if err != nil {
		return nil, fmt.Errorf("query interactions: %w", err)
	}
	for _, r := range results {
		out = append(out, r.Content)
	}

	refl, err := s.query(ctx, s.reflections, vec, reflectionTopK)
	if err != nil {
		return nil, fmt.Errorf("query reflections: %w", err)
	}
	for _, r := range refl {
		out = append(out, reflectionMarker+r.Content)
	}

	return out, nil
}

// RetrieveLastInteractions returns the n most recent user messages,
// each paired with the system response whose in_response_to,
// original_sender, and original_timestamp all match. A user message
// with no matching response keeps its slot with an empty response
// string. Results are ordered oldest first.
func (s *Store) RetrieveLastInteractions(n int) []Pair {
	if n <= 0 {
		return nil
	}

	var pairs []Pair
	// Walk backwards collecting user messages until we have n.
	for i := len(s.log) - 1; i >= 0 && len(pairs) < n; i-- {
		rec := s.log[i]
		if rec.Type != TypeUserMessage {
			continue
		}

		pair := Pair{UserMessage: Message{
			Sender:    rec.Source,
			Content:   rec.Content,
			Timestamp: rec.Timestamp,
		}}
		// Match strictly on the three link fields against system
		// responses only; a later user message repeating the same text
		// must never satisfy the pairing.
		for j := i + 1; j < len(s.log); j++ {
			cand := s.log[j]
			if cand.Type != TypeSystemResponse {
				continue
			}
			if cand.InResponseTo == rec.Content &&
				cand.OriginalSender == rec.Source &&
				cand.OriginalTimestamp == rec.Timestamp {
				pair.ResponseText = cand.Content
				break
			}
		}
		pairs = append(pairs, pair)
	}

	// Reverse to oldest-first.
	for i, j := 0, len(pairs)-1; i < j; i, j = i+1, j-1 {
		pairs[i], pairs[j] = pairs[j], pairs[i]
	}
	return pairs
}

// ConversationContext returns up to n trailing entries of the
// conversation queue, oldest first.
func (s *Store) ConversationContext(n int) []string {
	if n <= 0 || len(s.queue) == 0 {
		return nil
	}
	if n > len(s.queue) {
		n = len(s.queue)
	}
	tail := s.queue[len(s.queue)-n:]
	out := make([]string, n)
	copy(out, tail)
	return out
}

// QueueLen reports the current conversation queue length.
func (s *Store) QueueLen() int { return len(s.queue) }

// HybridContext combines semantic retrieval with the conversation
// queue per the configured strategy and returns a single context
// string. An empty queue contributes no conversation block.
func (s *Store) HybridContext(ctx context.Context, query string) (string, error) {
	var parts []string

	if s.strategy == "semantic" || s.strategy == "hybrid" {
		semantic, err := s.RetrieveRelevantContext(ctx, query, s.maxSemantic)
		if err != nil {
			return "", err
		}
		parts = append(parts, semantic...)
	}

	if s.strategy == "conversation" || s.strategy == "hybrid" {
		recent := s.ConversationContext(s.queueSize)
		if len(recent) > 0 {
			var b strings.Builder
			b.WriteString("Recent conversation:")
			for _, r := range recent {
				b.WriteString("\n- ")
				b.WriteString(r)
			}
			parts = append(parts, b.String())
		}
	}

	return strings.Join(parts, "\n"), nil
}

// SaveState flushes the vector database to its durable export file.
// A store without a persistence path is memory-only and this is a
// no-op.
func (s *Store) SaveState() error {
	if s.persistPath == "" {
		return nil
	}
	exportPath := filepath.Join(s.persistPath, "vectors.gob")
	//nolint:staticcheck // Export is the stable entry point in chromem v0.7.
	if err := s.db.Export(exportPath, false, ""); err != nil {
		return fmt.Errorf("export vector db: %w", err)
	}
	s.logger.Debug("vector store exported", "path", exportPath)
	return nil
}

// Stats reports collection and queue sizes for the monitor.
func (s *Store) Stats() map[string]int {
	return map[string]int{
		"interactions": s.interactions.Count(),
		"reflections":  s.reflections.Count(),
		"queue":        len(s.queue),
	}
}
