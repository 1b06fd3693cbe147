package core

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"gwi.com/persona-chat/internal/metrics"
	"gwi.com/persona-chat/internal/store"
	"gwi.com/persona-chat/internal/utils"
)

// Embedder turns text into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// EmbeddingStore persists chunks and their vectors.
type EmbeddingStore interface {
	UpsertEmbedding(ctx context.Context, e *store.Embedding) error
	ListVisibleEmbeddings(ctx context.Context, ownerID string) ([]store.Embedding, error)
	DeleteEmbeddings(ctx context.Context, ownerID string, ids []string) (int64, error)
}

// RAGService is the retrieval gateway: similarity search and ingestion over
// the embeddings table.
type RAGService struct {
	store         EmbeddingStore
	embedder      Embedder
	minSimilarity float32
	timeout       time.Duration
	ingestPace    time.Duration
	logger        *zap.Logger
}

func NewRAGService(es EmbeddingStore, embedder Embedder, minSimilarity float64, timeout time.Duration, logger *zap.Logger) *RAGService {
	return &RAGService{
		store:         es,
		embedder:      embedder,
		minSimilarity: float32(minSimilarity),
		timeout:       timeout,
		ingestPace:    40 * time.Millisecond, // stays under 1500 embedding requests per minute
		logger:        logger,
	}
}

// ScoredDocument is a retrieved chunk with its similarity to the query.
type ScoredDocument struct {
	ID         string  `json:"id"`
	Content    string  `json:"content"`
	Similarity float32 `json:"similarity"`
}

// SimilaritySearch returns up to k shared chunk contents, closest first.
// Chunks added by individual users are not searched.
func (s *RAGService) SimilaritySearch(ctx context.Context, query string, k int) ([]string, error) {
	docs, err := s.Search(ctx, query, "", k)
	if err != nil {
		return nil, err
	}
	return contents(docs), nil
}

// SimilaritySearchForOwner searches the shared chunks together with the
// chunks added by ownerID.
func (s *RAGService) SimilaritySearchForOwner(ctx context.Context, query, ownerID string, k int) ([]string, error) {
	docs, err := s.Search(ctx, query, ownerID, k)
	if err != nil {
		return nil, err
	}
	return contents(docs), nil
}

// ForOwner returns a Retriever over the chunks visible to ownerID.
func (s *RAGService) ForOwner(ownerID string) Retriever {
	return ownerRetriever{rag: s, ownerID: ownerID}
}

type ownerRetriever struct {
	rag     *RAGService
	ownerID string
}

func (r ownerRetriever) SimilaritySearch(ctx context.Context, query string, k int) ([]string, error) {
	return r.rag.SimilaritySearchForOwner(ctx, query, r.ownerID, k)
}

// Search ranks the chunks visible to ownerID by cosine similarity to query.
// An empty ownerID searches only the shared chunks.
func (s *RAGService) Search(ctx context.Context, query, ownerID string, k int) ([]ScoredDocument, error) {
	if k <= 0 {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	queryVec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		metrics.RetrievalRequests.WithLabelValues("error").Inc()
		return nil, asTransient("Failed to embed query", err)
	}

	chunks, err := s.store.ListVisibleEmbeddings(ctx, ownerID)
	if err != nil {
		metrics.RetrievalRequests.WithLabelValues("error").Inc()
		return nil, Transient("Failed to load embeddings", err)
	}

	ranked := utils.RankBySimilarity(queryVec, chunks, func(e store.Embedding) []float32 { return e.Vector }, s.minSimilarity, k)
	docs := make([]ScoredDocument, 0, len(ranked))
	for _, r := range ranked {
		docs = append(docs, ScoredDocument{ID: r.Item.ID, Content: r.Item.Content, Similarity: r.Similarity})
	}

	metrics.RetrievalRequests.WithLabelValues("ok").Inc()
	s.logger.Debug("Similarity search complete",
		zap.Int("candidates", len(chunks)), zap.Int("returned", len(docs)), zap.String("owner_id", ownerID))
	return docs, nil
}

func contents(docs []ScoredDocument) []string {
	out := make([]string, len(docs))
	for i, d := range docs {
		out[i] = d.Content
	}
	return out
}

// AddTexts embeds and stores texts. When ids is non-empty it must match texts
// one to one and existing ids are overwritten; otherwise new ids are
// generated. The owner is recorded in metadata for scoped searches.
func (s *RAGService) AddTexts(ctx context.Context, texts, ids []string, ownerID string) ([]string, error) {
	if len(ids) > 0 && len(ids) != len(texts) {
		return nil, Validation("ids and texts must have the same length")
	}

	out := make([]string, 0, len(texts))
	for i, text := range texts {
		if strings.TrimSpace(text) == "" {
			return out, Validation(fmt.Sprintf("text %d is empty", i))
		}
		vec, err := s.embedWithTimeout(ctx, text)
		if err != nil {
			return out, asTransient("Failed to embed text", err)
		}

		e := &store.Embedding{Content: text, Vector: vec, Metadata: map[string]string{}}
		if len(ids) > 0 {
			e.ID = ids[i]
		}
		if ownerID != "" {
			e.Metadata["user_id"] = ownerID
		}
		if err := s.store.UpsertEmbedding(ctx, e); err != nil {
			return out, Transient("Failed to store embedding", err)
		}
		out = append(out, e.ID)
	}
	return out, nil
}

// DeleteTexts removes the given ids owned by ownerID, or any owner when
// ownerID is empty. Missing ids are not an error.
func (s *RAGService) DeleteTexts(ctx context.Context, ownerID string, ids []string) error {
	n, err := s.store.DeleteEmbeddings(ctx, ownerID, ids)
	if err != nil {
		return Transient("Failed to delete embeddings", err)
	}
	s.logger.Info("Deleted embeddings", zap.Int("requested", len(ids)), zap.Int64("deleted", n))
	return nil
}

func (s *RAGService) embedWithTimeout(ctx context.Context, text string) ([]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.embedder.Embed(ctx, text)
}

// IngestMarkdownTable loads a single-column markdown table (header row, then
// separator, then one passage per row) into the embeddings table. Passage ids
// are derived from their content so re-ingesting the same file is idempotent.
// Rows that fail to embed are skipped; the number stored is returned.
func (s *RAGService) IngestMarkdownTable(ctx context.Context, path string) (int, error) {
	contentBytes, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read data file %s: %w", path, err)
	}

	passages := ParseMarkdownTable(string(contentBytes))
	if len(passages) == 0 {
		s.logger.Warn("No passages found in data file", zap.String("path", path))
		return 0, nil
	}
	s.logger.Info("Embedding passages", zap.Int("count", len(passages)), zap.String("path", path))

	ticker := time.NewTicker(s.ingestPace)
	defer ticker.Stop()

	count := 0
	for i, passage := range passages {
		select {
		case <-ctx.Done():
			return count, ctx.Err()
		case <-ticker.C:
		}

		if _, err := s.AddTexts(ctx, []string{passage}, []string{passageID(passage)}, ""); err != nil {
			s.logger.Warn("Skipping passage", zap.Int("row", i+1), zap.Error(err))
			continue
		}
		count++
		if count%10 == 0 || count == len(passages) {
			s.logger.Info("Ingest progress", zap.Int("stored", count), zap.Int("total", len(passages)))
		}
	}
	return count, nil
}

func passageID(content string) string {
	sum := sha256.Sum256([]byte(content))
	return "ingest-" + hex.EncodeToString(sum[:8])
}

// ParseMarkdownTable extracts the first cell of every body row of a markdown
// table. Lines outside the table are ignored.
func ParseMarkdownTable(content string) []string {
	var passages []string
	inBody := false
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, "|") || !strings.HasSuffix(trimmed, "|") || len(trimmed) < 2 {
			inBody = false
			continue
		}
		cell := strings.TrimSpace(strings.Split(trimmed[1:len(trimmed)-1], "|")[0])
		if isSeparatorCell(cell) {
			inBody = true
			continue
		}
		if !inBody || cell == "" {
			// header row, or an empty cell
			continue
		}
		passages = append(passages, cell)
	}
	return passages
}

func isSeparatorCell(cell string) bool {
	cell = strings.Trim(cell, ":")
	return len(cell) >= 3 && strings.Trim(cell, "-") == ""
}
