package chat

import (
	"context"
	"crypto/md5"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"chatrelay/internal/models"
)

// previewLength caps the stored excerpt of embedded content.
const previewLength = 512

// SimilarMessage is one semantic-search hit within a conversation.
type SimilarMessage struct {
	Role       models.Role `json:"role"`
	Content    string      `json:"content"`
	Similarity float64     `json:"similarity"`
}

type storedEmbedding struct {
	Role           models.Role `db:"role"`
	ContentPreview string      `db:"content_preview"`
	Embedding      string      `db:"embedding"`
}

// StoreEmbedding saves a message vector keyed by the md5 of its content.
// Content whose hash is already stored for the conversation is skipped, so
// retries and identical texts do not accumulate duplicate vectors.
func (s *Service) StoreEmbedding(ctx context.Context, conversationID int64, role models.Role, content string, vector []float32) error {
	if len(vector) == 0 {
		return errors.New("empty embedding vector")
	}
	hash := contentHash(content)
	var count int
	if err := s.db.GetContext(ctx, &count,
		`SELECT COUNT(*) FROM message_embeddings WHERE conversation_id = ? AND content_hash = ?`,
		conversationID, hash); err != nil {
		return fmt.Errorf("check embedding: %w", err)
	}
	if count > 0 {
		return nil
	}
	encoded, err := json.Marshal(vector)
	if err != nil {
		return fmt.Errorf("encode embedding: %w", err)
	}
	preview := content
	if len(preview) > previewLength {
		preview = preview[:previewLength]
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO message_embeddings (conversation_id, role, content_preview, content_hash, embedding, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		conversationID, role, preview, hash, string(encoded), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert embedding: %w", err)
	}
	return nil
}

// HasEmbedding reports whether the content is already embedded for the conversation.
func (s *Service) HasEmbedding(ctx context.Context, conversationID int64, content string) (bool, error) {
	var count int
	err := s.db.GetContext(ctx, &count,
		`SELECT COUNT(*) FROM message_embeddings WHERE conversation_id = ? AND content_hash = ?`,
		conversationID, contentHash(content))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("check embedding: %w", err)
	}
	return count > 0, nil
}

// FindSimilar scores every stored vector in the conversation against the
// query vector and returns the topK hits at or above the threshold, best first.
func (s *Service) FindSimilar(ctx context.Context, conversationID int64, query []float32, topK int, threshold float64) ([]SimilarMessage, error) {
	if len(query) == 0 || topK <= 0 {
		return nil, nil
	}
	rows := []storedEmbedding{}
	err := s.db.SelectContext(ctx, &rows,
		`SELECT role, content_preview, embedding FROM message_embeddings WHERE conversation_id = ?`,
		conversationID)
	if err != nil {
		return nil, fmt.Errorf("load embeddings: %w", err)
	}

	hits := make([]SimilarMessage, 0, len(rows))
	for _, row := range rows {
		var vec []float32
		if err := json.Unmarshal([]byte(row.Embedding), &vec); err != nil {
			continue
		}
		score := cosineSimilarity(query, vec)
		if score >= threshold {
			hits = append(hits, SimilarMessage{
				Role:       row.Role,
				Content:    row.ContentPreview,
				Similarity: score,
			})
		}
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].Similarity > hits[j].Similarity })
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

func contentHash(content string) string {
	sum := md5.Sum([]byte(content))
	return hex.EncodeToString(sum[:])
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
