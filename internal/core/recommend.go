package core

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"gwi.com/book-recommender/internal/logging"
	"gwi.com/book-recommender/internal/metrics"
	"gwi.com/book-recommender/internal/store"
	"gwi.com/book-recommender/internal/vector"
)

// DefaultTopK is the number of books returned per recommendation.
const DefaultTopK = 3

// Catalog is the read side of the book store used for ranking.
type Catalog interface {
	ListBooks(ctx context.Context) ([]store.Book, error)
}

// PreferenceQuery is what a reader tells us they like.
type PreferenceQuery struct {
	FavouriteBooks   string `json:"favouriteBooks"`
	FavouriteAuthors string `json:"favouriteAuthors"`
	Genre            string `json:"genre"`
}

// Text renders the query as one string; missing fields render empty.
func (q PreferenceQuery) Text() string {
	return q.FavouriteBooks + " " + q.FavouriteAuthors + " " + q.Genre
}

// QueryFromTags builds a query from the preference tags stored on an account.
func QueryFromTags(tags []string) PreferenceQuery {
	return PreferenceQuery{Genre: strings.Join(tags, " ")}
}

func (q PreferenceQuery) blank() bool {
	return strings.TrimSpace(q.Text()) == ""
}

type ScoredBook struct {
	Book  store.Book
	Score float64
}

type RecommendationService struct {
	catalog  Catalog
	embedder Embedder
	topK     int
}

func NewRecommendationService(catalog Catalog, embedder Embedder, topK int) *RecommendationService {
	if topK <= 0 {
		topK = DefaultTopK
	}
	return &RecommendationService{catalog: catalog, embedder: embedder, topK: topK}
}

// Recommend ranks the catalog against q and returns at most topK books with
// their scores, best first. Books without a usable embedding are left out.
func (s *RecommendationService) Recommend(ctx context.Context, q PreferenceQuery) (results []ScoredBook, err error) {
	start := time.Now()
	defer func() {
		outcome := metrics.OutcomeSuccess
		if err != nil {
			outcome = metrics.OutcomeError
		}
		metrics.Recommendations.WithLabelValues(outcome).Inc()
		metrics.RecommendDuration.Observe(time.Since(start).Seconds())
	}()

	if q.blank() {
		return nil, &ValidationError{Field: "preferences", Message: "At least one preference is required"}
	}

	queryEmbedding, err := s.embedder.Embed(ctx, q.Text())
	if err != nil {
		return nil, fmt.Errorf("failed to embed preferences: %w", err)
	}

	books, err := s.catalog.ListBooks(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load catalog: %w", err)
	}

	scored := scoreBooks(queryEmbedding, books)

	// stable: equal scores keep catalog order
	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Score > scored[j].Score
	})

	if len(scored) > s.topK {
		scored = scored[:s.topK]
	}

	logging.Debug().Int("catalog", len(books)).Int("returned", len(scored)).Msg("recommendation ranked")
	return scored, nil
}

// RecommendBooks is Recommend without the scores.
func (s *RecommendationService) RecommendBooks(ctx context.Context, q PreferenceQuery) ([]store.Book, error) {
	scored, err := s.Recommend(ctx, q)
	if err != nil {
		return nil, err
	}
	books := make([]store.Book, 0, len(scored))
	for _, sb := range scored {
		books = append(books, sb.Book)
	}
	return books, nil
}

func scoreBooks(query []float32, books []store.Book) []ScoredBook {
	scored := make([]ScoredBook, 0, len(books))
	for _, book := range books {
		if !book.HasEmbedding() {
			metrics.UnscoredBooks.WithLabelValues("not_embedded").Inc()
			continue
		}

		score, err := vector.CosineSimilarity(query, book.Embedding)
		if err != nil {
			reason := "invalid_vector"
			if errors.Is(err, vector.ErrDimensionMismatch) {
				reason = "dimension_mismatch"
			}
			metrics.UnscoredBooks.WithLabelValues(reason).Inc()
			logging.Warn().Err(err).Str("book_id", book.ID).Msg("skipping book during scoring")
			continue
		}

		scored = append(scored, ScoredBook{Book: book, Score: score})
	}
	return scored
}
