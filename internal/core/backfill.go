package core

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"gwi.com/book-recommender/internal/logging"
	"gwi.com/book-recommender/internal/metrics"
	"gwi.com/book-recommender/internal/store"
)

// DefaultBackfillDelay keeps the job at 3 embedding requests per minute.
const DefaultBackfillDelay = 20 * time.Second

// BookStore is what the backfill needs from storage.
type BookStore interface {
	Catalog
	SetBookEmbedding(ctx context.Context, id string, embedding []float32) error
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

type BackfillOptions struct {
	// Delay is the pause between two embedding requests.
	Delay time.Duration
	// ContinueOnError logs a failed book and moves on instead of stopping.
	ContinueOnError bool
	// Force re-embeds books that already have a vector.
	Force bool
	// Sleep defaults to a timer honouring ctx.
	Sleep SleepFunc
}

type BackfillReport struct {
	Total     int // books in the catalog
	Embedded  int
	Skipped   int
	Failed    int
	Dimension int
}

// BackfillJob walks the catalog one book at a time and stores an embedding for
// each. Only one job may run against a store at a time; nothing here enforces it.
type BackfillJob struct {
	store    BookStore
	embedder Embedder
	opts     BackfillOptions
	log      zerolog.Logger
}

func NewBackfillJob(s BookStore, e Embedder, opts BackfillOptions) *BackfillJob {
	if opts.Sleep == nil {
		opts.Sleep = sleepContext
	}
	if opts.Delay < 0 {
		opts.Delay = 0
	}
	return &BackfillJob{store: s, embedder: e, opts: opts, log: logging.With("backfill")}
}

// Run processes the catalog starting at offset. Unless ContinueOnError is set
// the first failure stops the job; the report covers the work done so far.
func (j *BackfillJob) Run(ctx context.Context, offset int) (BackfillReport, error) {
	var report BackfillReport

	books, err := j.store.ListBooks(ctx)
	if err != nil {
		return report, fmt.Errorf("failed to load catalog: %w", err)
	}
	report.Total = len(books)

	if offset < 0 {
		offset = 0
	}
	if offset >= len(books) {
		j.log.Info().Int("offset", offset).Int("total", len(books)).Msg("nothing to do")
		return report, nil
	}

	report.Dimension = knownDimension(books)
	j.log.Info().Int("offset", offset).Int("total", len(books)).Dur("delay", j.opts.Delay).
		Msg("generating and saving embeddings")

	requested := false
	for i := offset; i < len(books); i++ {
		book := books[i]

		if book.HasEmbedding() && !j.opts.Force {
			report.Skipped++
			metrics.BackfillItems.WithLabelValues(metrics.OutcomeSkipped).Inc()
			continue
		}

		if requested {
			if err := j.opts.Sleep(ctx, j.opts.Delay); err != nil {
				return report, fmt.Errorf("backfill interrupted at book %d: %w", i, err)
			}
		} else if err := ctx.Err(); err != nil {
			return report, fmt.Errorf("backfill interrupted at book %d: %w", i, err)
		}
		requested = true

		if err := j.embedBook(ctx, &book, &report); err != nil {
			report.Failed++
			metrics.BackfillItems.WithLabelValues(metrics.OutcomeError).Inc()
			if !j.opts.ContinueOnError {
				return report, fmt.Errorf("backfill aborted at book %d (%s): %w", i, book.ID, err)
			}
			j.log.Error().Err(err).Int("index", i).Str("book_id", book.ID).Msg("book failed, continuing")
			continue
		}

		report.Embedded++
		metrics.BackfillItems.WithLabelValues(metrics.OutcomeSuccess).Inc()
		j.log.Info().Int("index", i).Str("book_id", book.ID).Str("title", book.Title).Msg("embedding stored")
	}

	j.log.Info().Int("embedded", report.Embedded).Int("skipped", report.Skipped).Int("failed", report.Failed).
		Msg("done")
	return report, nil
}

func (j *BackfillJob) embedBook(ctx context.Context, book *store.Book, report *BackfillReport) error {
	embedding, err := j.embedder.Embed(ctx, book.EmbeddingText())
	if err != nil {
		return err
	}

	if report.Dimension != 0 && len(embedding) != report.Dimension {
		return fmt.Errorf("embedding has %d dimensions, catalog uses %d", len(embedding), report.Dimension)
	}

	if err := j.store.SetBookEmbedding(ctx, book.ID, embedding); err != nil {
		return err
	}
	// only a stored vector fixes the catalog's dimension
	if report.Dimension == 0 {
		report.Dimension = len(embedding)
	}
	return nil
}

// knownDimension is the dimensionality of the first already-embedded book, or 0.
func knownDimension(books []store.Book) int {
	for _, b := range books {
		if b.HasEmbedding() {
			return len(b.Embedding)
		}
	}
	return 0
}
