package store

import "time"

type Account struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"` // never exposed in responses
	Email        *string   `json:"email,omitempty"`
	Preferences  []string  `json:"preferences,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Book is a catalog item. Embedding is nil until the backfill job has run for it.
type Book struct {
	ID          string    `json:"id"` // UUID
	Title       string    `json:"title"`
	Author      string    `json:"author"`
	Genre       string    `json:"genre"`
	Rating      float64   `json:"rating"`
	Description string    `json:"description"`
	Year        int       `json:"year"`
	Embedding   []float32 `json:"-"`
}

// HasEmbedding reports whether the book has been embedded.
func (b *Book) HasEmbedding() bool {
	return len(b.Embedding) > 0
}

// EmbeddingText is the descriptive string sent to the embedding service.
func (b *Book) EmbeddingText() string {
	return b.Title + " " + b.Description + " " + b.Author
}
