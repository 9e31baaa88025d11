package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3" // SQLite driver
)

var (
	ErrUsernameTaken = errors.New("username already taken")
	ErrBookNotFound  = errors.New("book not found")
)

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dataSourceName string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// one connection: writes never contend and :memory: databases stay shared
	db.SetMaxOpenConns(1)

	if err = db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err = store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) initSchema() error {
	schema := `
    CREATE TABLE IF NOT EXISTS accounts (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        username TEXT UNIQUE NOT NULL,
        password_hash TEXT NOT NULL,
        email TEXT,
        preferences_json TEXT,
        created_at DATETIME DEFAULT CURRENT_TIMESTAMP
    );

    CREATE TABLE IF NOT EXISTS books (
        id TEXT PRIMARY KEY, -- UUID
        title TEXT NOT NULL,
        author TEXT NOT NULL DEFAULT '',
        genre TEXT NOT NULL DEFAULT '',
        rating REAL NOT NULL DEFAULT 0,
        description TEXT NOT NULL DEFAULT '',
        year INTEGER NOT NULL DEFAULT 0,
        embedding_json TEXT -- JSON array of float32, NULL until backfilled
    );
    `
	_, err := s.db.Exec(schema)
	return err
}

// Account methods

// GetAccountByUsername returns nil, nil when no account matches.
func (s *SQLiteStore) GetAccountByUsername(ctx context.Context, username string) (*Account, error) {
	var (
		acc         Account
		email       sql.NullString
		preferences sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT id, username, password_hash, email, preferences_json, created_at FROM accounts WHERE username = ?",
		username,
	).Scan(&acc.ID, &acc.Username, &acc.PasswordHash, &email, &preferences, &acc.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query account: %w", err)
	}

	if email.Valid {
		acc.Email = &email.String
	}
	if preferences.Valid && preferences.String != "" {
		if err := json.Unmarshal([]byte(preferences.String), &acc.Preferences); err != nil {
			return nil, fmt.Errorf("failed to decode preferences for %s: %w", username, err)
		}
	}
	return &acc, nil
}

// CreateAccount inserts acc and fills in its ID and CreatedAt. A duplicate
// username yields ErrUsernameTaken.
func (s *SQLiteStore) CreateAccount(ctx context.Context, acc *Account) error {
	var preferences sql.NullString
	if len(acc.Preferences) > 0 {
		raw, err := json.Marshal(acc.Preferences)
		if err != nil {
			return fmt.Errorf("failed to marshal preferences: %w", err)
		}
		preferences = sql.NullString{String: string(raw), Valid: true}
	}

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO accounts (username, password_hash, email, preferences_json, created_at) VALUES (?, ?, ?, ?, ?)",
		acc.Username, acc.PasswordHash, acc.Email, preferences, now,
	)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return ErrUsernameTaken
		}
		return fmt.Errorf("failed to insert account: %w", err)
	}

	acc.ID, _ = res.LastInsertId()
	acc.CreatedAt = now
	return nil
}

// Book methods

const bookColumns = "id, title, author, genre, rating, description, year, embedding_json"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBook(row rowScanner) (*Book, error) {
	var (
		book          Book
		embeddingJSON sql.NullString
	)
	if err := row.Scan(&book.ID, &book.Title, &book.Author, &book.Genre, &book.Rating,
		&book.Description, &book.Year, &embeddingJSON); err != nil {
		return nil, err
	}
	if embeddingJSON.Valid && embeddingJSON.String != "" {
		if err := json.Unmarshal([]byte(embeddingJSON.String), &book.Embedding); err != nil {
			return nil, fmt.Errorf("failed to decode embedding for book %s: %w", book.ID, err)
		}
	}
	return &book, nil
}

// CreateBook inserts book, assigning a UUID when ID is empty.
func (s *SQLiteStore) CreateBook(ctx context.Context, book *Book) error {
	return insertBook(ctx, s.db, book)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertBook(ctx context.Context, db execer, book *Book) error {
	if book.ID == "" {
		book.ID = uuid.NewString()
	}

	var embeddingJSON sql.NullString
	if book.HasEmbedding() {
		raw, err := json.Marshal(book.Embedding)
		if err != nil {
			return fmt.Errorf("failed to marshal embedding: %w", err)
		}
		embeddingJSON = sql.NullString{String: string(raw), Valid: true}
	}

	_, err := db.ExecContext(ctx,
		"INSERT INTO books ("+bookColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
		book.ID, book.Title, book.Author, book.Genre, book.Rating, book.Description, book.Year, embeddingJSON,
	)
	if err != nil {
		return fmt.Errorf("failed to insert book %q: %w", book.Title, err)
	}
	return nil
}

// ListBooks returns the whole catalog in insertion order.
func (s *SQLiteStore) ListBooks(ctx context.Context) ([]Book, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+bookColumns+" FROM books ORDER BY rowid")
	if err != nil {
		return nil, fmt.Errorf("failed to query books: %w", err)
	}
	defer rows.Close()

	var books []Book
	for rows.Next() {
		book, err := scanBook(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan book row: %w", err)
		}
		books = append(books, *book)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate books: %w", err)
	}
	return books, nil
}

// SetBookEmbedding overwrites the stored vector of one book.
func (s *SQLiteStore) SetBookEmbedding(ctx context.Context, id string, embedding []float32) error {
	raw, err := json.Marshal(embedding)
	if err != nil {
		return fmt.Errorf("failed to marshal embedding: %w", err)
	}

	res, err := s.db.ExecContext(ctx, "UPDATE books SET embedding_json = ? WHERE id = ?", string(raw), id)
	if err != nil {
		return fmt.Errorf("failed to update embedding: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrBookNotFound
	}
	return nil
}

// ImportBooksFromFile loads a JSON array of books into the catalog in a single
// transaction. Existing books are left untouched.
func (s *SQLiteStore) ImportBooksFromFile(ctx context.Context, filePath string) (int, error) {
	contentBytes, err := os.ReadFile(filePath)
	if err != nil {
		return 0, fmt.Errorf("failed to read catalog file %s: %w", filePath, err)
	}

	var books []Book
	if err := json.Unmarshal(contentBytes, &books); err != nil {
		return 0, fmt.Errorf("failed to parse catalog file %s: %w", filePath, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin import: %w", err)
	}
	defer tx.Rollback()

	count := 0
	for i := range books {
		if books[i].Title == "" {
			return 0, fmt.Errorf("book %d in %s has no title", i, filePath)
		}
		if err := insertBook(ctx, tx, &books[i]); err != nil {
			return 0, err
		}
		count++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit import: %w", err)
	}
	return count, nil
}
