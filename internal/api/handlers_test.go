package api

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"gwi.com/book-recommender/internal/auth"
	"gwi.com/book-recommender/internal/core"
	"gwi.com/book-recommender/internal/store"
)

type stubEmbedder struct {
	vec []float32
	err error
}

func (s *stubEmbedder) Embed(context.Context, string) ([]float32, error) {
	return s.vec, s.err
}

type testServer struct {
	handler  http.Handler
	store    *store.SQLiteStore
	embedder *stubEmbedder
	tokens   *auth.TokenIssuer
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	ctx := context.Background()
	for _, b := range []store.Book{
		{Title: "A", Author: "Author A", Embedding: []float32{1, 0}},
		{Title: "B", Author: "Author B", Embedding: []float32{0, 1}},
		{Title: "C", Author: "Author C", Embedding: []float32{0.9, 0.1}},
		{Title: "D", Author: "Author D"}, // never embedded
	} {
		book := b
		if err := s.CreateBook(ctx, &book); err != nil {
			t.Fatalf("CreateBook: %v", err)
		}
	}

	emb := &stubEmbedder{vec: []float32{1, 0}}
	tokens := auth.NewTokenIssuer("test-secret", time.Hour)
	accounts := core.NewAccountService(s, tokens)
	recommend := core.NewRecommendationService(s, emb, core.DefaultTopK)

	return &testServer{
		handler:  NewRouter(NewAPIHandler(accounts, recommend), RouterOptions{CORSAllowedOrigins: []string{"*"}}),
		store:    s,
		embedder: emb,
		tokens:   tokens,
	}
}

func (ts *testServer) do(t *testing.T, method, path, token string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)

	var out map[string]any
	if strings.HasPrefix(strings.TrimSpace(rec.Body.String()), "{") {
		if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
			t.Fatalf("decode response %q: %v", rec.Body.String(), err)
		}
	}
	return rec, out
}

func (ts *testServer) signup(t *testing.T, username, password string, prefs ...string) string {
	t.Helper()
	rec, out := ts.do(t, http.MethodPost, "/signup", "", map[string]any{
		"username":    username,
		"password":    password,
		"preferences": prefs,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("signup: status %d body %s", rec.Code, rec.Body.String())
	}
	token, _ := out["token"].(string)
	if token == "" {
		t.Fatalf("signup: no token in %v", out)
	}
	return token
}

func TestSignupReturnsToken(t *testing.T) {
	ts := newTestServer(t)

	rec, out := ts.do(t, http.MethodPost, "/signup", "", map[string]string{"username": "alice", "password": "pw"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if out["message"] != "User created successfully!" {
		t.Errorf("unexpected message: %v", out["message"])
	}

	claims, err := ts.tokens.Validate(out["token"].(string))
	if err != nil {
		t.Fatalf("token does not validate: %v", err)
	}
	if claims.Username != "alice" {
		t.Errorf("expected username alice, got %q", claims.Username)
	}
}

func TestSignupDuplicateUsername(t *testing.T) {
	ts := newTestServer(t)
	ts.signup(t, "alice", "pw")

	rec, out := ts.do(t, http.MethodPost, "/signup", "", map[string]string{"username": "alice", "password": "other"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
	if out["message"] != "User already exists" {
		t.Errorf("unexpected message: %v", out["message"])
	}
}

func TestSignupMissingFields(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name string
		body map[string]string
		want string
	}{
		{"no username", map[string]string{"password": "pw"}, "Username is required"},
		{"blank username", map[string]string{"username": "  ", "password": "pw"}, "Username is required"},
		{"no password", map[string]string{"username": "bob"}, "Password is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, out := ts.do(t, http.MethodPost, "/signup", "", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", rec.Code)
			}
			if out["message"] != tt.want {
				t.Errorf("got message %v, want %q", out["message"], tt.want)
			}
		})
	}
}

func TestSignupRejectsMalformedBody(t *testing.T) {
	ts := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/signup", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestSignupRejectsInvalidEmail(t *testing.T) {
	ts := newTestServer(t)

	rec, _ := ts.do(t, http.MethodPost, "/signup", "", map[string]string{
		"username": "alice", "password": "pw", "email": "not-an-email",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestLogin(t *testing.T) {
	ts := newTestServer(t)
	ts.signup(t, "alice", "secret")

	t.Run("correct password", func(t *testing.T) {
		rec, out := ts.do(t, http.MethodPost, "/login", "", map[string]string{"username": "alice", "password": "secret"})
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		if out["message"] != "Logged in successfully" {
			t.Errorf("unexpected message: %v", out["message"])
		}
		claims, err := ts.tokens.Validate(out["token"].(string))
		if err != nil {
			t.Fatalf("token does not validate: %v", err)
		}
		if claims.Role != auth.RoleUser {
			t.Errorf("expected role %q, got %q", auth.RoleUser, claims.Role)
		}
	})

	t.Run("wrong password", func(t *testing.T) {
		rec, out := ts.do(t, http.MethodPost, "/login", "", map[string]string{"username": "alice", "password": "nope"})
		if rec.Code != http.StatusForbidden {
			t.Fatalf("expected 403, got %d", rec.Code)
		}
		if out["message"] != "Invalid username or password" {
			t.Errorf("unexpected message: %v", out["message"])
		}
	})

	t.Run("unknown user", func(t *testing.T) {
		rec, out := ts.do(t, http.MethodPost, "/login", "", map[string]string{"username": "mallory", "password": "secret"})
		if rec.Code != http.StatusForbidden {
			t.Fatalf("expected 403, got %d", rec.Code)
		}
		if out["message"] != "Invalid username or password" {
			t.Errorf("unexpected message: %v", out["message"])
		}
	})
}

func TestMe(t *testing.T) {
	ts := newTestServer(t)
	token := ts.signup(t, "alice", "pw", "fantasy")

	t.Run("valid token", func(t *testing.T) {
		rec, out := ts.do(t, http.MethodGet, "/me", token, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		user, ok := out["user"].(map[string]any)
		if !ok {
			t.Fatalf("expected user object, got %v", out["user"])
		}
		if user["username"] != "alice" {
			t.Errorf("unexpected username: %v", user["username"])
		}
		if _, leaked := user["PasswordHash"]; leaked {
			t.Error("password hash must not be serialised")
		}
	})

	t.Run("no header", func(t *testing.T) {
		rec, out := ts.do(t, http.MethodGet, "/me", "", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		if v, ok := out["user"]; !ok || v != nil {
			t.Errorf("expected user null, got %v", out)
		}
	})

	t.Run("invalid token", func(t *testing.T) {
		rec, _ := ts.do(t, http.MethodGet, "/me", "not.a.token", nil)
		if rec.Code != http.StatusForbidden {
			t.Fatalf("expected 403, got %d", rec.Code)
		}
	})

	t.Run("token for another secret", func(t *testing.T) {
		other, err := auth.NewTokenIssuer("other-secret", time.Hour).Issue("alice", "")
		if err != nil {
			t.Fatalf("Issue: %v", err)
		}
		rec, _ := ts.do(t, http.MethodGet, "/me", other, nil)
		if rec.Code != http.StatusForbidden {
			t.Fatalf("expected 403, got %d", rec.Code)
		}
	})
}

func decodeBooks(t *testing.T, rec *httptest.ResponseRecorder) []store.Book {
	t.Helper()
	var books []store.Book
	if err := json.Unmarshal(rec.Body.Bytes(), &books); err != nil {
		t.Fatalf("decode books %q: %v", rec.Body.String(), err)
	}
	return books
}

func TestRecommendOrdersBySimilarity(t *testing.T) {
	ts := newTestServer(t)

	rec, _ := ts.do(t, http.MethodPost, "/recommend", "", map[string]string{"favouriteBooks": "Dune"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	books := decodeBooks(t, rec)
	var titles []string
	for _, b := range books {
		titles = append(titles, b.Title)
	}
	if strings.Join(titles, ",") != "A,C,B" {
		t.Fatalf("expected A,C,B got %v", titles)
	}
	if strings.Contains(rec.Body.String(), "embedding") {
		t.Error("embeddings must not be serialised")
	}
}

func TestRecommendRequiresAPreference(t *testing.T) {
	ts := newTestServer(t)

	rec, out := ts.do(t, http.MethodPost, "/recommend", "", map[string]string{"genre": "   "})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if out["message"] != "At least one preference is required" {
		t.Errorf("unexpected message: %v", out["message"])
	}
}

func TestRecommendEmbeddingFailure(t *testing.T) {
	ts := newTestServer(t)
	ts.embedder.err = &core.EmbeddingServiceError{
		Provider:   "openai",
		StatusCode: http.StatusTooManyRequests,
		Err:        errors.New("Rate limit reached"),
	}

	rec, out := ts.do(t, http.MethodPost, "/recommend", "", map[string]string{"genre": "fantasy"})
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	msg, _ := out["error"].(string)
	if !strings.Contains(msg, "Rate limit reached") {
		t.Errorf("expected embedding message surfaced, got %q", msg)
	}
}

func TestRecommendUnexpectedFailureIsGeneric(t *testing.T) {
	ts := newTestServer(t)
	ts.embedder.err = errors.New("socket exploded")

	rec, out := ts.do(t, http.MethodPost, "/recommend", "", map[string]string{"genre": "fantasy"})
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if out["error"] != genericFailure {
		t.Errorf("expected generic message, got %v", out["error"])
	}
}

func TestProfileRecommend(t *testing.T) {
	ts := newTestServer(t)

	t.Run("missing header", func(t *testing.T) {
		rec, _ := ts.do(t, http.MethodGet, "/recommend/profile", "", nil)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", rec.Code)
		}
	})

	t.Run("bad token", func(t *testing.T) {
		rec, _ := ts.do(t, http.MethodGet, "/recommend/profile", "garbage", nil)
		if rec.Code != http.StatusForbidden {
			t.Fatalf("expected 403, got %d", rec.Code)
		}
	})

	t.Run("account without preferences", func(t *testing.T) {
		token := ts.signup(t, "bare", "pw")
		rec, _ := ts.do(t, http.MethodGet, "/recommend/profile", token, nil)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", rec.Code)
		}
	})

	t.Run("account with preferences", func(t *testing.T) {
		token := ts.signup(t, "reader", "pw", "space opera")
		rec, _ := ts.do(t, http.MethodGet, "/recommend/profile", token, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
		}
		if books := decodeBooks(t, rec); len(books) != 3 || books[0].Title != "A" {
			t.Fatalf("unexpected books %+v", books)
		}
	})
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)

	rec, out := ts.do(t, http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusOK || out["status"] != "ok" {
		t.Fatalf("unexpected health response %d %v", rec.Code, out)
	}
}

func TestAuthRateLimit(t *testing.T) {
	ts := newTestServer(t)
	accounts := core.NewAccountService(ts.store, ts.tokens)
	recommend := core.NewRecommendationService(ts.store, ts.embedder, core.DefaultTopK)
	h := NewRouter(NewAPIHandler(accounts, recommend), RouterOptions{AuthRateLimit: 1})

	send := func() int {
		req := httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(`{"username":"x","password":"y"}`))
		req.RemoteAddr = "10.0.0.1:1234"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	if code := send(); code != http.StatusForbidden {
		t.Fatalf("first request: expected 403, got %d", code)
	}
	if code := send(); code != http.StatusTooManyRequests {
		t.Fatalf("second request: expected 429, got %d", code)
	}
}
