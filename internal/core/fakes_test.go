package core

import (
	"context"
	"errors"
	"sync"

	"gwi.com/book-recommender/internal/store"
)

type fakeEmbedder struct {
	mu     sync.Mutex
	vec    []float32
	byText map[string][]float32
	err    error
	errOn  map[int]error // call index -> error
	calls  []string
}

func (f *fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := len(f.calls)
	f.calls = append(f.calls, text)
	if err, ok := f.errOn[idx]; ok {
		return nil, err
	}
	if f.err != nil {
		return nil, f.err
	}
	if v, ok := f.byText[text]; ok {
		return v, nil
	}
	return f.vec, nil
}

type fakeBookStore struct {
	books   []store.Book
	listErr error
	setErr  error
	failIDs map[string]bool // SetBookEmbedding fails for these IDs
	updates map[string][]float32
	order   []string
}

func (f *fakeBookStore) ListBooks(context.Context) ([]store.Book, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make([]store.Book, len(f.books))
	copy(out, f.books)
	return out, nil
}

func (f *fakeBookStore) SetBookEmbedding(_ context.Context, id string, embedding []float32) error {
	if f.setErr != nil {
		return f.setErr
	}
	if f.failIDs[id] {
		return errBoom
	}
	if f.updates == nil {
		f.updates = map[string][]float32{}
	}
	for i := range f.books {
		if f.books[i].ID == id {
			f.books[i].Embedding = embedding
			f.updates[id] = embedding
			f.order = append(f.order, id)
			return nil
		}
	}
	return store.ErrBookNotFound
}

type fakeAccountStore struct {
	mu       sync.Mutex
	accounts map[string]*store.Account
	nextID   int64
	getErr   error
}

func newFakeAccountStore() *fakeAccountStore {
	return &fakeAccountStore{accounts: map[string]*store.Account{}}
}

func (f *fakeAccountStore) GetAccountByUsername(_ context.Context, username string) (*store.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	acc, ok := f.accounts[username]
	if !ok {
		return nil, nil
	}
	cp := *acc
	return &cp, nil
}

func (f *fakeAccountStore) CreateAccount(_ context.Context, acc *store.Account) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.accounts[acc.Username]; ok {
		return store.ErrUsernameTaken
	}
	f.nextID++
	acc.ID = f.nextID
	cp := *acc
	f.accounts[acc.Username] = &cp
	return nil
}

var errBoom = errors.New("boom")
