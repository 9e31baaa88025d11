package core

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gwi.com/book-recommender/internal/auth"
	"gwi.com/book-recommender/internal/logging"
	"gwi.com/book-recommender/internal/store"
)

const (
	msgUsernameRequired   = "Username is required"
	msgPasswordRequired   = "Password is required"
	msgUserExists         = "User already exists"
	msgInvalidCredentials = "Invalid username or password"
	msgInvalidToken       = "Invalid or expired token"
)

// AccountStore is the account side of the store.
type AccountStore interface {
	GetAccountByUsername(ctx context.Context, username string) (*store.Account, error)
	CreateAccount(ctx context.Context, acc *store.Account) error
}

type AccountService struct {
	accounts AccountStore
	tokens   *auth.TokenIssuer
}

func NewAccountService(accounts AccountStore, tokens *auth.TokenIssuer) *AccountService {
	return &AccountService{accounts: accounts, tokens: tokens}
}

type SignupInput struct {
	Username    string   `json:"username"`
	Password    string   `json:"password"`
	Email       *string  `json:"email,omitempty"`
	Preferences []string `json:"preferences,omitempty"`
}

func validateCredentials(username, password string) error {
	if username == "" {
		return &ValidationError{Field: "username", Message: msgUsernameRequired}
	}
	if password == "" {
		return &ValidationError{Field: "password", Message: msgPasswordRequired}
	}
	return nil
}

// Signup creates an account and returns a token carrying its username.
func (s *AccountService) Signup(ctx context.Context, in SignupInput) (string, error) {
	in.Username = strings.TrimSpace(in.Username)
	if err := validateCredentials(in.Username, in.Password); err != nil {
		return "", err
	}

	existing, err := s.accounts.GetAccountByUsername(ctx, in.Username)
	if err != nil {
		return "", fmt.Errorf("failed to look up account: %w", err)
	}
	if existing != nil {
		return "", &ConflictError{Message: msgUserExists}
	}

	hash, err := auth.HashPassword(in.Password)
	if err != nil {
		return "", err
	}

	acc := &store.Account{
		Username:     in.Username,
		PasswordHash: hash,
		Email:        in.Email,
		Preferences:  in.Preferences,
	}
	if err := s.accounts.CreateAccount(ctx, acc); err != nil {
		// lost a race with a concurrent signup for the same name
		if errors.Is(err, store.ErrUsernameTaken) {
			return "", &ConflictError{Message: msgUserExists}
		}
		return "", fmt.Errorf("failed to create account: %w", err)
	}

	logging.Info().Int64("account_id", acc.ID).Str("username", acc.Username).Msg("account created")
	return s.tokens.Issue(acc.Username, "")
}

// Login verifies the password and returns a token with the user role.
func (s *AccountService) Login(ctx context.Context, username, password string) (string, error) {
	username = strings.TrimSpace(username)
	if err := validateCredentials(username, password); err != nil {
		return "", err
	}

	acc, err := s.accounts.GetAccountByUsername(ctx, username)
	if err != nil {
		return "", fmt.Errorf("failed to look up account: %w", err)
	}
	if acc == nil {
		return "", &AuthError{Message: msgInvalidCredentials}
	}

	if ok := auth.CheckPasswordHash(password, acc.PasswordHash); !ok {
		return "", &AuthError{Message: msgInvalidCredentials}
	}

	return s.tokens.Issue(acc.Username, auth.RoleUser)
}

// Authenticate resolves a bearer token to its claims.
func (s *AccountService) Authenticate(token string) (*auth.Claims, error) {
	if token == "" {
		return nil, &AuthError{Message: "Authorization header is required", Missing: true}
	}
	claims, err := s.tokens.Validate(token)
	if err != nil {
		return nil, &AuthError{Message: msgInvalidToken, Err: err}
	}
	return claims, nil
}

// Me returns the account behind token. An empty token yields nil, nil; a
// valid token for an account that no longer exists also yields nil.
func (s *AccountService) Me(ctx context.Context, token string) (*store.Account, error) {
	if token == "" {
		return nil, nil
	}
	claims, err := s.Authenticate(token)
	if err != nil {
		return nil, err
	}

	acc, err := s.accounts.GetAccountByUsername(ctx, claims.Username)
	if err != nil {
		return nil, fmt.Errorf("failed to look up account: %w", err)
	}
	return acc, nil
}

// Account returns the account for an authenticated username. A token whose
// account has since disappeared is treated as an auth failure.
func (s *AccountService) Account(ctx context.Context, username string) (*store.Account, error) {
	acc, err := s.accounts.GetAccountByUsername(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("failed to look up account: %w", err)
	}
	if acc == nil {
		return nil, &AuthError{Message: msgInvalidToken}
	}
	return acc, nil
}
