package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"

	"gwi.com/book-recommender/internal/auth"
	"gwi.com/book-recommender/internal/core"
	"gwi.com/book-recommender/internal/logging"
	"gwi.com/book-recommender/internal/store"
)

type contextKey string

const claimsKey contextKey = "claims"

var validate = validator.New()

type APIHandler struct {
	accounts  *core.AccountService
	recommend *core.RecommendationService
}

func NewAPIHandler(accounts *core.AccountService, recommend *core.RecommendationService) *APIHandler {
	return &APIHandler{accounts: accounts, recommend: recommend}
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return ""
	}
	if scheme, token, ok := strings.Cut(header, " "); ok && strings.EqualFold(scheme, "Bearer") {
		return strings.TrimSpace(token)
	}
	return header
}

// RequireAuth rejects requests without a valid bearer token: 401 when the
// header is missing, 403 when the token does not verify.
func (h *APIHandler) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, err := h.accounts.Authenticate(bearerToken(r))
		if err != nil {
			writeError(w, r, err)
			return
		}
		ctx := context.WithValue(r.Context(), claimsKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func claimsFrom(ctx context.Context) *auth.Claims {
	claims, _ := ctx.Value(claimsKey).(*auth.Claims)
	return claims
}

type MeResponse struct {
	User *store.Account `json:"user"`
}

func (h *APIHandler) MeHandler(w http.ResponseWriter, r *http.Request) {
	acc, err := h.accounts.Me(r.Context(), bearerToken(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, MeResponse{User: acc})
}

type SignupRequest struct {
	Username    string   `json:"username" validate:"max=64"`
	Password    string   `json:"password" validate:"max=72"` // bcrypt ignores anything longer
	Email       *string  `json:"email,omitempty" validate:"omitempty,email"`
	Preferences []string `json:"preferences,omitempty" validate:"max=20,dive,max=64"`
}

type TokenResponse struct {
	Message string `json:"message"`
	Token   string `json:"token"`
}

func (h *APIHandler) SignupHandler(w http.ResponseWriter, r *http.Request) {
	var req SignupRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	token, err := h.accounts.Signup(r.Context(), core.SignupInput{
		Username:    req.Username,
		Password:    req.Password,
		Email:       req.Email,
		Preferences: req.Preferences,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, TokenResponse{Message: "User created successfully!", Token: token})
}

type LoginRequest struct {
	Username string `json:"username" validate:"max=64"`
	Password string `json:"password" validate:"max=72"`
}

func (h *APIHandler) LoginHandler(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	token, err := h.accounts.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, TokenResponse{Message: "Logged in successfully", Token: token})
}

type RecommendRequest struct {
	FavouriteBooks   string `json:"favouriteBooks" validate:"max=2000"`
	FavouriteAuthors string `json:"favouriteAuthors" validate:"max=2000"`
	Genre            string `json:"genre" validate:"max=500"`
}

// RecommendHandler answers POST /recommend with up to K books, best match
// first. All three fields blank is a 400 "At least one preference is required";
// embedding failures are a 500 {error}.
func (h *APIHandler) RecommendHandler(w http.ResponseWriter, r *http.Request) {
	var req RecommendRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	books, err := h.recommend.RecommendBooks(r.Context(), core.PreferenceQuery{
		FavouriteBooks:   req.FavouriteBooks,
		FavouriteAuthors: req.FavouriteAuthors,
		Genre:            req.Genre,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, books)
}

// ProfileRecommendHandler recommends from the preference tags stored on the
// caller's account.
func (h *APIHandler) ProfileRecommendHandler(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())
	if claims == nil {
		writeError(w, r, &core.AuthError{Message: "Authorization header is required", Missing: true})
		return
	}

	acc, err := h.accounts.Account(r.Context(), claims.Username)
	if err != nil {
		writeError(w, r, err)
		return
	}

	books, err := h.recommend.RecommendBooks(r.Context(), core.QueryFromTags(acc.Preferences))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, books)
}

func decodeAndValidate(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "Invalid request body"})
		return false
	}
	if err := validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"message": "Invalid " + strings.ToLower(fe.Field()) + " (" + fe.Tag() + ")",
			})
			return false
		}
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "Invalid request body"})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Error().Err(err).Msg("failed to encode response")
	}
}

const genericFailure = "An error occurred while processing your request."

// writeError maps domain errors to status codes. Only embedding failures have
// their message surfaced on a 500; other details stay in the log.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		verr *core.ValidationError
		cerr *core.ConflictError
		aerr *core.AuthError
		eerr *core.EmbeddingServiceError
	)
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": verr.Message})
	case errors.As(err, &cerr):
		writeJSON(w, http.StatusForbidden, map[string]string{"message": cerr.Message})
	case errors.As(err, &aerr):
		status := http.StatusForbidden
		if aerr.Missing {
			status = http.StatusUnauthorized
		}
		writeJSON(w, status, map[string]string{"message": aerr.Message})
	case errors.As(err, &eerr):
		logging.Error().Err(err).Str("path", r.URL.Path).Msg("embedding service failure")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": eerr.Error()})
	default:
		logging.Error().Err(err).Str("path", r.URL.Path).Msg("unhandled error")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": genericFailure})
	}
}
