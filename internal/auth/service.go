package auth

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/bryankemp/network-scanner/internal/db"
	"github.com/bryankemp/network-scanner/internal/errors"
)

// Service implements the login/refresh/session business logic the API
// handlers delegate to, backed by db.UserRepository.
type Service struct {
	users  *db.UserRepository
	tokens *TokenIssuer
}

// NewService builds a Service around a user repository and token issuer.
func NewService(users *db.UserRepository, tokens *TokenIssuer) *Service {
	return &Service{users: users, tokens: tokens}
}

// EnsureDefaultAdmin creates the configured default admin account if the
// users table is still empty, so a freshly deployed instance is never
// locked out. It is a no-op once any user exists.
func (s *Service) EnsureDefaultAdmin(ctx context.Context, username, password string) error {
	count, err := s.users.Count(ctx)
	if err != nil {
		return fmt.Errorf("checking existing users: %w", err)
	}
	if count > 0 {
		return nil
	}
	if username == "" || password == "" {
		return fmt.Errorf("no users exist and no default admin credentials are configured")
	}

	hash, err := HashPassword(password)
	if err != nil {
		return fmt.Errorf("hashing default admin password: %w", err)
	}

	return s.users.Create(ctx, &db.User{
		Username:           username,
		PasswordHash:       hash,
		Role:               db.UserRoleAdmin,
		MustChangePassword: true,
	})
}

// Login validates credentials and issues a fresh token pair.
func (s *Service) Login(ctx context.Context, username, password string) (Pair, *db.User, error) {
	user, err := s.users.GetByUsername(ctx, username)
	if err != nil {
		if errors.IsNotFound(err) {
			return Pair{}, nil, errors.NewAuthError("invalid username or password")
		}
		return Pair{}, nil, err
	}

	if !VerifyPassword(password, user.PasswordHash) {
		return Pair{}, nil, errors.NewAuthError("invalid username or password")
	}

	pair, err := s.tokens.Issue(&user.ID, user.Username, user.Role)
	if err != nil {
		return Pair{}, nil, err
	}

	if err := s.users.UpdateLastLogin(ctx, user.ID); err != nil {
		return Pair{}, nil, err
	}

	return pair, user, nil
}

// Refresh validates a refresh token and issues a new token pair, rotating
// both the access and refresh token rather than extending the old one.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (Pair, *db.User, error) {
	tok, err := s.tokens.Verify(refreshToken, TokenKindRefresh)
	if err != nil {
		return Pair{}, nil, err
	}

	user, err := s.users.GetByID(ctx, tok.Subject)
	if err != nil {
		if errors.IsNotFound(err) {
			return Pair{}, nil, errors.NewAuthError("user no longer exists")
		}
		return Pair{}, nil, err
	}

	pair, err := s.tokens.Issue(&user.ID, user.Username, user.Role)
	if err != nil {
		return Pair{}, nil, err
	}
	return pair, user, nil
}

// Authenticate validates an access token presented as a bearer credential
// and returns the acting user, for use by HTTP middleware.
func (s *Service) Authenticate(ctx context.Context, accessToken string) (*db.User, error) {
	tok, err := s.tokens.Verify(accessToken, TokenKindAccess)
	if err != nil {
		return nil, err
	}

	user, err := s.users.GetByID(ctx, tok.Subject)
	if err != nil {
		if errors.IsNotFound(err) {
			return nil, errors.NewAuthError("user no longer exists")
		}
		return nil, err
	}
	return user, nil
}

// ChangePassword verifies the current password and replaces it with a new
// one meeting the configured strength requirements.
func (s *Service) ChangePassword(ctx context.Context, userID uuid.UUID, currentPassword, newPassword string) error {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return err
	}

	if !VerifyPassword(currentPassword, user.PasswordHash) {
		return errors.NewAuthError("current password is incorrect")
	}

	hash, err := HashPassword(newPassword)
	if err != nil {
		return err
	}

	return s.users.UpdatePasswordHash(ctx, userID, hash)
}
