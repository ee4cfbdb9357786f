// Package auth issues and verifies credentials: bcrypt password hashes, the
// JWT access/refresh pair, and the request authentication chain (bearer
// token, then bound messaging handle).
package auth

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/caspianwatch/caspianwatch/internal/types"
)

// Store is the subset of storage.Storage used by Service.
type Store interface {
	IdentityLookup
	CreateIdentity(ctx context.Context, identity *types.Identity) error
	GetIdentityByUsername(ctx context.Context, username string) (*types.Identity, error)
	BindHandle(ctx context.Context, id int64, handle int64) error
}

// RegisterInput is the body of auth/register/.
type RegisterInput struct {
	Username   string `json:"username" validate:"required,max=150"`
	Password   string `json:"password" validate:"required"`
	FirstName  string `json:"first_name" validate:"max=150"`
	LastName   string `json:"last_name" validate:"max=150"`
	TelegramID *int64 `json:"telegram_id" validate:"omitempty,gt=0"`

	// Set only by administrative callers, never decoded from requests.
	Role        types.Role `json:"-"`
	IsSuperuser bool       `json:"-"`
}

// LoginInput is the body of auth/login/.
type LoginInput struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

// LinkInput is the body of auth/link-telegram/.
type LinkInput struct {
	Username   string `json:"username" validate:"required"`
	Password   string `json:"password" validate:"required"`
	TelegramID int64  `json:"telegram_id" validate:"required"`
}

// Registration is the result of a successful Register.
type Registration struct {
	User *types.Identity `json:"user"`
	TokenPair
}

// Messages returned to clients of the link endpoint.
const (
	msgLinkFieldsRequired = "Необходимо указать username, password и telegram_id"
	msgBadCredentials     = "Неверный логин или пароль"
)

// Service implements registration, login, refresh, and handle linking.
type Service struct {
	store    Store
	tokens   *TokenIssuer
	validate *validator.Validate
}

// NewService returns a Service. tokens may be nil for callers that only
// create identities (the CLI).
func NewService(store Store, tokens *TokenIssuer) *Service {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return &Service{store: store, tokens: tokens, validate: v}
}

// Tokens returns the issuer used by the service.
func (s *Service) Tokens() *TokenIssuer {
	return s.tokens
}

// CreateIdentity validates in, hashes the password, and stores a new identity.
func (s *Service) CreateIdentity(ctx context.Context, in RegisterInput) (*types.Identity, error) {
	if err := s.check(in); err != nil {
		return nil, err
	}
	if _, err := s.store.GetIdentityByUsername(ctx, in.Username); err == nil {
		return nil, types.NewValidationError("username", "A user with that username already exists.")
	} else if !errors.Is(err, types.ErrNotFound) {
		return nil, err
	}
	if in.TelegramID != nil {
		if _, err := s.store.GetIdentityByHandle(ctx, *in.TelegramID); err == nil {
			return nil, types.NewValidationError("telegram_id", "user with this telegram id already exists.")
		} else if !errors.Is(err, types.ErrNotFound) {
			return nil, err
		}
	}

	hash, err := HashPassword(in.Password)
	if err != nil {
		return nil, err
	}
	identity := &types.Identity{
		Username:     strings.TrimSpace(in.Username),
		PasswordHash: hash,
		FirstName:    in.FirstName,
		LastName:     in.LastName,
		TelegramID:   in.TelegramID,
		Role:         in.Role,
		IsSuperuser:  in.IsSuperuser,
		IsStaff:      in.IsSuperuser,
	}
	if err := identity.Validate(); err != nil {
		return nil, err
	}
	if err := s.store.CreateIdentity(ctx, identity); err != nil {
		if errors.Is(err, types.ErrConflict) {
			return nil, types.NewValidationError("username", "A user with that username already exists.")
		}
		return nil, fmt.Errorf("create identity: %w", err)
	}
	return identity, nil
}

// Register creates an identity and issues its first token pair.
func (s *Service) Register(ctx context.Context, in RegisterInput) (*Registration, error) {
	in.Role, in.IsSuperuser = types.RoleNone, false
	identity, err := s.CreateIdentity(ctx, in)
	if err != nil {
		return nil, err
	}
	pair, err := s.tokens.Pair(identity.ID)
	if err != nil {
		return nil, err
	}
	return &Registration{User: identity, TokenPair: *pair}, nil
}

// Login exchanges credentials for a token pair.
func (s *Service) Login(ctx context.Context, in LoginInput) (*TokenPair, error) {
	if err := s.check(in); err != nil {
		return nil, err
	}
	identity, err := s.authenticate(ctx, in.Username, in.Password)
	if err != nil {
		return nil, err
	}
	return s.tokens.Pair(identity.ID)
}

// Refresh exchanges a refresh token for a new access token.
func (s *Service) Refresh(ctx context.Context, refresh string) (string, error) {
	if strings.TrimSpace(refresh) == "" {
		return "", types.NewValidationError("refresh", "this field is required")
	}
	claims, err := s.tokens.Verify(refresh, TokenRefresh)
	if err != nil {
		return "", err
	}
	if _, err := s.store.GetIdentity(ctx, claims.UserID); err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return "", fmt.Errorf("%w: user not found", types.ErrAuthenticationFailed)
		}
		return "", err
	}
	return s.tokens.Access(claims.UserID)
}

// LinkHandle verifies credentials and binds the handle to that identity,
// removing it from any identity that held it before.
func (s *Service) LinkHandle(ctx context.Context, in LinkInput) (*types.Identity, error) {
	if err := s.validate.Struct(in); err != nil {
		field := "telegram_id"
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			field = verrs[0].Field()
		}
		return nil, types.NewValidationError(field, msgLinkFieldsRequired)
	}
	identity, err := s.authenticate(ctx, in.Username, in.Password)
	if err != nil {
		return nil, err
	}
	if err := s.store.BindHandle(ctx, identity.ID, in.TelegramID); err != nil {
		return nil, fmt.Errorf("bind handle: %w", err)
	}
	handle := in.TelegramID
	identity.TelegramID = &handle
	return identity, nil
}

func (s *Service) authenticate(ctx context.Context, username, password string) (*types.Identity, error) {
	identity, err := s.store.GetIdentityByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", types.ErrAuthenticationFailed, msgBadCredentials)
		}
		return nil, err
	}
	if !CheckPassword(identity.PasswordHash, password) {
		return nil, fmt.Errorf("%w: %s", types.ErrAuthenticationFailed, msgBadCredentials)
	}
	return identity, nil
}

// check runs struct validation and converts the first failure into a
// field-level ValidationError named by its JSON key.
func (s *Service) check(in interface{}) error {
	err := s.validate.Struct(in)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return fmt.Errorf("%w: %v", types.ErrValidation, err)
	}
	fe := verrs[0]
	switch fe.Tag() {
	case "required":
		return types.NewValidationError(fe.Field(), "this field is required")
	case "max":
		return types.NewValidationError(fe.Field(), fmt.Sprintf("must be %s characters or less", fe.Param()))
	case "gt":
		return types.NewValidationError(fe.Field(), "must be a positive number")
	default:
		return types.NewValidationError(fe.Field(), fmt.Sprintf("failed %q validation", fe.Tag()))
	}
}
