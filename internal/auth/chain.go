package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/caspianwatch/caspianwatch/internal/types"
)

// HandleParam is the request field carrying the messaging handle.
const HandleParam = "telegram_id"

// maxFormMemory bounds the in-memory part of a parsed multipart body.
const maxFormMemory = 32 << 20

// ErrHandleNotLinked is returned when a handle is presented but bound to no identity.
var ErrHandleNotLinked = fmt.Errorf("%w: Необходимо авторизоваться. Используйте \"🔗 Привязать аккаунт\" для привязки аккаунта", types.ErrAuthenticationFailed)

// IdentityLookup is the subset of storage.Storage the strategies need.
type IdentityLookup interface {
	GetIdentity(ctx context.Context, id int64) (*types.Identity, error)
	GetIdentityByHandle(ctx context.Context, handle int64) (*types.Identity, error)
}

// Strategy authenticates a request. matched is false when the request
// carries no credential of the kind the strategy understands; an error
// means a credential was presented and rejected.
type Strategy interface {
	Authenticate(r *http.Request) (identity *types.Identity, matched bool, err error)
}

// Chain tries strategies in order; the first match wins.
type Chain []Strategy

// Authenticate returns the identity of the first matching strategy, or
// (nil, nil) when no strategy applies.
func (c Chain) Authenticate(r *http.Request) (*types.Identity, error) {
	for _, s := range c {
		id, matched, err := s.Authenticate(r)
		if err != nil {
			return nil, err
		}
		if matched {
			return id, nil
		}
	}
	return nil, nil
}

// Require is Authenticate but fails with ErrAuthenticationFailed when no
// strategy applies.
func (c Chain) Require(r *http.Request) (*types.Identity, error) {
	id, err := c.Authenticate(r)
	if err != nil {
		return nil, err
	}
	if id == nil {
		return nil, fmt.Errorf("%w: authentication credentials were not provided", types.ErrAuthenticationFailed)
	}
	return id, nil
}

// BearerStrategy accepts "Authorization: Bearer <access token>".
type BearerStrategy struct {
	Tokens *TokenIssuer
	Store  IdentityLookup
}

func (b BearerStrategy) Authenticate(r *http.Request) (*types.Identity, bool, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return nil, false, nil
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return nil, false, nil
	}
	claims, err := b.Tokens.Verify(strings.TrimSpace(token), TokenAccess)
	if err != nil {
		return nil, true, err
	}
	id, err := b.Store.GetIdentity(r.Context(), claims.UserID)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return nil, true, fmt.Errorf("%w: user not found", types.ErrAuthenticationFailed)
		}
		return nil, true, err
	}
	return id, true, nil
}

// HandleStrategy authenticates by a bound messaging handle found in the
// request body (form or JSON) or the query string.
type HandleStrategy struct {
	Store IdentityLookup
}

func (h HandleStrategy) Authenticate(r *http.Request) (*types.Identity, bool, error) {
	raw, err := handleFromRequest(r)
	if err != nil {
		return nil, false, err
	}
	if raw == "" {
		return nil, false, nil
	}
	handle, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || handle == 0 {
		return nil, true, ErrHandleNotLinked
	}
	id, err := h.Store.GetIdentityByHandle(r.Context(), handle)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return nil, true, ErrHandleNotLinked
		}
		return nil, true, err
	}
	return id, true, nil
}

// handleFromRequest looks in the body first, then the query string. A JSON
// body is restored after reading so handlers can decode it again.
func handleFromRequest(r *http.Request) (string, error) {
	if r.Body != nil && r.Body != http.NoBody {
		ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
		switch ct {
		case "multipart/form-data":
			if err := r.ParseMultipartForm(maxFormMemory); err != nil {
				return "", types.NewValidationError("body", "malformed multipart body")
			}
			if v := strings.TrimSpace(r.PostFormValue(HandleParam)); v != "" {
				return v, nil
			}
		case "application/x-www-form-urlencoded":
			if err := r.ParseForm(); err != nil {
				return "", types.NewValidationError("body", "malformed form body")
			}
			if v := strings.TrimSpace(r.PostFormValue(HandleParam)); v != "" {
				return v, nil
			}
		case "application/json":
			v, err := handleFromJSON(r)
			if err != nil {
				return "", err
			}
			if v != "" {
				return v, nil
			}
		}
	}
	return strings.TrimSpace(r.URL.Query().Get(HandleParam)), nil
}

func handleFromJSON(r *http.Request) (string, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxFormMemory))
	if err != nil {
		return "", fmt.Errorf("read body: %w", err)
	}
	_ = r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(body))

	var payload struct {
		TelegramID json.RawMessage `json:"telegram_id"`
	}
	if len(bytes.TrimSpace(body)) == 0 || json.Unmarshal(body, &payload) != nil {
		return "", nil
	}
	return handleString(payload.TelegramID), nil
}

// handleString accepts a JSON number or a quoted number.
func handleString(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return strings.TrimSpace(s)
	}
	var n json.Number
	if json.Unmarshal(raw, &n) == nil {
		return n.String()
	}
	return ""
}
