package credentials

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"courier/internal/config"
	pkgerrors "courier/pkg/errors"
)

// SecretStore exchanges a stored secret reference for a short-lived access
// token. Failures here are credential-type failures: the drain logic treats
// them as "the credential does not work", not as transient network trouble.
type SecretStore interface {
	Exchange(ctx context.Context, secretRef string) (*AccessToken, error)
}

type AccessToken struct {
	Token     string `json:"access_token"`
	ExpiresIn int    `json:"expires_in"`
}

type HTTPSecretStore struct {
	client    *http.Client
	baseURL   string
	authToken string
}

func NewHTTPSecretStore(cfg config.SecretStoreConfig) *HTTPSecretStore {
	return &HTTPSecretStore{
		client:    &http.Client{Timeout: cfg.Timeout},
		baseURL:   cfg.BaseURL,
		authToken: cfg.AuthToken,
	}
}

func (s *HTTPSecretStore) Exchange(ctx context.Context, secretRef string) (*AccessToken, error) {
	url := fmt.Sprintf("%s/v1/tokens/%s", s.baseURL, secretRef)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create token request: %w", err)
	}
	if s.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+s.authToken)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, pkgerrors.ErrCredential.WithCause(err).WithDetail("secret_ref", secretRef)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
	case resp.StatusCode == http.StatusUnauthorized,
		resp.StatusCode == http.StatusForbidden,
		resp.StatusCode == http.StatusNotFound:
		return nil, pkgerrors.ErrCredential.
			WithDetail("secret_ref", secretRef).
			WithDetail("status", resp.StatusCode)
	default:
		return nil, pkgerrors.ErrCredential.
			WithCause(fmt.Errorf("secret store returned status %d", resp.StatusCode)).
			WithDetail("secret_ref", secretRef)
	}

	var token AccessToken
	if err := json.NewDecoder(resp.Body).Decode(&token); err != nil {
		return nil, fmt.Errorf("failed to decode token response: %w", err)
	}
	if token.Token == "" {
		return nil, pkgerrors.ErrCredential.WithDetail("message", "secret store returned empty token")
	}

	return &token, nil
}
