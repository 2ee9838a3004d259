package admission

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Verifier checks a bearer credential against the identity issuer and
// returns the subject identifier it belongs to.
type Verifier interface {
	Verify(ctx context.Context, token string) (string, error)
}

// OracleVerifier delegates verification to the external identity oracle
// over HTTP. Oracle failures map to request rejection, never to a crash.
type OracleVerifier struct {
	baseURL string
	client  *http.Client
}

// NewOracleVerifier builds a verifier against the oracle's base URL.
func NewOracleVerifier(baseURL string) *OracleVerifier {
	return &OracleVerifier{
		baseURL: baseURL,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Verify posts the credential to the oracle's /verify endpoint.
func (v *OracleVerifier) Verify(ctx context.Context, token string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.baseURL+"/verify", nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := v.client.Do(req)
	if err != nil {
		// Transport failure: the credential could not be checked, so the
		// request is rejected, not allowed through.
		return "", fmt.Errorf("identity oracle unreachable: %w: %s", ErrUnauthorized, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized:
		return "", ErrUnauthorized
	case http.StatusForbidden, http.StatusBadRequest:
		return "", ErrInvalidToken
	default:
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("identity oracle returned status %d: %s: %w", resp.StatusCode, body, ErrUnauthorized)
	}

	var out struct {
		SubjectID string `json:"subject_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode oracle response: %w", err)
	}
	if out.SubjectID == "" {
		return "", ErrInvalidToken
	}
	return out.SubjectID, nil
}

// StaticVerifier resolves tokens from a fixed map. Used by tests and
// single-node development runs.
type StaticVerifier map[string]string

// Verify looks the token up in the map.
func (v StaticVerifier) Verify(_ context.Context, token string) (string, error) {
	subject, ok := v[token]
	if !ok {
		return "", ErrInvalidToken
	}
	return subject, nil
}
