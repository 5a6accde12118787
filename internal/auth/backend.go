package auth

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/segmentio/encoding/json"
)

// HTTPBackend talks to the identity service over a JSON POST endpoint.
type HTTPBackend struct {
	url    string
	client *http.Client
}

// NewHTTPBackend constructs a backend for the given verify endpoint. A nil
// url is rejected so a misconfigured master fails at startup, not per login.
func NewHTTPBackend(url string, timeout time.Duration) (*HTTPBackend, error) {
	if url == "" {
		return nil, fmt.Errorf("identity backend url must not be empty")
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPBackend{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}, nil
}

type verifyRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type verifyResponse struct {
	Status string `json:"status"`
}

// Verify submits the credentials and maps the backend's answer onto the
// status taxonomy. Transport failures surface as errors for the validator to
// translate into StatusCantConnect.
func (b *HTTPBackend) Verify(ctx context.Context, username, password string) (Status, error) {
	body, err := json.Marshal(&verifyRequest{Username: username, Password: password})
	if err != nil {
		return StatusUnknown, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.url, bytes.NewReader(body))
	if err != nil {
		return StatusUnknown, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return StatusUnknown, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return StatusUnknown, fmt.Errorf("identity backend returned %d", resp.StatusCode)
	}
	var answer verifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&answer); err != nil {
		return StatusUnknown, err
	}
	switch Status(answer.Status) {
	case StatusAuthenticated, StatusCantConnect, StatusUnknownUser,
		StatusWrongPassword, StatusInvalidUsername, StatusUnsupported:
		return Status(answer.Status), nil
	default:
		//1.- An unrecognised answer degrades to unknown rather than guessing.
		return StatusUnknown, nil
	}
}

var _ IdentityBackend = (*HTTPBackend)(nil)
