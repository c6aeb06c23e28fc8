package opponent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"trivia-duel/internal/pkg/secret"
)

const maxLabelLen = 48

// Labeler produces a short display label for a synthetic opponent.
type Labeler interface {
	Label(ctx context.Context, stance string) (string, error)
}

// HTTPLabeler calls a text-generation endpoint for persona labels.
type HTTPLabeler struct {
	url    string
	key    *secret.Cache
	client *http.Client
}

// NewHTTPLabeler creates a labeler for url, authenticating with the key from key.
func NewHTTPLabeler(url string, key *secret.Cache, timeout time.Duration) *HTTPLabeler {
	return &HTTPLabeler{
		url:    url,
		key:    key,
		client: &http.Client{Timeout: timeout},
	}
}

type labelRequest struct {
	Stance    string `json:"stance"`
	Prompt    string `json:"prompt"`
	MaxLength int    `json:"maxLength"`
}

type labelResponse struct {
	Label string `json:"label"`
}

// Label requests a label for stance. A 401 or 403 drops the cached key so the
// next call reloads it.
func (l *HTTPLabeler) Label(ctx context.Context, stance string) (string, error) {
	key, err := l.key.Get(ctx)
	if err != nil {
		return "", err
	}

	body, err := json.Marshal(labelRequest{
		Stance:    stance,
		Prompt:    fmt.Sprintf("Give a short debate persona name for someone holding a %s viewpoint.", stance),
		MaxLength: maxLabelLen,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode label request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create label request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+key)

	resp, err := l.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("label request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		l.key.Invalidate()
		return "", fmt.Errorf("label request rejected with status %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return "", fmt.Errorf("label request failed with status %d: %s", resp.StatusCode, snippet)
	}

	var out labelResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode label response: %w", err)
	}

	label := strings.TrimSpace(out.Label)
	if label == "" {
		return "", errors.New("empty label in response")
	}
	if r := []rune(label); len(r) > maxLabelLen {
		label = string(r[:maxLabelLen])
	}
	return label, nil
}
