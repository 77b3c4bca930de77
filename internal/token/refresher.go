// Pulsewire - Resilient Client Core for Offline-First Learning Apps
// Copyright 2026 Pulsewire Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pulsewire-labs/pulsewire

package token

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"github.com/pulsewire-labs/pulsewire/internal/httperr"
)

// HTTPRefresher calls the token refresh endpoint directly over a plain
// http.Client. It deliberately bypasses the resilient client: a refresh
// failure is terminal for the cycle, and stacking retries or circuit
// breaking here would double up with the layer above.
type HTTPRefresher struct {
	baseURL     string
	refreshPath string
	client      *http.Client
}

// NewHTTPRefresher creates a refresher posting to baseURL+refreshPath.
func NewHTTPRefresher(baseURL, refreshPath string, timeout time.Duration) *HTTPRefresher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPRefresher{
		baseURL:     baseURL,
		refreshPath: refreshPath,
		client:      &http.Client{Timeout: timeout},
	}
}

// Refresh implements Refresher. The refresh token travels as a Bearer
// credential; the endpoint answers {accessToken, refreshToken}.
func (r *HTTPRefresher) Refresh(ctx context.Context, refreshToken string) (Pair, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+r.refreshPath, nil)
	if err != nil {
		return Pair{}, fmt.Errorf("build refresh request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+refreshToken)
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return Pair{}, httperr.Network(err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return Pair{}, httperr.FromStatus(resp.StatusCode, string(body))
	}

	var pair Pair
	if err := json.NewDecoder(resp.Body).Decode(&pair); err != nil {
		return Pair{}, fmt.Errorf("decode refresh response: %w", err)
	}
	if pair.AccessToken == "" {
		return Pair{}, fmt.Errorf("refresh response missing accessToken")
	}
	return pair, nil
}
