// Pulsewire - Resilient Client Core for Offline-First Learning Apps
// Copyright 2026 Pulsewire Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pulsewire-labs/pulsewire

package httpx

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
)

const signatureHeader = "X-Signature"

// signRequest computes the HMAC-SHA256 signature over the request
// envelope. The timestamp and correlation headers must already be set;
// the server recomputes the same digest to verify integrity.
func signRequest(req *http.Request, body []byte, secret string) {
	payload := strings.Join([]string{
		req.Method,
		req.URL.String(),
		string(body),
		req.Header.Get("X-Timestamp"),
		req.Header.Get("X-Correlation-ID"),
	}, "|")

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	req.Header.Set(signatureHeader, hex.EncodeToString(mac.Sum(nil)))
}
