// Pulsewire - Resilient Client Core for Offline-First Learning Apps
// Copyright 2026 Pulsewire Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pulsewire-labs/pulsewire

package api

import (
	"net/http"

	json "github.com/goccy/go-json"

	"github.com/pulsewire-labs/pulsewire/internal/logging"
)

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logging.Error().Err(err).Msg("Failed to encode response")
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
