// Pulsewire - Resilient Client Core for Offline-First Learning Apps
// Copyright 2026 Pulsewire Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pulsewire-labs/pulsewire

package logging

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/goccy/go-json"
)

func TestInit_InvalidLevel(t *testing.T) {
	if err := Init(Config{Level: "verbose"}); err == nil {
		t.Error("expected error for invalid level")
	}
}

func TestInit_JSONOutput(t *testing.T) {
	var buf bytes.Buffer
	if err := Init(Config{Level: "debug", Format: "json", Output: &buf}); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	defer func() { _ = Init(DefaultConfig()) }()

	Info().Str("component", "test").Msg("hello")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not JSON: %v (%q)", err, buf.String())
	}
	if entry["component"] != "test" {
		t.Errorf("expected component=test, got %v", entry["component"])
	}
	if entry["message"] != "hello" {
		t.Errorf("expected message=hello, got %v", entry["message"])
	}
}

func TestInit_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	if err := Init(Config{Level: "warn", Output: &buf}); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	defer func() { _ = Init(DefaultConfig()) }()

	Debug().Msg("suppressed")
	Info().Msg("suppressed")
	Warn().Msg("emitted")

	out := buf.String()
	if strings.Contains(out, "suppressed") {
		t.Errorf("low-level events leaked: %q", out)
	}
	if !strings.Contains(out, "emitted") {
		t.Errorf("warn event missing: %q", out)
	}
}

func TestCorrelationID_RoundTrip(t *testing.T) {
	ctx := ContextWithCorrelationID(context.Background(), "abc-123")
	if got := CorrelationIDFromContext(ctx); got != "abc-123" {
		t.Errorf("expected abc-123, got %q", got)
	}
	if got := CorrelationIDFromContext(context.Background()); got != "" {
		t.Errorf("expected empty ID from bare context, got %q", got)
	}
}

func TestGenerateCorrelationID_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := GenerateCorrelationID()
		if seen[id] {
			t.Fatalf("duplicate correlation ID %q", id)
		}
		seen[id] = true
	}
}

func TestCtx_StampsCorrelationID(t *testing.T) {
	var buf bytes.Buffer
	if err := Init(Config{Level: "info", Output: &buf}); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	defer func() { _ = Init(DefaultConfig()) }()

	ctx := ContextWithCorrelationID(context.Background(), "corr-9")
	lg := Ctx(ctx)
	lg.Info().Msg("traced")

	if !strings.Contains(buf.String(), "corr-9") {
		t.Errorf("correlation ID missing from output: %q", buf.String())
	}
}
