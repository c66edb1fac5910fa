// Copyright (C) 2025 Sysdr Labs
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package policy

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sysdr/aigateway/services/gateway/datatypes"
)

func TestEngine_Scan(t *testing.T) {
	engine, err := NewEngine()
	require.NoError(t, err)

	tests := []struct {
		name            string
		input           string
		shouldFind      bool
		expectedClass   string
		expectedPattern string
	}{
		{
			name:       "Safe String",
			input:      "This is a perfectly safe question about the weather.",
			shouldFind: false,
		},
		{
			name:            "AWS Access Key (Secret)",
			input:           "My aws key is AKIA1234567890123456 for the prod account.",
			shouldFind:      true,
			expectedClass:   "secret",
			expectedPattern: "AWS_ACCESS_KEY_ID",
		},
		{
			name:            "Email Address (PII)",
			input:           "Please contact jdoe@example.com for support.",
			shouldFind:      true,
			expectedClass:   "pii",
			expectedPattern: "EMAIL_ADDRESS",
		},
		{
			name:            "SSN (PII)",
			input:           "The customer SSN is 123-45-6789.",
			shouldFind:      true,
			expectedClass:   "pii",
			expectedPattern: "US_SSN",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			messages := []datatypes.Message{{Role: "user", Content: tc.input}}
			findings := engine.ScanMessages(messages)

			if tc.shouldFind {
				require.NotEmpty(t, findings)
				first := findings[0]
				assert.Equal(t, tc.expectedClass, first.ClassificationName)
				assert.Equal(t, tc.expectedPattern, first.PatternId)
				assert.Equal(t, 0, first.MessageIndex)

				// ClassifyData must agree with the detailed scan.
				assert.Equal(t, tc.expectedClass, engine.ClassifyData([]byte(tc.input)))
			} else {
				assert.Empty(t, findings)
				assert.Equal(t, "public", engine.ClassifyData([]byte(tc.input)))
			}
		})
	}
}

func TestEngine_SortedByPriority(t *testing.T) {
	engine, err := NewEngine()
	require.NoError(t, err)

	require.GreaterOrEqual(t, len(engine.classifiers), 2)
	first := engine.classifiers[0]
	last := engine.classifiers[len(engine.classifiers)-1]
	assert.GreaterOrEqual(t, first.Priority, last.Priority)
	assert.Equal(t, "secret", first.Name)
}

func TestEngine_EvaluateBlockMode(t *testing.T) {
	engine, err := NewEngine()
	require.NoError(t, err)

	messages := []datatypes.Message{
		{Role: "user", Content: "email me at jdoe@example.com"},
	}
	decision, err := engine.Evaluate(datatypes.PolicyModeBlock, messages)

	assert.ErrorIs(t, err, ErrBlockedByPolicy)
	assert.False(t, decision.Allowed)
	require.NotEmpty(t, decision.Findings)
	// Block mode must not mutate the request.
	assert.Contains(t, messages[0].Content, "jdoe@example.com")
}

func TestEngine_EvaluateRedactMode(t *testing.T) {
	engine, err := NewEngine()
	require.NoError(t, err)

	messages := []datatypes.Message{
		{Role: "user", Content: "email me at jdoe@example.com please"},
	}
	decision, err := engine.Evaluate(datatypes.PolicyModeRedact, messages)

	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	assert.True(t, decision.Redacted)
	assert.NotContains(t, messages[0].Content, "jdoe@example.com")
	assert.Contains(t, messages[0].Content, "[REDACTED:EMAIL_ADDRESS]")
}

func TestEngine_EvaluateAllowMode(t *testing.T) {
	engine, err := NewEngine()
	require.NoError(t, err)

	messages := []datatypes.Message{
		{Role: "user", Content: "email me at jdoe@example.com please"},
	}
	decision, err := engine.Evaluate(datatypes.PolicyModeAllow, messages)

	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	assert.False(t, decision.Redacted)
	require.NotEmpty(t, decision.Findings)
	// Allow mode records findings but leaves content untouched.
	assert.Contains(t, messages[0].Content, "jdoe@example.com")
}

func TestEngine_EvaluateCleanRequest(t *testing.T) {
	engine, err := NewEngine()
	require.NoError(t, err)

	messages := []datatypes.Message{
		{Role: "user", Content: "what is the capital of France"},
	}
	decision, err := engine.Evaluate(datatypes.PolicyModeBlock, messages)

	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	assert.Empty(t, decision.Findings)
}

func TestEngine_ReloadKeepsOldRulesOnBadFile(t *testing.T) {
	engine, err := NewEngine()
	require.NoError(t, err)

	dir := t.TempDir()
	bad := filepath.Join(dir, "rules.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("classifications: [broken"), 0o600))

	err = engine.Reload(bad)
	assert.Error(t, err)

	// The embedded rules must still be active.
	assert.Equal(t, "pii", engine.ClassifyData([]byte("reach me at jdoe@example.com")))
}

func TestEngine_ReloadReplacesRules(t *testing.T) {
	engine, err := NewEngine()
	require.NoError(t, err)

	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	rules := strings.TrimSpace(`
classifications:
  - name: internal
    description: "project codenames"
    priority: 90
    patterns:
      - id: CODENAME
        description: "internal project codename"
        regex: 'PROJECT-[A-Z]{4}'
        confidence: high
`)
	require.NoError(t, os.WriteFile(path, []byte(rules), 0o600))

	require.NoError(t, engine.Reload(path))

	assert.Equal(t, "internal", engine.ClassifyData([]byte("ship PROJECT-NOVA next week")))
	// The embedded email rule was replaced wholesale.
	assert.Equal(t, "public", engine.ClassifyData([]byte("jdoe@example.com")))
}

func TestEngine_Concurrency(t *testing.T) {
	engine, err := NewEngine()
	require.NoError(t, err)

	input := []datatypes.Message{{Role: "user", Content: "My fake key is AKIA1234567890123456"}}

	t.Run("ParallelScanning", func(t *testing.T) {
		t.Parallel()
		for i := 0; i < 100; i++ {
			t.Run("Worker", func(t *testing.T) {
				t.Parallel()
				findings := engine.ScanMessages(input)
				assert.NotEmpty(t, findings)
			})
		}
	})
}

func BenchmarkScanSafeMessage(b *testing.B) {
	engine, _ := NewEngine()
	input := []datatypes.Message{{Role: "user", Content: "A standard sentence with no secrets in it whatsoever."}}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		engine.ScanMessages(input)
	}
}
