// Copyright (C) 2025 Sysdr Labs
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package policy

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/sysdr/aigateway/services/policy/enforcement"
	"github.com/sysdr/aigateway/services/gateway/datatypes"
)

// ErrBlockedByPolicy is returned by Evaluate when the tenant runs in
// block mode and the request contains classified content.
var ErrBlockedByPolicy = errors.New("request blocked by content policy")

// Engine is the main entry point for content classification and
// enforcement. It holds the loaded rule set and applies a tenant's
// policy mode to incoming messages.
//
// # Thread Safety
//
// Safe for concurrent use. The rule set is guarded by a RWMutex so a
// hot reload never races an in-flight scan.
type Engine struct {
	mu          sync.RWMutex
	classifiers []Classification
}

// NewEngine initializes the engine from the policy definitions embedded
// in the binary via the enforcement package.
//
// It performs the following operations:
// 1. Unmarshals the embedded YAML data.
// 2. Compiles all regex patterns.
// 3. Sorts classifications by priority.
//
// Returns an error if the embedded YAML is malformed or contains an
// invalid regex.
func NewEngine() (*Engine, error) {
	engine := &Engine{}
	if err := engine.load(enforcement.PIIDetectionPatterns); err != nil {
		return nil, err
	}
	return engine, nil
}

// NewEngineFromFile initializes the engine from an operator-supplied
// rule file instead of the embedded defaults.
func NewEngineFromFile(path string) (*Engine, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file %s: %w", path, err)
	}
	engine := &Engine{}
	if err := engine.load(data); err != nil {
		return nil, err
	}
	return engine, nil
}

// Reload replaces the active rule set with the contents of path. On any
// error the previous rule set stays active, so a half-written file can
// never leave the gateway without enforcement.
func (e *Engine) Reload(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read policy file %s: %w", path, err)
	}
	if err := e.load(data); err != nil {
		return err
	}
	slog.Info("policy rule set reloaded", "path", path, "classifications", len(e.classifiers))
	return nil
}

func (e *Engine) load(data []byte) error {
	var file ClassificationFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to unmarshal the policy file: %w", err)
	}
	if err := file.CompileRegexes(); err != nil {
		return fmt.Errorf("failed to compile a regex: %w", err)
	}
	file.SortByPriority()

	e.mu.Lock()
	e.classifiers = file.Classifications
	e.mu.Unlock()
	return nil
}

// ClassifyData performs a quick boolean check on a byte slice.
//
// It iterates through classifications by priority and returns the name
// of the first classification that matches. If nothing matches it
// returns "public". Optimized for high-throughput categorization rather
// than detailed auditing.
func (e *Engine) ClassifyData(data []byte) string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, classifier := range e.classifiers {
		for _, pattern := range classifier.Patterns {
			if pattern.compiled.Match(data) {
				return classifier.Name
			}
		}
	}
	return "public"
}

// ScanMessages audits every message in a request and reports each match
// with the index of the message it was found in.
func (e *Engine) ScanMessages(messages []datatypes.Message) []Finding {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var findings []Finding
	for idx, msg := range messages {
		for _, classifier := range e.classifiers {
			for _, pattern := range classifier.Patterns {
				match := pattern.compiled.FindString(msg.Content)
				if match != "" {
					findings = append(findings, Finding{
						MessageIndex:       idx,
						MatchedContent:     strings.TrimSpace(match),
						ClassificationName: classifier.Name,
						PatternId:          pattern.Id,
						PatternDescription: pattern.Description,
						Confidence:         pattern.Confidence,
					})
				}
			}
		}
	}
	return findings
}

// Evaluate applies a tenant's policy mode to the request messages.
//
// Block mode rejects the request when any finding exists. Redact mode
// replaces matched content in place with a [REDACTED:PATTERN_ID] marker
// and lets the request proceed. Allow mode records findings without
// altering the request; callers are expected to surface them in the
// audit trail.
func (e *Engine) Evaluate(mode datatypes.PolicyMode, messages []datatypes.Message) (Decision, error) {
	findings := e.ScanMessages(messages)
	if len(findings) == 0 {
		return Decision{Allowed: true}, nil
	}

	switch mode {
	case datatypes.PolicyModeBlock:
		return Decision{Allowed: false, Findings: findings}, ErrBlockedByPolicy
	case datatypes.PolicyModeRedact:
		e.redact(messages)
		return Decision{Allowed: true, Redacted: true, Findings: findings}, nil
	default:
		return Decision{Allowed: true, Findings: findings}, nil
	}
}

// redact rewrites message content in place, replacing every match with
// a marker naming the pattern that fired.
func (e *Engine) redact(messages []datatypes.Message) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	for idx := range messages {
		content := messages[idx].Content
		for _, classifier := range e.classifiers {
			for _, pattern := range classifier.Patterns {
				marker := "[REDACTED:" + pattern.Id + "]"
				content = pattern.compiled.ReplaceAllString(content, marker)
			}
		}
		messages[idx].Content = content
	}
}
