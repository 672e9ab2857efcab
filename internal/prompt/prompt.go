// Package prompt selects which instruction payload governs a run and
// assembles the final instruction text handed to the session client. The
// payloads themselves are opaque text; nothing here interprets feature
// semantics.
package prompt

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/misty-step/foxglove/internal/feature"
)

// SpecFileName is the app specification copied into the project directory
// for the initializer-class variants to read.
const SpecFileName = "app_spec.md"

// Variant identifies which instruction template governs a session.
type Variant string

const (
	// VariantInitializer bootstraps a fresh project from the app spec.
	VariantInitializer Variant = "initializer"
	// VariantAdoption bootstraps the feature list for a pre-existing source tree.
	VariantAdoption Variant = "adoption"
	// VariantEnhancement appends features for a new task to an existing list.
	VariantEnhancement Variant = "enhancement"
	// VariantCoding is the continuation variant used by every session after
	// the first.
	VariantCoding Variant = "coding"
)

// Valid reports whether the variant is known.
func (v Variant) Valid() bool {
	switch v {
	case VariantInitializer, VariantAdoption, VariantEnhancement, VariantCoding:
		return true
	default:
		return false
	}
}

// InitializerClass reports whether the variant is expected to create the
// feature list rather than work through it.
func (v Variant) InitializerClass() bool {
	return v == VariantInitializer || v == VariantAdoption || v == VariantEnhancement
}

// ErrInvalidRequest indicates contradictory selector inputs. Fatal before
// any session is launched.
var ErrInvalidRequest = errors.New("prompt: invalid request")

// Select fixes the entry variant for a run. Called exactly once per run,
// before the first session; every later session uses VariantCoding. Pure and
// deterministic over its inputs.
func Select(state feature.ProjectState, hasNewTask bool, task string) (Variant, error) {
	if hasNewTask && strings.TrimSpace(task) == "" {
		return "", fmt.Errorf("%w: new task requested but no task text supplied", ErrInvalidRequest)
	}

	if !state.HasFeatureList {
		if hasNewTask {
			return "", fmt.Errorf("%w: task supplied but project has no feature list; bootstrap it first", ErrInvalidRequest)
		}
		if state.HasSource {
			return VariantAdoption, nil
		}
		return VariantInitializer, nil
	}

	if hasNewTask {
		return VariantEnhancement, nil
	}
	return VariantCoding, nil
}

// Build assembles the final instruction text for a variant. The enhancement
// variant interpolates the new task description; other variants are fixed
// payloads.
func Build(variant Variant, task string) (string, error) {
	switch variant {
	case VariantInitializer:
		return initializerTemplate, nil
	case VariantAdoption:
		return adoptionTemplate, nil
	case VariantEnhancement:
		trimmed := strings.TrimSpace(task)
		if trimmed == "" {
			return "", fmt.Errorf("%w: enhancement variant requires task text", ErrInvalidRequest)
		}
		return strings.ReplaceAll(enhancementTemplate, "{{TASK_DESCRIPTION}}", trimmed), nil
	case VariantCoding:
		return codingTemplate, nil
	default:
		return "", fmt.Errorf("%w: unknown variant %q", ErrInvalidRequest, variant)
	}
}

// BuildAppSpec wraps an inline description into a full app specification
// document for the initializer to consume.
func BuildAppSpec(description string, featureCount int) string {
	if featureCount <= 0 {
		featureCount = 50
	}
	return fmt.Sprintf(`# Application Specification

## Overview
%s

## Requirements
Build a complete, production-quality implementation of the application
described above.

## Feature Count Target
Generate approximately %d testable features for this application.
Prioritize core functionality first, then add polish and advanced features.

## Quality Standards
- Clean, maintainable code
- Responsive UI (if applicable)
- Error handling
- Good user experience
`, strings.TrimSpace(description), featureCount)
}

// WriteSpec writes the app specification into the project directory unless
// one is already there.
func WriteSpec(dir, content string) error {
	path := filepath.Join(dir, SpecFileName)
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write app spec %s: %w", path, err)
	}
	return nil
}
