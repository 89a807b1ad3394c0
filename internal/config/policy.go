package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/ryanuber/go-glob"
	"gopkg.in/yaml.v3"
)

// StoragePolicy overrides upload defaults for files matching its patterns.
// Patterns are globs against the file name; MimeTypes are globs against the
// declared content type.
type StoragePolicy struct {
	ID        string   `yaml:"id"`
	Patterns  []string `yaml:"patterns"`
	MimeTypes []string `yaml:"mime_types"`

	// Overrides; nil means inherit the global default.
	Encrypt     *bool  `yaml:"encrypt,omitempty"`
	Epochs      *int   `yaml:"epochs,omitempty"`
	MaxFileSize *int64 `yaml:"max_file_size,omitempty"`
}

// PolicyManager loads storage policies and matches them against uploads.
type PolicyManager struct {
	mu       sync.RWMutex
	policies []*StoragePolicy
}

// NewPolicyManager creates an empty policy manager.
func NewPolicyManager() *PolicyManager {
	return &PolicyManager{policies: make([]*StoragePolicy, 0)}
}

// LoadPolicies loads policy files matching the given glob patterns,
// replacing any previously loaded set.
func (pm *PolicyManager) LoadPolicies(patterns []string) error {
	loaded := make([]*StoragePolicy, 0)
	for _, pattern := range patterns {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return fmt.Errorf("failed to glob pattern %s: %w", pattern, err)
		}

		for _, match := range matches {
			data, err := os.ReadFile(match)
			if err != nil {
				return fmt.Errorf("failed to read policy file %s: %w", match, err)
			}

			var policy StoragePolicy
			if err := yaml.Unmarshal(data, &policy); err != nil {
				return fmt.Errorf("failed to parse policy file %s: %w", match, err)
			}

			if policy.ID == "" {
				return fmt.Errorf("policy in file %s must have an ID", match)
			}
			if len(policy.Patterns) == 0 && len(policy.MimeTypes) == 0 {
				return fmt.Errorf("policy %s must specify at least one pattern or mime type", policy.ID)
			}

			loaded = append(loaded, &policy)
		}
	}

	pm.mu.Lock()
	pm.policies = loaded
	pm.mu.Unlock()
	return nil
}

// PolicyForFile returns the first policy matching the file name or content
// type, or nil when none matches.
func (pm *PolicyManager) PolicyForFile(name, mimeType string) *StoragePolicy {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	for _, policy := range pm.policies {
		for _, pattern := range policy.Patterns {
			if glob.Glob(pattern, name) {
				return policy
			}
		}
		if mimeType == "" {
			continue
		}
		for _, pattern := range policy.MimeTypes {
			if glob.Glob(pattern, mimeType) {
				return policy
			}
		}
	}
	return nil
}
