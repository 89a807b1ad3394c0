package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writePolicy(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0644))
}

func TestLoadPolicies(t *testing.T) {
	dir := t.TempDir()
	writePolicy(t, dir, "media.yaml", `
id: media
mime_types:
  - "image/*"
  - "video/*"
epochs: 50
`)
	writePolicy(t, dir, "secrets.yaml", `
id: secrets
patterns:
  - "*.pem"
  - "*.key"
encrypt: true
`)

	pm := NewPolicyManager()
	require.NoError(t, pm.LoadPolicies([]string{filepath.Join(dir, "*.yaml")}))

	policy := pm.PolicyForFile("avatar.png", "image/png")
	require.NotNil(t, policy)
	assert.Equal(t, "media", policy.ID)
	require.NotNil(t, policy.Epochs)
	assert.Equal(t, 50, *policy.Epochs)

	policy = pm.PolicyForFile("server.pem", "")
	require.NotNil(t, policy)
	assert.Equal(t, "secrets", policy.ID)
	require.NotNil(t, policy.Encrypt)
	assert.True(t, *policy.Encrypt)

	assert.Nil(t, pm.PolicyForFile("notes.txt", "text/plain"))
}

func TestLoadPoliciesValidation(t *testing.T) {
	dir := t.TempDir()
	writePolicy(t, dir, "broken.yaml", "patterns: ['*.bin']\n")

	pm := NewPolicyManager()
	err := pm.LoadPolicies([]string{filepath.Join(dir, "*.yaml")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must have an ID")

	dir2 := t.TempDir()
	writePolicy(t, dir2, "empty.yaml", "id: empty\n")
	err = pm.LoadPolicies([]string{filepath.Join(dir2, "*.yaml")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least one pattern")
}

func TestLoadPoliciesReplacesPreviousSet(t *testing.T) {
	dir := t.TempDir()
	writePolicy(t, dir, "first.yaml", "id: first\npatterns: ['*.a']\n")

	pm := NewPolicyManager()
	require.NoError(t, pm.LoadPolicies([]string{filepath.Join(dir, "*.yaml")}))
	require.NotNil(t, pm.PolicyForFile("x.a", ""))

	dir2 := t.TempDir()
	writePolicy(t, dir2, "second.yaml", "id: second\npatterns: ['*.b']\n")
	require.NoError(t, pm.LoadPolicies([]string{filepath.Join(dir2, "*.yaml")}))

	assert.Nil(t, pm.PolicyForFile("x.a", ""))
	assert.NotNil(t, pm.PolicyForFile("x.b", ""))
}
