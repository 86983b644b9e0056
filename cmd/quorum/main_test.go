package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/boristopalov/quorum/pkg/config"
)

func TestConfigCommand(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "quorum.yaml")
	require.NoError(t, os.WriteFile(path, []byte("preserver:\n  max_tokens: 123\n"), 0o644))

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"config", "--config", path})
	require.NoError(t, cmd.Execute())

	cfg, err := config.Parse(out.Bytes())
	require.NoError(t, err)
	assert.Equal(t, 123, cfg.Preserver.MaxTokens)
}

func TestRunCommandScripted(t *testing.T) {
	t.Setenv("QUORUM_LOG_LEVEL", "error")
	t.Setenv("QUORUM_PROVIDER", "")

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"run", "--provider", "scripted", "--steps", "2"})
	require.NoError(t, cmd.Execute())

	text := out.String()
	assert.Contains(t, text, "step 1: handled=4 conflicts=1 resolved=1")
	assert.Contains(t, text, "step 2:")
	assert.True(t, strings.Contains(text, "RESOLVED"), text)
}
