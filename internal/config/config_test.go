package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/CRMPipe/internal/filter"
	"github.com/BTreeMap/CRMPipe/internal/models"
)

func TestDefaultsMatchFilterDefaults(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 4, cfg.Loop.MaxRounds)
	assert.Equal(t, 15, cfg.Loop.SubstantiveMinLength)
	assert.Equal(t, 8*time.Second, cfg.Trigger.Debounce)
	assert.Equal(t, "15 3 * * *", cfg.Maintenance.LedgerPurge)
	assert.Equal(t, "*/5 * * * *", cfg.Maintenance.Recovery)
	assert.Equal(t, 2*time.Second, cfg.Dispatch.EndConversationOffset)
	assert.Equal(t, filter.DefaultConfig(), cfg.FilterConfig())
	assert.Equal(t, models.ActionTag, cfg.Aliases()["etiqueta"])
}

func TestParseOverridesOnTopOfDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
loop:
  max_rounds: 6
words:
  fillers: ["aguarde"]
trigger:
  debounce: 3s
dsl:
  aliases:
    etapa: goto-stage
`))
	require.NoError(t, err)
	assert.Equal(t, 6, cfg.Loop.MaxRounds)
	assert.Equal(t, 15, cfg.Loop.SubstantiveMinLength)
	assert.Equal(t, []string{"aguarde"}, cfg.Words.Fillers)
	assert.Equal(t, 3*time.Second, cfg.Trigger.Debounce)
	assert.Equal(t, models.ActionGotoStage, cfg.Aliases()["etapa"])
	assert.Equal(t, models.ActionTag, cfg.Aliases()["etiqueta"])
}

func TestParseRejectsInvalid(t *testing.T) {
	bad := []string{
		"loop:\n  max_rounds: 1\n",
		"filter:\n  priority: [teleport]\n",
		"dsl:\n  aliases:\n    x: nope\n",
		"guard:\n  meeting_link_patterns: ['(']\n",
		"timeouts:\n  model: 0s\n",
		"loop: [",
	}
	for _, b := range bad {
		_, err := Parse([]byte(b))
		assert.Error(t, err, b)
	}
}

func TestLoadFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	path := filepath.Join(t.TempDir(), "crmpipe.yaml")
	require.NoError(t, os.WriteFile(path, []byte("assembler:\n  next_stage_preview_chars: 120\n"), 0o600))
	cfg, err = Load(path)
	require.NoError(t, err)
	assert.Equal(t, 120, cfg.Assembler.NextStagePreviewChars)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLinkPatternsCaseInsensitive(t *testing.T) {
	res, err := Default().Guard.LinkPatterns()
	require.NoError(t, err)
	matched := false
	for _, re := range res {
		if re.MatchString("Entre em HTTPS://MEET.GOOGLE.COM/abc-defg-hij às 10h") {
			matched = true
		}
	}
	assert.True(t, matched)
}
