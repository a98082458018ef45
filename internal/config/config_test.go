package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadAppliesDefaultsThroughEffectiveGetters(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
provider:
  name: anthropic
  model: claude-sonnet-4-5
root_dir: /tmp/workspace
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := cfg.EffectiveProviderName(); got != "anthropic" {
		t.Fatalf("provider = %q, want anthropic", got)
	}
	if got := cfg.EffectiveAPIKeyEnv(); got != "ANTHROPIC_API_KEY" {
		t.Fatalf("api key env = %q, want ANTHROPIC_API_KEY", got)
	}
	if got := cfg.EffectiveMaxRounds(); got != defaultMaxRounds {
		t.Fatalf("max rounds = %d, want %d", got, defaultMaxRounds)
	}
	if got := cfg.EffectiveCallTimeout(); got != defaultCallTimeout {
		t.Fatalf("call timeout = %v, want %v", got, defaultCallTimeout)
	}
	if got := cfg.EffectiveRootDir(); got != "/tmp/workspace" {
		t.Fatalf("root dir = %q, want /tmp/workspace", got)
	}
}

func TestLoadHonorsExplicitLimits(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
provider:
  name: openai
  model: gpt-5
  api_key_env: MY_GATEWAY_KEY
limits:
  max_context_tokens: 32000
  max_rounds: 10
  call_timeout: 30s
selection:
  max_count: 4
  always_include: [fs.read]
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := cfg.EffectiveAPIKeyEnv(); got != "MY_GATEWAY_KEY" {
		t.Fatalf("api key env = %q, want MY_GATEWAY_KEY", got)
	}
	if got := cfg.EffectiveMaxContextTokens(); got != 32000 {
		t.Fatalf("max context tokens = %d, want 32000", got)
	}
	if got := cfg.EffectiveMaxRounds(); got != 10 {
		t.Fatalf("max rounds = %d, want 10", got)
	}
	if got := cfg.EffectiveCallTimeout(); got != 30*time.Second {
		t.Fatalf("call timeout = %v, want 30s", got)
	}
	if got := cfg.EffectiveSelectionMaxCount(); got != 4 {
		t.Fatalf("selection max count = %d, want 4", got)
	}
	if len(cfg.Selection.AlwaysInclude) != 1 || cfg.Selection.AlwaysInclude[0] != "fs.read" {
		t.Fatalf("always include = %v, want [fs.read]", cfg.Selection.AlwaysInclude)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	t.Parallel()
	neg := -1
	badScore := 1.5
	cases := []struct {
		name string
		cfg  Config
		want string
	}{
		{"unknown provider", Config{Provider: ProviderConfig{Name: "groq"}}, "unknown provider"},
		{"bad log format", Config{LogFormat: "xml"}, "log_format"},
		{"bad log level", Config{LogLevel: "verbose"}, "log_level"},
		{"negative rounds", Config{Limits: LimitsConfig{MaxRounds: &neg}}, "max_rounds"},
		{"bad min score", Config{Selection: SelectionConfig{MinScore: &badScore}}, "min_score"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := tc.cfg.Validate()
			if err == nil {
				t.Fatal("Validate should fail")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestSaveRoundTrips(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	rounds := 7
	cfg := &Config{
		Provider: ProviderConfig{Name: "openai", Model: "gpt-5"},
		Limits:   LimitsConfig{MaxRounds: &rounds},
	}
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.EffectiveModel() != "gpt-5" || got.EffectiveMaxRounds() != 7 {
		t.Fatalf("round trip mismatch: model=%q rounds=%d", got.EffectiveModel(), got.EffectiveMaxRounds())
	}
}
