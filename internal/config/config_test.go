package config_test

import (
	"strings"
	"testing"

	"gateline/internal/config"
)

func TestDefaultConfigValid(t *testing.T) {
	cfg := config.Default("eng-1")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config must validate: %v", err)
	}
	if got := cfg.RequiredReviewerRoles(2); len(got) != 3 {
		t.Fatalf("expected 3 reviewers for phase 2, got %v", got)
	}
	if cfg.SafetyPriority(3) != config.PriorityQuality {
		t.Fatalf("phase 3 priority = %q", cfg.SafetyPriority(3))
	}
}

func TestGenerateDefaultRoundTrip(t *testing.T) {
	cfg, err := config.FromYAML([]byte(config.GenerateDefault("eng-rt")))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Engine.ID != "eng-rt" {
		t.Fatalf("engine id = %q", cfg.Engine.ID)
	}
	if cfg.Review.MaxDebateRounds != 2 {
		t.Fatalf("max_debate_rounds = %d", cfg.Review.MaxDebateRounds)
	}
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name  string
		mutate func(*config.Config)
		want  string
	}{
		{"missing engine id", func(c *config.Config) { c.Engine.ID = "" }, "engine.id"},
		{"no phases", func(c *config.Config) { c.Phases = nil }, "phases"},
		{"gapped ordinals", func(c *config.Config) { c.Phases[1].Ordinal = 5 }, "sequential"},
		{"unknown priority", func(c *config.Config) { c.Phases[0].SafetyPriority = "speed" }, "safety_priority"},
		{"no reviewers", func(c *config.Config) { c.Phases[0].Reviewers = nil }, "reviewer"},
		{"uncatalogued reviewer", func(c *config.Config) { c.Phases[0].Reviewers = []string{"ghost"} }, "roles.catalog"},
		{"no gate", func(c *config.Config) { c.Phases[0].Gate = nil }, "gate"},
		{"duplicate criterion id", func(c *config.Config) { c.Phases[1].Gate[0].ID = c.Phases[0].Gate[0].ID }, "not unique"},
		{"unknown criterion kind", func(c *config.Config) { c.Phases[0].Gate[0].Kind = "vibes.good" }, "unknown kind"},
		{"zero deadline", func(c *config.Config) { c.Review.VoteDeadlineSeconds = 0 }, "vote_deadline_seconds"},
		{"debate rounds over cap", func(c *config.Config) { c.Review.MaxDebateRounds = 3 }, "max_debate_rounds"},
		{"webhook without url", func(c *config.Config) { c.Webhooks = []config.WebhookConfig{{}} }, "url"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := config.Default("eng-1")
			tc.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}
