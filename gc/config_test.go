package gc

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gopkg.in/yaml.v2"
)

func TestBuiltinConfigsValidate(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Errorf("the default configuration does not validate: %v", err)
	}
	if err := StressConfig().Validate(); err != nil {
		t.Errorf("the stress configuration does not validate: %v", err)
	}
}

func TestSizeYAML(t *testing.T) {
	var out struct {
		Limit Size `yaml:"limit"`
	}
	if err := yaml.Unmarshal([]byte("limit: 64MB"), &out); err != nil {
		t.Fatalf("unmarshalling a size string: %v", err)
	}
	if out.Limit != 64<<20 {
		t.Errorf("64MB parsed as %d", out.Limit)
	}
	if err := yaml.Unmarshal([]byte("limit: 1048576"), &out); err != nil {
		t.Fatalf("unmarshalling an integer size: %v", err)
	}
	if out.Limit != 1<<20 {
		t.Errorf("1048576 parsed as %d", out.Limit)
	}

	out.Limit = 64 << 20
	data, err := yaml.Marshal(out)
	if err != nil {
		t.Fatalf("marshalling a size: %v", err)
	}
	if got := string(data); got != "limit: 64.00MB\n" {
		t.Errorf("size marshalled as %q", got)
	}
}

func TestApplyEnv(t *testing.T) {
	cfg := DefaultConfig()
	err := cfg.ApplyEnv("debug verbosity=3 ageing-steps=2" +
		" nursery-minimum=1MB nursery-maximum=64MB" +
		" target-major-survival=0.5 unused-block-retention=7" +
		" expensive-statistics=false")
	if err != nil {
		t.Fatalf("applying options: %v", err)
	}
	if !cfg.Debug {
		t.Error("bare debug flag not applied")
	}
	if cfg.ExpensiveStatistics {
		t.Error("expensive-statistics=false not applied")
	}
	if cfg.Verbosity != 3 {
		t.Errorf("verbosity is %d, want 3", cfg.Verbosity)
	}
	if cfg.AgeingStepNo != 2 {
		t.Errorf("ageing steps are %d, want 2", cfg.AgeingStepNo)
	}
	if cfg.NurseryMinimum != 1<<20 || cfg.NurseryMaximum != 64<<20 {
		t.Errorf("nursery bounds are %v and %v",
			cfg.NurseryMinimum, cfg.NurseryMaximum)
	}
	if cfg.TargetMajorSurvival != 0.5 {
		t.Errorf("target survival is %v, want 0.5", cfg.TargetMajorSurvival)
	}
	if cfg.UnusedBlockRetention != 7 {
		t.Errorf("retention is %d, want 7", cfg.UnusedBlockRetention)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("the applied configuration does not validate: %v", err)
	}
}

func TestApplyEnvStressWord(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.ApplyEnv("stress verbosity=1"); err != nil {
		t.Fatalf("applying options: %v", err)
	}
	want := StressConfig()
	want.Verbosity = 1
	if *cfg != *want {
		t.Errorf("stress word left %+v, want %+v", *cfg, *want)
	}
}

func TestApplyEnvErrors(t *testing.T) {
	for _, c := range []struct {
		options string
		substr  string
	}{
		{"bogus-option", `unknown option "bogus-option"`},
		{"verbosity=x", "option verbosity"},
		{"nursery-minimum=wat", `invalid size "wat"`},
		{`profile="unclosed`, "splitting options"},
	} {
		err := DefaultConfig().ApplyEnv(c.options)
		if err == nil {
			t.Errorf("options %q accepted", c.options)
			continue
		}
		if !strings.Contains(err.Error(), c.substr) {
			t.Errorf("options %q: error %q does not mention %q",
				c.options, err, c.substr)
		}
	}
}

func TestApplyProfile(t *testing.T) {
	// A path with a space exercises the option-splitting quoting.
	path := filepath.Join(t.TempDir(), "gc profile.yaml")
	profile := "verbosity: 2\nnursery-minimum: 2MB\nnursery-maximum: 8MB\n" +
		"target-major-survival: 0.25\n"
	if err := os.WriteFile(path, []byte(profile), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := DefaultConfig()
	if err := cfg.ApplyEnv(fmt.Sprintf("profile=%q", path)); err != nil {
		t.Fatalf("applying the profile option: %v", err)
	}
	if cfg.Verbosity != 2 {
		t.Errorf("verbosity is %d, want 2", cfg.Verbosity)
	}
	if cfg.NurseryMinimum != 2<<20 || cfg.NurseryMaximum != 8<<20 {
		t.Errorf("nursery bounds are %v and %v",
			cfg.NurseryMinimum, cfg.NurseryMaximum)
	}
	if cfg.TargetMajorSurvival != 0.25 {
		t.Errorf("target survival is %v, want 0.25", cfg.TargetMajorSurvival)
	}
	// Keys the profile does not mention keep their previous values.
	if cfg.AgeingStepNo != 0 || cfg.UnusedBlockRetention != 32 {
		t.Errorf("untouched fields changed: %+v", *cfg)
	}

	err := cfg.ApplyProfile(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil || !strings.Contains(err.Error(), "reading profile") {
		t.Errorf("missing profile: %v", err)
	}

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(bad, []byte("verbosity: [oops\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	err = cfg.ApplyProfile(bad)
	if err == nil || !strings.Contains(err.Error(), "parsing profile") {
		t.Errorf("malformed profile: %v", err)
	}
}

func TestValidateRejections(t *testing.T) {
	for _, c := range []struct {
		mutate func(*Config)
		substr string
	}{
		{func(c *Config) { c.AgeingStepNo = -1 }, "ageing-steps is negative"},
		{func(c *Config) { c.NurseryMinimum = Size(blockPayloadSize - 1) },
			"below one block payload"},
		{func(c *Config) { c.NurseryMinimum = 2 << 20; c.NurseryMaximum = 1 << 20 },
			"exceeds nursery-maximum"},
		{func(c *Config) { c.OldspaceMinimum = 2 << 20; c.OldspaceMaximum = 1 << 20 },
			"exceeds oldspace-maximum"},
		{func(c *Config) { c.TargetMajorSurvival = 0 }, "not in (0, 1]"},
		{func(c *Config) { c.TargetMajorSurvival = 1.5 }, "not in (0, 1]"},
		{func(c *Config) { c.UnusedBlockRetention = -2 },
			"unused-block-retention is negative"},
	} {
		cfg := DefaultConfig()
		c.mutate(cfg)
		err := cfg.Validate()
		if err == nil {
			t.Errorf("mutation for %q accepted", c.substr)
			continue
		}
		if !strings.Contains(err.Error(), c.substr) {
			t.Errorf("error %q does not mention %q", err, c.substr)
		}
	}
}
