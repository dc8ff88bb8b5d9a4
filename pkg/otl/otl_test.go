package otl

import "testing"

func TestSmootherPresetKnownNames(t *testing.T) {
	cases := map[string]float64{
		"conservative": 0.05,
		"default":      0.10,
		"":             0.10,
		"looping":      0.10,
		"aggressive":   0.30,
	}

	for name, wantAlpha := range cases {
		preset, err := SmootherPreset(name)
		if err != nil {
			t.Fatalf("SmootherPreset(%q): unexpected error: %v", name, err)
		}

		if preset.Alpha != wantAlpha {
			t.Errorf("SmootherPreset(%q).Alpha = %v, want %v", name, preset.Alpha, wantAlpha)
		}
	}
}

func TestSmootherPresetUnknownName(t *testing.T) {
	if _, err := SmootherPreset("nonexistent"); err == nil {
		t.Fatal("SmootherPreset(\"nonexistent\"): expected error, got nil")
	}
}

func TestConfigDefaultPopulatesEveryComponent(t *testing.T) {
	cfg := ConfigDefault()

	if cfg.Smoother.Preset != "default" {
		t.Errorf("ConfigDefault().Smoother.Preset = %q, want %q", cfg.Smoother.Preset, "default")
	}

	if cfg.Pipeline.BatchNum == 0 {
		t.Error("ConfigDefault().Pipeline.BatchNum should be non-zero")
	}

	if cfg.Console.QueueSize == 0 {
		t.Error("ConfigDefault().Console.QueueSize should be non-zero")
	}
}
