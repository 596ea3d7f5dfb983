package keepcfg

import "testing"

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse([]byte("shim: shim.bin\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if cfg.Version != 1 {
		t.Errorf("Version = %d, want 1", cfg.Version)
	}
	if cfg.MemoryMB != defaultMemoryMB {
		t.Errorf("MemoryMB = %d, want %d", cfg.MemoryMB, defaultMemoryMB)
	}
	if cfg.SEV != SEVAuto {
		t.Errorf("SEV = %q, want %q", cfg.SEV, SEVAuto)
	}
}

func TestParseFull(t *testing.T) {
	cfg, err := Parse([]byte(`version: 1
shim: keep/shim.bin
memoryMB: 512
sev: required
policy: 0x1
diagnostics: true
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if cfg.SEV != SEVRequired {
		t.Errorf("SEV = %q, want %q", cfg.SEV, SEVRequired)
	}
	if cfg.MemoryMB != 512 {
		t.Errorf("MemoryMB = %d, want 512", cfg.MemoryMB)
	}
	if !cfg.Diagnostics {
		t.Errorf("Diagnostics not set")
	}
}

func TestParseRejects(t *testing.T) {
	for name, doc := range map[string]string{
		"MissingShim": "memoryMB: 64\n",
		"BadSEVMode":  "shim: shim.bin\nsev: maybe\n",
		"BadYAML":     "shim: [\n",
	} {
		t.Run(name, func(t *testing.T) {
			if _, err := Parse([]byte(doc)); err == nil {
				t.Errorf("Parse accepted %q", doc)
			}
		})
	}
}
