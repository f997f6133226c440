package domain

import (
	"errors"
	"strings"
	"testing"
)

const testHash = "9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08"

func validManifest() BuildManifest {
	return BuildManifest{
		Entrypoint: "index.js",
		Static: map[string]StaticEntry{
			"assets/logo.png": {Hash: testHash, Size: 1024, ContentType: "image/png"},
		},
		Modules: map[string]ModuleEntry{
			"index.js":    {Hash: testHash, Size: 2048, ContentType: "application/javascript", Kind: KindEntryPoint},
			"chunk-a.js":  {Hash: testHash, Size: 512, ContentType: "application/javascript", Kind: KindChunk},
			"index.js.map": {Hash: testHash, Size: 4096, ContentType: "application/json", Kind: KindSourcemap},
		},
	}
}

func TestManifestValidateAcceptsWellFormed(t *testing.T) {
	m := validManifest()
	if err := m.Validate(); err != nil {
		t.Fatalf("Validate returned error: %v", err)
	}
	if got := m.EntryModule(); got != "index.js" {
		t.Fatalf("expected entry module index.js, got %q", got)
	}
}

func TestManifestValidateRejectsZeroEntryPoints(t *testing.T) {
	m := validManifest()
	mod := m.Modules["index.js"]
	mod.Kind = KindChunk
	m.Modules["index.js"] = mod
	m.Entrypoint = ""

	if err := m.Validate(); !errors.Is(err, ErrNoEntryPoint) {
		t.Fatalf("expected ErrNoEntryPoint, got %v", err)
	}
}

func TestManifestValidateRejectsMultipleEntryPoints(t *testing.T) {
	m := validManifest()
	mod := m.Modules["chunk-a.js"]
	mod.Kind = KindEntryPoint
	m.Modules["chunk-a.js"] = mod

	if err := m.Validate(); !errors.Is(err, ErrMultipleEntryPoints) {
		t.Fatalf("expected ErrMultipleEntryPoints, got %v", err)
	}
}

func TestManifestValidateRejectsUnknownKind(t *testing.T) {
	m := validManifest()
	m.Modules["weird.bin"] = ModuleEntry{Hash: testHash, Size: 1, Kind: "mystery"}

	err := m.Validate()
	if err == nil || !strings.Contains(err.Error(), "unknown kind") {
		t.Fatalf("expected unknown kind error, got %v", err)
	}
}

func TestManifestValidateRejectsBadHash(t *testing.T) {
	m := validManifest()
	m.Static["assets/logo.png"] = StaticEntry{Hash: "NOT-HEX!", Size: 1}

	err := m.Validate()
	if err == nil || !strings.Contains(err.Error(), "invalid hash") {
		t.Fatalf("expected invalid hash error, got %v", err)
	}
}

func TestManifestValidateRejectsEntrypointMismatch(t *testing.T) {
	m := validManifest()
	m.Entrypoint = "main.js"

	err := m.Validate()
	if err == nil || !strings.Contains(err.Error(), "does not match") {
		t.Fatalf("expected entrypoint mismatch error, got %v", err)
	}
}
