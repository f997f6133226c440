package domain

import (
	"errors"
	"fmt"
)

// ModuleKind classifies a build output module.
type ModuleKind string

const (
	KindEntryPoint ModuleKind = "entry-point"
	KindChunk      ModuleKind = "chunk"
	KindAsset      ModuleKind = "asset"
	KindSourcemap  ModuleKind = "sourcemap"
	KindBytecode   ModuleKind = "bytecode"
)

func (k ModuleKind) valid() bool {
	switch k {
	case KindEntryPoint, KindChunk, KindAsset, KindSourcemap, KindBytecode:
		return true
	}
	return false
}

// StaticEntry describes one static asset emitted by a build.
type StaticEntry struct {
	Hash        string `json:"hash"`
	Size        int64  `json:"size"`
	ContentType string `json:"contentType"`
}

// ModuleEntry describes one script module emitted by a build.
type ModuleEntry struct {
	Hash        string     `json:"hash"`
	Size        int64      `json:"size"`
	ContentType string     `json:"contentType"`
	Kind        ModuleKind `json:"kind"`
}

// BuildManifest is the build runner's report of its outputs. It arrives from
// untrusted compute and must pass Validate before anything is published.
type BuildManifest struct {
	Entrypoint string                 `json:"entrypoint"`
	Static     map[string]StaticEntry `json:"static"`
	Modules    map[string]ModuleEntry `json:"modules"`
}

// ErrNoEntryPoint and ErrMultipleEntryPoints reject manifests that do not
// declare exactly one entry-point module.
var (
	ErrNoEntryPoint        = errors.New("manifest: no entry-point module")
	ErrMultipleEntryPoints = errors.New("manifest: multiple entry-point modules")
)

const maxHashLength = 64

// Validate checks structural invariants on an untrusted manifest: exactly one
// entry-point module matching the declared entrypoint path, known module
// kinds, plausible hashes and non-negative sizes.
func (m BuildManifest) Validate() error {
	if len(m.Modules) == 0 {
		return ErrNoEntryPoint
	}
	entries := 0
	var entryPath string
	for path, mod := range m.Modules {
		if path == "" {
			return errors.New("manifest: empty module path")
		}
		if !mod.Kind.valid() {
			return fmt.Errorf("manifest: module %q has unknown kind %q", path, mod.Kind)
		}
		if err := checkFile(path, mod.Hash, mod.Size); err != nil {
			return err
		}
		if mod.Kind == KindEntryPoint {
			entries++
			entryPath = path
		}
	}
	switch {
	case entries == 0:
		return ErrNoEntryPoint
	case entries > 1:
		return ErrMultipleEntryPoints
	}
	if m.Entrypoint != "" && m.Entrypoint != entryPath {
		return fmt.Errorf("manifest: entrypoint %q does not match entry-point module %q", m.Entrypoint, entryPath)
	}
	for path, asset := range m.Static {
		if err := checkFile(path, asset.Hash, asset.Size); err != nil {
			return err
		}
	}
	return nil
}

// EntryModule returns the path of the single entry-point module. Validate
// must have succeeded first.
func (m BuildManifest) EntryModule() string {
	for path, mod := range m.Modules {
		if mod.Kind == KindEntryPoint {
			return path
		}
	}
	return ""
}

func checkFile(path, hash string, size int64) error {
	if hash == "" || len(hash) > maxHashLength {
		return fmt.Errorf("manifest: file %q has invalid hash", path)
	}
	for _, r := range hash {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return fmt.Errorf("manifest: file %q has invalid hash", path)
		}
	}
	if size < 0 {
		return fmt.Errorf("manifest: file %q has negative size", path)
	}
	return nil
}
