// Package sandbox materializes a per-session build context: the uploaded
// source, a dependency manifest and a Dockerfile.
package sandbox

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/shehryarbajwa/rentrig/internal/apperr"
	"github.com/shehryarbajwa/rentrig/internal/workspace"
)

// RecipeFile is the name of the container build recipe in every context
const RecipeFile = "Dockerfile"

// BuildContext is the file triple handed to the container engine
type BuildContext struct {
	SessionID string
	Dir       string
	Runtime   Runtime
}

// Files lists the context entries relative to Dir
func (b *BuildContext) Files() []string {
	return []string{RecipeFile, b.Runtime.SourceFile, b.Runtime.ManifestFile}
}

// Builder writes build contexts into session workspaces
type Builder struct {
	workspaces *workspace.Manager
	registry   *Registry
	logger     *zerolog.Logger
}

// NewBuilder creates a sandbox builder
func NewBuilder(workspaces *workspace.Manager, registry *Registry, logger *zerolog.Logger) *Builder {
	return &Builder{
		workspaces: workspaces,
		registry:   registry,
		logger:     logger,
	}
}

// Registry exposes the runtime table the builder resolves languages against
func (b *Builder) Registry() *Registry {
	return b.registry
}

// Prepare writes source, manifest and recipe for sessionID. Calling it again
// for the same session reuses the directory and overwrites every file.
func (b *Builder) Prepare(sessionID, language string, source []byte) (*BuildContext, error) {
	rt, err := b.registry.Get(language)
	if err != nil {
		return nil, err
	}

	dir, err := b.workspaces.Ensure(sessionID)
	if err != nil {
		return nil, err
	}

	manifest, err := renderManifest(rt)
	if err != nil {
		return nil, apperr.New(apperr.CodeIO, "sandbox.prepare", "failed to render dependency manifest", err)
	}
	recipe, err := renderRecipe(rt)
	if err != nil {
		return nil, apperr.New(apperr.CodeIO, "sandbox.prepare", "failed to render build recipe", err)
	}

	files := []struct {
		name string
		data []byte
	}{
		{rt.SourceFile, source},
		{rt.ManifestFile, manifest},
		{RecipeFile, recipe},
	}
	for _, f := range files {
		if err := os.WriteFile(filepath.Join(dir, f.name), f.data, 0644); err != nil {
			return nil, apperr.New(apperr.CodeIO, "sandbox.prepare", fmt.Sprintf("failed to write %s", f.name), err)
		}
	}

	b.logger.Debug().
		Str("session_id", sessionID).
		Str("language", rt.Language).
		Str("dir", dir).
		Msg("build context prepared")

	return &BuildContext{SessionID: sessionID, Dir: dir, Runtime: rt}, nil
}

func renderManifest(rt Runtime) ([]byte, error) {
	switch rt.ManifestFormat {
	case ManifestNPM:
		deps := make(map[string]string, len(rt.Dependencies))
		for _, d := range rt.Dependencies {
			deps[d] = "*"
		}
		pkg := struct {
			Name         string            `json:"name"`
			Version      string            `json:"version"`
			Private      bool              `json:"private"`
			Dependencies map[string]string `json:"dependencies"`
		}{
			Name:         "sandbox",
			Version:      "1.0.0",
			Private:      true,
			Dependencies: deps,
		}
		data, err := json.MarshalIndent(pkg, "", "  ")
		if err != nil {
			return nil, err
		}
		return append(data, '\n'), nil
	default:
		if len(rt.Dependencies) == 0 {
			return []byte{}, nil
		}
		return []byte(strings.Join(rt.Dependencies, "\n") + "\n"), nil
	}
}

func renderRecipe(rt Runtime) ([]byte, error) {
	cmd, err := json.Marshal(rt.RunCommand)
	if err != nil {
		return nil, err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "FROM %s\n", rt.BaseImage)
	sb.WriteString("WORKDIR /app\n")
	fmt.Fprintf(&sb, "COPY %s %s ./\n", rt.SourceFile, rt.ManifestFile)
	if rt.InstallCommand != "" {
		fmt.Fprintf(&sb, "RUN %s\n", rt.InstallCommand)
	}
	fmt.Fprintf(&sb, "CMD %s\n", cmd)
	return []byte(sb.String()), nil
}
