package sandbox

import (
	"fmt"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/shehryarbajwa/rentrig/internal/apperr"
)

// DefaultLanguage is used when a session does not name one
const DefaultLanguage = "python"

// Manifest formats understood by the builder.
const (
	ManifestRequirements = "requirements"
	ManifestNPM          = "npm"
	ManifestNone         = "none"
)

// Runtime describes how to turn an uploaded file into a runnable image
type Runtime struct {
	Language       string   `yaml:"language"`
	BaseImage      string   `yaml:"baseImage"`
	SourceFile     string   `yaml:"sourceFile"`
	ManifestFile   string   `yaml:"manifestFile"`
	ManifestFormat string   `yaml:"manifestFormat"`
	Dependencies   []string `yaml:"dependencies"`
	InstallCommand string   `yaml:"installCommand"`
	RunCommand     []string `yaml:"runCommand"`
	// OutputDir is copied back into the workspace after the run when set.
	OutputDir string `yaml:"outputDir"`
}

func (r Runtime) validate() error {
	switch {
	case r.Language == "":
		return fmt.Errorf("runtime language is required")
	case r.BaseImage == "":
		return fmt.Errorf("runtime %s: baseImage is required", r.Language)
	case r.SourceFile == "":
		return fmt.Errorf("runtime %s: sourceFile is required", r.Language)
	case r.ManifestFile == "":
		return fmt.Errorf("runtime %s: manifestFile is required", r.Language)
	case len(r.RunCommand) == 0:
		return fmt.Errorf("runtime %s: runCommand is required", r.Language)
	}
	switch r.ManifestFormat {
	case ManifestRequirements, ManifestNPM, ManifestNone:
	default:
		return fmt.Errorf("runtime %s: unknown manifestFormat %q", r.Language, r.ManifestFormat)
	}
	return nil
}

// Registry maps language names to runtimes
type Registry struct {
	mu       sync.RWMutex
	runtimes map[string]Runtime
}

// NewRegistry returns a registry holding the built-in runtimes
func NewRegistry() *Registry {
	r := &Registry{runtimes: make(map[string]Runtime)}
	r.registerDefaults()
	return r
}

// LoadRegistry reads a YAML runtime table from path and layers it over the
// built-in runtimes.
func LoadRegistry(path string) (*Registry, error) {
	r := NewRegistry()
	if path == "" {
		return r, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read runtimes file: %w", err)
	}

	var file struct {
		Runtimes []Runtime `yaml:"runtimes"`
	}
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse runtimes file: %w", err)
	}

	for _, rt := range file.Runtimes {
		if rt.ManifestFormat == "" {
			rt.ManifestFormat = ManifestNone
		}
		if err := rt.validate(); err != nil {
			return nil, err
		}
		r.Register(rt)
	}
	return r, nil
}

// Register adds or replaces a runtime
func (r *Registry) Register(rt Runtime) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runtimes[rt.Language] = rt
}

// Get resolves a language, applying the default for an empty name
func (r *Registry) Get(language string) (Runtime, error) {
	if language == "" {
		language = DefaultLanguage
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	rt, ok := r.runtimes[language]
	if !ok {
		return Runtime{}, apperr.Newf(apperr.CodeInvalidInput, "sandbox.runtime", "unsupported language %q", language)
	}
	return rt, nil
}

// Languages lists the registered language names in sorted order
func (r *Registry) Languages() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.runtimes))
	for name := range r.runtimes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// BaseImages lists the distinct base images of every runtime
func (r *Registry) BaseImages() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]struct{})
	var images []string
	for _, rt := range r.runtimes {
		if _, ok := seen[rt.BaseImage]; ok {
			continue
		}
		seen[rt.BaseImage] = struct{}{}
		images = append(images, rt.BaseImage)
	}
	sort.Strings(images)
	return images
}

func (r *Registry) registerDefaults() {
	r.Register(Runtime{
		Language:       "python",
		BaseImage:      "python:3.9-slim",
		SourceFile:     "code.py",
		ManifestFile:   "requirements.txt",
		ManifestFormat: ManifestRequirements,
		Dependencies:   []string{"numpy", "pandas", "scikit-learn", "matplotlib"},
		InstallCommand: "pip install --no-cache-dir -r requirements.txt",
		RunCommand:     []string{"python", "code.py"},
	})

	r.Register(Runtime{
		Language:       "javascript",
		BaseImage:      "node:20-slim",
		SourceFile:     "index.js",
		ManifestFile:   "package.json",
		ManifestFormat: ManifestNPM,
		Dependencies:   []string{"lodash", "axios"},
		InstallCommand: "npm install --omit=dev --no-audit --no-fund",
		RunCommand:     []string{"node", "index.js"},
	})

	r.Register(Runtime{
		Language:       "blender",
		BaseImage:      "nytimes/blender:3.3.1-cpu-ubuntu18.04",
		SourceFile:     "scene.blend",
		ManifestFile:   "assets.txt",
		ManifestFormat: ManifestNone,
		InstallCommand: "mkdir -p /app/out",
		RunCommand:     []string{"blender", "-b", "scene.blend", "-o", "/app/out/frame_####", "-f", "1"},
		OutputDir:      "/app/out",
	})
}
