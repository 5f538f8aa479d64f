// Package containertest provides an in-memory container.Engine for tests.
package containertest

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/shehryarbajwa/rentrig/internal/apperr"
	"github.com/shehryarbajwa/rentrig/internal/container"
)

// Engine is a scriptable fake. Output is written to each run; ExitCode is
// returned from Wait. Setting Block makes runs hang until ctx is cancelled.
type Engine struct {
	mu sync.Mutex

	Output    string
	ExitCode  int64
	BuildErr  error
	RunErr    error
	StreamErr error
	// BuildFailures fails that many BuildImage calls before succeeding.
	BuildFailures int
	Block         bool
	// Started is signalled (non-blocking) when a run starts.
	Started chan string
	// OutputFiles are materialized by CopyFrom below dst/<base(src)>.
	OutputFiles map[string]string

	Builds            []string
	BuildContexts     []string
	Runs              []container.RunOptions
	Stopped           []string
	RemovedContainers []string
	RemovedImages     []string
	Pulled            []string

	nextID int
	waits  map[string]chan struct{}
}

var _ container.Engine = (*Engine)(nil)

// New returns a fake that prints output and exits 0
func New(output string) *Engine {
	return &Engine{Output: output, waits: make(map[string]chan struct{})}
}

func (e *Engine) BuildImage(ctx context.Context, contextDir, tag string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Builds = append(e.Builds, tag)
	e.BuildContexts = append(e.BuildContexts, contextDir)
	if e.BuildFailures > 0 {
		e.BuildFailures--
		return apperr.Newf(apperr.CodeBuild, "fake.build", "transient build failure for %s", tag)
	}
	if e.BuildErr != nil {
		return e.BuildErr
	}
	if _, err := os.Stat(filepath.Join(contextDir, "Dockerfile")); err != nil {
		return apperr.New(apperr.CodeBuild, "fake.build", "missing Dockerfile", err)
	}
	return nil
}

func (e *Engine) RunAndCapture(ctx context.Context, tag string, opts container.RunOptions) (*container.Run, error) {
	e.mu.Lock()
	e.Runs = append(e.Runs, opts)
	if e.RunErr != nil {
		e.mu.Unlock()
		return nil, e.RunErr
	}
	e.nextID++
	id := fmt.Sprintf("%s-%d", tag, e.nextID)
	done := make(chan struct{})
	if e.waits == nil {
		e.waits = make(map[string]chan struct{})
	}
	e.waits[id] = done
	output, streamErr, block, started := e.Output, e.StreamErr, e.Block, e.Started
	e.mu.Unlock()

	pr, pw := io.Pipe()
	go func() {
		defer close(done)
		io.WriteString(pw, output)
		if block {
			<-ctx.Done()
			pw.CloseWithError(ctx.Err())
			return
		}
		pw.CloseWithError(streamErr)
	}()

	if started != nil {
		select {
		case started <- id:
		default:
		}
	}
	return container.NewRun(id, pr), nil
}

func (e *Engine) Wait(ctx context.Context, containerID string) (int64, error) {
	e.mu.Lock()
	done := e.waits[containerID]
	code := e.ExitCode
	e.mu.Unlock()
	if done == nil {
		return -1, fmt.Errorf("unknown container %s", containerID)
	}
	select {
	case <-done:
		if ctx.Err() != nil {
			return -1, ctx.Err()
		}
		return code, nil
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

func (e *Engine) CopyFrom(ctx context.Context, containerID, srcPath, dst string) error {
	e.mu.Lock()
	files := e.OutputFiles
	e.mu.Unlock()
	base := filepath.Join(dst, filepath.Base(srcPath))
	for name, body := range files {
		p := filepath.Join(base, name)
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			return err
		}
		if err := os.WriteFile(p, []byte(body), 0644); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) Stop(ctx context.Context, containerID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Stopped = append(e.Stopped, containerID)
	return nil
}

func (e *Engine) RemoveContainer(ctx context.Context, containerID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.RemovedContainers = append(e.RemovedContainers, containerID)
	return nil
}

func (e *Engine) RemoveImage(ctx context.Context, tag string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.RemovedImages = append(e.RemovedImages, tag)
	return nil
}

func (e *Engine) EnsureImage(ctx context.Context, ref string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Pulled = append(e.Pulled, ref)
	return nil
}

func (e *Engine) Ping(ctx context.Context) error { return nil }

func (e *Engine) Close() error { return nil }

// Snapshot returns copies of the recorded calls
func (e *Engine) Snapshot() (builds []string, removedContainers []string, stopped []string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.Builds...),
		append([]string(nil), e.RemovedContainers...),
		append([]string(nil), e.Stopped...)
}

// RunCount returns how many containers were started
func (e *Engine) RunCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.Runs)
}
