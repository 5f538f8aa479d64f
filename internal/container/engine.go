// Package container drives the container engine on the lender's host: it
// builds per-session images, runs them and captures their output.
package container

import (
	"context"
	"errors"
	"io"
	"iter"
	"strings"
	"sync"
)

// Engine is the subset of container engine operations the rental core needs
type Engine interface {
	// BuildImage builds the recipe found in contextDir and tags the result.
	BuildImage(ctx context.Context, contextDir, tag string) error
	// RunAndCapture creates and starts a container from tag with stdout and
	// stderr combined into the returned Run.
	RunAndCapture(ctx context.Context, tag string, opts RunOptions) (*Run, error)
	// Wait blocks until the container exits and returns its exit status.
	Wait(ctx context.Context, containerID string) (int64, error)
	// CopyFrom extracts srcPath from the container into the host directory dst.
	CopyFrom(ctx context.Context, containerID, srcPath, dst string) error
	// Stop terminates a running container.
	Stop(ctx context.Context, containerID string) error
	RemoveContainer(ctx context.Context, containerID string) error
	RemoveImage(ctx context.Context, tag string) error
	EnsureImage(ctx context.Context, ref string) error
	Ping(ctx context.Context) error
	Close() error
}

// RunOptions carries per-run resource limits and labels
type RunOptions struct {
	SessionID       string
	MemoryLimitMB   int64
	PidsLimit       int64
	NanoCPUs        int64
	NetworkDisabled bool
}

// ImageTag derives the image tag owned by a session
func ImageTag(sessionID string) string {
	return "sandbox-" + strings.ToLower(sessionID)
}

// ErrConsumed is yielded when a Run's output is iterated a second time
var ErrConsumed = errors.New("run output already consumed")

const chunkSize = 4096

// Run is one started container and its output stream. The output can be
// iterated exactly once.
type Run struct {
	ContainerID string

	output   io.ReadCloser
	once     sync.Once
	consumed bool
	mu       sync.Mutex
}

// NewRun wraps a started container and its combined output stream
func NewRun(containerID string, output io.ReadCloser) *Run {
	return &Run{ContainerID: containerID, output: output}
}

// Chunks yields output chunks until the stream ends. Each chunk is a fresh
// slice. The stream is closed when iteration stops.
func (r *Run) Chunks() iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		r.mu.Lock()
		if r.consumed {
			r.mu.Unlock()
			yield(nil, ErrConsumed)
			return
		}
		r.consumed = true
		r.mu.Unlock()
		defer r.Close()

		buf := make([]byte, chunkSize)
		for {
			n, err := r.output.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				if !yield(chunk, nil) {
					return
				}
			}
			if err == io.EOF {
				return
			}
			if err != nil {
				yield(nil, err)
				return
			}
		}
	}
}

// Close releases the output stream. It is safe to call more than once.
func (r *Run) Close() error {
	var err error
	r.once.Do(func() {
		if r.output != nil {
			err = r.output.Close()
		}
	})
	return err
}
