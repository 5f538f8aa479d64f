// Package workspace owns the per-session directories on the lender's host and
// moves their contents in and out of tar streams.
package workspace

import (
	"archive/tar"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/shehryarbajwa/rentrig/internal/apperr"
)

// Manager hands out one directory per session under a common root
type Manager struct {
	root string
}

// NewManager creates a workspace manager rooted at root
func NewManager(root string) (*Manager, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, apperr.New(apperr.CodeIO, "workspace.new", "failed to create workspace root", err)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, apperr.New(apperr.CodeIO, "workspace.new", "failed to resolve workspace root", err)
	}
	return &Manager{root: abs}, nil
}

// Root returns the absolute workspace root
func (m *Manager) Root() string {
	return m.root
}

// Dir returns the directory owned by sessionID without creating it
func (m *Manager) Dir(sessionID string) (string, error) {
	if sessionID == "" || sessionID == "." || sessionID == ".." ||
		strings.ContainsAny(sessionID, `/\`) {
		return "", apperr.Newf(apperr.CodeInvalidInput, "workspace.dir", "invalid session id %q", sessionID)
	}
	return filepath.Join(m.root, sessionID), nil
}

// Ensure creates the session directory if needed and returns its path
func (m *Manager) Ensure(sessionID string) (string, error) {
	dir, err := m.Dir(sessionID)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", apperr.New(apperr.CodeIO, "workspace.ensure", "failed to create session directory", err)
	}
	return dir, nil
}

// Archive writes a tar.gz of the session directory to w
func (m *Manager) Archive(sessionID string, w io.Writer) error {
	dir, err := m.Dir(sessionID)
	if err != nil {
		return err
	}
	if _, err := os.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			return apperr.Newf(apperr.CodeNotFound, "workspace.archive", "no workspace for session %s", sessionID)
		}
		return apperr.New(apperr.CodeIO, "workspace.archive", "failed to stat workspace", err)
	}

	gzWriter := gzip.NewWriter(w)
	if err := TarDirectory(dir, gzWriter); err != nil {
		gzWriter.Close()
		return apperr.New(apperr.CodeIO, "workspace.archive", "failed to archive workspace", err)
	}
	if err := gzWriter.Close(); err != nil {
		return apperr.New(apperr.CodeIO, "workspace.archive", "failed to flush archive", err)
	}
	return nil
}

// TarDirectory writes an uncompressed tar of source to w, with entry names
// relative to source.
func TarDirectory(source string, w io.Writer) error {
	tarWriter := tar.NewWriter(w)

	err := filepath.Walk(source, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		relPath, err := filepath.Rel(source, path)
		if err != nil {
			return err
		}
		if relPath == "." {
			return nil
		}

		header, err := tar.FileInfoHeader(info, info.Name())
		if err != nil {
			return err
		}
		header.Name = filepath.ToSlash(relPath)

		if err := tarWriter.WriteHeader(header); err != nil {
			return err
		}

		if !info.Mode().IsRegular() {
			return nil
		}
		file, err := os.Open(path)
		if err != nil {
			return err
		}
		defer file.Close()

		_, err = io.Copy(tarWriter, file)
		return err
	})
	if err != nil {
		tarWriter.Close()
		return err
	}
	return tarWriter.Close()
}

// Extract unpacks an uncompressed tar stream into target. Entries that would
// land outside target are rejected.
func Extract(r io.Reader, target string) error {
	tarReader := tar.NewReader(r)
	cleanTarget := filepath.Clean(target)

	for {
		header, err := tarReader.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		targetPath := filepath.Join(cleanTarget, filepath.FromSlash(header.Name))
		if targetPath != cleanTarget && !strings.HasPrefix(targetPath, cleanTarget+string(os.PathSeparator)) {
			return fmt.Errorf("archive entry %q escapes %s", header.Name, target)
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(targetPath, 0755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(targetPath), 0755); err != nil {
				return err
			}

			outFile, err := os.OpenFile(targetPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
			if err != nil {
				return err
			}
			if _, err := io.Copy(outFile, tarReader); err != nil {
				outFile.Close()
				return err
			}
			if err := outFile.Close(); err != nil {
				return err
			}
		}
	}
}
