// Package filesystem implements a sink that writes export archives to a local
// directory tree.
package filesystem

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/seantiz/batchbridge/internal/model"
	"github.com/seantiz/batchbridge/internal/sink"
)

// Compile-time interface satisfaction check.
var _ sink.Sink = (*Sink)(nil)

// Sink writes each export to <root>/<job id>/export.zip.
type Sink struct {
	root string
}

// New creates a filesystem sink rooted at root. The directory is created if
// it does not exist.
func New(root string) (*Sink, error) {
	if root == "" {
		return nil, errors.New("filesystem sink: root directory is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create sink root: %w", err)
	}
	return &Sink{root: root}, nil
}

// Path returns the file a write for target lands in.
func (s *Sink) Path(target sink.Target) string {
	return filepath.Join(s.root, target.JobID, sink.FileName)
}

// Write copies content to a new file. An existing file is never overwritten;
// a partial file is removed on failure.
func (s *Sink) Write(ctx context.Context, target sink.Target, content io.Reader) (sink.Result, error) {
	if target.JobID == "" {
		return sink.Result{}, errors.New("filesystem sink: target has no job id")
	}

	path := s.Path(target)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return sink.Result{}, fmt.Errorf("create %s: %w", filepath.Dir(path), err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return sink.Result{}, fmt.Errorf("create %s: %w", path, err)
	}

	n, err := io.Copy(f, sink.ContextReader(ctx, content))
	if err != nil {
		f.Close()
		os.Remove(path)
		return sink.Result{}, fmt.Errorf("write %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return sink.Result{}, fmt.Errorf("close %s: %w", path, err)
	}

	return sink.Result{Location: path, Bytes: n}, nil
}

// Capabilities reports the sink's root directory.
func (s *Sink) Capabilities() sink.Capabilities {
	return sink.Capabilities{
		Name:      model.SinkFilesystem,
		Root:      s.root,
		Streaming: true,
	}
}
