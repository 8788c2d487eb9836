package importer

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
)

// Source is a re-openable file. Every stage calls Open and reads from byte 0;
// nothing is carried between passes.
type Source interface {
	Name() string
	Open(ctx context.Context) (io.ReadCloser, error)
}

// BytesSource serves an in-memory upload.
type BytesSource struct {
	Filename string
	Data     []byte
}

func (s BytesSource) Name() string { return s.Filename }

func (s BytesSource) Open(ctx context.Context) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(s.Data)), nil
}

// FileSource reads a file from the local filesystem.
type FileSource struct {
	Path string
}

func (s FileSource) Name() string { return filepath.Base(s.Path) }

func (s FileSource) Open(ctx context.Context) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return os.Open(s.Path)
}
