package speech

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// BlobStore holds the audio bytes.
type BlobStore interface {
	Write(ctx context.Context, fingerprint string, audio []byte) (string, error)
	Open(ctx context.Context, path string) (io.ReadCloser, error)
	Remove(ctx context.Context, path string) error
}

// FileStore writes audio under Dir, sharded by the first two fingerprint
// characters.
type FileStore struct {
	Dir string
	Ext string
}

func NewFileStore(dir string) *FileStore {
	return &FileStore{Dir: dir, Ext: ".mp3"}
}

func (f *FileStore) pathFor(fingerprint string) (string, error) {
	if len(fingerprint) < 3 || filepath.Base(fingerprint) != fingerprint {
		return "", fmt.Errorf("speech: invalid fingerprint %q", fingerprint)
	}
	return filepath.Join(f.Dir, fingerprint[:2], fingerprint+f.Ext), nil
}

// Write stores audio atomically: readers never see a partial file.
func (f *FileStore) Write(ctx context.Context, fingerprint string, audio []byte) (string, error) {
	path, err := f.pathFor(fingerprint)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), fingerprint+".*.tmp")
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(audio); err != nil {
		_ = tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", err
	}
	return path, nil
}

func (f *FileStore) Open(ctx context.Context, path string) (io.ReadCloser, error) {
	fh, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	return fh, err
}

func (f *FileStore) Remove(ctx context.Context, path string) error {
	err := os.Remove(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}
