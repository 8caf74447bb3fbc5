package container

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/docker/api/types"

	"github.com/kernelforge/kerneld/internal/driver"
)

// ListFiles implements driver.Driver.
func (d *Driver) ListFiles(ctx context.Context, id, path string) ([]*driver.FileEntry, error) {
	absPath, err := d.resolvePath(ctx, id, path)
	if err != nil {
		return nil, err
	}

	reader, _, err := d.cli.CopyFromContainer(ctx, id, absPath)
	if err != nil {
		return nil, fmt.Errorf("read path: %w", err)
	}
	defer reader.Close()

	tr := tar.NewReader(reader)
	var entries []*driver.FileEntry
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("tar read: %w", err)
		}
		name := strings.TrimPrefix(header.Name, "/")
		entries = append(entries, &driver.FileEntry{
			Name:         filepath.Base(name),
			Path:         name,
			Size:         header.Size,
			Mode:         header.Mode,
			IsDir:        header.Typeflag == tar.TypeDir,
			LastModified: header.ModTime,
		})
	}
	return entries, nil
}

// PutFile implements driver.Driver.
func (d *Driver) PutFile(ctx context.Context, id, path string, content io.Reader) error {
	absPath, err := d.resolvePath(ctx, id, path)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	data, err := io.ReadAll(content)
	if err != nil {
		return fmt.Errorf("read content: %w", err)
	}

	header := &tar.Header{Name: filepath.Base(absPath), Size: int64(len(data)), Mode: 0644, ModTime: time.Now()}
	if err := tw.WriteHeader(header); err != nil {
		return fmt.Errorf("tar header: %w", err)
	}
	if _, err := tw.Write(data); err != nil {
		return fmt.Errorf("tar body: %w", err)
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("tar close: %w", err)
	}

	dir := filepath.Dir(absPath)
	if err := d.cli.CopyToContainer(ctx, id, dir, &buf, types.CopyToContainerOptions{}); err != nil {
		return fmt.Errorf("docker copy: %w", err)
	}
	return nil
}

// GetFile implements driver.Driver.
func (d *Driver) GetFile(ctx context.Context, id, path string) (io.ReadCloser, error) {
	absPath, err := d.resolvePath(ctx, id, path)
	if err != nil {
		return nil, err
	}

	reader, _, err := d.cli.CopyFromContainer(ctx, id, absPath)
	if err != nil {
		return nil, fmt.Errorf("docker copy: %w", err)
	}

	tr := tar.NewReader(reader)
	if _, err := tr.Next(); err != nil {
		reader.Close()
		return nil, fmt.Errorf("file not found in tar: %w", err)
	}
	return &tarReadCloser{tr: tr, closer: reader}, nil
}

func (d *Driver) resolvePath(ctx context.Context, id, path string) (string, error) {
	if filepath.IsAbs(path) {
		return path, nil
	}
	info, err := d.cli.ContainerInspect(ctx, id)
	if err != nil {
		return "", err
	}
	workDir := info.Config.WorkingDir
	if workDir == "" {
		workDir = "/workspace"
	}
	return filepath.Join(workDir, path), nil
}

type tarReadCloser struct {
	tr     *tar.Reader
	closer io.Closer
}

func (t *tarReadCloser) Read(p []byte) (int, error) { return t.tr.Read(p) }
func (t *tarReadCloser) Close() error               { return t.closer.Close() }
