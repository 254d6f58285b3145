// Package archive uploads completed run artifacts (the sink database or
// log and a small metadata document) to durable object storage.
package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// Store errors. Backend failures wrap one of these.
var (
	ErrObjectNotFound = errors.New("object not found")
	ErrUploadFailed   = errors.New("upload failed")
	ErrDownloadFailed = errors.New("download failed")
	ErrDeleteFailed   = errors.New("delete failed")
)

// Store abstracts the object storage backend holding archived runs.
type Store interface {
	// Upload copies a local file to objectPath in the store.
	Upload(ctx context.Context, localPath, objectPath string) error

	// Download copies the object at objectPath to localPath.
	Download(ctx context.Context, objectPath, localPath string) error

	// Exists reports whether an object is present.
	Exists(ctx context.Context, objectPath string) (bool, error)

	// Delete removes an object. Deleting a missing object is not an
	// error.
	Delete(ctx context.Context, objectPath string) error

	// List returns all object paths under the given prefix.
	List(ctx context.Context, prefix string) ([]string, error)
}

// Manifest describes one archived run. It is stored alongside the data
// file as manifest.json.
type Manifest struct {
	ArchiveID  string    `json:"archive_id"`
	Target     int       `json:"target"`
	Records    int64     `json:"records"`
	SinkFile   string    `json:"sink_file"`
	ArchivedAt time.Time `json:"archived_at"`
}

// Result reports where an archived run landed.
type Result struct {
	ArchiveID    string
	DataPath     string
	ManifestPath string
}

// Run uploads a completed sink file and its manifest under
// runs/n<target>/<date>-<id>/. The sink must be closed before archiving;
// an open batch transaction would make the copied file inconsistent.
func Run(ctx context.Context, store Store, sinkPath string, target int, records int64) (*Result, error) {
	if _, err := os.Stat(sinkPath); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}

	id := uuid.New().String()
	prefix := fmt.Sprintf("runs/n%d/%s-%s", target, time.Now().UTC().Format("20060102"), id)
	dataPath := path.Join(prefix, filepath.Base(sinkPath))
	manifestPath := path.Join(prefix, "manifest.json")

	if err := store.Upload(ctx, sinkPath, dataPath); err != nil {
		return nil, err
	}

	manifest := Manifest{
		ArchiveID:  id,
		Target:     target,
		Records:    records,
		SinkFile:   filepath.Base(sinkPath),
		ArchivedAt: time.Now().UTC(),
	}
	tmp, err := writeManifestTemp(manifest)
	if err != nil {
		return nil, err
	}
	defer os.Remove(tmp)

	if err := store.Upload(ctx, tmp, manifestPath); err != nil {
		// Leave no half-archived run behind.
		_ = store.Delete(ctx, dataPath)
		return nil, err
	}

	return &Result{ArchiveID: id, DataPath: dataPath, ManifestPath: manifestPath}, nil
}

func writeManifestTemp(m Manifest) (string, error) {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}
	f, err := os.CreateTemp("", "partigen-manifest-*.json")
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}
	return f.Name(), nil
}
