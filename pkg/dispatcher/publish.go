package dispatcher

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/renameio/v2"
)

// ErrArtifactWrite wraps every failure to publish the list. The previously
// published file is left untouched whenever it is returned.
var ErrArtifactWrite = errors.New("dispatcher list write failed")

// WriteFileAtomic renders into a temporary file next to path and renames it
// over path. Readers see either the old or the new content, never a mix.
func WriteFileAtomic(path string, perm os.FileMode, render func(io.Writer) error) error {
	dir := filepath.Dir(path)
	pf, err := renameio.NewPendingFile(path, renameio.WithTempDir(dir), renameio.WithStaticPermissions(perm))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrArtifactWrite, err)
	}
	defer pf.Cleanup()

	bw := bufio.NewWriter(pf)
	if err := render(bw); err != nil {
		return fmt.Errorf("%w: %w", ErrArtifactWrite, err)
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("%w: %w", ErrArtifactWrite, err)
	}
	if err := pf.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("%w: %w", ErrArtifactWrite, err)
	}
	syncDir(dir)
	return nil
}

// syncDir makes the rename durable; failures only weaken crash durability.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	d.Close()
}

// FilePublisher publishes routing lists to a fixed path.
type FilePublisher struct {
	Path string
	Perm os.FileMode
}

// NewFilePublisher publishes to path with mode 0644.
func NewFilePublisher(path string) *FilePublisher {
	return &FilePublisher{Path: path, Perm: 0o644}
}

// Publish writes content atomically.
func (p *FilePublisher) Publish(content []byte) error {
	return WriteFileAtomic(p.Path, p.Perm, func(w io.Writer) error {
		_, err := w.Write(content)
		return err
	})
}

// Current reads back the published list.
func (p *FilePublisher) Current() (RoutingList, error) {
	f, err := os.Open(p.Path)
	if err != nil {
		return RoutingList{}, err
	}
	defer f.Close()
	return Parse(f)
}
