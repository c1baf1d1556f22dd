package sink

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/adrg/xdg"
)

// AppName names the per-user data directory.
const AppName = "persons-etl"

// DefaultRoot returns the XDG data directory for run payloads.
// On Linux: ~/.local/share/persons-etl
func DefaultRoot() string {
	return filepath.Join(xdg.DataHome, AppName)
}

// FileSink writes payloads below Root.
type FileSink struct {
	Root string
}

// NewFileSink creates a file sink. An empty root selects DefaultRoot.
func NewFileSink(root string) *FileSink {
	if root == "" {
		root = DefaultRoot()
	}
	return &FileSink{Root: root}
}

// Write stores data atomically: a temp file in the target directory is
// renamed over the destination.
func (f *FileSink) Write(ctx context.Context, location string, data []byte) (err error) {
	defer func() { observe("file", len(data), err) }()

	if err := ctx.Err(); err != nil {
		return err
	}
	loc, err := cleanLocation(location)
	if err != nil {
		return err
	}

	dest := filepath.Join(f.Root, filepath.FromSlash(loc))
	if err := os.MkdirAll(filepath.Dir(dest), 0750); err != nil {
		return fmt.Errorf("failed to create sink directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".payload-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer func() {
		if err != nil {
			_ = os.Remove(tmp.Name())
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write payload: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close payload: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0640); err != nil {
		return fmt.Errorf("failed to set payload mode: %w", err)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return fmt.Errorf("failed to move payload into place: %w", err)
	}
	return nil
}
