package sink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
)

// Dir stores batches as files below a directory. All file operations are
// confined to that directory.
type Dir struct {
	root *os.Root
}

func NewDir(dir string) (*Dir, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, err
	}
	root, err := os.OpenRoot(dir)
	if err != nil {
		return nil, err
	}
	return &Dir{root: root}, nil
}

func (d *Dir) Put(ctx context.Context, b Batch) error {
	if d.root == nil {
		return errors.New("root already closed")
	}
	raw, meta, err := Encode(b)
	if err != nil {
		return err
	}

	key := Key(b)
	if err := d.root.MkdirAll(path.Dir(key), 0o750); err != nil {
		return fmt.Errorf("creating run directory: %w", err)
	}
	tmp := key + ".tmp"
	f, err := d.root.Create(tmp)
	if err != nil {
		return fmt.Errorf("creating raw records file: %w", err)
	}
	_, err = f.Write(raw)
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("saving raw records: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing raw records file: %w", err)
	}
	// replace any earlier copy for the same key in one step
	if err := d.root.Rename(tmp, key); err != nil {
		return fmt.Errorf("renaming raw records file: %w", err)
	}
	slog.DebugContext(ctx, "raw records saved", "path", key, "fingerprint", meta.Fingerprint)
	return nil
}

func (d *Dir) Close() error {
	if d.root == nil {
		return errors.New("sink already closed")
	}
	err := d.root.Close()
	d.root = nil
	return err
}
