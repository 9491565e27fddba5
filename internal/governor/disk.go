package governor

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/shirou/gopsutil/v3/disk"
)

// DiskUsage describes the artifact volume.
type DiskUsage struct {
	// UsedBytes is what the service's own artifacts occupy.
	UsedBytes int64
	// FreeBytes is what the filesystem still has available.
	FreeBytes int64
}

type DiskProbe interface {
	Usage(ctx context.Context) (DiskUsage, error)
}

// PathProbe measures a directory: its tree size for UsedBytes and the hosting filesystem's
// free space through gopsutil.
type PathProbe struct {
	Path string
}

func NewPathProbe(path string) PathProbe {
	return PathProbe{Path: path}
}

func (p PathProbe) Usage(ctx context.Context) (DiskUsage, error) {
	var used int64
	err := filepath.WalkDir(p.Path, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.Type().IsRegular() {
			info, err := d.Info()
			if err != nil {
				return nil
			}
			used += info.Size()
		}
		return nil
	})
	if err != nil {
		return DiskUsage{}, err
	}

	stat, err := disk.UsageWithContext(ctx, existingParent(p.Path))
	if err != nil {
		return DiskUsage{}, err
	}
	return DiskUsage{UsedBytes: used, FreeBytes: int64(stat.Free)}, nil
}

// existingParent walks up until it finds a path that exists so a not-yet-created artifact
// directory still reports its filesystem.
func existingParent(path string) string {
	for {
		if _, err := os.Stat(path); err == nil {
			return path
		}
		parent := filepath.Dir(path)
		if parent == path {
			return path
		}
		path = parent
	}
}
