package handlers

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/phrazzld/farmsync/internal/task"
)

// Application task types.
const (
	TypeClearCustomCache = "ClearCustomCache"
	TypeWriteFile        = "WriteFile"
	TypeDeleteFile       = "DeleteFile"
)

// ErrOutsideRoot is returned for a file target that escapes the files root.
var ErrOutsideRoot = errors.New("path escapes the files root")

// Config holds what the built-in handlers act on.
type Config struct {
	// FilesRoot bounds WriteFile and DeleteFile targets.
	FilesRoot string
	Cache     *Cache
}

type builtin struct {
	root   string
	cache  *Cache
	logger *slog.Logger
}

// Register adds every built-in handler to r.
func Register(r *task.TypeRegistry, cfg Config, logger *slog.Logger) error {
	if cfg.Cache == nil {
		cfg.Cache = NewCache()
	}
	root, err := filepath.Abs(cfg.FilesRoot)
	if err != nil {
		return fmt.Errorf("failed to resolve files root: %w", err)
	}

	b := &builtin{
		root:   root,
		cache:  cfg.Cache,
		logger: logger.With("component", "task_handlers"),
	}

	handlers := []task.Handler{
		{
			Type:       task.TypeTouchSystemCacheKey,
			Execute:    b.touchKey,
			Optimize:   task.OptimizeGroupAndMerge,
			MemoryOnly: true,
			CanCreate:  task.RequireTarget,
		},
		{
			Type:       TypeClearCustomCache,
			Execute:    b.touchKey,
			Optimize:   task.OptimizeGroupAndMerge,
			MemoryOnly: true,
			CanCreate:  task.RequireTarget,
		},
		{
			Type:      TypeWriteFile,
			Execute:   b.writeFile,
			CanCreate: task.RequireTarget,
		},
		{
			Type:      TypeDeleteFile,
			Execute:   b.deleteFile,
			Optimize:  task.OptimizeGroupAndMerge,
			CanCreate: task.RequireTarget,
		},
	}
	for _, t := range task.SystemTaskTypes() {
		if t == task.TypeTouchSystemCacheKey {
			continue
		}
		handlers = append(handlers, task.Handler{
			Type:       t,
			Execute:    b.systemNotice(t),
			MemoryOnly: t == task.TypeRestartApplication,
		})
	}

	for _, h := range handlers {
		if err := r.Register(h); err != nil {
			return err
		}
	}
	return nil
}

func (b *builtin) touchKey(_ context.Context, target, _ string, _ *task.LazyBinary) error {
	b.cache.Touch(target)
	return nil
}

// systemNotice records a system change made on another farm member. The
// daemon holds no site or license state of its own to reload.
func (b *builtin) systemNotice(taskType string) task.ExecuteFunc {
	return func(ctx context.Context, target, payload string, _ *task.LazyBinary) error {
		b.logger.InfoContext(ctx, "system task applied",
			"task_type", taskType,
			"target", target,
			"payload_bytes", len(payload))
		return nil
	}
}

func (b *builtin) writeFile(ctx context.Context, target, payload string, binary *task.LazyBinary) error {
	path, err := b.resolve(target)
	if err != nil {
		return err
	}

	data, err := binary.Bytes(ctx)
	if err != nil {
		return fmt.Errorf("failed to load file contents: %w", err)
	}
	if len(data) == 0 {
		data = []byte(payload)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create parent directory: %w", err)
	}

	// Write then rename so readers never see a partial file.
	tmp, err := os.CreateTemp(filepath.Dir(path), ".farmsync-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to move file into place: %w", err)
	}

	b.logger.DebugContext(ctx, "file written", "path", path, "bytes", len(data))
	return nil
}

func (b *builtin) deleteFile(ctx context.Context, target, _ string, _ *task.LazyBinary) error {
	path, err := b.resolve(target)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete file: %w", err)
	}
	b.logger.DebugContext(ctx, "file deleted", "path", path)
	return nil
}

// resolve maps a slash-separated target to a path under the files root.
func (b *builtin) resolve(target string) (string, error) {
	if target == "" {
		return "", fmt.Errorf("%w: empty target", ErrOutsideRoot)
	}
	path := filepath.Join(b.root, filepath.FromSlash(strings.TrimPrefix(target, "/")))
	rel, err := filepath.Rel(b.root, path)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, target)
	}
	return path, nil
}
