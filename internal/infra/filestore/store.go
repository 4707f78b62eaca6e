package filestore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	aferrors "agentflow/internal/errors"
	"agentflow/internal/logging"
	"agentflow/internal/security/pathguard"
)

// DefaultMaxFileSize caps reads and writes at 10MB.
const DefaultMaxFileSize int64 = 10 << 20

// DefaultBlockedExtensions are executable and script types tools may not
// read or write.
var DefaultBlockedExtensions = []string{
	"exe", "dll", "so", "dylib", "bat", "cmd", "com", "msi", "scr",
	"sh", "bash", "zsh", "ps1", "psm1", "vbs", "vbe", "wsf", "jar", "app", "apk",
}

// Options configures a Store.
type Options struct {
	Root              string
	MaxFileSize       int64
	BlockedExtensions []string
	// AllowedExtensions, when non-empty, is checked after the blocklist.
	AllowedExtensions []string
	Logger            logging.Logger
}

// Store reads and writes files on behalf of tools. A secure store confines
// every path to its workspace root.
type Store struct {
	root    string
	maxSize int64
	blocked map[string]struct{}
	allowed map[string]struct{}
	enforce bool
	logger  logging.Logger
}

// New returns a workspace-confined store. Root must be an existing directory.
func New(opts Options) (*Store, error) {
	if strings.TrimSpace(opts.Root) == "" {
		return nil, fmt.Errorf("filestore: workspace root is required")
	}
	root, err := filepath.Abs(opts.Root)
	if err != nil {
		return nil, fmt.Errorf("filestore: resolve root: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(root); err == nil {
		root = resolved
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("filestore: workspace root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("filestore: workspace root %s is not a directory", root)
	}
	return newStore(root, opts, true), nil
}

// NewUnsecure returns a store that does not enforce the workspace boundary.
// Relative paths still resolve against Root. Size and extension checks stay on.
func NewUnsecure(opts Options) *Store {
	root := opts.Root
	if abs, err := filepath.Abs(root); err == nil {
		root = abs
	}
	s := newStore(root, opts, false)
	s.logger.Warn("file store created without workspace enforcement (root=%s)", root)
	return s
}

func newStore(root string, opts Options, enforce bool) *Store {
	maxSize := opts.MaxFileSize
	if maxSize <= 0 {
		maxSize = DefaultMaxFileSize
	}
	blocked := opts.BlockedExtensions
	if blocked == nil {
		blocked = DefaultBlockedExtensions
	}
	return &Store{
		root:    root,
		maxSize: maxSize,
		blocked: extensionSet(blocked),
		allowed: extensionSet(opts.AllowedExtensions),
		enforce: enforce,
		logger:  logging.OrNop(opts.Logger),
	}
}

func extensionSet(exts []string) map[string]struct{} {
	set := make(map[string]struct{}, len(exts))
	for _, ext := range exts {
		ext = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ext), "."))
		if ext != "" {
			set[ext] = struct{}{}
		}
	}
	return set
}

// Root returns the workspace root.
func (s *Store) Root() string { return s.root }

// Secure reports whether the workspace boundary is enforced.
func (s *Store) Secure() bool { return s.enforce }

// ValidateFilePath resolves p against the workspace and returns the absolute
// path. Errors never include the resolved location.
func (s *Store) ValidateFilePath(p string) (string, error) {
	if strings.TrimSpace(p) == "" {
		return "", aferrors.NewInvalidFormat("path", "Invalid file path: path is required")
	}

	var resolved string
	if s.enforce {
		if pathguard.IsPathTraversal(p) || strings.ContainsAny(p, "\x00\r\n") {
			return "", aferrors.NewInvalidFormat("path", "Invalid file path: unsafe characters or path traversal detected")
		}
		if filepath.IsAbs(p) {
			resolved = filepath.Clean(p)
		} else {
			resolved = filepath.Join(s.root, p)
		}
		if !pathguard.WithinBase(s.root, resolved) {
			return "", aferrors.NewOutOfScope("path", "Access denied: path is outside the workspace")
		}
		// A symlink inside the workspace must not lead out of it, including
		// a symlinked directory above a file that does not exist yet.
		if !s.resolvesInside(resolved) {
			return "", aferrors.NewOutOfScope("path", "Access denied: path is outside the workspace")
		}
	} else {
		resolved = p
		if !filepath.IsAbs(resolved) {
			resolved = filepath.Join(s.root, resolved)
		}
		resolved = filepath.Clean(resolved)
	}

	if err := s.validateExtension(resolved); err != nil {
		return "", err
	}
	return resolved, nil
}

// resolvesInside follows symlinks on the deepest existing ancestor of p and
// reports whether it stays within the root. Components below that ancestor
// do not exist, so they cannot be links.
func (s *Store) resolvesInside(p string) bool {
	probe := p
	for {
		real, err := filepath.EvalSymlinks(probe)
		if err == nil {
			return pathguard.WithinBase(s.root, real)
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return false
		}
		// A dangling link has no real location to check.
		if _, lerr := os.Lstat(probe); lerr == nil {
			return false
		}
		parent := filepath.Dir(probe)
		if parent == probe {
			return false
		}
		probe = parent
	}
}

func (s *Store) validateExtension(p string) error {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(p), "."))
	if _, blocked := s.blocked[ext]; blocked && ext != "" {
		return aferrors.NewOutOfScope("path", "File type not allowed: .%s", ext)
	}
	if len(s.allowed) > 0 {
		if _, ok := s.allowed[ext]; !ok {
			return aferrors.NewOutOfScope("path", "File type not allowed: .%s", ext)
		}
	}
	return nil
}

// ValidateFileSize rejects payloads larger than the configured ceiling.
func (s *Store) ValidateFileSize(size int64) error {
	if size > s.maxSize {
		return aferrors.NewOutOfScope("size", "File size %d exceeds maximum allowed size %d", size, s.maxSize)
	}
	return nil
}

// ReadFile returns the contents of p.
func (s *Store) ReadFile(ctx context.Context, p string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	resolved, err := s.ValidateFilePath(p)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(resolved)
	if err != nil {
		s.logger.Warn("read %s failed: %v", resolved, err)
		return nil, fmt.Errorf("Failed to read file: %s", filepath.Base(p))
	}
	defer f.Close()

	if info, err := f.Stat(); err == nil {
		if err := s.ValidateFileSize(info.Size()); err != nil {
			return nil, err
		}
	}
	data, err := io.ReadAll(io.LimitReader(f, s.maxSize+1))
	if err != nil {
		s.logger.Warn("read %s failed: %v", resolved, err)
		return nil, fmt.Errorf("Failed to read file: %s", filepath.Base(p))
	}
	if err := s.ValidateFileSize(int64(len(data))); err != nil {
		return nil, err
	}
	return data, nil
}

// WriteFile atomically replaces p with data.
func (s *Store) WriteFile(ctx context.Context, p string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ValidateFileSize(int64(len(data))); err != nil {
		return err
	}
	resolved, err := s.ValidateFilePath(p)
	if err != nil {
		return err
	}
	if s.enforce {
		if err := EnsureParentDir(resolved); err != nil {
			s.logger.Warn("write %s failed: %v", resolved, err)
			return fmt.Errorf("Failed to write file: %s", filepath.Base(p))
		}
		// The parent may have been swapped for a link since validation.
		if !s.resolvesInside(filepath.Dir(resolved)) {
			return aferrors.NewOutOfScope("path", "Access denied: path is outside the workspace")
		}
	}
	if err := AtomicWrite(resolved, data, 0o644); err != nil {
		s.logger.Warn("write %s failed: %v", resolved, err)
		return fmt.Errorf("Failed to write file: %s", filepath.Base(p))
	}
	return nil
}
