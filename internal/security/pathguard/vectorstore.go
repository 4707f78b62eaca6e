package pathguard

import (
	"os"
	"path/filepath"
	"strings"

	aferrors "agentflow/internal/errors"
)

// BlobStorageEnv names the environment variable that adds a second allowed
// storage root.
const BlobStorageEnv = "BLOB_STORAGE_PATH"

// StorageRoots lists where vector stores may live. Base is the
// per-installation data directory; Override is an optional extra root.
type StorageRoots struct {
	Base     string
	Override string
}

// DefaultStorageRoots resolves ~/.agentflow and BLOB_STORAGE_PATH.
func DefaultStorageRoots() StorageRoots {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = os.TempDir()
	}
	return StorageRoots{
		Base:     filepath.Join(home, ".agentflow"),
		Override: strings.TrimSpace(os.Getenv(BlobStorageEnv)),
	}
}

// DefaultVectorStorePath is returned for an empty request.
func (r StorageRoots) DefaultVectorStorePath() string {
	return filepath.Join(r.Base, "vectorstore")
}

func (r StorageRoots) allowed() []string {
	roots := []string{r.Base}
	if r.Override != "" {
		roots = append(roots, r.Override)
	}
	return roots
}

// ValidateVectorStorePath resolves a requested vector store location and
// returns its canonical absolute form. Relative paths resolve against Base.
func (r StorageRoots) ValidateVectorStorePath(p string) (string, error) {
	if strings.TrimSpace(p) == "" {
		return r.DefaultVectorStorePath(), nil
	}

	if IsPathTraversal(p) {
		return "", aferrors.NewInvalidFormat("path", "Invalid path: path traversal attempt detected")
	}
	if hasControlChars(p) {
		return "", aferrors.NewInvalidFormat("path", "Invalid path: path contains invalid characters")
	}

	var resolved string
	if filepath.IsAbs(p) {
		resolved = filepath.Clean(p)
	} else {
		resolved = filepath.Join(r.Base, p)
	}

	for _, root := range r.allowed() {
		if WithinBase(root, resolved) {
			return resolved, nil
		}
	}
	return "", aferrors.NewOutOfScope("path", "Invalid path: path must be within allowed directories")
}

// ValidateVectorStorePath validates p against the default roots.
func ValidateVectorStorePath(p string) (string, error) {
	return DefaultStorageRoots().ValidateVectorStorePath(p)
}
