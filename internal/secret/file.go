package secret

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DefaultSecretDir is the conventional container secret mount point
const DefaultSecretDir = "/run/secrets"

// FileProvider resolves secrets from files under a single directory,
// typically a container secret mount. The secret name is the file name;
// trailing whitespace is trimmed so newline-terminated secret files
// round-trip cleanly.
type FileProvider struct {
	dir string
}

// NewFileProvider creates a file provider rooted at dir
// (DefaultSecretDir when empty)
func NewFileProvider(dir string) *FileProvider {
	if dir == "" {
		dir = DefaultSecretDir
	}
	return &FileProvider{dir: dir}
}

func (p *FileProvider) Name() string { return "file" }

func (p *FileProvider) Resolve(_ context.Context, name string) (string, error) {
	// Secret names are plain identifiers; path syntax means something is
	// trying to escape the secret directory
	if strings.ContainsAny(name, `/\`) || strings.Contains(name, "..") {
		return "", fmt.Errorf("secret name %q contains path separators", name)
	}

	data, err := os.ReadFile(filepath.Join(p.dir, name))
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("failed to read secret %q: %w", name, err)
	}

	return strings.TrimRight(string(data), "\r\n"), nil
}
