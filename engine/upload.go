package engine

import (
	"os"
	"path/filepath"
	"strings"
)

// UploadResolver maps an upload id to a readable local file.
type UploadResolver interface {
	Resolve(uploadID string) (path string, ok bool)
}

// DirResolver resolves upload ids to regular files directly under Dir.
type DirResolver struct {
	Dir string
}

// Resolve implements UploadResolver. Ids that would escape Dir are
// rejected.
func (r DirResolver) Resolve(uploadID string) (string, bool) {
	id := strings.TrimSpace(uploadID)
	if r.Dir == "" || id == "" || id != filepath.Base(id) || id == "." || id == ".." {
		return "", false
	}
	path := filepath.Join(r.Dir, id)
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return "", false
	}
	return path, true
}
