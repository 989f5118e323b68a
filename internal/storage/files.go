package storage

import (
	"fmt"
	"os"
	"path/filepath"

	"photoedit/internal/imageref"
)

const thumbSize = 256

// Files keeps image bytes on disk, one directory per project. Paths stored in
// the database are relative to the root so the root can move.
type Files struct {
	root string
}

func NewFiles(root string) *Files {
	return &Files{root: root}
}

func (f *Files) abs(rel string) string {
	return filepath.Join(f.root, rel)
}

// Write stores the image behind ref as <project>/<name>.jpg plus a thumbnail
// and returns both relative paths.
func (f *Files) Write(projectID, name, ref string) (path, thumb string, err error) {
	const op = "storage.Files.Write"
	if !safeName(projectID) || !safeName(name) {
		return "", "", fmt.Errorf("%s: bad name %q/%q", op, projectID, name)
	}
	data, _, err := imageref.Decode(ref)
	if err != nil {
		return "", "", fmt.Errorf("%s: %v", op, err)
	}
	path = filepath.Join(projectID, name+".jpg")
	if err := os.MkdirAll(filepath.Dir(f.abs(path)), 0755); err != nil {
		return "", "", fmt.Errorf("%s: %v", op, err)
	}
	if err := os.WriteFile(f.abs(path), data, 0644); err != nil {
		return "", "", fmt.Errorf("%s: %v", op, err)
	}

	small, err := imageref.Thumbnail(ref, thumbSize)
	if err != nil {
		// Not every stored reference decodes; the original is enough.
		return path, "", nil
	}
	thumb = filepath.Join(projectID, name+"_thumb.jpg")
	if err := os.WriteFile(f.abs(thumb), small, 0644); err != nil {
		return "", "", fmt.Errorf("%s: %v", op, err)
	}
	return path, thumb, nil
}

// Read returns the stored image as a reference.
func (f *Files) Read(rel string) (string, error) {
	const op = "storage.Files.Read"
	data, err := os.ReadFile(f.abs(rel))
	if err != nil {
		return "", fmt.Errorf("%s: %v", op, err)
	}
	return imageref.Encode(data), nil
}

// RemoveProject deletes every file of a project.
func (f *Files) RemoveProject(projectID string) error {
	if !safeName(projectID) {
		return fmt.Errorf("storage.Files.RemoveProject: bad project id %q", projectID)
	}
	return os.RemoveAll(f.abs(projectID))
}

func safeName(s string) bool {
	return s != "" && s != "." && s != ".." && filepath.Base(s) == s
}
