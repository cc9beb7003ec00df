// Package template discovers workflow definitions on disk. A template
// is any *.wirl file under the definitions root; its ID and display
// name are the file's stem.
package template

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Ext is the workflow definition file extension.
const Ext = ".wirl"

// Info describes one discovered template.
type Info struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Path string `json:"path"`
}

// Loader lists templates under a definitions root. Every call rescans
// the directory, so definitions added while the process runs are picked
// up without a restart.
type Loader struct {
	root string
}

// NewLoader creates a Loader rooted at the given directory.
func NewLoader(root string) *Loader {
	return &Loader{root: root}
}

// List returns all templates, sorted by ID. A missing root directory
// yields an empty list, not an error.
func (l *Loader) List() ([]Info, error) {
	infos := []Info{}

	err := filepath.WalkDir(l.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), Ext) {
			return nil
		}
		stem := strings.TrimSuffix(d.Name(), Ext)
		infos = append(infos, Info{ID: stem, Name: stem, Path: path})
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			return []Info{}, nil
		}
		return nil, fmt.Errorf("failed to scan %s: %w", l.root, err)
	}

	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos, nil
}

// Get returns the template whose ID or name matches, or false.
func (l *Loader) Get(name string) (Info, bool, error) {
	infos, err := l.List()
	if err != nil {
		return Info{}, false, err
	}
	for _, info := range infos {
		if info.ID == name || info.Name == name {
			return info, true, nil
		}
	}
	return Info{}, false, nil
}
