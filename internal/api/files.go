package api

import (
	"io/fs"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gin-gonic/gin"
)

const maxFileResults = 500

// listFiles lists the directories under root, for the cwd picker.
func (s *Server) listFiles(c *gin.Context) {
	root := c.Query("path")
	if root == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			fail(c, err)
			return
		}
		root = home
	}
	if !filepath.IsAbs(root) {
		renderError(c, http.StatusBadRequest, "validation_error", "path must be absolute")
		return
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		fail(c, err)
		return
	}

	type entry struct {
		Name string `json:"name"`
		Path string `json:"path"`
		Dir  bool   `json:"dir"`
	}
	out := make([]entry, 0, len(entries))
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".") {
			continue
		}
		out = append(out, entry{
			Name: e.Name(),
			Path: filepath.Join(root, e.Name()),
			Dir:  e.IsDir(),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Dir != out[j].Dir {
			return out[i].Dir
		}
		return out[i].Name < out[j].Name
	})
	c.JSON(http.StatusOK, gin.H{"path": root, "entries": out})
}

// searchFiles matches workspace file paths against a substring query for
// @-mention completion. ripgrep enumerates the tree so ignore rules apply;
// without it a plain walk skips dotted and vendored directories.
func (s *Server) searchFiles(c *gin.Context) {
	root := c.Query("root")
	query := strings.ToLower(c.Query("q"))
	if root == "" || !filepath.IsAbs(root) {
		renderError(c, http.StatusBadRequest, "validation_error", "root must be an absolute path")
		return
	}

	files, err := enumerateFiles(root)
	if err != nil {
		fail(c, err)
		return
	}

	matches := make([]string, 0, 64)
	for _, f := range files {
		if query == "" || strings.Contains(strings.ToLower(f), query) {
			matches = append(matches, f)
			if len(matches) >= maxFileResults {
				break
			}
		}
	}
	c.JSON(http.StatusOK, gin.H{"root": root, "files": matches})
}

func enumerateFiles(root string) ([]string, error) {
	if rg, err := exec.LookPath("rg"); err == nil {
		out, err := exec.Command(rg, "--files", root).Output()
		if err == nil {
			var files []string
			for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
				if line == "" {
					continue
				}
				if rel, err := filepath.Rel(root, line); err == nil {
					files = append(files, rel)
				}
			}
			return files, nil
		}
	}
	return walkFiles(root)
}

func walkFiles(root string) ([]string, error) {
	var files []string
	skip := map[string]bool{"node_modules": true, "vendor": true, "target": true}

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		name := d.Name()
		if d.IsDir() {
			if path != root && (strings.HasPrefix(name, ".") || skip[name]) {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(name, ".") {
			return nil
		}
		if rel, err := filepath.Rel(root, path); err == nil {
			files = append(files, rel)
		}
		if len(files) >= maxFileResults*4 {
			return filepath.SkipAll
		}
		return nil
	})
	return files, err
}
