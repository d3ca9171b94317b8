package main

import (
	"errors"
	"fmt"
	"html"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

var ErrNotFound = errors.New("not found")

// DirectoryRenderer renders the immediate children of a home-relative
// directory as a list of links.
type DirectoryRenderer struct {
	home    string
	baseURL string // replaces home in links, e.g. http://localhost:9876
}

func NewDirectoryRenderer(home, baseURL string) *DirectoryRenderer {
	return &DirectoryRenderer{home: home, baseURL: strings.TrimSuffix(baseURL, "/")}
}

type dirEntry struct {
	name  string
	isDir bool
}

// Render lists cwd without descending into subdirectories.
func (d *DirectoryRenderer) Render(cwd string) (string, error) {
	cwd = normalizeCwd(cwd)
	dir := filepath.Join(d.home, filepath.FromSlash(cwd))

	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("%w: directory %s: %v", ErrNotFound, cwd, err)
	}

	items := make([]dirEntry, 0, len(entries))
	for _, entry := range entries {
		isDir := entry.IsDir()
		if entry.Type()&os.ModeSymlink != 0 {
			// Follow symlinks so linked directories are browsable.
			if info, err := os.Stat(filepath.Join(dir, entry.Name())); err == nil {
				isDir = info.IsDir()
			}
		}
		items = append(items, dirEntry{name: entry.Name(), isDir: isDir})
	}

	// Directories first, then files, case-insensitive within each group
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].isDir != items[j].isDir {
			return items[i].isDir
		}
		return strings.ToUpper(items[i].name) < strings.ToUpper(items[j].name)
	})

	links := make([]string, 0, len(items))
	for _, item := range items {
		href := d.baseURL + cwd + url.PathEscape(item.name)
		name := html.EscapeString(item.name)
		if item.isDir {
			links = append(links, fmt.Sprintf(`<a href="%s/"><b>📁&nbsp;%s</b></a>`, href, name))
		} else {
			links = append(links, fmt.Sprintf(`<a href="%s">📄&nbsp;%s</a>`, href, name))
		}
	}
	return strings.Join(links, "<br>\n"), nil
}
