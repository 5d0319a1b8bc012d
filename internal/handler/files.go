package handler

import (
	"io/fs"
	"net/http"
	"strings"
)

// Files serves the directory root below prefix. Directories without an
// index.html are reported as not found instead of being listed.
func Files(prefix, root string) http.Handler {
	return http.StripPrefix(prefix, http.FileServer(noListingFS{http.Dir(root)}))
}

type noListingFS struct {
	fs http.FileSystem
}

func (n noListingFS) Open(name string) (http.File, error) {
	f, err := n.fs.Open(name)
	if err != nil {
		return nil, err
	}

	stat, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	if stat.IsDir() {
		index, err := n.fs.Open(strings.TrimSuffix(name, "/") + "/index.html")
		if err != nil {
			_ = f.Close()
			return nil, fs.ErrNotExist
		}
		_ = index.Close()
	}
	return f, nil
}
