package static

import (
	"embed"
	"io/fs"
)

//go:embed assets
var assets embed.FS

// Assets returns the web interface that is built into the binary, rooted at the
// directory containing index.html.
func Assets() fs.FS {
	sub, err := fs.Sub(assets, "assets")
	if err != nil {
		panic(err)
	}
	return sub
}
