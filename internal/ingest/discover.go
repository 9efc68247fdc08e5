package ingest

import (
	"context"
	"io/fs"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"
)

// Layout is what discovery found in an extracted bundle.
type Layout struct {
	ManifestPath string
	// Artifacts are in lexical walk order, which makes "first artifact" stable.
	Artifacts []string
}

// discover locates the manifest and enumerates artifacts concurrently.
// The manifest is the first file in walk order with manifestExt, ignoring
// Office lock files. Extensions match case-insensitively.
func discover(ctx context.Context, root, manifestExt, artifactExt string) (*Layout, error) {
	var layout Layout
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		found, err := walkMatching(ctx, root, manifestExt, true)
		if err != nil {
			return err
		}
		if len(found) > 0 {
			layout.ManifestPath = found[0]
		}
		return nil
	})
	g.Go(func() error {
		found, err := walkMatching(ctx, root, artifactExt, false)
		if err != nil {
			return err
		}
		layout.Artifacts = found
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return &layout, nil
}

func walkMatching(ctx context.Context, root, ext string, firstOnly bool) ([]string, error) {
	var found []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		name := d.Name()
		if strings.HasPrefix(name, "~$") || !strings.EqualFold(filepath.Ext(name), ext) {
			return nil
		}
		found = append(found, path)
		if firstOnly {
			return fs.SkipAll
		}
		return nil
	})
	return found, err
}
