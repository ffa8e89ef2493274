package session

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/conneroisu/kiln/internal/build"
	kerrors "github.com/conneroisu/kiln/internal/errors"
)

// crawlWorkers bounds concurrent requests during a crawl.
const crawlWorkers = 8

// Entries returns the configured build entries, or the module scripts of
// the root index.html.
func (s *Session) Entries(ctx context.Context) ([]string, error) {
	if len(s.Config.Build.Entries) > 0 {
		out := make([]string, 0, len(s.Config.Build.Entries))
		for _, e := range s.Config.Build.Entries {
			if e != "" && e[0] != '/' {
				e = "/" + e
			}
			out = append(out, e)
		}
		return out, nil
	}

	data, err := s.read(ctx, filepath.Join(s.Config.Root, "index.html"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	doc, err := build.ParseHTML(bytes.NewReader(data))
	if err != nil {
		return nil, kerrors.Wrap(err, kerrors.ErrorTypeBuild, kerrors.ErrCodeBuildFailed, "parse index.html")
	}
	return build.ModuleScripts(doc), nil
}

// Crawl requests urls and everything they import, filling the module
// graph. Failing modules are skipped; their errors are joined and returned
// after the walk. Empty urls crawl from Entries.
func (s *Session) Crawl(ctx context.Context, urls []string) error {
	if len(urls) == 0 {
		entries, err := s.Entries(ctx)
		if err != nil {
			return err
		}
		urls = entries
	}

	seen := make(map[string]bool)
	var errs []error
	for frontier := urls; len(frontier) > 0; {
		var (
			mu   sync.Mutex
			next []string
		)
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(crawlWorkers)
		for _, url := range frontier {
			if seen[url] {
				continue
			}
			seen[url] = true
			g.Go(func() error {
				res, err := s.Pipeline.Request(gctx, url)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
						return err
					}
					errs = append(errs, err)
					return nil
				}
				if tr := res.Module.TransformResult(); tr != nil {
					next = append(next, tr.Deps...)
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
		frontier = next
	}
	return errors.Join(errs...)
}
