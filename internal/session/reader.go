package session

import (
	"context"
	"io"
	"os"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	kerrors "github.com/conneroisu/kiln/internal/errors"
)

// FileReader reads a file's raw content.
type FileReader func(ctx context.Context, path string) ([]byte, error)

// ReadFile reads path as UTF-8 source. A UTF-8 or UTF-16 byte order mark is
// honoured and stripped so lexers and source maps see the same text the
// editor shows.
func ReadFile(ctx context.Context, path string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, kerrors.WrapIO(err, kerrors.ErrCodeFileNotFound, "file not found: "+path)
		}
		return nil, kerrors.WrapIO(err, kerrors.ErrCodeFileAccess, "cannot read "+path)
	}
	defer f.Close()

	decoder := unicode.BOMOverride(unicode.UTF8.NewDecoder())
	data, err := io.ReadAll(transform.NewReader(f, decoder))
	if err != nil {
		return nil, kerrors.WrapIO(err, kerrors.ErrCodeFileAccess, "cannot decode "+path)
	}
	return data, nil
}
