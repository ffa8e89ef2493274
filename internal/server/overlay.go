package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"

	"github.com/a-h/templ"

	kerrors "github.com/conneroisu/kiln/internal/errors"
	"github.com/conneroisu/kiln/internal/hmr"
	"github.com/conneroisu/kiln/internal/plugins/builtin"
)

const overlayStyle = `body{margin:0;background:#181818;color:#d8d8d8;font:14px/1.5 ui-monospace,monospace}
main{max-width:960px;margin:40px auto;padding:24px;border-top:4px solid #ff5555;background:#222}
h1{color:#ff5555;font-size:16px;white-space:pre-wrap;margin:0 0 12px}
.file{color:#2dd9da}
pre{background:#111;padding:12px;overflow:auto;color:#f8f8a0}`

// overlay renders a compile error as a full page. The client script is
// included so the page recovers on the next successful update.
func overlay(err error) templ.Component {
	info := hmr.ErrorPayload(err).Err
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		title := info.Message
		if info.Plugin != "" {
			title = "[plugin:" + info.Plugin + "] " + title
		}
		if _, err := fmt.Fprintf(w,
			`<!DOCTYPE html><html><head><meta charset="utf-8"><title>Kiln error</title><style>%s</style>`+
				`<script type="module" src="%s"></script></head><body><main><h1>%s</h1>`,
			overlayStyle, templ.EscapeString(builtin.ClientURL), templ.EscapeString(title)); err != nil {
			return err
		}
		if loc := location(info); loc != "" {
			if _, err := fmt.Fprintf(w, `<div class="file">%s</div>`, templ.EscapeString(loc)); err != nil {
				return err
			}
		}
		if info.Frame != "" {
			if _, err := fmt.Fprintf(w, `<pre>%s</pre>`, templ.EscapeString(info.Frame)); err != nil {
				return err
			}
		}
		_, err := io.WriteString(w, `</main></body></html>`)
		return err
	})
}

func location(info *hmr.ErrorInfo) string {
	id := info.ID
	if id == "" {
		id = info.File
	}
	if id == "" {
		return ""
	}
	if info.Line > 0 {
		return fmt.Sprintf("%s:%d:%d", id, info.Line, info.Column)
	}
	return id
}

// statusFor maps an error to the response status.
func statusFor(err error) int {
	if kerrors.IsResolveError(err) {
		return http.StatusNotFound
	}
	if errors.Is(err, fs.ErrNotExist) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func serveOverlay(w http.ResponseWriter, r *http.Request, err error) {
	templ.Handler(overlay(err), templ.WithStatus(statusFor(err))).ServeHTTP(w, r)
}
