// Package hmr decides what the browser must do after a file changes and
// sends the decision to connected clients.
package hmr

import (
	"context"
	"errors"

	kerrors "github.com/conneroisu/kiln/internal/errors"
)

// PayloadType is the message kind on the HMR channel.
type PayloadType string

const (
	PayloadConnected  PayloadType = "connected"
	PayloadUpdate     PayloadType = "update"
	PayloadFullReload PayloadType = "full-reload"
	PayloadPrune      PayloadType = "prune"
	PayloadError      PayloadType = "error"
)

// UpdateType says how the client re-applies a boundary.
type UpdateType string

const (
	JSUpdate  UpdateType = "js-update"
	CSSUpdate UpdateType = "css-update"
)

// Update is one boundary the client re-imports.
type Update struct {
	Type UpdateType `json:"type"`
	// Path is the boundary module's URL.
	Path string `json:"path"`
	// AcceptedPath is the module the boundary accepted the change through.
	AcceptedPath string `json:"acceptedPath"`
	Timestamp    int64  `json:"timestamp"`
}

// ErrorInfo is the overlay-facing shape of a compile error.
type ErrorInfo struct {
	Message string `json:"message"`
	Plugin  string `json:"plugin,omitempty"`
	ID      string `json:"id,omitempty"`
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
	Column  int    `json:"column,omitempty"`
	Frame   string `json:"frame,omitempty"`
}

// Payload is one message sent to every client.
type Payload struct {
	Type    PayloadType `json:"type"`
	Updates []Update    `json:"updates,omitempty"`
	// Path narrows a full reload to one page; "*" or empty reloads all.
	Path  string     `json:"path,omitempty"`
	Paths []string   `json:"paths,omitempty"`
	Err   *ErrorInfo `json:"err,omitempty"`
}

// Broadcaster delivers payloads to connected clients.
type Broadcaster interface {
	Broadcast(ctx context.Context, p Payload)
}

// BroadcasterFunc adapts a function to Broadcaster.
type BroadcasterFunc func(ctx context.Context, p Payload)

// Broadcast calls f.
func (f BroadcasterFunc) Broadcast(ctx context.Context, p Payload) { f(ctx, p) }

// FullReload builds a reload payload for path.
func FullReload(path string) Payload {
	return Payload{Type: PayloadFullReload, Path: path}
}

// ErrorPayload converts err for the client overlay.
func ErrorPayload(err error) Payload {
	info := &ErrorInfo{Message: err.Error()}
	var ke *kerrors.KilnError
	if errors.As(err, &ke) {
		info.Message = ke.Message
		if ke.Cause != nil {
			if info.Message == "" {
				info.Message = ke.Cause.Error()
			} else {
				info.Message += ": " + ke.Cause.Error()
			}
		}
		info.Plugin = ke.Plugin
		info.ID = ke.ID
		info.File = ke.FilePath
		info.Line = ke.Line
		info.Column = ke.Column
		info.Frame = ke.Frame
	}
	return Payload{Type: PayloadError, Err: info}
}
