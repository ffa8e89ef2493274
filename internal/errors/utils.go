package errors

import (
	"errors"
	"strings"
)

// Wrap wraps an error with additional context, creating a KilnError if the input is not already one
func Wrap(err error, errType ErrorType, code, message string) *KilnError {
	if err == nil {
		return nil
	}

	// Keep location and attribution from an inner KilnError
	var ke *KilnError
	if errors.As(err, &ke) {
		return &KilnError{
			Type:        errType,
			Code:        code,
			Message:     message,
			Cause:       ke,
			Context:     ke.Context,
			Plugin:      ke.Plugin,
			ID:          ke.ID,
			Importer:    ke.Importer,
			FilePath:    ke.FilePath,
			Line:        ke.Line,
			Column:      ke.Column,
			Frame:       ke.Frame,
			Recoverable: ke.Recoverable,
		}
	}

	return &KilnError{
		Type:        errType,
		Code:        code,
		Message:     message,
		Cause:       err,
		Recoverable: errType != ErrorTypeInternal && errType != ErrorTypeConfig,
	}
}

// WrapIO wraps an error as an I/O error
func WrapIO(err error, code, message string) *KilnError {
	ke := Wrap(err, ErrorTypeIO, code, message)
	if ke != nil {
		ke.Recoverable = false
	}
	return ke
}

// WrapConfig wraps an error as a configuration error
func WrapConfig(err error, code, message string) *KilnError {
	ke := Wrap(err, ErrorTypeConfig, code, message)
	if ke != nil {
		ke.Recoverable = false
	}
	return ke
}

// WrapInternal wraps an error as an internal error
func WrapInternal(err error, code, message string) *KilnError {
	ke := Wrap(err, ErrorTypeInternal, code, message)
	if ke != nil {
		ke.Recoverable = false
	}
	return ke
}

// FormatError formats an error for user display, including the code frame
// when one is available.
func FormatError(err error) string {
	if err == nil {
		return ""
	}

	ke, ok := As(err)
	if !ok {
		return err.Error()
	}

	var b strings.Builder
	b.WriteString(ke.Error())
	if frame := findFrame(ke); frame != "" {
		b.WriteString("\n\n")
		b.WriteString(frame)
	}

	return b.String()
}

func findFrame(ke *KilnError) string {
	for cur := ke; cur != nil; {
		if cur.Frame != "" {
			return cur.Frame
		}
		next, ok := As(cur.Cause)
		if !ok {
			return ""
		}
		cur = next
	}

	return ""
}
