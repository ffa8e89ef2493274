package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorType represents different categories of errors.
type ErrorType string

const (
	ErrorTypeValidation ErrorType = "validation"
	ErrorTypeIO         ErrorType = "io"
	ErrorTypeNetwork    ErrorType = "network"
	ErrorTypeBuild      ErrorType = "build"
	ErrorTypeConfig     ErrorType = "config"
	ErrorTypeInternal   ErrorType = "internal"

	// Pipeline error categories.
	ErrorTypeResolve   ErrorType = "resolve"
	ErrorTypeLoad      ErrorType = "load"
	ErrorTypeTransform ErrorType = "transform"
)

// KilnError is a structured error type with context.
type KilnError struct {
	Type    ErrorType
	Code    string
	Message string
	Cause   error
	Context map[string]interface{}

	// Plugin is the name of the plugin whose hook failed, if any.
	Plugin string
	// ID is the module id being processed when the error happened.
	ID string
	// Importer is the module that referenced ID, for resolve errors.
	Importer string

	FilePath string
	Line     int
	Column   int
	// Frame is a rendered code frame around Line/Column.
	Frame string

	Recoverable bool
}

// Error implements the error interface.
func (e *KilnError) Error() string {
	var parts []string

	if e.Type == ErrorTypeInternal {
		parts = append(parts, "[internal]")
	}

	if e.Code != "" {
		parts = append(parts, fmt.Sprintf("[%s]", e.Code))
	}

	if e.Plugin != "" {
		parts = append(parts, "plugin:"+e.Plugin)
	}

	if e.FilePath != "" {
		location := e.FilePath
		if e.Line > 0 {
			location += fmt.Sprintf(":%d", e.Line)
			if e.Column > 0 {
				location += fmt.Sprintf(":%d", e.Column)
			}
		}
		parts = append(parts, location)
	} else if e.ID != "" {
		parts = append(parts, e.ID)
	}

	parts = append(parts, e.Message)

	result := strings.Join(parts, " ")

	if e.Cause != nil {
		result += fmt.Sprintf(": %v", e.Cause)
	}

	return result
}

// Unwrap returns the underlying cause error.
func (e *KilnError) Unwrap() error {
	return e.Cause
}

// Is implements error comparison.
func (e *KilnError) Is(target error) bool {
	var t *KilnError
	if errors.As(target, &t) {
		return e.Type == t.Type && e.Code == t.Code
	}

	return false
}

// Internal reports whether the error signals a pipeline bug rather than a
// problem in user source.
func (e *KilnError) Internal() bool {
	return e.Type == ErrorTypeInternal
}

// WithContext adds context information to the error.
func (e *KilnError) WithContext(key string, value interface{}) *KilnError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value

	return e
}

// WithLocation adds file location information.
func (e *KilnError) WithLocation(filePath string, line, column int) *KilnError {
	e.FilePath = filePath
	e.Line = line
	e.Column = column

	return e
}

// WithPlugin attributes the error to a plugin and module id. Existing
// attribution is kept so the innermost failing hook wins.
func (e *KilnError) WithPlugin(plugin, id string) *KilnError {
	if e.Plugin == "" {
		e.Plugin = plugin
	}
	if e.ID == "" {
		e.ID = id
	}

	return e
}

// WithFrame attaches a code frame rendered from source.
func (e *KilnError) WithFrame(source string) *KilnError {
	if e.Line > 0 && e.Frame == "" {
		e.Frame = CodeFrame(source, e.Line, e.Column)
	}

	return e
}

// NewValidationError reports bad user input.
func NewValidationError(code, message string) *KilnError {
	return &KilnError{
		Type:        ErrorTypeValidation,
		Code:        code,
		Message:     message,
		Recoverable: true,
	}
}

// NewBuildError reports a production build failure.
func NewBuildError(code, message string, cause error) *KilnError {
	return &KilnError{
		Type:        ErrorTypeBuild,
		Code:        code,
		Message:     message,
		Cause:       cause,
		Recoverable: true,
	}
}

// NewConfigError reports an unusable configuration.
func NewConfigError(code, message string) *KilnError {
	return &KilnError{
		Type:        ErrorTypeConfig,
		Code:        code,
		Message:     message,
		Recoverable: false,
	}
}

// NewInternalError creates an invariant violation error.
func NewInternalError(code, message string, cause error) *KilnError {
	return &KilnError{
		Type:        ErrorTypeInternal,
		Code:        code,
		Message:     message,
		Cause:       cause,
		Recoverable: false,
	}
}

// NewResolveError reports a specifier that no plugin could map to an id.
func NewResolveError(specifier, importer string) *KilnError {
	msg := fmt.Sprintf("module not found: %q", specifier)
	if importer != "" {
		msg += " imported by " + importer
	}

	return &KilnError{
		Type:        ErrorTypeResolve,
		Code:        ErrCodeModuleNotFound,
		Message:     msg,
		ID:          specifier,
		Importer:    importer,
		Recoverable: true,
	}
}

// NewLoadError reports a resolved id whose content is unavailable.
func NewLoadError(url, id string, cause error) *KilnError {
	return &KilnError{
		Type:        ErrorTypeLoad,
		Code:        ErrCodeLoadURL,
		Message:     fmt.Sprintf("failed to load url %s (resolved id: %s)", url, id),
		Cause:       cause,
		ID:          id,
		Recoverable: true,
	}
}

// NewTransformError wraps a failure raised by a plugin hook.
func NewTransformError(plugin, id string, cause error) *KilnError {
	return &KilnError{
		Type:        ErrorTypeTransform,
		Code:        ErrCodeTransformFailed,
		Message:     "transform failed",
		Cause:       cause,
		Plugin:      plugin,
		ID:          id,
		Recoverable: true,
	}
}

// IsRecoverable checks if an error is recoverable.
func IsRecoverable(err error) bool {
	var ke *KilnError
	if errors.As(err, &ke) {
		return ke.Recoverable
	}

	return false
}

// IsInternal checks if an error is an invariant violation.
func IsInternal(err error) bool {
	var ke *KilnError
	if errors.As(err, &ke) {
		return ke.Type == ErrorTypeInternal
	}

	return false
}

// IsResolveError checks if an error is a resolution failure.
func IsResolveError(err error) bool {
	return hasType(err, ErrorTypeResolve)
}

// IsLoadError checks if an error is a load failure.
func IsLoadError(err error) bool {
	return hasType(err, ErrorTypeLoad)
}

// IsTransformError checks if an error came from a transform hook.
func IsTransformError(err error) bool {
	return hasType(err, ErrorTypeTransform)
}

// IsBuildError checks if an error is build-related.
func IsBuildError(err error) bool {
	return hasType(err, ErrorTypeBuild)
}

func hasType(err error, t ErrorType) bool {
	var ke *KilnError
	if errors.As(err, &ke) {
		return ke.Type == t
	}

	return false
}

// As is a convenience wrapper returning the outermost KilnError in err's chain.
func As(err error) (*KilnError, bool) {
	var ke *KilnError
	if errors.As(err, &ke) {
		return ke, true
	}

	return nil, false
}

// ErrorHandler logs errors at a severity chosen by their type.
type ErrorHandler struct {
	logger Logger
}

// Logger is the subset of logging.Logger the handler needs.
type Logger interface {
	Error(ctx context.Context, err error, msg string, fields ...interface{})
	Warn(ctx context.Context, err error, msg string, fields ...interface{})
}

func NewErrorHandler(logger Logger) *ErrorHandler {
	return &ErrorHandler{logger: logger}
}

// Handle logs an error according to its category.
func (h *ErrorHandler) Handle(ctx context.Context, err error) {
	if err == nil || h.logger == nil {
		return
	}

	var ke *KilnError
	if !errors.As(err, &ke) {
		h.logger.Error(ctx, err, "Unhandled error occurred")
		return
	}

	switch ke.Type {
	case ErrorTypeInternal:
		h.logger.Error(ctx, err, "Internal error, this is a bug in kiln or a plugin",
			"code", ke.Code,
			"plugin", ke.Plugin,
			"id", ke.ID)
	case ErrorTypeResolve, ErrorTypeLoad, ErrorTypeTransform:
		h.logger.Warn(ctx, err, "Compile error",
			"type", ke.Type,
			"plugin", ke.Plugin,
			"id", ke.ID,
			"file", ke.FilePath)
	default:
		h.logger.Error(ctx, err, "Error occurred",
			"type", ke.Type,
			"code", ke.Code)
	}
}

// Error codes.
const (
	ErrCodeInvalidPath       = "ERR_INVALID_PATH"
	ErrCodePathTraversal     = "ERR_PATH_TRAVERSAL"
	ErrCodeModuleNotFound    = "ERR_MODULE_NOT_FOUND"
	ErrCodeLoadURL           = "ERR_LOAD_URL"
	ErrCodeTransformFailed   = "ERR_TRANSFORM_FAILED"
	ErrCodeBuildFailed       = "ERR_BUILD_FAILED"
	ErrCodeConfigInvalid     = "ERR_CONFIG_INVALID"
	ErrCodeFileNotFound      = "ERR_FILE_NOT_FOUND"
	ErrCodeFileAccess        = "ERR_FILE_ACCESS"
	ErrCodeDescriptorMissing = "ERR_DESCRIPTOR_MISSING"
	ErrCodeInternalError     = "ERR_INTERNAL"
)

// ErrInvalidPath rejects a path with shell metacharacters.
func ErrInvalidPath(path string) *KilnError {
	return NewValidationError(ErrCodeInvalidPath, "invalid path: "+path)
}

// ErrPathTraversal rejects a path that climbs out of its base.
func ErrPathTraversal(path string) *KilnError {
	return NewValidationError(ErrCodePathTraversal, "path traversal attempt: "+path)
}

