package errors

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// ModuleError records one failed module in a batch run.
type ModuleError struct {
	ID        string
	Err       error
	Timestamp time.Time
}

// Error implements the error interface
func (me *ModuleError) Error() string {
	return fmt.Sprintf("%s: %v", me.ID, me.Err)
}

// Unwrap returns the recorded error.
func (me *ModuleError) Unwrap() error {
	return me.Err
}

// ErrorCollector collects per-module errors from concurrent workers.
type ErrorCollector struct {
	errors []ModuleError
	mutex  sync.RWMutex
}

// NewErrorCollector creates a new error collector
func NewErrorCollector() *ErrorCollector {
	return &ErrorCollector{
		errors: make([]ModuleError, 0),
	}
}

// Add records an error for a module id
func (ec *ErrorCollector) Add(id string, err error) {
	if err == nil {
		return
	}
	ec.mutex.Lock()
	defer ec.mutex.Unlock()
	ec.errors = append(ec.errors, ModuleError{ID: id, Err: err, Timestamp: time.Now()})
}

// GetErrors returns collected errors sorted by module id
func (ec *ErrorCollector) GetErrors() []ModuleError {
	ec.mutex.RLock()
	defer ec.mutex.RUnlock()
	// Return a copy to avoid race conditions
	result := make([]ModuleError, len(ec.errors))
	copy(result, ec.errors)
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// HasErrors returns true if there are any errors
func (ec *ErrorCollector) HasErrors() bool {
	ec.mutex.RLock()
	defer ec.mutex.RUnlock()
	return len(ec.errors) > 0
}

// Len returns the number of collected errors
func (ec *ErrorCollector) Len() int {
	ec.mutex.RLock()
	defer ec.mutex.RUnlock()
	return len(ec.errors)
}

// Clear clears all errors
func (ec *ErrorCollector) Clear() {
	ec.mutex.Lock()
	defer ec.mutex.Unlock()
	ec.errors = ec.errors[:0]
}
