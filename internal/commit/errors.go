// Package commit implements the transactional file committer (spec
// component C5): every batch of downloaded XML lands in a staging
// directory first, is copied to every target path it belongs in with
// an existence check per target (so a crash mid-commit is safe to
// replay), and only then is the transaction record retired to
// completed/. Unfinished transactions left in pending/ at process
// start are replayed before any new work begins.
package commit

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for classifying commit failures. Use errors.Is for
// typed assertions.
var (
	// ErrPermissionDenied indicates a permission/access failure (EACCES, 403).
	ErrPermissionDenied = errors.New("permission denied")

	// ErrNotFound indicates the target path/resource does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDiskFull indicates storage is out of space (ENOSPC).
	ErrDiskFull = errors.New("no space left on device")

	// ErrTimeout indicates an operation timed out.
	ErrTimeout = errors.New("operation timed out")

	// ErrThrottled indicates S3 rate limiting (429, SlowDown).
	ErrThrottled = errors.New("rate limited")

	// ErrAuth indicates an S3 authentication/credential failure.
	ErrAuth = errors.New("authentication failed")

	// ErrAccessDenied indicates an S3 authorization failure.
	ErrAccessDenied = errors.New("access denied")

	// ErrNetwork indicates a network-level failure reaching the S3 mirror.
	ErrNetwork = errors.New("network error")

	// ErrCorruptTransaction indicates a transaction record in pending/
	// could not be decoded during recovery.
	ErrCorruptTransaction = errors.New("corrupt transaction record")
)

// CommitError wraps an underlying error with commit-stage classification.
type CommitError struct {
	Kind error
	Op   string
	Path string
	Err  error
}

func (e *CommitError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s %s: %v: %v", e.Op, e.Path, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As chain traversal.
func (e *CommitError) Unwrap() error { return e.Err }

// Is reports whether the error matches the target sentinel.
func (e *CommitError) Is(target error) bool { return errors.Is(e.Kind, target) }

// wrapErr classifies and wraps err, or returns nil if err is nil.
func wrapErr(op, path string, err error) error {
	if err == nil {
		return nil
	}
	return &CommitError{Kind: classifyError(err), Op: op, Path: path, Err: err}
}

// errorPattern pairs a set of message substrings with a sentinel error.
// Order matters: more-specific patterns must appear before general ones.
type errorPattern struct {
	patterns []string
	kind     error
}

// classifierTable is a declarative list of error message patterns,
// checked in order; the first match wins.
var classifierTable = []errorPattern{
	{[]string{"AccessDenied", "Forbidden", "403"}, ErrAccessDenied},
	{[]string{"permission denied", "EACCES"}, ErrPermissionDenied},
	{[]string{"no such file", "does not exist", "not found", "ENOENT", "404", "NoSuchKey"}, ErrNotFound},
	{[]string{"no space left", "disk full", "ENOSPC", "quota exceeded"}, ErrDiskFull},
	{[]string{"timeout", "timed out", "deadline exceeded"}, ErrTimeout},
	{[]string{"SlowDown", "rate exceeded", "throttl", "429", "TooManyRequests"}, ErrThrottled},
	{[]string{"NoCredentialProviders", "credentials", "InvalidAccessKeyId",
		"SignatureDoesNotMatch", "ExpiredToken", "401", "Unauthorized"}, ErrAuth},
	{[]string{"connection refused", "no route to host", "network unreachable",
		"DNS", "dial tcp", "i/o timeout"}, ErrNetwork},
}

func classifyError(err error) error {
	if err == nil {
		return nil
	}
	var timeoutErr interface{ Timeout() bool }
	if errors.As(err, &timeoutErr) && timeoutErr.Timeout() {
		return ErrTimeout
	}
	errStr := err.Error()
	for _, entry := range classifierTable {
		if containsAny(errStr, entry.patterns...) {
			return entry.kind
		}
	}
	return errors.New("commit error")
}

func containsAny(s string, substrs ...string) bool {
	lower := strings.ToLower(s)
	for _, sub := range substrs {
		if strings.Contains(lower, strings.ToLower(sub)) {
			return true
		}
	}
	return false
}
