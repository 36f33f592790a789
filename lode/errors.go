package lode

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"syscall"
)

// Storage failure kinds. A *StorageError matches its kind with errors.Is.
var (
	ErrPermissionDenied = errors.New("permission denied")
	ErrNotFound         = errors.New("not found")
	ErrDiskFull         = errors.New("no space left on device")
	ErrTimeout          = errors.New("operation timed out")
	ErrThrottled        = errors.New("rate limited")
	// ErrAuth means no usable credentials; ErrAccessDenied means the
	// credentials work but lack the permission.
	ErrAuth         = errors.New("authentication failed")
	ErrAccessDenied = errors.New("access denied")
	ErrNetwork      = errors.New("network error")

	errUnclassified = errors.New("storage error")
)

// StorageError is a failed store operation with its kind.
type StorageError struct {
	Kind error
	// Op is one of "init", "read", "write" or "list".
	Op   string
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s %s: %v: %v", e.Op, e.Path, e.Kind, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Is matches the error's kind, so errors.Is(err, ErrNotFound) works
// without unwrapping to the cause.
func (e *StorageError) Is(target error) bool { return e.Kind == target }

// NewStorageError creates a storage error of the given kind.
func NewStorageError(kind error, op, path string, err error) *StorageError {
	return &StorageError{Kind: kind, Op: op, Path: path, Err: err}
}

func wrap(op string, err error, path string) error {
	if err == nil {
		return nil
	}
	return NewStorageError(classifyError(err), op, path, err)
}

// WrapWriteError classifies a write failure. Nil stays nil.
func WrapWriteError(err error, path string) error { return wrap("write", err, path) }

// WrapReadError classifies a read failure. Nil stays nil.
func WrapReadError(err error, path string) error { return wrap("read", err, path) }

// WrapInitError classifies a store construction failure. Nil stays nil.
func WrapInitError(err error, target string) error { return wrap("init", err, target) }

// Transient reports whether err is a storage failure that may clear on its
// own: timeouts, throttling and network errors.
func Transient(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrThrottled) || errors.Is(err, ErrNetwork)
}

// typedKinds are checked before any message matching.
var typedKinds = []struct {
	target error
	kind   error
}{
	{context.DeadlineExceeded, ErrTimeout},
	{fs.ErrNotExist, ErrNotFound},
	{fs.ErrPermission, ErrPermissionDenied},
	{syscall.ENOSPC, ErrDiskFull},
	{syscall.EDQUOT, ErrDiskFull},
	{syscall.ECONNREFUSED, ErrNetwork},
}

// messageKinds are matched in order against the lowercased message; S3
// and the AWS SDK report most failures only as text. Access denial comes
// before permission denial since S3 messages can contain both.
var messageKinds = []struct {
	kind     error
	patterns []string
}{
	{ErrAccessDenied, []string{"accessdenied", "forbidden", "403"}},
	{ErrPermissionDenied, []string{"permission denied", "eacces"}},
	{ErrNotFound, []string{"no such file", "does not exist", "not found", "enoent", "404", "nosuchkey", "nosuchbucket"}},
	{ErrDiskFull, []string{"no space left", "disk full", "enospc", "quota exceeded"}},
	{ErrTimeout, []string{"timeout", "timed out", "deadline exceeded"}},
	{ErrThrottled, []string{"slowdown", "rate exceeded", "throttl", "429", "toomanyrequests"}},
	{ErrAuth, []string{"nocredentialproviders", "credentials", "invalidaccesskeyid", "signaturedoesnotmatch", "expiredtoken", "401", "unauthorized"}},
	{ErrNetwork, []string{"connection refused", "no route to host", "network unreachable", "dns", "dial tcp"}},
}

func classifyError(err error) error {
	if err == nil {
		return nil
	}
	var timeout interface{ Timeout() bool }
	if errors.As(err, &timeout) && timeout.Timeout() {
		return ErrTimeout
	}
	for _, k := range typedKinds {
		if errors.Is(err, k.target) {
			return k.kind
		}
	}

	msg := strings.ToLower(err.Error())
	for _, k := range messageKinds {
		for _, p := range k.patterns {
			if strings.Contains(msg, p) {
				return k.kind
			}
		}
	}
	return errUnclassified
}
