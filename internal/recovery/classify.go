package recovery

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"strings"
	"syscall"
)

// Category buckets an error for retry and quarantine decisions.
type Category string

const (
	CategoryTransientFilesystem   Category = "transient_filesystem"
	CategoryTransientNetwork      Category = "transient_network"
	CategoryPermanentPermission   Category = "permanent_permission"
	CategoryPermanentVerification Category = "permanent_verification"
	CategoryResourceExhaustion    Category = "resource_exhaustion"
	CategoryConfiguration         Category = "configuration"
)

// Retryable reports whether the category participates in backoff retries.
func (c Category) Retryable() bool {
	switch c {
	case CategoryTransientFilesystem, CategoryTransientNetwork, CategoryResourceExhaustion:
		return true
	default:
		return false
	}
}

// Sentinel markers tagged onto errors via Wrap for later classification.
var (
	ErrVerificationMismatch = errors.New("verification mismatch")
	ErrConfiguration        = errors.New("configuration error")
	ErrResourceExhausted    = errors.New("resource exhausted")
	ErrPartialCommit        = errors.New("partial commit")
	// ErrCircuitOpen is returned when a destination's breaker rejects work
	// before any I/O is attempted.
	ErrCircuitOpen = errors.New("destination circuit open")
)

// Wrap builds an error that includes component context while tagging it with
// the provided marker. A nil marker leaves classification to errno inspection.
func Wrap(marker error, component, operation string, err error) error {
	detail := component
	if operation != "" {
		detail = component + ": " + operation
	}
	if marker != nil {
		if err != nil {
			return fmt.Errorf("%w: %s: %w", marker, detail, err)
		}
		return fmt.Errorf("%w: %s", marker, detail)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", detail, err)
	}
	return errors.New(detail)
}

// Classify maps an error to its category. Unknown errors are treated as
// transient filesystem faults so they get a bounded number of retries rather
// than an instant quarantine.
func Classify(err error) Category {
	if err == nil {
		return CategoryTransientFilesystem
	}
	switch {
	case errors.Is(err, ErrVerificationMismatch):
		return CategoryPermanentVerification
	case errors.Is(err, ErrConfiguration):
		return CategoryConfiguration
	case errors.Is(err, ErrResourceExhausted):
		return CategoryResourceExhaustion
	case errors.Is(err, ErrCircuitOpen):
		return CategoryTransientNetwork
	}

	var errno syscall.Errno
	if errors.As(err, &errno) {
		if cat, ok := classifyErrno(errno); ok {
			return cat
		}
	}

	if errors.Is(err, fs.ErrPermission) {
		return CategoryPermanentPermission
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return CategoryTransientNetwork
	}
	if os.IsTimeout(err) {
		return CategoryTransientNetwork
	}
	if isSharingViolation(err) {
		return CategoryTransientFilesystem
	}
	return CategoryTransientFilesystem
}

func classifyErrno(errno syscall.Errno) (Category, bool) {
	switch errno {
	case syscall.EACCES, syscall.EPERM, syscall.EROFS:
		return CategoryPermanentPermission, true
	case syscall.ENOSPC, syscall.EDQUOT, syscall.EMFILE, syscall.ENFILE:
		return CategoryResourceExhaustion, true
	case syscall.ECONNRESET, syscall.ECONNREFUSED, syscall.ENETUNREACH,
		syscall.ENETDOWN, syscall.EHOSTUNREACH, syscall.EHOSTDOWN, syscall.ETIMEDOUT:
		return CategoryTransientNetwork, true
	case syscall.EAGAIN, syscall.EBUSY, syscall.ETXTBSY, syscall.EINTR, syscall.ESTALE:
		return CategoryTransientFilesystem, true
	default:
		return "", false
	}
}

func isSharingViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "sharing violation") ||
		strings.Contains(msg, "used by another process") ||
		strings.Contains(msg, "file is locked")
}
