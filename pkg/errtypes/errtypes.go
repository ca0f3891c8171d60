// Package errtypes contains definitions for common errors.
// It would have been nice to call this package errors, err or error
// but errors clashes with github.com/pkg/errors, err is used for any error
// variable and error is a reserved word :)
package errtypes

import "net/http"

// NotFound is the error to use when a resource is not found.
type NotFound string

func (e NotFound) Error() string { return "error: not found: " + string(e) }

// IsNotFound implements the IsNotFound interface.
func (e NotFound) IsNotFound() {}

// StatusCode returns the HTTP status hint.
func (e NotFound) StatusCode() int { return http.StatusNotFound }

// Code returns the stable error code.
func (e NotFound) Code() string { return "NOT_FOUND" }

// PermissionDenied is the error to use when an identity lacks a required
// permission, path scope or storage ACL.
type PermissionDenied string

func (e PermissionDenied) Error() string { return "error: permission denied: " + string(e) }

// IsPermissionDenied implements the IsPermissionDenied interface.
func (e PermissionDenied) IsPermissionDenied() {}

// StatusCode returns the HTTP status hint.
func (e PermissionDenied) StatusCode() int { return http.StatusForbidden }

// Code returns the stable error code.
func (e PermissionDenied) Code() string { return "FORBIDDEN" }

// UserRequired is the error to use when the request carries no identity.
type UserRequired string

func (e UserRequired) Error() string { return "error: user required: " + string(e) }

// IsUserRequired implements the IsUserRequired interface.
func (e UserRequired) IsUserRequired() {}

// StatusCode returns the HTTP status hint.
func (e UserRequired) StatusCode() int { return http.StatusUnauthorized }

// Code returns the stable error code.
func (e UserRequired) Code() string { return "UNAUTHENTICATED" }

// BadRequest is the error to use when a request field is malformed or missing.
type BadRequest string

func (e BadRequest) Error() string { return "error: bad request: " + string(e) }

// IsBadRequest implements the IsBadRequest interface.
func (e BadRequest) IsBadRequest() {}

// StatusCode returns the HTTP status hint.
func (e BadRequest) StatusCode() int { return http.StatusBadRequest }

// Code returns the stable error code.
func (e BadRequest) Code() string { return "BAD_REQUEST" }

// AlreadyExists is the error to use when a slug or storage path is taken
// under the active naming strategy.
type AlreadyExists string

func (e AlreadyExists) Error() string { return "error: already exists: " + string(e) }

// IsAlreadyExists implements the IsAlreadyExists interface.
func (e AlreadyExists) IsAlreadyExists() {}

// StatusCode returns the HTTP status hint.
func (e AlreadyExists) StatusCode() int { return http.StatusConflict }

// Code returns the stable error code.
func (e AlreadyExists) Code() string { return "CONFLICT" }

// Gone is the error to use when a share expired or its view budget is spent.
type Gone string

func (e Gone) Error() string { return "error: gone: " + string(e) }

// IsGone implements the IsGone interface.
func (e Gone) IsGone() {}

// StatusCode returns the HTTP status hint.
func (e Gone) StatusCode() int { return http.StatusGone }

// Code returns the stable error code.
func (e Gone) Code() string { return "GONE" }

// QuotaExceeded is the error to use when a write would exceed the per-config
// storage cap or the configured maximum upload size.
type QuotaExceeded string

func (e QuotaExceeded) Error() string { return "error: quota exceeded: " + string(e) }

// IsQuotaExceeded implements the IsQuotaExceeded interface.
func (e QuotaExceeded) IsQuotaExceeded() {}

// StatusCode returns the HTTP status hint.
func (e QuotaExceeded) StatusCode() int { return http.StatusBadRequest }

// Code returns the stable error code.
func (e QuotaExceeded) Code() string { return "QUOTA_EXCEEDED" }

// NotSupported is the error to use when a driver lacks a capability the
// operation needs.
type NotSupported string

func (e NotSupported) Error() string { return "error: not supported: " + string(e) }

// IsNotSupported implements the IsNotSupported interface.
func (e NotSupported) IsNotSupported() {}

// StatusCode returns the HTTP status hint.
func (e NotSupported) StatusCode() int { return http.StatusBadRequest }

// Code returns the stable error code.
func (e NotSupported) Code() string { return "NOT_SUPPORTED" }

// DriverContract is the fatal error raised when a driver fails its
// capability/method contract at creation time.
type DriverContract string

func (e DriverContract) Error() string { return "error: driver contract violation: " + string(e) }

// IsDriverContract implements the IsDriverContract interface.
func (e DriverContract) IsDriverContract() {}

// StatusCode returns the HTTP status hint.
func (e DriverContract) StatusCode() int { return http.StatusInternalServerError }

// Code returns the stable error code.
func (e DriverContract) Code() string { return "DRIVER_CONTRACT" }

// DriverFailure wraps an error returned by a storage backend. Only a redacted
// cause summary goes into the string; the raw backend error stays server side.
type DriverFailure string

func (e DriverFailure) Error() string { return "error: driver failure: " + string(e) }

// IsDriverFailure implements the IsDriverFailure interface.
func (e DriverFailure) IsDriverFailure() {}

// StatusCode returns the HTTP status hint.
func (e DriverFailure) StatusCode() int { return http.StatusBadGateway }

// Code returns the stable error code.
func (e DriverFailure) Code() string { return "DRIVER_ERROR" }

// RepositoryFailure is the error to use when the persistent store fails.
type RepositoryFailure string

func (e RepositoryFailure) Error() string { return "error: repository failure: " + string(e) }

// IsRepositoryFailure implements the IsRepositoryFailure interface.
func (e RepositoryFailure) IsRepositoryFailure() {}

// StatusCode returns the HTTP status hint.
func (e RepositoryFailure) StatusCode() int { return http.StatusInternalServerError }

// Code returns the stable error code.
func (e RepositoryFailure) Code() string { return "REPOSITORY_ERROR" }

// InvalidSignature is the error to use when a proxy signature is missing,
// malformed, expired or fails verification.
type InvalidSignature string

func (e InvalidSignature) Error() string { return "error: invalid signature: " + string(e) }

// IsInvalidSignature implements the IsInvalidSignature interface.
func (e InvalidSignature) IsInvalidSignature() {}

// StatusCode returns the HTTP status hint.
func (e InvalidSignature) StatusCode() int { return http.StatusUnauthorized }

// Code returns the stable error code.
func (e InvalidSignature) Code() string { return "INVALID_SIGNATURE" }

// IsNotFound is the interface to implement
// to specify that a resource is not found.
type IsNotFound interface {
	IsNotFound()
}

// IsPermissionDenied is the interface to implement
// to specify that an action is denied.
type IsPermissionDenied interface {
	IsPermissionDenied()
}

// IsUserRequired is the interface to implement
// to specify that a user is required.
type IsUserRequired interface {
	IsUserRequired()
}

// IsBadRequest is the interface to implement
// to specify that a request is malformed.
type IsBadRequest interface {
	IsBadRequest()
}

// IsAlreadyExists is the interface to implement
// to specify that a resource already exists.
type IsAlreadyExists interface {
	IsAlreadyExists()
}

// IsGone is the interface to implement
// to specify that a resource is gone.
type IsGone interface {
	IsGone()
}

// IsQuotaExceeded is the interface to implement
// to specify that a storage quota would be exceeded.
type IsQuotaExceeded interface {
	IsQuotaExceeded()
}

// IsNotSupported is the interface to implement
// to specify that an action is not supported.
type IsNotSupported interface {
	IsNotSupported()
}

// IsDriverContract is the interface to implement
// to specify that a driver violated its declared contract.
type IsDriverContract interface {
	IsDriverContract()
}

// IsDriverFailure is the interface to implement
// to specify that a storage backend returned an error.
type IsDriverFailure interface {
	IsDriverFailure()
}

// IsRepositoryFailure is the interface to implement
// to specify that the persistent store failed.
type IsRepositoryFailure interface {
	IsRepositoryFailure()
}

// IsInvalidSignature is the interface to implement
// to specify that a signature did not verify.
type IsInvalidSignature interface {
	IsInvalidSignature()
}

// coder is implemented by all errors in this package.
type coder interface {
	Code() string
	StatusCode() int
}

// Code returns the stable code for err, or "INTERNAL" for foreign errors.
func Code(err error) string {
	if c, ok := err.(coder); ok {
		return c.Code()
	}
	return "INTERNAL"
}

// StatusCode returns the HTTP status hint for err, or 500 for foreign errors.
func StatusCode(err error) int {
	if c, ok := err.(coder); ok {
		return c.StatusCode()
	}
	return http.StatusInternalServerError
}

// Expose reports whether the error message may be shown verbatim to the
// caller. Backend, repository and foreign errors are replaced with a generic
// phrase at the HTTP edge; the code is still surfaced for telemetry.
func Expose(err error) bool {
	switch err.(type) {
	case NotFound, PermissionDenied, UserRequired, BadRequest, AlreadyExists,
		Gone, QuotaExceeded, NotSupported, InvalidSignature:
		return true
	default:
		return false
	}
}
