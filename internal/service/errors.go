package service

import (
	"errors"
	"log/slog"

	"github.com/S1riyS/naivefs/internal/pkg/kerrors"
	"github.com/S1riyS/naivefs/internal/storage"
	"github.com/S1riyS/naivefs/pkg/logging/slogext"
)

type ServiceError struct {
	Code    int64
	Message string

	cause error
}

func (e *ServiceError) Error() string {
	return e.Message
}

func (e *ServiceError) GetCode() int64 {
	return e.Code
}

func (e *ServiceError) Unwrap() error {
	return e.cause
}

var storageCodes = []struct {
	err  error
	code int64
}{
	{storage.ErrNotFound, kerrors.ENOENT},
	{storage.ErrExists, kerrors.EEXIST},
	{storage.ErrNotDir, kerrors.ENOTDIR},
	{storage.ErrIsDir, kerrors.EISDIR},
	{storage.ErrNotEmpty, kerrors.ENOTEMPTY},
	{storage.ErrBadDescriptor, kerrors.EBADF},
	{storage.ErrTooLarge, kerrors.EFBIG},
	{storage.ErrTruncateGrow, kerrors.EINVAL},
	{storage.ErrInvalidName, kerrors.EINVAL},
	{storage.ErrNameTooLong, kerrors.ENAMETOOLONG},
	{storage.ErrInvalid, kerrors.EINVAL},
	{storage.ErrCorrupted, kerrors.EIO},
	{storage.ErrExhausted, kerrors.EIO},
}

// classify turns a storage error into a ServiceError carrying the matching
// errno. Errors of unknown kind are returned unchanged.
func classify(err error) error {
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return err
	}
	for _, sc := range storageCodes {
		if errors.Is(err, sc.err) {
			return &ServiceError{Code: sc.code, Message: err.Error(), cause: err}
		}
	}
	return err
}

// fail logs err and classifies it. Faults of the image and errors of unknown
// kind are logged as errors, the rest are expected outcomes of a request.
func fail(logger *slog.Logger, msg string, err error) error {
	classified := classify(err)

	var serviceErr *ServiceError
	if storage.IsFault(err) || !errors.As(classified, &serviceErr) {
		logger.Error(msg, slogext.Err(err))
	} else {
		logger.Debug(msg, slogext.Err(err))
	}
	return classified
}

func newError(code int64, msg string) *ServiceError {
	return &ServiceError{Code: code, Message: msg}
}
