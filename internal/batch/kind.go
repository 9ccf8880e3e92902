package batch

import (
	"context"
	"errors"

	"github.com/seantiz/batchbridge/internal/archive"
	"github.com/seantiz/batchbridge/internal/liferay"
)

// Error kinds reported for a failed operation.
const (
	KindInvalidRequest    = "INVALID_REQUEST"
	KindBatchExportFailed = "BATCH_EXPORT_FAILED"
	KindPollLimitExceeded = "POLL_LIMIT_EXCEEDED"
	KindUnauthorized      = "UNAUTHORIZED"
	KindNotFound          = "NOT_FOUND"
	KindRemoteError       = "REMOTE_ERROR"
	KindMalformedResponse = "MALFORMED_RESPONSE"
	KindInvalidArchive    = "INVALID_ARCHIVE"
	KindTimeout           = "TIMEOUT"
	KindCancelled         = "CANCELLED"
	KindInternal          = "INTERNAL"
)

// Kind classifies err into one of the Kind constants. It returns "" for nil.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidRequest):
		return KindInvalidRequest
	case errors.Is(err, ErrBatchExportFailed):
		return KindBatchExportFailed
	case errors.Is(err, ErrPollLimitExceeded):
		return KindPollLimitExceeded
	case errors.Is(err, liferay.ErrUnauthorized):
		return KindUnauthorized
	case errors.Is(err, liferay.ErrNotFound):
		return KindNotFound
	case errors.Is(err, liferay.ErrUnsuccessfulResponse):
		return KindRemoteError
	case errors.Is(err, liferay.ErrMissingField), errors.Is(err, liferay.ErrMalformedPayload):
		return KindMalformedResponse
	case errors.Is(err, archive.ErrEmptyArchive), errors.Is(err, archive.ErrNotArchive),
		errors.Is(err, archive.ErrUnsupportedMethod), errors.Is(err, archive.ErrUnknownSize),
		errors.Is(err, archive.ErrEncrypted), errors.Is(err, archive.ErrChecksum):
		return KindInvalidArchive
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, context.Canceled):
		return KindCancelled
	}
	return KindInternal
}
