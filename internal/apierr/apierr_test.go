package apierr

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNew_NoCause(t *testing.T) {
	err := New(CodeNotFound, "file not found")
	require.Equal(t, "not_found: file not found", err.Error())
	require.Nil(t, err.Unwrap())
}

func TestWrap_PreservesCauseChain(t *testing.T) {
	cause := errors.New("disk full")
	err := Wrap(CodeInternal, "writing chunk", cause)

	require.Contains(t, err.Error(), "disk full")
	require.ErrorIs(t, err, cause)
}

func TestAs_ExtractsWrappedError(t *testing.T) {
	original := Wrap(CodeChecksumMismatch, "sha256 mismatch", errors.New("boom"))
	wrapped := errors.New("upload: " + original.Error())

	_, ok := As(wrapped)
	require.False(t, ok, "plain errors.New should not satisfy As")

	extracted, ok := As(original)
	require.True(t, ok)
	require.Equal(t, CodeChecksumMismatch, extracted.Code)
}

func TestHTTPStatus_MapsKnownCodes(t *testing.T) {
	cases := map[Code]int{
		CodeNotFound:          http.StatusNotFound,
		CodeInvalidRange:      http.StatusRequestedRangeNotSatisfiable,
		CodeMissingParams:     http.StatusBadRequest,
		CodeUnauthorized:      http.StatusUnauthorized,
		CodeTicketExpired:     http.StatusForbidden,
		CodeTicketInvalid:     http.StatusForbidden,
		CodeClientMismatch:    http.StatusForbidden,
		CodeForbidden:         http.StatusForbidden,
		CodeQuotaExceeded:     http.StatusTooManyRequests,
		CodeRateLimited:       http.StatusTooManyRequests,
		CodeUploadConflict:    http.StatusBadRequest,
		CodeChecksumMismatch:  http.StatusBadRequest,
		CodeUnsupportedFormat: http.StatusBadRequest,
		CodeMemoryPressure:    http.StatusServiceUnavailable,
	}
	for code, want := range cases {
		require.Equal(t, want, HTTPStatus(code), "code %s", code)
	}
}

func TestHTTPStatus_UnknownCodeIsInternal(t *testing.T) {
	require.Equal(t, http.StatusInternalServerError, HTTPStatus(Code("something-new")))
}
