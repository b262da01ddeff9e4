package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithKeepsSentinelIdentity(t *testing.T) {
	sentinel := New(KindAuthorization, "device_suspended")
	enriched := sentinel.With("estado", "suspended")

	assert.True(t, errors.Is(enriched, sentinel))
	assert.Nil(t, sentinel.Fields, "sentinel must not be mutated")
	assert.Equal(t, "suspended", enriched.Fields["estado"])
}

func TestIsRequiresSameKindAndCode(t *testing.T) {
	a := New(KindConflict, CodeInvalidState)
	b := New(KindValidation, CodeInvalidState)
	assert.False(t, errors.Is(a, b))
	assert.True(t, errors.Is(fmt.Errorf("ctx: %w", a), New(KindConflict, CodeInvalidState)))
}

func TestFromClassifiesUnknownAsInternal(t *testing.T) {
	err := From(errors.New("boom"))
	require.NotNil(t, err)
	assert.Equal(t, KindInternal, err.Kind)
	assert.Equal(t, CodeServerError, err.Code)
	assert.Nil(t, From(nil))
}

func TestKindStatus(t *testing.T) {
	cases := map[Kind]int{
		KindValidation:     http.StatusBadRequest,
		KindAuthentication: http.StatusUnauthorized,
		KindAuthorization:  http.StatusForbidden,
		KindNotFound:       http.StatusNotFound,
		KindConflict:       http.StatusConflict,
		KindRateLimited:    http.StatusTooManyRequests,
		KindTransient:      http.StatusInternalServerError,
		KindInternal:       http.StatusInternalServerError,
	}
	for kind, status := range cases {
		assert.Equal(t, status, kind.HTTPStatus(), kind.String())
	}
}

func TestTransientUnwrapsCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := Transient(cause)
	assert.True(t, errors.Is(err, cause))
	assert.Equal(t, KindTransient, KindOf(err))
}
