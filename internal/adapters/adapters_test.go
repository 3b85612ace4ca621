package adapters

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"tunefetch/internal/domain"
)

func TestClassifyHTTP(t *testing.T) {
	cases := []struct {
		status int
		kind   domain.ErrorKind
	}{
		{http.StatusOK, ""},
		{http.StatusCreated, ""},
		{http.StatusUnauthorized, domain.KindAuthExpired},
		{http.StatusForbidden, domain.KindAuthExpired},
		{http.StatusNotFound, domain.KindNotFound},
		{http.StatusBadGateway, domain.KindServiceUnavailable},
		{http.StatusTooManyRequests, domain.KindServiceUnavailable},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprint(tc.status), func(t *testing.T) {
			assert.Equal(t, tc.kind, domain.KindOf(ClassifyHTTP("op", tc.status)))
		})
	}
}

func TestClassifyTransport(t *testing.T) {
	assert.NoError(t, ClassifyTransport("op", nil))

	err := ClassifyTransport("search", fmt.Errorf("do: %w", context.DeadlineExceeded))
	assert.Equal(t, domain.KindServiceUnavailable, domain.KindOf(err))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	auth := domain.Errorf(domain.KindAuthExpired, "submit", "session gone")
	assert.Same(t, error(auth), ClassifyTransport("submit", auth))
}
