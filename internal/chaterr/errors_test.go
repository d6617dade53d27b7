package chaterr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCategoryOf(t *testing.T) {
	cases := []struct {
		err  error
		want Category
	}{
		{Validation("message", "must not be empty"), CategoryValidation},
		{Formatting("empty text part"), CategoryFormatting},
		{ErrMissingContext, CategoryFormatting},
		{Connection(errors.New("dial tcp: refused")), CategoryConnection},
		{Upstream(429, "rate limited"), CategoryUpstream},
		{Persistence(errors.New("duplicate key")), CategoryPersistence},
		{errors.New("who knows"), CategoryInternal},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, CategoryOf(tc.err), "err=%v", tc.err)
	}
}

func TestCategorySurvivesWrapping(t *testing.T) {
	err := fmt.Errorf("answer failed: %w", Connection(errors.New("eof")))
	require.Equal(t, CategoryConnection, CategoryOf(err))

	var ce *ConnectionError
	require.True(t, errors.As(err, &ce))
	require.EqualError(t, ce.Err, "eof")
}

func TestUpstreamDetailExposed(t *testing.T) {
	err := Upstream(500, "model overloaded")
	require.Contains(t, UserMessage(err), "model overloaded")
}

func TestInternalDetailNotExposed(t *testing.T) {
	err := Persistence(errors.New("Error 1062: Duplicate entry"))
	require.NotContains(t, UserMessage(err), "1062")
}
