package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseWaitTimeout(t *testing.T) {
	t.Parallel()

	t.Run("valid duration", func(t *testing.T) {
		t.Parallel()
		d, err := parseWaitTimeout("90m")
		require.NoError(t, err)
		assert.Equal(t, 90*time.Minute, d)
	})

	t.Run("rejects unparseable value", func(t *testing.T) {
		t.Parallel()
		_, err := parseWaitTimeout("soon")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid --timeout")
	})

	t.Run("rejects non-positive duration", func(t *testing.T) {
		t.Parallel()
		_, err := parseWaitTimeout("-1s")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "must be positive")

		_, err = parseWaitTimeout("0s")
		require.Error(t, err)
	})
}
