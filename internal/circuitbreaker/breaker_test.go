package circuitbreaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	apperrors "message-router/internal/common/errors"
	"message-router/internal/common/logging"
)

func TestBreaker(t *testing.T) {
	logger := logging.NewNopLogger()

	t.Run("starts closed", func(t *testing.T) {
		cb := New("redis:orders", Config{MaxFailures: 2}, logger)

		assert.Equal(t, StateClosed, cb.State())
		assert.NoError(t, cb.Execute(func() error { return nil }))
	})

	t.Run("opens after consecutive failures", func(t *testing.T) {
		cb := New("kafka:events", Config{MaxFailures: 3, Timeout: time.Minute}, logger)

		for i := 0; i < 3; i++ {
			assert.Error(t, cb.Execute(func() error { return errors.New("broker down") }))
		}
		require.Equal(t, StateOpen, cb.State())

		err := cb.Execute(func() error {
			t.Fatal("must not be called while open")
			return nil
		})
		assert.ErrorIs(t, err, ErrOpen)
		assert.Contains(t, err.Error(), "kafka:events")
	})

	t.Run("half-open after timeout and closes on success", func(t *testing.T) {
		cb := New("http:hook", Config{MaxFailures: 1, Timeout: 20 * time.Millisecond}, logger)

		assert.Error(t, cb.Execute(func() error { return errors.New("fail") }))
		require.Equal(t, StateOpen, cb.State())

		time.Sleep(40 * time.Millisecond)
		assert.Equal(t, StateHalfOpen, cb.State())

		assert.NoError(t, cb.Execute(func() error { return nil }))
		assert.Equal(t, StateClosed, cb.State())
	})

	t.Run("unsupported operations do not trip", func(t *testing.T) {
		cb := New("sqs:queue", Config{MaxFailures: 1}, logger)

		for i := 0; i < 3; i++ {
			err := cb.Execute(func() error { return apperrors.UnsupportedError("request") })
			assert.True(t, apperrors.IsType(err, apperrors.ErrTypeUnsupported))
		}
		assert.Equal(t, StateClosed, cb.State())
	})
}

func TestConfig(t *testing.T) {
	assert.False(t, Config{}.Enabled())
	assert.True(t, Config{MaxFailures: 1}.Enabled())

	cfg := Config{MaxFailures: 4}.withDefaults()
	assert.Equal(t, 4, cfg.MaxFailures)
	assert.Equal(t, 30*time.Second, cfg.Timeout)
	assert.Equal(t, 1, cfg.MaxConcurrentRequests)
	assert.Equal(t, "half-open", StateHalfOpen.String())
}
