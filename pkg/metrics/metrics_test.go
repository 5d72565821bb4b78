package metrics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"
)

func TestRecorder_Creation(t *testing.T) {
	t.Run("global meter", func(t *testing.T) {
		r, err := New()
		require.NoError(t, err)
		assert.NotNil(t, r.turnsCounter)
		assert.NotNil(t, r.turnDuration)
		assert.NotNil(t, r.modelCallsCounter)
		assert.NotNil(t, r.toolCallsCounter)
		assert.NotNil(t, r.renderCounter)
	})

	t.Run("noop meter", func(t *testing.T) {
		r, err := NewWithMeter(noop.NewMeterProvider().Meter("test"))
		require.NoError(t, err)
		assert.NotNil(t, r)
	})
}

func TestRecorder_Record(t *testing.T) {
	r, err := New()
	require.NoError(t, err)
	ctx := context.Background()

	assert.NotPanics(t, func() {
		r.RecordTurn(ctx, "completed", 2, 3*time.Second)
		r.RecordModelCall(ctx, "claude-3-5-sonnet-20240620", nil, time.Second)
		r.RecordModelCall(ctx, "claude-3-5-sonnet-20240620", errors.New("boom"), time.Second)
		r.RecordToolCall(ctx, "execute_python", false, false, 500*time.Millisecond)
		r.RecordRender(ctx, "ready")
	})
}

func TestRecorder_Nil(t *testing.T) {
	var r *Recorder
	assert.NotPanics(t, func() {
		r.RecordTurn(context.Background(), "aborted", 10, time.Second)
		r.RecordToolCall(context.Background(), "render_react", true, true, time.Second)
	})
}
