package pipeline_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-unitalert-service/internal/pipeline"
	"github.com/tinywideclouds/go-unitalert-service/internal/triggers"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// --- Mocks ---

type mockTriggers struct {
	mock.Mock
}

func (m *mockTriggers) UnitTaken(ctx context.Context, userKey string) (triggers.Result, error) {
	args := m.Called(ctx, userKey)
	return args.Get(0).(triggers.Result), args.Error(1)
}

func (m *mockTriggers) SafeArrival(ctx context.Context, userKey string, value any) (triggers.Result, error) {
	args := m.Called(ctx, userKey, value)
	return args.Get(0).(triggers.Result), args.Error(1)
}

type mockInvalidator struct {
	mock.Mock
}

func (m *mockInvalidator) Invalidate(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func event(t *testing.T, payload string) *pipeline.WriteEvent {
	t.Helper()
	e, skip, err := pipeline.WriteEventTransformer(context.Background(), message("msg", payload))
	require.NoError(t, err)
	require.False(t, skip)
	return e
}

func TestProcessor_Routing(t *testing.T) {
	ctx := context.Background()
	logger := newTestLogger()

	t.Run("Unit Taken Runs Threshold", func(t *testing.T) {
		trig := new(mockTriggers)
		inv := new(mockInvalidator)
		trig.On("UnitTaken", mock.Anything, "u1").Return(triggers.Result{Fired: true}, nil)

		processor := pipeline.NewProcessor(trig, inv, logger)
		err := processor(ctx, messagepipeline.Message{}, event(t, `{"path":"/users/u1/unitTakenTimestamps/1","data":1}`))

		require.NoError(t, err)
		trig.AssertExpectations(t)
		inv.AssertNotCalled(t, "Invalidate", mock.Anything)
	})

	t.Run("Safe Arrival Passes Decoded Value", func(t *testing.T) {
		trig := new(mockTriggers)
		inv := new(mockInvalidator)
		inv.On("Invalidate", mock.Anything).Return(nil)
		trig.On("SafeArrival", mock.Anything, "u2", true).Return(triggers.Result{Fired: true}, nil)

		processor := pipeline.NewProcessor(trig, inv, logger)
		err := processor(ctx, messagepipeline.Message{}, event(t, `{"path":"/users/u2/safeArrival","data":true}`))

		require.NoError(t, err)
		trig.AssertExpectations(t)
		inv.AssertExpectations(t)
	})

	t.Run("Profile Change Only Invalidates", func(t *testing.T) {
		trig := new(mockTriggers)
		inv := new(mockInvalidator)
		inv.On("Invalidate", mock.Anything).Return(errors.New("redis down"))

		processor := pipeline.NewProcessor(trig, inv, logger)
		err := processor(ctx, messagepipeline.Message{}, event(t, `{"path":"/users/u3/admin","data":true}`))

		require.NoError(t, err)
		inv.AssertExpectations(t)
		trig.AssertNotCalled(t, "UnitTaken", mock.Anything, mock.Anything)
		trig.AssertNotCalled(t, "SafeArrival", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("Nil Invalidator Is Allowed", func(t *testing.T) {
		trig := new(mockTriggers)
		processor := pipeline.NewProcessor(trig, nil, logger)
		err := processor(ctx, messagepipeline.Message{}, event(t, `{"path":"/users/u3/firstName","data":"Kim"}`))
		require.NoError(t, err)
	})
}

func TestProcessor_TriggerFailureIsSwallowedAndLogged(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	trig := new(mockTriggers)
	trig.On("UnitTaken", mock.Anything, "u1").Return(triggers.Result{}, errors.New("directory unreachable"))

	processor := pipeline.NewProcessor(trig, nil, logger)
	err := processor(context.Background(), messagepipeline.Message{
		MessageData: messagepipeline.MessageData{ID: "pubsub-1"},
	}, event(t, `{"path":"/users/u1/unitTakenTimestamps/1","data":1}`))

	require.NoError(t, err)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	assert.Equal(t, "Trigger failed", entry["msg"])
	assert.Equal(t, "threshold", entry["trigger"])
	assert.Equal(t, "u1", entry["user_key"])
	assert.Equal(t, "pubsub-1", entry["pubsub_msg_id"])
	assert.Equal(t, "directory unreachable", entry["err"])
}
