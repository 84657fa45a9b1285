package poller

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/lochness-labs/facebook-ingestion/pkg/clock"
	"github.com/lochness-labs/facebook-ingestion/pkg/errors"
)

type step struct {
	status string
	err    error
}

// scriptedAPI answers status checks from a script; the last step repeats
type scriptedAPI struct {
	steps []step
	calls int
}

func (s *scriptedAPI) AsyncStatus(context.Context, string) (string, error) {
	i := s.calls
	if i >= len(s.steps) {
		i = len(s.steps) - 1
	}
	s.calls++
	return s.steps[i].status, s.steps[i].err
}

func submitOK(context.Context) (string, error) { return "job_1", nil }

func TestRun(t *testing.T) {
	transient := errors.New(errors.ErrorTypeConnection, "reset by peer")

	tests := []struct {
		name      string
		cfg       Config
		steps     []step
		wantState State
		wantType  errors.ErrorType
		wantPolls int
		wantSlept time.Duration
	}{
		{
			name:      "completes after running",
			cfg:       DefaultConfig(),
			steps:     []step{{status: "Job Not Started"}, {status: "Job Running"}, {status: "Job Completed"}},
			wantState: StateCompleted,
			wantPolls: 3,
			wantSlept: 6 * time.Second,
		},
		{
			name:      "completed on first check",
			cfg:       DefaultConfig(),
			steps:     []step{{status: "Job Completed"}},
			wantState: StateCompleted,
			wantPolls: 1,
		},
		{
			name:      "failed",
			cfg:       DefaultConfig(),
			steps:     []step{{status: "Job Running"}, {status: "Job Failed"}},
			wantState: StateFailed,
			wantType:  errors.ErrorTypeData,
			wantPolls: 2,
			wantSlept: 3 * time.Second,
		},
		{
			name:      "skipped",
			cfg:       DefaultConfig(),
			steps:     []step{{status: "Job Skipped"}},
			wantState: StateFailed,
			wantType:  errors.ErrorTypeData,
			wantPolls: 1,
		},
		{
			name:      "poll budget exhausted",
			cfg:       Config{Interval: 3 * time.Second, MaxPolls: 5},
			steps:     []step{{status: "Job Running"}},
			wantState: StateTimedOut,
			wantType:  errors.ErrorTypeTimeout,
			wantPolls: 5,
			wantSlept: 15 * time.Second,
		},
		{
			name:      "wall clock budget exhausted",
			cfg:       Config{Interval: 10 * time.Second, MaxWait: 35 * time.Second},
			steps:     []step{{status: "Job Running"}},
			wantState: StateTimedOut,
			wantType:  errors.ErrorTypeTimeout,
			wantPolls: 4,
			wantSlept: 40 * time.Second,
		},
		{
			name:      "transient status errors count as polls",
			cfg:       DefaultConfig(),
			steps:     []step{{err: transient}, {err: transient}, {status: "Job Completed"}},
			wantState: StateCompleted,
			wantPolls: 3,
			wantSlept: 6 * time.Second,
		},
		{
			name:      "transient errors can exhaust the budget",
			cfg:       Config{Interval: time.Second, MaxPolls: 3},
			steps:     []step{{err: transient}},
			wantState: StateTimedOut,
			wantType:  errors.ErrorTypeTimeout,
			wantPolls: 3,
			wantSlept: 3 * time.Second,
		},
		{
			name:      "permanent status error fails",
			cfg:       DefaultConfig(),
			steps:     []step{{err: errors.New(errors.ErrorTypeAuthentication, "expired")}},
			wantState: StateFailed,
			wantType:  errors.ErrorTypeAuthentication,
			wantPolls: 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fc := clock.NewAutoFake(time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC))
			p := New(tt.cfg, fc, zaptest.NewLogger(t))
			api := &scriptedAPI{steps: tt.steps}

			job, err := p.RunJob(context.Background(), api, submitOK)
			require.NotNil(t, job)
			assert.Equal(t, "job_1", job.ID)
			assert.Equal(t, tt.wantState, job.State)
			assert.True(t, job.State.Terminal())
			assert.Equal(t, tt.wantPolls, job.Polls)
			assert.Equal(t, tt.wantSlept, fc.Slept())

			if tt.wantType == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Equal(t, tt.wantType, errors.TypeOf(err))
			}
		})
	}
}

func TestRun_SubmitError(t *testing.T) {
	p := New(DefaultConfig(), clock.NewAutoFake(time.Now()), zaptest.NewLogger(t))
	id, err := p.Run(context.Background(), &scriptedAPI{}, func(context.Context) (string, error) {
		return "", errors.New(errors.ErrorTypePermission, "no ads_read")
	})
	assert.Empty(t, id)
	assert.True(t, errors.IsType(err, errors.ErrorTypePermission))
}

func TestRun_Cancelled(t *testing.T) {
	fc := clock.NewFake(time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC))
	p := New(DefaultConfig(), fc, zaptest.NewLogger(t))
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := p.Run(ctx, &scriptedAPI{steps: []step{{status: "Job Running"}}}, submitOK)
		done <- err
	}()

	fc.BlockUntil(1)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "timed_out", StateTimedOut.String())
	assert.False(t, StatePolling.Terminal())
}
