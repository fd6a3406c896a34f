package triggers_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-unitalert-service/internal/directory"
	"github.com/tinywideclouds/go-unitalert-service/internal/triggers"
	"github.com/tinywideclouds/go-unitalert-service/pkg/dispatch"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// --- Fakes ---

type memStore struct {
	users map[string]directory.UserRecord
	err   error
}

func (m *memStore) Users(context.Context) (map[string]directory.UserRecord, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.users, nil
}

func (m *memStore) User(_ context.Context, key string) (directory.UserRecord, error) {
	if m.err != nil {
		return directory.UserRecord{}, m.err
	}
	u, ok := m.users[key]
	if !ok {
		return directory.UserRecord{}, directory.ErrNotFound
	}
	return u, nil
}

type dispatchCall struct {
	recipients map[string]dispatch.Recipient
	record     dispatch.Record
	ctxErr     error
}

type captureDispatcher struct {
	mu    sync.Mutex
	calls []dispatchCall
}

func (c *captureDispatcher) Dispatch(ctx context.Context, recipients map[string]dispatch.Recipient, rec dispatch.Record) dispatch.Report {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, dispatchCall{recipients: recipients, record: rec, ctxErr: ctx.Err()})
	var outcomes []dispatch.Outcome
	for id, r := range recipients {
		outcomes = append(outcomes, dispatch.Outcome{RecipientID: id, Transport: r.Transport, Status: dispatch.StatusDelivered})
	}
	return dispatch.Report{Outcomes: outcomes}
}

type captureRecorder struct {
	runs []string
}

func (c *captureRecorder) RecordTrigger(trigger, result string) {
	c.runs = append(c.runs, trigger+":"+result)
}

var now = time.Date(2026, 3, 14, 22, 0, 0, 0, time.UTC)

func fixtureUsers() map[string]directory.UserRecord {
	return map[string]directory.UserRecord{
		"admin-1": {UserID: "admin-1", FirstName: "Anna", Admin: true, PushToken: "TA", Platform: "ios"},
		"admin-2": {UserID: "admin-2", FirstName: "Bo", Admin: true, PushToken: "TB", Platform: "android"},
		"nolla-1": {
			UserID:    "auth-nolla-1",
			FirstName: "Kalle",
			PushToken: "TK",
			Platform:  "android",
			UnitTakenTimestamps: map[string]int64{
				"e1": now.Add(-1 * time.Hour).UnixMilli(),
				"e2": now.Add(-25 * time.Hour).UnixMilli(),
			},
		},
	}
}

func newTriggers(store *memStore, d *captureDispatcher, cfg triggers.Config) *triggers.Triggers {
	return triggers.New(directory.New(store), d, cfg, newTestLogger()).
		WithClock(func() time.Time { return now })
}

// --- Threshold ---

func TestUnitTaken_ThresholdIsInclusive(t *testing.T) {
	users := fixtureUsers()
	exact := triggers.DefaultPromille().Compute(users["nolla-1"].UnitTakenTimestamps, now)

	cfg := triggers.DefaultConfig()
	cfg.Threshold = exact
	d := &captureDispatcher{}
	rec := &captureRecorder{}

	res, err := newTriggers(&memStore{users: users}, d, cfg).WithRecorder(rec).UnitTaken(context.Background(), "nolla-1")
	require.NoError(t, err)

	assert.True(t, res.Fired)
	assert.NotEmpty(t, res.InvocationID)
	require.Len(t, d.calls, 1)
	assert.ElementsMatch(t, []string{"admin-1", "admin-2"}, keys(d.calls[0].recipients))

	record := d.calls[0].record
	assert.Equal(t, "⚠️ FYLLEVARNING PÅ KALLE ⚠️", record.Title())
	assert.Equal(t, "Kalle har 0.21 promille alkohol i blodet", record.Body())
	assert.Equal(t, "nolla-1", record.Data()["userId"])
	assert.Contains(t, record.Data(), "promille")
	assert.Equal(t, []string{"threshold:dispatched"}, rec.runs)
}

func TestUnitTaken_BelowThresholdDoesNotFire(t *testing.T) {
	d := &captureDispatcher{}
	res, err := newTriggers(&memStore{users: fixtureUsers()}, d, triggers.DefaultConfig()).
		UnitTaken(context.Background(), "nolla-1")

	require.NoError(t, err)
	assert.False(t, res.Fired)
	assert.Empty(t, d.calls)
}

func TestUnitTaken_MissingSubjectIsNoOp(t *testing.T) {
	d := &captureDispatcher{}
	res, err := newTriggers(&memStore{users: fixtureUsers()}, d, triggers.DefaultConfig()).
		UnitTaken(context.Background(), "ghost")

	require.NoError(t, err)
	assert.False(t, res.Fired)
	assert.Empty(t, d.calls)
}

func TestUnitTaken_DirectoryUnreachableIsAnError(t *testing.T) {
	d := &captureDispatcher{}
	boom := errors.New("connection refused")
	_, err := newTriggers(&memStore{err: boom}, d, triggers.DefaultConfig()).
		UnitTaken(context.Background(), "nolla-1")

	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, d.calls)
}

// --- Safe arrival ---

func TestSafeArrival(t *testing.T) {
	testCases := []struct {
		name      string
		value     any
		wantFired bool
	}{
		{name: "true fires", value: true, wantFired: true},
		{name: "false is ignored", value: false},
		{name: "absent is ignored", value: nil},
		{name: "empty string is ignored", value: ""},
		{name: "timestamp fires", value: float64(1700000000000), wantFired: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			d := &captureDispatcher{}
			res, err := newTriggers(&memStore{users: fixtureUsers()}, d, triggers.DefaultConfig()).
				SafeArrival(context.Background(), "nolla-1", tc.value)

			require.NoError(t, err)
			assert.Equal(t, tc.wantFired, res.Fired)
			if !tc.wantFired {
				assert.Empty(t, d.calls)
				return
			}
			require.Len(t, d.calls, 1)
			record := d.calls[0].record
			assert.Equal(t, "Nolla har kommit hem säkert 🏠", record.Title())
			assert.Equal(t, "Kalle har markerat sig själv som hemkommen", record.Body())
			assert.Equal(t, map[string]string{"userId": "nolla-1", "safeArrival": "true"}, record.Data())
			assert.ElementsMatch(t, []string{"admin-1", "admin-2"}, keys(d.calls[0].recipients))
		})
	}
}

func TestSafeArrival_NoAdminsIsNoOp(t *testing.T) {
	users := fixtureUsers()
	delete(users, "admin-1")
	delete(users, "admin-2")
	d := &captureDispatcher{}

	res, err := newTriggers(&memStore{users: users}, d, triggers.DefaultConfig()).
		SafeArrival(context.Background(), "nolla-1", true)

	require.NoError(t, err)
	assert.False(t, res.Fired)
	assert.Empty(t, d.calls)
}

// --- Announcement ---

func TestAnnounce_AdminReachesEveryone(t *testing.T) {
	d := &captureDispatcher{}

	res, err := newTriggers(&memStore{users: fixtureUsers()}, d, triggers.DefaultConfig()).
		Announce(context.Background(), "admin-1", "Sittning kl 18")

	require.NoError(t, err)
	assert.True(t, res.Fired)
	require.Len(t, d.calls, 1)
	assert.ElementsMatch(t, []string{"admin-1", "admin-2", "nolla-1"}, keys(d.calls[0].recipients))
	assert.Equal(t, "Announcement", d.calls[0].record.Title())
	assert.Equal(t, "Sittning kl 18", d.calls[0].record.Body())
	assert.Equal(t, map[string]string{"type": "announcement"}, d.calls[0].record.Data())
}

func TestAnnounce_NonAdminAudience(t *testing.T) {
	cfg := triggers.DefaultConfig()
	cfg.Audience = triggers.AudienceNonAdmin
	d := &captureDispatcher{}

	_, err := newTriggers(&memStore{users: fixtureUsers()}, d, cfg).
		Announce(context.Background(), "admin-2", "hej")

	require.NoError(t, err)
	require.Len(t, d.calls, 1)
	assert.Equal(t, []string{"nolla-1"}, keys(d.calls[0].recipients))
}

func TestAnnounce_Rejections(t *testing.T) {
	testCases := []struct {
		name     string
		store    *memStore
		callerID string
		message  string
		wantKind triggers.Kind
	}{
		{name: "unauthenticated", store: &memStore{users: fixtureUsers()}, message: "hi", wantKind: triggers.KindUnauthenticated},
		{name: "non admin caller", store: &memStore{users: fixtureUsers()}, callerID: "auth-nolla-1", message: "hi", wantKind: triggers.KindPermissionDenied},
		{name: "unknown caller", store: &memStore{users: fixtureUsers()}, callerID: "ghost", message: "hi", wantKind: triggers.KindPermissionDenied},
		{name: "directory unreachable", store: &memStore{err: errors.New("boom")}, callerID: "admin-1", message: "hi", wantKind: triggers.KindInternal},
		// The broken store proves the message is validated before any lookup.
		{name: "empty message", store: &memStore{err: errors.New("must not be called")}, callerID: "admin-1", message: "  ", wantKind: triggers.KindInvalidArgument},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			d := &captureDispatcher{}
			res, err := newTriggers(tc.store, d, triggers.DefaultConfig()).
				Announce(context.Background(), tc.callerID, tc.message)

			require.Error(t, err)
			var ce *triggers.CommandError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, tc.wantKind, ce.Kind)
			assert.Equal(t, tc.wantKind, triggers.KindOf(err))
			assert.False(t, res.Fired)
			assert.Empty(t, d.calls)
		})
	}
}

// --- Payment return ---

func TestPaymentReturn_WaitsThenSendsToCallerOnly(t *testing.T) {
	d := &captureDispatcher{}
	var slept []time.Duration
	tr := newTriggers(&memStore{users: fixtureUsers()}, d, triggers.DefaultConfig()).
		WithSleep(func(delay time.Duration) { slept = append(slept, delay) })

	res, err := tr.PaymentReturn(context.Background(), "nolla-1")

	require.NoError(t, err)
	assert.True(t, res.Fired)
	assert.Equal(t, []time.Duration{triggers.DefaultReturnDelay}, slept)
	require.Len(t, d.calls, 1)
	assert.Equal(t, []string{"nolla-1"}, keys(d.calls[0].recipients))
	assert.Equal(t, "Återgå till appen", d.calls[0].record.Title())
	assert.Equal(t, "Klicka här för att gå tillbaka till appen", d.calls[0].record.Body())
	assert.Equal(t, map[string]string{"type": "swish_return"}, d.calls[0].record.Data())
}

func TestPaymentReturn_SurvivesCallerCancellation(t *testing.T) {
	d := &captureDispatcher{}
	ctx, cancel := context.WithCancel(context.Background())
	tr := newTriggers(&memStore{users: fixtureUsers()}, d, triggers.DefaultConfig()).
		WithSleep(func(time.Duration) { cancel() })

	_, err := tr.PaymentReturn(ctx, "nolla-1")

	require.NoError(t, err)
	require.Len(t, d.calls, 1)
	assert.NoError(t, d.calls[0].ctxErr)
}

func TestPaymentReturn_RealDelay(t *testing.T) {
	cfg := triggers.DefaultConfig()
	cfg.ReturnDelay = 30 * time.Millisecond
	d := &captureDispatcher{}

	start := time.Now()
	_, err := newTriggers(&memStore{users: fixtureUsers()}, d, cfg).PaymentReturn(context.Background(), "nolla-1")

	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	assert.Len(t, d.calls, 1)
}

func TestPaymentReturn_Rejections(t *testing.T) {
	testCases := []struct {
		name     string
		store    *memStore
		callerID string
		wantKind triggers.Kind
	}{
		{name: "unauthenticated", store: &memStore{users: fixtureUsers()}, wantKind: triggers.KindUnauthenticated},
		{name: "unknown caller", store: &memStore{users: fixtureUsers()}, callerID: "ghost", wantKind: triggers.KindNotFound},
		{name: "directory unreachable", store: &memStore{err: errors.New("boom")}, callerID: "nolla-1", wantKind: triggers.KindInternal},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			d := &captureDispatcher{}
			slept := false
			tr := newTriggers(tc.store, d, triggers.DefaultConfig()).
				WithSleep(func(time.Duration) { slept = true })

			_, err := tr.PaymentReturn(context.Background(), tc.callerID)

			assert.Equal(t, tc.wantKind, triggers.KindOf(err))
			assert.False(t, slept)
			assert.Empty(t, d.calls)
		})
	}
}

// --- BestEffort ---

func TestBestEffort_LogsAndSwallows(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	assert.NotPanics(t, func() {
		triggers.BestEffort(context.Background(), logger, "threshold", func(context.Context) error {
			return errors.New("directory unreachable")
		})
	})
	assert.Contains(t, buf.String(), "Trigger failed")
	assert.Contains(t, buf.String(), "trigger=threshold")
	assert.Contains(t, buf.String(), "directory unreachable")

	buf.Reset()
	assert.NotPanics(t, func() {
		triggers.BestEffort(context.Background(), logger, "safe_arrival", func(context.Context) error {
			panic("nil map")
		})
	})
	assert.Contains(t, buf.String(), "Trigger panicked")
}

func TestBestEffort_SilentOnSuccess(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	triggers.BestEffort(context.Background(), logger, "threshold", func(context.Context) error { return nil })
	assert.Empty(t, buf.String())
}

func keys(m map[string]dispatch.Recipient) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
