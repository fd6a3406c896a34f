// Package triggers turns directory events and caller commands into dispatches.
package triggers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tinywideclouds/go-unitalert-service/internal/directory"
	"github.com/tinywideclouds/go-unitalert-service/pkg/dispatch"
)

const (
	TriggerThreshold     = "threshold"
	TriggerSafeArrival   = "safe_arrival"
	TriggerAnnouncement  = "announcement"
	TriggerPaymentReturn = "payment_return"
	DefaultThreshold     = 2.0
	DefaultReturnDelay   = 5500 * time.Millisecond
	AudienceAll          = "all"
	AudienceNonAdmin     = "non_admin"
	resultSkipped        = "skipped"
	resultDispatched     = "dispatched"
	resultRejected       = "rejected"
	resultError          = "error"
)

// Directory is the read side of the user directory. *directory.Directory
// satisfies it.
type Directory interface {
	Resolve(ctx context.Context, filter directory.Filter) (map[string]dispatch.Recipient, error)
	Lookup(ctx context.Context, key string) (directory.UserRecord, error)
	FindByUserID(ctx context.Context, uid string) (string, directory.UserRecord, error)
}

// Dispatcher fans a record out. *fanout.Dispatcher satisfies it.
type Dispatcher interface {
	Dispatch(ctx context.Context, recipients map[string]dispatch.Recipient, rec dispatch.Record) dispatch.Report
}

// Recorder counts trigger runs. *metrics.Collector satisfies it.
type Recorder interface {
	RecordTrigger(trigger, result string)
}

type Config struct {
	Threshold float64
	Promille  Promille
	// Audience selects announcement recipients: AudienceAll or AudienceNonAdmin.
	Audience    string
	ReturnDelay time.Duration
}

// DefaultConfig matches the production behaviour.
func DefaultConfig() Config {
	return Config{
		Threshold:   DefaultThreshold,
		Promille:    DefaultPromille(),
		Audience:    AudienceAll,
		ReturnDelay: DefaultReturnDelay,
	}
}

// Result describes one trigger run. Fired is false when the trigger decided
// not to dispatch.
type Result struct {
	InvocationID string
	Fired        bool
	Report       dispatch.Report
}

type Triggers struct {
	directory  Directory
	dispatcher Dispatcher
	recorder   Recorder
	cfg        Config
	logger     *slog.Logger

	now   func() time.Time
	sleep func(time.Duration)
}

func New(dir Directory, dispatcher Dispatcher, cfg Config, logger *slog.Logger) *Triggers {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.Promille.Window <= 0 {
		cfg.Promille = DefaultPromille()
	}
	if cfg.Audience == "" {
		cfg.Audience = AudienceAll
	}
	if cfg.ReturnDelay < 0 {
		cfg.ReturnDelay = 0
	}
	return &Triggers{
		directory:  dir,
		dispatcher: dispatcher,
		cfg:        cfg,
		logger:     logger.With("component", "Triggers"),
		now:        time.Now,
		sleep:      time.Sleep,
	}
}

// WithRecorder attaches a metrics sink.
func (t *Triggers) WithRecorder(r Recorder) *Triggers {
	t.recorder = r
	return t
}

// WithClock replaces the wall clock used by the threshold trigger.
func (t *Triggers) WithClock(now func() time.Time) *Triggers {
	t.now = now
	return t
}

// WithSleep replaces the delay used by the payment return command.
func (t *Triggers) WithSleep(sleep func(time.Duration)) *Triggers {
	t.sleep = sleep
	return t
}

func (t *Triggers) begin(trigger string) (string, *slog.Logger) {
	id := uuid.NewString()
	return id, t.logger.With("trigger", trigger, "invocation_id", id)
}

func (t *Triggers) record(trigger, result string) {
	if t.recorder != nil {
		t.recorder.RecordTrigger(trigger, result)
	}
}

// UnitTaken re-evaluates a user after a new unit entry and alerts admins
// once the estimate reaches the threshold.
func (t *Triggers) UnitTaken(ctx context.Context, userKey string) (Result, error) {
	id, log := t.begin(TriggerThreshold)
	res := Result{InvocationID: id}

	user, err := t.directory.Lookup(ctx, userKey)
	switch {
	case errors.Is(err, directory.ErrNotFound):
		log.Info("Subject not in directory", "user_key", userKey)
		t.record(TriggerThreshold, resultSkipped)
		return res, nil
	case err != nil:
		t.record(TriggerThreshold, resultError)
		return res, fmt.Errorf("threshold lookup: %w", err)
	}

	promille := t.cfg.Promille.Compute(user.UnitTakenTimestamps, t.now())
	log.Debug("Computed promille", "user_key", userKey, "promille", promille)
	if promille < t.cfg.Threshold {
		t.record(TriggerThreshold, resultSkipped)
		return res, nil
	}

	admins, err := t.directory.Resolve(ctx, directory.Admins())
	if err != nil {
		t.record(TriggerThreshold, resultError)
		return res, fmt.Errorf("threshold recipients: %w", err)
	}

	rec := dispatch.NewRecord(
		fmt.Sprintf("⚠️ FYLLEVARNING PÅ %s ⚠️", strings.ToUpper(user.FirstName)),
		fmt.Sprintf("%s har %.2f promille alkohol i blodet", user.FirstName, promille),
		map[string]any{"userId": userKey, "promille": promille},
	)
	log.Info("Threshold reached", "user_key", userKey, "promille", promille, "recipients", len(admins))
	return t.fire(ctx, TriggerThreshold, res, admins, rec), nil
}

// SafeArrival alerts admins when a user marks themselves as home. Falsy
// values are ignored.
func (t *Triggers) SafeArrival(ctx context.Context, userKey string, value any) (Result, error) {
	id, log := t.begin(TriggerSafeArrival)
	res := Result{InvocationID: id}

	if !Truthy(value) {
		t.record(TriggerSafeArrival, resultSkipped)
		return res, nil
	}

	user, err := t.directory.Lookup(ctx, userKey)
	switch {
	case errors.Is(err, directory.ErrNotFound):
		log.Info("Subject not in directory", "user_key", userKey)
		t.record(TriggerSafeArrival, resultSkipped)
		return res, nil
	case err != nil:
		t.record(TriggerSafeArrival, resultError)
		return res, fmt.Errorf("safe arrival lookup: %w", err)
	}
	admins, err := t.directory.Resolve(ctx, directory.Admins())
	if err != nil {
		t.record(TriggerSafeArrival, resultError)
		return res, fmt.Errorf("safe arrival recipients: %w", err)
	}

	rec := dispatch.NewRecord(
		"Nolla har kommit hem säkert 🏠",
		fmt.Sprintf("%s har markerat sig själv som hemkommen", user.FirstName),
		map[string]any{"userId": userKey, "safeArrival": true},
	)
	log.Info("Safe arrival", "user_key", userKey, "recipients", len(admins))
	return t.fire(ctx, TriggerSafeArrival, res, admins, rec), nil
}

// Announce broadcasts message on behalf of an admin caller.
func (t *Triggers) Announce(ctx context.Context, callerID, message string) (Result, error) {
	id, log := t.begin(TriggerAnnouncement)
	res := Result{InvocationID: id}

	if callerID == "" {
		t.record(TriggerAnnouncement, resultRejected)
		return res, newCommandError(KindUnauthenticated, "caller is not authenticated", nil)
	}
	if strings.TrimSpace(message) == "" {
		t.record(TriggerAnnouncement, resultRejected)
		return res, newCommandError(KindInvalidArgument, "message is required", nil)
	}

	_, caller, err := t.directory.FindByUserID(ctx, callerID)
	switch {
	case errors.Is(err, directory.ErrNotFound):
		t.record(TriggerAnnouncement, resultRejected)
		return res, newCommandError(KindPermissionDenied, "caller is not an admin", nil)
	case err != nil:
		t.record(TriggerAnnouncement, resultError)
		log.Error("Failed to look up caller", "caller_id", callerID, "err", err)
		return res, newCommandError(KindInternal, "failed to look up caller", err)
	case !caller.Admin:
		t.record(TriggerAnnouncement, resultRejected)
		return res, newCommandError(KindPermissionDenied, "caller is not an admin", nil)
	}

	filter := directory.Everyone()
	if t.cfg.Audience == AudienceNonAdmin {
		filter = directory.NonAdmins()
	}
	recipients, err := t.directory.Resolve(ctx, filter)
	if err != nil {
		t.record(TriggerAnnouncement, resultError)
		log.Error("Failed to resolve audience", "audience", filter.String(), "err", err)
		return res, newCommandError(KindInternal, "failed to resolve recipients", err)
	}

	rec := dispatch.NewRecord("Announcement", message, map[string]any{"type": "announcement"})
	log.Info("Announcement", "caller_id", callerID, "audience", filter.String(), "recipients", len(recipients))
	return t.fire(ctx, TriggerAnnouncement, res, recipients, rec), nil
}

// PaymentReturn nudges the caller back into the app after the grace delay.
// The delay is not interrupted by ctx and the send runs to completion even
// if the caller goes away.
func (t *Triggers) PaymentReturn(ctx context.Context, callerID string) (Result, error) {
	id, log := t.begin(TriggerPaymentReturn)
	res := Result{InvocationID: id}

	if callerID == "" {
		t.record(TriggerPaymentReturn, resultRejected)
		return res, newCommandError(KindUnauthenticated, "caller is not authenticated", nil)
	}

	user, err := t.directory.Lookup(ctx, callerID)
	switch {
	case errors.Is(err, directory.ErrNotFound):
		t.record(TriggerPaymentReturn, resultRejected)
		return res, newCommandError(KindNotFound, "user not found", nil)
	case err != nil:
		t.record(TriggerPaymentReturn, resultError)
		log.Error("Failed to look up caller", "caller_id", callerID, "err", err)
		return res, newCommandError(KindInternal, "failed to look up user", err)
	}

	t.sleep(t.cfg.ReturnDelay)

	rec := dispatch.NewRecord(
		"Återgå till appen",
		"Klicka här för att gå tillbaka till appen",
		map[string]any{"type": "swish_return"},
	)
	recipients := map[string]dispatch.Recipient{callerID: user.Recipient(callerID)}
	log.Info("Payment return", "caller_id", callerID)
	return t.fire(context.WithoutCancel(ctx), TriggerPaymentReturn, res, recipients, rec), nil
}

func (t *Triggers) fire(ctx context.Context, trigger string, res Result, recipients map[string]dispatch.Recipient, rec dispatch.Record) Result {
	if len(recipients) == 0 {
		t.record(trigger, resultSkipped)
		return res
	}
	res.Fired = true
	res.Report = t.dispatcher.Dispatch(ctx, recipients, rec)
	t.record(trigger, resultDispatched)
	return res
}

// Truthy reports whether a decoded JSON value counts as set.
func Truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return x != ""
	case float64:
		return x != 0
	case int:
		return x != 0
	case int64:
		return x != 0
	default:
		return true
	}
}
