// Package fanout sends one record to many recipients across both transports.
package fanout

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"slices"
	"time"

	"firebase.google.com/go/v4/messaging"
	"golang.org/x/sync/errgroup"

	"github.com/tinywideclouds/go-unitalert-service/internal/compose"
	"github.com/tinywideclouds/go-unitalert-service/internal/platform/apns"
	"github.com/tinywideclouds/go-unitalert-service/internal/platform/fcm"
	"github.com/tinywideclouds/go-unitalert-service/pkg/dispatch"
)

const DefaultSendTimeout = 5 * time.Second

// Gateway submits gateway messages and reports one error per message.
// *fcm.Dispatcher satisfies it.
type Gateway interface {
	Dispatch(ctx context.Context, msgs []*messaging.Message) []error
}

// Sessions hands out native sessions. *registry.Registry satisfies it.
type Sessions interface {
	EnsureSession(ctx context.Context, r dispatch.Recipient) (apns.Session, error)
}

// Recorder receives every finished report.
type Recorder interface {
	RecordReport(report dispatch.Report)
}

type Config struct {
	// SendTimeout bounds each native send and each gateway submission.
	SendTimeout time.Duration
	// MaxParallel caps concurrent native sends; zero means unbounded.
	MaxParallel int
}

type Dispatcher struct {
	gateway  Gateway
	sessions Sessions
	composer compose.Composer
	recorder Recorder
	cfg      Config
	logger   *slog.Logger
}

func New(gateway Gateway, sessions Sessions, composer compose.Composer, cfg Config, logger *slog.Logger) *Dispatcher {
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultSendTimeout
	}
	return &Dispatcher{
		gateway:  gateway,
		sessions: sessions,
		composer: composer,
		cfg:      cfg,
		logger:   logger.With("component", "FanoutDispatcher"),
	}
}

// WithRecorder attaches a metrics sink.
func (d *Dispatcher) WithRecorder(r Recorder) *Dispatcher {
	d.recorder = r
	return d
}

type nativeSend struct {
	recipient dispatch.Recipient
	session   apns.Session
}

// Dispatch delivers rec to every recipient and returns one outcome per
// recipient. Individual failures are recorded, never returned.
func (d *Dispatcher) Dispatch(ctx context.Context, recipients map[string]dispatch.Recipient, rec dispatch.Record) dispatch.Report {
	if len(recipients) == 0 {
		return dispatch.Report{}
	}

	var (
		outcomes []dispatch.Outcome
		gateway  []dispatch.Recipient
		native   []dispatch.Recipient
	)

	// 1. Partition
	for _, id := range slices.Sorted(maps.Keys(recipients)) {
		r := recipients[id]
		r.ID = id
		if reason := skipReason(r); reason != "" {
			outcomes = append(outcomes, dispatch.Outcome{
				RecipientID: id, Transport: r.Transport, Status: dispatch.StatusSkipped, Reason: reason,
			})
			continue
		}
		switch r.Transport {
		case dispatch.TransportGateway:
			gateway = append(gateway, r)
		case dispatch.TransportNative:
			native = append(native, r)
		}
	}

	// 2. Sessions, sequentially
	var sends []nativeSend
	for _, r := range native {
		s, err := d.sessions.EnsureSession(ctx, r)
		if err == nil && s == nil {
			err = errors.New("registry returned no session")
		}
		if err != nil {
			d.logger.Error("Native session unavailable", "recipient_id", r.ID, "err", err)
			outcomes = append(outcomes, failed(r, "session", err))
			continue
		}
		sends = append(sends, nativeSend{recipient: r, session: s})
	}

	// 3. Gateway batch
	outcomes = append(outcomes, d.sendGateway(ctx, gateway, rec)...)

	// 4. Native, in parallel
	outcomes = append(outcomes, d.sendNative(ctx, sends, rec)...)

	// 5. Aggregate
	report := dispatch.Report{Outcomes: outcomes}
	for transport, c := range report.Counts() {
		d.logger.Info("Dispatch summary",
			"transport", string(transport),
			"prepared", c.Prepared,
			"sent", c.Sent,
			"skipped", c.Skipped,
			"failed", c.Failed,
		)
	}
	if d.recorder != nil {
		d.recorder.RecordReport(report)
	}
	return report
}

func (d *Dispatcher) sendGateway(ctx context.Context, recipients []dispatch.Recipient, rec dispatch.Record) []dispatch.Outcome {
	if len(recipients) == 0 {
		return nil
	}
	msgs := make([]*messaging.Message, len(recipients))
	for i, r := range recipients {
		msgs[i] = d.composer.Gateway(rec, r.Token)
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
	defer cancel()
	errs := d.gateway.Dispatch(sendCtx, msgs)

	outcomes := make([]dispatch.Outcome, len(recipients))
	for i, r := range recipients {
		var err error
		if i < len(errs) {
			err = errs[i]
		} else {
			err = errors.New("gateway returned no result")
		}
		if err != nil {
			outcomes[i] = failed(r, fcm.Reason(err), err)
			continue
		}
		outcomes[i] = delivered(r)
	}
	return outcomes
}

func (d *Dispatcher) sendNative(ctx context.Context, sends []nativeSend, rec dispatch.Record) []dispatch.Outcome {
	outcomes := make([]dispatch.Outcome, len(sends))

	var g errgroup.Group
	if d.cfg.MaxParallel > 0 {
		g.SetLimit(d.cfg.MaxParallel)
	}
	for i, s := range sends {
		g.Go(func() error {
			n := d.composer.Native(rec, s.recipient.Token)

			sendCtx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
			defer cancel()

			if err := s.session.Send(sendCtx, n); err != nil {
				outcomes[i] = failed(s.recipient, nativeReason(err), err)
				return nil
			}
			outcomes[i] = delivered(s.recipient)
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

func skipReason(r dispatch.Recipient) string {
	switch {
	case r.Muted:
		return "muted"
	case r.Token == "":
		return "no_token"
	case r.Transport != dispatch.TransportGateway && r.Transport != dispatch.TransportNative:
		return "no_transport"
	default:
		return ""
	}
}

func nativeReason(err error) string {
	var rejected *apns.RejectedError
	switch {
	case errors.As(err, &rejected):
		return rejected.Reason
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "transport"
	}
}

func delivered(r dispatch.Recipient) dispatch.Outcome {
	return dispatch.Outcome{RecipientID: r.ID, Transport: r.Transport, Status: dispatch.StatusDelivered}
}

func failed(r dispatch.Recipient, reason string, err error) dispatch.Outcome {
	return dispatch.Outcome{RecipientID: r.ID, Transport: r.Transport, Status: dispatch.StatusFailed, Reason: reason, Err: err}
}
