// Package dispatch contains the transport-agnostic domain types shared by the
// directory, the fan-out dispatcher and the trigger adapters.
package dispatch

import (
	"fmt"
	"maps"
	"strconv"

	"github.com/tinywideclouds/go-platform/pkg/notification/v1"
)

// Transport identifies which push service delivers to a recipient.
type Transport string

const (
	// TransportGateway is the token-addressed push gateway (FCM).
	TransportGateway Transport = "gateway"
	// TransportNative is the key-signed native push provider (APNs).
	TransportNative Transport = "native"
)

// Environment selects the native credential set.
type Environment string

const (
	EnvironmentSandbox    Environment = "sandbox"
	EnvironmentProduction Environment = "production"
)

// Recipient is a resolved delivery target.
type Recipient struct {
	ID          string
	Transport   Transport
	Environment Environment
	Token       string
	Muted       bool
}

// Deliverable reports whether the recipient can be handed to a transport at all.
func (r Recipient) Deliverable() bool {
	return !r.Muted && r.Token != "" && (r.Transport == TransportGateway || r.Transport == TransportNative)
}

// Record is one logical notification. It is fixed once built.
type Record struct {
	content notification.NotificationContent
	data    map[string]string
}

// NewRecord builds a Record, coercing every data value to a string because the
// native transport only carries string fields. Nil values are dropped.
func NewRecord(title, body string, data map[string]any) Record {
	out := make(map[string]string, len(data))
	for k, v := range data {
		if v == nil {
			continue
		}
		out[k] = stringify(v)
	}
	return Record{
		content: notification.NotificationContent{Title: title, Body: body},
		data:    out,
	}
}

func (r Record) Title() string { return r.content.Title }
func (r Record) Body() string  { return r.content.Body }

// Content returns the title/body pair.
func (r Record) Content() notification.NotificationContent { return r.content }

// Data returns a copy of the structured payload.
func (r Record) Data() map[string]string { return maps.Clone(r.data) }

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprint(t)
	}
}

// Status is the per-recipient result of a dispatch.
type Status string

const (
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
)

// Outcome is what happened to one recipient.
type Outcome struct {
	RecipientID string
	Transport   Transport
	Status      Status
	// Reason is a short diagnostic: the skip cause or the transport's rejection reason.
	Reason string
	Err    error
}

// Counts summarises one transport's share of a dispatch.
type Counts struct {
	Prepared int
	Sent     int
	Skipped  int
	Failed   int
}

// Report aggregates all outcomes of a dispatch.
type Report struct {
	Outcomes []Outcome
}

// Counts tallies outcomes per transport. Skipped recipients without a resolved
// transport are counted under the empty transport.
func (r Report) Counts() map[Transport]Counts {
	out := make(map[Transport]Counts)
	for _, o := range r.Outcomes {
		c := out[o.Transport]
		switch o.Status {
		case StatusDelivered:
			c.Prepared++
			c.Sent++
		case StatusFailed:
			c.Prepared++
			c.Failed++
		case StatusSkipped:
			c.Skipped++
		}
		out[o.Transport] = c
	}
	return out
}

// Delivered returns the number of delivered outcomes.
func (r Report) Delivered() int { return r.count(StatusDelivered) }

// Failed returns the number of failed outcomes.
func (r Report) Failed() int { return r.count(StatusFailed) }

// Skipped returns the number of skipped outcomes.
func (r Report) Skipped() int { return r.count(StatusSkipped) }

func (r Report) count(s Status) int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Status == s {
			n++
		}
	}
	return n
}
