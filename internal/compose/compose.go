// Package compose turns a transport-agnostic record into transport payloads.
// Nothing here performs I/O.
package compose

import (
	"firebase.google.com/go/v4/messaging"
	"github.com/sideshow/apns2"
	"github.com/sideshow/apns2/payload"

	"github.com/tinywideclouds/go-unitalert-service/pkg/dispatch"
)

const (
	DefaultGatewaySound = "notification"
	DefaultNativeSound  = "notification.wav"
)

// Composer carries the fixed per-app payload settings.
type Composer struct {
	Topic        string // APNs topic, the app bundle id
	NativeSound  string
	GatewaySound string
}

func New(topic string) Composer {
	return Composer{Topic: topic, NativeSound: DefaultNativeSound, GatewaySound: DefaultGatewaySound}
}

// Gateway builds the FCM message addressed to token.
func (c Composer) Gateway(rec dispatch.Record, token string) *messaging.Message {
	return &messaging.Message{
		Token: token,
		Notification: &messaging.Notification{
			Title: rec.Title(),
			Body:  rec.Body(),
		},
		Data: rec.Data(),
		Android: &messaging.AndroidConfig{
			Priority: "high",
			Notification: &messaging.AndroidNotification{
				Sound:    c.GatewaySound,
				Priority: messaging.PriorityHigh,
			},
		},
	}
}

// Native builds the APNs notification addressed to token. Data fields are
// placed at the top level of the payload next to "aps".
func (c Composer) Native(rec dispatch.Record, token string) *apns2.Notification {
	p := payload.NewPayload().
		AlertTitle(rec.Title()).
		AlertBody(rec.Body()).
		Sound(c.NativeSound)
	for k, v := range rec.Data() {
		p.Custom(k, v)
	}

	return &apns2.Notification{
		DeviceToken: token,
		Topic:       c.Topic,
		Payload:     p,
		Priority:    apns2.PriorityHigh,
		PushType:    apns2.PushTypeAlert,
	}
}
