// Package transport defines the outbound delivery capability consumed by the
// scheduling engine. The actual connection lifecycle (pairing, auth, framing)
// lives outside this module; the engine only needs Send.
package transport

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"wagate/pkg/logx"
)

type PayloadKind string

const (
	KindText     PayloadKind = "text"
	KindImage    PayloadKind = "image"
	KindVideo    PayloadKind = "video"
	KindDocument PayloadKind = "document"
)

// Payload is one outbound message body. Text payloads carry Text; media
// payloads carry MediaURL plus an optional Caption.
type Payload struct {
	Kind     PayloadKind `json:"kind"`
	Text     string      `json:"text,omitempty"`
	Caption  string      `json:"caption,omitempty"`
	MediaURL string      `json:"media_url,omitempty"`
}

// IsMedia reports whether the payload is anything other than plain text.
func (p Payload) IsMedia() bool { return p.Kind != "" && p.Kind != KindText }

// Preview returns the human-readable body used for history records.
func (p Payload) Preview() string {
	if p.IsMedia() {
		if p.Caption != "" {
			return p.Caption
		}
		return p.MediaURL
	}
	return p.Text
}

// Receipt is returned by a successful send.
type Receipt struct {
	MessageID string
	Timestamp time.Time
}

// Error wraps a delivery failure with its addressing context.
type Error struct {
	SessionID string
	Recipient string
	Err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("transport send to %s (session %s): %v", e.Recipient, e.SessionID, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Transport delivers a payload to one recipient on behalf of a session.
type Transport interface {
	Send(ctx context.Context, sessionID, recipient string, p Payload) (Receipt, error)
}

// Func adapts a plain function to the Transport interface.
type Func func(ctx context.Context, sessionID, recipient string, p Payload) (Receipt, error)

func (f Func) Send(ctx context.Context, sessionID, recipient string, p Payload) (Receipt, error) {
	return f(ctx, sessionID, recipient, p)
}

const jidSuffix = "@s.whatsapp.net"

// NormalizeRecipient formats a phone number into a deliverable address.
// Numbers already carrying a JID ("@" present) pass through untouched.
// Otherwise non-digits are stripped, a leading "0" is replaced with the
// country code, and a bare national number gets the country code prefixed.
func NormalizeRecipient(raw, countryCode string) string {
	if strings.Contains(raw, "@") {
		return raw
	}
	if countryCode == "" {
		countryCode = "62"
	}
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	num := b.String()
	switch {
	case num == "":
		return raw
	case strings.HasPrefix(num, "0"):
		num = countryCode + num[1:]
	case !strings.HasPrefix(num, countryCode):
		num = countryCode + num
	}
	return num + jidSuffix
}

// DryRun returns a transport that logs every send and fabricates a receipt.
// It lets the daemon run end to end before a real connection layer is wired in.
func DryRun(log logx.Logger) Transport {
	return Func(func(ctx context.Context, sessionID, recipient string, p Payload) (Receipt, error) {
		_ = ctx
		log.Info("dry-run delivery",
			logx.String("session", sessionID),
			logx.String("to", recipient),
			logx.String("kind", string(p.Kind)),
		)
		return Receipt{MessageID: uuid.NewString(), Timestamp: time.Now()}, nil
	})
}
