// Package channel defines the narrow contract to the external chat-channel
// client. The bridge subpackage implements it against a browser-automation
// bridge process; everything else consumes the contract.
package channel

import (
	"context"
	"strings"
	"time"
)

// Adapter opens authenticated channel connections on behalf of tenants.
type Adapter interface {
	// Open starts a connection bound to a tenant-scoped persistent profile
	// directory. The directory must exist and be writable before Open is
	// called. Open returns as soon as the underlying client is allocated;
	// authentication progress is reported through Handle.Events.
	Open(ctx context.Context, tenantID, profileDir string) (Handle, error)
}

// Handle is an open channel connection owned by exactly one session.
type Handle interface {
	// Events delivers connection lifecycle and inbound message events in
	// the order the channel emits them. The channel is closed on Destroy.
	Events() <-chan Event
	Send(ctx context.Context, address, text string) error
	Logout(ctx context.Context) error
	Destroy(ctx context.Context) error
}

// EventKind identifies a channel lifecycle or message event.
type EventKind string

const (
	EventQR           EventKind = "qr"
	EventReady        EventKind = "ready"
	EventMessage      EventKind = "message"
	EventDisconnected EventKind = "disconnected"
	EventAuthFailure  EventKind = "auth_failure"
)

// Event is a single notification from an open Handle.
type Event struct {
	Kind     EventKind
	QRToken  string   // EventQR: challenge token to present for scanning
	Identity string   // EventReady: phone identity of the authenticated account
	Reason   string   // EventDisconnected / EventAuthFailure
	Message  *Message // EventMessage
}

// Message is a raw inbound channel message before filtering.
type Message struct {
	SourceID   string
	From       string
	To         string
	Type       string
	Body       string
	FromSelf   bool
	ReceivedAt time.Time
}

// Address suffixes for group-like and broadcast-like address classes.
// Messages from these classes are never persisted.
var groupClassSuffixes = []string{
	"@g.us",
	"@broadcast",
	"@newsletter",
	"@community",
	"@temp",
}

// IsGroupClassAddress reports whether the address belongs to a group,
// community, broadcast, newsletter, or ephemeral-temp address class.
func IsGroupClassAddress(address string) bool {
	address = strings.ToLower(strings.TrimSpace(address))
	for _, suffix := range groupClassSuffixes {
		if strings.HasSuffix(address, suffix) {
			return true
		}
	}
	return false
}

// Non-text media message types skipped by the inbound filter.
var mediaTypes = map[string]struct{}{
	"sticker":  {},
	"location": {},
	"audio":    {},
	"ptt":      {},
	"video":    {},
	"image":    {},
}

// IsMediaType reports whether the message type is in the non-text media set.
func IsMediaType(messageType string) bool {
	_, ok := mediaTypes[strings.ToLower(strings.TrimSpace(messageType))]
	return ok
}
