// Package transport defines the contracts the gateway core needs from the
// chat-network client library. The wire protocol itself lives behind these
// interfaces; the core never touches it.
package transport

import "context"

// Kind selects a directory listing type.
type Kind string

const (
	KindGroup   Kind = "group"
	KindChannel Kind = "channel"
)

// Suffix returns the id suffix recipients of this kind must carry.
func (k Kind) Suffix() string {
	switch k {
	case KindChannel:
		return "@newsletter"
	default:
		return "@g.us"
	}
}

func (k Kind) Valid() bool { return k == KindGroup || k == KindChannel }

// Credentials is the opaque multi-file authentication state of a session,
// keyed by file name. The core persists and clears it but never inspects it.
type Credentials map[string][]byte

// SessionStore persists session credentials across restarts.
type SessionStore interface {
	Load(ctx context.Context) (Credentials, error)
	Persist(ctx context.Context, creds Credentials) error
	Clear(ctx context.Context) error
}

// CloseReason classifies why the transport closed the session. It drives the
// reconnect-vs-terminate decision.
type CloseReason string

const (
	CloseLoggedOut CloseReason = "logged_out"
	CloseForbidden CloseReason = "forbidden"
	CloseOther     CloseReason = "other"
)

type EventType string

const (
	EventPairing EventType = "pairing" // a pairing payload is available
	EventOpened  EventType = "opened"  // the session is authenticated and usable
	EventClosed  EventType = "closed"  // the session ended; see CloseReason
)

// Event is one item on a session's lifecycle stream.
type Event struct {
	Type EventType

	// PairingPayload is set for EventPairing.
	PairingPayload string

	// CloseReason and CloseErr are set for EventClosed.
	CloseReason CloseReason
	CloseErr    error
}

// RawEntry is one row of an unfiltered directory listing.
type RawEntry struct {
	ID           string
	Name         string
	Participants int  // groups
	Verified     bool // channels
}

type PayloadKind string

const (
	PayloadText     PayloadKind = "text"
	PayloadImage    PayloadKind = "image"
	PayloadVideo    PayloadKind = "video"
	PayloadAudio    PayloadKind = "audio"
	PayloadDocument PayloadKind = "document"
)

// Payload is one deliverable message. Text carries the body for PayloadText
// and the caption for media kinds (empty for PayloadAudio; the transport
// does not support audio captions).
type Payload struct {
	Kind     PayloadKind
	Text     string
	Data     []byte
	MIME     string
	FileName string
}

// Session is one live connection to the chat network.
//
// Events delivers the lifecycle stream; the channel is closed when the
// session object is discarded. All other methods are only meaningful after
// EventOpened.
type Session interface {
	Events() <-chan Event
	FetchDirectory(ctx context.Context, kind Kind) ([]RawEntry, error)
	Send(ctx context.Context, recipientID string, p Payload) error
	Logout(ctx context.Context) error
	Close() error
}

// Dialer opens sessions. Implemented by the external protocol provider.
type Dialer interface {
	Dial(ctx context.Context, creds Credentials) (Session, error)
}

// QREncoder renders a raw pairing payload into a displayable image.
type QREncoder interface {
	Encode(payload string) ([]byte, error)
}
