// Package live defines the Provider interface for remote streaming
// conversational models.
//
// A live provider holds one long-lived bidirectional connection per
// conversation. The client sends user turns as text; the model streams its
// reply back as text fragments or PCM audio chunks, terminated by exactly one
// [EventTurnComplete] marker. Turns are strictly sequential: the caller must
// not send turn N+1 before the marker for turn N has been observed.
//
// Failures surface as [*Error] values classified at the provider boundary as
// transient (retry or reconnect may help) or fatal (it will not). Callers use
// [IsTransient] rather than inspecting messages.
package live

import "context"

// Modality selects what the model replies with.
type Modality string

const (
	// ModalityText asks for text fragments.
	ModalityText Modality = "TEXT"

	// ModalityAudio asks for 16-bit mono PCM at [AudioSampleRate].
	ModalityAudio Modality = "AUDIO"
)

// AudioSampleRate is the rate of PCM carried by [EventAudio].
const AudioSampleRate = 24000

// SessionConfig is the initial configuration for a new connection.
type SessionConfig struct {
	// Modality selects the reply format. Empty means ModalityText.
	Modality Modality

	// Instructions is the system instruction for the whole conversation.
	Instructions string

	// Voice names the prebuilt voice used when Modality is ModalityAudio.
	Voice string
}

// EventKind distinguishes the events of a reply stream.
type EventKind int

const (
	// EventText carries a text fragment in Event.Text.
	EventText EventKind = iota + 1

	// EventAudio carries a PCM chunk in Event.Audio.
	EventAudio

	// EventTurnComplete marks the end of the model's turn.
	EventTurnComplete
)

// String implements fmt.Stringer.
func (k EventKind) String() string {
	switch k {
	case EventText:
		return "text"
	case EventAudio:
		return "audio"
	case EventTurnComplete:
		return "turn_complete"
	default:
		return "unknown"
	}
}

// Event is one element of a reply stream.
type Event struct {
	Kind  EventKind
	Text  string
	Audio []byte
}

// Conn is an open connection to a live model. Send may be called from one
// goroutine while another drains Events.
type Conn interface {
	// Send transmits one user turn. endOfTurn tells the model to start
	// replying. A nil error means the turn was handed to the transport.
	Send(ctx context.Context, text string, endOfTurn bool) error

	// Events returns the reply stream. The channel is closed when the
	// connection ends, after which Err reports why.
	Events() <-chan Event

	// Err returns the error that ended the event stream, or nil if the
	// connection was closed by the caller.
	Err() error

	// Close terminates the connection. Calling Close more than once is safe.
	Close() error
}

// Provider opens connections to a live model. Implementations must be safe
// for concurrent use.
type Provider interface {
	// Connect dials the model and completes its setup handshake. The caller
	// owns the returned Conn and must Close it.
	Connect(ctx context.Context, cfg SessionConfig) (Conn, error)
}
