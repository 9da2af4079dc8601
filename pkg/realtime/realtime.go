// Package realtime defines the contract for streaming conversational AI
// sessions.
//
// A session is a long-lived duplex exchange with a remote voice AI service:
// the caller streams raw PCM audio in, and the service streams back speech
// boundaries, transcripts, response text, and synthesised audio. All inbound
// traffic is surfaced as a single ordered stream of tagged [Event] values on
// [Session.Events], so a consumer can run one dispatch loop and rely on
// arrival order (audio deltas in particular must be played in the order the
// service emitted them).
//
// All implementations must be safe for concurrent use.
package realtime

import "context"

// State enumerates the lifecycle of a [Session].
type State int

const (
	// StateDisconnected is the initial state, before Connect, and the final
	// state after a clean Close.
	StateDisconnected State = iota

	// StateConnecting covers the transport handshake.
	StateConnecting

	// StateAwaitingAck means the transport is up and the session
	// configuration has been sent, but the service has not yet acknowledged
	// the session. Audio sent now is silently dropped.
	StateAwaitingAck

	// StateActive means the service has acknowledged the session; audio may
	// be sent and response events flow.
	StateActive

	// StateClosing covers an explicit shutdown in progress.
	StateClosing

	// StateFailed is terminal: the transport dropped or the service reported
	// an unrecoverable error. No further sends are attempted.
	StateFailed
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateAwaitingAck:
		return "AWAITING_ACK"
	case StateActive:
		return "ACTIVE"
	case StateClosing:
		return "CLOSING"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// EventType tags the variants of [Event].
type EventType int

const (
	// EventSessionCreated carries the service-assigned session ID and model.
	EventSessionCreated EventType = iota

	// EventSessionUpdated acknowledges a configuration update. Informational.
	EventSessionUpdated

	// EventSpeechStarted signals the service's VAD detected speech onset in
	// the input buffer.
	EventSpeechStarted

	// EventSpeechStopped signals the service's VAD detected end of speech.
	EventSpeechStopped

	// EventBufferCommitted signals the input audio buffer was committed as a
	// conversation turn.
	EventBufferCommitted

	// EventTranscriptionCompleted carries the transcript of the user's
	// committed speech in Text.
	EventTranscriptionCompleted

	// EventResponseTextDelta carries an incremental piece of the response
	// transcript in Text.
	EventResponseTextDelta

	// EventResponseTextDone carries the full response transcript in Text.
	EventResponseTextDone

	// EventResponseAudioDelta carries a chunk of synthesised response audio
	// in Audio, already decoded from the wire encoding to raw PCM16.
	EventResponseAudioDelta

	// EventResponseAudioDone signals the end of the response's audio stream.
	EventResponseAudioDone

	// EventResponseDone signals the whole response cycle is complete.
	EventResponseDone

	// EventError carries a service-reported error in Err. Not necessarily
	// fatal; the session remains active unless the transport also drops.
	EventError
)

// String returns the human-readable name of the event type.
func (t EventType) String() string {
	switch t {
	case EventSessionCreated:
		return "SESSION_CREATED"
	case EventSessionUpdated:
		return "SESSION_UPDATED"
	case EventSpeechStarted:
		return "SPEECH_STARTED"
	case EventSpeechStopped:
		return "SPEECH_STOPPED"
	case EventBufferCommitted:
		return "BUFFER_COMMITTED"
	case EventTranscriptionCompleted:
		return "TRANSCRIPTION_COMPLETED"
	case EventResponseTextDelta:
		return "RESPONSE_TEXT_DELTA"
	case EventResponseTextDone:
		return "RESPONSE_TEXT_DONE"
	case EventResponseAudioDelta:
		return "RESPONSE_AUDIO_DELTA"
	case EventResponseAudioDone:
		return "RESPONSE_AUDIO_DONE"
	case EventResponseDone:
		return "RESPONSE_DONE"
	case EventError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Event is one inbound protocol message decoded into its tagged variant.
// Only the fields relevant to the Type are populated. Events are ephemeral:
// consumed immediately, never persisted.
type Event struct {
	Type EventType

	// SessionID and Model are set for EventSessionCreated.
	SessionID string
	Model     string

	// Text is set for transcription and response-text events.
	Text string

	// Audio is set for EventResponseAudioDelta: raw PCM16 bytes.
	Audio []byte

	// Err is set for EventError.
	Err error
}

// TurnDetection configures the service's voice-activity detection policy for
// segmenting speech turns out of the continuous input buffer.
type TurnDetection struct {
	// Type selects the detection strategy, e.g. "server_vad".
	Type string

	// Threshold is the activation threshold in [0, 1].
	Threshold float64

	// PrefixPaddingMs is how much audio before detected onset to include.
	PrefixPaddingMs int

	// SilenceDurationMs is how long silence must last to end a turn.
	SilenceDurationMs int
}

// SessionConfig is the initial configuration for a new session.
type SessionConfig struct {
	// Modalities the service should respond with, e.g. ["text", "audio"].
	Modalities []string

	// Voice identifies the synthesised output voice.
	Voice string

	// Instructions is the system-level prompt for the conversation.
	Instructions string

	// InputSampleRate and OutputSampleRate are the PCM16 rates for audio
	// sent to and received from the service, in Hz.
	InputSampleRate  int
	OutputSampleRate int

	// InputTranscriptionModel names the model transcribing participant
	// speech server-side, e.g. "whisper-1". Empty disables transcription,
	// and no [EventTranscriptionCompleted] events will arrive.
	InputTranscriptionModel string

	// TurnDetection is the VAD policy. A zero value lets the service default.
	TurnDetection TurnDetection
}

// Stats holds the session's bookkeeping counters.
type Stats struct {
	// ChunksSent counts audio chunks accepted by SendAudio since connect.
	ChunksSent int64

	// ChunksReceived counts audio delta events in the current response; it
	// resets to zero when the response's audio stream completes.
	ChunksReceived int64
}

// Session represents an open conversation session.
//
// Callers must call Close when the session is no longer needed and should
// drain Events promptly; the receive loop delivers events in arrival order
// and does not drop them.
type Session interface {
	// SendAudio delivers a raw PCM16 chunk to the service. Outside the
	// Active state this is a silent no-op: upstream audio routinely arrives
	// before the handshake completes, and dropping it is the accepted
	// behavior rather than an error. Concurrent callers are serialized; a
	// single caller's chunks are sent in call order.
	SendAudio(pcm []byte) error

	// Events returns the ordered stream of decoded inbound events. The
	// channel is closed when the session ends; check Err afterwards to
	// distinguish clean shutdown from failure.
	Events() <-chan Event

	// State returns the current lifecycle state.
	State() State

	// SessionID returns the service-assigned session identifier, or "" if
	// the session has not been acknowledged yet.
	SessionID() string

	// Stats returns a snapshot of the session's counters.
	Stats() Stats

	// Err returns the error that moved the session to StateFailed, or nil.
	Err() error

	// Close terminates the session and closes Events. Calling Close more
	// than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over a streaming conversational AI backend.
type Provider interface {
	// Connect opens the transport and sends the session configuration. It
	// returns once the configuration is on the wire; the service's
	// acknowledgement arrives asynchronously as [EventSessionCreated], at
	// which point the session turns Active and accepts audio. The caller
	// owns the Session and must call Close.
	Connect(ctx context.Context, cfg SessionConfig) (Session, error)
}
