// Package room defines the interfaces and types for audio-room connectivity.
//
// The two primary abstractions are:
//
//   - [Platform] — joins a named room and returns a [Conn].
//   - [Conn] — represents an active room membership, giving callers a single
//     stream of lifecycle events, per-track audio frame channels, and a way to
//     publish an outbound synthetic audio track.
//
// Implementations are provided by transport-specific adapter packages (e.g.,
// room/wsroom, room/mock). All lifecycle notifications arrive as values on
// one [Conn.Events] channel rather than as registered callbacks, so a
// consumer can run a single control loop and dispatch explicitly.
//
// This package lives under pkg/ because external transport adapters are
// expected to implement [Platform] and [Conn].
package room

import (
	"context"

	"github.com/MrWong99/sonavox/pkg/audio"
)

// EventType classifies lifecycle events emitted by a [Conn].
type EventType int

const (
	// EventParticipantJoined is emitted when a participant enters the room.
	EventParticipantJoined EventType = iota

	// EventParticipantLeft is emitted when a participant leaves the room.
	EventParticipantLeft

	// EventTrackSubscribed is emitted when a participant's media track
	// becomes available for consumption. The event carries the [Track].
	EventTrackSubscribed

	// EventTrackUnsubscribed is emitted when a previously subscribed track
	// is gone. The track's Frames channel is closed before this event is
	// delivered.
	EventTrackUnsubscribed
)

// String returns the human-readable name of the event type.
func (e EventType) String() string {
	switch e {
	case EventParticipantJoined:
		return "PARTICIPANT_JOINED"
	case EventParticipantLeft:
		return "PARTICIPANT_LEFT"
	case EventTrackSubscribed:
		return "TRACK_SUBSCRIBED"
	case EventTrackUnsubscribed:
		return "TRACK_UNSUBSCRIBED"
	default:
		return "UNKNOWN"
	}
}

// TrackKind distinguishes media types on a subscribed track.
type TrackKind int

const (
	TrackKindAudio TrackKind = iota
	TrackKindVideo
)

// String returns the human-readable name of the track kind.
func (k TrackKind) String() string {
	switch k {
	case TrackKindAudio:
		return "audio"
	case TrackKindVideo:
		return "video"
	default:
		return "unknown"
	}
}

// Participant identifies a room member.
type Participant struct {
	// ID is the transport-specific unique identifier.
	ID string

	// Name is the human-readable display name.
	Name string
}

// Track is one participant's published media stream within a room.
type Track struct {
	// SID is the transport-assigned track identifier, unique within the room.
	SID string

	// Participant is the publishing room member.
	Participant Participant

	// Kind is the media type of the track.
	Kind TrackKind

	// Frames delivers decoded PCM frames as they arrive from the publisher.
	// The channel is closed when the track is unsubscribed or the
	// participant disconnects; consumers should range over it.
	Frames <-chan audio.AudioFrame
}

// Event describes a lifecycle change within a room.
type Event struct {
	// Type indicates what happened.
	Type EventType

	// Participant is the room member the event concerns.
	Participant Participant

	// Track carries the subscribed track for [EventTrackSubscribed] and
	// [EventTrackUnsubscribed]; nil for participant events.
	Track *Track
}

// Conn represents an active membership in a room.
//
// A Conn is obtained by calling [Platform.Connect] and remains valid until
// [Conn.Disconnect] is called. The events channel and all track frame
// channels are closed automatically when the connection terminates.
//
// Implementations must be safe for concurrent use.
type Conn interface {
	// Events returns the single ordered stream of lifecycle events for this
	// connection. The channel is closed when the connection terminates.
	// Events already in flight when a participant leaves may still be
	// delivered afterwards; consumers must tolerate events for unknown
	// participants.
	Events() <-chan Event

	// PublishTrack registers an outbound synthetic audio track under the
	// given name and returns its [Outbound] writer. Frames pushed to the
	// writer are transported to all room participants. The declared format
	// is what the writer expects every frame to carry.
	PublishTrack(name string, format audio.Format) (*Outbound, error)

	// Disconnect cleanly leaves the room and closes all channels. Safe to
	// call more than once; subsequent calls are no-ops and return nil.
	Disconnect() error
}

// Platform is the entry point for a room-transport provider.
//
// Implementations must be safe for concurrent use.
type Platform interface {
	// Connect joins the named room under the given participant identity and
	// returns an active [Conn]. The supplied ctx governs the connection
	// attempt only; once joined, the Conn remains alive until
	// [Conn.Disconnect] is called.
	Connect(ctx context.Context, roomName, identity string) (Conn, error)
}
