package models

import "time"

// EventKind discriminates event bus payloads.
type EventKind string

const (
	EventSignal   EventKind = "signal"
	EventPosition EventKind = "position"
	EventFeed     EventKind = "feed"
)

// FeedState is the feed connection state machine.
type FeedState string

const (
	FeedDisconnected FeedState = "DISCONNECTED"
	FeedConnecting   FeedState = "CONNECTING"
	FeedSubscribed   FeedState = "SUBSCRIBED"
	FeedStreaming    FeedState = "STREAMING"
)

// Event is the payload published on the event bus. Exactly one of
// Signal, Position or FeedState is set, per Kind.
type Event struct {
	Kind      EventKind
	Timestamp time.Time

	Signal    *Signal
	Position  *Position // snapshot at the transition
	FeedState FeedState
	Detail    string // transition note, close reason, reject reason
}

// NewSignalEvent wraps a signal for publication.
func NewSignalEvent(s *Signal) Event {
	return Event{Kind: EventSignal, Timestamp: time.Now(), Signal: s}
}

// NewPositionEvent wraps a position snapshot for publication.
func NewPositionEvent(p *Position, detail string) Event {
	snap := *p
	return Event{Kind: EventPosition, Timestamp: time.Now(), Position: &snap, Detail: detail}
}

// NewFeedEvent wraps a feed state transition for publication.
func NewFeedEvent(state FeedState, detail string) Event {
	return Event{Kind: EventFeed, Timestamp: time.Now(), FeedState: state, Detail: detail}
}
