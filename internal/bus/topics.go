package bus

import "time"

// Topics published by the sync client. Subscribers typically use the
// prefixes "transcript.", "conn.", "poll." and "session.".
const (
	TopicTranscriptAppended = "transcript.appended"
	TopicTranscriptDeduped  = "transcript.deduped"

	TopicConnState = "conn.state"

	TopicPollOnline     = "poll.online"
	TopicPollScreenshot = "poll.screenshot"

	TopicSessionAuthenticated = "session.authenticated"
	TopicSessionExpired       = "session.expired"

	TopicCommandFailed = "command.failed"
)

// TranscriptAppendedEvent is published after an entry lands in the store.
// It carries the full entry so consumers (archiver) need not read back.
type TranscriptAppendedEvent struct {
	Index         int    // position in the transcript
	Role          string // user|agent|system|error
	Content       string
	Reasoning     string
	AgentLabel    string
	Status        string
	CorrelationID string
	InsertedAt    time.Time
}

// TranscriptDedupedEvent is published when a candidate agent answer is
// discarded because an entry with the same fingerprint already exists.
type TranscriptDedupedEvent struct {
	Fingerprint string
	Source      string // "poll" or "stream"
}

// ConnStateEvent is published on every connection state transition.
type ConnStateEvent struct {
	State string // Connecting|Open|Closed|Errored
	Err   string // set when State is Errored
}

// PollOnlineEvent is published when the liveness flag flips.
type PollOnlineEvent struct {
	Online bool
}

// PollScreenshotEvent is published when a new screenshot is installed.
type PollScreenshotEvent struct {
	Bytes       int
	Placeholder bool
}

// SessionExpiredEvent is published when a refresh failure terminates the
// authenticated session. The UI must drop to the unauthenticated state.
type SessionExpiredEvent struct {
	Reason string
}

// CommandFailedEvent is published when a user-issued command (query, stop)
// fails with a non-auth error; it surfaces as an error transcript entry.
type CommandFailedEvent struct {
	Command string
	Err     string
}
