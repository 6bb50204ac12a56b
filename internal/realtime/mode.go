package realtime

// Mode is the transport currently used for every channel.
type Mode string

const (
	// ModePush delivers events over the push transport as they occur.
	ModePush Mode = "push"
	// ModePoll fetches each channel's fallback on a fixed interval.
	ModePoll Mode = "poll"
)

func (m Mode) String() string { return string(m) }

// Valid reports whether m is one of the known modes.
func (m Mode) Valid() bool {
	return m == ModePush || m == ModePoll
}

// Reason explains why the status endpoint chose a mode. It is carried
// for display and logging only; unknown values pass through verbatim.
type Reason string

// Reasons observed from the status endpoint, plus the local fail-safe.
const (
	ReasonWithinLimits            Reason = "within_limits"
	ReasonDailyLimitExceeded      Reason = "daily_limit_exceeded"
	ReasonConnectionLimitExceeded Reason = "connection_limit_exceeded"
	ReasonStatusCheckFailed       Reason = "status_check_failed"
)

func (r Reason) String() string { return string(r) }
