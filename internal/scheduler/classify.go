package scheduler

// EventClass discriminates how a broker event is routed, grounded on
// dispatch_conv.rs's upstream-event-kind-to-dispatch-name table: most
// kinds pass straight through to the guild session, but a handful are
// handled by the scheduler itself before a session ever sees them.
type EventClass int

const (
	EventNormal EventClass = iota
	EventGuildDelete
)

// classifyEvent maps a broker event kind to its routing class.
func classifyEvent(kind string) EventClass {
	switch kind {
	case "GUILD_DELETE":
		return EventGuildDelete
	default:
		return EventNormal
	}
}
