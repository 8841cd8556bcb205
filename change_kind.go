package gcalnotify

// ChangeKind is the meaning of a changed event.
type ChangeKind int

const (
	ChangeKindUnknown ChangeKind = iota
	ChangeKindCreated
	ChangeKindUpdated
	ChangeKindCancelled
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeKindCreated:
		return "Created"
	case ChangeKindUpdated:
		return "Updated"
	case ChangeKindCancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// Lead returns the first line of a notification for the kind.
func (k ChangeKind) Lead() string {
	switch k {
	case ChangeKindCreated:
		return "A new event has been added"
	case ChangeKindUpdated:
		return "An event has been updated"
	case ChangeKindCancelled:
		return "An event has been cancelled"
	default:
		return ""
	}
}

// DetailType constants for EventBridge events.
const (
	DetailTypeEventCreated   = "Calendar Event Created"
	DetailTypeEventUpdated   = "Calendar Event Updated"
	DetailTypeEventCancelled = "Calendar Event Cancelled"
)

// DetailType returns the EventBridge detail-type for the kind.
func (k ChangeKind) DetailType() string {
	switch k {
	case ChangeKindCreated:
		return DetailTypeEventCreated
	case ChangeKindUpdated:
		return DetailTypeEventUpdated
	case ChangeKindCancelled:
		return DetailTypeEventCancelled
	default:
		return "Unexpected Changed"
	}
}

// ParseChangeKind is the inverse of ChangeKind.String.
func ParseChangeKind(s string) ChangeKind {
	switch s {
	case "Created":
		return ChangeKindCreated
	case "Updated":
		return ChangeKindUpdated
	case "Cancelled":
		return ChangeKindCancelled
	default:
		return ChangeKindUnknown
	}
}
