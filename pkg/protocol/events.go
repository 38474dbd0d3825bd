package protocol

import "fmt"

// EventKind is a server-to-client notification. It travels on the wire by name.
type EventKind int

const (
	EventUnknown EventKind = iota

	// Calls
	EventIncomingCall
	EventIncomingGroupCall
	EventCallAccepted
	EventCallRejected
	EventCallEnded
	EventReceiveCallOffer
	EventReceiveCallAnswer
	EventReceiveIceCandidate
	EventUserJoinedGroupCall
	EventUserLeftGroupCall
	EventCallMediaStateChanged

	// Presence
	EventUserOnlineStatusChanged

	// Conversation activity, supplied pre-formed by the message collaborators
	EventReceiveMessage
	EventMessageRead
	EventMessageEdited
	EventMessagePinned
	EventConversationArchived
	EventPermissionChanged
	EventReactionAdded
	EventReactionRemoved
)

var eventNames = map[EventKind]string{
	EventIncomingCall:            "IncomingCall",
	EventIncomingGroupCall:       "IncomingGroupCall",
	EventCallAccepted:            "CallAccepted",
	EventCallRejected:            "CallRejected",
	EventCallEnded:               "CallEnded",
	EventReceiveCallOffer:        "ReceiveCallOffer",
	EventReceiveCallAnswer:       "ReceiveCallAnswer",
	EventReceiveIceCandidate:     "ReceiveIceCandidate",
	EventUserJoinedGroupCall:     "UserJoinedGroupCall",
	EventUserLeftGroupCall:       "UserLeftGroupCall",
	EventCallMediaStateChanged:   "CallMediaStateChanged",
	EventUserOnlineStatusChanged: "UserOnlineStatusChanged",
	EventReceiveMessage:          "ReceiveMessage",
	EventMessageRead:             "MessageRead",
	EventMessageEdited:           "MessageEdited",
	EventMessagePinned:           "MessagePinned",
	EventConversationArchived:    "ConversationArchived",
	EventPermissionChanged:       "PermissionChanged",
	EventReactionAdded:           "ReactionAdded",
	EventReactionRemoved:         "ReactionRemoved",
}

var eventsByName = func() map[string]EventKind {
	m := make(map[string]EventKind, len(eventNames))
	for kind, name := range eventNames {
		m[name] = kind
	}
	return m
}()

func (k EventKind) String() string {
	if name, ok := eventNames[k]; ok {
		return name
	}
	return fmt.Sprintf("EventKind(%d)", int(k))
}

// ParseEventKind resolves a wire name.
func ParseEventKind(name string) (EventKind, error) {
	if kind, ok := eventsByName[name]; ok {
		return kind, nil
	}
	return EventUnknown, fmt.Errorf("unknown event %q", name)
}

// IsConversationActivity reports whether collaborators may publish k through the ingest API.
func (k EventKind) IsConversationActivity() bool {
	return k >= EventReceiveMessage && k <= EventReactionRemoved
}

func (k EventKind) MarshalText() ([]byte, error) {
	name, ok := eventNames[k]
	if !ok {
		return nil, fmt.Errorf("cannot encode unknown event kind %d", int(k))
	}
	return []byte(name), nil
}

func (k *EventKind) UnmarshalText(text []byte) error {
	kind, err := ParseEventKind(string(text))
	if err != nil {
		return err
	}
	*k = kind
	return nil
}
