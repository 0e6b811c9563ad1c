package session

import (
	"fmt"

	"github.com/npezzotti/go-jobsync/internal/types"
)

type NoticeKind int

const (
	// NoticeConnected is sent when a subscription is acknowledged.
	NoticeConnected NoticeKind = iota
	// NoticeDelayed is sent when a subscription failed and is being retried.
	NoticeDelayed
	// NoticeConnectivityLost is sent when a subscription ran out of retries.
	// It stays relevant until the room is activated again.
	NoticeConnectivityLost
	// NoticeSendFailed carries the draft of a rolled back send.
	NoticeSendFailed
	// NoticeLoadFailed is sent when history or notifications could not be fetched.
	NoticeLoadFailed
	NoticeTimelineChanged
	NoticeConversationsChanged
	NoticeNotificationsChanged
)

func (k NoticeKind) String() string {
	switch k {
	case NoticeConnected:
		return "connected"
	case NoticeDelayed:
		return "delayed"
	case NoticeConnectivityLost:
		return "connectivity_lost"
	case NoticeSendFailed:
		return "send_failed"
	case NoticeLoadFailed:
		return "load_failed"
	case NoticeTimelineChanged:
		return "timeline_changed"
	case NoticeConversationsChanged:
		return "conversations_changed"
	case NoticeNotificationsChanged:
		return "notifications_changed"
	default:
		return fmt.Sprintf("notice(%d)", int(k))
	}
}

type Notice struct {
	Kind  NoticeKind
	Scope types.Scope
	Draft string
	Err   error
}
