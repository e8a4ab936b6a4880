package domain

// ChannelName identifies a logical change channel published by the source of truth.
type ChannelName string

const (
	ChannelTickets           ChannelName = "ticket_changes"
	ChannelApplicants        ChannelName = "applicant_changes"
	ChannelMembers           ChannelName = "member_changes"
	ChannelMemberComments    ChannelName = "member_comment_changes"
	ChannelMemberActivity    ChannelName = "member_activity_changes"
	ChannelAgentAssignments  ChannelName = "agent_assignment_changes"
	ChannelClientAssignments ChannelName = "client_assignment_changes"
	ChannelAnnouncements     ChannelName = "announcements"
	ChannelEvents            ChannelName = "events"
)

// MessageType is the tag clients use to dispatch an outbound message.
type MessageType string

const (
	MessageTicketUpdate         MessageType = "ticket_update"
	MessageApplicantUpdate      MessageType = "applicant_update"
	MessageMemberUpdate         MessageType = "member_update"
	MessageMemberCommentUpdate  MessageType = "member_comment_update"
	MessageMemberActivityUpdate MessageType = "member_activity_update"
	MessageAgentUpdate          MessageType = "agent_update"
	MessageClientUpdate         MessageType = "client_update"
	MessageAnnouncementUpdate   MessageType = "announcement_update"
	MessageEventUpdate          MessageType = "event_update"

	// FallbackMessageType tags events from channels without an explicit route.
	FallbackMessageType = MessageTicketUpdate
)

var channelRoutes = map[ChannelName]MessageType{
	ChannelTickets:           MessageTicketUpdate,
	ChannelApplicants:        MessageApplicantUpdate,
	ChannelMembers:           MessageMemberUpdate,
	ChannelMemberComments:    MessageMemberCommentUpdate,
	ChannelMemberActivity:    MessageMemberActivityUpdate,
	ChannelAgentAssignments:  MessageAgentUpdate,
	ChannelClientAssignments: MessageClientUpdate,
	ChannelAnnouncements:     MessageAnnouncementUpdate,
	ChannelEvents:            MessageEventUpdate,
}

// DefaultChannels returns the fixed channel set the relay subscribes to,
// in subscription order.
func DefaultChannels() []ChannelName {
	return []ChannelName{
		ChannelTickets,
		ChannelApplicants,
		ChannelMembers,
		ChannelMemberComments,
		ChannelMemberActivity,
		ChannelAgentAssignments,
		ChannelClientAssignments,
		ChannelAnnouncements,
		ChannelEvents,
	}
}

// IsKnown reports whether the channel has an explicit route.
func (c ChannelName) IsKnown() bool {
	_, ok := channelRoutes[c]
	return ok
}

// Route maps a channel to its outbound message type. Unknown channels are
// tagged with FallbackMessageType so they still reach clients.
func Route(channel ChannelName) MessageType {
	if mt, ok := channelRoutes[channel]; ok {
		return mt
	}
	return FallbackMessageType
}
