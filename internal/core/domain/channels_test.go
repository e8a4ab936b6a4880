package domain_test

import (
	"testing"

	"github.com/lorrc/service-desk-relay/internal/core/domain"
	"github.com/stretchr/testify/assert"
)

func TestRoute(t *testing.T) {
	tests := []struct {
		channel domain.ChannelName
		want    domain.MessageType
	}{
		{domain.ChannelTickets, domain.MessageTicketUpdate},
		{domain.ChannelApplicants, domain.MessageApplicantUpdate},
		{domain.ChannelMembers, domain.MessageMemberUpdate},
		{domain.ChannelMemberComments, domain.MessageMemberCommentUpdate},
		{domain.ChannelMemberActivity, domain.MessageMemberActivityUpdate},
		{domain.ChannelAgentAssignments, domain.MessageAgentUpdate},
		{domain.ChannelClientAssignments, domain.MessageClientUpdate},
		{domain.ChannelAnnouncements, domain.MessageAnnouncementUpdate},
		{domain.ChannelEvents, domain.MessageEventUpdate},
		{"unknown_channel", domain.FallbackMessageType},
		{"", domain.FallbackMessageType},
		{"TICKET_CHANGES", domain.FallbackMessageType},
	}

	for _, tt := range tests {
		t.Run(string(tt.channel), func(t *testing.T) {
			assert.Equal(t, tt.want, domain.Route(tt.channel))
		})
	}
}

func TestDefaultChannels_AllRouted(t *testing.T) {
	channels := domain.DefaultChannels()
	assert.Len(t, channels, 9)

	seen := make(map[domain.ChannelName]bool)
	for _, ch := range channels {
		assert.True(t, ch.IsKnown(), "channel %q has no route", ch)
		assert.False(t, seen[ch], "channel %q listed twice", ch)
		seen[ch] = true
	}

	assert.False(t, domain.ChannelName("unknown_channel").IsKnown())
}

func TestDefaultChannels_ReturnsCopy(t *testing.T) {
	first := domain.DefaultChannels()
	first[0] = "mutated"

	assert.Equal(t, domain.ChannelTickets, domain.DefaultChannels()[0])
}
