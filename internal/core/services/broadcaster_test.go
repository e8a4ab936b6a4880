package services_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/lorrc/service-desk-relay/internal/core/domain"
	"github.com/lorrc/service-desk-relay/internal/core/mocks"
	"github.com/lorrc/service-desk-relay/internal/core/ports"
	"github.com/lorrc/service-desk-relay/internal/core/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func changeEvent(channel domain.ChannelName, payload string) domain.ChangeEvent {
	return domain.ChangeEvent{Channel: channel, Payload: json.RawMessage(payload)}
}

func TestBroadcaster_Broadcast(t *testing.T) {
	t.Run("member comment reaches every session", func(t *testing.T) {
		subs := []*mocks.RecordingSubscriber{
			mocks.NewRecordingSubscriber(0),
			mocks.NewRecordingSubscriber(0),
			mocks.NewRecordingSubscriber(0),
		}
		registry := mocks.NewStaticRegistry(subs[0], subs[1], subs[2])
		b := services.NewBroadcaster(registry, nil, discardLogger())

		report, err := b.Broadcast(changeEvent(domain.ChannelMemberComments, `{"comment_id":5,"text":"hi"}`))
		require.NoError(t, err)

		assert.Equal(t, domain.MessageMemberCommentUpdate, report.Type)
		assert.Equal(t, 3, report.Reached)
		assert.Zero(t, report.Lagging)
		assert.Zero(t, report.Rejected)

		want := `{"type":"member_comment_update","data":{"comment_id":5,"text":"hi"}}`
		for _, s := range subs {
			assert.Equal(t, []string{want}, s.Messages())
		}
	})

	t.Run("unknown channel uses the fallback type", func(t *testing.T) {
		sub := mocks.NewRecordingSubscriber(0)
		b := services.NewBroadcaster(mocks.NewStaticRegistry(sub), nil, discardLogger())

		report, err := b.Broadcast(changeEvent("unknown_channel", `{"x":1}`))
		require.NoError(t, err)

		assert.Equal(t, domain.FallbackMessageType, report.Type)
		assert.Equal(t, []string{`{"type":"ticket_update","data":{"x":1}}`}, sub.Messages())
	})

	t.Run("payload bytes are untouched", func(t *testing.T) {
		sub := mocks.NewRecordingSubscriber(0)
		b := services.NewBroadcaster(mocks.NewStaticRegistry(sub), nil, discardLogger())

		payload := `{ "id" : 7,  "note": "<b>a & b</b>" }`
		_, err := b.Broadcast(changeEvent(domain.ChannelTickets, payload))
		require.NoError(t, err)

		require.Len(t, sub.Messages(), 1)
		assert.Equal(t, `{"type":"ticket_update","data":`+payload+`}`, sub.Messages()[0])
	})

	t.Run("no sessions is a no-op", func(t *testing.T) {
		b := services.NewBroadcaster(mocks.NewStaticRegistry(), nil, discardLogger())

		report, err := b.Broadcast(changeEvent(domain.ChannelTickets, `{}`))
		require.NoError(t, err)
		assert.Zero(t, report.Reached)
	})

	t.Run("closed and lagging sessions do not affect others", func(t *testing.T) {
		healthy := mocks.NewRecordingSubscriber(0)

		slow := mocks.NewRecordingSubscriber(1)
		require.Equal(t, domain.DeliveryQueued, slow.Enqueue([]byte("stale")))

		closed := mocks.NewRecordingSubscriber(0)
		closed.Close()

		b := services.NewBroadcaster(mocks.NewStaticRegistry(slow, closed, healthy), nil, discardLogger())

		report, err := b.Broadcast(changeEvent(domain.ChannelApplicants, `{"id":3}`))
		require.NoError(t, err)

		assert.Equal(t, 2, report.Reached)
		assert.Equal(t, 1, report.Lagging)
		assert.Equal(t, 1, report.Rejected)

		want := `{"type":"applicant_update","data":{"id":3}}`
		assert.Equal(t, []string{want}, healthy.Messages())
		assert.Equal(t, []string{want}, slow.Messages())
		assert.Empty(t, closed.Messages())
	})

	t.Run("encodes once for all sessions", func(t *testing.T) {
		first := mocks.NewMockSubscriber()
		second := mocks.NewMockSubscriber()

		var seen [][]byte
		capture := func(args mock.Arguments) { seen = append(seen, args.Get(0).([]byte)) }
		first.On("Enqueue", mock.Anything).Run(capture).Return(domain.DeliveryQueued).Once()
		second.On("Enqueue", mock.Anything).Run(capture).Return(domain.DeliveryRejected).Once()

		registry := mocks.NewMockSessionRegistry()
		registry.On("Snapshot").Return([]ports.Subscriber{first, second}).Once()

		b := services.NewBroadcaster(registry, nil, discardLogger())
		report, err := b.Broadcast(changeEvent(domain.ChannelAgentAssignments, `{"agent":1}`))
		require.NoError(t, err)

		assert.Equal(t, 1, report.Reached)
		assert.Equal(t, 1, report.Rejected)
		require.Len(t, seen, 2)
		assert.Same(t, &seen[0][0], &seen[1][0])

		first.AssertExpectations(t)
		second.AssertExpectations(t)
		registry.AssertExpectations(t)
	})
}

func TestBroadcaster_Run(t *testing.T) {
	t.Run("preserves event order", func(t *testing.T) {
		sub := mocks.NewRecordingSubscriber(0)
		b := services.NewBroadcaster(mocks.NewStaticRegistry(sub), nil, discardLogger())

		events := make(chan domain.ChangeEvent, 3)
		events <- changeEvent(domain.ChannelTickets, `{"n":1}`)
		events <- changeEvent(domain.ChannelMembers, `{"n":2}`)
		events <- changeEvent(domain.ChannelEvents, `{"n":3}`)
		close(events)

		b.Run(context.Background(), events)

		assert.Equal(t, []string{
			`{"type":"ticket_update","data":{"n":1}}`,
			`{"type":"member_update","data":{"n":2}}`,
			`{"type":"event_update","data":{"n":3}}`,
		}, sub.Messages())
	})

	t.Run("stops on cancellation", func(t *testing.T) {
		b := services.NewBroadcaster(mocks.NewStaticRegistry(), nil, discardLogger())
		ctx, cancel := context.WithCancel(context.Background())

		done := make(chan struct{})
		go func() {
			b.Run(ctx, make(chan domain.ChangeEvent))
			close(done)
		}()

		cancel()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("broadcaster did not stop")
		}
	})

	t.Run("a panicking session does not stop the loop", func(t *testing.T) {
		bad := mocks.NewMockSubscriber()
		bad.On("Enqueue", mock.Anything).Run(func(mock.Arguments) { panic("boom") }).Return(domain.DeliveryQueued).Once()
		good := mocks.NewRecordingSubscriber(0)

		registry := mocks.NewMockSessionRegistry()
		registry.On("Snapshot").Return([]ports.Subscriber{bad}).Once()
		registry.On("Snapshot").Return([]ports.Subscriber{good}).Once()

		b := services.NewBroadcaster(registry, nil, discardLogger())

		events := make(chan domain.ChangeEvent, 2)
		events <- changeEvent(domain.ChannelTickets, `{"n":1}`)
		events <- changeEvent(domain.ChannelTickets, `{"n":2}`)
		close(events)

		b.Run(context.Background(), events)

		assert.Equal(t, []string{`{"type":"ticket_update","data":{"n":2}}`}, good.Messages())
	})
}
