package services_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/lorrc/service-desk-relay/internal/core/domain"
	apperrors "github.com/lorrc/service-desk-relay/internal/core/errors"
	"github.com/lorrc/service-desk-relay/internal/core/mocks"
	"github.com/lorrc/service-desk-relay/internal/core/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func blockUntilDone(args mock.Arguments) {
	<-args.Get(0).(context.Context).Done()
}

func newRelay(source *mocks.MockChangeSource, registry *mocks.StaticRegistry) *services.RelayService {
	return services.NewRelayService(source, registry, services.RelayConfig{
		Channels:       domain.DefaultChannels(),
		EventQueueSize: 16,
	}, nil, discardLogger())
}

func TestRelayService_Run(t *testing.T) {
	t.Run("relays events until cancelled", func(t *testing.T) {
		sub := mocks.NewRecordingSubscriber(0)
		registry := mocks.NewStaticRegistry(sub)

		source := mocks.NewMockChangeSource()
		source.On("Subscribe", mock.Anything, domain.DefaultChannels()).Return(nil).Once()
		source.On("Receive", mock.Anything).Return(notification("member_comment_changes", `{"comment_id":5,"text":"hi"}`), nil).Once()
		source.On("Receive", mock.Anything).Run(blockUntilDone).Return(domain.Notification{}, context.Canceled)
		source.On("Close", mock.Anything).Return(nil).Once()

		relay := newRelay(source, registry)
		assert.Equal(t, domain.RelayStopped, relay.State())

		ctx, cancel := context.WithCancel(context.Background())
		errCh := make(chan error, 1)
		go func() { errCh <- relay.Run(ctx) }()

		require.Eventually(t, func() bool {
			return len(sub.Messages()) == 1
		}, time.Second, 5*time.Millisecond)

		assert.Equal(t, domain.RelayRunning, relay.State())
		stats := relay.Stats()
		assert.Equal(t, "running", stats.State)
		assert.Equal(t, 1, stats.Sessions)
		assert.Len(t, stats.Channels, len(domain.DefaultChannels()))

		assert.Equal(t, `{"type":"member_comment_update","data":{"comment_id":5,"text":"hi"}}`, sub.Messages()[0])

		cancel()
		select {
		case err := <-errCh:
			assert.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("relay did not stop")
		}

		assert.Equal(t, domain.RelayStopped, relay.State())
		assert.Equal(t, []string{domain.CloseReasonShutdown}, registry.CloseReasons())
		source.AssertExpectations(t)
	})

	t.Run("upstream loss is fatal", func(t *testing.T) {
		registry := mocks.NewStaticRegistry(mocks.NewRecordingSubscriber(0))

		source := mocks.NewMockChangeSource()
		source.On("Subscribe", mock.Anything, mock.Anything).Return(nil).Once()
		source.On("Receive", mock.Anything).Return(domain.Notification{}, errors.New("server closed the connection")).Once()
		source.On("Close", mock.Anything).Return(nil).Once()

		relay := newRelay(source, registry)

		err := relay.Run(context.Background())
		require.Error(t, err)
		assert.ErrorIs(t, err, apperrors.ErrSourceClosed)
		assert.Equal(t, domain.RelayStopped, relay.State())
		assert.Equal(t, []string{domain.CloseReasonShutdown}, registry.CloseReasons())
		assert.Zero(t, relay.Stats().Sessions)
		source.AssertExpectations(t)
	})

	t.Run("subscribe failure never reaches running", func(t *testing.T) {
		registry := mocks.NewStaticRegistry()

		source := mocks.NewMockChangeSource()
		source.On("Subscribe", mock.Anything, mock.Anything).Return(errors.New("permission denied")).Once()
		source.On("Close", mock.Anything).Return(errors.New("already closed")).Once()

		relay := newRelay(source, registry)

		err := relay.Run(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "permission denied")
		assert.Equal(t, domain.RelayStopped, relay.State())
		source.AssertNotCalled(t, "Receive", mock.Anything)
		source.AssertExpectations(t)
	})

	t.Run("runs at most once", func(t *testing.T) {
		source := mocks.NewMockChangeSource()
		source.On("Subscribe", mock.Anything, mock.Anything).Return(nil).Once()
		source.On("Receive", mock.Anything).Return(domain.Notification{}, errors.New("eof")).Once()
		source.On("Close", mock.Anything).Return(nil).Once()

		relay := newRelay(source, mocks.NewStaticRegistry())

		assert.ErrorIs(t, relay.Run(context.Background()), apperrors.ErrSourceClosed)
		assert.ErrorIs(t, relay.Run(context.Background()), apperrors.ErrRelayStarted)
		source.AssertExpectations(t)
	})
}
