package mocks

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/lorrc/service-desk-relay/internal/core/domain"
	"github.com/lorrc/service-desk-relay/internal/core/ports"
	"github.com/stretchr/testify/mock"
)

// MockChangeSource is a mock implementation of ports.ChangeSource
type MockChangeSource struct {
	mock.Mock
}

var _ ports.ChangeSource = (*MockChangeSource)(nil)

func NewMockChangeSource() *MockChangeSource {
	return &MockChangeSource{}
}

func (m *MockChangeSource) Subscribe(ctx context.Context, channels []domain.ChannelName) error {
	args := m.Called(ctx, channels)
	return args.Error(0)
}

func (m *MockChangeSource) Receive(ctx context.Context) (domain.Notification, error) {
	args := m.Called(ctx)
	return args.Get(0).(domain.Notification), args.Error(1)
}

func (m *MockChangeSource) Close(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

// MockSubscriber is a mock implementation of ports.Subscriber
type MockSubscriber struct {
	mock.Mock
	id uuid.UUID
}

var _ ports.Subscriber = (*MockSubscriber)(nil)

func NewMockSubscriber() *MockSubscriber {
	return &MockSubscriber{id: uuid.New()}
}

func (m *MockSubscriber) ID() uuid.UUID {
	return m.id
}

func (m *MockSubscriber) Enqueue(message []byte) domain.DeliveryResult {
	args := m.Called(message)
	return args.Get(0).(domain.DeliveryResult)
}

// MockSessionRegistry is a mock implementation of ports.SessionRegistry
type MockSessionRegistry struct {
	mock.Mock
}

var _ ports.SessionRegistry = (*MockSessionRegistry)(nil)

func NewMockSessionRegistry() *MockSessionRegistry {
	return &MockSessionRegistry{}
}

func (m *MockSessionRegistry) Snapshot() []ports.Subscriber {
	args := m.Called()
	if args.Get(0) == nil {
		return nil
	}
	return args.Get(0).([]ports.Subscriber)
}

func (m *MockSessionRegistry) Count() int {
	args := m.Called()
	return args.Int(0)
}

func (m *MockSessionRegistry) CloseAll(reason string) {
	m.Called(reason)
}

// RecordingSubscriber is an in-memory ports.Subscriber that keeps every
// message it is given. Capacity bounds the queue like a real session;
// zero means unbounded.
type RecordingSubscriber struct {
	mu       sync.Mutex
	id       uuid.UUID
	messages [][]byte
	capacity int
	closed   bool
}

var _ ports.Subscriber = (*RecordingSubscriber)(nil)

func NewRecordingSubscriber(capacity int) *RecordingSubscriber {
	return &RecordingSubscriber{id: uuid.New(), capacity: capacity}
}

func (s *RecordingSubscriber) ID() uuid.UUID {
	return s.id
}

func (s *RecordingSubscriber) Enqueue(message []byte) domain.DeliveryResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return domain.DeliveryRejected
	}
	if s.capacity > 0 && len(s.messages) >= s.capacity {
		s.messages = append(s.messages[1:], message)
		return domain.DeliveryDroppedOldest
	}
	s.messages = append(s.messages, message)
	return domain.DeliveryQueued
}

// Close makes every further Enqueue fail.
func (s *RecordingSubscriber) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

// Messages returns a copy of the queued messages as strings.
func (s *RecordingSubscriber) Messages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, 0, len(s.messages))
	for _, m := range s.messages {
		out = append(out, string(m))
	}
	return out
}

// StaticRegistry is a ports.SessionRegistry over a fixed set of subscribers.
type StaticRegistry struct {
	mu          sync.Mutex
	subscribers []ports.Subscriber
	closedWith  []string
}

var _ ports.SessionRegistry = (*StaticRegistry)(nil)

func NewStaticRegistry(subscribers ...ports.Subscriber) *StaticRegistry {
	return &StaticRegistry{subscribers: subscribers}
}

func (r *StaticRegistry) Snapshot() []ports.Subscriber {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ports.Subscriber(nil), r.subscribers...)
}

func (r *StaticRegistry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subscribers)
}

func (r *StaticRegistry) CloseAll(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closedWith = append(r.closedWith, reason)
	r.subscribers = nil
}

// CloseReasons returns the reasons passed to CloseAll.
func (r *StaticRegistry) CloseReasons() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.closedWith...)
}
