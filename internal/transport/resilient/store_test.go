package resilient

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"docsync/internal/transport"
	"docsync/internal/transport/mocks"
	"docsync/pkg/circuit"
	pkgerrors "docsync/pkg/errors"
)

// =============================================================================
// Resilient Transport Test Suite
// =============================================================================

type ResilientSuite struct {
	suite.Suite
	ctrl  *gomock.Controller
	inner *mocks.MockTransport
}

func TestResilientSuite(t *testing.T) {
	suite.Run(t, new(ResilientSuite))
}

func (s *ResilientSuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())
	s.inner = mocks.NewMockTransport(s.ctrl)
}

func (s *ResilientSuite) TearDownTest() {
	s.ctrl.Finish()
}

func (s *ResilientSuite) wrap(b *circuit.Breaker) *Store {
	store, err := New(s.inner, b, nil)
	s.Require().NoError(err)
	return store
}

func (s *ResilientSuite) TestFailsFastOnceOpen() {
	ctx := context.Background()
	backendDown := errors.New("connection refused")

	s.inner.EXPECT().
		Read(gomock.Any(), "users", "u1").
		Return(nil, backendDown).
		Times(2)

	store := s.wrap(circuit.New("test", circuit.WithFailureThreshold(2)))

	_, err := store.Read(ctx, "users", "u1")
	s.ErrorIs(err, backendDown)
	_, err = store.Read(ctx, "users", "u1")
	s.ErrorIs(err, backendDown)

	// The breaker is open now; the backend must not be touched again.
	_, err = store.Read(ctx, "users", "u1")
	s.ErrorIs(err, ErrCircuitOpen)
	s.Equal(pkgerrors.CodeTransportFailure, pkgerrors.CodeOf(err))
}

func (s *ResilientSuite) TestNotFoundCountsAsHealthy() {
	ctx := context.Background()

	s.inner.EXPECT().
		Read(gomock.Any(), "users", "missing").
		Return(nil, transport.ErrNotFound).
		Times(5)

	store := s.wrap(circuit.New("test", circuit.WithFailureThreshold(2)))

	for i := 0; i < 5; i++ {
		_, err := store.Read(ctx, "users", "missing")
		s.ErrorIs(err, transport.ErrNotFound)
	}
}

func (s *ResilientSuite) TestWriteFailuresCoverAllOperations() {
	ctx := context.Background()
	backendDown := errors.New("connection refused")

	s.inner.EXPECT().
		Write(gomock.Any(), "users", "u1", gomock.Any()).
		Return(nil, backendDown)

	store := s.wrap(circuit.New("test", circuit.WithFailureThreshold(1)))

	_, err := store.Write(ctx, "users", "u1", transport.RawDocument{})
	s.ErrorIs(err, backendDown)

	// A failed write blocks reads and deletes too: one breaker per backend.
	_, err = store.Read(ctx, "users", "u1")
	s.ErrorIs(err, ErrCircuitOpen)
	s.ErrorIs(store.Delete(ctx, "users", "u1"), ErrCircuitOpen)
	_, err = store.WatchDocument(ctx, "users", "u1")
	s.ErrorIs(err, ErrCircuitOpen)
}

func (s *ResilientSuite) TestRecoversThroughProbes() {
	ctx := context.Background()
	backendDown := errors.New("connection refused")

	gomock.InOrder(
		s.inner.EXPECT().Read(gomock.Any(), "users", "u1").Return(nil, backendDown),
		s.inner.EXPECT().Read(gomock.Any(), "users", "u1").Return(transport.RawDocument{"id": "u1"}, nil).Times(2),
	)

	store := s.wrap(circuit.New("test",
		circuit.WithFailureThreshold(1), circuit.WithSuccessThreshold(1)))

	// Deterministic clock: every call looks one probe interval apart.
	clock := time.Now()
	store.now = func() time.Time {
		clock = clock.Add(defaultProbeInterval)
		return clock
	}

	_, err := store.Read(ctx, "users", "u1")
	s.ErrorIs(err, backendDown)
	s.True(store.breaker.IsOpen())

	// The next call is a probe; its success closes the circuit.
	doc, err := store.Read(ctx, "users", "u1")
	s.Require().NoError(err)
	s.Equal("u1", doc["id"])
	s.False(store.breaker.IsOpen())

	_, err = store.Read(ctx, "users", "u1")
	s.NoError(err)
}

func (s *ResilientSuite) TestProbesAreRateLimited() {
	ctx := context.Background()
	backendDown := errors.New("connection refused")

	s.inner.EXPECT().Read(gomock.Any(), "users", "u1").Return(nil, backendDown).Times(1)

	store := s.wrap(circuit.New("test", circuit.WithFailureThreshold(1)))

	frozen := time.Now()
	store.now = func() time.Time { return frozen }

	_, err := store.Read(ctx, "users", "u1")
	s.ErrorIs(err, backendDown)

	// With a frozen clock no probe slot opens, every call fails fast.
	for i := 0; i < 3; i++ {
		_, err = store.Read(ctx, "users", "u1")
		s.ErrorIs(err, ErrCircuitOpen)
	}
}
