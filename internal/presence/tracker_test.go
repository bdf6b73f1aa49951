package presence

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/Baaaki/chatcore/internal/apperr"
	"github.com/Baaaki/chatcore/internal/broker"
	"github.com/Baaaki/chatcore/internal/models"
	"github.com/Baaaki/chatcore/internal/testutil"
	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"
	"pgregory.net/rapid"
)

type PresenceTrackerTestSuite struct {
	suite.Suite
	redis   *testutil.TestRedis
	pub     *testutil.RecordingPublisher
	clock   *testutil.Clock
	tracker *Tracker
	ctx     context.Context
}

func (s *PresenceTrackerTestSuite) SetupTest() {
	s.redis = testutil.SetupTestRedis(s.T())
	s.pub = testutil.NewRecordingPublisher()
	s.clock = testutil.NewClock()
	s.tracker = NewTracker(s.redis.Client, s.pub, 45*time.Second, WithClock(s.clock.Now))
	s.ctx = context.Background()
}

func (s *PresenceTrackerTestSuite) TestHeartbeat_OnlineListed() {
	alice := uuid.New()
	s.Require().NoError(s.tracker.Heartbeat(s.ctx, alice, models.StatusOnline))

	online, err := s.tracker.ListOnline(s.ctx)
	s.Require().NoError(err)
	s.Require().Len(online, 1)
	s.Equal(alice, online[0].UserID)
	s.Equal(models.StatusOnline, online[0].Status)

	events := s.pub.OfType(broker.EventPresenceUpdated)
	s.Require().Len(events, 1)
	s.Empty(events[0].ChannelID)
}

func (s *PresenceTrackerTestSuite) TestHeartbeat_InvalidStatus() {
	err := s.tracker.Heartbeat(s.ctx, uuid.New(), models.PresenceStatus("busy"))
	s.ErrorIs(err, apperr.ErrValidation)
}

func (s *PresenceTrackerTestSuite) TestHeartbeat_OnlyChangesArePublished() {
	alice := uuid.New()
	s.Require().NoError(s.tracker.Heartbeat(s.ctx, alice, models.StatusOnline))
	s.clock.Advance(10 * time.Second)
	s.Require().NoError(s.tracker.Heartbeat(s.ctx, alice, models.StatusOnline))
	s.Require().NoError(s.tracker.Heartbeat(s.ctx, alice, models.StatusAway))

	events := s.pub.OfType(broker.EventPresenceUpdated)
	s.Require().Len(events, 2)
	s.Equal(models.StatusAway, events[1].Presence.Status)

	// away still counts as online
	online, err := s.tracker.ListOnline(s.ctx)
	s.Require().NoError(err)
	s.Len(online, 1)
}

func (s *PresenceTrackerTestSuite) TestStaleUserDropsOutOfListWithoutSweep() {
	alice, bob := uuid.New(), uuid.New()
	s.Require().NoError(s.tracker.Heartbeat(s.ctx, alice, models.StatusOnline))
	s.clock.Advance(30 * time.Second)
	s.Require().NoError(s.tracker.Heartbeat(s.ctx, bob, models.StatusOnline))
	s.clock.Advance(15 * time.Second)

	online, err := s.tracker.ListOnline(s.ctx)
	s.Require().NoError(err)
	s.Require().Len(online, 1)
	s.Equal(bob, online[0].UserID)

	got, err := s.tracker.Get(s.ctx, alice)
	s.Require().NoError(err)
	s.Equal(models.StatusOffline, got.Status)
	s.False(got.IsOnline)
}

func (s *PresenceTrackerTestSuite) TestSweepConvergesStorage() {
	alice := uuid.New()
	s.Require().NoError(s.tracker.Heartbeat(s.ctx, alice, models.StatusOnline))
	s.pub.Reset()

	s.clock.Advance(time.Minute)
	n, err := s.tracker.Sweep(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, n)

	events := s.pub.OfType(broker.EventPresenceUpdated)
	s.Require().Len(events, 1)
	s.Equal(models.StatusOffline, events[0].Presence.Status)

	// already offline: nothing more to do
	n, err = s.tracker.Sweep(s.ctx)
	s.Require().NoError(err)
	s.Zero(n)
}

func (s *PresenceTrackerTestSuite) TestConnectDisconnectCountsConnections() {
	alice := uuid.New()
	s.Require().NoError(s.tracker.Connect(s.ctx, alice))
	s.Require().NoError(s.tracker.Connect(s.ctx, alice))

	s.Require().NoError(s.tracker.Disconnect(s.ctx, alice))
	got, err := s.tracker.Get(s.ctx, alice)
	s.Require().NoError(err)
	s.True(got.IsOnline, "one connection left")

	s.Require().NoError(s.tracker.Disconnect(s.ctx, alice))
	got, err = s.tracker.Get(s.ctx, alice)
	s.Require().NoError(err)
	s.False(got.IsOnline)
	s.Equal(s.clock.Now(), got.LastSeenAt)
}

func (s *PresenceTrackerTestSuite) TestSweepKeepsConnectionCount() {
	alice := uuid.New()
	s.Require().NoError(s.tracker.Connect(s.ctx, alice))
	s.Require().NoError(s.tracker.Connect(s.ctx, alice))

	// both sockets stay open but miss the window
	s.clock.Advance(50 * time.Second)
	n, err := s.tracker.Sweep(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, n)

	s.Require().NoError(s.tracker.Heartbeat(s.ctx, alice, models.StatusOnline))
	s.Require().NoError(s.tracker.Disconnect(s.ctx, alice))

	online, err := s.tracker.ListOnline(s.ctx)
	s.Require().NoError(err)
	s.Require().Len(online, 1, "one of two sessions is still connected")
	s.Equal(alice, online[0].UserID)

	s.Require().NoError(s.tracker.Disconnect(s.ctx, alice))
	online, err = s.tracker.ListOnline(s.ctx)
	s.Require().NoError(err)
	s.Empty(online)
}

func (s *PresenceTrackerTestSuite) TestDisconnectNeverCountsBelowZero() {
	alice := uuid.New()
	s.Require().NoError(s.tracker.Disconnect(s.ctx, alice))
	s.Empty(s.redis.Server.HGet(connectionsKey, alice.String()))

	s.Require().NoError(s.tracker.Connect(s.ctx, alice))
	got, err := s.tracker.Get(s.ctx, alice)
	s.Require().NoError(err)
	s.True(got.IsOnline)

	s.Require().NoError(s.tracker.Disconnect(s.ctx, alice))
	got, err = s.tracker.Get(s.ctx, alice)
	s.Require().NoError(err)
	s.False(got.IsOnline)
}

func (s *PresenceTrackerTestSuite) TestGetUnknownUser() {
	got, err := s.tracker.Get(s.ctx, uuid.New())
	s.Require().NoError(err)
	s.Equal(models.StatusOffline, got.Status)
}

func TestPresenceTrackerTestSuite(t *testing.T) {
	suite.Run(t, new(PresenceTrackerTestSuite))
}

// After any heartbeat history, once the window has passed without further
// heartbeats a sweep leaves nobody online.
func TestProperty_PresenceConvergesToOffline(t *testing.T) {
	r := testutil.SetupTestRedis(t)

	rapid.Check(t, func(rt *rapid.T) {
		r.Server.FlushAll()
		clock := testutil.NewClock()
		tracker := NewTracker(r.Client, testutil.NewRecordingPublisher(), 45*time.Second, WithClock(clock.Now))
		ctx := context.Background()

		users := make([]uuid.UUID, rapid.IntRange(1, 5).Draw(rt, "users"))
		for i := range users {
			users[i] = uuid.New()
		}
		statuses := []models.PresenceStatus{models.StatusOnline, models.StatusAway, models.StatusOffline}

		steps := rapid.IntRange(1, 30).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			u := users[rapid.IntRange(0, len(users)-1).Draw(rt, "user")]
			st := statuses[rapid.IntRange(0, 2).Draw(rt, "status")]
			if err := tracker.Heartbeat(ctx, u, st); err != nil {
				rt.Fatal(err)
			}
			clock.Advance(time.Duration(rapid.IntRange(0, 20).Draw(rt, "gap")) * time.Second)
		}

		clock.Advance(45 * time.Second)
		if _, err := tracker.Sweep(ctx); err != nil {
			rt.Fatal(err)
		}

		online, err := tracker.ListOnline(ctx)
		if err != nil {
			rt.Fatal(err)
		}
		if len(online) != 0 {
			rt.Fatalf("expected nobody online, got %d", len(online))
		}
		for _, u := range users {
			raw, err := r.Client.HGet(ctx, recordsKey, u.String()).Result()
			if err != nil {
				continue
			}
			if strings.Contains(raw, `"is_online":true`) {
				rt.Fatalf("record for %s still online in storage: %s", u, raw)
			}
		}
	})
}
