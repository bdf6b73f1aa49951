package typing

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
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type TypingStoreTestSuite struct {
	suite.Suite
	redis *testutil.TestRedis
	pub   *testutil.RecordingPublisher
	clock *testutil.Clock
	store *Store
	ctx   context.Context
}

func (s *TypingStoreTestSuite) SetupTest() {
	s.redis = testutil.SetupTestRedis(s.T())
	s.pub = testutil.NewRecordingPublisher()
	s.clock = testutil.NewClock()
	s.store = NewStore(s.redis.Client, s.pub, 5*time.Second, WithClock(s.clock.Now))
	s.ctx = context.Background()
}

func (s *TypingStoreTestSuite) TestSetTyping_StartAndList() {
	alice, bob := uuid.New(), uuid.New()

	s.Require().NoError(s.store.SetTyping(s.ctx, alice, "c1", true))
	s.Require().NoError(s.store.SetTyping(s.ctx, bob, "c1", true))

	users, err := s.store.ListTypingUsers(s.ctx, "c1", uuid.Nil)
	s.Require().NoError(err)
	s.ElementsMatch([]uuid.UUID{alice, bob}, users)

	users, err = s.store.ListTypingUsers(s.ctx, "c1", alice)
	s.Require().NoError(err)
	s.Equal([]uuid.UUID{bob}, users)

	started := s.pub.OfType(broker.EventTypingStarted)
	s.Len(started, 2)
	s.Equal("c1", started[0].ChannelID)
	s.True(started[0].Typing.IsTyping)
}

func (s *TypingStoreTestSuite) TestSetTyping_RepeatedStartPublishesOnce() {
	alice := uuid.New()

	s.Require().NoError(s.store.SetTyping(s.ctx, alice, "c1", true))
	s.clock.Advance(time.Second)
	s.Require().NoError(s.store.SetTyping(s.ctx, alice, "c1", true))

	s.Len(s.pub.OfType(broker.EventTypingStarted), 1)

	// the second call refreshed the expiry
	live, err := s.store.List(s.ctx, "c1")
	s.Require().NoError(err)
	s.Require().Len(live, 1)
	s.Equal(s.clock.Now().Add(5*time.Second), live[0].ExpiresAt)
}

func (s *TypingStoreTestSuite) TestSetTyping_StopIsIdempotent() {
	alice := uuid.New()

	s.Require().NoError(s.store.SetTyping(s.ctx, alice, "c1", true))
	s.Require().NoError(s.store.SetTyping(s.ctx, alice, "c1", false))
	s.Require().NoError(s.store.SetTyping(s.ctx, alice, "c1", false))

	s.Len(s.pub.OfType(broker.EventTypingStopped), 1)

	users, err := s.store.ListTypingUsers(s.ctx, "c1", uuid.Nil)
	s.Require().NoError(err)
	s.Empty(users)
}

func (s *TypingStoreTestSuite) TestExpiredRecordsAreInvisibleWithoutSweep() {
	alice := uuid.New()
	s.Require().NoError(s.store.SetTyping(s.ctx, alice, "c1", true))

	s.clock.Advance(5 * time.Second)

	users, err := s.store.ListTypingUsers(s.ctx, "c1", uuid.Nil)
	s.Require().NoError(err)
	s.Empty(users)
}

func (s *TypingStoreTestSuite) TestSweep_RemovesExpiredAndPublishesStop() {
	alice, bob := uuid.New(), uuid.New()
	s.Require().NoError(s.store.SetTyping(s.ctx, alice, "c1", true))
	s.clock.Advance(3 * time.Second)
	s.Require().NoError(s.store.SetTyping(s.ctx, bob, "c1", true))
	s.clock.Advance(3 * time.Second)

	removed, err := s.store.Sweep(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, removed)

	stopped := s.pub.OfType(broker.EventTypingStopped)
	s.Require().Len(stopped, 1)
	s.Equal(alice, stopped[0].Typing.UserID)

	s.True(s.redis.Server.Exists(channelKey("c1")))
	s.clock.Advance(5 * time.Second)
	removed, err = s.store.Sweep(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, removed)

	members, err := s.redis.Client.SMembers(s.ctx, channelsKey).Result()
	s.Require().NoError(err)
	s.Empty(members)
}

func (s *TypingStoreTestSuite) TestClearUser() {
	alice := uuid.New()
	s.Require().NoError(s.store.SetTyping(s.ctx, alice, "c1", true))
	s.Require().NoError(s.store.SetTyping(s.ctx, alice, "c2", true))

	s.Require().NoError(s.store.ClearUser(s.ctx, alice, []string{"c1", "c2", "c3"}))

	for _, ch := range []string{"c1", "c2"} {
		users, err := s.store.ListTypingUsers(s.ctx, ch, uuid.Nil)
		s.Require().NoError(err)
		s.Empty(users, ch)
	}
	s.Len(s.pub.OfType(broker.EventTypingStopped), 2)
}

func (s *TypingStoreTestSuite) TestEmptyChannelIsCommunity() {
	alice := uuid.New()
	s.Require().NoError(s.store.SetTyping(s.ctx, alice, "", true))

	users, err := s.store.ListTypingUsers(s.ctx, models.CommunityChannel, uuid.Nil)
	s.Require().NoError(err)
	s.Equal([]uuid.UUID{alice}, users)
}

func (s *TypingStoreTestSuite) TestRunStopsWithContext() {
	ctx, cancel := context.WithCancel(s.ctx)
	done := make(chan struct{})
	go func() {
		s.store.Run(ctx, 10*time.Millisecond)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		s.Fail("Run did not return after cancel")
	}
}

func TestTypingStoreTestSuite(t *testing.T) {
	suite.Run(t, new(TypingStoreTestSuite))
}

// A user is listed exactly while now < last set + TTL.
func TestProperty_TypingVisibleOnlyBeforeExpiry(t *testing.T) {
	r := testutil.SetupTestRedis(t)
	clock := testutil.NewClock()
	store := NewStore(r.Client, testutil.NewRecordingPublisher(), 5*time.Second, WithClock(clock.Now))
	ctx := context.Background()

	properties := gopter.NewProperties(nil)
	properties.Property("typing record visible iff elapsed < ttl",
		prop.ForAll(
			func(elapsedMs int) bool {
				user := uuid.New()
				channel := uuid.NewString()
				if err := store.SetTyping(ctx, user, channel, true); err != nil {
					t.Logf("set typing: %v", err)
					return false
				}
				clock.Advance(time.Duration(elapsedMs) * time.Millisecond)

				users, err := store.ListTypingUsers(ctx, channel, uuid.Nil)
				if err != nil {
					return false
				}
				visible := len(users) == 1
				return visible == (elapsedMs < 5000)
			},
			gen.IntRange(0, 10000),
		))

	properties.TestingRun(t)
}

func TestSetTyping_RejectsNilUser(t *testing.T) {
	r := testutil.SetupTestRedis(t)
	store := NewStore(r.Client, testutil.NewRecordingPublisher(), 0)

	err := store.SetTyping(context.Background(), uuid.Nil, "c1", true)
	require.Error(t, err)
	assert.Equal(t, DefaultTTL, store.ttl)
}

func TestSetTyping_RejectsInvalidChannel(t *testing.T) {
	r := testutil.SetupTestRedis(t)
	pub := testutil.NewRecordingPublisher()
	store := NewStore(r.Client, pub, 0)

	for _, channelID := range []string{strings.Repeat("c", models.MaxChannelIDLength+1), "c\x001"} {
		err := store.SetTyping(context.Background(), uuid.New(), channelID, true)
		assert.ErrorIs(t, err, apperr.ErrValidation)
	}
	assert.Empty(t, pub.Events())
}
