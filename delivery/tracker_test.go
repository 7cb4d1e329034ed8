package delivery

import (
	"chat-relay/domain"
	"chat-relay/domain/event"
	"chat-relay/errors"
	"chat-relay/mocks"
	"chat-relay/moderation"
	"chat-relay/repositories"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"

	"github.com/dgraph-io/badger/v4"
	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

type fanned struct {
	conversation domain.ConversationID
	user         domain.UserID
	event        event.Event
	except       string
}

type recordingFanout struct {
	mu     sync.Mutex
	events []fanned
}

func (f *recordingFanout) Conversation(_ context.Context, id domain.ConversationID, e event.Event, except string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, fanned{conversation: id, event: e, except: except})
}

func (f *recordingFanout) User(_ context.Context, id domain.UserID, e event.Event, except string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, fanned{user: id, event: e, except: except})
}

func (f *recordingFanout) all() []fanned {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]fanned(nil), f.events...)
}

func (f *recordingFanout) statusUpdates() []event.StatusUpdate {
	var updates []event.StatusUpdate
	for _, e := range f.all() {
		if u, ok := e.event.(event.StatusUpdate); ok {
			updates = append(updates, u)
		}
	}
	return updates
}

type fixture struct {
	store   *repositories.BadgerStore
	fanout  *recordingFanout
	tracker *Tracker
}

func newFixture(t *testing.T, opts ...Option) fixture {
	db, err := badger.Open(badger.DefaultOptions(t.TempDir()).WithLoggingLevel(badger.ERROR))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	log := logs.GetLoggerFromLevel(slog.LevelDebug)
	store := repositories.NewBadgerStore(db, log)
	ctx := context.Background()
	require.NoError(t, store.SaveConversation(ctx, domain.Conversation{
		ID: "group", Kind: domain.KindGroup, Members: []domain.UserID{"alice", "bob", "carol"},
	}))
	require.NoError(t, store.SaveConversation(ctx, domain.Conversation{
		ID: "solo", Kind: domain.KindGroup, Members: []domain.UserID{"alice"},
	}))
	fanout := &recordingFanout{}
	return fixture{store: store, fanout: fanout, tracker: NewTracker(log, store, store, fanout, opts...)}
}

func send(conv domain.ConversationID, body, key string) domain.SendCommand {
	return domain.SendCommand{
		ConversationID: conv,
		SenderID:       "alice",
		Body:           body,
		IdempotencyKey: key,
		OriginSession:  "alice-session",
	}
}

func TestTracker_AcceptSend_Twice_Yields_Same_Message_And_One_Fanout(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newFixture(t)

	first, err := f.tracker.AcceptSend(ctx, send("group", "hi", "k1"))
	req.NoError(err)
	req.Equal(domain.StatusSent, first.Status)

	// When the client retries with the same key
	second, err := f.tracker.AcceptSend(ctx, send("group", "hi", "k1"))

	// Then the same message is returned and nothing is fanned out again
	req.NoError(err)
	req.Equal(first.ID, second.ID)
	events := f.fanout.all()
	req.Len(events, 1)
	req.Equal(domain.ConversationID("group"), events[0].conversation)
	req.Equal("alice-session", events[0].except)
	req.Equal(first.ID, events[0].event.(event.MessageCreated).Message.ID)
}

func TestTracker_AcceptSend_Concurrent_Retries(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newFixture(t)

	var wg sync.WaitGroup
	ids := make([]domain.MessageID, 10)
	for i := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m, err := f.tracker.AcceptSend(ctx, send("group", "hi", "same"))
			if err == nil {
				ids[i] = m.ID
			}
		}()
	}
	wg.Wait()

	for _, id := range ids {
		req.Equal(ids[0], id)
	}
	req.Len(f.fanout.all(), 1)
}

func TestTracker_AcceptSend_Persistence_Failure_Marks_Failed(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	messages := mocks.NewMockMessageStore(ctrl)
	conversations := mocks.NewMockConversationStore(ctrl)
	fanout := mocks.NewMockFanout(ctrl)
	tracker := NewTracker(logs.GetLoggerFromLevel(slog.LevelDebug), messages, conversations, fanout)

	// Given a durable store that fails
	messages.EXPECT().InsertMessageIfAbsent(gomock.Any(), gomock.Any()).
		Return(domain.Message{}, false, fmt.Errorf("disk full"))
	// Then no fan-out ever happens
	fanout.EXPECT().Conversation(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Times(0)

	msg, err := tracker.AcceptSend(context.Background(), send("group", "hi", "k1"))

	req.ErrorIs(err, errors.ErrPersistence)
	req.Equal(errors.CodePersistence, errors.Code(err))
	req.Equal(domain.StatusFailed, msg.Status)
	req.Equal("k1", msg.IdempotencyKey)
}

func TestTracker_AcceptSend_Survives_Caller_Cancellation(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// When the session is already gone
	_, _ = f.tracker.AcceptSend(ctx, send("group", "hi", "k1"))
	f.tracker.Wait()

	// Then the accepted write still completed
	page, err := f.store.ReadPage(context.Background(), "group", 0, 10)
	req.NoError(err)
	req.Len(page, 1)
	req.Equal(domain.StatusSent, page[0].Status)
}

func TestTracker_AcceptSend_Censors_Body(t *testing.T) {
	req := require.New(t)
	mod, err := moderation.NewModerator([]string{"spam"}, '*', logs.GetLoggerFromLevel(slog.LevelDebug))
	req.NoError(err)
	f := newFixture(t, WithCensor(mod))

	msg, err := f.tracker.AcceptSend(context.Background(), send("group", "buy spam", "k1"))
	req.NoError(err)
	req.Equal("buy ****", msg.Body)
}

func TestTracker_Group_Read_Only_When_Everyone_Read(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newFixture(t)
	msg, err := f.tracker.AcceptSend(ctx, send("group", "hi", "k1"))
	req.NoError(err)

	// When bob reads, carol has not received it yet
	req.NoError(f.tracker.AcknowledgeRead(ctx, msg.ID, "bob"))
	stored, err := f.store.GetMessage(ctx, msg.ID)
	req.NoError(err)
	req.Equal(domain.StatusSent, stored.Status)
	req.Empty(f.fanout.statusUpdates())

	// When carol receives it, every recipient has at least delivered
	req.NoError(f.tracker.AcknowledgeDelivered(ctx, msg.ID, "carol"))
	updates := f.fanout.statusUpdates()
	req.Len(updates, 1)
	req.Equal(domain.StatusDelivered, updates[0].Status)

	// When carol reads it too
	req.NoError(f.tracker.AcknowledgeRead(ctx, msg.ID, "carol"))
	updates = f.fanout.statusUpdates()
	req.Len(updates, 2)
	req.Equal(domain.StatusRead, updates[1].Status)

	// Then the update went to the sender only
	for _, e := range f.fanout.all()[1:] {
		req.Equal(domain.UserID("alice"), e.user)
		req.Empty(e.conversation)
	}
	stored, err = f.store.GetMessage(ctx, msg.ID)
	req.NoError(err)
	req.Equal(domain.StatusRead, stored.Status)
}

func TestTracker_Late_Ack_Never_Regresses(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newFixture(t)
	msg, err := f.tracker.AcceptSend(ctx, send("group", "hi", "k1"))
	req.NoError(err)
	req.NoError(f.tracker.AcknowledgeRead(ctx, msg.ID, "bob"))
	req.NoError(f.tracker.AcknowledgeRead(ctx, msg.ID, "carol"))

	// When a delivered ack arrives after the reads
	req.NoError(f.tracker.AcknowledgeDelivered(ctx, msg.ID, "bob"))

	stored, err := f.store.GetMessage(ctx, msg.ID)
	req.NoError(err)
	req.Equal(domain.StatusRead, stored.Status)
	req.Len(f.fanout.statusUpdates(), 1)
}

func TestTracker_Removed_Member_Is_Excluded_From_Aggregate(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newFixture(t)
	msg, err := f.tracker.AcceptSend(ctx, send("group", "hi", "k1"))
	req.NoError(err)
	req.NoError(f.tracker.AcknowledgeRead(ctx, msg.ID, "bob"))

	// Given carol leaves the group before reading
	req.NoError(f.store.SaveConversation(ctx, domain.Conversation{
		ID: "group", Kind: domain.KindGroup, Members: []domain.UserID{"alice", "bob"},
	}))

	// Then her acknowledgement is refused
	req.ErrorIs(f.tracker.AcknowledgeRead(ctx, msg.ID, "carol"), errors.ErrNotAMember)

	// And the next ack computes the aggregate over current members
	req.NoError(f.tracker.AcknowledgeRead(ctx, msg.ID, "bob"))
	stored, err := f.store.GetMessage(ctx, msg.ID)
	req.NoError(err)
	req.Equal(domain.StatusRead, stored.Status)
}

func TestTracker_Sender_And_Solo_Conversation(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newFixture(t)
	msg, err := f.tracker.AcceptSend(ctx, send("solo", "note to self", "k1"))
	req.NoError(err)

	// A sender acknowledging their own message changes nothing
	req.NoError(f.tracker.AcknowledgeRead(ctx, msg.ID, "alice"))
	stored, err := f.store.GetMessage(ctx, msg.ID)
	req.NoError(err)
	req.Equal(domain.StatusSent, stored.Status)

	req.ErrorIs(f.tracker.AcknowledgeRead(ctx, "missing", "bob"), errors.ErrMessageNotFound)
}
