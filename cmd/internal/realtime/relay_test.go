package realtime

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	v1 "parley/contracts/realtime/v1"

	"github.com/stretchr/testify/require"
)

func TestMessageRelay_Send_PushesToBothParties(t *testing.T) {
	req := require.New(t)
	f := newRelayFixture(t)
	ctx := context.Background()

	a := f.online("u1")
	b := f.online("u2")

	m, err := f.relay.Send(ctx, "u1", "u2", "  hi  ")
	req.NoError(err)
	req.Equal("hi", m.Text)
	req.Equal(StatusSent, m.Status)

	for _, c := range []*Conn{a, b} {
		got := envelopesOfType(drain(c), v1.TypeMessageNew)
		req.Len(got, 1)
		p := mustDecode[v1.MessagePayload](t, got[0].Payload)
		req.Equal(m.ID, p.ID)
		req.Equal("sent", p.Status)
	}
}

func TestMessageRelay_Send_ToSelfPushesOnce(t *testing.T) {
	req := require.New(t)
	f := newRelayFixture(t)

	a := f.online("u1")
	_, err := f.relay.Send(context.Background(), "u1", "u1", "note to self")
	req.NoError(err)
	req.Len(envelopesOfType(drain(a), v1.TypeMessageNew), 1)
}

func TestMessageRelay_Send_OfflineReceiverStillStored(t *testing.T) {
	req := require.New(t)
	f := newRelayFixture(t)
	ctx := context.Background()

	m, err := f.relay.Send(ctx, "u1", "u2", "are you there")
	req.NoError(err)

	hist, err := f.relay.History(ctx, "u2", "u1")
	req.NoError(err)
	req.Len(hist, 1)
	req.Equal(m.ID, hist[0].ID)
}

func TestMessageRelay_Send_Validation(t *testing.T) {
	f := newRelayFixture(t)
	ctx := context.Background()

	cases := []struct {
		name             string
		sender, receiver string
		text             string
	}{
		{"empty text", "u1", "u2", "   "},
		{"missing sender", "", "u2", "hi"},
		{"missing receiver", "u1", " ", "hi"},
		{"too long", "u1", "u2", strings.Repeat("é", maxMessageChars+1)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.relay.Send(ctx, tc.sender, tc.receiver, tc.text)
			require.ErrorIs(t, err, ErrInvalidInput)

			var op OpError
			require.ErrorAs(t, err, &op)
			require.Equal(t, "relay.send", op.Op)
		})
	}

	_, err := f.relay.Send(ctx, "u1", "u2", strings.Repeat("é", maxMessageChars))
	require.NoError(t, err)
}

func TestMessageRelay_SoftDelete(t *testing.T) {
	req := require.New(t)
	f := newRelayFixture(t)
	ctx := context.Background()

	a := f.online("u1")
	b := f.online("u2")

	m, err := f.relay.Send(ctx, "u1", "u2", "oops")
	req.NoError(err)
	drain(a)
	drain(b)

	_, err = f.relay.SoftDelete(ctx, "u2", m.ID)
	req.ErrorIs(err, ErrForbidden)

	_, err = f.relay.SoftDelete(ctx, "u1", "missing")
	req.ErrorIs(err, ErrNotFound)

	deleted, err := f.relay.SoftDelete(ctx, "u1", m.ID)
	req.NoError(err)
	req.Equal(StatusDeleted, deleted.Status)

	for _, c := range []*Conn{a, b} {
		got := envelopesOfType(drain(c), v1.TypeMessageStatus)
		req.Len(got, 1)
		p := mustDecode[v1.MessageStatusPayload](t, got[0].Payload)
		req.Equal(m.ID, p.MessageID)
		req.Equal("deleted", p.Status)
	}

	_, err = f.relay.SoftDelete(ctx, "u1", m.ID)
	req.ErrorIs(err, ErrInvalidState)

	// Deleted messages stay in history until archived.
	hist, err := f.relay.History(ctx, "u1", "u2")
	req.NoError(err)
	req.Len(hist, 1)
	req.Equal(StatusDeleted, hist[0].Status)
}

func TestMessageRelay_SoftDelete_AfterArchiveIsInvalidState(t *testing.T) {
	req := require.New(t)
	f := newRelayFixture(t)
	ctx := context.Background()

	m1, err := f.relay.Send(ctx, "u1", "u2", "M1")
	req.NoError(err)

	n, err := f.relay.Archive(ctx, "u1", "u2")
	req.NoError(err)
	req.EqualValues(1, n)

	_, err = f.relay.SoftDelete(ctx, "u1", m1.ID)
	req.ErrorIs(err, ErrInvalidState)

	got, err := f.store.FindByID(ctx, m1.ID)
	req.NoError(err)
	req.Equal(StatusArchived, got.Status)
}

func TestMessageRelay_Undo_WindowScenario(t *testing.T) {
	req := require.New(t)
	f := newRelayFixture(t)
	ctx := context.Background()

	first, err := f.relay.Send(ctx, "u1", "u2", "hi")
	req.NoError(err)

	f.clock.Advance(119 * time.Second)
	undone, err := f.relay.Undo(ctx, "u1", "u2")
	req.NoError(err)
	req.Equal(first.ID, undone.ID)
	req.Equal(StatusDeleted, undone.Status)

	// Nothing sent remains, so the next undo targets nothing: NotFound, not WindowExpired.
	f.clock.Advance(2 * time.Second)
	_, err = f.relay.Undo(ctx, "u1", "u2")
	req.ErrorIs(err, ErrNotFound)
	req.NotErrorIs(err, ErrWindowExpired)
}

func TestMessageRelay_Undo_Expired(t *testing.T) {
	req := require.New(t)
	f := newRelayFixture(t)
	ctx := context.Background()

	m, err := f.relay.Send(ctx, "u1", "u2", "hi")
	req.NoError(err)

	f.clock.Advance(DefaultUndoWindow)
	_, err = f.relay.Undo(ctx, "u1", "u2")
	req.NoError(err, "exactly at the window boundary undo is allowed")

	m2, err := f.relay.Send(ctx, "u1", "u2", "again")
	req.NoError(err)
	req.NotEqual(m.ID, m2.ID)

	f.clock.Advance(DefaultUndoWindow + time.Second)
	_, err = f.relay.Undo(ctx, "u1", "u2")
	req.ErrorIs(err, ErrWindowExpired)

	got, err := f.store.FindByID(ctx, m2.ID)
	req.NoError(err)
	req.Equal(StatusSent, got.Status)
}

func TestMessageRelay_Undo_OnlySendersOwnDirection(t *testing.T) {
	req := require.New(t)
	f := newRelayFixture(t)
	ctx := context.Background()

	_, err := f.relay.Send(ctx, "u2", "u1", "from u2")
	req.NoError(err)

	_, err = f.relay.Undo(ctx, "u1", "u2")
	req.ErrorIs(err, ErrNotFound)
}

func TestMessageRelay_Undo_TargetsLatest(t *testing.T) {
	req := require.New(t)
	f := newRelayFixture(t)
	ctx := context.Background()

	first, err := f.relay.Send(ctx, "u1", "u2", "one")
	req.NoError(err)
	f.clock.Advance(time.Second)
	second, err := f.relay.Send(ctx, "u1", "u2", "two")
	req.NoError(err)

	undone, err := f.relay.Undo(ctx, "u1", "u2")
	req.NoError(err)
	req.Equal(second.ID, undone.ID)

	undone, err = f.relay.Undo(ctx, "u1", "u2")
	req.NoError(err)
	req.Equal(first.ID, undone.ID)
}

func TestMessageRelay_WithUndoWindow(t *testing.T) {
	req := require.New(t)
	clock := newFakeClock(t0)
	store := NewInMemoryStore(WithMemoryClock(clock.Now))
	relay, err := NewMessageRelay(discardLogger(), store, nil, nil, WithRelayClock(clock.Now), WithUndoWindow(5*time.Second))
	req.NoError(err)
	req.Equal(5*time.Second, relay.UndoWindow())

	_, err = relay.Send(context.Background(), "u1", "u2", "hi")
	req.NoError(err)
	clock.Advance(6 * time.Second)

	_, err = relay.Undo(context.Background(), "u1", "u2")
	req.ErrorIs(err, ErrWindowExpired)
}

func TestMessageRelay_Archive_IdempotentAndPushes(t *testing.T) {
	req := require.New(t)
	f := newRelayFixture(t)
	ctx := context.Background()

	a := f.online("u1")
	b := f.online("u2")

	m1, err := f.relay.Send(ctx, "u1", "u2", "one")
	req.NoError(err)
	_, err = f.relay.Send(ctx, "u2", "u1", "two")
	req.NoError(err)
	_, err = f.relay.SoftDelete(ctx, "u1", m1.ID)
	req.NoError(err)
	drain(a)
	drain(b)

	n, err := f.relay.Archive(ctx, "u2", "u1")
	req.NoError(err)
	req.EqualValues(2, n)

	for _, c := range []*Conn{a, b} {
		got := envelopesOfType(drain(c), v1.TypeConversationArchived)
		req.Len(got, 1)
	}

	hist, err := f.relay.History(ctx, "u1", "u2")
	req.NoError(err)
	req.Empty(hist)

	n, err = f.relay.Archive(ctx, "u1", "u2")
	req.NoError(err)
	req.Zero(n)
	req.Empty(drain(a), "second archive changes nothing and pushes nothing")

	_, err = f.relay.Archive(ctx, "u1", "")
	req.ErrorIs(err, ErrInvalidInput)
}

func TestMessageRelay_History_OrderedAscending(t *testing.T) {
	req := require.New(t)
	f := newRelayFixture(t)
	ctx := context.Background()

	var want []string
	for i, from := range []string{"u1", "u2", "u1"} {
		to := "u2"
		if from == "u2" {
			to = "u1"
		}
		m, err := f.relay.Send(ctx, from, to, strings.Repeat("x", i+1))
		req.NoError(err)
		want = append(want, m.ID)
		f.clock.Advance(time.Second)
	}

	hist, err := f.relay.History(ctx, "u2", "u1")
	req.NoError(err)
	req.Len(hist, 3)
	for i, m := range hist {
		req.Equal(want[i], m.ID)
	}
}

func TestMessageRelay_StatusNeverReturnsToSent(t *testing.T) {
	req := require.New(t)
	f := newRelayFixture(t)
	ctx := context.Background()

	m, err := f.relay.Send(ctx, "u1", "u2", "hi")
	req.NoError(err)
	_, err = f.relay.SoftDelete(ctx, "u1", m.ID)
	req.NoError(err)
	_, err = f.relay.Archive(ctx, "u1", "u2")
	req.NoError(err)

	_, err = f.relay.Undo(ctx, "u1", "u2")
	req.ErrorIs(err, ErrNotFound)
	_, err = f.relay.SoftDelete(ctx, "u1", m.ID)
	req.ErrorIs(err, ErrInvalidState)

	got, err := f.store.FindByID(ctx, m.ID)
	req.NoError(err)
	req.Equal(StatusArchived, got.Status)
}

func TestMessageRelay_ConcurrentDeleteAndUndo_OneWins(t *testing.T) {
	req := require.New(t)
	f := newRelayFixture(t)
	ctx := context.Background()

	m, err := f.relay.Send(ctx, "u1", "u2", "race")
	req.NoError(err)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var err error
			if i%2 == 0 {
				_, err = f.relay.SoftDelete(ctx, "u1", m.ID)
			} else {
				_, err = f.relay.Undo(ctx, "u1", "u2")
			}
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
		}()
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrInvalidState), errors.Is(err, ErrNotFound):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	req.Equal(1, wins)
}

func TestMessageRelay_DisconnectBeforePush_HistoryStillHasMessage(t *testing.T) {
	req := require.New(t)
	f := newRelayFixture(t)
	ctx := context.Background()

	a := f.online("u1")
	b := f.online("u2")

	// B disconnects before the push.
	f.registry.Unbind(b)
	b.Close()

	m1, err := f.relay.Send(ctx, "u1", "u2", "M1")
	req.NoError(err)

	req.Len(envelopesOfType(drain(a), v1.TypeMessageNew), 1)
	req.Empty(drain(b))

	hist, err := f.relay.History(ctx, "u2", "u1")
	req.NoError(err)
	req.Len(hist, 1)
	req.Equal(m1.ID, hist[0].ID)
}

func TestMessageRelay_StoreFailureMapsToErrStore(t *testing.T) {
	req := require.New(t)
	relay, err := NewMessageRelay(discardLogger(), failingStore{}, nil, nil)
	req.NoError(err)
	ctx := context.Background()

	_, err = relay.Send(ctx, "u1", "u2", "hi")
	req.ErrorIs(err, ErrStore)
	_, err = relay.SoftDelete(ctx, "u1", "m1")
	req.ErrorIs(err, ErrStore)
	_, err = relay.Undo(ctx, "u1", "u2")
	req.ErrorIs(err, ErrStore)
	_, err = relay.Archive(ctx, "u1", "u2")
	req.ErrorIs(err, ErrStore)
	_, err = relay.History(ctx, "u1", "u2")
	req.ErrorIs(err, ErrStore)
	req.Equal("store_error", ErrorCode(err))
}

func TestNewMessageRelay_RequiresStore(t *testing.T) {
	_, err := NewMessageRelay(nil, nil, nil, nil)
	require.Error(t, err)
}

type failingStore struct{}

var errDown = errors.New("db down")

func (failingStore) Create(context.Context, string, string, string) (Message, error) {
	return Message{}, storeErr("fail.create", errDown)
}
func (failingStore) FindByID(context.Context, string) (Message, error) {
	return Message{}, storeErr("fail.find", errDown)
}
func (failingStore) FindLastSent(context.Context, string, string) (Message, error) {
	return Message{}, storeErr("fail.find_last_sent", errDown)
}
func (failingStore) CompareAndSetStatus(context.Context, string, Status, Status) (bool, error) {
	return false, storeErr("fail.cas", errDown)
}
func (failingStore) ListConversation(context.Context, string, string, Status) ([]Message, error) {
	return nil, storeErr("fail.list", errDown)
}
func (failingStore) ArchiveConversation(context.Context, string, string) (int64, error) {
	return 0, storeErr("fail.archive", errDown)
}
func (failingStore) Close() error { return nil }
