package syncclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"slices"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/alexjbarnes/twilsync/internal/backend"
	"github.com/alexjbarnes/twilsync/internal/cache"
	syncerr "github.com/alexjbarnes/twilsync/internal/errors"
	"github.com/alexjbarnes/twilsync/internal/subscriptions"
	"github.com/alexjbarnes/twilsync/internal/twilsock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeEntity struct {
	md        cache.Metadata
	items     map[cache.ItemID]cache.ItemData
	nextIndex uint64
}

// fakeBackend is an in-memory server. Every write advances a global
// event id which doubles as the revision.
type fakeBackend struct {
	mu       sync.Mutex
	entities map[string]*fakeEntity
	eventID  int64
	pages    int
	items    int
	metaErr  error
	conflict bool
	messages []backend.StreamMessage
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{entities: make(map[string]*fakeEntity), eventID: 100}
}

func notFound() error {
	return syncerr.FromStatus(404, "Not Found", "no such entity", 54100)
}

func conflict() error {
	return syncerr.FromStatus(412, "Precondition Failed", "revision mismatch", 54103)
}

func (f *fakeBackend) add(typ cache.EntityType, sid, name string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.entities[sid] = &fakeEntity{
		md:    cache.Metadata{Sid: sid, UniqueName: name, Type: typ, Revision: "0", LastEventID: f.eventID},
		items: make(map[cache.ItemID]cache.ItemData),
	}
}

func (f *fakeBackend) drop(sid string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	delete(f.entities, sid)
}

// put writes an item server side, as another client would.
func (f *fakeBackend) put(sid string, id cache.ItemID, data string) cache.ItemData {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.putLocked(f.entities[sid], id, json.RawMessage(data))
}

func (f *fakeBackend) putLocked(e *fakeEntity, id cache.ItemID, data json.RawMessage) cache.ItemData {
	f.eventID++

	item := cache.ItemData{
		CollectionSid: e.md.Sid,
		ID:            id,
		Revision:      strconv.FormatInt(f.eventID, 10),
		LastEventID:   f.eventID,
		Data:          data,
	}

	e.items[id] = item
	e.md.LastEventID = f.eventID

	return item
}

func (f *fakeBackend) setDocument(sid, data string) cache.Metadata {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.setDocumentLocked(f.entities[sid], json.RawMessage(data))
}

func (f *fakeBackend) setDocumentLocked(e *fakeEntity, data json.RawMessage) cache.Metadata {
	f.eventID++

	e.md.Data = data
	e.md.Revision = strconv.FormatInt(f.eventID, 10)
	e.md.LastEventID = f.eventID

	return e.md
}

func (f *fakeBackend) find(sidOrName string) *fakeEntity {
	if e, ok := f.entities[sidOrName]; ok {
		return e
	}

	for _, e := range f.entities {
		if e.md.UniqueName != "" && e.md.UniqueName == sidOrName {
			return e
		}
	}

	return nil
}

func (f *fakeBackend) counts() (pages, items int) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.pages, f.items
}

func (f *fakeBackend) FetchMetadata(_ context.Context, typ cache.EntityType, sidOrName string) (cache.Metadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.metaErr != nil {
		return cache.Metadata{}, f.metaErr
	}

	e := f.find(sidOrName)
	if e == nil || e.md.Type != typ {
		return cache.Metadata{}, notFound()
	}

	return e.md, nil
}

func (f *fakeBackend) FetchPage(_ context.Context, _ cache.EntityType, sid string, from *cache.ItemID, order cache.Order, pageSize int) (cache.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.pages++

	e := f.entities[sid]
	if e == nil {
		return cache.Page{}, notFound()
	}

	all := slices.SortedFunc(func(yield func(cache.ItemData) bool) {
		for _, item := range e.items {
			if !yield(item) {
				return
			}
		}
	}, func(a, b cache.ItemData) int { return a.ID.Compare(b.ID) })

	if order == cache.Descending {
		slices.Reverse(all)
	}

	var items []cache.ItemData

	for _, item := range all {
		if from != nil {
			c := item.ID.Compare(*from)
			if (order == cache.Ascending && c < 0) || (order == cache.Descending && c > 0) {
				continue
			}
		}

		items = append(items, item)
	}

	page := cache.Page{Order: order, From: from}

	if len(items) > pageSize {
		items = items[:pageSize]
		page.HasMore = true
	}

	page.Items = items

	return page, nil
}

func (f *fakeBackend) FetchItem(_ context.Context, _ cache.EntityType, sid string, id cache.ItemID) (*cache.ItemData, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.items++

	e := f.entities[sid]
	if e == nil {
		return nil, notFound()
	}

	item, ok := e.items[id]
	if !ok {
		return nil, nil
	}

	return &item, nil
}

func (f *fakeBackend) SetItem(_ context.Context, _ cache.EntityType, sid string, id *cache.ItemID, data json.RawMessage, revision string) (cache.ItemData, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	e := f.entities[sid]
	if e == nil {
		return cache.ItemData{}, notFound()
	}

	if f.conflict {
		return cache.ItemData{}, conflict()
	}

	if id == nil {
		next := cache.IndexID(e.nextIndex)
		e.nextIndex++
		id = &next
	}

	if revision != "" && e.items[*id].Revision != revision {
		return cache.ItemData{}, conflict()
	}

	return f.putLocked(e, *id, data), nil
}

func (f *fakeBackend) RemoveItem(_ context.Context, _ cache.EntityType, sid string, id cache.ItemID, _ string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	e := f.entities[sid]
	if e == nil {
		return 0, notFound()
	}

	if _, ok := e.items[id]; !ok {
		return 0, notFound()
	}

	delete(e.items, id)

	f.eventID++
	e.md.LastEventID = f.eventID

	return f.eventID, nil
}

func (f *fakeBackend) UpdateDocument(_ context.Context, sid string, data json.RawMessage, revision string) (cache.Metadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	e := f.entities[sid]
	if e == nil {
		return cache.Metadata{}, notFound()
	}

	if f.conflict || (revision != "" && e.md.Revision != revision) {
		return cache.Metadata{}, conflict()
	}

	return f.setDocumentLocked(e, data), nil
}

func (f *fakeBackend) PublishMessage(_ context.Context, sid string, data json.RawMessage) (backend.StreamMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.entities[sid] == nil {
		return backend.StreamMessage{}, notFound()
	}

	msg := backend.StreamMessage{Sid: fmt.Sprintf("TZ%d", len(f.messages)), Data: data}
	f.messages = append(f.messages, msg)

	return msg, nil
}

type recordingSender struct {
	mu   sync.Mutex
	reqs []backend.SubscriptionRequest
}

func (s *recordingSender) Subscriptions(_ context.Context, req backend.SubscriptionRequest) (backend.SubscriptionResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.reqs = append(s.reqs, req)

	return backend.SubscriptionResponse{EstimatedDelivery: time.Minute}, nil
}

func (s *recordingSender) targets() []backend.SubscriptionTarget {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []backend.SubscriptionTarget

	for _, req := range s.reqs {
		if req.Action == backend.ActionEstablish {
			out = append(out, req.Requests...)
		}
	}

	return out
}

type env struct {
	client  *Client
	backend *fakeBackend
	subs    *subscriptions.Manager
	sender  *recordingSender
	cache   *cache.Cache
}

func newEnv(t *testing.T) *env {
	t.Helper()

	c, err := cache.Open(filepath.Join(t.TempDir(), "cache.db"), quietLogger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	sender := &recordingSender{}

	subs, err := subscriptions.New(sender, subscriptions.Config{}, quietLogger)
	require.NoError(t, err)

	fb := newFakeBackend()
	client := New(fb, subs, c, Config{PageSize: 2}, quietLogger)

	ctx, cancel := context.WithCancel(context.Background())

	var wg sync.WaitGroup

	wg.Go(func() { _ = subs.Run(ctx) })
	wg.Go(func() { _ = client.Run(ctx) })

	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})

	return &env{client: client, backend: fb, subs: subs, sender: sender, cache: c}
}

func (e *env) notify(payload string) {
	e.subs.OnNotification(twilsock.Notification{MessageType: "twilio.sync.event", Payload: []byte(payload)})
}

func mapEvent(kind, sid, key string, id int64, data string) string {
	return fmt.Sprintf(`{"event_type":"map_item_%s","id":%d,"map_sid":%q,"item_key":%q,"item_revision":"%d","item_data":%s}`,
		kind, id, sid, key, id, data)
}

func next(t *testing.T, ch <-chan ChangeEvent) ChangeEvent {
	t.Helper()

	select {
	case ev, ok := <-ch:
		require.True(t, ok, "events channel closed")
		return ev
	case <-time.After(5 * time.Second):
		require.FailNow(t, "no change event")
		return ChangeEvent{}
	}
}

func keys(t *testing.T, col *Collection, order cache.Order) []string {
	t.Helper()

	var out []string

	for item, err := range col.Items(context.Background(), nil, order) {
		require.NoError(t, err)
		out = append(out, item.ID.String())
	}

	return out
}

func openMap(t *testing.T, e *env, sidOrName string) *Collection {
	t.Helper()

	col, err := e.client.OpenMap(context.Background(), sidOrName)
	require.NoError(t, err)
	t.Cleanup(col.Close)

	return col
}

func TestOpen_NotFound(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	_, err := e.client.OpenMap(ctx, "missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, syncerr.ErrOpenCollection)
	assert.Equal(t, 404, syncerr.StatusOf(err))

	_, err = e.client.OpenDocument(ctx, "missing")
	assert.ErrorIs(t, err, syncerr.ErrOpenDocument)

	_, err = e.client.OpenStream(ctx, "missing")
	assert.ErrorIs(t, err, syncerr.ErrOpenStream)
}

func TestOpen_ByUniqueName(t *testing.T) {
	e := newEnv(t)
	e.backend.add(cache.EntityMap, "MP1", "scores")

	col := openMap(t, e, "scores")
	assert.Equal(t, "MP1", col.Sid())
	assert.Equal(t, "scores", col.UniqueName())
	assert.Equal(t, cache.EntityMap, col.Type())

	md, err := e.cache.GetMetadataByUniqueName("scores")
	require.NoError(t, err)
	require.NotNil(t, md)
	assert.Equal(t, "MP1", md.Sid)
}

func TestOpen_WrongTypeIsNotFound(t *testing.T) {
	e := newEnv(t)
	e.backend.add(cache.EntityList, "ES1", "")

	_, err := e.client.OpenMap(context.Background(), "ES1")
	assert.ErrorIs(t, err, syncerr.ErrOpenCollection)
}

func TestOpen_ReplaysFromCachedEventID(t *testing.T) {
	e := newEnv(t)
	e.backend.add(cache.EntityMap, "MP1", "")
	ctx := context.Background()

	col, err := e.client.OpenMap(ctx, "MP1")
	require.NoError(t, err)

	item, err := col.SetItem(ctx, cache.KeyID("a"), json.RawMessage(`1`))
	require.NoError(t, err)
	col.Close()

	md, err := e.cache.GetMetadata("MP1")
	require.NoError(t, err)
	require.NotNil(t, md)
	assert.Equal(t, item.LastEventID, md.LastEventID)

	e.subs.OnStateChanged(twilsock.Connected)

	col = openMap(t, e, "MP1")

	assert.Eventually(t, func() bool {
		for _, target := range e.sender.targets() {
			if target.ObjectSid == col.Sid() && target.LastEventID != nil && *target.LastEventID == item.LastEventID {
				return true
			}
		}

		return false
	}, 5*time.Second, 10*time.Millisecond)
}

func TestOpen_OfflineUsesCache(t *testing.T) {
	e := newEnv(t)
	e.backend.add(cache.EntityMap, "MP1", "scores")
	e.backend.put("MP1", cache.KeyID("a"), `1`)
	ctx := context.Background()

	col, err := e.client.OpenMap(ctx, "scores")
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, keys(t, col, cache.Ascending))
	col.Close()

	e.backend.mu.Lock()
	e.backend.metaErr = syncerr.FromStatus(503, "Service Unavailable", "", 0)
	e.backend.mu.Unlock()

	pages, items := e.backend.counts()

	col = openMap(t, e, "scores")
	assert.Equal(t, "MP1", col.Sid())

	got, err := col.GetItem(ctx, cache.KeyID("a"))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.JSONEq(t, `1`, string(got.Data))
	assert.Equal(t, []string{"a"}, keys(t, col, cache.Ascending))

	p, i := e.backend.counts()
	assert.Equal(t, pages, p)
	assert.Equal(t, items, i)
}

func TestOpen_RemovedWhileAway(t *testing.T) {
	e := newEnv(t)
	e.backend.add(cache.EntityMap, "MP1", "")
	ctx := context.Background()

	col, err := e.client.OpenMap(ctx, "MP1")
	require.NoError(t, err)
	col.Close()

	e.backend.drop("MP1")

	_, err = e.client.OpenMap(ctx, "MP1")
	assert.ErrorIs(t, err, syncerr.ErrOpenCollection)

	md, err := e.cache.GetMetadata("MP1")
	require.NoError(t, err)
	assert.Nil(t, md)
}

func TestCollection_ItemsServedFromCacheAfterFirstPass(t *testing.T) {
	e := newEnv(t)
	e.backend.add(cache.EntityMap, "MP1", "")

	for _, k := range []string{"a", "b", "c", "d", "e"} {
		e.backend.put("MP1", cache.KeyID(k), `{}`)
	}

	col := openMap(t, e, "MP1")

	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, keys(t, col, cache.Ascending))

	pages, _ := e.backend.counts()
	assert.Positive(t, pages)

	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, keys(t, col, cache.Ascending))
	assert.Equal(t, []string{"e", "d", "c", "b", "a"}, keys(t, col, cache.Descending))

	after, _ := e.backend.counts()
	assert.Equal(t, pages, after)
}

func TestCollection_ItemsWrapsErrors(t *testing.T) {
	e := newEnv(t)
	e.backend.add(cache.EntityMap, "MP1", "")
	col := openMap(t, e, "MP1")

	e.backend.drop("MP1")

	var errs []error

	for _, err := range col.Items(context.Background(), nil, cache.Ascending) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], syncerr.ErrIterator)
	assert.Equal(t, 404, syncerr.StatusOf(errs[0]))
}

func TestCollection_GetItemFallsBackToBackend(t *testing.T) {
	e := newEnv(t)
	e.backend.add(cache.EntityMap, "MP1", "")
	e.backend.put("MP1", cache.KeyID("a"), `{"v":1}`)
	col := openMap(t, e, "MP1")
	ctx := context.Background()

	got, err := col.GetItem(ctx, cache.KeyID("a"))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.JSONEq(t, `{"v":1}`, string(got.Data))

	got, err = col.GetItem(ctx, cache.KeyID("a"))
	require.NoError(t, err)
	require.NotNil(t, got)

	_, items := e.backend.counts()
	assert.Equal(t, 1, items)

	missing, err := col.GetItem(ctx, cache.KeyID("zz"))
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestCollection_RemoteEvents(t *testing.T) {
	e := newEnv(t)
	e.backend.add(cache.EntityMap, "MP1", "")
	col := openMap(t, e, "MP1")

	e.notify(mapEvent("added", "MP1", "a", 201, `{"v":1}`))

	ev := next(t, col.Events())
	assert.Equal(t, cache.Added, ev.Result)
	assert.True(t, ev.Remote)
	require.NotNil(t, ev.Item)
	assert.JSONEq(t, `{"v":1}`, string(ev.Item.Data))

	e.notify(mapEvent("updated", "MP1", "a", 202, `{"v":2}`))

	ev = next(t, col.Events())
	assert.Equal(t, cache.Updated, ev.Result)
	require.NotNil(t, ev.Previous)
	assert.JSONEq(t, `{"v":1}`, string(ev.Previous.Data))

	e.notify(mapEvent("removed", "MP1", "a", 203, `null`))

	ev = next(t, col.Events())
	assert.Equal(t, cache.Removed, ev.Result)

	got, err := col.GetItem(context.Background(), cache.KeyID("a"))
	require.NoError(t, err)
	assert.Nil(t, got)

	_, items := e.backend.counts()
	assert.Zero(t, items)
}

func TestCollection_OutOfOrderRemoteEvents(t *testing.T) {
	e := newEnv(t)
	e.backend.add(cache.EntityMap, "MP1", "")
	col := openMap(t, e, "MP1")

	e.notify(mapEvent("updated", "MP1", "x", 302, `"v2"`))
	e.notify(mapEvent("added", "MP1", "x", 301, `"v1"`))
	e.notify(`not json`)
	e.notify(mapEvent("added", "MP1", "y", 303, `"y"`))

	ev := next(t, col.Events())
	assert.Equal(t, cache.Added, ev.Result)
	assert.Equal(t, cache.KeyID("x"), ev.Item.ID)
	assert.JSONEq(t, `"v2"`, string(ev.Item.Data))

	ev = next(t, col.Events())
	assert.Equal(t, cache.KeyID("y"), ev.Item.ID)
}

func TestCollection_LocalWriteEchoIsQuiet(t *testing.T) {
	e := newEnv(t)
	e.backend.add(cache.EntityMap, "MP1", "")
	col := openMap(t, e, "MP1")

	item, err := col.SetItem(context.Background(), cache.KeyID("a"), json.RawMessage(`7`))
	require.NoError(t, err)

	ev := next(t, col.Events())
	assert.Equal(t, cache.Added, ev.Result)
	assert.False(t, ev.Remote)

	e.notify(mapEvent("added", "MP1", "a", item.LastEventID, `7`))
	e.notify(mapEvent("added", "MP1", "b", item.LastEventID+1, `8`))

	ev = next(t, col.Events())
	assert.Equal(t, cache.KeyID("b"), ev.Item.ID)
	assert.True(t, ev.Remote)
}

func TestCollection_RemoveItem(t *testing.T) {
	e := newEnv(t)
	e.backend.add(cache.EntityMap, "MP1", "")
	e.backend.put("MP1", cache.KeyID("a"), `"gone soon"`)
	col := openMap(t, e, "MP1")
	ctx := context.Background()

	assert.Equal(t, []string{"a"}, keys(t, col, cache.Ascending))

	require.NoError(t, col.RemoveItem(ctx, cache.KeyID("a")))

	ev := next(t, col.Events())
	assert.Equal(t, cache.Removed, ev.Result)
	require.NotNil(t, ev.Previous)
	assert.JSONEq(t, `"gone soon"`, string(ev.Previous.Data))

	assert.Empty(t, keys(t, col, cache.Ascending))

	err := col.RemoveItem(ctx, cache.KeyID("a"))
	assert.Equal(t, 404, syncerr.StatusOf(err))
}

func TestCollection_MutateItemRetriesOnConflict(t *testing.T) {
	e := newEnv(t)
	e.backend.add(cache.EntityMap, "MP1", "")
	e.backend.put("MP1", cache.KeyID("n"), `1`)
	col := openMap(t, e, "MP1")
	ctx := context.Background()

	_, err := col.GetItem(ctx, cache.KeyID("n"))
	require.NoError(t, err)

	e.backend.put("MP1", cache.KeyID("n"), `10`)

	var seen []string

	item, err := col.MutateItem(ctx, cache.KeyID("n"), func(cur json.RawMessage) (json.RawMessage, error) {
		seen = append(seen, string(cur))

		var n int
		if err := json.Unmarshal(cur, &n); err != nil {
			return nil, err
		}

		return json.Marshal(n + 1)
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"1", "10"}, seen)
	assert.JSONEq(t, `11`, string(item.Data))

	got, err := col.GetItem(ctx, cache.KeyID("n"))
	require.NoError(t, err)
	assert.JSONEq(t, `11`, string(got.Data))
}

func TestCollection_MutateItemGivesUpAfterSecondConflict(t *testing.T) {
	e := newEnv(t)
	e.backend.add(cache.EntityMap, "MP1", "")
	e.backend.put("MP1", cache.KeyID("n"), `1`)
	col := openMap(t, e, "MP1")

	e.backend.mu.Lock()
	e.backend.conflict = true
	e.backend.mu.Unlock()

	calls := 0

	_, err := col.MutateItem(context.Background(), cache.KeyID("n"), func(cur json.RawMessage) (json.RawMessage, error) {
		calls++
		return cur, nil
	})
	assert.ErrorIs(t, err, syncerr.ErrPreconditionFailed)
	assert.Equal(t, 2, calls)
}

func TestCollection_MutateItemAborts(t *testing.T) {
	e := newEnv(t)
	e.backend.add(cache.EntityMap, "MP1", "")
	e.backend.put("MP1", cache.KeyID("n"), `1`)
	col := openMap(t, e, "MP1")
	ctx := context.Background()

	_, err := col.MutateItem(ctx, cache.KeyID("n"), func(json.RawMessage) (json.RawMessage, error) {
		return nil, nil
	})
	assert.ErrorIs(t, err, syncerr.ErrMutateOperationAborted)

	boom := errors.New("boom")
	_, err = col.MutateItem(ctx, cache.KeyID("n"), func(json.RawMessage) (json.RawMessage, error) {
		return nil, boom
	})
	assert.ErrorIs(t, err, syncerr.ErrMutateOperationAborted)
	assert.ErrorIs(t, err, boom)

	_, err = col.MutateItem(ctx, cache.KeyID("missing"), func(cur json.RawMessage) (json.RawMessage, error) {
		return cur, nil
	})
	assert.ErrorIs(t, err, syncerr.ErrMutateCollectionItemNotFound)
}

func TestList_AddItem(t *testing.T) {
	e := newEnv(t)
	e.backend.add(cache.EntityList, "ES1", "queue")
	ctx := context.Background()

	list, err := e.client.OpenList(ctx, "queue")
	require.NoError(t, err)
	t.Cleanup(list.Close)

	first, err := list.AddItem(ctx, json.RawMessage(`"x"`))
	require.NoError(t, err)
	second, err := list.AddItem(ctx, json.RawMessage(`"y"`))
	require.NoError(t, err)

	assert.Equal(t, cache.IndexID(0), first.ID)
	assert.Equal(t, cache.IndexID(1), second.ID)

	var data []string

	for item, err := range list.Items(ctx, nil, cache.Ascending) {
		require.NoError(t, err)
		data = append(data, string(item.Data))
	}

	assert.Equal(t, []string{`"x"`, `"y"`}, data)
}

func TestMap_AddItemRejected(t *testing.T) {
	e := newEnv(t)
	e.backend.add(cache.EntityMap, "MP1", "")
	col := openMap(t, e, "MP1")

	_, err := col.AddItem(context.Background(), json.RawMessage(`1`))
	assert.Error(t, err)
}

func TestCollection_EntityRemoved(t *testing.T) {
	e := newEnv(t)
	e.backend.add(cache.EntityMap, "MP1", "")
	e.backend.put("MP1", cache.KeyID("a"), `1`)
	col := openMap(t, e, "MP1")

	assert.Equal(t, []string{"a"}, keys(t, col, cache.Ascending))

	e.notify(`{"event_type":"map_removed","id":900,"map_sid":"MP1"}`)

	ev := next(t, col.Events())
	assert.True(t, ev.EntityRemoved)

	md, err := e.cache.GetMetadata("MP1")
	require.NoError(t, err)
	assert.Nil(t, md)

	count, err := e.cache.ItemCount("MP1")
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestCollection_CloseEndsEvents(t *testing.T) {
	e := newEnv(t)
	e.backend.add(cache.EntityMap, "MP1", "")

	col, err := e.client.OpenMap(context.Background(), "MP1")
	require.NoError(t, err)

	col.Close()
	col.Close()

	_, ok := <-col.Events()
	assert.False(t, ok)
}

func TestCollection_TwoHandlesBothNotified(t *testing.T) {
	e := newEnv(t)
	e.backend.add(cache.EntityMap, "MP1", "")
	first := openMap(t, e, "MP1")
	second := openMap(t, e, "MP1")

	e.notify(mapEvent("added", "MP1", "a", 201, `1`))

	assert.Equal(t, cache.Added, next(t, first.Events()).Result)
	assert.Equal(t, cache.Added, next(t, second.Events()).Result)
}

func TestDocument(t *testing.T) {
	e := newEnv(t)
	e.backend.add(cache.EntityDocument, "ET1", "settings")
	e.backend.setDocument("ET1", `{"theme":"dark"}`)
	ctx := context.Background()

	doc, err := e.client.OpenDocument(ctx, "settings")
	require.NoError(t, err)
	t.Cleanup(doc.Close)

	data, err := doc.Data()
	require.NoError(t, err)
	assert.JSONEq(t, `{"theme":"dark"}`, string(data))

	_, err = doc.Set(ctx, json.RawMessage(`{"theme":"light"}`))
	require.NoError(t, err)

	ev := next(t, doc.Events())
	assert.Equal(t, cache.Updated, ev.Result)
	assert.False(t, ev.Remote)
	assert.JSONEq(t, `{"theme":"light"}`, string(ev.Data))
	assert.JSONEq(t, `{"theme":"dark"}`, string(ev.PreviousData))

	rev, err := doc.Revision()
	require.NoError(t, err)

	id, err := strconv.ParseInt(rev, 10, 64)
	require.NoError(t, err)

	e.notify(fmt.Sprintf(`{"event_type":"document_updated","id":%d,"document_sid":"ET1","document_revision":"old","document_data":{"theme":"stale"}}`, id-1))
	e.notify(fmt.Sprintf(`{"event_type":"document_updated","id":%d,"document_sid":"ET1","document_revision":"new","document_data":{"theme":"blue"}}`, id+5))

	ev = next(t, doc.Events())
	assert.True(t, ev.Remote)
	assert.JSONEq(t, `{"theme":"blue"}`, string(ev.Data))

	data, err = doc.Data()
	require.NoError(t, err)
	assert.JSONEq(t, `{"theme":"blue"}`, string(data))
}

func TestDocument_MutateReloadsOnConflict(t *testing.T) {
	e := newEnv(t)
	e.backend.add(cache.EntityDocument, "ET1", "")
	e.backend.setDocument("ET1", `{"n":1}`)
	ctx := context.Background()

	doc, err := e.client.OpenDocument(ctx, "ET1")
	require.NoError(t, err)
	t.Cleanup(doc.Close)

	e.backend.setDocument("ET1", `{"n":5}`)

	var seen []string

	out, err := doc.Mutate(ctx, func(cur json.RawMessage) (json.RawMessage, error) {
		seen = append(seen, string(cur))

		var v struct{ N int }
		if err := json.Unmarshal(cur, &v); err != nil {
			return nil, err
		}

		return json.Marshal(map[string]int{"n": v.N * 2})
	})
	require.NoError(t, err)

	assert.Equal(t, []string{`{"n":1}`, `{"n":5}`}, seen)
	assert.JSONEq(t, `{"n":10}`, string(out))

	data, err := doc.Data()
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":10}`, string(data))
}

func TestStream(t *testing.T) {
	e := newEnv(t)
	e.backend.add(cache.EntityStream, "TO1", "chat")
	ctx := context.Background()

	stream, err := e.client.OpenStream(ctx, "chat")
	require.NoError(t, err)
	t.Cleanup(stream.Close)

	msg, err := stream.Publish(ctx, json.RawMessage(`{"text":"hi"}`))
	require.NoError(t, err)
	assert.Equal(t, "TZ0", msg.Sid)

	e.notify(`{"event_type":"stream_message_published","id":1,"stream_sid":"TO1","message_sid":"TZ0","message_data":{"text":"hi"}}`)

	ev := next(t, stream.Events())
	require.NotNil(t, ev.Message)
	assert.Equal(t, "TZ0", ev.Message.Sid)
	assert.JSONEq(t, `{"text":"hi"}`, string(ev.Message.Data))

	md, err := e.cache.GetMetadata("TO1")
	require.NoError(t, err)
	assert.Nil(t, md)
}

func TestRun_EvictsOnStart(t *testing.T) {
	c, err := cache.Open(filepath.Join(t.TempDir(), "cache.db"), quietLogger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	for i := range 5 {
		_, err := c.PutSingleItem(cache.ItemData{CollectionSid: "MP1", ID: cache.KeyID(strconv.Itoa(i)), LastEventID: int64(i + 1), Data: json.RawMessage(`1`)})
		require.NoError(t, err)
	}

	subs, err := subscriptions.New(&recordingSender{}, subscriptions.Config{}, quietLogger)
	require.NoError(t, err)

	client := New(newFakeBackend(), subs, c, Config{MaxCacheItems: 2}, quietLogger)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, client.Run(ctx), context.Canceled)

	all, err := c.Collections()
	require.NoError(t, err)

	total := 0
	for _, md := range all {
		n, err := c.ItemCount(md.Sid)
		require.NoError(t, err)
		total += n
	}

	assert.LessOrEqual(t, total, 2)
}
