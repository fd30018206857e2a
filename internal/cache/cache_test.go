package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

const testSid = "MP00000000000000000000000000000001"

func testCache(t *testing.T) *Cache {
	t.Helper()

	c, err := Open(filepath.Join(t.TempDir(), "cache.db"), quietLogger)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	return c
}

func added(id int64, key, data string) ItemData {
	return ItemData{CollectionSid: testSid, ID: KeyID(key), LastEventID: id, Data: json.RawMessage(data)}
}

func removed(id int64, key string) ItemData {
	return ItemData{CollectionSid: testSid, ID: KeyID(key), LastEventID: id, IsRemoved: true}
}

type observed struct {
	Result Result
	Data   string
}

func apply(t *testing.T, c *Cache, events ...ItemData) []observed {
	t.Helper()

	var out []observed

	for _, ev := range events {
		res, err := c.PutSingleItem(ev)
		require.NoError(t, err)

		if res.Result != NotModified {
			out = append(out, observed{res.Result, string(res.Item.Data)})
		}
	}

	return out
}

func lastEventID(t *testing.T, c *Cache) int64 {
	t.Helper()

	md, err := c.GetMetadata(testSid)
	require.NoError(t, err)
	require.NotNil(t, md)

	return md.LastEventID
}

// noFetch fails the test if the range query touches the backend.
func noFetch(t *testing.T) PageFetcher {
	return func(context.Context, string, *ItemID, Order, int) (Page, error) {
		t.Fatal("unexpected backend fetch")
		return Page{}, nil
	}
}

func collect(t *testing.T, c *Cache, start *ItemID, order Order, fetch PageFetcher) []string {
	t.Helper()

	var keys []string

	for item, err := range c.GetItemsInRange(context.Background(), testSid, start, order, 10, fetch) {
		require.NoError(t, err)
		keys = append(keys, item.ID.String())
	}

	return keys
}

func page(from *ItemID, hasMore bool, keys ...string) Page {
	p := Page{From: from, HasMore: hasMore, Order: Ascending}
	for _, k := range keys {
		p.Items = append(p.Items, ItemData{ID: KeyID(k), LastEventID: 1, Data: json.RawMessage(`"` + k + `"`)})
	}

	return p
}

func idp(key string) *ItemID {
	id := KeyID(key)
	return &id
}

func TestScenarioA_Ordered(t *testing.T) {
	c := testCache(t)

	got := apply(t, c,
		added(1, "key", `"v0"`),
		added(2, "key", `"v1"`),
		removed(3, "key"),
	)

	assert.Equal(t, []observed{{Added, `"v0"`}, {Updated, `"v1"`}, {Removed, `"v1"`}}, got)
	assert.Equal(t, int64(3), lastEventID(t, c))
}

func TestScenarioB_UpdateBeforeAdd(t *testing.T) {
	c := testCache(t)

	got := apply(t, c,
		added(2, "key", `"v1"`),
		added(1, "key", `"v0"`),
	)

	assert.Equal(t, []observed{{Added, `"v1"`}}, got)
	assert.Equal(t, int64(2), lastEventID(t, c))

	item, err := c.GetItem(testSid, KeyID("key"))
	require.NoError(t, err)
	assert.JSONEq(t, `"v1"`, string(item.Data))
}

func TestScenarioC_AddAfterRemove(t *testing.T) {
	c := testCache(t)

	got := apply(t, c,
		removed(2, "key"),
		added(1, "key", `"v1"`),
	)

	assert.Empty(t, got)

	item, err := c.GetItem(testSid, KeyID("key"))
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.True(t, item.IsRemoved)
	assert.Equal(t, int64(2), item.LastEventID)

	md, err := c.GetMetadata(testSid)
	require.NoError(t, err)
	assert.Nil(t, md.IsEmpty)
}

func TestScenarioD_DuplicateRemove(t *testing.T) {
	c := testCache(t)

	got := apply(t, c,
		added(1, "key", `"v0"`),
		removed(2, "key"),
		removed(2, "key"),
	)

	assert.Equal(t, []observed{{Added, `"v0"`}, {Removed, `"v0"`}}, got)
	assert.Equal(t, int64(2), lastEventID(t, c))
}

type finalItem struct {
	Removed bool
	Data    string
	EventID int64
}

func snapshot(t *testing.T, c *Cache, keys []string) map[string]finalItem {
	t.Helper()

	out := make(map[string]finalItem)

	for _, k := range keys {
		item, err := c.GetItem(testSid, KeyID(k))
		require.NoError(t, err)

		if item == nil {
			continue
		}

		out[k] = finalItem{Removed: item.IsRemoved, Data: string(item.Data), EventID: item.LastEventID}
	}

	return out
}

func TestConvergence_OrderInsensitive(t *testing.T) {
	events := []ItemData{
		added(1, "a", `1`),
		added(2, "b", `2`),
		added(3, "a", `3`),
		removed(4, "b"),
		added(5, "c", `5`),
		removed(6, "a"),
		added(7, "d", `7`),
		added(8, "c", `8`),
	}
	keys := []string{"a", "b", "c", "d"}

	ref := testCache(t)
	apply(t, ref, events...)
	want := snapshot(t, ref, keys)
	wantLast := lastEventID(t, ref)

	rng := rand.New(rand.NewPCG(1, 2))

	for i := range 25 {
		shuffled := append([]ItemData(nil), events...)
		rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })

		t.Run(fmt.Sprintf("permutation %d", i), func(t *testing.T) {
			c := testCache(t)
			apply(t, c, shuffled...)

			assert.Equal(t, want, snapshot(t, c, keys))
			assert.Equal(t, wantLast, lastEventID(t, c))
		})
	}
}

func TestRoundTrip_ContiguousPage(t *testing.T) {
	c := testCache(t)

	keys := []string{"a", "b", "c", "d", "e"}
	_, err := c.PutItems(testSid, page(nil, false, keys...))
	require.NoError(t, err)

	assert.Equal(t, keys, collect(t, c, nil, Ascending, noFetch(t)))

	for i, k := range keys {
		item, err := c.GetItem(testSid, KeyID(k))
		require.NoError(t, err)
		assert.Equal(t, i == 0, item.IsLeftBound, k)
		assert.Equal(t, i == len(keys)-1, item.IsRightBound, k)
	}

	md, err := c.GetMetadata(testSid)
	require.NoError(t, err)
	assert.Equal(t, KeyID("a"), *md.BeginID)
	assert.Equal(t, KeyID("e"), *md.EndID)
	require.NotNil(t, md.IsEmpty)
	assert.False(t, *md.IsEmpty)
}

func TestRange_Descending(t *testing.T) {
	c := testCache(t)

	_, err := c.PutItems(testSid, page(nil, false, "a", "b", "c"))
	require.NoError(t, err)

	assert.Equal(t, []string{"c", "b", "a"}, collect(t, c, nil, Descending, noFetch(t)))
	assert.Equal(t, []string{"b", "a"}, collect(t, c, idp("b"), Descending, noFetch(t)))
}

func TestRange_StartBetweenCachedItems(t *testing.T) {
	c := testCache(t)

	_, err := c.PutItems(testSid, page(nil, false, "a", "c", "e"))
	require.NoError(t, err)

	assert.Equal(t, []string{"c", "e"}, collect(t, c, idp("b"), Ascending, noFetch(t)))
	assert.Empty(t, collect(t, c, idp("f"), Ascending, noFetch(t)))
}

func TestRange_Stitching(t *testing.T) {
	c := testCache(t)

	_, err := c.PutItems(testSid, page(nil, true, "A", "B", "C"))
	require.NoError(t, err)

	_, err = c.PutItems(testSid, page(idp("G"), false, "G", "H", "I"))
	require.NoError(t, err)

	_, err = c.PutItems(testSid, page(idp("C"), true, "C", "D", "E", "F", "G"))
	require.NoError(t, err)

	got := collect(t, c, nil, Ascending, noFetch(t))
	assert.Equal(t, []string{"A", "B", "C", "D", "E", "F", "G", "H", "I"}, got)
}

// pagedBackend serves a sorted key list page by page and counts calls.
type pagedBackend struct {
	keys  []string
	calls int
	froms []string
}

func (b *pagedBackend) fetch(_ context.Context, _ string, from *ItemID, order Order, pageSize int) (Page, error) {
	b.calls++

	if from != nil {
		b.froms = append(b.froms, from.String())
	} else {
		b.froms = append(b.froms, "")
	}

	if order != Ascending {
		return Page{}, errors.New("only ascending supported")
	}

	start := 0
	if from != nil {
		for start < len(b.keys) && b.keys[start] < from.Key() {
			start++
		}
	}

	end := min(start+pageSize, len(b.keys))

	p := Page{HasMore: end < len(b.keys)}
	for _, k := range b.keys[start:end] {
		p.Items = append(p.Items, ItemData{ID: KeyID(k), LastEventID: 1, Data: json.RawMessage(`"` + k + `"`)})
	}

	return p, nil
}

func TestRange_FetchesPagesFromBoundary(t *testing.T) {
	c := testCache(t)
	b := &pagedBackend{keys: []string{"a", "b", "c", "d", "e", "f", "g"}}

	var got []string
	for item, err := range c.GetItemsInRange(context.Background(), testSid, nil, Ascending, 3, b.fetch) {
		require.NoError(t, err)
		got = append(got, item.ID.String())
	}

	assert.Equal(t, b.keys, got)
	// First page, then inclusive fetches from each page's last item.
	assert.Equal(t, []string{"", "c", "e"}, b.froms)

	// Everything is cached and both edges are known now.
	assert.Equal(t, b.keys, collect(t, c, nil, Ascending, noFetch(t)))
}

func TestRange_EarlyBreakStopsFetching(t *testing.T) {
	c := testCache(t)
	b := &pagedBackend{keys: []string{"a", "b", "c", "d", "e", "f", "g"}}

	n := 0
	for _, err := range c.GetItemsInRange(context.Background(), testSid, nil, Ascending, 3, b.fetch) {
		require.NoError(t, err)

		n++
		if n == 2 {
			break
		}
	}

	assert.Equal(t, 1, b.calls)
}

func TestRange_EmptyCollection(t *testing.T) {
	c := testCache(t)
	b := &pagedBackend{}

	assert.Empty(t, collect(t, c, nil, Ascending, b.fetch))
	assert.Equal(t, 1, b.calls)

	md, err := c.GetMetadata(testSid)
	require.NoError(t, err)
	require.NotNil(t, md.IsEmpty)
	assert.True(t, *md.IsEmpty)

	// Known empty: no second fetch.
	assert.Empty(t, collect(t, c, nil, Ascending, noFetch(t)))
}

func TestRange_FetchError(t *testing.T) {
	c := testCache(t)
	boom := errors.New("backend down")

	var gotErr error
	for _, err := range c.GetItemsInRange(context.Background(), testSid, nil, Ascending, 3,
		func(context.Context, string, *ItemID, Order, int) (Page, error) { return Page{}, boom }) {
		gotErr = err
	}

	assert.ErrorIs(t, gotErr, boom)
}

func TestRange_SkipsTombstones(t *testing.T) {
	c := testCache(t)

	_, err := c.PutItems(testSid, page(nil, false, "a", "b", "c"))
	require.NoError(t, err)

	apply(t, c, removed(5, "b"))

	assert.Equal(t, []string{"a", "c"}, collect(t, c, nil, Ascending, noFetch(t)))
}

func TestEventInsertKeepsContiguity(t *testing.T) {
	c := testCache(t)

	_, err := c.PutItems(testSid, page(nil, false, "a", "c"))
	require.NoError(t, err)

	got := apply(t, c, added(2, "b", `"b"`))
	assert.Equal(t, []observed{{Added, `"b"`}}, got)

	assert.Equal(t, []string{"a", "b", "c"}, collect(t, c, nil, Ascending, noFetch(t)))
}

func TestEventAppendPastKnownEnd(t *testing.T) {
	c := testCache(t)

	_, err := c.PutItems(testSid, page(nil, false, "a", "b"))
	require.NoError(t, err)

	apply(t, c, added(2, "z", `"z"`))

	md, err := c.GetMetadata(testSid)
	require.NoError(t, err)
	assert.Equal(t, KeyID("z"), *md.EndID)

	assert.Equal(t, []string{"a", "b", "z"}, collect(t, c, nil, Ascending, noFetch(t)))
}

func TestEventIntoKnownEmptyCollection(t *testing.T) {
	c := testCache(t)

	_, err := c.PutItems(testSid, page(nil, false))
	require.NoError(t, err)

	apply(t, c, added(1, "only", `1`))

	md, err := c.GetMetadata(testSid)
	require.NoError(t, err)
	assert.False(t, *md.IsEmpty)
	assert.Equal(t, KeyID("only"), *md.BeginID)
	assert.Equal(t, KeyID("only"), *md.EndID)

	assert.Equal(t, []string{"only"}, collect(t, c, nil, Ascending, noFetch(t)))
}

func TestRemovingBoundaryForgetsIt(t *testing.T) {
	c := testCache(t)

	_, err := c.PutItems(testSid, page(nil, false, "a", "b", "c"))
	require.NoError(t, err)

	apply(t, c, removed(2, "c"))

	md, err := c.GetMetadata(testSid)
	require.NoError(t, err)
	assert.Equal(t, KeyID("a"), *md.BeginID)
	assert.Nil(t, md.EndID)
	assert.Nil(t, md.IsEmpty)
}

func TestFirstSightPageItemLoosensNeighbour(t *testing.T) {
	c := testCache(t)

	_, err := c.PutItems(testSid, page(nil, false, "a", "z"))
	require.NoError(t, err)

	// A page claiming unknown surroundings lands between a and z.
	_, err = c.PutItems(testSid, page(idp("m"), true, "m"))
	require.NoError(t, err)

	a, err := c.GetItem(testSid, KeyID("a"))
	require.NoError(t, err)
	assert.True(t, a.IsRightBound)

	z, err := c.GetItem(testSid, KeyID("z"))
	require.NoError(t, err)
	assert.True(t, z.IsLeftBound)
}

func TestNotModifiedStillMergesBounds(t *testing.T) {
	c := testCache(t)

	_, err := c.PutItems(testSid, page(nil, true, "a"))
	require.NoError(t, err)

	item, err := c.GetItem(testSid, KeyID("a"))
	require.NoError(t, err)
	assert.True(t, item.IsRightBound)

	res, err := c.PutItems(testSid, page(idp("a"), false, "a", "b"))
	require.NoError(t, err)
	assert.Equal(t, NotModified, res[0].Result)
	assert.Equal(t, Added, res[1].Result)

	item, err = c.GetItem(testSid, KeyID("a"))
	require.NoError(t, err)
	assert.False(t, item.IsRightBound)
}

func TestMergeMetadata(t *testing.T) {
	yes := true
	begin := KeyID("a")

	old := &Metadata{Sid: "MP1", Revision: "5", LastEventID: 5, BeginID: &begin, IsEmpty: &yes}

	t.Run("older discarded", func(t *testing.T) {
		merged, applied := mergeMetadata(old, Metadata{Sid: "MP1", Type: EntityMap, Revision: "4", LastEventID: 4})
		assert.False(t, applied)
		assert.Equal(t, "5", merged.Revision)
		assert.Equal(t, EntityMap, merged.Type)
	})

	t.Run("newer replaces bounds", func(t *testing.T) {
		merged, applied := mergeMetadata(old, Metadata{Sid: "MP1", Revision: "6", LastEventID: 6})
		assert.True(t, applied)
		assert.Equal(t, "6", merged.Revision)
		assert.Nil(t, merged.BeginID)
		assert.Nil(t, merged.IsEmpty)
	})

	t.Run("equal keeps bounds unless explicit", func(t *testing.T) {
		end := KeyID("z")
		merged, applied := mergeMetadata(old, Metadata{Sid: "MP1", LastEventID: 5, EndID: &end})
		assert.True(t, applied)
		assert.Equal(t, &begin, merged.BeginID)
		assert.Equal(t, &end, merged.EndID)
		assert.Equal(t, "5", merged.Revision)
	})

	t.Run("no previous", func(t *testing.T) {
		in := Metadata{Sid: "MP2", LastEventID: 1}
		merged, applied := mergeMetadata(nil, in)
		assert.True(t, applied)
		assert.Equal(t, in, merged)
	})
}

func TestPutMetadata_UniqueNameNormalized(t *testing.T) {
	c := testCache(t)

	_, applied, err := c.PutMetadata(Metadata{Sid: "MP9", UniqueName: "cafe\u0301", Type: EntityMap})
	require.NoError(t, err)
	assert.True(t, applied)

	md, err := c.GetMetadataByUniqueName("caf\u00e9")
	require.NoError(t, err)
	require.NotNil(t, md)
	assert.Equal(t, "MP9", md.Sid)

	missing, err := c.GetMetadataByUniqueName("nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestPutMetadata_DocumentData(t *testing.T) {
	c := testCache(t)

	_, _, err := c.PutMetadata(Metadata{Sid: "ET1", Type: EntityDocument, LastEventID: 3, Data: json.RawMessage(`{"v":3}`)})
	require.NoError(t, err)

	_, applied, err := c.PutMetadata(Metadata{Sid: "ET1", LastEventID: 2, Data: json.RawMessage(`{"v":2}`)})
	require.NoError(t, err)
	assert.False(t, applied)

	md, err := c.GetMetadata("ET1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":3}`, string(md.Data))
}

func TestDeleteCollection(t *testing.T) {
	c := testCache(t)

	_, _, err := c.PutMetadata(Metadata{Sid: testSid, UniqueName: "scores", Type: EntityMap})
	require.NoError(t, err)

	_, err = c.PutItems(testSid, page(nil, false, "a", "b"))
	require.NoError(t, err)

	other := "MP00000000000000000000000000000002"
	_, err = c.PutSingleItem(ItemData{CollectionSid: other, ID: KeyID("a"), LastEventID: 1})
	require.NoError(t, err)

	require.NoError(t, c.DeleteCollection(testSid))

	md, err := c.GetMetadata(testSid)
	require.NoError(t, err)
	assert.Nil(t, md)

	byName, err := c.GetMetadataByUniqueName("scores")
	require.NoError(t, err)
	assert.Nil(t, byName)

	n, err := c.ItemCount(testSid)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = c.ItemCount(other)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestEvict_LeastRecentlyUsedFirst(t *testing.T) {
	c := testCache(t)

	clock := time.Unix(1_700_000_000, 0)
	c.now = func() time.Time { return clock }

	sids := []string{"MP_old", "MP_mid", "MP_new"}
	for _, sid := range sids {
		clock = clock.Add(time.Minute)

		_, err := c.PutItems(sid, page(nil, false, "a", "b", "c"))
		require.NoError(t, err)
	}

	dropped, err := c.Evict(6)
	require.NoError(t, err)
	assert.Equal(t, 1, dropped)

	md, err := c.GetMetadata("MP_old")
	require.NoError(t, err)
	assert.Nil(t, md)

	for _, sid := range sids[1:] {
		n, err := c.ItemCount(sid)
		require.NoError(t, err)
		assert.Equal(t, 3, n, sid)
	}
}

func TestEvict_AccessRefreshesCollection(t *testing.T) {
	c := testCache(t)

	clock := time.Unix(1_700_000_000, 0)
	c.now = func() time.Time { return clock }

	for _, sid := range []string{"MP_a", "MP_b"} {
		clock = clock.Add(time.Minute)

		_, err := c.PutItems(sid, page(nil, false, "x", "y"))
		require.NoError(t, err)
	}

	clock = clock.Add(time.Minute)
	_, err := c.GetItem("MP_a", KeyID("x"))
	require.NoError(t, err)

	dropped, err := c.Evict(2)
	require.NoError(t, err)
	assert.Equal(t, 1, dropped)

	n, err := c.ItemCount("MP_a")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestItemID(t *testing.T) {
	assert.Negative(t, IndexID(2).Compare(IndexID(10)))
	assert.Negative(t, KeyID("a").Compare(KeyID("b")))
	assert.Equal(t, "42", IndexID(42).String())

	for _, id := range []ItemID{KeyID("k:with:colons"), IndexID(7), KeyID("")} {
		text, err := id.MarshalText()
		require.NoError(t, err)

		var back ItemID
		require.NoError(t, back.UnmarshalText(text))
		assert.Equal(t, id, back)

		dec, err := decodeItemID(id.encode())
		require.NoError(t, err)
		assert.Equal(t, id, dec)
	}

	var bad ItemID
	assert.Error(t, bad.UnmarshalText([]byte("x:1")))

	_, err := decodeItemID([]byte{'i', 1})
	assert.Error(t, err)
}
