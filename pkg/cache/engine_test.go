package cache

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pennsieve/agent/pkg/store"
)

func newTestEngine(t *testing.T, pageSize int64) (*Engine, *store.Store) {
	t.Helper()
	st, err := store.Open(t.TempDir() + "/agent.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return NewEngine(st, t.TempDir(), pageSize), st
}

// 1 MHz sampling: one sample per microsecond.
const megahertz = 1e6

func TestEmptySegmentMarksPageNaN(t *testing.T) {
	engine, st := newTestEngine(t, 10)

	resp, err := engine.NewResponse(Request{
		PackageID: "p1",
		Channels:  []Channel{{ID: "cache_c1", Rate: megahertz}},
		Start:     10,
		End:       19,
		ChunkSize: 10,
		UseCache:  true,
	})
	require.NoError(t, err)

	reqs := resp.PageRequests()
	require.Len(t, reqs, 1)
	assert.Equal(t, int64(10), reqs[0].Start)
	assert.Equal(t, int64(19), reqs[0].End)

	require.NoError(t, resp.WriteSegment("cache_c1", 10, 1.0, nil))
	require.NoError(t, resp.RecordPageRequests())

	isNaN, err := st.IsPageNaN("p1.cache_c1.10.1")
	require.NoError(t, err)
	assert.True(t, isNaN)

	page := NewPageFile(engine.base, "p1", "cache_c1", 10, 1, 1.0)
	assert.False(t, page.Exists(), "NaN-filled pages never touch disk")
}

func TestExactPageWrite(t *testing.T) {
	engine, st := newTestEngine(t, 10)

	resp, err := engine.NewResponse(Request{
		PackageID: "p1",
		Channels:  []Channel{{ID: "cache_c1", Rate: megahertz}},
		Start:     10,
		End:       19,
		ChunkSize: 10,
		UseCache:  true,
	})
	require.NoError(t, err)

	data := []float64{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}
	require.NoError(t, resp.WriteSegment("cache_c1", 10, 1.0, data))
	require.NoError(t, resp.RecordPageRequests())

	page := NewPageFile(engine.base, "p1", "cache_c1", 10, 1, 1.0)
	out := make([]float64, 10)
	require.NoError(t, page.Read(0, out))
	assert.Equal(t, data, out)

	rec, err := st.GetPage("p1.cache_c1.10.1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.False(t, rec.NaNFilled)
	assert.Equal(t, int64(10*bytesPerSample), rec.Size)
}

func TestCrossPageWrite(t *testing.T) {
	engine, _ := newTestEngine(t, 5)

	resp, err := engine.NewResponse(Request{
		PackageID: "p1",
		Channels:  []Channel{{ID: "cache_c1", Rate: megahertz}},
		Start:     10,
		End:       29,
		ChunkSize: 20,
		UseCache:  true,
	})
	require.NoError(t, err)
	require.Len(t, resp.PageRequests(), 4)

	data := []float64{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}
	require.NoError(t, resp.WriteSegment("cache_c1", 10, 1.0, data))

	p2 := NewPageFile(engine.base, "p1", "cache_c1", 5, 2, 1.0)
	out := make([]float64, 5)
	require.NoError(t, p2.Read(0, out))
	assert.Equal(t, []float64{0, 1, 2, 3, 4}, out)

	p3 := NewPageFile(engine.base, "p1", "cache_c1", 5, 3, 1.0)
	require.NoError(t, p3.Read(0, out))
	assert.Equal(t, []float64{5, 6, 7, 8, 9}, out)
}

func TestFullyCachedRequestYieldsNoPageRequests(t *testing.T) {
	engine, st := newTestEngine(t, 10)

	require.NoError(t, st.UpsertPage(&store.PageRecord{
		ID:       "p1.cache_c1.10.1",
		Complete: true,
		Size:     80,
		LastUsed: time.Now().UTC(),
	}))

	resp, err := engine.NewResponse(Request{
		PackageID: "p1",
		Channels:  []Channel{{ID: "cache_c1", Rate: megahertz}},
		Start:     10,
		End:       19,
		ChunkSize: 10,
		UseCache:  true,
	})
	require.NoError(t, err)
	assert.Empty(t, resp.PageRequests())
}

func TestUseCacheFalseIgnoresCachedPages(t *testing.T) {
	engine, st := newTestEngine(t, 10)

	require.NoError(t, st.UpsertPage(&store.PageRecord{
		ID:       "p1.cache_c1.10.1",
		Complete: true,
		Size:     80,
		LastUsed: time.Now().UTC(),
	}))

	resp, err := engine.NewResponse(Request{
		PackageID: "p1",
		Channels:  []Channel{{ID: "cache_c1", Rate: megahertz}},
		Start:     10,
		End:       19,
		ChunkSize: 10,
		UseCache:  false,
	})
	require.NoError(t, err)
	assert.Len(t, resp.PageRequests(), 1)
}

func TestPageBoundaryIndexRange(t *testing.T) {
	engine, _ := newTestEngine(t, 10)

	// Start on a boundary includes that page; end on a boundary excludes
	// the page starting there.
	resp, err := engine.NewResponse(Request{
		PackageID: "p1",
		Channels:  []Channel{{ID: "c1", Rate: megahertz}},
		Start:     10,
		End:       20,
		ChunkSize: 10,
		UseCache:  true,
	})
	require.NoError(t, err)

	reqs := resp.PageRequests()
	require.Len(t, reqs, 1)
	assert.Equal(t, int64(10), reqs[0].Start)
	assert.Equal(t, int64(19), reqs[0].End)
}

func TestChunkIteratorCompactsNaN(t *testing.T) {
	engine, _ := newTestEngine(t, 10)

	resp, err := engine.NewResponse(Request{
		PackageID: "p1",
		Channels:  []Channel{{ID: "c1", Rate: megahertz}},
		Start:     10,
		End:       29,
		ChunkSize: 10,
		UseCache:  true,
	})
	require.NoError(t, err)

	// Page 1 gets real data; page 2 is empty.
	require.NoError(t, resp.WriteSegment("c1", 10, 1.0, []float64{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}))
	require.NoError(t, resp.WriteSegment("c1", 20, 1.0, nil))
	require.NoError(t, resp.RecordPageRequests())

	it := resp.Chunks()

	chunk, err := it.Next()
	require.NoError(t, err)
	require.NotNil(t, chunk)
	require.Len(t, chunk.Channels, 1)
	assert.Equal(t, "c1", chunk.Channels[0].ChannelID)
	require.Len(t, chunk.Channels[0].Points, 10)
	assert.Equal(t, int64(10), chunk.Channels[0].Points[0].Timestamp)
	assert.Equal(t, float64(0), chunk.Channels[0].Points[0].Value)
	assert.Equal(t, int64(19), chunk.Channels[0].Points[9].Timestamp)
	assert.Equal(t, float64(9), chunk.Channels[0].Points[9].Value)

	// The NaN page compacts to nothing, which ends the iteration.
	chunk, err = it.Next()
	require.NoError(t, err)
	assert.Nil(t, chunk)
}

func TestChunkIteratorSparseSamples(t *testing.T) {
	engine, _ := newTestEngine(t, 10)

	resp, err := engine.NewResponse(Request{
		PackageID: "p1",
		Channels:  []Channel{{ID: "c1", Rate: megahertz}},
		Start:     0,
		End:       9,
		ChunkSize: 10,
		UseCache:  true,
	})
	require.NoError(t, err)

	// Only samples 3..5 arrive; the rest of the page stays NaN.
	require.NoError(t, resp.WriteSegment("c1", 3, 1.0, []float64{3, 4, 5}))
	require.NoError(t, resp.RecordPageRequests())

	chunk, err := resp.Chunks().Next()
	require.NoError(t, err)
	require.NotNil(t, chunk)
	require.Len(t, chunk.Channels, 1)
	points := chunk.Channels[0].Points
	require.Len(t, points, 3)
	assert.Equal(t, int64(3), points[0].Timestamp)
	assert.Equal(t, int64(5), points[2].Timestamp)
	for _, p := range points {
		assert.False(t, math.IsNaN(p.Value))
	}
}

func TestNaNCompleteFollowsLaterData(t *testing.T) {
	engine, st := newTestEngine(t, 10)

	resp, err := engine.NewResponse(Request{
		PackageID: "p1",
		Channels:  []Channel{{ID: "c1", Rate: megahertz}},
		Start:     0,
		End:       29,
		ChunkSize: 30,
		UseCache:  true,
	})
	require.NoError(t, err)

	// Page 0 empty, page 1 has data, page 2 empty: page 0 closed by the
	// later data, page 2 still open.
	require.NoError(t, resp.WriteSegment("c1", 0, 1.0, nil))
	require.NoError(t, resp.WriteSegment("c1", 10, 1.0, []float64{1, 2, 3}))
	require.NoError(t, resp.WriteSegment("c1", 20, 1.0, nil))
	require.NoError(t, resp.RecordPageRequests())

	p0, err := st.GetPage("p1.c1.10.0")
	require.NoError(t, err)
	require.NotNil(t, p0)
	assert.True(t, p0.NaNFilled)
	assert.True(t, p0.Complete)

	p2, err := st.GetPage("p1.c1.10.2")
	require.NoError(t, err)
	require.NotNil(t, p2)
	assert.True(t, p2.NaNFilled)
	assert.False(t, p2.Complete, "trailing NaN pages stay open for re-fetch")
}

func TestTouchOnPlanWarmsExistingPages(t *testing.T) {
	engine, st := newTestEngine(t, 10)

	stale := time.Now().UTC().Add(-30 * 24 * time.Hour)
	require.NoError(t, st.UpsertPage(&store.PageRecord{
		ID:       "p1.c1.10.1",
		Complete: true,
		Size:     80,
		LastUsed: stale,
	}))

	_, err := engine.NewResponse(Request{
		PackageID: "p1",
		Channels:  []Channel{{ID: "c1", Rate: megahertz}},
		Start:     10,
		End:       19,
		ChunkSize: 10,
		UseCache:  true,
	})
	require.NoError(t, err)

	rec, err := st.GetPage("p1.c1.10.1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.True(t, rec.LastUsed.After(stale.Add(24*time.Hour)))
}

func TestRejectsInvalidChannels(t *testing.T) {
	engine, _ := newTestEngine(t, 10)

	_, err := engine.NewResponse(Request{PackageID: "p1", Start: 0, End: 10})
	assert.ErrorIs(t, err, ErrInvalidChannel)

	_, err = engine.NewResponse(Request{
		PackageID: "p1",
		Channels:  []Channel{{ID: "c1", Rate: 0}},
		Start:     0,
		End:       10,
	})
	assert.ErrorIs(t, err, ErrInvalidChannel)
}
