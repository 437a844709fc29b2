// Package cache implements the timeseries page cache: a bounded on-disk
// store of fixed-size pages of float64 samples, addressed by
// (package, channel, page size, page index). Page metadata lives in the
// agent store; page payloads live in binary files seeded from a NaN
// template. The Engine plans which pages a request needs, ingests
// streaming segments into page files, and serves compacted chunks back.
package cache

import (
	"fmt"
	"math"
	"time"

	"github.com/pennsieve/agent/internal/logger"
	"github.com/pennsieve/agent/pkg/metrics"
	"github.com/pennsieve/agent/pkg/store"
)

// Channel identifies one requested timeseries channel and its sampling
// rate in Hz.
type Channel struct {
	ID   string
	Rate float64
}

// Request describes one client timeseries query.
type Request struct {
	PackageID string
	Channels  []Channel
	Start     int64 // µs, inclusive
	End       int64 // µs, inclusive
	ChunkSize int64 // µs per response chunk
	UseCache  bool
}

// PageRequest is one page window that must be fetched from the remote
// streaming service because the cache cannot satisfy it.
type PageRequest struct {
	ChannelID string // raw (unnormalized) channel ID
	Start     int64
	End       int64
}

// Engine coordinates page planning, segment intake, and chunked reads
// over a shared store and cache directory.
type Engine struct {
	store    *store.Store
	creator  *PageCreator
	base     string
	pageSize int64
}

// NewEngine returns an engine rooted at the cache base directory.
func NewEngine(st *store.Store, base string, pageSize int64) *Engine {
	return &Engine{
		store:    st,
		creator:  NewPageCreator(base),
		base:     base,
		pageSize: pageSize,
	}
}

// PageSize returns the configured samples-per-page.
func (e *Engine) PageSize() int64 { return e.pageSize }

// channelPlan is the per-channel geometry derived from the request.
type channelPlan struct {
	rawID  string
	normID string
	period float64 // µs between samples
	window int64   // µs per page
	first  int64   // first page index, inclusive
	last   int64   // last page index, exclusive
}

// requestedPage is one page touched by the plan, remembered so intake
// results can be recorded against it afterwards.
type requestedPage struct {
	key   string
	chanN string // normalized channel
	index int64
	page  *PageFile
}

// Response is the stateful plan for one request. The caller drains it in
// order: PageRequests, then WriteSegment per remote segment, then
// RecordPageRequests, then Chunks. A Response is owned by a single
// request exchange and is not safe for concurrent use.
type Response struct {
	engine    *Engine
	req       Request
	plans     []channelPlan
	requested []requestedPage
	pageReqs  []PageRequest
	nanKeys   map[string]bool
	// maxCompleted tracks, per normalized channel, the greatest page
	// index that received at least one real sample.
	maxCompleted map[string]int64
}

// NewResponse computes the page plan for a request: every page window
// overlapping [Start, End] is touched in the store, and pages not already
// complete in the cache are emitted as remote page requests.
func (e *Engine) NewResponse(req Request) (*Response, error) {
	if len(req.Channels) == 0 {
		return nil, ErrInvalidChannel
	}

	r := &Response{
		engine:       e,
		req:          req,
		nanKeys:      make(map[string]bool),
		maxCompleted: make(map[string]int64),
	}

	for _, ch := range req.Channels {
		if ch.Rate <= 0 {
			return nil, fmt.Errorf("%w: channel %s has rate %v", ErrInvalidChannel, ch.ID, ch.Rate)
		}
		p := 1e6 / ch.Rate
		w := int64(float64(e.pageSize) * p)
		plan := channelPlan{
			rawID:  ch.ID,
			normID: normalizeID(ch.ID),
			period: p,
			window: w,
			first:  floorDiv(req.Start, w),
			last:   ceilDiv(req.End, w),
		}
		r.plans = append(r.plans, plan)
		r.maxCompleted[plan.normID] = -1

		for idx := plan.first; idx < plan.last; idx++ {
			page := NewPageFile(e.base, req.PackageID, ch.ID, e.pageSize, idx, p)
			key := store.PageKey(normalizeID(req.PackageID), plan.normID, e.pageSize, idx)

			// Touch on every planned page, hit or miss: a miss that is
			// about to be fetched is warm by definition.
			if err := e.store.TouchLastUsed(key); err != nil {
				logger.Warn("failed to touch page", logger.KeyPageIndex, idx, logger.Err(err))
			}

			cached := false
			if req.UseCache {
				var err error
				cached, err = e.store.IsPageCached(key)
				if err != nil {
					return nil, err
				}
			}
			if cached {
				metrics.ObservePageRead("hit")
			} else {
				metrics.ObservePageRead("miss")
				r.pageReqs = append(r.pageReqs, PageRequest{
					ChannelID: ch.ID,
					Start:     page.Start,
					End:       page.End,
				})
			}
			r.requested = append(r.requested, requestedPage{
				key:   key,
				chanN: plan.normID,
				index: idx,
				page:  page,
			})
		}
	}
	return r, nil
}

// PageRequests returns the pages that must be fetched remotely.
func (r *Response) PageRequests() []PageRequest {
	return r.pageReqs
}

// WriteSegment ingests one streaming segment. An empty segment flags the
// page containing startTs as NaN-filled for every matching channel; a
// non-empty segment is written across successive pages starting at the
// page containing startTs.
func (r *Response) WriteSegment(source string, startTs int64, period float64, data []float64) error {
	norm := normalizeID(source)

	for i := range r.plans {
		plan := &r.plans[i]
		if plan.normID != norm {
			continue
		}

		if len(data) == 0 {
			idx := floorDiv(startTs, plan.window)
			key := store.PageKey(normalizeID(r.req.PackageID), plan.normID, r.engine.pageSize, idx)
			r.nanKeys[key] = true
			continue
		}

		ts := startTs
		idx := floorDiv(ts, plan.window)
		pos := int64(0)
		for pos < int64(len(data)) {
			page := NewPageFile(r.engine.base, r.req.PackageID, plan.rawID, r.engine.pageSize, idx, plan.period)
			// Offset within the page follows the segment's own sample
			// period, which may differ from the requested channel rate.
			offset, err := segmentOffset(page, ts, period)
			if err != nil {
				return err
			}
			n := int64(len(data)) - pos
			if room := r.engine.pageSize - offset; n > room {
				n = room
			}
			if err := page.Write(r.engine.creator, offset, data[pos:pos+n]); err != nil {
				return err
			}
			metrics.ObservePageWrite()
			if idx > r.maxCompleted[plan.normID] {
				r.maxCompleted[plan.normID] = idx
			}
			pos += n
			idx++
			ts = idx * plan.window
		}
	}
	return nil
}

// segmentOffset maps a segment timestamp into a page using the segment's
// sample period. Timestamps before the page clamp to 0.
func segmentOffset(page *PageFile, ts int64, period float64) (int64, error) {
	if ts < page.Start {
		return 0, nil
	}
	if ts > page.End {
		return 0, fmt.Errorf("%w: timestamp %d past page end %d", ErrInvalidPage, ts, page.End)
	}
	return int64(float64(ts-page.Start) / period), nil
}

// RecordPageRequests persists metadata for every page the plan touched.
// NaN-flagged pages get a NaN record; pages whose file received data get
// a normal record with the file's current size. A page that received
// neither stays unrecorded so the next request fetches it again.
//
// A page is complete when some later page on the same channel received
// data, meaning this page's window can no longer grow.
func (r *Response) RecordPageRequests() error {
	now := time.Now().UTC()
	for _, rp := range r.requested {
		complete := r.maxCompleted[rp.chanN] > rp.index

		if r.nanKeys[rp.key] {
			if err := r.engine.store.WriteNaNFilled(rp.key, complete); err != nil {
				return err
			}
			continue
		}

		size, err := rp.page.Size()
		if err != nil {
			return err
		}
		if size == 0 {
			continue
		}
		rec := store.PageRecord{
			ID:        rp.key,
			NaNFilled: false,
			Complete:  complete,
			Size:      size,
			LastUsed:  now,
		}
		if err := r.engine.store.UpsertPage(&rec); err != nil {
			return err
		}
	}
	return nil
}

// Point is one non-NaN sample in a response chunk.
type Point struct {
	Timestamp int64
	Value     float64
}

// ChannelChunk is one channel's compacted samples within a chunk window.
type ChannelChunk struct {
	ChannelID string
	Points    []Point
}

// Chunk is one fixed-duration slice of the response.
type Chunk struct {
	Start    int64
	End      int64
	Channels []ChannelChunk
}

// ChunkIterator lazily walks the request window in ChunkSize steps.
type ChunkIterator struct {
	resp *Response
	cur  int64
	done bool
}

// Chunks returns an iterator over the response window. Call Next until it
// returns (nil, nil).
func (r *Response) Chunks() *ChunkIterator {
	return &ChunkIterator{resp: r, cur: r.req.Start}
}

// Next produces the next chunk. NaN values are compacted out of the
// output; a chunk in which every channel compacts to nothing ends the
// iteration.
func (it *ChunkIterator) Next() (*Chunk, error) {
	r := it.resp
	if it.done || it.cur > r.req.End {
		it.done = true
		return nil, nil
	}

	chunkStart := it.cur
	chunkEnd := chunkStart + r.req.ChunkSize - 1
	if chunkEnd > r.req.End {
		chunkEnd = r.req.End
	}
	it.cur = chunkStart + r.req.ChunkSize

	chunk := &Chunk{Start: chunkStart, End: chunkEnd}
	for i := range r.plans {
		plan := &r.plans[i]
		samples, err := r.readRange(plan, chunkStart, chunkEnd)
		if err != nil {
			return nil, err
		}
		var points []Point
		for j, v := range samples {
			if math.IsNaN(v) {
				continue
			}
			points = append(points, Point{
				Timestamp: chunkStart + int64(float64(j)*plan.period),
				Value:     v,
			})
		}
		if len(points) > 0 {
			chunk.Channels = append(chunk.Channels, ChannelChunk{
				ChannelID: plan.rawID,
				Points:    points,
			})
		}
	}

	if len(chunk.Channels) == 0 {
		it.done = true
		return nil, nil
	}
	return chunk, nil
}

// readRange reads contiguous samples for [from, to] on one channel,
// materializing NaN pages without touching disk.
func (r *Response) readRange(plan *channelPlan, from, to int64) ([]float64, error) {
	total := int64(float64(to-from)/plan.period) + 1
	out := make([]float64, 0, total)

	ts := from
	for int64(len(out)) < total {
		idx := floorDiv(ts, plan.window)
		page := NewPageFile(r.engine.base, r.req.PackageID, plan.rawID, r.engine.pageSize, idx, plan.period)
		offset, err := page.Offset(ts)
		if err != nil {
			return nil, err
		}
		n := total - int64(len(out))
		if room := r.engine.pageSize - offset; n > room {
			n = room
		}

		key := store.PageKey(normalizeID(r.req.PackageID), plan.normID, r.engine.pageSize, idx)
		isNaN, err := r.engine.store.IsPageNaN(key)
		if err != nil {
			return nil, err
		}
		if isNaN {
			metrics.ObservePageRead("nan")
			for i := int64(0); i < n; i++ {
				out = append(out, math.NaN())
			}
		} else {
			buf := make([]float64, n)
			if err := page.Read(offset, buf); err != nil {
				return nil, err
			}
			out = append(out, buf...)
		}

		idx++
		ts = idx * plan.window
	}
	return out, nil
}

// floorDiv divides rounding toward negative infinity.
func floorDiv(a, b int64) int64 {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}

// ceilDiv divides rounding toward positive infinity.
func ceilDiv(a, b int64) int64 {
	return -floorDiv(-a, b)
}
