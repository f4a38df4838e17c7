// Package httpapi implements the mod_visus HTTP service: a single
// endpoint dispatching on an "action" query parameter to the four
// operations described in SPEC_FULL.md §6.2 (readdataset, readblock,
// writeblock, readbox).
package httpapi

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/xiyuyi/visusgo/access"
	"github.com/xiyuyi/visusgo/bitmask"
	"github.com/xiyuyi/visusgo/block"
	"github.com/xiyuyi/visusgo/codec"
	"github.com/xiyuyi/visusgo/dataset"
	"github.com/xiyuyi/visusgo/errs"
	"github.com/xiyuyi/visusgo/internal/options"
	"github.com/xiyuyi/visusgo/query"
)

// registeredDataset pairs a parsed descriptor with the access variant
// that serves its blocks.
type registeredDataset struct {
	ds     *dataset.Dataset
	access access.Access
}

// Option configures a Server.
type Option = options.Option[*Server]

// WithMaxInFlight bounds concurrent requests served at once. Requests
// past this ceiling queue (see WithQueueDepth) before the handler
// returns 503.
func WithMaxInFlight(n int) Option {
	return options.NoError[*Server](func(s *Server) {
		if n > 0 {
			s.sem = make(chan struct{}, n)
		}
	})
}

// WithQueueDepth bounds how many requests may wait for a free slot
// before the server starts shedding load with 503.
func WithQueueDepth(n int) Option {
	return options.NoError[*Server](func(s *Server) {
		if n >= 0 {
			s.queueDepth = int32(n)
		}
	})
}

// WithWritesEnabled toggles whether writeblock is accepted at all. The
// default is read-only, matching a server fronting archival datasets.
func WithWritesEnabled(enabled bool) Option {
	return options.NoError[*Server](func(s *Server) {
		s.writesEnabled = enabled
	})
}

// WithQueryEngine overrides the box query engine used by readbox.
func WithQueryEngine(e *query.Engine) Option {
	return options.NoError[*Server](func(s *Server) {
		s.engine = e
	})
}

// Server serves the mod_visus actions over one *http.ServeMux route per
// HTTP method, backed by a catalog of registered datasets.
type Server struct {
	mu       sync.RWMutex
	datasets map[string]*registeredDataset

	sem        chan struct{}
	queued     int32
	queueDepth int32

	writesEnabled bool
	engine        *query.Engine

	mux *http.ServeMux
}

// NewServer creates a Server with no datasets registered. Register each
// one with RegisterDataset before routing requests to it.
func NewServer(opts ...Option) *Server {
	s := &Server{
		datasets:   map[string]*registeredDataset{},
		sem:        make(chan struct{}, 32),
		queueDepth: 64,
		engine:     query.NewEngine(),
	}
	_ = options.Apply(s, opts...)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /mod_visus", s.handleGet)
	mux.HandleFunc("POST /mod_visus", s.handlePost)
	s.mux = mux

	return s
}

// RegisterDataset makes name resolvable by the readdataset/readblock/
// writeblock/readbox actions, served through a. It opens a's read
// session (and write session, if the server was built with
// WithWritesEnabled) for the lifetime of the registration: per the
// Access interface's own contract, ReadBlock/WriteBlock calls within
// one bracket may run concurrently, but concurrent brackets themselves
// are not guaranteed safe, so the server holds exactly one of each open
// per dataset rather than bracketing around every request.
func (s *Server) RegisterDataset(name string, ds *dataset.Dataset, a access.Access) error {
	ctx := context.Background()
	if err := a.BeginRead(ctx); err != nil {
		return err
	}
	if s.writesEnabled {
		if err := a.BeginWrite(ctx); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.datasets[name] = &registeredDataset{ds: ds, access: a}

	return nil
}

// Close ends every registered dataset's read (and write, if enabled)
// session.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx := context.Background()
	var firstErr error
	for _, rd := range s.datasets {
		if err := rd.access.EndRead(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
		if s.writesEnabled {
			if err := rd.access.EndWrite(ctx); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}

	return firstErr
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !s.acquire(r.Context()) {
		writeError(w, http.StatusServiceUnavailable, errs.New(errs.KindBusy, "server applying backpressure"))

		return
	}
	defer s.release()

	s.mux.ServeHTTP(w, r)
}

// acquire reserves a concurrency slot, queueing up to queueDepth waiters
// once the slot pool is exhausted, and reporting false once the queue is
// also full or the request's context is done first.
func (s *Server) acquire(ctx context.Context) bool {
	select {
	case s.sem <- struct{}{}:
		return true
	default:
	}

	if atomic.AddInt32(&s.queued, 1) > s.queueDepth {
		atomic.AddInt32(&s.queued, -1)

		return false
	}
	defer atomic.AddInt32(&s.queued, -1)

	select {
	case s.sem <- struct{}{}:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Server) release() { <-s.sem }

func (s *Server) lookup(name string) (*registeredDataset, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rd, ok := s.datasets[name]

	return rd, ok
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Query().Get("action") {
	case "readdataset":
		s.handleReadDataset(w, r)
	case "readblock":
		s.handleReadBlock(w, r)
	case "readbox":
		s.handleReadBox(w, r)
	default:
		writeError(w, http.StatusBadRequest, errs.New(errs.KindMalformedHeader, "unknown or missing action"))
	}
}

func (s *Server) handlePost(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Query().Get("action") {
	case "writeblock":
		s.handleWriteBlock(w, r)
	default:
		writeError(w, http.StatusBadRequest, errs.New(errs.KindMalformedHeader, "unknown or missing action"))
	}
}

func (s *Server) handleReadDataset(w http.ResponseWriter, r *http.Request) {
	rd, ok := s.lookup(r.URL.Query().Get("dataset"))
	if !ok {
		writeError(w, http.StatusNotFound, errs.New(errs.KindUnknownField, "unknown dataset"))

		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, rd.ds.String())
}

func (s *Server) handleReadBlock(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	rd, ok := s.lookup(q.Get("dataset"))
	if !ok {
		writeError(w, http.StatusNotFound, errs.New(errs.KindUnknownField, "unknown dataset"))

		return
	}

	field, err := rd.ds.FieldByName(q.Get("field"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)

		return
	}
	timeVal, a1, a2, err := parseBlockCoords(q)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)

		return
	}
	ctx := r.Context()
	bq, err := rd.access.ReadBlock(ctx, block.New(field, timeVal, a1, a2))
	if err != nil {
		writeError(w, statusForErr(err), err)

		return
	}
	if bq.WasHole {
		writeError(w, http.StatusNotFound, errs.New(errs.KindNotFound, "block is a hole"))

		return
	}

	tag := q.Get("compression")
	if tag == "" {
		tag = field.EffectiveCodec(rd.ds.DefaultCodec)
	}
	c, err := codec.Get(tag)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)

		return
	}
	dims := []int{int(a2 - a1)}
	enc, err := c.Encode(bq.Buf, field.Type, dims)
	if err != nil {
		writeError(w, http.StatusInternalServerError, errs.Wrap(errs.KindCodecError, "encode block response", err))

		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("X-Compression", tag)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(enc)
}

func (s *Server) handleWriteBlock(w http.ResponseWriter, r *http.Request) {
	if !s.writesEnabled {
		writeError(w, http.StatusForbidden, errs.New(errs.KindOutOfRange, "writes are disabled on this server"))

		return
	}

	q := r.URL.Query()
	rd, ok := s.lookup(q.Get("dataset"))
	if !ok {
		writeError(w, http.StatusNotFound, errs.New(errs.KindUnknownField, "unknown dataset"))

		return
	}
	field, err := rd.ds.FieldByName(q.Get("field"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)

		return
	}
	timeVal, a1, a2, err := parseBlockCoords(q)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)

		return
	}

	tag := q.Get("compression")
	if tag == "" {
		tag = field.EffectiveCodec(rd.ds.DefaultCodec)
	}
	c, err := codec.Get(tag)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)

		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, errs.Wrap(errs.KindIoTransient, "read request body", err))

		return
	}
	dims := []int{int(a2 - a1)}
	raw, err := c.Decode(body, field.Type, dims)
	if err != nil {
		writeError(w, http.StatusBadRequest, errs.Wrap(errs.KindCodecError, "decode request payload", err))

		return
	}

	ctx := r.Context()
	bq := block.New(field, timeVal, a1, a2)
	bq.Buf = raw
	if err := rd.access.WriteBlock(ctx, bq); err != nil {
		writeError(w, statusForErr(err), err)

		return
	}

	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleReadBox(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	rd, ok := s.lookup(q.Get("dataset"))
	if !ok {
		writeError(w, http.StatusNotFound, errs.New(errs.KindUnknownField, "unknown dataset"))

		return
	}
	field, err := rd.ds.FieldByName(q.Get("field"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)

		return
	}
	timeVal, err := parseTime(q.Get("time"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)

		return
	}
	box, err := parseBox(q.Get("box"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)

		return
	}
	res, err := strconv.Atoi(q.Get("res"))
	if err != nil {
		writeError(w, http.StatusBadRequest, errs.Wrap(errs.KindMalformedHeader, "bad res", err))

		return
	}

	cur, err := s.engine.Begin(&query.Request{
		Dataset:        rd.ds,
		Field:          field,
		Time:           timeVal,
		Box:            box,
		EndResolutions: []int{res},
		MergeMode:      query.OverwriteSamples,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err)

		return
	}

	ctx := r.Context()
	cur.Next()
	status, err := cur.Execute(ctx, rd.access)
	if status == query.StatusFailed {
		writeError(w, statusForErr(err), err)

		return
	}
	if status == query.StatusAborted {
		writeError(w, http.StatusServiceUnavailable, err)

		return
	}

	buf, ls := cur.Samples()
	hzBuf := query.ToHzOrder(rd.ds.Bitmask, ls, buf, field.Type.Size())

	dims := make([]string, len(ls.NSamples))
	for i, n := range ls.NSamples {
		dims[i] = strconv.FormatInt(n, 10)
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("X-Dims", strings.Join(dims, " "))
	w.Header().Set("X-Dtype", field.Type.String())
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(hzBuf)
}

func parseTime(s string) (float64, error) {
	if s == "" {
		return 0, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, errs.Wrap(errs.KindMalformedHeader, "bad time", err)
	}

	return v, nil
}

func parseBlockCoords(q interface{ Get(string) string }) (timeVal float64, a1, a2 uint64, err error) {
	timeVal, err = parseTime(q.Get("time"))
	if err != nil {
		return 0, 0, 0, err
	}
	a1, err = strconv.ParseUint(q.Get("from"), 10, 64)
	if err != nil {
		return 0, 0, 0, errs.Wrap(errs.KindMalformedHeader, "bad from", err)
	}
	a2, err = strconv.ParseUint(q.Get("to"), 10, 64)
	if err != nil {
		return 0, 0, 0, errs.Wrap(errs.KindMalformedHeader, "bad to", err)
	}
	if a2 <= a1 {
		return 0, 0, 0, errs.New(errs.KindOutOfRange, "to must be greater than from")
	}

	return timeVal, a1, a2, nil
}

// parseBox parses "x1 x2 y1 y2 ..." into a Box, one Lo/Hi pair per axis.
func parseBox(s string) (bitmask.Box, error) {
	fields := strings.Fields(s)
	if len(fields) == 0 || len(fields)%2 != 0 {
		return bitmask.Box{}, errs.New(errs.KindMalformedHeader, "box must list an even number of coordinates")
	}

	pdim := len(fields) / 2
	box := bitmask.Box{Lo: make([]int64, pdim), Hi: make([]int64, pdim)}
	for a := 0; a < pdim; a++ {
		lo, err := strconv.ParseInt(fields[2*a], 10, 64)
		if err != nil {
			return bitmask.Box{}, errs.Wrap(errs.KindMalformedHeader, "bad box coordinate", err)
		}
		hi, err := strconv.ParseInt(fields[2*a+1], 10, 64)
		if err != nil {
			return bitmask.Box{}, errs.Wrap(errs.KindMalformedHeader, "bad box coordinate", err)
		}
		box.Lo[a], box.Hi[a] = lo, hi
	}

	return box, nil
}


func statusForErr(err error) int {
	switch errs.Of(err) {
	case errs.KindNotFound:
		return http.StatusNotFound
	case errs.KindOutOfRange:
		return http.StatusRequestedRangeNotSatisfiable
	case errs.KindBusy:
		return http.StatusServiceUnavailable
	case errs.KindUnknownField, errs.KindUnknownTime, errs.KindMalformedHeader:
		return http.StatusBadRequest
	case errs.KindCodecError:
		return http.StatusConflict
	case errs.KindAborted:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	if err != nil {
		_, _ = fmt.Fprintln(w, err.Error())
	}
}
