package access

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"golang.org/x/sync/singleflight"

	"github.com/xiyuyi/visusgo/block"
	"github.com/xiyuyi/visusgo/codec"
	"github.com/xiyuyi/visusgo/dtype"
	"github.com/xiyuyi/visusgo/errs"
	"github.com/xiyuyi/visusgo/filter"
	"github.com/xiyuyi/visusgo/internal/hash"
)

// RemoteAccess reads and writes blocks through a remote dataset server's
// mod_visus readblock/writeblock actions (spec §6.2). Concurrent reads
// for the same block are coalesced with singleflight so a burst of
// cursors opened against the same dataset don't each pay for their own
// round trip.
type RemoteAccess struct {
	baseURL string
	dataset string
	dims    []int
	client  *http.Client

	group singleflight.Group
	stats Statistics
	retry RetryPolicy
}

func (*RemoteAccess) isAccess() {}

var _ Access = (*RemoteAccess)(nil)

// NewRemoteAccess creates a RemoteAccess against a server's base URL
// (e.g. "http://host:port") for the named dataset. dims is the per-axis
// extent of one block, needed to decode whatever codec the server names
// in its X-Compression response header.
func NewRemoteAccess(baseURL, dataset string, dims []int, client *http.Client) *RemoteAccess {
	if client == nil {
		client = http.DefaultClient
	}

	return &RemoteAccess{baseURL: baseURL, dataset: dataset, dims: dims, client: client, retry: DefaultRetryPolicy}
}

// BeginRead is a no-op; the HTTP protocol is stateless per request.
func (r *RemoteAccess) BeginRead(ctx context.Context) error { return nil }

// EndRead is a no-op.
func (r *RemoteAccess) EndRead(ctx context.Context) error { return nil }

// BeginWrite is a no-op.
func (r *RemoteAccess) BeginWrite(ctx context.Context) error { return nil }

// EndWrite is a no-op.
func (r *RemoteAccess) EndWrite(ctx context.Context) error { return nil }

// BlockFileName renders the readblock URL that would serve this block.
func (r *RemoteAccess) BlockFileName(field dtype.Field, time float64, blockGroup uint64) string {
	return r.readblockURL(field.Name, time, blockGroup, blockGroup+1)
}

func (r *RemoteAccess) readblockURL(field string, time float64, from, to uint64) string {
	v := url.Values{}
	v.Set("action", "readblock")
	v.Set("dataset", r.dataset)
	v.Set("field", field)
	v.Set("time", strconv.FormatFloat(time, 'g', -1, 64))
	v.Set("from", strconv.FormatUint(from, 10))
	v.Set("to", strconv.FormatUint(to, 10))

	return fmt.Sprintf("%s/mod_visus?%s", r.baseURL, v.Encode())
}

// coalesceKey hashes the (dataset, field, time, a1) tuple that identifies
// one physical block into a fixed-size singleflight key, so a dataset with
// many fields and a long history of timesteps doesn't leave the
// singleflight.Group's internal map keyed by an ever-growing set of long
// strings.
func coalesceKey(dataset, field string, time float64, a1 uint64) string {
	raw := fmt.Sprintf("%s|%s|%g|%d", dataset, field, time, a1)

	return strconv.FormatUint(hash.ID(raw), 16)
}

// ReadBlock fetches one block over HTTP, coalescing concurrent requests
// for the same (field, time, a1) via singleflight, and decodes the
// response with the codec named in its X-Compression header.
func (r *RemoteAccess) ReadBlock(ctx context.Context, q *block.Query) (*block.Query, error) {
	key := coalesceKey(r.dataset, q.Field.Name, q.Time, q.A1)

	type result struct {
		buf     []byte
		wasHole bool
	}

	v, err, _ := r.group.Do(key, func() (any, error) {
		var res result
		err := withRetry(ctx, r.retry, func() error {
			reqURL := r.readblockURL(q.Field.Name, q.Time, q.A1, q.A2)
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
			if err != nil {
				return err
			}
			resp, err := r.client.Do(req)
			if err != nil {
				return errs.Wrap(errs.KindIoTransient, "remote readblock", err)
			}
			defer resp.Body.Close()

			switch resp.StatusCode {
			case http.StatusOK:
				body, err := io.ReadAll(resp.Body)
				if err != nil {
					return errs.Wrap(errs.KindIoTransient, "read remote block body", err)
				}
				c, err := codecByTag(resp.Header.Get("X-Compression"))
				if err != nil {
					return err
				}
				raw, err := c.Decode(body, q.Field.Type, r.dims)
				if err != nil {
					return errs.Wrap(errs.KindCodecError, "decode remote block payload", err)
				}
				res = result{buf: raw}

				return nil
			case http.StatusNotFound:
				res = result{wasHole: true}

				return nil
			case http.StatusServiceUnavailable:
				return errs.New(errs.KindBusy, "remote server applied backpressure")
			case http.StatusRequestedRangeNotSatisfiable:
				return errs.New(errs.KindOutOfRange, "remote block range not satisfiable")
			default:
				return errs.Wrap(errs.KindIoTransient, "remote readblock", fmt.Errorf("unexpected status %d", resp.StatusCode))
			}
		})

		return res, err
	})
	if err != nil {
		q.Status = block.Failed
		r.stats.ReadFail++

		return q, err
	}

	res := v.(result)
	q.Buf = res.buf
	q.WasHole = res.wasHole
	q.Status = block.Ok
	r.stats.ReadOk++

	return q, nil
}

func codecByTag(tag string) (codec.Codec, error) {
	if tag == "" {
		tag = "raw"
	}

	return codec.Get(tag)
}

// WriteBlock runs the field's forward filter (if any) over q.Buf, encodes
// the result with the field's effective codec, and posts it to the remote
// writeblock action.
func (r *RemoteAccess) WriteBlock(ctx context.Context, q *block.Query) error {
	tag := q.Field.EffectiveCodec("raw")
	c, err := codec.Get(tag)
	if err != nil {
		r.stats.WriteFail++

		return err
	}
	payload, err := c.Encode(filter.ApplyForward(q.Buf, q.Field), q.Field.Type, r.dims)
	if err != nil {
		r.stats.WriteFail++

		return errs.Wrap(errs.KindCodecError, "encode remote block payload", err)
	}

	v := url.Values{}
	v.Set("action", "writeblock")
	v.Set("dataset", r.dataset)
	v.Set("field", q.Field.Name)
	v.Set("time", strconv.FormatFloat(q.Time, 'g', -1, 64))
	v.Set("from", strconv.FormatUint(q.A1, 10))
	v.Set("to", strconv.FormatUint(q.A2, 10))
	v.Set("compression", tag)

	reqURL := fmt.Sprintf("%s/mod_visus?%s", r.baseURL, v.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(payload))
	if err != nil {
		r.stats.WriteFail++

		return err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		r.stats.WriteFail++

		return errs.Wrap(errs.KindIoTransient, "remote writeblock", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
		r.stats.WriteOk++

		return nil
	case http.StatusServiceUnavailable:
		r.stats.WriteFail++

		return errs.New(errs.KindBusy, "remote server applied backpressure")
	case http.StatusConflict:
		r.stats.WriteFail++

		return errs.ErrMixedLossyCodec
	case http.StatusForbidden:
		r.stats.WriteFail++

		return errs.New(errs.KindOutOfRange, "remote dataset is read-only")
	default:
		r.stats.WriteFail++

		return errs.Wrap(errs.KindIoTransient, "remote writeblock", fmt.Errorf("unexpected status %d", resp.StatusCode))
	}
}

// Stats returns a snapshot of this RemoteAccess's read/write statistics.
func (r *RemoteAccess) Stats() Statistics {
	return r.stats
}
