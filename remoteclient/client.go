// Package remoteclient is the client side of httpapi: it fetches a
// dataset's textual header over the readdataset action and wraps the
// rest of the mod_visus actions behind the same access.Access and
// dataset.Dataset surface the local storage layers expose (spec §4.8).
package remoteclient

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/xiyuyi/visusgo/access"
	"github.com/xiyuyi/visusgo/dataset"
	"github.com/xiyuyi/visusgo/errs"
)

// Dataset is a dataset descriptor fetched from a remote mod_visus server,
// paired with the RemoteAccess that serves its blocks. Its exported
// *dataset.Dataset gives callers the identical FieldByName/Bitmask/
// BitsPerBlock surface a locally opened dataset exposes.
type Dataset struct {
	*dataset.Dataset

	access *access.RemoteAccess
}

// Open fetches name's textual header from baseURL via the readdataset
// action, parses it, and returns a Dataset whose Access method is ready
// to read and write blocks against the same server.
func Open(ctx context.Context, baseURL, name string, client *http.Client) (*Dataset, error) {
	if client == nil {
		client = http.DefaultClient
	}

	v := url.Values{}
	v.Set("action", "readdataset")
	v.Set("dataset", name)
	reqURL := fmt.Sprintf("%s/mod_visus?%s", baseURL, v.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, errs.Wrap(errs.KindIoTransient, "remote readdataset", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errs.New(errs.KindUnknownField, fmt.Sprintf("remote readdataset: unexpected status %d", resp.StatusCode))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errs.Wrap(errs.KindIoTransient, "read remote dataset header", err)
	}

	ds, err := dataset.Open(strings.NewReader(string(body)))
	if err != nil {
		return nil, err
	}

	dims := []int{1 << uint(ds.BitsPerBlock)}
	ra := access.NewRemoteAccess(baseURL, name, dims, client)

	return &Dataset{Dataset: ds, access: ra}, nil
}

// Access returns the RemoteAccess backing this dataset, usable anywhere
// an access.Access is expected (query.Engine, access.MosaicAccess, etc).
func (d *Dataset) Access() access.Access {
	return d.access
}
