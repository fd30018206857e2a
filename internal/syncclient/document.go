package syncclient

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/alexjbarnes/twilsync/internal/cache"
	syncerr "github.com/alexjbarnes/twilsync/internal/errors"
)

// Document is an open document. Its data lives in the cached metadata.
type Document struct {
	*handle
}

// OpenDocument opens a document by sid or unique name.
func (c *Client) OpenDocument(ctx context.Context, sidOrName string) (*Document, error) {
	h, _, err := c.open(ctx, cache.EntityDocument, sidOrName, true)
	if err != nil {
		return nil, err
	}

	return &Document{handle: h}, nil
}

func (d *Document) metadata() (cache.Metadata, error) {
	md, err := d.client.cache.GetMetadata(d.sid)
	if err != nil {
		return cache.Metadata{}, err
	}

	if md == nil {
		return cache.Metadata{}, syncerr.Newf(syncerr.OpenDocumentError, "document %s is not cached", d.sid)
	}

	return *md, nil
}

// Data returns the latest known document data.
func (d *Document) Data() (json.RawMessage, error) {
	md, err := d.metadata()
	if err != nil {
		return nil, err
	}

	return md.Data, nil
}

// Revision returns the latest known document revision.
func (d *Document) Revision() (string, error) {
	md, err := d.metadata()
	if err != nil {
		return "", err
	}

	return md.Revision, nil
}

// Set replaces the document data unconditionally.
func (d *Document) Set(ctx context.Context, data json.RawMessage) (json.RawMessage, error) {
	return d.write(ctx, data, "")
}

func (d *Document) write(ctx context.Context, data json.RawMessage, revision string) (json.RawMessage, error) {
	md, err := d.client.backend.UpdateDocument(ctx, d.sid, data, revision)
	if err != nil {
		return nil, err
	}

	md.Sid = d.sid
	md.Type = cache.EntityDocument

	if err := d.client.applyDocument(md, false); err != nil {
		return nil, err
	}

	return md.Data, nil
}

// Mutate applies mutator to the current document data and writes the
// result conditioned on the revision it read, reloading and retrying
// once on a revision conflict.
func (d *Document) Mutate(ctx context.Context, mutator Mutator) (json.RawMessage, error) {
	var lastErr error

	for attempt := range 2 {
		var (
			cur cache.Metadata
			err error
		)

		if attempt == 0 {
			cur, err = d.metadata()
		} else {
			cur, err = d.refresh(ctx)
		}

		if err != nil {
			return nil, err
		}

		next, err := mutator(cur.Data)
		if err != nil {
			return nil, syncerr.Wrap(syncerr.MutateOperationAborted, err)
		}

		if next == nil {
			return nil, syncerr.New(syncerr.MutateOperationAborted, "mutator returned no data")
		}

		data, err := d.write(ctx, next, cur.Revision)
		if errors.Is(err, syncerr.ErrPreconditionFailed) {
			d.client.logger.Debug("document changed during mutation, reloading", slog.String("sid", d.sid))
			lastErr = err

			continue
		}

		return data, err
	}

	return nil, lastErr
}

func (d *Document) refresh(ctx context.Context) (cache.Metadata, error) {
	fresh, err := d.client.backend.FetchMetadata(ctx, cache.EntityDocument, d.sid)
	if err != nil {
		return cache.Metadata{}, err
	}

	if err := d.client.applyDocument(fresh, true); err != nil {
		return cache.Metadata{}, err
	}

	return d.metadata()
}
