package twilsock

import (
	"context"
	"net/http"
	"net/url"
	"time"

	syncerr "github.com/alexjbarnes/twilsync/internal/errors"
)

// HTTPRequest is an HTTP call tunnelled to the backend over the
// connection.
type HTTPRequest struct {
	URL     string
	Method  string
	Headers http.Header
	Payload []byte
	Timeout time.Duration
}

// HTTPResponse is the backend's answer to an HTTPRequest. A non-2xx
// status is returned as a response, not an error; callers map it.
type HTTPResponse struct {
	StatusCode int
	Status     string
	Headers    http.Header
	Payload    []byte
}

// Err converts a non-2xx response to the error taxonomy.
func (r *HTTPResponse) Err() error {
	if r.StatusCode >= 200 && r.StatusCode < 300 {
		return nil
	}

	return syncerr.FromStatus(r.StatusCode, r.Status, string(r.Payload), 0)
}

// SendHTTPRequest sends req as an upstream_request frame and waits for
// the reply.
func (c *Client) SendHTTPRequest(ctx context.Context, req *HTTPRequest) (*HTTPResponse, error) {
	switch req.Method {
	case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete:
	default:
		return nil, syncerr.Newf(syncerr.CommandPermanentError, "unsupported method %q", req.Method)
	}

	u, err := url.Parse(req.URL)
	if err != nil {
		return nil, syncerr.Newf(syncerr.CommandPermanentError, "parsing request url: %v", err)
	}

	httpReq := &HTTPRequestHeader{
		Host:    u.Host,
		Path:    u.EscapedPath(),
		Method:  req.Method,
		Headers: req.Headers,
	}

	if q := u.Query(); len(q) > 0 {
		httpReq.Params = q
	}

	msg := &Message{
		Headers: Headers{Method: MethodUpstreamRequest, HTTPRequest: httpReq},
		Payload: req.Payload,
	}

	reply, err := c.SendRequest(ctx, msg, req.Timeout)
	if err != nil {
		return nil, err
	}

	resp := &HTTPResponse{
		StatusCode: http.StatusOK,
		Status:     "OK",
		Headers:    http.Header(reply.Headers.HTTPHeaders),
		Payload:    reply.Payload,
	}

	if hs := reply.Headers.HTTPStatus; hs != nil {
		resp.StatusCode = hs.Code
		resp.Status = hs.Status
	}

	return resp, nil
}
