package twilsock

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net"
	"net/http"

	syncerr "github.com/alexjbarnes/twilsync/internal/errors"
	"github.com/coder/websocket"
)

//go:generate mockgen -destination=mock_wsconn.go -package=twilsock -mock_names=wsConn=MockWSConn . wsConn

// wsConn abstracts the WebSocket connection so the state machine can be
// tested without a real server. *websocket.Conn satisfies this interface.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
	SetReadLimit(n int64)
}

// Dialer opens the duplex byte connection to the twilsock endpoint.
type Dialer func(ctx context.Context, url string) (wsConn, error)

// readLimit bounds a single inbound frame.
const readLimit = 16 * 1024 * 1024

// WebsocketDialer returns a Dialer backed by coder/websocket. A nil
// httpClient uses http.DefaultClient.
func WebsocketDialer(httpClient *http.Client, header http.Header) Dialer {
	return func(ctx context.Context, url string) (wsConn, error) {
		conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{ //nolint:bodyclose // websocket.Dial closes the response body internally
			HTTPClient: httpClient,
			HTTPHeader: header,
		})
		if err != nil {
			return nil, classifyDialError(err)
		}

		conn.SetReadLimit(readLimit)

		return conn, nil
	}
}

// classifyDialError maps certificate failures to fatal reasons and
// everything else to TransportDisconnected or NetworkBecameUnreachable.
func classifyDialError(err error) error {
	var hostErr x509.HostnameError
	if errors.As(err, &hostErr) {
		return &syncerr.ErrorInfo{Reason: syncerr.HostnameUnverified, Message: "dialing", Err: err}
	}

	var verifyErr *tls.CertificateVerificationError
	var unknownAuth x509.UnknownAuthorityError
	var certInvalid x509.CertificateInvalidError
	var recordErr tls.RecordHeaderError

	if errors.As(err, &verifyErr) || errors.As(err, &unknownAuth) ||
		errors.As(err, &certInvalid) || errors.As(err, &recordErr) {
		return &syncerr.ErrorInfo{Reason: syncerr.SslHandshakeError, Message: "dialing", Err: err}
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return &syncerr.ErrorInfo{Reason: syncerr.NetworkBecameUnreachable, Message: "dialing", Err: err}
	}

	return &syncerr.ErrorInfo{Reason: syncerr.TransportDisconnected, Message: "dialing", Err: err}
}
