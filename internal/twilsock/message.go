package twilsock

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	syncerr "github.com/alexjbarnes/twilsync/internal/errors"
	"github.com/tidwall/gjson"
)

const (
	protocolVersion = "V3.0"
	framePrefix     = "TWILSOCK " + protocolVersion + " "
	crlf            = "\r\n"
)

// Frame methods.
const (
	MethodInit            = "init"
	MethodReply           = "reply"
	MethodMessage         = "message"
	MethodUpstreamRequest = "upstream_request"
	MethodNotification    = "notification"
	MethodPing            = "ping"
	MethodClose           = "close"
	MethodClientUpdate    = "client_update"
	MethodUpdateToken     = "update_token"
)

const clientUpdateTokenAboutToExpire = "token_about_to_expire"

// Status is the HTTP-like status object carried by replies.
type Status struct {
	Code        int    `json:"code"`
	Status      string `json:"status"`
	Description string `json:"description,omitempty"`
	ErrorCode   int    `json:"errorCode,omitempty"`
}

// OK reports whether the status is a 2xx.
func (s *Status) OK() bool {
	return s != nil && s.Code >= 200 && s.Code < 300
}

// Err converts a non-2xx status to the error taxonomy.
func (s *Status) Err() error {
	if s == nil {
		return syncerr.New(syncerr.CannotParse, "reply without status")
	}

	if s.OK() {
		return nil
	}

	return syncerr.FromStatus(s.Code, s.Status, s.Description, s.ErrorCode)
}

// HTTPRequestHeader describes an upstream HTTP request tunnelled over the
// connection.
type HTTPRequestHeader struct {
	Host    string              `json:"host"`
	Path    string              `json:"path"`
	Method  string              `json:"method"`
	Params  map[string][]string `json:"params,omitempty"`
	Headers map[string][]string `json:"headers,omitempty"`
}

// Headers is the JSON header block of a frame. Only fields relevant to
// the method are populated.
type Headers struct {
	Method            string              `json:"method"`
	ID                string              `json:"id"`
	Status            *Status             `json:"status,omitempty"`
	PayloadSize       int                 `json:"payload_size,omitempty"`
	PayloadType       string              `json:"payload_type,omitempty"`
	Token             string              `json:"token,omitempty"`
	ContinuationToken string              `json:"continuation_token,omitempty"`
	Capabilities      []string            `json:"capabilities,omitempty"`
	Metadata          map[string]string   `json:"metadata,omitempty"`
	MessageType       string              `json:"message_type,omitempty"`
	ClientUpdateType  string              `json:"client_update_type,omitempty"`
	HTTPRequest       *HTTPRequestHeader  `json:"http_request,omitempty"`
	HTTPStatus        *Status             `json:"http_status,omitempty"`
	HTTPHeaders       map[string][]string `json:"http_headers,omitempty"`
}

// Message is one decoded frame.
type Message struct {
	Headers Headers
	Payload []byte
}

// Encode renders the frame as
// "TWILSOCK V3.0 <headerByteLength>\r\n<jsonHeaders>\r\n[payload]\r\n".
func Encode(m *Message) ([]byte, error) {
	h := m.Headers
	h.PayloadSize = len(m.Payload)

	if len(m.Payload) > 0 && h.PayloadType == "" {
		h.PayloadType = "application/json"
	}

	headers, err := json.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("marshalling headers: %w", err)
	}

	var buf bytes.Buffer

	buf.Grow(len(framePrefix) + 8 + len(headers) + len(m.Payload) + 3*len(crlf))
	buf.WriteString(framePrefix)
	buf.WriteString(strconv.Itoa(len(headers)))
	buf.WriteString(crlf)
	buf.Write(headers)
	buf.WriteString(crlf)
	buf.Write(m.Payload)
	buf.WriteString(crlf)

	return buf.Bytes(), nil
}

// Decode parses a frame produced by Encode. Any structural problem is
// reported as CannotParse.
func Decode(data []byte) (*Message, error) {
	if !bytes.HasPrefix(data, []byte(framePrefix)) {
		return nil, syncerr.New(syncerr.CannotParse, "missing twilsock preamble")
	}

	rest := data[len(framePrefix):]

	eol := bytes.Index(rest, []byte(crlf))
	if eol < 0 {
		return nil, syncerr.New(syncerr.CannotParse, "unterminated preamble")
	}

	headerLen, err := strconv.Atoi(string(rest[:eol]))
	if err != nil || headerLen <= 0 {
		return nil, syncerr.Newf(syncerr.CannotParse, "invalid header length %q", rest[:eol])
	}

	rest = rest[eol+len(crlf):]
	if len(rest) < headerLen {
		return nil, syncerr.Newf(syncerr.CannotParse, "header length %d exceeds frame", headerLen)
	}

	m := &Message{}
	if err := json.Unmarshal(rest[:headerLen], &m.Headers); err != nil {
		return nil, &syncerr.ErrorInfo{Reason: syncerr.CannotParse, Message: "decoding headers", Err: err}
	}

	if m.Headers.Method == "" {
		return nil, syncerr.New(syncerr.CannotParse, "headers without method")
	}

	rest = rest[headerLen:]
	if !bytes.HasPrefix(rest, []byte(crlf)) {
		return nil, syncerr.New(syncerr.CannotParse, "headers not terminated")
	}

	rest = rest[len(crlf):]

	size := m.Headers.PayloadSize
	if size == 0 {
		size = len(bytes.TrimSuffix(rest, []byte(crlf)))
	}

	if size > len(rest) {
		return nil, syncerr.Newf(syncerr.CannotParse, "payload size %d exceeds frame", size)
	}

	if size > 0 {
		m.Payload = append([]byte(nil), rest[:size]...)
	}

	return m, nil
}

// peekHeaders extracts method and id without a full decode. Used to
// route frames cheaply before deciding whether to parse them.
func peekHeaders(data []byte) (method, id string, ok bool) {
	if !bytes.HasPrefix(data, []byte(framePrefix)) {
		return "", "", false
	}

	rest := data[len(framePrefix):]

	eol := bytes.Index(rest, []byte(crlf))
	if eol < 0 {
		return "", "", false
	}

	headerLen, err := strconv.Atoi(string(rest[:eol]))
	if err != nil || headerLen <= 0 || len(rest) < eol+len(crlf)+headerLen {
		return "", "", false
	}

	headers := rest[eol+len(crlf) : eol+len(crlf)+headerLen]
	res := gjson.GetManyBytes(headers, "method", "id")

	return res[0].Str, res[1].Str, res[0].Exists()
}
