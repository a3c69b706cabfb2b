// Package stomp encodes and decodes STOMP 1.2 frames carried one per
// WebSocket text message.
//
// Only the subset a pub/sub client needs is covered: CONNECT, SEND,
// SUBSCRIBE, UNSUBSCRIBE and DISCONNECT outbound; CONNECTED, MESSAGE,
// RECEIPT and ERROR inbound. Header values are escaped per STOMP 1.2 except
// on CONNECT and CONNECTED frames, which the protocol leaves unescaped.
package stomp

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Frame commands.
const (
	CmdConnect     = "CONNECT"
	CmdConnected   = "CONNECTED"
	CmdSend        = "SEND"
	CmdSubscribe   = "SUBSCRIBE"
	CmdUnsubscribe = "UNSUBSCRIBE"
	CmdDisconnect  = "DISCONNECT"
	CmdMessage     = "MESSAGE"
	CmdReceipt     = "RECEIPT"
	CmdError       = "ERROR"
)

// Well-known headers.
const (
	HeaderDestination   = "destination"
	HeaderSubscription  = "subscription"
	HeaderID            = "id"
	HeaderAck           = "ack"
	HeaderContentType   = "content-type"
	HeaderContentLength = "content-length"
	HeaderAcceptVersion = "accept-version"
	HeaderHost          = "host"
	HeaderHeartBeat     = "heart-beat"
	HeaderMessage       = "message"
	HeaderMessageID     = "message-id"
)

// ErrMalformedFrame is returned by Decode for input that is not a frame.
var ErrMalformedFrame = errors.New("stomp: malformed frame")

// Frame is a single STOMP frame.
type Frame struct {
	Command string
	Headers map[string]string
	Body    []byte
}

// Header returns the value of key, or "" when absent.
func (f Frame) Header(key string) string {
	if f.Headers == nil {
		return ""
	}
	return f.Headers[key]
}

// Connect builds the CONNECT frame opening a 1.2 session without heartbeats.
func Connect(host string) Frame {
	return Frame{
		Command: CmdConnect,
		Headers: map[string]string{
			HeaderAcceptVersion: "1.2",
			HeaderHost:          host,
			HeaderHeartBeat:     "0,0",
		},
	}
}

// Send builds a SEND frame with a JSON body.
func Send(destination string, headers map[string]string, body []byte) Frame {
	h := make(map[string]string, len(headers)+2)
	for k, v := range headers {
		h[k] = v
	}
	h[HeaderDestination] = destination
	if _, ok := h[HeaderContentType]; !ok {
		h[HeaderContentType] = "application/json"
	}
	return Frame{Command: CmdSend, Headers: h, Body: body}
}

// Subscribe builds a SUBSCRIBE frame with automatic acknowledgement.
func Subscribe(id, destination string) Frame {
	return Frame{
		Command: CmdSubscribe,
		Headers: map[string]string{
			HeaderID:          id,
			HeaderDestination: destination,
			HeaderAck:         "auto",
		},
	}
}

// Unsubscribe builds an UNSUBSCRIBE frame.
func Unsubscribe(id string) Frame {
	return Frame{Command: CmdUnsubscribe, Headers: map[string]string{HeaderID: id}}
}

// Disconnect builds a DISCONNECT frame.
func Disconnect() Frame {
	return Frame{Command: CmdDisconnect, Headers: map[string]string{}}
}

// Encode serializes f. Headers are written in sorted order so encoding is
// deterministic; content-length is added for non-empty bodies.
func Encode(f Frame) []byte {
	escape := escapeValue
	if f.Command == CmdConnect || f.Command == CmdConnected {
		escape = func(s string) string { return s }
	}

	headers := make(map[string]string, len(f.Headers)+1)
	for k, v := range f.Headers {
		headers[k] = v
	}
	delete(headers, HeaderContentLength)
	if len(f.Body) > 0 {
		headers[HeaderContentLength] = strconv.Itoa(len(f.Body))
	}

	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	buf.WriteString(f.Command)
	buf.WriteByte('\n')
	for _, k := range keys {
		buf.WriteString(escape(k))
		buf.WriteByte(':')
		buf.WriteString(escape(headers[k]))
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')
	buf.Write(f.Body)
	buf.WriteByte(0)
	return buf.Bytes()
}

// IsHeartbeat reports whether data is a bare heartbeat (EOLs only).
func IsHeartbeat(data []byte) bool {
	for _, b := range data {
		if b != '\n' && b != '\r' {
			return false
		}
	}
	return true
}

// Decode parses one frame. Leading heartbeat EOLs are skipped.
// Repeated headers keep their first value, as STOMP 1.2 requires.
func Decode(data []byte) (Frame, error) {
	data = bytes.TrimLeft(data, "\r\n")
	if len(data) == 0 {
		return Frame{}, fmt.Errorf("%w: empty", ErrMalformedFrame)
	}

	end := bytes.Index(data, []byte("\n\n"))
	sep := 2
	if crlf := bytes.Index(data, []byte("\r\n\r\n")); crlf >= 0 && (end < 0 || crlf < end) {
		end, sep = crlf, 4
	}
	if end < 0 {
		return Frame{}, fmt.Errorf("%w: missing header terminator", ErrMalformedFrame)
	}

	lines := strings.Split(strings.ReplaceAll(string(data[:end]), "\r\n", "\n"), "\n")
	f := Frame{Command: lines[0], Headers: make(map[string]string, len(lines)-1)}
	if f.Command == "" {
		return Frame{}, fmt.Errorf("%w: missing command", ErrMalformedFrame)
	}

	unescape := unescapeValue
	if f.Command == CmdConnect || f.Command == CmdConnected {
		unescape = func(s string) (string, error) { return s, nil }
	}

	for _, line := range lines[1:] {
		idx := strings.IndexByte(line, ':')
		if idx <= 0 {
			return Frame{}, fmt.Errorf("%w: bad header line %q", ErrMalformedFrame, line)
		}
		key, err := unescape(line[:idx])
		if err != nil {
			return Frame{}, err
		}
		value, err := unescape(line[idx+1:])
		if err != nil {
			return Frame{}, err
		}
		if _, seen := f.Headers[key]; !seen {
			f.Headers[key] = value
		}
	}

	body := data[end+sep:]
	if cl, ok := f.Headers[HeaderContentLength]; ok {
		n, err := strconv.Atoi(cl)
		if err != nil || n < 0 || n > len(body) {
			return Frame{}, fmt.Errorf("%w: bad content-length %q", ErrMalformedFrame, cl)
		}
		body = body[:n]
	} else if nul := bytes.IndexByte(body, 0); nul >= 0 {
		body = body[:nul]
	} else {
		return Frame{}, fmt.Errorf("%w: missing NUL terminator", ErrMalformedFrame)
	}
	if len(body) > 0 {
		f.Body = append([]byte(nil), body...)
	}
	return f, nil
}

var headerEscaper = strings.NewReplacer(
	"\\", "\\\\",
	"\r", "\\r",
	"\n", "\\n",
	":", "\\c",
)

func escapeValue(s string) string {
	return headerEscaper.Replace(s)
}

func unescapeValue(s string) (string, error) {
	if !strings.ContainsRune(s, '\\') {
		return s, nil
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] != '\\' {
			b.WriteByte(s[i])
			continue
		}
		if i+1 >= len(s) {
			return "", fmt.Errorf("%w: dangling escape in %q", ErrMalformedFrame, s)
		}
		i++
		switch s[i] {
		case '\\':
			b.WriteByte('\\')
		case 'r':
			b.WriteByte('\r')
		case 'n':
			b.WriteByte('\n')
		case 'c':
			b.WriteByte(':')
		default:
			return "", fmt.Errorf("%w: undefined escape \\%c", ErrMalformedFrame, s[i])
		}
	}
	return b.String(), nil
}
