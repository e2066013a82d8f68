package notify

import (
	"bytes"
	"fmt"
	"strings"
)

// STOMP 1.2 frame commands used by the channel.
const (
	cmdConnect     = "CONNECT"
	cmdConnected   = "CONNECTED"
	cmdSubscribe   = "SUBSCRIBE"
	cmdUnsubscribe = "UNSUBSCRIBE"
	cmdSend        = "SEND"
	cmdMessage     = "MESSAGE"
	cmdReceipt     = "RECEIPT"
	cmdError       = "ERROR"
	cmdDisconnect  = "DISCONNECT"
)

// frame is one STOMP frame. Headers keep arrival order; per STOMP 1.2 the
// first occurrence of a repeated header wins.
type frame struct {
	Command string
	Headers []header
	Body    []byte
}

type header struct {
	Key   string
	Value string
}

func newFrame(command string, body []byte, headers ...header) *frame {
	return &frame{Command: command, Headers: headers, Body: body}
}

// Header returns the first value for key, or "".
func (f *frame) Header(key string) string {
	for _, h := range f.Headers {
		if h.Key == key {
			return h.Value
		}
	}
	return ""
}

// escaped reports whether header octets of this frame use the STOMP escape
// sequences. CONNECT and CONNECTED frames are exempt for STOMP 1.0
// compatibility, per the spec.
func (f *frame) escaped() bool {
	return f.Command != cmdConnect && f.Command != cmdConnected
}

var headerEscaper = strings.NewReplacer(
	`\`, `\\`,
	"\r", `\r`,
	"\n", `\n`,
	":", `\c`,
)

func escapeHeader(s string) string { return headerEscaper.Replace(s) }

func unescapeHeader(s string) (string, error) {
	if !strings.ContainsRune(s, '\\') {
		return s, nil
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] != '\\' {
			b.WriteByte(s[i])
			continue
		}
		i++
		if i >= len(s) {
			return "", fmt.Errorf("stomp: dangling escape in header %q", s)
		}
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
			// Undefined escapes are a fatal protocol error per STOMP 1.2.
			return "", fmt.Errorf("stomp: invalid escape \\%c in header %q", s[i], s)
		}
	}
	return b.String(), nil
}

// marshal encodes the frame: command line, header lines, blank line, body,
// NUL terminator.
func (f *frame) marshal() []byte {
	var b bytes.Buffer
	b.WriteString(f.Command)
	b.WriteByte('\n')
	esc := f.escaped()
	for _, h := range f.Headers {
		k, v := h.Key, h.Value
		if esc {
			k, v = escapeHeader(k), escapeHeader(v)
		}
		b.WriteString(k)
		b.WriteByte(':')
		b.WriteString(v)
		b.WriteByte('\n')
	}
	if len(f.Body) > 0 {
		b.WriteString(fmt.Sprintf("content-length:%d\n", len(f.Body)))
	}
	b.WriteByte('\n')
	b.Write(f.Body)
	b.WriteByte(0)
	return b.Bytes()
}

// isHeartbeat reports whether raw is a bare heart-beat (EOL only).
func isHeartbeat(raw []byte) bool {
	t := bytes.TrimRight(raw, "\r\n")
	return len(t) == 0
}

// parseFrame decodes one frame from raw websocket message bytes.
func parseFrame(raw []byte) (*frame, error) {
	// Tolerate leading EOLs between frames and the trailing NUL.
	raw = bytes.TrimLeft(raw, "\r\n")
	raw = bytes.TrimSuffix(raw, []byte{0})
	if len(raw) == 0 {
		return nil, fmt.Errorf("stomp: empty frame")
	}

	headEnd := bytes.Index(raw, []byte("\n\n"))
	sep := 2
	if crlf := bytes.Index(raw, []byte("\r\n\r\n")); crlf >= 0 && (headEnd < 0 || crlf < headEnd) {
		headEnd = crlf
		sep = 4
	}
	if headEnd < 0 {
		headEnd = len(raw)
		sep = 0
	}

	lines := strings.Split(strings.ReplaceAll(string(raw[:headEnd]), "\r\n", "\n"), "\n")
	f := &frame{Command: strings.TrimSpace(lines[0])}
	if f.Command == "" {
		return nil, fmt.Errorf("stomp: missing command")
	}

	esc := f.escaped()
	for _, line := range lines[1:] {
		if line == "" {
			continue
		}
		idx := strings.IndexByte(line, ':')
		if idx < 0 {
			return nil, fmt.Errorf("stomp: malformed header line %q", line)
		}
		k, v := line[:idx], line[idx+1:]
		if esc {
			var err error
			if k, err = unescapeHeader(k); err != nil {
				return nil, err
			}
			if v, err = unescapeHeader(v); err != nil {
				return nil, err
			}
		}
		f.Headers = append(f.Headers, header{Key: k, Value: v})
	}

	if sep > 0 && headEnd+sep <= len(raw) {
		body := raw[headEnd+sep:]
		if len(body) > 0 {
			f.Body = append([]byte(nil), body...)
		}
	}
	return f, nil
}
