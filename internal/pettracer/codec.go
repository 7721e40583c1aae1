package pettracer

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// SockJS frame type characters. The server prefixes every websocket
// payload with one of these.
const (
	sockOpen      = 'o'
	sockHeartbeat = 'h'
	sockClose     = 'c'
	sockArray     = 'a'
)

// SockFrameType identifies a decoded SockJS frame.
type SockFrameType int

// SockJS frame types.
const (
	SockMalformed SockFrameType = iota
	SockFrameOpen
	SockFrameHeartbeat
	SockFrameClose
	SockFrameMessages
)

// SockFrame is a decoded SockJS envelope.
type SockFrame struct {
	Type SockFrameType

	// Reason carries the close payload for SockFrameClose.
	Reason string

	// Messages holds the batch payload for SockFrameMessages.
	// Each element is one STOMP frame in text form.
	Messages []string
}

// DecodeSockFrame decodes a raw SockJS websocket payload.
//
// The first byte dispatches: 'o' open, 'h' heartbeat, 'c' close,
// 'a' message batch (a JSON string array). Empty input and anything
// else decodes to SockMalformed; the caller logs and drops it without
// tearing down the connection.
func DecodeSockFrame(raw string) SockFrame {
	if raw == "" {
		return SockFrame{Type: SockMalformed}
	}

	switch raw[0] {
	case sockOpen:
		return SockFrame{Type: SockFrameOpen}
	case sockHeartbeat:
		return SockFrame{Type: SockFrameHeartbeat}
	case sockClose:
		return SockFrame{Type: SockFrameClose, Reason: raw[1:]}
	case sockArray:
		var msgs []string
		if err := json.Unmarshal([]byte(raw[1:]), &msgs); err != nil {
			return SockFrame{Type: SockMalformed}
		}
		return SockFrame{Type: SockFrameMessages, Messages: msgs}
	default:
		return SockFrame{Type: SockMalformed}
	}
}

// EncodeSockSend wraps a single STOMP frame in the SockJS client-to-server
// envelope: a one-element JSON string array.
func EncodeSockSend(stompFrame string) (string, error) {
	data, err := json.Marshal([]string{stompFrame})
	if err != nil {
		return "", fmt.Errorf("encode sock send: %w", err)
	}
	return string(data), nil
}

// STOMP commands used by the session.
const (
	stompCmdConnect   = "CONNECT"
	stompCmdConnected = "CONNECTED"
	stompCmdSubscribe = "SUBSCRIBE"
	stompCmdSend      = "SEND"
	stompCmdMessage   = "MESSAGE"
	stompCmdError     = "ERROR"
)

// StompFrameType identifies a decoded STOMP frame.
type StompFrameType int

// STOMP frame types relevant to the client.
const (
	StompUnknown StompFrameType = iota
	StompConnected
	StompMessage
	StompError
)

// StompFrame is a decoded STOMP frame.
type StompFrame struct {
	Type    StompFrameType
	Command string
	Headers map[string]string
	Body    string

	// Raw preserves the full frame text for logging ERROR frames.
	Raw string
}

// DecodeStompFrame parses a STOMP frame from its text form.
//
// Grammar: a COMMAND line, then key:value header lines until a blank
// line, then the body up to (and excluding) a trailing NUL terminator.
// Header values may themselves contain colons; only the first colon
// splits.
func DecodeStompFrame(text string) StompFrame {
	frame := StompFrame{Type: StompUnknown, Headers: map[string]string{}, Raw: text}

	// Strip the trailing NUL terminator if present.
	body := strings.TrimSuffix(text, "\x00")

	cmdEnd := strings.IndexByte(body, '\n')
	if cmdEnd < 0 {
		frame.Command = body
		frame.Type = stompTypeOf(body)
		return frame
	}

	frame.Command = body[:cmdEnd]
	frame.Type = stompTypeOf(frame.Command)
	rest := body[cmdEnd+1:]

	for {
		lineEnd := strings.IndexByte(rest, '\n')
		if lineEnd < 0 {
			// Headers ran off the end of the frame; no body.
			if rest != "" {
				addHeader(frame.Headers, rest)
			}
			return frame
		}
		line := rest[:lineEnd]
		rest = rest[lineEnd+1:]
		if line == "" {
			// Blank line: everything after it is the body.
			frame.Body = rest
			return frame
		}
		addHeader(frame.Headers, line)
	}
}

func stompTypeOf(command string) StompFrameType {
	switch command {
	case stompCmdConnected:
		return StompConnected
	case stompCmdMessage:
		return StompMessage
	case stompCmdError:
		return StompError
	default:
		return StompUnknown
	}
}

// addHeader parses a "key:value" header line, splitting on the first
// colon only. Lines without a colon are ignored.
func addHeader(headers map[string]string, line string) {
	key, value, ok := strings.Cut(line, ":")
	if !ok {
		return
	}
	// First occurrence wins, per the STOMP spec.
	if _, exists := headers[key]; !exists {
		headers[key] = value
	}
}

// EncodeStompFrame builds the wire text for a STOMP frame:
// COMMAND, header lines, a blank line, the body, and the NUL terminator.
// A content-length header is computed from the body's byte length when a
// body is present. Headers are written in sorted order so output is
// deterministic.
func EncodeStompFrame(command string, headers map[string]string, body string) string {
	var b strings.Builder
	b.WriteString(command)
	b.WriteByte('\n')

	keys := make([]string, 0, len(headers)+1)
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte(':')
		b.WriteString(headers[k])
		b.WriteByte('\n')
	}

	if _, ok := headers["content-length"]; !ok && body != "" {
		b.WriteString("content-length:")
		fmt.Fprintf(&b, "%d", len(body))
		b.WriteByte('\n')
	}

	b.WriteByte('\n')
	b.WriteString(body)
	b.WriteByte(0)
	return b.String()
}
