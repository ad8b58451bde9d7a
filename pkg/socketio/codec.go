package socketio

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/goccy/go-json"
)

// Engine.IO v4 packet types.
const (
	EngineOpen    byte = '0'
	EngineClose   byte = '1'
	EnginePing    byte = '2'
	EnginePong    byte = '3'
	EngineMessage byte = '4'
	EngineUpgrade byte = '5'
	EngineNoop    byte = '6'
)

// Socket.IO v5 packet types, carried inside Engine.IO message packets.
const (
	SocketConnect      byte = '0'
	SocketDisconnect   byte = '1'
	SocketEvent        byte = '2'
	SocketAck          byte = '3'
	SocketConnectError byte = '4'
	SocketBinaryEvent  byte = '5'
	SocketBinaryAck    byte = '6'
)

const defaultNamespace = "/"

var errEmptyFrame = errors.New("socketio: empty frame")

// Frame is a decoded text frame.
type Frame struct {
	Engine    byte
	Socket    byte // zero unless Engine == EngineMessage
	Namespace string
	AckID     string
	Payload   []byte
}

// OpenPacket is the Engine.IO handshake document.
type OpenPacket struct {
	SID          string   `json:"sid"`
	Upgrades     []string `json:"upgrades"`
	PingInterval int      `json:"pingInterval"` // milliseconds
	PingTimeout  int      `json:"pingTimeout"`  // milliseconds
	MaxPayload   int      `json:"maxPayload"`
}

// ConnectPayload is sent by the server when joining a namespace succeeds.
type ConnectPayload struct {
	SID string `json:"sid"`
}

// ConnectErrorPayload is sent by the server when joining a namespace is refused.
type ConnectErrorPayload struct {
	Message string `json:"message"`
}

// DecodeFrame splits a raw text frame into its Engine.IO and Socket.IO parts.
func DecodeFrame(msg []byte) (Frame, error) {
	if len(msg) == 0 {
		return Frame{}, errEmptyFrame
	}

	f := Frame{Engine: msg[0], Namespace: defaultNamespace}
	if f.Engine < EngineOpen || f.Engine > EngineNoop {
		return Frame{}, fmt.Errorf("socketio: unknown engine packet type %q", f.Engine)
	}
	if f.Engine != EngineMessage {
		f.Payload = msg[1:]
		return f, nil
	}
	if len(msg) < 2 {
		return Frame{}, errors.New("socketio: message packet without socket type")
	}

	f.Socket = msg[1]
	rest := msg[2:]

	if len(rest) > 0 && rest[0] == '/' {
		idx := bytes.IndexByte(rest, ',')
		if idx < 0 {
			f.Namespace = string(rest)
			rest = nil
		} else {
			f.Namespace = string(rest[:idx])
			rest = rest[idx+1:]
		}
	}

	i := 0
	for i < len(rest) && rest[i] >= '0' && rest[i] <= '9' {
		i++
	}
	f.AckID = string(rest[:i])
	f.Payload = rest[i:]
	return f, nil
}

// DecodeEvent extracts the event name and its first argument from an EVENT payload.
func DecodeEvent(payload []byte) (string, json.RawMessage, error) {
	var args []json.RawMessage
	if err := json.Unmarshal(payload, &args); err != nil {
		return "", nil, fmt.Errorf("socketio: malformed event payload: %w", err)
	}
	if len(args) == 0 {
		return "", nil, errors.New("socketio: event payload without name")
	}

	var name string
	if err := json.Unmarshal(args[0], &name); err != nil {
		return "", nil, fmt.Errorf("socketio: event name is not a string: %w", err)
	}
	if len(args) == 1 {
		return name, nil, nil
	}
	return name, args[1], nil
}

// EncodeEvent builds a "42" EVENT frame for the given namespace.
func EncodeEvent(namespace, name string, data json.RawMessage) ([]byte, error) {
	args := []any{name}
	if len(data) > 0 {
		args = append(args, data)
	}
	body, err := json.Marshal(args)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.WriteByte(EngineMessage)
	buf.WriteByte(SocketEvent)
	writeNamespace(&buf, namespace)
	buf.Write(body)
	return buf.Bytes(), nil
}

// EncodeConnect builds the "40" frame that joins a namespace.
func EncodeConnect(namespace string) []byte {
	var buf bytes.Buffer
	buf.WriteByte(EngineMessage)
	buf.WriteByte(SocketConnect)
	writeNamespace(&buf, namespace)
	return buf.Bytes()
}

// EncodeDisconnect builds the "41" frame that leaves a namespace.
func EncodeDisconnect(namespace string) []byte {
	var buf bytes.Buffer
	buf.WriteByte(EngineMessage)
	buf.WriteByte(SocketDisconnect)
	writeNamespace(&buf, namespace)
	return buf.Bytes()
}

func writeNamespace(buf *bytes.Buffer, namespace string) {
	if namespace == "" || namespace == defaultNamespace {
		return
	}
	if !strings.HasPrefix(namespace, "/") {
		buf.WriteByte('/')
	}
	buf.WriteString(namespace)
	buf.WriteByte(',')
}
