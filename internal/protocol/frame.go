// Package protocol defines the U-WBP v2 wire frames exchanged between the
// bridge and game-server connectors.
package protocol

import (
	"encoding/json"
	"time"
)

// Version is the only protocol version this bridge speaks.
const Version = "2.0"

// FrameType discriminates the four frame kinds of the envelope.
type FrameType string

const (
	TypeRequest  FrameType = "request"
	TypeResponse FrameType = "response"
	TypeEvent    FrameType = "event"
	TypeSystem   FrameType = "system"
)

// System operations carried by system frames.
const (
	SystemHandshake  = "handshake"
	SystemDisconnect = "disconnect"
	SystemPing       = "ping"
	SystemPong       = "pong"
)

// Request operations the bridge may send to a connector.
const (
	OpCommandExecute  = "command.execute"
	OpWhitelistAdd    = "whitelist.add"
	OpWhitelistRemove = "whitelist.remove"
	OpWhitelistList   = "whitelist.list"
	OpPlayerList      = "player.list"
	OpPlayerInfo      = "player.info"
	OpPlayerKick      = "player.kick"
	OpServerInfo      = "server.info"
	OpServerStatus    = "server.status"
)

// Event operations a connector may push to the bridge.
const (
	EventPlayerJoin    = "player.join"
	EventPlayerLeave   = "player.leave"
	EventPlayerChat    = "player.chat"
	EventPlayerDeath   = "player.death"
	EventServerMetrics = "server.metrics"
	EventServerStatus  = "server.status"
)

// ErrorDetail is the error block of a failed response.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Frame is the envelope for all U-WBP v2 messages.
type Frame struct {
	Type      FrameType       `json:"type"`
	ID        string          `json:"id,omitempty"`
	Op        string          `json:"op,omitempty"`
	SystemOp  string          `json:"systemOp,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Success   *bool           `json:"success,omitempty"`
	Error     *ErrorDetail    `json:"error,omitempty"`
	Timestamp int64           `json:"timestamp"`
	Version   string          `json:"version"`
}

// ParseData unmarshals the data block into the given target.
func (f *Frame) ParseData(target any) error {
	return json.Unmarshal(f.Data, target)
}

// NewRequest builds a request frame with the given correlation id.
func NewRequest(id, op string, data any) (*Frame, error) {
	raw, err := marshalData(data)
	if err != nil {
		return nil, err
	}
	return &Frame{
		Type:      TypeRequest,
		ID:        id,
		Op:        op,
		Data:      raw,
		Timestamp: time.Now().UnixMilli(),
		Version:   Version,
	}, nil
}

// NewResponse builds a response frame correlated to a request.
func NewResponse(id, op string, success bool, data any, detail *ErrorDetail) (*Frame, error) {
	raw, err := marshalData(data)
	if err != nil {
		return nil, err
	}
	return &Frame{
		Type:      TypeResponse,
		ID:        id,
		Op:        op,
		Data:      raw,
		Success:   &success,
		Error:     detail,
		Timestamp: time.Now().UnixMilli(),
		Version:   Version,
	}, nil
}

// NewEvent builds an uncorrelated event frame.
func NewEvent(op string, data any) (*Frame, error) {
	raw, err := marshalData(data)
	if err != nil {
		return nil, err
	}
	return &Frame{
		Type:      TypeEvent,
		Op:        op,
		Data:      raw,
		Timestamp: time.Now().UnixMilli(),
		Version:   Version,
	}, nil
}

// NewSystem builds a system frame. Ping and pong frames omit the id.
func NewSystem(id, systemOp string, data any) (*Frame, error) {
	raw, err := marshalData(data)
	if err != nil {
		return nil, err
	}
	return &Frame{
		Type:      TypeSystem,
		ID:        id,
		SystemOp:  systemOp,
		Data:      raw,
		Timestamp: time.Now().UnixMilli(),
		Version:   Version,
	}, nil
}

func marshalData(data any) (json.RawMessage, error) {
	if data == nil {
		return nil, nil
	}
	if raw, ok := data.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(data)
}

// Handshake is the data block of the opening system/handshake frame.
type Handshake struct {
	ProtocolVersion string     `json:"protocolVersion"`
	ServerType      string     `json:"serverType"`
	ServerID        string     `json:"serverId"`
	Token           string     `json:"token"`
	ServerInfo      ServerInfo `json:"serverInfo"`
}

// ServerInfo describes the connector and the game server behind it.
type ServerInfo struct {
	Name         string   `json:"name"`
	Version      string   `json:"version"`
	CoreType     string   `json:"coreType"`
	CoreName     string   `json:"coreName"`
	Capabilities []string `json:"capabilities"`
}

// HandshakeAck is the data block of the handshake acknowledgement.
type HandshakeAck struct {
	Success      bool     `json:"success"`
	Reason       string   `json:"reason,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// CommandResult is the data block of a successful command.execute response.
type CommandResult struct {
	Success       bool     `json:"success"`
	Output        []string `json:"output"`
	ExecutionTime int64    `json:"executionTime"`
	ExitCode      *int     `json:"exitCode,omitempty"`
}
