// Package protocol defines the discovery wire messages and their
// MessagePack encoding, plus the short-code format shared by direct
// pairing and server invites.
package protocol

import (
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

const (
	// Version is the current discovery protocol version.
	Version = 1
	// MaxDatagramSize is the maximum accepted discovery datagram size.
	MaxDatagramSize = 8 * 1024
)

const (
	TypeDiscovery             = "discovery"
	TypeDiscoveryResponse     = "discovery_response"
	TypePing                  = "ping"
	TypePong                  = "pong"
	TypeConnectByCode         = "connect_by_code"
	TypeConnectByCodeResponse = "connect_by_code_response"
	TypeFriendRequest         = "friend_request"
)

var (
	// ErrUnknownMessage indicates an unrecognized message type tag.
	ErrUnknownMessage = errors.New("protocol: unknown message type")
	// ErrDatagramTooLarge indicates payload exceeds MaxDatagramSize.
	ErrDatagramTooLarge = errors.New("protocol: datagram exceeds max size")
)

// Message is the closed set of discovery wire messages.
type Message interface {
	messageType() string
}

// MessageType returns the wire type tag of a decoded message.
func MessageType(m Message) string {
	return m.messageType()
}

// Envelope identifies the message type before full decoding.
type Envelope struct {
	Type string `msgpack:"type"`
}

// PeerRecord is the peer description embedded in responses and
// connect-by-code exchanges. The address is deliberately absent: receivers
// always take it from the observed UDP source.
type PeerRecord struct {
	PeerID        string            `msgpack:"peer_id"`
	Nickname      string            `msgpack:"nickname,omitempty"`
	AppVersion    string            `msgpack:"app_version"`
	TCPPort       int               `msgpack:"tcp_port"`
	Modpacks      map[string]string `msgpack:"modpacks,omitempty"`
	CurrentServer string            `msgpack:"current_server,omitempty"`
}

// Discovery is the periodic presence broadcast.
type Discovery struct {
	Type            string `msgpack:"type"`
	ProtocolVersion int    `msgpack:"protocol_version"`
	PeerID          string `msgpack:"peer_id"`
	Nickname        string `msgpack:"nickname,omitempty"`
	AppVersion      string `msgpack:"app_version"`
	TCPPort         int    `msgpack:"tcp_port"`
}

// DiscoveryResponse answers a Discovery broadcast with the full peer record.
type DiscoveryResponse struct {
	Type            string     `msgpack:"type"`
	ProtocolVersion int        `msgpack:"protocol_version"`
	Peer            PeerRecord `msgpack:"peer"`
}

// Ping requests a Pong echo, carrying the sender's send timestamp.
type Ping struct {
	Type            string `msgpack:"type"`
	ProtocolVersion int    `msgpack:"protocol_version"`
	PeerID          string `msgpack:"peer_id"`
	Timestamp       int64  `msgpack:"timestamp"`
}

// Pong echoes a Ping's timestamp.
type Pong struct {
	Type            string `msgpack:"type"`
	ProtocolVersion int    `msgpack:"protocol_version"`
	PeerID          string `msgpack:"peer_id"`
	Timestamp       int64  `msgpack:"timestamp"`
}

// ConnectByCode asks the owner of a short code to identify itself.
type ConnectByCode struct {
	Type            string     `msgpack:"type"`
	ProtocolVersion int        `msgpack:"protocol_version"`
	Code            string     `msgpack:"code"`
	Requester       PeerRecord `msgpack:"requester"`
}

// ConnectByCodeResponse is sent only by the peer whose short code matched.
type ConnectByCodeResponse struct {
	Type            string     `msgpack:"type"`
	ProtocolVersion int        `msgpack:"protocol_version"`
	Code            string     `msgpack:"code"`
	Success         bool       `msgpack:"success"`
	Peer            PeerRecord `msgpack:"peer"`
}

// FriendRequest is an opaque payload relayed to the trust layer untouched.
type FriendRequest struct {
	Type            string `msgpack:"type"`
	ProtocolVersion int    `msgpack:"protocol_version"`
	FromPeerID      string `msgpack:"from_peer_id"`
	Payload         []byte `msgpack:"payload"`
}

func (Discovery) messageType() string             { return TypeDiscovery }
func (DiscoveryResponse) messageType() string     { return TypeDiscoveryResponse }
func (Ping) messageType() string                  { return TypePing }
func (Pong) messageType() string                  { return TypePong }
func (ConnectByCode) messageType() string         { return TypeConnectByCode }
func (ConnectByCodeResponse) messageType() string { return TypeConnectByCodeResponse }
func (FriendRequest) messageType() string         { return TypeFriendRequest }

// Encode stamps the type tag and protocol version and marshals the message.
func Encode(msg Message) ([]byte, error) {
	switch m := msg.(type) {
	case Discovery:
		m.Type, m.ProtocolVersion = TypeDiscovery, Version
		return msgpack.Marshal(m)
	case DiscoveryResponse:
		m.Type, m.ProtocolVersion = TypeDiscoveryResponse, Version
		return msgpack.Marshal(m)
	case Ping:
		m.Type, m.ProtocolVersion = TypePing, Version
		return msgpack.Marshal(m)
	case Pong:
		m.Type, m.ProtocolVersion = TypePong, Version
		return msgpack.Marshal(m)
	case ConnectByCode:
		m.Type, m.ProtocolVersion = TypeConnectByCode, Version
		return msgpack.Marshal(m)
	case ConnectByCodeResponse:
		m.Type, m.ProtocolVersion = TypeConnectByCodeResponse, Version
		return msgpack.Marshal(m)
	case FriendRequest:
		m.Type, m.ProtocolVersion = TypeFriendRequest, Version
		return msgpack.Marshal(m)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownMessage, msg)
	}
}

// Decode parses a datagram into its concrete message. Malformed input and
// unknown type tags return an error; the receive loop drops such datagrams.
func Decode(data []byte) (Message, error) {
	if len(data) > MaxDatagramSize {
		return nil, ErrDatagramTooLarge
	}

	var env Envelope
	if err := msgpack.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}

	switch env.Type {
	case TypeDiscovery:
		var m Discovery
		if err := msgpack.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		return m, nil
	case TypeDiscoveryResponse:
		var m DiscoveryResponse
		if err := msgpack.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		return m, nil
	case TypePing:
		var m Ping
		if err := msgpack.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		return m, nil
	case TypePong:
		var m Pong
		if err := msgpack.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		return m, nil
	case TypeConnectByCode:
		var m ConnectByCode
		if err := msgpack.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		return m, nil
	case TypeConnectByCodeResponse:
		var m ConnectByCodeResponse
		if err := msgpack.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		return m, nil
	case TypeFriendRequest:
		var m FriendRequest
		if err := msgpack.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		return m, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessage, env.Type)
	}
}
