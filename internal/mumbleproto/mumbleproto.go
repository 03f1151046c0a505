// Package mumbleproto provides the seam between the engine and the Mumble
// control-channel protobuf messages. The protobuf wire serializer itself is
// an external collaborator (out of scope, interface-only, per the CLI/config
// boundary this client draws): this package supplies the message-type table
// the 6-byte TLS frame header refers to, plain Go structs carrying the
// fields the engine actually reads or writes, and the Codec interface a real
// generated-protobuf implementation plugs into.
package mumbleproto

import "fmt"

// Type is a control-channel message type, carried as the first two bytes of
// every TLS frame header.
type Type uint16

// The full set Mumble 1.2.x's wire protocol defines, in wire-id order.
const (
	TypeVersion Type = iota
	TypeUDPTunnel
	TypeAuthenticate
	TypePing
	TypeReject
	TypeServerSync
	TypeChannelRemove
	TypeChannelState
	TypeUserRemove
	TypeUserState
	TypeBanList
	TypeTextMessage
	TypePermissionDenied
	TypeACL
	TypeQueryUsers
	TypeCryptSetup
	TypeContextActionAdd
	TypeContextAction
	TypeUserList
	TypeVoiceTarget
	TypePermissionQuery
	TypeCodecVersion
	TypeUserStats
	TypeRequestBlob
	TypeServerConfig
	TypeSuggestConfig
)

var typeNames = [...]string{
	"Version", "UDPTunnel", "Authenticate", "Ping", "Reject", "ServerSync",
	"ChannelRemove", "ChannelState", "UserRemove", "UserState", "BanList",
	"TextMessage", "PermissionDenied", "ACL", "QueryUsers", "CryptSetup",
	"ContextActionAdd", "ContextAction", "UserList", "VoiceTarget",
	"PermissionQuery", "CodecVersion", "UserStats", "RequestBlob",
	"ServerConfig", "SuggestConfig",
}

// String returns the message type's protocol name, or "Unknown(n)" for a
// type id outside the known set.
func (t Type) String() string {
	if int(t) < len(typeNames) {
		return typeNames[t]
	}
	return fmt.Sprintf("Unknown(%d)", uint16(t))
}

// Known reports whether t is one of the message types this client
// recognizes. Frames of an unrecognized type are dropped by the wire layer.
func (t Type) Known() bool {
	return int(t) < len(typeNames)
}

// Codec is the seam a real protobuf implementation (mumble-proto generated
// code, or a protobuf-c-backed cgo shim, depending on deployment) satisfies.
// Pack/Unpack operate on the payload that follows the 6-byte TLS frame
// header; the message type itself is carried separately by Wire.
type Codec interface {
	Pack(msg any) (Type, []byte, error)
	Unpack(t Type, payload []byte) (any, error)
}

// ErrNoCodec is returned by StubCodec for every call.
var ErrNoCodec = fmt.Errorf("mumbleproto: no protobuf codec configured")

// StubCodec satisfies Codec by rejecting every message. It exists, like
// codec.StubLoader, so the engine and everything wired to it can be built
// and tested without a real generated-protobuf implementation; a deployment
// that needs to actually talk to a Mumble server supplies its own Codec.
type StubCodec struct{}

func (StubCodec) Pack(any) (Type, []byte, error)   { return 0, nil, ErrNoCodec }
func (StubCodec) Unpack(Type, []byte) (any, error) { return nil, ErrNoCodec }

// Version carries the fields the engine sends in the initial handshake and
// receives back from the server.
type Version struct {
	Version   uint32
	Release   string
	OS        string
	OSVersion string
}

// PackVersion folds a MAJOR.MINOR.PATCH triple into the 32-bit packed form
// the wire protocol uses: (major<<16)|(minor<<8)|patch.
func PackVersion(major, minor, patch uint8) uint32 {
	return uint32(major)<<16 | uint32(minor)<<8 | uint32(patch)
}

// UnpackVersion is PackVersion's inverse.
func UnpackVersion(v uint32) (major, minor, patch uint8) {
	return uint8(v >> 16), uint8(v >> 8), uint8(v)
}

// VersionString renders a packed version as "MAJOR.MINOR.PATCH".
func VersionString(v uint32) string {
	major, minor, patch := UnpackVersion(v)
	return fmt.Sprintf("%d.%d.%d", major, minor, patch)
}

// Authenticate carries the client's login credentials and its codec
// capability list (the bitstream versions CodecRegistry resolved at
// startup), sent once right after Version.
type Authenticate struct {
	Username     string
	Password     string
	CeltVersions []int32
	Opus         bool
}

// Ping mirrors the periodic keepalive exchanged every 5s in both directions,
// carrying the crypto and connection-quality counters the link-quality
// policy reads.
type Ping struct {
	Timestamp                          uint64
	Good, Late, Lost, Resync           uint32
	UDPPacketsSent, UDPPacketsReceived uint32
}

// Reject carries the server's refusal to admit the session.
type Reject struct {
	Type   string
	Reason string
}

// ServerSync is sent once the server admits the client; Session is the
// client's own 32-bit session id going forward.
type ServerSync struct {
	Session      uint32
	MaxBandwidth int64
	WelcomeText  string
	Permissions  int64
}

// CryptSetup carries the OCB2 session key and IVs on first connect, or is
// sent empty by either side to request a resync.
type CryptSetup struct {
	Key, ClientNonce, ServerNonce []byte
}

// CodecVersion advertises the server's preferred CELT bitstream "slots".
type CodecVersion struct {
	Alpha, Beta int32
	PreferAlpha bool
}

// ServerConfig carries the bandwidth ceiling the Engine's bandwidth
// adaptation logic reacts to.
type ServerConfig struct {
	MaxBandwidth int64
	AllowHTML    bool
}

// ChannelState and ChannelRemove mirror the Directory's channel lifecycle
// events.
type ChannelState struct {
	ChannelID   uint32
	Parent      *uint32
	Name        *string
	Description *string
	Temporary   bool
	Position    *int32
}

type ChannelRemove struct {
	ChannelID uint32
}

// UserState and UserRemove mirror the Directory's user lifecycle events.
type UserState struct {
	Session            uint32
	Name               *string
	UserID             *uint32
	ChannelID          *uint32
	Mute, Deaf         *bool
	SelfMute, SelfDeaf *bool
	Suppress           *bool
	Recording          *bool
}

type UserRemove struct {
	Session uint32
	Actor   *uint32
	Reason  string
	Ban     bool
}

// UserStats carries the raw advertised address the Directory's UserStats
// handler reduces to a dotted-quad IPv4 string.
type UserStats struct {
	Session uint32
	Address []byte
}

// PermissionDenied reports a server-side refusal of an action the client
// attempted (joining a channel, claiming a voice target, ...).
type PermissionDenied struct {
	Type   uint32
	Reason string
}

// TextMessage is the chat/command channel the Controller reads.
type TextMessage struct {
	Actor      uint32
	Sessions   []uint32
	ChannelIDs []uint32
	Message    string
}

// VoiceTarget claims one of the server's indexed whisper/shout routing
// slots. A target may name a channel, a set of sessions, or both a channel
// and the sub-channel/link-following flags that qualify it.
type VoiceTarget struct {
	ID      uint32
	Targets []VoiceTargetEntry
}

// VoiceTargetEntry is one routing rule within a VoiceTarget message.
type VoiceTargetEntry struct {
	Sessions  []uint32
	ChannelID *uint32
	Group     string
	Links     bool
	Children  bool
}
