package transport

import (
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// Role names one of the four channels a session exposes.
type Role int

const (
	RoleAudio Role = iota
	RoleVideo
	RoleScreen
	RoleAudioIn
)

// Roles lists every channel in offset order.
var Roles = []Role{RoleAudio, RoleVideo, RoleScreen, RoleAudioIn}

func (r Role) String() string {
	switch r {
	case RoleAudio:
		return "audio"
	case RoleVideo:
		return "video"
	case RoleScreen:
		return "screen"
	case RoleAudioIn:
		return "audio_in"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

// Inbound reports whether the external process sends on this channel.
// Every other channel only carries bridge output.
func (r Role) Inbound() bool { return r == RoleAudioIn }

// Offset is added to the derived port so that the four channels of one
// session do not share a port.
func (r Role) Offset() int { return int(r) }

// DefaultPort is used when the derived port falls outside the valid range.
func (r Role) DefaultPort() int { return 30001 + int(r) }

// PortRange parameterises port derivation.
type PortRange struct {
	Base int `yaml:"base"`
	Span int `yaml:"span"`
	Min  int `yaml:"min"`
	Max  int `yaml:"max"`
}

// DefaultPortRange maps sessions onto 30000-30999.
var DefaultPortRange = PortRange{Base: 30000, Span: 1000, Min: 30000, Max: 31000}

// DerivePort maps a session id to a port: base + xxhash64(id) mod span. A
// result outside [Min, Max] falls back to the role's default port. Two
// sessions can land on the same port; nothing coordinates between them.
func DerivePort(sessionID string, role Role, r PortRange) int {
	span := r.Span
	if span <= 0 {
		span = DefaultPortRange.Span
	}
	port := r.Base + int(xxhash.Sum64String(sessionID)%uint64(span))
	if port < r.Min || port > r.Max {
		return role.DefaultPort()
	}
	return port
}

// ListenPort is the port the role's endpoint binds: the derived port plus the
// role offset. The offset also applies to the fallback port.
func ListenPort(sessionID string, role Role, r PortRange) int {
	return DerivePort(sessionID, role, r) + role.Offset()
}
