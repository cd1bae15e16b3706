package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDerivePortDeterministic(t *testing.T) {
	first := DerivePort("19:meeting_abc@thread.v2", RoleAudio, DefaultPortRange)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, DerivePort("19:meeting_abc@thread.v2", RoleAudio, DefaultPortRange))
	}
	assert.GreaterOrEqual(t, first, 30000)
	assert.Less(t, first, 31000)
}

func TestDerivePortSameForEveryRole(t *testing.T) {
	p := DerivePort("session-1", RoleAudio, DefaultPortRange)
	for _, r := range Roles {
		assert.Equal(t, p, DerivePort("session-1", r, DefaultPortRange))
		assert.Equal(t, p+r.Offset(), ListenPort("session-1", r, DefaultPortRange))
	}
}

func TestDerivePortFallsBackOutsideRange(t *testing.T) {
	outside := PortRange{Base: 40000, Span: 1000, Min: 30000, Max: 31000}
	want := map[Role]int{RoleAudio: 30001, RoleVideo: 30002, RoleScreen: 30003, RoleAudioIn: 30004}
	for r, port := range want {
		assert.Equal(t, port, DerivePort("session-1", r, outside), r.String())
	}
	assert.Equal(t, 30002+1, ListenPort("session-1", RoleVideo, outside))
}

func TestDerivePortZeroSpanUsesDefault(t *testing.T) {
	r := PortRange{Base: 30000, Min: 30000, Max: 31000}
	assert.Equal(t, DerivePort("x", RoleAudio, DefaultPortRange), DerivePort("x", RoleAudio, r))
}

func TestRoleString(t *testing.T) {
	assert.Equal(t, "audio_in", RoleAudioIn.String())
	assert.Equal(t, "role(9)", Role(9).String())
}
