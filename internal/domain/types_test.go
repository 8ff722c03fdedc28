package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDPIDString(t *testing.T) {
	assert.Equal(t, "00-00-00-00-00-01", DPID(1).String())
	assert.Equal(t, "00-00-00-00-01-0a", DPID(0x10a).String())
}

func TestParseDPID(t *testing.T) {
	tests := []struct {
		in      string
		want    DPID
		wantErr bool
	}{
		{in: "00-00-00-00-00-03", want: 3},
		{in: "00:00:00:00:01:0a", want: 0x10a},
		{in: "5", want: 5},
		{in: "", wantErr: true},
		{in: "zz-00", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseDPID(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFrameCloneIsDeep(t *testing.T) {
	f := &Frame{
		Src:  []byte{0, 0, 0, 0, 0, 1},
		IPv4: &IPv4Packet{Protocol: 6},
	}
	c := f.Clone()
	c.Src[5] = 9
	c.IPv4.Protocol = 17

	assert.Equal(t, byte(1), f.Src[5])
	assert.Equal(t, uint8(6), f.IPv4.Protocol)
}

func TestFlowModOutputPort(t *testing.T) {
	fm := &FlowMod{Actions: []Action{SetNWDst{}, Output{Port: 3}}}
	assert.Equal(t, PortNo(3), fm.OutputPort())
	assert.Equal(t, PortNone, (&FlowMod{}).OutputPort())
}
