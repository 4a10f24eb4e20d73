package visa

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseResourceRoundTrip(t *testing.T) {
	cases := []string{
		"TCPIP0::192.0.2.10::INSTR",
		"TCPIP0::192.0.2.10::hislip0::INSTR",
		"TCPIP0::192.0.2.10::5025::SOCKET",
		"USB0::0x1AB1::0x0588::DS1ZA123456789::INSTR",
		"USB0::0x1AB1::0x0588::DS1ZA123456789::0::RAW",
		"GPIB0::9::INSTR",
		"GPIB0::9::1::INSTR",
		"ASRL0::INSTR",
	}

	for _, r := range cases {
		t.Run(r, func(t *testing.T) {
			id, err := ParseResource(r)
			require.NoError(t, err)

			canonical := id.Canonicalize()
			id2, err := ParseResource(canonical)
			require.NoError(t, err)

			assert.Equal(t, id, id2, "parse -> canonicalize -> parse must be idempotent (property 1)")
		})
	}
}

func TestParseResourceHiSLIPSelection(t *testing.T) {
	id, err := ParseResource("TCPIP0::192.0.2.10::hislip0::INSTR")
	require.NoError(t, err)
	assert.Equal(t, IOProtocolHiSLIP, id.Protocol)

	id, err = ParseResource("TCPIP0::192.0.2.10::inst0::INSTR")
	require.NoError(t, err)
	assert.Equal(t, IOProtocolVXI11, id.Protocol)

	id, err = ParseResource("TCPIP0::192.0.2.10::INSTR")
	require.NoError(t, err)
	assert.Equal(t, "inst0", id.LANDeviceName)
	assert.Equal(t, IOProtocolVXI11, id.Protocol)
}

func TestParseResourceGPIBSecondary(t *testing.T) {
	id, err := ParseResource("GPIB0::9::1::INSTR")
	require.NoError(t, err)
	assert.Equal(t, 9, id.Primary)
	assert.Equal(t, 1, id.Secondary)

	id, err = ParseResource("GPIB0::9::INSTR")
	require.NoError(t, err)
	assert.Equal(t, -1, id.Secondary)
}

func TestParseResourceMalformed(t *testing.T) {
	_, err := ParseResource("TCPIP0::192.0.2.10")
	assert.Error(t, err)

	_, err = ParseResource("BOGUS0::foo::INSTR")
	assert.Error(t, err)

	_, err = ParseResource("USB0::0x1AB1::INSTR")
	assert.Error(t, err)
}

func TestMatchQuery(t *testing.T) {
	assert.True(t, MatchQuery("GPIB?*::INSTR", "GPIB0::9::INSTR"))
	assert.True(t, MatchQuery("GPIB?*::INSTR", "GPIB0::9::1::INSTR"))
	assert.False(t, MatchQuery("GPIB?*::INSTR", "USB0::0x1AB1::0x0588::SN::INSTR"))
	assert.True(t, MatchQuery("", "TCPIP0::192.0.2.10::INSTR"))
}
