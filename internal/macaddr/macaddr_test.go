package macaddr_test

import (
	"errors"
	"testing"

	"github.com/srgg/blesense/internal/macaddr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    macaddr.Addr
		wantErr bool
	}{
		{name: "already canonical", in: "AA:BB:CC:DD:EE:FF", want: "AA:BB:CC:DD:EE:FF"},
		{name: "lowercase with colons", in: "aa:bb:cc:dd:ee:ff", want: "AA:BB:CC:DD:EE:FF"},
		{name: "dash separated", in: "aa-bb-cc-dd-ee-ff", want: "AA:BB:CC:DD:EE:FF"},
		{name: "no separators", in: "aabbccddeeff", want: "AA:BB:CC:DD:EE:FF"},
		{name: "too short", in: "AA:BB:CC", wantErr: true},
		{name: "non-hex", in: "GG:BB:CC:DD:EE:FF", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := macaddr.Normalize(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNormalize_ErrorReasons(t *testing.T) {
	_, err := macaddr.Normalize("AA:BB:CC")
	require.Error(t, err)
	assert.True(t, errors.Is(err, &macaddr.FormatError{Reason: macaddr.WrongLength}))
	assert.False(t, errors.Is(err, &macaddr.FormatError{Reason: macaddr.NonHexOctet}))

	_, err = macaddr.Normalize("GG:BB:CC:DD:EE:FF")
	require.Error(t, err)
	assert.True(t, errors.Is(err, &macaddr.FormatError{Reason: macaddr.NonHexOctet}))
}

func TestLess(t *testing.T) {
	a := macaddr.MustNormalize("AA:00:00:00:00:00")
	b := macaddr.MustNormalize("BB:00:00:00:00:00")
	assert.True(t, macaddr.Less(a, b))
	assert.False(t, macaddr.Less(b, a))
}
