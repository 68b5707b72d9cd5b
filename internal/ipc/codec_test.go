package ipc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONCodecRoundTrips(t *testing.T) {
	c := jsonCodec{}

	want := CapRequest{CapID: 7, Owner: 2, DomainID: 3}

	bs, err := c.Marshal(want)
	require.NoError(t, err)

	var got CapRequest
	require.NoError(t, c.Unmarshal(bs, &got))

	assert.Equal(t, want, got)
}

func TestJSONCodecName(t *testing.T) {
	assert.Equal(t, "json", jsonCodec{}.Name())
}
