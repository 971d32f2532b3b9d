package configure

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublisherKeysLocal(t *testing.T) {
	keys, err := NewPublisherKeys("", "", testLogger())
	require.NoError(t, err)
	assert.False(t, keys.Shared())

	ok, err := keys.Claim("mystream", "conn-a")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = keys.Claim("mystream", "conn-b")
	require.NoError(t, err)
	assert.False(t, ok, "second publisher is refused")

	owner, found, err := keys.Owner("mystream")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "conn-a", owner)

	require.NoError(t, keys.Release("mystream", "conn-b"))
	_, found, _ = keys.Owner("mystream")
	assert.True(t, found, "release by a non owner is ignored")

	require.NoError(t, keys.Release("mystream", "conn-a"))
	_, found, _ = keys.Owner("mystream")
	assert.False(t, found)

	ok, err = keys.Claim("mystream", "conn-b")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, keys.Close())
}

func TestPublisherKeysRedisUnreachable(t *testing.T) {
	_, err := NewPublisherKeys("127.0.0.1:1", "", testLogger())
	assert.Error(t, err)
}
