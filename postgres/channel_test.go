package postgres

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kode4food/muster"
)

func TestChannelName(t *testing.T) {
	assert.Equal(t, "muster:events:e1", channelName("muster", "e1"))

	id := muster.ID("0b5f8f62-8d2c-4c8e-9a55-3f1f6f1d2b7a")
	prefix := strings.Repeat("p", MaxPrefixLength)
	name := channelName(prefix, id)
	assert.LessOrEqual(t, len(name), MaxNameLength)
	assert.True(t, strings.HasPrefix(name, prefix+":"))
	assert.Equal(t, name, channelName(prefix, id))
	assert.NotEqual(t, name, channelName(prefix, id+"x"))

	short := channelName("muster_test_123456_7", id)
	assert.LessOrEqual(t, len(short), MaxNameLength)
}
