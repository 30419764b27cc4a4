package history

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMessageID_NativeIDIsStable(t *testing.T) {
	ts := time.UnixMilli(1700000000000)
	a := MessageID("onebot", "10001", "g1", "987", ts)
	b := MessageID("onebot", "10001", "g1", "987", ts.Add(time.Hour))
	assert.Equal(t, "onebot:10001:g1:987", a)
	assert.Equal(t, a, b)
}

func TestMessageID_SyntheticWhenNativeMissing(t *testing.T) {
	ts := time.UnixMilli(1700000000000)
	a := MessageID("telegram", "bot", "c1", "", ts)
	b := MessageID("telegram", "bot", "c1", "  ", ts)
	assert.True(t, strings.HasPrefix(a, "telegram:bot:c1:1700000000000:"))
	assert.NotEqual(t, a, b)
}

func TestEnsureID(t *testing.T) {
	m := StoredMessage{Platform: "p", SelfID: "s", ChannelID: "c", MessageID: "m"}
	EnsureID(&m)
	assert.Equal(t, "p:s:c:m", m.ID)

	m.ID = "keep"
	EnsureID(&m)
	assert.Equal(t, "keep", m.ID)
}
