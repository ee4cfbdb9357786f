package debug

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func capture(t *testing.T) *bytes.Buffer {
	t.Helper()
	oldOut, oldEnv := out, fromEnv
	oldVerbose, oldQuiet := verbose.Load(), quiet.Load()
	t.Cleanup(func() {
		out, fromEnv = oldOut, oldEnv
		verbose.Store(oldVerbose)
		quiet.Store(oldQuiet)
	})
	buf := &bytes.Buffer{}
	out = buf
	fromEnv = false
	verbose.Store(false)
	quiet.Store(false)
	return buf
}

func TestEnabled(t *testing.T) {
	capture(t)
	assert.False(t, Enabled())

	SetVerbose(true)
	assert.True(t, Enabled())

	SetVerbose(false)
	fromEnv = true
	assert.True(t, Enabled())
}

func TestLogf(t *testing.T) {
	buf := capture(t)

	Logf("assign report %d\n", 7)
	assert.Empty(t, buf.String())

	SetVerbose(true)
	Logf("assign report %d\n", 7)
	assert.Equal(t, "assign report 7\n", buf.String())

	buf.Reset()
	SetQuiet(true)
	assert.True(t, IsQuiet())
	Logf("hidden\n")
	assert.Empty(t, buf.String())
}
