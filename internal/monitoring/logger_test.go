package monitoring

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSetLogger(t *testing.T) {
	original := Logf
	defer func() { Logf = original }()

	var got []string
	SetLogger(func(format string, v ...interface{}) {
		got = append(got, fmt.Sprintf(format, v...))
	})
	Logf("fused %d points", 12)
	assert.Equal(t, []string{"fused 12 points"}, got)

	// nil installs a no-op logger
	SetLogger(nil)
	Logf("dropped")
	assert.Len(t, got, 1)
}

func TestDebugf_Gated(t *testing.T) {
	original := Logf
	defer func() {
		Logf = original
		SetDebug(false)
	}()

	calls := 0
	SetLogger(func(string, ...interface{}) { calls++ })

	SetDebug(false)
	Debugf("hidden")
	assert.Equal(t, 0, calls)
	assert.False(t, DebugEnabled())

	SetDebug(true)
	Debugf("shown %s", "now")
	assert.Equal(t, 1, calls)
	assert.True(t, DebugEnabled())
}
