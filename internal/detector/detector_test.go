package detector

import (
	"net"
	"os"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPIDDetector(t *testing.T) {
	self := PIDDetector{PID: os.Getpid()}
	alive, err := self.Alive()
	require.NoError(t, err)
	assert.True(t, alive)
	assert.Equal(t, "pid:"+strconv.Itoa(os.Getpid()), self.Describe())

	alive, err = PIDDetector{PID: 0}.Alive()
	require.NoError(t, err)
	assert.False(t, alive)
}

func TestPIDDetectorStartTimeMismatch(t *testing.T) {
	start := ProcStartUnix(os.Getpid())
	if start == 0 {
		t.Skip("process start time unavailable on this platform")
	}
	alive, err := PIDDetector{PID: os.Getpid(), StartUnix: start}.Alive()
	require.NoError(t, err)
	assert.True(t, alive)

	alive, err = PIDDetector{PID: os.Getpid(), StartUnix: start - 3600}.Alive()
	require.NoError(t, err)
	assert.False(t, alive, "a different start time means the pid was reused")
}

func TestTCPDetector(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port

	d := TCPDetector{Port: port}
	alive, err := d.Alive()
	require.NoError(t, err)
	assert.True(t, alive)

	require.NoError(t, ln.Close())
	alive, err = d.Alive()
	require.NoError(t, err)
	assert.False(t, alive)
}

type fixed struct {
	ok  bool
	err error
}

func (f fixed) Alive() (bool, error) { return f.ok, f.err }
func (f fixed) Describe() string     { return "fixed" }

func TestCombinators(t *testing.T) {
	ok, _ := Any(fixed{}, fixed{ok: true})
	assert.True(t, ok)
	ok, _ = All(fixed{ok: true}, fixed{})
	assert.False(t, ok)
	ok, _ = All()
	assert.False(t, ok)
}
