package transport

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomnet/tom/internal/tomerr"
)

func TestRegistryHasBothFamilies(t *testing.T) {
	for _, name := range []string{"shell", "exec"} {
		a, err := Get(name)
		require.NoError(t, err)
		assert.NotNil(t, a)
	}
	_, err := Get("telnet")
	require.Error(t, err)
	assert.Equal(t, tomerr.KindValidation, tomerr.KindOf(err))
}

func TestPromptDetection(t *testing.T) {
	ios := profileFor("cisco_ios")
	assert.True(t, endsWithPrompt("some output\nrtr1#", ios))
	assert.True(t, endsWithPrompt("banner\nrtr1> ", ios))
	assert.False(t, endsWithPrompt("still streaming output", ios))
	assert.False(t, endsWithPrompt("rtr1#\nmore output", ios))

	junos := profileFor("juniper_junos")
	assert.True(t, endsWithPrompt("output\nuser@mx1> ", junos))

	// Unknown drivers get the permissive generic prompt.
	generic := profileFor("acme_os")
	assert.True(t, endsWithPrompt("hi\ndevice$ ", generic))
}

func TestWaitPromptAssemblesChunks(t *testing.T) {
	chunks := make(chan []byte, 4)
	chunks <- []byte("Gigabit")
	chunks <- []byte("Ethernet1 is up\r\n")
	chunks <- []byte("rtr1#")

	out, err := waitPrompt(context.Background(), chunks, profileFor("cisco_ios"), time.Second)
	require.NoError(t, err)
	assert.Contains(t, out, "GigabitEthernet1 is up")
}

func TestWaitPromptTimeout(t *testing.T) {
	chunks := make(chan []byte)
	_, err := waitPrompt(context.Background(), chunks, profileFor("cisco_ios"), 20*time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, tomerr.KindTimeoutError, tomerr.KindOf(err))
}

func TestWaitPromptClosedConnection(t *testing.T) {
	chunks := make(chan []byte)
	close(chunks)
	_, err := waitPrompt(context.Background(), chunks, profileFor("cisco_ios"), time.Second)
	require.Error(t, err)
	assert.Equal(t, tomerr.KindTransportError, tomerr.KindOf(err))
}

func TestCleanOutputStripsEchoAndPrompt(t *testing.T) {
	raw := "show version\r\nCisco IOS Software, Version 15.2\r\nrtr1#"
	out, err := cleanOutput(raw, "show version", profileFor("cisco_ios"))
	require.NoError(t, err)
	assert.Equal(t, "Cisco IOS Software, Version 15.2", out)
}

func TestCleanOutputErrorBannerIsFatal(t *testing.T) {
	raw := "show verison\r\n% Invalid input detected at '^' marker.\r\nrtr1#"
	_, err := cleanOutput(raw, "show verison", profileFor("cisco_ios"))
	require.Error(t, err)
	assert.Equal(t, tomerr.KindTransportError, tomerr.KindOf(err))
	assert.Equal(t, tomerr.RetryFatal, tomerr.HintOf(err))
}

func TestCleanOutputLinuxHasNoBanners(t *testing.T) {
	raw := "uname -a\nLinux srv1 6.1.0 x86_64 GNU/Linux\nops@srv1:~$ "
	out, err := cleanOutput(raw, "uname -a", profileFor("linux"))
	require.NoError(t, err)
	assert.Equal(t, "Linux srv1 6.1.0 x86_64 GNU/Linux", out)
}

func TestClassifyDialErr(t *testing.T) {
	err := classifyDialErr("h:22", errors.New("ssh: handshake failed: ssh: unable to authenticate, attempted methods [none password]"))
	assert.Equal(t, tomerr.KindAuthFailure, tomerr.KindOf(err))
	assert.Equal(t, tomerr.RetryFatal, tomerr.HintOf(err))

	err = classifyDialErr("h:22", &net.OpError{Op: "dial", Err: &timeoutErr{}})
	assert.Equal(t, tomerr.KindTimeoutError, tomerr.KindOf(err))

	// Unresolvable hostnames do not become resolvable on retry.
	err = classifyDialErr("no-such-router.example.net:22", &net.OpError{
		Op:  "dial",
		Err: &net.DNSError{Err: "no such host", Name: "no-such-router.example.net", IsNotFound: true},
	})
	assert.Equal(t, tomerr.KindTransportError, tomerr.KindOf(err))
	assert.Equal(t, tomerr.RetryFatal, tomerr.HintOf(err))

	err = classifyDialErr("h:22", errors.New("connection refused"))
	assert.Equal(t, tomerr.KindTransportError, tomerr.KindOf(err))
	assert.Equal(t, tomerr.RetryTransient, tomerr.HintOf(err))
}

type timeoutErr struct{}

func (*timeoutErr) Error() string   { return "i/o timeout" }
func (*timeoutErr) Timeout() bool   { return true }
func (*timeoutErr) Temporary() bool { return true }

func TestOptDuration(t *testing.T) {
	opts := map[string]string{"connect_timeout_s": "3", "bad": "x"}
	assert.Equal(t, 3*time.Second, optDuration(opts, "connect_timeout_s", time.Minute))
	assert.Equal(t, time.Minute, optDuration(opts, "bad", time.Minute))
	assert.Equal(t, time.Minute, optDuration(opts, "absent", time.Minute))
}
