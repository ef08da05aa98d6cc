package transport

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/tomnet/tom/internal/credentials"
	"github.com/tomnet/tom/internal/tomerr"
)

// execAdapter runs each command in its own SSH exec request on a shared
// connection. No PTY, no prompt handling; suited to servers and appliances
// with a non-interactive CLI. A command's exit status does not fail the
// session, its output (stdout and stderr interleaved) is returned as-is.
type execAdapter struct{}

// Open implements Adapter.
func (execAdapter) Open(ctx context.Context, tgt Target, cred credentials.Pair) (Session, error) {
	client, err := dial(ctx, tgt, cred, optDuration(tgt.Options, "connect_timeout_s", defaultConnectTimeout))
	if err != nil {
		return nil, err
	}
	return &execSession{client: client}, nil
}

type execSession struct {
	client *ssh.Client

	mu     sync.Mutex
	closed bool
}

// Send implements Session.
func (s *execSession) Send(ctx context.Context, command string, timeout time.Duration) (string, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", tomerr.New(tomerr.KindTransportError, "session is closed")
	}
	s.mu.Unlock()

	sess, err := s.client.NewSession()
	if err != nil {
		return "", tomerr.New(tomerr.KindTransportError, "open exec channel: %s", err)
	}
	defer sess.Close()

	var out bytes.Buffer
	sess.Stdout = &out
	sess.Stderr = &out

	done := make(chan error, 1)
	go func() { done <- sess.Run(command) }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		sess.Close()
		return "", tomerr.Wrap(tomerr.KindTransportError, ctx.Err())
	case <-timer.C:
		sess.Close()
		return "", tomerr.New(tomerr.KindTimeoutError, "command %q did not finish within %s", command, timeout)
	case err := <-done:
		var exitErr *ssh.ExitError
		if err != nil && !errors.As(err, &exitErr) {
			return "", tomerr.New(tomerr.KindTransportError, "exec %q: %s", command, err)
		}
		return out.String(), nil
	}
}

// Close implements Session; safe to call twice.
func (s *execSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.client.Close()
}
