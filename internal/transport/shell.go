package transport

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/tomnet/tom/internal/credentials"
	"github.com/tomnet/tom/internal/tomerr"
)

func init() {
	Register("shell", shellAdapter{})
	Register("exec", execAdapter{})
}

// shellAdapter drives an interactive PTY channel. One channel serves every
// command of a session, which network OSes require for pager and terminal
// settings to stick.
type shellAdapter struct{}

const (
	defaultConnectTimeout = 15 * time.Second
	defaultPromptTimeout  = 15 * time.Second
)

// Open implements Adapter.
func (shellAdapter) Open(ctx context.Context, tgt Target, cred credentials.Pair) (Session, error) {
	client, err := dial(ctx, tgt, cred, optDuration(tgt.Options, "connect_timeout_s", defaultConnectTimeout))
	if err != nil {
		return nil, err
	}
	sess, err := client.NewSession()
	if err != nil {
		client.Close()
		return nil, tomerr.New(tomerr.KindTransportError, "open channel to %s: %s", tgt.Host, err)
	}
	modes := ssh.TerminalModes{ssh.ECHO: 1, ssh.OCRNL: 0}
	if err := sess.RequestPty("vt100", 0, 511, modes); err != nil {
		sess.Close()
		client.Close()
		return nil, tomerr.New(tomerr.KindTransportError, "request pty on %s: %s", tgt.Host, err)
	}
	stdin, err := sess.StdinPipe()
	if err == nil {
		var stdout io.Reader
		stdout, err = sess.StdoutPipe()
		if err == nil {
			if err = sess.Shell(); err == nil {
				s := &shellSession{
					client:  client,
					sess:    sess,
					stdin:   stdin,
					profile: profileFor(tgt.Driver),
					chunks:  pump(stdout),
				}
				if err := s.settle(ctx, tgt); err != nil {
					s.Close()
					return nil, err
				}
				return s, nil
			}
		}
	}
	sess.Close()
	client.Close()
	return nil, tomerr.New(tomerr.KindTransportError, "start shell on %s: %s", tgt.Host, err)
}

// settle waits for the login banner to reach a prompt and switches the
// pager off.
func (s *shellSession) settle(ctx context.Context, tgt Target) error {
	promptTimeout := optDuration(tgt.Options, "prompt_timeout_s", defaultPromptTimeout)
	if _, err := waitPrompt(ctx, s.chunks, s.profile, promptTimeout); err != nil {
		return err
	}
	for _, cmd := range s.profile.pagerOff {
		if _, err := s.Send(ctx, cmd, promptTimeout); err != nil {
			return err
		}
	}
	return nil
}

type shellSession struct {
	client  *ssh.Client
	sess    *ssh.Session
	stdin   io.WriteCloser
	profile driverProfile
	chunks  <-chan []byte

	mu     sync.Mutex
	closed bool
}

// pump feeds stdout reads into a channel so prompt waits can time out. The
// goroutine exits when the channel read side fails, which Close triggers.
func pump(r io.Reader) <-chan []byte {
	out := make(chan []byte, 16)
	go func() {
		defer close(out)
		for {
			buf := make([]byte, 4096)
			n, err := r.Read(buf)
			if n > 0 {
				out <- buf[:n]
			}
			if err != nil {
				return
			}
		}
	}()
	return out
}

// Send implements Session. It writes the command, collects output until the
// device prompt reappears, strips the echo and the prompt, and checks the
// driver's error banners.
func (s *shellSession) Send(ctx context.Context, command string, timeout time.Duration) (string, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", tomerr.New(tomerr.KindTransportError, "session is closed")
	}
	s.mu.Unlock()

	if _, err := io.WriteString(s.stdin, command+"\n"); err != nil {
		return "", tomerr.New(tomerr.KindTransportError, "write command: %s", err)
	}
	raw, err := waitPrompt(ctx, s.chunks, s.profile, timeout)
	if err != nil {
		return "", err
	}
	return cleanOutput(raw, command, s.profile)
}

// Close implements Session; safe to call twice.
func (s *shellSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.sess != nil {
		s.sess.Close()
	}
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

// waitPrompt accumulates chunks until the buffer ends with the driver's
// prompt, the timeout fires, or ctx is canceled.
func waitPrompt(ctx context.Context, chunks <-chan []byte, profile driverProfile, timeout time.Duration) (string, error) {
	var sb strings.Builder
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return "", tomerr.Wrap(tomerr.KindTransportError, ctx.Err())
		case <-timer.C:
			return "", tomerr.New(tomerr.KindTimeoutError, "no prompt within %s", timeout)
		case chunk, ok := <-chunks:
			if !ok {
				return "", tomerr.New(tomerr.KindTransportError, "connection closed while waiting for prompt")
			}
			sb.Write(chunk)
			if endsWithPrompt(sb.String(), profile) {
				return sb.String(), nil
			}
		}
	}
}

func endsWithPrompt(buf string, profile driverProfile) bool {
	trimmed := strings.TrimRight(buf, " \t")
	locs := profile.prompt.FindAllStringIndex(trimmed, -1)
	return len(locs) > 0 && locs[len(locs)-1][1] == len(trimmed)
}

// cleanOutput strips the echoed command and the trailing prompt line from
// raw channel output and surfaces driver error banners. A banner means the
// device rejected the command text, which retrying cannot fix.
func cleanOutput(raw, command string, profile driverProfile) (string, error) {
	out := strings.ReplaceAll(raw, "\r\n", "\n")
	out = strings.ReplaceAll(out, "\r", "")
	lines := strings.Split(out, "\n")
	if len(lines) > 0 && strings.Contains(lines[0], strings.TrimSpace(command)) {
		lines = lines[1:]
	}
	if n := len(lines); n > 0 {
		trimmed := strings.TrimRight(lines[n-1], " \t")
		if profile.prompt.MatchString(trimmed) {
			lines = lines[:n-1]
		}
	}
	cleaned := strings.TrimRight(strings.Join(lines, "\n"), "\n")
	for _, banner := range profile.errors {
		if banner.MatchString(cleaned) {
			return "", tomerr.New(tomerr.KindTransportError,
				"device rejected command %q: %s", command, firstLine(banner.FindString(cleaned))).
				WithHint(tomerr.RetryFatal)
		}
	}
	return cleaned, nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func optDuration(opts map[string]string, key string, def time.Duration) time.Duration {
	if v := opts[key]; v != "" {
		var secs int
		if _, err := fmt.Sscanf(v, "%d", &secs); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return def
}
