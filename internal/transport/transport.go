// Package transport opens SSH sessions to network devices and executes
// commands on them. Two adapter families are built in: "shell" drives an
// interactive channel with a vendor driver profile (prompt detection, pager
// suppression, error banners), "exec" runs one SSH exec per command and
// suits plain servers. Adapters are compiled in and selected by name.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/tomnet/tom/internal/credentials"
	"github.com/tomnet/tom/internal/tomerr"
)

type (
	// Session is one open connection to a device. Send executes a single
	// command and returns its raw output. Close is idempotent.
	Session interface {
		Send(ctx context.Context, command string, timeout time.Duration) (string, error)
		Close() error
	}

	// Adapter opens sessions. Implementations own connection establishment
	// and error classification; callers own the lease that authorizes the
	// connection.
	Adapter interface {
		Open(ctx context.Context, tgt Target, cred credentials.Pair) (Session, error)
	}

	// Target identifies where and how to connect.
	Target struct {
		Host    string
		Port    int
		Driver  string
		Options map[string]string
	}
)

var (
	regMu    sync.Mutex
	adapters = map[string]Adapter{}
)

// Register makes an adapter available under name.
func Register(name string, a Adapter) {
	regMu.Lock()
	defer regMu.Unlock()
	if _, dup := adapters[name]; dup {
		panic(fmt.Sprintf("transport: duplicate adapter %q", name))
	}
	adapters[name] = a
}

// Get returns the adapter registered under name.
func Get(name string) (Adapter, error) {
	regMu.Lock()
	a, ok := adapters[name]
	regMu.Unlock()
	if !ok {
		return nil, tomerr.New(tomerr.KindValidation, "unknown adapter %q (have %s)", name, strings.Join(Names(), ", "))
	}
	return a, nil
}

// Names lists the registered adapter names, sorted.
func Names() []string {
	regMu.Lock()
	defer regMu.Unlock()
	names := make([]string, 0, len(adapters))
	for n := range adapters {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// dial opens the TCP+SSH connection shared by both adapter families. Errors
// are classified: refused authentication is AUTH_FAILURE (fatal), unresolvable
// hostnames are TRANSPORT_ERROR marked fatal, timeouts are TIMEOUT_ERROR, and
// everything else is transient TRANSPORT_ERROR.
func dial(ctx context.Context, tgt Target, cred credentials.Pair, connectTimeout time.Duration) (*ssh.Client, error) {
	cfg := &ssh.ClientConfig{
		User: cred.Username,
		Auth: []ssh.AuthMethod{
			ssh.Password(cred.Password),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range questions {
					answers[i] = cred.Password
				}
				return answers, nil
			}),
		},
		// Network devices rotate host keys on reimage; pinning is the
		// operator's job via a bastion, not this broker's.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         connectTimeout,
	}
	if ciphers := tgt.Options["ciphers"]; ciphers != "" {
		cfg.Ciphers = strings.Split(ciphers, ",")
	}
	if kex := tgt.Options["kex"]; kex != "" {
		cfg.KeyExchanges = strings.Split(kex, ",")
	}

	addr := net.JoinHostPort(tgt.Host, fmt.Sprint(tgt.Port))
	d := net.Dialer{Timeout: connectTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, classifyDialErr(addr, err)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return nil, classifyDialErr(addr, err)
	}
	return ssh.NewClient(sshConn, chans, reqs), nil
}

func classifyDialErr(addr string, err error) error {
	msg := err.Error()
	var dnsErr *net.DNSError
	switch {
	case strings.Contains(msg, "unable to authenticate"),
		strings.Contains(msg, "no supported methods remain"),
		strings.Contains(msg, "permission denied"):
		return tomerr.New(tomerr.KindAuthFailure, "ssh authentication to %s failed", addr)
	case errors.As(err, &dnsErr) && dnsErr.IsNotFound:
		// A hostname that does not resolve will not resolve on retry either.
		return tomerr.New(tomerr.KindTransportError, "connect to %s: host not found", addr).WithHint(tomerr.RetryFatal)
	case isTimeout(err):
		return tomerr.New(tomerr.KindTimeoutError, "connect to %s timed out", addr)
	default:
		return tomerr.New(tomerr.KindTransportError, "connect to %s: %s", addr, msg)
	}
}

func isTimeout(err error) bool {
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return true
	}
	return strings.Contains(err.Error(), "i/o timeout") ||
		strings.Contains(err.Error(), "context deadline exceeded")
}
