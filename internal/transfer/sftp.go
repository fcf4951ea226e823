package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/loykin/fielddaq/internal/config"
	"github.com/loykin/fielddaq/internal/daqerr"
)

// SFTPRemote uploads over SSH file transfer.
type SFTPRemote struct {
	Addr    string
	SSH     *ssh.ClientConfig
	Timeout time.Duration
}

// NewSFTPRemote builds the SSH client configuration: key file and/or
// password authentication, host keys from known_hosts unless explicitly
// disabled.
func NewSFTPRemote(c config.SFTPConfig, timeout time.Duration) (*SFTPRemote, error) {
	var auth []ssh.AuthMethod
	if c.KeyFile != "" {
		pem, err := os.ReadFile(c.KeyFile)
		if err != nil {
			return nil, daqerr.Config("sftp key", c.KeyFile, err)
		}
		signer, err := ssh.ParsePrivateKey(pem)
		if err != nil {
			return nil, daqerr.Config("sftp key", c.KeyFile, err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if c.Password != "" {
		auth = append(auth, ssh.Password(c.Password))
	}
	if len(auth) == 0 {
		return nil, daqerr.Configf("sftp %s: key_file or password required", c.Host)
	}

	var hostKey ssh.HostKeyCallback
	switch {
	case c.InsecureIgnoreHostKey:
		hostKey = ssh.InsecureIgnoreHostKey()
	default:
		file := c.KnownHosts
		if file == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return nil, daqerr.Config("sftp known_hosts", c.Host, err)
			}
			file = home + "/.ssh/known_hosts"
		}
		cb, err := knownhosts.New(file)
		if err != nil {
			return nil, daqerr.Config("sftp known_hosts", file, err)
		}
		hostKey = cb
	}
	if timeout <= 0 {
		timeout = time.Minute
	}
	port := c.Port
	if port == 0 {
		port = 22
	}
	return &SFTPRemote{
		Addr: net.JoinHostPort(c.Host, strconv.Itoa(port)),
		SSH: &ssh.ClientConfig{
			User:            c.User,
			Auth:            auth,
			HostKeyCallback: hostKey,
			Timeout:         timeout,
		},
		Timeout: timeout,
	}, nil
}

func (r *SFTPRemote) String() string { return "sftp://" + r.SSH.User + "@" + r.Addr }

func (r *SFTPRemote) Connect(ctx context.Context) (Session, error) {
	d := net.Dialer{Timeout: r.Timeout}
	conn, err := d.DialContext(ctx, "tcp", r.Addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnection, err)
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, r.Addr, r.SSH)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: ssh handshake: %v", ErrConnection, err)
	}
	_ = conn.SetDeadline(time.Time{})
	sshClient := ssh.NewClient(c, chans, reqs)
	client, err := sftp.NewClient(sshClient)
	if err != nil {
		_ = sshClient.Close()
		return nil, fmt.Errorf("%w: sftp subsystem: %v", ErrConnection, err)
	}
	return &sftpSession{conn: conn, ssh: sshClient, c: client, timeout: r.Timeout}, nil
}

type sftpSession struct {
	conn    net.Conn
	ssh     *ssh.Client
	c       *sftp.Client
	timeout time.Duration
}

// arm bounds the next operation: a stalled peer trips the socket deadline,
// which kills the session and surfaces as ErrConnection.
func (s *sftpSession) arm(ctx context.Context) {
	dl := time.Now().Add(s.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(dl) {
		dl = d
	}
	_ = s.conn.SetDeadline(dl)
}

func (s *sftpSession) classify(err error) error {
	if err == nil {
		return nil
	}
	var ne net.Error
	if errors.Is(err, io.EOF) || errors.Is(err, sftp.ErrSSHFxConnectionLost) ||
		errors.Is(err, net.ErrClosed) || errors.As(err, &ne) {
		return fmt.Errorf("%w: %v", ErrConnection, err)
	}
	return err
}

func (s *sftpSession) MkdirAll(ctx context.Context, dir string) error {
	s.arm(ctx)
	return s.classify(s.c.MkdirAll(dir))
}

func (s *sftpSession) Put(ctx context.Context, local, remote string) (int64, error) {
	in, err := os.Open(local)
	if err != nil {
		return 0, err
	}
	defer in.Close()
	s.arm(ctx)
	out, err := s.c.Create(remote)
	if err != nil {
		return 0, s.classify(err)
	}
	n, err := out.ReadFrom(in)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	return n, s.classify(err)
}

func (s *sftpSession) Exists(ctx context.Context, remote string) (bool, error) {
	s.arm(ctx)
	_, err := s.c.Stat(remote)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return err == nil, s.classify(err)
}

func (s *sftpSession) Size(ctx context.Context, remote string) (int64, error) {
	s.arm(ctx)
	fi, err := s.c.Stat(remote)
	if err != nil {
		return 0, s.classify(err)
	}
	return fi.Size(), nil
}

func (s *sftpSession) Remove(ctx context.Context, remote string) error {
	s.arm(ctx)
	return s.classify(s.c.Remove(remote))
}

func (s *sftpSession) List(ctx context.Context, dir string) ([]string, error) {
	s.arm(ctx)
	entries, err := s.c.ReadDir(dir)
	if err != nil {
		return nil, s.classify(err)
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Name())
	}
	sort.Strings(out)
	return out, nil
}

func (s *sftpSession) Close() error {
	err := s.c.Close()
	if cerr := s.ssh.Close(); err == nil {
		err = cerr
	}
	return err
}
