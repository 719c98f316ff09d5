package utils

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

type SFTPSettings struct {
	Host     string
	Port     int
	Username string
	Password string
	RootPath string
	HostKey  string
}

// SFTPClient opens a fresh connection for every operation: connect, act, close.
type SFTPClient struct {
	settings SFTPSettings
	timeout  time.Duration
}

func NewSFTPClient(s SFTPSettings, timeout time.Duration) *SFTPClient {
	if s.Port == 0 {
		s.Port = 22
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &SFTPClient{settings: s, timeout: timeout}
}

// Resolve joins p under the configured root, keeping absolute paths as given.
func (c *SFTPClient) Resolve(p string) string {
	if strings.HasPrefix(p, "/") {
		return path.Clean(p)
	}
	root := c.settings.RootPath
	if root == "" {
		root = "/"
	}
	return path.Join(root, p)
}

func (c *SFTPClient) hostKeyCallback() (ssh.HostKeyCallback, error) {
	if c.settings.HostKey == "" {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	key, _, _, _, err := ssh.ParseAuthorizedKey([]byte(c.settings.HostKey))
	if err != nil {
		return nil, fmt.Errorf("invalid FTP_HOST_KEY: %w", err)
	}
	return ssh.FixedHostKey(key), nil
}

func (c *SFTPClient) session(ctx context.Context, fn func(*sftp.Client) error) error {
	if c.settings.Host == "" {
		return errors.New("sftp host is not configured")
	}
	hostKey, err := c.hostKeyCallback()
	if err != nil {
		return err
	}

	addr := net.JoinHostPort(c.settings.Host, strconv.Itoa(c.settings.Port))
	cfg := &ssh.ClientConfig{
		User:            c.settings.Username,
		Auth:            []ssh.AuthMethod{ssh.Password(c.settings.Password)},
		HostKeyCallback: hostKey,
		Timeout:         c.timeout,
	}

	dialer := net.Dialer{Timeout: c.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("sftp dial %s: %w", addr, err)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return fmt.Errorf("sftp handshake %s: %w", addr, err)
	}
	sshClient := ssh.NewClient(sshConn, chans, reqs)
	defer sshClient.Close()

	client, err := sftp.NewClient(sshClient)
	if err != nil {
		return fmt.Errorf("sftp subsystem: %w", err)
	}
	defer client.Close()

	done := make(chan error, 1)
	go func() { done <- fn(client) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		sshClient.Close()
		return ctx.Err()
	}
}

// Stat returns nil info and no error when the file does not exist.
func (c *SFTPClient) Stat(ctx context.Context, p string) (os.FileInfo, error) {
	var info os.FileInfo
	err := c.session(ctx, func(client *sftp.Client) error {
		fi, err := client.Stat(c.Resolve(p))
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil
			}
			return err
		}
		info = fi
		return nil
	})
	return info, err
}

func (c *SFTPClient) Exists(ctx context.Context, p string) (bool, error) {
	info, err := c.Stat(ctx, p)
	return info != nil, err
}

// Fetch stats then downloads the file in the same session.
func (c *SFTPClient) Fetch(ctx context.Context, p string) ([]byte, error) {
	var data []byte
	err := c.session(ctx, func(client *sftp.Client) error {
		full := c.Resolve(p)
		if _, err := client.Stat(full); err != nil {
			return fmt.Errorf("stat %s: %w", full, err)
		}
		f, err := client.Open(full)
		if err != nil {
			return fmt.Errorf("open %s: %w", full, err)
		}
		defer f.Close()

		var buf bytes.Buffer
		if _, err := io.Copy(&buf, f); err != nil {
			return fmt.Errorf("read %s: %w", full, err)
		}
		data = buf.Bytes()
		return nil
	})
	return data, err
}

// List returns the entry names of a directory.
func (c *SFTPClient) List(ctx context.Context, dir string) ([]string, error) {
	var names []string
	err := c.session(ctx, func(client *sftp.Client) error {
		entries, err := client.ReadDir(c.Resolve(dir))
		if err != nil {
			return err
		}
		for _, e := range entries {
			names = append(names, e.Name())
		}
		return nil
	})
	return names, err
}
