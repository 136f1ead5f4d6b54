// Package transfer copies the measurement datastore to a remote host over
// SFTP.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// ErrTransfer wraps every failure to deliver the file.
var ErrTransfer = errors.New("transfer: remote copy failed")

// Options configures the remote side.
type Options struct {
	Host       string
	Port       int
	User       string
	KeyFile    string        // private key used to authenticate
	KnownHosts string        // known_hosts file used to verify the host key
	RemotePath string        // destination file, or directory when it ends in "/"
	Timeout    time.Duration // bound on dial and copy
}

// RemoteFS is the part of an SFTP session the uploader needs.
type RemoteFS interface {
	Create(path string) (io.WriteCloser, error)
	PosixRename(oldname, newname string) error
	Remove(path string) error
}

// SFTP uploads files over an SSH connection.
type SFTP struct {
	opts   Options
	logger *slog.Logger
}

// NewSFTP creates an uploader.
func NewSFTP(opts Options, logger *slog.Logger) *SFTP {
	if opts.Port == 0 {
		opts.Port = 22
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SFTP{opts: opts, logger: logger}
}

// Upload copies the local file to the remote path. The file lands under a
// temporary name first and is renamed into place, so readers on the remote
// host never see a partial database.
func (s *SFTP) Upload(ctx context.Context, local string) error {
	if err := s.upload(ctx, local); err != nil {
		return fmt.Errorf("%w: %w", ErrTransfer, err)
	}
	return nil
}

func (s *SFTP) upload(ctx context.Context, local string) error {
	f, err := os.Open(local)
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}

	conn, err := s.dial()
	if err != nil {
		return err
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	client, err := sftp.NewClient(conn)
	if err != nil {
		return fmt.Errorf("start sftp: %w", err)
	}
	defer client.Close()

	dst := RemoteTarget(s.opts.RemotePath, filepath.Base(local))
	s.logger.Info("[TRANSFER] uploading", "file", local, "host", s.opts.Host, "dest", dst, "bytes", info.Size())
	if err := Put(sftpFS{client}, f, dst); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	s.logger.Info("[TRANSFER] upload complete", "dest", dst)
	return nil
}

func (s *SFTP) dial() (*ssh.Client, error) {
	key, err := os.ReadFile(s.opts.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("read key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("parse key %s: %w", s.opts.KeyFile, err)
	}
	hostKeys, err := knownhosts.New(s.opts.KnownHosts)
	if err != nil {
		return nil, fmt.Errorf("load known hosts: %w", err)
	}
	addr := net.JoinHostPort(s.opts.Host, strconv.Itoa(s.opts.Port))
	client, err := ssh.Dial("tcp", addr, &ssh.ClientConfig{
		User:            s.opts.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKeys,
		Timeout:         s.opts.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("ssh %s: %w", addr, err)
	}
	return client, nil
}

// Put writes content to dst+".tmp" and renames it over dst. The temporary
// file is removed if anything before the rename fails.
func Put(fs RemoteFS, content io.Reader, dst string) error {
	tmp := dst + ".tmp"
	w, err := fs.Create(tmp)
	if err != nil {
		return fmt.Errorf("create %s: %w", tmp, err)
	}
	if _, err := io.Copy(w, content); err != nil {
		w.Close()
		fs.Remove(tmp)
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := w.Close(); err != nil {
		fs.Remove(tmp)
		return fmt.Errorf("close %s: %w", tmp, err)
	}
	if err := fs.PosixRename(tmp, dst); err != nil {
		fs.Remove(tmp)
		return fmt.Errorf("rename %s: %w", tmp, err)
	}
	return nil
}

// sftpFS adapts *sftp.Client to RemoteFS.
type sftpFS struct{ c *sftp.Client }

func (f sftpFS) Create(path string) (io.WriteCloser, error) { return f.c.Create(path) }
func (f sftpFS) PosixRename(oldname, newname string) error  { return f.c.PosixRename(oldname, newname) }
func (f sftpFS) Remove(path string) error                   { return f.c.Remove(path) }

// RemoteTarget resolves the destination file for a local file named base.
func RemoteTarget(remote, base string) string {
	if remote == "" {
		return base
	}
	if strings.HasSuffix(remote, "/") {
		return remote + base
	}
	return remote
}
