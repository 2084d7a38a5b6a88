// Package sftp implements the storage adapter for SFTP servers.
//
// SFTP has no signed URLs: SignedURL always fails with
// provider.ErrUnsupportedOperation.
package sftp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/3leaps/gonube/pkg/provider"
	"github.com/3leaps/gonube/pkg/retry"
)

// Adapter implements provider.Adapter for SFTP.
//
// Unlike the object stores, SFTP has real directories: listing a path that
// does not exist fails with provider.ErrNotFound.
type Adapter struct {
	logger *zap.Logger
}

// Client is an open SSH connection with an SFTP session on top.
type Client struct {
	conn *ssh.Client
	sftp *sftp.Client
	host string
	root string
	opts *provider.Options
}

var (
	_ provider.Adapter = (*Adapter)(nil)
	_ provider.Client  = (*Client)(nil)
)

// NewAdapter returns the SFTP adapter.
func NewAdapter(logger *zap.Logger) *Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{logger: logger}
}

// Type returns provider.TypeSFTP.
func (a *Adapter) Type() provider.Type { return provider.TypeSFTP }

// CreateClient dials the server and opens an SFTP session. Authentication
// happens here, so bad credentials fail eagerly.
func (a *Adapter) CreateClient(ctx context.Context, creds provider.Credentials, cfg provider.Configuration) (provider.Client, error) {
	return a.connect(ctx, creds, cfg)
}

func (a *Adapter) connect(ctx context.Context, creds provider.Credentials, cfg provider.Configuration) (*Client, error) {
	v, err := provider.DecodeCredentials(provider.TypeSFTP, creds)
	if err != nil {
		return nil, err
	}
	c := v.(*provider.SFTPCredentials)
	opts, err := provider.DecodeOptions(cfg)
	if err != nil {
		return nil, err
	}

	sshCfg, err := a.clientConfig(c, opts.Timeout())
	if err != nil {
		return nil, err
	}

	addr := c.Addr()
	var conn *ssh.Client
	dialOpts := retry.WithRetries(opts.Retries())
	dialOpts.OnRetry = func(attempt int, err error, delay time.Duration) {
		a.logger.Debug("sftp dial failed, retrying",
			zap.String("host", addr),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
	}
	err = retry.Do(ctx, dialOpts, isRetryable, func(ctx context.Context) error {
		var derr error
		conn, derr = dial(ctx, addr, sshCfg, opts.Timeout())
		return derr
	})
	if err != nil {
		return nil, &provider.ProviderError{Op: "Connect", Provider: provider.TypeSFTP, Bucket: addr, Err: classify(err, provider.ErrConnection), Cause: err}
	}

	sc, err := sftp.NewClient(conn)
	if err != nil {
		_ = conn.Close()
		return nil, &provider.ProviderError{Op: "Connect", Provider: provider.TypeSFTP, Bucket: addr, Err: provider.ErrConnection, Cause: err}
	}

	a.logger.Debug("sftp session opened",
		zap.String("provider_type", provider.TypeSFTP.String()),
		zap.String("host", addr),
		zap.String("user", c.User),
		zap.String("root", c.Root()),
	)

	return &Client{conn: conn, sftp: sc, host: addr, root: c.Root(), opts: opts}, nil
}

func (a *Adapter) clientConfig(c *provider.SFTPCredentials, timeout time.Duration) (*ssh.ClientConfig, error) {
	auth, err := authMethods(c)
	if err != nil {
		return nil, err
	}

	var hostKey ssh.HostKeyCallback
	if strings.TrimSpace(c.KnownHosts) != "" {
		hostKey, err = knownhosts.New(c.KnownHosts)
		if err != nil {
			return nil, &provider.ValidationError{Field: "known_hosts", Message: err.Error()}
		}
	} else {
		a.logger.Warn("sftp host key not verified; set known_hosts to enable verification",
			zap.String("host", c.Addr()),
		)
		hostKey = ssh.InsecureIgnoreHostKey()
	}

	return &ssh.ClientConfig{
		User:            c.User,
		Auth:            auth,
		HostKeyCallback: hostKey,
		Timeout:         timeout,
	}, nil
}

// authMethods prefers the private key when both a key and a password are
// given. The password then doubles as the key passphrase.
func authMethods(c *provider.SFTPCredentials) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod

	if kp := strings.TrimSpace(c.KeyPath); kp != "" {
		pemBytes, err := os.ReadFile(kp)
		if err != nil {
			return nil, &provider.ValidationError{Field: "key_path", Message: err.Error()}
		}
		signer, err := ssh.ParsePrivateKey(pemBytes)
		var missing *ssh.PassphraseMissingError
		if errors.As(err, &missing) && c.Password != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(pemBytes, []byte(c.Password))
		}
		if err != nil {
			return nil, &provider.ValidationError{Field: "key_path", Message: err.Error()}
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if c.Password != "" {
		methods = append(methods, ssh.Password(c.Password))
	}
	if len(methods) == 0 {
		return nil, &provider.ValidationError{Field: "password", Message: "password or key_path is required"}
	}
	return methods, nil
}

func dial(ctx context.Context, addr string, cfg *ssh.ClientConfig, timeout time.Duration) (*ssh.Client, error) {
	d := net.Dialer{Timeout: timeout}
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	// Bound the handshake; cleared once the session is up.
	_ = nc.SetDeadline(time.Now().Add(timeout))
	c, chans, reqs, err := ssh.NewClientConn(nc, addr, cfg)
	if err != nil {
		_ = nc.Close()
		return nil, err
	}
	_ = nc.SetDeadline(time.Time{})
	return ssh.NewClient(c, chans, reqs), nil
}

func isRetryable(err error) bool {
	return classify(err, provider.ErrConnection) == provider.ErrConnection
}

// resolve maps a caller path to an absolute server path below the
// configured root and prefix.
func (c *Client) resolve(remotePath string) (string, error) {
	prefix, err := provider.CleanPath("prefix", c.opts.Prefix)
	if err != nil {
		return "", err
	}
	rel, err := provider.CleanPath("path", remotePath)
	if err != nil {
		return "", err
	}
	root := path.Clean(c.root)
	full := path.Join(root, prefix, rel)
	if full != root && !strings.HasPrefix(full, strings.TrimSuffix(root, "/")+"/") {
		return "", &provider.ValidationError{Field: "path", Message: fmt.Sprintf("%q escapes the provider root", remotePath)}
	}
	return full, nil
}

// Upload copies localPath to the server, creating parent directories.
func (a *Adapter) Upload(ctx context.Context, pc provider.Client, localPath, remotePath string) (*provider.UploadResult, error) {
	c, err := a.client(pc)
	if err != nil {
		return nil, err
	}
	full, err := c.resolve(remotePath)
	if err != nil {
		return nil, err
	}

	src, err := os.Open(localPath)
	if err != nil {
		return nil, provider.LocalError("Upload", provider.TypeSFTP, localPath, err, provider.ErrRead)
	}
	defer func() { _ = src.Close() }()

	if err := c.sftp.MkdirAll(path.Dir(full)); err != nil {
		return nil, c.wrapError("Upload", full, err, provider.ErrWrite)
	}
	dst, err := c.sftp.Create(full)
	if err != nil {
		return nil, c.wrapError("Upload", full, err, provider.ErrWrite)
	}

	n, err := copyContext(ctx, dst, src)
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = c.sftp.Remove(full)
		return nil, c.wrapError("Upload", full, err, provider.ErrWrite)
	}

	return &provider.UploadResult{RemotePath: remotePath, Key: full, BytesWritten: n}, nil
}

// Download copies the remote file to localPath via a temporary sibling.
func (a *Adapter) Download(ctx context.Context, pc provider.Client, remotePath, localPath string) (*provider.DownloadResult, error) {
	c, err := a.client(pc)
	if err != nil {
		return nil, err
	}
	full, err := c.resolve(remotePath)
	if err != nil {
		return nil, err
	}

	src, err := c.sftp.Open(full)
	if err != nil {
		return nil, c.wrapError("Download", full, err, provider.ErrRead)
	}
	defer func() { _ = src.Close() }()

	tmp, err := provider.CreateTemp(localPath)
	if err != nil {
		return nil, provider.LocalError("Download", provider.TypeSFTP, localPath, err, provider.ErrWrite)
	}

	n, err := copyContext(ctx, tmp, src)
	if err != nil {
		provider.DiscardTemp(tmp)
		return nil, c.wrapError("Download", full, err, provider.ErrRead)
	}
	if err := provider.CommitTemp(tmp, localPath); err != nil {
		return nil, provider.LocalError("Download", provider.TypeSFTP, localPath, err, provider.ErrWrite)
	}
	return &provider.DownloadResult{LocalPath: localPath, BytesRead: n}, nil
}

// List reads the directory at remotePath.
func (a *Adapter) List(ctx context.Context, pc provider.Client, remotePath string) ([]provider.Entry, error) {
	c, err := a.client(pc)
	if err != nil {
		return nil, err
	}
	full, err := c.resolve(remotePath)
	if err != nil {
		return nil, err
	}

	infos, err := c.sftp.ReadDir(full)
	if err != nil {
		return nil, c.wrapError("List", full, err, provider.ErrRead)
	}
	entries := make([]provider.Entry, 0, len(infos))
	for _, fi := range infos {
		e := provider.Entry{
			Name:         fi.Name(),
			LastModified: fi.ModTime().UTC(),
			IsDirectory:  fi.IsDir(),
		}
		if !fi.IsDir() {
			e.Size = fi.Size()
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// SignedURL is not supported by SFTP.
func (a *Adapter) SignedURL(ctx context.Context, pc provider.Client, remotePath string, opts provider.SignOptions) (string, error) {
	return "", &provider.ProviderError{
		Op:       "SignedURL",
		Provider: provider.TypeSFTP,
		Key:      remotePath,
		Err:      provider.ErrUnsupportedOperation,
	}
}

// TestConnection connects, authenticates and stats the configured root.
func (a *Adapter) TestConnection(ctx context.Context, creds provider.Credentials, cfg provider.Configuration) (*provider.TestResult, error) {
	c, err := a.connect(ctx, creds, cfg)
	if err != nil {
		if provider.IsValidation(err) {
			return nil, err
		}
		return &provider.TestResult{Success: false, Message: err.Error()}, nil
	}
	defer func() { _ = c.Close() }()

	root, err := c.resolve("")
	if err != nil {
		return nil, err
	}
	fi, err := c.sftp.Stat(root)
	if err != nil {
		werr := c.wrapError("TestConnection", root, err, provider.ErrConnection)
		return &provider.TestResult{Success: false, Message: werr.Error()}, nil
	}
	if !fi.IsDir() {
		return &provider.TestResult{Success: false, Message: fmt.Sprintf("%s is not a directory", root)}, nil
	}
	return &provider.TestResult{Success: true, Message: fmt.Sprintf("connected to %s, %s readable", c.host, root)}, nil
}

// Close ends the SFTP session and the SSH connection.
func (c *Client) Close() error {
	serr := c.sftp.Close()
	cerr := c.conn.Close()
	if serr != nil {
		return serr
	}
	if cerr != nil && !errors.Is(cerr, net.ErrClosed) {
		return cerr
	}
	return nil
}

func (a *Adapter) client(pc provider.Client) (*Client, error) {
	c, ok := pc.(*Client)
	if !ok || c == nil {
		return nil, &provider.ValidationError{Field: "client", Message: fmt.Sprintf("sftp adapter cannot use %T", pc)}
	}
	return c, nil
}

func (c *Client) wrapError(op, key string, err, fallback error) error {
	return &provider.ProviderError{
		Op:       op,
		Provider: provider.TypeSFTP,
		Bucket:   c.host,
		Key:      key,
		Err:      classify(err, fallback),
		Cause:    err,
	}
}

// classify maps filesystem, SFTP status and SSH errors onto the taxonomy.
func classify(err, fallback error) error {
	switch {
	case errors.Is(err, os.ErrNotExist):
		return provider.ErrNotFound
	case errors.Is(err, os.ErrPermission):
		return provider.ErrAccessDenied
	}

	var status *sftp.StatusError
	if errors.As(err, &status) {
		switch status.FxCode() {
		case sftp.ErrSSHFxNoSuchFile:
			return provider.ErrNotFound
		case sftp.ErrSSHFxPermissionDenied:
			return provider.ErrAccessDenied
		case sftp.ErrSSHFxConnectionLost, sftp.ErrSSHFxNoConnection:
			return provider.ErrConnection
		}
		return fallback
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "unable to authenticate"):
		return provider.ErrAuthentication
	case strings.Contains(msg, "knownhosts:") || strings.Contains(msg, "host key"):
		return provider.ErrAuthentication
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.EOF) {
		return provider.ErrConnection
	}
	if strings.Contains(msg, "connection refused") || strings.Contains(msg, "ssh: handshake failed") {
		return provider.ErrConnection
	}
	return fallback
}


// copyContext copies in chunks, stopping early when ctx is done.
func copyContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	var total int64
	buf := make([]byte, 256*1024)
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, rerr := src.Read(buf)
		if n > 0 {
			w, werr := dst.Write(buf[:n])
			total += int64(w)
			if werr != nil {
				return total, werr
			}
			if w < n {
				return total, io.ErrShortWrite
			}
		}
		if errors.Is(rerr, io.EOF) {
			return total, nil
		}
		if rerr != nil {
			return total, rerr
		}
	}
}
