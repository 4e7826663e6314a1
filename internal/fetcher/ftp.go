package fetcher

import (
	"context"
	"errors"
	"io"
	"net"
	"net/textproto"
	"net/url"
	"time"

	"github.com/jlaffaye/ftp"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/health-report/internal/resilience"
)

const (
	defaultFTPTimeout = 30 * time.Second
	anonymousUser     = "anonymous"
	anonymousPass     = "anonymous@"
)

// FTPOptions configures the FTP fetcher.
type FTPOptions struct {
	// Timeout bounds dialing and each control-channel exchange.
	Timeout time.Duration
}

// FTPFetcher downloads files over anonymous FTP. Older DATASUS extracts are
// still published on ftp.datasus.gov.br.
type FTPFetcher struct {
	opts FTPOptions
}

// NewFTPFetcher creates an FTPFetcher.
func NewFTPFetcher(opts FTPOptions) *FTPFetcher {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultFTPTimeout
	}
	return &FTPFetcher{opts: opts}
}

// ftpTarget is a parsed ftp:// URL.
type ftpTarget struct {
	addr string // host:port
	path string
}

func parseFTPURL(rawURL string) (ftpTarget, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ftpTarget{}, eris.Wrap(err, "parse ftp url")
	}
	if u.Scheme != "ftp" {
		return ftpTarget{}, eris.Errorf("expected ftp scheme, got %q", u.Scheme)
	}
	if u.Path == "" {
		return ftpTarget{}, eris.New("empty path in ftp url")
	}

	addr := u.Host
	if u.Port() == "" {
		addr = net.JoinHostPort(u.Hostname(), "21")
	}
	return ftpTarget{addr: addr, path: u.Path}, nil
}

// Download opens a stream over the remote file. Closing it ends the
// transfer and the session.
func (f *FTPFetcher) Download(ctx context.Context, ftpURL string) (io.ReadCloser, error) {
	target, err := parseFTPURL(ftpURL)
	if err != nil {
		return nil, resilience.E(resilience.PermanentInput, "ftp get", err)
	}

	conn, err := f.connect(ctx, target)
	if err != nil {
		return nil, err
	}

	resp, err := conn.Retr(target.path)
	if err != nil {
		_ = conn.Quit()
		return nil, resilience.E(classifyReply(err), "ftp get", eris.Wrapf(err, "retrieve %s", target.path))
	}
	return &ftpStream{resp: resp, conn: conn}, nil
}

// DownloadToFile saves the remote file to path and returns the bytes written.
func (f *FTPFetcher) DownloadToFile(ctx context.Context, ftpURL string, path string) (int64, error) {
	rc, err := f.Download(ctx, ftpURL)
	if err != nil {
		return 0, err
	}
	return copyToFile(rc, path)
}

func (f *FTPFetcher) connect(ctx context.Context, target ftpTarget) (*ftp.ServerConn, error) {
	zap.L().Debug("fetcher: ftp connecting", zap.String("addr", target.addr), zap.String("path", target.path))

	conn, err := ftp.Dial(target.addr, ftp.DialWithTimeout(f.opts.Timeout), ftp.DialWithContext(ctx))
	if err != nil {
		return nil, resilience.E(resilience.TransientIO, "ftp get", eris.Wrap(err, "dial"))
	}
	if err := conn.Login(anonymousUser, anonymousPass); err != nil {
		_ = conn.Quit()
		return nil, resilience.E(resilience.TransientIO, "ftp get", eris.Wrap(err, "login"))
	}
	return conn, nil
}

// classifyReply maps an FTP reply to a failure kind. 4xx replies are
// transient by definition; 5xx (e.g. 550 file unavailable) are not.
func classifyReply(err error) resilience.Kind {
	var reply *textproto.Error
	if errors.As(err, &reply) && reply.Code >= 400 && reply.Code < 500 {
		return resilience.TransientIO
	}
	if errors.As(err, &reply) {
		return resilience.PermanentInput
	}
	return resilience.TransientIO
}

// ftpStream ends the transfer and the session on Close.
type ftpStream struct {
	resp *ftp.Response
	conn *ftp.ServerConn
}

func (s *ftpStream) Read(p []byte) (int, error) {
	return s.resp.Read(p)
}

func (s *ftpStream) Close() error {
	return errors.Join(
		wrapIf(s.resp.Close(), "close ftp transfer"),
		wrapIf(s.conn.Quit(), "quit ftp session"),
	)
}

func wrapIf(err error, msg string) error {
	if err == nil {
		return nil
	}
	return eris.Wrap(err, msg)
}
