package fetcher

import (
	"context"
	"errors"
	"net/textproto"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/health-report/internal/resilience"
)

func TestParseFTPURL(t *testing.T) {
	tests := []struct {
		name     string
		url      string
		wantHost string
		wantPath string
		wantErr  bool
	}{
		{
			name:     "standard ftp url",
			url:      "ftp://ftp.example.com/pub/data/file.csv",
			wantHost: "ftp.example.com:21",
			wantPath: "/pub/data/file.csv",
		},
		{
			name:     "ftp url with port",
			url:      "ftp://ftp.example.com:2121/data/file.txt",
			wantHost: "ftp.example.com:2121",
			wantPath: "/data/file.txt",
		},
		{
			name:     "ftp url with nested path",
			url:      "ftp://ftp.datasus.gov.br/dissemin/publicos/SIHSUS/200801_/Dados/RDAC0801.dbc",
			wantHost: "ftp.datasus.gov.br:21",
			wantPath: "/dissemin/publicos/SIHSUS/200801_/Dados/RDAC0801.dbc",
		},
		{
			name:    "http scheme rejected",
			url:     "http://example.com/file.csv",
			wantErr: true,
		},
		{
			name:    "empty path",
			url:     "ftp://ftp.example.com",
			wantErr: true,
		},
		{
			name:    "invalid url",
			url:     "://bad",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target, err := parseFTPURL(tt.url)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantHost, target.addr)
			assert.Equal(t, tt.wantPath, target.path)
		})
	}
}

func TestNewFTPFetcher_DefaultTimeout(t *testing.T) {
	f := NewFTPFetcher(FTPOptions{})
	assert.Equal(t, 30*time.Second, f.opts.Timeout)
}

func TestFTPDownload_BadURLIsPermanent(t *testing.T) {
	f := NewFTPFetcher(FTPOptions{Timeout: time.Second})
	_, err := f.Download(context.Background(), "http://example.com/file.csv")
	require.Error(t, err)
	assert.Equal(t, resilience.PermanentInput, resilience.KindOf(err))
}

func TestFTPDownload_DialFailureIsTransient(t *testing.T) {
	f := NewFTPFetcher(FTPOptions{Timeout: 200 * time.Millisecond})
	_, err := f.Download(context.Background(), "ftp://127.0.0.1:1/file.csv")
	require.Error(t, err)
	assert.Equal(t, resilience.TransientIO, resilience.KindOf(err))
}

func TestClassifyReply(t *testing.T) {
	assert.Equal(t, resilience.TransientIO, classifyReply(&textproto.Error{Code: 421, Msg: "too many users"}))
	assert.Equal(t, resilience.PermanentInput, classifyReply(&textproto.Error{Code: 550, Msg: "file unavailable"}))
	assert.Equal(t, resilience.TransientIO, classifyReply(errors.New("connection reset by peer")))
}
