package dataset

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/cenkalti/backoff/v5"
	"github.com/jonboulle/clockwork"
	"github.com/klauspost/compress/gzhttp"
	"github.com/malbeclabs/askql/internal/duck"
)

const (
	DefaultTable    = "movies"
	DefaultS3Region = "us-east-1"
	DefaultMaxTries = 5

	defaultHTTPTimeout     = 5 * time.Minute
	defaultInitialInterval = 500 * time.Millisecond
)

var ErrUnsupportedFormat = errors.New("unsupported dataset format")

type Format string

const (
	FormatParquet Format = "parquet"
	FormatCSV     Format = "csv"
)

// DetectFormat maps a file name or URL path to a reader. Gzipped CSV is read
// as CSV; the engine handles the decompression.
func DetectFormat(name string) (Format, error) {
	lower := strings.ToLower(name)
	switch {
	case strings.HasSuffix(lower, ".parquet"):
		return FormatParquet, nil
	case strings.HasSuffix(lower, ".csv"), strings.HasSuffix(lower, ".csv.gz"):
		return FormatCSV, nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, name)
}

// S3API is the subset of the S3 client the loader uses.
type S3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
	DB     duck.DB
	Table  string

	HTTPClient *http.Client
	S3         S3API
	S3Region   string

	// TempDir holds downloaded files until they are loaded.
	TempDir string

	MaxTries        uint
	InitialInterval time.Duration
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.DB == nil {
		return errors.New("db is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Table == "" {
		c.Table = DefaultTable
	}
	if c.HTTPClient == nil {
		c.HTTPClient = newHTTPClient()
	}
	if c.S3Region == "" {
		c.S3Region = DefaultS3Region
	}
	if c.S3 == nil {
		c.S3 = s3.New(s3.Options{
			Region:      c.S3Region,
			Credentials: aws.AnonymousCredentials{},
		})
	}
	if c.MaxTries == 0 {
		c.MaxTries = DefaultMaxTries
	}
	if c.InitialInterval <= 0 {
		c.InitialInterval = defaultInitialInterval
	}
	return nil
}

type Result struct {
	Source string
	Table  string
	Format Format
	Rows   int64
}

// Loader materializes a dataset file into a table on the engine.
type Loader struct {
	log    *slog.Logger
	cfg    Config
	loaded atomic.Bool
}

func New(cfg Config) (*Loader, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	return &Loader{log: cfg.Logger, cfg: cfg}, nil
}

// Loaded reports whether a Load has completed successfully.
func (l *Loader) Loaded() bool {
	return l.loaded.Load()
}

// Load reads source into the configured table, replacing any previous
// contents. source is a local path, an http(s) URL, or an s3://bucket/key URL.
func (l *Loader) Load(ctx context.Context, source string) (Result, error) {
	start := l.cfg.Clock.Now()

	localPath, cleanup, err := l.fetch(ctx, source)
	if err != nil {
		return Result{}, err
	}
	defer cleanup()

	format, err := DetectFormat(localPath)
	if err != nil {
		return Result{}, err
	}

	conn, err := l.cfg.DB.Conn(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	stmt := createTableStatement(l.cfg.Table, format, localPath)
	if _, err := conn.ExecContext(ctx, stmt); err != nil {
		return Result{}, fmt.Errorf("failed to load %s into %s: %w", source, l.cfg.Table, err)
	}

	var rows int64
	if err := conn.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", quoteIdent(l.cfg.Table))).Scan(&rows); err != nil {
		return Result{}, fmt.Errorf("failed to count rows in %s: %w", l.cfg.Table, err)
	}

	l.loaded.Store(true)
	l.log.Info("dataset: loaded", "source", source, "table", l.cfg.Table, "format", format, "rows", rows, "duration", l.cfg.Clock.Since(start))
	return Result{Source: source, Table: l.cfg.Table, Format: format, Rows: rows}, nil
}

func createTableStatement(table string, format Format, localPath string) string {
	reader := "read_csv_auto"
	if format == FormatParquet {
		reader = "read_parquet"
	}
	return fmt.Sprintf("CREATE OR REPLACE TABLE %s AS SELECT * FROM %s(%s)", quoteIdent(table), reader, quoteLiteral(localPath))
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// fetch returns a local path for source. Remote sources are downloaded to a
// temp file that cleanup removes.
func (l *Loader) fetch(ctx context.Context, source string) (string, func(), error) {
	noop := func() {}

	u, err := url.Parse(source)
	if err != nil || u.Scheme == "" || len(u.Scheme) == 1 {
		// Plain paths, including Windows drive letters.
		if _, err := os.Stat(source); err != nil {
			return "", noop, fmt.Errorf("failed to stat dataset %s: %w", source, err)
		}
		return source, noop, nil
	}

	switch u.Scheme {
	case "file":
		return l.fetch(ctx, u.Path)
	case "http", "https":
		return l.download(ctx, source, path.Base(u.Path), func(ctx context.Context) (io.ReadCloser, error) {
			return l.openHTTP(ctx, source)
		})
	case "s3":
		bucket, key := u.Host, strings.TrimPrefix(u.Path, "/")
		if bucket == "" || key == "" {
			return "", noop, fmt.Errorf("invalid s3 source %q: want s3://bucket/key", source)
		}
		return l.download(ctx, source, path.Base(key), func(ctx context.Context) (io.ReadCloser, error) {
			out, err := l.cfg.S3.GetObject(ctx, &s3.GetObjectInput{
				Bucket: aws.String(bucket),
				Key:    aws.String(key),
			})
			if err != nil {
				return nil, fmt.Errorf("failed to fetch s3://%s/%s: %w", bucket, key, err)
			}
			return out.Body, nil
		})
	}
	return "", noop, fmt.Errorf("unsupported dataset scheme %q", u.Scheme)
}

// download copies open's body into a temp file named like name, retrying the
// whole transfer with exponential backoff.
func (l *Loader) download(ctx context.Context, source, name string, open func(context.Context) (io.ReadCloser, error)) (string, func(), error) {
	noop := func() {}
	if _, err := DetectFormat(name); err != nil {
		return "", noop, err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = l.cfg.InitialInterval

	attempt := 0
	localPath, err := backoff.Retry(ctx, func() (string, error) {
		if attempt > 0 {
			l.log.Warn("dataset: download failed, retrying", "source", source, "attempt", attempt)
		}
		attempt++

		body, err := open(ctx)
		if err != nil {
			return "", err
		}
		defer body.Close()

		f, err := os.CreateTemp(l.cfg.TempDir, "askql-*-"+name)
		if err != nil {
			return "", backoff.Permanent(fmt.Errorf("failed to create temp file: %w", err))
		}
		if _, err := io.Copy(f, body); err != nil {
			f.Close()
			os.Remove(f.Name())
			return "", fmt.Errorf("failed to download %s: %w", source, err)
		}
		if err := f.Close(); err != nil {
			os.Remove(f.Name())
			return "", backoff.Permanent(fmt.Errorf("failed to write temp file: %w", err))
		}
		return f.Name(), nil
	}, backoff.WithBackOff(b), backoff.WithMaxTries(l.cfg.MaxTries))
	if err != nil {
		return "", noop, err
	}

	l.log.Debug("dataset: downloaded", "source", source, "path", localPath, "attempts", attempt)
	return localPath, func() { _ = os.Remove(localPath) }, nil
}

func (l *Loader) openHTTP(ctx context.Context, source string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	resp, err := l.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", source, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		err := fmt.Errorf("failed to fetch %s: status %d", source, resp.StatusCode)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}
	return resp.Body, nil
}

func newHTTPClient() *http.Client {
	tr := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:   true,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	return &http.Client{
		Timeout:   defaultHTTPTimeout,
		Transport: gzhttp.Transport(tr),
	}
}
