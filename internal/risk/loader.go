package risk

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/nexus-trading/chainintel/internal/model"
	"github.com/rs/zerolog/log"
)

// maxModelBytes bounds a model artifact download.
const maxModelBytes = 8 << 20

// S3Config configures s3:// model artifacts.
type S3Config struct {
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"` // MinIO or localstack
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	SessionToken    string `yaml:"session_token"`
	UsePathStyle    bool   `yaml:"use_path_style"`
	MaxRetries      int    `yaml:"max_retries"`
}

// ObjectGetter is the subset of the S3 client the loader uses.
type ObjectGetter interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Loader fetches model artifacts from a path, file://, http(s):// or s3:// URI.
type Loader struct {
	s3cfg   S3Config
	http    *http.Client
	timeout time.Duration

	mu sync.Mutex
	s3 ObjectGetter
}

// NewLoader creates a loader. The S3 client is built on first use.
func NewLoader(s3cfg S3Config, timeout time.Duration) *Loader {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Loader{
		s3cfg:   s3cfg,
		http:    &http.Client{Timeout: timeout},
		timeout: timeout,
	}
}

// WithObjectGetter replaces the S3 client.
func (l *Loader) WithObjectGetter(g ObjectGetter) *Loader {
	l.mu.Lock()
	l.s3 = g
	l.mu.Unlock()
	return l
}

// Load fetches and validates the model at uri. Every failure is a
// *model.ModelLoadError.
func (l *Loader) Load(ctx context.Context, uri string) (*LinearModel, error) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	data, err := l.fetch(ctx, uri)
	if err != nil {
		return nil, &model.ModelLoadError{URI: uri, Err: err}
	}
	m, err := ParseModel(data)
	if err != nil {
		return nil, &model.ModelLoadError{URI: uri, Err: err}
	}
	log.Info().Str("uri", uri).Str("version", m.Version).Int("features", len(m.Features)).
		Msg("risk: model loaded")
	return m, nil
}

func (l *Loader) fetch(ctx context.Context, uri string) ([]byte, error) {
	if uri == "" {
		return nil, fmt.Errorf("empty model uri")
	}
	u, err := url.Parse(uri)
	if err != nil || u.Scheme == "" {
		return readFile(uri)
	}
	switch u.Scheme {
	case "file":
		return readFile(u.Path)
	case "http", "https":
		return l.fetchHTTP(ctx, uri)
	case "s3":
		return l.fetchS3(ctx, u.Host, strings.TrimPrefix(u.Path, "/"))
	default:
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
}

func readFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(io.LimitReader(f, maxModelBytes))
}

func (l *Loader) fetchHTTP(ctx context.Context, uri string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, err
	}
	resp, err := l.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: status %d", uri, resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxModelBytes))
}

func (l *Loader) fetchS3(ctx context.Context, bucket, key string) ([]byte, error) {
	if bucket == "" || key == "" {
		return nil, fmt.Errorf("s3 uri needs bucket and key")
	}
	client, err := l.s3Client(ctx)
	if err != nil {
		return nil, err
	}
	out, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("s3 get %s/%s: %w", bucket, key, err)
	}
	defer out.Body.Close()
	return io.ReadAll(io.LimitReader(out.Body, maxModelBytes))
}

func (l *Loader) s3Client(ctx context.Context) (ObjectGetter, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.s3 != nil {
		return l.s3, nil
	}

	var opts []func(*awsconfig.LoadOptions) error
	if l.s3cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(l.s3cfg.Region))
	}
	if l.s3cfg.AccessKeyID != "" && l.s3cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(l.s3cfg.AccessKeyID, l.s3cfg.SecretAccessKey, l.s3cfg.SessionToken),
		))
	}
	if l.s3cfg.MaxRetries > 0 {
		opts = append(opts, awsconfig.WithRetryMaxAttempts(l.s3cfg.MaxRetries))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	l.s3 = s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if l.s3cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(l.s3cfg.Endpoint)
		}
		o.UsePathStyle = l.s3cfg.UsePathStyle
	})
	return l.s3, nil
}
