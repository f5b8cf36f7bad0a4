// Package s3 is the artifact source for S3-compatible buckets (AWS S3 or
// MinIO), addressed as s3://<bucket>/<prefix>.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	aws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/bayleafwalker/bindery-core/internal/artifact"
	"github.com/bayleafwalker/bindery-core/internal/library/source"
)

const (
	Driver = "s3"
	Scheme = "s3"
)

// Environment variables consulted when options and the URL leave a
// setting empty:
//
//	BINDERY_S3_REGION=<region> (default us-east-1)
//	BINDERY_S3_ENDPOINT=<url> (optional, for MinIO)
//	BINDERY_S3_PATH_STYLE=true|false
//	AWS_ACCESS_KEY_ID / AWS_SECRET_ACCESS_KEY / AWS_SESSION_TOKEN (optional)
const (
	EnvRegion    = "BINDERY_S3_REGION"
	EnvEndpoint  = "BINDERY_S3_ENDPOINT"
	EnvPathStyle = "BINDERY_S3_PATH_STYLE"
)

func init() {
	source.Register(Scheme, func(ctx context.Context, u *url.URL, opts source.Options) (source.Source, error) {
		cfg := Config{
			Bucket:    u.Host,
			Prefix:    strings.Trim(u.Path, "/"),
			Region:    firstNonEmpty(u.Query().Get("region"), opts.S3.Region, os.Getenv(EnvRegion)),
			Endpoint:  firstNonEmpty(u.Query().Get("endpoint"), opts.S3.Endpoint, os.Getenv(EnvEndpoint)),
			PathStyle: opts.S3.PathStyle || strings.EqualFold(os.Getenv(EnvPathStyle), "true") || u.Query().Get("pathStyle") == "true",
		}
		return New(ctx, cfg)
	})
}

// Config holds explicit construction parameters.
type Config struct {
	Bucket    string
	Prefix    string
	Region    string
	Endpoint  string
	PathStyle bool
}

// API is the subset of the S3 client used by Source.
type API interface {
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Source lists objects below a prefix of one bucket.
type Source struct {
	client API
	bucket string
	prefix string
}

// New creates a source with a client from the default credentials chain.
func New(ctx context.Context, cfg Config) (*Source, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3 source: bucket required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("s3 source: load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.PathStyle {
			o.UsePathStyle = true
		}
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return NewWithClient(client, cfg.Bucket, cfg.Prefix), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client API, bucket, prefix string) *Source {
	return &Source{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}
}

func (s *Source) Driver() string { return Driver }

func (s *Source) Location() string {
	if s.prefix == "" {
		return Scheme + "://" + s.bucket
	}
	return Scheme + "://" + s.bucket + "/" + s.prefix
}

func (s *Source) objectKey(key string) string {
	if s.prefix == "" {
		return key
	}
	return s.prefix + "/" + key
}

// Scan lists every object below the prefix, following continuation tokens.
func (s *Source) Scan(ctx context.Context) ([]source.Object, error) {
	var prefix *string
	if s.prefix != "" {
		prefix = aws.String(s.prefix + "/")
	}
	var out []source.Object
	var token *string
	for {
		page, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.bucket),
			Prefix:            prefix,
			ContinuationToken: token,
		})
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", s.Location(), err)
		}
		for _, obj := range page.Contents {
			full := aws.ToString(obj.Key)
			if strings.HasSuffix(full, "/") {
				continue
			}
			out = append(out, s.fromListing(full, obj))
		}
		if aws.ToBool(page.IsTruncated) && page.NextContinuationToken != nil {
			token = page.NextContinuationToken
			continue
		}
		break
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *Source) fromListing(full string, obj types.Object) source.Object {
	key := full
	if s.prefix != "" {
		key = strings.TrimPrefix(full, s.prefix+"/")
	}
	return source.Object{
		Key:     key,
		URL:     Scheme + "://" + s.bucket + "/" + full,
		ModTime: aws.ToTime(obj.LastModified),
		Length:  aws.ToInt64(obj.Size),
	}
}

// Stat implements source.Source.
func (s *Source) Stat(ctx context.Context, key string) (source.Object, error) {
	full := s.objectKey(key)
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(full)})
	if err != nil {
		var nf *types.NotFound
		if errors.As(err, &nf) {
			return source.Object{}, fmt.Errorf("%s/%s: %w", s.Location(), key, source.ErrNotFound)
		}
		return source.Object{}, fmt.Errorf("head %s/%s: %w", s.Location(), key, err)
	}
	return source.Object{
		Key:     key,
		URL:     Scheme + "://" + s.bucket + "/" + full,
		ModTime: aws.ToTime(out.LastModified),
		Length:  aws.ToInt64(out.ContentLength),
	}, nil
}

// ReadMetadata fetches only the tail of the object using ranged reads.
func (s *Source) ReadMetadata(ctx context.Context, obj source.Object) ([]byte, error) {
	r := &rangeReader{ctx: ctx, client: s.client, bucket: s.bucket, key: s.objectKey(obj.Key)}
	if !obj.ModTime.IsZero() {
		r.unmodifiedSince = aws.Time(obj.ModTime)
	}
	return artifact.ExtractMetadata(r, obj.Length)
}

type rangeReader struct {
	ctx             context.Context
	client          API
	bucket          string
	key             string
	unmodifiedSince *time.Time
}

// ReadAt implements io.ReaderAt with one ranged GET per call.
func (r *rangeReader) ReadAt(p []byte, off int64) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	out, err := r.client.GetObject(r.ctx, &s3.GetObjectInput{
		Bucket: aws.String(r.bucket),
		Key:    aws.String(r.key),
		Range:             aws.String(fmt.Sprintf("bytes=%d-%d", off, off+int64(len(p))-1)),
		IfUnmodifiedSince: r.unmodifiedSince,
	})
	var re *smithyhttp.ResponseError
	if errors.As(err, &re) && re.HTTPStatusCode() == http.StatusPreconditionFailed {
		return 0, fmt.Errorf("get %s: %w", r.key, source.ErrStale)
	}
	if err != nil {
		return 0, fmt.Errorf("get %s: %w", r.key, err)
	}
	defer out.Body.Close()
	n, err := io.ReadFull(out.Body, p)
	if errors.Is(err, io.ErrUnexpectedEOF) {
		err = io.EOF
	}
	return n, err
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
