package relay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"dms-go/internal/config"
	"dms-go/internal/wire"
)

// S3API is the subset of the S3 client the transport reads and deletes with.
type S3API interface {
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3Uploader is the subset of the upload manager the transport writes with.
type S3Uploader interface {
	Upload(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// S3Transport serves s3://bucket/prefix relays. Events are stored as
// <prefix>/events/<id>.cbor objects.
type S3Transport struct {
	client   S3API
	uploader S3Uploader
}

var _ Transport = (*S3Transport)(nil)

// NewS3Transport wraps an existing client and uploader.
func NewS3Transport(client S3API, uploader S3Uploader) *S3Transport {
	return &S3Transport{client: client, uploader: uploader}
}

// NewS3TransportFromConfig builds an S3 client from the relay's S3 settings.
// Empty static credentials fall back to the default AWS credential chain.
func NewS3TransportFromConfig(ctx context.Context, cfg config.S3Config) (*S3Transport, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})
	return NewS3Transport(client, manager.NewUploader(client)), nil
}

func s3Location(u *url.URL) (bucket, prefix string, err error) {
	if u.Host == "" {
		return "", "", fmt.Errorf("s3 relay %s has no bucket", u.String())
	}
	return u.Host, path.Join(strings.Trim(u.Path, "/"), "events") + "/", nil
}

func (t *S3Transport) Publish(ctx context.Context, u *url.URL, ev *wire.Event) error {
	bucket, prefix, err := s3Location(u)
	if err != nil {
		return err
	}
	if !validID(ev.ID) {
		return fmt.Errorf("refusing event with malformed id %q", ev.ID)
	}
	if ids := wire.DeletedIDs(ev); ids != nil {
		return t.deleteObjects(ctx, bucket, prefix, ev.PubKey, ids)
	}
	data, err := wire.MarshalCBOR(ev)
	if err != nil {
		return err
	}

	_, err = t.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(prefix + ev.ID + ".cbor"),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/cbor"),
	})
	if err != nil {
		return fmt.Errorf("uploading event %s: %w", ev.ID, err)
	}
	return nil
}

// deleteObjects removes the named events that pubkey signed.
func (t *S3Transport) deleteObjects(ctx context.Context, bucket, prefix, pubkey string, ids []string) error {
	for _, id := range ids {
		if !validID(id) {
			continue
		}
		key := prefix + id + ".cbor"
		ev, err := t.get(ctx, bucket, key)
		if err != nil {
			return err
		}
		if ev == nil || ev.PubKey != pubkey {
			continue
		}
		if _, err := t.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
		}); err != nil {
			return fmt.Errorf("deleting %s: %w", key, err)
		}
	}
	return nil
}

func (t *S3Transport) Query(ctx context.Context, u *url.URL, f wire.Filter) ([]*wire.Event, error) {
	bucket, prefix, err := s3Location(u)
	if err != nil {
		return nil, err
	}

	var keys []string
	if len(f.IDs) > 0 {
		for _, id := range f.IDs {
			if validID(id) {
				keys = append(keys, prefix+id+".cbor")
			}
		}
	} else {
		p := s3.NewListObjectsV2Paginator(t.client, &s3.ListObjectsV2Input{
			Bucket: aws.String(bucket),
			Prefix: aws.String(prefix),
		})
		for p.HasMorePages() {
			page, err := p.NextPage(ctx)
			if err != nil {
				return nil, fmt.Errorf("listing events: %w", err)
			}
			for _, obj := range page.Contents {
				if key := aws.ToString(obj.Key); strings.HasSuffix(key, ".cbor") {
					keys = append(keys, key)
				}
			}
		}
	}

	var out []*wire.Event
	for _, key := range keys {
		ev, err := t.get(ctx, bucket, key)
		if err != nil {
			return nil, err
		}
		if ev != nil && f.Matches(ev) {
			out = append(out, ev)
			if f.Limit > 0 && len(out) == f.Limit {
				break
			}
		}
	}
	return out, nil
}

// get returns nil, nil for a missing or undecodable object.
func (t *S3Transport) get(ctx context.Context, bucket, key string) (*wire.Event, error) {
	obj, err := t.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, nil
		}
		return nil, fmt.Errorf("getting %s: %w", key, err)
	}
	defer obj.Body.Close()

	data, err := io.ReadAll(obj.Body)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", key, err)
	}
	ev, err := wire.UnmarshalCBOR(data)
	if err != nil {
		return nil, nil
	}
	return ev, nil
}
