package manifest

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/keithlinneman/csloader/internal/cryptoutil"
	"github.com/keithlinneman/csloader/internal/log"
	"github.com/keithlinneman/csloader/internal/xerrors"
)

// DefaultMaxBytes caps a manifest download. Real manifests are a few KiB.
const DefaultMaxBytes = 4 << 20

// SSMAPI is the subset of the SSM client the loader needs.
type SSMAPI interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// S3API is the subset of the S3 client the loader needs.
type S3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// SignatureVerifier checks a detached signature over the manifest bytes.
// cryptoutil.KMSVerifier implements it.
type SignatureVerifier interface {
	VerifySignature(ctx context.Context, message, signature []byte) error
}

type LoaderOptions struct {
	Logger log.Logger

	// SSM parameter containing the current manifest sha256
	SSMParam string

	// S3 location for manifests: s3://{bucket}/{prefix}/{hash}.json
	// and, when Verifier is set, s3://{bucket}/{prefix}/{hash}.json.sig
	S3Bucket string
	S3Prefix string

	S3Client  S3API
	SSMClient SSMAPI

	// Verifier is optional. When nil, manifests are accepted on checksum alone.
	Verifier SignatureVerifier

	// MaxBytes caps the manifest download. Zero uses DefaultMaxBytes.
	MaxBytes int64
}

// Loader fetches manifests addressed by their sha256 from S3, using an SSM
// parameter as the pointer to the current one.
type Loader struct {
	opts   LoaderOptions
	logger log.Logger
}

func NewLoader(opts LoaderOptions) (*Loader, error) {
	if opts.SSMParam == "" {
		return nil, xerrors.New("SSMParam is required")
	}
	if opts.S3Bucket == "" {
		return nil, xerrors.New("S3Bucket is required")
	}
	if opts.S3Client == nil || opts.SSMClient == nil {
		return nil, xerrors.New("S3Client and SSMClient are required")
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = DefaultMaxBytes
	}
	opts.S3Prefix = strings.Trim(opts.S3Prefix, "/")
	return &Loader{opts: opts, logger: opts.Logger}, nil
}

// FetchCurrentHash reads the manifest hash the SSM parameter points at.
// Values may carry a "sha256:" prefix.
func (l *Loader) FetchCurrentHash(ctx context.Context) (string, error) {
	out, err := l.opts.SSMClient.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(l.opts.SSMParam),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", xerrors.Wrapf(err, "get SSM parameter %s", l.opts.SSMParam)
	}
	if out == nil || out.Parameter == nil || out.Parameter.Value == nil {
		return "", xerrors.Newf("SSM parameter %s has no value", l.opts.SSMParam)
	}
	hash, err := normalizeHash(*out.Parameter.Value)
	if err != nil {
		return "", xerrors.Wrapf(err, "SSM parameter %s", l.opts.SSMParam)
	}
	return hash, nil
}

func normalizeHash(v string) (string, error) {
	h := strings.ToLower(strings.TrimSpace(v))
	h = strings.TrimPrefix(h, "sha256:")
	if h == "" {
		return "", xerrors.New("empty manifest hash")
	}
	if len(h) != 64 {
		return "", xerrors.Newf("manifest hash %q is not a sha256 hex digest", v)
	}
	if _, err := hex.DecodeString(h); err != nil {
		return "", xerrors.Newf("manifest hash %q is not hex", v)
	}
	return h, nil
}

func (l *Loader) objectKey(hash string) string {
	if l.opts.S3Prefix != "" {
		return fmt.Sprintf("%s/%s.json", l.opts.S3Prefix, hash)
	}
	return hash + ".json"
}

func (l *Loader) getObject(ctx context.Context, key string) ([]byte, error) {
	out, err := l.opts.S3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(l.opts.S3Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, xerrors.Wrapf(err, "get S3 object s3://%s/%s", l.opts.S3Bucket, key)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(io.LimitReader(out.Body, l.opts.MaxBytes+1))
	if err != nil {
		return nil, xerrors.Wrapf(err, "read S3 object s3://%s/%s", l.opts.S3Bucket, key)
	}
	if int64(len(data)) > l.opts.MaxBytes {
		return nil, xerrors.Newf("S3 object s3://%s/%s exceeds %d bytes", l.opts.S3Bucket, key, l.opts.MaxBytes)
	}
	return data, nil
}

// Load fetches whatever manifest SSM currently points at.
func (l *Loader) Load(ctx context.Context) (*Snapshot, error) {
	hash, err := l.FetchCurrentHash(ctx)
	if err != nil {
		return nil, err
	}
	return l.LoadHash(ctx, hash)
}

// LoadHash downloads, verifies, parses and validates the manifest with the
// given sha256.
func (l *Loader) LoadHash(ctx context.Context, hash string) (*Snapshot, error) {
	loadedAt := time.Now().UTC()
	hash, err := normalizeHash(hash)
	if err != nil {
		return nil, err
	}
	key := l.objectKey(hash)

	l.logger.Info(ctx, "downloading manifest",
		"bucket", l.opts.S3Bucket,
		"key", key,
		"expected_hash", hash,
	)
	data, err := l.getObject(ctx, key)
	if err != nil {
		return nil, err
	}

	actual := cryptoutil.SHA256Hex(data)
	if !cryptoutil.HashEqual(actual, hash) {
		return nil, xerrors.Newf("checksum mismatch: expected %s, got %s", hash, actual)
	}

	signed := false
	if l.opts.Verifier != nil {
		sig, err := l.getObject(ctx, key+".sig")
		if err != nil {
			return nil, xerrors.Wrap(err, "fetch manifest signature")
		}
		if err := l.opts.Verifier.VerifySignature(ctx, data, sig); err != nil {
			return nil, xerrors.Wrapf(err, "verify manifest signature %s", hash)
		}
		signed = true
	}

	m, err := Parse(data, FormatJSON)
	if err != nil {
		return nil, xerrors.Wrapf(err, "parse manifest %s", hash)
	}
	if err := Validate(m); err != nil {
		return nil, xerrors.Wrapf(err, "validate manifest %s", hash)
	}

	l.logger.Info(ctx, "loaded manifest",
		"hash", hash,
		"bytes", len(data),
		"version", m.Version,
		"declarations", len(m.ContentScripts),
		"signed", signed,
	)

	return &Snapshot{
		Manifest: m,
		Meta: Meta{
			Version:    m.Version,
			SHA256:     hash,
			Source:     SourceS3,
			Signed:     signed,
			VerifiedAt: time.Now().UTC(),
		},
		LoadedAt: loadedAt,
	}, nil
}

// LoadIntoManager fetches the current manifest and makes it active.
func (l *Loader) LoadIntoManager(ctx context.Context, mgr *Manager) error {
	snap, err := l.Load(ctx)
	if err != nil {
		return err
	}
	mgr.Set(*snap)
	return nil
}
