package policy

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/keithlinneman/linnemanlabs-ratelimit/internal/cryptoutil"
	"github.com/keithlinneman/linnemanlabs-ratelimit/internal/log"
	"github.com/keithlinneman/linnemanlabs-ratelimit/internal/xerrors"
)

// S3API is the subset of the S3 client used to fetch policy documents.
type S3API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// SSMAPI is the subset of the SSM client used to read the current version.
type SSMAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// SignatureVerifier checks a detached signature over a policy document.
type SignatureVerifier interface {
	VerifyDetached(ctx context.Context, message, sig []byte) error
}

type S3SourceOptions struct {
	Logger log.Logger

	// SSM parameter containing the SHA256 of the published document
	SSMParam string

	// documents live at s3://{bucket}/{prefix}/{hash}.yaml
	S3Bucket string
	S3Prefix string

	S3  S3API
	SSM SSMAPI

	// Verifier, when set, requires {key}.sig next to each document.
	Verifier SignatureVerifier
}

// S3Source reads content-addressed policy documents from S3. SSM holds the
// hash of the current document, which doubles as its version.
type S3Source struct {
	opts   S3SourceOptions
	logger log.Logger
}

func NewS3Source(opts S3SourceOptions) (*S3Source, error) {
	if opts.SSMParam == "" {
		return nil, xerrors.New("SSMParam is required")
	}
	if opts.S3Bucket == "" {
		return nil, xerrors.New("S3Bucket is required")
	}
	if opts.S3 == nil || opts.SSM == nil {
		return nil, xerrors.New("S3 and SSM clients are required")
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	opts.S3Prefix = strings.Trim(opts.S3Prefix, "/")
	return &S3Source{opts: opts, logger: opts.Logger}, nil
}

func (s *S3Source) Kind() SourceKind { return SourceS3 }

// Current gets the current document hash from SSM
func (s *S3Source) Current(ctx context.Context) (string, error) {
	out, err := s.opts.SSM.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(s.opts.SSMParam),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", xerrors.Wrapf(err, "get SSM parameter %s", s.opts.SSMParam)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return "", xerrors.Newf("SSM parameter %s has no value", s.opts.SSMParam)
	}

	hash, ok := cryptoutil.NormalizeSHA256(*out.Parameter.Value)
	if !ok {
		return "", xerrors.Newf("SSM parameter %s is not a sha256 hash", s.opts.SSMParam)
	}
	return hash, nil
}

func (s *S3Source) key(hash string) string {
	if s.opts.S3Prefix != "" {
		return fmt.Sprintf("%s/%s.yaml", s.opts.S3Prefix, hash)
	}
	return fmt.Sprintf("%s.yaml", hash)
}

func (s *S3Source) get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.opts.S3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.opts.S3Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, xerrors.Wrapf(err, "get S3 object s3://%s/%s", s.opts.S3Bucket, key)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(io.LimitReader(out.Body, MaxDocumentSize+1))
	if err != nil {
		return nil, xerrors.Wrapf(err, "read S3 object s3://%s/%s", s.opts.S3Bucket, key)
	}
	if len(data) > MaxDocumentSize {
		return nil, xerrors.Newf("S3 object s3://%s/%s exceeds %d bytes", s.opts.S3Bucket, key, MaxDocumentSize)
	}
	return data, nil
}

// Load fetches, verifies, and parses the document for hash
func (s *S3Source) Load(ctx context.Context, hash string) (*Document, error) {
	key := s.key(hash)

	s.logger.Info(ctx, "downloading policy document",
		"bucket", s.opts.S3Bucket,
		"key", key,
		"expected_hash", truncHash(hash),
	)

	data, err := s.get(ctx, key)
	if err != nil {
		return nil, err
	}

	if actual := cryptoutil.SHA256Hex(data); !cryptoutil.HashEqual(actual, hash) {
		return nil, xerrors.Newf("checksum mismatch: expected %s, got %s", hash, actual)
	}

	if s.opts.Verifier != nil {
		sig, err := s.get(ctx, key+".sig")
		if err != nil {
			return nil, xerrors.Wrap(err, "fetch policy signature")
		}
		if err := s.opts.Verifier.VerifyDetached(ctx, data, sig); err != nil {
			return nil, xerrors.Wrapf(err, "verify policy signature for %s", truncHash(hash))
		}
		s.logger.Info(ctx, "policy signature verified", "hash", truncHash(hash))
	}

	return ParseDocument(data, FormatYAML)
}
