package ingest

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ontask-engine/pkg/apperrors"
)

type fakeBucket struct {
	objects map[string]string
	input   *s3.GetObjectInput
}

func (b *fakeBucket) GetObject(_ context.Context, params *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	b.input = params
	body, ok := b.objects[aws.ToString(params.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader(body))}, nil
}

func TestS3Fetcher_Fetch(t *testing.T) {
	bucket := &fakeBucket{objects: map[string]string{"exports/grades.csv": "sid,grade\n1,A\n2,B\n"}}
	var gotRegion string
	fetcher := NewS3FetcherWithClient("us-east-1", 1<<20, func(_ context.Context, region string, _ S3Source) (ObjectGetter, error) {
		gotRegion = region
		return bucket, nil
	}, zap.NewNop())

	f, err := fetcher.Fetch(context.Background(), S3Source{Bucket: "course", Key: "/exports/grades.csv"}, CSVOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, f.NumRows())
	assert.Equal(t, "us-east-1", gotRegion, "the configured region is the default")
	assert.Equal(t, "course", aws.ToString(bucket.input.Bucket))

	_, err = fetcher.Fetch(context.Background(), S3Source{Bucket: "course", Key: "missing.csv", Region: "eu-west-1"}, CSVOptions{})
	var verr *apperrors.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "key", verr.Field)
	assert.Equal(t, "eu-west-1", gotRegion)
}

func TestS3Fetcher_Validation(t *testing.T) {
	fetcher := NewS3FetcherWithClient("us-east-1", 1<<20, func(context.Context, string, S3Source) (ObjectGetter, error) {
		return nil, errors.New("must not be called")
	}, zap.NewNop())

	for _, src := range []S3Source{
		{Key: "a.csv"},
		{Bucket: "course"},
		{Bucket: "course", Key: "a.csv", AccessKeyID: "AKIA"},
	} {
		_, err := fetcher.Fetch(context.Background(), src, CSVOptions{})
		assert.ErrorIs(t, err, apperrors.ErrValidation)
	}
}

func TestS3Descriptor_OmitsCredentials(t *testing.T) {
	d := S3Descriptor(S3Source{Bucket: "course", Key: "a.csv", AccessKeyID: "AKIA", SecretAccessKey: "secret"}, CSVOptions{SkipLinesAtTop: 2})
	assert.Equal(t, KindS3, d.Kind)
	assert.Equal(t, "course", d.Params["bucket"])
	assert.Equal(t, "2", d.Params["skip_lines_at_top"])
	for _, v := range d.Params {
		assert.NotContains(t, v, "secret")
	}
}
