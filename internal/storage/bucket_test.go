package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/require"
)

// fakeS3 is an in-memory bucket. It pages listings two keys at a time so the paginator is
// exercised.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	putErr  error
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string][]byte)}
}

func (f *fakeS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, aws.ToString(in.Prefix)) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	start := 0
	if in.ContinuationToken != nil {
		start = sort.SearchStrings(keys, aws.ToString(in.ContinuationToken))
	}
	end := start + 2
	if end > len(keys) {
		end = len(keys)
	}

	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(end < len(keys))}
	for _, k := range keys[start:end] {
		out.Contents = append(out.Contents, types.Object{Key: aws.String(k)})
	}
	if end < len(keys) {
		out.NextContinuationToken = aws.String(keys[end])
	}
	return out, nil
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.putErr != nil {
		return nil, f.putErr
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.ToString(in.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) count(suffix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for k := range f.objects {
		if strings.HasSuffix(k, suffix) {
			n++
		}
	}
	return n
}

func TestNewBucket(t *testing.T) {
	tests := map[string]struct {
		cfg      *BucketConfig
		wantErr  bool
		wantRoot string
	}{
		"missing client": {
			cfg:     &BucketConfig{Bucket: "b", Table: "trips"},
			wantErr: true,
		},
		"missing bucket": {
			cfg:     &BucketConfig{Client: newFakeS3(), Table: "trips"},
			wantErr: true,
		},
		"missing table": {
			cfg:     &BucketConfig{Client: newFakeS3(), Bucket: "b"},
			wantErr: true,
		},
		"no prefix": {
			cfg:      &BucketConfig{Client: newFakeS3(), Bucket: "b", Table: "trips"},
			wantRoot: "trips",
		},
		"prefix is trimmed": {
			cfg:      &BucketConfig{Client: newFakeS3(), Bucket: "b", Prefix: "/lake/", Table: "trips"},
			wantRoot: "lake/trips",
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			req := require.New(t)
			got, err := NewBucket(tc.cfg)
			if tc.wantErr {
				req.Error(err)
				req.Nil(got)
				return
			}
			req.NoError(err)
			req.Equal(tc.wantRoot, got.root)
		})
	}
}

func TestBucket_CommitVisibility(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	fake := newFakeS3()
	b, err := NewBucket(&BucketConfig{Client: fake, Bucket: "lake", Table: "trips"})
	req.NoError(err)

	_, err = b.LastCommit(ctx)
	req.ErrorIs(err, ErrNoCommit)

	req.NoError(b.DurableWrite(ctx, "chennai", "c", entry(1, "c", 0, "rider-C")))
	req.NoError(b.DurableWrite(ctx, "london", "d", entry(1, "d", 0, "rider-D")))
	req.NoError(b.DurableWrite(ctx, "chennai", "c", entry(1, "c", time.Second, "rider-C1")))
	req.NoError(b.DurableCommit(ctx, CommitPoint{Barrier: 1, Seq: 1, Records: 3}))

	req.NoError(b.DurableWrite(ctx, "chennai", "c", entry(2, "c", 2*time.Second, "rider-X")))
	req.NoError(b.DurableWrite(ctx, "san francisco", "e", entry(2, "e", 0, "rider-E")))
	req.Equal(5, fake.count(deltaSuffix))

	last, err := b.LastCommit(ctx)
	req.NoError(err)
	req.Equal(uint64(1), last.Barrier)

	state := loadAll(t, b.Load)
	req.Len(state, 2)
	req.Equal("rider-C1", state["c"].Payload["rider"].Str())
	req.Equal("london", state["d"].Partition)

	// uncommitted objects were deleted by Load
	req.Equal(3, fake.count(deltaSuffix))
}

func TestBucket_LoadEqualOrderAcrossPartitions(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	b, err := NewBucket(&BucketConfig{Client: newFakeS3(), Bucket: "lake", Table: "trips"})
	req.NoError(err)

	// one barrier, two writes: the second lands in a partition that lists first
	old := entry(1, "k", 0, "old")
	old.Write = 1
	newer := entry(1, "k", 0, "new")
	newer.Write = 2
	req.NoError(b.DurableWrite(ctx, "zurich", "k", old))
	req.NoError(b.DurableWrite(ctx, "amsterdam", "k", newer))
	req.NoError(b.DurableCommit(ctx, CommitPoint{Barrier: 1, Seq: 1}))

	state := loadAll(t, b.Load)
	req.Equal("amsterdam", state["k"].Partition)
	req.Equal("new", state["k"].Payload["rider"].Str())
}

func TestBucket_Rollback(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	fake := newFakeS3()
	b, err := NewBucket(&BucketConfig{Client: fake, Bucket: "lake", Prefix: "tables", Table: "trips"})
	req.NoError(err)

	req.NoError(b.DurableWrite(ctx, "chennai", "c", entry(1, "c", 0, "rider-C")))
	req.NoError(b.DurableCommit(ctx, CommitPoint{Barrier: 1, Seq: 1}))
	req.NoError(b.DurableWrite(ctx, "chennai", "c", entry(2, "c", time.Second, "rider-X")))
	req.NoError(b.DurableWrite(ctx, "london", "d", entry(2, "d", time.Second, "rider-D")))

	req.NoError(b.Rollback(ctx, 2))
	req.Equal(1, fake.count(deltaSuffix))
	req.Equal(1, fake.count(commitSuffix))
}

func TestBucket_WriteFailure(t *testing.T) {
	fake := newFakeS3()
	fake.putErr = errors.New("throttled")
	b, err := NewBucket(&BucketConfig{Client: fake, Bucket: "lake", Table: "trips"})
	require.NoError(t, err)

	err = b.DurableWrite(context.Background(), "chennai", "c", entry(1, "c", 0, "rider-C"))
	require.ErrorIs(t, err, fake.putErr)
}

func TestParseDeltaBarrier(t *testing.T) {
	tests := map[string]struct {
		key  string
		want uint64
		ok   bool
	}{
		"valid": {
			key:  "trips/chennai/00000000000000000007-00000000000000000012.delta",
			want: 7,
			ok:   true,
		},
		"no sequence": {
			key: "trips/chennai/00000000000000000007.delta",
		},
		"garbage": {
			key: "trips/chennai/readme.delta",
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			got, ok := parseDeltaBarrier(tc.key)
			require.Equal(t, tc.ok, ok)
			require.Equal(t, tc.want, got)
		})
	}
}
