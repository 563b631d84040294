package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/golang/snappy"
	"github.com/rs/zerolog/log"
)

const deltaSuffix = ".delta"

// s3API is the subset of the S3 client the bucket store needs.
type s3API interface {
	s3.ListObjectsV2APIClient
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// Bucket stores a table in S3 under <Prefix>/<Table>. Every durable write is its own snappy
// encoded object named <barrier>-<seq>.delta inside the partition prefix, so listing a partition
// returns its writes in order.
type Bucket struct {
	client s3API
	bucket string
	root   string
	seq    atomic.Uint64
}

type BucketConfig struct {
	Client s3API
	Bucket string
	Prefix string
	Table  string
}

func (c *BucketConfig) validate() error {
	var errGrp []error
	if c.Client == nil {
		errGrp = append(errGrp, errors.New("s3 client is required"))
	}
	if c.Bucket == "" {
		errGrp = append(errGrp, errors.New("bucket is required"))
	}
	if c.Table == "" {
		errGrp = append(errGrp, errors.New("table name is required"))
	}
	return errors.Join(errGrp...)
}

// NewBucket returns an S3 backed store.
func NewBucket(cfg *BucketConfig) (*Bucket, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Bucket{
		client: cfg.Client,
		bucket: cfg.Bucket,
		root:   path.Join(strings.Trim(cfg.Prefix, "/"), cfg.Table),
	}, nil
}

// DurableWrite puts one object per entry. S3 acknowledges a PutObject only once it is durable.
func (b *Bucket) DurableWrite(ctx context.Context, partition, key string, e Entry) error {
	e.Partition = partition
	e.Key = key

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}

	name := fmt.Sprintf("%020d-%020d%s", e.Barrier, b.seq.Add(1), deltaSuffix)
	objectKey := path.Join(b.root, url.PathEscape(partitionDir(partition)), name)
	if err = b.put(ctx, objectKey, snappy.Encode(nil, data)); err != nil {
		return fmt.Errorf("failed to write %s: %w", objectKey, err)
	}
	return nil
}

// DurableCommit puts the commit instant for a barrier.
func (b *Bucket) DurableCommit(ctx context.Context, c CommitPoint) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal commit: %w", err)
	}
	objectKey := path.Join(b.root, timelineDir, commitName(c.Barrier))
	if err = b.put(ctx, objectKey, data); err != nil {
		return fmt.Errorf("failed to write commit %d: %w", c.Barrier, err)
	}
	return nil
}

// LastCommit returns the newest commit instant, or ErrNoCommit.
func (b *Bucket) LastCommit(ctx context.Context) (CommitPoint, error) {
	points, err := b.commits(ctx)
	if err != nil {
		return CommitPoint{}, err
	}
	if len(points) == 0 {
		return CommitPoint{}, ErrNoCommit
	}
	_, latest := committedSet(points)
	return latest, nil
}

// Load streams committed entries to fn and deletes objects of barriers that never committed.
func (b *Bucket) Load(ctx context.Context, fn func(Entry) error) error {
	points, err := b.commits(ctx)
	if err != nil {
		return err
	}
	committed, _ := committedSet(points)

	keys, err := b.list(ctx, b.root+"/")
	if err != nil {
		return err
	}

	var deltas []string
	for _, k := range keys {
		if strings.HasSuffix(k, deltaSuffix) {
			deltas = append(deltas, k)
		}
	}
	// partition prefix, then barrier, then write sequence
	sort.Strings(deltas)

	for _, k := range deltas {
		barrier, ok := parseDeltaBarrier(k)
		if !ok {
			log.Warn().Str("object", k).Msg("skipping malformed delta object name")
			continue
		}
		if _, ok = committed[barrier]; !ok {
			if err = b.delete(ctx, k); err != nil {
				return err
			}
			log.Debug().Str("object", k).Msg("rolled back uncommitted delta object")
			continue
		}

		e, err := b.readEntry(ctx, k)
		if err != nil {
			return err
		}
		if err = fn(e); err != nil {
			return err
		}
	}
	return nil
}

// Rollback deletes every delta object written by barrier.
func (b *Bucket) Rollback(ctx context.Context, barrier uint64) error {
	keys, err := b.list(ctx, b.root+"/")
	if err != nil {
		return err
	}
	for _, k := range keys {
		if !strings.HasSuffix(k, deltaSuffix) {
			continue
		}
		if id, ok := parseDeltaBarrier(k); ok && id == barrier {
			if err = b.delete(ctx, k); err != nil {
				return err
			}
		}
	}
	return nil
}

func (b *Bucket) commits(ctx context.Context) ([]CommitPoint, error) {
	keys, err := b.list(ctx, path.Join(b.root, timelineDir)+"/")
	if err != nil {
		return nil, err
	}

	var points []CommitPoint
	for _, k := range keys {
		if _, ok := parseCommitName(path.Base(k)); !ok {
			continue
		}
		data, err := b.get(ctx, k)
		if err != nil {
			return nil, err
		}
		var c CommitPoint
		if err = json.Unmarshal(data, &c); err != nil {
			log.Warn().Err(err).Str("object", k).Msg("skipping malformed commit instant")
			continue
		}
		points = append(points, c)
	}
	return points, nil
}

func (b *Bucket) readEntry(ctx context.Context, key string) (Entry, error) {
	raw, err := b.get(ctx, key)
	if err != nil {
		return Entry{}, err
	}
	data, err := snappy.Decode(nil, raw)
	if err != nil {
		return Entry{}, fmt.Errorf("failed to decode %s: %w", key, err)
	}
	var e Entry
	if err = json.Unmarshal(data, &e); err != nil {
		return Entry{}, fmt.Errorf("failed to parse %s: %w", key, err)
	}
	return e, nil
}

func (b *Bucket) list(ctx context.Context, prefix string) ([]string, error) {
	paginator := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket),
		Prefix: aws.String(prefix),
	})

	keys := make([]string, 0)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list %s: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	return keys, nil
}

func (b *Bucket) put(ctx context.Context, key string, body []byte) error {
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(body),
	})
	return err
}

func (b *Bucket) get(ctx context.Context, key string) ([]byte, error) {
	obj, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", key, err)
	}
	defer obj.Body.Close()

	data, err := io.ReadAll(obj.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return data, nil
}

func (b *Bucket) delete(ctx context.Context, key string) error {
	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

// parseDeltaBarrier reads the barrier id from <barrier>-<seq>.delta.
func parseDeltaBarrier(key string) (uint64, bool) {
	name := path.Base(key)
	var barrier, seq uint64
	if _, err := fmt.Sscanf(strings.TrimSuffix(name, deltaSuffix), "%d-%d", &barrier, &seq); err != nil {
		return 0, false
	}
	return barrier, true
}
