package s3gw

import (
	"bytes"
	"context"
	"encoding/hex"
	"io"
	"sort"
	"time"

	"github.com/johannesboyne/gofakes3"

	"github.com/jacktea/depot/pkg/depot"
	"github.com/jacktea/depot/pkg/meta"
	"github.com/jacktea/depot/pkg/xerrors"
)

// Backend maps the gofakes3.Backend surface onto a Depot. Object keys are
// record display names; when several records share a name the newest
// upload wins, matching the depot's list order.
type Backend struct {
	depot   *depot.Depot
	bucket  string
	created time.Time
}

var _ gofakes3.Backend = (*Backend)(nil)

// NewBackend wraps a Depot as a single-bucket S3 backend.
func NewBackend(d *depot.Depot, bucket string) *Backend {
	return &Backend{depot: d, bucket: bucket, created: time.Now().UTC()}
}

func (b *Backend) ListBuckets() ([]gofakes3.BucketInfo, error) {
	return []gofakes3.BucketInfo{{
		Name:         b.bucket,
		CreationDate: gofakes3.NewContentTime(b.created),
	}}, nil
}

func (b *Backend) ListBucket(name string, prefix *gofakes3.Prefix, page gofakes3.ListBucketPage) (*gofakes3.ObjectList, error) {
	if err := b.checkBucket(name); err != nil {
		return nil, err
	}
	if prefix == nil {
		prefix = &gofakes3.Prefix{}
	}
	objects, err := b.listObjects(context.Background())
	if err != nil {
		return nil, err
	}
	limit := int(page.MaxKeys)
	if limit <= 0 {
		limit = gofakes3.DefaultMaxBucketKeys
	}
	results := gofakes3.NewObjectList()
	seenPrefixes := make(map[string]struct{})
	var lastKey string
	count := 0
	for _, record := range objects {
		key := record.DisplayName
		if page.Marker != "" && key <= page.Marker {
			continue
		}
		match := gofakes3.PrefixMatch{Key: key, MatchedPart: key}
		if prefix.HasPrefix || prefix.HasDelimiter {
			if !prefix.Match(key, &match) {
				continue
			}
		}
		if match.CommonPrefix {
			if _, ok := seenPrefixes[match.MatchedPart]; ok {
				continue
			}
			seenPrefixes[match.MatchedPart] = struct{}{}
			if count < limit {
				results.AddPrefix(match.MatchedPart)
				count++
			} else {
				results.IsTruncated = true
				lastKey = match.MatchedPart
				break
			}
			continue
		}
		if count < limit {
			results.Add(contentFromRecord(record))
			count++
			lastKey = key
		} else {
			results.IsTruncated = true
			lastKey = key
			break
		}
	}
	if results.IsTruncated {
		results.NextMarker = lastKey
	}
	return results, nil
}

func (b *Backend) CreateBucket(name string) error {
	if err := gofakes3.ValidateBucketName(name); err != nil {
		return err
	}
	if name == b.bucket {
		return gofakes3.ResourceError(gofakes3.ErrBucketAlreadyExists, name)
	}
	// Only the configured bucket exists on this gateway.
	return gofakes3.BucketNotFound(name)
}

func (b *Backend) BucketExists(name string) (bool, error) {
	return name == b.bucket, nil
}

func (b *Backend) DeleteBucket(name string) error {
	if err := b.checkBucket(name); err != nil {
		return err
	}
	n, err := b.depot.Count(context.Background())
	if err != nil {
		return err
	}
	if n > 0 {
		return gofakes3.ResourceError(gofakes3.ErrBucketNotEmpty, name)
	}
	// The bucket itself is fixed; deleting it when empty is a no-op.
	return nil
}

func (b *Backend) ForceDeleteBucket(name string) error {
	if err := b.checkBucket(name); err != nil {
		return err
	}
	ctx := context.Background()
	records, err := b.depot.List(ctx)
	if err != nil {
		return err
	}
	for _, record := range records {
		if err := b.depot.Delete(ctx, record.ID); err != nil && xerrors.KindOf(err) != xerrors.KindNotFound {
			return err
		}
	}
	return nil
}

func (b *Backend) GetObject(bucket, object string, rangeRequest *gofakes3.ObjectRangeRequest) (*gofakes3.Object, error) {
	if err := b.checkBucket(bucket); err != nil {
		return nil, err
	}
	ctx := context.Background()
	record, err := b.resolveKey(ctx, object)
	if err != nil {
		return nil, err
	}
	var rng *gofakes3.ObjectRange
	if rangeRequest != nil {
		rng, err = rangeRequest.Range(record.Size)
		if err != nil {
			return nil, err
		}
	}
	_, rc, err := b.depot.Get(ctx, record.ID)
	if err != nil {
		return nil, err
	}
	body, err := sliceBody(rc, rng)
	if err != nil {
		rc.Close()
		return nil, err
	}
	return b.objectResponse(record, body, rng), nil
}

func (b *Backend) HeadObject(bucket, object string) (*gofakes3.Object, error) {
	if err := b.checkBucket(bucket); err != nil {
		return nil, err
	}
	record, err := b.resolveKey(context.Background(), object)
	if err != nil {
		return nil, err
	}
	return b.objectResponse(record, io.NopCloser(bytes.NewReader(nil)), nil), nil
}

func (b *Backend) DeleteObject(bucket, object string) (gofakes3.ObjectDeleteResult, error) {
	if err := b.checkBucket(bucket); err != nil {
		return gofakes3.ObjectDeleteResult{}, err
	}
	ctx := context.Background()
	record, err := b.resolveKey(ctx, object)
	if err != nil {
		if xerrors.KindOf(err) == xerrors.KindNotFound {
			return gofakes3.ObjectDeleteResult{}, nil
		}
		return gofakes3.ObjectDeleteResult{}, err
	}
	if err := b.depot.Delete(ctx, record.ID); err != nil && xerrors.KindOf(err) != xerrors.KindNotFound {
		return gofakes3.ObjectDeleteResult{}, err
	}
	return gofakes3.ObjectDeleteResult{}, nil
}

func (b *Backend) PutObject(bucket, key string, metadata map[string]string, input io.Reader, _ int64, conditions *gofakes3.PutConditions) (gofakes3.PutObjectResult, error) {
	if err := b.checkBucket(bucket); err != nil {
		return gofakes3.PutObjectResult{}, err
	}
	if !objectKeyValid(key) {
		return gofakes3.PutObjectResult{}, gofakes3.KeyNotFound(key)
	}
	ctx := context.Background()
	if conditions != nil {
		info, err := b.conditionalInfo(ctx, key)
		if err != nil {
			return gofakes3.PutObjectResult{}, err
		}
		if err := gofakes3.CheckPutConditions(conditions, info); err != nil {
			return gofakes3.PutObjectResult{}, err
		}
	}
	_, err := b.depot.Upload(ctx, depot.UploadRequest{
		Body:        input,
		Filename:    key,
		ContentType: metadata["Content-Type"],
		Description: metadata["X-Amz-Meta-Description"],
		OnConflict:  depot.PolicyReplace,
	})
	if err != nil {
		return gofakes3.PutObjectResult{}, err
	}
	return gofakes3.PutObjectResult{}, nil
}

func (b *Backend) DeleteMulti(bucket string, objects ...string) (gofakes3.MultiDeleteResult, error) {
	if err := b.checkBucket(bucket); err != nil {
		return gofakes3.MultiDeleteResult{}, err
	}
	var result gofakes3.MultiDeleteResult
	for _, key := range objects {
		if _, err := b.DeleteObject(bucket, key); err != nil {
			result.Error = append(result.Error, gofakes3.ErrorResultFromError(err))
		} else {
			result.Deleted = append(result.Deleted, gofakes3.ObjectID{Key: key})
		}
	}
	return result, result.AsError()
}

func (b *Backend) CopyObject(srcBucket, srcKey, dstBucket, dstKey string, metadata map[string]string) (gofakes3.CopyObjectResult, error) {
	if err := b.checkBucket(srcBucket); err != nil {
		return gofakes3.CopyObjectResult{}, err
	}
	if err := b.checkBucket(dstBucket); err != nil {
		return gofakes3.CopyObjectResult{}, err
	}
	ctx := context.Background()
	record, err := b.resolveKey(ctx, srcKey)
	if err != nil {
		return gofakes3.CopyObjectResult{}, err
	}
	_, rc, err := b.depot.Get(ctx, record.ID)
	if err != nil {
		return gofakes3.CopyObjectResult{}, err
	}
	defer rc.Close()
	result, err := b.depot.Upload(ctx, depot.UploadRequest{
		Body:        rc,
		Filename:    dstKey,
		ContentType: record.ContentType,
		Description: record.Description,
		OnConflict:  depot.PolicyReplace,
	})
	if err != nil {
		return gofakes3.CopyObjectResult{}, err
	}
	return gofakes3.CopyObjectResult{
		ETag:         etagFor(result.Record),
		LastModified: gofakes3.NewContentTime(result.Record.UploadedAt),
	}, nil
}

func (b *Backend) checkBucket(name string) error {
	if name != b.bucket {
		return gofakes3.BucketNotFound(name)
	}
	return nil
}

// resolveKey finds the newest record whose display name matches the key.
func (b *Backend) resolveKey(ctx context.Context, key string) (meta.FileRecord, error) {
	record, ok, err := b.lookupKey(ctx, key)
	if err != nil {
		return meta.FileRecord{}, err
	}
	if !ok {
		return meta.FileRecord{}, gofakes3.KeyNotFound(key)
	}
	return record, nil
}

func (b *Backend) lookupKey(ctx context.Context, key string) (meta.FileRecord, bool, error) {
	if !objectKeyValid(key) {
		return meta.FileRecord{}, false, nil
	}
	records, err := b.depot.List(ctx)
	if err != nil {
		return meta.FileRecord{}, false, err
	}
	for _, record := range records {
		if record.DisplayName == key {
			return record, true, nil
		}
	}
	return meta.FileRecord{}, false, nil
}

// listObjects returns one record per display name, newest first by the
// depot's ordering, then re-sorted by key for S3 listing.
func (b *Backend) listObjects(ctx context.Context) ([]meta.FileRecord, error) {
	records, err := b.depot.List(ctx)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(records))
	out := records[:0]
	for _, record := range records {
		if _, ok := seen[record.DisplayName]; ok {
			continue
		}
		seen[record.DisplayName] = struct{}{}
		out = append(out, record)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].DisplayName < out[j].DisplayName
	})
	return out, nil
}

func (b *Backend) conditionalInfo(ctx context.Context, key string) (*gofakes3.ConditionalObjectInfo, error) {
	record, ok, err := b.lookupKey(ctx, key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return &gofakes3.ConditionalObjectInfo{Exists: false}, nil
	}
	return &gofakes3.ConditionalObjectInfo{
		Exists: true,
		Hash:   fingerprintBytes(record),
	}, nil
}

func (b *Backend) objectResponse(record meta.FileRecord, body io.ReadCloser, rng *gofakes3.ObjectRange) *gofakes3.Object {
	return &gofakes3.Object{
		Name: record.DisplayName,
		Metadata: map[string]string{
			"Content-Type":  record.ContentType,
			"Last-Modified": record.UploadedAt.UTC().Format(time.RFC1123),
		},
		Size:     record.Size,
		Contents: body,
		Hash:     fingerprintBytes(record),
		Range:    rng,
	}
}

func contentFromRecord(record meta.FileRecord) *gofakes3.Content {
	return &gofakes3.Content{
		Key:          record.DisplayName,
		LastModified: gofakes3.NewContentTime(record.UploadedAt),
		Size:         record.Size,
		ETag:         etagFor(record),
	}
}

func etagFor(record meta.FileRecord) string {
	return gofakes3.FormatETag(fingerprintBytes(record))
}

func fingerprintBytes(record meta.FileRecord) []byte {
	raw, err := hex.DecodeString(string(record.Fingerprint))
	if err != nil {
		return []byte(record.Fingerprint)
	}
	return raw
}

// sliceBody applies an optional byte range to a full-object reader.
func sliceBody(rc io.ReadCloser, rng *gofakes3.ObjectRange) (io.ReadCloser, error) {
	if rng == nil {
		return rc, nil
	}
	if _, err := io.CopyN(io.Discard, rc, rng.Start); err != nil {
		return nil, err
	}
	return &limitedReadCloser{Reader: io.LimitReader(rc, rng.Length), closer: rc}, nil
}

type limitedReadCloser struct {
	io.Reader
	closer io.Closer
}

func (l *limitedReadCloser) Close() error { return l.closer.Close() }
