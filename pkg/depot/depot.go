// Package depot coordinates the digest, blob and metadata layers into the
// deduplicating file store: one stored blob per distinct payload, one live
// record per fingerprint.
package depot

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"mime"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jacktea/depot/pkg/blob"
	"github.com/jacktea/depot/pkg/digest"
	"github.com/jacktea/depot/pkg/meta"
	"github.com/jacktea/depot/pkg/xerrors"
)

// DefaultMaxPayload bounds uploads when the caller does not set a limit.
const DefaultMaxPayload = 512 << 20

// Policy selects what Upload does when the payload's fingerprint already
// has a live record.
type Policy string

const (
	// PolicyReject keeps the existing record untouched and reports the
	// duplicate to the caller.
	PolicyReject Policy = "reject"
	// PolicyReplace overwrites the existing record's metadata and re-writes
	// its blob, keeping the same id and storage reference.
	PolicyReplace Policy = "replace"
)

// Outcome classifies a finished upload.
type Outcome string

const (
	OutcomeCreated   Outcome = "created"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeReplaced  Outcome = "replaced"
)

// UploadRequest carries one incoming payload and its metadata.
type UploadRequest struct {
	Body        io.Reader
	Filename    string
	Description string
	ContentType string
	OnConflict  Policy
}

// UploadResult reports what Upload did and the record it resolved to.
type UploadResult struct {
	Outcome Outcome
	Record  meta.FileRecord
}

// Options tunes a Depot.
type Options struct {
	// MaxPayload is the largest accepted payload in bytes. Zero means
	// DefaultMaxPayload.
	MaxPayload int64
	Log        *slog.Logger
	// Now is overridable for tests.
	Now func() time.Time
}

// Depot is the coordinator in front of a blob store and a metadata index.
type Depot struct {
	blobs      blob.Store
	records    meta.Store
	maxPayload int64
	log        *slog.Logger
	now        func() time.Time
}

// New wires a Depot over the given stores.
func New(blobs blob.Store, records meta.Store, opts Options) *Depot {
	if opts.MaxPayload <= 0 {
		opts.MaxPayload = DefaultMaxPayload
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Depot{
		blobs:      blobs,
		records:    records,
		maxPayload: opts.MaxPayload,
		log:        opts.Log,
		now:        opts.Now,
	}
}

// Upload ingests one payload. The whole payload is read and fingerprinted
// before any store is touched; the blob is written before the record is
// inserted, so a crash between the two leaves only an orphan blob for the
// sweeper, never a record without bytes.
func (d *Depot) Upload(ctx context.Context, req UploadRequest) (UploadResult, error) {
	const op = "depot.Upload"
	if req.Body == nil || strings.TrimSpace(req.Filename) == "" {
		return UploadResult{}, xerrors.E(xerrors.KindInvalid, op, req.Filename)
	}
	switch req.OnConflict {
	case "", PolicyReject, PolicyReplace:
	default:
		return UploadResult{}, xerrors.E(xerrors.KindInvalid, op, string(req.OnConflict))
	}

	// Read at most one byte past the limit so oversized payloads are
	// rejected without buffering them whole.
	data, err := io.ReadAll(io.LimitReader(req.Body, d.maxPayload+1))
	if err != nil {
		return UploadResult{}, xerrors.Wrap(xerrors.KindStorage, op, req.Filename, err)
	}
	if int64(len(data)) > d.maxPayload {
		return UploadResult{}, xerrors.E(xerrors.KindTooLarge, op, req.Filename)
	}
	if len(data) == 0 {
		return UploadResult{}, xerrors.E(xerrors.KindInvalid, op, req.Filename)
	}
	fp := digest.Sum(data)

	existing, err := d.records.FindByFingerprint(ctx, fp)
	switch {
	case err == nil:
		return d.resolveDuplicate(ctx, req, existing, data)
	case xerrors.KindOf(err) == xerrors.KindNotFound:
	default:
		return UploadResult{}, err
	}

	return d.create(ctx, req, fp, data)
}

// create writes a fresh blob and inserts its record. When a concurrent
// upload of the same payload wins the insert, the staged blob is removed
// and the request degrades to the duplicate path against the winner.
func (d *Depot) create(ctx context.Context, req UploadRequest, fp digest.Fingerprint, data []byte) (UploadResult, error) {
	const op = "depot.Upload"
	ref, size, err := d.blobs.Put(ctx, bytes.NewReader(data))
	if err != nil {
		return UploadResult{}, err
	}
	record := meta.FileRecord{
		ID:          uuid.NewString(),
		Fingerprint: fp,
		DisplayName: req.Filename,
		StorageRef:  ref,
		Size:        size,
		ContentType: d.contentType(req),
		Description: req.Description,
		UploadedAt:  d.now().UTC(),
	}
	err = d.records.Insert(ctx, record)
	if err == nil {
		countUpload(OutcomeCreated)
		d.log.Info("file stored", "id", record.ID, "hash", string(fp), "size", record.Size)
		return UploadResult{Outcome: OutcomeCreated, Record: record}, nil
	}
	if removeErr := d.blobs.Remove(ctx, ref); removeErr != nil {
		d.log.Warn("staged blob not cleaned up", "ref", string(ref), "error", removeErr)
	}
	if xerrors.KindOf(err) != xerrors.KindConflict {
		return UploadResult{}, err
	}
	// Lost the race. The winner's record decides the duplicate handling.
	winner, findErr := d.records.FindByFingerprint(ctx, fp)
	if findErr != nil {
		return UploadResult{}, xerrors.Wrap(xerrors.KindConflict, op, string(fp), findErr)
	}
	return d.resolveDuplicate(ctx, req, winner, data)
}

func (d *Depot) resolveDuplicate(ctx context.Context, req UploadRequest, existing meta.FileRecord, data []byte) (UploadResult, error) {
	if req.OnConflict != PolicyReplace {
		countUpload(OutcomeDuplicate)
		d.log.Info("duplicate rejected", "id", existing.ID, "hash", string(existing.Fingerprint))
		return UploadResult{Outcome: OutcomeDuplicate, Record: existing}, nil
	}

	size, err := d.blobs.Replace(ctx, existing.StorageRef, bytes.NewReader(data))
	if err != nil {
		return UploadResult{}, err
	}
	updated := existing
	updated.DisplayName = req.Filename
	updated.Size = size
	updated.ContentType = d.contentType(req)
	updated.UploadedAt = d.now().UTC()
	if req.Description != "" {
		updated.Description = req.Description
	}
	if err := d.records.Update(ctx, updated); err != nil {
		return UploadResult{}, err
	}
	countUpload(OutcomeReplaced)
	d.log.Info("file replaced", "id", updated.ID, "hash", string(updated.Fingerprint))
	return UploadResult{Outcome: OutcomeReplaced, Record: updated}, nil
}

// Get opens the payload for one record. A live record whose blob is gone
// is reported as storage inconsistency, not as not-found.
func (d *Depot) Get(ctx context.Context, id string) (meta.FileRecord, io.ReadCloser, error) {
	const op = "depot.Get"
	record, err := d.records.FindByID(ctx, id)
	if err != nil {
		return meta.FileRecord{}, nil, err
	}
	rc, _, err := d.blobs.Get(ctx, record.StorageRef)
	if err != nil {
		if xerrors.KindOf(err) == xerrors.KindNotFound {
			return meta.FileRecord{}, nil, xerrors.Wrap(xerrors.KindInconsistent, op, id, err)
		}
		return meta.FileRecord{}, nil, err
	}
	return record, rc, nil
}

// Stat returns the record without opening its blob.
func (d *Depot) Stat(ctx context.Context, id string) (meta.FileRecord, error) {
	return d.records.FindByID(ctx, id)
}

// List returns all live records, newest first.
func (d *Depot) List(ctx context.Context) ([]meta.FileRecord, error) {
	return d.records.List(ctx)
}

// Count reports the number of live records.
func (d *Depot) Count(ctx context.Context) (int, error) {
	return d.records.Count(ctx)
}

// Delete removes the blob before the record. If the process dies between
// the two steps the dangling record is still visible and a repeated Delete
// finishes the job, since blob removal is idempotent.
func (d *Depot) Delete(ctx context.Context, id string) error {
	record, err := d.records.FindByID(ctx, id)
	if err != nil {
		return err
	}
	if err := d.blobs.Remove(ctx, record.StorageRef); err != nil {
		return err
	}
	if err := d.records.Remove(ctx, id); err != nil {
		return err
	}
	countDelete()
	d.log.Info("file removed", "id", id, "hash", string(record.Fingerprint))
	return nil
}

// Blobs exposes the underlying blob store for maintenance tasks.
func (d *Depot) Blobs() blob.Store { return d.blobs }

// Records exposes the underlying metadata store for maintenance tasks.
func (d *Depot) Records() meta.Store { return d.records }

func (d *Depot) contentType(req UploadRequest) string {
	if req.ContentType != "" {
		return req.ContentType
	}
	if byExt := mime.TypeByExtension(filepath.Ext(req.Filename)); byExt != "" {
		return byExt
	}
	return "application/octet-stream"
}
