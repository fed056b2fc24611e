package depot

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jacktea/depot/pkg/blob"
	"github.com/jacktea/depot/pkg/meta"
	"github.com/jacktea/depot/pkg/xerrors"
)

func newTestDepot(t *testing.T, opts Options) *Depot {
	t.Helper()
	blobs, err := blob.NewPathStore(t.TempDir(), blob.EncryptionOptions{})
	if err != nil {
		t.Fatalf("new path store: %v", err)
	}
	if opts.Log == nil {
		opts.Log = slog.New(slog.DiscardHandler)
	}
	return New(blobs, meta.NewMemoryStore(), opts)
}

func upload(t *testing.T, d *Depot, name, payload string, policy Policy) UploadResult {
	t.Helper()
	result, err := d.Upload(context.Background(), UploadRequest{
		Body:       strings.NewReader(payload),
		Filename:   name,
		OnConflict: policy,
	})
	if err != nil {
		t.Fatalf("upload %s: %v", name, err)
	}
	return result
}

func TestUploadCreates(t *testing.T) {
	d := newTestDepot(t, Options{})
	result := upload(t, d, "report.pdf", "payload-one", "")
	if result.Outcome != OutcomeCreated {
		t.Fatalf("outcome = %s, want created", result.Outcome)
	}
	if result.Record.ID == "" || result.Record.StorageRef == "" {
		t.Fatalf("record missing identifiers: %+v", result.Record)
	}
	if result.Record.Size != int64(len("payload-one")) {
		t.Fatalf("size = %d", result.Record.Size)
	}

	record, rc, err := d.Get(context.Background(), result.Record.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	if string(data) != "payload-one" {
		t.Fatalf("payload round trip: %q", data)
	}
	if record.Fingerprint != result.Record.Fingerprint {
		t.Fatalf("fingerprint changed between upload and get")
	}
}

func TestUploadDuplicateRejected(t *testing.T) {
	d := newTestDepot(t, Options{})
	first := upload(t, d, "a.bin", "same bytes", "")
	second := upload(t, d, "b.bin", "same bytes", PolicyReject)

	if second.Outcome != OutcomeDuplicate {
		t.Fatalf("outcome = %s, want duplicate", second.Outcome)
	}
	if second.Record.ID != first.Record.ID {
		t.Fatalf("duplicate did not surface the existing record")
	}
	if second.Record.DisplayName != "a.bin" {
		t.Fatalf("existing record was mutated: %+v", second.Record)
	}
	if n, _ := d.Count(context.Background()); n != 1 {
		t.Fatalf("count = %d after duplicate", n)
	}
}

func TestUploadDuplicateReplaced(t *testing.T) {
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	d := newTestDepot(t, Options{Now: func() time.Time { return now }})

	first, err := d.Upload(context.Background(), UploadRequest{
		Body:        strings.NewReader("same bytes"),
		Filename:    "a.bin",
		Description: "original",
	})
	if err != nil {
		t.Fatalf("first upload: %v", err)
	}

	now = now.Add(time.Hour)
	second := upload(t, d, "renamed.bin", "same bytes", PolicyReplace)
	if second.Outcome != OutcomeReplaced {
		t.Fatalf("outcome = %s, want replaced", second.Outcome)
	}
	if second.Record.ID != first.Record.ID {
		t.Fatalf("replace minted a new id")
	}
	if second.Record.StorageRef != first.Record.StorageRef {
		t.Fatalf("replace moved the blob to a new ref")
	}
	if second.Record.DisplayName != "renamed.bin" {
		t.Fatalf("display name not updated: %+v", second.Record)
	}
	// An empty incoming description keeps the prior one.
	if second.Record.Description != "original" {
		t.Fatalf("description = %q", second.Record.Description)
	}
	if !second.Record.UploadedAt.After(first.Record.UploadedAt) {
		t.Fatalf("upload date not refreshed")
	}
	if n, _ := d.Count(context.Background()); n != 1 {
		t.Fatalf("count = %d after replace", n)
	}
}

func TestUploadValidation(t *testing.T) {
	d := newTestDepot(t, Options{MaxPayload: 16})
	ctx := context.Background()

	cases := []struct {
		name string
		req  UploadRequest
		kind xerrors.Kind
	}{
		{"missing filename", UploadRequest{Body: strings.NewReader("x"), Filename: "  "}, xerrors.KindInvalid},
		{"empty payload", UploadRequest{Body: strings.NewReader(""), Filename: "a.bin"}, xerrors.KindInvalid},
		{"bad policy", UploadRequest{Body: strings.NewReader("x"), Filename: "a.bin", OnConflict: Policy("merge")}, xerrors.KindInvalid},
		{"too large", UploadRequest{Body: bytes.NewReader(make([]byte, 17)), Filename: "big.bin"}, xerrors.KindTooLarge},
	}
	for _, tc := range cases {
		if _, err := d.Upload(ctx, tc.req); xerrors.KindOf(err) != tc.kind {
			t.Errorf("%s: got %v, want kind %s", tc.name, err, tc.kind)
		}
	}
	if n, _ := d.Count(ctx); n != 0 {
		t.Fatalf("rejected uploads left %d records", n)
	}
}

func TestUploadAtLimitAccepted(t *testing.T) {
	d := newTestDepot(t, Options{MaxPayload: 16})
	result := upload(t, d, "edge.bin", strings.Repeat("x", 16), "")
	if result.Record.Size != 16 {
		t.Fatalf("size = %d", result.Record.Size)
	}
}

func TestUploadDefaultContentType(t *testing.T) {
	d := newTestDepot(t, Options{})
	result := upload(t, d, "notes.unknownext", "hello", "")
	if result.Record.ContentType != "application/octet-stream" {
		t.Fatalf("content type = %q", result.Record.ContentType)
	}
}

func TestGetMissingBlobIsInconsistent(t *testing.T) {
	d := newTestDepot(t, Options{})
	ctx := context.Background()
	result := upload(t, d, "a.bin", "bytes", "")

	if err := d.Blobs().Remove(ctx, result.Record.StorageRef); err != nil {
		t.Fatalf("remove blob: %v", err)
	}
	if _, _, err := d.Get(ctx, result.Record.ID); xerrors.KindOf(err) != xerrors.KindInconsistent {
		t.Fatalf("get with missing blob: %v", err)
	}
	// The dangling record is still deletable.
	if err := d.Delete(ctx, result.Record.ID); err != nil {
		t.Fatalf("delete dangling record: %v", err)
	}
	if _, err := d.Stat(ctx, result.Record.ID); xerrors.KindOf(err) != xerrors.KindNotFound {
		t.Fatalf("record survived delete: %v", err)
	}
}

func TestDeleteFreesFingerprint(t *testing.T) {
	d := newTestDepot(t, Options{})
	ctx := context.Background()
	first := upload(t, d, "a.bin", "reusable bytes", "")

	if err := d.Delete(ctx, first.Record.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := d.Delete(ctx, first.Record.ID); xerrors.KindOf(err) != xerrors.KindNotFound {
		t.Fatalf("second delete: %v", err)
	}

	second := upload(t, d, "b.bin", "reusable bytes", "")
	if second.Outcome != OutcomeCreated {
		t.Fatalf("re-upload after delete: %s", second.Outcome)
	}
	if second.Record.ID == first.Record.ID {
		t.Fatalf("id reused after delete")
	}
}

func TestListNewestFirst(t *testing.T) {
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	d := newTestDepot(t, Options{Now: func() time.Time { return now }})
	ctx := context.Background()

	upload(t, d, "old.bin", "payload one", "")
	now = now.Add(time.Minute)
	upload(t, d, "new.bin", "payload two", "")

	records, err := d.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 2 || records[0].DisplayName != "new.bin" {
		t.Fatalf("unexpected order: %+v", records)
	}
}

func TestConcurrentUploadsSamePayload(t *testing.T) {
	d := newTestDepot(t, Options{})
	ctx := context.Background()

	const workers = 8
	var wg sync.WaitGroup
	results := make([]UploadResult, workers)
	errs := make([]error, workers)
	for i := range workers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = d.Upload(ctx, UploadRequest{
				Body:     strings.NewReader("contended payload"),
				Filename: "same.bin",
			})
		}(i)
	}
	wg.Wait()

	created := 0
	for i := range workers {
		if errs[i] != nil {
			t.Fatalf("worker %d: %v", i, errs[i])
		}
		if results[i].Outcome == OutcomeCreated {
			created++
		}
		if results[i].Record.ID != results[0].Record.ID {
			t.Fatalf("workers resolved to different records")
		}
	}
	if created != 1 {
		t.Fatalf("created = %d, want exactly 1", created)
	}
	if n, _ := d.Count(ctx); n != 1 {
		t.Fatalf("count = %d", n)
	}
}
