package blob

import (
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/jacktea/depot/pkg/xerrors"
)

const tmpPattern = "staging-*"

// PathStore persists blobs on the local filesystem under a two-level
// fan-out keyed by the generated reference.
type PathStore struct {
	root string
	enc  EncryptionOptions
}

// NewPathStore returns a Store rooted at root.
func NewPathStore(root string, enc EncryptionOptions) (*PathStore, error) {
	if root == "" {
		return nil, xerrors.E(xerrors.KindInvalid, "PathStore", "root")
	}
	if err := enc.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, xerrors.Wrap(xerrors.KindStorage, "PathStore.mkdir", root, err)
	}
	return &PathStore{root: root, enc: enc}, nil
}

func (p *PathStore) Put(ctx context.Context, r io.Reader) (Ref, int64, error) {
	ref := NewRef()
	n, err := p.writeBlob(p.pathForRef(ref), r)
	if err != nil {
		return "", 0, xerrors.Wrap(xerrors.KindStorage, "PathStore.Put", string(ref), err)
	}
	return ref, n, nil
}

func (p *PathStore) Get(ctx context.Context, ref Ref) (io.ReadCloser, int64, error) {
	f, err := os.Open(p.pathForRef(ref))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, xerrors.E(xerrors.KindNotFound, "PathStore.Get", string(ref))
		}
		return nil, 0, xerrors.Wrap(xerrors.KindStorage, "PathStore.Get", string(ref), err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, xerrors.Wrap(xerrors.KindStorage, "PathStore.Get", string(ref), err)
	}
	reader, err := p.enc.wrapReader(f)
	if err != nil {
		f.Close()
		return nil, 0, xerrors.Wrap(xerrors.KindStorage, "PathStore.Get", string(ref), err)
	}
	size := info.Size() - p.enc.overhead()
	if size < 0 {
		size = 0
	}
	return &blobReader{Reader: reader, closer: f}, size, nil
}

func (p *PathStore) Replace(ctx context.Context, ref Ref, r io.Reader) (int64, error) {
	target := p.pathForRef(ref)
	if _, err := os.Stat(target); err != nil {
		if os.IsNotExist(err) {
			return 0, xerrors.E(xerrors.KindNotFound, "PathStore.Replace", string(ref))
		}
		return 0, xerrors.Wrap(xerrors.KindStorage, "PathStore.Replace", string(ref), err)
	}
	n, err := p.writeBlob(target, r)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.KindStorage, "PathStore.Replace", string(ref), err)
	}
	return n, nil
}

func (p *PathStore) Remove(ctx context.Context, ref Ref) error {
	err := os.Remove(p.pathForRef(ref))
	if err != nil && !os.IsNotExist(err) {
		return xerrors.Wrap(xerrors.KindStorage, "PathStore.Remove", string(ref), err)
	}
	return nil
}

func (p *PathStore) Exists(ctx context.Context, ref Ref) (bool, error) {
	_, err := os.Stat(p.pathForRef(ref))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, xerrors.Wrap(xerrors.KindStorage, "PathStore.Exists", string(ref), err)
}

// Refs enumerates every stored blob. Staging files from in-flight writes
// and foreign files living under the root (a metadata database, editor
// droppings) are skipped, so the sweeper only ever sees real blobs.
func (p *PathStore) Refs(ctx context.Context) ([]RefInfo, error) {
	var out []RefInfo
	err := filepath.WalkDir(p.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() || !validRefName(d.Name()) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		size := info.Size() - p.enc.overhead()
		if size < 0 {
			size = 0
		}
		out = append(out, RefInfo{Ref: Ref(d.Name()), Size: size, ModTime: info.ModTime()})
		return nil
	})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindStorage, "PathStore.Refs", p.root, err)
	}
	return out, nil
}

// writeBlob streams r into a staging file and renames it onto target so a
// crash mid-write never leaves a partial blob at a live path. Returns the
// plaintext byte count.
func (p *PathStore) writeBlob(target string, r io.Reader) (int64, error) {
	file, err := os.CreateTemp(p.root, tmpPattern)
	if err != nil {
		return 0, err
	}
	tmpName := file.Name()
	writer, _, err := p.enc.wrapWriter(file)
	if err != nil {
		file.Close()
		os.Remove(tmpName)
		return 0, err
	}
	n, err := io.Copy(writer, r)
	if err != nil {
		file.Close()
		os.Remove(tmpName)
		return 0, err
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tmpName)
		return 0, err
	}
	if err := file.Close(); err != nil {
		os.Remove(tmpName)
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		os.Remove(tmpName)
		return 0, err
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return 0, err
	}
	return n, nil
}

func (p *PathStore) pathForRef(ref Ref) string {
	name := string(ref)
	if len(name) < 4 {
		return filepath.Join(p.root, name)
	}
	return filepath.Join(p.root, name[:2], name[2:4], name)
}

type blobReader struct {
	io.Reader
	closer io.Closer
}

func (b *blobReader) Close() error { return b.closer.Close() }
