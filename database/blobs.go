package database

import (
	"context"
	"encoding/hex"

	"github.com/zeebo/blake3"

	"github.com/c0deZ3R0/docsync/document"
	syncErrors "github.com/c0deZ3R0/docsync/errors"
	"github.com/c0deZ3R0/docsync/storage"
)

// BlobDigest is the content address of data.
func BlobDigest(data []byte) string {
	sum := blake3.Sum256(data)
	return "blake3-" + hex.EncodeToString(sum[:])
}

// SaveBlob stores data and returns a reference to embed in a document body.
func (db *Database) SaveBlob(ctx context.Context, contentType string, data []byte) (document.BlobRef, error) {
	if err := db.checkOpen(syncErrors.OpSave); err != nil {
		return document.BlobRef{}, err
	}
	ref := document.BlobRef{Digest: BlobDigest(data), ContentType: contentType, Length: int64(len(data))}
	err := db.engine.PutBlob(ctx, storage.Blob{Digest: ref.Digest, ContentType: contentType, Data: data})
	if err != nil {
		return document.BlobRef{}, syncErrors.WrapOpComponent(err, syncErrors.OpSave, component)
	}
	return ref, nil
}

// PutBlob stores content received from a peer after checking its digest.
func (db *Database) PutBlob(ctx context.Context, ref document.BlobRef, data []byte) error {
	if err := db.checkOpen(syncErrors.OpSave); err != nil {
		return err
	}
	if BlobDigest(data) != ref.Digest {
		return syncErrors.E(syncErrors.OpSave, syncErrors.Component(component), syncErrors.KindInvalid, "blob content does not match digest "+ref.Digest)
	}
	err := db.engine.PutBlob(ctx, storage.Blob{Digest: ref.Digest, ContentType: ref.ContentType, Data: data})
	return syncErrors.WrapOpComponent(err, syncErrors.OpSave, component)
}

// GetBlob returns the content for digest.
func (db *Database) GetBlob(ctx context.Context, digest string) ([]byte, error) {
	if err := db.checkOpen(syncErrors.OpRead); err != nil {
		return nil, err
	}
	b, err := db.engine.GetBlob(ctx, digest)
	if err != nil {
		return nil, syncErrors.WrapOpComponent(err, syncErrors.OpRead, component)
	}
	return b.Data, nil
}

// HasBlob reports whether content for digest is stored.
func (db *Database) HasBlob(ctx context.Context, digest string) (bool, error) {
	if err := db.checkOpen(syncErrors.OpRead); err != nil {
		return false, err
	}
	_, err := db.engine.GetBlob(ctx, digest)
	switch {
	case err == nil:
		return true, nil
	case syncErrors.Is(err, storage.ErrNotFound):
		return false, nil
	}
	return false, syncErrors.WrapOpComponent(err, syncErrors.OpRead, component)
}
