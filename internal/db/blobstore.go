package db

import (
	"context"
	"fmt"
	"io"

	"github.com/jackc/pgx/v5"
)

// BlobStore streams job audio in and out of Postgres large objects
// (spec.md §3 "Audio blob"). Large objects live outside any table and
// are only reachable by oid, which is why Job.AudioOID is a plain
// uint32 rather than a GORM association.
type BlobStore struct {
	pool      *Service
	chunkSize int
}

func NewBlobStore(s *Service, chunkBytes int) *BlobStore {
	return &BlobStore{pool: s, chunkSize: chunkBytes}
}

// Put streams r into a freshly created large object and returns its
// oid. It runs inside its own transaction: large-object writes are
// only durable once that transaction commits, matching
// __file_chunk_size_in_bytes chunked lo_put in the original.
func (b *BlobStore) Put(ctx context.Context, r io.Reader) (oid uint32, _ error) {
	tx, err := b.pool.pgpool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin blob transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	los := tx.LargeObjects()
	created, err := los.Create(ctx, 0)
	if err != nil {
		return 0, fmt.Errorf("create large object: %w", err)
	}

	obj, err := los.Open(ctx, created, pgx.LargeObjectModeWrite)
	if err != nil {
		return 0, fmt.Errorf("open large object for write: %w", err)
	}

	buf := make([]byte, b.chunkSize)
	for {
		n, readErr := r.Read(buf)
		if n > 0 {
			if _, err := obj.Write(buf[:n]); err != nil {
				return 0, fmt.Errorf("write large object chunk: %w", err)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return 0, fmt.Errorf("read audio source: %w", readErr)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit blob transaction: %w", err)
	}
	return created, nil
}

// Get streams the large object identified by oid to w, b.chunkSize
// bytes at a time, mirroring the original's AsyncGenerator chunking
// of get_job_audio so a runner never has to buffer a whole file.
func (b *BlobStore) Get(ctx context.Context, oid uint32, w io.Writer) error {
	tx, err := b.pool.pgpool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin blob transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	los := tx.LargeObjects()
	obj, err := los.Open(ctx, oid, pgx.LargeObjectModeRead)
	if err != nil {
		return fmt.Errorf("open large object for read: %w", err)
	}

	buf := make([]byte, b.chunkSize)
	for {
		n, readErr := obj.Read(buf)
		if n > 0 {
			if _, err := w.Write(buf[:n]); err != nil {
				return fmt.Errorf("write audio chunk to sink: %w", err)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return fmt.Errorf("read large object chunk: %w", readErr)
		}
	}
	return tx.Commit(ctx)
}

// Delete unlinks a large object directly; JobsRepo.AddJob uses it to
// release the blob when the job row cannot be created. Deleted job
// rows rely on the delete_job_audio trigger instead. Aborting or
// finishing a job only clears audio_oid and does not unlink the blob;
// the general-cleanup task's orphan sweep removes it later.
func (b *BlobStore) Delete(ctx context.Context, oid uint32) error {
	tx, err := b.pool.pgpool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin blob transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	los := tx.LargeObjects()
	if err := los.Unlink(ctx, oid); err != nil {
		return fmt.Errorf("unlink large object: %w", err)
	}
	return tx.Commit(ctx)
}
