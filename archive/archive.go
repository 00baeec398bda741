// Package archive exports collections to compressed Extended JSON files and
// loads them back.
//
// An archive is a zstd stream of newline-separated JSON. The first line is a
// Header recording the collection and its storage options; every following
// line is one document in canonical Extended JSON.
package archive

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/stevemurr/bionexo-migrate/document"
	"github.com/stevemurr/bionexo-migrate/store"
)

// FormatVersion identifies the archive layout.
const FormatVersion = "bionexo-archive/1"

// Ext is the file extension of archives.
const Ext = ".ndjson.zst"

// maxLineSize bounds a single encoded document.
const maxLineSize = 16 << 20

var ErrBadArchive = errors.New("not a bionexo archive")

// Header is the first line of an archive.
type Header struct {
	Format     string                  `json:"format"`
	Collection string                  `json:"collection"`
	Created    time.Time               `json:"created"`
	Options    store.CollectionOptions `json:"options"`
}

// FileName is the archive name of collection at time at.
func FileName(collection string, at time.Time) string {
	return fmt.Sprintf("%s-%s%s", collection, at.UTC().Format("20060102T150405Z"), Ext)
}

// Dump writes every document of collection to w and returns how many were
// written. A missing collection is an error.
func Dump(ctx context.Context, s store.Store, collection string, w io.Writer, batchSize int) (int64, error) {
	info, err := s.CollectionInfo(ctx, collection)
	if err != nil {
		return 0, err
	}
	enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	if err != nil {
		return 0, fmt.Errorf("zstd writer: %w", err)
	}
	bw := bufio.NewWriter(enc)

	head, err := json.Marshal(Header{
		Format:     FormatVersion,
		Collection: collection,
		Created:    time.Now().UTC(),
		Options:    info.Options,
	})
	if err != nil {
		enc.Close()
		return 0, err
	}
	bw.Write(head)
	bw.WriteByte('\n')

	var n int64
	err = s.Find(ctx, collection, document.All, batchSize, func(d *document.Document) error {
		line, err := d.MarshalExtJSON(true)
		if err != nil {
			return fmt.Errorf("encode %s: %w", d.Key(), err)
		}
		if _, err := bw.Write(line); err != nil {
			return err
		}
		n++
		return bw.WriteByte('\n')
	})
	if err != nil {
		enc.Close()
		return n, fmt.Errorf("dump %s: %w", collection, err)
	}
	if err := bw.Flush(); err != nil {
		enc.Close()
		return n, err
	}
	if err := enc.Close(); err != nil {
		return n, fmt.Errorf("zstd close: %w", err)
	}
	return n, nil
}

// Load inserts the documents of an archive into collection in batches and
// returns how many were inserted. A missing collection is created with the
// options recorded in the header. Existing documents are not replaced: a
// duplicate key stops the load.
func Load(ctx context.Context, s store.Store, collection string, r io.Reader, batchSize int) (int64, error) {
	if batchSize < 1 {
		batchSize = store.DefaultBatchSize
	}
	dec, err := zstd.NewReader(r)
	if err != nil {
		return 0, fmt.Errorf("zstd reader: %w", err)
	}
	defer dec.Close()

	sc := bufio.NewScanner(dec)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	if !sc.Scan() {
		if err := sc.Err(); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrBadArchive, err)
		}
		return 0, fmt.Errorf("%w: empty stream", ErrBadArchive)
	}
	var head Header
	if err := json.Unmarshal(sc.Bytes(), &head); err != nil || head.Format != FormatVersion {
		return 0, fmt.Errorf("%w: bad header", ErrBadArchive)
	}
	if collection == "" {
		collection = head.Collection
	}
	err = s.CreateCollection(ctx, collection, head.Options)
	if err != nil && !errors.Is(err, store.ErrCollectionExists) {
		return 0, err
	}

	var (
		n     int64
		batch []*document.Document
	)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := s.InsertMany(ctx, collection, batch); err != nil {
			return err
		}
		n += int64(len(batch))
		batch = batch[:0]
		return nil
	}
	line := 1
	for sc.Scan() {
		line++
		if len(sc.Bytes()) == 0 {
			continue
		}
		d, err := document.UnmarshalExtJSON(sc.Bytes())
		if err != nil {
			return n, fmt.Errorf("archive line %d: %w", line, err)
		}
		batch = append(batch, d)
		if len(batch) >= batchSize {
			if err := flush(); err != nil {
				return n, fmt.Errorf("load %s: %w", collection, err)
			}
		}
	}
	if err := sc.Err(); err != nil {
		return n, fmt.Errorf("read archive: %w", err)
	}
	if err := flush(); err != nil {
		return n, fmt.Errorf("load %s: %w", collection, err)
	}
	return n, nil
}

// DumpFile writes collection to a new archive in dir and returns its path.
func DumpFile(ctx context.Context, s store.Store, dir, collection string, batchSize int) (string, int64, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", 0, err
	}
	path := filepath.Join(dir, FileName(collection, time.Now()))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return "", 0, err
	}
	n, err := Dump(ctx, s, collection, f, batchSize)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return "", n, err
	}
	return path, n, nil
}

// LoadFile loads the archive at path into collection, or into the
// collection named in its header when collection is empty.
func LoadFile(ctx context.Context, s store.Store, collection, path string, batchSize int) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return Load(ctx, s, collection, f, batchSize)
}
