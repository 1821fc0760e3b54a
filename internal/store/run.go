package store

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"shuffler/internal/shuffleerr"
)

// run is one sorted file on disk produced by a memtable flush or a
// background merge (spec.md glossary: "Run"). Entries are written in
// ascending (key, seq) order, exactly the order range scans need.
type run struct {
	path     string
	seq      int64 // run sequence number, used for file naming only
	minKey   []byte
	maxKey   []byte
	count    int
}

// writeRun serializes entries (already sorted) to path as a sequence of
// length-prefixed records: keylen, key, rowlen, row, seq.
func writeRun(path string, entries []entry) (*run, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, &shuffleerr.ErrStoreIO{Op: "create run file", Err: err}
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for _, e := range entries {
		if err := writeRunEntry(w, e); err != nil {
			return nil, &shuffleerr.ErrStoreIO{Op: "write run entry", Err: err}
		}
	}
	if err := w.Flush(); err != nil {
		return nil, &shuffleerr.ErrStoreIO{Op: "flush run file", Err: err}
	}
	if err := f.Sync(); err != nil {
		return nil, &shuffleerr.ErrStoreIO{Op: "sync run file", Err: err}
	}

	r := &run{path: path, count: len(entries)}
	if len(entries) > 0 {
		r.minKey = entries[0].key
		r.maxKey = entries[len(entries)-1].key
	}
	return r, nil
}

func writeRunEntry(w *bufio.Writer, e entry) error {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], uint64(len(e.key)))
	if _, err := w.Write(tmp[:n]); err != nil {
		return err
	}
	if _, err := w.Write(e.key); err != nil {
		return err
	}
	n = binary.PutUvarint(tmp[:], uint64(len(e.row)))
	if _, err := w.Write(tmp[:n]); err != nil {
		return err
	}
	if _, err := w.Write(e.row); err != nil {
		return err
	}
	n = binary.PutVarint(tmp[:], e.seq)
	if _, err := w.Write(tmp[:n]); err != nil {
		return err
	}
	return nil
}

// runReader sequentially reads entries back out of a run file in
// on-disk (ascending) order.
type runReader struct {
	f *os.File
	r *bufio.Reader
}

func openRunReader(path string) (*runReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &shuffleerr.ErrStoreIO{Op: "open run file", Err: err}
	}
	return &runReader{f: f, r: bufio.NewReader(f)}, nil
}

// next returns the next entry, or ok=false at end of file.
func (rr *runReader) next() (e entry, ok bool, err error) {
	keyLen, err := binary.ReadUvarint(rr.r)
	if err == io.EOF {
		return entry{}, false, nil
	}
	if err != nil {
		return entry{}, false, &shuffleerr.ErrStoreIO{Op: "read run entry", Err: err}
	}
	key := make([]byte, keyLen)
	if _, err := io.ReadFull(rr.r, key); err != nil {
		return entry{}, false, &shuffleerr.ErrStoreIO{Op: "read run key", Err: err}
	}
	rowLen, err := binary.ReadUvarint(rr.r)
	if err != nil {
		return entry{}, false, &shuffleerr.ErrStoreIO{Op: "read run entry", Err: err}
	}
	row := make([]byte, rowLen)
	if _, err := io.ReadFull(rr.r, row); err != nil {
		return entry{}, false, &shuffleerr.ErrStoreIO{Op: "read run row", Err: err}
	}
	seq, err := binary.ReadVarint(rr.r)
	if err != nil {
		return entry{}, false, &shuffleerr.ErrStoreIO{Op: "read run seq", Err: err}
	}
	return entry{key: key, row: row, seq: seq}, true, nil
}

func (rr *runReader) close() error {
	return rr.f.Close()
}

func runFileName(dir string, seq int64) string {
	return fmt.Sprintf("%s/run-%010d.dat", dir, seq)
}
