package server

import (
	"fmt"
	"path/filepath"
	"time"

	"shuffler/internal/codec"
	"shuffler/internal/registry"
	"shuffler/internal/store"
	"shuffler/internal/wire"
)

// handleStart implements the START operation: allocate a fresh shuffle
// identifier, validate the type descriptor, open its Store, and
// register it (spec.md §4.3, §4.4).
func (h *connHandler) handleStart() error {
	desc, err := wire.ReadDescriptor(h.conn)
	if err != nil {
		return err
	}
	c, err := codec.New(desc)
	if err != nil {
		// TypeMismatch: wire-visible, connection closed, per spec.md §7.
		return err
	}

	id, err := randomShuffleID()
	if err != nil {
		return fmt.Errorf("minting shuffle id: %w", err)
	}

	dir := filepath.Join(h.server.ScratchDir, id.String())
	st, err := store.Open(dir, c.Compare)
	if err != nil {
		return err
	}

	h.server.Registry.Insert(&registry.Shuffle{
		ID:        id,
		Codec:     c,
		Store:     st,
		CreatedAt: time.Now(),
	})

	if err := wire.WriteIdentifier(h.conn, id); err != nil {
		return err
	}
	return nil
}

// handlePut implements the PUT operation: decode each row off the wire
// and hold it in memory until the continue=0 terminator, then insert
// the whole batch into the shuffle's Store and ack (spec.md §4.3,
// §4.6). Rows are not applied to the Store until the full batch has
// been read: the Client retries an entire unacknowledged PUT from
// scratch on reconnect (spec.md §8's reconnect-transparency property
// allows that batch to appear zero or one times, never twice), so
// applying a prefix of a stream that then drops mid-flight would leave
// that prefix durably committed and the retry would duplicate it.
func (h *connHandler) handlePut(sh *registry.Shuffle) error {
	type pending struct {
		key []byte
		row []byte
	}
	var rows []pending
	for {
		rowBytes, ok, err := wire.ReadPutStep(h.conn)
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		row, err := sh.Codec.DecodeRow(rowBytes)
		if err != nil {
			return err
		}
		key, err := sh.Codec.EncodeKey(row)
		if err != nil {
			return err
		}
		rows = append(rows, pending{key: key, row: rowBytes})
	}
	for _, p := range rows {
		if err := sh.Store.Put(p.key, p.row); err != nil {
			return err
		}
	}
	return wire.WriteAck(h.conn)
}

// handleGet implements the GET operation: scan the requested half-open
// (or closed) key interval and stream rows back (spec.md §4.3).
func (h *connHandler) handleGet(sh *registry.Shuffle) error {
	req, err := wire.ReadGetRequest(h.conn)
	if err != nil {
		return err
	}

	start := req.StartKey
	if len(start) == 0 {
		start = nil
	}
	end := req.EndKey
	if len(end) == 0 {
		end = nil
	}

	it, err := sh.Store.Range(start, req.StartInclusive, end, req.EndInclusive)
	if err != nil {
		return err
	}
	defer it.Close()

	for {
		_, row, ok, err := it.Next()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		if err := wire.WriteStreamRecord(h.conn, row); err != nil {
			return err
		}
	}
	return wire.WriteStreamEnd(h.conn)
}

// handleStop implements the STOP operation: remove and close the
// shuffle. A second STOP for an already-removed identifier never
// reaches here: dispatchWithIdentifier's registry lookup finds no
// entry and acknowledges it with no effect -- the "idempotent STOP"
// property of spec.md §8.
func (h *connHandler) handleStop(id wire.ShuffleID) error {
	h.server.Registry.Remove(id)
	return wire.WriteAck(h.conn)
}

// handlePartitionBounds implements the PARTITION_BOUNDS operation
// (spec.md §4.3, §4.2).
func (h *connHandler) handlePartitionBounds(sh *registry.Shuffle) error {
	n, err := wire.ReadBoundsRequest(h.conn)
	if err != nil {
		return err
	}
	bounds, err := sh.Store.PartitionKeys(int(n))
	if err != nil {
		return err
	}
	for _, b := range bounds {
		if err := wire.WriteStreamRecord(h.conn, b); err != nil {
			return err
		}
	}
	return wire.WriteStreamEnd(h.conn)
}
