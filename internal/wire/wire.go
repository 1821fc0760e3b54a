// Package wire implements spec.md §4.3: the framing of the six shuffle
// operations (START, PUT, GET, STOP, PARTITION_BOUNDS, EOS) over a
// byte-oriented connection. It knows nothing about Store or Registry; it
// only reads and writes the bytes the protocol table specifies.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"shuffler/internal/codec"
	"shuffler/internal/shuffleerr"
)

// Opcode identifies one of the six shuffle operations.
type Opcode byte

const (
	OpStart            Opcode = 1
	OpPut              Opcode = 2
	OpGet              Opcode = 3
	OpStop             Opcode = 4
	OpPartitionBounds  Opcode = 5
	OpEOS              Opcode = 255
)

// ShuffleID is the opaque 16-byte identifier minted by START.
type ShuffleID [16]byte

func (id ShuffleID) String() string {
	const hex = "0123456789abcdef"
	buf := make([]byte, 0, 36)
	for i, b := range id {
		if i == 4 || i == 6 || i == 8 || i == 10 {
			buf = append(buf, '-')
		}
		buf = append(buf, hex[b>>4], hex[b&0xf])
	}
	return string(buf)
}

// ReadOpcode reads the single opcode byte that opens every request.
func ReadOpcode(r io.Reader) (Opcode, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, truncated(err)
	}
	return Opcode(b[0]), nil
}

// WriteOpcode writes the opcode byte.
func WriteOpcode(w io.Writer, op Opcode) error {
	_, err := w.Write([]byte{byte(op)})
	return err
}

// ReadIdentifier reads the 16-byte shuffle identifier that follows the
// opcode on every request except START and EOS.
func ReadIdentifier(r io.Reader) (ShuffleID, error) {
	var id ShuffleID
	if _, err := io.ReadFull(r, id[:]); err != nil {
		return id, truncated(err)
	}
	return id, nil
}

// WriteIdentifier writes the 16-byte shuffle identifier.
func WriteIdentifier(w io.Writer, id ShuffleID) error {
	_, err := w.Write(id[:])
	return err
}

func truncated(err error) error {
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return shuffleerr.ErrTruncated
	}
	return err
}

// writeString writes a 4-byte big-endian length followed by the UTF-8
// bytes of s (spec.md §4.3: "Strings ... are length-prefixed with a
// 4-byte big-endian length").
func writeString(w io.Writer, s string) error {
	return writeBytes(w, []byte(s))
}

func readString(r io.Reader) (string, error) {
	b, err := readBytes(r)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func writeBytes(w io.Writer, b []byte) error {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(b)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func readBytes(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, truncated(err)
	}
	n := binary.BigEndian.Uint32(hdr[:])
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, truncated(err)
	}
	return b, nil
}

// WriteDescriptor writes the START request payload: row type
// descriptor, row encoded type, key field array, key encoded type (the
// identifier is absent from this request per spec.md §4.3).
func WriteDescriptor(w io.Writer, desc codec.Descriptor) error {
	if err := writeUint32(w, uint32(len(desc.Row))); err != nil {
		return err
	}
	for _, f := range desc.Row {
		if err := writeString(w, f.Name); err != nil {
			return err
		}
		if err := writeByte(w, byte(f.Kind)); err != nil {
			return err
		}
		nullable := byte(0)
		if f.Nullable {
			nullable = 1
		}
		if err := writeByte(w, nullable); err != nil {
			return err
		}
	}
	if err := writeByte(w, byte(desc.RowFormat)); err != nil {
		return err
	}
	if err := writeUint32(w, uint32(len(desc.Keys))); err != nil {
		return err
	}
	for _, kf := range desc.Keys {
		if err := writeString(w, kf.Name); err != nil {
			return err
		}
		if err := writeByte(w, byte(kf.Dir)); err != nil {
			return err
		}
	}
	return writeByte(w, byte(desc.KeyFormat))
}

// ReadDescriptor is the inverse of WriteDescriptor.
func ReadDescriptor(r io.Reader) (codec.Descriptor, error) {
	var desc codec.Descriptor
	nFields, err := readUint32(r)
	if err != nil {
		return desc, err
	}
	desc.Row = make(codec.RowType, nFields)
	for i := range desc.Row {
		name, err := readString(r)
		if err != nil {
			return desc, err
		}
		kind, err := readByte(r)
		if err != nil {
			return desc, err
		}
		nullable, err := readByte(r)
		if err != nil {
			return desc, err
		}
		desc.Row[i] = codec.FieldType{Name: name, Kind: codec.Kind(kind), Nullable: nullable != 0}
	}
	rowFmt, err := readByte(r)
	if err != nil {
		return desc, err
	}
	desc.RowFormat = codec.Format(rowFmt)

	nKeys, err := readUint32(r)
	if err != nil {
		return desc, err
	}
	desc.Keys = make([]codec.KeyField, nKeys)
	for i := range desc.Keys {
		name, err := readString(r)
		if err != nil {
			return desc, err
		}
		dir, err := readByte(r)
		if err != nil {
			return desc, err
		}
		desc.Keys[i] = codec.KeyField{Name: name, Dir: codec.Direction(dir)}
	}
	keyFmt, err := readByte(r)
	if err != nil {
		return desc, err
	}
	desc.KeyFormat = codec.Format(keyFmt)
	return desc, nil
}

func writeUint32(w io.Writer, v uint32) error {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func readUint32(r io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, truncated(err)
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func writeByte(w io.Writer, b byte) error {
	_, err := w.Write([]byte{b})
	return err
}

func readByte(r io.Reader) (byte, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, truncated(err)
	}
	return b[0], nil
}

// WritePutRecord writes one element of the PUT stream: continue=1
// followed by the encoded row.
func WritePutRecord(w io.Writer, rowBytes []byte) error {
	if err := writeByte(w, 1); err != nil {
		return err
	}
	return writeBytes(w, rowBytes)
}

// WritePutEnd terminates a PUT stream with continue=0.
func WritePutEnd(w io.Writer) error {
	return writeByte(w, 0)
}

// ReadPutStep reads one step of the PUT stream. ok is false once the
// terminating continue=0 byte has been read, at which point rowBytes is
// nil.
func ReadPutStep(r io.Reader) (rowBytes []byte, ok bool, err error) {
	cont, err := readByte(r)
	if err != nil {
		return nil, false, err
	}
	if cont == 0 {
		return nil, false, nil
	}
	b, err := readBytes(r)
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

// Ack is the single-byte success response for PUT and STOP.
func WriteAck(w io.Writer) error { return writeByte(w, 0) }

func ReadAck(r io.Reader) error {
	b, err := readByte(r)
	if err != nil {
		return err
	}
	if b != 0 {
		return fmt.Errorf("%w: expected ack byte 0, got %d", shuffleerr.ErrMalformedRequest, b)
	}
	return nil
}

// WriteGetRequest writes the GET request payload: start key,
// start-inclusive, end key, end-inclusive.
func WriteGetRequest(w io.Writer, startKey []byte, startIncl bool, endKey []byte, endIncl bool) error {
	if err := writeBytes(w, startKey); err != nil {
		return err
	}
	if err := writeBool(w, startIncl); err != nil {
		return err
	}
	if err := writeBytes(w, endKey); err != nil {
		return err
	}
	return writeBool(w, endIncl)
}

// GetRequest is the decoded GET request payload.
type GetRequest struct {
	StartKey       []byte
	StartInclusive bool
	EndKey         []byte
	EndInclusive   bool
}

func ReadGetRequest(r io.Reader) (GetRequest, error) {
	var req GetRequest
	var err error
	if req.StartKey, err = readBytes(r); err != nil {
		return req, err
	}
	if req.StartInclusive, err = readBool(r); err != nil {
		return req, err
	}
	if req.EndKey, err = readBytes(r); err != nil {
		return req, err
	}
	if req.EndInclusive, err = readBool(r); err != nil {
		return req, err
	}
	return req, nil
}

func writeBool(w io.Writer, b bool) error {
	if b {
		return writeByte(w, 1)
	}
	return writeByte(w, 0)
}

func readBool(r io.Reader) (bool, error) {
	b, err := readByte(r)
	if err != nil {
		return false, err
	}
	return b != 0, nil
}

// WriteStreamRecord writes one element of a GET/PARTITION_BOUNDS
// response stream: continue=1 followed by the payload bytes.
func WriteStreamRecord(w io.Writer, payload []byte) error {
	if err := writeByte(w, 1); err != nil {
		return err
	}
	return writeBytes(w, payload)
}

// WriteStreamEnd terminates a response stream with continue=0.
func WriteStreamEnd(w io.Writer) error {
	return writeByte(w, 0)
}

// ReadStreamStep reads one step of a GET/PARTITION_BOUNDS response
// stream. ok is false once the terminating byte has been read.
func ReadStreamStep(r io.Reader) (payload []byte, ok bool, err error) {
	cont, err := readByte(r)
	if err != nil {
		return nil, false, err
	}
	if cont == 0 {
		return nil, false, nil
	}
	b, err := readBytes(r)
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

// WriteBoundsRequest writes the PARTITION_BOUNDS request payload: a
// 4-byte big-endian n.
func WriteBoundsRequest(w io.Writer, n uint32) error {
	return writeUint32(w, n)
}

func ReadBoundsRequest(r io.Reader) (uint32, error) {
	return readUint32(r)
}

// WriteEOSAck writes the one-byte 255 echoed back in response to EOS.
func WriteEOSAck(w io.Writer) error {
	return writeByte(w, byte(OpEOS))
}

func ReadEOSAck(r io.Reader) error {
	b, err := readByte(r)
	if err != nil {
		return err
	}
	if Opcode(b) != OpEOS {
		return fmt.Errorf("%w: expected EOS echo byte %d, got %d", shuffleerr.ErrMalformedRequest, OpEOS, b)
	}
	return nil
}
