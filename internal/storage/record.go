package storage

import (
	"encoding/binary"
	"hash/crc32"
	"time"

	"github.com/cockroachdb/errors"
)

var (
	// ErrKeyNotFound is returned when a key doesn't exist in the namespace
	ErrKeyNotFound = errors.New("key not found")

	// ErrNamespaceNotFound is returned for operations on a namespace that was
	// never created or has been deleted
	ErrNamespaceNotFound = errors.New("namespace not found")

	// ErrChecksumMismatch is returned when a caller supplied crc disagrees with
	// the crc computed over the value. Nothing is persisted.
	ErrChecksumMismatch = errors.New("checksum mismatch")

	// ErrVersionNotRetained is returned when a specific version other than the
	// current one is requested. Only the latest version of a record is kept.
	ErrVersionNotRetained = errors.New("version not retained")

	// ErrVersionOverflow is returned when a key has been overwritten so many
	// times that its version counter cannot be incremented.
	ErrVersionOverflow = errors.New("version counter exhausted")

	// ErrCorruptRecord is returned when a stored record fails its checksum
	ErrCorruptRecord = errors.New("stored record is corrupt")
)

// recordHeaderLen is crc(4) + version(4) + creation unix nanos(8).
const recordHeaderLen = 16

// Metadata describes a stored record without its value.
type Metadata struct {
	CreationTime time.Time `json:"creation_time"`
	Version      uint32    `json:"version"`
	CRC          uint32    `json:"crc"`
}

// Record is a versioned, checksummed value stored under a key.
type Record struct {
	Key          []byte    `json:"key"`
	Value        []byte    `json:"value"`
	CreationTime time.Time `json:"creation_time"`
	Version      uint32    `json:"version"`
	CRC          uint32    `json:"crc"`
}

// Metadata returns the record's metadata
func (r Record) Metadata() Metadata {
	return Metadata{CreationTime: r.CreationTime, Version: r.Version, CRC: r.CRC}
}

// KeyMetadata pairs a key with its record metadata, as returned by ListKeys
type KeyMetadata struct {
	Key      []byte   `json:"key"`
	Metadata Metadata `json:"metadata"`
}

// Checksum computes the crc32 (IEEE) of a value.
func Checksum(value []byte) uint32 {
	return crc32.ChecksumIEEE(value)
}

// encodeRecord lays a record out as header followed by the raw value so that
// value, version and crc always land in the engine with a single write.
func encodeRecord(r Record) []byte {
	buf := make([]byte, recordHeaderLen+len(r.Value))
	binary.BigEndian.PutUint32(buf[0:4], r.CRC)
	binary.BigEndian.PutUint32(buf[4:8], r.Version)
	binary.BigEndian.PutUint64(buf[8:16], uint64(r.CreationTime.UnixNano()))
	copy(buf[recordHeaderLen:], r.Value)
	return buf
}

// decodeRecord parses an encoded record and verifies its checksum. The
// returned value never aliases buf.
func decodeRecord(key, buf []byte) (Record, error) {
	if len(buf) < recordHeaderLen {
		return Record{}, errors.Wrapf(ErrCorruptRecord, "record for key %q is %d bytes", key, len(buf))
	}
	r := Record{
		Key:          append([]byte(nil), key...),
		CRC:          binary.BigEndian.Uint32(buf[0:4]),
		Version:      binary.BigEndian.Uint32(buf[4:8]),
		CreationTime: time.Unix(0, int64(binary.BigEndian.Uint64(buf[8:16]))).UTC(),
		Value:        append([]byte{}, buf[recordHeaderLen:]...),
	}
	if Checksum(r.Value) != r.CRC {
		return Record{}, errors.Wrapf(ErrCorruptRecord, "crc mismatch for key %q", key)
	}
	return r, nil
}

// decodeMetadata parses only the header of an encoded record. The checksum
// is still verified since metadata is served to callers as truth.
func decodeMetadata(key, buf []byte) (Metadata, error) {
	r, err := decodeRecord(key, buf)
	if err != nil {
		return Metadata{}, err
	}
	return r.Metadata(), nil
}
