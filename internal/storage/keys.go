package storage

import (
	"encoding/binary"
)

// Engine key layout:
//
//	'n' | namespace                         namespace catalog entry
//	'r' | uvarint(len(ns)) | ns | key       record
//
// Every record key of a namespace shares one prefix, so the engine's byte
// order is the key order within a namespace.
const (
	catalogTag = 'n'
	recordTag  = 'r'
)

func catalogKey(ns string) []byte {
	out := make([]byte, 0, 1+len(ns))
	out = append(out, catalogTag)
	return append(out, ns...)
}

func catalogPrefix() []byte {
	return []byte{catalogTag}
}

func recordPrefix(ns string) []byte {
	out := make([]byte, 0, 1+binary.MaxVarintLen64+len(ns))
	out = append(out, recordTag)
	out = binary.AppendUvarint(out, uint64(len(ns)))
	return append(out, ns...)
}

func recordKey(ns string, key []byte) []byte {
	p := recordPrefix(ns)
	out := make([]byte, 0, len(p)+len(key))
	out = append(out, p...)
	return append(out, key...)
}
