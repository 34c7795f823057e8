package localdb

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// Bucket layout:
//
//	meta                    schema_version -> decimal string
//	<partition>             primary key -> record JSON
//	<partition>.order       8-byte sequence -> primary key (keyed partitions only)
//	<partition>.order_by_key primary key -> 8-byte sequence (reverse index for O(1) delete)
//
// Auto-increment partitions use the 8-byte big-endian sequence as the primary
// key, so cursor order is already insertion order.
var (
	bucketMeta       = []byte("meta")
	keySchemaVersion = []byte("schema_version")
)

func primaryBucket(p Partition) []byte {
	return []byte(p.Name)
}

func orderBucket(p Partition) []byte {
	return []byte(p.Name + ".order")
}

func orderByKeyBucket(p Partition) []byte {
	return []byte(p.Name + ".order_by_key")
}

func bucketsFor(p Partition) [][]byte {
	if p.AutoIncrement {
		return [][]byte{primaryBucket(p)}
	}
	return [][]byte{primaryBucket(p), orderBucket(p), orderByKeyBucket(p)}
}

func encodeSeq(seq uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, seq)
	return buf
}

// encodeKey normalises a caller supplied key into the partition's primary key bytes.
func encodeKey(p Partition, key any) ([]byte, error) {
	if p.AutoIncrement {
		seq, err := toUint(key)
		if err != nil {
			return nil, err
		}
		return encodeSeq(seq), nil
	}
	s, err := toKeyString(key)
	if err != nil {
		return nil, err
	}
	if s == "" {
		return nil, ErrMissingKey
	}
	return []byte(s), nil
}

func toUint(key any) (uint64, error) {
	switch v := key.(type) {
	case uint64:
		return v, nil
	case uint:
		return uint64(v), nil
	case int:
		if v < 0 {
			return 0, fmt.Errorf("negative key %d", v)
		}
		return uint64(v), nil
	case int64:
		if v < 0 {
			return 0, fmt.Errorf("negative key %d", v)
		}
		return uint64(v), nil
	case float64:
		if v < 0 || v != math.Trunc(v) {
			return 0, fmt.Errorf("invalid key %v", v)
		}
		return uint64(v), nil
	case json.Number:
		return strconv.ParseUint(v.String(), 10, 64)
	case string:
		return strconv.ParseUint(v, 10, 64)
	default:
		return 0, fmt.Errorf("unsupported key type %T", key)
	}
}

func toKeyString(key any) (string, error) {
	switch v := key.(type) {
	case string:
		return v, nil
	case json.Number:
		return v.String(), nil
	case int:
		return strconv.Itoa(v), nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	case uint64:
		return strconv.FormatUint(v, 10), nil
	case float64:
		if v == math.Trunc(v) && math.Abs(v) < 1<<53 {
			return strconv.FormatInt(int64(v), 10), nil
		}
		return strconv.FormatFloat(v, 'g', -1, 64), nil
	case nil:
		return "", ErrMissingKey
	default:
		return "", fmt.Errorf("unsupported key type %T", key)
	}
}
