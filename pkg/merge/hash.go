package merge

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"time"

	"github.com/zeebo/xxh3"

	"github.com/malbeclabs/mart/pkg/schema"
)

// attrsHash hashes the tracked attribute values (natural key excluded) for
// change detection. Uses a length-delimited encoding so that adjacent values
// cannot collide by concatenation, and so that nil is distinguishable from
// empty: two nils compare equal, nil vs non-nil is a change.
func attrsHash(spec schema.DimensionSpec, values map[string]any) uint64 {
	var buf bytes.Buffer
	for _, col := range spec.AttributeColumns() {
		encodeValue(&buf, values[col])
	}
	return xxh3.Hash(buf.Bytes())
}

// NaturalKeyString canonicalizes a natural key value for map lookups and
// deterministic ordering. Numeric and byte-slice keys normalize to the same
// string regardless of the driver's scan type.
func NaturalKeyString(v any) string {
	switch k := v.(type) {
	case nil:
		return ""
	case string:
		return k
	case []byte:
		return string(k)
	case int, int8, int16, int32, int64:
		return strconv.FormatInt(reflect.ValueOf(k).Int(), 10)
	case uint, uint8, uint16, uint32, uint64:
		return strconv.FormatUint(reflect.ValueOf(k).Uint(), 10)
	case float64:
		return strconv.FormatFloat(k, 'g', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(k), 'g', -1, 32)
	case bool:
		return strconv.FormatBool(k)
	case time.Time:
		return k.UTC().Format(time.RFC3339Nano)
	default:
		return fmt.Sprintf("%v", k)
	}
}

// encodeValue writes one value as typeTag:length:payload. The format follows
// the same rules for every run so that hashes are stable across processes.
func encodeValue(buf *bytes.Buffer, val any) {
	if val == nil {
		buf.WriteString("nil:0:")
		return
	}

	typeTag := reflect.TypeOf(val).String()

	var payload []byte
	switch v := val.(type) {
	case string:
		payload = []byte(v)
	case []byte:
		payload = v
	case int, int8, int16, int32, int64:
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], uint64(reflect.ValueOf(v).Int()))
		payload = b[:]
	case uint, uint8, uint16, uint32, uint64:
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], reflect.ValueOf(v).Uint())
		payload = b[:]
	case float32:
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], math.Float32bits(v))
		payload = b[:]
	case float64:
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], math.Float64bits(v))
		payload = b[:]
	case bool:
		if v {
			payload = []byte{1}
		} else {
			payload = []byte{0}
		}
	case time.Time:
		payload = []byte(v.UTC().Format(time.RFC3339Nano))
	default:
		payload = []byte(fmt.Sprintf("%v", v))
	}

	buf.WriteString(typeTag)
	buf.WriteString(":")
	buf.WriteString(strconv.Itoa(len(payload)))
	buf.WriteString(":")
	buf.Write(payload)
}
