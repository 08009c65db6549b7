package boltdb

import (
	"bytes"
	"math"

	"github.com/vmihailenco/msgpack/v5"
)

func encode(v any) ([]byte, error) {
	return msgpack.Marshal(v)
}

func decode(data []byte, v any) error {
	return msgpack.Unmarshal(data, v)
}

// decodeDoc decodes a stored document. Integers come back as int64 whatever
// width msgpack picked to encode them.
func decodeDoc(data []byte) (map[string]any, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.UseLooseInterfaceDecoding(true)
	var doc map[string]any
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	for k, v := range doc {
		doc[k] = canonical(v)
	}
	return doc, nil
}

func canonical(v any) any {
	switch x := v.(type) {
	case uint64:
		if x > math.MaxInt64 {
			return int64(math.MaxInt64)
		}
		return int64(x)
	case []any:
		for i, e := range x {
			x[i] = canonical(e)
		}
		return x
	}
	return v
}
