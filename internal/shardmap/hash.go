package shardmap

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"

	"github.com/cespare/xxhash/v2"

	"github.com/dreamware/shardq/internal/storage"
)

// NormalizeKey converts a routing key to the string that is hashed.
//
// Integers and their canonical decimal string form normalize identically,
// so 5 and "5" always land in the same bucket. "05" is not canonical and
// stays a different key.
func NormalizeKey(key any) (string, error) {
	switch v := key.(type) {
	case storage.Key:
		if v.IsString() {
			return v.Text(), nil
		}
		return strconv.FormatInt(v.Int(), 10), nil
	case string:
		return v, nil
	case int:
		return strconv.FormatInt(int64(v), 10), nil
	case int32:
		return strconv.FormatInt(int64(v), 10), nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	case uint32:
		return strconv.FormatUint(uint64(v), 10), nil
	case uint64:
		return strconv.FormatUint(v, 10), nil
	case float64:
		if v != math.Trunc(v) || v < math.MinInt64 || v >= math.MaxInt64 {
			return "", fmt.Errorf("%w, got non-integral number %v", storage.ErrInvalidKey, v)
		}
		return strconv.FormatInt(int64(v), 10), nil
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return strconv.FormatInt(n, 10), nil
		}
		return "", fmt.Errorf("%w, got number %s", storage.ErrInvalidKey, v)
	default:
		return "", fmt.Errorf("%w, got %T", storage.ErrInvalidKey, key)
	}
}

// Bucket returns the bucket of a normalized key.
func Bucket(normalized string, bucketCount int) int {
	return int(xxhash.Sum64String(normalized) % uint64(bucketCount))
}
