// Package idempotency caches step results so idempotent steps are not
// re-run for the same flow, step, user and dependency inputs.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/petrijr/stepflow/pkg/api"
)

// DefaultTTL is how long a cached result stays valid when no TTL is
// configured.
const DefaultTTL = 24 * time.Hour

// Cache stores step results under idempotency keys.
type Cache interface {
	Get(ctx context.Context, key string) (*api.StepResult, bool, error)
	Put(ctx context.Context, key string, res *api.StepResult, ttl time.Duration) error
}

type depPair struct {
	K string `json:"k"`
	V any    `json:"v"`
}

// Key builds "<flowID>:<step>:<userID>:<hash>" where hash is the SHA-256 of
// the dependency sub-map encoded as sorted key/value pairs. When the
// values cannot be encoded, the hash part degrades to
// "deps:<count>:<sorted names>" and degraded is true.
func Key(flowID, step, userID string, deps map[string]any) (key string, degraded bool) {
	names := make([]string, 0, len(deps))
	for k := range deps {
		names = append(names, k)
	}
	slices.Sort(names)

	pairs := make([]depPair, len(names))
	for i, k := range names {
		pairs[i] = depPair{K: k, V: deps[k]}
	}

	prefix := flowID + ":" + step + ":" + userID + ":"
	data, err := json.Marshal(pairs)
	if err != nil {
		return prefix + fmt.Sprintf("deps:%d:%s", len(names), strings.Join(names, ",")), true
	}
	sum := sha256.Sum256(data)
	return prefix + hex.EncodeToString(sum[:]), false
}
