package contracts

import (
	"fmt"
	"reflect"
	"sort"

	"github.com/fxamacker/cbor/v2"
)

// State is an immutable snapshot of a contract's private state.
// The zero value is an empty state at version 0.
type State struct {
	version int64
	values  map[string]any
}

// NewState snapshots values at version. values is deep-copied.
func NewState(version int64, values map[string]any) State {
	return State{version: version, values: cloneMap(values)}
}

func (s State) Version() int64 { return s.version }

func (s State) Len() int { return len(s.values) }

// Get returns a copy of the value stored under key.
func (s State) Get(key string) (any, bool) {
	v, ok := s.values[key]
	if !ok {
		return nil, false
	}
	return cloneValue(v), true
}

// Keys returns the keys in sorted order.
func (s State) Keys() []string {
	keys := make([]string, 0, len(s.values))
	for k := range s.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Map returns a deep copy of the state.
func (s State) Map() map[string]any {
	return cloneMap(s.values)
}

// Apply returns the state that results from applying updates, one version
// later. A nil value deletes the key. s is unchanged.
func (s State) Apply(updates map[string]any) State {
	next := cloneMap(s.values)
	if next == nil {
		next = make(map[string]any, len(updates))
	}
	for k, v := range updates {
		if v == nil {
			delete(next, k)
			continue
		}
		next[k] = cloneValue(v)
	}
	return State{version: s.version + 1, values: next}
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	case []byte:
		return append([]byte(nil), t...)
	default:
		return v
	}
}

var (
	stateEnc cbor.EncMode
	stateDec cbor.DecMode
)

func init() {
	var err error
	// Core deterministic encoding: equal states encode to equal bytes, so
	// persisted state can be digested and compared byte-wise.
	stateEnc, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("contracts: CBOR encoder initialization failed: " + err.Error())
	}
	stateDec, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
		IntDec:         cbor.IntDecConvertSigned,
	}.DecMode()
	if err != nil {
		panic("contracts: CBOR decoder initialization failed: " + err.Error())
	}
}

// EncodeState serializes state values for persistence.
func EncodeState(values map[string]any) ([]byte, error) {
	if values == nil {
		values = map[string]any{}
	}
	b, err := stateEnc.Marshal(values)
	if err != nil {
		return nil, fmt.Errorf("contracts: encode state: %w", err)
	}
	return b, nil
}

// DecodeState is the inverse of EncodeState. Integers decode as int64.
func DecodeState(b []byte) (map[string]any, error) {
	if len(b) == 0 {
		return map[string]any{}, nil
	}
	var out map[string]any
	if err := stateDec.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("contracts: decode state: %w", err)
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}
