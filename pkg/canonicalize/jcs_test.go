package canonicalize

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJCS_SortsKeysRecursively(t *testing.T) {
	input := map[string]any{
		"target": "doc-1",
		"caller": "alice",
		"result": map[string]any{"reason": "ok", "allowed": true},
	}

	b, err := JCS(input)
	require.NoError(t, err)
	assert.Equal(t, `{"caller":"alice","result":{"allowed":true,"reason":"ok"},"target":"doc-1"}`, string(b))
}

func TestJCS_NoHTMLEscaping(t *testing.T) {
	b, err := JCS(map[string]string{"reason": "<creator-only> & friends"})
	require.NoError(t, err)
	assert.Equal(t, `{"reason":"<creator-only> & friends"}`, string(b))
}

func TestJCS_Numbers(t *testing.T) {
	b, err := JCS(map[string]any{"cost": json.Number("10.50"), "n": 1e21})
	require.NoError(t, err)
	assert.Equal(t, `{"cost":10.5,"n":1e+21}`, string(b))
}

func TestCanonicalHash_StructAndMapAgree(t *testing.T) {
	type decision struct {
		Target string `json:"target"`
		Caller string `json:"caller"`
	}
	h1, err := CanonicalHash(map[string]any{"caller": "bob", "target": "x"})
	require.NoError(t, err)
	h2, err := CanonicalHash(decision{Target: "x", Caller: "bob"})
	require.NoError(t, err)
	assert.Equal(t, h1, h2)

	d, err := Digest(decision{Target: "x", Caller: "bob"})
	require.NoError(t, err)
	assert.Equal(t, "sha256:"+h1, d)
}

func FuzzJCS(f *testing.F) {
	f.Add([]byte(`{"a":1,"b":2}`))
	f.Add([]byte(`{"allowed":false,"reason":"depth exceeded","state_updates":{"count":3}}`))
	f.Add([]byte(`{"unicode":"こんにちは","escape":"line1\nline2"}`))
	f.Add([]byte(`[3,1,{"z":null,"a":[]}]`))

	f.Fuzz(func(t *testing.T, data []byte) {
		var v any
		if err := json.Unmarshal(data, &v); err != nil {
			t.Skip("invalid JSON input")
		}

		b1, err := JCS(v)
		if err != nil {
			return
		}
		b2, err := JCS(v)
		if err != nil {
			t.Fatal("JCS failed on second call only")
		}
		if string(b1) != string(b2) {
			t.Errorf("non-deterministic output:\n  %s\n  %s", b1, b2)
		}

		// Canonical form is a fixed point.
		var again any
		if err := json.Unmarshal(b1, &again); err != nil {
			t.Fatalf("output is not valid JSON: %s", b1)
		}
		b3, err := JCS(again)
		if err != nil {
			t.Fatal(err)
		}
		if string(b1) != string(b3) {
			t.Errorf("canonical form not idempotent:\n  %s\n  %s", b1, b3)
		}
	})
}
