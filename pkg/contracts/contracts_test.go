package contracts

import (
	"context"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var allActions = []Action{ActionRead, ActionWrite, ActionEdit, ActionInvoke, ActionDelete}

func TestFreewareScenarios(t *testing.T) {
	ok, reason := PolicyFreeware.Decide("bob", ActionRead, "x", "alice")
	assert.True(t, ok)
	assert.Equal(t, ReasonOpen, reason)

	ok, reason = PolicyFreeware.Decide("bob", ActionWrite, "x", "alice")
	assert.False(t, ok)
	assert.Equal(t, "creator-only modification", reason)

	ok, _ = PolicyFreeware.Decide("alice", ActionDelete, "x", "alice")
	assert.True(t, ok)
}

func TestGenesisPolicyMatrix(t *testing.T) {
	tests := []struct {
		policy  Policy
		caller  string
		action  Action
		allowed bool
	}{
		{PolicyPrivate, "alice", ActionWrite, true},
		{PolicyPrivate, "bob", ActionRead, false},
		{PolicyPublic, "bob", ActionDelete, true},
		{PolicySelfOwned, "x", ActionWrite, true},
		{PolicySelfOwned, "alice", ActionEdit, true},
		{PolicySelfOwned, "bob", ActionRead, false},
		{PolicyFreeware, "bob", ActionInvoke, true},
		{PolicyFreeware, "bob", ActionEdit, false},
		{PolicyNone, "alice", ActionRead, false},
	}
	for _, tt := range tests {
		t.Run(tt.policy.String()+"/"+tt.caller+"/"+string(tt.action), func(t *testing.T) {
			ok, _ := tt.policy.Decide(tt.caller, tt.action, "x", "alice")
			assert.Equal(t, tt.allowed, ok)
		})
	}
}

func TestFastPathAgreesWithCheckPermission(t *testing.T) {
	for _, p := range Policies() {
		for _, caller := range []string{"alice", "bob", "x"} {
			for _, a := range allActions {
				fastOK, fastReason := p.Decide(caller, a, "x", "alice")
				res, err := p.CheckPermission(context.Background(), Call{Invocation: InvocationContext{
					Caller: caller, Action: a, Target: "x", TargetCreatedBy: "alice",
				}})
				require.NoError(t, err)
				assert.Equal(t, fastOK, res.Allowed, "%s %s %s", p, caller, a)
				assert.Equal(t, fastReason, res.Reason)
				assert.Zero(t, res.ScripCost)
				assert.Empty(t, res.StateUpdates)
			}
		}
	}
}

func TestDecideDoesNotAllocate(t *testing.T) {
	allocs := testing.AllocsPerRun(1000, func() {
		_, _ = PolicyFreeware.Decide("bob", ActionWrite, "x", "alice")
		_, _ = PolicySelfOwned.Decide("x", ActionRead, "x", "alice")
	})
	assert.Zero(t, allocs)
}

func TestGenesisLookup(t *testing.T) {
	for _, p := range Policies() {
		got, ok := GenesisPolicy(p.ID())
		require.True(t, ok)
		assert.Equal(t, p, got)

		byName, ok := PolicyByName(p.String())
		require.True(t, ok)
		assert.Equal(t, p, byName)

		m, err := ParseManifest(GenesisManifest(p))
		require.NoError(t, err)
		assert.Equal(t, RuntimeNative, m.Runtime)
		assert.Equal(t, p.String(), m.Name)
	}
	_, ok := GenesisPolicy("some_contract")
	assert.False(t, ok)
	_, ok = PolicyByName("")
	assert.False(t, ok)
}

func TestParseManifest(t *testing.T) {
	module := base64.StdEncoding.EncodeToString([]byte("\x00asm\x01\x00\x00\x00"))
	tests := []struct {
		name    string
		doc     string
		wantErr error
	}{
		{"cel check", `{"runtime":"cel","abi":"1.2.0","check_permission":"true"}`, nil},
		{"cel methods only", `{"runtime":"cel","abi":"1.0.0","methods":{"ping":"'pong'"}}`, nil},
		{"wasm", `{"runtime":"wasm","abi":"1.0.0","module":"` + module + `","timeout_ms":50}`, nil},
		{"unknown runtime", `{"runtime":"lua","abi":"1.0.0"}`, ErrInvalidManifest},
		{"native without name", `{"runtime":"native","abi":"1.0.0"}`, ErrInvalidManifest},
		{"cel without code", `{"runtime":"cel","abi":"1.0.0"}`, ErrInvalidManifest},
		{"wasm without module", `{"runtime":"wasm","abi":"1.0.0"}`, ErrInvalidManifest},
		{"unknown field", `{"runtime":"native","abi":"1.0.0","name":"x","owner":"alice"}`, ErrInvalidManifest},
		{"bad payer", `{"runtime":"native","abi":"1.0.0","name":"x","judgment_payer":"bank"}`, ErrInvalidManifest},
		{"not json", `hello`, ErrInvalidManifest},
		{"abi too new", `{"runtime":"native","abi":"2.0.0","name":"x"}`, ErrIncompatibleABI},
		{"abi garbage", `{"runtime":"native","abi":"one","name":"x"}`, ErrIncompatibleABI},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := ParseManifest([]byte(tt.doc))
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.NotEmpty(t, m.Runtime)
		})
	}
}

func TestManifestDefaults(t *testing.T) {
	m, err := ParseManifest([]byte(`{"runtime":"native","abi":"1.0.0","name":"x","timeout_ms":20}`))
	require.NoError(t, err)
	assert.Equal(t, PayerCaller, m.Payer())
	assert.Equal(t, int64(20), m.Timeout().Milliseconds())
}

func TestActionPredicates(t *testing.T) {
	assert.True(t, ActionEdit.Valid())
	assert.False(t, Action("own").Valid())
	assert.True(t, ActionDelete.Mutates())
	assert.False(t, ActionInvoke.Mutates())
}
