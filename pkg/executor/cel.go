package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/Mindburn-Labs/agora/pkg/artifacts"
	"github.com/Mindburn-Labs/agora/pkg/contracts"
	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/common/types/traits"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	celCostLimit      = 1_000_000
	celInterruptEvery = 64
)

// celRuntime holds the declaration-only environment contracts compile
// against. Host bindings are attached per execution.
type celRuntime struct {
	env       *cel.Env
	validator *Validator
}

var (
	sig2Strings = []*cel.Type{cel.StringType, cel.StringType}
	sig1String  = []*cel.Type{cel.StringType}
	sigInvoke   = []*cel.Type{cel.StringType, cel.StringType, cel.ListType(cel.DynType)}
)

func newCELRuntime() (*celRuntime, error) {
	env, err := cel.NewEnv(
		cel.Variable("ctx", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("state", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("args", cel.ListType(cel.DynType)),
		cel.Variable("self", cel.StringType),
		cel.Variable("now", cel.TimestampType),
		cel.Function("balance", cel.Overload("balance_string_string", sig2Strings, cel.IntType)),
		cel.Function("creator", cel.Overload("creator_string", sig1String, cel.StringType)),
		cel.Function("exists", cel.Overload("exists_string", sig1String, cel.BoolType)),
		cel.Function("invoke", cel.Overload("invoke_string_string_list", sigInvoke, cel.DynType)),
		cel.Function("judge", cel.Overload("judge_string", sig1String, cel.StringType)),
	)
	if err != nil {
		return nil, fmt.Errorf("executor: cel env: %w", err)
	}
	return &celRuntime{env: env, validator: &Validator{env: env, MaxNodes: defaultMaxNodes, MaxComprehensionDepth: defaultMaxComprehensionDepth}}, nil
}

type celProgram struct {
	rt      *celRuntime
	check   *cel.Ast
	methods map[string]*cel.Ast
}

type celContract struct{ p *celProgram }

func (c celContract) CheckPermission(ctx context.Context, call contracts.Call) (contracts.PermissionResult, error) {
	return c.p.checkPermission(ctx, call)
}

type celMethods struct{ p *celProgram }

func (c celMethods) Invoke(ctx context.Context, call contracts.Call) (any, error) {
	return c.p.invoke(ctx, call)
}

type celContractWithMethods struct {
	celContract
	celMethods
}

func (rt *celRuntime) compile(m *contracts.Manifest) (any, error) {
	p := &celProgram{rt: rt, methods: make(map[string]*cel.Ast, len(m.Methods))}
	if m.CheckPermission != "" {
		ast, err := rt.compileExpr(m.CheckPermission)
		if err != nil {
			return nil, fmt.Errorf("check_permission: %w", err)
		}
		switch ast.OutputType().Kind() {
		case types.BoolKind, types.MapKind, types.DynKind:
		default:
			return nil, fmt.Errorf("check_permission: must yield bool or map, not %s", ast.OutputType())
		}
		p.check = ast
	}
	for name, src := range m.Methods {
		ast, err := rt.compileExpr(src)
		if err != nil {
			return nil, fmt.Errorf("method %s: %w", name, err)
		}
		p.methods[name] = ast
	}

	switch {
	case p.check != nil && len(p.methods) > 0:
		return celContractWithMethods{celContract{p}, celMethods{p}}, nil
	case p.check != nil:
		return celContract{p}, nil
	default:
		return celMethods{p}, nil
	}
}

func (rt *celRuntime) compileExpr(src string) (*cel.Ast, error) {
	res, err := rt.validator.Validate(src)
	if err != nil {
		return nil, err
	}
	if !res.Valid {
		return nil, res
	}
	ast, iss := rt.env.Compile(src)
	if iss != nil && iss.Err() != nil {
		return nil, iss.Err()
	}
	return ast, nil
}

func (p *celProgram) checkPermission(ctx context.Context, call contracts.Call) (contracts.PermissionResult, error) {
	out, err := p.eval(ctx, p.check, call)
	if err != nil {
		return contracts.PermissionResult{}, err
	}
	if b, ok := out.(types.Bool); ok {
		if b {
			return contracts.Allow("allowed by contract"), nil
		}
		return contracts.Deny("denied by contract"), nil
	}
	native, err := celToNative(out)
	if err != nil {
		return contracts.PermissionResult{}, err
	}
	fields, ok := native.(map[string]any)
	if !ok {
		return contracts.PermissionResult{}, fmt.Errorf("check_permission returned %T", native)
	}
	if _, ok := fields["allowed"].(bool); !ok {
		return contracts.PermissionResult{}, errors.New("check_permission result has no boolean allowed field")
	}
	b, err := json.Marshal(fields)
	if err != nil {
		return contracts.PermissionResult{}, err
	}
	var res contracts.PermissionResult
	if err := json.Unmarshal(b, &res); err != nil {
		return contracts.PermissionResult{}, fmt.Errorf("check_permission result: %w", err)
	}
	// Keep the converted values; the JSON pass above turns ints into floats.
	if su, ok := fields["state_updates"].(map[string]any); ok {
		res.StateUpdates = su
	}
	if c, ok := fields["conditions"].(map[string]any); ok {
		res.Conditions = c
	}
	return res, nil
}

func (p *celProgram) invoke(ctx context.Context, call contracts.Call) (any, error) {
	ast, ok := p.methods[call.Invocation.Method]
	if !ok {
		return nil, fmt.Errorf("%w: no method %q", ErrNotInvocable, call.Invocation.Method)
	}
	out, err := p.eval(ctx, ast, call)
	if err != nil {
		return nil, err
	}
	return celToNative(out)
}

func (p *celProgram) eval(ctx context.Context, ast *cel.Ast, call contracts.Call) (ref.Val, error) {
	env, err := p.rt.env.Extend(hostBindings(ctx, call.Host)...)
	if err != nil {
		return nil, err
	}
	prg, err := env.Program(ast,
		cel.InterruptCheckFrequency(celInterruptEvery),
		cel.CostLimit(celCostLimit),
	)
	if err != nil {
		return nil, err
	}
	out, _, err := prg.ContextEval(ctx, activation(call))
	if err != nil {
		return nil, err
	}
	return out, nil
}

func activation(call contracts.Call) map[string]any {
	now := time.Now()
	if call.Host != nil {
		now = call.Host.Now()
	}
	state := call.State.Map()
	if state == nil {
		state = map[string]any{}
	}
	args := call.Invocation.Args
	if args == nil {
		args = []any{}
	}
	return map[string]any{
		"ctx":   invocationVars(call.Invocation),
		"state": state,
		"args":  args,
		"self":  call.Self,
		"now":   now,
	}
}

func invocationVars(ic contracts.InvocationContext) map[string]any {
	md := ic.TargetMetadata
	return map[string]any{
		"caller":            ic.Caller,
		"action":            string(ic.Action),
		"target":            ic.Target,
		"target_created_by": ic.TargetCreatedBy,
		"method":            ic.Method,
		"depth":             int64(ic.Depth),
		"target_metadata": map[string]any{
			"id":                 md.ID,
			"created_by":         md.Creator,
			"created_at":         md.CreatedAt,
			"updated_at":         md.UpdatedAt,
			"size_bytes":         md.SizeBytes,
			"access_contract_id": md.AccessContractID,
			"has_standing":       md.HasStanding,
			"can_execute":        md.CanExecute,
		},
	}
}

func hostBindings(ctx context.Context, host contracts.Host) []cel.EnvOption {
	noHost := types.NewErr("host capabilities unavailable")
	str := func(v ref.Val) string {
		s, _ := v.Value().(string)
		return s
	}
	return []cel.EnvOption{
		cel.Function("balance", cel.Overload("balance_string_string", sig2Strings, cel.IntType,
			cel.BinaryBinding(func(p, r ref.Val) ref.Val {
				if host == nil {
					return noHost
				}
				b, err := host.Balance(ctx, str(p), str(r))
				if err != nil {
					return types.NewErr("balance: %v", err)
				}
				return types.Int(b)
			}))),
		cel.Function("creator", cel.Overload("creator_string", sig1String, cel.StringType,
			cel.UnaryBinding(func(id ref.Val) ref.Val {
				if host == nil {
					return noHost
				}
				md, err := host.Metadata(ctx, str(id))
				if err != nil {
					return types.NewErr("creator: %v", err)
				}
				return types.String(md.Creator)
			}))),
		cel.Function("exists", cel.Overload("exists_string", sig1String, cel.BoolType,
			cel.UnaryBinding(func(id ref.Val) ref.Val {
				if host == nil {
					return noHost
				}
				_, err := host.Metadata(ctx, str(id))
				if errors.Is(err, artifacts.ErrNotFound) {
					return types.False
				}
				if err != nil {
					return types.NewErr("exists: %v", err)
				}
				return types.True
			}))),
		cel.Function("invoke", cel.Overload("invoke_string_string_list", sigInvoke, cel.DynType,
			cel.FunctionBinding(func(vals ...ref.Val) ref.Val {
				if host == nil {
					return noHost
				}
				args, err := vals[2].ConvertToNative(reflect.TypeOf([]any{}))
				if err != nil {
					return types.NewErr("invoke: %v", err)
				}
				out, err := host.Invoke(ctx, str(vals[0]), str(vals[1]), args.([]any))
				if err != nil {
					return types.NewErr("invoke: %v", err)
				}
				return types.DefaultTypeAdapter.NativeToValue(out)
			}))),
		cel.Function("judge", cel.Overload("judge_string", sig1String, cel.StringType,
			cel.UnaryBinding(func(prompt ref.Val) ref.Val {
				if host == nil {
					return noHost
				}
				answer, err := host.Judge(ctx, str(prompt))
				if err != nil {
					return types.NewErr("judge: %v", err)
				}
				return types.String(answer)
			}))),
	}
}

var structValueType = reflect.TypeOf(&structpb.Value{})

// celToNative converts a CEL value to plain JSON-shaped Go values. Integers
// stay int64 at any depth so state written by one evaluation reads back as
// an int in the next.
func celToNative(v ref.Val) (any, error) {
	if types.IsError(v) {
		return nil, fmt.Errorf("%v", v)
	}
	switch t := v.(type) {
	case types.Int:
		return int64(t), nil
	case types.Uint:
		return int64(t), nil
	case types.Double:
		return float64(t), nil
	case types.String:
		return string(t), nil
	case types.Bool:
		return bool(t), nil
	case types.Null:
		return nil, nil
	case traits.Mapper:
		out := make(map[string]any)
		for it := t.Iterator(); it.HasNext() == types.True; {
			k := it.Next()
			ks, ok := k.(types.String)
			if !ok {
				return nil, fmt.Errorf("map key %v is not a string", k)
			}
			val, err := celToNative(t.Get(k))
			if err != nil {
				return nil, err
			}
			out[string(ks)] = val
		}
		return out, nil
	case traits.Lister:
		n, _ := t.Size().(types.Int)
		out := make([]any, 0, int(n))
		for i := types.Int(0); i < n; i++ {
			val, err := celToNative(t.Get(i))
			if err != nil {
				return nil, err
			}
			out = append(out, val)
		}
		return out, nil
	}
	pb, err := v.ConvertToNative(structValueType)
	if err != nil {
		return nil, err
	}
	return pb.(*structpb.Value).AsInterface(), nil
}
