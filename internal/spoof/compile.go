package spoof

import (
	"fmt"
	"sort"
	"sync"

	"github.com/dop251/goja"

	"github.com/ppiankov/hookwatch/internal/value"
)

// Compile evaluates spoof source and returns its entries. The source is a
// script that assigns module.exports (or exports) an object keyed by
// endpoint path or "id:<debug id>":
//
//	module.exports = {
//	  "game.ReplicatedStorage.Shop": {
//	    method: "InvokeServer",
//	    returns: function (original, item) { return original(item) },
//	  },
//	  "game.ReplicatedStorage.Coins": { method: "InvokeServer", returns: [999] },
//	}
//
// Function-valued returns run on a pool of runtimes built from the same
// compiled program, so concurrent and nested spoof calls never share a
// runtime.
func Compile(source string) (map[string]Entry, error) {
	prog, err := goja.Compile("spoofs.js", source, false)
	if err != nil {
		return nil, fmt.Errorf("spoof: compile: %w", err)
	}

	p := &programPool{prog: prog}
	first, err := p.instantiate()
	if err != nil {
		return nil, err
	}

	entries := make(map[string]Entry)
	keys := first.exports.Keys()
	sort.Strings(keys)
	for _, key := range keys {
		raw := first.exports.Get(key)
		if raw == nil || goja.IsUndefined(raw) || goja.IsNull(raw) {
			continue
		}
		obj := raw.ToObject(first.vm)

		method := obj.Get("method")
		if method == nil || goja.IsUndefined(method) {
			return nil, fmt.Errorf("spoof: %q: missing method", key)
		}

		returns := obj.Get("returns")
		if returns == nil {
			returns = obj.Get("return")
		}
		spec, err := p.returnSpec(first, key, returns)
		if err != nil {
			return nil, err
		}
		entries[key] = Entry{Method: method.String(), Return: spec}
	}
	p.put(first)
	return entries, nil
}

type jsInstance struct {
	vm      *goja.Runtime
	exports *goja.Object
}

type programPool struct {
	prog *goja.Program
	pool sync.Pool
}

func (p *programPool) instantiate() (*jsInstance, error) {
	vm := goja.New()
	module := vm.NewObject()
	exports := vm.NewObject()
	if err := module.Set("exports", exports); err != nil {
		return nil, fmt.Errorf("spoof: init module: %w", err)
	}
	if err := vm.Set("module", module); err != nil {
		return nil, fmt.Errorf("spoof: init module: %w", err)
	}
	if err := vm.Set("exports", exports); err != nil {
		return nil, fmt.Errorf("spoof: init exports: %w", err)
	}

	if _, err := vm.RunProgram(p.prog); err != nil {
		return nil, fmt.Errorf("spoof: evaluate: %w", err)
	}

	out := module.Get("exports")
	if out == nil || goja.IsUndefined(out) || goja.IsNull(out) {
		return nil, fmt.Errorf("spoof: module.exports is empty")
	}
	return &jsInstance{vm: vm, exports: out.ToObject(vm)}, nil
}

func (p *programPool) get() (*jsInstance, error) {
	if inst, ok := p.pool.Get().(*jsInstance); ok {
		return inst, nil
	}
	return p.instantiate()
}

func (p *programPool) put(inst *jsInstance) { p.pool.Put(inst) }

func (p *programPool) returnSpec(first *jsInstance, key string, returns goja.Value) (ReturnSpec, error) {
	if returns == nil || goja.IsUndefined(returns) || goja.IsNull(returns) {
		return Fixed(), nil
	}
	if _, ok := goja.AssertFunction(returns); ok {
		return Computed(func(original Delegate, args []any) ([]any, error) {
			return p.call(key, original, args)
		}), nil
	}
	return Fixed(returnList(fromJS(returns.Export()))...), nil
}

// call runs the function spoof for key on a pooled runtime.
func (p *programPool) call(key string, original Delegate, args []any) (out []any, err error) {
	inst, err := p.get()
	if err != nil {
		return nil, err
	}
	defer p.put(inst)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("spoof: %q: panic: %v", key, r)
		}
	}()

	vm := inst.vm
	entry := inst.exports.Get(key).ToObject(vm)
	fn, ok := goja.AssertFunction(entry.Get("returns"))
	if !ok {
		fn, ok = goja.AssertFunction(entry.Get("return"))
	}
	if !ok {
		return nil, fmt.Errorf("spoof: %q: returns is not a function", key)
	}

	orig := vm.ToValue(func(call goja.FunctionCall) goja.Value {
		in := make([]any, len(call.Arguments))
		for i, a := range call.Arguments {
			in[i] = fromJS(a.Export())
		}
		res, err := original(in...)
		if err != nil {
			panic(vm.NewGoError(err))
		}
		return toJS(vm, value.List(res...), make(map[*value.Table]goja.Value))
	})

	jsArgs := make([]goja.Value, 0, len(args)+1)
	jsArgs = append(jsArgs, orig)
	seen := make(map[*value.Table]goja.Value)
	for _, a := range args {
		jsArgs = append(jsArgs, toJS(vm, a, seen))
	}

	res, err := fn(goja.Undefined(), jsArgs...)
	if err != nil {
		return nil, fmt.Errorf("spoof: %q: %w", key, err)
	}
	if goja.IsUndefined(res) || goja.IsNull(res) {
		return []any{}, nil
	}
	return returnList(fromJS(res.Export())), nil
}

// returnList turns a single returned value into a value list. Arrays spread.
func returnList(v any) []any {
	if t, ok := v.(*value.Table); ok && t.Count() == t.Len() {
		return t.Slice()
	}
	if v == nil {
		return []any{}
	}
	return []any{v}
}

// fromJS converts an exported goja value into host values.
func fromJS(v any) any {
	switch x := v.(type) {
	case []any:
		t := value.NewTable()
		for i, e := range x {
			t.Set(int64(i+1), fromJS(e))
		}
		return t
	case map[string]any:
		t := value.NewTable()
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			t.Set(k, fromJS(x[k]))
		}
		return t
	case func(goja.FunctionCall) goja.Value:
		return nil
	}
	return value.Normalize(v)
}

// toJS converts host values into goja values. Sequence tables become
// arrays, other tables objects with stringified keys.
func toJS(vm *goja.Runtime, v any, seen map[*value.Table]goja.Value) goja.Value {
	t, ok := v.(*value.Table)
	if !ok {
		if v == nil {
			return goja.Null()
		}
		return vm.ToValue(v)
	}
	if done, ok := seen[t]; ok {
		return done
	}

	if t.Count() == t.Len() {
		arr := vm.NewArray()
		seen[t] = arr
		for i, e := range t.Slice() {
			_ = arr.Set(fmt.Sprintf("%d", i), toJS(vm, e, seen))
		}
		return arr
	}

	obj := vm.NewObject()
	seen[t] = obj
	t.Range(func(k, e any) bool {
		_ = obj.Set(fmt.Sprintf("%v", k), toJS(vm, e, seen))
		return true
	})
	return obj
}
