package session

import (
	"fmt"
	"time"

	"github.com/ppiankov/hookwatch/internal/host"
	"github.com/ppiankov/hookwatch/internal/record"
	"github.com/ppiankov/hookwatch/internal/registry"
	"github.com/ppiankov/hookwatch/internal/value"
)

// RecordTable flattens rec into a table so it can cross a context boundary.
// Argument and return lists carry an explicit count because a table cannot
// hold positional nils.
func RecordTable(rec *record.Call) *value.Table {
	t := value.NewTable()
	t.Set("ID", rec.ID)
	t.Set("EndpointID", rec.EndpointID)
	if inst := rec.Endpoint(); inst != nil {
		t.Set("Endpoint", inst)
	}
	t.Set("Class", rec.Class)
	t.Set("Path", rec.Path)
	t.Set("Method", rec.Method)
	t.Set("Direction", string(rec.Direction))
	t.Set("Args", listTable(rec.Args))
	t.Set("ArgCount", int64(len(rec.Args)))
	if rec.Returned {
		t.Set("Returns", listTable(rec.Returns))
		t.Set("ReturnCount", int64(len(rec.Returns)))
	}
	t.Set("Returned", rec.Returned)
	t.Set("Blocked", rec.Blocked)
	t.Set("Spoofed", rec.Spoofed)
	if rec.Error != "" {
		t.Set("Error", rec.Error)
	}
	t.Set("Timestamp", rec.Timestamp.UnixNano())
	if rec.Caller != nil {
		t.Set("Caller", value.FromMap(map[string]any{
			"Function": rec.Caller.Function,
			"Script":   rec.Caller.Script,
		}))
	}
	if len(rec.Extra) > 0 {
		t.Set("Extra", value.FromMap(rec.Extra))
	}
	t.Set("Context", rec.Context)
	return t
}

func listTable(vals []any) *value.Table {
	t := value.NewTable()
	for i, v := range vals {
		t.Set(int64(i+1), v)
	}
	return t
}

func tableList(v any, n int64) []any {
	t, ok := v.(*value.Table)
	if !ok || n <= 0 {
		return nil
	}
	out := make([]any, n)
	for i := range out {
		out[i] = t.Get(int64(i + 1))
	}
	return out
}

// CallFromTable rebuilds a record sent by RecordTable. Options resolve
// through store by endpoint id.
func CallFromTable(t *value.Table, store *record.OptionsStore) (*record.Call, error) {
	str := func(k string) string {
		s, _ := t.Get(k).(string)
		return s
	}
	num := func(k string) int64 {
		n, _ := t.Get(k).(int64)
		return n
	}
	flag := func(k string) bool {
		b, _ := t.Get(k).(bool)
		return b
	}

	rec := &record.Call{
		ID:         str("ID"),
		EndpointID: str("EndpointID"),
		Class:      str("Class"),
		Path:       str("Path"),
		Method:     str("Method"),
		Direction:  registry.Direction(str("Direction")),
		Args:       tableList(t.Get("Args"), num("ArgCount")),
		Returned:   flag("Returned"),
		Blocked:    flag("Blocked"),
		Spoofed:    flag("Spoofed"),
		Error:      str("Error"),
		Timestamp:  time.Unix(0, num("Timestamp")).UTC(),
		Context:    str("Context"),
	}
	if rec.ID == "" || rec.EndpointID == "" || rec.Method == "" {
		return nil, fmt.Errorf("session: incomplete record payload")
	}
	if rec.Returned {
		rec.Returns = tableList(t.Get("Returns"), num("ReturnCount"))
	}
	if c, ok := t.Get("Caller").(*value.Table); ok {
		fn, _ := c.Get("Function").(string)
		script, _ := c.Get("Script").(string)
		rec.Caller = &record.Caller{Function: fn, Script: script}
	}
	if e, ok := t.Get("Extra").(*value.Table); ok {
		rec.Extra = make(map[string]any)
		e.Range(func(k, v any) bool {
			if ks, ok := k.(string); ok {
				rec.Extra[ks] = v
			}
			return true
		})
	}
	if inst, ok := t.Get("Endpoint").(*host.Instance); ok && inst != nil {
		rec.SetEndpoint(inst, rec.EndpointID)
	}
	rec.Options = store.Get(rec.EndpointID)
	return rec, nil
}

func OptionsTable(o record.Options) *value.Table {
	return value.FromMap(map[string]any{"Excluded": o.Excluded, "Blocked": o.Blocked})
}

func OptionsFromTable(v any) (record.Options, bool) {
	t, ok := v.(*value.Table)
	if !ok {
		return record.Options{}, false
	}
	excluded, _ := t.Get("Excluded").(bool)
	blocked, _ := t.Get("Blocked").(bool)
	return record.Options{Excluded: excluded, Blocked: blocked}, true
}

func tableMap(v any) map[string]any {
	t, ok := v.(*value.Table)
	if !ok {
		return nil
	}
	out := make(map[string]any, t.Count())
	t.Range(func(k, e any) bool {
		if ks, ok := k.(string); ok {
			out[ks] = e
		}
		return true
	})
	return out
}
