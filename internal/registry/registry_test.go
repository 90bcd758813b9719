package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultClasses(t *testing.T) {
	r := MustDefault()

	assert.Equal(t, []string{"BindableEvent", "BindableFunction", "RemoteEvent", "RemoteFunction", "UnreliableRemoteEvent"}, r.Tags())

	fn, ok := r.Lookup("RemoteFunction")
	require.True(t, ok)
	assert.True(t, fn.Bidirectional)
	assert.Equal(t, "InvokeServer", fn.FirstSend())
	assert.Equal(t, "OnClientInvoke", fn.FirstReceive())
}

func TestAllows(t *testing.T) {
	r := MustDefault()

	tests := []struct {
		class  string
		dir    Direction
		method string
		want   bool
	}{
		{"RemoteEvent", Outbound, "FireServer", true},
		{"RemoteEvent", Inbound, "OnClientEvent", true},
		{"RemoteEvent", Inbound, "FireServer", false},
		{"RemoteEvent", Outbound, "GetFullName", false},
		{"Folder", Outbound, "FireServer", false},
		{"BindableFunction", Outbound, "Invoke", true},
	}
	for _, tt := range tests {
		t.Run(tt.class+"/"+tt.method, func(t *testing.T) {
			assert.Equal(t, tt.want, r.Allows(tt.class, tt.dir, tt.method))
		})
	}
}

func TestOverrides(t *testing.T) {
	r, err := New(map[string]Class{
		"BindableEvent": {},
		"NetSignal":     {Send: []string{"Send", "SendAll"}, Receive: []string{"OnMessage"}},
	})
	require.NoError(t, err)

	_, ok := r.Lookup("BindableEvent")
	assert.False(t, ok, "empty override removes the class")
	assert.True(t, r.Allows("NetSignal", Outbound, "SendAll"))

	_, err = New(map[string]Class{" ": {Send: []string{"x"}}})
	assert.Error(t, err)
}
