package decompile

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecompileReturnsSource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/octet-stream", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, []byte{0x1b, 0x4c}, body)
		_, _ = w.Write([]byte("print('hi')"))
	}))
	defer srv.Close()

	src, err := New(srv.URL).Decompile(context.Background(), []byte{0x1b, 0x4c})
	require.NoError(t, err)
	assert.Equal(t, "print('hi')", src)
}

func TestDecompileSingleAttemptOnFailure(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad bytecode", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	_, err := New(srv.URL).Decompile(context.Background(), []byte{1})
	var se *ServiceError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusUnprocessableEntity, se.Status)
	assert.Equal(t, "bad bytecode", se.Body)
	assert.EqualValues(t, 1, calls.Load())

	srv5 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv5.Close()
	_, err = New(srv5.URL).Decompile(context.Background(), []byte{1})
	assert.Error(t, err)
	assert.EqualValues(t, 2, calls.Load())
}

func TestDecompileValidatesInput(t *testing.T) {
	_, err := New("").Decompile(context.Background(), []byte{1})
	assert.ErrorIs(t, err, ErrNoService)
	_, err = New("http://127.0.0.1:1").Decompile(context.Background(), nil)
	assert.Error(t, err)
}

func TestDecompileUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()
	_, err := New(url).Decompile(context.Background(), []byte{1})
	assert.Error(t, err)
}
