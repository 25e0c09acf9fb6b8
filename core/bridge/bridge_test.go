package bridge

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/searchktools/turbo-server/core/router"
)

func invoke(t *testing.T, b *Bridge, h Handler) (Result, error) {
	t.Helper()
	return b.Invoke(context.Background(), h, &Request{Method: "GET", Path: "/"})
}

// TestBridgeResultForms tests the three result shapes a handler can
// return
func TestBridgeResultForms(t *testing.T) {
	b := New(true, nil)

	res, err := invoke(t, b, func(*Request) (Result, error) {
		return Raw([]byte("raw"), "application/octet-stream"), nil
	})
	require.NoError(t, err)
	assert.Equal(t, 200, res.Status)
	assert.Equal(t, "raw", string(res.Body))
	assert.Equal(t, "application/octet-stream", res.ContentType)

	res, err = invoke(t, b, func(*Request) (Result, error) {
		return Value(map[string]any{"ok": true}), nil
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(res.Body))
	assert.Equal(t, "application/json", res.ContentType)

	res, err = invoke(t, b, func(*Request) (Result, error) {
		return Full([]byte("gone"), 410, map[string]string{"X-Reason": "expired"}), nil
	})
	require.NoError(t, err)
	assert.Equal(t, 410, res.Status)
	assert.Equal(t, "expired", res.Headers["X-Reason"])
}

// TestBridgeTextSniffing tests the markup content type heuristic
func TestBridgeTextSniffing(t *testing.T) {
	tests := []struct {
		body string
		want string
	}{
		{"<h1>hi</h1>", "text/html; charset=utf-8"},
		{"plain words", "text/plain; charset=utf-8"},
		{"< not markup", "text/plain; charset=utf-8"},
	}

	for _, tt := range tests {
		res := Text(tt.body)
		assert.Equal(t, tt.want, res.ContentType, "body %q", tt.body)
	}
}

// TestBridgeProtobufResult tests that proto messages serialize on the
// protobuf path
func TestBridgeProtobufResult(t *testing.T) {
	b := New(true, nil)

	res, err := invoke(t, b, func(*Request) (Result, error) {
		return Value(wrapperspb.String("payload")), nil
	})
	require.NoError(t, err)
	assert.Equal(t, "application/x-protobuf", res.ContentType)
	assert.NotEmpty(t, res.Body)

	var decoded wrapperspb.StringValue
	require.NoError(t, proto.Unmarshal(res.Body, &decoded))
	assert.Equal(t, "payload", decoded.GetValue())
}

// TestBridgePanicIsolation tests that a panicking handler surfaces as a
// typed failure
func TestBridgePanicIsolation(t *testing.T) {
	b := New(true, nil)

	_, err := invoke(t, b, func(*Request) (Result, error) {
		panic("boom")
	})
	require.Error(t, err)

	var he *HandlerError
	require.True(t, errors.As(err, &he))
	assert.True(t, he.Panicked)
	assert.Contains(t, he.Error(), "boom")

	// The execution slot was released: the next handler runs fine.
	res, err := invoke(t, b, func(*Request) (Result, error) {
		return Text("recovered"), nil
	})
	require.NoError(t, err)
	assert.Equal(t, "recovered", string(res.Body))
}

// TestBridgeErrorWrapping tests that plain handler errors become typed
// failures
func TestBridgeErrorWrapping(t *testing.T) {
	b := New(false, nil)
	sentinel := errors.New("db offline")

	_, err := invoke(t, b, func(*Request) (Result, error) {
		return Result{}, sentinel
	})
	var he *HandlerError
	require.True(t, errors.As(err, &he))
	assert.False(t, he.Panicked)
	assert.ErrorIs(t, err, sentinel)
}

// TestBridgeSerialization tests that at most one handler runs at a time
// when serialization is on
func TestBridgeSerialization(t *testing.T) {
	b := New(true, nil)

	firstIn := make(chan struct{})
	release := make(chan struct{})
	firstDone := make(chan struct{})

	go func() {
		defer close(firstDone)
		b.Invoke(context.Background(), func(*Request) (Result, error) {
			close(firstIn)
			<-release
			return Result{}, nil
		}, &Request{})
	}()
	<-firstIn

	secondIn := make(chan struct{})
	secondDone := make(chan struct{})
	go func() {
		defer close(secondDone)
		b.Invoke(context.Background(), func(*Request) (Result, error) {
			close(secondIn)
			return Result{}, nil
		}, &Request{})
	}()

	select {
	case <-secondIn:
		t.Fatal("second handler entered while the first held the execution slot")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	<-firstDone
	select {
	case <-secondIn:
	case <-time.After(time.Second):
		t.Fatal("second handler never ran after the slot freed up")
	}
	<-secondDone
}

// TestBridgeFreeThreaded tests genuine handler parallelism with
// serialization off
func TestBridgeFreeThreaded(t *testing.T) {
	b := New(false, nil)

	bothIn := make(chan struct{}, 2)
	release := make(chan struct{})
	h := func(*Request) (Result, error) {
		bothIn <- struct{}{}
		<-release
		return Result{}, nil
	}

	for i := 0; i < 2; i++ {
		go b.Invoke(context.Background(), h, &Request{})
	}

	for i := 0; i < 2; i++ {
		select {
		case <-bothIn:
		case <-time.After(time.Second):
			t.Fatal("handlers did not overlap in free-threaded mode")
		}
	}
	close(release)
}

// TestBridgeSlotWaitCancellation tests that waiting for the execution
// slot respects context cancellation
func TestBridgeSlotWaitCancellation(t *testing.T) {
	b := New(true, nil)

	firstIn := make(chan struct{})
	release := make(chan struct{})
	go b.Invoke(context.Background(), func(*Request) (Result, error) {
		close(firstIn)
		<-release
		return Result{}, nil
	}, &Request{})
	<-firstIn
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := b.Invoke(ctx, func(*Request) (Result, error) {
		t.Error("handler must not run after cancellation")
		return Result{}, nil
	}, &Request{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

// TestBridgeTurboParams tests the minimal turbo view
func TestBridgeTurboParams(t *testing.T) {
	b := New(true, nil)
	params := router.Params{{Name: "id", Value: router.Value{Kind: router.KindInt, Raw: "7", Int: 7}}}

	res, err := b.InvokeTurbo(context.Background(), func(ps router.Params) (Result, error) {
		id, _ := ps.Int("id")
		return Value(map[string]any{"id": id}), nil
	}, params)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":7}`, string(res.Body))
}

// TestRequestAccessors tests first-value header and query helpers
func TestRequestAccessors(t *testing.T) {
	req := &Request{
		Headers: map[string][]string{"Accept": {"text/html", "application/json"}},
		Query:   map[string][]string{"q": {"first", "second"}},
	}

	assert.Equal(t, "text/html", req.Header("Accept"))
	assert.Equal(t, "first", req.QueryValue("q"))
	assert.Equal(t, "", req.Header("Missing"))
}

// TestBridgeExec tests the plain execution-slot primitive
func TestBridgeExec(t *testing.T) {
	b := New(true, nil)

	ran := false
	require.NoError(t, b.Exec(context.Background(), func() error {
		ran = true
		return nil
	}))
	assert.True(t, ran)

	err := b.Exec(context.Background(), func() error {
		panic("callback exploded")
	})
	var he *HandlerError
	require.ErrorAs(t, err, &he)
	assert.True(t, he.Panicked)

	// The slot must be free again after the panic.
	require.NoError(t, b.Exec(context.Background(), func() error { return nil }))
}
