package jsonrpc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/m4xw311/acpbridge/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// peer is the far end of a Conn under test: it writes raw lines into the
// connection and collects every frame the connection writes.
type peer struct {
	t      *testing.T
	in     *io.PipeWriter
	frames chan map[string]json.RawMessage
}

func newPair(t *testing.T, opts ...Option) (*Conn, *peer) {
	t.Helper()
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	conn := NewConn(inR, outW, opts...)
	p := &peer{t: t, in: inW, frames: make(chan map[string]json.RawMessage, 64)}
	go func() {
		sc := bufio.NewScanner(outR)
		sc.Buffer(make([]byte, 1024*1024), 1024*1024)
		for sc.Scan() {
			var m map[string]json.RawMessage
			if err := json.Unmarshal(sc.Bytes(), &m); err != nil {
				t.Errorf("connection wrote invalid JSON: %q", sc.Text())
				continue
			}
			p.frames <- m
		}
	}()
	t.Cleanup(func() {
		conn.Close()
		inW.Close()
		outW.Close()
	})
	return conn, p
}

func (p *peer) send(line string) {
	p.t.Helper()
	_, err := io.WriteString(p.in, line)
	require.NoError(p.t, err)
}

func (p *peer) next() map[string]json.RawMessage {
	p.t.Helper()
	select {
	case f := <-p.frames:
		return f
	case <-time.After(2 * time.Second):
		p.t.Fatal("timed out waiting for frame")
		return nil
	}
}

func (p *peer) expectNothing(d time.Duration) {
	p.t.Helper()
	select {
	case f := <-p.frames:
		p.t.Fatalf("unexpected frame: %v", f)
	case <-time.After(d):
	}
}

func serve(t *testing.T, conn *Conn, h Handler) {
	t.Helper()
	go func() {
		_ = conn.Serve(context.Background(), h)
	}()
}

var echo = HandlerFunc(func(ctx context.Context, req *Request) (any, error) {
	switch req.Method {
	case "echo":
		var v any
		if err := req.BindParams(&v); err != nil {
			return nil, err
		}
		return v, nil
	case "fail":
		return nil, errors.New("secret detail")
	default:
		return nil, errors.MethodNotFound(req.Method)
	}
})

func TestConcurrentRequestsCorrelateOutOfOrder(t *testing.T) {
	conn, p := newPair(t)
	serve(t, conn, echo)

	const n = 10
	results := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var out string
			err := conn.SendRequest(context.Background(), "fs/read_text_file", map[string]int{"n": i}, &out)
			assert.NoError(t, err)
			results[i] = out
		}(i)
	}

	type call struct {
		id json.RawMessage
		n  int
	}
	var calls []call
	seen := map[string]bool{}
	for i := 0; i < n; i++ {
		f := p.next()
		require.False(t, seen[string(f["id"])], "ids must be unique")
		seen[string(f["id"])] = true
		var params struct{ N int }
		require.NoError(t, json.Unmarshal(f["params"], &params))
		calls = append(calls, call{id: f["id"], n: params.N})
	}
	for i := len(calls) - 1; i >= 0; i-- {
		p.send(fmt.Sprintf(`{"jsonrpc":"2.0","id":%s,"result":"reply-%d"}`+"\n", calls[i].id, calls[i].n))
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		assert.Equal(t, fmt.Sprintf("reply-%d", i), results[i])
	}
}

func TestMalformedLinesAreDroppedWithoutKillingTheConnection(t *testing.T) {
	conn, p := newPair(t)
	serve(t, conn, echo)

	p.send("this is not json\n")
	p.send(`{"jsonrpc":"2.0","id":1,"method":"echo","params":"first"}` + "\n")
	p.send(`{"jsonrpc":"2.0","id":5,"method":` + "\n")
	p.send(`{"jsonrpc":"2.0","id":2,"method":"echo","params":"second"}` + "\n")

	byID := map[string]map[string]json.RawMessage{}
	for i := 0; i < 3; i++ {
		f := p.next()
		byID[string(f["id"])] = f
	}

	assert.JSONEq(t, `"first"`, string(byID["1"]["result"]))
	assert.JSONEq(t, `"second"`, string(byID["2"]["result"]))

	var perr Error
	require.NoError(t, json.Unmarshal(byID["5"]["error"], &perr))
	assert.Equal(t, errors.CodeParseError, perr.Code)

	p.expectNothing(50 * time.Millisecond)
}

func TestPartialFramesAreBuffered(t *testing.T) {
	conn, p := newPair(t)
	serve(t, conn, echo)

	p.send(`{"jsonrpc":"2.0","id":9,`)
	p.expectNothing(30 * time.Millisecond)
	p.send(`"method":"echo","params":{"a":1}}` + "\n")

	f := p.next()
	assert.JSONEq(t, `9`, string(f["id"]))
	assert.JSONEq(t, `{"a":1}`, string(f["result"]))
}

func TestInvalidRequestShapes(t *testing.T) {
	conn, p := newPair(t)
	serve(t, conn, echo)

	p.send(`{"jsonrpc":"1.0","id":3,"method":"echo","params":1}` + "\n")
	f := p.next()
	var e Error
	require.NoError(t, json.Unmarshal(f["error"], &e))
	assert.Equal(t, errors.CodeInvalidRequest, e.Code)

	p.send(`{"jsonrpc":"2.0","id":4,"method":42}` + "\n")
	f = p.next()
	require.NoError(t, json.Unmarshal(f["error"], &e))
	assert.Equal(t, errors.CodeInvalidRequest, e.Code)
	assert.JSONEq(t, `4`, string(f["id"]))
}

func TestErrorsAreClassifiedAndDetailIsDebugOnly(t *testing.T) {
	for _, debug := range []bool{false, true} {
		t.Run(fmt.Sprintf("debug=%v", debug), func(t *testing.T) {
			conn, p := newPair(t, WithDebug(debug))
			serve(t, conn, echo)

			p.send(`{"jsonrpc":"2.0","id":"abc","method":"nope"}` + "\n")
			f := p.next()
			assert.JSONEq(t, `"abc"`, string(f["id"]))
			var e Error
			require.NoError(t, json.Unmarshal(f["error"], &e))
			assert.Equal(t, errors.CodeMethodNotFound, e.Code)

			p.send(`{"jsonrpc":"2.0","id":7,"method":"fail"}` + "\n")
			f = p.next()
			require.NoError(t, json.Unmarshal(f["error"], &e))
			assert.Equal(t, errors.CodeInternal, e.Code)
			assert.Equal(t, "Internal error", e.Message)
			if debug {
				require.NotNil(t, e.Data)
				assert.Contains(t, e.Data.Detail, "secret detail")
			} else {
				assert.Nil(t, e.Data)
			}
		})
	}
}

func TestNotificationsGetNoResponseAndKeepOrder(t *testing.T) {
	var mu sync.Mutex
	var got []string
	done := make(chan struct{})
	h := HandlerFunc(func(ctx context.Context, req *Request) (any, error) {
		var s string
		_ = json.Unmarshal(req.Params, &s)
		mu.Lock()
		got = append(got, s)
		if len(got) == 3 {
			close(done)
		}
		mu.Unlock()
		return "ignored", nil
	})
	conn, p := newPair(t)
	serve(t, conn, h)

	for _, s := range []string{"a", "b", "c"} {
		p.send(fmt.Sprintf(`{"jsonrpc":"2.0","method":"session/cancel","params":%q}`+"\n", s))
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("notifications not delivered")
	}
	assert.Equal(t, []string{"a", "b", "c"}, got)
	p.expectNothing(50 * time.Millisecond)
}

func TestRequestTimeout(t *testing.T) {
	conn, p := newPair(t, WithRequestTimeout(50*time.Millisecond))
	serve(t, conn, echo)

	start := time.Now()
	err := conn.SendRequest(context.Background(), "session/request_permission", nil, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrTimeout))
	assert.False(t, errors.Classify(err).Retryable)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

	// the request was still written
	f := p.next()
	assert.JSONEq(t, `"session/request_permission"`, string(f["method"]))

	conn.mu.Lock()
	assert.Empty(t, conn.pending)
	conn.mu.Unlock()

	// a late response is dropped quietly
	p.send(fmt.Sprintf(`{"jsonrpc":"2.0","id":%s,"result":{}}`+"\n", f["id"]))
	p.expectNothing(30 * time.Millisecond)
}

func TestRetryableTimeoutsPerMethod(t *testing.T) {
	conn, p := newPair(t, WithRequestTimeout(20*time.Millisecond), WithRetryableTimeouts("fs/read_text_file"))
	serve(t, conn, echo)

	err := conn.SendRequest(context.Background(), "fs/read_text_file", nil, nil)
	assert.True(t, errors.Classify(err).Retryable)
	p.next()
}

func TestCloseRejectsPendingAndLaterSends(t *testing.T) {
	conn, p := newPair(t)
	serve(t, conn, echo)

	errc := make(chan error, 1)
	go func() {
		errc <- conn.SendRequest(context.Background(), "session/request_permission", nil, nil)
	}()
	p.next()
	require.NoError(t, conn.Close())

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrConnClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("pending call not rejected")
	}

	assert.ErrorIs(t, conn.SendNotification(context.Background(), "session/update", nil), ErrConnClosed)
	assert.ErrorIs(t, conn.SendRequest(context.Background(), "x", nil, nil), ErrConnClosed)
	require.NoError(t, conn.Close())
	<-conn.Done()
}

func TestSendRequestHonoursContext(t *testing.T) {
	conn, p := newPair(t)
	serve(t, conn, echo)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- conn.SendRequest(ctx, "fs/read_text_file", nil, nil) }()
	p.next()
	cancel()
	err := <-errc
	assert.True(t, errors.Is(err, errors.ErrCancelled))
}

func TestPeerErrorBecomesRecord(t *testing.T) {
	conn, p := newPair(t)
	serve(t, conn, echo)

	errc := make(chan error, 1)
	go func() { errc <- conn.SendRequest(context.Background(), "fs/read_text_file", nil, nil) }()
	f := p.next()
	p.send(fmt.Sprintf(`{"jsonrpc":"2.0","id":%s,"error":{"code":-32001,"message":"file not found: a.go","data":{"path":"a.go"}}}`+"\n", f["id"]))

	err := <-errc
	rec := errors.Classify(err)
	assert.Equal(t, errors.KindPathNotFound, rec.Kind)
	assert.Equal(t, "a.go", rec.Data.Path)
}

func TestServeReturnsOnEOF(t *testing.T) {
	conn, p := newPair(t)
	errc := make(chan error, 1)
	go func() { errc <- conn.Serve(context.Background(), echo) }()
	p.in.Close()
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return")
	}
	<-conn.Done()
}

func TestHandlerPanicBecomesInternalError(t *testing.T) {
	conn, p := newPair(t)
	serve(t, conn, HandlerFunc(func(ctx context.Context, req *Request) (any, error) {
		panic("boom")
	}))
	p.send(`{"jsonrpc":"2.0","id":1,"method":"x"}` + "\n")
	f := p.next()
	var e Error
	require.NoError(t, json.Unmarshal(f["error"], &e))
	assert.Equal(t, errors.CodeInternal, e.Code)
}
