package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mcpgate/internal/framing"
)

// fakeUpstream reads framed requests from in and writes framed responses to
// out, letting tests control exactly when (and whether) a reply arrives.
type fakeUpstream struct {
	dec *framing.Decoder
	out io.Writer
	mu  sync.Mutex
}

func newFakeUpstream(in io.Reader, out io.Writer) *fakeUpstream {
	return &fakeUpstream{dec: framing.NewDecoder(in), out: out}
}

// nextRequest blocks until a request frame arrives and returns its id/method.
func (f *fakeUpstream) nextRequest() (id int64, method string, err error) {
	var msg wireMessage
	if err := f.dec.Next(&msg); err != nil {
		return 0, "", err
	}
	if len(msg.ID) > 0 {
		_ = json.Unmarshal(msg.ID, &id)
	}
	return id, msg.Method, nil
}

func (f *fakeUpstream) reply(id int64, result any) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return err
	}
	idJSON, _ := json.Marshal(id)
	frame, err := framing.Encode(wireMessage{JSONRPC: "2.0", ID: idJSON, Result: resultJSON})
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	_, err = f.out.Write(frame)
	return err
}

// ignoreRequests reads every request in the background and never replies,
// like an upstream that has stopped answering.
func (f *fakeUpstream) ignoreRequests() {
	go func() {
		for {
			if _, _, err := f.nextRequest(); err != nil {
				return
			}
		}
	}()
}

func newTestSession(t *testing.T) (*Session, *fakeUpstream) {
	t.Helper()
	upstreamIn, clientIn := io.Pipe()
	clientOut, upstreamOut := io.Pipe()

	sess := newForTest(Config{ID: "u1", Command: []string{"noop"}}, clientIn, clientOut)
	fake := newFakeUpstream(upstreamIn, upstreamOut)

	t.Cleanup(func() {
		_ = sess.Close()
	})
	return sess, fake
}

func TestSendRequestResponseCorrelation(t *testing.T) {
	sess, fake := newTestSession(t)

	done := make(chan struct{})
	go func() {
		defer close(done)
		id, method, err := fake.nextRequest()
		require.NoError(t, err)
		assert.Equal(t, "tools/list", method)
		require.NoError(t, fake.reply(id, map[string]string{"ok": "yes"}))
	}()

	env, err := sess.Send(context.Background(), "tools/list", nil, time.Second, 0)
	require.NoError(t, err)
	require.NotNil(t, env)
	assert.JSONEq(t, `{"ok":"yes"}`, string(env.Result))
	<-done
}

func TestInitializeSendsEmptyParamsObject(t *testing.T) {
	sess, fake := newTestSession(t)

	reqDone := make(chan string, 1)
	go func() {
		var msg wireMessage
		_ = fake.dec.Next(&msg)
		reqDone <- string(msg.Params)
		var id int64
		_ = json.Unmarshal(msg.ID, &id)
		_ = fake.reply(id, map[string]any{})
	}()

	_, err := sess.Initialize(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "{}", <-reqDone)
}

func TestSendTimeoutRetriesWithFreshID(t *testing.T) {
	sess, fake := newTestSession(t)

	var firstID, secondID int64
	go func() {
		id, _, err := fake.nextRequest()
		if err != nil {
			return
		}
		firstID = id
		// Never reply to the first attempt — let it time out.

		id2, _, err := fake.nextRequest()
		if err != nil {
			return
		}
		secondID = id2
		_ = fake.reply(id2, "done")
	}()

	env, err := sess.Send(context.Background(), "slow", nil, 30*time.Millisecond, 1)
	require.NoError(t, err)
	assert.JSONEq(t, `"done"`, string(env.Result))

	time.Sleep(10 * time.Millisecond) // let the goroutine record ids
	assert.NotEqual(t, firstID, secondID)
	assert.Equal(t, firstID+1, secondID)
}

func TestSendTimeoutExhaustsRetries(t *testing.T) {
	sess, fake := newTestSession(t)
	fake.ignoreRequests()
	_, err := sess.Send(context.Background(), "never-replied", nil, 10*time.Millisecond, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
}

func TestLateReplyAfterTimeoutIsDropped(t *testing.T) {
	sess, fake := newTestSession(t)

	releaseLate := make(chan struct{})
	go func() {
		id, _, err := fake.nextRequest()
		if err != nil {
			return
		}
		<-releaseLate
		_ = fake.reply(id, "too-late")
	}()

	_, err := sess.Send(context.Background(), "slow", nil, 10*time.Millisecond, 0)
	require.Error(t, err)

	close(releaseLate)
	time.Sleep(20 * time.Millisecond) // give the late reply a chance to arrive and be dropped
}

func TestCloseFailsOutstandingWaiters(t *testing.T) {
	sess, _ := newTestSession(t)

	resultCh := make(chan error, 1)
	go func() {
		_, err := sess.Send(context.Background(), "pending", nil, 5*time.Second, 0)
		resultCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, sess.Close())

	select {
	case err := <-resultCh:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("Send did not unblock after Close")
	}
}

func TestSendAfterCloseFailsImmediately(t *testing.T) {
	sess, _ := newTestSession(t)
	require.NoError(t, sess.Close())

	_, err := sess.Send(context.Background(), "anything", nil, time.Second, 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestCircuitBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	sess, fake := newTestSession(t)
	fake.ignoreRequests()

	var lastErr error
	for i := 0; i < breakerMaxFailure; i++ {
		_, lastErr = sess.Send(context.Background(), "never-replied", nil, 5*time.Millisecond, 0)
		require.Error(t, lastErr)
	}

	_, err := sess.Send(context.Background(), "never-replied", nil, 5*time.Millisecond, 0)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "circuit open"), "expected circuit-open error, got: %v", err)
}

func TestSanitizeAndPresentedNameHelpersAreUnaffectedByTransport(t *testing.T) {
	// Smoke test that this package doesn't redefine sanitize semantics —
	// name construction lives in jsonrpc, sessions only route by upstream id.
	cfg := Config{ID: "my-upstream"}
	s := New(cfg)
	assert.Equal(t, "my-upstream", s.ID())
	assert.Equal(t, fmt.Sprintf("%v", cfg), fmt.Sprintf("%v", s.Config()))
}
