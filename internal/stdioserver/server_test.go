package stdioserver

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mcpgate/internal/controller"
	"mcpgate/internal/framing"
	"mcpgate/internal/jsonrpc"
)

func writeFrame(t *testing.T, v any) []byte {
	t.Helper()
	frame, err := framing.Encode(v)
	require.NoError(t, err)
	return frame
}

func readResponse(t *testing.T, out *bytes.Buffer) jsonrpc.Response {
	t.Helper()
	dec := framing.NewDecoder(out)
	var resp jsonrpc.Response
	require.NoError(t, dec.Next(&resp))
	return resp
}

func TestServeRoutesNoUpstreamsErrorForNoUpstreams(t *testing.T) {
	ctrl := controller.New(nil)
	srv := New("mcpgate", "0.1.0", ctrl)

	id, _ := json.Marshal(1)
	in := bytes.NewBuffer(writeFrame(t, jsonrpc.Request{JSONRPC: "2.0", ID: id, Method: "tools/list"}))
	var out bytes.Buffer

	err := srv.Serve(context.Background(), in, &out)
	require.NoError(t, err)

	resp := readResponse(t, &out)
	require.NotNil(t, resp.Error)
	assert.Equal(t, jsonrpc.CodeNoUpstreams, resp.Error.Code)
}

func TestServeInitializeShapesForCursorProfile(t *testing.T) {
	ctrl := controller.New(nil)
	srv := New("mcpgate", "0.1.0", ctrl)
	srv.ClientProfile = "cursor"

	id, _ := json.Marshal(1)
	in := bytes.NewBuffer(writeFrame(t, jsonrpc.Request{JSONRPC: "2.0", ID: id, Method: "initialize"}))
	var out bytes.Buffer

	require.NoError(t, srv.Serve(context.Background(), in, &out))

	resp := readResponse(t, &out)
	require.Nil(t, resp.Error)

	var result jsonrpc.InitializeResult
	require.NoError(t, json.Unmarshal(resp.Result, &result))

	var caps map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(result.Capabilities, &caps))
	assert.JSONEq(t, "{}", string(caps["prompts"]))
	assert.JSONEq(t, "{}", string(caps["resources"]))
}

func TestServeStopsCleanlyOnStreamClose(t *testing.T) {
	ctrl := controller.New(nil)
	srv := New("mcpgate", "0.1.0", ctrl)

	in := bytes.NewBuffer(nil) // empty stream: immediate ErrStreamClosed
	var out bytes.Buffer

	err := srv.Serve(context.Background(), in, &out)
	assert.NoError(t, err)
	assert.Zero(t, out.Len())
}

func TestServeSkipsWriteForNotifications(t *testing.T) {
	ctrl := controller.New(nil)
	srv := New("mcpgate", "0.1.0", ctrl)

	in := bytes.NewBuffer(writeFrame(t, jsonrpc.Request{JSONRPC: "2.0", Method: "notifications/initialized"}))
	var out bytes.Buffer

	require.NoError(t, srv.Serve(context.Background(), in, &out))
	assert.Zero(t, out.Len())
}
