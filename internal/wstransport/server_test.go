package wstransport

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"mcpgate/internal/controller"
	"mcpgate/internal/jsonrpc"
)

func TestWebsocketRoutesRequestAndRepliesNoUpstreams(t *testing.T) {
	ctrl := controller.New(nil)
	h := New("mcpgate", "0.1.0", ctrl)
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	srv := httptest.NewServer(mux)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	id, _ := json.Marshal(1)
	req, err := jsonrpc.NewRequest(id, "tools/list", nil)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(req))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var resp jsonrpc.Response
	require.NoError(t, conn.ReadJSON(&resp))
	require.NotNil(t, resp.Error)
	require.Equal(t, jsonrpc.CodeNoUpstreams, resp.Error.Code)
}
