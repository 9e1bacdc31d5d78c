package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func readFrame(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var f frame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

func startServer(t *testing.T, cfg ServerConfig) (*ServerHandle, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	handle, err := RunServer(ctx, cfg, zerolog.Nop())
	require.NoError(t, err)
	return handle, cancel
}

func TestRunServerPersistsAcrossRestart(t *testing.T) {
	for _, store := range []string{"json", "sqlite", "pebble"} {
		t.Run(store, func(t *testing.T) {
			r := require.New(t)
			dir := t.TempDir()
			cfg := ServerConfig{
				Addr:      "127.0.0.1:0",
				Store:     store,
				DataPath:  filepath.Join(dir, "log-"+store),
				UploadDir: filepath.Join(dir, "uploads"),
			}

			handle, cancel := startServer(t, cfg)
			url := fmt.Sprintf("ws://%s/socket?username=alice", handle.Addr())
			conn, _, err := websocket.DefaultDialer.Dial(url, nil)
			r.NoError(err)
			r.Equal("users", readFrame(t, conn).Event)
			r.Equal("load-messages", readFrame(t, conn).Event)
			r.NoError(conn.WriteJSON(map[string]any{"event": "message", "data": map[string]string{"content": "persist me"}}))
			r.Equal("message", readFrame(t, conn).Event)

			cancel()
			r.NoError(handle.Wait())
			_ = conn.Close()

			handle, cancel = startServer(t, cfg)
			defer func() {
				cancel()
				_ = handle.Wait()
			}()
			conn, _, err = websocket.DefaultDialer.Dial(fmt.Sprintf("ws://%s/socket?username=bob", handle.Addr()), nil)
			r.NoError(err)
			defer conn.Close()
			readFrame(t, conn)
			history := readFrame(t, conn)
			r.Equal("load-messages", history.Event)
			var messages []struct {
				Content string `json:"content"`
				Sender  string `json:"sender"`
			}
			r.NoError(json.Unmarshal(history.Data, &messages))
			r.Len(messages, 1)
			r.Equal("persist me", messages[0].Content)
			r.Equal("alice", messages[0].Sender)
		})
	}
}

func TestRunServerStop(t *testing.T) {
	r := require.New(t)
	dir := t.TempDir()
	handle, cancel := startServer(t, ServerConfig{
		Addr:      "127.0.0.1:0",
		DataPath:  filepath.Join(dir, "messages.json"),
		UploadDir: filepath.Join(dir, "uploads"),
	})
	defer cancel()

	resp, err := http.Get("http://" + handle.Addr() + "/healthz")
	r.NoError(err)
	resp.Body.Close()
	r.Equal(http.StatusOK, resp.StatusCode)

	r.NoError(handle.Stop(context.Background()))
	r.NoError(handle.Wait())
}

func TestRunServerUnknownStore(t *testing.T) {
	_, err := RunServer(context.Background(), ServerConfig{Addr: "127.0.0.1:0", Store: "redis"}, zerolog.Nop())
	require.Error(t, err)
}
