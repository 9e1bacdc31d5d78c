package internal

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/gorilla/websocket"

	"flatchat/internal/storage"
)

func (model *TUIModel) scheduleReconnect() tea.Cmd {
	const retryDelay = 2 * time.Second
	// we schedule a future poke that nudges Update to try the connection again.
	return tea.Tick(retryDelay, func(time.Time) tea.Msg {
		return reconnectMsg{}
	})
}

// websocket dial
func (model *TUIModel) connectCmd() tea.Cmd {
	return func() tea.Msg {
		joinURL, err := buildJoinURL(model.serverJoinURL, model.username)
		if err != nil {
			return connectFailedMsg{err: err}
		}
		conn, _, err := websocket.DefaultDialer.Dial(joinURL, http.Header{})
		if err != nil {
			return connectFailedMsg{err: err}
		}
		return connectedMsg{conn: conn}
	}
}

// readOnceCmd blocks for the next frame and maps it onto a tea message.
func (model *TUIModel) readOnceCmd() tea.Cmd {
	conn := model.websocketConn
	return func() tea.Msg {
		if conn == nil {
			return disconnectedMsg{err: fmt.Errorf("websocket not connected")}
		}
		messageType, payload, err := conn.ReadMessage()
		if err != nil {
			return disconnectedMsg{conn: conn, err: err}
		}
		if messageType != websocket.TextMessage {
			return skipMsg{}
		}
		return decodeServerEvent(payload)
	}
}

func decodeServerEvent(payload []byte) tea.Msg {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return skipMsg{}
	}
	switch env.Event {
	case EventLoadMessages:
		var history []storage.Message
		if err := json.Unmarshal(env.Data, &history); err != nil {
			return skipMsg{}
		}
		return historyMsg(history)
	case EventMessage:
		var msg storage.Message
		if err := json.Unmarshal(env.Data, &msg); err != nil {
			return skipMsg{}
		}
		return chatMsg(msg)
	case EventUsers:
		var users []string
		if err := json.Unmarshal(env.Data, &users); err != nil {
			return skipMsg{}
		}
		return usersMsg(users)
	case EventUserTyping:
		var typing UserTyping
		if err := json.Unmarshal(env.Data, &typing); err != nil {
			return skipMsg{}
		}
		return peerTypingMsg(typing)
	case EventError:
		var rejected ErrorPayload
		if err := json.Unmarshal(env.Data, &rejected); err != nil {
			return skipMsg{}
		}
		return serverErrorMsg(rejected)
	}
	return skipMsg{}
}

func (model *TUIModel) sendEventCmd(event string, data any) tea.Cmd {
	conn := model.websocketConn
	return func() tea.Msg {
		if conn == nil {
			return sendFailedMsg{err: fmt.Errorf("not connected")}
		}
		encoded, err := encodeEvent(event, data)
		if err != nil {
			return sendFailedMsg{err: err}
		}
		model.writeMutex.Lock()
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		err = conn.WriteMessage(websocket.TextMessage, encoded)
		model.writeMutex.Unlock()
		if err != nil {
			return sendFailedMsg{err: err}
		}
		return nil
	}
}

func (model *TUIModel) sendTypingCmd(isTyping bool) tea.Cmd {
	return model.sendEventCmd(EventTyping, TypingRequest{IsTyping: &isTyping})
}

// typingIdleCmd fires once the local user has stopped typing for the timeout.
func (model *TUIModel) typingIdleCmd() tea.Cmd {
	seq := model.typingSeq
	return tea.Tick(model.typingTimeout, func(time.Time) tea.Msg {
		return typingIdleMsg{seq: seq}
	})
}

// peerTypingExpireCmd clears a peer's indicator if no update follows in time.
func (model *TUIModel) peerTypingExpireCmd(username string, seen time.Time) tea.Cmd {
	return tea.Tick(model.typingTimeout, func(time.Time) tea.Msg {
		return peerTypingExpiredMsg{username: username, seen: seen}
	})
}

func (model *TUIModel) uploadCmd(path, caption string) tea.Cmd {
	server := model.serverJoinURL
	return func() tea.Msg {
		base, err := httpBaseFromJoinURL(server)
		if err != nil {
			return uploadDoneMsg{path: path, err: err}
		}
		fileURL, err := apiUploadImage(base, path)
		return uploadDoneMsg{path: path, caption: caption, fileURL: fileURL, err: err}
	}
}

// entry for bubbletea
func RunClient(opts ClientOptions) error {
	model := NewTUIModel(opts)
	program := tea.NewProgram(model, tea.WithAltScreen())
	_, err := program.Run()
	model.closeConn("client quit")
	return err
}

func (model *TUIModel) closeConn(reason string) {
	if model.websocketConn == nil {
		return
	}
	model.writeMutex.Lock()
	_ = model.websocketConn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason))
	model.writeMutex.Unlock()
	_ = model.websocketConn.Close()
	model.websocketConn = nil
}

func buildJoinURL(base string, username string) (string, error) {
	parsed, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	if parsed.Scheme != "ws" && parsed.Scheme != "wss" {
		return "", fmt.Errorf("invalid scheme for websocket: %s", parsed.Scheme)
	}
	query := parsed.Query()
	query.Set("username", username)
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}
