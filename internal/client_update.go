package internal

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/gorilla/websocket"
	"github.com/samber/lo"

	"flatchat/internal/storage"
)

// tea messages produced by the client commands
type (
	connectedMsg     struct{ conn *websocket.Conn }
	connectFailedMsg struct{ err error }
	reconnectMsg     struct{}
	skipMsg          struct{}
	historyMsg       []storage.Message
	chatMsg          storage.Message
	usersMsg         []string
	peerTypingMsg    UserTyping
	serverErrorMsg   ErrorPayload
	sendFailedMsg    struct{ err error }
	typingIdleMsg    struct{ seq int }
)

type disconnectedMsg struct {
	conn *websocket.Conn
	err  error
}

type peerTypingExpiredMsg struct {
	username string
	seen     time.Time
}

type uploadDoneMsg struct {
	path    string
	caption string
	fileURL string
	err     error
}

const helpText = "/upload <path> [caption] • /reset clears history for everyone • /users • /quit"

func (model *TUIModel) Update(message tea.Msg) (tea.Model, tea.Cmd) {
	switch typedMessage := message.(type) {
	case tea.WindowSizeMsg:
		model.width = typedMessage.Width
		model.height = typedMessage.Height
		model.textInput.Width = max(10, typedMessage.Width-8)
		return model, nil

	case tea.KeyMsg:
		if typedMessage.Type == tea.KeyCtrlC || typedMessage.Type == tea.KeyEsc {
			model.closeConn("client quit")
			return model, tea.Quit
		}
		if typedMessage.Type == tea.KeyEnter {
			return model.submit()
		}
		before := model.textInput.Value()
		var cmd tea.Cmd
		model.textInput, cmd = model.textInput.Update(typedMessage)
		return model, tea.Batch(cmd, model.trackTyping(before, model.textInput.Value()))

	case connectedMsg:
		model.websocketConn = typedMessage.conn
		model.isConnected = true
		model.connectionError = nil
		model.notice(fmt.Sprintf("Connected as %s", model.username))
		return model, model.readOnceCmd()

	case disconnectedMsg:
		if typedMessage.conn != model.websocketConn {
			return model, nil
		}
		if model.websocketConn != nil {
			_ = model.websocketConn.Close()
			model.websocketConn = nil
		}
		model.isConnected = false
		model.connectionError = typedMessage.err
		model.users = nil
		model.typing = make(map[string]time.Time)
		model.localTyping = false
		return model, model.scheduleReconnect()

	case connectFailedMsg:
		model.connectionError = typedMessage.err
		return model, model.scheduleReconnect()

	case reconnectMsg:
		if !model.isConnected {
			return model, model.connectCmd()
		}
		return model, nil

	case skipMsg:
		return model, model.readOnceCmd()

	case historyMsg:
		model.messages = append(make([]storage.Message, 0, len(typedMessage)), typedMessage...)
		return model, model.readOnceCmd()

	case chatMsg:
		msg := storage.Message(typedMessage)
		model.messages = append(model.messages, msg)
		delete(model.typing, msg.Sender)
		return model, model.readOnceCmd()

	case usersMsg:
		model.users = []string(typedMessage)
		for name := range model.typing {
			if !lo.Contains(model.users, name) {
				delete(model.typing, name)
			}
		}
		return model, model.readOnceCmd()

	case peerTypingMsg:
		if typedMessage.Username == model.username || typedMessage.Username == "" {
			return model, model.readOnceCmd()
		}
		if !typedMessage.IsTyping {
			delete(model.typing, typedMessage.Username)
			return model, model.readOnceCmd()
		}
		seen := model.now()
		model.typing[typedMessage.Username] = seen
		return model, tea.Batch(model.readOnceCmd(), model.peerTypingExpireCmd(typedMessage.Username, seen))

	case peerTypingExpiredMsg:
		if seen, ok := model.typing[typedMessage.username]; ok && seen.Equal(typedMessage.seen) {
			delete(model.typing, typedMessage.username)
		}
		return model, nil

	case typingIdleMsg:
		if typedMessage.seq == model.typingSeq && model.localTyping {
			model.localTyping = false
			return model, model.sendTypingCmd(false)
		}
		return model, nil

	case serverErrorMsg:
		if typedMessage.Event != "" {
			model.notice(fmt.Sprintf("Server rejected %s: %s", typedMessage.Event, typedMessage.Error))
		} else {
			model.notice("Server rejected frame: " + typedMessage.Error)
		}
		return model, model.readOnceCmd()

	case sendFailedMsg:
		model.notice("Send failed: " + typedMessage.err.Error())
		return model, nil

	case uploadDoneMsg:
		if typedMessage.err != nil {
			model.notice(fmt.Sprintf("Upload of %s failed: %v", typedMessage.path, typedMessage.err))
			return model, nil
		}
		if !model.isConnected {
			model.notice("Uploaded " + typedMessage.fileURL + " but not connected; message not sent.")
			return model, nil
		}
		return model, model.sendEventCmd(EventMessage, IncomingMessage{Content: typedMessage.caption, FileURL: typedMessage.fileURL})
	}
	return model, nil
}

// trackTyping announces typing on the first keystroke and schedules the idle
// check that sends isTyping=false.
func (model *TUIModel) trackTyping(before, after string) tea.Cmd {
	if before == after || !model.isConnected {
		return nil
	}
	model.typingSeq++
	if strings.TrimSpace(after) == "" {
		if model.localTyping {
			model.localTyping = false
			return model.sendTypingCmd(false)
		}
		return nil
	}
	if !model.localTyping {
		model.localTyping = true
		return tea.Batch(model.sendTypingCmd(true), model.typingIdleCmd())
	}
	return model.typingIdleCmd()
}

func (model *TUIModel) stopTyping() tea.Cmd {
	model.typingSeq++
	if !model.localTyping {
		return nil
	}
	model.localTyping = false
	return model.sendTypingCmd(false)
}

func (model *TUIModel) submit() (tea.Model, tea.Cmd) {
	trimmed := strings.TrimSpace(model.textInput.Value())
	if trimmed == "" {
		return model, nil
	}
	model.textInput.SetValue("")

	if strings.HasPrefix(trimmed, "/") {
		return model.runCommand(trimmed)
	}
	if !model.isConnected {
		model.notice("Not connected; message not sent.")
		return model, nil
	}
	return model, tea.Batch(model.stopTyping(), model.sendEventCmd(EventMessage, IncomingMessage{Content: trimmed}))
}

func (model *TUIModel) runCommand(line string) (tea.Model, tea.Cmd) {
	fields := strings.Fields(line)
	switch strings.ToLower(fields[0]) {
	case "/quit", "/exit":
		model.closeConn("client quit")
		return model, tea.Quit
	case "/help":
		model.notice(helpText)
		return model, nil
	case "/users":
		if len(model.users) == 0 {
			model.notice("Nobody online.")
		} else {
			model.notice("Online: " + strings.Join(model.users, ", "))
		}
		return model, nil
	case "/reset":
		if !model.isConnected {
			model.notice("Not connected.")
			return model, nil
		}
		return model, tea.Batch(model.stopTyping(), model.sendEventCmd(EventResetLogs, nil))
	case "/upload":
		if len(fields) < 2 {
			model.notice("Usage: /upload <path> [caption]")
			return model, nil
		}
		caption := strings.TrimSpace(strings.Join(fields[2:], " "))
		model.notice("Uploading " + fields[1] + "…")
		return model, tea.Batch(model.stopTyping(), model.uploadCmd(fields[1], caption))
	}
	model.notice("Unknown command " + fields[0] + ". " + helpText)
	return model, nil
}
