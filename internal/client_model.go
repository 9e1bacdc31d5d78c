package internal

import (
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/gorilla/websocket"

	"flatchat/internal/storage"
)

const defaultTypingTimeout = 2 * time.Second

// ClientOptions configures the terminal client.
type ClientOptions struct {
	ServerURL     string
	Username      string
	TypingTimeout time.Duration
}

// tui model struct for the chat screen
type TUIModel struct {
	textInput       textinput.Model
	messages        []storage.Message
	notices         []string
	users           []string
	typing          map[string]time.Time
	serverJoinURL   string
	username        string
	typingTimeout   time.Duration
	websocketConn   *websocket.Conn
	writeMutex      sync.Mutex
	isConnected     bool
	connectionError error
	localTyping     bool
	typingSeq       int
	width           int
	height          int
	now             func() time.Time
}

func NewTUIModel(opts ClientOptions) *TUIModel {
	input := textinput.New()
	input.Placeholder = "Type a message… (/help for commands)"
	input.CharLimit = 4000
	input.Focus()
	input.Prompt = "> "

	if opts.TypingTimeout <= 0 {
		opts.TypingTimeout = defaultTypingTimeout
	}
	return &TUIModel{
		textInput:     input,
		messages:      make([]storage.Message, 0, 64),
		typing:        make(map[string]time.Time),
		serverJoinURL: opts.ServerURL,
		username:      opts.Username,
		typingTimeout: opts.TypingTimeout,
		now:           time.Now,
	}
}

func (model *TUIModel) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, model.connectCmd())
}

func (model *TUIModel) notice(text string) {
	model.notices = append(model.notices, text)
	if len(model.notices) > 5 {
		model.notices = model.notices[len(model.notices)-5:]
	}
}
