package internal

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/samber/lo"

	"flatchat/internal/storage"
)

// pre styled colors, all from lipgloss
var (
	chatHeaderStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("213")).BorderStyle(lipgloss.NormalBorder()).BorderBottom(true).BorderForeground(lipgloss.Color("63")).Padding(0, 1)
	statusStyle        = lipgloss.NewStyle().Foreground(lipgloss.Color("109")).MarginTop(1)
	connectedStyle     = statusStyle.Copy().Foreground(lipgloss.Color("42")).Bold(true)
	connectingStyle    = statusStyle.Copy().Foreground(lipgloss.Color("178")).Italic(true)
	errorStyle         = statusStyle.Copy().Foreground(lipgloss.Color("196")).Bold(true)
	messageBodyStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("253"))
	imageLinkStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("81")).Underline(true)
	messageBoxStyle    = lipgloss.NewStyle().BorderStyle(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("60")).Padding(1, 2).MarginTop(1)
	usersBoxStyle      = lipgloss.NewStyle().BorderStyle(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("60")).Padding(1, 1).MarginTop(1).MarginLeft(1)
	inputBoxStyle      = lipgloss.NewStyle().BorderStyle(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("63")).Padding(0, 1).MarginTop(1)
	noticeStyle        = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Italic(true)
	typingStyle        = lipgloss.NewStyle().Foreground(lipgloss.Color("244")).Italic(true)
	menuHintStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("244")).MarginTop(1)
	timestampStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	usernameStyle      = lipgloss.NewStyle().Bold(true)
	activeUserStyle    = usernameStyle.Copy().Foreground(lipgloss.Color("213"))
	systemMessageStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Italic(true)
	dividerStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("237")).Render(" ┃ ")
	userColorPalette   = []lipgloss.Color{
		lipgloss.Color("45"),
		lipgloss.Color("81"),
		lipgloss.Color("141"),
		lipgloss.Color("98"),
		lipgloss.Color("63"),
		lipgloss.Color("135"),
		lipgloss.Color("32"),
	}
)

// rows taken by everything around the message log
const chromeRows = 16

func (model *TUIModel) View() string {
	headerSegments := []string{"FlatChat", fmt.Sprintf("User %s", model.username), fmt.Sprintf("Server %s", model.serverJoinURL)}
	header := chatHeaderStyle.Render(strings.Join(headerSegments, dividerStyle))

	var statusLine string
	switch {
	case model.isConnected:
		statusLine = connectedStyle.Render(fmt.Sprintf("Connected • %d online", len(model.users)))
	case model.connectionError != nil:
		statusLine = errorStyle.Render("Connection error: " + model.connectionError.Error() + " (retrying)")
	default:
		statusLine = connectingStyle.Render("Connecting…")
	}

	messageLines := make([]string, 0, len(model.messages))
	for _, chat := range model.visibleMessages() {
		messageLines = append(messageLines, model.renderChatMessage(chat))
	}
	if len(messageLines) == 0 {
		messageLines = append(messageLines, systemMessageStyle.Render("No messages yet. Say hi and start the conversation."))
	}
	messagesView := messageBoxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, messageLines...))
	body := lipgloss.JoinHorizontal(lipgloss.Top, messagesView, model.renderUsers())

	sections := []string{header, statusLine}
	for _, text := range model.notices {
		sections = append(sections, noticeStyle.Render(text))
	}
	sections = append(sections, body)
	if line := model.typingLine(); line != "" {
		sections = append(sections, typingStyle.Render(line))
	}
	sections = append(sections,
		inputBoxStyle.Render(model.textInput.View()),
		menuHintStyle.Render("Enter send • /help commands • Esc or /quit to exit"),
	)
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

// visibleMessages keeps the tail of the log that fits the terminal.
func (model *TUIModel) visibleMessages() []storage.Message {
	if model.height == 0 {
		return model.messages
	}
	rows := max(3, model.height-chromeRows-len(model.notices))
	if len(model.messages) <= rows {
		return model.messages
	}
	return model.messages[len(model.messages)-rows:]
}

func (model *TUIModel) renderUsers() string {
	lines := []string{usernameStyle.Render("Online")}
	for _, name := range model.users {
		style := usernameStyle.Copy().Foreground(colorForUser(name))
		if name == model.username {
			style = activeUserStyle
		}
		lines = append(lines, style.Render("● "+name))
	}
	return usersBoxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
}

// typingLine lists peers with a live typing indicator.
func (model *TUIModel) typingLine() string {
	names := lo.Keys(model.typing)
	if len(names) == 0 {
		return ""
	}
	sort.Strings(names)
	if len(names) == 1 {
		return names[0] + " is typing…"
	}
	return strings.Join(names, ", ") + " are typing…"
}

// renderChatMessage renders a single log line. It stamps the timestamp, picks
// a color for the sender, and indents multi-line messages so they stay legible.
func (model *TUIModel) renderChatMessage(chat storage.Message) string {
	timestamp := timestampStyle.Render(fmt.Sprintf("[%s]", time.UnixMilli(chat.Timestamp).Format("15:04:05")))

	var nameStyle lipgloss.Style
	if chat.Sender == model.username {
		nameStyle = activeUserStyle
	} else {
		nameStyle = usernameStyle.Copy().Foreground(colorForUser(chat.Sender))
	}
	name := nameStyle.Render(chat.Sender)

	parts := []string{timestamp, " ", name, ": "}
	if chat.Content != "" {
		parts = append(parts, messageBodyStyle.Render(strings.ReplaceAll(chat.Content, "\n", "\n   ")))
	}
	if chat.FileURL != "" {
		if chat.Content != "" {
			parts = append(parts, " ")
		}
		parts = append(parts, imageLinkStyle.Render("[image] "+resolveFileURL(model.serverJoinURL, chat.FileURL)))
	}
	return lipgloss.JoinHorizontal(lipgloss.Left, parts...)
}

// color for users
func colorForUser(name string) lipgloss.Color {
	if len(userColorPalette) == 0 {
		return lipgloss.Color("249")
	}
	if name == "" {
		return userColorPalette[0]
	}
	var sum int
	for _, r := range name {
		sum += int(r)
	}
	return userColorPalette[sum%len(userColorPalette)]
}
