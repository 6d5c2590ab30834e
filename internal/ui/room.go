package ui

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/BioHazard786/Liveroom/internal/peer"
	"github.com/BioHazard786/Liveroom/internal/protocol"
	"github.com/BioHazard786/Liveroom/internal/room"
	"github.com/BioHazard786/Liveroom/internal/session"
)

// chatScrollback is how many chat lines the view keeps.
const chatScrollback = 12

// commandTimeout bounds a single command issued from the input line.
const commandTimeout = 5 * time.Second

// Controller is the part of a session coordinator the room view drives.
type Controller interface {
	SendChat(ctx context.Context, text string) error
	SetChatLocked(ctx context.Context, locked bool) error
	SetRoomActive(ctx context.Context, active bool) error
	StopSharing(ctx context.Context) error
	RequestStream(ctx context.Context) error
	Status() session.Status
}

// RoomView is the live terminal view of a joined room. It implements
// session.Observer, so it can be handed straight to the coordinator.
type RoomView struct {
	program *tea.Program
	model   *roomModel
	updates chan tea.Msg
	done    chan struct{}
	wg      sync.WaitGroup
	err     error
}

// Messages flowing into the model.
type (
	statusMsg struct{}
	chatMsg   room.ChatMessage
	errMsg    struct{ err error }
	statsMsg  peer.Stats

	resultMsg struct {
		notice string
		err    error
	}
)

type roomModel struct {
	roomID  string
	mode    string
	ctrl    Controller
	updates chan tea.Msg

	input   textinput.Model
	spinner spinner.Model

	status  session.Status
	chat    []room.ChatMessage
	stats   peer.Stats
	notice  string
	lastErr error

	quitting bool
}

// NewRoomView creates the view. mode is shown in the header, for example
// "Sharing" or "Watching".
func NewRoomView(roomID, mode string, ctrl Controller) *RoomView {
	updates := make(chan tea.Msg, 256)
	model := newRoomModel(roomID, mode, ctrl, updates)
	return &RoomView{
		model:   model,
		updates: updates,
		done:    make(chan struct{}),
	}
}

func newRoomModel(roomID, mode string, ctrl Controller, updates chan tea.Msg) *roomModel {
	in := textinput.New()
	in.Placeholder = "Say something, or /help"
	in.CharLimit = room.MaxChatLength
	in.Prompt = IconChat + " "
	in.Focus()

	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = SpinnerStyle

	return &roomModel{
		roomID:  roomID,
		mode:    mode,
		ctrl:    ctrl,
		updates: updates,
		input:   in,
		spinner: s,
	}
}

// Start runs the program in a goroutine.
func (v *RoomView) Start() {
	v.program = tea.NewProgram(v.model)
	v.wg.Add(1)
	go func() {
		defer v.wg.Done()
		defer close(v.done)
		if _, err := v.program.Run(); err != nil {
			v.err = err
		}
	}()
}

// Done is closed once the user quits the view.
func (v *RoomView) Done() <-chan struct{} { return v.done }

// Stop quits the view and waits for the terminal to be restored.
func (v *RoomView) Stop() error {
	if v.program != nil {
		v.program.Quit()
	}
	v.wg.Wait()
	return v.err
}

func (v *RoomView) post(msg tea.Msg) {
	select {
	case v.updates <- msg:
	default:
	}
}

func (v *RoomView) OnState(session.State)                 { v.post(statusMsg{}) }
func (v *RoomView) OnRoomState(room.State)                { v.post(statusMsg{}) }
func (v *RoomView) OnParticipants([]protocol.Participant) { v.post(statusMsg{}) }
func (v *RoomView) OnChat(m room.ChatMessage)             { v.post(chatMsg(m)) }
func (v *RoomView) OnError(err error)                     { v.post(errMsg{err}) }

// OnStats is the callback for a peer.StatsRenderer.
func (v *RoomView) OnStats(s peer.Stats) { v.post(statsMsg(s)) }

func (m *roomModel) Init() tea.Cmd {
	return tea.Batch(
		textinput.Blink,
		m.spinner.Tick,
		m.listenForUpdates(),
		func() tea.Msg { return statusMsg{} },
	)
}

func (m *roomModel) listenForUpdates() tea.Cmd {
	return func() tea.Msg {
		return <-m.updates
	}
}

func (m *roomModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			m.quitting = true
			return m, tea.Quit
		case tea.KeyEnter:
			line := strings.TrimSpace(m.input.Value())
			m.input.Reset()
			if line == "" {
				return m, nil
			}
			m.lastErr = nil
			return m, m.dispatch(line)
		}

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case statusMsg:
		m.status = m.ctrl.Status()
		return m, m.listenForUpdates()

	case chatMsg:
		m.chat = append(m.chat, room.ChatMessage(msg))
		if len(m.chat) > chatScrollback {
			m.chat = m.chat[len(m.chat)-chatScrollback:]
		}
		return m, m.listenForUpdates()

	case errMsg:
		m.lastErr = msg.err
		return m, m.listenForUpdates()

	case statsMsg:
		m.stats = peer.Stats(msg)
		return m, m.listenForUpdates()

	case resultMsg:
		m.lastErr = msg.err
		if msg.err == nil && msg.notice != "" {
			m.notice = msg.notice
		}
		m.status = m.ctrl.Status()
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// dispatch turns one input line into a command run off the UI goroutine.
func (m *roomModel) dispatch(line string) tea.Cmd {
	if !strings.HasPrefix(line, "/") {
		return m.run("", func(ctx context.Context) error { return m.ctrl.SendChat(ctx, line) })
	}

	switch strings.Fields(line)[0] {
	case "/quit", "/exit":
		m.quitting = true
		return tea.Quit
	case "/help":
		m.notice = "/lock /unlock /open /close /stop /refresh /quit"
		return nil
	case "/lock":
		return m.run("Chat locked", func(ctx context.Context) error { return m.ctrl.SetChatLocked(ctx, true) })
	case "/unlock":
		return m.run("Chat unlocked", func(ctx context.Context) error { return m.ctrl.SetChatLocked(ctx, false) })
	case "/open":
		return m.run("Room opened", func(ctx context.Context) error { return m.ctrl.SetRoomActive(ctx, true) })
	case "/close":
		return m.run("Room closed", func(ctx context.Context) error { return m.ctrl.SetRoomActive(ctx, false) })
	case "/stop":
		return m.run("Sharing stopped", m.ctrl.StopSharing)
	case "/refresh":
		return m.run("Stream requested", m.ctrl.RequestStream)
	default:
		err := fmt.Errorf("unknown command %s", line)
		return func() tea.Msg { return resultMsg{err: err} }
	}
}

func (m *roomModel) run(notice string, fn func(context.Context) error) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()
		return resultMsg{notice: notice, err: fn(ctx)}
	}
}

func (m *roomModel) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder
	st := m.status

	b.WriteString(HeaderStyle.Render(fmt.Sprintf("%s %s · %s", IconRoom, m.mode, m.roomID)))
	b.WriteString("\n")
	b.WriteString(m.stateLine(st))
	b.WriteString("\n\n")

	b.WriteString(NewParticipantTable(st.Participants, st.ConnectionID, st.Sharer).View())
	b.WriteString("\n")

	if line := m.streamLine(st); line != "" {
		b.WriteString(line + "\n")
	}

	b.WriteString("\n" + BoxStyle.Render(m.chatView()) + "\n")
	b.WriteString(m.input.View() + "\n")

	switch {
	case m.lastErr != nil:
		b.WriteString(FormatError(m.lastErr) + "\n")
	case m.notice != "":
		b.WriteString(MutedStyle.Render(m.notice) + "\n")
	}

	b.WriteString(FooterStyle.Render("Enter to send · /help for commands · Esc to leave"))
	return b.String()
}

func (m *roomModel) stateLine(st session.Status) string {
	badge := StatusStyle.Render(st.State.String())
	if st.State == session.StateSharingActive || st.State == session.StateReceivingActive {
		badge = LiveStatusStyle.Render(IconLive + " " + st.State.String())
	}
	if st.State == session.StateConnecting || st.State == session.StateDisconnected {
		badge = m.spinner.View() + " " + badge
	}

	flags := []string{}
	if !st.Room.Active {
		flags = append(flags, "closed")
	}
	if st.Room.ChatLocked {
		flags = append(flags, IconLock+" chat locked")
	}
	if st.Room.Sharing {
		flags = append(flags, IconScreen+" screen shared")
	}
	if len(flags) == 0 {
		return badge
	}
	return badge + "  " + MutedStyle.Render(strings.Join(flags, " · "))
}

func (m *roomModel) streamLine(st session.Status) string {
	switch {
	case st.Sharing:
		return fmt.Sprintf("%s Broadcasting to %d receiver(s)", IconScreen, len(st.Receivers))
	case m.stats.Active:
		return fmt.Sprintf("%s %s  %d packets  %s", IconStats, m.stats.Codec, m.stats.Packets, formatBytes(m.stats.Bytes))
	case st.Room.Sharing:
		return m.spinner.View() + " Waiting for the stream"
	}
	return ""
}

func (m *roomModel) chatView() string {
	if len(m.chat) == 0 {
		return MutedStyle.Render("No messages yet")
	}
	lines := make([]string, 0, len(m.chat))
	for _, msg := range m.chat {
		lines = append(lines, fmt.Sprintf("%s %s %s %s",
			MutedStyle.Render(msg.CreatedAt.Local().Format("15:04")),
			BoldStyle.Render(msg.Username),
			RoleName(msg.Role),
			msg.Text,
		))
	}
	return strings.Join(lines, "\n")
}
