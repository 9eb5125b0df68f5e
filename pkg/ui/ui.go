package ui

import (
	"context"
	"strings"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/go-go-golems/branchchat/pkg/client"
	"github.com/go-go-golems/branchchat/pkg/conversation"
)

// states:
// - user input
// - user moving around messages
// - showing error

type State string

const (
	StateUserInput    State = "user_input"
	StateMovingAround State = "moving_around"
	StateError        State = "error"
)

type errMsg error

// changedMsg reports that the controller's state moved.
type changedMsg struct{}

type opDoneMsg struct {
	op  string
	err error
}

type watchEndedMsg struct {
	err error
}

type model struct {
	ctx  context.Context
	ctrl *client.Controller

	viewport viewport.Model
	textArea textarea.Model
	help     help.Model
	spinner  spinner.Model

	// index into the displayed chain, -1 follows the tail
	selectedIdx int
	err         error
	keyMap      KeyMap
	style       *Style
	renderer    *chainRenderer

	width  int
	height int

	state    State
	watching bool
}

func InitialModel(ctx context.Context, ctrl *client.Controller) model {
	style := DefaultStyles()
	ret := model{
		ctx:         ctx,
		ctrl:        ctrl,
		style:       style,
		keyMap:      DefaultKeyMap,
		viewport:    viewport.New(0, 0),
		help:        help.New(),
		spinner:     spinner.New(spinner.WithSpinner(spinner.Dot)),
		selectedIdx: -1,
		renderer:    &chainRenderer{style: style},
	}

	ret.textArea = textarea.New()
	ret.textArea.Placeholder = "Ask something..."
	ret.textArea.SetHeight(3)
	ret.textArea.Focus()
	ret.state = StateUserInput
	ret.watching = !ctrl.ConversationID().IsZero()
	ret.updateKeyBindings()

	return ret
}

func (m model) Init() tea.Cmd {
	cmds := []tea.Cmd{textarea.Blink, m.spinner.Tick, waitForChange(m.ctrl)}
	if m.watching {
		cmds = append(cmds, watch(m.ctx, m.ctrl))
	}
	return tea.Batch(cmds...)
}

func waitForChange(ctrl *client.Controller) tea.Cmd {
	return func() tea.Msg {
		<-ctrl.Changes()
		return changedMsg{}
	}
}

func watch(ctx context.Context, ctrl *client.Controller) tea.Cmd {
	return func() tea.Msg {
		return watchEndedMsg{err: ctrl.Watch(ctx)}
	}
}

func (m *model) updateKeyBindings() {
	browsing := m.state == StateMovingAround
	m.keyMap.SelectNextMessage.SetEnabled(browsing)
	m.keyMap.SelectPrevMessage.SetEnabled(browsing)
	m.keyMap.PrevSibling.SetEnabled(browsing)
	m.keyMap.NextSibling.SetEnabled(browsing)
	m.keyMap.Regenerate.SetEnabled(browsing)
	m.keyMap.Resend.SetEnabled(browsing)
	m.keyMap.FocusMessage.SetEnabled(browsing)
	m.keyMap.UnfocusMessage.SetEnabled(m.state == StateUserInput)
	m.keyMap.SubmitMessage.SetEnabled(m.state == StateUserInput)
	m.keyMap.DismissError.SetEnabled(m.state == StateError)
	m.keyMap.CancelCompletion.SetEnabled(m.ctrl.Status().Busy())
}

// selected returns the chain item under the cursor.
func (m model) selected(chain []client.ChainItem) (client.ChainItem, bool) {
	if len(chain) == 0 {
		return client.ChainItem{}, false
	}
	idx := m.selectedIdx
	if idx < 0 || idx >= len(chain) {
		idx = len(chain) - 1
	}
	return chain[idx], true
}

func (m model) run(op string, f func(ctx context.Context) error) tea.Cmd {
	ctx := m.ctx
	return func() tea.Msg {
		return opDoneMsg{op: op, err: f(ctx)}
	}
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		chain := m.ctrl.Chain()
		switch {
		case key.Matches(msg, m.keyMap.Quit):
			return m, tea.Quit

		case key.Matches(msg, m.keyMap.Help):
			if m.state != StateUserInput {
				m.help.ShowAll = !m.help.ShowAll
				break
			}
			m.textArea, cmd = m.textArea.Update(msg)
			cmds = append(cmds, cmd)

		case key.Matches(msg, m.keyMap.UnfocusMessage):
			m.textArea.Blur()
			m.state = StateMovingAround
			if m.selectedIdx < 0 {
				m.selectedIdx = len(chain) - 1
			}

		case key.Matches(msg, m.keyMap.FocusMessage):
			cmds = append(cmds, m.textArea.Focus())
			m.state = StateUserInput
			m.selectedIdx = -1

		case key.Matches(msg, m.keyMap.SelectNextMessage):
			if m.selectedIdx < len(chain)-1 {
				m.selectedIdx++
			}

		case key.Matches(msg, m.keyMap.SelectPrevMessage):
			if m.selectedIdx > 0 {
				m.selectedIdx--
			}

		case key.Matches(msg, m.keyMap.PrevSibling), key.Matches(msg, m.keyMap.NextSibling):
			if item, ok := m.selected(chain); ok {
				delta := 1
				if key.Matches(msg, m.keyMap.PrevSibling) {
					delta = -1
				}
				cmds = append(cmds, m.run("switch", func(ctx context.Context) error {
					return m.ctrl.SwitchSibling(ctx, item.Key, delta)
				}))
			}

		case key.Matches(msg, m.keyMap.Regenerate):
			if item, ok := m.selected(chain); ok && item.Message != nil && item.Message.Role == conversation.RoleAssistant {
				cmds = append(cmds, m.run("regenerate", func(ctx context.Context) error {
					return m.ctrl.Regenerate(ctx, item.Key)
				}))
			}

		case key.Matches(msg, m.keyMap.Resend):
			if item, ok := m.selected(chain); ok && item.Message != nil && item.Message.Role == conversation.RoleUser {
				cmds = append(cmds, m.run("resend", func(ctx context.Context) error {
					return m.ctrl.Resend(ctx, item.Key, nil)
				}))
			}

		case key.Matches(msg, m.keyMap.SubmitMessage):
			text := strings.TrimSpace(m.textArea.Value())
			if text != "" && !m.ctrl.Status().Busy() {
				m.textArea.Reset()
				m.selectedIdx = -1
				cmds = append(cmds, m.run("send", func(ctx context.Context) error {
					return m.ctrl.Send(ctx, []conversation.Part{conversation.NewTextPart(text)})
				}))
			}

		case key.Matches(msg, m.keyMap.CancelCompletion):
			cmds = append(cmds, m.run("stop", m.ctrl.Stop))

		case key.Matches(msg, m.keyMap.DismissError):
			m.err = nil
			m.state = StateUserInput
			cmds = append(cmds, m.textArea.Focus())

		default:
			switch m.state {
			case StateUserInput:
				m.textArea, cmd = m.textArea.Update(msg)
				cmds = append(cmds, cmd)
			case StateMovingAround, StateError:
				m.viewport, cmd = m.viewport.Update(msg)
				cmds = append(cmds, cmd)
			}
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		h, _ := m.style.SelectedMessage.GetFrameSize()
		m.textArea.SetWidth(msg.Width - h)
		m.renderer.width = msg.Width - h
		m.renderer.markdown = newMarkdownRenderer(msg.Width - h)
		m.help.Width = msg.Width

	case changedMsg:
		cmds = append(cmds, waitForChange(m.ctrl))

	case opDoneMsg:
		if msg.err != nil {
			m.err = msg.err
			m.state = StateError
			m.textArea.Blur()
		}
		if !m.watching && !m.ctrl.ConversationID().IsZero() {
			m.watching = true
			cmds = append(cmds, watch(m.ctx, m.ctrl))
		}

	case watchEndedMsg:
		m.watching = false
		if msg.err != nil {
			m.err = msg.err
			m.state = StateError
		}

	case spinner.TickMsg:
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)

	case errMsg:
		m.err = msg
		m.state = StateError
	}

	m.updateKeyBindings()
	m.layout()
	return m, tea.Batch(cmds...)
}

// layout sizes the viewport and refreshes its content.
func (m *model) layout() {
	if m.width == 0 {
		return
	}
	chain := m.ctrl.Chain()
	selected := m.selectedIdx
	if m.state == StateUserInput {
		selected = -1
	}
	m.viewport.Width = m.width
	m.viewport.Height = m.height - lineCount(m.inputView()) - lineCount(m.help.View(m.keyMap)) - 1
	if m.viewport.Height < 1 {
		m.viewport.Height = 1
	}
	m.viewport.SetContent(m.renderer.render(chain, selected, m.spinner.View()))
	if selected < 0 {
		m.viewport.GotoBottom()
	}
}

func lineCount(s string) int {
	return strings.Count(s, "\n") + 1
}

func (m model) inputView() string {
	var v string
	switch {
	case m.state == StateError && m.err != nil:
		v = m.style.Error.Render("error: " + m.err.Error())
	case m.ctrl.Status().Busy():
		v = m.style.Pending.Render(m.spinner.View() + " waiting for the reply… (ctrl+x to stop)")
	default:
		v = m.textArea.View()
	}
	if m.state == StateUserInput {
		return m.style.FocusedMessage.Render(v)
	}
	return m.style.UnselectedMessage.Render(v)
}

func (m model) View() string {
	return m.viewport.View() + "\n" + m.inputView() + "\n" + m.help.View(m.keyMap)
}

// Run starts the terminal client on ctrl until the user quits.
func Run(ctx context.Context, ctrl *client.Controller, options ...tea.ProgramOption) error {
	p := tea.NewProgram(InitialModel(ctx, ctrl), append([]tea.ProgramOption{tea.WithAltScreen()}, options...)...)
	_, err := p.Run()
	return err
}
