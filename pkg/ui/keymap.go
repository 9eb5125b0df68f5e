package ui

import "github.com/charmbracelet/bubbles/key"

type KeyMap struct {
	SelectPrevMessage key.Binding
	SelectNextMessage key.Binding
	PrevSibling       key.Binding
	NextSibling       key.Binding
	UnfocusMessage    key.Binding
	FocusMessage      key.Binding
	SubmitMessage     key.Binding
	Regenerate        key.Binding
	Resend            key.Binding
	CancelCompletion  key.Binding
	DismissError      key.Binding

	Help key.Binding
	Quit key.Binding
}

var DefaultKeyMap = KeyMap{
	SelectPrevMessage: key.NewBinding(key.WithKeys("up"), key.WithHelp("↑", "previous message")),
	SelectNextMessage: key.NewBinding(key.WithKeys("down"), key.WithHelp("↓", "next message")),
	PrevSibling:       key.NewBinding(key.WithKeys("left", "h"), key.WithHelp("←", "previous branch")),
	NextSibling:       key.NewBinding(key.WithKeys("right", "l"), key.WithHelp("→", "next branch")),
	UnfocusMessage:    key.NewBinding(key.WithKeys("esc", "ctrl+g"), key.WithHelp("esc", "browse")),
	FocusMessage:      key.NewBinding(key.WithKeys("enter"), key.WithHelp("enter", "write")),
	SubmitMessage:     key.NewBinding(key.WithKeys("tab"), key.WithHelp("tab", "send")),
	Regenerate:        key.NewBinding(key.WithKeys("r"), key.WithHelp("r", "regenerate")),
	Resend:            key.NewBinding(key.WithKeys("e"), key.WithHelp("e", "resend")),
	CancelCompletion:  key.NewBinding(key.WithKeys("ctrl+x"), key.WithHelp("ctrl+x", "stop")),
	DismissError:      key.NewBinding(key.WithKeys("ctrl+d"), key.WithHelp("ctrl+d", "dismiss error")),
	Help:              key.NewBinding(key.WithKeys("?"), key.WithHelp("?", "help")),
	Quit:              key.NewBinding(key.WithKeys("ctrl+c"), key.WithHelp("ctrl+c", "quit")),
}

func (k KeyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Help, k.Quit}
}

func (k KeyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{
		{k.SelectPrevMessage, k.SelectNextMessage, k.PrevSibling, k.NextSibling},
		{k.FocusMessage, k.UnfocusMessage, k.SubmitMessage},
		{k.Regenerate, k.Resend, k.CancelCompletion, k.DismissError},
		{k.Help, k.Quit},
	}
}
