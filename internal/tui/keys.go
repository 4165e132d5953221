package tui

import "github.com/charmbracelet/bubbles/key"

type browseKeys struct {
	Next   key.Binding
	Prev   key.Binding
	Accept key.Binding
	Reject key.Binding
	Reload key.Binding
	Quit   key.Binding
}

func (k browseKeys) ShortHelp() []key.Binding {
	return []key.Binding{k.Next, k.Prev, k.Accept, k.Reject, k.Reload, k.Quit}
}

func (k browseKeys) FullHelp() [][]key.Binding { return [][]key.Binding{k.ShortHelp()} }

type composeKeys struct {
	Submit key.Binding
	Cancel key.Binding
}

func (k composeKeys) ShortHelp() []key.Binding { return []key.Binding{k.Submit, k.Cancel} }

func (k composeKeys) FullHelp() [][]key.Binding { return [][]key.Binding{k.ShortHelp()} }

var (
	defaultBrowseKeys = browseKeys{
		Next:   key.NewBinding(key.WithKeys("j", "down", "n"), key.WithHelp("j/↓", "next")),
		Prev:   key.NewBinding(key.WithKeys("k", "up", "p"), key.WithHelp("k/↑", "previous")),
		Accept: key.NewBinding(key.WithKeys("a"), key.WithHelp("a", "accept")),
		Reject: key.NewBinding(key.WithKeys("r"), key.WithHelp("r", "reject")),
		Reload: key.NewBinding(key.WithKeys("ctrl+r", "R"), key.WithHelp("R", "reload")),
		Quit:   key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
	}
	defaultComposeKeys = composeKeys{
		Submit: key.NewBinding(key.WithKeys("ctrl+s"), key.WithHelp("ctrl+s", "submit")),
		Cancel: key.NewBinding(key.WithKeys("esc"), key.WithHelp("esc", "cancel")),
	}
)
