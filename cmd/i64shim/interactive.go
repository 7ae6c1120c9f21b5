package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/wippyai/i64shim"
	"github.com/wippyai/i64shim/lower"
)

type interactiveModel struct {
	err      error
	res      *i64shim.Result
	filename string
	outFile  string
	status   string
	input    textinput.Model
	size     int
	selected int
	state    modelState
	cfg      i64shim.Config
}

type modelState int

const (
	stateList modelState = iota
	stateDetail
	stateWritePath
)

func newInteractiveModel(filename, outFile string, cfg i64shim.Config) *interactiveModel {
	return &interactiveModel{
		filename: filename,
		outFile:  outFile,
		cfg:      cfg,
		state:    stateList,
	}
}

type transformedMsg struct {
	err  error
	res  *i64shim.Result
	size int
}

type writtenMsg struct {
	err  error
	path string
}

func (m *interactiveModel) Init() tea.Cmd {
	return m.transform
}

func (m *interactiveModel) transform() tea.Msg {
	data, err := readModule(m.filename)
	if err != nil {
		return transformedMsg{err: err}
	}
	res, err := i64shim.Transform(context.Background(), data, m.cfg)
	return transformedMsg{res: res, err: err, size: len(data)}
}

// writable reports whether the transformed module may be saved. A result
// that comes with an error failed verification.
func (m *interactiveModel) writable() bool {
	return m.res != nil && m.err == nil
}

func (m *interactiveModel) write(path string) tea.Cmd {
	output := m.res.Output
	return func() tea.Msg {
		return writtenMsg{path: path, err: os.WriteFile(path, output, 0o644)}
	}
}

func (m *interactiveModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if m.state == stateWritePath {
			switch msg.String() {
			case "ctrl+c":
				return m, tea.Quit
			case "esc":
				m.state = stateList
				return m, nil
			case "enter":
				path := strings.TrimSpace(m.input.Value())
				if path == "" {
					return m, nil
				}
				m.state = stateList
				return m, m.write(path)
			}
			var cmd tea.Cmd
			m.input, cmd = m.input.Update(msg)
			return m, cmd
		}

		switch msg.String() {
		case "ctrl+c", "q":
			return m, tea.Quit

		case "up", "k":
			if m.state == stateList && m.selected > 0 {
				m.selected--
			}

		case "down", "j":
			if m.state == stateList && m.res != nil && m.selected < len(m.res.Affected)-1 {
				m.selected++
			}

		case "enter":
			switch m.state {
			case stateList:
				if m.res != nil && len(m.res.Affected) > 0 {
					m.state = stateDetail
				}
			case stateDetail:
				m.state = stateList
			}

		case "esc":
			m.state = stateList

		case "w":
			if !m.writable() {
				if m.err != nil {
					m.status = errorStyle.Render("Output failed verification; not writing it")
				}
				return m, nil
			}
			ti := textinput.New()
			ti.Prompt = "Output: "
			ti.SetValue(m.outFile)
			ti.Width = 60
			ti.Focus()
			m.input = ti
			m.state = stateWritePath
			return m, textinput.Blink
		}

	case transformedMsg:
		m.res = msg.res
		m.err = msg.err
		m.size = msg.size

	case writtenMsg:
		if msg.err != nil {
			m.status = errorStyle.Render(fmt.Sprintf("write %s: %v", msg.path, msg.err))
		} else {
			m.outFile = msg.path
			m.status = resultStyle.Render(fmt.Sprintf("Wrote %s (%d bytes)", msg.path, len(m.res.Output)))
		}
	}

	if m.state == stateWritePath {
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m *interactiveModel) View() string {
	if m.res == nil {
		if m.err != nil {
			return errorStyle.Render(fmt.Sprintf("Error: %v\n\nPress q to quit.", m.err))
		}
		return "Transforming module..."
	}

	var b strings.Builder

	b.WriteString(titleStyle.Render("i64shim"))
	b.WriteString(" ")
	b.WriteString(m.filename)
	b.WriteString("\n\n")

	switch m.state {
	case stateList, stateWritePath:
		if len(m.res.Affected) == 0 {
			b.WriteString("No imported function uses i64.\n")
		} else {
			b.WriteString("Lowered imports:\n\n")
			for i, a := range m.res.Affected {
				line := formatAffected(styler(i != m.selected), a)
				if i == m.selected {
					b.WriteString(selectedStyle.Render("> " + line))
				} else {
					b.WriteString("  " + line)
				}
				b.WriteString("\n")
			}
		}
		for _, w := range m.res.Warnings {
			b.WriteString(warnStyle.Render("warning: " + w))
			b.WriteString("\n")
		}
		if m.err != nil {
			b.WriteString("\n")
			b.WriteString(errorStyle.Render(m.err.Error()))
			b.WriteString("\n")
		}

	case stateDetail:
		m.writeDetail(&b, m.res.Affected[m.selected])
	}

	b.WriteString("\n")
	if m.state == stateWritePath {
		b.WriteString(m.input.View())
		b.WriteString("\n\n")
		b.WriteString(helpStyle.Render("enter write • esc cancel"))
		return b.String()
	}
	if m.status != "" {
		b.WriteString(m.status)
		b.WriteString("\n\n")
	}
	write := " • w write"
	if !m.writable() {
		write = ""
	}
	if m.state == stateDetail {
		b.WriteString(helpStyle.Render("enter/esc back" + write + " • q quit"))
	} else {
		b.WriteString(helpStyle.Render("↑/↓ select • enter details" + write + " • q quit"))
	}
	return b.String()
}

func (m *interactiveModel) writeDetail(b *strings.Builder, a lower.Affected) {
	fmt.Fprintf(b, "%s\n\n", importStyle.Render(a.Module+"."+a.Name))
	fmt.Fprintf(b, "  function index  %d\n", a.FuncIdx)
	fmt.Fprintf(b, "  declared        %s\n", typeStyle.Render(a.Signature.String()))
	fmt.Fprintf(b, "  lowered         %s\n", typeStyle.Render(a.Lowered.String()))
	if a.HasTrampoline {
		fmt.Fprintf(b, "  trampoline      function %d\n", a.Trampoline)
		fmt.Fprintf(b, "  calls           %d redirected\n", a.Calls)
	} else {
		b.WriteString(warnStyle.Render("  no trampoline: module has no code section"))
		b.WriteString("\n")
	}
	fmt.Fprintf(b, "\n  module size     %d -> %d bytes\n", m.size, len(m.res.Output))
}

func runInteractive(filename, outFile string, cfg i64shim.Config) error {
	p := tea.NewProgram(newInteractiveModel(filename, outFile, cfg), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
