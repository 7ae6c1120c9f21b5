package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/wippyai/i64shim"
	"github.com/wippyai/i64shim/lower"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	importStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#98FB98"))

	typeStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#87CEEB"))

	selectedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4"))

	resultStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#90EE90"))

	warnStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFD166"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666666"))
)

// styler renders with lipgloss only when writing to a terminal.
type styler bool

func (s styler) render(st lipgloss.Style, text string) string {
	if !s {
		return text
	}
	return st.Render(text)
}

func renderReport(filename string, inputSize int, res *i64shim.Result, color bool) string {
	s := styler(color)
	var b strings.Builder

	b.WriteString(s.render(titleStyle, "i64shim"))
	b.WriteString(" ")
	b.WriteString(filename)
	b.WriteString("\n\n")

	if len(res.Affected) == 0 {
		b.WriteString("No imported function uses i64; module unchanged.\n")
	} else {
		fmt.Fprintf(&b, "Lowered imports: %d\n", len(res.Affected))
		for _, a := range res.Affected {
			b.WriteString("  ")
			b.WriteString(formatAffected(s, a))
			b.WriteString("\n")
		}
	}

	if len(res.Skipped) > 0 {
		fmt.Fprintf(&b, "Skipped imports: %d\n", len(res.Skipped))
		for _, sk := range res.Skipped {
			fmt.Fprintf(&b, "  %s %s", s.render(importStyle, sk.Module+"."+sk.Name), s.render(typeStyle, sk.Signature.String()))
			if sk.Rule != "" {
				fmt.Fprintf(&b, "  (skip %s)", sk.Rule)
			} else {
				b.WriteString("  (not in -only)")
			}
			b.WriteString("\n")
		}
	}

	if res.Patch != nil && len(res.Affected) > 0 {
		p := res.Patch
		fmt.Fprintf(&b, "\nSignatures added: %d, imports rewritten: %d, trampolines: %d, calls redirected: %d\n",
			p.SignaturesAdded, p.ImportsRewritten, p.FunctionsAdded, p.CallsRewritten)
		fmt.Fprintf(&b, "Size: %d -> %d bytes (%+d)\n", inputSize, len(res.Output), p.Growth())
	}

	for _, w := range res.Warnings {
		b.WriteString(s.render(warnStyle, "warning: "+w))
		b.WriteString("\n")
	}

	if v := res.Verification; v != nil {
		b.WriteString("\n")
		if v.OK() {
			b.WriteString(s.render(resultStyle, fmt.Sprintf("Verified: %d imports, none use i64", len(v.Imports))))
			b.WriteString("\n")
		} else {
			b.WriteString(s.render(errorStyle, fmt.Sprintf("Verified: %d imports still use i64", len(v.Remaining))))
			b.WriteString("\n")
			for _, imp := range v.Remaining {
				fmt.Fprintf(&b, "  %s.%s %s\n", imp.Module, imp.Name, imp.Signature())
			}
		}
	}

	return b.String()
}

func formatAffected(s styler, a lower.Affected) string {
	out := s.render(importStyle, a.Module+"."+a.Name) + " " +
		s.render(typeStyle, a.Signature.String()) + "  =>  " +
		s.render(typeStyle, a.Lowered.String())
	if a.Rule != "" {
		out += s.render(helpStyle, "  (matched "+a.Rule+")")
	}
	return out
}
