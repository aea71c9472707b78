package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
)

type statusKind int

const (
	statusInfo statusKind = iota
	statusOK
	statusWarn
	statusError
)

type kindStyle struct {
	label string
	color string
}

var kindStyles = map[statusKind]kindStyle{
	statusInfo:  {label: "INFO", color: "\x1b[34m"},
	statusOK:    {label: "OK", color: "\x1b[32m"},
	statusWarn:  {label: "WARN", color: "\x1b[33m"},
	statusError: {label: "ERROR", color: "\x1b[31m"},
}

const ansiReset = "\x1b[0m"

func styleFor(kind statusKind) kindStyle {
	if style, ok := kindStyles[kind]; ok {
		return style
	}
	return kindStyles[statusInfo]
}

func paint(text, color string, colorize bool) string {
	if !colorize || color == "" {
		return text
	}
	return color + text + ansiReset
}

// renderStatusLine formats "  label:   [KIND] message" with the label padded
// to a fixed column.
func renderStatusLine(label string, kind statusKind, message string, colorize bool) string {
	style := styleFor(kind)
	var b strings.Builder
	fmt.Fprintf(&b, "  %-20s [%s]", label+":", style.label)
	if message != "" {
		b.WriteByte(' ')
		b.WriteString(message)
	}
	return paint(b.String(), style.color, colorize)
}

func renderSectionHeader(title string, colorize bool) []string {
	heading := "== " + strings.TrimSpace(title) + " =="
	color := kindStyles[statusInfo].color
	return []string{
		paint(heading, color, colorize),
		paint(strings.Repeat("-", len(heading)), color, colorize),
	}
}

func writeSection(w io.Writer, title string, colorize bool) {
	fmt.Fprintln(w, strings.Join(renderSectionHeader(title, colorize), "\n"))
}

func shouldColorize(w io.Writer) bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
