// Package cli provides terminal output for the EVERLIV operator tools.
package cli

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
)

// Color codes for terminal output
const (
	ColorReset  = "\033[0m"
	ColorRed    = "\033[31m"
	ColorGreen  = "\033[32m"
	ColorYellow = "\033[33m"
	ColorBlue   = "\033[34m"
)

// Printer writes status lines and tables. Colors are used only on terminals.
type Printer struct {
	w        io.Writer
	colorize bool
}

// NewPrinter creates a printer for w.
func NewPrinter(w io.Writer) *Printer {
	return &Printer{w: w, colorize: isTerminal(w)}
}

// Success prints a success message
func (p *Printer) Success(format string, args ...any) {
	p.line(ColorGreen, "✓", format, args...)
}

// Error prints an error message
func (p *Printer) Error(format string, args ...any) {
	p.line(ColorRed, "✗", format, args...)
}

// Warning prints a warning message
func (p *Printer) Warning(format string, args ...any) {
	p.line(ColorYellow, "!", format, args...)
}

// Info prints an info message
func (p *Printer) Info(format string, args ...any) {
	p.line(ColorBlue, "i", format, args...)
}

func (p *Printer) line(color, mark, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if p.colorize {
		fmt.Fprintf(p.w, "%s%s%s %s\n", color, mark, ColorReset, msg)
		return
	}
	fmt.Fprintf(p.w, "%s %s\n", mark, msg)
}

// Table prints rows aligned in columns under an upper-cased header.
func (p *Printer) Table(header []string, rows [][]string) error {
	tw := tabwriter.NewWriter(p.w, 0, 0, 2, ' ', 0)
	upper := make([]string, len(header))
	for i, h := range header {
		upper[i] = strings.ToUpper(h)
	}
	fmt.Fprintln(tw, strings.Join(upper, "\t"))
	for _, row := range rows {
		fmt.Fprintln(tw, strings.Join(row, "\t"))
	}
	return tw.Flush()
}

// isTerminal checks if w is a character device
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}
