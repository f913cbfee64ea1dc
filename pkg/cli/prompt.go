// Package cli provides interactive terminal prompts for the relay's setup
// wizard and peer commands.
package cli

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/term"
)

// Prompter reads answers from In and writes questions to Out.
type Prompter struct {
	In      io.Reader
	Out     io.Writer
	scanner *bufio.Scanner
}

// DefaultPrompter returns a Prompter connected to stdin and stderr, so that
// prompts never mix with command output on stdout.
func DefaultPrompter() *Prompter {
	return &Prompter{In: os.Stdin, Out: os.Stderr}
}

func (p *Prompter) readLine() string {
	if p.scanner == nil {
		p.scanner = bufio.NewScanner(p.In)
	}
	if p.scanner.Scan() {
		return strings.TrimSpace(p.scanner.Text())
	}
	return ""
}

func (p *Prompter) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(p.Out, format, args...)
}

// Ask reads one line, returning defaultVal when the answer is empty.
func (p *Prompter) Ask(question, defaultVal string) string {
	if defaultVal != "" {
		p.printf("%s [%s]: ", question, defaultVal)
	} else {
		p.printf("%s: ", question)
	}
	if line := p.readLine(); line != "" {
		return line
	}
	return defaultVal
}

// AskPassword reads a line without echo when In is a terminal and falls back
// to a plain read otherwise (pipes, tests).
func (p *Prompter) AskPassword(question string) string {
	p.printf("%s: ", question)

	if f, ok := p.In.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		b, err := term.ReadPassword(int(f.Fd()))
		p.printf("\n")
		if err == nil {
			return strings.TrimSpace(string(b))
		}
	}
	return p.readLine()
}

// AskInt asks until the answer is an integer in [lo, hi].
func (p *Prompter) AskInt(question string, defaultVal, lo, hi int) int {
	for {
		n, err := strconv.Atoi(p.Ask(question, strconv.Itoa(defaultVal)))
		if err == nil && n >= lo && n <= hi {
			return n
		}
		p.printf("  Please enter a number between %d and %d.\n", lo, hi)
	}
}

// AskDuration asks until the answer parses as a positive duration like "10s".
func (p *Prompter) AskDuration(question string, defaultVal time.Duration) time.Duration {
	for {
		d, err := time.ParseDuration(p.Ask(question, defaultVal.String()))
		if err == nil && d > 0 {
			return d
		}
		p.printf("  Please enter a duration such as 1s or 500ms.\n")
	}
}

// Choose lists options and returns the selected one.
func (p *Prompter) Choose(question string, options []string, defaultIdx int) string {
	p.printf("%s\n", question)
	for i, opt := range options {
		marker := "  "
		if i == defaultIdx {
			marker = "> "
		}
		p.printf("%s%d) %s\n", marker, i+1, opt)
	}
	return options[p.AskInt("Choice", defaultIdx+1, 1, len(options))-1]
}

// Confirm asks a yes/no question.
func (p *Prompter) Confirm(question string, defaultYes bool) bool {
	hint := "y/N"
	if defaultYes {
		hint = "Y/n"
	}
	ans := p.Ask(fmt.Sprintf("%s [%s]", question, hint), "")
	if ans == "" {
		return defaultYes
	}
	return strings.HasPrefix(strings.ToLower(ans), "y")
}
