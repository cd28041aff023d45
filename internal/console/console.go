// Package console is the terminal front end: scenario entry and the
// printed summary of a run.
package console

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"cymbytes.com/missiongen/internal/harvest"
)

// OutputTailRunes is how much process output is shown after a run.
const OutputTailRunes = 5000

// NoScenarioMessage is printed when the entry was empty.
const NoScenarioMessage = "No scenario text provided. Exiting."

var rule = strings.Repeat("=", 60)

// Console reads the scenario and prints results.
type Console struct {
	in          *bufio.Reader
	out         io.Writer
	interactive bool

	heading lipgloss.Style
	success lipgloss.Style
	warning lipgloss.Style
	failure lipgloss.Style
}

// New creates a console. Prompts are only printed when interactive.
func New(in io.Reader, out io.Writer, interactive bool) *Console {
	r := lipgloss.NewRenderer(out)
	return &Console{
		in:          bufio.NewReader(in),
		out:         out,
		interactive: interactive,
		heading:     r.NewStyle().Bold(true),
		success:     r.NewStyle().Foreground(lipgloss.Color("10")),
		warning:     r.NewStyle().Foreground(lipgloss.Color("11")),
		failure:     r.NewStyle().Foreground(lipgloss.Color("9")),
	}
}

// Banner describes the tool and how to enter a scenario.
func (c *Console) Banner() {
	if !c.interactive {
		return
	}
	c.println(rule)
	c.println(c.heading.Render("  STK Mission Automation"))
	c.println(rule)
	c.println("\nThis tool will:")
	c.println("  1. Ask the generative backend for an STK automation program")
	c.println("  2. Run the program with your STK Python interpreter")
	c.println("  3. Show you all generated reports and screenshots")
	c.println("\nSupported features:")
	c.println("  - Multiple satellites, aircraft, facilities, targets")
	c.println("  - Sensors, transmitters, receivers")
	c.println("  - Access calculations, link budgets, AER reports")
	c.println("  - Coverage analysis, screenshots at intervals")
	c.println("\n" + strings.Repeat("-", 60))
	c.println("Describe your STK scenario in one or more lines.")
	c.println("When you are done, press Enter on an empty line.")
	c.println(strings.Repeat("-", 60) + "\n")
}

// ReadScenario reads lines until a blank line or end of input and returns
// them joined and trimmed. An empty result means nothing was entered.
func (c *Console) ReadScenario() (string, error) {
	var lines []string
	for {
		if c.interactive {
			fmt.Fprint(c.out, "> ")
		}
		line, err := c.in.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return "", fmt.Errorf("read scenario: %w", err)
		}
		line = strings.TrimRight(line, "\r\n")
		if strings.TrimSpace(line) == "" {
			break
		}
		lines = append(lines, line)
		if errors.Is(err, io.EOF) {
			break
		}
	}
	return strings.TrimSpace(strings.Join(lines, "\n")), nil
}

// Info prints an informational line.
func (c *Console) Info(format string, args ...any) {
	c.println("[INFO] " + fmt.Sprintf(format, args...))
}

// Error prints an error line.
func (c *Console) Error(format string, args ...any) {
	c.println(c.failure.Render("[ERROR] " + fmt.Sprintf(format, args...)))
}

// Artifacts lists harvested files with their size and full path.
func (c *Console) Artifacts(arts []harvest.Artifact) {
	if len(arts) == 0 {
		c.println("\n" + c.warning.Render("[WARNING] STK job finished, but no output files (CSV/PNG/etc.) were found."))
		c.println("Check the script output below for errors.")
		return
	}

	var total int64
	for _, a := range arts {
		total += a.Size
	}
	c.println("\n" + rule)
	c.println(c.success.Render(fmt.Sprintf("[SUCCESS] STK job finished. Generated %d file(s), %s total:",
		len(arts), humanize.Bytes(uint64(total)))))
	c.println(rule)
	for i, a := range arts {
		c.println(fmt.Sprintf("  %d. %s (%.2f KB)", i+1, a.Name, a.SizeKB()))
		if a.Path != "" {
			c.println(fmt.Sprintf("     Full path: %s", a.Path))
		}
	}
	c.println(rule)
}

// Output prints the tail of the captured process output.
func (c *Console) Output(output string) {
	c.println("\n" + rule)
	c.println(c.heading.Render("[INFO] Script execution output:"))
	c.println(rule)
	if strings.TrimSpace(output) == "" {
		c.println("(No output captured)")
	} else {
		c.println(Tail(output, OutputTailRunes))
	}
	c.println(rule)
}

// Tail returns the last n characters of s.
func Tail(s string, n int) string {
	if n <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[len(runes)-n:])
}

func (c *Console) println(s string) {
	fmt.Fprintln(c.out, s)
}
