// Package echoer is a small scripted child program used to exercise the
// process lifecycle end to end. It prints given lines to stdout and stderr,
// optionally pausing between them, sleeps and exits with a chosen status.
//
// Arguments, all optional:
//
//	<status> [stdout-file|literal|-] [stderr-file|literal|-] [sleep-ms] [line-sleep-ms]
//
// A stream argument naming an existing file prints that file's contents,
// anything else is printed literally and "-" prints nothing.
package echoer

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"
)

// ExitUsage is returned for arguments that do not parse.
const ExitUsage = 2

// Script is a parsed argument list.
type Script struct {
	Status    int
	Stdout    []string
	Stderr    []string
	Sleep     time.Duration
	LineSleep time.Duration
}

// Parse turns an argument list into a Script.
func Parse(args []string) (Script, error) {
	var s Script
	var err error

	if len(args) > 0 {
		if s.Status, err = parseInt(args[0]); err != nil {
			return s, fmt.Errorf("status: %w", err)
		}
	}
	if len(args) > 1 {
		s.Stdout = streamLines(args[1])
	}
	if len(args) > 2 {
		s.Stderr = streamLines(args[2])
	}
	if len(args) > 3 {
		ms, err := parseInt(args[3])
		if err != nil {
			return s, fmt.Errorf("sleep-ms: %w", err)
		}
		s.Sleep = time.Duration(ms) * time.Millisecond
	}
	if len(args) > 4 {
		ms, err := parseInt(args[4])
		if err != nil {
			return s, fmt.Errorf("line-sleep-ms: %w", err)
		}
		s.LineSleep = time.Duration(ms) * time.Millisecond
	}
	return s, nil
}

// Run plays the script and returns the exit status. Stdout and stderr lines
// are interleaved one of each per step.
func (s Script) Run(stdout, stderr io.Writer) int {
	out := bufio.NewWriter(stdout)
	errw := bufio.NewWriter(stderr)

	for i := 0; i < len(s.Stdout) || i < len(s.Stderr); i++ {
		if i < len(s.Stdout) {
			fmt.Fprintln(out, s.Stdout[i])
			out.Flush()
		}
		if i < len(s.Stderr) {
			fmt.Fprintln(errw, s.Stderr[i])
			errw.Flush()
		}
		if s.LineSleep > 0 {
			time.Sleep(s.LineSleep)
		}
	}
	if s.Sleep > 0 {
		time.Sleep(s.Sleep)
	}
	return s.Status
}

// Run parses args and plays them.
func Run(args []string, stdout, stderr io.Writer) int {
	s, err := Parse(args)
	if err != nil {
		fmt.Fprintln(stderr, "echoer:", err)
		return ExitUsage
	}
	return s.Run(stdout, stderr)
}

// Main runs with the process arguments and exits.
func Main(args []string) {
	os.Exit(Run(args, os.Stdout, os.Stderr))
}

func parseInt(s string) (int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	return strconv.Atoi(s)
}

// streamLines resolves a stream argument to the lines it prints.
func streamLines(arg string) []string {
	if arg == "-" {
		return nil
	}
	text := arg
	if _, err := os.Stat(arg); err == nil {
		data, err := os.ReadFile(arg)
		if err != nil {
			text = "File not found: " + arg
		} else {
			text = string(data)
		}
	}
	if strings.TrimSpace(text) == "" {
		return nil
	}
	return strings.Split(strings.TrimSuffix(text, "\n"), "\n")
}
