package logging

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func resetState() {
	mutex.Lock()
	moduleLoggers = make(map[string]*slog.Logger)
	moduleLevelVars = make(map[string]*slog.LevelVar)
	isInitialized = false
	globalConfig = Config{}
	logBuffer = nil
	logCallback = nil
	mutex.Unlock()
}

func TestModuleLevelOverride(t *testing.T) {
	resetState()

	Initialize(Config{
		Level:  "info",
		Format: "text",
		Modules: map[string]string{
			"process": "debug",
			"api":     "warn",
		},
	})

	tests := []struct {
		module    string
		wantDebug bool
		wantInfo  bool
		wantWarn  bool
	}{
		{"process", true, true, true},
		{"api", false, false, true},
		{"other", false, true, true},
	}

	for _, tt := range tests {
		t.Run(tt.module, func(t *testing.T) {
			handler := GetLogger(tt.module).Handler()

			gotDebug := handler.Enabled(context.Background(), slog.LevelDebug)
			gotInfo := handler.Enabled(context.Background(), slog.LevelInfo)
			gotWarn := handler.Enabled(context.Background(), slog.LevelWarn)

			if gotDebug != tt.wantDebug {
				t.Errorf("module %q: Debug enabled = %v, want %v", tt.module, gotDebug, tt.wantDebug)
			}
			if gotInfo != tt.wantInfo {
				t.Errorf("module %q: Info enabled = %v, want %v", tt.module, gotInfo, tt.wantInfo)
			}
			if gotWarn != tt.wantWarn {
				t.Errorf("module %q: Warn enabled = %v, want %v", tt.module, gotWarn, tt.wantWarn)
			}
		})
	}
}

func TestGetLoggerBeforeInitialize(t *testing.T) {
	resetState()

	handlerBefore := GetLogger("dispatcher").Handler()
	if handlerBefore.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("Logger created before Initialize should NOT have debug enabled")
	}

	Initialize(Config{
		Level:   "info",
		Format:  "text",
		Modules: map[string]string{"dispatcher": "debug"},
	})

	// The level var is shared, so handlers obtained earlier follow it.
	if !handlerBefore.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("Earlier handler should have debug enabled after Initialize updates its LevelVar")
	}
	if !GetLogger("dispatcher").Handler().Enabled(context.Background(), slog.LevelDebug) {
		t.Error("Logger after Initialize should have debug enabled")
	}
}

func TestSetLevel(t *testing.T) {
	resetState()
	Initialize(Config{Level: "info", Format: "text"})

	handler := GetLogger("cli").Handler()
	if handler.Enabled(context.Background(), slog.LevelDebug) {
		t.Fatal("cli should start at info")
	}

	if err := SetLevel("cli", "debug"); err != nil {
		t.Fatalf("SetLevel failed: %v", err)
	}
	if !handler.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("cli should accept debug after SetLevel")
	}
	if got := Levels()["cli"]; got != "debug" {
		t.Errorf("Levels()[cli] = %q, want debug", got)
	}

	if err := SetLevel("", "error"); err != nil {
		t.Fatalf("SetLevel global failed: %v", err)
	}
	if !handler.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("module override should survive a global level change")
	}

	other := GetLogger("config").Handler()
	if other.Enabled(context.Background(), slog.LevelWarn) {
		t.Error("new module should inherit global error level")
	}

	if err := SetLevel("cli", "loud"); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestBufferHandlerCapturesEntries(t *testing.T) {
	resetState()
	Initialize(Config{Level: "debug", Format: "text"})

	var got []LogEntry
	SetLogCallback(func(e LogEntry) { got = append(got, e) })

	GetLogger("process").Info("Process started", "pid", 42, "elapsed", 150*time.Millisecond)

	entries := GetBuffer().ReadAll()
	if len(entries) == 0 {
		t.Fatal("expected buffered entries")
	}
	last := entries[len(entries)-1]
	if last.Module != "process" || last.Message != "Process started" {
		t.Errorf("unexpected entry %+v", last)
	}
	if last.Attributes["pid"] != int64(42) {
		t.Errorf("pid attribute = %#v, want 42", last.Attributes["pid"])
	}
	if last.Attributes["elapsed"] != "150ms" {
		t.Errorf("elapsed attribute = %#v, want 150ms", last.Attributes["elapsed"])
	}
	if len(got) == 0 || got[len(got)-1].Seq != last.Seq {
		t.Error("callback should see the stored entry with its sequence number")
	}
}

func TestRingBufferWrapAndSince(t *testing.T) {
	rb := NewRingBuffer(3)
	for _, msg := range []string{"a", "b", "c", "d", "e"} {
		rb.Write(LogEntry{Message: msg})
	}

	all := rb.ReadAll()
	if len(all) != 3 {
		t.Fatalf("ReadAll len = %d, want 3", len(all))
	}
	var msgs []string
	for _, e := range all {
		msgs = append(msgs, e.Message)
	}
	if strings.Join(msgs, "") != "cde" {
		t.Errorf("ReadAll order = %v, want [c d e]", msgs)
	}

	since := rb.Since(all[1].Seq)
	if len(since) != 1 || since[0].Message != "e" {
		t.Errorf("Since = %+v, want only e", since)
	}
	if rb.Count() != 3 {
		t.Errorf("Count = %d, want 3", rb.Count())
	}
}

func TestMultiHandlerDebugOutput(t *testing.T) {
	var buf bytes.Buffer

	debugHandler := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	infoHandler := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo})

	logger := slog.New(NewMultiHandler(debugHandler, infoHandler)).With("module", "test")
	logger.Debug("debug only message")

	output := buf.String()
	if count := strings.Count(output, "debug only message"); count != 1 {
		t.Errorf("Expected 1 debug message, got %d. Output: %s", count, output)
	}
}

type failingHandler struct{ slog.Handler }

func (failingHandler) Handle(context.Context, slog.Record) error { return errors.New("sink down") }

func TestMultiHandlerKeepsOtherSinks(t *testing.T) {
	var buf bytes.Buffer
	text := slog.NewTextHandler(&buf, nil)
	failing := failingHandler{slog.NewTextHandler(&bytes.Buffer{}, nil)}

	h := NewMultiHandler(nil, failing, text)
	r := slog.NewRecord(time.Now(), slog.LevelInfo, "child exited", 0)
	if err := h.Handle(context.Background(), r); err == nil || !strings.Contains(err.Error(), "sink down") {
		t.Errorf("Handle() error = %v, want the failing sink's error", err)
	}
	if !strings.Contains(buf.String(), "child exited") {
		t.Errorf("record missing from the working sink: %q", buf.String())
	}
}

func TestFormatLogLine(t *testing.T) {
	entry := LogEntry{
		Timestamp:  time.Date(2025, 1, 27, 10, 30, 0, 0, time.UTC),
		Level:      "warn",
		Module:     "dispatcher",
		Message:    "Exit status already collected elsewhere",
		Attributes: map[string]any{"pid": 7, "b": "x"},
	}
	line := FormatLogLine(entry)
	want := "2025-01-27T10:30:00Z [WARN] [dispatcher] Exit status already collected elsewhere b=x pid=7"
	if line != want {
		t.Errorf("FormatLogLine = %q, want %q", line, want)
	}
}

func TestParseLevelValues(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
		isNil bool
	}{
		{"debug", slog.LevelDebug, false},
		{"DEBUG", slog.LevelDebug, false},
		{"info", slog.LevelInfo, false},
		{"warn", slog.LevelWarn, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"invalid", 0, true},
		{"", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := parseLevel(tt.input)
			if tt.isNil {
				if got != nil {
					t.Errorf("parseLevel(%q) = %v, want nil", tt.input, *got)
				}
				return
			}
			if got == nil {
				t.Fatalf("parseLevel(%q) = nil, want %v", tt.input, tt.want)
			}
			if *got != tt.want {
				t.Errorf("parseLevel(%q) = %v, want %v", tt.input, *got, tt.want)
			}
		})
	}
}
