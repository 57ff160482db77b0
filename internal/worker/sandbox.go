package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/imaryanjoshi/Cerno-Agentic-Local-Deep-Research/internal/event"
	"github.com/imaryanjoshi/Cerno-Agentic-Local-Deep-Research/internal/model"
)

// Script languages.
const (
	LanguagePython = "python"
	LanguageShell  = "shell"
)

const defaultSandboxTimeout = 2 * time.Minute

type (
	// Script is the code a sandbox runs.
	Script struct {
		Language string
		Code     string
		// Dir is the working directory of the process.
		Dir string
	}

	// ExecResult is the structured result of one sandbox run. ExitCode is -1
	// when the process could not be started or was killed.
	ExecResult struct {
		SandboxID    string `json:"sandbox_id"`
		ExitCode     int    `json:"exit_code"`
		Stdout       string `json:"stdout"`
		Stderr       string `json:"stderr"`
		ErrorMessage string `json:"error_message,omitempty"`
	}

	// Sandbox executes scripts. onLine is called for every output line, one
	// call at a time. Exec returns an error only when ctx is cancelled;
	// failures of the script itself are reported in the result.
	Sandbox interface {
		Exec(ctx context.Context, s Script, onLine func(stream, line string)) (ExecResult, error)
	}
)

// DisabledMessage is the error reported by DisabledSandbox.
const DisabledMessage = "code execution is disabled on this server (set sandbox.enabled to allow it)"

// DisabledSandbox refuses every script. Tasks routed to the sandbox worker
// fail with DisabledMessage instead of running code on the host.
type DisabledSandbox struct{}

// Exec implements Sandbox.
func (DisabledSandbox) Exec(ctx context.Context, _ Script, _ func(stream, line string)) (ExecResult, error) {
	if err := ctx.Err(); err != nil {
		return ExecResult{}, err
	}
	return ExecResult{
		SandboxID:    "disabled",
		ExitCode:     -1,
		Stderr:       DisabledMessage,
		ErrorMessage: DisabledMessage,
	}, nil
}

// LocalSandbox runs scripts as child processes of this one.
type LocalSandbox struct {
	Python  string
	Shell   string
	Timeout time.Duration
}

// NewLocalSandbox returns a sandbox using the given interpreters. Empty
// values default to python3 and sh.
func NewLocalSandbox(python, shell string, timeout time.Duration) *LocalSandbox {
	if python == "" {
		python = "python3"
	}
	if shell == "" {
		shell = "sh"
	}
	if timeout <= 0 {
		timeout = defaultSandboxTimeout
	}
	return &LocalSandbox{Python: python, Shell: shell, Timeout: timeout}
}

// Exec implements Sandbox.
func (s *LocalSandbox) Exec(ctx context.Context, sc Script, onLine func(stream, line string)) (ExecResult, error) {
	res := ExecResult{SandboxID: "local-" + uuid.NewString(), ExitCode: -1}

	interpreter, name := s.Python, "script.py"
	switch sc.Language {
	case LanguagePython:
	case LanguageShell:
		interpreter, name = s.Shell, "script.sh"
	default:
		res.ErrorMessage = fmt.Sprintf("unsupported language %q", sc.Language)
		res.Stderr = res.ErrorMessage
		return res, nil
	}

	tmp, err := os.MkdirTemp("", "cerno-sandbox-*")
	if err != nil {
		res.ErrorMessage = err.Error()
		return res, nil
	}
	defer os.RemoveAll(tmp)
	path := filepath.Join(tmp, name)
	if err := os.WriteFile(path, []byte(sc.Code), 0o600); err != nil {
		res.ErrorMessage = err.Error()
		return res, nil
	}

	runCtx, cancel := context.WithTimeout(ctx, s.Timeout)
	defer cancel()
	var mu sync.Mutex
	stdout := &lineWriter{stream: event.StreamStdout, mu: &mu, onLine: onLine}
	stderr := &lineWriter{stream: event.StreamStderr, mu: &mu, onLine: onLine}
	cmd := exec.CommandContext(runCtx, interpreter, path)
	cmd.Dir = sc.Dir
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = time.Second
	if err := cmd.Start(); err != nil {
		res.ErrorMessage = err.Error()
		res.Stderr = err.Error()
		return res, nil
	}
	waitErr := cmd.Wait()
	stdout.flush()
	stderr.flush()

	res.Stdout = stdout.buf.String()
	res.Stderr = stderr.buf.String()
	if ctx.Err() != nil {
		return res, ctx.Err()
	}
	var exitErr *exec.ExitError
	switch {
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		res.ExitCode = -1
		res.ErrorMessage = fmt.Sprintf("timed out after %s", s.Timeout)
	case waitErr == nil:
		res.ExitCode = 0
	case errors.As(waitErr, &exitErr):
		res.ExitCode = exitErr.ExitCode()
		res.ErrorMessage = fmt.Sprintf("process exited with code %d", res.ExitCode)
	case errors.Is(waitErr, exec.ErrWaitDelay):
		// exited cleanly but a child kept the output open
		res.ExitCode = 0
	default:
		res.ErrorMessage = waitErr.Error()
	}
	return res, nil
}

// lineWriter splits process output into lines. Writers of one process share
// mu so onLine is never called concurrently.
type lineWriter struct {
	stream  string
	mu      *sync.Mutex
	onLine  func(stream, line string)
	buf     strings.Builder
	partial []byte
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf.Write(p)
	w.partial = append(w.partial, p...)
	for {
		i := bytes.IndexByte(w.partial, '\n')
		if i < 0 {
			break
		}
		w.emit(string(w.partial[:i]))
		w.partial = w.partial[i+1:]
	}
	return len(p), nil
}

func (w *lineWriter) flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.partial) > 0 {
		w.emit(string(w.partial))
		w.partial = nil
	}
}

func (w *lineWriter) emit(line string) {
	if w.onLine != nil {
		w.onLine(w.stream, strings.TrimRight(line, "\r"))
	}
}

const scriptSystem = `You write a single self-contained %s script that performs the task below.
The script runs with the task workspace as its working directory; files it writes there become artifacts.
Print the useful result to standard output. Reply with only the code, no explanation.`

// sandboxWorker runs a script for the task: the first script among the task
// inputs, or one written by the model from the description.
type sandboxWorker struct {
	sb   Sandbox
	opts Options
}

// NewSandboxWorker returns the code execution worker.
func NewSandboxWorker(sb Sandbox, opts Options) Worker {
	return &sandboxWorker{sb: sb, opts: opts}
}

func (w *sandboxWorker) Name() string       { return "SandboxAgent" }
func (w *sandboxWorker) WritesOutput() bool { return false }

func (w *sandboxWorker) Run(ctx context.Context, in Input, emit func(Activity)) (Result, error) {
	start := time.Now()
	var res Result
	sc, err := w.script(ctx, in, &res)
	if err != nil {
		res.Duration = time.Since(start)
		return res, err
	}
	if in.Workspace != nil {
		sc.Dir = in.Workspace.Dir()
	}

	toolName := "run_python_code"
	if sc.Language == LanguageShell {
		toolName = "run_shell_code"
	}
	args, _ := json.Marshal(map[string]any{"language": sc.Language, "call_name": in.Task.CallName})
	call := ToolCall{ToolName: toolName, ArgsStr: string(args)}
	emit(Activity{Event: event.ActivityToolCallStarted, Data: call})

	er, err := w.sb.Exec(ctx, sc, func(stream, line string) {
		emit(Activity{Event: event.ActivityTerminalOutput, Data: line, Stream: stream})
	})
	res.Duration = time.Since(start)
	if err != nil {
		return res, err
	}
	data, err := json.Marshal(er)
	if err != nil {
		return res, err
	}
	res.Text = string(data)
	emit(Activity{Event: event.ActivityToolCallCompleted, Data: call, ResultPreview: preview(res.Text)})
	return res, nil
}

func (w *sandboxWorker) script(ctx context.Context, in Input, res *Result) (Script, error) {
	if in.Workspace != nil {
		for _, name := range in.Task.Inputs.Files() {
			lang := languageOf(name)
			if lang == "" {
				continue
			}
			code, err := in.Workspace.ReadFile(name)
			if err != nil {
				return Script{}, fmt.Errorf("read script %s: %w", name, err)
			}
			return Script{Language: lang, Code: string(code)}, nil
		}
	}
	if in.Model == nil {
		return Script{}, errors.New("no script input and no model to write one")
	}

	lang := LanguagePython
	if strings.Contains(strings.ToLower(in.Task.CallName), "shell") {
		lang = LanguageShell
	}
	req := w.opts.request(fmt.Sprintf(scriptSystem, lang), taskPrompt(in))
	var b strings.Builder
	usage, err := in.Model.Stream(ctx, req, func(c model.Chunk) error {
		b.WriteString(c.Text)
		return nil
	})
	res.Usage = &usage
	res.ModelID = in.Model.ModelID()
	if err != nil {
		if ctx.Err() != nil {
			return Script{}, ctx.Err()
		}
		return Script{}, fmt.Errorf("write script: %w", err)
	}
	code := extractCode(b.String())
	if code == "" {
		return Script{}, errors.New("model returned an empty script")
	}
	return Script{Language: lang, Code: code}, nil
}

// Judge parses the execution result. A result that does not parse, lacks an
// exit code or has a non-zero one is a failure whatever else it says.
func (w *sandboxWorker) Judge(res Result) Outcome {
	var parsed struct {
		ExitCode     *int   `json:"exit_code"`
		Stdout       string `json:"stdout"`
		Stderr       string `json:"stderr"`
		ErrorMessage string `json:"error_message"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(res.Text)), &parsed); err != nil {
		return Outcome{Reason: "could not parse sandbox result: " + err.Error()}
	}
	if parsed.ExitCode == nil {
		return Outcome{Reason: "sandbox result has no exit_code"}
	}
	if *parsed.ExitCode != 0 {
		reason := strings.TrimSpace(parsed.Stderr)
		if reason == "" {
			reason = parsed.ErrorMessage
		}
		if reason == "" {
			reason = fmt.Sprintf("exit code %d", *parsed.ExitCode)
		}
		return Outcome{Reason: reason}
	}
	return Outcome{Success: true, Content: parsed.Stdout}
}

func languageOf(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".py":
		return LanguagePython
	case ".sh":
		return LanguageShell
	}
	return ""
}

// extractCode returns the body of the first fenced block in text, or the
// whole text when it has none.
func extractCode(text string) string {
	open := strings.Index(text, "```")
	if open < 0 {
		return strings.TrimSpace(text)
	}
	rest := text[open+3:]
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		rest = rest[nl+1:]
	} else {
		return ""
	}
	if end := strings.Index(rest, "```"); end >= 0 {
		rest = rest[:end]
	}
	return strings.TrimSpace(rest)
}
