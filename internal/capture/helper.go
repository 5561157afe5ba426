package capture

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/hanepo/MQTTScanner/internal/broker"
)

// DefaultHelperTimeout bounds one helper run.
const DefaultHelperTimeout = 5 * time.Second

// HelperStatus classifies a helper run.
type HelperStatus string

const (
	HelperOK            HelperStatus = "ok"
	HelperMissing       HelperStatus = "missing"
	HelperTimeout       HelperStatus = "timeout"
	HelperFailed        HelperStatus = "failed"
	HelperParseError    HelperStatus = "parse_error"
	HelperDeclaredError HelperStatus = "declared_error"
)

// HelperMessage is one entry of the helper's "messages" array.
type HelperMessage struct {
	Topic    string          `json:"topic"`
	Message  json.RawMessage `json:"message"`
	Retained bool            `json:"retained"`
}

type helperOutput struct {
	Messages *[]HelperMessage `json:"messages"`
	Count    int              `json:"count"`
	Error    string           `json:"error"`
}

// HelperOutcome is the typed result of a helper run. Only HelperOK carries
// messages; every other status sends the orchestrator to its fallback.
type HelperOutcome struct {
	Status   HelperStatus
	Messages []HelperMessage
	Detail   string
	ExitCode int
	Err      error
}

// Readings converts helper messages into readings stamped at the given time.
func (o HelperOutcome) Readings(source string, at time.Time) []broker.Reading {
	out := make([]broker.Reading, 0, len(o.Messages))
	for _, m := range o.Messages {
		raw := []byte(m.Message)
		// a JSON string payload is unwrapped so raw holds the text
		var text string
		if err := json.Unmarshal(raw, &text); err == nil {
			raw = []byte(text)
		}
		r := broker.NewReading(m.Topic, raw, source, at)
		r.Retained = m.Retained
		out = append(out, r)
	}
	return out
}

// HelperRunner runs the fast-path capture helper against one endpoint.
type HelperRunner interface {
	Run(ctx context.Context, endpoint broker.Endpoint, creds broker.Credentials) HelperOutcome
}

// HelperConfig describes the helper executable. Host, port and optional
// username/password are appended to Args.
type HelperConfig struct {
	Command string
	Args    []string
	Env     map[string]string
	Timeout time.Duration
}

// ExecHelper runs the helper as a subprocess.
type ExecHelper struct {
	command string
	args    []string
	env     map[string]string
	timeout time.Duration
}

// NewExecHelper builds an ExecHelper.
func NewExecHelper(cfg HelperConfig) *ExecHelper {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultHelperTimeout
	}
	return &ExecHelper{
		command: cfg.Command,
		args:    cfg.Args,
		env:     cfg.Env,
		timeout: timeout,
	}
}

// Run executes the helper and classifies its result.
func (h *ExecHelper) Run(ctx context.Context, endpoint broker.Endpoint, creds broker.Credentials) HelperOutcome {
	if h.command == "" {
		return HelperOutcome{Status: HelperMissing, Detail: "helper command is empty"}
	}

	runCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	args := append([]string{}, h.args...)
	args = append(args, endpoint.Host, strconv.Itoa(endpoint.Port))
	if !creds.Empty() {
		args = append(args, creds.Username, creds.Password)
	}

	cmd := exec.CommandContext(runCtx, h.command, args...)
	cmd.WaitDelay = time.Second
	cmd.Env = os.Environ()
	for k, v := range h.env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
			return HelperOutcome{Status: HelperMissing, Detail: err.Error(), Err: err}
		}
		if runCtx.Err() != nil {
			return HelperOutcome{
				Status: HelperTimeout,
				Detail: fmt.Sprintf("helper exceeded %s", h.timeout),
				Err:    runCtx.Err(),
			}
		}
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		// the helper reports its own failures as {"error": ...} before exiting
		if declared := parseHelperOutput(stdout.Bytes()); declared.Status == HelperDeclaredError {
			declared.ExitCode = exitCode
			return declared
		}
		detail := stderr.String()
		if detail == "" {
			detail = err.Error()
		}
		return HelperOutcome{Status: HelperFailed, Detail: detail, ExitCode: exitCode, Err: err}
	}

	return parseHelperOutput(stdout.Bytes())
}

func parseHelperOutput(data []byte) HelperOutcome {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return HelperOutcome{Status: HelperParseError, Detail: "helper returned no output"}
	}

	var out helperOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return HelperOutcome{Status: HelperParseError, Detail: fmt.Sprintf("invalid helper output: %v", err), Err: err}
	}
	if out.Error != "" {
		return HelperOutcome{Status: HelperDeclaredError, Detail: out.Error}
	}
	if out.Messages == nil {
		return HelperOutcome{Status: HelperParseError, Detail: "helper output has no messages field"}
	}
	return HelperOutcome{Status: HelperOK, Messages: *out.Messages}
}
