package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	scanInitialBuffer = 1024 * 1024
	scanMaxBuffer     = 16 * 1024 * 1024
)

// subprocessFactory spawns the agent CLI and speaks stream-json over its
// stdin and stdout.
type subprocessFactory struct {
	command string
	args    []string
	logger  zerolog.Logger
}

func (f *subprocessFactory) Open(ctx context.Context, opts Options) (Conn, error) {
	connCtx, cancel := context.WithCancel(context.Background())

	cmd := exec.CommandContext(connCtx, f.command, buildArgs(opts, f.args)...)
	cmd.Dir = opts.WorkingDir
	cmd.Env = buildEnv(opts.Env)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start %s: %w", f.command, err)
	}

	logger := f.logger.With().Str("session", opts.SessionKey).Int("pid", cmd.Process.Pid).Logger()
	logger.Info().Str("command", f.command).Msg("agent process started")

	c := &subprocessConn{
		opts:     opts,
		logger:   logger,
		cmd:      cmd,
		stdin:    stdin,
		messages: make(chan Message, 64),
		ctx:      connCtx,
		cancel:   cancel,
	}

	c.wg.Add(1)
	go c.readStderr(stderr)
	go c.readStdout(stdout)

	return c, nil
}

type subprocessConn struct {
	opts   Options
	logger zerolog.Logger
	cmd    *exec.Cmd

	stdin   io.WriteCloser
	stdinMu sync.Mutex

	messages chan Message

	ctx    context.Context
	cancel context.CancelFunc

	// wg tracks the stderr reader and in-flight control handlers. The stdout
	// reader waits for it before closing the message channel.
	wg sync.WaitGroup

	closeOnce sync.Once
}

func (c *subprocessConn) Messages() <-chan Message {
	return c.messages
}

func (c *subprocessConn) Prompt(ctx context.Context, p Prompt) error {
	return c.writeFrame(encodeUserMessage(p))
}

func (c *subprocessConn) SetModel(ctx context.Context, model string) error {
	return c.writeFrame(controlRequestFrame{
		Type:      "control_request",
		RequestID: uuid.New().String(),
		Request:   controlRequestBody{Subtype: "set_model", Model: model},
	})
}

func (c *subprocessConn) SetPermissionMode(ctx context.Context, mode string) error {
	return c.writeFrame(controlRequestFrame{
		Type:      "control_request",
		RequestID: uuid.New().String(),
		Request:   controlRequestBody{Subtype: "set_permission_mode", Mode: mode},
	})
}

// Close kills the agent process. The stdout reader observes the resulting
// EOF and closes the message channel.
func (c *subprocessConn) Close() error {
	c.closeOnce.Do(func() {
		c.logger.Debug().Msg("closing agent connection")
		c.stdinMu.Lock()
		_ = c.stdin.Close()
		c.stdinMu.Unlock()
		c.cancel()
	})
	return nil
}

// readStdout scans stream-json frames until the process exits, then closes
// the message channel.
func (c *subprocessConn) readStdout(stdout io.Reader) {
	defer func() {
		requested := c.ctx.Err() != nil
		c.cancel()
		c.wg.Wait()
		close(c.messages)
		if err := c.cmd.Wait(); err != nil && !requested {
			c.logger.Warn().Err(err).Msg("agent process exited")
		} else {
			c.logger.Debug().Msg("agent process exited")
		}
	}()

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, scanInitialBuffer), scanMaxBuffer)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var frame streamFrame
		if err := json.Unmarshal(line, &frame); err != nil {
			c.logger.Debug().Err(err).Msg("unparseable frame from agent")
			continue
		}

		switch frame.Type {
		case "control_request":
			c.wg.Add(1)
			go c.handleControlRequest(frame)
		case "control_response":
			c.logger.Debug().Msg("control acknowledged")
		default:
			msg, ok := decodeFrame(line)
			if !ok {
				continue
			}
			select {
			case c.messages <- msg:
			case <-c.ctx.Done():
				return
			}
		}
	}

	if err := scanner.Err(); err != nil && c.ctx.Err() == nil {
		c.logger.Warn().Err(err).Msg("agent stdout read failed")
	}
}

func (c *subprocessConn) readStderr(stderr io.Reader) {
	defer c.wg.Done()
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, scanInitialBuffer), scanMaxBuffer)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			c.logger.Debug().Str("stderr", line).Msg("agent stderr")
		}
	}
}

// handleControlRequest answers a control request from the agent. Permission
// checks may block on a human decision, so each request runs off the reader
// goroutine.
func (c *subprocessConn) handleControlRequest(frame streamFrame) {
	defer c.wg.Done()

	var body controlRequestBody
	if err := json.Unmarshal(frame.Request, &body); err != nil {
		_ = c.writeFrame(errorControlResponse(frame.RequestID, "failed to parse control request"))
		return
	}

	switch body.Subtype {
	case "can_use_tool":
		var req canUseToolRequest
		if err := json.Unmarshal(frame.Request, &req); err != nil {
			_ = c.writeFrame(errorControlResponse(frame.RequestID, "failed to parse can_use_tool request"))
			return
		}
		c.answerToolPermission(frame.RequestID, req)

	default:
		c.logger.Debug().Str("subtype", body.Subtype).Msg("unhandled control request")
		_ = c.writeFrame(controlResponseFrame{
			Type:     "control_response",
			Response: controlResponseBody{Subtype: "success", RequestID: frame.RequestID},
		})
	}
}

func (c *subprocessConn) answerToolPermission(requestID string, req canUseToolRequest) {
	decision := AuthDecision{}
	if c.opts.Authorize != nil {
		decision = c.opts.Authorize(c.ctx, AuthRequest{
			Tool:           req.ToolName,
			Input:          req.Input,
			SessionKey:     c.opts.SessionKey,
			PermissionMode: c.opts.PermissionMode,
		})
	}

	if decision.Allow {
		c.logger.Debug().Str("tool", req.ToolName).Msg("tool permission granted")
		_ = c.writeFrame(allowToolResponse(requestID, req.Input))
		return
	}

	c.logger.Debug().Str("tool", req.ToolName).Str("reason", decision.Reason).Msg("tool permission denied")
	_ = c.writeFrame(denyToolResponse(requestID, decision.Reason))
}

func (c *subprocessConn) writeFrame(frame any) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("failed to marshal frame: %w", err)
	}

	c.stdinMu.Lock()
	defer c.stdinMu.Unlock()

	if c.ctx.Err() != nil {
		return fmt.Errorf("connection closed")
	}
	if _, err := c.stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write to agent: %w", err)
	}
	return nil
}

// buildArgs assembles the agent CLI invocation for the given options.
func buildArgs(opts Options, extra []string) []string {
	args := []string{
		"--output-format", "stream-json",
		"--input-format", "stream-json",
		"--verbose",
		"--permission-prompt-tool", "stdio",
	}
	if opts.PermissionMode != "" {
		args = append(args, "--permission-mode", opts.PermissionMode)
	}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if opts.ResumeID != "" {
		args = append(args, "--resume", opts.ResumeID)
	}
	for _, dir := range opts.AdditionalDirs {
		args = append(args, "--add-dir", dir)
	}
	for _, src := range opts.SettingsSources {
		args = append(args, "--settings", src)
	}
	return append(args, extra...)
}

func buildEnv(extra map[string]string) []string {
	env := os.Environ()
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}
