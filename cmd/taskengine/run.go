package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/bazelment/yoloswe/taskengine/event"
	"github.com/bazelment/yoloswe/taskengine/task"
)

var (
	runEngine    string
	runTaskID    string
	runContextID string
	runCwd       string
	runModel     string
	runProvider  string
	runImages    []string
	runJSON      bool
	runReasoning bool
)

var runCmd = &cobra.Command{
	Use:   "run [prompt...]",
	Short: "Run one turn and stream its events",
	Long: `Run starts one task and streams its events until the task is final.
The prompt is taken from the arguments, or from stdin when none are given.
On a terminal the assistant text is printed as it streams; otherwise, or
with --json, every event is written as one JSON line. Ctrl-C cancels the
turn.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger := newLogger()

		prompt, err := readPrompt(args, cmd.InOrStdin())
		if err != nil {
			return err
		}
		req, err := buildRequest(prompt)
		if err != nil {
			return err
		}
		if err := cfg.ResolveProvider(&req); err != nil {
			return err
		}

		ctx := cmd.Context()
		rt, err := newApp(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := rt.Close(closeCtx); err != nil {
				logger.Warn("shutdown incomplete", "error", err)
			}
		}()

		if _, err := rt.orch.Start(ctx, req); err != nil {
			return err
		}

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(sigCh)
		done := make(chan struct{})
		defer close(done)
		go func() {
			select {
			case <-done:
				return
			case <-sigCh:
			}
			logger.Info("cancelling task", "task", req.TaskID)
			if _, err := rt.orch.Cancel(context.Background(), req.TaskID); err != nil {
				logger.Warn("cancel failed", "task", req.TaskID, "error", err)
			}
		}()

		seq, err := rt.orch.Stream(ctx, req.TaskID, 0)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		var r renderer
		if runJSON || !isTerminal(out) {
			r = &jsonRenderer{enc: json.NewEncoder(out)}
		} else {
			r = &textRenderer{out: out, errOut: cmd.ErrOrStderr(), reasoning: runReasoning}
		}

		var final event.State
		for ev, err := range seq {
			if err != nil {
				return err
			}
			state, err := r.render(ev)
			if err != nil {
				return err
			}
			if state != "" {
				final = state
			}
		}
		if final != event.StateCompleted {
			return fmt.Errorf("task %s ended %s", req.TaskID, final)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
	f := runCmd.Flags()
	f.StringVarP(&runEngine, "engine", "e", string(task.EngineCLI), "Engine to run: rpc or cli")
	f.StringVar(&runTaskID, "task-id", "", "Task id (default: a new ULID)")
	f.StringVar(&runContextID, "context", "", "Conversation context id (default: the task id)")
	f.StringVar(&runCwd, "cwd", "", "Working directory for the turn (default: current directory)")
	f.StringVarP(&runModel, "model", "m", "", "Model override")
	f.StringVar(&runProvider, "provider", "", "Configured provider id for the rpc engine")
	f.StringArrayVar(&runImages, "image", nil, "Image URL or upload id; repeatable")
	f.BoolVar(&runJSON, "json", false, "Write events as JSON lines even on a terminal")
	f.BoolVar(&runReasoning, "reasoning", false, "Print reasoning to stderr on a terminal")
}

func readPrompt(args []string, stdin io.Reader) (string, error) {
	if len(args) > 0 {
		return strings.Join(args, " "), nil
	}
	if f, ok := stdin.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		return "", errors.New("no prompt: pass it as arguments or on stdin")
	}
	b, err := io.ReadAll(stdin)
	if err != nil {
		return "", fmt.Errorf("read prompt: %w", err)
	}
	prompt := strings.TrimSpace(string(b))
	if prompt == "" {
		return "", errors.New("empty prompt")
	}
	return prompt, nil
}

func buildRequest(prompt string) (task.Request, error) {
	cwd := runCwd
	if cwd == "" {
		wd, err := os.Getwd()
		if err != nil {
			return task.Request{}, err
		}
		cwd = wd
	}
	id := runTaskID
	if id == "" {
		id = ulid.Make().String()
	}
	req := task.Request{
		TaskID:    id,
		ContextID: runContextID,
		Cwd:       cwd,
		Engine:    task.Engine(runEngine),
		Text:      prompt,
		Model:     runModel,
	}
	for _, img := range runImages {
		req.Images = append(req.Images, imageRef(img))
	}
	if runProvider != "" {
		req.Provider = &task.Provider{ID: runProvider}
	}
	return req, req.Validate()
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
