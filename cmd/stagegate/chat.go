package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rendis/stagegate/internal/engine"
	"github.com/rendis/stagegate/pkg/schema"
)

// chatBackend runs one streamed step. The in-process backend drives the
// engine directly; the remote one talks NDJSON to a running server.
type chatBackend interface {
	start(ctx context.Context, threadID, input string, onToken func(string)) (*schema.Outcome, error)
	resume(ctx context.Context, threadID, feedback string, onToken func(string)) (*schema.Outcome, error)
}

type localBackend struct {
	engine *engine.Engine
}

func (b localBackend) start(ctx context.Context, threadID, input string, onToken func(string)) (*schema.Outcome, error) {
	return drainEvents(b.engine.StreamStart(ctx, threadID, input), onToken)
}

func (b localBackend) resume(ctx context.Context, threadID, feedback string, onToken func(string)) (*schema.Outcome, error) {
	return drainEvents(b.engine.StreamResume(ctx, threadID, feedback), onToken)
}

func drainEvents(events <-chan engine.Event, onToken func(string)) (*schema.Outcome, error) {
	var final engine.Event
	for ev := range events {
		if ev.Kind == engine.EventKindToken {
			onToken(ev.Token)
			continue
		}
		final = ev
	}
	switch final.Kind {
	case engine.EventKindFailed:
		return nil, final.Err
	case engine.EventKindSuspended, engine.EventKindCompleted:
		return final.Outcome, nil
	default:
		return nil, schema.NewError(schema.ErrCodeCancelled, "stream ended without a result")
	}
}

// remoteBackend consumes the /workflow/*/stream NDJSON endpoints.
type remoteBackend struct {
	baseURL string
	client  *http.Client
}

type remoteResponse struct {
	ThreadID         string              `json:"thread_id"`
	Status           schema.ThreadStatus `json:"status"`
	Stage            string              `json:"stage"`
	AgentOutput      string              `json:"agent_output"`
	AgentInstruction string              `json:"agent_instruction"`
	FinalOutput      string              `json:"final_output"`
}

func (r *remoteResponse) outcome() *schema.Outcome {
	out := &schema.Outcome{ThreadID: r.ThreadID, Status: r.Status, Stage: r.Stage, Output: r.FinalOutput}
	if r.Status != schema.ThreadStatusDone {
		out.Suspension = &schema.Suspension{
			Stage:           r.Stage,
			Instruction:     r.AgentInstruction,
			ContentToReview: r.AgentOutput,
		}
	}
	return out
}

type remoteLine struct {
	Token     string          `json:"token"`
	Suspended *remoteResponse `json:"suspended"`
	Completed *remoteResponse `json:"completed"`
	Error     *schema.Error   `json:"error"`
}

func (b remoteBackend) start(ctx context.Context, threadID, input string, onToken func(string)) (*schema.Outcome, error) {
	return b.post(ctx, "/workflow/start/stream", map[string]any{"initial_query": input, "thread_id": threadID}, onToken)
}

func (b remoteBackend) resume(ctx context.Context, threadID, feedback string, onToken func(string)) (*schema.Outcome, error) {
	return b.post(ctx, "/workflow/chat/stream", map[string]any{"run_id": threadID, "query": feedback}, onToken)
}

func (b remoteBackend) post(ctx context.Context, path string, body any, onToken func(string)) (*schema.Outcome, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(b.baseURL, "/")+path, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := b.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var envelope struct {
			Error *schema.Error `json:"error"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&envelope); err == nil && envelope.Error != nil {
			return nil, envelope.Error
		}
		return nil, fmt.Errorf("server returned %s", resp.Status)
	}

	dec := json.NewDecoder(resp.Body)
	for {
		var line remoteLine
		if err := dec.Decode(&line); err != nil {
			if errors.Is(err, io.EOF) {
				return nil, errors.New("stream ended without a result")
			}
			return nil, fmt.Errorf("decode stream: %w", err)
		}
		switch {
		case line.Error != nil:
			return nil, line.Error
		case line.Suspended != nil:
			return line.Suspended.outcome(), nil
		case line.Completed != nil:
			return line.Completed.outcome(), nil
		case line.Token != "":
			onToken(line.Token)
		}
	}
}

// chatSession is the review loop shared by both backends.
type chatSession struct {
	backend chatBackend
	in      *bufio.Scanner
	out     io.Writer
}

func (c *chatSession) run(ctx context.Context, threadID, input string) error {
	if input == "" {
		fmt.Fprint(c.out, stageStyle.Render("What would you like to build? ")+"\n> ")
		line, ok := c.readLine()
		if !ok {
			return nil
		}
		input = line
	}

	out, err := c.step(ctx, func(onToken func(string)) (*schema.Outcome, error) {
		return c.backend.start(ctx, threadID, input, onToken)
	})
	if err != nil {
		return err
	}

	for !out.Completed() {
		fmt.Fprint(c.out, "> ")
		feedback, ok := c.readLine()
		if !ok {
			fmt.Fprintln(c.out, dimStyle.Render("\nthread "+out.ThreadID+" saved; resume it with `stagegate resume`"))
			return nil
		}
		if strings.TrimSpace(feedback) == "" {
			continue
		}
		next, err := c.step(ctx, func(onToken func(string)) (*schema.Outcome, error) {
			return c.backend.resume(ctx, out.ThreadID, feedback, onToken)
		})
		if err != nil {
			if schema.IsCode(err, schema.ErrCodeModelInvocation) || schema.IsCode(err, schema.ErrCodeCircuitOpen) {
				renderError(c.out, err)
				fmt.Fprintln(c.out, dimStyle.Render("the thread is unchanged; try again"))
				continue
			}
			return err
		}
		out = next
	}
	return nil
}

func (c *chatSession) step(ctx context.Context, run func(onToken func(string)) (*schema.Outcome, error)) (*schema.Outcome, error) {
	var streamed strings.Builder
	out, err := run(func(tok string) {
		streamed.WriteString(tok)
		fmt.Fprint(c.out, tok)
	})
	if streamed.Len() > 0 {
		fmt.Fprintln(c.out)
	}
	if err != nil {
		return nil, err
	}
	// Structured stages stream raw JSON; their rendered review still needs showing.
	renderOutcome(c.out, out, strings.TrimSpace(streamed.String()) == strings.TrimSpace(reviewText(out)))
	return out, ctx.Err()
}

func reviewText(out *schema.Outcome) string {
	if out.Suspension != nil {
		return out.Suspension.ContentToReview
	}
	return out.Output
}

func (c *chatSession) readLine() (string, bool) {
	if !c.in.Scan() {
		return "", false
	}
	return c.in.Text(), true
}

func chatCmd(opts *rootOptions) *cobra.Command {
	var (
		threadID  string
		serverURL string
	)
	cmd := &cobra.Command{
		Use:   "chat [idea]",
		Short: "Run a workflow interactively, streaming each stage",
		Long: `Run a workflow in the terminal. Each stage's output is streamed as it is
generated, then you review it: type "approve" to continue, or describe the
changes you want. With --server the chat talks to a running stagegate serve.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			input := ""
			if len(args) == 1 {
				input = args[0]
			}
			session := &chatSession{
				in:  bufio.NewScanner(cmd.InOrStdin()),
				out: cmd.OutOrStdout(),
			}
			if serverURL != "" {
				session.backend = remoteBackend{baseURL: serverURL, client: http.DefaultClient}
				return session.run(ctx, threadID, input)
			}
			return opts.withApp(ctx, func(ctx context.Context, a *app) error {
				session.backend = localBackend{engine: a.engine}
				return session.run(ctx, threadID, input)
			})
		},
	}
	cmd.Flags().StringVar(&threadID, "thread", "", "thread ID for the new workflow (default: generated)")
	cmd.Flags().StringVar(&serverURL, "server", "", "base URL of a running stagegate server")
	return cmd
}
