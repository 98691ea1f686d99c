package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// apiClient talks to a running daemon's HTTP API.
type apiClient struct {
	baseURL string
	http    *http.Client
}

func newAPIClient(baseURL string) *apiClient {
	return &apiClient{baseURL: strings.TrimRight(baseURL, "/"), http: &http.Client{Timeout: 10 * time.Minute}}
}

// apiError is a non-2xx answer from the daemon.
type apiError struct {
	Status int
	Code   string
	Msg    string
}

func (e *apiError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%s, HTTP %d)", e.Msg, e.Code, e.Status)
	}
	return fmt.Sprintf("%s (HTTP %d)", e.Msg, e.Status)
}

// do sends body as JSON and decodes the JSON answer. Status codes >= 400
// become an *apiError.
func (c *apiClient) do(ctx context.Context, method, path string, body any) (int, map[string]any, error) {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, nil, err
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return 0, nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("is the daemon running? %w", err)
	}
	defer resp.Body.Close()

	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil && err != io.EOF {
		return resp.StatusCode, nil, fmt.Errorf("decode response: %w", err)
	}
	if resp.StatusCode >= 400 {
		e := &apiError{Status: resp.StatusCode, Msg: http.StatusText(resp.StatusCode)}
		if msg, ok := out["error"].(string); ok {
			e.Msg = msg
		}
		if code, ok := out["code"].(string); ok {
			e.Code = code
		}
		return resp.StatusCode, out, e
	}
	return resp.StatusCode, out, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newRunCmd(a *app) *cobra.Command {
	var (
		inputs     []string
		inputsJSON string
		projectID  string
		sessionID  string
	)
	cmd := &cobra.Command{
		Use:   "run <pipeline>",
		Short: "Run a pipeline on the daemon",
		Example: `  stepgate run deploy --input env=prod --input replicas=3
  stepgate run deploy --inputs '{"env": "prod"}'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			parsed, err := parseInputs(inputsJSON, inputs)
			if err != nil {
				return err
			}
			client := newAPIClient(a.cfg.BaseURL)
			status, out, err := client.do(cmd.Context(), http.MethodPost, "/api/pipelines/run", map[string]any{
				"name":       args[0],
				"inputs":     parsed,
				"project_id": projectID,
				"session_id": sessionID,
			})
			if out != nil {
				if perr := printJSON(cmd.OutOrStdout(), out); perr != nil {
					return perr
				}
			}
			if err != nil {
				return err
			}
			if status == http.StatusAccepted {
				fmt.Fprintf(cmd.ErrOrStderr(), "waiting for approval: stepgate approve %v\n", out["token"])
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringArrayVar(&inputs, "input", nil, "input as key=value; JSON values are decoded (repeatable)")
	f.StringVar(&inputsJSON, "inputs", "", "inputs as a JSON object")
	f.StringVar(&projectID, "project", "", "project id")
	f.StringVar(&sessionID, "session", "", "session id")
	return cmd
}

// parseInputs merges a JSON object with key=value pairs, pairs winning.
func parseInputs(raw string, pairs []string) (map[string]any, error) {
	out := map[string]any{}
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &out); err != nil {
			return nil, fmt.Errorf("--inputs: %w", err)
		}
	}
	for _, p := range pairs {
		key, val, ok := strings.Cut(p, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("--input %q: want key=value", p)
		}
		var decoded any
		if err := json.Unmarshal([]byte(val), &decoded); err == nil {
			out[key] = decoded
		} else {
			out[key] = val
		}
	}
	return out, nil
}

func newApproveCmd(a *app) *cobra.Command {
	var by string
	cmd := &cobra.Command{
		Use:   "approve <token>",
		Short: "Approve a waiting pipeline step and resume it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.decide(cmd, "approve", args[0], map[string]any{"approved_by": by})
		},
	}
	cmd.Flags().StringVar(&by, "by", "cli", "approver name")
	return cmd
}

func newRejectCmd(a *app) *cobra.Command {
	var by string
	cmd := &cobra.Command{
		Use:   "reject <token>",
		Short: "Reject a waiting pipeline step, cancelling the execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.decide(cmd, "reject", args[0], map[string]any{"rejected_by": by})
		},
	}
	cmd.Flags().StringVar(&by, "by", "cli", "rejecter name")
	return cmd
}

func (a *app) decide(cmd *cobra.Command, verb, token string, body map[string]any) error {
	client := newAPIClient(a.cfg.BaseURL)
	_, out, err := client.do(cmd.Context(), http.MethodPost, "/api/pipelines/"+verb+"/"+url.PathEscape(token), body)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), out)
}

func newStatusCmd(a *app) *cobra.Command {
	var (
		pipelineName string
		limit        int
	)
	cmd := &cobra.Command{
		Use:   "status [execution-id]",
		Short: "Show an execution, or list recent executions",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(a.cfg.BaseURL)
			var path string
			if len(args) == 1 {
				path = "/api/pipelines/" + url.PathEscape(args[0])
			} else {
				q := url.Values{}
				if pipelineName != "" {
					q.Set("pipeline", pipelineName)
				}
				q.Set("limit", fmt.Sprint(limit))
				path = "/api/executions?" + q.Encode()
			}
			_, out, err := client.do(cmd.Context(), http.MethodGet, path, nil)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().StringVar(&pipelineName, "pipeline", "", "only executions of this pipeline")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum executions to list")
	return cmd
}

func newDiagramCmd(a *app) *cobra.Command {
	var workflowName, session string
	cmd := &cobra.Command{
		Use:   "diagram [execution-id]",
		Short: "Print a Mermaid chart of an execution or a workflow",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var path string
			switch {
			case workflowName != "":
				path = "/api/workflows/" + url.PathEscape(workflowName) + "/diagram"
				if session != "" {
					path += "?session=" + url.QueryEscape(session)
				}
			case len(args) == 1:
				path = "/api/pipelines/" + url.PathEscape(args[0]) + "/diagram"
			default:
				return fmt.Errorf("an execution id or --workflow is required")
			}
			_, out, err := newAPIClient(a.cfg.BaseURL).do(cmd.Context(), http.MethodGet, path, nil)
			if err != nil {
				return err
			}
			chart, _ := out["diagram"].(string)
			_, err = fmt.Fprint(cmd.OutOrStdout(), chart)
			return err
		},
	}
	cmd.Flags().StringVar(&workflowName, "workflow", "", "render this workflow instead of an execution")
	cmd.Flags().StringVar(&session, "session", "", "highlight this session's current step (with --workflow)")
	return cmd
}
