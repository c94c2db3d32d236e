package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/howard-nolan/evalgate/internal/model"
	"github.com/howard-nolan/evalgate/internal/server"
	"github.com/howard-nolan/evalgate/internal/stream"
)

func evaluateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "evaluate NOTE_FILE",
		Short: "Evaluate a note through a running gateway and print the result",
		Args:  cobra.ExactArgs(1),
		RunE:  runEvaluate,
	}
	f := cmd.Flags()
	f.String("url", "http://localhost:8080", "Gateway base URL")
	f.StringP("user", "u", "", "Caller id sent as "+server.UserHeader+" (required)")
	f.StringP("provider", "p", "gemini", "Provider id")
	f.StringP("model", "m", "", "Model id (empty for the provider default)")
	f.String("subject", "", "Subject id (default: the file name)")
	f.Bool("quiet", false, "Do not echo progress to stderr")
	f.Duration("timeout", 5*time.Minute, "Overall timeout (0 for none)")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func runEvaluate(cmd *cobra.Command, args []string) error {
	f := cmd.Flags()
	base, _ := f.GetString("url")
	user, _ := f.GetString("user")
	providerID, _ := f.GetString("provider")
	modelID, _ := f.GetString("model")
	subject, _ := f.GetString("subject")
	quiet, _ := f.GetBool("quiet")
	timeout, _ := f.GetDuration("timeout")

	content, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading note: %w", err)
	}
	if subject == "" {
		subject = strings.TrimSuffix(filepath.Base(args[0]), filepath.Ext(args[0]))
	}

	body, err := json.Marshal(model.EvaluationRequest{
		ModelID:  modelID,
		Provider: providerID,
		Content:  string(content),
	})
	if err != nil {
		return err
	}

	ctx, cancel := commandContext(cmd, timeout)
	defer cancel()

	endpoint := strings.TrimRight(base, "/") + "/v1/notes/" + url.PathEscape(subject) + "/evaluate"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", stream.ContentType)
	req.Header.Set(server.UserHeader, user)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("calling gateway: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("gateway answered %s: %s", resp.Status, errorMessage(resp.Body))
	}

	c := stream.NewConsumer()
	if !quiet {
		c.OnDelta = func(delta string) {
			fmt.Fprint(cmd.ErrOrStderr(), delta)
		}
	}
	c.Validate = func(raw json.RawMessage) error {
		var fb model.StructuredFeedback
		return json.Unmarshal(raw, &fb)
	}

	readErr := c.Read(ctx, resp.Body)
	if !quiet {
		fmt.Fprintln(cmd.ErrOrStderr())
	}
	if readErr != nil {
		return fmt.Errorf("evaluation %s: %w", c.State(), readErr)
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, c.Result(), "", "  "); err != nil {
		return err
	}
	pretty.WriteByte('\n')
	_, err = pretty.WriteTo(cmd.OutOrStdout())
	return err
}

// errorMessage extracts {"error": ...} from a plain error response.
func errorMessage(r io.Reader) string {
	raw, _ := io.ReadAll(io.LimitReader(r, 64<<10))
	var body struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(raw, &body) == nil && body.Error != "" {
		return body.Error
	}
	return strings.TrimSpace(string(raw))
}
