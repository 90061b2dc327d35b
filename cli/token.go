package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/compozy/taskengine/engine/core"
	"github.com/compozy/taskengine/engine/storage"
	"github.com/compozy/taskengine/engine/worker/credential"
	"github.com/compozy/taskengine/pkg/config"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"github.com/tidwall/pretty"
)

// IssueTokenCmd signs a job credential by hand, for running an agent
// outside the engine while debugging.
func IssueTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "issue-token",
		Short: "Sign a job credential for a driving task",
		RunE:  executeIssueToken,
	}
	cmd.Flags().String("task-id", "", "Driving task ID")
	cmd.Flags().String("job-id", "", "Job ID; a new one is generated when empty")
	cmd.Flags().String("policy", "[]", "Storage access policy as JSON")
	_ = cmd.MarkFlagRequired("task-id")
	return cmd
}

func executeIssueToken(cmd *cobra.Command, _ []string) error {
	cfg := config.FromContext(cmd.Context())
	secret := cfg.Worker.CredentialSecret.Value()
	if secret == "" {
		return errors.New("worker.credential_secret is not configured")
	}
	issuer, err := credential.NewIssuer([]byte(secret), cfg.Docker.PlatformID,
		credential.WithTTL(cfg.Worker.CredentialTTL))
	if err != nil {
		return err
	}
	rawID, _ := cmd.Flags().GetString("task-id")
	taskID, err := core.ParseID(rawID)
	if err != nil {
		return fmt.Errorf("invalid task id: %w", err)
	}
	jobID, _ := cmd.Flags().GetString("job-id")
	if jobID == "" {
		jobID = core.MustNewID().String()
	}
	rawPolicy, _ := cmd.Flags().GetString("policy")
	var policy storage.AccessPolicy
	if err := json.Unmarshal([]byte(rawPolicy), &policy); err != nil {
		return fmt.Errorf("invalid policy: %w", err)
	}
	if err := policy.Validate(); err != nil {
		return fmt.Errorf("invalid policy: %w", err)
	}
	token, err := issuer.Issue(jobID, taskID, policy, nil)
	if err != nil {
		return err
	}
	out := map[string]any{
		"jobId":     jobID,
		"token":     token,
		"expiresIn": issuer.TTL().String(),
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return err
	}
	return writeJSON(cmd.OutOrStdout(), raw)
}

// writeJSON colorizes and indents raw for terminals and leaves it compact
// for pipes.
func writeJSON(w io.Writer, raw []byte) error {
	if f, ok := w.(*os.File); ok && isTerminal(f) {
		raw = pretty.Color(pretty.Pretty(raw), nil)
	} else {
		raw = append(raw, '\n')
	}
	_, err := w.Write(raw)
	return err
}

func isTerminal(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
