package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/crowsandbox/crow/internal/artifacts"

	"github.com/briandowns/spinner"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

var statusOrder = []string{"Pending", "Running", "Done", "Error"}

func initCmd(profileName *string, ui *ui) *cobra.Command {
	var (
		baseURL  string
		token    string
		noPrompt bool
	)
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize CLI config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, cfgPath, err := loadConfig()
			if err != nil {
				return err
			}
			active := resolveProfileName(*profileName, cfg)
			prof := cfg.Profiles[active]

			if baseURL == "" {
				baseURL = prof.BaseURL
			}
			if baseURL == "" {
				baseURL = "http://localhost:9090"
			}
			if !noPrompt {
				reader := bufio.NewReader(os.Stdin)
				baseURL = prompt(reader, "Base URL", baseURL)
				if token == "" {
					token, err = promptSecret(reader, fmt.Sprintf("Token (%s)", maskToken(prof.Token)))
					if err != nil {
						return err
					}
				}
			}

			prof.BaseURL = strings.TrimSpace(baseURL)
			if token != "" {
				prof.Token = strings.TrimSpace(token)
			}
			cfg.Profiles[active] = prof
			if cfg.CurrentProfile == "" || *profileName != "" {
				cfg.CurrentProfile = active
			}
			if err := saveConfig(cfg, cfgPath); err != nil {
				return err
			}
			fmt.Printf("%s Initialized profile '%s' at %s\n", ui.ok("[OK]"), active, cfgPath)
			fmt.Printf("  %s %s\n  %s %s\n", ui.dim("baseUrl:"), prof.BaseURL, ui.dim("token:"), maskToken(prof.Token))
			return nil
		},
	}
	cmd.Flags().StringVar(&baseURL, "base-url", "", "Base URL of the crow daemon")
	cmd.Flags().StringVar(&token, "token", "", "Bearer token")
	cmd.Flags().BoolVar(&noPrompt, "no-prompt", false, "Do not prompt for values")
	return cmd
}

func submitCmd(baseURL, token *string, ui *ui) *cobra.Command {
	var (
		wait     bool
		interval time.Duration
		timeout  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "submit <file>",
		Short: "Upload an artifact for analysis",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			info, err := artifacts.Inspect(args[0])
			if err != nil {
				return err
			}
			if info.Size == 0 {
				return errors.New("artifact is empty")
			}

			c := newClient(*baseURL, *token)
			bar := progressbar.NewOptions64(info.Size,
				progressbar.OptionSetDescription("Uploading "+info.Hash[:12]),
				progressbar.OptionSetWidth(24),
				progressbar.OptionShowBytes(true),
				progressbar.OptionClearOnFinish(),
				progressbar.OptionSetWriter(os.Stderr),
			)
			status, body, err := c.upload(args[0], bar)
			_ = bar.Finish()
			if err != nil {
				return err
			}
			if status >= 300 {
				return apiError(status, body)
			}
			var job jobResp
			if err := json.Unmarshal(body, &job); err != nil {
				fmt.Println(string(body))
				return nil
			}
			if status == http.StatusOK {
				fmt.Printf("%s Already submitted: %s (%s)\n", ui.warn("[DUP]"), job.ID, ui.status(job.Status))
			} else {
				fmt.Printf("%s Job created: %s\n", ui.ok("[OK]"), job.ID)
			}
			if !wait || job.terminal() {
				return nil
			}

			final, err := waitForJob(c, job.ID, interval, timeout)
			if err != nil {
				return err
			}
			printJob(ui, final)
			if final.Status == "Done" {
				return printReport(c, final.ID)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&wait, "wait", false, "Wait for the job to finish and print its report")
	cmd.Flags().DurationVar(&interval, "interval", 2*time.Second, "Polling interval with --wait")
	cmd.Flags().DurationVar(&timeout, "timeout", 15*time.Minute, "Give up waiting after this long")
	return cmd
}

func waitForJob(c *client, id string, interval, timeout time.Duration) (jobResp, error) {
	spin := spinner.New(spinner.CharSets[14], 120*time.Millisecond)
	spin.Suffix = " Waiting for analysis..."
	spin.Start()
	defer spin.Stop()

	deadline := time.Now().Add(timeout)
	for {
		job, err := c.job(id)
		if err != nil {
			return job, err
		}
		if job.terminal() {
			return job, nil
		}
		spin.Suffix = fmt.Sprintf(" Waiting for analysis... (%s)", job.Status)
		if time.Now().After(deadline) {
			return job, fmt.Errorf("job %s still %s after %s", id, job.Status, timeout)
		}
		time.Sleep(interval)
	}
}

func statusCmd(baseURL, token *string, ui *ui) *cobra.Command {
	return &cobra.Command{
		Use:   "status <id>",
		Short: "Show a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient(*baseURL, *token)
			spin := spinner.New(spinner.CharSets[14], 120*time.Millisecond)
			spin.Suffix = " Fetching job..."
			spin.Start()
			job, err := c.job(args[0])
			spin.Stop()
			if err != nil {
				return err
			}
			printJob(ui, job)
			return nil
		},
	}
}

func reportCmd(baseURL, token *string, ui *ui) *cobra.Command {
	return &cobra.Command{
		Use:   "report <id>",
		Short: "Print the analysis report of a finished job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return printReport(newClient(*baseURL, *token), args[0])
		},
	}
}

func printReport(c *client, id string) error {
	status, body, err := c.get("/v1/crow/jobs/" + url.PathEscape(id) + "/report")
	if err != nil {
		return err
	}
	if status >= 300 {
		return apiError(status, body)
	}
	fmt.Println(prettyJSON(body))
	return nil
}

func statsCmd(baseURL, token *string, ui *ui) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show job counts by status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient(*baseURL, *token)
			status, body, err := c.get("/v1/crow/stats")
			if err != nil {
				return err
			}
			if status >= 300 {
				return apiError(status, body)
			}
			var out struct {
				Jobs map[string]int64 `json:"jobs"`
			}
			if err := json.Unmarshal(body, &out); err != nil {
				fmt.Println(string(body))
				return nil
			}
			fmt.Println(ui.title("Jobs"))
			for _, st := range statusOrder {
				fmt.Printf("  %-8s %d\n", ui.status(st), out.Jobs[st])
			}
			return nil
		},
	}
}

func hashCmd(ui *ui) *cobra.Command {
	return &cobra.Command{
		Use:   "hash <file>",
		Short: "Print the identity crow assigns to a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			info, err := artifacts.Inspect(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("%s  %s\n", info.Hash, args[0])
			fmt.Printf("  %s %d bytes, %s\n", ui.dim("size:"), info.Size, info.MimeType)
			return nil
		},
	}
}

func printJob(ui *ui, j jobResp) {
	fmt.Printf("%s %s\n", ui.title("Job"), j.ID)
	fmt.Printf("  %-10s %s\n", "status", ui.status(j.Status))
	fmt.Printf("  %-10s %s (%d bytes, %s)\n", "artifact", j.ArtifactName, j.ArtifactSize, j.MimeType)
	fmt.Printf("  %-10s %s\n", "sha256", j.ArtifactHash)
	fmt.Printf("  %-10s %s\n", "submitted", j.SubmittedAt.Local().Format(time.RFC3339))
	if j.ClaimedAt != nil {
		fmt.Printf("  %-10s %s\n", "claimed", j.ClaimedAt.Local().Format(time.RFC3339))
	}
	if j.Attempts > 0 {
		fmt.Printf("  %-10s %d\n", "attempts", j.Attempts)
	}
	if j.ErrorDetail != "" {
		fmt.Printf("  %-10s %s\n", "detail", ui.err(j.ErrorDetail))
	}
}
