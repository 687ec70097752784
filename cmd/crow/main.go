package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"
)

type client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

type jobResp struct {
	ID           string     `json:"id"`
	ArtifactName string     `json:"artifactName"`
	ArtifactHash string     `json:"artifactHash"`
	ArtifactSize int64      `json:"artifactSize"`
	MimeType     string     `json:"mimeType"`
	Status       string     `json:"status"`
	SubmittedAt  time.Time  `json:"submittedAt"`
	ClaimedAt    *time.Time `json:"claimedAt"`
	Attempts     int        `json:"attempts"`
	ErrorDetail  string     `json:"errorDetail"`
}

func (j jobResp) terminal() bool {
	return j.Status == "Done" || j.Status == "Error"
}

type ui struct {
	title func(a ...any) string
	ok    func(a ...any) string
	info  func(a ...any) string
	warn  func(a ...any) string
	err   func(a ...any) string
	dim   func(a ...any) string
}

type profile struct {
	BaseURL string `yaml:"baseUrl"`
	Token   string `yaml:"token"`
}

type cliConfig struct {
	CurrentProfile string             `yaml:"currentProfile"`
	Profiles       map[string]profile `yaml:"profiles"`
}

func newUI() *ui {
	return &ui{
		title: color.New(color.FgHiCyan, color.Bold).SprintFunc(),
		ok:    color.New(color.FgGreen, color.Bold).SprintFunc(),
		info:  color.New(color.FgCyan).SprintFunc(),
		warn:  color.New(color.FgYellow).SprintFunc(),
		err:   color.New(color.FgRed, color.Bold).SprintFunc(),
		dim:   color.New(color.FgHiBlack).SprintFunc(),
	}
}

func (u *ui) status(s string) string {
	switch s {
	case "Done":
		return u.ok(s)
	case "Error":
		return u.err(s)
	case "Running":
		return u.info(s)
	default:
		return u.warn(s)
	}
}

func newClient(baseURL, token string) *client {
	return &client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: 5 * time.Minute},
	}
}

func (c *client) do(req *http.Request) (int, []byte, error) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	out, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, out, nil
}

func (c *client) get(path string) (int, []byte, error) {
	req, err := http.NewRequest(http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return 0, nil, err
	}
	return c.do(req)
}

func (c *client) job(id string) (jobResp, error) {
	var out jobResp
	status, body, err := c.get("/v1/crow/jobs/" + url.PathEscape(id))
	if err != nil {
		return out, err
	}
	if status >= 300 {
		return out, apiError(status, body)
	}
	return out, json.Unmarshal(body, &out)
}

// upload streams path as a multipart "file" field, reporting progress on bar.
func (c *client) upload(path string, bar *progressbar.ProgressBar) (int, []byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, nil, err
	}
	defer f.Close()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		part, err := mw.CreateFormFile("file", filepath.Base(path))
		if err == nil {
			_, err = io.Copy(io.MultiWriter(part, bar), f)
		}
		if err == nil {
			err = mw.Close()
		}
		pw.CloseWithError(err)
	}()

	req, err := http.NewRequest(http.MethodPost, c.baseURL+"/v1/crow/jobs", pr)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return c.do(req)
}

func apiError(status int, body []byte) error {
	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &e) == nil && e.Error != "" {
		return fmt.Errorf("error (%d): %s", status, e.Error)
	}
	return fmt.Errorf("error (%d): %s", status, strings.TrimSpace(string(body)))
}

func main() {
	baseURL := getenv("CROW_BASE_URL", "http://localhost:9090")
	token := getenv("CROW_TOKEN", "")
	profileName := getenv("CROW_PROFILE", "")
	ui := newUI()

	root := &cobra.Command{
		Use:   "crow",
		Short: "crow CLI",
		Long:  "crow CLI for submitting artifacts to the sandbox and reading their reports.",
	}
	root.SetHelpTemplate(helpTemplate(ui))
	root.SilenceUsage = true

	root.PersistentFlags().StringVar(&baseURL, "base-url", baseURL, "Base URL of the crow daemon")
	root.PersistentFlags().StringVar(&token, "token", token, "Bearer token")
	root.PersistentFlags().StringVar(&profileName, "profile", profileName, "Config profile")

	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		cfg, _, _ := loadConfig()
		active := resolveProfileName(profileName, cfg)
		prof := cfg.Profiles[active]

		flags := cmd.Flags()
		if !flags.Changed("base-url") && os.Getenv("CROW_BASE_URL") == "" && prof.BaseURL != "" {
			baseURL = prof.BaseURL
		}
		if !flags.Changed("token") && os.Getenv("CROW_TOKEN") == "" && prof.Token != "" {
			token = prof.Token
		}
		if profileName == "" {
			profileName = active
		}
		return nil
	}

	root.AddCommand(initCmd(&profileName, ui))
	root.AddCommand(submitCmd(&baseURL, &token, ui))
	root.AddCommand(statusCmd(&baseURL, &token, ui))
	root.AddCommand(reportCmd(&baseURL, &token, ui))
	root.AddCommand(statsCmd(&baseURL, &token, ui))
	root.AddCommand(hashCmd(ui))

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, ui.err("[ERROR]"), err.Error())
		os.Exit(1)
	}
}

func getenv(k, def string) string {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		return v
	}
	return def
}

func helpTemplate(ui *ui) string {
	title := ui.title("crow")
	return fmt.Sprintf(`%s: sandboxed artifact analysis

Usage:
  {{.UseLine}}

Commands:
{{range .Commands}}{{if (or .IsAvailableCommand .IsAdditionalHelpTopicCommand)}}
  {{rpad .Name .NamePadding }} {{.Short}}{{end}}{{end}}

Flags:
  {{.LocalFlags.FlagUsages | trimTrailingWhitespaces}}

Global Flags:
  {{.InheritedFlags.FlagUsages | trimTrailingWhitespaces}}

Config:
  %s

Examples:
  crow init
  crow submit ./sample.exe --wait
  crow status 3f0c9a4e-...
  crow report 3f0c9a4e-...
  crow hash ./sample.exe

`, title, configPath())
}

func configPath() string {
	if v := strings.TrimSpace(os.Getenv("CROW_CONFIG_DIR")); v != "" {
		return filepath.Join(v, "config.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "./config.yaml"
	}
	return filepath.Join(home, ".crow", "config.yaml")
}

func loadConfig() (cliConfig, string, error) {
	path := configPath()
	var cfg cliConfig
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cliConfig{Profiles: map[string]profile{}}, path, nil
		}
		return cfg, path, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, path, err
	}
	if cfg.Profiles == nil {
		cfg.Profiles = map[string]profile{}
	}
	return cfg, path, nil
}

func saveConfig(cfg cliConfig, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func resolveProfileName(flag string, cfg cliConfig) string {
	if strings.TrimSpace(flag) != "" {
		return strings.TrimSpace(flag)
	}
	if cfg.CurrentProfile != "" {
		return cfg.CurrentProfile
	}
	return "default"
}

func prompt(r *bufio.Reader, label, def string) string {
	if def != "" {
		fmt.Printf("%s [%s]: ", label, def)
	} else {
		fmt.Printf("%s: ", label)
	}
	line, _ := r.ReadString('\n')
	line = strings.TrimSpace(line)
	if line == "" {
		return def
	}
	return line
}

// promptSecret reads a line without echo when stdin is a terminal.
func promptSecret(r *bufio.Reader, label string) (string, error) {
	fmt.Printf("%s: ", label)
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		line, err := r.ReadString('\n')
		if err != nil && err != io.EOF {
			return "", err
		}
		return strings.TrimSpace(line), nil
	}
	b, err := term.ReadPassword(fd)
	fmt.Println()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}

func maskToken(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return "<unset>"
	}
	if len(v) <= 8 {
		return "****"
	}
	return v[:4] + "..." + v[len(v)-4:]
}

func prettyJSON(b []byte) string {
	var buf bytes.Buffer
	if err := json.Indent(&buf, b, "", "  "); err != nil {
		return string(b)
	}
	return buf.String()
}
