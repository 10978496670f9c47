package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var (
	serverURL string
	apiKey    string
)

// evalOptions holds the flags of one eval command. eval and eval-file each
// own an instance so their defaults stay independent.
type evalOptions struct {
	language  string
	scopeJSON string
	scopeFile string
	timeLimit int
	version   string
	packages  []string
	stream    bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "safe-eval",
		Short:        "CLI client for the safe-eval server",
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&serverURL, "server", envOr("SAFE_EVAL_SERVER", "http://localhost:8080"), "Server URL")
	root.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("SAFE_EVAL_API_KEY"), "API key")

	evalOpts := &evalOptions{}
	evalCmd := &cobra.Command{
		Use:   "eval [code]",
		Short: "Evaluate code (from the argument or stdin)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEval(cmd, evalOpts, args)
		},
	}
	addEvalFlags(evalCmd, evalOpts, "python")
	root.AddCommand(evalCmd)

	fileOpts := &evalOptions{}
	evalFileCmd := &cobra.Command{
		Use:   "eval-file [file]",
		Short: "Evaluate code from a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEvalFile(cmd, fileOpts, args)
		},
	}
	addEvalFlags(evalFileCmd, fileOpts, "")
	root.AddCommand(evalFileCmd)

	root.AddCommand(&cobra.Command{
		Use:   "health",
		Short: "Check server health",
		RunE:  runHealth,
	})

	root.AddCommand(&cobra.Command{
		Use:   "languages",
		Short: "List supported languages and their default environments",
		RunE:  runLanguages,
	})

	return root
}

func addEvalFlags(cmd *cobra.Command, opts *evalOptions, defaultLang string) {
	f := cmd.Flags()
	f.StringVarP(&opts.language, "language", "l", defaultLang, "Language (python, javascript)")
	f.StringVarP(&opts.scopeJSON, "scope", "s", "", `Scope as a JSON object, e.g. '{"x": 1}'`)
	f.StringVar(&opts.scopeFile, "scope-file", "", "Read the scope JSON object from a file")
	f.IntVarP(&opts.timeLimit, "time-limit", "t", 0, "Time limit in seconds (0 uses the server default)")
	f.StringVar(&opts.version, "version", "", "Interpreter version (default from server config)")
	f.StringSliceVarP(&opts.packages, "package", "p", nil, "Package to install (repeatable)")
	f.BoolVar(&opts.stream, "stream", false, "Stream stdout/stderr while the program runs")
	cmd.MarkFlagsMutuallyExclusive("scope", "scope-file")
}

func runEval(cmd *cobra.Command, opts *evalOptions, args []string) error {
	var code string

	if len(args) > 0 {
		code = args[0]
	} else {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return fmt.Errorf("reading stdin: %w", err)
		}
		code = string(data)
	}

	return evaluate(cmd.OutOrStdout(), cmd.ErrOrStderr(), opts, code, opts.language)
}

func runEvalFile(cmd *cobra.Command, opts *evalOptions, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading file: %w", err)
	}

	lang := opts.language
	if lang == "" {
		lang, err = detectLanguage(args[0])
		if err != nil {
			return err
		}
	}

	return evaluate(cmd.OutOrStdout(), cmd.ErrOrStderr(), opts, string(data), lang)
}

func detectLanguage(path string) (string, error) {
	switch ext := filepath.Ext(path); ext {
	case ".py":
		return "python", nil
	case ".js", ".mjs":
		return "javascript", nil
	default:
		return "", fmt.Errorf("cannot detect language for extension %q, use --language flag", ext)
	}
}

func loadScope(opts *evalOptions) (map[string]any, error) {
	raw := []byte(opts.scopeJSON)
	if opts.scopeFile != "" {
		data, err := os.ReadFile(opts.scopeFile)
		if err != nil {
			return nil, fmt.Errorf("reading scope file: %w", err)
		}
		raw = data
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}

	var scope map[string]any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&scope); err != nil {
		return nil, fmt.Errorf("scope must be a JSON object: %w", err)
	}
	return scope, nil
}

// errEvaluationFailed makes the process exit non-zero after the server's
// failure body has been printed.
var errEvaluationFailed = errors.New("evaluation failed")

func evaluate(out, errOut io.Writer, opts *evalOptions, code, lang string) error {
	scope, err := loadScope(opts)
	if err != nil {
		return err
	}

	payload := map[string]any{
		"code":     code,
		"language": lang,
		"scope":    scope,
	}
	if opts.timeLimit > 0 {
		payload["time_limit"] = opts.timeLimit
	}
	if opts.version != "" {
		payload["version"] = opts.version
	}
	if len(opts.packages) > 0 {
		payload["packages"] = opts.packages
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}

	path := "/evaluate"
	if opts.stream {
		path = "/evaluate/stream"
	}
	req, err := http.NewRequest(http.MethodPost, serverURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}

	// Provisioning builds an image, so allow well beyond the time limit.
	client := &http.Client{Timeout: 10 * time.Minute}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	var result map[string]any
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		result, err = readStream(resp.Body, out, errOut)
	} else {
		err = json.NewDecoder(resp.Body).Decode(&result)
	}
	if err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}

	formatted, _ := json.MarshalIndent(result, "", "  ")
	fmt.Fprintln(out, string(formatted))

	if _, failed := result["code"]; failed || resp.StatusCode >= 400 {
		return errEvaluationFailed
	}
	return nil
}

// readStream copies stdout/stderr events to the terminal and returns the
// body of the final done event.
func readStream(r io.Reader, stdout, stderr io.Writer) (map[string]any, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4<<20)

	var event string
	var data []string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = append(data, strings.TrimPrefix(line, "data: "))
		case line == "":
			payload := strings.Join(data, "\n")
			switch event {
			case "stdout":
				io.WriteString(stdout, payload)
			case "stderr":
				io.WriteString(stderr, payload)
			case "done":
				var result map[string]any
				if err := json.Unmarshal([]byte(payload), &result); err != nil {
					return nil, err
				}
				return result, nil
			}
			event, data = "", nil
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return nil, errors.New("stream ended without a done event")
}

func runHealth(_ *cobra.Command, _ []string) error {
	return getAndPrint("/health", 10*time.Second)
}

func runLanguages(_ *cobra.Command, _ []string) error {
	return getAndPrint("/languages", 10*time.Second)
}

func getAndPrint(path string, timeout time.Duration) error {
	req, err := http.NewRequest(http.MethodGet, serverURL+path, nil)
	if err != nil {
		return err
	}
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}

	client := &http.Client{Timeout: timeout}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	var result any
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	formatted, _ := json.MarshalIndent(result, "", "  ")
	fmt.Println(string(formatted))
	if resp.StatusCode >= 400 {
		return fmt.Errorf("server returned %s", resp.Status)
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
