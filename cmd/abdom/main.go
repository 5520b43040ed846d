// Command abdom previews experiment variants on HTML pages and serves the
// preview API.
//
// Usage:
//
//	abdom preview --html page.html --experiments exps.json --assign hero=1 --visible '.hero'
//	abdom serve --config abdom.yaml
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hazyhaar/abdom/domvariant"
	"github.com/hazyhaar/abdom/domvariant/changes"
	"github.com/hazyhaar/abdom/horosafe"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(os.Stdin, os.Stdout, os.Stderr).ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

type rootFlags struct {
	configPath string
	logLevel   string
}

func newRootCmd(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	var flags rootFlags
	root := &cobra.Command{
		Use:          "abdom",
		Short:        "Apply experiment DOM changes and record fair exposures",
		SilenceUsage: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.PersistentFlags().StringVar(&flags.configPath, "config", "", "path to abdom.yaml config file")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "info", "log level: debug, info, warn, error")

	root.AddCommand(newPreviewCmd(&flags, stdin, stdout, stderr))
	root.AddCommand(newServeCmd(&flags, stderr))
	return root
}

func newLogger(level string, w io.Writer) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: l}))
}

func loadConfig(path string) (*domvariant.Config, error) {
	if path == "" {
		return domvariant.DefaultConfig(), nil
	}
	cfg, err := domvariant.LoadConfigFile(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

type previewFlags struct {
	htmlPath        string
	experimentsPath string
	assign          map[string]int
	visible         []string
	url             string
	session         string
	browser         bool
	scrollY         int
	htmlOnly        bool
}

func newPreviewCmd(root *rootFlags, stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	var f previewFlags
	cmd := &cobra.Command{
		Use:   "preview",
		Short: "Render a page with an assignment and report exposures",
		Long: `preview applies the assigned variant of each experiment to the page,
marks the elements matching --visible as in view and prints the transformed
page with the applied changes, placeholders and exposures as JSON.
Use "-" as --html to read the page from stdin.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := newLogger(root.logLevel, stderr)
			cfg, err := loadConfig(root.configPath)
			if err != nil {
				return err
			}

			page, err := readInput(f.htmlPath, stdin, cfg.Server.MaxBody)
			if err != nil {
				return fmt.Errorf("read html: %w", err)
			}
			raw, err := os.ReadFile(f.experimentsPath)
			if err != nil {
				return fmt.Errorf("read experiments: %w", err)
			}
			var exps []changes.Experiment
			if err := json.Unmarshal(raw, &exps); err != nil {
				return fmt.Errorf("decode experiments: %w", err)
			}

			pv := domvariant.NewPreviewer(cfg, domvariant.WithPreviewLogger(logger))
			defer pv.Close()

			res, err := pv.Preview(cmd.Context(), domvariant.PreviewRequest{
				HTML:        string(page),
				URL:         f.url,
				Experiments: exps,
				Assignment:  f.assign,
				Visible:     f.visible,
				Browser:     f.browser,
				ScrollY:     f.scrollY,
				Session:     f.session,
			})
			if err != nil {
				return err
			}
			if f.htmlOnly {
				_, err := io.WriteString(stdout, res.HTML+"\n")
				return err
			}
			enc := json.NewEncoder(stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		},
	}
	cmd.Flags().StringVar(&f.htmlPath, "html", "-", "page markup file, - for stdin")
	cmd.Flags().StringVar(&f.experimentsPath, "experiments", "", "JSON file with the experiments array")
	cmd.Flags().StringToIntVar(&f.assign, "assign", nil, "assignment as experiment=variant pairs")
	cmd.Flags().StringSliceVar(&f.visible, "visible", nil, "selectors treated as in view")
	cmd.Flags().StringVar(&f.url, "url", "", "page URL for variant URL filters")
	cmd.Flags().StringVar(&f.session, "session", "", "event log session")
	cmd.Flags().BoolVar(&f.browser, "browser", false, "measure visibility in Chrome (browser.enabled must be set)")
	cmd.Flags().IntVar(&f.scrollY, "scroll", 0, "vertical scroll offset in Chrome")
	cmd.Flags().BoolVar(&f.htmlOnly, "html-only", false, "print only the transformed page")
	cmd.MarkFlagRequired("experiments")
	return cmd
}

func newServeCmd(root *rootFlags, stderr io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the preview API over HTTP and MCP",
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := newLogger(root.logLevel, stderr)
			cfg, err := loadConfig(root.configPath)
			if err != nil {
				return err
			}
			srv, err := domvariant.NewServer(cfg, logger)
			if err != nil {
				return err
			}
			defer srv.Close()
			if err := srv.ListenAndServe(cmd.Context()); err != nil {
				logger.Error("abdom: fatal", "error", err)
				return err
			}
			return nil
		},
	}
}

// readInput reads the page from path, "-" meaning stdin, up to limit bytes.
func readInput(path string, stdin io.Reader, limit int64) ([]byte, error) {
	if path == "-" || path == "" {
		return horosafe.LimitedReadAll(stdin, limit)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return horosafe.LimitedReadAll(f, limit)
}
