package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/kalambet/crate/internal/api"
	"github.com/kalambet/crate/internal/batch"
	"github.com/kalambet/crate/internal/cluster"
	"github.com/kalambet/crate/internal/config"
	"github.com/kalambet/crate/internal/library"
	"github.com/kalambet/crate/internal/query"
	"github.com/kalambet/crate/internal/storage"
)

// --- classify ---

var classifyCmd = &cobra.Command{
	Use:   "classify <path>...",
	Short: "Classify audio files",
	Long: `Classify audio files by category and mood.

Directories are expanded to the supported audio files they contain.

Examples:
  crate classify kick.wav snare.wav
  crate classify --deep ./loops
  crate classify --deep --workers 1 --session 3f2a... ./vocals`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		deep, _ := cmd.Flags().GetBool("deep")
		batchSize, _ := cmd.Flags().GetInt("batch-size")
		workers, _ := cmd.Flags().GetInt("workers")
		session, _ := cmd.Flags().GetString("session")
		noWait, _ := cmd.Flags().GetBool("no-wait")

		paths, err := expandPaths(args)
		if err != nil {
			return err
		}
		if len(paths) == 0 {
			return fmt.Errorf("no supported audio files found")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		req := batch.Request{
			Paths:      paths,
			UseDeep:    deep,
			BatchSize:  batchSize,
			MaxWorkers: workers,
			SessionID:  session,
		}
		var run api.RunResponse
		if err := client.postJSON(cmd.Context(), "/runs", req, &run); err != nil {
			return err
		}
		return afterStart(cmd.Context(), client, run, noWait)
	},
}

// expandPaths makes args absolute and replaces directories with the audio
// files found under them.
func expandPaths(args []string) ([]string, error) {
	var out []string
	for _, a := range args {
		abs, err := filepath.Abs(a)
		if err != nil {
			return nil, err
		}
		fi, err := os.Stat(abs)
		if err != nil {
			return nil, err
		}
		if !fi.IsDir() {
			out = append(out, abs)
			continue
		}
		found, err := library.Scan(abs)
		if err != nil {
			return nil, fmt.Errorf("scanning %s: %w", a, err)
		}
		out = append(out, found...)
	}
	return out, nil
}

func afterStart(ctx context.Context, client *apiClient, run api.RunResponse, noWait bool) error {
	if noWait {
		printSuccess("Started run %s (%d files)", run.ID, run.Total)
		return nil
	}
	printStep("Run %s: %d files", run.ID, run.Total)
	res, err := followRun(ctx, client, run, os.Stderr)
	if err != nil {
		return err
	}
	printResult(os.Stdout, res)
	if !res.Success {
		return fmt.Errorf("run %s finished with status %s", run.ID, res.Status)
	}
	return nil
}

func init() {
	classifyCmd.Flags().Bool("deep", false, "run acoustic analysis")
	classifyCmd.Flags().Int("batch-size", 0, "files per batch (0 uses the server default)")
	classifyCmd.Flags().Int("workers", 0, "concurrent workers per batch (0 uses the server default)")
	classifyCmd.Flags().String("session", "", "session id to record the samples under")
	classifyCmd.Flags().Bool("no-wait", false, "return as soon as the run is accepted")
}

// --- import ---

var importCmd = &cobra.Command{
	Use:   "import <dir>",
	Short: "Import a folder into a new session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		deep, _ := cmd.Flags().GetBool("deep")
		label, _ := cmd.Flags().GetString("label")
		noWait, _ := cmd.Flags().GetBool("no-wait")

		dir, err := filepath.Abs(args[0])
		if err != nil {
			return err
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		var run api.RunResponse
		req := api.ImportRequest{Dir: dir, Label: label, UseDeep: deep}
		if err := client.postJSON(cmd.Context(), "/import", req, &run); err != nil {
			return err
		}
		printSuccess("Created session %s", run.SessionID)
		return afterStart(cmd.Context(), client, run, noWait)
	},
}

func init() {
	importCmd.Flags().Bool("deep", false, "run acoustic analysis")
	importCmd.Flags().String("label", "", "session label (defaults to the folder name)")
	importCmd.Flags().Bool("no-wait", false, "return as soon as the run is accepted")
}

// --- watch ---

var watchCmd = &cobra.Command{
	Use:   "watch [dir]",
	Short: "Watch a folder and classify new files as they appear",
	Long: `Watch a folder and classify new files as they appear.

Without arguments, lists the folders the server is watching.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		if len(args) == 0 {
			var resp struct {
				Dirs []string `json:"dirs"`
			}
			if err := client.getJSON(cmd.Context(), "/watch", &resp); err != nil {
				return err
			}
			if len(resp.Dirs) == 0 {
				fmt.Println("No folders watched.")
			}
			for _, d := range resp.Dirs {
				fmt.Println(d)
			}
			return nil
		}

		deep, _ := cmd.Flags().GetBool("deep")
		dir, err := filepath.Abs(args[0])
		if err != nil {
			return err
		}
		if err := client.postJSON(cmd.Context(), "/watch", api.WatchRequest{Dir: dir, UseDeep: deep}, nil); err != nil {
			return err
		}
		printSuccess("Watching %s", dir)
		return nil
	},
}

func init() {
	watchCmd.Flags().Bool("deep", false, "run acoustic analysis on new files")
}

// --- runs ---

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List, inspect and cancel classification runs",
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var jobs []batch.Job
		if err := client.getJSON(cmd.Context(), "/runs", &jobs); err != nil {
			return err
		}
		return writeRunTable(os.Stdout, jobs)
	},
}

func writeRunTable(w io.Writer, jobs []batch.Job) error {
	if len(jobs) == 0 {
		fmt.Fprintln(w, "No runs.")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tFILES\tFAILED\tPROGRESS\tMODE\tSTARTED")
	for _, j := range jobs {
		mode := "quick"
		if j.UseDeep {
			mode = "deep"
		}
		fmt.Fprintf(tw, "%s\t%s\t%d/%d\t%d\t%.0f%%\t%s\t%s\n",
			j.ID, j.Status, j.ProcessedFiles, j.TotalFiles, j.FailedFiles, j.Progress, mode,
			j.StartedAt.Local().Format("2006-01-02 15:04:05"))
	}
	return tw.Flush()
}

var runsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a run and, once finished, its result",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var job batch.Job
		if err := client.getJSON(cmd.Context(), "/runs/"+url.PathEscape(args[0]), &job); err != nil {
			return err
		}
		printStatus("Run", "%s", job.ID)
		printStatus("Status", "%s (%.0f%%)", job.Status, job.Progress)
		printStatus("Files", "%d of %d processed, %d failed, %d skipped",
			job.ProcessedFiles, job.TotalFiles, job.FailedFiles, job.SkippedFiles)
		if job.SessionID != "" {
			printStatus("Session", "%s", job.SessionID)
		}
		if job.Message != "" {
			printStatus("Message", "%s", job.Message)
		}
		if !job.Status.Terminal() {
			return nil
		}
		var res batch.Result
		if err := client.getJSON(cmd.Context(), "/runs/"+url.PathEscape(job.ID)+"/result", &res); err != nil {
			return err
		}
		printResult(os.Stdout, res)
		return nil
	},
}

var runsCancelCmd = &cobra.Command{
	Use:   "cancel <id>",
	Short: "Stop dispatching new files for a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), "/runs/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, nil); err != nil {
			return err
		}
		printSuccess("Cancelling run %s", args[0])
		return nil
	},
}

func init() {
	runsCmd.AddCommand(runsListCmd, runsShowCmd, runsCancelCmd)
}

// --- samples ---

var samplesCmd = &cobra.Command{
	Use:   "samples [id]",
	Short: "List samples, or show one sample in full",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		session, _ := cmd.Flags().GetString("session")
		asJSON, _ := cmd.Flags().GetBool("json")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		if len(args) == 1 {
			var s storage.Sample
			if err := client.getJSON(cmd.Context(), "/samples/"+url.PathEscape(args[0]), &s); err != nil {
				return err
			}
			return printJSON(os.Stdout, s)
		}

		var samples []storage.Sample
		if err := client.getJSON(cmd.Context(), withSession("/samples", session, nil), &samples); err != nil {
			return err
		}
		if asJSON {
			return printJSON(os.Stdout, samples)
		}
		rows := make([]sampleRow, len(samples))
		for i, s := range samples {
			rows[i] = sampleRow{sample: s}
		}
		return writeSampleTable(os.Stdout, rows, "")
	},
}

func init() {
	samplesCmd.Flags().String("session", "", "restrict to one session")
	samplesCmd.Flags().Bool("json", false, "print JSON")
}

// --- similar ---

var similarCmd = &cobra.Command{
	Use:   "similar <id>",
	Short: "Find samples that sound like a reference sample",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		k, _ := cmd.Flags().GetInt("top")
		session, _ := cmd.Flags().GetString("session")
		asJSON, _ := cmd.Flags().GetBool("json")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		matches, err := fetchSimilar(cmd.Context(), client, args[0], session, k)
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(os.Stdout, matches)
		}
		if len(matches) == 0 {
			fmt.Println("No comparable samples.")
			return nil
		}
		rows := make([]sampleRow, len(matches))
		for i, m := range matches {
			rows[i] = sampleRow{sample: m.Sample, score: m.Similarity}
		}
		return writeSampleTable(os.Stdout, rows, "similarity")
	},
}

func fetchSimilar(ctx context.Context, client *apiClient, id, session string, k int) ([]api.SimilarSample, error) {
	extra := url.Values{}
	if k > 0 {
		extra.Set("k", strconv.Itoa(k))
	}
	var resp struct {
		Samples []api.SimilarSample `json:"samples"`
	}
	path := withSession("/samples/"+url.PathEscape(id)+"/similar", session, extra)
	if err := client.getJSON(ctx, path, &resp); err != nil {
		return nil, err
	}
	return resp.Samples, nil
}

func init() {
	similarCmd.Flags().IntP("top", "k", 10, "number of results")
	similarCmd.Flags().String("session", "", "restrict candidates to one session")
	similarCmd.Flags().Bool("json", false, "print JSON")
}

// --- search ---

var searchCmd = &cobra.Command{
	Use:   "search <query>...",
	Short: "Search samples by description",
	Long: `Search samples by a free-text description.

Examples:
  crate search dark pad
  crate search --limit 5 "punchy kick"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		session, _ := cmd.Flags().GetString("session")
		asJSON, _ := cmd.Flags().GetBool("json")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		matches, err := search(cmd.Context(), client, strings.Join(args, " "), session, limit)
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(os.Stdout, matches)
		}
		if len(matches) == 0 {
			fmt.Println("No matches.")
			return nil
		}
		rows := make([]sampleRow, len(matches))
		for i, m := range matches {
			rows[i] = sampleRow{sample: m.Sample, score: m.Score}
		}
		return writeSampleTable(os.Stdout, rows, "score")
	},
}

func search(ctx context.Context, client *apiClient, q, session string, limit int) ([]query.Match, error) {
	var resp struct {
		Results []query.Match `json:"results"`
	}
	req := api.SearchRequest{Query: q, Session: session, Limit: limit}
	if err := client.postJSON(ctx, "/search", req, &resp); err != nil {
		return nil, err
	}
	return resp.Results, nil
}

func init() {
	searchCmd.Flags().Int("limit", 10, "maximum number of results")
	searchCmd.Flags().String("session", "", "restrict to one session")
	searchCmd.Flags().Bool("json", false, "print JSON")
}

// --- sessions ---

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List or delete sessions",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var sessions []storage.Session
		if err := client.getJSON(cmd.Context(), "/sessions", &sessions); err != nil {
			return err
		}
		if len(sessions) == 0 {
			fmt.Println("No sessions.")
			return nil
		}
		tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tLABEL\tSAMPLES\tCREATED")
		for _, s := range sessions {
			fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", s.ID, s.Label, s.SampleCount, s.CreatedAt.Local().Format("2006-01-02 15:04"))
		}
		return tw.Flush()
	},
}

var sessionsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a session (its samples stay in the library)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), "/sessions/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, nil); err != nil {
			return err
		}
		printSuccess("Deleted session %s", args[0])
		return nil
	},
}

func init() {
	sessionsCmd.AddCommand(sessionsListCmd, sessionsDeleteCmd)
}

// --- cluster ---

var clusterCmd = &cobra.Command{
	Use:   "cluster",
	Short: "Group analysed samples into clusters of similar sound",
	RunE: func(cmd *cobra.Command, args []string) error {
		k, _ := cmd.Flags().GetInt("clusters")
		session, _ := cmd.Flags().GetString("session")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		extra := url.Values{}
		extra.Set("k", strconv.Itoa(k))
		var resp struct {
			Groups []cluster.Group `json:"groups"`
		}
		if err := client.getJSON(cmd.Context(), withSession("/clusters", session, extra), &resp); err != nil {
			return err
		}
		if len(resp.Groups) == 0 {
			fmt.Println("No analysed samples to cluster. Run classify with --deep first.")
			return nil
		}
		for _, g := range resp.Groups {
			fmt.Printf("%s  (%d samples, %s, %s)\n", colorize(colorBold, g.Label), len(g.Members), g.Category, g.Mood)
			for _, id := range g.Members {
				fmt.Printf("  %s\n", id)
			}
		}
		return nil
	},
}

func init() {
	clusterCmd.Flags().IntP("clusters", "k", 8, "number of clusters")
	clusterCmd.Flags().String("session", "", "restrict to one session")
}

// --- export ---

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export a manifest of the library or a session",
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")
		output, _ := cmd.Flags().GetString("output")
		session, _ := cmd.Flags().GetString("session")

		switch library.Format(format) {
		case library.FormatJSON, library.FormatYAML:
		default:
			return fmt.Errorf("unknown format %q (want json or yaml)", format)
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		var w io.Writer = os.Stdout
		if output != "" {
			f, err := os.Create(output)
			if err != nil {
				return fmt.Errorf("creating %s: %w", output, err)
			}
			defer f.Close()
			w = f
		}

		extra := url.Values{}
		extra.Set("format", format)
		if err := exportManifest(cmd.Context(), client, withSession("/export", session, extra), w); err != nil {
			return err
		}
		if output != "" {
			printSuccess("Wrote %s", output)
		}
		return nil
	},
}

// exportManifest streams the manifest body into w.
func exportManifest(ctx context.Context, client *apiClient, path string, w io.Writer) error {
	resp, err := client.get(ctx, path)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return decodeJSON(resp, nil)
	}
	defer resp.Body.Close()
	_, err = io.Copy(w, resp.Body)
	return err
}

func init() {
	exportCmd.Flags().String("format", "json", "manifest format: json or yaml")
	exportCmd.Flags().StringP("output", "o", "", "write to a file instead of stdout")
	exportCmd.Flags().String("session", "", "export one session only")
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		for _, k := range config.ShowAll(cfg) {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: `Set a configuration value.

Valid keys:
  ` + strings.Join(config.ValidKeys(), "\n  "),
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]
		if err := config.SetKey(key, value); err != nil {
			return err
		}
		printSuccess("Set %s", key)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd, configSetCmd)
}

// withSession appends the session filter and any extra query values to path.
func withSession(path, session string, extra url.Values) string {
	q := url.Values{}
	for k, v := range extra {
		q[k] = v
	}
	if session != "" {
		q.Set("session", session)
	}
	if len(q) == 0 {
		return path
	}
	return path + "?" + q.Encode()
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printResult(w io.Writer, res batch.Result) {
	fmt.Fprintf(w, "%s: %d classified, %d skipped, %d failed\n",
		res.Status, len(res.Samples), len(res.Skipped), len(res.Errors))
	if res.Message != "" {
		fmt.Fprintf(w, "  %s\n", res.Message)
	}
	if res.Cancelled {
		fmt.Fprintf(w, "  cancelled; %d files were not started\n", len(res.NotStarted))
	}
	for _, e := range res.Errors {
		fmt.Fprintf(w, "  %s %s: %s\n", colorize(colorRed, "✗"), e.File, e.Reason)
	}
}
