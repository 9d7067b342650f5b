package cmd

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/psantana5/qrbatch/pkg/api"
	"github.com/psantana5/qrbatch/pkg/models"
	"github.com/spf13/cobra"
)

var (
	// Job submit flags
	itemsPath     string
	qrType        string
	batchSize     int
	foreground    string
	background    string
	imageSize     int
	recovery      string
	disableBorder bool
	waitForJob    bool

	// Job status flags
	followStatus bool

	// Job list flags
	listStatus string
	listPage   int
	listLimit  int

	// Artifact flags
	artifactFormat string
	artifactOut    string
)

const pollInterval = 2 * time.Second

// jobsCmd represents the jobs command
var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Manage bulk QR jobs",
	Long:  `Commands for submitting, inspecting, cancelling and downloading bulk QR jobs on a running server.`,
}

var jobsSubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a new job",
	Long: `Submit items from a CSV, YAML or JSON file. CSV files are uploaded as-is and
parsed by the server; YAML and JSON files carry an items list and optional options.`,
	RunE: runJobsSubmit,
}

var jobsStatusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Get job status",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsStatus,
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs",
	RunE:  runJobsList,
}

var jobsCancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a queued or processing job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsCancel,
}

var jobsDeleteCmd = &cobra.Command{
	Use:   "delete <job-id>",
	Short: "Delete a job and its stored artifacts",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsDelete,
}

var jobsFetchCmd = &cobra.Command{
	Use:   "fetch <job-id>",
	Short: "Download the manifest or image bundle of a completed job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsFetch,
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsSubmitCmd)
	jobsCmd.AddCommand(jobsStatusCmd)
	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsCancelCmd)
	jobsCmd.AddCommand(jobsDeleteCmd)
	jobsCmd.AddCommand(jobsFetchCmd)

	jobsSubmitCmd.Flags().StringVarP(&itemsPath, "file", "f", "", "items file (.csv, .yaml, .yml or .json)")
	jobsSubmitCmd.Flags().StringVar(&qrType, "type", "", "QR type (url, text, email, phone, wifi, vcard)")
	jobsSubmitCmd.Flags().IntVar(&batchSize, "batch-size", 0, "items per batch (default 100, max 1000)")
	jobsSubmitCmd.Flags().StringVar(&foreground, "foreground", "", "foreground color (#rrggbb)")
	jobsSubmitCmd.Flags().StringVar(&background, "background", "", "background color (#rrggbb)")
	jobsSubmitCmd.Flags().IntVar(&imageSize, "size", 0, "image size in pixels (64-2048)")
	jobsSubmitCmd.Flags().StringVar(&recovery, "recovery-level", "", "error recovery level (L, M, Q, H)")
	jobsSubmitCmd.Flags().BoolVar(&disableBorder, "disable-border", false, "render without the quiet zone")
	jobsSubmitCmd.Flags().BoolVar(&waitForJob, "wait", false, "poll until the job reaches a terminal state")
	jobsSubmitCmd.MarkFlagRequired("file")

	jobsStatusCmd.Flags().BoolVar(&followStatus, "follow", false, "poll job status every 2 seconds until it finishes")

	jobsListCmd.Flags().StringVar(&listStatus, "status", "", "filter by status")
	jobsListCmd.Flags().IntVar(&listPage, "page", 1, "page number")
	jobsListCmd.Flags().IntVar(&listLimit, "limit", 20, "jobs per page")

	jobsFetchCmd.Flags().StringVar(&artifactFormat, "format", "zip", "artifact format: zip or csv")
	jobsFetchCmd.Flags().StringVarP(&artifactOut, "out", "o", "", "output file (default <job-id>-bundle.zip or <job-id>-manifest.csv)")
}

// applyOptionFlags overlays explicitly set flags onto opts
func applyOptionFlags(cmd *cobra.Command, opts *models.JobOptions) {
	f := cmd.Flags()
	if f.Changed("type") {
		opts.Type = qrType
	}
	if f.Changed("batch-size") {
		opts.BatchSize = batchSize
	}
	if f.Changed("foreground") {
		opts.Design.Foreground = foreground
	}
	if f.Changed("background") {
		opts.Design.Background = background
	}
	if f.Changed("size") {
		opts.Design.Size = imageSize
	}
	if f.Changed("recovery-level") {
		opts.Design.RecoveryLevel = recovery
	}
	if f.Changed("disable-border") {
		opts.Design.DisableBorder = disableBorder
	}
}

// uploadQuery encodes options for POST /jobs/upload
func uploadQuery(opts models.JobOptions) string {
	q := url.Values{}
	set := func(k, v string) {
		if v != "" {
			q.Set(k, v)
		}
	}
	set("type", opts.Type)
	set("foreground", opts.Design.Foreground)
	set("background", opts.Design.Background)
	set("recovery_level", opts.Design.RecoveryLevel)
	if opts.BatchSize > 0 {
		q.Set("batch_size", strconv.Itoa(opts.BatchSize))
	}
	if opts.Design.Size > 0 {
		q.Set("size", strconv.Itoa(opts.Design.Size))
	}
	if opts.Design.DisableBorder {
		q.Set("disable_border", "true")
	}
	if len(q) == 0 {
		return ""
	}
	return "?" + q.Encode()
}

func runJobsSubmit(cmd *cobra.Command, args []string) error {
	var req *http.Request

	if isCSV(itemsPath) {
		data, err := os.ReadFile(itemsPath)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", itemsPath, err)
		}
		var opts models.JobOptions
		applyOptionFlags(cmd, &opts)
		req, err = newRequest(http.MethodPost, "/jobs/upload"+uploadQuery(opts), bytes.NewReader(data))
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "text/csv")
	} else {
		f, err := readItemsFile(itemsPath)
		if err != nil {
			return err
		}
		applyOptionFlags(cmd, &f.Options)
		body, err := json.Marshal(api.SubmitRequest{Items: f.Items, Options: f.Options})
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		req, err = newRequest(http.MethodPost, "/jobs", bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
	}

	var result api.SubmitResponse
	if err := doJSON(req, http.StatusAccepted, &result); err != nil {
		return err
	}

	if IsJSONOutput() {
		if err := printJSON(result); err != nil {
			return err
		}
	} else {
		displayJob(result.Job)
		if len(result.RowErrors) > 0 {
			fmt.Printf("\n%d row(s) were skipped:\n", len(result.RowErrors))
			table := tablewriter.NewWriter(os.Stdout)
			table.Header("Row", "Error")
			for _, re := range result.RowErrors {
				table.Append(strconv.Itoa(re.Row), re.Message)
			}
			table.Render()
		}
		fmt.Printf("\nJob %s submitted with %d item(s)\n", result.Job.ID, result.Job.TotalItems)
	}

	if waitForJob {
		return followJob(result.Job.ID)
	}
	return nil
}

func runJobsStatus(cmd *cobra.Command, args []string) error {
	if followStatus {
		return followJob(args[0])
	}
	job, err := fetchJob(args[0])
	if err != nil {
		return err
	}
	if IsJSONOutput() {
		return printJSON(job)
	}
	displayJob(job)
	return nil
}

// followJob polls until the job is terminal
func followJob(id string) error {
	if !IsJSONOutput() {
		fmt.Printf("Following job %s (press Ctrl+C to stop)...\n\n", id)
	}
	last := -1
	for {
		job, err := fetchJob(id)
		if err != nil {
			return err
		}
		if job.Processed != last && !IsJSONOutput() {
			fmt.Printf("%s  %-10s %3d%%  %d/%d processed, %d failed\n",
				time.Now().Format("15:04:05"), job.Status, job.ProgressPercent, job.Processed, job.TotalItems, job.Failed)
			last = job.Processed
		}
		if models.IsTerminalState(job.Status) {
			if IsJSONOutput() {
				return printJSON(job)
			}
			fmt.Println()
			displayJob(job)
			if job.Status == models.JobStatusFailed {
				return fmt.Errorf("job %s failed: %s", job.ID, job.Error)
			}
			return nil
		}
		time.Sleep(pollInterval)
	}
}

func fetchJob(id string) (models.JobSummary, error) {
	var job models.JobSummary
	req, err := newRequest(http.MethodGet, "/jobs/"+url.PathEscape(id), nil)
	if err != nil {
		return job, fmt.Errorf("failed to create request: %w", err)
	}
	err = doJSON(req, http.StatusOK, &job)
	return job, err
}

func runJobsList(cmd *cobra.Command, args []string) error {
	q := url.Values{}
	if listStatus != "" {
		q.Set("status", listStatus)
	}
	q.Set("page", strconv.Itoa(listPage))
	q.Set("limit", strconv.Itoa(listLimit))

	req, err := newRequest(http.MethodGet, "/jobs?"+q.Encode(), nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	var result api.ListResponse
	if err := doJSON(req, http.StatusOK, &result); err != nil {
		return err
	}

	if IsJSONOutput() {
		return printJSON(result)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("ID", "Status", "Progress", "Items", "Failed", "Created", "Error")
	for _, job := range result.Jobs {
		table.Append(
			job.ID,
			string(job.Status),
			fmt.Sprintf("%d%%", job.ProgressPercent),
			fmt.Sprintf("%d/%d", job.Processed, job.TotalItems),
			strconv.Itoa(job.Failed),
			job.CreatedAt.Format(time.RFC3339),
			job.Error,
		)
	}
	table.Render()
	fmt.Printf("\nPage %d: %d of %d job(s)\n", result.Page, result.Count, result.Total)
	return nil
}

func runJobsCancel(cmd *cobra.Command, args []string) error {
	req, err := newRequest(http.MethodPost, "/jobs/"+url.PathEscape(args[0])+"/cancel", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	var job models.JobSummary
	if err := doJSON(req, http.StatusOK, &job); err != nil {
		return err
	}
	if IsJSONOutput() {
		return printJSON(job)
	}
	fmt.Printf("Job %s cancelled after %d of %d item(s)\n", job.ID, job.Processed, job.TotalItems)
	return nil
}

func runJobsDelete(cmd *cobra.Command, args []string) error {
	req, err := newRequest(http.MethodDelete, "/jobs/"+url.PathEscape(args[0]), nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if err := doJSON(req, http.StatusNoContent, nil); err != nil {
		return err
	}
	fmt.Printf("Job %s deleted\n", args[0])
	return nil
}

func runJobsFetch(cmd *cobra.Command, args []string) error {
	id := args[0]
	out := artifactOut
	if out == "" {
		if artifactFormat == "csv" {
			out = id + "-manifest.csv"
		} else {
			out = id + "-bundle.zip"
		}
	}

	req, err := newRequest(http.MethodGet, "/jobs/"+url.PathEscape(id)+"/artifact?format="+url.QueryEscape(artifactFormat), nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return apiError(resp)
	}

	file, err := os.Create(out)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", out, err)
	}
	n, err := io.Copy(file, resp.Body)
	if cerr := file.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", out, err)
	}
	fmt.Printf("Wrote %s (%d bytes)\n", out, n)
	return nil
}

// doJSON sends req and decodes the body into v when the status matches
func doJSON(req *http.Request, want int, v interface{}) error {
	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		return apiError(resp)
	}
	if v == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

// apiError turns a non-success response into an error carrying the server's message
func apiError(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	var e api.ErrorResponse
	if err := json.Unmarshal(body, &e); err != nil || e.Error == "" {
		return fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}
	msg := fmt.Sprintf("API error (status %d): %s", resp.StatusCode, e.Error)
	for _, issue := range e.Issues {
		msg += "\n  - " + issue
	}
	for _, re := range e.RowErrors {
		msg += fmt.Sprintf("\n  - row %d: %s", re.Row, re.Message)
	}
	return errors.New(msg)
}

func printJSON(v interface{}) error {
	output, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	fmt.Println(string(output))
	return nil
}

func displayJob(job models.JobSummary) {
	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Field", "Value")

	table.Append("ID", job.ID)
	table.Append("Status", string(job.Status))
	table.Append("Progress", fmt.Sprintf("%d%%", job.ProgressPercent))
	table.Append("Items", fmt.Sprintf("%d/%d processed", job.Processed, job.TotalItems))
	table.Append("Succeeded", strconv.Itoa(job.Succeeded))
	table.Append("Failed", strconv.Itoa(job.Failed))
	table.Append("Type", job.Options.Type)
	table.Append("Batch Size", strconv.Itoa(job.Options.BatchSize))
	table.Append("Created At", job.CreatedAt.Format(time.RFC3339))
	if job.StartedAt != nil {
		table.Append("Started At", job.StartedAt.Format(time.RFC3339))
	}
	if job.CompletedAt != nil {
		table.Append("Completed At", job.CompletedAt.Format(time.RFC3339))
	} else if !models.IsTerminalState(job.Status) {
		table.Append("Estimated", job.EstimatedCompletion.Format(time.RFC3339))
	}
	if job.ArtifactRef != nil {
		table.Append("Artifacts", fmt.Sprintf("%d image(s), %d omitted", job.ArtifactRef.Entries, job.ArtifactRef.Omitted))
	}
	if job.Error != "" {
		table.Append("Error", job.Error)
	}

	table.Render()
}
