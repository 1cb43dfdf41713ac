package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/teranos/crmpulse/display"
	"github.com/teranos/crmpulse/errors"
	"github.com/teranos/crmpulse/pulse/async"
	"github.com/teranos/crmpulse/pulse/schedule"
	"github.com/teranos/crmpulse/sym"
)

// JobsCmd groups the job commands
var JobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: sym.Pulse + " Create and inspect jobs",
	Long: sym.Pulse + ` jobs - Create and inspect Pulse jobs

A job is created in the waiting state; the scheduler daemon admits it once
its owner has a free slot. --start signals the daemon right away instead of
waiting for its next sweep.

Examples:
  crmpulse jobs types                                        # Registered job kinds
  crmpulse jobs create batch-process --owner ada \
      --data '{"entity":"contact","field":"city","op":"upper","filter_id":3}' --start
  crmpulse jobs create batch-process --owner ada --data-file edit.yaml
  crmpulse jobs ls --status error                            # Failed jobs
  crmpulse jobs show <id>                                    # One job with its stats
  crmpulse jobs results <id>                                 # Per-record outcomes
  crmpulse jobs runs <id>                                    # Run history`,
}

var jobsCreateCmd = &cobra.Command{
	Use:   "create <type>",
	Short: "Create a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsCreate,
}

var jobsLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List jobs, newest first",
	RunE:  runJobsLs,
}

var jobsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsShow,
}

var jobsResultsCmd = &cobra.Command{
	Use:   "results <id>",
	Short: "Show the results recorded by a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsResults,
}

var jobsRunsCmd = &cobra.Command{
	Use:   "runs <id>",
	Short: "Show the run history of a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsRuns,
}

var jobsStartCmd = &cobra.Command{
	Use:   "start <id>",
	Short: "Signal the daemon that a waiting job is ready",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return signalJob(args[0], false)
	},
}

var jobsRefreshCmd = &cobra.Command{
	Use:   "refresh <id>",
	Short: "Signal the daemon that a periodic job's next wakeup may have moved",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return signalJob(args[0], true)
	},
}

var jobsTypesCmd = &cobra.Command{
	Use:   "types",
	Short: "List the registered job kinds",
	RunE:  runJobsTypes,
}

var (
	jobsOwner    string
	jobsData     string
	jobsDataFile string
	jobsStart    bool
	jobsStatus   string
	jobsLimit    int
)

func init() {
	jobsCreateCmd.Flags().StringVar(&jobsOwner, "owner", "", "Owning user (empty for a system job)")
	jobsCreateCmd.Flags().StringVar(&jobsData, "data", "", "Job data as JSON")
	jobsCreateCmd.Flags().StringVar(&jobsDataFile, "data-file", "", "Job data as a YAML or JSON file")
	jobsCreateCmd.Flags().BoolVar(&jobsStart, "start", false, "Signal the daemon right away")
	jobsCreateCmd.MarkFlagsMutuallyExclusive("data", "data-file")

	jobsLsCmd.Flags().StringVar(&jobsStatus, "status", "", "Only jobs in this status (wait, ok, error)")
	jobsLsCmd.Flags().IntVar(&jobsLimit, "limit", 20, "Maximum number of jobs to list")
	jobsRunsCmd.Flags().IntVar(&jobsLimit, "limit", 20, "Maximum number of runs to list")

	JobsCmd.PersistentFlags().Bool("json", false, "Output JSON")

	JobsCmd.AddCommand(jobsCreateCmd)
	JobsCmd.AddCommand(jobsLsCmd)
	JobsCmd.AddCommand(jobsShowCmd)
	JobsCmd.AddCommand(jobsResultsCmd)
	JobsCmd.AddCommand(jobsRunsCmd)
	JobsCmd.AddCommand(jobsStartCmd)
	JobsCmd.AddCommand(jobsRefreshCmd)
	JobsCmd.AddCommand(jobsTypesCmd)
}

func runJobsCreate(cmd *cobra.Command, args []string) error {
	data, err := readJobData(jobsData, jobsDataFile)
	if err != nil {
		return err
	}

	c, err := openClient()
	if err != nil {
		return err
	}
	defer c.Close()

	req := async.NewJobRequest{TypeID: args[0], Owner: jobsOwner, Data: data}
	ctx := context.Background()
	var job *async.Job
	if jobsStart {
		job, err = c.dispatcher.CreateAndStart(ctx, req)
	} else {
		job, err = c.dispatcher.Create(ctx, req)
	}
	if err != nil {
		return err
	}

	pterm.Success.Printf("%s Job %s created (%s)\n", sym.PulseOpen, job.ID, job.TypeID)
	if jobsStart && c.queue == nil {
		pterm.Info.Println("No signal transport, the daemon picks the job up on its next sweep")
	}
	return nil
}

// readJobData returns the --data JSON as is, or decodes the --data-file YAML
// (JSON is a subset) into a value the dispatcher marshals
func readJobData(inline, path string) (interface{}, error) {
	if inline != "" {
		if !json.Valid([]byte(inline)) {
			return nil, errors.WithHint(errors.New("--data is not valid JSON"),
				`e.g. --data '{"entity":"contact","field":"city","op":"upper"}'`)
		}
		return json.RawMessage(inline), nil
	}
	if path == "" {
		return nil, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %s", path)
	}
	var data map[string]interface{}
	if err := yaml.Unmarshal(raw, &data); err != nil {
		return nil, errors.Wrapf(err, "failed to parse %s", path)
	}
	return data, nil
}

func runJobsLs(cmd *cobra.Command, args []string) error {
	var status *async.JobStatus
	if jobsStatus != "" {
		if !async.IsValidStatus(jobsStatus) {
			return errors.Newf("unknown status %q (wait, ok, error)", jobsStatus)
		}
		s := async.JobStatus(jobsStatus)
		status = &s
	}

	c, err := openClient()
	if err != nil {
		return err
	}
	defer c.Close()

	jobs, err := c.store.ListJobs(context.Background(), status, jobsLimit)
	if err != nil {
		return err
	}
	if display.ShouldOutputJSON(cmd) {
		return display.OutputJSON(jobs)
	}
	if len(jobs) == 0 {
		pterm.Info.Println("No jobs")
		return nil
	}

	table := pterm.TableData{{"", "ID", "TYPE", "OWNER", "LAST RUN", "NEXT / ERROR"}}
	for _, job := range jobs {
		owner := job.Owner
		if job.IsSystem() {
			owner = "(system)"
		}
		table = append(table, []string{
			sym.StatusGlyph(string(job.Status)),
			job.ID,
			job.TypeID,
			owner,
			formatOptionalTime(job.LastRun),
			jobNote(job),
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(table).Render()
}

func runJobsShow(cmd *cobra.Command, args []string) error {
	c, err := openClient()
	if err != nil {
		return err
	}
	defer c.Close()

	ctx := context.Background()
	job, err := c.store.GetJob(ctx, args[0])
	if err != nil {
		return err
	}
	counts, err := async.NewResultStore(c.db).CountForJob(ctx, job.ID)
	if err != nil {
		return err
	}
	runs, err := schedule.NewExecutionStore(c.db).Summarize(ctx, job.ID)
	if err != nil {
		return err
	}
	if display.ShouldOutputJSON(cmd) {
		return display.OutputJSON(struct {
			*async.Job
			Results async.ResultCounts        `json:"results"`
			Runs    schedule.ExecutionSummary `json:"runs"`
		}{job, counts, runs})
	}

	fmt.Printf("%s Job %s\n", sym.StatusGlyph(string(job.Status)), job.ID)
	fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")
	fmt.Printf("Type:          %s\n", job.TypeID)
	if job.IsSystem() {
		fmt.Printf("Owner:         (system)\n")
	} else {
		fmt.Printf("Owner:         %s\n", job.Owner)
	}
	fmt.Printf("Status:        %s\n", job.Status)
	if job.Error != "" {
		fmt.Printf("Error:         %s\n", job.Error)
	}
	fmt.Printf("Reference run: %s\n", job.ReferenceRun.Format(time.RFC3339))
	fmt.Printf("Last run:      %s\n", formatOptionalTime(job.LastRun))
	fmt.Printf("Created:       %s\n", job.CreatedAt.Format(time.RFC3339))
	fmt.Printf("Results:       %d (%d failed)\n", counts.Total, counts.Failed)
	fmt.Printf("Runs:          %d (%d failed, avg %v)\n", runs.Runs, runs.Failures, runs.AverageDuration())
	if len(job.Data) > 0 && string(job.Data) != "{}" {
		fmt.Printf("Data:          %s\n", job.Data)
	}
	if len(job.Stats) > 0 {
		fmt.Println()
		for _, stat := range job.Stats {
			fmt.Printf("  %s %s\n", sym.PulseClose, stat)
		}
	}
	return nil
}

func runJobsResults(cmd *cobra.Command, args []string) error {
	c, err := openClient()
	if err != nil {
		return err
	}
	defer c.Close()

	results, err := async.NewResultStore(c.db).ListForJob(context.Background(), args[0])
	if err != nil {
		return err
	}
	if display.ShouldOutputJSON(cmd) {
		return display.OutputJSON(results)
	}
	if len(results) == 0 {
		pterm.Info.Printf("No results for job %s\n", args[0])
		return nil
	}

	table := pterm.TableData{{"", "ENTITY", "MESSAGES", "AT"}}
	for _, r := range results {
		glyph := sym.StatusGlyph(string(async.JobStatusOK))
		if r.Failed {
			glyph = sym.StatusGlyph(string(async.JobStatusError))
		}
		entity := "-"
		if r.IsEntityResult() {
			entity = r.EntityType + " #" + r.EntityID
		}
		table = append(table, []string{glyph, entity, strings.Join(r.Messages, " "), r.CreatedAt.Format(time.RFC3339)})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(table).Render()
}

func runJobsRuns(cmd *cobra.Command, args []string) error {
	c, err := openClient()
	if err != nil {
		return err
	}
	defer c.Close()

	runs, err := schedule.NewExecutionStore(c.db).ListExecutions(context.Background(), args[0], jobsLimit)
	if err != nil {
		return err
	}
	if display.ShouldOutputJSON(cmd) {
		return display.OutputJSON(runs)
	}
	if len(runs) == 0 {
		pterm.Info.Printf("No runs recorded for job %s\n", args[0])
		return nil
	}

	table := pterm.TableData{{"", "STARTED", "DURATION", "OUTCOME"}}
	for _, run := range runs {
		outcome := run.Error
		if run.Status == async.JobStatusOK {
			outcome = strings.Join(run.Stats, " ")
		}
		table = append(table, []string{
			sym.StatusGlyph(string(run.Status)),
			run.StartedAt.Format(time.RFC3339),
			run.Duration().String(),
			outcome,
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(table).Render()
}

func signalJob(id string, refresh bool) error {
	c, err := openClient()
	if err != nil {
		return err
	}
	defer c.Close()

	ctx := context.Background()
	job, err := c.store.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if c.queue == nil {
		pterm.Info.Println("No signal transport, the daemon picks the job up on its next sweep")
		return nil
	}

	if refresh {
		c.dispatcher.Refresh(ctx, job)
		pterm.Success.Printf("%s Refresh signal sent for %s\n", sym.Signal, job.ID)
	} else {
		c.dispatcher.Start(ctx, job)
		pterm.Success.Printf("%s Start signal sent for %s\n", sym.Signal, job.ID)
	}
	return nil
}

func runJobsTypes(cmd *cobra.Command, args []string) error {
	c, err := openClient()
	if err != nil {
		return err
	}
	defer c.Close()

	table := pterm.TableData{{"TYPE", "KIND", "JOBS"}}
	for _, id := range c.registry.IDs() {
		jt, _ := c.registry.Get(id)
		n, err := c.store.CountJobsByType(context.Background(), id)
		if err != nil {
			return err
		}
		table = append(table, []string{id, jt.Periodic().String(), fmt.Sprint(n)})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(table).Render()
}

func jobNote(job *async.Job) string {
	switch job.Status {
	case async.JobStatusError:
		return job.Error
	case async.JobStatusWait:
		return job.ReferenceRun.Format(time.RFC3339)
	}
	return ""
}

func formatOptionalTime(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return t.Format(time.RFC3339)
}
