package engine

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"sushibar/internal/domain"
	"sushibar/internal/events"
	"sushibar/internal/progress"
	"sushibar/internal/repo"
	"sushibar/internal/stats"
	"sushibar/internal/status"
	"sushibar/internal/trees"
)

// Stage timeline palette (Darjeeling Limited).
var progressBarColors = []string{
	"#F3BE1A", "#66321C", "#FFA475", "#067586", "#C87533",
	"#52656B", "#CF5351", "#4F4B59", "#738F1E", "#037784",
}

// ChannelRow is one dashboard row. Channels that never ran carry only the
// identity fields and the "New" status.
type ChannelRow struct {
	Channel      string                   `json:"channel"`
	ID           string                   `json:"id"`
	TrelloURL    string                   `json:"trello_url,omitempty"`
	SpecSheetURL string                   `json:"spec_sheet_url,omitempty"`
	ChefRepoURL  string                   `json:"chef_repo_url,omitempty"`
	ChannelURL   string                   `json:"channel_url,omitempty"`
	Status       string                   `json:"status"`
	StatusPct    int                      `json:"status_pct"`
	RunStatus    string                   `json:"run_status,omitempty"`
	CCStatus     *domain.StatusDescriptor `json:"ccstatus,omitempty"`
	Active       bool                     `json:"active"`
	Starred      bool                     `json:"starred"`
	LastRunID    string                   `json:"last_run_id,omitempty"`
	LastRunDate  string                   `json:"last_run_date,omitempty"`
	Duration     string                   `json:"duration,omitempty"`
	ChefName     string                   `json:"chef_name,omitempty"`
	ChefLink     string                   `json:"chef_link,omitempty"`
	CLFlags      string                   `json:"cl_flags,omitempty"`
}

// Dashboard renders one row per channel, most recently active first. Remote
// statuses come from one bulk request per distinct content server; a failed
// batch leaves its channels without a remote descriptor.
func (e Engine) Dashboard(ctx context.Context, viewerEmail, token string) ([]ChannelRow, error) {
	channels, err := e.Repo.ListChannels(ctx)
	if err != nil {
		return nil, err
	}
	latest := make(map[string]domain.Run, len(channels))
	byServer := map[string][]string{}
	for _, c := range channels {
		run, err := e.Repo.LatestRun(ctx, c.ChannelID)
		if errors.Is(err, repo.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		latest[c.ChannelID] = run
		byServer[run.ContentServer] = append(byServer[run.ContentServer], c.ChannelID)
	}
	mapping := status.BulkStatusMapping(ctx, e.Studio, token, byServer)

	rows := make([]ChannelRow, 0, len(channels))
	for _, c := range channels {
		starred := false
		if viewerEmail != "" {
			starred, _ = e.Repo.IsFollower(ctx, c.ChannelID, viewerEmail)
		}
		row := ChannelRow{
			Channel:      c.Name,
			ID:           c.ChannelID,
			TrelloURL:    c.TrelloURL,
			SpecSheetURL: c.SpecSheetURL,
			ChefRepoURL:  c.ChefRepoURL,
			Status:       "New",
			Starred:      starred,
		}
		run, ok := latest[c.ChannelID]
		if !ok {
			rows = append(rows, row)
			continue
		}
		stages, err := e.Repo.ListStages(ctx, run.RunID)
		if err != nil {
			return nil, err
		}
		if len(stages) == 0 {
			rows = append(rows, row)
			continue
		}
		last := stages[len(stages)-1]
		failed := false
		var totalSeconds float64
		for _, s := range stages {
			totalSeconds += s.DurationSeconds
			if status.IsFailureStage(s.Name) {
				failed = true
			}
		}
		rec, found, err := e.Progress.Get(ctx, run.RunID)
		if err != nil {
			found = false
		}
		row.Status = status.CleanStageName(last.Name)
		row.RunStatus = "success"
		if failed {
			row.Status = "Failed"
			row.RunStatus = "danger"
		}
		row.StatusPct = progress.Percent(rec, found, failed)
		row.CCStatus = status.Descriptor(mapping[c.ChannelID], run.ContentServer, c.ChannelID)
		row.Active = e.Broker != nil && e.Broker.Listeners(c.ChannelID) > 0
		row.ChannelURL = strings.TrimRight(c.ContentServer, "/") + "/" + c.ChannelID + "/edit"
		row.LastRunID = run.RunID
		row.LastRunDate = formatRunDate(last.Finished)
		row.Duration = formatDuration(totalSeconds)
		row.ChefName = formatChefName(run.ChefName)
		row.ChefLink = chefLink(run.ChefName)
		row.CLFlags = formatCLFlags(run.ExtraOptions)
		rows = append(rows, row)
	}
	return rows, nil
}

// StageView is one segment of the run timeline.
type StageView struct {
	Name            string  `json:"name"`
	ReadableName    string  `json:"readable_name"`
	DurationSeconds float64 `json:"duration_seconds"`
	Duration        string  `json:"duration"`
	Percentage      float64 `json:"percentage"`
	Color           string  `json:"color"`
}

// CombinedStat pairs a count row with the matching size row for the same
// content kind.
type CombinedStat struct {
	domain.DiffRow
	Size *domain.DiffRow `json:"size,omitempty"`
}

// RunDetailView is everything the run page shows.
type RunDetailView struct {
	Channel        domain.Channel        `json:"channel"`
	Run            domain.Run            `json:"run"`
	ChannelRuns    []domain.Run          `json:"channel_runs"`
	Status         string                `json:"status"`
	Actions        []domain.StatusAction `json:"actions,omitempty"`
	Stages         []StageView           `json:"stages"`
	TotalTime      string                `json:"total_time"`
	ResourceCounts []domain.DiffRow      `json:"resource_counts"`
	ResourceSizes  []domain.DiffRow      `json:"resource_sizes"`
	CombinedStats  []CombinedStat        `json:"combined_stats"`
	TopicCount     domain.DiffRow        `json:"topic_count"`
	Starred        bool                  `json:"starred"`
	Tree           []domain.TreeNode     `json:"tree"`
}

// RunDetail assembles the run page view model. Stats are diffed against the
// most recent earlier run of the channel with no failed stage. Remote status is
// fetched with the run's own token; a remote failure leaves only local status.
func (e Engine) RunDetail(ctx context.Context, runID, viewerEmail string) (RunDetailView, error) {
	run, err := e.Repo.GetRun(ctx, runID)
	if err != nil {
		return RunDetailView{}, err
	}
	channel, err := e.GetChannel(ctx, run.ChannelID)
	if err != nil {
		return RunDetailView{}, err
	}
	channelRuns, err := e.Repo.ListRunsForChannel(ctx, run.ChannelID)
	if err != nil {
		return RunDetailView{}, err
	}
	previous, err := e.previousSuccessfulRun(ctx, run, channelRuns)
	if err != nil {
		return RunDetailView{}, err
	}

	view := RunDetailView{
		Channel:        channel,
		Run:            run,
		ChannelRuns:    channelRuns,
		ResourceCounts: stats.Diff(run.ResourceCounts, previous.ResourceCounts, nil),
		ResourceSizes:  stats.Diff(run.ResourceSizes, previous.ResourceSizes, stats.SizeOf),
		TopicCount:     domain.DiffRow{Name: "topic", Value: "-", PreviousValue: "-"},
	}
	if viewerEmail != "" {
		view.Starred, _ = e.Repo.IsFollower(ctx, run.ChannelID, viewerEmail)
	}

	var remoteStatus string
	if statuses, err := e.Studio.GetChannelStatusBulk(ctx, run.ContentServer, run.StartedByToken, []string{run.ChannelID}); err == nil {
		var desc *domain.StatusDescriptor
		remoteStatus, desc = status.Resolve(run.ChannelID, statuses, run.ContentServer, "")
		if desc != nil {
			view.Actions = desc.Actions
		}
	}
	view.Status = runStatusLabel(run.ExtraOptions, remoteStatus)

	stages, err := e.Repo.ListStages(ctx, runID)
	if err != nil {
		return RunDetailView{}, err
	}
	view.Stages, view.TotalTime = buildTimeline(stages)

	sizesByName := make(map[string]*domain.DiffRow, len(view.ResourceSizes))
	for i := range view.ResourceSizes {
		sizesByName[view.ResourceSizes[i].Name] = &view.ResourceSizes[i]
	}
	view.CombinedStats = make([]CombinedStat, 0, len(view.ResourceCounts))
	for _, count := range view.ResourceCounts {
		if count.Name == "topic" {
			view.TopicCount = count
			continue
		}
		view.CombinedStats = append(view.CombinedStats, CombinedStat{DiffRow: count, Size: sizesByName[count.Name]})
	}

	view.Tree = e.Trees.Read(ctx, e.runContext(run))
	trees.Decorate(view.Tree)
	return view, nil
}

// previousSuccessfulRun returns the newest run created before the given one
// whose stages carry no failure marker. The zero Run means no candidate.
func (e Engine) previousSuccessfulRun(ctx context.Context, run domain.Run, channelRuns []domain.Run) (domain.Run, error) {
	for _, candidate := range channelRuns {
		if candidate.RunID == run.RunID || candidate.CreatedAt >= run.CreatedAt {
			continue
		}
		stages, err := e.Repo.ListStages(ctx, candidate.RunID)
		if err != nil {
			return domain.Run{}, err
		}
		failed := false
		for _, s := range stages {
			if status.IsFailureStage(s.Name) {
				failed = true
				break
			}
		}
		if !failed {
			return candidate, nil
		}
	}
	return domain.Run{}, nil
}

// runStatusLabel applies the local precedence over the remote status: a staged
// run shows as staged, then published, then whatever the server said, then the
// run is merely created.
func runStatusLabel(extra map[string]any, remoteStatus string) string {
	if flag, _ := extra["staged"].(bool); flag {
		return "staged"
	}
	if flag, _ := extra["published"].(bool); flag {
		return "published"
	}
	if remoteStatus != "" {
		return remoteStatus
	}
	return "created"
}

func buildTimeline(stages []domain.RunStage) ([]StageView, string) {
	var totalSeconds float64
	for _, s := range stages {
		totalSeconds += s.DurationSeconds
	}
	views := make([]StageView, 0, len(stages))
	for idx, s := range stages {
		name := strings.TrimPrefix(s.Name, "Status.")
		pct := 0.0
		if totalSeconds > 0 {
			pct = s.DurationSeconds / totalSeconds * 100
		}
		views = append(views, StageView{
			Name:            name,
			ReadableName:    strings.ReplaceAll(name, "_", " "),
			DurationSeconds: s.DurationSeconds,
			Duration:        formatDuration(s.DurationSeconds),
			Percentage:      pct,
			Color:           progressBarColors[idx%len(progressBarColors)],
		})
	}
	return views, formatDuration(totalSeconds)
}

// DISPLAY HELPERS #############################################################

var chefHashRe = regexp.MustCompile(`git:[0-9A-Za-z]+$`)

// formatChefName compacts a chef identifier like
// "git+ssh://git@github.com/org/chef.git:abc123" down to "/org/chef.git".
func formatChefName(chefName string) string {
	s := chefHashRe.ReplaceAllString(chefName, "git")
	s = strings.ReplaceAll(s, "github.com", "")
	s = strings.ReplaceAll(s, "https://", "")
	return strings.ReplaceAll(s, "git+ssh://git@", "")
}

// chefLink rewrites an ssh checkout URL into a browsable https link.
func chefLink(chefName string) string {
	s := chefHashRe.ReplaceAllString(chefName, "git")
	return strings.ReplaceAll(s, "git+ssh://git@", "https://")
}

// formatCLFlags reconstructs the command line flags a run was started with.
func formatCLFlags(extra map[string]any) string {
	if len(extra) == 0 {
		return ""
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("--%s=%v", k, extra[k]))
	}
	return strings.Join(parts, " ")
}

// formatDuration renders whole seconds as H:MM:SS.
func formatDuration(seconds float64) string {
	total := int(seconds)
	return fmt.Sprintf("%d:%02d:%02d", total/3600, total%3600/60, total%60)
}

func formatRunDate(finished string) string {
	t, err := time.Parse(events.StampLayout, finished)
	if err != nil {
		return finished
	}
	return t.Format("Jan 2, 15:04")
}
