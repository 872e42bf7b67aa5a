package engine

import (
	"context"
	"testing"
	"time"

	"sushibar/internal/domain"
	"sushibar/internal/progress"
)

func TestDashboardNewChannel(t *testing.T) {
	env := newTestEnv(t)
	c := env.registerChannel(t, "Fresh", "fresh.org", "fresh")

	rows, err := env.eng.Dashboard(context.Background(), "", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 {
		t.Fatalf("rows = %d", len(rows))
	}
	row := rows[0]
	if row.Status != "New" || row.StatusPct != 0 {
		t.Errorf("status = %q pct = %d", row.Status, row.StatusPct)
	}
	if row.ID != c.ChannelID || row.Channel != "Fresh" {
		t.Errorf("identity fields = %q %q", row.ID, row.Channel)
	}
	if row.LastRunID != "" {
		t.Errorf("new channel carries a run id: %q", row.LastRunID)
	}
}

func TestDashboardRow(t *testing.T) {
	env := newTestEnv(t)
	c := env.registerChannel(t, "Khan Academy", "khanacademy.org", "khan-en")
	run := env.createRun(t, c.ChannelID, "git+ssh://git@github.com/org/chef.git:abc123")
	ctx := context.Background()

	env.studio.statuses[c.ChannelID] = "staged"
	if _, err := env.eng.RecordStage(ctx, run.RunID, "Status.DOWNLOADING", 60); err != nil {
		t.Fatal(err)
	}
	env.advance(30 * time.Second)
	if _, err := env.eng.RecordStage(ctx, run.RunID, "Status.PUBLISH_CHANNEL", 30); err != nil {
		t.Fatal(err)
	}
	if err := env.eng.Progress.Set(ctx, run.RunID, progress.Record{Progress: 0.6}); err != nil {
		t.Fatal(err)
	}
	if err := env.eng.SetFollowing(ctx, c.ChannelID, "op@example.org", true); err != nil {
		t.Fatal(err)
	}
	sub := env.eng.Broker.Subscribe(c.ChannelID)
	defer sub.Close()

	rows, err := env.eng.Dashboard(ctx, "op@example.org", "tok")
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 {
		t.Fatalf("rows = %d", len(rows))
	}
	row := rows[0]
	if row.Status != "PUBLISH CHANNEL" {
		t.Errorf("status = %q", row.Status)
	}
	if row.RunStatus != "success" {
		t.Errorf("run status = %q", row.RunStatus)
	}
	if row.StatusPct != 60 {
		t.Errorf("pct = %d", row.StatusPct)
	}
	if row.CCStatus == nil || row.CCStatus.Name != "Needs Review" {
		t.Errorf("ccstatus = %+v", row.CCStatus)
	}
	if !row.Active {
		t.Error("listener connected but row inactive")
	}
	if !row.Starred {
		t.Error("follower not starred")
	}
	if row.LastRunID != run.RunID {
		t.Errorf("last run id = %q", row.LastRunID)
	}
	if row.ChannelURL != testServer+"/"+c.ChannelID+"/edit" {
		t.Errorf("channel url = %q", row.ChannelURL)
	}
	if row.Duration != "0:01:30" {
		t.Errorf("duration = %q", row.Duration)
	}
	if row.ChefName != "/org/chef.git" {
		t.Errorf("chef name = %q", row.ChefName)
	}
	if row.ChefLink != "https://github.com/org/chef.git" {
		t.Errorf("chef link = %q", row.ChefLink)
	}
}

func TestDashboardFailedRun(t *testing.T) {
	env := newTestEnv(t)
	c := env.registerChannel(t, "A", "a.org", "a")
	run := env.createRun(t, c.ChannelID, "chef-a")
	ctx := context.Background()

	if _, err := env.eng.RecordStage(ctx, run.RunID, "Status.DOWNLOADING", 10); err != nil {
		t.Fatal(err)
	}
	env.advance(time.Second)
	if _, err := env.eng.RecordStage(ctx, run.RunID, "Status.FAILURE", 1); err != nil {
		t.Fatal(err)
	}

	rows, err := env.eng.Dashboard(ctx, "", "")
	if err != nil {
		t.Fatal(err)
	}
	row := rows[0]
	if row.Status != "Failed" || row.RunStatus != "danger" {
		t.Errorf("status = %q / %q", row.Status, row.RunStatus)
	}
	if row.StatusPct != 100 {
		t.Errorf("failed run pct = %d, want 100", row.StatusPct)
	}
}

func TestRunDetailDiffsAgainstPreviousSuccessfulRun(t *testing.T) {
	env := newTestEnv(t)
	c := env.registerChannel(t, "A", "a.org", "a")
	ctx := context.Background()

	failedRun := env.createRun(t, c.ChannelID, "chef-a")
	if _, err := env.eng.UpdateRunStats(ctx, failedRun.RunID, map[string]int64{"video": 8}, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := env.eng.RecordStage(ctx, failedRun.RunID, "Status.FAILURE", 1); err != nil {
		t.Fatal(err)
	}

	env.advance(time.Hour)
	goodRun := env.createRun(t, c.ChannelID, "chef-a")
	if _, err := env.eng.UpdateRunStats(ctx, goodRun.RunID, map[string]int64{"video": 10, "topic": 3}, map[string]int64{"video": 1024}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.eng.RecordStage(ctx, goodRun.RunID, StageCompleted, 10); err != nil {
		t.Fatal(err)
	}

	env.advance(time.Hour)
	env.studio.statuses[c.ChannelID] = "staged"
	currentRun := env.createRun(t, c.ChannelID, "chef-a")
	if _, err := env.eng.UpdateRunStats(ctx, currentRun.RunID, map[string]int64{"video": 12, "topic": 3}, map[string]int64{"video": 2048}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.eng.RecordStage(ctx, currentRun.RunID, StageCompleted, 20); err != nil {
		t.Fatal(err)
	}

	view, err := env.eng.RunDetail(ctx, currentRun.RunID, "")
	if err != nil {
		t.Fatal(err)
	}
	if view.Status != "staged" {
		t.Errorf("status = %q, want staged", view.Status)
	}
	if len(view.ChannelRuns) != 3 {
		t.Errorf("channel runs = %d", len(view.ChannelRuns))
	}

	counts := map[string]domain.DiffRow{}
	for _, row := range view.ResourceCounts {
		counts[row.Name] = row
	}
	// The failed run's stats must be skipped: previous video count is the good
	// run's 10, not the failed run's 8.
	if counts["video"].PreviousValue != "10" || counts["video"].Change != "increased" {
		t.Errorf("video diff = %+v", counts["video"])
	}
	if counts["topic"].Change != "unchanged" {
		t.Errorf("topic diff = %+v", counts["topic"])
	}
	if view.TopicCount.Value != "3" {
		t.Errorf("topic count = %+v", view.TopicCount)
	}
	for _, cs := range view.CombinedStats {
		if cs.Name == "topic" {
			t.Error("topic should be split out of combined stats")
		}
	}
	if len(view.CombinedStats) != 1 {
		t.Fatalf("combined stats = %d", len(view.CombinedStats))
	}
	if view.CombinedStats[0].Size == nil || view.CombinedStats[0].Size.Value != "2.0KB" {
		t.Errorf("combined video size = %+v", view.CombinedStats[0].Size)
	}
	if len(view.Stages) != 1 {
		t.Fatalf("stages = %d", len(view.Stages))
	}
	if view.Stages[0].Percentage != 100 {
		t.Errorf("stage percentage = %v", view.Stages[0].Percentage)
	}
	if view.TotalTime != "0:00:20" {
		t.Errorf("total time = %q", view.TotalTime)
	}
}

func TestRunStatusLabel(t *testing.T) {
	cases := []struct {
		name   string
		extra  map[string]any
		remote string
		want   string
	}{
		{"staged wins", map[string]any{"staged": true, "published": true}, "active", "staged"},
		{"published next", map[string]any{"published": true}, "active", "published"},
		{"remote next", nil, "unpublished", "unpublished"},
		{"created fallback", nil, "", "created"},
	}
	for _, tc := range cases {
		if got := runStatusLabel(tc.extra, tc.remote); got != tc.want {
			t.Errorf("%s: got %q, want %q", tc.name, got, tc.want)
		}
	}
}

func TestBuildTimeline(t *testing.T) {
	stages := []domain.RunStage{
		{Name: "Status.DOWNLOADING", DurationSeconds: 75},
		{Name: "Status.PROCESSING", DurationSeconds: 25},
	}
	views, total := buildTimeline(stages)
	if total != "0:01:40" {
		t.Errorf("total = %q", total)
	}
	if views[0].ReadableName != "DOWNLOADING" || views[1].ReadableName != "PROCESSING" {
		t.Errorf("readable names = %q %q", views[0].ReadableName, views[1].ReadableName)
	}
	if views[0].Percentage != 75 || views[1].Percentage != 25 {
		t.Errorf("percentages = %v %v", views[0].Percentage, views[1].Percentage)
	}
	if views[0].Color == views[1].Color {
		t.Error("adjacent stages share a color")
	}
}

func TestFormatChefName(t *testing.T) {
	cases := []struct{ in, want string }{
		{"git+ssh://git@github.com/org/chef.git:abc123", "/org/chef.git"},
		{"https://github.com/org/chef", "/org/chef"},
		{"sushi-chef-khan", "sushi-chef-khan"},
	}
	for _, tc := range cases {
		if got := formatChefName(tc.in); got != tc.want {
			t.Errorf("formatChefName(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestChefLink(t *testing.T) {
	got := chefLink("git+ssh://git@github.com/org/chef.git:abc123")
	if got != "https://github.com/org/chef.git" {
		t.Errorf("chefLink = %q", got)
	}
}

func TestFormatCLFlags(t *testing.T) {
	got := formatCLFlags(map[string]any{"staged": true, "compress": "yes"})
	if got != "--compress=yes --staged=true" {
		t.Errorf("flags = %q", got)
	}
	if got := formatCLFlags(nil); got != "" {
		t.Errorf("empty flags = %q", got)
	}
}

func TestFormatDuration(t *testing.T) {
	cases := []struct {
		in   float64
		want string
	}{
		{0, "0:00:00"},
		{59, "0:00:59"},
		{90, "0:01:30"},
		{3725, "1:02:05"},
	}
	for _, tc := range cases {
		if got := formatDuration(tc.in); got != tc.want {
			t.Errorf("formatDuration(%v) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
