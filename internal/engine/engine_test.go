package engine

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"sushibar/internal/control"
	"sushibar/internal/db"
	"sushibar/internal/domain"
	"sushibar/internal/migrate"
	"sushibar/internal/progress"
	"sushibar/internal/repo"
	"sushibar/internal/tasks"
	"sushibar/internal/trees"
)

const testServer = "https://studio.test"

type fakeStudio struct {
	statuses  map[string]string
	bulkErr   error
	bulkCalls int
	children  map[string][]domain.TreeNode
	activated []string
	published []string
}

func (f *fakeStudio) GetNodeChildren(_ context.Context, _, _, _ string, nodeID string) ([]domain.TreeNode, error) {
	return f.children[nodeID], nil
}

func (f *fakeStudio) GetChannelStatusBulk(_ context.Context, _, _ string, channelIDs []string) (map[string]string, error) {
	f.bulkCalls++
	if f.bulkErr != nil {
		return nil, f.bulkErr
	}
	out := map[string]string{}
	for _, id := range channelIDs {
		if s, ok := f.statuses[id]; ok {
			out[id] = s
		}
	}
	return out, nil
}

func (f *fakeStudio) ActivateChannel(_ context.Context, _, _, channelID string) error {
	f.activated = append(f.activated, channelID)
	return nil
}

func (f *fakeStudio) PublishChannel(_ context.Context, _, _, channelID string) error {
	f.published = append(f.published, channelID)
	return nil
}

type recordingDispatcher struct {
	jobs []tasks.Job
}

func (d *recordingDispatcher) Enqueue(job tasks.Job) {
	d.jobs = append(d.jobs, job)
}

type testEnv struct {
	eng    Engine
	studio *fakeStudio
	jobs   *recordingDispatcher
	now    time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatal(err)
	}
	st := &fakeStudio{statuses: map[string]string{}}
	jobs := &recordingDispatcher{}
	builder := &trees.Builder{Fetcher: st, Root: t.TempDir()}
	env := &testEnv{
		studio: st,
		jobs:   jobs,
		now:    time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC),
	}
	env.eng = New(conn, nil, st, progress.NewMemoryStore(), builder, control.NewBroker(), jobs)
	env.eng.Now = func() time.Time { return env.now }
	return env
}

func (env *testEnv) advance(d time.Duration) {
	env.now = env.now.Add(d)
}

func (env *testEnv) registerChannel(t *testing.T, name, domainName, sourceID string) domain.Channel {
	t.Helper()
	c, err := env.eng.RegisterChannel(context.Background(), RegisterChannelOptions{
		Name:          name,
		Domain:        domainName,
		SourceID:      sourceID,
		ContentServer: testServer,
	})
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func (env *testEnv) createRun(t *testing.T, channelID, chefName string) domain.Run {
	t.Helper()
	run, err := env.eng.CreateRun(context.Background(), CreateRunOptions{
		ChannelID: channelID,
		ChefName:  chefName,
	})
	if err != nil {
		t.Fatal(err)
	}
	return run
}

func TestRegisterChannelDeterministicID(t *testing.T) {
	env := newTestEnv(t)
	c := env.registerChannel(t, "Khan Academy", "khanacademy.org", "khan-en")
	if len(c.ChannelID) != 32 {
		t.Fatalf("channel id = %q, want 32-char hex", c.ChannelID)
	}
	if c.Version != 1 {
		t.Errorf("version = %d, want 1", c.Version)
	}
	if c.ContentServer != testServer {
		t.Errorf("content server = %q", c.ContentServer)
	}
}

func TestRegisterChannelDuplicate(t *testing.T) {
	env := newTestEnv(t)
	env.registerChannel(t, "Khan Academy", "khanacademy.org", "khan-en")
	_, err := env.eng.RegisterChannel(context.Background(), RegisterChannelOptions{
		Name:     "Khan Academy again",
		Domain:   "khanacademy.org",
		SourceID: "khan-en",
	})
	var fe FieldError
	if !errors.As(err, &fe) {
		t.Fatalf("expected FieldError, got %v", err)
	}
	if fe.Field != "domain" {
		t.Errorf("field = %q, want domain", fe.Field)
	}
}

func TestRegisterChannelValidatesURLs(t *testing.T) {
	env := newTestEnv(t)
	cases := []struct {
		field string
		opts  RegisterChannelOptions
	}{
		{"trello_url", RegisterChannelOptions{Name: "A", Domain: "a.org", SourceID: "a", TrelloURL: "http://example.com/board"}},
		{"spec_sheet_url", RegisterChannelOptions{Name: "A", Domain: "a.org", SourceID: "a", SpecSheetURL: "http://example.com/doc"}},
		{"chef_repo_url", RegisterChannelOptions{Name: "A", Domain: "a.org", SourceID: "a", ChefRepoURL: "http://example.com/repo"}},
		{"name", RegisterChannelOptions{Domain: "a.org", SourceID: "a"}},
	}
	for _, tc := range cases {
		_, err := env.eng.RegisterChannel(context.Background(), tc.opts)
		var fe FieldError
		if !errors.As(err, &fe) || fe.Field != tc.field {
			t.Errorf("expected FieldError on %s, got %v", tc.field, err)
		}
	}

	c, err := env.eng.RegisterChannel(context.Background(), RegisterChannelOptions{
		Name:         "B",
		Domain:       "b.org",
		SourceID:     "b",
		TrelloURL:    "https://trello.com/b/abc",
		SpecSheetURL: "https://docs.google.com/document/d/xyz",
		ChefRepoURL:  "https://github.com/org/chef",
	})
	if err != nil {
		t.Fatalf("valid URLs rejected: %v", err)
	}
	if c.TrelloURL == "" {
		t.Error("trello url not stored")
	}
}

func TestDeleteChannelBlockedByRuns(t *testing.T) {
	env := newTestEnv(t)
	c := env.registerChannel(t, "A", "a.org", "a")
	env.createRun(t, c.ChannelID, "chef-a")

	if err := env.eng.DeleteChannel(context.Background(), c.ChannelID); !errors.Is(err, ErrChannelHasRuns) {
		t.Fatalf("expected ErrChannelHasRuns, got %v", err)
	}

	empty := env.registerChannel(t, "B", "b.org", "b")
	if err := env.eng.DeleteChannel(context.Background(), empty.ChannelID); err != nil {
		t.Fatalf("deleting a channel without runs: %v", err)
	}
	if _, err := env.eng.Repo.GetChannel(context.Background(), empty.ChannelID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("channel still present: %v", err)
	}
}

func TestSetFollowing(t *testing.T) {
	env := newTestEnv(t)
	c := env.registerChannel(t, "A", "a.org", "a")
	ctx := context.Background()

	if err := env.eng.SetFollowing(ctx, c.ChannelID, "op@example.org", true); err != nil {
		t.Fatal(err)
	}
	got, err := env.eng.GetChannel(ctx, c.ChannelID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Followers) != 1 || got.Followers[0] != "op@example.org" {
		t.Fatalf("followers = %v", got.Followers)
	}
	if err := env.eng.SetFollowing(ctx, c.ChannelID, "op@example.org", false); err != nil {
		t.Fatal(err)
	}
	got, _ = env.eng.GetChannel(ctx, c.ChannelID)
	if len(got.Followers) != 0 {
		t.Fatalf("followers after unfollow = %v", got.Followers)
	}

	if err := env.eng.SetFollowing(ctx, "ffffffffffffffffffffffffffffffff", "op@example.org", true); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("unknown channel: %v", err)
	}
}

func TestRecordStageBackdatesStart(t *testing.T) {
	env := newTestEnv(t)
	c := env.registerChannel(t, "A", "a.org", "a")
	run := env.createRun(t, c.ChannelID, "chef-a")

	stage, err := env.eng.RecordStage(context.Background(), run.RunID, "Status.DOWNLOADING", 90)
	if err != nil {
		t.Fatal(err)
	}
	finished, err := time.Parse("2006-01-02T15:04:05.000000000Z07:00", stage.Finished)
	if err != nil {
		t.Fatal(err)
	}
	started, err := time.Parse("2006-01-02T15:04:05.000000000Z07:00", stage.Started)
	if err != nil {
		t.Fatal(err)
	}
	if got := finished.Sub(started); got != 90*time.Second {
		t.Errorf("finished-started = %v, want 90s", got)
	}
	if !finished.Equal(env.now) {
		t.Errorf("finished = %v, want receipt time %v", finished, env.now)
	}
}

func TestStagesOrderedByFinishTime(t *testing.T) {
	env := newTestEnv(t)
	c := env.registerChannel(t, "A", "a.org", "a")
	run := env.createRun(t, c.ChannelID, "chef-a")
	ctx := context.Background()

	// A long early stage reported first, then a later short one. Ordering by
	// receipt-derived finish times must hold regardless of claimed durations.
	if _, err := env.eng.RecordStage(ctx, run.RunID, "Status.DOWNLOADING", 600); err != nil {
		t.Fatal(err)
	}
	env.advance(30 * time.Second)
	if _, err := env.eng.RecordStage(ctx, run.RunID, "Status.PROCESSING", 5); err != nil {
		t.Fatal(err)
	}
	stages, err := env.eng.Repo.ListStages(ctx, run.RunID)
	if err != nil {
		t.Fatal(err)
	}
	if len(stages) != 2 {
		t.Fatalf("stages = %d", len(stages))
	}
	if stages[0].Name != "Status.DOWNLOADING" || stages[1].Name != "Status.PROCESSING" {
		t.Errorf("order = %s, %s", stages[0].Name, stages[1].Name)
	}

	got, err := env.eng.Repo.GetRun(ctx, run.RunID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != "Status.PROCESSING" {
		t.Errorf("run state = %q", got.State)
	}
}

func TestRecordStageValidation(t *testing.T) {
	env := newTestEnv(t)
	c := env.registerChannel(t, "A", "a.org", "a")
	run := env.createRun(t, c.ChannelID, "chef-a")
	ctx := context.Background()

	var fe FieldError
	if _, err := env.eng.RecordStage(ctx, run.RunID, "", 1); !errors.As(err, &fe) {
		t.Errorf("empty stage: %v", err)
	}
	if _, err := env.eng.RecordStage(ctx, run.RunID, "Status.DOWNLOADING", -1); !errors.As(err, &fe) {
		t.Errorf("negative duration: %v", err)
	}
	if _, err := env.eng.RecordStage(ctx, "ffffffffffffffffffffffffffffffff", "Status.DOWNLOADING", 1); !errors.Is(err, repo.ErrNotFound) {
		t.Errorf("unknown run: %v", err)
	}
}

func TestCompletedStageDispatchesTreeBuildAndRefreshesOptions(t *testing.T) {
	env := newTestEnv(t)
	c := env.registerChannel(t, "A", "a.org", "a")
	run := env.createRun(t, c.ChannelID, "chef-a")
	env.studio.statuses[c.ChannelID] = "staged"
	env.studio.children = map[string][]domain.TreeNode{
		"": {{Kind: "topic", Title: "Root"}},
	}
	ctx := context.Background()

	if _, err := env.eng.RecordStage(ctx, run.RunID, "Status.DOWNLOADING", 10); err != nil {
		t.Fatal(err)
	}
	if len(env.jobs.jobs) != 0 {
		t.Fatalf("non-terminal stage dispatched %d jobs", len(env.jobs.jobs))
	}

	env.advance(time.Minute)
	if _, err := env.eng.RecordStage(ctx, run.RunID, StageCompleted, 70); err != nil {
		t.Fatal(err)
	}
	if len(env.jobs.jobs) != 1 {
		t.Fatalf("jobs dispatched = %d, want 1", len(env.jobs.jobs))
	}
	if env.jobs.jobs[0].Name != "tree-build "+run.RunID {
		t.Errorf("job name = %q", env.jobs.jobs[0].Name)
	}
	if err := env.jobs.jobs[0].Run(ctx); err != nil {
		t.Fatalf("tree build job: %v", err)
	}
	if _, err := os.Stat(env.eng.Trees.CachePath(env.eng.runContext(run))); err != nil {
		t.Fatalf("tree cache not written: %v", err)
	}

	got, err := env.eng.Repo.GetRun(ctx, run.RunID)
	if err != nil {
		t.Fatal(err)
	}
	if staged, _ := got.ExtraOptions["staged"].(bool); !staged {
		t.Errorf("extra options staged = %v", got.ExtraOptions["staged"])
	}
	if published, _ := got.ExtraOptions["published"].(bool); published {
		t.Errorf("extra options published = %v", got.ExtraOptions["published"])
	}
}

func TestCompletedStageSurvivesRemoteFailure(t *testing.T) {
	env := newTestEnv(t)
	c := env.registerChannel(t, "A", "a.org", "a")
	run := env.createRun(t, c.ChannelID, "chef-a")
	env.studio.bulkErr = errors.New("unreachable")

	if _, err := env.eng.RecordStage(context.Background(), run.RunID, StageCompleted, 10); err != nil {
		t.Fatalf("remote failure must not fail the stage report: %v", err)
	}
	got, err := env.eng.Repo.GetRun(context.Background(), run.RunID)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := got.ExtraOptions["staged"]; ok {
		t.Error("options should stay untouched on remote failure")
	}
}

func TestUpdateRunStats(t *testing.T) {
	env := newTestEnv(t)
	c := env.registerChannel(t, "A", "a.org", "a")
	run := env.createRun(t, c.ChannelID, "chef-a")

	got, err := env.eng.UpdateRunStats(context.Background(), run.RunID,
		map[string]int64{"video": 10}, map[string]int64{"video": 2048})
	if err != nil {
		t.Fatal(err)
	}
	if got.ResourceCounts["video"] != 10 || got.ResourceSizes["video"] != 2048 {
		t.Fatalf("stats = %v / %v", got.ResourceCounts, got.ResourceSizes)
	}
}

func TestSendControl(t *testing.T) {
	env := newTestEnv(t)
	c := env.registerChannel(t, "A", "a.org", "a")
	ctx := context.Background()

	sub := env.eng.Broker.Subscribe(c.ChannelID)
	defer sub.Close()

	n, err := env.eng.SendControl(ctx, c.ChannelID, domain.ControlMessage{Command: "stop"})
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("delivered = %d", n)
	}
	if msg := <-sub.C; msg.Command != "stop" {
		t.Errorf("received %+v", msg)
	}

	var fe FieldError
	if _, err := env.eng.SendControl(ctx, c.ChannelID, domain.ControlMessage{}); !errors.As(err, &fe) {
		t.Errorf("empty command: %v", err)
	}
	if _, err := env.eng.SendControl(ctx, "ffffffffffffffffffffffffffffffff", domain.ControlMessage{Command: "stop"}); !errors.Is(err, repo.ErrNotFound) {
		t.Errorf("unknown channel: %v", err)
	}
}

func TestActivateAndPublishProxies(t *testing.T) {
	env := newTestEnv(t)
	c := env.registerChannel(t, "A", "a.org", "a")
	ctx := context.Background()

	if err := env.eng.ActivateChannel(ctx, c.ChannelID, "tok"); err != nil {
		t.Fatal(err)
	}
	if err := env.eng.PublishChannel(ctx, c.ChannelID, "tok"); err != nil {
		t.Fatal(err)
	}
	if len(env.studio.activated) != 1 || env.studio.activated[0] != c.ChannelID {
		t.Errorf("activated = %v", env.studio.activated)
	}
	if len(env.studio.published) != 1 || env.studio.published[0] != c.ChannelID {
		t.Errorf("published = %v", env.studio.published)
	}
}
