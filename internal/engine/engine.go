// Package engine implements the dashboard's domain operations on top of the
// repo, the studio client, and the background dispatcher.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"regexp"
	"time"

	"github.com/google/uuid"

	"sushibar/internal/config"
	"sushibar/internal/control"
	"sushibar/internal/domain"
	"sushibar/internal/events"
	"sushibar/internal/identity"
	"sushibar/internal/progress"
	"sushibar/internal/repo"
	"sushibar/internal/status"
	"sushibar/internal/tasks"
	"sushibar/internal/trees"
)

// StageCompleted is the terminal stage name a chef reports when a run finished
// uploading. Receiving it triggers the tree build and the run-option refresh.
const StageCompleted = "COMPLETED"

// ErrChannelHasRuns blocks channel deletion while run history exists.
var ErrChannelHasRuns = errors.New("channel has recorded runs and cannot be deleted")

// FieldError attributes a validation failure to one input field so the API can
// render it next to the offending form field.
type FieldError struct {
	Field   string
	Message string
}

func (e FieldError) Error() string {
	return e.Field + ": " + e.Message
}

// Studio is the subset of the studio client the engine calls.
type Studio interface {
	GetNodeChildren(ctx context.Context, server, token, channelID, nodeID string) ([]domain.TreeNode, error)
	GetChannelStatusBulk(ctx context.Context, server, token string, channelIDs []string) (map[string]string, error)
	ActivateChannel(ctx context.Context, server, token, channelID string) error
	PublishChannel(ctx context.Context, server, token, channelID string) error
}

// Dispatcher accepts fire-and-forget background jobs.
type Dispatcher interface {
	Enqueue(tasks.Job)
}

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Studio   Studio
	Progress progress.Store
	Trees    *trees.Builder
	Broker   *control.Broker
	Tasks    Dispatcher
	Config   *config.Config
	Now      func() time.Time
}

func New(db *sql.DB, cfg *config.Config, st Studio, store progress.Store, builder *trees.Builder, broker *control.Broker, disp Dispatcher) Engine {
	return Engine{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Events:   events.Writer{DB: db},
		Studio:   st,
		Progress: store,
		Trees:    builder,
		Broker:   broker,
		Tasks:    disp,
		Config:   cfg,
		Now:      time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) stamp() string {
	return e.now().UTC().Format(events.StampLayout)
}

// CHANNELS ####################################################################

var (
	trelloURLRe    = regexp.MustCompile(`^https?://trello\.com/.+`)
	specSheetURLRe = regexp.MustCompile(`^https?://docs\.google\.com/document/d/.+`)
	chefRepoURLRe  = regexp.MustCompile(`^https?://github\.com/.+`)
)

// RegisterChannelOptions are the inputs for registering a channel. Domain and
// source id together determine the channel id.
type RegisterChannelOptions struct {
	Name          string
	Domain        string
	SourceID      string
	Description   string
	TrelloURL     string
	SpecSheetURL  string
	ChefRepoURL   string
	ContentServer string
}

func (opts RegisterChannelOptions) validate() error {
	if opts.Name == "" {
		return FieldError{Field: "name", Message: "name is required"}
	}
	if opts.Domain == "" {
		return FieldError{Field: "domain", Message: "domain is required"}
	}
	if opts.SourceID == "" {
		return FieldError{Field: "source_id", Message: "source_id is required"}
	}
	if opts.TrelloURL != "" && !trelloURLRe.MatchString(opts.TrelloURL) {
		return FieldError{Field: "trello_url", Message: "invalid Trello URL"}
	}
	if opts.SpecSheetURL != "" && !specSheetURLRe.MatchString(opts.SpecSheetURL) {
		return FieldError{Field: "spec_sheet_url", Message: "invalid spec sheet URL"}
	}
	if opts.ChefRepoURL != "" && !chefRepoURLRe.MatchString(opts.ChefRepoURL) {
		return FieldError{Field: "chef_repo_url", Message: "invalid github repository"}
	}
	return nil
}

// RegisterChannel computes the deterministic channel id from domain and source
// id and stores the channel. A duplicate id is reported as a validation error
// on the domain field, the same way the registration form flags it.
func (e Engine) RegisterChannel(ctx context.Context, opts RegisterChannelOptions) (domain.Channel, error) {
	if err := opts.validate(); err != nil {
		return domain.Channel{}, err
	}
	channelID := identity.Hex(identity.ChannelID(opts.SourceID, opts.Domain))
	exists, err := e.Repo.ChannelExists(ctx, channelID)
	if err != nil {
		return domain.Channel{}, err
	}
	if exists {
		return domain.Channel{}, FieldError{Field: "domain", Message: "channel with domain and source ID already exists"}
	}
	server := opts.ContentServer
	if server == "" && e.Config != nil {
		server = e.Config.Studio.DefaultServer
	}
	now := e.stamp()
	c := domain.Channel{
		ChannelID:     channelID,
		Name:          opts.Name,
		Description:   opts.Description,
		Version:       1,
		SourceDomain:  opts.Domain,
		SourceID:      opts.SourceID,
		TrelloURL:     opts.TrelloURL,
		SpecSheetURL:  opts.SpecSheetURL,
		ChefRepoURL:   opts.ChefRepoURL,
		ContentServer: server,
		CreatedAt:     now,
		ModifiedAt:    now,
	}
	if err := e.Repo.InsertChannel(ctx, c); err != nil {
		return domain.Channel{}, err
	}
	return c, nil
}

// UpdateChannel applies the editable channel fields. Nil pointers leave the
// field untouched.
func (e Engine) UpdateChannel(ctx context.Context, channelID string, name, description, trelloURL *string) (domain.Channel, error) {
	if trelloURL != nil && *trelloURL != "" && !trelloURLRe.MatchString(*trelloURL) {
		return domain.Channel{}, FieldError{Field: "trello_url", Message: "invalid Trello URL"}
	}
	if name != nil && *name == "" {
		return domain.Channel{}, FieldError{Field: "name", Message: "name cannot be empty"}
	}
	if err := e.Repo.UpdateChannel(ctx, channelID, name, description, trelloURL, e.stamp()); err != nil {
		return domain.Channel{}, err
	}
	return e.Repo.GetChannel(ctx, channelID)
}

// DeleteChannel removes a channel that never ran.
func (e Engine) DeleteChannel(ctx context.Context, channelID string) error {
	hasRuns, err := e.Repo.ChannelHasRuns(ctx, channelID)
	if err != nil {
		return err
	}
	if hasRuns {
		return ErrChannelHasRuns
	}
	return e.Repo.DeleteChannel(ctx, channelID)
}

// GetChannel returns a channel with its follower list attached.
func (e Engine) GetChannel(ctx context.Context, channelID string) (domain.Channel, error) {
	c, err := e.Repo.GetChannel(ctx, channelID)
	if err != nil {
		return c, err
	}
	c.Followers, err = e.Repo.ListFollowers(ctx, channelID)
	return c, err
}

// SetFollowing saves or removes the channel on the user's profile.
func (e Engine) SetFollowing(ctx context.Context, channelID, userEmail string, follow bool) error {
	if _, err := e.Repo.GetChannel(ctx, channelID); err != nil {
		return err
	}
	if follow {
		return e.Repo.AddFollower(ctx, channelID, userEmail, e.stamp())
	}
	return e.Repo.RemoveFollower(ctx, channelID, userEmail)
}

// RUNS ########################################################################

// CreateRunOptions are the inputs a chef sends when it starts a run.
type CreateRunOptions struct {
	RunID          string
	ChannelID      string
	ChefName       string
	StartedByUser  string
	StartedByToken string
	ContentServer  string
	ExtraOptions   map[string]any
}

func (e Engine) CreateRun(ctx context.Context, opts CreateRunOptions) (domain.Run, error) {
	if opts.ChannelID == "" {
		return domain.Run{}, FieldError{Field: "channel_id", Message: "channel_id is required"}
	}
	if opts.ChefName == "" {
		return domain.Run{}, FieldError{Field: "chef_name", Message: "chef_name is required"}
	}
	c, err := e.Repo.GetChannel(ctx, opts.ChannelID)
	if err != nil {
		return domain.Run{}, err
	}
	runID := opts.RunID
	if runID == "" {
		runID = identity.Hex(uuid.New())
	}
	server := opts.ContentServer
	if server == "" {
		server = c.ContentServer
	}
	now := e.stamp()
	run := domain.Run{
		RunID:          runID,
		ChannelID:      c.ChannelID,
		ChefName:       opts.ChefName,
		StartedByUser:  opts.StartedByUser,
		StartedByToken: opts.StartedByToken,
		ContentServer:  server,
		ExtraOptions:   opts.ExtraOptions,
		CreatedAt:      now,
		ModifiedAt:     now,
	}
	if err := e.Repo.InsertRun(ctx, run); err != nil {
		return domain.Run{}, err
	}
	return run, nil
}

// UpdateRunStats stores the resource counts and sizes a chef uploads at the
// end of a run. Nil maps leave the column untouched.
func (e Engine) UpdateRunStats(ctx context.Context, runID string, counts, sizes map[string]int64) (domain.Run, error) {
	if err := e.Repo.UpdateRunStats(ctx, runID, counts, sizes, e.stamp()); err != nil {
		return domain.Run{}, err
	}
	return e.Repo.GetRun(ctx, runID)
}

// RecordStage ingests one completed stage for a run. On the terminal stage it
// dispatches the tree build to the background worker and synchronously
// refreshes the staged/published flags from the content server.
func (e Engine) RecordStage(ctx context.Context, runID, stage string, durationSeconds float64) (domain.RunStage, error) {
	if stage == "" {
		return domain.RunStage{}, FieldError{Field: "stage", Message: "stage is required"}
	}
	if durationSeconds < 0 {
		return domain.RunStage{}, FieldError{Field: "duration", Message: "duration must be >= 0"}
	}
	run, err := e.Repo.GetRun(ctx, runID)
	if err != nil {
		return domain.RunStage{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.RunStage{}, err
	}
	defer tx.Rollback()
	// Stage stamps come from the same clock as run stamps.
	e.Events.Now = e.Now
	started, finished, err := e.Events.Append(ctx, tx, runID, stage, durationSeconds)
	if err != nil {
		return domain.RunStage{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.RunStage{}, err
	}
	if stage == StageCompleted {
		e.dispatchTreeBuild(run)
		e.refreshRunOptions(ctx, run)
	}
	return domain.RunStage{
		RunID:           runID,
		Name:            stage,
		Started:         started,
		Finished:        finished,
		DurationSeconds: durationSeconds,
	}, nil
}

func (e Engine) dispatchTreeBuild(run domain.Run) {
	if e.Tasks == nil || e.Trees == nil {
		return
	}
	rc := e.runContext(run)
	e.Tasks.Enqueue(tasks.Job{
		Name: "tree-build " + run.RunID,
		Run: func(ctx context.Context) error {
			_, err := e.Trees.Build(ctx, rc)
			return err
		},
	})
}

// refreshRunOptions stores the channel's staged/published state as reported by
// the content server into the run's extra options. Remote failure leaves the
// options unchanged.
func (e Engine) refreshRunOptions(ctx context.Context, run domain.Run) {
	statuses, err := e.Studio.GetChannelStatusBulk(ctx, run.ContentServer, run.StartedByToken, []string{run.ChannelID})
	if err != nil {
		log.Printf("engine: run option refresh for %s failed: %v", run.RunID, err)
		return
	}
	s := statuses[run.ChannelID]
	extra := run.ExtraOptions
	if extra == nil {
		extra = map[string]any{}
	}
	extra["staged"] = s == status.Staged
	extra["published"] = s == "published"
	if err := e.Repo.UpdateRunExtraOptions(ctx, run.RunID, extra, e.stamp()); err != nil {
		log.Printf("engine: run option save for %s failed: %v", run.RunID, err)
	}
}

func (e Engine) runContext(run domain.Run) trees.RunContext {
	createdAt, _ := time.Parse(events.StampLayout, run.CreatedAt)
	if createdAt.IsZero() {
		createdAt, _ = time.Parse(time.RFC3339, run.CreatedAt)
	}
	return trees.RunContext{
		Server:    run.ContentServer,
		Token:     run.StartedByToken,
		ChannelID: run.ChannelID,
		RunID:     run.RunID,
		CreatedAt: createdAt,
	}
}

// STUDIO PROXIES ##############################################################

// ActivateChannel asks the content server to deploy the channel's staged tree.
// The caller's token is used; the remote reason is surfaced on failure.
func (e Engine) ActivateChannel(ctx context.Context, channelID, token string) error {
	c, err := e.Repo.GetChannel(ctx, channelID)
	if err != nil {
		return err
	}
	return e.Studio.ActivateChannel(ctx, c.ContentServer, token, channelID)
}

// PublishChannel asks the content server to publish the channel.
func (e Engine) PublishChannel(ctx context.Context, channelID, token string) error {
	c, err := e.Repo.GetChannel(ctx, channelID)
	if err != nil {
		return err
	}
	return e.Studio.PublishChannel(ctx, c.ContentServer, token, channelID)
}

// CONTROL #####################################################################

// SendControl broadcasts a command to the chef daemons listening on a channel
// and reports how many received it.
func (e Engine) SendControl(ctx context.Context, channelID string, msg domain.ControlMessage) (int, error) {
	if msg.Command == "" {
		return 0, FieldError{Field: "command", Message: "command is required"}
	}
	if _, err := e.Repo.GetChannel(ctx, channelID); err != nil {
		return 0, err
	}
	if e.Broker == nil {
		return 0, fmt.Errorf("control broker not configured")
	}
	return e.Broker.Broadcast(channelID, msg), nil
}
