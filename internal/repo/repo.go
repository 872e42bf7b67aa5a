package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"sushibar/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const channelCols = `channel_id,name,COALESCE(description,''),version,source_domain,source_id,
COALESCE(trello_url,''),COALESCE(spec_sheet_url,''),COALESCE(chef_repo_url,''),content_server,created_at,modified_at`

func scanChannel(scan func(dest ...any) error) (domain.Channel, error) {
	var c domain.Channel
	err := scan(&c.ChannelID, &c.Name, &c.Description, &c.Version, &c.SourceDomain, &c.SourceID,
		&c.TrelloURL, &c.SpecSheetURL, &c.ChefRepoURL, &c.ContentServer, &c.CreatedAt, &c.ModifiedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	return c, err
}

func (r Repo) InsertChannel(ctx context.Context, c domain.Channel) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO channels(channel_id,name,description,version,source_domain,source_id,trello_url,spec_sheet_url,chef_repo_url,content_server,created_at,modified_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		c.ChannelID, c.Name, nullable(c.Description), c.Version, c.SourceDomain, c.SourceID,
		nullable(c.TrelloURL), nullable(c.SpecSheetURL), nullable(c.ChefRepoURL), c.ContentServer, c.CreatedAt, c.ModifiedAt)
	return err
}

func (r Repo) GetChannel(ctx context.Context, channelID string) (domain.Channel, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+channelCols+` FROM channels WHERE channel_id=?`, channelID)
	return scanChannel(row.Scan)
}

func (r Repo) ChannelExists(ctx context.Context, channelID string) (bool, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT 1 FROM channels WHERE channel_id=? LIMIT 1`, channelID).Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// ListChannels returns all channels, most recently active first (channels with
// newer run activity come before channels with older or no activity).
func (r Repo) ListChannels(ctx context.Context) ([]domain.Channel, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+channelCols+` FROM channels c
ORDER BY COALESCE((SELECT MAX(modified_at) FROM runs WHERE runs.channel_id=c.channel_id), c.created_at) DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Channel
	for rows.Next() {
		c, err := scanChannel(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func (r Repo) UpdateChannel(ctx context.Context, channelID string, name, description, trelloURL *string, now string) error {
	var (
		fields []string
		args   []any
	)
	if name != nil {
		fields = append(fields, "name=?")
		args = append(args, *name)
	}
	if description != nil {
		fields = append(fields, "description=?")
		args = append(args, nullable(*description))
	}
	if trelloURL != nil {
		fields = append(fields, "trello_url=?")
		args = append(args, nullable(*trelloURL))
	}
	if len(fields) == 0 {
		return nil
	}
	fields = append(fields, "modified_at=?")
	args = append(args, now, channelID)
	res, err := r.DB.ExecContext(ctx, fmt.Sprintf(`UPDATE channels SET %s WHERE channel_id=?`, strings.Join(fields, ",")), args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteChannel(ctx context.Context, channelID string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM channels WHERE channel_id=?`, channelID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ChannelHasRuns(ctx context.Context, channelID string) (bool, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT 1 FROM runs WHERE channel_id=? LIMIT 1`, channelID).Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// FOLLOWERS ###################################################################

func (r Repo) AddFollower(ctx context.Context, channelID, userEmail, now string) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO channel_followers(channel_id,user_email,created_at) VALUES (?,?,?)
ON CONFLICT(channel_id,user_email) DO NOTHING`, channelID, userEmail, now)
	return err
}

func (r Repo) RemoveFollower(ctx context.Context, channelID, userEmail string) error {
	_, err := r.DB.ExecContext(ctx, `DELETE FROM channel_followers WHERE channel_id=? AND user_email=?`, channelID, userEmail)
	return err
}

func (r Repo) ListFollowers(ctx context.Context, channelID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT user_email FROM channel_followers WHERE channel_id=? ORDER BY user_email`, channelID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []string
	for rows.Next() {
		var email string
		if err := rows.Scan(&email); err != nil {
			return nil, err
		}
		res = append(res, email)
	}
	return res, rows.Err()
}

func (r Repo) IsFollower(ctx context.Context, channelID, userEmail string) (bool, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT 1 FROM channel_followers WHERE channel_id=? AND user_email=? LIMIT 1`, channelID, userEmail).Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// RUNS ########################################################################

const runCols = `run_id,channel_id,chef_name,COALESCE(started_by_user,''),COALESCE(started_by_token,''),content_server,
resource_counts,resource_sizes,extra_options,COALESCE(state,''),created_at,modified_at`

func scanRun(scan func(dest ...any) error) (domain.Run, error) {
	var run domain.Run
	var counts, sizes, extra sql.NullString
	err := scan(&run.RunID, &run.ChannelID, &run.ChefName, &run.StartedByUser, &run.StartedByToken,
		&run.ContentServer, &counts, &sizes, &extra, &run.State, &run.CreatedAt, &run.ModifiedAt)
	if err == sql.ErrNoRows {
		return run, ErrNotFound
	}
	if err != nil {
		return run, err
	}
	if counts.Valid && counts.String != "" {
		_ = json.Unmarshal([]byte(counts.String), &run.ResourceCounts)
	}
	if sizes.Valid && sizes.String != "" {
		_ = json.Unmarshal([]byte(sizes.String), &run.ResourceSizes)
	}
	if extra.Valid && extra.String != "" {
		_ = json.Unmarshal([]byte(extra.String), &run.ExtraOptions)
	}
	return run, nil
}

func (r Repo) InsertRun(ctx context.Context, run domain.Run) error {
	counts, err := marshalMap(run.ResourceCounts)
	if err != nil {
		return err
	}
	sizes, err := marshalMap(run.ResourceSizes)
	if err != nil {
		return err
	}
	extra, err := marshalMap(run.ExtraOptions)
	if err != nil {
		return err
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO runs(run_id,channel_id,chef_name,started_by_user,started_by_token,content_server,resource_counts,resource_sizes,extra_options,state,created_at,modified_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		run.RunID, run.ChannelID, run.ChefName, nullable(run.StartedByUser), nullable(run.StartedByToken),
		run.ContentServer, counts, sizes, extra, nullable(run.State), run.CreatedAt, run.ModifiedAt)
	return err
}

func (r Repo) GetRun(ctx context.Context, runID string) (domain.Run, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+runCols+` FROM runs WHERE run_id=?`, runID)
	return scanRun(row.Scan)
}

func (r Repo) ListRuns(ctx context.Context) ([]domain.Run, error) {
	return r.queryRuns(ctx, `SELECT `+runCols+` FROM runs ORDER BY created_at DESC`)
}

func (r Repo) ListRunsForChannel(ctx context.Context, channelID string) ([]domain.Run, error) {
	return r.queryRuns(ctx, `SELECT `+runCols+` FROM runs WHERE channel_id=? ORDER BY created_at DESC`, channelID)
}

// LatestRun returns the most recently created run for a channel.
func (r Repo) LatestRun(ctx context.Context, channelID string) (domain.Run, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+runCols+` FROM runs WHERE channel_id=? ORDER BY created_at DESC LIMIT 1`, channelID)
	return scanRun(row.Scan)
}

func (r Repo) queryRuns(ctx context.Context, query string, args ...any) ([]domain.Run, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Run
	for rows.Next() {
		run, err := scanRun(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, run)
	}
	return res, rows.Err()
}

func (r Repo) UpdateRunStats(ctx context.Context, runID string, counts, sizes map[string]int64, now string) error {
	var (
		fields []string
		args   []any
	)
	if counts != nil {
		payload, err := marshalMap(counts)
		if err != nil {
			return err
		}
		fields = append(fields, "resource_counts=?")
		args = append(args, payload)
	}
	if sizes != nil {
		payload, err := marshalMap(sizes)
		if err != nil {
			return err
		}
		fields = append(fields, "resource_sizes=?")
		args = append(args, payload)
	}
	if len(fields) == 0 {
		return nil
	}
	fields = append(fields, "modified_at=?")
	args = append(args, now, runID)
	res, err := r.DB.ExecContext(ctx, fmt.Sprintf(`UPDATE runs SET %s WHERE run_id=?`, strings.Join(fields, ",")), args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) UpdateRunExtraOptions(ctx context.Context, runID string, extra map[string]any, now string) error {
	payload, err := marshalMap(extra)
	if err != nil {
		return err
	}
	res, err := r.DB.ExecContext(ctx, `UPDATE runs SET extra_options=?, modified_at=? WHERE run_id=?`, payload, now, runID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RUN STAGES ##################################################################

// ListStages returns a run's stages ordered by finish time, which reconstructs
// chronological order regardless of HTTP arrival order.
func (r Repo) ListStages(ctx context.Context, runID string) ([]domain.RunStage, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,run_id,name,started,finished,duration_seconds FROM run_stages WHERE run_id=? ORDER BY finished ASC, id ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.RunStage
	for rows.Next() {
		var s domain.RunStage
		if err := rows.Scan(&s.ID, &s.RunID, &s.Name, &s.Started, &s.Finished, &s.DurationSeconds); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func marshalMap[V any](m map[string]V) (any, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
