package domain

type Channel struct {
	ChannelID     string   `json:"channel_id"`
	Name          string   `json:"name"`
	Description   string   `json:"description,omitempty"`
	Version       int      `json:"version"`
	SourceDomain  string   `json:"source_domain"`
	SourceID      string   `json:"source_id"`
	TrelloURL     string   `json:"trello_url,omitempty"`
	SpecSheetURL  string   `json:"spec_sheet_url,omitempty"`
	ChefRepoURL   string   `json:"chef_repo_url,omitempty"`
	ContentServer string   `json:"content_server"`
	Followers     []string `json:"followers,omitempty"`
	CreatedAt     string   `json:"created_at" format:"date-time"`
	ModifiedAt    string   `json:"modified_at" format:"date-time"`
}

type Run struct {
	RunID          string           `json:"run_id"`
	ChannelID      string           `json:"channel_id"`
	ChefName       string           `json:"chef_name"`
	StartedByUser  string           `json:"started_by_user,omitempty"`
	StartedByToken string           `json:"-"`
	ContentServer  string           `json:"content_server"`
	ResourceCounts map[string]int64 `json:"resource_counts,omitempty"`
	ResourceSizes  map[string]int64 `json:"resource_sizes,omitempty"`
	ExtraOptions   map[string]any   `json:"extra_options,omitempty"`
	State          string           `json:"state,omitempty"`
	CreatedAt      string           `json:"created_at" format:"date-time"`
	ModifiedAt     string           `json:"modified_at" format:"date-time"`
}

// RunStage is one named milestone of a run. Started is derived on the server
// from the receipt time minus the chef's claimed duration.
type RunStage struct {
	ID              int64   `json:"id"`
	RunID           string  `json:"run_id"`
	Name            string  `json:"name"`
	Started         string  `json:"started" format:"date-time"`
	Finished        string  `json:"finished" format:"date-time"`
	DurationSeconds float64 `json:"duration_seconds"`
}

// TreeNode is one node of the remote content hierarchy. It is never stored in
// the relational store; forests of TreeNodes are cached as JSON per run.
type TreeNode struct {
	NodeID   string     `json:"node_id,omitempty"`
	Kind     string     `json:"kind"`
	Title    string     `json:"title"`
	Count    *int64     `json:"count,omitempty"`
	FileSize *int64     `json:"file_size,omitempty"`
	Icon     string     `json:"icon,omitempty"`
	Size     string     `json:"size,omitempty"`
	Children []TreeNode `json:"children,omitempty"`
}

// StatusDescriptor is the operator-facing rendering of a remote channel status.
type StatusDescriptor struct {
	Status  string         `json:"status"`
	Name    string         `json:"name"`
	Helper  string         `json:"helper"`
	Actions []StatusAction `json:"actions,omitempty"`
}

type StatusAction struct {
	ActionText string `json:"action_text"`
	URL        string `json:"url"`
}

// DiffRow is a display-ready comparison of one stat against the previous run.
type DiffRow struct {
	Icon          string `json:"icon"`
	Name          string `json:"name"`
	Value         string `json:"value"`
	PreviousValue string `json:"previous_value"`
	Change        string `json:"change" enum:"increased,decreased,unchanged"`
}

// ControlMessage is a command broadcast to chef daemons listening on a channel.
type ControlMessage struct {
	Command string         `json:"command"`
	Args    []string       `json:"args"`
	Options map[string]any `json:"options"`
}
