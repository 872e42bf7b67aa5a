// Package status reconciles channel status from the remote content server and
// local stage history.
package status

import (
	"context"
	"strings"

	"sushibar/internal/domain"
)

// Remote status values the content server reports.
const (
	Deleted     = "deleted"
	Staged      = "staged"
	Unpublished = "unpublished"
	Active      = "active"
	Building    = "building"
)

// FailureMarker flags a stage name as having failed the whole run.
const FailureMarker = "FAILURE"

// Descriptor maps a remote status value to its operator-facing rendering.
// Unknown values yield nil, which callers must tolerate: an unrecognized
// status is not an error, it just has nothing to show.
func Descriptor(status, server, channelID string) *domain.StatusDescriptor {
	switch status {
	case Deleted:
		return &domain.StatusDescriptor{Status: status, Name: "Deleted", Helper: "Channel has been deleted"}
	case Staged:
		d := &domain.StatusDescriptor{Status: status, Name: "Needs Review", Helper: "Channel is currently staged"}
		if server != "" {
			d.Actions = []domain.StatusAction{{
				ActionText: "Review Channel",
				URL:        strings.TrimRight(server, "/") + "/channels/" + channelID + "/staging",
			}}
		}
		return d
	case Unpublished:
		return &domain.StatusDescriptor{Status: status, Name: "Needs Publishing", Helper: "Channel has unpublished updates"}
	case Active:
		return &domain.StatusDescriptor{Status: status, Name: "Active", Helper: "Channel is active"}
	case Building:
		return &domain.StatusDescriptor{Status: status, Name: "Building...", Helper: "Building topic tree for this channel"}
	default:
		return nil
	}
}

// Resolve merges remote authoritative status with a locally derived fallback.
// A remote entry for the channel wins; otherwise the fallback string stands
// and no descriptor is produced.
func Resolve(channelID string, mapping map[string]string, server, fallback string) (string, *domain.StatusDescriptor) {
	if s, ok := mapping[channelID]; ok {
		return s, Descriptor(s, server, channelID)
	}
	return fallback, nil
}

// CleanStageName strips the reporting job's enum prefix and underscores for
// display ("Status.PUBLISH_CHANNEL" -> "PUBLISH CHANNEL").
func CleanStageName(name string) string {
	return strings.ReplaceAll(strings.TrimPrefix(name, "Status."), "_", " ")
}

// IsFailureStage reports whether a stage name marks the run as failed.
func IsFailureStage(name string) bool {
	return strings.Contains(name, FailureMarker)
}

// BulkFetcher issues one bulk status request against one content server.
type BulkFetcher interface {
	GetChannelStatusBulk(ctx context.Context, server, token string, channelIDs []string) (map[string]string, error)
}

// BulkStatusMapping issues one batched status request per distinct content
// server, keeping request counts proportional to the number of servers rather
// than the number of channels. byServer maps server URL to the channel ids
// hosted there. A failed batch degrades its channels to unknown (absent from
// the result) without affecting other batches.
func BulkStatusMapping(ctx context.Context, f BulkFetcher, token string, byServer map[string][]string) map[string]string {
	mapping := map[string]string{}
	for server, channelIDs := range byServer {
		if server == "" || len(channelIDs) == 0 {
			continue
		}
		statuses, err := f.GetChannelStatusBulk(ctx, server, token, channelIDs)
		if err != nil {
			continue
		}
		for id, s := range statuses {
			mapping[id] = s
		}
	}
	return mapping
}
