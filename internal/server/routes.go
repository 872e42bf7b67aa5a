package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"sushibar/internal/domain"
	"sushibar/internal/engine"
	"sushibar/internal/progress"
)

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

// AUTH ########################################################################

type LoginRequest struct {
	Token string `json:"token" doc:"Content server token"`
	Email string `json:"email,omitempty" doc:"Optional email; must match the token's account"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Email       string `json:"email"`
	IsAdmin     bool   `json:"is_admin"`
}

func registerAuth(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "login",
		Method:      http.MethodPost,
		Path:        "/auth/login",
		Summary:     "Exchange a content server token for a session",
		Errors:      []int{http.StatusUnauthorized, http.StatusBadGateway},
	}, func(ctx context.Context, input *struct {
		Body LoginRequest `json:"body"`
	}) (*struct {
		Body LoginResponse `json:"body"`
	}, error) {
		if input.Body.Token == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "token is required", nil)
		}
		user, err := cfg.Studio.AuthenticateUser(ctx, cfg.Auth.StudioServer, input.Body.Token, input.Body.Email)
		if err != nil {
			return nil, newAPIError(http.StatusUnauthorized, "invalid_credentials", err.Error(), nil)
		}
		session, err := mintSession(user, input.Body.Token, cfg.Auth.JWTSecret, cfg.Auth.sessionTTL(), cfg.Engine.Now())
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body LoginResponse `json:"body"`
		}{Body: LoginResponse{AccessToken: session, Email: user.Username, IsAdmin: user.IsAdmin}}, nil
	})
}

// CHANNELS ####################################################################

type CreateChannelRequest struct {
	Name          string `json:"name"`
	Domain        string `json:"domain"`
	SourceID      string `json:"source_id"`
	Description   string `json:"description,omitempty"`
	TrelloURL     string `json:"trello_url,omitempty"`
	SpecSheetURL  string `json:"spec_sheet_url,omitempty"`
	ChefRepoURL   string `json:"chef_repo_url,omitempty"`
	ContentServer string `json:"content_server,omitempty"`
}

type UpdateChannelRequest struct {
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
	TrelloURL   *string `json:"trello_url,omitempty"`
}

type FollowRequest struct {
	SaveChannelToProfile bool `json:"save_channel_to_profile"`
}

func registerChannels(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "register-channel",
		Method:        http.MethodPost,
		Path:          "/channels",
		Summary:       "Register channel",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body CreateChannelRequest `json:"body"`
	}) (*struct {
		Body domain.Channel `json:"body"`
	}, error) {
		if _, authErr := requirePrincipal(ctx); authErr != nil {
			return nil, authErr
		}
		c, err := e.RegisterChannel(ctx, engine.RegisterChannelOptions{
			Name:          input.Body.Name,
			Domain:        input.Body.Domain,
			SourceID:      input.Body.SourceID,
			Description:   input.Body.Description,
			TrelloURL:     input.Body.TrelloURL,
			SpecSheetURL:  input.Body.SpecSheetURL,
			ChefRepoURL:   input.Body.ChefRepoURL,
			ContentServer: input.Body.ContentServer,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Channel `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-channels",
		Method:      http.MethodGet,
		Path:        "/channels",
		Summary:     "List channels",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Channel `json:"body"`
	}, error) {
		items, err := e.Repo.ListChannels(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Channel{}
		}
		return &struct {
			Body []domain.Channel `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-channel",
		Method:      http.MethodGet,
		Path:        "/channels/{channel_id}",
		Summary:     "Get channel",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ChannelID string `path:"channel_id"`
	}) (*struct {
		Body domain.Channel `json:"body"`
	}, error) {
		c, err := e.GetChannel(ctx, input.ChannelID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Channel `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-channel",
		Method:      http.MethodPatch,
		Path:        "/channels/{channel_id}",
		Summary:     "Update channel",
		Errors:      []int{http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ChannelID string               `path:"channel_id"`
		Body      UpdateChannelRequest `json:"body"`
	}) (*struct {
		Body domain.Channel `json:"body"`
	}, error) {
		if _, authErr := requirePrincipal(ctx); authErr != nil {
			return nil, authErr
		}
		c, err := e.UpdateChannel(ctx, input.ChannelID, input.Body.Name, input.Body.Description, input.Body.TrelloURL)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Channel `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-channel",
		Method:      http.MethodDelete,
		Path:        "/channels/{channel_id}",
		Summary:     "Delete channel",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ChannelID string `path:"channel_id"`
	}) (*struct{}, error) {
		if _, authErr := requireAdmin(ctx); authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteChannel(ctx, input.ChannelID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "follow-channel",
		Method:      http.MethodPost,
		Path:        "/channels/{channel_id}/follow",
		Summary:     "Save or remove the channel on the caller's profile",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ChannelID string        `path:"channel_id"`
		Body      FollowRequest `json:"body"`
	}) (*struct {
		Body FollowRequest `json:"body"`
	}, error) {
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.SetFollowing(ctx, input.ChannelID, p.Email, input.Body.SaveChannelToProfile); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body FollowRequest `json:"body"`
		}{Body: input.Body}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-channel-runs",
		Method:      http.MethodGet,
		Path:        "/channels/{channel_id}/runs",
		Summary:     "List a channel's runs",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ChannelID string `path:"channel_id"`
	}) (*struct {
		Body []domain.Run `json:"body"`
	}, error) {
		if _, err := e.Repo.GetChannel(ctx, input.ChannelID); err != nil {
			return nil, handleError(err)
		}
		runs, err := e.Repo.ListRunsForChannel(ctx, input.ChannelID)
		if err != nil {
			return nil, handleError(err)
		}
		if runs == nil {
			runs = []domain.Run{}
		}
		return &struct {
			Body []domain.Run `json:"body"`
		}{Body: runs}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "activate-channel",
		Method:      http.MethodPost,
		Path:        "/channels/{channel_id}/activate",
		Summary:     "Deploy the channel's staged tree on the content server",
		Errors:      []int{http.StatusNotFound, http.StatusBadGateway},
	}, func(ctx context.Context, input *struct {
		ChannelID string `path:"channel_id"`
	}) (*struct {
		Body map[string]bool `json:"body"`
	}, error) {
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.ActivateChannel(ctx, input.ChannelID, p.Token); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]bool `json:"body"`
		}{Body: map[string]bool{"success": true}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "publish-channel",
		Method:      http.MethodPost,
		Path:        "/channels/{channel_id}/publish",
		Summary:     "Publish the channel on the content server",
		Errors:      []int{http.StatusNotFound, http.StatusBadGateway},
	}, func(ctx context.Context, input *struct {
		ChannelID string `path:"channel_id"`
	}) (*struct {
		Body map[string]bool `json:"body"`
	}, error) {
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.PublishChannel(ctx, input.ChannelID, p.Token); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]bool `json:"body"`
		}{Body: map[string]bool{"success": true}}, nil
	})
}

// RUNS ########################################################################

type CreateRunRequest struct {
	RunID         string         `json:"run_id,omitempty"`
	ChannelID     string         `json:"channel_id"`
	ChefName      string         `json:"chef_name"`
	ContentServer string         `json:"content_server,omitempty"`
	ExtraOptions  map[string]any `json:"extra_options,omitempty"`
}

type UpdateRunRequest struct {
	ResourceCounts map[string]int64 `json:"resource_counts,omitempty"`
	ResourceSizes  map[string]int64 `json:"resource_sizes,omitempty"`
}

func registerRuns(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-run",
		Method:        http.MethodPost,
		Path:          "/runs",
		Summary:       "Create channel run",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body CreateRunRequest `json:"body"`
	}) (*struct {
		Body domain.Run `json:"body"`
	}, error) {
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		run, err := e.CreateRun(ctx, engine.CreateRunOptions{
			RunID:          input.Body.RunID,
			ChannelID:      input.Body.ChannelID,
			ChefName:       input.Body.ChefName,
			StartedByUser:  p.Email,
			StartedByToken: p.Token,
			ContentServer:  input.Body.ContentServer,
			ExtraOptions:   input.Body.ExtraOptions,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Run `json:"body"`
		}{Body: run}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-runs",
		Method:      http.MethodGet,
		Path:        "/runs",
		Summary:     "List runs",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Run `json:"body"`
	}, error) {
		runs, err := e.Repo.ListRuns(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		if runs == nil {
			runs = []domain.Run{}
		}
		return &struct {
			Body []domain.Run `json:"body"`
		}{Body: runs}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-run",
		Method:      http.MethodGet,
		Path:        "/runs/{run_id}",
		Summary:     "Get run",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RunID string `path:"run_id"`
	}) (*struct {
		Body domain.Run `json:"body"`
	}, error) {
		run, err := e.Repo.GetRun(ctx, input.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Run `json:"body"`
		}{Body: run}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-run",
		Method:      http.MethodPatch,
		Path:        "/runs/{run_id}",
		Summary:     "Upload run resource stats",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RunID string           `path:"run_id"`
		Body  UpdateRunRequest `json:"body"`
	}) (*struct {
		Body domain.Run `json:"body"`
	}, error) {
		if _, authErr := requirePrincipal(ctx); authErr != nil {
			return nil, authErr
		}
		run, err := e.UpdateRunStats(ctx, input.RunID, input.Body.ResourceCounts, input.Body.ResourceSizes)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Run `json:"body"`
		}{Body: run}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "run-detail",
		Method:      http.MethodGet,
		Path:        "/runs/{run_id}/detail",
		Summary:     "Run detail view",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RunID string `path:"run_id"`
	}) (*struct {
		Body engine.RunDetailView `json:"body"`
	}, error) {
		p, _ := principalFromContext(ctx)
		view, err := e.RunDetail(ctx, input.RunID, p.Email)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.RunDetailView `json:"body"`
		}{Body: view}, nil
	})
}

// RUN STAGES ##################################################################

type CreateStageRequest struct {
	RunID    string  `json:"run_id"`
	Stage    string  `json:"stage"`
	Duration float64 `json:"duration" doc:"Stage duration in seconds, as measured by the chef"`
}

func registerStages(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-run-stage",
		Method:        http.MethodPost,
		Path:          "/runs/{run_id}/stages",
		Summary:       "Report a finished stage",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		RunID string             `path:"run_id"`
		Body  CreateStageRequest `json:"body"`
	}) (*struct {
		Body domain.RunStage `json:"body"`
	}, error) {
		if _, authErr := requirePrincipal(ctx); authErr != nil {
			return nil, authErr
		}
		if input.Body.RunID != "" && input.Body.RunID != input.RunID {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "run_id mismatch between path and body", nil)
		}
		stage, err := e.RecordStage(ctx, input.RunID, input.Body.Stage, input.Body.Duration)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.RunStage `json:"body"`
		}{Body: stage}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-run-stages",
		Method:      http.MethodGet,
		Path:        "/runs/{run_id}/stages",
		Summary:     "List a run's stages in chronological order",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RunID string `path:"run_id"`
	}) (*struct {
		Body []domain.RunStage `json:"body"`
	}, error) {
		if _, err := e.Repo.GetRun(ctx, input.RunID); err != nil {
			return nil, handleError(err)
		}
		stages, err := e.Repo.ListStages(ctx, input.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		if stages == nil {
			stages = []domain.RunStage{}
		}
		return &struct {
			Body []domain.RunStage `json:"body"`
		}{Body: stages}, nil
	})
}

// PROGRESS ####################################################################

type ProgressBody struct {
	Progress float64 `json:"progress" minimum:"0" maximum:"1"`
}

func registerProgress(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-run-progress",
		Method:      http.MethodGet,
		Path:        "/runs/{run_id}/progress",
		Summary:     "Read live run progress",
	}, func(ctx context.Context, input *struct {
		RunID string `path:"run_id"`
	}) (*struct {
		Body ProgressBody `json:"body"`
	}, error) {
		rec, _, err := e.Progress.Get(ctx, input.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProgressBody `json:"body"`
		}{Body: ProgressBody{Progress: rec.Progress}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "post-run-progress",
		Method:        http.MethodPost,
		Path:          "/runs/{run_id}/progress",
		Summary:       "Store live run progress",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		RunID string       `path:"run_id"`
		Body  ProgressBody `json:"body"`
	}) (*struct {
		Body ProgressBody `json:"body"`
	}, error) {
		if _, authErr := requirePrincipal(ctx); authErr != nil {
			return nil, authErr
		}
		if err := e.Progress.Set(ctx, input.RunID, progress.Record{Progress: input.Body.Progress}); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProgressBody `json:"body"`
		}{Body: input.Body}, nil
	})
}

// CONTROL #####################################################################

type ControlRequest struct {
	Command string         `json:"command"`
	Args    []string       `json:"args,omitempty"`
	Options map[string]any `json:"options,omitempty"`
}

type ControlResponse struct {
	ControlRequest
	Delivered int `json:"delivered" doc:"Number of listening daemons the command reached"`
}

func registerControl(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "control-channel",
		Method:      http.MethodPost,
		Path:        "/channels/{channel_id}/control",
		Summary:     "Broadcast a command to the channel's chef daemons",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ChannelID string         `path:"channel_id"`
		Body      ControlRequest `json:"body"`
	}) (*struct {
		Body ControlResponse `json:"body"`
	}, error) {
		if _, authErr := requireAdmin(ctx); authErr != nil {
			return nil, authErr
		}
		delivered, err := e.SendControl(ctx, input.ChannelID, domain.ControlMessage{
			Command: input.Body.Command,
			Args:    input.Body.Args,
			Options: input.Body.Options,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ControlResponse `json:"body"`
		}{Body: ControlResponse{ControlRequest: input.Body, Delivered: delivered}}, nil
	})
}

// DASHBOARD ###################################################################

func registerDashboard(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "dashboard",
		Method:      http.MethodGet,
		Path:        "/dashboard",
		Summary:     "Channel dashboard rows",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []engine.ChannelRow `json:"body"`
	}, error) {
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rows, err := e.Dashboard(ctx, p.Email, p.Token)
		if err != nil {
			return nil, handleError(err)
		}
		if rows == nil {
			rows = []engine.ChannelRow{}
		}
		return &struct {
			Body []engine.ChannelRow `json:"body"`
		}{Body: rows}, nil
	})
}
