package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/smazurov/childwatch/internal/api/models"
	"github.com/smazurov/childwatch/internal/children"
)

// registerChildRoutes registers all child-related endpoints
func (s *Server) registerChildRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "list-children",
		Method:      http.MethodGet,
		Path:        "/api/children",
		Summary:     "List Children",
		Description: "Get every declared child with the state of its last spawn",
		Tags:        []string{"children"},
		Errors:      []int{401, 500},
		Security:    withAuth(),
	}, func(ctx context.Context, _ *struct{}) (*models.ChildListResponse, error) {
		list, err := s.childService.ListChildren(ctx)
		if err != nil {
			return nil, s.mapChildError(err)
		}

		data := make([]models.ChildData, len(list))
		for i, c := range list {
			data[i] = domainToAPIChild(c)
		}
		return &models.ChildListResponse{
			Body: models.ChildListData{
				Children: data,
				Count:    len(data),
			},
		}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "create-child",
		Method:      http.MethodPost,
		Path:        "/api/children",
		Summary:     "Create Child",
		Description: "Declare a child, persist it and optionally spawn it",
		Tags:        []string{"children"},
		Errors:      []int{400, 401, 409, 500},
		Security:    withAuth(),
	}, func(ctx context.Context, input *models.ChildRequest) (*models.ChildResponse, error) {
		child, err := s.childService.CreateChild(ctx, children.CreateParams{
			ID:        input.Body.ID,
			Command:   input.Body.Command,
			Capture:   input.Body.Capture,
			Dir:       input.Body.Dir,
			Env:       input.Body.Env,
			Autostart: input.Body.Autostart,
			Start:     input.Body.Start,
		})
		if err != nil {
			return nil, s.mapChildError(err)
		}
		return &models.ChildResponse{Body: domainToAPIChild(*child)}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "get-child",
		Method:      http.MethodGet,
		Path:        "/api/children/{id}",
		Summary:     "Get Child",
		Description: "Get one declared child",
		Tags:        []string{"children"},
		Errors:      []int{401, 404, 500},
		Security:    withAuth(),
	}, func(ctx context.Context, input *models.ChildIDInput) (*models.ChildResponse, error) {
		child, err := s.childService.GetChild(ctx, input.ID)
		if err != nil {
			return nil, s.mapChildError(err)
		}
		return &models.ChildResponse{Body: domainToAPIChild(*child)}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "delete-child",
		Method:      http.MethodDelete,
		Path:        "/api/children/{id}",
		Summary:     "Delete Child",
		Description: "Kill the child if it runs and remove its declaration",
		Tags:        []string{"children"},
		Errors:      []int{401, 404, 500},
		Security:    withAuth(),
	}, func(ctx context.Context, input *models.ChildIDInput) (*struct{}, error) {
		if err := s.childService.DeleteChild(ctx, input.ID); err != nil {
			return nil, s.mapChildError(err)
		}
		return &struct{}{}, nil
	})

	actions := []struct {
		id, path, summary, description string
		run                            func(context.Context, string) (*children.Child, error)
	}{
		{"start-child", "start", "Start Child", "Spawn a declared child asynchronously", s.childService.StartChild},
		{"stop-child", "stop", "Stop Child", "Kill a running child with SIGTERM, SIGINT, then SIGKILL", s.childService.StopChild},
		{"restart-child", "restart", "Restart Child", "Stop and spawn a child again", s.childService.RestartChild},
	}
	for _, a := range actions {
		huma.Register(s.api, huma.Operation{
			OperationID: a.id,
			Method:      http.MethodPost,
			Path:        "/api/children/{id}/" + a.path,
			Summary:     a.summary,
			Description: a.description,
			Tags:        []string{"children"},
			Errors:      []int{401, 404, 409, 500},
			Security:    withAuth(),
		}, func(ctx context.Context, input *models.ChildIDInput) (*models.ChildResponse, error) {
			child, err := a.run(ctx, input.ID)
			if err != nil {
				return nil, s.mapChildError(err)
			}
			return &models.ChildResponse{Body: domainToAPIChild(*child)}, nil
		})
	}

	huma.Register(s.api, huma.Operation{
		OperationID: "get-child-output",
		Method:      http.MethodGet,
		Path:        "/api/children/{id}/output",
		Summary:     "Get Child Output",
		Description: "Get the lines captured from the child's current or last spawn",
		Tags:        []string{"children"},
		Errors:      []int{401, 404, 500},
		Security:    withAuth(),
	}, func(ctx context.Context, input *models.ChildIDInput) (*models.OutputResponse, error) {
		out, err := s.childService.GetOutput(ctx, input.ID)
		if err != nil {
			return nil, s.mapChildError(err)
		}
		return &models.OutputResponse{
			Body: models.OutputData{
				ID:     out.ID,
				Stdout: out.Stdout,
				Stderr: out.Stderr,
			},
		}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "run-command",
		Method:      http.MethodPost,
		Path:        "/api/run",
		Summary:     "Run Command",
		Description: "Run a command synchronously and return its status and captured output. A child that outlives the timeout is killed.",
		Tags:        []string{"children"},
		Errors:      []int{400, 401, 500},
		Security:    withAuth(),
	}, func(ctx context.Context, input *models.RunRequest) (*models.RunResponse, error) {
		res, err := s.childService.Run(ctx, children.RunParams{
			Command: input.Body.Command,
			Capture: input.Body.Capture,
			Dir:     input.Body.Dir,
			Timeout: time.Duration(input.Body.TimeoutMs) * time.Millisecond,
		})
		if err != nil {
			return nil, s.mapChildError(err)
		}
		return &models.RunResponse{
			Body: models.RunData{
				Success:    res.Success,
				PID:        res.PID,
				Status:     res.Status,
				Outcome:    res.Outcome,
				Signal:     res.Signal,
				Stdout:     nonNil(res.Stdout),
				Stderr:     nonNil(res.Stderr),
				DurationMs: res.Duration.Milliseconds(),
			},
		}, nil
	})
}

// domainToAPIChild converts a domain child to API child data
func domainToAPIChild(c children.Child) models.ChildData {
	return models.ChildData{
		ID:           c.ID,
		Command:      c.Command,
		Capture:      c.Capture,
		Dir:          c.Dir,
		Autostart:    c.Autostart,
		State:        c.State,
		PID:          c.PID,
		Status:       c.Status,
		Outcome:      c.Outcome,
		Signal:       c.Signal,
		RestartCount: c.RestartCount,
		StartedAt:    c.StartedAt,
		FinishedAt:   c.FinishedAt,
		LastError:    c.LastError,
	}
}

func nonNil(lines []string) []string {
	if lines == nil {
		return []string{}
	}
	return lines
}

// mapChildError maps domain errors to HTTP errors
func (s *Server) mapChildError(err error) error {
	var childErr *children.ChildError
	if !errors.As(err, &childErr) {
		return huma.Error500InternalServerError("internal server error", err)
	}
	switch childErr.Code {
	case children.ErrCodeChildNotFound:
		return huma.Error404NotFound(childErr.Message, err)
	case children.ErrCodeChildExists, children.ErrCodeChildRunning:
		return huma.Error409Conflict(childErr.Message, err)
	case children.ErrCodeInvalidParams:
		return huma.Error400BadRequest(childErr.Message, err)
	default:
		s.logger.Error("Child operation failed", "error", err)
		return huma.Error500InternalServerError(childErr.Message, err)
	}
}
