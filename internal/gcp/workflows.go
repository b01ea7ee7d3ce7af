package gcp

import (
	"context"
	"encoding/json"
	"fmt"

	executions "cloud.google.com/go/workflows/executions/apiv1"
	"cloud.google.com/go/workflows/executions/apiv1/executionspb"

	"github.com/Lllllllleong/medbillflow/internal/models"
)

// WorkflowDispatcher starts one Workflows execution per stage request.
type WorkflowDispatcher struct {
	client    *executions.Client
	projectID string
	location  string
	workflows map[string]string
}

func NewWorkflowDispatcher(ctx context.Context, projectID, location string, workflows map[string]string) (*WorkflowDispatcher, error) {
	client, err := executions.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create Workflows Executions client: %w", err)
	}
	return &WorkflowDispatcher{client: client, projectID: projectID, location: location, workflows: workflows}, nil
}

// Dispatch returns once the execution is created; it does not wait for it to finish.
func (d *WorkflowDispatcher) Dispatch(ctx context.Context, stage string, req models.StageRequest) error {
	workflowID, ok := d.workflows[stage]
	if !ok || workflowID == "" {
		return fmt.Errorf("no workflow configured for stage %q", stage)
	}
	payloadBytes, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal workflow payload: %w", err)
	}
	execReq := &executionspb.CreateExecutionRequest{
		Parent: fmt.Sprintf("projects/%s/locations/%s/workflows/%s", d.projectID, d.location, workflowID),
		Execution: &executionspb.Execution{
			Argument: string(payloadBytes),
		},
	}
	if _, err := d.client.CreateExecution(ctx, execReq); err != nil {
		return fmt.Errorf("failed to trigger workflow execution: %w", err)
	}
	return nil
}

func (d *WorkflowDispatcher) Close() error {
	return d.client.Close()
}
