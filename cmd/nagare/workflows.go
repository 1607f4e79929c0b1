package main

import (
	"fmt"
	"strings"

	"github.com/ashita-ai/nagare/internal/config"
	"github.com/ashita-ai/nagare/internal/model"
	"github.com/ashita-ai/nagare/internal/workflow"
)

// buildRegistry constructs the workflow definitions this deployment serves.
// Definitions are code, registered at startup; there is no dynamic CRUD.
func buildRegistry(cfg config.Config) (*workflow.Registry, error) {
	if len(cfg.OwnerEmails) == 0 {
		return nil, fmt.Errorf("NAGARE_OWNER_EMAILS must list at least one owner")
	}

	registry := workflow.NewRegistry()

	testWorkflow, err := workflow.New(workflow.DefinitionConfig{
		ID:          "test-workflow",
		Name:        "Test Workflow",
		Description: "Single trigger step that echoes the webhook payload",
		OwnerEmails: cfg.OwnerEmails,
		Steps: []workflow.Step{
			workflow.NewTriggerStep("webhook-trigger", "Webhook Trigger"),
		},
	})
	if err != nil {
		return nil, err
	}
	if err := registry.Register(testWorkflow); err != nil {
		return nil, err
	}

	leadIntake, err := buildLeadIntake(cfg)
	if err != nil {
		return nil, err
	}
	if leadIntake != nil {
		if err := registry.Register(leadIntake); err != nil {
			return nil, err
		}
	}

	return registry, nil
}

// buildLeadIntake wires the lead-intake workflow: webhook trigger, field
// normalization, then delivery to the configured sink. Registered only
// when NAGARE_SECRET_LEAD_SINK_URL is set.
func buildLeadIntake(cfg config.Config) (*workflow.Definition, error) {
	sinkURL := cfg.Secrets["LEAD_SINK_URL"]
	if sinkURL == "" {
		return nil, nil
	}

	normalize := workflow.NewTransformStep("normalize-lead", "Normalize Lead",
		func(input model.Item, sc workflow.Context) (map[string]any, error) {
			name, _ := input.Data["name"].(string)
			email, _ := input.Data["email"].(string)
			if email == "" {
				return nil, fmt.Errorf("lead has no email")
			}
			return map[string]any{
				"name":   strings.TrimSpace(name),
				"email":  strings.ToLower(strings.TrimSpace(email)),
				"source": "webhook",
			}, nil
		})

	deliver := workflow.NewHTTPStep("deliver-lead", "Deliver Lead", workflow.HTTPConfig{
		Method: "POST",
		URL:    sinkURL,
		Headers: func(sc workflow.Context) map[string]string {
			headers := map[string]string{}
			if key := sc.Secrets["LEAD_SINK_API_KEY"]; key != "" {
				headers["Authorization"] = "Bearer " + key
			}
			return headers
		},
		Body: func(input model.Item, sc workflow.Context) any {
			return input.Data
		},
	})

	return workflow.New(workflow.DefinitionConfig{
		ID:          "lead-intake",
		Name:        "Lead Intake",
		Description: "Normalizes inbound leads and forwards them to the lead sink",
		OwnerEmails: cfg.OwnerEmails,
		Steps: []workflow.Step{
			workflow.NewTriggerStep("webhook-trigger", "Webhook Trigger"),
			normalize,
			deliver,
		},
		TriggerTokenHash: cfg.Secrets["LEAD_INTAKE_TOKEN_HASH"],
	})
}
