package tools

import (
	"context"
	"errors"
	"fmt"

	"github.com/precious112/Argus/pkg/models"
	"github.com/precious112/Argus/pkg/storage"
)

const listAlertsSchema = `{
	"type": "object",
	"properties": {
		"status": {
			"type": "string",
			"enum": ["active", "acknowledged", "resolved"],
			"description": "Filter by alert status"
		},
		"severity": {
			"type": "string",
			"enum": ["INFO", "NOTABLE", "URGENT"],
			"description": "Filter by severity"
		},
		"rule_id": {"type": "string", "description": "Filter by the rule that fired"},
		"page": {"type": "integer", "minimum": 1, "default": 1},
		"per_page": {"type": "integer", "minimum": 1, "default": 20}
	}
}`

const acknowledgeAlertSchema = `{
	"type": "object",
	"properties": {
		"alert_id": {"type": "string", "description": "ID of the alert to acknowledge"}
	},
	"required": ["alert_id"]
}`

func registerAlertTools(reg *Registry, alerts AlertDirectory) error {
	specs := []Spec{
		{
			Name:             "list_alerts",
			Description:      "List alerts, optionally filtered by status, severity, or rule.",
			ParametersSchema: listAlertsSchema,
			Risk:             models.RiskReadOnly,
			DisplayType:      DisplayTable,
			Handler:          listAlertsHandler(alerts),
		},
		{
			Name: "acknowledge_alert",
			Description: "Acknowledge an active alert so other operators see it is being " +
				"handled. Resolved alerts cannot be acknowledged.",
			ParametersSchema: acknowledgeAlertSchema,
			Risk:             models.RiskLow,
			DisplayType:      DisplayJSONTree,
			Handler:          acknowledgeAlertHandler(alerts),
		},
	}
	for _, s := range specs {
		if err := reg.Register(s); err != nil {
			return err
		}
	}
	return nil
}

func listAlertsHandler(alerts AlertDirectory) Handler {
	return func(ctx context.Context, args map[string]any) (*Result, error) {
		page, err := alerts.List(ctx, models.AlertFilters{
			Status:   models.AlertStatus(stringArg(args, "status", "")),
			Severity: models.Severity(stringArg(args, "severity", "")),
			RuleID:   stringArg(args, "rule_id", ""),
			Page:     intArg(args, "page", 0),
			PerPage:  intArg(args, "per_page", 0),
		})
		if err != nil {
			return nil, err
		}
		return &Result{Payload: map[string]any{
			"alerts":      page.Alerts,
			"total_count": page.TotalCount,
			"page":        page.Page,
			"per_page":    page.PerPage,
		}}, nil
	}
}

func acknowledgeAlertHandler(alerts AlertDirectory) Handler {
	return func(ctx context.Context, args map[string]any) (*Result, error) {
		id := stringArg(args, "alert_id", "")
		alert, err := alerts.Acknowledge(ctx, id, "ai")
		switch {
		case errors.Is(err, storage.ErrNotFound):
			return softError(fmt.Sprintf("Alert not found: %s", id)), nil
		case storage.IsValidationError(err):
			return softError(err.Error()), nil
		case err != nil:
			return nil, err
		}
		return &Result{Payload: map[string]any{
			"acknowledged": true,
			"alert":        alert,
		}}, nil
	}
}
