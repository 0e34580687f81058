package engine

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"caseline/internal/domain"
	"caseline/internal/events"
)

// projectScope loads the project and checks userID holds a grant on it.
func (e Engine) projectScope(ctx context.Context, userID, projectID string) (domain.ExternalProject, error) {
	if projectID == "" {
		return domain.ExternalProject{}, ValidationError{Field: "project_id", Reason: "is required"}
	}
	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return domain.ExternalProject{}, err
	}
	if err := e.requireAccess(ctx, nil, userID, p.ResourceID, projectID); err != nil {
		return domain.ExternalProject{}, err
	}
	return p, nil
}

func (e Engine) GetProjectSettings(ctx context.Context, userID, projectID string) (domain.ProjectSettings, error) {
	if _, err := e.projectScope(ctx, userID, projectID); err != nil {
		return domain.ProjectSettings{}, err
	}
	frameworks, err := e.Repo.GetCompliance(ctx, projectID)
	if err != nil {
		return domain.ProjectSettings{}, err
	}
	rules, err := e.Repo.ListRules(ctx, projectID, false)
	if err != nil {
		return domain.ProjectSettings{}, err
	}
	return domain.ProjectSettings{ProjectID: projectID, Frameworks: frameworks, Rules: rules}, nil
}

// SetProjectCompliance replaces the compliance frameworks of a project.
// Duplicates are collapsed.
func (e Engine) SetProjectCompliance(ctx context.Context, userID, projectID string, frameworks []domain.ComplianceFramework) ([]domain.ComplianceFramework, error) {
	if _, err := e.projectScope(ctx, userID, projectID); err != nil {
		return nil, err
	}
	clean, err := cleanFrameworks(frameworks)
	if err != nil {
		return nil, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpsertComplianceTx(ctx, tx, projectID, clean, userID, e.ts()); err != nil {
		return nil, err
	}
	if err := e.emit(ctx, tx, events.Entry{
		Type:       events.ProjectSettingsUpdated,
		ProjectID:  projectID,
		EntityKind: "project",
		EntityID:   projectID,
		ActorID:    userID,
		Payload:    events.EventPayload{"frameworks": clean},
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return clean, nil
}

// cleanFrameworks rejects unknown frameworks and drops duplicates.
func cleanFrameworks(frameworks []domain.ComplianceFramework) ([]domain.ComplianceFramework, error) {
	seen := map[domain.ComplianceFramework]bool{}
	clean := []domain.ComplianceFramework{}
	for i, fw := range frameworks {
		if !fw.Valid() {
			return nil, ValidationError{Field: fmt.Sprintf("frameworks[%d]", i), Reason: fmt.Sprintf("unknown framework %q", fw)}
		}
		if seen[fw] {
			continue
		}
		seen[fw] = true
		clean = append(clean, fw)
	}
	return clean, nil
}

type RuleInput struct {
	Title       string   `validate:"required,max=200"`
	Description string   `validate:"required"`
	Severity    string   `validate:"omitempty,oneof=low medium high critical"`
	Active      *bool
	Tags        []string `validate:"dive,required,max=50"`
}

func (e Engine) ListProjectRules(ctx context.Context, userID, projectID string, activeOnly bool) ([]domain.ProjectRule, error) {
	if _, err := e.projectScope(ctx, userID, projectID); err != nil {
		return nil, err
	}
	return e.Repo.ListRules(ctx, projectID, activeOnly)
}

func (e Engine) AddProjectRule(ctx context.Context, userID, projectID string, in RuleInput) (domain.ProjectRule, error) {
	if err := validateStruct(in); err != nil {
		return domain.ProjectRule{}, err
	}
	if _, err := e.projectScope(ctx, userID, projectID); err != nil {
		return domain.ProjectRule{}, err
	}
	now := e.ts()
	rule := domain.ProjectRule{
		ID:          uuid.NewString(),
		ProjectID:   projectID,
		Title:       strings.TrimSpace(in.Title),
		Description: strings.TrimSpace(in.Description),
		Severity:    in.Severity,
		Active:      true,
		Tags:        in.Tags,
		CreatedBy:   userID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if rule.Severity == "" {
		rule.Severity = "medium"
	}
	if in.Active != nil {
		rule.Active = *in.Active
	}
	if rule.Tags == nil {
		rule.Tags = []string{}
	}
	err := e.settingsTx(ctx, userID, projectID, "rule.added", rule.ID, func(tx *sql.Tx) error {
		return e.Repo.InsertRuleTx(ctx, tx, rule)
	})
	if err != nil {
		return domain.ProjectRule{}, err
	}
	return rule, nil
}

// RulePatch changes only the fields that are set.
type RulePatch struct {
	Title       *string  `validate:"omitempty,min=1,max=200"`
	Description *string  `validate:"omitempty,min=1"`
	Severity    *string  `validate:"omitempty,oneof=low medium high critical"`
	Active      *bool
	Tags        []string `validate:"omitempty,dive,required,max=50"`
}

func (e Engine) UpdateProjectRule(ctx context.Context, userID, projectID, ruleID string, patch RulePatch) (domain.ProjectRule, error) {
	if err := validateStruct(patch); err != nil {
		return domain.ProjectRule{}, err
	}
	if _, err := e.projectScope(ctx, userID, projectID); err != nil {
		return domain.ProjectRule{}, err
	}
	rule, err := e.Repo.GetRule(ctx, projectID, ruleID)
	if err != nil {
		return domain.ProjectRule{}, err
	}
	if patch.Title != nil {
		rule.Title = strings.TrimSpace(*patch.Title)
	}
	if patch.Description != nil {
		rule.Description = strings.TrimSpace(*patch.Description)
	}
	if patch.Severity != nil {
		rule.Severity = *patch.Severity
	}
	if patch.Active != nil {
		rule.Active = *patch.Active
	}
	if patch.Tags != nil {
		rule.Tags = patch.Tags
	}
	rule.UpdatedAt = e.ts()
	err = e.settingsTx(ctx, userID, projectID, "rule.updated", rule.ID, func(tx *sql.Tx) error {
		return e.Repo.UpdateRuleTx(ctx, tx, rule)
	})
	if err != nil {
		return domain.ProjectRule{}, err
	}
	return rule, nil
}

func (e Engine) DeleteProjectRule(ctx context.Context, userID, projectID, ruleID string) error {
	if _, err := e.projectScope(ctx, userID, projectID); err != nil {
		return err
	}
	return e.settingsTx(ctx, userID, projectID, "rule.deleted", ruleID, func(tx *sql.Tx) error {
		return e.Repo.DeleteRuleTx(ctx, tx, projectID, ruleID)
	})
}

// settingsTx runs fn and the settings event for a rule change in one transaction.
func (e Engine) settingsTx(ctx context.Context, userID, projectID, change, ruleID string, fn func(tx *sql.Tx) error) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	if err := e.emit(ctx, tx, events.Entry{
		Type:       events.ProjectSettingsUpdated,
		ProjectID:  projectID,
		EntityKind: "project_rule",
		EntityID:   ruleID,
		ActorID:    userID,
		Payload:    events.EventPayload{"change": change},
	}); err != nil {
		return err
	}
	return tx.Commit()
}
