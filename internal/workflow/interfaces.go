package workflow

import (
	"context"

	"github.com/lucasnoah/devflow/internal/pipeline"
	"github.com/lucasnoah/devflow/internal/policy"
	"github.com/lucasnoah/devflow/internal/review"
)

// Issue is the platform's view of the work item.
type Issue struct {
	Key    string   `json:"key"`
	Number int      `json:"number"`
	Title  string   `json:"title"`
	Body   string   `json:"body"`
	Labels []string `json:"labels,omitempty"`
	URL    string   `json:"url,omitempty"`
	// AcceptanceCriteria is extracted from the body when the platform can
	// recognize it.
	AcceptanceCriteria string `json:"acceptance_criteria,omitempty"`
}

// ValidationResult is the agent's assessment of an issue.
type ValidationResult struct {
	Valid          bool     `json:"valid"`
	Summary        string   `json:"summary"`
	Clarifications []string `json:"clarifications,omitempty"`
	Suggestions    []string `json:"suggestions,omitempty"`
}

// ImplementationRequest is everything the agent gets for one implementation attempt.
type ImplementationRequest struct {
	Issue   Issue
	Context pipeline.ContextLog
	Attempt int
	Policy  policy.Policy
	// Feedback is the verdict that sent the work back from review, if any.
	Feedback *review.Verdict
}

// Review states reported by the platform.
const (
	ReviewPending          = "pending"
	ReviewApproved         = "approved"
	ReviewChangesRequested = "changes_requested"
)

// ReviewStatus is the platform-side review state of a change request.
type ReviewStatus struct {
	State    string
	Findings []review.Finding
}

// PlatformAdapter is the hosting platform capability set. Implementations
// return *PlatformError on failure and must be safe to call again for the
// same attempt.
type PlatformAdapter interface {
	FetchIssue(ctx context.Context, key string) (Issue, error)
	CreateChangeRequest(ctx context.Context, issue Issue, cs pipeline.ChangeSet) (string, error)
	GetReviewStatus(ctx context.Context, requestID string) (ReviewStatus, error)
	MergeOrIntegrate(ctx context.Context, requestID string) error
}

// Commenter is implemented by platforms that can post issue comments.
type Commenter interface {
	CommentOnIssue(ctx context.Context, key, body string) error
}

// ChangeUpdater is implemented by platforms where later iterations must be
// published to an existing change request, e.g. by pushing the branch.
type ChangeUpdater interface {
	UpdateChangeRequest(ctx context.Context, requestID string, cs pipeline.ChangeSet) error
}

// FollowupCreator is implemented by platforms that can file follow-up issues.
type FollowupCreator interface {
	CreateFollowup(ctx context.Context, parentKey string, f review.Retained) (string, error)
}

// AgentProvider is the AI agent capability set. Implementations return
// *AgentError on failure.
type AgentProvider interface {
	ValidateIssue(ctx context.Context, issue Issue) (ValidationResult, error)
	Implement(ctx context.Context, req ImplementationRequest) (*pipeline.ChangeSet, error)
	Review(ctx context.Context, cs pipeline.ChangeSet) ([]review.Finding, error)
}

// Checker runs local verification (tests, linters) against a change set
// and reports failures as review findings.
type Checker interface {
	Check(ctx context.Context, cs pipeline.ChangeSet) ([]review.Finding, error)
}

// EventRecorder receives an append-only log of transitions.
type EventRecorder interface {
	LogPipelineEvent(ctx context.Context, key, event, stage string, attempt int, detail string) error
}
