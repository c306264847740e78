package pipeline

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lucasnoah/devflow/internal/policy"
	"github.com/lucasnoah/devflow/internal/review"
)

// Stage is one phase of the pipeline, including the two terminal states.
type Stage string

const (
	StageValidation     Stage = "validation"
	StageImplementation Stage = "implementation"
	StageReview         Stage = "review"
	StageFinalization   Stage = "finalization"
	StageCompleted      Stage = "completed"
	StageFailed         Stage = "failed"
)

// Stages lists the working stages in pipeline order.
var Stages = []Stage{StageValidation, StageImplementation, StageReview, StageFinalization}

// Terminal reports whether no further transitions are possible.
func (s Stage) Terminal() bool {
	return s == StageCompleted || s == StageFailed
}

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool {
	switch s {
	case StageValidation, StageImplementation, StageReview, StageFinalization, StageCompleted, StageFailed:
		return true
	}
	return false
}

// Next returns the stage entered on success.
func (s Stage) Next() Stage {
	switch s {
	case StageValidation:
		return StageImplementation
	case StageImplementation:
		return StageReview
	case StageReview:
		return StageFinalization
	case StageFinalization:
		return StageCompleted
	}
	return s
}

// Abort kinds persisted on failed instances.
const (
	AbortMaxIterations = "MaxIterationsExceeded"
	AbortBlocked       = "BlockingFindings"
	AbortCancelled     = "Cancelled"
	AbortConfiguration = "ConfigurationError"
)

// AbortReason records why an instance reached the failed stage.
type AbortReason struct {
	Kind   string `json:"kind"`
	Stage  Stage  `json:"stage"`
	Detail string `json:"detail"`
}

func (a AbortReason) String() string {
	if a.Detail == "" {
		return fmt.Sprintf("%s at %s", a.Kind, a.Stage)
	}
	return fmt.Sprintf("%s at %s: %s", a.Kind, a.Stage, a.Detail)
}

// ChangeSet is the result of an implementation attempt.
type ChangeSet struct {
	Branch       string   `json:"branch"`
	Summary      string   `json:"summary"`
	Diff         string   `json:"diff,omitempty"`
	FilesChanged []string `json:"files_changed,omitempty"`
	// Transcript is the agent's raw output. It is carried in the context
	// log rather than persisted with the change set.
	Transcript   string   `json:"-"`
}

// AttemptRecord is one entry in an instance's attempt history.
type AttemptRecord struct {
	Stage      Stage     `json:"stage"`
	Attempt    int       `json:"attempt"`
	Decision   string    `json:"decision"` // "advance", "retry", "loop_back", "abort"
	Kind       string    `json:"kind,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Instance is the durable record of one issue's progress through the pipeline.
type Instance struct {
	ID       string          `json:"id"`
	Title    string          `json:"title,omitempty"`
	Stage    Stage           `json:"stage"`
	Attempts map[Stage]int   `json:"attempts"`
	Context  ContextLog      `json:"context"`
	Maturity policy.Maturity `json:"maturity"`

	ChangeSet       *ChangeSet      `json:"change_set,omitempty"`
	ChangeRequestID string          `json:"change_request_id,omitempty"`
	Verdict         *review.Verdict `json:"verdict,omitempty"`
	Followups       []string        `json:"followups,omitempty"`
	FollowupsFiled  bool            `json:"followups_filed,omitempty"`
	History         []AttemptRecord `json:"history"`
	Abort           *AbortReason    `json:"abort,omitempty"`

	// LoopFrom is set while a review loop-back is in progress.
	LoopFrom Stage `json:"loop_from,omitempty"`

	Owner          string    `json:"owner,omitempty"`
	LeaseExpiresAt time.Time `json:"lease_expires_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Version   int64     `json:"version"`
}

// NewInstance returns an unsaved instance at the first stage.
func NewInstance(id, title string, maturity policy.Maturity) *Instance {
	return &Instance{
		ID:       id,
		Title:    title,
		Stage:    StageValidation,
		Attempts: map[Stage]int{StageValidation: 1},
		Maturity: maturity,
		History:  []AttemptRecord{},
	}
}

// Active reports whether the instance still has work to do.
func (in *Instance) Active() bool {
	return !in.Stage.Terminal()
}

// Attempt returns the current attempt number for the current stage.
func (in *Instance) Attempt() int {
	if n := in.Attempts[in.Stage]; n > 0 {
		return n
	}
	return 1
}

// LeasedByOther reports whether another live owner holds the instance.
func (in *Instance) LeasedByOther(owner string, now time.Time) bool {
	return in.Owner != "" && in.Owner != owner && now.Before(in.LeaseExpiresAt)
}

// Clone returns a deep copy.
func (in *Instance) Clone() *Instance {
	data, err := json.Marshal(in)
	if err != nil {
		panic(fmt.Sprintf("clone instance %s: %v", in.ID, err))
	}
	var out Instance
	if err := json.Unmarshal(data, &out); err != nil {
		panic(fmt.Sprintf("clone instance %s: %v", in.ID, err))
	}
	return &out
}

// Key builds the stable instance key for an issue on a platform.
func Key(platform string, number int) string {
	return fmt.Sprintf("%s#%d", platform, number)
}

// ParseKey splits a key produced by Key. A bare number defaults to github.
func ParseKey(key string) (platform string, number int, err error) {
	platform = "github"
	num := key
	if i := strings.LastIndex(key, "#"); i >= 0 {
		platform, num = key[:i], key[i+1:]
	}
	n, err := strconv.Atoi(num)
	if err != nil || n <= 0 || platform == "" {
		return "", 0, fmt.Errorf("invalid issue key %q: want <platform>#<number>", key)
	}
	return platform, n, nil
}
