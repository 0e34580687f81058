package engine

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"caseline/internal/config"
	"caseline/internal/domain"
	"caseline/internal/engine/auth"
	"caseline/internal/events"
	"caseline/internal/extract"
	"caseline/internal/lock"
	"caseline/internal/logger"
	"caseline/internal/repo"
)

// ResourceClient reads the external system on behalf of a user token.
type ResourceClient interface {
	FetchAccessibleResources(ctx context.Context, token string) ([]domain.ExternalResource, error)
	FetchProjects(ctx context.Context, token, resourceID string) ([]domain.ExternalProject, error)
	FetchWorkItems(ctx context.Context, token, resourceID string, ids []string) ([]domain.ExternalWorkItem, error)
	SearchWorkItems(ctx context.Context, token, resourceID, projectID string, filters domain.WorkItemSearch) (domain.WorkItemPage, error)
}

// Generator produces artifacts for one work item. A returned error is
// recorded on the item as its failure reason.
type Generator interface {
	Generate(ctx context.Context, req domain.GenerationRequest) ([]domain.ArtifactDraft, error)
}

// Deployer creates artifacts in the external system and returns their ids.
type Deployer interface {
	PushArtifacts(ctx context.Context, token string, req domain.DeployRequest) ([]string, error)
}

type Extractor interface {
	ExtractText(ctx context.Context, att domain.Attachment) (string, error)
}

type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Events    events.Writer
	Auth      auth.Service
	Config    *config.Config
	Log       *logger.Logger
	Locks     lock.Locker
	Resources ResourceClient
	Generator Generator
	Deployer  Deployer
	Extractor Extractor
	Tracer    trace.Tracer
	Now       func() time.Time
}

// New wires an engine with in-process locking, plain-text extraction and no
// external collaborators; callers set Resources, Generator and Deployer.
func New(db *sql.DB, cfg *config.Config) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	return Engine{
		DB:        db,
		Repo:      repo.Repo{DB: db},
		Events:    events.Writer{},
		Auth:      auth.Service{DB: db},
		Config:    cfg,
		Log:       logger.Nop(),
		Locks:     lock.NewLocal(),
		Extractor: extract.PlainText{},
		Tracer:    otel.Tracer("caseline/engine"),
		Now:       time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) ts() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) log() *logger.Logger {
	if e.Log == nil {
		return logger.Nop()
	}
	return e.Log
}

func (e Engine) tracer() trace.Tracer {
	if e.Tracer == nil {
		return otel.Tracer("caseline/engine")
	}
	return e.Tracer
}

func (e Engine) emit(ctx context.Context, tx *sql.Tx, entry events.Entry) error {
	w := e.Events
	if w.Now == nil {
		w.Now = e.now
	}
	return w.Append(ctx, tx, entry)
}

// lockFor acquires key, bounded by sync.lock_wait when configured.
func (e Engine) lockFor(ctx context.Context, key string) (func(), error) {
	if e.Locks == nil {
		return func() {}, nil
	}
	if e.Config != nil && e.Config.Sync.LockWait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.Config.Sync.LockWait)
		defer cancel()
	}
	return e.Locks.Lock(ctx, key)
}

func syncLockKey(userID string) string {
	return "sync:" + userID
}

func jobsLockKey(resourceID, projectID string) string {
	return "jobs:" + resourceID + ":" + projectID
}

// token returns the caller's token or the configured fallback.
func (e Engine) token(token string) (string, error) {
	if t := strings.TrimSpace(token); t != "" {
		return t, nil
	}
	if e.Config != nil && strings.TrimSpace(e.Config.External.Token) != "" {
		return strings.TrimSpace(e.Config.External.Token), nil
	}
	return "", ErrTokenRequired
}

func (e Engine) requireAccess(ctx context.Context, q repo.Querier, userID, resourceID, projectID string) error {
	return e.Auth.Require(ctx, q, userID, resourceID, projectID)
}
