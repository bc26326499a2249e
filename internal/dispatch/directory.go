package dispatch

import (
	"context"
	"time"

	"github.com/BTreeMap/CRMPipe/internal/models"
	gocache "github.com/patrickmn/go-cache"
)

// DefaultDirectoryTTL is how long account definitions stay cached.
const DefaultDirectoryTTL = time.Minute

// Definitions is the read side of the account's operator-managed definitions.
type Definitions interface {
	ListTags(ctx context.Context, accountID string) ([]models.Tag, error)
	ListCustomFields(ctx context.Context, accountID string) ([]models.CustomField, error)
	ListAgents(ctx context.Context, accountID string) ([]models.Agent, error)
	ListAgentStages(ctx context.Context, agentID string) ([]models.AgentStage, error)
	ListPipelines(ctx context.Context, accountID string) ([]models.Pipeline, error)
	ListPipelineStages(ctx context.Context, pipelineID string) ([]models.PipelineStage, error)
}

// Directory caches definition lookups so name resolution does not hit the datastore for every
// action of every turn.
type Directory struct {
	defs  Definitions
	cache *gocache.Cache
}

// NewDirectory wraps defs with a cache. A zero ttl disables caching.
func NewDirectory(defs Definitions, ttl time.Duration) *Directory {
	d := &Directory{defs: defs}
	if ttl > 0 {
		d.cache = gocache.New(ttl, 2*ttl)
	}
	return d
}

// Invalidate drops every cached definition.
func (d *Directory) Invalidate() {
	if d.cache != nil {
		d.cache.Flush()
	}
}

func cached[T any](d *Directory, key string, load func() ([]T, error)) ([]T, error) {
	if d.cache != nil {
		if v, ok := d.cache.Get(key); ok {
			return v.([]T), nil
		}
	}
	v, err := load()
	if err != nil {
		return nil, err
	}
	if d.cache != nil {
		d.cache.SetDefault(key, v)
	}
	return v, nil
}

func (d *Directory) Tags(ctx context.Context, accountID string) ([]models.Tag, error) {
	return cached(d, "tags:"+accountID, func() ([]models.Tag, error) { return d.defs.ListTags(ctx, accountID) })
}

func (d *Directory) Fields(ctx context.Context, accountID string) ([]models.CustomField, error) {
	return cached(d, "fields:"+accountID, func() ([]models.CustomField, error) { return d.defs.ListCustomFields(ctx, accountID) })
}

func (d *Directory) Agents(ctx context.Context, accountID string) ([]models.Agent, error) {
	return cached(d, "agents:"+accountID, func() ([]models.Agent, error) { return d.defs.ListAgents(ctx, accountID) })
}

func (d *Directory) AgentStages(ctx context.Context, agentID string) ([]models.AgentStage, error) {
	return cached(d, "agent_stages:"+agentID, func() ([]models.AgentStage, error) { return d.defs.ListAgentStages(ctx, agentID) })
}

func (d *Directory) Pipelines(ctx context.Context, accountID string) ([]models.Pipeline, error) {
	return cached(d, "pipelines:"+accountID, func() ([]models.Pipeline, error) { return d.defs.ListPipelines(ctx, accountID) })
}

func (d *Directory) PipelineStages(ctx context.Context, pipelineID string) ([]models.PipelineStage, error) {
	return cached(d, "pipeline_stages:"+pipelineID, func() ([]models.PipelineStage, error) {
		return d.defs.ListPipelineStages(ctx, pipelineID)
	})
}
