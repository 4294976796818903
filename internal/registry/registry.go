package registry

import (
	"fmt"

	"github.com/ternarybob/sheetmark/internal/common"
	"github.com/ternarybob/sheetmark/internal/models"
)

// Kind enumerates the four job kinds that flow through the pipeline.
type Kind string

const (
	KindTemplateConfig Kind = "template_config"
	KindMarkingConfig  Kind = "marking_config"
	KindMarking        Kind = "marking_job"
	KindIndexTask      Kind = "index_task"
)

// Exchange is the single direct exchange all queues bind to.
const Exchange = "mcq_ocr"

// Routing keys are fixed by the broker contract; only queue names are
// operator overridable.
const (
	KeyTemplateConfig       = "template.config"
	KeyMarkingConfig        = "marking.config"
	KeyMarkingJob           = "marking.job"
	KeyIndexTask            = "index.task"
	KeyTemplateConfigResult = "template.config.result"
	KeyMarkingConfigResult  = "marking.config.result"
	KeyMarkingJobResult     = "marking.job.result"
	KeyIndexTaskResult      = "index.task.result"
)

// Binding ties a queue to its routing key on the exchange.
type Binding struct {
	Queue      string
	RoutingKey string
}

// Route describes one job kind's request and result channels.
type Route struct {
	Kind            Kind
	RequestQueue    string
	RequestKey      string
	ResultQueue     string
	ResultKey       string
	DefaultPriority models.JobPriority
}

// Registry resolves job kinds to their broker routes, with queue names
// taken from configuration.
type Registry struct {
	routes map[Kind]Route
}

// New builds the registry from the broker configuration.
func New(cfg *common.BrokerConfig) *Registry {
	routes := map[Kind]Route{
		KindTemplateConfig: {
			Kind:            KindTemplateConfig,
			RequestQueue:    cfg.TemplateConfigQueue,
			RequestKey:      KeyTemplateConfig,
			ResultQueue:     cfg.TemplateConfigResultsQueue,
			ResultKey:       KeyTemplateConfigResult,
			DefaultPriority: models.PriorityNormal,
		},
		KindMarkingConfig: {
			Kind:            KindMarkingConfig,
			RequestQueue:    cfg.MarkingConfigQueue,
			RequestKey:      KeyMarkingConfig,
			ResultQueue:     cfg.MarkingConfigResultsQueue,
			ResultKey:       KeyMarkingConfigResult,
			DefaultPriority: models.PriorityNormal,
		},
		KindMarking: {
			Kind:            KindMarking,
			RequestQueue:    cfg.MarkingJobQueue,
			RequestKey:      KeyMarkingJob,
			ResultQueue:     cfg.MarkingJobResultsQueue,
			ResultKey:       KeyMarkingJobResult,
			DefaultPriority: models.PriorityNormal,
		},
		KindIndexTask: {
			Kind:            KindIndexTask,
			RequestQueue:    cfg.IndexTaskQueue,
			RequestKey:      KeyIndexTask,
			ResultQueue:     cfg.IndexTaskResultsQueue,
			ResultKey:       KeyIndexTaskResult,
			DefaultPriority: models.PriorityNormal,
		},
	}
	return &Registry{routes: routes}
}

// Route returns the broker route for a job kind.
func (r *Registry) Route(kind Kind) (Route, error) {
	route, ok := r.routes[kind]
	if !ok {
		return Route{}, fmt.Errorf("unknown job kind: %s", kind)
	}
	return route, nil
}

// Bindings lists every queue/routing-key pair the broker must declare.
func (r *Registry) Bindings() []Binding {
	kinds := []Kind{KindTemplateConfig, KindMarkingConfig, KindMarking, KindIndexTask}
	bindings := make([]Binding, 0, len(kinds)*2)
	for _, kind := range kinds {
		route := r.routes[kind]
		bindings = append(bindings,
			Binding{Queue: route.RequestQueue, RoutingKey: route.RequestKey},
			Binding{Queue: route.ResultQueue, RoutingKey: route.ResultKey},
		)
	}
	return bindings
}
