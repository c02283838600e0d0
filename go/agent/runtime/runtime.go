// Package runtime wires the control-plane agent together: the relational
// store, the publisher and its validator/builder/activator stages, the
// control-plane surface controllers poll through, and the task-queue
// scheduler that runs them all.
package runtime

import (
	"context"
	"fmt"
	"time"

	grpcprom "github.com/grpc-ecosystem/go-grpc-prometheus"
	log "github.com/sirupsen/logrus"
	pb "go.gazette.dev/core/broker/protocol"
	pc "go.gazette.dev/core/consumer/protocol"
	"go.gazette.dev/core/task"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/estuary/flow/go/agent/activate"
	"github.com/estuary/flow/go/agent/build"
	"github.com/estuary/flow/go/agent/catalog"
	"github.com/estuary/flow/go/agent/connector"
	"github.com/estuary/flow/go/agent/controllers"
	"github.com/estuary/flow/go/agent/controlplane"
	"github.com/estuary/flow/go/agent/ids"
	"github.com/estuary/flow/go/agent/model"
	"github.com/estuary/flow/go/agent/publish"
	"github.com/estuary/flow/go/agent/store"
	"github.com/estuary/flow/go/agent/tasks"
	"github.com/estuary/flow/go/agent/validate"
)

// Config is the agent's runtime configuration.
type Config struct {
	DatabaseURL      string
	BuildsRoot       string
	BrokerAddress    string
	ConsumerAddress  string
	ConnectorNetwork string

	// IDShard distinguishes this process's id generator from other
	// replicas'; replicas must use distinct shards.
	IDShard uint16
	// Permits bounds concurrently-executing tasks.
	Permits          int
	DequeueInterval  time.Duration
	HeartbeatTimeout time.Duration
}

// Agent is a fully wired control-plane process.
type Agent struct {
	Store     *store.PGStore
	Scheduler *tasks.Scheduler
	Publisher *publish.Publisher
	IDs       *ids.Generator

	brokerConn   *grpc.ClientConn
	consumerConn *grpc.ClientConn
}

// New builds an Agent from cfg, connecting the store and data plane and
// registering the publication and controller executors.
func New(ctx context.Context, cfg Config) (*Agent, error) {
	var st, err = store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}

	brokerConn, err := dial(ctx, cfg.BrokerAddress)
	if err != nil {
		return nil, fmt.Errorf("dialing broker: %w", err)
	}
	consumerConn, err := dial(ctx, cfg.ConsumerAddress)
	if err != nil {
		return nil, fmt.Errorf("dialing consumer: %w", err)
	}

	uploader, err := build.NewUploader(ctx, cfg.BuildsRoot)
	if err != nil {
		return nil, err
	}

	var idGen = ids.NewGenerator(cfg.IDShard)
	var connectors = &connector.Pool{
		Resolve: func(name model.CatalogName) (string, []string, error) {
			return "flow-connector-proxy", []string{"--network", cfg.ConnectorNetwork}, nil
		},
	}
	var activator = &activate.Activator{
		Journals:      pb.NewJournalClient(brokerConn),
		Shards:        pc.NewShardClient(consumerConn),
		InitialSplits: 1,
	}

	var publisher = &publish.Publisher{
		Store:   st,
		IDs:     idGen,
		Timeout: 10 * time.Minute,
		Quotas: func(ctx context.Context, tenant string) (model.Quota, publish.TenantUsage, error) {
			var quota, tasks, collections, err = st.FetchTenant(ctx, tenant)
			return quota, publish.TenantUsage{Tasks: tasks, Collections: collections}, err
		},
		Validator: &validate.Validator{
			Connectors:      connectors,
			StorageMappings: storageMappingLookup(st),
			InferredSchemas: func(name model.CatalogName) (model.InferredSchema, bool) {
				var schemas, err = st.FetchInferredSchemas(context.Background(), []model.CatalogName{name})
				if err != nil || len(schemas) == 0 {
					return model.InferredSchema{}, false
				}
				return schemas[0], true
			},
		},
		Builder: &build.Builder{Uploader: uploader},
		Activator: publish.ActivatorFunc(func(ctx context.Context, buildID ids.ID, built *catalog.BuiltCatalog) error {
			var _, err = activator.Activate(ctx, buildID, built)
			return err
		}),
	}

	var cp, cerr = controlplane.NewCached(&controlplane.PGControlPlane{
		Store:     st,
		Publisher: publisher,
		Reactivator: func(ctx context.Context, live model.LiveSpec) error {
			var _, err = activator.Activate(ctx, live.LastBuildID, &catalog.BuiltCatalog{
				Specs: []catalog.BuiltSpec{{
					CatalogName: live.CatalogName,
					SpecType:    live.SpecType,
					Model:       live.Model,
					Built:       live.BuiltSpec,
				}},
			})
			return err
		},
		Discoverer: func(ctx context.Context, name model.CatalogName, endpointConfig []byte) (controlplane.DiscoverResult, error) {
			var resp, err = connectors.Discover(ctx, name, endpointConfig)
			if err != nil {
				return controlplane.DiscoverResult{}, err
			}
			var out controlplane.DiscoverResult
			for _, b := range resp.Bindings {
				out.Bindings = append(out.Bindings, controlplane.DiscoverBinding{
					RecommendedName: model.CatalogName(b.RecommendedName),
					DocumentSchema:  b.DocumentSchema,
					Key:             b.Key,
				})
			}
			return out, nil
		},
	}, 1024, cfg.DequeueInterval)
	if cerr != nil {
		return nil, cerr
	}

	var scheduler = tasks.NewScheduler(st, cfg.Permits, cfg.DequeueInterval, cfg.HeartbeatTimeout)
	var pubExec = &publish.Executor{Store: st, Publish: publisher.Publish}
	var ctrlExec = &controllers.Executor{Store: st, CP: cp}

	if err := scheduler.Register(model.TaskTypePublication, pubExec.Poll); err != nil {
		return nil, err
	}
	if err := scheduler.Register(model.TaskTypeController, ctrlExec.Poll); err != nil {
		return nil, err
	}

	return &Agent{
		Store:        st,
		Scheduler:    scheduler,
		Publisher:    publisher,
		IDs:          idGen,
		brokerConn:   brokerConn,
		consumerConn: consumerConn,
	}, nil
}

// QueueTasks queues the agent's long-running loops onto the group.
func (a *Agent) QueueTasks(group *task.Group) {
	a.Scheduler.Queue(group, "agent-scheduler")
}

// Stop releases the agent's connections.
func (a *Agent) Stop() {
	if a.brokerConn != nil {
		_ = a.brokerConn.Close()
	}
	if a.consumerConn != nil {
		_ = a.consumerConn.Close()
	}
	a.Store.Close()
	log.Info("agent stopped")
}

func dial(ctx context.Context, address string) (*grpc.ClientConn, error) {
	return grpc.DialContext(ctx, address,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithUnaryInterceptor(grpcprom.UnaryClientInterceptor),
		grpc.WithStreamInterceptor(grpcprom.StreamClientInterceptor),
	)
}

func storageMappingLookup(st store.Store) func(tenant string) (validate.StorageMapping, bool) {
	return func(tenant string) (validate.StorageMapping, bool) {
		var mappings, err = st.FetchStorageMappings(context.Background())
		if err != nil {
			log.WithError(err).Error("failed to fetch storage mappings")
			return validate.StorageMapping{}, false
		}
		var stores, ok = mappings[tenant+"/"]
		if !ok {
			return validate.StorageMapping{}, false
		}
		return validate.StorageMapping{Prefix: tenant + "/", Stores: stores}, true
	}
}
