package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	mbp "go.gazette.dev/core/mainboilerplate"
	"go.gazette.dev/core/task"

	"github.com/estuary/flow/go/agent/runtime"
)

type cmdServeAgent struct {
	DatabaseURL      string                `long:"database-url" env:"DATABASE_URL" required:"true" description:"Control-plane database connection string"`
	BuildsRoot       string                `long:"builds-root" env:"BUILDS_ROOT" required:"true" description:"Base URL of the build artifact store"`
	BrokerAddress    string                `long:"broker-address" env:"BROKER_ADDRESS" default:"localhost:8080" description:"Data-plane broker address"`
	ConsumerAddress  string                `long:"consumer-address" env:"CONSUMER_ADDRESS" default:"localhost:9000" description:"Data-plane consumer address"`
	ConnectorNetwork string                `long:"connector-network" env:"CONNECTOR_NETWORK" default:"bridge" description:"Docker network connector containers are given access to"`
	IDShard          uint16                `long:"id-shard" env:"ID_SHARD" default:"1" description:"Distinct id-generator shard of this replica"`
	Permits          int                   `long:"permits" default:"16" description:"Maximum number of concurrently executing tasks"`
	DequeueInterval  time.Duration         `long:"dequeue-interval" default:"5s" description:"Idle interval between task dequeues"`
	HeartbeatTimeout time.Duration         `long:"heartbeat-timeout" default:"30s" description:"Lease heartbeat timeout, after which a task is re-dequeued"`
	Log              mbp.LogConfig         `group:"Logging" namespace:"log" env-namespace:"LOG"`
	Diagnostics      mbp.DiagnosticsConfig `group:"Debug" namespace:"debug" env-namespace:"DEBUG"`
}

func (cmd cmdServeAgent) Execute(_ []string) error {
	defer mbp.InitDiagnosticsAndRecover(cmd.Diagnostics)()
	mbp.InitLog(cmd.Log)

	log.WithFields(log.Fields{
		"config":    cmd,
		"version":   mbp.Version,
		"buildDate": mbp.BuildDate,
	}).Info("agent configuration")

	var agent, err = runtime.New(context.Background(), runtime.Config{
		DatabaseURL:      cmd.DatabaseURL,
		BuildsRoot:       cmd.BuildsRoot,
		BrokerAddress:    cmd.BrokerAddress,
		ConsumerAddress:  cmd.ConsumerAddress,
		ConnectorNetwork: cmd.ConnectorNetwork,
		IDShard:          cmd.IDShard,
		Permits:          cmd.Permits,
		DequeueInterval:  cmd.DequeueInterval,
		HeartbeatTimeout: cmd.HeartbeatTimeout,
	})
	mbp.Must(err, "building agent")
	defer agent.Stop()

	var tasks = task.NewGroup(context.Background())
	agent.QueueTasks(tasks)

	// Install a signal handler which cancels the task group.
	var signalCh = make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-signalCh
		log.Info("caught signal, draining in-flight tasks")
		tasks.Cancel()
	}()

	tasks.GoRun()
	return tasks.Wait()
}
