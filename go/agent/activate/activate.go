// Package activate implements the Activator of the publication pipeline:
// it synchronizes a built catalog into a data plane by listing the
// journals and shards currently applied there, computing the desired
// specs, and issuing expected-revision-scoped Apply RPCs. Activation is
// idempotent: applying the same build twice produces no further changes.
package activate

import (
	"context"
	"encoding/json"
	"fmt"

	"go.gazette.dev/core/broker/client"
	pb "go.gazette.dev/core/broker/protocol"
	"go.gazette.dev/core/consumer"
	pc "go.gazette.dev/core/consumer/protocol"
	glabels "go.gazette.dev/core/labels"

	"github.com/estuary/flow/go/agent/catalog"
	"github.com/estuary/flow/go/agent/ids"
	"github.com/estuary/flow/go/agent/labels"
	"github.com/estuary/flow/go/agent/model"
)

// Activator applies a built catalog's journals and shards to a data
// plane over the broker and consumer Apply RPCs.
type Activator struct {
	Journals pb.JournalClient
	Shards   pc.ShardClient
	// InitialSplits is the number of shards a freshly-created task
	// starts with. Existing shards always pass through their current
	// splits unchanged.
	InitialSplits int
}

// Plan is the set of changes one Activate call computed and applied.
type Plan struct {
	JournalChanges []pb.ApplyRequest_Change
	ShardChanges   []pc.ApplyRequest_Change
}

// BuiltCollection is the subset of a built collection spec the Activator
// derives journals from.
type BuiltCollection struct {
	Key             []string `json:"key"`
	PartitionFields []string `json:"partitionFields,omitempty"`
	GenerationID    ids.ID   `json:"generationId,omitempty"`
	Stores          []string `json:"stores,omitempty"`
}

// ParseBuiltCollection extracts the activation-relevant fields of a
// built collection spec.
func ParseBuiltCollection(built json.RawMessage) (BuiltCollection, error) {
	var c BuiltCollection
	if err := json.Unmarshal(built, &c); err != nil {
		return BuiltCollection{}, fmt.Errorf("parsing built collection: %w", err)
	}
	return c, nil
}

// RequiresRecreation reports whether next is incompatible with prior's
// existing journals: a changed key or changed logical partitioning
// cannot be served by journals written under the old layout, and forces
// a new generation.
func RequiresRecreation(prior, next BuiltCollection) bool {
	if len(prior.Key) != len(next.Key) {
		return true
	}
	for i := range prior.Key {
		if prior.Key[i] != next.Key[i] {
			return true
		}
	}
	if len(prior.PartitionFields) != len(next.PartitionFields) {
		return true
	}
	for i := range prior.PartitionFields {
		if prior.PartitionFields[i] != next.PartitionFields[i] {
			return true
		}
	}
	return false
}

// NextGeneration derives the generation id to assign a collection whose
// prior generation is being retired. Generation ids are strictly
// increasing so the prior generation's journals sort, and are retained,
// ahead of the new one's.
func NextGeneration(gen *ids.Generator, prior ids.ID) ids.ID {
	var next = gen.Next()
	if next <= prior {
		next = ids.ID(uint64(prior) + 1)
	}
	return next
}

// Activate reconciles every spec of built into the data plane and
// returns the applied Plan. buildID is stamped onto each shard so a
// subsequent activation of a newer build produces spec diffs.
func (a *Activator) Activate(ctx context.Context, buildID ids.ID, built *catalog.BuiltCatalog) (Plan, error) {
	var plan Plan

	for i := range built.Specs {
		var spec = &built.Specs[i]
		var err error

		switch spec.SpecType {
		case model.CatalogTypeCollection:
			plan.JournalChanges, err = a.collectionChanges(ctx, spec, plan.JournalChanges)
		case model.CatalogTypeCapture, model.CatalogTypeMaterialization:
			plan.ShardChanges, plan.JournalChanges, err = a.taskChanges(
				ctx, spec, buildID, plan.ShardChanges, plan.JournalChanges)
		}
		if err != nil {
			return Plan{}, fmt.Errorf("activating %s: %w", spec.CatalogName, err)
		}
	}

	if err := a.apply(ctx, plan); err != nil {
		return Plan{}, err
	}
	return plan, nil
}

// Deactivate tears down the journals and shards of a spec removed from
// the catalog, issuing expected-revision deletions.
func (a *Activator) Deactivate(ctx context.Context, name model.CatalogName, specType model.CatalogType) (Plan, error) {
	var plan Plan

	switch specType {
	case model.CatalogTypeCollection:
		var cur, err = client.ListAllJournals(ctx, a.Journals, partitionsRequest(name))
		if err != nil {
			return Plan{}, fmt.Errorf("listing partitions of %s: %w", name, err)
		}
		for _, j := range cur.Journals {
			plan.JournalChanges = append(plan.JournalChanges, pb.ApplyRequest_Change{
				Delete:            j.Spec.Name,
				ExpectModRevision: j.ModRevision,
			})
		}
	case model.CatalogTypeCapture, model.CatalogTypeMaterialization:
		shards, err := consumer.ListShards(ctx, a.Shards, shardsRequest(name, specType))
		if err != nil {
			return Plan{}, fmt.Errorf("listing shards of %s: %w", name, err)
		}
		logs, err := client.ListAllJournals(ctx, a.Journals, recoveryLogsRequest(name, specType))
		if err != nil {
			return Plan{}, fmt.Errorf("listing recovery logs of %s: %w", name, err)
		}
		for _, s := range shards.Shards {
			plan.ShardChanges = append(plan.ShardChanges, pc.ApplyRequest_Change{
				Delete:            s.Spec.Id,
				ExpectModRevision: s.ModRevision,
			})
		}
		for _, j := range logs.Journals {
			plan.JournalChanges = append(plan.JournalChanges, pb.ApplyRequest_Change{
				Delete:            j.Spec.Name,
				ExpectModRevision: j.ModRevision,
			})
		}
	}

	if err := a.apply(ctx, plan); err != nil {
		return Plan{}, err
	}
	return plan, nil
}

func (a *Activator) apply(ctx context.Context, plan Plan) error {
	if len(plan.JournalChanges) > 0 {
		if _, err := client.ApplyJournals(ctx, a.Journals, &pb.ApplyRequest{Changes: plan.JournalChanges}); err != nil {
			return fmt.Errorf("applying journal changes: %w", err)
		}
	}
	if len(plan.ShardChanges) > 0 {
		if _, err := consumer.ApplyShards(ctx, a.Shards, &pc.ApplyRequest{Changes: plan.ShardChanges}); err != nil {
			return fmt.Errorf("applying shard changes: %w", err)
		}
	}
	return nil
}

// collectionChanges lists a collection's current partition journals and
// appends the changes bringing them to the desired state.
func (a *Activator) collectionChanges(ctx context.Context, spec *catalog.BuiltSpec, into []pb.ApplyRequest_Change) ([]pb.ApplyRequest_Change, error) {
	var coll, err = ParseBuiltCollection(spec.Built)
	if err != nil {
		return nil, err
	}

	cur, err := client.ListAllJournals(ctx, a.Journals, partitionsRequest(spec.CatalogName))
	if err != nil {
		return nil, fmt.Errorf("listing partitions: %w", err)
	}

	return CollectionChanges(spec.CatalogName, coll, cur.Journals, into), nil
}

// CollectionChanges diffs curPartitions against the desired journals of
// coll, appending proposed changes onto into. Journals of a generation
// other than the collection's current one are retained untouched, so a
// recreated collection's prior data remains readable for its retention
// window. Exported for tests which drive it with fixture listings
// rather than a live broker.
func CollectionChanges(name model.CatalogName, coll BuiltCollection, curPartitions []pb.ListResponse_Journal, into []pb.ApplyRequest_Change) []pb.ApplyRequest_Change {
	var idx = make(map[pb.Journal]*pb.ListResponse_Journal, len(curPartitions))
	for i := range curPartitions {
		idx[curPartitions[i].Spec.Name] = &curPartitions[i]
	}

	// A single pivot=00 partition journal per generation. This diff only
	// creates the journal when absent, or updates it in place when its
	// spec drifted; splits of an existing partition pass through.
	var next = partitionSpec(name, coll)

	if cur, ok := idx[next.Name]; ok {
		idx[next.Name] = nil
		if !next.Equal(&cur.Spec) {
			into = append(into, pb.ApplyRequest_Change{
				Upsert:            &next,
				ExpectModRevision: cur.ModRevision,
			})
		}
	} else {
		into = append(into, pb.ApplyRequest_Change{
			Upsert:            &next,
			ExpectModRevision: 0, // Expected to not exist.
		})
	}

	for _, cur := range idx {
		if cur == nil {
			continue
		}
		if gen := cur.Spec.LabelSet.ValuesOf(labels.Generation); len(gen) == 1 && gen[0] != coll.GenerationID.String() {
			continue // Prior generation: retained.
		}
		into = append(into, pb.ApplyRequest_Change{
			Delete:            cur.Spec.Name,
			ExpectModRevision: cur.ModRevision,
		})
	}
	return into
}

// taskChanges lists a task's current shards and recovery logs and
// appends the changes bringing them to the desired state.
func (a *Activator) taskChanges(ctx context.Context, spec *catalog.BuiltSpec, buildID ids.ID, intoShards []pc.ApplyRequest_Change, intoJournals []pb.ApplyRequest_Change) ([]pc.ApplyRequest_Change, []pb.ApplyRequest_Change, error) {
	shards, err := consumer.ListShards(ctx, a.Shards, shardsRequest(spec.CatalogName, spec.SpecType))
	if err != nil {
		return nil, nil, fmt.Errorf("listing shards: %w", err)
	}
	logs, err := client.ListAllJournals(ctx, a.Journals, recoveryLogsRequest(spec.CatalogName, spec.SpecType))
	if err != nil {
		return nil, nil, fmt.Errorf("listing recovery logs: %w", err)
	}

	var splits = a.InitialSplits
	if splits < 1 {
		splits = 1
	}
	intoShards, intoJournals = TaskChanges(
		spec.CatalogName, spec.SpecType, buildID, splits,
		shards.Shards, logs.Journals, intoShards, intoJournals)
	return intoShards, intoJournals, nil
}

// TaskChanges diffs curShards and curLogs against the desired shards of
// the task, appending proposed changes. Existing shards pass through
// their current key splits; a task with no shards yet is created with
// initialSplits evenly-divided ranges.
func TaskChanges(
	name model.CatalogName,
	specType model.CatalogType,
	buildID ids.ID,
	initialSplits int,
	curShards []pc.ListResponse_Shard,
	curLogs []pb.ListResponse_Journal,
	intoShards []pc.ApplyRequest_Change,
	intoJournals []pb.ApplyRequest_Change,
) ([]pc.ApplyRequest_Change, []pb.ApplyRequest_Change) {

	var shardIdx = make(map[pc.ShardID]*pc.ListResponse_Shard, len(curShards))
	var logIdx = make(map[pb.Journal]*pb.ListResponse_Journal, len(curLogs))
	for i := range curShards {
		shardIdx[curShards[i].Spec.Id] = &curShards[i]
	}
	for i := range curLogs {
		logIdx[curLogs[i].Spec.Name] = &curLogs[i]
	}

	// Desired ranges: pass through each existing shard's range
	// (de-duplicated, so a shard with drifted labels maps onto one
	// desired spec and the drifted duplicate is deleted), or evenly
	// subdivide the key space when no shards exist yet.
	var ranges []keyRange
	if len(curShards) != 0 {
		var seen = map[keyRange]bool{}
		for _, s := range curShards {
			var r = keyRange{
				begin: firstValue(s.Spec.LabelSet, labels.KeyBegin, "00000000"),
				end:   firstValue(s.Spec.LabelSet, labels.KeyEnd, "ffffffff"),
			}
			if !seen[r] {
				seen[r] = true
				ranges = append(ranges, r)
			}
		}
	} else {
		for p := 0; p != initialSplits; p++ {
			ranges = append(ranges, keyRange{
				begin: fmt.Sprintf("%08x", uint32((1<<32)*uint64(p)/uint64(initialSplits))),
				end:   fmt.Sprintf("%08x", uint32((1<<32)*uint64(p+1)/uint64(initialSplits)-1)),
			})
		}
	}

	for _, r := range ranges {
		var nextShard = shardSpec(name, specType, buildID, r)
		var nextLog = recoverySpec(name, specType, nextShard)

		if cur, ok := shardIdx[nextShard.Id]; ok && cur != nil {
			shardIdx[nextShard.Id] = nil
			if !nextShard.Equal(&cur.Spec) {
				intoShards = append(intoShards, pc.ApplyRequest_Change{
					Upsert:            &nextShard,
					ExpectModRevision: cur.ModRevision,
				})
			}
		} else {
			intoShards = append(intoShards, pc.ApplyRequest_Change{
				Upsert:            &nextShard,
				ExpectModRevision: 0,
			})
		}

		if cur, ok := logIdx[nextLog.Name]; ok && cur != nil {
			logIdx[nextLog.Name] = nil
			if !nextLog.Equal(&cur.Spec) {
				intoJournals = append(intoJournals, pb.ApplyRequest_Change{
					Upsert:            &nextLog,
					ExpectModRevision: cur.ModRevision,
				})
			}
		} else {
			intoJournals = append(intoJournals, pb.ApplyRequest_Change{
				Upsert:            &nextLog,
				ExpectModRevision: 0,
			})
		}
	}

	for _, cur := range shardIdx {
		if cur == nil {
			continue
		}
		intoShards = append(intoShards, pc.ApplyRequest_Change{
			Delete:            cur.Spec.Id,
			ExpectModRevision: cur.ModRevision,
		})
	}
	for _, cur := range logIdx {
		if cur == nil {
			continue
		}
		intoJournals = append(intoJournals, pb.ApplyRequest_Change{
			Delete:            cur.Spec.Name,
			ExpectModRevision: cur.ModRevision,
		})
	}
	return intoShards, intoJournals
}

type keyRange struct{ begin, end string }

func firstValue(set pb.LabelSet, name, dflt string) string {
	if v := set.ValuesOf(name); len(v) != 0 {
		return v[0]
	}
	return dflt
}

func partitionsRequest(name model.CatalogName) pb.ListRequest {
	return pb.ListRequest{
		Selector: pb.LabelSelector{
			Include: pb.MustLabelSet(labels.Collection, name.String()),
		},
	}
}

func shardsRequest(name model.CatalogName, specType model.CatalogType) *pc.ListRequest {
	return &pc.ListRequest{
		Selector: pb.LabelSelector{
			Include: pb.MustLabelSet(
				labels.TaskName, name.String(),
				labels.TaskType, string(specType),
			),
		},
	}
}

func recoveryLogsRequest(name model.CatalogName, specType model.CatalogType) pb.ListRequest {
	return pb.ListRequest{
		Selector: pb.LabelSelector{
			Include: pb.MustLabelSet(
				glabels.ContentType, glabels.ContentType_RecoveryLog,
				labels.TaskName, name.String(),
				labels.TaskType, string(specType),
			),
		},
	}
}

// partitionSpec builds the desired partition journal of a collection
// generation: a single pivot=00 journal carrying the collection and
// generation labels the next activation diffs against.
func partitionSpec(name model.CatalogName, coll BuiltCollection) pb.JournalSpec {
	var journal = pb.Journal(fmt.Sprintf("%s/%s/pivot=00", name, coll.GenerationID))

	var stores []pb.FragmentStore
	for _, s := range coll.Stores {
		stores = append(stores, pb.FragmentStore(s))
	}

	return pb.JournalSpec{
		Name:        journal,
		Replication: 3,
		LabelSet: pb.MustLabelSet(
			glabels.ContentType, glabels.ContentType_JSONLines,
			glabels.ManagedBy, managedBy,
			labels.Collection, name.String(),
			labels.Generation, coll.GenerationID.String(),
			labels.KeyBegin, "00000000",
			labels.KeyEnd, "ffffffff",
		),
		Fragment: pb.JournalSpec_Fragment{
			Length:           1 << 29, // 512 MB.
			CompressionCodec: pb.CompressionCodec_GZIP,
			Stores:           stores,
			RefreshInterval:  5 * 60e9, // 5 minutes.
		},
	}
}

// shardSpec builds the desired shard of a task split, stamped with the
// build id so activating a newer build updates the shard in place.
func shardSpec(name model.CatalogName, specType model.CatalogType, buildID ids.ID, r keyRange) pc.ShardSpec {
	return pc.ShardSpec{
		Id:                pc.ShardID(fmt.Sprintf("%s/%s/%s-%s", specType, name, r.begin, r.end)),
		RecoveryLogPrefix: "recovery",
		HintPrefix:        "/estuary/flow/hints",
		HintBackups:       2,
		MaxTxnDuration:    60e9, // 1 minute.
		LabelSet: pb.MustLabelSet(
			glabels.ManagedBy, managedBy,
			labels.TaskName, name.String(),
			labels.TaskType, string(specType),
			labels.Build, buildID.String(),
			labels.KeyBegin, r.begin,
			labels.KeyEnd, r.end,
		),
	}
}

// recoverySpec builds the recovery log journal of a shard.
func recoverySpec(name model.CatalogName, specType model.CatalogType, shard pc.ShardSpec) pb.JournalSpec {
	return pb.JournalSpec{
		Name:        shard.RecoveryLog(),
		Replication: 3,
		LabelSet: pb.MustLabelSet(
			glabels.ContentType, glabels.ContentType_RecoveryLog,
			glabels.ManagedBy, managedBy,
			labels.TaskName, name.String(),
			labels.TaskType, string(specType),
		),
		Fragment: pb.JournalSpec_Fragment{
			Length:           1 << 28, // 256 MB.
			CompressionCodec: pb.CompressionCodec_SNAPPY,
			RefreshInterval:  5 * 60e9,
		},
	}
}

const managedBy = "estuary.dev/flow"
