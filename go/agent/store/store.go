// Package store implements the relational store contract: the only
// globally shared mutable state of the control plane, accessed through
// a small set of explicit operations rather than ad-hoc queries
// scattered through the pipeline. The Postgres-backed implementation is
// built on pgx.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/estuary/flow/go/agent/ids"
	"github.com/estuary/flow/go/agent/model"
)

// Store is the row-level contract of the relational store. Every
// method either runs in its own transaction or is documented to require
// the caller hold one via WithTx.
type Store interface {
	// CreateTask inserts a new internal.tasks row in a fresh, immediately
	// runnable state.
	CreateTask(ctx context.Context, taskID ids.ID, taskType model.TaskType, parentID *ids.ID) error
	// SendToTask appends an inbox entry and clears the task's wake_at so
	// it is dequeued promptly.
	SendToTask(ctx context.Context, taskID, senderID ids.ID, payload []byte) error
	// DequeueTasks atomically claims up to limit tasks whose wake_at has
	// passed and whose heartbeat predates cutoff, via SELECT ... FOR
	// UPDATE SKIP LOCKED ORDER BY wake_at DESC LIMIT limit, stamping
	// their heartbeat to now. A task claimed but abandoned becomes
	// eligible again once its heartbeat falls behind the cutoff.
	DequeueTasks(ctx context.Context, taskType model.TaskType, limit int, now, cutoff time.Time) ([]model.Task, error)
	// HeartbeatTask extends a claimed task's heartbeat so other workers
	// don't consider it abandoned mid-poll.
	HeartbeatTask(ctx context.Context, taskID ids.ID, heartbeat time.Time) error
	// UpdateTaskState persists a task's inner_state and next wake_at,
	// clearing the inbox entries that were consumed this poll.
	UpdateTaskState(ctx context.Context, taskID ids.ID, state []byte, wakeAt time.Time, consumedInbox int) error
	// DeleteTask removes a completed task row.
	DeleteTask(ctx context.Context, taskID ids.ID) error
	// AwaitTaskWake blocks until some task is created or sent to, or
	// ctx is done. Schedulers use it to cut their idle sleep short.
	AwaitTaskWake(ctx context.Context) error

	// FetchControllerJob reads the controller_jobs row of liveSpecID.
	FetchControllerJob(ctx context.Context, liveSpecID ids.ID) (model.ControllerState, bool, error)
	// UpsertControllerJob persists a controller's state after a poll.
	// Each controller exclusively owns its own row.
	UpsertControllerJob(ctx context.Context, state model.ControllerState) error
	// DeleteControllerJob removes the controller_jobs row of a purged
	// live spec.
	DeleteControllerJob(ctx context.Context, liveSpecID ids.ID) error

	// FetchStorageMappings reads every storage_mappings row, as
	// catalog-prefix to store-URL lists.
	FetchStorageMappings(ctx context.Context) (map[string][]string, error)
	// FetchTenant reads a tenant's configured quota and its current
	// usage of tasks and collections, excluding disabled tasks.
	FetchTenant(ctx context.Context, tenant string) (quota model.Quota, tasks, collections int, err error)

	// CreateDraft inserts an empty draft owned by userID.
	CreateDraft(ctx context.Context, draftID ids.ID, userID string) error
	// UpsertDraftSpec inserts or replaces one draft_specs row.
	UpsertDraftSpec(ctx context.Context, spec model.DraftSpec) error
	// ListDrafts returns the draft ids owned by userID, newest first.
	ListDrafts(ctx context.Context, userID string) ([]ids.ID, error)
	// FetchDraftSpecs reads every draft_specs row of draftID.
	FetchDraftSpecs(ctx context.Context, draftID ids.ID) ([]model.DraftSpec, error)
	// DeleteDraft removes a draft and its draft_specs rows once its
	// publication reaches a terminal status.
	DeleteDraft(ctx context.Context, draftID ids.ID) error
	// RecordPublication inserts the terminal Publication row of a
	// failed publication. Successful publications record their row
	// through CommitPublication instead, inside the commit transaction.
	RecordPublication(ctx context.Context, pub model.Publication) error

	// ResolveExpandedRows fetches LiveSpecs and FlowEdges sufficient to
	// build an expand.Graph and compute the closure of seedIDs.
	ResolveExpandedRows(ctx context.Context, seedIDs []ids.ID) ([]model.LiveSpec, []model.FlowEdge, error)
	// FetchLiveSpecs fetches the current live rows for names, scoped to
	// what userID is authorized to read.
	FetchLiveSpecs(ctx context.Context, userID string, names []model.CatalogName) ([]model.LiveSpec, error)
	// FetchLiveSpecByID fetches a single live spec row by its id, or
	// ok=false if the row has been purged.
	FetchLiveSpecByID(ctx context.Context, id ids.ID) (model.LiveSpec, bool, error)
	// FetchInferredSchemas fetches the latest inferred schema row for
	// each of names.
	FetchInferredSchemas(ctx context.Context, names []model.CatalogName) ([]model.InferredSchema, error)
	// FetchConsumers returns the catalog names of every materialization
	// with a live_spec_flows edge reading from catalogName, in sorted
	// order.
	FetchConsumers(ctx context.Context, catalogName model.CatalogName) ([]model.CatalogName, error)
	// NotifyDependents pulls live_specs.controller_next_run forward to now
	// for every live spec joined to catalogName by a live_spec_flows edge
	// (in either direction), and wakes each such spec's controller task,
	// so their controllers re-run promptly after catalogName publishes.
	NotifyDependents(ctx context.Context, catalogName model.CatalogName, pubID ids.ID, now time.Time) error

	// RecordAlert upserts an open alert_history row for (catalogName,
	// kind), a no-op if one is already firing.
	RecordAlert(ctx context.Context, catalogName model.CatalogName, kind model.AlertType, arguments []byte, now time.Time) error
	// ResolveAlert closes the open alert_history row for (catalogName,
	// kind), if any.
	ResolveAlert(ctx context.Context, catalogName model.CatalogName, kind model.AlertType, resolvedArguments []byte, now time.Time) error
	// ListAlerts backs the read-side alerts query: every
	// alert_history row for a catalog name prefix, newest first,
	// optionally restricted to currently-firing rows.
	ListAlerts(ctx context.Context, prefix string, firingOnly bool) ([]model.AlertHistory, error)

	// LockSpecs acquires row-level locks on the LiveSpec rows named, in
	// the caller-provided order, for the lifetime of the enclosing
	// transaction. Publications serialize per affected catalog name by
	// locking in canonical (sorted) order before the merge step, so two
	// concurrent publications can't clobber each other's last_pub_id.
	// Callers are responsible for sorting names before calling.
	LockSpecs(ctx context.Context, names []model.CatalogName) error

	// CommitPublication atomically persists one publication's outcome:
	// the touched LiveSpec rows (model, built_spec, last_pub_id,
	// last_build_id, dependency_hash), the replaced set of flow edges
	// sourced from any touched spec, and the terminal Publication row
	// itself. Exclusively owned by the Publisher.
	CommitPublication(ctx context.Context, pub model.Publication, specs []model.LiveSpec, edges []model.FlowEdge) error

	// WithTx runs fn within a single serializable transaction.
	WithTx(ctx context.Context, fn func(ctx context.Context, tx pgx.Tx) error) error
}

// PGStore is the Postgres-backed Store, built on a pgxpool.Pool.
type PGStore struct {
	pool *pgxpool.Pool
}

// Open connects a PGStore to the given DSN.
func Open(ctx context.Context, dsn string) (*PGStore, error) {
	var pool, err = pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to control-plane database: %w", err)
	}
	return &PGStore{pool: pool}, nil
}

// Close releases the underlying connection pool.
func (s *PGStore) Close() { s.pool.Close() }

func (s *PGStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx pgx.Tx) error) error {
	return pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.Serializable}, func(tx pgx.Tx) error {
		return fn(ctx, tx)
	})
}

// taskWakeChannel is the LISTEN/NOTIFY channel task creations and sends
// are announced on.
const taskWakeChannel = "internal_tasks_wake"

func (s *PGStore) CreateTask(ctx context.Context, taskID ids.ID, taskType model.TaskType, parentID *ids.ID) error {
	var _, err = s.pool.Exec(ctx, `
		with created as (
		  insert into internal.tasks (task_id, task_type, parent_id, wake_at)
		  values ($1, $2, $3, now())
		  on conflict (task_id) do nothing
		)
		select pg_notify('`+taskWakeChannel+`', $1::text)
	`, taskID, taskType, parentID)
	return err
}

func (s *PGStore) SendToTask(ctx context.Context, taskID, senderID ids.ID, payload []byte) error {
	var _, err = s.pool.Exec(ctx, `
		with woken as (
		  update internal.tasks
		     set inbox = inbox || jsonb_build_object('sender_id', $2::text, 'payload', $3::jsonb),
		         wake_at = now()
		   where task_id = $1
		)
		select pg_notify('`+taskWakeChannel+`', $1::text)
	`, taskID, senderID.String(), payload)
	return err
}

func (s *PGStore) AwaitTaskWake(ctx context.Context) error {
	var conn, err = s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquiring listen connection: %w", err)
	}
	defer conn.Release()

	if _, err = conn.Exec(ctx, `listen `+taskWakeChannel); err != nil {
		return fmt.Errorf("listening on %s: %w", taskWakeChannel, err)
	}
	if _, err = conn.Conn().WaitForNotification(ctx); err != nil {
		return err
	}
	return nil
}

func (s *PGStore) DequeueTasks(ctx context.Context, taskType model.TaskType, limit int, now, cutoff time.Time) ([]model.Task, error) {
	var rows, err = s.pool.Query(ctx, `
		update internal.tasks
		   set heartbeat = $3
		 where task_id in (
		   select task_id from internal.tasks
		    where task_type = $1 and wake_at <= $3 and heartbeat < $4
		    order by wake_at desc
		    limit $2
		    for update skip locked
		 )
		returning task_id, task_type, parent_id, inbox, inner_state, wake_at, heartbeat
	`, taskType, limit, now, cutoff)
	if err != nil {
		return nil, fmt.Errorf("dequeuing tasks: %w", err)
	}
	defer rows.Close()

	var out []model.Task
	for rows.Next() {
		var t model.Task
		if err := rows.Scan(&t.ID, &t.Type, &t.ParentID, &t.Inbox, &t.State, &t.WakeAt, &t.Heartbeat); err != nil {
			return nil, fmt.Errorf("scanning dequeued task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *PGStore) HeartbeatTask(ctx context.Context, taskID ids.ID, heartbeat time.Time) error {
	var _, err = s.pool.Exec(ctx, `update internal.tasks set heartbeat = $2 where task_id = $1`, taskID, heartbeat)
	return err
}

func (s *PGStore) UpdateTaskState(ctx context.Context, taskID ids.ID, state []byte, wakeAt time.Time, consumedInbox int) error {
	// Resetting the heartbeat releases the lease, so the task is
	// immediately eligible once wake_at next arrives.
	var _, err = s.pool.Exec(ctx, `
		update internal.tasks
		   set inner_state = $2, wake_at = $3, inbox = inbox[$4 + 1:], heartbeat = 'epoch'
		 where task_id = $1
	`, taskID, state, wakeAt, consumedInbox)
	return err
}

func (s *PGStore) DeleteTask(ctx context.Context, taskID ids.ID) error {
	var _, err = s.pool.Exec(ctx, `delete from internal.tasks where task_id = $1`, taskID)
	return err
}

func (s *PGStore) FetchControllerJob(ctx context.Context, liveSpecID ids.ID) (model.ControllerState, bool, error) {
	var state = model.ControllerState{LiveSpecID: liveSpecID}
	var status json.RawMessage

	var err = s.pool.QueryRow(ctx, `
		select cj.catalog_name, cj.controller_version, cj.status, cj.next_run, cj.updated_at,
		       cj.failures, cj.error, ls.updated_at, ls.last_pub_id, ls.last_build_id
		  from controller_jobs cj
		  join live_specs ls on ls.id = cj.live_spec_id
		 where cj.live_spec_id = $1
	`, liveSpecID).Scan(&state.CatalogName, &state.ControllerVersion, &status, &state.NextRun,
		&state.UpdatedAt, &state.Failures, &state.Error, &state.LiveSpecUpdatedAt,
		&state.LastPubID, &state.LastBuildID)

	if err == pgx.ErrNoRows {
		return model.ControllerState{}, false, nil
	} else if err != nil {
		return model.ControllerState{}, false, fmt.Errorf("fetching controller job %s: %w", liveSpecID, err)
	}

	if state.Current, err = model.UnmarshalStatusJSON(status); err != nil {
		return model.ControllerState{}, false, fmt.Errorf("controller job %s: %w", liveSpecID, err)
	}
	return state, true, nil
}

func (s *PGStore) UpsertControllerJob(ctx context.Context, state model.ControllerState) error {
	var status, err = json.Marshal(&state.Current)
	if err != nil {
		return fmt.Errorf("marshalling controller status: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		insert into controller_jobs (live_spec_id, catalog_name, controller_version, status, next_run, updated_at, failures, error)
		values ($1, $2, $3, $4, $5, $6, $7, $8)
		on conflict (live_spec_id) do update set
		  controller_version = excluded.controller_version,
		  status = excluded.status,
		  next_run = excluded.next_run,
		  updated_at = excluded.updated_at,
		  failures = excluded.failures,
		  error = excluded.error
	`, state.LiveSpecID, state.CatalogName, state.ControllerVersion, status,
		state.NextRun, state.UpdatedAt, state.Failures, state.Error)
	return err
}

func (s *PGStore) DeleteControllerJob(ctx context.Context, liveSpecID ids.ID) error {
	var _, err = s.pool.Exec(ctx, `delete from controller_jobs where live_spec_id = $1`, liveSpecID)
	return err
}

func (s *PGStore) FetchDraftSpecs(ctx context.Context, draftID ids.ID) ([]model.DraftSpec, error) {
	var rows, err = s.pool.Query(ctx, `
		select draft_id, catalog_name, spec_type, spec, expect_pub_id, is_touch
		  from draft_specs
		 where draft_id = $1
		 order by catalog_name
	`, draftID)
	if err != nil {
		return nil, fmt.Errorf("fetching draft specs of %s: %w", draftID, err)
	}
	defer rows.Close()

	var out []model.DraftSpec
	for rows.Next() {
		var d model.DraftSpec
		if err := rows.Scan(&d.DraftID, &d.CatalogName, &d.SpecType, &d.Model, &d.ExpectPubID, &d.IsTouch); err != nil {
			return nil, fmt.Errorf("scanning draft spec: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *PGStore) FetchStorageMappings(ctx context.Context) (map[string][]string, error) {
	var rows, err = s.pool.Query(ctx, `select catalog_prefix, spec from storage_mappings`)
	if err != nil {
		return nil, fmt.Errorf("fetching storage mappings: %w", err)
	}
	defer rows.Close()

	var out = map[string][]string{}
	for rows.Next() {
		var prefix string
		var spec struct {
			Stores []struct {
				Bucket   string `json:"bucket"`
				Provider string `json:"provider"`
				Prefix   string `json:"prefix"`
			} `json:"stores"`
		}
		var raw json.RawMessage
		if err := rows.Scan(&prefix, &raw); err != nil {
			return nil, fmt.Errorf("scanning storage mapping: %w", err)
		}
		if err := json.Unmarshal(raw, &spec); err != nil {
			return nil, fmt.Errorf("parsing storage mapping of %q: %w", prefix, err)
		}
		var stores []string
		for _, st := range spec.Stores {
			stores = append(stores, fmt.Sprintf("%s://%s/%s", st.Provider, st.Bucket, st.Prefix))
		}
		out[prefix] = stores
	}
	return out, rows.Err()
}

func (s *PGStore) FetchTenant(ctx context.Context, tenant string) (model.Quota, int, int, error) {
	var quota = model.Quota{Tenant: tenant}
	var tasks, collections int

	var err = s.pool.QueryRow(ctx, `
		select t.tasks_quota, t.collections_quota,
		  (select count(*) from live_specs
		    where split_part(catalog_name, '/', 1) = trim(trailing '/' from t.tenant)
		      and spec_type in ('capture', 'materialization')
		      and spec is not null
		      and coalesce(spec->'shards'->>'disable', 'false') <> 'true'),
		  (select count(*) from live_specs
		    where split_part(catalog_name, '/', 1) = trim(trailing '/' from t.tenant)
		      and spec_type = 'collection'
		      and spec is not null)
		  from tenants t
		 where t.tenant = $1 || '/'
	`, tenant).Scan(&quota.QuotaTasks, &quota.QuotaCollections, &tasks, &collections)
	if err != nil {
		return model.Quota{}, 0, 0, fmt.Errorf("fetching tenant %q: %w", tenant, err)
	}
	return quota, tasks, collections, nil
}

func (s *PGStore) CreateDraft(ctx context.Context, draftID ids.ID, userID string) error {
	var _, err = s.pool.Exec(ctx, `
		insert into drafts (id, user_id, created_at, updated_at) values ($1, $2, now(), now())
	`, draftID, userID)
	return err
}

func (s *PGStore) UpsertDraftSpec(ctx context.Context, spec model.DraftSpec) error {
	var _, err = s.pool.Exec(ctx, `
		insert into draft_specs (draft_id, catalog_name, spec_type, spec, expect_pub_id, is_touch)
		values ($1, $2, $3, $4, $5, $6)
		on conflict (draft_id, catalog_name) do update set
		  spec_type = excluded.spec_type,
		  spec = excluded.spec,
		  expect_pub_id = excluded.expect_pub_id,
		  is_touch = excluded.is_touch
	`, spec.DraftID, spec.CatalogName, spec.SpecType, spec.Model, spec.ExpectPubID, spec.IsTouch)
	return err
}

func (s *PGStore) ListDrafts(ctx context.Context, userID string) ([]ids.ID, error) {
	var rows, err = s.pool.Query(ctx, `
		select id from drafts where user_id = $1 order by created_at desc
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("listing drafts: %w", err)
	}
	defer rows.Close()

	var out []ids.ID
	for rows.Next() {
		var id ids.ID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *PGStore) DeleteDraft(ctx context.Context, draftID ids.ID) error {
	return s.WithTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `delete from draft_specs where draft_id = $1`, draftID); err != nil {
			return err
		}
		var _, err = tx.Exec(ctx, `delete from drafts where id = $1`, draftID)
		return err
	})
}

func (s *PGStore) RecordPublication(ctx context.Context, pub model.Publication) error {
	errs, err := json.Marshal(pub.Errors)
	if err != nil {
		return fmt.Errorf("marshalling publication errors: %w", err)
	}
	incompatible, err := json.Marshal(pub.Incompatible)
	if err != nil {
		return fmt.Errorf("marshalling incompatible collections: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		insert into publications (id, user_id, draft_id, status, errors, incompatible_collections, detail, logs_token, created_at, completed_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, pub.ID, pub.UserID, pub.DraftID, pub.Status, errs, incompatible, pub.Detail, pub.LogsToken, pub.CreatedAt, pub.CompletedAt)
	return err
}

func (s *PGStore) LockSpecs(ctx context.Context, names []model.CatalogName) error {
	var _, err = s.pool.Exec(ctx, `
		select id from live_specs where catalog_name = any($1) order by catalog_name for update
	`, names)
	return err
}

func (s *PGStore) CommitPublication(ctx context.Context, pub model.Publication, specs []model.LiveSpec, edges []model.FlowEdge) error {
	return s.WithTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		for _, spec := range specs {
			if _, err := tx.Exec(ctx, `
				insert into live_specs (id, catalog_name, spec_type, spec, built_spec, last_pub_id, last_build_id,
				                         created_at, updated_at, controller_next_run, dependency_hash)
				values ($1, $2, $3, $4, $5, $6, $7, $8, $8, null, $9)
				on conflict (catalog_name) do update set
				  spec_type = excluded.spec_type,
				  spec = excluded.spec,
				  built_spec = excluded.built_spec,
				  last_pub_id = excluded.last_pub_id,
				  last_build_id = excluded.last_build_id,
				  updated_at = excluded.updated_at,
				  dependency_hash = excluded.dependency_hash
			`, spec.ID, spec.CatalogName, spec.SpecType, spec.Model, spec.BuiltSpec,
				spec.LastPubID, spec.LastBuildID, spec.UpdatedAt, spec.DependencyHash); err != nil {
				return fmt.Errorf("upserting live spec %s: %w", spec.CatalogName, err)
			}
			if _, err := tx.Exec(ctx, `delete from live_spec_flows where source_id = $1`, spec.ID); err != nil {
				return fmt.Errorf("clearing flow edges for %s: %w", spec.CatalogName, err)
			}
		}
		for _, e := range edges {
			if _, err := tx.Exec(ctx, `
				insert into live_spec_flows (source_id, target_id, flow_type) values ($1, $2, $3)
				on conflict do nothing
			`, e.SourceID, e.TargetID, e.FlowType); err != nil {
				return fmt.Errorf("inserting flow edge %s->%s: %w", e.SourceID, e.TargetID, err)
			}
		}
		errs, err := json.Marshal(pub.Errors)
		if err != nil {
			return fmt.Errorf("marshalling publication errors: %w", err)
		}
		incompatible, err := json.Marshal(pub.Incompatible)
		if err != nil {
			return fmt.Errorf("marshalling incompatible collections: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			insert into publications (id, user_id, draft_id, status, errors, incompatible_collections, detail, logs_token, created_at, completed_at)
			values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		`, pub.ID, pub.UserID, pub.DraftID, pub.Status, errs, incompatible, pub.Detail, pub.LogsToken, pub.CreatedAt, pub.CompletedAt); err != nil {
			return fmt.Errorf("recording publication %s: %w", pub.ID, err)
		}
		for _, spec := range specs {
			if _, err := tx.Exec(ctx, `
				insert into publication_specs (pub_id, catalog_name, spec_type) values ($1, $2, $3)
			`, pub.ID, spec.CatalogName, spec.SpecType); err != nil {
				return fmt.Errorf("recording publication_specs row for %s: %w", spec.CatalogName, err)
			}
		}
		return nil
	})
}

func (s *PGStore) ResolveExpandedRows(ctx context.Context, seedIDs []ids.ID) ([]model.LiveSpec, []model.FlowEdge, error) {
	var specRows, err = s.pool.Query(ctx, `
		select id, catalog_name, spec_type, spec, built_spec, last_pub_id, last_build_id,
		       created_at, updated_at, controller_next_run, dependency_hash
		  from live_specs
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("fetching live specs: %w", err)
	}
	defer specRows.Close()

	var specs []model.LiveSpec
	for specRows.Next() {
		var l model.LiveSpec
		if err := specRows.Scan(&l.ID, &l.CatalogName, &l.SpecType, &l.Model, &l.BuiltSpec,
			&l.LastPubID, &l.LastBuildID, &l.CreatedAt, &l.UpdatedAt, &l.ControllerNextRun, &l.DependencyHash); err != nil {
			return nil, nil, fmt.Errorf("scanning live spec: %w", err)
		}
		specs = append(specs, l)
	}
	if err := specRows.Err(); err != nil {
		return nil, nil, err
	}

	var edgeRows pgx.Rows
	edgeRows, err = s.pool.Query(ctx, `select source_id, target_id, flow_type from live_spec_flows`)
	if err != nil {
		return nil, nil, fmt.Errorf("fetching flow edges: %w", err)
	}
	defer edgeRows.Close()

	var edges []model.FlowEdge
	for edgeRows.Next() {
		var e model.FlowEdge
		if err := edgeRows.Scan(&e.SourceID, &e.TargetID, &e.FlowType); err != nil {
			return nil, nil, fmt.Errorf("scanning flow edge: %w", err)
		}
		edges = append(edges, e)
	}
	return specs, edges, edgeRows.Err()
}

func (s *PGStore) FetchLiveSpecs(ctx context.Context, userID string, names []model.CatalogName) ([]model.LiveSpec, error) {
	var rows, err = s.pool.Query(ctx, `
		select ls.id, ls.catalog_name, ls.spec_type, ls.spec, ls.built_spec, ls.last_pub_id, ls.last_build_id,
		       ls.created_at, ls.updated_at, ls.controller_next_run, ls.dependency_hash
		  from live_specs ls
		  join user_grants g on g.object_role = split_part(ls.catalog_name, '/', 1)
		 where g.user_id = $1 and ls.catalog_name = any($2)
	`, userID, names)
	if err != nil {
		return nil, fmt.Errorf("fetching authorized live specs: %w", err)
	}
	defer rows.Close()

	var out []model.LiveSpec
	for rows.Next() {
		var l model.LiveSpec
		if err := rows.Scan(&l.ID, &l.CatalogName, &l.SpecType, &l.Model, &l.BuiltSpec,
			&l.LastPubID, &l.LastBuildID, &l.CreatedAt, &l.UpdatedAt, &l.ControllerNextRun, &l.DependencyHash); err != nil {
			return nil, fmt.Errorf("scanning live spec: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *PGStore) FetchLiveSpecByID(ctx context.Context, id ids.ID) (model.LiveSpec, bool, error) {
	var l model.LiveSpec
	var err = s.pool.QueryRow(ctx, `
		select id, catalog_name, spec_type, spec, built_spec, last_pub_id, last_build_id,
		       created_at, updated_at, controller_next_run, dependency_hash
		  from live_specs
		 where id = $1
	`, id).Scan(&l.ID, &l.CatalogName, &l.SpecType, &l.Model, &l.BuiltSpec,
		&l.LastPubID, &l.LastBuildID, &l.CreatedAt, &l.UpdatedAt, &l.ControllerNextRun, &l.DependencyHash)
	if err == pgx.ErrNoRows {
		return model.LiveSpec{}, false, nil
	} else if err != nil {
		return model.LiveSpec{}, false, fmt.Errorf("fetching live spec %s: %w", id, err)
	}
	return l, true, nil
}

func (s *PGStore) FetchInferredSchemas(ctx context.Context, names []model.CatalogName) ([]model.InferredSchema, error) {
	var rows, err = s.pool.Query(ctx, `
		select collection_name, schema, md5, generation_id
		  from inferred_schemas
		 where collection_name = any($1)
	`, names)
	if err != nil {
		return nil, fmt.Errorf("fetching inferred schemas: %w", err)
	}
	defer rows.Close()

	var out []model.InferredSchema
	for rows.Next() {
		var s model.InferredSchema
		if err := rows.Scan(&s.CollectionName, &s.Schema, &s.MD5, &s.GenerationID); err != nil {
			return nil, fmt.Errorf("scanning inferred schema: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (s *PGStore) FetchConsumers(ctx context.Context, catalogName model.CatalogName) ([]model.CatalogName, error) {
	var rows, err = s.pool.Query(ctx, `
		select tgt.catalog_name
		  from live_spec_flows f
		  join live_specs src on src.id = f.source_id
		  join live_specs tgt on tgt.id = f.target_id
		 where src.catalog_name = $1
		   and f.flow_type = 'materialization'
		 order by tgt.catalog_name
	`, catalogName)
	if err != nil {
		return nil, fmt.Errorf("fetching consumers of %s: %w", catalogName, err)
	}
	defer rows.Close()

	var out []model.CatalogName
	for rows.Next() {
		var name model.CatalogName
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

func (s *PGStore) NotifyDependents(ctx context.Context, catalogName model.CatalogName, pubID ids.ID, now time.Time) error {
	return s.WithTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			update live_specs
			   set controller_next_run = $2
			 where id in (
			   select f.target_id from live_spec_flows f
			   join live_specs src on src.id = f.source_id
			   where src.catalog_name = $1
			   union
			   select f.source_id from live_spec_flows f
			   join live_specs tgt on tgt.id = f.target_id
			   where tgt.catalog_name = $1
			 )
			   and (controller_next_run is null or controller_next_run > $2)
		`, catalogName, now); err != nil {
			return err
		}
		// Wake each dependent's controller task so it observes the new
		// publication promptly rather than at its next scheduled run.
		var _, err = tx.Exec(ctx, `
			update internal.tasks
			   set inbox = inbox || jsonb_build_object('sender_id', $2::text, 'payload', null),
			       wake_at = least(wake_at, $3)
			 where task_id in (
			   select f.target_id from live_spec_flows f
			   join live_specs src on src.id = f.source_id
			   where src.catalog_name = $1
			   union
			   select f.source_id from live_spec_flows f
			   join live_specs tgt on tgt.id = f.target_id
			   where tgt.catalog_name = $1
			 )
		`, catalogName, pubID.String(), now)
		return err
	})
}

func (s *PGStore) RecordAlert(ctx context.Context, catalogName model.CatalogName, kind model.AlertType, arguments []byte, now time.Time) error {
	var _, err = s.pool.Exec(ctx, `
		insert into alert_history (catalog_name, alert_type, fired_at, arguments)
		values ($1, $2, $3, $4)
		on conflict (catalog_name, alert_type) where resolved_at is null
		do update set arguments = excluded.arguments
	`, catalogName, kind, now, arguments)
	return err
}

func (s *PGStore) ResolveAlert(ctx context.Context, catalogName model.CatalogName, kind model.AlertType, resolvedArguments []byte, now time.Time) error {
	var _, err = s.pool.Exec(ctx, `
		update alert_history
		   set resolved_at = $3, resolved_arguments = $4
		 where catalog_name = $1 and alert_type = $2 and resolved_at is null
	`, catalogName, kind, now, resolvedArguments)
	return err
}

func (s *PGStore) ListAlerts(ctx context.Context, prefix string, firingOnly bool) ([]model.AlertHistory, error) {
	var rows, err = s.pool.Query(ctx, `
		select alert_type, catalog_name, fired_at, resolved_at, arguments, resolved_arguments
		  from alert_history
		 where starts_with(catalog_name, $1)
		   and (not $2 or resolved_at is null)
		 order by fired_at desc
	`, prefix, firingOnly)
	if err != nil {
		return nil, fmt.Errorf("listing alerts for prefix %q: %w", prefix, err)
	}
	defer rows.Close()

	var out []model.AlertHistory
	for rows.Next() {
		var a model.AlertHistory
		if err := rows.Scan(&a.AlertType, &a.CatalogName, &a.FiredAt, &a.ResolvedAt, &a.Arguments, &a.ResolvedArguments); err != nil {
			return nil, fmt.Errorf("scanning alert history row: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
