// Package discussion binds forum threads to platform entities.
//
// The Orchestrator runs a small state machine per request:
//
//	start -> verifyAndCreate -> fetchExisting -> done
//	start -> fetchExisting -> reconcileAccess -> fetchExisting -> done
//
// A mapping only records that a thread exists, never that an actor may read
// it, so a 403 on a mapped thread triggers one round of entitlement checks
// and an access grant before the fetch is retried. A second 403 is final.
package discussion

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/topicbridge/internal/forum"
	"github.com/topicbridge/internal/mapping"
	"github.com/topicbridge/pkg/models"
)

// Options tunes an Orchestrator. Zero values pick safe defaults.
type Options struct {
	// SystemUser is added as a recipient of every thread so administrative
	// access grants can be issued later.
	SystemUser string
	// CallTimeout bounds each remote call made during a run.
	CallTimeout time.Duration
	Locker      Locker
	Discarder   ThreadDiscarder
}

type Orchestrator struct {
	store       mapping.Store
	gateway     forum.Gateway
	entitlement EntitlementChecker
	users       UserEnsurer
	locker      Locker
	discarder   ThreadDiscarder
	systemUser  string
	callTimeout time.Duration
}

func NewOrchestrator(store mapping.Store, gateway forum.Gateway, entitlement EntitlementChecker, users UserEnsurer, opts Options) *Orchestrator {
	o := &Orchestrator{
		store:       store,
		gateway:     gateway,
		entitlement: entitlement,
		users:       users,
		locker:      opts.Locker,
		discarder:   opts.Discarder,
		systemUser:  opts.SystemUser,
		callTimeout: opts.CallTimeout,
	}
	if o.locker == nil {
		o.locker = NewKeyedMutex()
	}
	if o.discarder == nil {
		o.discarder = GatewayDiscarder{Gateway: gateway}
	}
	if o.systemUser == "" {
		o.systemUser = "system"
	}
	return o
}

// Result is the outcome of a successful GetOrCreate.
type Result struct {
	Thread  *forum.Thread          `json:"thread"`
	Mapping *mapping.ThreadMapping `json:"mapping"`
	Created bool                   `json:"created"`
}

// ThreadTitle is the deterministic title of an entity's thread.
func ThreadTitle(ref models.EntityRef) string {
	return fmt.Sprintf("Discussion for %s %s", ref.Type, ref.ID)
}

func threadBody(ref models.EntityRef) string {
	return fmt.Sprintf("This thread hosts the discussion for %s %s.", ref.Type, ref.ID)
}

type state interface{ name() string }

type (
	startState           struct{}
	verifyAndCreateState struct{}
	fetchExistingState   struct {
		mapping    *mapping.ThreadMapping
		created    bool
		reconciled bool
	}
	reconcileAccessState struct {
		mapping *mapping.ThreadMapping
		created bool
	}
	doneState struct {
		result *Result
	}
	failedState struct {
		err *Error
	}
)

func (startState) name() string           { return "Start" }
func (verifyAndCreateState) name() string { return "VerifyAndCreate" }
func (fetchExistingState) name() string   { return "FetchExisting" }
func (reconcileAccessState) name() string { return "ReconcileAccess" }
func (doneState) name() string            { return "Done" }
func (failedState) name() string          { return "Failed" }

type run struct {
	actor  models.Actor
	ref    models.EntityRef
	logger zerolog.Logger
}

// GetOrCreate returns the thread bound to ref, creating and mapping it on
// first use and repairing the actor's forum access when needed.
func (o *Orchestrator) GetOrCreate(ctx context.Context, actor models.Actor, ref models.EntityRef) (*Result, error) {
	if ref.Type == "" {
		return nil, ValidationError("reference is required")
	}
	if ref.ID == "" {
		return nil, ValidationError("referenceId is required")
	}
	if !actor.Valid() {
		return nil, ValidationError("actor handle is required")
	}

	r := &run{
		actor: actor,
		ref:   ref,
		logger: log.With().
			Str("run_id", uuid.NewString()).
			Str("reference_type", ref.Type).
			Str("reference_id", ref.ID).
			Str("actor", actor.Handle).
			Logger(),
	}

	var current state = startState{}
	for {
		switch s := current.(type) {
		case doneState:
			return s.result, nil
		case failedState:
			r.logger.Error().Err(s.err.Err).
				Str("kind", string(s.err.Kind)).
				Str("upstream", s.err.Upstream).
				Msg(s.err.Message)
			return nil, s.err
		}
		next := o.step(ctx, r, current)
		r.logger.Debug().Str("from", current.name()).Str("to", next.name()).Msg("workflow transition")
		current = next
	}
}

func (o *Orchestrator) step(ctx context.Context, r *run, s state) state {
	if err := ctx.Err(); err != nil {
		return failed(KindInternal, "request cancelled", err)
	}
	switch s := s.(type) {
	case startState:
		return o.lookupMapping(ctx, r)
	case verifyAndCreateState:
		return o.verifyAndCreate(ctx, r)
	case fetchExistingState:
		return o.fetchExisting(ctx, r, s)
	case reconcileAccessState:
		return o.reconcileAccess(ctx, r, s)
	}
	return failed(KindInternal, fmt.Sprintf("unknown workflow state %s", s.name()), nil)
}

func (o *Orchestrator) lookupMapping(ctx context.Context, r *run) state {
	m, err := o.getMapping(ctx, r.ref)
	if errors.Is(err, mapping.ErrNotFound) {
		return verifyAndCreateState{}
	}
	if err != nil {
		return failed(KindInternal, "could not read thread mapping", err)
	}
	return fetchExistingState{mapping: m}
}

func (o *Orchestrator) verifyAndCreate(ctx context.Context, r *run) state {
	unlock, err := o.locker.Lock(ctx, r.ref.String())
	if err != nil {
		return failed(KindInternal, "could not acquire creation lock", err)
	}
	defer unlock()

	// Another request may have created the thread while we waited.
	m, err := o.getMapping(ctx, r.ref)
	if err == nil {
		return fetchExistingState{mapping: m}
	}
	if !errors.Is(err, mapping.ErrNotFound) {
		return failed(KindInternal, "could not read thread mapping", err)
	}

	if st, ok := o.verifyAndEnsureUser(ctx, r); !ok {
		return st
	}

	callCtx, cancel := o.callContext(ctx)
	created, err := o.gateway.CreateThread(callCtx, r.actor.Handle, forum.NewThread{
		Title:           ThreadTitle(r.ref),
		Body:            threadBody(r.ref),
		TargetUsernames: []string{o.systemUser},
	})
	cancel()
	if err != nil {
		return failedWithUpstream(KindRemoteCreate, "could not create forum thread", err)
	}
	if created.Status != 0 && (created.Status < 200 || created.Status > 299) {
		return failed(KindRemoteCreate, fmt.Sprintf("forum answered thread creation with status %d", created.Status), nil)
	}

	callCtx, cancel = o.callContext(ctx)
	stored, isNew, err := o.store.Create(callCtx, &mapping.ThreadMapping{
		ReferenceType: r.ref.Type,
		ReferenceID:   r.ref.ID,
		ThreadID:      created.ThreadID,
		CreatedBy:     r.actor.Handle,
		UpdatedBy:     r.actor.Handle,
	})
	cancel()
	if err != nil {
		r.logger.Error().Err(err).Str("thread_id", created.ThreadID).Msg("thread created but mapping not persisted")
		return failed(KindInternal, "could not persist thread mapping", err)
	}
	if !isNew {
		o.resolveConflict(ctx, r, created.ThreadID, stored)
		return fetchExistingState{mapping: stored}
	}

	r.logger.Info().Str("thread_id", stored.ThreadID).Msg("created thread mapping")
	return fetchExistingState{mapping: stored, created: true}
}

// resolveConflict keeps the mapping that reached the store first and
// discards the thread this run created.
func (o *Orchestrator) resolveConflict(ctx context.Context, r *run, redundantID string, winner *mapping.ThreadMapping) {
	r.logger.Warn().
		Str("kind", string(KindMappingConflict)).
		Str("winner_thread_id", winner.ThreadID).
		Str("redundant_thread_id", redundantID).
		Msg("concurrent creation detected, keeping existing mapping")

	callCtx, cancel := o.callContext(ctx)
	defer cancel()
	if err := o.discarder.DiscardThread(callCtx, redundantID, r.ref); err != nil {
		r.logger.Error().Err(err).Str("thread_id", redundantID).Msg("could not discard redundant thread")
	}
}

func (o *Orchestrator) fetchExisting(ctx context.Context, r *run, s fetchExistingState) state {
	callCtx, cancel := o.callContext(ctx)
	thread, err := o.gateway.GetThread(callCtx, r.actor.Handle, s.mapping.ThreadID)
	cancel()
	if err == nil {
		return doneState{result: &Result{Thread: thread, Mapping: s.mapping, Created: s.created}}
	}
	if errors.Is(err, forum.ErrForbidden) {
		if s.reconciled {
			return failedWithUpstream(KindEntitlementDenied, "forum still denies access after reconciliation", err)
		}
		r.logger.Info().Str("thread_id", s.mapping.ThreadID).Msg("forum denied access to mapped thread, reconciling")
		return reconcileAccessState{mapping: s.mapping, created: s.created}
	}
	return failedWithUpstream(KindRemoteFetch, "could not fetch forum thread", err)
}

func (o *Orchestrator) reconcileAccess(ctx context.Context, r *run, s reconcileAccessState) state {
	if st, ok := o.verifyAndEnsureUser(ctx, r); !ok {
		return st
	}

	callCtx, cancel := o.callContext(ctx)
	err := o.gateway.GrantAccess(callCtx, r.actor.Handle, s.mapping.ThreadID)
	cancel()
	if err != nil {
		return failedWithUpstream(KindRemoteFetch, "could not grant thread access", err)
	}
	r.logger.Info().Str("thread_id", s.mapping.ThreadID).Msg("granted thread access")
	return fetchExistingState{mapping: s.mapping, created: s.created, reconciled: true}
}

// verifyAndEnsureUser runs the entitlement check and user provisioning shared
// by creation and reconciliation. ok is false when the run must stop.
func (o *Orchestrator) verifyAndEnsureUser(ctx context.Context, r *run) (next state, ok bool) {
	callCtx, cancel := o.entitlementContext(ctx)
	allowed := o.entitlement.CheckAccess(callCtx, r.actor.Token, r.ref.Type, r.ref.ID)
	cancel()
	if !allowed {
		return failed(KindEntitlementDenied, fmt.Sprintf("not authorized for %s %s", r.ref.Type, r.ref.ID), nil), false
	}

	callCtx, cancel = o.callContext(ctx)
	_, err := o.users.EnsureUser(callCtx, r.actor)
	cancel()
	if err != nil {
		var e *Error
		if errors.As(err, &e) {
			return failedState{err: e}, false
		}
		return failedWithUpstream(KindProvisioning, "could not provision forum user", err), false
	}
	return nil, true
}

func (o *Orchestrator) getMapping(ctx context.Context, ref models.EntityRef) (*mapping.ThreadMapping, error) {
	callCtx, cancel := o.callContext(ctx)
	defer cancel()
	return o.store.Get(callCtx, ref.Type, ref.ID)
}

func (o *Orchestrator) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if o.callTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, o.callTimeout)
}

// entitlementContext never exceeds the entitlement ceiling, even when the
// uniform call timeout is longer.
func (o *Orchestrator) entitlementContext(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := DefaultEntitlementTimeout
	if o.callTimeout > 0 && o.callTimeout < timeout {
		timeout = o.callTimeout
	}
	return context.WithTimeout(ctx, timeout)
}

func failed(kind Kind, msg string, err error) state {
	return failedState{err: newError(kind, msg, err)}
}

func failedWithUpstream(kind Kind, msg string, err error) state {
	e := newError(kind, msg, err)
	e.Upstream = upstreamOf(err)
	return failedState{err: e}
}
