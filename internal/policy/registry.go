// Package policy holds the per-collection authorization predicates and
// lifecycle hooks gating every realtime command. The registry is built once
// at startup through the fluent builder, sealed, and read lock-free after.
package policy

import (
	"errors"
	"fmt"
	"strings"

	"github.com/mprlab/rtsync/internal/entity"
	"github.com/mprlab/rtsync/internal/synckit"
)

// Operation identifies a gated command kind.
type Operation string

const (
	OpQuery      Operation = "query"
	OpQueryEntry Operation = "query_entry"
	OpCreate     Operation = "create"
	OpUpdate     Operation = "update"
	OpRemove     Operation = "remove"
)

var (
	// ErrUnauthorized indicates a policy predicate rejected the operation.
	ErrUnauthorized = errors.New("policy.unauthorized")
	// ErrHookRejected indicates a before hook vetoed the mutation.
	ErrHookRejected = errors.New("policy.hook_rejected")
	// ErrSealed indicates a registration attempt after Seal.
	ErrSealed = errors.New("policy.registry_sealed")
)

// RequestContext carries the acting identity and connection metadata into
// predicates and hooks.
type RequestContext struct {
	ConnectionID string
	Principal    *synckit.Principal
}

// HasRole reports whether the acting principal carries the role.
// An unauthenticated context holds no roles.
func (rctx *RequestContext) HasRole(role string) bool {
	if rctx == nil || rctx.Principal == nil {
		return false
	}
	return rctx.Principal.HasRole(role)
}

// Predicate gates an operation on one candidate document.
type Predicate func(*RequestContext, entity.Document) bool

// FilterBuilder produces a per-request query filter applied before results materialize.
type FilterBuilder func(*RequestContext) entity.Filter

// Hook runs at a fixed point around a mutation. Before and beforeSave hooks
// may reject by returning an error; after-hook errors are logged only.
type Hook func(entity.Document, *RequestContext) error

type authEntry struct {
	policies  []string
	predicate Predicate
}

type hookSet struct {
	before     Hook
	beforeSave Hook
	after      Hook
}

type collectionPolicies struct {
	queryFilters []FilterBuilder
	auth         map[Operation][]authEntry
	hooks        map[Operation][]hookSet
}

func newCollectionPolicies() *collectionPolicies {
	return &collectionPolicies{
		auth:  make(map[Operation][]authEntry),
		hooks: make(map[Operation][]hookSet),
	}
}

// Registry maps collection names to their policy sets and holds the named
// role policies referenced from auth entries.
type Registry struct {
	named       map[string][]string
	collections map[string]*collectionPolicies
	sealed      bool
}

// NewRegistry constructs an empty, unsealed registry.
func NewRegistry() *Registry {
	return &Registry{
		named:       make(map[string][]string),
		collections: make(map[string]*collectionPolicies),
	}
}

// DefinePolicy registers a named policy satisfied by any of the given roles.
func (registry *Registry) DefinePolicy(name string, roles ...string) *Registry {
	registry.mustBeOpen()
	registry.named[name] = append([]string(nil), roles...)
	return registry
}

// Collection returns the fluent builder for one collection. Registration is
// append-only: later calls add entries, they never override earlier ones.
func (registry *Registry) Collection(name string) *CollectionBuilder {
	registry.mustBeOpen()
	policies, ok := registry.collections[name]
	if !ok {
		policies = newCollectionPolicies()
		registry.collections[name] = policies
	}
	return &CollectionBuilder{registry: registry, policies: policies}
}

// Seal freezes the registry. Registration afterwards panics; evaluation
// needs no locking once sealed.
func (registry *Registry) Seal() *Registry {
	registry.sealed = true
	return registry
}

// Sealed reports whether the registry accepts further registration.
func (registry *Registry) Sealed() bool {
	return registry.sealed
}

func (registry *Registry) mustBeOpen() {
	if registry.sealed {
		panic(ErrSealed)
	}
}

// CollectionBuilder accumulates predicates and hooks for one collection.
type CollectionBuilder struct {
	registry *Registry
	policies *collectionPolicies
}

// AddQueryFilter appends a filter narrowing query results before the storage
// engine materializes them.
func (builder *CollectionBuilder) AddQueryFilter(filter FilterBuilder) *CollectionBuilder {
	builder.registry.mustBeOpen()
	builder.policies.queryFilters = append(builder.policies.queryFilters, filter)
	return builder
}

// AddQueryAuth gates the query command as a whole. A rejected query errors
// with unauthorized before the store is consulted. Entries here receive a
// nil document.
func (builder *CollectionBuilder) AddQueryAuth(policies string, predicate Predicate) *CollectionBuilder {
	return builder.addAuth(OpQuery, policies, predicate)
}

// AddQueryEntryAuth gates individual query results. Rejected rows are
// dropped, not errored.
func (builder *CollectionBuilder) AddQueryEntryAuth(policies string, predicate Predicate) *CollectionBuilder {
	return builder.addAuth(OpQueryEntry, policies, predicate)
}

// AddCreateAuth gates create commands.
func (builder *CollectionBuilder) AddCreateAuth(policies string, predicate Predicate) *CollectionBuilder {
	return builder.addAuth(OpCreate, policies, predicate)
}

// AddUpdateAuth gates update commands.
func (builder *CollectionBuilder) AddUpdateAuth(policies string, predicate Predicate) *CollectionBuilder {
	return builder.addAuth(OpUpdate, policies, predicate)
}

// AddRemoveAuth gates remove commands.
func (builder *CollectionBuilder) AddRemoveAuth(policies string, predicate Predicate) *CollectionBuilder {
	return builder.addAuth(OpRemove, policies, predicate)
}

// OnCreate registers lifecycle hooks around create commands. Any of the
// three may be nil.
func (builder *CollectionBuilder) OnCreate(before Hook, beforeSave Hook, after Hook) *CollectionBuilder {
	return builder.addHooks(OpCreate, before, beforeSave, after)
}

// OnUpdate registers lifecycle hooks around update commands.
func (builder *CollectionBuilder) OnUpdate(before Hook, beforeSave Hook, after Hook) *CollectionBuilder {
	return builder.addHooks(OpUpdate, before, beforeSave, after)
}

// OnRemove registers lifecycle hooks around remove commands.
func (builder *CollectionBuilder) OnRemove(before Hook, beforeSave Hook, after Hook) *CollectionBuilder {
	return builder.addHooks(OpRemove, before, beforeSave, after)
}

func (builder *CollectionBuilder) addAuth(op Operation, policies string, predicate Predicate) *CollectionBuilder {
	builder.registry.mustBeOpen()
	entry := authEntry{predicate: predicate}
	for _, name := range strings.Split(policies, ",") {
		if trimmed := strings.TrimSpace(name); trimmed != "" {
			entry.policies = append(entry.policies, trimmed)
		}
	}
	builder.policies.auth[op] = append(builder.policies.auth[op], entry)
	return builder
}

func (builder *CollectionBuilder) addHooks(op Operation, before Hook, beforeSave Hook, after Hook) *CollectionBuilder {
	builder.registry.mustBeOpen()
	builder.policies.hooks[op] = append(builder.policies.hooks[op], hookSet{
		before:     before,
		beforeSave: beforeSave,
		after:      after,
	})
	return builder
}

// FilterFor combines the collection's query filters into one short-circuit
// AND filter, or nil when none are registered.
func (registry *Registry) FilterFor(collection string, rctx *RequestContext) entity.Filter {
	policies, ok := registry.collections[collection]
	if !ok || len(policies.queryFilters) == 0 {
		return nil
	}
	filters := make([]entity.Filter, 0, len(policies.queryFilters))
	for _, build := range policies.queryFilters {
		if filter := build(rctx); filter != nil {
			filters = append(filters, filter)
		}
	}
	if len(filters) == 0 {
		return nil
	}
	return func(doc entity.Document) bool {
		for _, filter := range filters {
			if !filter(doc) {
				return false
			}
		}
		return true
	}
}

// AuthorizeQueryEntry reports whether one materialized query result may be
// returned to the caller.
func (registry *Registry) AuthorizeQueryEntry(collection string, rctx *RequestContext, doc entity.Document) bool {
	return registry.Authorize(OpQueryEntry, collection, rctx, doc) == nil
}

// Authorize evaluates every registered auth entry for the operation with
// logical AND. A collection with no entries for the operation is
// unrestricted: locking down is an explicit opt-in.
func (registry *Registry) Authorize(op Operation, collection string, rctx *RequestContext, doc entity.Document) error {
	policies, ok := registry.collections[collection]
	if !ok {
		return nil
	}
	for _, entry := range policies.auth[op] {
		for _, policyName := range entry.policies {
			if !registry.namedPolicyPasses(policyName, rctx) {
				return fmt.Errorf("%w: policy %q not satisfied", ErrUnauthorized, policyName)
			}
		}
		if entry.predicate != nil && !entry.predicate(rctx, doc) {
			return fmt.Errorf("%w: predicate rejected %s on %s", ErrUnauthorized, op, collection)
		}
	}
	return nil
}

// namedPolicyPasses checks a named policy against the acting principal's
// roles. An unknown policy name denies rather than silently allowing.
func (registry *Registry) namedPolicyPasses(policyName string, rctx *RequestContext) bool {
	roles, ok := registry.named[policyName]
	if !ok {
		return false
	}
	for _, role := range roles {
		if rctx.HasRole(role) {
			return true
		}
	}
	return false
}

// RunBefore runs before hooks in registration order. The first rejection
// aborts the mutation before anything is staged.
func (registry *Registry) RunBefore(op Operation, collection string, rctx *RequestContext, doc entity.Document) error {
	return registry.runRejectable(op, collection, rctx, doc, func(set hookSet) Hook { return set.before })
}

// RunBeforeSave runs beforeSave hooks against the staged document. This is
// the last chance to mutate in-flight state before the commit.
func (registry *Registry) RunBeforeSave(op Operation, collection string, rctx *RequestContext, doc entity.Document) error {
	return registry.runRejectable(op, collection, rctx, doc, func(set hookSet) Hook { return set.beforeSave })
}

// RunAfter runs after hooks post-commit and returns their failures for
// logging. The mutation has committed; nothing is rolled back here.
func (registry *Registry) RunAfter(op Operation, collection string, rctx *RequestContext, doc entity.Document) []error {
	policies, ok := registry.collections[collection]
	if !ok {
		return nil
	}
	var failures []error
	for _, set := range policies.hooks[op] {
		if set.after == nil {
			continue
		}
		if err := set.after(doc, rctx); err != nil {
			failures = append(failures, err)
		}
	}
	return failures
}

func (registry *Registry) runRejectable(op Operation, collection string, rctx *RequestContext, doc entity.Document, pick func(hookSet) Hook) error {
	policies, ok := registry.collections[collection]
	if !ok {
		return nil
	}
	for _, set := range policies.hooks[op] {
		hook := pick(set)
		if hook == nil {
			continue
		}
		if err := hook(doc, rctx); err != nil {
			return fmt.Errorf("%w: %s", ErrHookRejected, err.Error())
		}
	}
	return nil
}
