// Package pipeline applies CreateEntity/ModifyEntity/DeleteEntity
// commands to an entitystore.Store inside one write transaction,
// maintaining every registered index atomically alongside the new
// revision (component D).
package pipeline

import (
	"context"
	"fmt"

	"github.com/loomkit/loomkit/pkg/broker"
	"github.com/loomkit/loomkit/pkg/entitystore"
	"github.com/loomkit/loomkit/pkg/metrics"
	"github.com/loomkit/loomkit/pkg/types"
	"github.com/loomkit/loomkit/pkg/typeindex"
	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

// Preprocessor observes (and may mutate) a materialized entity before it
// is persisted. Applying a further command within the same write
// transaction goes through applyWithTx, which is unexported, so only code
// in this package can do it; Apply opens its own write transaction and
// cannot be called from inside Process.
type Preprocessor interface {
	Process(ctx context.Context, uid string, nextRevision uint64, old, new *types.Entity, tx entitystore.Tx) error
}

// Pipeline drives the command-application algorithm of spec.md §4.D.
type Pipeline struct {
	store         *entitystore.Store
	registry      *typeindex.Registry
	preprocessors map[string][]Preprocessor
	revisions     *broker.Broker[uint64]
}

// New constructs a Pipeline over store, indexing according to registry,
// and publishing a revision number on revisions after every commit that
// actually changed state.
func New(store *entitystore.Store, registry *typeindex.Registry, revisions *broker.Broker[uint64]) *Pipeline {
	return &Pipeline{
		store:         store,
		registry:      registry,
		preprocessors: make(map[string][]Preprocessor),
		revisions:     revisions,
	}
}

// RegisterPreprocessor appends pp to typeName's preprocessor chain, run in
// registration order after the built-in index-maintenance step.
func (p *Pipeline) RegisterPreprocessor(typeName string, pp Preprocessor) {
	p.preprocessors[typeName] = append(p.preprocessors[typeName], pp)
}

// Apply opens a write transaction, runs the command through it, and on
// success publishes the committed revision. An empty/no-op application
// (validation or resolution failure) never opens a revision or publishes
// one, per spec.md §8 property 5.
func (p *Pipeline) Apply(ctx context.Context, cmd types.Command) (uint64, error) {
	if err := validate(cmd); err != nil {
		return 0, err
	}
	domainType, kind := commandLabels(cmd)
	timer := metrics.NewTimer()

	var committed uint64
	err := p.store.Update(func(tx *bolt.Tx) error {
		revision, err := p.applyWithTx(ctx, tx, cmd)
		if err != nil {
			return err
		}
		committed = revision
		return nil
	})
	timer.ObserveDurationVec(metrics.CommandApplyDuration, domainType, kind)
	if err != nil {
		metrics.CommandsAppliedTotal.WithLabelValues(domainType, kind, "error").Inc()
		return 0, err
	}
	metrics.CommandsAppliedTotal.WithLabelValues(domainType, kind, "success").Inc()

	if p.revisions != nil {
		p.revisions.Publish(committed)
	}
	return committed, nil
}

func commandLabels(cmd types.Command) (domainType, kind string) {
	switch cmd.Kind {
	case types.CommandCreateEntity:
		if cmd.Create != nil {
			domainType = cmd.Create.DomainType
		}
	case types.CommandModifyEntity:
		if cmd.Modify != nil {
			domainType = cmd.Modify.DomainType
		}
	case types.CommandDeleteEntity:
		if cmd.Delete != nil {
			domainType = cmd.Delete.DomainType
		}
	}
	return domainType, cmd.Kind.String()
}

// applyWithTx runs the algorithm against an already-open transaction, so
// preprocessors can recurse into it for sub-commands without starting a
// nested bbolt transaction.
func (p *Pipeline) applyWithTx(ctx context.Context, tx *bolt.Tx, cmd types.Command) (uint64, error) {
	if err := validate(cmd); err != nil {
		return 0, err
	}

	uid, typeName, old, newEntity, err := p.resolve(tx, cmd)
	if err != nil {
		return 0, err
	}

	before := types.PropertyBag{}
	if old != nil {
		before = old.Properties.Clone()
	}

	if err := p.indexEntity(tx, uid, old, newEntity); err != nil {
		return 0, fmt.Errorf("%w: index maintenance: %v", ErrTransactionError, err)
	}

	for _, pp := range p.preprocessors[typeName] {
		provisional, err := entitystore.MaxRevision(tx)
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrTransactionError, err)
		}
		if err := pp.Process(ctx, uid, provisional+1, old, newEntity, tx); err != nil {
			return 0, fmt.Errorf("%w: preprocessor: %v", ErrTransactionError, err)
		}
	}

	newEntity.Metadata.ModifiedProperties = diffProperties(before, newEntity.Properties)

	nextRevision, err := entitystore.NextRevision(tx)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrTransactionError, err)
	}
	newEntity.Metadata.Revision = nextRevision

	if err := entitystore.Write(tx, newEntity); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrTransactionError, err)
	}
	return nextRevision, nil
}

func (p *Pipeline) indexEntity(tx *bolt.Tx, uid string, old, new *types.Entity) error {
	descriptor, ok := p.registry.Get(new.Type)
	if !ok {
		return nil
	}
	return descriptor.Index(tx, uid, old, new)
}

func validate(cmd types.Command) error {
	switch cmd.Kind {
	case types.CommandCreateEntity:
		if cmd.Create == nil || cmd.Create.DomainType == "" {
			return ErrInvalidBuffer
		}
	case types.CommandModifyEntity:
		if cmd.Modify == nil || cmd.Modify.DomainType == "" || cmd.Modify.EntityID == "" {
			return ErrInvalidBuffer
		}
	case types.CommandDeleteEntity:
		if cmd.Delete == nil || cmd.Delete.DomainType == "" || cmd.Delete.EntityID == "" {
			return ErrInvalidBuffer
		}
	default:
		return ErrInvalidBuffer
	}
	return nil
}

func (p *Pipeline) resolve(tx *bolt.Tx, cmd types.Command) (uid, typeName string, old, newEntity *types.Entity, err error) {
	switch cmd.Kind {
	case types.CommandCreateEntity:
		return p.resolveCreate(tx, cmd.Create)
	case types.CommandModifyEntity:
		return p.resolveModify(tx, cmd.Modify)
	case types.CommandDeleteEntity:
		return p.resolveDelete(tx, cmd.Delete)
	default:
		return "", "", nil, nil, ErrInvalidBuffer
	}
}

func (p *Pipeline) resolveCreate(tx *bolt.Tx, cmd *types.CreateEntityCommand) (uid, typeName string, old, newEntity *types.Entity, err error) {
	typeName = cmd.DomainType
	uid = cmd.EntityID
	if uid == "" {
		uid = uuid.New().String()
	}
	if entitystore.Exists(tx, typeName, uid) {
		return "", "", nil, nil, fmt.Errorf("%w: %s/%s", ErrAlreadyExists, typeName, uid)
	}
	newEntity = &types.Entity{
		UID:        uid,
		Type:       typeName,
		Properties: types.PropertyBag{}.Apply(cmd.Delta, nil),
		Metadata: types.Metadata{
			Operation:      types.OperationCreation,
			ReplayToSource: cmd.ReplayToSource,
		},
	}
	return uid, typeName, nil, newEntity, nil
}

func (p *Pipeline) resolveModify(tx *bolt.Tx, cmd *types.ModifyEntityCommand) (uid, typeName string, old, newEntity *types.Entity, err error) {
	typeName = cmd.DomainType
	uid = cmd.EntityID
	old, err = entitystore.FindLatest(tx, typeName, uid)
	if err != nil {
		return "", "", nil, nil, fmt.Errorf("%w: %s/%s", ErrNotFound, typeName, uid)
	}
	newEntity = old.Clone()
	newEntity.Properties = old.Properties.Apply(cmd.Delta, cmd.Deletions)
	newEntity.Metadata.Operation = types.OperationModification
	newEntity.Metadata.ReplayToSource = cmd.ReplayToSource
	return uid, typeName, old, newEntity, nil
}

func (p *Pipeline) resolveDelete(tx *bolt.Tx, cmd *types.DeleteEntityCommand) (uid, typeName string, old, newEntity *types.Entity, err error) {
	typeName = cmd.DomainType
	uid = cmd.EntityID
	old, err = entitystore.FindLatest(tx, typeName, uid)
	if err != nil {
		if entitystore.Exists(tx, typeName, uid) {
			return "", "", nil, nil, fmt.Errorf("%w: %s/%s", ErrAlreadyRemoved, typeName, uid)
		}
		return "", "", nil, nil, fmt.Errorf("%w: %s/%s", ErrNotFound, typeName, uid)
	}
	newEntity = old.Clone()
	newEntity.Metadata.Operation = types.OperationRemoval
	newEntity.Metadata.ReplayToSource = cmd.ReplayToSource
	return uid, typeName, old, newEntity, nil
}

// diffProperties computes the set of property names that differ between
// before and after, covering both preprocessor-introduced changes and
// deletions, so Metadata.ModifiedProperties records exactly what this
// command (plus its preprocessors) actually changed.
func diffProperties(before, after types.PropertyBag) map[string]struct{} {
	out := make(map[string]struct{})
	for name, v := range after {
		if bv, ok := before[name]; !ok || !bv.Equal(v) {
			out[name] = struct{}{}
		}
	}
	for name := range before {
		if _, ok := after[name]; !ok {
			out[name] = struct{}{}
		}
	}
	return out
}
