// Package registry implements the durable maps that enumerate known
// actions, their queues, and their types: action-name -> action config,
// action-name -> extendable config, action-name -> target queue,
// registered queue set, resource-type -> structure.
//
// Grounded on the teacher's registry.go (CRUD-over-a-map-with-RWMutex
// shape, Register/Get/List/FindByCapability naming) but rebased onto the
// shared store's hashes and sets instead of a local JSON-LD file, since
// the registry here must be readable by every engine sharing the store,
// not just the process that wrote it.
package registry

import (
	"context"
	"encoding/json"

	"nucleus.evalgo.org/errs"
	"nucleus.evalgo.org/store"
)

const (
	tableActionConfiguration           = "ActionConfigurationByActionName"
	tableExtendableActionConfiguration = "ExtendableActionConfigurationByActionName"
	tableActionQueueName               = "ActionQueueNameByActionName"
	setActionQueueNames                = "ActionQueueNameSet"
	tableResourceStructure             = "ResourceStructureByResourceType"
)

// Registry is a thin CRUD layer over the store's registry hashes. It
// carries the engine's default queue name so that storing an action
// configuration can associate the action to a queue without the caller
// having to supply one (spec §4.3).
type Registry struct {
	store        *store.Store
	defaultQueue string
}

// New builds a Registry backed by s, associating newly stored action
// configurations with defaultQueue.
func New(s *store.Store, defaultQueue string) *Registry {
	return &Registry{store: s, defaultQueue: defaultQueue}
}

// RegisterQueue adds queue to the set of known queues (invariant i: every
// action-name's queue must be a member of this set before any action
// configuration can legally reference it).
func (r *Registry) RegisterQueue(ctx context.Context, queue string) error {
	if err := r.store.SetAdd(ctx, setActionQueueNames, queue); err != nil {
		return errs.Wrap(err, "register queue %s", queue)
	}
	return nil
}

// IsRegisteredQueue reports whether queue is a member of ActionQueueNameSet.
func (r *Registry) IsRegisteredQueue(ctx context.Context, queue string) (bool, error) {
	ok, err := r.store.SetIsMember(ctx, setActionQueueNames, queue)
	if err != nil {
		return false, errs.Wrap(err, "check registered queue %s", queue)
	}
	return ok, nil
}

// ListQueueNames returns every registered queue name.
func (r *Registry) ListQueueNames(ctx context.Context) ([]string, error) {
	names, err := r.store.SetMembers(ctx, setActionQueueNames)
	if err != nil {
		return nil, errs.Wrap(err, "list queue names")
	}
	return names, nil
}

// associateDefaultQueue registers the engine's default queue and maps
// name onto it, the one side effect the spec attaches to storing an
// action configuration (§4.3).
func (r *Registry) associateDefaultQueue(ctx context.Context, name string) error {
	if err := r.RegisterQueue(ctx, r.defaultQueue); err != nil {
		return err
	}
	if err := r.store.HashSet(ctx, tableActionQueueName, map[string]string{name: r.defaultQueue}); err != nil {
		return errs.Wrap(err, "associate action %s with queue %s", name, r.defaultQueue)
	}
	return nil
}

// StoreActionConfiguration persists cfg and associates it to the
// engine's default queue.
func (r *Registry) StoreActionConfiguration(ctx context.Context, cfg ActionConfiguration) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return errs.Wrap(err, "marshal action configuration %s", cfg.ActionName)
	}
	if err := r.store.HashSet(ctx, tableActionConfiguration, map[string]string{cfg.ActionName: string(raw)}); err != nil {
		return errs.Wrap(err, "store action configuration %s", cfg.ActionName)
	}
	return r.associateDefaultQueue(ctx, cfg.ActionName)
}

// StoreActionConfigurations stores each configuration in cfgs, fanning
// out the single-record operation.
func (r *Registry) StoreActionConfigurations(ctx context.Context, cfgs []ActionConfiguration) error {
	for _, cfg := range cfgs {
		if err := r.StoreActionConfiguration(ctx, cfg); err != nil {
			return err
		}
	}
	return nil
}

// GetActionConfiguration loads the action configuration registered
// under name, failing UndefinedContext if none is registered.
func (r *Registry) GetActionConfiguration(ctx context.Context, name string) (*ActionConfiguration, error) {
	raw, err := r.store.HashGet(ctx, tableActionConfiguration, name)
	if err != nil || raw == "" {
		return nil, errs.New(errs.UndefinedContext, "no action configuration registered for %q", name)
	}
	var cfg ActionConfiguration
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return nil, errs.Wrap(err, "unmarshal action configuration %s", name)
	}
	return &cfg, nil
}

// StoreExtendableActionConfiguration persists cfg and associates it to
// the engine's default queue, exactly like a plain action configuration.
func (r *Registry) StoreExtendableActionConfiguration(ctx context.Context, cfg ExtendableActionConfiguration) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return errs.Wrap(err, "marshal extendable action configuration %s", cfg.ActionName)
	}
	if err := r.store.HashSet(ctx, tableExtendableActionConfiguration, map[string]string{cfg.ActionName: string(raw)}); err != nil {
		return errs.Wrap(err, "store extendable action configuration %s", cfg.ActionName)
	}
	return r.associateDefaultQueue(ctx, cfg.ActionName)
}

// StoreExtendableActionConfigurations stores each configuration in cfgs.
func (r *Registry) StoreExtendableActionConfigurations(ctx context.Context, cfgs []ExtendableActionConfiguration) error {
	for _, cfg := range cfgs {
		if err := r.StoreExtendableActionConfiguration(ctx, cfg); err != nil {
			return err
		}
	}
	return nil
}

// GetExtendableActionConfiguration loads the extendable configuration
// registered under name.
func (r *Registry) GetExtendableActionConfiguration(ctx context.Context, name string) (*ExtendableActionConfiguration, error) {
	raw, err := r.store.HashGet(ctx, tableExtendableActionConfiguration, name)
	if err != nil || raw == "" {
		return nil, errs.New(errs.UndefinedContext, "no extendable action configuration registered for %q", name)
	}
	var cfg ExtendableActionConfiguration
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return nil, errs.Wrap(err, "unmarshal extendable action configuration %s", name)
	}
	return &cfg, nil
}

// StoreResourceStructure persists a single resource structure.
func (r *Registry) StoreResourceStructure(ctx context.Context, rs ResourceStructure) error {
	raw, err := json.Marshal(rs)
	if err != nil {
		return errs.Wrap(err, "marshal resource structure %s", rs.ResourceType)
	}
	if err := r.store.HashSet(ctx, tableResourceStructure, map[string]string{rs.ResourceType: string(raw)}); err != nil {
		return errs.Wrap(err, "store resource structure %s", rs.ResourceType)
	}
	return nil
}

// StoreResourceStructures persists each resource structure in list.
func (r *Registry) StoreResourceStructures(ctx context.Context, list []ResourceStructure) error {
	for _, rs := range list {
		if err := r.StoreResourceStructure(ctx, rs); err != nil {
			return err
		}
	}
	return nil
}

// GetResourceStructure loads the resource structure registered under
// resourceType.
func (r *Registry) GetResourceStructure(ctx context.Context, resourceType string) (*ResourceStructure, error) {
	raw, err := r.store.HashGet(ctx, tableResourceStructure, resourceType)
	if err != nil || raw == "" {
		return nil, errs.New(errs.UndefinedContext, "no resource structure registered for %q", resourceType)
	}
	var rs ResourceStructure
	if err := json.Unmarshal([]byte(raw), &rs); err != nil {
		return nil, errs.Wrap(err, "unmarshal resource structure %s", resourceType)
	}
	return &rs, nil
}

// GetQueueNameForAction returns the queue name associated with an action
// name, failing UndefinedContext if the action was never registered.
func (r *Registry) GetQueueNameForAction(ctx context.Context, name string) (string, error) {
	queue, err := r.store.HashGet(ctx, tableActionQueueName, name)
	if err != nil || queue == "" {
		return "", errs.New(errs.UndefinedContext, "no queue registered for action %q", name)
	}
	return queue, nil
}
