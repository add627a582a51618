// Package dispatcher implements the action state machine: publish,
// enqueue, dequeue-on-notification, execute, status updates, status
// events, and request/response correlation.
//
// Grounded on the teacher's worker/pool.go (the dequeue-loop/processor
// split: a blocking fetch handed off to a processor, failures logged
// and retried rather than crashing the worker) and queue/redis/queue.go
// (the enqueue/dequeue primitives this package now performs through
// store.Store instead of a job-shaped Queue interface, since the unit
// of work here is always an Action keyed by name+id, not an opaque job
// payload).
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"nucleus.evalgo.org/action"
	"nucleus.evalgo.org/errs"
	"nucleus.evalgo.org/event"
	"nucleus.evalgo.org/registry"
	"nucleus.evalgo.org/signature"
	"nucleus.evalgo.org/store"
	"nucleus.evalgo.org/template"
)

// HostContext is the capability object passed to every handler
// invocation, exposing the store ($datastore), the logger, and,
// if configured, a second store used for resource-relationship
// tracking (spec §4.6).
type HostContext struct {
	Datastore                     *store.Store
	Logger                        *logrus.Entry
	ResourceRelationshipDatastore *store.Store
}

// Handler is the uniform call capability every registered action
// satisfies: positional arguments pulled from the effective message in
// signature order, a host context, and a JSON-shaped result.
type Handler func(ctx context.Context, host *HostContext, args ...interface{}) (map[string]interface{}, error)

type registration struct {
	handler Handler
	exports map[string]interface{}
}

// Dispatcher runs the action lifecycle against a shared store and
// registry, and holds the in-memory map of locally registered handlers
// (the "explicit registration API" design note §9 substitutes for the
// source's doclet-driven dynamic dispatch).
type Dispatcher struct {
	store    *store.Store
	registry *registry.Registry
	host     *HostContext

	engineID, engineName string
	processID            int

	mu               sync.Mutex
	handlers         map[string]registration
	subscribedQueues map[string]context.CancelFunc

	log *logrus.Entry
}

// New builds a Dispatcher. engineID/engineName/processID populate an
// Action's origin meta on publish.
func New(s *store.Store, reg *registry.Registry, engineID, engineName string, processID int, log *logrus.Entry) *Dispatcher {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log = log.WithField("component", "dispatcher")
	d := &Dispatcher{
		store:            s,
		registry:         reg,
		engineID:         engineID,
		engineName:       engineName,
		processID:        processID,
		handlers:         make(map[string]registration),
		subscribedQueues: make(map[string]context.CancelFunc),
		log:              log,
	}
	d.host = &HostContext{Datastore: s, Logger: log}
	return d
}

// WithResourceRelationshipDatastore attaches a second store surfaced to
// handlers as $resource_relationship_datastore.
func (d *Dispatcher) WithResourceRelationshipDatastore(s *store.Store) {
	d.host.ResourceRelationshipDatastore = s
}

// RegisterHandler installs h under name, available to Execute once a
// matching ActionConfiguration is registered in the Registry. exports
// seeds the template context used when this action's configuration
// extends an extendable action (action_name_to_extend).
func (d *Dispatcher) RegisterHandler(name string, h Handler, exports map[string]interface{}) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[name] = registration{handler: h, exports: exports}
}

// GenerateResourceModelFromResourceStructureByResourceType implements
// template.DatastoreResolver by looking up the named resource structure
// in the Registry (the host's $datastore capability, spec §4.5).
func (d *Dispatcher) GenerateResourceModelFromResourceStructureByResourceType(resourceType string) (interface{}, error) {
	rs, err := d.registry.GetResourceStructure(context.Background(), resourceType)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"resource_type":               rs.ResourceType,
		"properties_by_argument_name": rs.PropertiesByArgumentName,
		"context_name":                rs.ContextName,
		"file_path":                   rs.FilePath,
	}, nil
}

// --- enqueue protocol ---

// PublishActionToQueue runs the enqueue protocol: validates the queue is
// registered and the action well-formed, transitions to Pending, then
// atomically writes the hash, pushes the key, and sets its TTL.
func (d *Dispatcher) PublishActionToQueue(ctx context.Context, queue string, act *action.Action) error {
	if act.Name == "" {
		return errs.New(errs.UnexpectedValueType, "action name must not be empty")
	}
	ok, err := d.registry.IsRegisteredQueue(ctx, queue)
	if err != nil {
		return err
	}
	if !ok {
		return errs.New(errs.UndefinedContext, "queue %q is not a registered queue", queue)
	}
	if err := act.UpdateStatus(action.StatusPending); err != nil {
		return err
	}
	hash, err := act.ToHash()
	if err != nil {
		return err
	}
	if err := d.store.EnqueueAction(ctx, queue, act.Key(), hash, action.TTL); err != nil {
		return errs.Wrap(err, "enqueue action %s onto queue %s", act.ID, queue)
	}
	return nil
}

// --- dequeue protocol ---

// RetrievePendingAction performs one BRPOP against queue's dedicated
// handler connection, rehydrates the dequeued Action, and dispatches
// its execution asynchronously so the handler connection returns to the
// pool immediately. A BRPOP or hydration failure is logged and
// swallowed: the queue's subscription will re-fire on the next enqueue.
func (d *Dispatcher) RetrievePendingAction(ctx context.Context, queue string) error {
	key, err := d.store.BlockingPop(queue+"Handler", queue, 0)
	if err != nil {
		d.log.WithError(err).WithField("queue", queue).Warn("blocking pop failed")
		return nil
	}
	if key == "" {
		return nil
	}

	hash, err := d.store.HashGetAll(ctx, key)
	if err != nil || len(hash) == 0 {
		d.log.WithError(err).WithField("key", key).Warn("failed to read dequeued action hash")
		return nil
	}
	act, err := action.FromHash(hash)
	if err != nil {
		d.log.WithError(err).WithField("key", key).Warn("failed to rehydrate dequeued action")
		return nil
	}

	go func() {
		if err := d.Execute(context.Background(), act); err != nil {
			d.log.WithError(err).WithField("action_id", act.ID).Warn("action execution failed")
		}
	}()
	return nil
}

// SubscribeToActionQueueUpdate idempotently installs the auto-retrieve
// loop for queue: a keyspace-notification subscription that schedules
// RetrievePendingAction on every modification.
func (d *Dispatcher) SubscribeToActionQueueUpdate(ctx context.Context, queue string) error {
	d.mu.Lock()
	if _, already := d.subscribedQueues[queue]; already {
		d.mu.Unlock()
		return nil
	}
	watchCtx, cancel := context.WithCancel(context.Background())
	d.subscribedQueues[queue] = cancel
	d.mu.Unlock()

	pubsub, err := d.store.SubscribeKeyspace(ctx, queue+"Subscriber", queue)
	if err != nil {
		d.mu.Lock()
		delete(d.subscribedQueues, queue)
		d.mu.Unlock()
		cancel()
		return errs.Wrap(err, "subscribe to queue %s updates", queue)
	}

	go d.watchQueue(watchCtx, queue, pubsub)
	return nil
}

// UnsubscribeFromActionQueueUpdate tears down the auto-retrieve loop for
// queue, if one is installed.
func (d *Dispatcher) UnsubscribeFromActionQueueUpdate(queue string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cancel, ok := d.subscribedQueues[queue]; ok {
		cancel()
		delete(d.subscribedQueues, queue)
	}
}

func (d *Dispatcher) watchQueue(ctx context.Context, queue string, pubsub *redis.PubSub) {
	defer pubsub.Close()
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-ch:
			if !ok {
				return
			}
			if err := d.RetrievePendingAction(context.Background(), queue); err != nil {
				d.log.WithError(err).WithField("queue", queue).Warn("retrieve pending action failed")
			}
		}
	}
}

// --- execute ---

type effectiveConfig struct {
	candidates [][]string
	schema     signature.Schema
	message    map[string]interface{}
}

// Execute runs the dispatcher state machine on a rehydrated Action:
// transition to Processing, resolve the effective configuration
// (following action_name_to_extend when set), resolve and type-check
// a signature, invoke the registered handler, and persist the terminal
// status plus final message.
func (d *Dispatcher) Execute(ctx context.Context, act *action.Action) error {
	if err := act.UpdateStatus(action.StatusProcessing); err != nil {
		return err
	}
	if err := d.persist(ctx, act); err != nil {
		return err
	}

	d.mu.Lock()
	reg, ok := d.handlers[act.Name]
	d.mu.Unlock()
	if !ok {
		return d.fail(ctx, act, errs.New(errs.UndefinedContext, "no handler registered for action %q", act.Name))
	}

	eff, err := d.resolveEffectiveConfig(ctx, act, reg.exports)
	if err != nil {
		return d.fail(ctx, act, err)
	}

	chosen, err := signature.Resolve(eff.candidates, eff.message)
	if err != nil {
		return d.fail(ctx, act, err)
	}
	if err := signature.CheckTypes(chosen, eff.message, act.Meta.OriginUserID, eff.schema); err != nil {
		return d.fail(ctx, act, err)
	}

	args := make([]interface{}, 0, len(chosen))
	for _, name := range chosen {
		switch name {
		case signature.OptionsArgument:
			args = append(args, eff.message)
		case signature.OriginUserIDArgument:
			args = append(args, act.Meta.OriginUserID)
		default:
			args = append(args, eff.message[name])
		}
	}

	result, err := reg.handler(ctx, d.host, args...)
	if err != nil {
		return d.fail(ctx, act, errs.Wrap(err, "handler for action %q", act.Name))
	}

	act.UpdateMessage(result)
	if err := act.UpdateStatus(action.StatusCompleted); err != nil {
		return err
	}
	if err := d.persist(ctx, act); err != nil {
		return err
	}
	return d.publishStatusEvent(ctx, act)
}

// resolveEffectiveConfig implements the action_name_to_extend branch of
// execute() (spec §4.6): when set, evaluate the parent extendable
// configuration's templates and merge its schema/signatures under the
// concrete action's own.
func (d *Dispatcher) resolveEffectiveConfig(ctx context.Context, act *action.Action, exports map[string]interface{}) (*effectiveConfig, error) {
	cfg, err := d.registry.GetActionConfiguration(ctx, act.Name)
	if err != nil {
		return nil, err
	}

	if cfg.ActionNameToExtend == "" {
		return &effectiveConfig{
			candidates: filterSignatures(cfg.ActionSignature, cfg.ActionAlternativeSignature),
			schema:     signature.Schema(cfg.ArgumentConfigurationByArgumentName),
			message:    act.EffectiveMessage(),
		}, nil
	}

	parent, err := d.registry.GetExtendableActionConfiguration(ctx, cfg.ActionNameToExtend)
	if err != nil {
		return nil, err
	}

	templateCtx := template.Context{}
	for k, v := range exports {
		templateCtx[k] = v
	}
	for k, v := range act.OriginalMessage {
		templateCtx[k] = v
	}
	templateCtx["origin_user_id"] = act.Meta.OriginUserID

	evaluatedDefaults, err := template.EvaluateMap(parent.ExtendableActionArgumentDefault, templateCtx, d)
	if err != nil {
		return nil, err
	}

	var evaluatedAltSig []string
	if len(parent.ExtendableAlternativeActionSignature) > 0 {
		evaluatedAltSig, err = template.EvaluateSignature(parent.ExtendableAlternativeActionSignature, templateCtx, d)
		if err != nil {
			return nil, err
		}
	}

	effMessage := map[string]interface{}{"origin_user_id": act.Meta.OriginUserID}
	for k, v := range evaluatedDefaults {
		effMessage[k] = v
	}
	for k, v := range act.OriginalMessage {
		effMessage[k] = v
	}

	schema := signature.Schema{}
	for k, v := range parent.ArgumentConfigurationByArgumentName {
		schema[k] = v
	}
	for k, v := range cfg.ArgumentConfigurationByArgumentName {
		schema[k] = v
	}

	return &effectiveConfig{
		candidates: filterSignatures(cfg.ActionSignature, cfg.ActionAlternativeSignature, evaluatedAltSig),
		schema:     schema,
		message:    effMessage,
	}, nil
}

func filterSignatures(candidates ...[]string) [][]string {
	out := make([][]string, 0, len(candidates))
	for _, c := range candidates {
		if c != nil {
			out = append(out, c)
		}
	}
	return out
}

// fail persists the terminal Failed status and final_message before
// re-raising cause, so distant waiters observe the failure via pub/sub
// rather than timing out against the TTL (spec §7).
func (d *Dispatcher) fail(ctx context.Context, act *action.Action, cause error) error {
	act.UpdateMessage(map[string]interface{}{"error": cause.Error()})
	if err := act.UpdateStatus(action.StatusFailed); err != nil {
		d.log.WithError(err).WithField("action_id", act.ID).Error("failed to transition action to Failed")
	}
	if err := d.persist(ctx, act); err != nil {
		d.log.WithError(err).WithField("action_id", act.ID).Error("failed to persist failed action")
	}
	if err := d.publishStatusEvent(ctx, act); err != nil {
		d.log.WithError(err).WithField("action_id", act.ID).Error("failed to publish failure status event")
	}
	return cause
}

func (d *Dispatcher) persist(ctx context.Context, act *action.Action) error {
	hash, err := act.ToHash()
	if err != nil {
		return err
	}
	if err := d.store.HashSet(ctx, act.Key(), hash); err != nil {
		return errs.Wrap(err, "persist action %s", act.ID)
	}
	return d.store.Expire(ctx, act.Key(), action.TTL)
}

// --- events ---

// PublishEventToChannel writes ev's hash, records it in the channel's
// retention sorted set (trimming expired entries first), and publishes
// it on channel.
func (d *Dispatcher) PublishEventToChannel(ctx context.Context, channel string, ev *event.Event) error {
	ev.Meta.Channel = channel
	hash, err := ev.ToHash()
	if err != nil {
		return err
	}
	if err := d.store.HashSet(ctx, ev.Key(), hash); err != nil {
		return errs.Wrap(err, "persist event %s", ev.ID)
	}
	if err := d.store.Expire(ctx, ev.Key(), event.TTL); err != nil {
		return err
	}

	indexKey := fmt.Sprintf("EventIndex:%s", channel)
	if err := d.store.SortedSetRemoveExpired(ctx, indexKey, time.Now()); err != nil {
		return err
	}
	if err := d.store.SortedSetAdd(ctx, indexKey, float64(ev.ExpiresAt().Unix()), ev.Key()); err != nil {
		return err
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return errs.Wrap(err, "marshal event %s for publish", ev.ID)
	}
	return d.store.Publish(ctx, channel, string(payload))
}

func (d *Dispatcher) publishStatusEvent(ctx context.Context, act *action.Action) error {
	ev := event.ActionStatusUpdated(act.ID, act.Name, string(act.Status), act.FinalMessage)
	return d.PublishEventToChannel(ctx, fmt.Sprintf("Action:%s", act.ID), ev)
}

// --- request/response correlation ---

// PublishAndAwait runs publish_action_by_name_and_handle_response: it
// subscribes to the action's keyspace notifications before enqueueing
// it (closing the lost-wakeup race), then waits for a terminal status,
// reading status and final_message atomically from the same hash read.
func (d *Dispatcher) PublishAndAwait(ctx context.Context, name string, message map[string]interface{}, originUserID string) (map[string]interface{}, error) {
	queue, err := d.registry.GetQueueNameForAction(ctx, name)
	if err != nil {
		return nil, err
	}

	act := action.New(name, message, action.Meta{
		OriginEngineID:   d.engineID,
		OriginEngineName: d.engineName,
		OriginProcessID:  d.processID,
		OriginUserID:     originUserID,
	})

	pubsub, err := d.store.SubscribeKeyspace(ctx, "ActionSubscriber", act.Key())
	if err != nil {
		return nil, errs.Wrap(err, "subscribe to action %s notifications", act.ID)
	}
	defer pubsub.Close()

	if err := d.PublishActionToQueue(ctx, queue, act); err != nil {
		return nil, err
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil, errs.Wrap(ctx.Err(), "awaiting action %s", act.ID)
		case _, ok := <-ch:
			if !ok {
				return nil, errs.New(errs.Generic, "subscription closed before action %s reached a terminal status", act.ID)
			}
			hash, err := d.store.HashGetAll(ctx, act.Key())
			if err != nil || len(hash) == 0 {
				continue
			}
			status := action.Status(hash["status"])
			if status != action.StatusCompleted && status != action.StatusFailed {
				continue
			}
			rehydrated, err := action.FromHash(hash)
			if err != nil {
				return nil, err
			}
			if status == action.StatusFailed {
				return nil, errs.New(errs.Generic, "action %s failed: %v", act.ID, rehydrated.FinalMessage)
			}
			return rehydrated.FinalMessage, nil
		}
	}
}
