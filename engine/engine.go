// Package engine implements the Engine Facade (C8): the single
// entry point applications use to publish actions, await their
// responses, publish and subscribe to events, register handlers, and
// seed the Registry.
//
// Grounded on the teacher's cli/root.go lifecycle (config-then-connect-
// then-serve, deferred Close, signal-driven shutdown) but trimmed of its
// HTTP/RabbitMQ/CouchDB specifics: there is no HTTP surface here, only
// the store connection and the dispatcher/registry pair it owns.
package engine

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"nucleus.evalgo.org/action"
	"nucleus.evalgo.org/common"
	"nucleus.evalgo.org/config"
	"nucleus.evalgo.org/dispatcher"
	"nucleus.evalgo.org/errs"
	"nucleus.evalgo.org/event"
	"nucleus.evalgo.org/registry"
	"nucleus.evalgo.org/store"
	"nucleus.evalgo.org/version"
)

// sentinelKey guards verify_store_configuration so exactly one engine
// generation performs the check per TTL window (spec §4.7, §5, §9).
const sentinelKey = "RedisConnectionVerified"

// sentinelTTL is the window a single verification covers. The source
// the spec distills observed 7 hours here; the spec itself only asks
// for "a long TTL" and does not endorse that specific figure (§9 Open
// Question ii), so this is a documented choice, not a requirement.
const sentinelTTL = 7 * time.Hour

// MisconfiguredExitCode is the sentinel process exit code raised when
// the store's keyspace notifications are not configured for "AKE"
// (spec §6, §7).
const MisconfiguredExitCode = 699

// osExit is overridable so tests can observe a misconfiguration without
// tearing down the test binary.
var osExit = os.Exit

// Engine is the facade applications hold: construction returns
// immediately; the first store-using call blocks on a one-time
// initialization future (spec §4.7).
type Engine struct {
	cfg config.EngineConfig
	log *logrus.Entry

	store      *store.Store
	registry   *registry.Registry
	dispatcher *dispatcher.Dispatcher

	initOnce sync.Once
	initErr  error

	mu                 sync.Mutex
	eventSubscriptions map[string]context.CancelFunc
}

// New builds an Engine handle. No store connection is opened yet.
//
// The logger defaults to the shared common.Logger singleton and always
// carries the running nucleus_version field, so every log line an
// engine emits is traceable to the module build that produced it.
func New(cfg config.EngineConfig, log *logrus.Entry) *Engine {
	if log == nil {
		log = logrus.NewEntry(common.Logger)
	}
	log = log.WithField("component", "engine").WithField("nucleus_version", version.GetNucleusVersion())
	return &Engine{
		cfg:                cfg,
		log:                log,
		eventSubscriptions: make(map[string]context.CancelFunc),
	}
}

// ensureInit runs the initialization future exactly once: opens the
// store, builds the registry and dispatcher, verifies the store's
// configuration, registers the default queue, optionally autodiscovers,
// and subscribes to pending-action updates on the default queue.
func (e *Engine) ensureInit(ctx context.Context) error {
	e.initOnce.Do(func() {
		e.initErr = e.init(ctx)
	})
	return e.initErr
}

func (e *Engine) init(ctx context.Context) error {
	s, err := store.New(ctx, e.cfg.StoreURL, e.log)
	if err != nil {
		return errs.Wrap(err, "engine: open store connection")
	}
	e.store = s
	e.registry = registry.New(s, e.cfg.DefaultQueue)
	e.dispatcher = dispatcher.New(s, e.registry, uuid.NewString(), e.cfg.EngineName, os.Getpid(), e.log)

	if err := e.verifyStoreConfiguration(ctx); err != nil {
		return err
	}
	if err := e.registry.RegisterQueue(ctx, e.cfg.DefaultQueue); err != nil {
		return errs.Wrap(err, "engine: register default queue")
	}
	if e.cfg.Autodiscover != "" {
		ingestor := registry.NewHTTPIngestor(e.cfg.IngestorURL, e.log)
		if err := e.registry.Autodiscover(ctx, ingestor, e.cfg.Autodiscover); err != nil {
			return errs.Wrap(err, "engine: autodiscover %s", e.cfg.Autodiscover)
		}
	}
	return e.dispatcher.SubscribeToActionQueueUpdate(ctx, e.cfg.DefaultQueue)
}

// verifyStoreConfiguration implements spec §4.7: guarded by an
// atomic set-if-absent sentinel, confirm notify-keyspace-events is
// "AKE" (fatal, exit MisconfiguredExitCode -- otherwise this engine
// would silently hang on every subscription) and that a non-empty save
// policy is configured (a warning only).
func (e *Engine) verifyStoreConfiguration(ctx context.Context) error {
	won, err := e.store.CheckAndSetSentinel(ctx, sentinelKey, sentinelTTL)
	if err != nil {
		return errs.Wrap(err, "engine: check verification sentinel")
	}
	if !won {
		e.log.Debug("store configuration already verified by another engine generation")
		return nil
	}

	notify, err := e.store.ConfigGet(ctx, "notify-keyspace-events")
	if err != nil {
		return errs.Wrap(err, "engine: read notify-keyspace-events")
	}
	if notify != "AKE" {
		e.log.WithField("notify-keyspace-events", notify).
			Error("store is not configured with notify-keyspace-events=AKE; action queue notifications cannot be delivered")
		osExit(MisconfiguredExitCode)
		return errs.New(errs.Generic, "store misconfigured: notify-keyspace-events=%q, want AKE", notify)
	}

	save, err := e.store.ConfigGet(ctx, "save")
	if err != nil {
		return errs.Wrap(err, "engine: read save policy")
	}
	if save == "" {
		e.log.Warn("store has an empty save policy; persisted action/event hashes may not survive a restart")
	}
	return nil
}

// Close tears down every connection the engine opened. Safe to call on
// an Engine whose initialization future never ran.
func (e *Engine) Close() error {
	e.mu.Lock()
	for channel, cancel := range e.eventSubscriptions {
		cancel()
		delete(e.eventSubscriptions, channel)
	}
	e.mu.Unlock()

	if e.store == nil {
		return nil
	}
	return e.store.Close()
}

// --- public operations (spec §6) ---

// PublishActionToQueueByName enqueues act onto queue.
func (e *Engine) PublishActionToQueueByName(ctx context.Context, queue string, act *action.Action) error {
	if err := e.ensureInit(ctx); err != nil {
		return err
	}
	return e.dispatcher.PublishActionToQueue(ctx, queue, act)
}

// PublishActionByNameAndHandleResponse runs the full publish-and-await
// round trip, resolving with the handler's final message or the wrapped
// failure.
func (e *Engine) PublishActionByNameAndHandleResponse(ctx context.Context, name string, message map[string]interface{}, originUserID string) (map[string]interface{}, error) {
	if err := e.ensureInit(ctx); err != nil {
		return nil, err
	}
	return e.dispatcher.PublishAndAwait(ctx, name, message, originUserID)
}

// PublishEventToChannelByName publishes ev on channel.
func (e *Engine) PublishEventToChannelByName(ctx context.Context, channel string, ev *event.Event) error {
	if err := e.ensureInit(ctx); err != nil {
		return err
	}
	return e.dispatcher.PublishEventToChannel(ctx, channel, ev)
}

// SubscribeToEventChannelByName installs a forwarding subscription on
// channel: every event published there is decoded and handed to
// handler on its own goroutine, following the teacher's
// RedisRepository.Subscribe confirm-then-forward pattern.
func (e *Engine) SubscribeToEventChannelByName(ctx context.Context, channel string, handler func(*event.Event)) error {
	if err := e.ensureInit(ctx); err != nil {
		return err
	}

	e.mu.Lock()
	if _, already := e.eventSubscriptions[channel]; already {
		e.mu.Unlock()
		return nil
	}
	watchCtx, cancel := context.WithCancel(context.Background())
	e.eventSubscriptions[channel] = cancel
	e.mu.Unlock()

	pubsub, err := e.store.Subscribe(ctx, channel+"Subscriber", channel)
	if err != nil {
		e.mu.Lock()
		delete(e.eventSubscriptions, channel)
		e.mu.Unlock()
		cancel()
		return errs.Wrap(err, "subscribe to event channel %s", channel)
	}

	go func() {
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-watchCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var ev event.Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					e.log.WithError(err).WithField("channel", channel).Warn("failed to decode event payload")
					continue
				}
				handler(&ev)
			}
		}
	}()
	return nil
}

// UnsubscribeFromEventChannelByName tears down a subscription installed
// by SubscribeToEventChannelByName, if one is installed.
func (e *Engine) UnsubscribeFromEventChannelByName(channel string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cancel, ok := e.eventSubscriptions[channel]; ok {
		cancel()
		delete(e.eventSubscriptions, channel)
	}
}

// SubscribeToActionQueueUpdate idempotently installs the auto-retrieve
// loop for queue.
func (e *Engine) SubscribeToActionQueueUpdate(ctx context.Context, queue string) error {
	if err := e.ensureInit(ctx); err != nil {
		return err
	}
	return e.dispatcher.SubscribeToActionQueueUpdate(ctx, queue)
}

// UnsubscribeFromActionQueueUpdate tears down the auto-retrieve loop for queue.
func (e *Engine) UnsubscribeFromActionQueueUpdate(queue string) {
	if e.dispatcher == nil {
		return
	}
	e.dispatcher.UnsubscribeFromActionQueueUpdate(queue)
}

// RetrievePendingAction performs a single dequeue-and-execute cycle
// against queue.
func (e *Engine) RetrievePendingAction(ctx context.Context, queue string) error {
	if err := e.ensureInit(ctx); err != nil {
		return err
	}
	return e.dispatcher.RetrievePendingAction(ctx, queue)
}

// ExecuteAction runs the dispatcher state machine on a rehydrated Action.
func (e *Engine) ExecuteAction(ctx context.Context, act *action.Action) error {
	if err := e.ensureInit(ctx); err != nil {
		return err
	}
	return e.dispatcher.Execute(ctx, act)
}

// RegisterHandler installs a local handler for name, available to
// ExecuteAction once a matching configuration is registered.
func (e *Engine) RegisterHandler(ctx context.Context, name string, h dispatcher.Handler, exports map[string]interface{}) error {
	if err := e.ensureInit(ctx); err != nil {
		return err
	}
	e.dispatcher.RegisterHandler(name, h, exports)
	return nil
}

// StoreActionConfiguration registers a single action configuration.
func (e *Engine) StoreActionConfiguration(ctx context.Context, cfg registry.ActionConfiguration) error {
	if err := e.ensureInit(ctx); err != nil {
		return err
	}
	return e.registry.StoreActionConfiguration(ctx, cfg)
}

// StoreActionConfigurations registers a batch of action configurations.
func (e *Engine) StoreActionConfigurations(ctx context.Context, cfgs []registry.ActionConfiguration) error {
	if err := e.ensureInit(ctx); err != nil {
		return err
	}
	return e.registry.StoreActionConfigurations(ctx, cfgs)
}

// StoreExtendableActionConfiguration registers a single extendable
// action configuration.
func (e *Engine) StoreExtendableActionConfiguration(ctx context.Context, cfg registry.ExtendableActionConfiguration) error {
	if err := e.ensureInit(ctx); err != nil {
		return err
	}
	return e.registry.StoreExtendableActionConfiguration(ctx, cfg)
}

// StoreExtendableActionConfigurations registers a batch of extendable
// action configurations.
func (e *Engine) StoreExtendableActionConfigurations(ctx context.Context, cfgs []registry.ExtendableActionConfiguration) error {
	if err := e.ensureInit(ctx); err != nil {
		return err
	}
	return e.registry.StoreExtendableActionConfigurations(ctx, cfgs)
}

// StoreResourceStructure registers a single resource structure.
func (e *Engine) StoreResourceStructure(ctx context.Context, rs registry.ResourceStructure) error {
	if err := e.ensureInit(ctx); err != nil {
		return err
	}
	return e.registry.StoreResourceStructure(ctx, rs)
}

// StoreResourceStructures registers a batch of resource structures.
func (e *Engine) StoreResourceStructures(ctx context.Context, list []registry.ResourceStructure) error {
	if err := e.ensureInit(ctx); err != nil {
		return err
	}
	return e.registry.StoreResourceStructures(ctx, list)
}

// Autodiscover invokes the external metadata ingestor against directory
// and stores everything it returns.
func (e *Engine) Autodiscover(ctx context.Context, directory string) error {
	if err := e.ensureInit(ctx); err != nil {
		return err
	}
	ingestor := registry.NewHTTPIngestor(e.cfg.IngestorURL, e.log)
	return e.registry.Autodiscover(ctx, ingestor, directory)
}
