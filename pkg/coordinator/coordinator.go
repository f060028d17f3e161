package coordinator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"runtime/debug"
	"sync"
	"time"

	"github.com/bonial-oss/healthchecks-monitor/pkg/metrics"
	"github.com/bonial-oss/healthchecks-monitor/pkg/models"
	"github.com/bonial-oss/healthchecks-monitor/pkg/provider"
	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"
	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/apimachinery/pkg/util/wait"
	logf "sigs.k8s.io/controller-runtime/pkg/log"
)

var log = logf.Log.WithName("coordinator")

// AuthFailedHandler is called when a scheduled refresh fails because the API
// key was rejected. Scheduled refreshes of the coordinator stop until it is
// set up again.
type AuthFailedHandler func(c *Coordinator, err error)

// Coordinator keeps a snapshot of all checks visible to one API key. It is
// shared by all subscriptions using that key, so N subscribed checks cost a
// single list call per refresh.
type Coordinator struct {
	name         string
	apiKey       string
	client       provider.Interface
	interval     time.Duration
	onAuthFailed AuthFailedHandler

	group singleflight.Group

	mu           sync.RWMutex
	data         map[string]*models.Check
	lastErr      error
	lastSuccess  bool
	authFailed   bool
	checks       map[string]int
	listeners    map[uint64]func()
	nextListener uint64
	cancel       context.CancelFunc
	done         chan struct{}
}

func newCoordinator(apiKey string, client provider.Interface, interval time.Duration, onAuthFailed AuthFailedHandler) *Coordinator {
	return &Coordinator{
		name:         coordinatorName(apiKey),
		apiKey:       apiKey,
		client:       client,
		interval:     interval,
		onAuthFailed: onAuthFailed,
		data:         map[string]*models.Check{},
		checks:       map[string]int{},
		listeners:    map[uint64]func(){},
	}
}

// coordinatorName derives a stable name from the API key that is safe to
// log.
func coordinatorName(apiKey string) string {
	sum := sha256.Sum256([]byte(apiKey))
	return "healthchecksio-" + hex.EncodeToString(sum[:])[:12]
}

// Name returns the name of the coordinator. It does not contain the API key.
func (c *Coordinator) Name() string {
	return c.name
}

// APIKey returns the API key the coordinator is bound to.
func (c *Coordinator) APIKey() string {
	return c.apiKey
}

// Interval returns the refresh interval.
func (c *Coordinator) Interval() time.Duration {
	return c.interval
}

// Data returns the checks of the latest successful refresh keyed by check
// ID. The map is replaced on every refresh and must not be modified.
func (c *Coordinator) Data() map[string]*models.Check {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.data
}

// Check returns the check with id from the latest successful refresh.
func (c *Coordinator) Check(id string) (*models.Check, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	check, ok := c.data[id]
	return check, ok
}

// LastUpdateSuccess returns true if the most recent refresh succeeded.
func (c *Coordinator) LastUpdateSuccess() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastSuccess
}

// LastError returns the error of the most recent refresh, or nil.
func (c *Coordinator) LastError() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastErr
}

// AuthFailed returns true if scheduled refreshes stopped because the API key
// was rejected.
func (c *Coordinator) AuthFailed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.authFailed
}

// Subscriptions returns the sorted IDs of all subscribed checks. A check
// subscribed more than once is listed once.
func (c *Coordinator) Subscriptions() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return sets.List(sets.KeySet(c.checks))
}

// subscriptionCount returns the number of subscriptions including repeated
// subscriptions of the same check. Callers must hold c.mu.
func (c *Coordinator) subscriptionCount() int {
	n := 0
	for _, count := range c.checks {
		n += count
	}

	return n
}

// AddListener registers fn to be called after every refresh, successful or
// not. The returned func removes the listener again.
func (c *Coordinator) AddListener(fn func()) (remove func()) {
	c.mu.Lock()
	id := c.nextListener
	c.nextListener++
	c.listeners[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

// register adds a subscription for checkID. Every call must be paired with
// one call to unregister.
func (c *Coordinator) register(checkID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.checks[checkID]++
	metrics.Subscriptions.WithLabelValues(c.name).Set(float64(c.subscriptionCount()))
}

// unregister removes one subscription of checkID and returns the number of
// remaining subscriptions.
func (c *Coordinator) unregister(checkID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.checks[checkID] > 1 {
		c.checks[checkID]--
	} else {
		delete(c.checks, checkID)
	}

	n := c.subscriptionCount()
	metrics.Subscriptions.WithLabelValues(c.name).Set(float64(n))

	return n
}

// Refresh lists all checks of the API key and replaces the cached snapshot.
// Checks without an ID are dropped. Concurrent calls share a single request.
// Errors are classified as *models.Error.
func (c *Coordinator) Refresh(ctx context.Context) (map[string]*models.Check, error) {
	v, err, _ := c.group.Do("refresh", func() (interface{}, error) {
		return c.refresh(ctx)
	})
	if err != nil {
		return nil, err
	}

	return v.(map[string]*models.Check), nil
}

func (c *Coordinator) refresh(ctx context.Context) (map[string]*models.Check, error) {
	start := time.Now()

	data, err := c.fetch(ctx)

	metrics.RefreshDuration.WithLabelValues(c.name).Observe(time.Since(start).Seconds())

	c.mu.Lock()
	if err != nil {
		c.lastErr = err
		c.lastSuccess = false
	} else {
		c.data = data
		c.lastErr = nil
		c.lastSuccess = true
		c.authFailed = false
	}
	c.mu.Unlock()

	result := "success"
	if err != nil {
		result = models.KindOf(err).String()
	}

	metrics.RefreshesTotal.WithLabelValues(c.name, result).Inc()
	log.V(1).Info("refreshed checks", "coordinator", c.name, "result", result, "count", len(data))

	c.notifyListeners()

	if err != nil {
		return nil, err
	}

	return data, nil
}

func (c *Coordinator) fetch(ctx context.Context) (data map[string]*models.Check, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = models.Errorf(models.KindUnexpected, "panic while fetching checks: %v", r)
			log.Error(err, "unexpected panic", "coordinator", c.name, "stack", string(debug.Stack()))
		}
	}()

	checks, err := c.client.ListChecks(ctx)
	if err != nil {
		return nil, c.classify(err)
	}

	data = make(map[string]*models.Check, len(checks))
	for _, check := range checks {
		if check == nil || check.ID == "" {
			continue
		}

		data[check.ID] = check
	}

	return data, nil
}

func (c *Coordinator) classify(err error) error {
	switch kind := models.KindOf(err); kind {
	case models.KindAuthFailure:
		return errors.Wrap(err, "authentication failed")
	case models.KindRateLimited:
		return errors.Wrap(err, "the rate limit for this api key has been reached")
	case models.KindAPIFailure:
		return errors.Wrap(err, "an error occurred when trying to fetch the check information")
	case models.KindNotFound:
		// Listing never targets a single check, so a 404 means the API
		// itself is not where we expect it.
		return models.NewError(models.KindAPIFailure, errors.Wrap(err, "an error occurred when trying to fetch the check information"))
	case models.KindUnexpected:
		log.Error(err, "unexpected error while fetching checks", "coordinator", c.name)
		return models.NewError(models.KindUnexpected, errors.Wrap(err, "an unknown error occurred"))
	default:
		log.Error(err, "unknown error kind", "coordinator", c.name, "kind", kind.String())
		return models.NewError(models.KindUnexpected, errors.Wrap(err, "an unknown error occurred"))
	}
}

func (c *Coordinator) notifyListeners() {
	c.mu.RLock()
	listeners := make([]func(), 0, len(c.listeners))
	for _, fn := range c.listeners {
		listeners = append(listeners, fn)
	}
	c.mu.RUnlock()

	for _, fn := range listeners {
		fn()
	}
}

// FirstRefresh performs the synchronous refresh that precedes a new
// subscription for checkID. The remote call is skipped if the latest
// successful snapshot already contains checkID. On success the refresh timer
// is started if it is not running yet.
func (c *Coordinator) FirstRefresh(ctx context.Context, checkID string) error {
	c.mu.RLock()
	_, known := c.data[checkID]
	fresh := c.lastSuccess && known
	c.mu.RUnlock()

	if !fresh {
		_, err := c.Refresh(ctx)
		if err != nil {
			return err
		}
	}

	c.start()

	return nil
}

func (c *Coordinator) start() {
	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.cancel = cancel
	c.done = done
	c.mu.Unlock()

	log.V(1).Info("starting scheduled refreshes", "coordinator", c.name, "interval", c.interval)

	go func() {
		defer close(done)

		_ = wait.PollUntilContextCancel(ctx, c.interval, false, c.tick)

		c.mu.Lock()
		if c.done == done {
			c.cancel = nil
			c.done = nil
		}
		c.mu.Unlock()
		cancel()
	}()
}

// tick runs a scheduled refresh. It returns true to stop the timer.
func (c *Coordinator) tick(ctx context.Context) (bool, error) {
	_, err := c.Refresh(ctx)
	if err == nil {
		return false, nil
	}

	if ctx.Err() != nil {
		return true, nil
	}

	switch kind := models.KindOf(err); kind {
	case models.KindAuthFailure:
		log.Info("api key was rejected, stopping scheduled refreshes until re-authentication", "coordinator", c.name)

		c.mu.Lock()
		c.authFailed = true
		c.mu.Unlock()

		// The handler may release this coordinator, which waits for the
		// timer goroutine to exit.
		if c.onAuthFailed != nil {
			go c.onAuthFailed(c, err)
		}

		return true, nil
	case models.KindRateLimited, models.KindAPIFailure, models.KindNotFound, models.KindUnexpected:
		log.Info("scheduled refresh failed, retrying on next interval", "coordinator", c.name, "kind", kind.String(), "error", err.Error())
		return false, nil
	default:
		return false, nil
	}
}

// Running returns true if scheduled refreshes are active.
func (c *Coordinator) Running() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cancel != nil
}

// Stop cancels scheduled refreshes and waits for an in-flight scheduled
// refresh to return.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel = nil
	c.done = nil
	c.mu.Unlock()

	if cancel == nil {
		return
	}

	cancel()
	<-done

	log.V(1).Info("stopped scheduled refreshes", "coordinator", c.name)
}
