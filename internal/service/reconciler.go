package service

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/observation-service/internal/client"
	"github.com/kjstillabower/observation-service/internal/lifecycle"
	"github.com/kjstillabower/observation-service/internal/models"
	"github.com/kjstillabower/observation-service/internal/observability"
	"github.com/kjstillabower/observation-service/internal/traffic"
)

// Placeholders are the display fields the observation endpoint does not
// provide. They are applied on every successful refresh.
type Placeholders struct {
	Description     string
	RainPossibility float64
}

// Options configures a Reconciler.
type Options struct {
	// Location is sent as locationName on every fetch.
	Location string
	// Credential is sent as Authorization on every fetch.
	Credential   string
	Placeholders Placeholders
	// Seed is the snapshot shown before the first refresh completes.
	// IsLoading is forced to true and Error is cleared.
	Seed models.DisplayState
}

type subscriber struct {
	id uint64
	fn func(models.DisplayState)
}

// Reconciler owns the DisplayState and moves it between Idle and Refreshing.
//
// At most one fetch is outstanding at a time. A Refresh issued while one is
// in flight joins it. A successful fetch replaces all fields in a single
// transition; a failed fetch keeps the last good fields, sets Error and
// clears IsLoading.
//
// Listeners run synchronously while a transition is being published and
// must not call Refresh, Trigger, OnChange or Watch from the same goroutine.
type Reconciler struct {
	fetcher      client.ObservationFetcher
	location     string
	credential   string
	placeholders Placeholders
	logger       *zap.Logger
	now          func() time.Time

	// publishMu serializes a transition with the notification that follows
	// it, so listeners observe snapshots in the order they were produced.
	publishMu sync.Mutex

	mu          sync.RWMutex
	state       models.DisplayState
	inFlight    *flight
	subscribers []subscriber
	nextID      uint64
}

// NewReconciler returns a Reconciler in the Refreshing state showing opts.Seed.
// No fetch is started; call Trigger or Refresh to load the first observation.
func NewReconciler(fetcher client.ObservationFetcher, opts Options, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	seed := opts.Seed
	seed.IsLoading = true
	seed.Error = ""
	observability.DisplayLoading.Set(1)
	return &Reconciler{
		fetcher:      fetcher,
		location:     opts.Location,
		credential:   opts.Credential,
		placeholders: opts.Placeholders,
		logger:       logger,
		now:          time.Now,
		state:        seed,
	}
}

// Snapshot returns the current DisplayState.
func (r *Reconciler) Snapshot() models.DisplayState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// Refresh starts a fetch, or joins the outstanding one, and waits for it.
// Returning early because ctx is done does not abort the fetch.
func (r *Reconciler) Refresh(ctx context.Context) error {
	f, _ := r.begin(ctx)
	return f.wait(ctx)
}

// Trigger starts a fetch without waiting. It reports false when a fetch was
// already outstanding and the call joined it.
func (r *Reconciler) Trigger(ctx context.Context) bool {
	_, started := r.begin(ctx)
	return started
}

// OnChange registers fn for every subsequent snapshot and returns a function
// that removes it. The returned function is safe to call more than once.
func (r *Reconciler) OnChange(fn func(models.DisplayState)) (unsubscribe func()) {
	_, unsubscribe = r.Watch(fn)
	return unsubscribe
}

// Watch is OnChange that also returns the snapshot current at registration.
// No transition falls between the returned snapshot and the first call to fn.
func (r *Reconciler) Watch(fn func(models.DisplayState)) (current models.DisplayState, unsubscribe func()) {
	r.publishMu.Lock()
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.subscribers = append(r.subscribers, subscriber{id: id, fn: fn})
	current = r.state
	r.mu.Unlock()
	r.publishMu.Unlock()

	var once sync.Once
	return current, func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			for i, s := range r.subscribers {
				if s.id == id {
					r.subscribers = append(r.subscribers[:i:i], r.subscribers[i+1:]...)
					return
				}
			}
		})
	}
}

func (r *Reconciler) begin(ctx context.Context) (*flight, bool) {
	r.publishMu.Lock()
	defer r.publishMu.Unlock()

	r.mu.Lock()
	if f := r.inFlight; f != nil {
		r.mu.Unlock()
		observability.RefreshCoalescedTotal.Inc()
		return f, false
	}
	f := newFlight()
	r.inFlight = f
	r.state.IsLoading = true
	snap, subs := r.state, r.subscribers
	r.mu.Unlock()

	observability.DisplayLoading.Set(1)
	publish(subs, snap)

	// The flight outlives the caller that started it; it keeps the caller's
	// values (logger, correlation ID) but not its cancellation.
	go r.run(context.WithoutCancel(ctx), f)
	return f, true
}

func (r *Reconciler) run(ctx context.Context, f *flight) {
	logger := observability.LoggerFromContext(ctx, r.logger)
	start := r.now()
	fields, err := r.fetcher.FetchFields(ctx, r.location, r.credential)

	r.publishMu.Lock()
	defer r.publishMu.Unlock()

	r.mu.Lock()
	if err != nil {
		r.state.IsLoading = false
		r.state.Error = err.Error()
	} else {
		r.state = r.apply(fields)
	}
	r.inFlight = nil
	snap, subs := r.state, r.subscribers
	r.mu.Unlock()

	finished := r.now()
	observability.RecordRefresh(err == nil, finished)
	if err != nil {
		traffic.RecordError()
		logger.Warn("observation refresh failed",
			zap.String("location", r.location),
			zap.String("category", string(client.CategorizeError(err))),
			zap.Duration("duration", finished.Sub(start)),
			zap.Error(err),
		)
	} else {
		traffic.RecordSuccess()
		lifecycle.MarkReady()
		logger.Info("observation refreshed",
			zap.String("location", snap.Location),
			zap.String("observation_time", snap.ObservationTime),
			zap.Duration("duration", finished.Sub(start)),
		)
	}

	publish(subs, snap)
	f.land(err)
}

// apply builds the next Idle snapshot from fetched fields. Every displayed
// field is assigned here so no listener can see a partial update.
func (r *Reconciler) apply(fields models.ObservationFields) models.DisplayState {
	return models.DisplayState{
		Location:        fields.LocationName,
		Description:     r.placeholders.Description,
		Temperature:     fields.Temperature,
		WindSpeed:       fields.WindSpeed,
		RainPossibility: r.placeholders.RainPossibility,
		ObservationTime: fields.ObservationTime,
	}
}

func publish(subs []subscriber, snap models.DisplayState) {
	for _, s := range subs {
		s.fn(snap)
	}
}
