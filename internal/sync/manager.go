package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"stock-sync-service/internal/lock"
	"stock-sync-service/internal/logger"
	"stock-sync-service/internal/marketplace"
	"stock-sync-service/internal/metrics"
	"stock-sync-service/internal/pricing"
	"stock-sync-service/internal/settings"
	"stock-sync-service/internal/store"
	"stock-sync-service/internal/storefront"
)

const (
	ActivityAction    = "stock_sync"
	DefaultMaxDetails = 100
)

type PolicySource interface {
	Policy(ctx context.Context) settings.Policy
}

type RateSource interface {
	Rate(ctx context.Context) decimal.Decimal
}

type Options struct {
	Workers        int
	PriceTolerance decimal.Decimal
	MaxDetails     int
}

// Deps are the collaborators of a Manager. Locker, Notifier and Metrics are optional.
type Deps struct {
	Catalog  store.Catalog
	Activity store.ActivityLog
	Prober   Prober
	Gateway  storefront.Gateway
	Policy   PolicySource
	Rates    RateSource
	Locker   lock.Locker
	Notifier Notifier
	Metrics  *metrics.Metrics
}

// Manager is the reconciliation engine. At most one run is active per Manager.
type Manager struct {
	deps Deps
	opts Options
	now  func() time.Time

	mu      sync.Mutex
	running bool
	state   State
	last    *RunReport
}

func NewManager(deps Deps, opts Options) *Manager {
	if deps.Locker == nil {
		deps.Locker = lock.Noop{}
	}
	if deps.Notifier == nil {
		deps.Notifier = nopNotifier{}
	}
	if opts.Workers < 1 {
		opts.Workers = marketplace.DefaultMaxConcurrency
	}
	if opts.MaxDetails <= 0 {
		opts.MaxDetails = DefaultMaxDetails
	}
	if opts.PriceTolerance.IsNegative() {
		opts.PriceTolerance = decimal.Zero
	}
	return &Manager{
		deps:  deps,
		opts:  opts,
		now:   time.Now,
		state: StateIdle,
	}
}

// Snapshot returns the current state, whether a run is active and a copy of the last finished report.
func (m *Manager) Snapshot() (State, bool, *RunReport) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state, m.running, m.last.clone()
}

// RunOnce performs one reconciliation pass over every published listing. Per-listing
// failures are counted in the report; only a failure to load the catalog is returned.
func (m *Manager) RunOnce(ctx context.Context) (*RunReport, error) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		logger.Log.Warn("Reconciliation already running, ignoring trigger")
		return nil, ErrRunInProgress
	}
	m.running = true
	m.state = StateRunning
	m.mu.Unlock()

	report := &RunReport{
		ID:        uuid.New().String(),
		State:     StateRunning,
		StartedAt: m.now(),
		Details:   []Detail{},
	}

	release, err := m.deps.Locker.Acquire(ctx)
	switch {
	case errors.Is(err, lock.ErrNotObtained):
		m.finish(nil, StateIdle)
		logger.Log.Warn("Run lock held elsewhere, skipping run")
		return nil, ErrRunInProgress
	case err != nil:
		logger.Log.Warn("Could not obtain run lock; proceeding without it", zap.Error(err))
	default:
		defer func() {
			if err := release(context.WithoutCancel(ctx)); err != nil {
				logger.Log.Warn("Failed to release run lock", zap.Error(err))
			}
		}()
	}

	logger.Log.Info("Starting reconciliation run", zap.String("run_id", report.ID))
	m.deps.Notifier.Publish(Event{Type: EventStarted, RunID: report.ID, At: report.StartedAt})

	listings, err := m.deps.Catalog.GetPublishedListings(ctx)
	if err != nil {
		return nil, m.fail(ctx, report, fmt.Errorf("load published listings: %w", err))
	}

	var published []store.Listing
	for _, l := range listings {
		if l.PublishedToDestination {
			published = append(published, l)
		}
	}

	pool := NewWorkerPool(m.opts.Workers, m.deps.Prober)
	current := 0
	for out := range pool.Run(ctx, published) {
		current++
		m.reconcile(ctx, report, out.listing, out.result)
		m.deps.Notifier.Publish(Event{
			Type:    EventProgress,
			RunID:   report.ID,
			Current: current,
			Total:   len(published),
			Listing: out.listing.Name,
			At:      m.now(),
		})
	}

	finished := m.now()
	report.FinishedAt = &finished
	report.State = StateCompleted
	status := store.ActivitySuccess
	if report.Errors > 0 {
		report.State = StateCompletedWithErrors
		status = store.ActivityWarning
	}

	if err := m.deps.Activity.Record(ctx, store.Activity{
		Action:  ActivityAction,
		Details: report.Summary(),
		Status:  status,
	}); err != nil {
		logger.Log.Error("Failed to record run activity", zap.String("run_id", report.ID), zap.Error(err))
	}

	m.finish(report, report.State)
	m.deps.Metrics.RunFinished(string(report.State), finished.Sub(report.StartedAt))
	m.deps.Notifier.Publish(Event{Type: EventCompleted, RunID: report.ID, Report: report.clone(), At: finished})

	logger.Log.Info("Reconciliation run finished",
		zap.String("run_id", report.ID),
		zap.String("state", string(report.State)),
		zap.Int("checked", report.TotalChecked),
		zap.Int("out_of_stock", report.OutOfStock),
		zap.Int("price_changes", report.PriceChanges),
		zap.Int("destination_updates", report.DestinationUpdates),
		zap.Int("errors", report.Errors),
	)
	return report.clone(), nil
}

func (m *Manager) fail(ctx context.Context, report *RunReport, err error) error {
	finished := m.now()
	report.FinishedAt = &finished
	report.State = StateFailed
	report.Error = err.Error()

	logger.Log.Error("Reconciliation run failed", zap.String("run_id", report.ID), zap.Error(err))
	if recErr := m.deps.Activity.Record(ctx, store.Activity{
		Action:  ActivityAction,
		Details: fmt.Sprintf("run=%s failed: %v", report.ID, err),
		Status:  store.ActivityError,
	}); recErr != nil {
		logger.Log.Error("Failed to record run activity", zap.String("run_id", report.ID), zap.Error(recErr))
	}

	m.finish(report, StateFailed)
	m.deps.Metrics.RunFinished(string(StateFailed), finished.Sub(report.StartedAt))
	m.deps.Notifier.Publish(Event{Type: EventFailed, RunID: report.ID, Error: err.Error(), At: finished})
	return err
}

func (m *Manager) finish(report *RunReport, state State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.running = false
	if report == nil {
		if m.last == nil {
			m.state = StateIdle
		} else {
			m.state = m.last.State
		}
		return
	}
	m.state = state
	m.last = report
}

// reconcile applies one probe outcome. It runs on the coordinating goroutine only.
func (m *Manager) reconcile(ctx context.Context, report *RunReport, l store.Listing, res marketplace.StockProbeResult) {
	defer func() {
		if r := recover(); r != nil {
			report.Errors++
			m.deps.Metrics.Listing("error")
			logger.Log.Error("Panic while reconciling listing",
				zap.Int64("listing_id", l.ID),
				zap.String("source_id", l.SourceID),
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
		}
	}()

	report.TotalChecked++
	policy := m.deps.Policy.Policy(ctx)

	m.deps.Metrics.Probe(res.Degraded())
	if res.Degraded() {
		report.Errors++
		m.deps.Metrics.Listing("error")
	}

	if err := m.deps.Catalog.RecordStockObservation(ctx, l.ID, res.InStock, res.Price); err != nil {
		report.Errors++
		m.deps.Metrics.Listing("error")
		logger.Log.Error("Failed to record stock observation",
			zap.Int64("listing_id", l.ID),
			zap.Error(err),
		)
	}

	if res.InStock {
		report.InStock++
	} else {
		report.OutOfStock++
		if policy.HideOutOfStock && l.HasDestination() {
			m.hide(ctx, report, l)
		}
	}

	if !m.priceChanged(l.SourcePrice, res.Price) {
		return
	}
	report.PriceChanges++
	m.deps.Metrics.Listing("price_changed")

	change := fmt.Sprintf("price %s -> %s", l.SourcePrice.StringFixed(2), res.Price.StringFixed(2))
	if !res.InStock || !policy.AutoPriceUpdate || !l.HasDestination() {
		m.addDetail(report, l, change)
		return
	}
	m.pushPrice(ctx, report, l, res.Price, policy, change)
}

func (m *Manager) priceChanged(old, observed decimal.Decimal) bool {
	return observed.IsPositive() && observed.Sub(old).Abs().GreaterThan(m.opts.PriceTolerance)
}

func (m *Manager) hide(ctx context.Context, report *RunReport, l store.Listing) {
	if err := m.deps.Gateway.SetListingActive(ctx, l.DestinationID.String, false); err != nil {
		report.Errors++
		m.deps.Metrics.Listing("error")
		logger.Log.Error("Failed to hide out of stock listing",
			zap.Int64("listing_id", l.ID),
			zap.String("destination_id", l.DestinationID.String),
			zap.Error(err),
		)
		m.addDetail(report, l, "out of stock; hiding on storefront failed")
		return
	}
	report.DestinationUpdates++
	m.deps.Metrics.Listing("hidden")
	m.addDetail(report, l, "out of stock; hidden on storefront")
}

func (m *Manager) pushPrice(ctx context.Context, report *RunReport, l store.Listing, observed decimal.Decimal, policy settings.Policy, change string) {
	margin := policy.DefaultMargin
	if l.Margin.Valid {
		margin = l.Margin.Decimal
	}
	rate := policy.ExchangeRate
	if !rate.IsPositive() {
		rate = m.deps.Rates.Rate(ctx)
	}

	newPrice, err := pricing.ComputeDestinationPrice(observed, margin, rate, policy.ConvertCurrency)
	if err == nil && !newPrice.IsPositive() {
		err = fmt.Errorf("computed destination price %s is not positive", newPrice.StringFixed(2))
	}
	if err != nil {
		logger.Log.Warn("Skipping destination price update",
			zap.Int64("listing_id", l.ID),
			zap.String("margin", margin.String()),
			zap.String("rate", rate.String()),
			zap.Error(err),
		)
		m.addDetail(report, l, change+"; destination not updated (invalid price)")
		return
	}

	if err := m.deps.Gateway.UpdatePrice(ctx, l.DestinationID.String, newPrice); err != nil {
		report.Errors++
		m.deps.Metrics.Listing("error")
		logger.Log.Error("Failed to push destination price",
			zap.Int64("listing_id", l.ID),
			zap.String("destination_id", l.DestinationID.String),
			zap.Error(err),
		)
		m.addDetail(report, l, change+"; destination not updated")
		return
	}
	if err := m.deps.Catalog.RecordDestinationPrice(ctx, l.ID, newPrice); err != nil {
		report.Errors++
		m.deps.Metrics.Listing("error")
		logger.Log.Error("Failed to record destination price",
			zap.Int64("listing_id", l.ID),
			zap.Error(err),
		)
		m.addDetail(report, l, change+"; destination updated but not recorded")
		return
	}

	report.DestinationUpdates++
	m.deps.Metrics.Listing("destination_updated")
	m.addDetail(report, l, fmt.Sprintf("%s; destination %s -> %s",
		change, l.DestinationPrice.StringFixed(2), newPrice.StringFixed(2)))
}

func (m *Manager) addDetail(report *RunReport, l store.Listing, action string) {
	if len(report.Details) >= m.opts.MaxDetails {
		report.DetailsDropped++
		return
	}
	report.Details = append(report.Details, Detail{ListingID: l.ID, Listing: l.Name, Action: action})
}
