package engine

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"grid-engine-go/internal/gateway"
	"grid-engine-go/internal/models"
	"grid-engine-go/internal/persistence"

	"github.com/jxskiss/base62"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Options tune the manager's background behaviour.
type Options struct {
	// MonitorInterval is the sleep between monitor cycles of each
	// active grid. Defaults to 10s.
	MonitorInterval time.Duration
	// StopTimeout bounds how long StopGrid waits for a grid's monitor
	// worker to exit before cancelling orders anyway. Defaults to 30s.
	StopTimeout time.Duration
}

// Manager is the concurrency-safe registry of grid strategies. It owns
// the active and completed maps and one monitor goroutine per active
// grid.
//
// The registry mutex guards map membership and nothing else; network
// calls to the gateway always happen outside it so one slow symbol
// cannot stall operations on unrelated grids.
type Manager struct {
	gw     gateway.Gateway
	repo   persistence.GridRepository // may be nil: registry is then memory-only
	logger *zap.SugaredLogger

	monitorInterval time.Duration
	stopTimeout     time.Duration

	mu        sync.Mutex
	active    map[string]*Grid
	completed map[string]*Grid
	seq       uint64
}

// NewManager creates an empty registry.
func NewManager(gw gateway.Gateway, repo persistence.GridRepository, logger *zap.SugaredLogger, opts Options) *Manager {
	if opts.MonitorInterval <= 0 {
		opts.MonitorInterval = 10 * time.Second
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = 30 * time.Second
	}
	return &Manager{
		gw:              gw,
		repo:            repo,
		logger:          logger,
		monitorInterval: opts.MonitorInterval,
		stopTimeout:     opts.StopTimeout,
		active:          make(map[string]*Grid),
		completed:       make(map[string]*Grid),
	}
}

// nextGridID builds a time-based id with a base62-encoded process-local
// sequence so concurrent creates within the same second stay unique.
func (m *Manager) nextGridID() string {
	seq := atomic.AddUint64(&m.seq, 1)
	return fmt.Sprintf("grid-%s-%s", time.Now().UTC().Format("20060102150405"), base62.FormatUint(seq))
}

// CreateGrid validates the parameters and registers a new inert grid.
// It places no orders; StartGrid does that.
func (m *Manager) CreateGrid(params models.GridParams) (string, error) {
	grid, err := newGrid(m.nextGridID(), params, m.gw, m.logger)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	m.active[grid.id] = grid
	m.mu.Unlock()

	m.persist(grid)
	m.logger.Infof("created grid %s for %s: range [%v, %v], %d levels, interval %v",
		grid.id, params.Symbol, params.LowerPrice, params.UpperPrice, params.NumGrids, grid.priceInterval)
	return grid.id, nil
}

// StartGrid seeds the grid's buy ladder and spawns its monitor worker.
func (m *Manager) StartGrid(id string) (*models.StartResult, error) {
	m.mu.Lock()
	grid, ok := m.active[id]
	if !ok {
		_, completed := m.completed[id]
		m.mu.Unlock()
		if completed {
			return nil, fmt.Errorf("grid %s is already completed: %w", id, ErrGridNotStartable)
		}
		return nil, fmt.Errorf("grid %s: %w", id, ErrGridNotFound)
	}
	m.mu.Unlock()

	result, err := grid.Start()
	if err != nil {
		// A failed or aborted start can still have mutated the ladder
		// (error state, cancelled seed orders); keep the store current.
		m.persist(grid)
		return nil, err
	}

	go m.monitorGrid(grid)
	m.persist(grid)
	return result, nil
}

// monitorGrid is the per-grid background worker. It runs one cycle per
// tick until the stop flag is observed or an exit threshold fires, in
// which case it retires the grid itself.
func (m *Manager) monitorGrid(grid *Grid) {
	reason := m.runMonitor(grid)
	if reason == "" {
		// Cooperative stop: the StopGrid caller owns the rest.
		return
	}
	m.logger.Infof("grid %s hit its %s threshold, stopping", grid.id, reason)
	if _, err := m.StopGrid(grid.id); err != nil {
		m.logger.Errorf("auto-stop of grid %s failed: %v", grid.id, err)
	}
}

func (m *Manager) runMonitor(grid *Grid) string {
	defer close(grid.doneCh)

	ticker := time.NewTicker(m.monitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-grid.stopCh:
			return ""
		case <-ticker.C:
			if reason := grid.cycle(); reason != "" {
				return reason
			}
			m.persist(grid)
		}
	}
}

// StopGrid retires a grid: it signals the monitor worker, waits for it
// to exit, best-effort cancels the remaining open orders and moves the
// grid to the completed registry. Stopping an already-stopped grid is
// not an error; it reports AlreadyStopped with zero cancellations.
func (m *Manager) StopGrid(id string) (*models.StopResult, error) {
	m.mu.Lock()
	grid, ok := m.active[id]
	if !ok {
		if done, completed := m.completed[id]; completed {
			m.mu.Unlock()
			return &models.StopResult{
				ProfitLoss:     done.Snapshot().ProfitLoss,
				AlreadyStopped: true,
			}, nil
		}
		m.mu.Unlock()
		return nil, fmt.Errorf("grid %s: %w", id, ErrGridNotFound)
	}
	m.mu.Unlock()

	first := grid.requestStop()
	grid.waitDone(m.stopTimeout)

	if !first {
		// A concurrent stop owns the cancellation; report idempotently.
		return &models.StopResult{
			ProfitLoss:     grid.Snapshot().ProfitLoss,
			AlreadyStopped: true,
		}, nil
	}

	cancelled, total := grid.cancelOpenOrders()
	grid.setStopped()

	m.mu.Lock()
	delete(m.active, id)
	m.completed[id] = grid
	m.mu.Unlock()

	m.persist(grid)
	snap := grid.Snapshot()
	m.logger.Infof("stopped grid %s: cancelled %d/%d orders, final P&L %.2f", id, cancelled, total, snap.ProfitLoss)
	return &models.StopResult{
		CancelledOrders: cancelled,
		TotalOrders:     total,
		ProfitLoss:      snap.ProfitLoss,
	}, nil
}

// GetStatus returns a snapshot of the grid, wherever it lives.
func (m *Manager) GetStatus(id string) (*models.GridSnapshot, error) {
	m.mu.Lock()
	grid, ok := m.active[id]
	if !ok {
		grid, ok = m.completed[id]
	}
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("grid %s: %w", id, ErrGridNotFound)
	}
	return grid.Snapshot(), nil
}

// ListGrids returns snapshots of both registries, oldest first.
func (m *Manager) ListGrids() *models.GridList {
	m.mu.Lock()
	actives := make([]*Grid, 0, len(m.active))
	for _, grid := range m.active {
		actives = append(actives, grid)
	}
	completeds := make([]*Grid, 0, len(m.completed))
	for _, grid := range m.completed {
		completeds = append(completeds, grid)
	}
	m.mu.Unlock()

	list := &models.GridList{
		Active:    make([]*models.GridSnapshot, 0, len(actives)),
		Completed: make([]*models.GridSnapshot, 0, len(completeds)),
	}
	for _, grid := range actives {
		list.Active = append(list.Active, grid.Snapshot())
	}
	for _, grid := range completeds {
		list.Completed = append(list.Completed, grid.Snapshot())
	}
	sortSnapshots(list.Active)
	sortSnapshots(list.Completed)
	return list
}

func sortSnapshots(snaps []*models.GridSnapshot) {
	sort.Slice(snaps, func(i, j int) bool {
		if snaps[i].CreatedAt.Equal(snaps[j].CreatedAt) {
			return snaps[i].ID < snaps[j].ID
		}
		return snaps[i].CreatedAt.Before(snaps[j].CreatedAt)
	})
}

// ModifyGrid updates the exit thresholds of an active grid. It returns
// a description of the applied changes.
func (m *Manager) ModifyGrid(id string, takeProfitPct, stopLossPct *float64) ([]string, error) {
	m.mu.Lock()
	grid, ok := m.active[id]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("grid %s: %w", id, ErrGridNotFound)
	}

	changes := grid.Modify(takeProfitPct, stopLossPct)
	if len(changes) > 0 {
		m.persist(grid)
		m.logger.Infof("modified grid %s: %v", id, changes)
	}
	return changes, nil
}

// StopAllGrids stops every active grid and returns how many actually
// transitioned. Grids are stopped concurrently but with a bounded
// number of in-flight cancellations.
func (m *Manager) StopAllGrids() int {
	m.mu.Lock()
	ids := make([]string, 0, len(m.active))
	for id := range m.active {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var stopped int64
	var eg errgroup.Group
	eg.SetLimit(8)
	for _, id := range ids {
		id := id
		eg.Go(func() error {
			result, err := m.StopGrid(id)
			if err != nil {
				m.logger.Errorf("stopping grid %s failed: %v", id, err)
				return nil // best effort: keep stopping the rest
			}
			if !result.AlreadyStopped {
				atomic.AddInt64(&stopped, 1)
			}
			return nil
		})
	}
	eg.Wait()

	m.logger.Infof("stopped %d/%d grids", stopped, len(ids))
	return int(stopped)
}

// CleanCompletedGrids drops every completed grid from the registry and
// the snapshot store, returning the count removed.
func (m *Manager) CleanCompletedGrids() int {
	m.mu.Lock()
	grids := make([]*Grid, 0, len(m.completed))
	for _, grid := range m.completed {
		grids = append(grids, grid)
	}
	m.completed = make(map[string]*Grid)
	m.mu.Unlock()

	for _, grid := range grids {
		if m.repo == nil {
			continue
		}
		if err := m.repo.Delete(grid.id); err != nil {
			m.logger.Errorf("deleting grid %s from store failed: %v", grid.id, err)
		}
	}
	m.logger.Infof("cleaned %d completed grids", len(grids))
	return len(grids)
}

// Restore reloads the registry from the snapshot store. Grids that
// were active when the process died come back as created with their
// ladder cleared: resting orders cannot be trusted across a restart
// and have to be re-seeded by an explicit start.
func (m *Manager) Restore() error {
	if m.repo == nil {
		return nil
	}
	snaps, err := m.repo.LoadAll()
	if err != nil {
		return err
	}

	m.mu.Lock()
	for _, snap := range snaps {
		switch snap.Status {
		case models.GridStatusActive:
			snap.Status = models.GridStatusCreated
			snap.Orders = nil
			snap.Warning = "restored after restart; order ladder cleared, start the grid again to re-seed it"
			m.active[snap.ID] = newGridFromSnapshot(snap, m.gw, m.logger)
		case models.GridStatusCreated:
			m.active[snap.ID] = newGridFromSnapshot(snap, m.gw, m.logger)
		default: // stopped or error
			m.completed[snap.ID] = newGridFromSnapshot(snap, m.gw, m.logger)
		}
	}
	m.mu.Unlock()

	if len(snaps) > 0 {
		m.logger.Infof("restored %d grids from store", len(snaps))
	}
	return nil
}

func (m *Manager) persist(grid *Grid) {
	if m.repo == nil {
		return
	}
	if err := m.repo.Save(grid.Snapshot()); err != nil {
		m.logger.Errorf("persisting grid %s failed: %v", grid.id, err)
	}
}
