package pool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/marctheshark3/mining-wave/internal/config"
	"github.com/marctheshark3/mining-wave/internal/util"
)

var (
	// ErrMinerNotFound is returned when the pool has never seen an address
	ErrMinerNotFound = errors.New("pool: miner not found")
	// ErrNilGormDB is returned by a repository without a database handle
	ErrNilGormDB = errors.New("pool: nil gorm db")
)

// Repository is the read side of the pool database
type Repository interface {
	// MinerHashrate returns the latest hashrate reported for address
	MinerHashrate(ctx context.Context, address string) (float64, error)
	// MinerHistory returns samples for address since the given time, oldest first
	MinerHistory(ctx context.Context, address string, since time.Time) ([]HashrateSample, error)
	// PoolHashrate returns the latest pool hashrate, or the configured default when unknown
	PoolHashrate(ctx context.Context) (float64, error)
	// PoolHistory returns pool samples since the given time, oldest first
	PoolHistory(ctx context.Context, since time.Time) ([]HashrateSample, error)
	// IsPoolBlock reports whether the pool found the block at height
	IsPoolBlock(ctx context.Context, height uint64) (bool, error)
	Close() error
}

// Open returns a gorm repository when the pool database is enabled, otherwise a static one
func Open(cfg config.PoolDBConfig, defaultHashrate float64) (Repository, error) {
	if !cfg.Enabled {
		util.Infof("Pool database disabled, using static pool hashrate %.0f H/s", defaultHashrate)
		return NewStaticRepository(defaultHashrate), nil
	}

	var dialector gorm.Dialector
	switch cfg.Driver {
	case "mysql":
		dialector = mysql.Open(cfg.DSN)
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported pool_db driver %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open pool database: %w", err)
	}

	util.Infof("Connected to pool database (%s)", cfg.Driver)
	return NewGormRepository(db, cfg.PoolID, defaultHashrate), nil
}

// GormRepository reads miningcore-style tables through gorm
type GormRepository struct {
	db              *gorm.DB
	poolID          string
	defaultHashrate float64
}

// NewGormRepository wraps an open gorm handle. An empty poolID reads every pool's rows.
func NewGormRepository(db *gorm.DB, poolID string, defaultHashrate float64) *GormRepository {
	return &GormRepository{db: db, poolID: poolID, defaultHashrate: defaultHashrate}
}

func (r *GormRepository) scoped(tx *gorm.DB) *gorm.DB {
	if r.poolID != "" {
		return tx.Where("poolid = ?", r.poolID)
	}
	return tx
}

func (r *GormRepository) latestMinerQuery(tx *gorm.DB, address string) *gorm.DB {
	return r.scoped(tx.Model(&MinerStat{})).
		Where("address = ?", address).
		Order("updated DESC").
		Limit(1)
}

func (r *GormRepository) minerHistoryQuery(tx *gorm.DB, address string, since time.Time) *gorm.DB {
	return r.scoped(tx.Model(&MinerStat{})).
		Where("address = ? AND updated >= ?", address, since).
		Order("updated ASC")
}

func (r *GormRepository) latestPoolQuery(tx *gorm.DB) *gorm.DB {
	return r.scoped(tx.Model(&PoolStat{})).
		Order("created DESC").
		Limit(1)
}

func (r *GormRepository) poolHistoryQuery(tx *gorm.DB, since time.Time) *gorm.DB {
	return r.scoped(tx.Model(&PoolStat{})).
		Where("created >= ?", since).
		Order("created ASC")
}

func (r *GormRepository) blockQuery(tx *gorm.DB, height uint64) *gorm.DB {
	return r.scoped(tx.Model(&FoundBlock{})).
		Where("blockheight = ?", height)
}

// MinerHashrate returns the latest hashrate reported for address
func (r *GormRepository) MinerHashrate(ctx context.Context, address string) (float64, error) {
	if r.db == nil {
		return 0, ErrNilGormDB
	}

	var row MinerStat
	err := r.latestMinerQuery(r.db.WithContext(ctx), address).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, fmt.Errorf("%w: %s", ErrMinerNotFound, address)
	}
	if err != nil {
		return 0, err
	}
	return row.Hashrate, nil
}

// MinerHistory returns samples for address since the given time, oldest first
func (r *GormRepository) MinerHistory(ctx context.Context, address string, since time.Time) ([]HashrateSample, error) {
	if r.db == nil {
		return nil, ErrNilGormDB
	}

	var rows []MinerStat
	if err := r.minerHistoryQuery(r.db.WithContext(ctx), address, since).Find(&rows).Error; err != nil {
		return nil, err
	}

	samples := make([]HashrateSample, len(rows))
	for i, row := range rows {
		samples[i] = HashrateSample{Hashrate: row.Hashrate, At: row.Updated}
	}
	return samples, nil
}

// PoolHashrate returns the latest pool hashrate, or the default when none is recorded
func (r *GormRepository) PoolHashrate(ctx context.Context) (float64, error) {
	if r.db == nil {
		return 0, ErrNilGormDB
	}

	var row PoolStat
	err := r.latestPoolQuery(r.db.WithContext(ctx)).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) || (err == nil && row.PoolHashrate <= 0) {
		util.Warnf("No pool hashrate found, using default %.0f H/s", r.defaultHashrate)
		return r.defaultHashrate, nil
	}
	if err != nil {
		return 0, err
	}
	return row.PoolHashrate, nil
}

// PoolHistory returns pool samples since the given time, oldest first
func (r *GormRepository) PoolHistory(ctx context.Context, since time.Time) ([]HashrateSample, error) {
	if r.db == nil {
		return nil, ErrNilGormDB
	}

	var rows []PoolStat
	if err := r.poolHistoryQuery(r.db.WithContext(ctx), since).Find(&rows).Error; err != nil {
		return nil, err
	}

	samples := make([]HashrateSample, len(rows))
	for i, row := range rows {
		samples[i] = HashrateSample{Hashrate: row.PoolHashrate, At: row.Created}
	}
	return samples, nil
}

// IsPoolBlock reports whether the pool's blocks table contains height
func (r *GormRepository) IsPoolBlock(ctx context.Context, height uint64) (bool, error) {
	if r.db == nil {
		return false, ErrNilGormDB
	}

	var count int64
	if err := r.blockQuery(r.db.WithContext(ctx), height).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// Close releases the underlying connection pool
func (r *GormRepository) Close() error {
	if r.db == nil {
		return nil
	}
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// StaticRepository serves in-memory samples. With no pool database every block counts
// as a pool block and the pool hashrate is the configured default.
type StaticRepository struct {
	mu              sync.RWMutex
	defaultHashrate float64
	miners          map[string][]HashrateSample
	pool            []HashrateSample
	blocks          map[uint64]struct{}
}

// NewStaticRepository creates an empty static repository
func NewStaticRepository(defaultHashrate float64) *StaticRepository {
	return &StaticRepository{
		defaultHashrate: defaultHashrate,
		miners:          make(map[string][]HashrateSample),
	}
}

// AddMinerSample records a miner hashrate observation
func (s *StaticRepository) AddMinerSample(address string, hashrate float64, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.miners[address] = insertSorted(s.miners[address], HashrateSample{Hashrate: hashrate, At: at})
}

// AddPoolSample records a pool hashrate observation
func (s *StaticRepository) AddPoolSample(hashrate float64, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pool = insertSorted(s.pool, HashrateSample{Hashrate: hashrate, At: at})
}

// AddPoolBlock marks height as found by the pool. Once any block is added only
// added blocks count as pool blocks.
func (s *StaticRepository) AddPoolBlock(height uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.blocks == nil {
		s.blocks = make(map[uint64]struct{})
	}
	s.blocks[height] = struct{}{}
}

func insertSorted(samples []HashrateSample, v HashrateSample) []HashrateSample {
	samples = append(samples, v)
	sort.SliceStable(samples, func(i, j int) bool { return samples[i].At.Before(samples[j].At) })
	return samples
}

func since(samples []HashrateSample, t time.Time) []HashrateSample {
	var out []HashrateSample
	for _, s := range samples {
		if !s.At.Before(t) {
			out = append(out, s)
		}
	}
	return out
}

// MinerHashrate returns the latest sample for address
func (s *StaticRepository) MinerHashrate(ctx context.Context, address string) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	samples := s.miners[address]
	if len(samples) == 0 {
		return 0, fmt.Errorf("%w: %s", ErrMinerNotFound, address)
	}
	return samples[len(samples)-1].Hashrate, nil
}

// MinerHistory returns samples for address since t
func (s *StaticRepository) MinerHistory(ctx context.Context, address string, t time.Time) ([]HashrateSample, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return since(s.miners[address], t), nil
}

// PoolHashrate returns the latest pool sample or the default
func (s *StaticRepository) PoolHashrate(ctx context.Context) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.pool) == 0 || s.pool[len(s.pool)-1].Hashrate <= 0 {
		return s.defaultHashrate, nil
	}
	return s.pool[len(s.pool)-1].Hashrate, nil
}

// PoolHistory returns pool samples since t
func (s *StaticRepository) PoolHistory(ctx context.Context, t time.Time) ([]HashrateSample, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return since(s.pool, t), nil
}

// IsPoolBlock reports true for every height until blocks are added explicitly
func (s *StaticRepository) IsPoolBlock(ctx context.Context, height uint64) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.blocks == nil {
		return true, nil
	}
	_, ok := s.blocks[height]
	return ok, nil
}

// Close is a no-op
func (s *StaticRepository) Close() error {
	return nil
}
