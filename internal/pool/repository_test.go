package pool

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/marctheshark3/mining-wave/internal/config"
)

func dryRunDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(postgres.Open("host=localhost user=pool dbname=pool sslmode=disable"), &gorm.Config{
		DryRun:               true,
		DisableAutomaticPing: true,
		Logger:               logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("gorm.Open: %v", err)
	}
	return db
}

func TestGormQueries(t *testing.T) {
	db := dryRunDB(t)
	repo := NewGormRepository(db, "ErgoSigmanauts", 100e9)
	since := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name  string
		query func(tx *gorm.DB) *gorm.DB
		want  []string
	}{
		{
			name: "latest miner",
			query: func(tx *gorm.DB) *gorm.DB {
				var row MinerStat
				return repo.latestMinerQuery(tx, "9abc").Take(&row)
			},
			want: []string{`FROM "miners"`, "poolid = 'ErgoSigmanauts'", "address = '9abc'", "ORDER BY updated DESC", "LIMIT 1"},
		},
		{
			name: "miner history",
			query: func(tx *gorm.DB) *gorm.DB {
				var rows []MinerStat
				return repo.minerHistoryQuery(tx, "9abc", since).Find(&rows)
			},
			want: []string{`FROM "miners"`, "address = '9abc' AND updated >= '2024-01-01", "ORDER BY updated ASC"},
		},
		{
			name: "latest pool",
			query: func(tx *gorm.DB) *gorm.DB {
				var row PoolStat
				return repo.latestPoolQuery(tx).Take(&row)
			},
			want: []string{`FROM "poolstats"`, "ORDER BY created DESC", "LIMIT 1"},
		},
		{
			name: "pool history",
			query: func(tx *gorm.DB) *gorm.DB {
				var rows []PoolStat
				return repo.poolHistoryQuery(tx, since).Find(&rows)
			},
			want: []string{`FROM "poolstats"`, "created >= '2024-01-01", "ORDER BY created ASC"},
		},
		{
			name: "pool block",
			query: func(tx *gorm.DB) *gorm.DB {
				var count int64
				return repo.blockQuery(tx, 1496100).Count(&count)
			},
			want: []string{"count(*)", `FROM "blocks"`, "blockheight = 1496100"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sql := db.ToSQL(tt.query)
			for _, fragment := range tt.want {
				if !strings.Contains(sql, fragment) {
					t.Errorf("SQL %q missing %q", sql, fragment)
				}
			}
		})
	}
}

func TestGormQueriesWithoutPoolID(t *testing.T) {
	db := dryRunDB(t)
	repo := NewGormRepository(db, "", 100e9)

	sql := db.ToSQL(func(tx *gorm.DB) *gorm.DB {
		var row PoolStat
		return repo.latestPoolQuery(tx).Take(&row)
	})
	if strings.Contains(sql, "poolid") {
		t.Errorf("SQL %q should not filter by pool", sql)
	}
}

func TestNilGormDB(t *testing.T) {
	repo := NewGormRepository(nil, "", 100e9)
	ctx := context.Background()

	if _, err := repo.MinerHashrate(ctx, "9abc"); !errors.Is(err, ErrNilGormDB) {
		t.Errorf("MinerHashrate() error = %v, want ErrNilGormDB", err)
	}
	if _, err := repo.PoolHashrate(ctx); !errors.Is(err, ErrNilGormDB) {
		t.Errorf("PoolHashrate() error = %v, want ErrNilGormDB", err)
	}
	if _, err := repo.IsPoolBlock(ctx, 1); !errors.Is(err, ErrNilGormDB) {
		t.Errorf("IsPoolBlock() error = %v, want ErrNilGormDB", err)
	}
	if err := repo.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

func TestOpen(t *testing.T) {
	repo, err := Open(config.PoolDBConfig{Enabled: false}, 42)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if _, ok := repo.(*StaticRepository); !ok {
		t.Errorf("Open() = %T, want *StaticRepository", repo)
	}

	_, err = Open(config.PoolDBConfig{Enabled: true, Driver: "oracle", DSN: "x"}, 42)
	if err == nil {
		t.Error("Open() should reject an unknown driver")
	}
}

func TestStaticRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewStaticRepository(100e9)
	base := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	if _, err := repo.MinerHashrate(ctx, "9abc"); !errors.Is(err, ErrMinerNotFound) {
		t.Errorf("MinerHashrate() error = %v, want ErrMinerNotFound", err)
	}
	if hr, _ := repo.PoolHashrate(ctx); hr != 100e9 {
		t.Errorf("PoolHashrate() = %v, want default", hr)
	}
	if ok, _ := repo.IsPoolBlock(ctx, 7); !ok {
		t.Error("IsPoolBlock() = false, want true before any block is added")
	}

	// inserted out of order
	repo.AddMinerSample("9abc", 2e9, base.Add(2*time.Hour))
	repo.AddMinerSample("9abc", 1e9, base)
	repo.AddPoolSample(50e9, base)
	repo.AddPoolSample(60e9, base.Add(time.Hour))
	repo.AddPoolBlock(10)

	if hr, _ := repo.MinerHashrate(ctx, "9abc"); hr != 2e9 {
		t.Errorf("MinerHashrate() = %v, want 2e9", hr)
	}
	if hr, _ := repo.PoolHashrate(ctx); hr != 60e9 {
		t.Errorf("PoolHashrate() = %v, want 60e9", hr)
	}

	hist, _ := repo.MinerHistory(ctx, "9abc", base.Add(time.Hour))
	if len(hist) != 1 || hist[0].Hashrate != 2e9 {
		t.Errorf("MinerHistory() = %+v", hist)
	}
	pool, _ := repo.PoolHistory(ctx, base)
	if len(pool) != 2 || pool[0].Hashrate != 50e9 {
		t.Errorf("PoolHistory() = %+v", pool)
	}

	if ok, _ := repo.IsPoolBlock(ctx, 10); !ok {
		t.Error("IsPoolBlock(10) = false, want true")
	}
	if ok, _ := repo.IsPoolBlock(ctx, 11); ok {
		t.Error("IsPoolBlock(11) = true, want false")
	}
}
