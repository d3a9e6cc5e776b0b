// Package pool reads miner and pool hashrate history from the pool database.
package pool

import "time"

// MinerStat is a row of the pool's miners table
type MinerStat struct {
	ID       int64     `gorm:"column:id;primaryKey"`
	PoolID   string    `gorm:"column:poolid"`
	Address  string    `gorm:"column:address"`
	Hashrate float64   `gorm:"column:hashrate"`
	Updated  time.Time `gorm:"column:updated"`
}

// TableName overrides the gorm default
func (MinerStat) TableName() string { return "miners" }

// PoolStat is a row of the pool's poolstats table
type PoolStat struct {
	ID           int64     `gorm:"column:id;primaryKey"`
	PoolID       string    `gorm:"column:poolid"`
	PoolHashrate float64   `gorm:"column:poolhashrate"`
	Created      time.Time `gorm:"column:created"`
}

// TableName overrides the gorm default
func (PoolStat) TableName() string { return "poolstats" }

// FoundBlock is a row of the pool's blocks table
type FoundBlock struct {
	ID          int64     `gorm:"column:id;primaryKey"`
	PoolID      string    `gorm:"column:poolid"`
	BlockHeight int64     `gorm:"column:blockheight"`
	Created     time.Time `gorm:"column:created"`
}

// TableName overrides the gorm default
func (FoundBlock) TableName() string { return "blocks" }

// HashrateSample is a hashrate observation in H/s
type HashrateSample struct {
	Hashrate float64
	At       time.Time
}
