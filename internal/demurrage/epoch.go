package demurrage

import "github.com/marctheshark3/mining-wave/internal/config"

// Epochs maps heights onto fixed-size epochs anchored at a reference epoch
type Epochs struct {
	BlocksPerEpoch uint64
	ReferenceEpoch int64
	ReferenceBlock uint64
}

// NewEpochs builds the epoch schedule from config
func NewEpochs(cfg config.DemurrageConfig) Epochs {
	e := Epochs{
		BlocksPerEpoch: cfg.BlocksPerEpoch,
		ReferenceEpoch: cfg.ReferenceEpoch,
		ReferenceBlock: cfg.ReferenceBlock,
	}
	if e.BlocksPerEpoch == 0 {
		e.BlocksPerEpoch = 1024
	}
	return e
}

// Number returns the epoch containing height
func (e Epochs) Number(height uint64) int64 {
	delta := int64(height) - int64(e.ReferenceBlock)
	size := int64(e.BlocksPerEpoch)
	q := delta / size
	if delta%size != 0 && delta < 0 {
		q--
	}
	return e.ReferenceEpoch + q
}

func (e Epochs) rawStart(n int64) int64 {
	return int64(e.ReferenceBlock) + (n-e.ReferenceEpoch)*int64(e.BlocksPerEpoch)
}

// StartBlock returns the first height of epoch n, clamped at zero
func (e Epochs) StartBlock(n int64) uint64 {
	if start := e.rawStart(n); start > 0 {
		return uint64(start)
	}
	return 0
}

// EndBlock returns the last height of epoch n
func (e Epochs) EndBlock(n int64) uint64 {
	if next := e.rawStart(n + 1); next > 0 {
		return uint64(next - 1)
	}
	return 0
}

// Recent returns up to count epoch numbers ending at the one containing height, newest first
func (e Epochs) Recent(height uint64, count int) []int64 {
	current := e.Number(height)
	out := make([]int64, 0, count)
	for i := 0; i < count; i++ {
		n := current - int64(i)
		if e.rawStart(n+1) <= 0 {
			break
		}
		out = append(out, n)
	}
	return out
}
