package stats

import "github.com/marctheshark3/mining-wave/internal/cache"

// IncomingTx is a collection shown in the wallet summary
type IncomingTx struct {
	TxID                string  `json:"txId"`
	Timestamp           string  `json:"timestamp"`
	Amount              float64 `json:"amount"`
	BlockHeight         uint64  `json:"blockHeight"`
	IsVerifiedDemurrage bool    `json:"isVerifiedDemurrage"`
	Confidence          string  `json:"confidence"`
}

// OutgoingTx is a distribution shown in the wallet summary
type OutgoingTx struct {
	TxID           string  `json:"txId"`
	Timestamp      string  `json:"timestamp"`
	TotalAmount    float64 `json:"totalAmount"`
	RecipientCount int     `json:"recipientCount"`
	BlockHeight    uint64  `json:"blockHeight"`
	IsVerified     bool    `json:"isVerified"`
}

// LastDistribution describes the latest verified distribution
type LastDistribution struct {
	Timestamp      string  `json:"timestamp"`
	Amount         float64 `json:"amount"`
	RecipientCount int     `json:"recipientCount"`
}

// NextDistribution is an estimate of the next distribution
type NextDistribution struct {
	EstimatedTimestamp string  `json:"estimatedTimestamp"`
	EstimatedAmount    float64 `json:"estimatedAmount"`
}

// WalletSummary is the response of the wallet endpoint
type WalletSummary struct {
	Balance                   float64           `json:"balance"`
	RecentIncoming            []IncomingTx      `json:"recentIncoming"`
	RecentOutgoing            []OutgoingTx      `json:"recentOutgoing"`
	TotalCollected            float64           `json:"totalCollected"`
	TotalDistributed          float64           `json:"totalDistributed"`
	Distributed7d             float64           `json:"distributed7d"`
	Distributed30d            float64           `json:"distributed30d"`
	Collected24h              float64           `json:"collected24h"`
	Collected7d               float64           `json:"collected7d"`
	Collected30d              float64           `json:"collected30d"`
	PatternCollected          float64           `json:"patternCollected"`
	LastDistribution          *LastDistribution `json:"lastDistribution"`
	NextEstimatedDistribution *NextDistribution `json:"nextEstimatedDistribution"`
	Method                    string            `json:"method"`
	APIStatus                 cache.APIStatus   `json:"apiStatus"`
}

// StatsResponse is the response of the stats endpoint
type StatsResponse struct {
	Periods             map[string]PeriodStat   `json:"periods"`
	EstimatedEarnings   map[string]TierEarnings `json:"estimatedEarnings"`
	CurrentPoolHashrate float64                 `json:"currentPoolHashrate"`
	LastUpdated         string                  `json:"lastUpdated"`
	APIStatus           cache.APIStatus         `json:"apiStatus"`
}

// Payment is a verified distribution output paid to a miner
type Payment struct {
	Timestamp   string  `json:"timestamp"`
	Amount      float64 `json:"amount"`
	TxID        string  `json:"txId"`
	BlockHeight uint64  `json:"blockHeight"`
}

// ProjectedPayment is a miner's share of the next estimated distribution
type ProjectedPayment struct {
	EstimatedTimestamp string  `json:"estimatedTimestamp"`
	EstimatedAmount    float64 `json:"estimatedAmount"`
}

// MinerResponse is the response of the miner endpoint
type MinerResponse struct {
	MinerAddress         string             `json:"minerAddress"`
	CurrentHashrate      float64            `json:"currentHashrate"`
	CurrentPoolShare     float64            `json:"currentPoolShare"`
	Earnings             map[string]Earning `json:"earnings"`
	RecentPayments       []Payment          `json:"recentPayments"`
	ProjectedNextPayment *ProjectedPayment  `json:"projectedNextPayment"`
	APIStatus            cache.APIStatus    `json:"apiStatus"`
}

// BlockDemurrage is a block with verified collections
type BlockDemurrage struct {
	Height    uint64           `json:"height"`
	BlockID   string           `json:"blockId"`
	Timestamp string           `json:"timestamp"`
	Amount    float64          `json:"amount"`
	Tokens    map[string]int64 `json:"tokens,omitempty"`
	TxIDs     []string         `json:"txIds"`
	PoolBlock bool             `json:"poolBlock"`
}

// BlocksResponse is the response of the blocks endpoint
type BlocksResponse struct {
	Blocks    []BlockDemurrage `json:"blocks"`
	Total     int              `json:"total"`
	APIStatus cache.APIStatus  `json:"apiStatus"`
}

// DebugPeriod splits a period's pool blocks by demurrage presence
type DebugPeriod struct {
	TotalBlocks                  int      `json:"totalBlocks"`
	BlocksWithDemurrage          int      `json:"blocksWithDemurrage"`
	BlocksWithoutDemurrage       int      `json:"blocksWithoutDemurrage"`
	DemurragePercentage          float64  `json:"demurragePercentage"`
	VerifiedCollected            float64  `json:"verifiedCollected"`
	PatternCollected             float64  `json:"patternCollected"`
	UnknownEvents                int      `json:"unknownEvents"`
	SampleBlocksWithDemurrage    []uint64 `json:"sampleBlocksWithDemurrage"`
	SampleBlocksWithoutDemurrage []uint64 `json:"sampleBlocksWithoutDemurrage"`
}

// DebugResponse is the response of the debug endpoint
type DebugResponse struct {
	Periods          map[string]DebugPeriod `json:"periods"`
	TotalBlocksInAPI int                    `json:"totalBlocksInApi"`
	Checkpoint       uint64                 `json:"checkpoint"`
	Rules            []string               `json:"rules"`
	APIStatus        cache.APIStatus        `json:"apiStatus"`
}

// ComponentHealth is the health of one dependency
type ComponentHealth struct {
	Status        string `json:"status"`
	Height        uint64 `json:"height,omitempty"`
	HeadersHeight uint64 `json:"headersHeight,omitempty"`
	BlockID       string `json:"blockId,omitempty"`
	IsConnected   *bool  `json:"isConnected,omitempty"`
	Message       string `json:"message,omitempty"`
	Note          string `json:"note,omitempty"`
}

// HealthReport is the response of the health endpoint
type HealthReport struct {
	ExplorerAPI    *ComponentHealth `json:"explorerApi,omitempty"`
	NodeAPI        *ComponentHealth `json:"nodeApi,omitempty"`
	BlockRetrieval ComponentHealth  `json:"blockRetrieval"`
	Store          ComponentHealth  `json:"store"`
	Overall        string           `json:"overall"`
}
