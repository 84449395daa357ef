package rpc

import (
	"context"
	"fmt"
	"math/big"
	"math/rand"
	"strings"
	"sync/atomic"
	"time"

	config "github.com/chainsink/indexer/configs"
	"github.com/chainsink/indexer/internal/common"
	"github.com/chainsink/indexer/internal/manifest"
	"github.com/chainsink/indexer/internal/metrics"
	gethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	gethRpc "github.com/ethereum/go-ethereum/rpc"
	"github.com/rs/zerolog/log"
)

// IProviderPool is the single call point for RPC with uniform retry and
// rate-limit semantics. One client per network.
type IProviderPool interface {
	GetLogs(ctx context.Context, network string, fromBlock, toBlock uint64, addresses []string, topics [][]string) (common.LogBatch, error)
	GetLatestBlockNumber(ctx context.Context, network string) (uint64, error)
	GetBlockByNumber(ctx context.Context, network string, number uint64, includeTxs bool) (common.Block, error)
	Call(ctx context.Context, network string, to string, data []byte, blockTag string) ([]byte, error)
	// MaxBlockRange returns the effective get_logs range for a network: the
	// user ceiling, possibly reduced by provider hints. Never exceeds the
	// user-configured maximum.
	MaxBlockRange(network string) uint64
	Close()
}

type Pool struct {
	clients map[string]*networkClient
}

type networkClient struct {
	network        string
	rpcClient      *gethRpc.Client
	ethClient      *ethclient.Client
	userMaxRange   uint64
	currentRange   atomic.Uint64
	semaphore      chan struct{}
	maxRetries     int
	requestTimeout time.Duration
}

// NewPool dials every manifest network. The per-network semaphore bounds
// simultaneous in-flight requests.
func NewPool(networks []manifest.Network) (*Pool, error) {
	clients := make(map[string]*networkClient, len(networks))
	for i := range networks {
		n := &networks[i]
		rpcClient, err := gethRpc.Dial(n.RPC)
		if err != nil {
			return nil, fmt.Errorf("failed to dial %s: %v", n.Name, err)
		}
		client := &networkClient{
			network:        n.Name,
			rpcClient:      rpcClient,
			ethClient:      ethclient.NewClient(rpcClient),
			userMaxRange:   n.MaxBlockRange,
			semaphore:      make(chan struct{}, config.Cfg.RPC.MaxConcurrentRequests),
			maxRetries:     config.Cfg.RPC.MaxRetries,
			requestTimeout: time.Duration(config.Cfg.RPC.RequestTimeout) * time.Second,
		}
		client.currentRange.Store(n.MaxBlockRange)
		clients[n.Name] = client
	}
	return &Pool{clients: clients}, nil
}

func (p *Pool) client(network string) (*networkClient, error) {
	c, ok := p.clients[network]
	if !ok {
		return nil, &PermanentError{cause: fmt.Errorf("unknown network %q", network)}
	}
	return c, nil
}

func (p *Pool) MaxBlockRange(network string) uint64 {
	c, ok := p.clients[network]
	if !ok {
		return 0
	}
	return c.effectiveRange()
}

func (p *Pool) Close() {
	for _, c := range p.clients {
		c.rpcClient.Close()
	}
}

func (c *networkClient) effectiveRange() uint64 {
	return c.currentRange.Load()
}

// adaptRange records a provider-suggested range. The user ceiling is a hard
// cap the suggestion may only reduce, never increase.
func (c *networkClient) adaptRange(suggested uint64) uint64 {
	adapted := suggested
	if c.userMaxRange > 0 && adapted > c.userMaxRange {
		adapted = c.userMaxRange
	}
	if adapted == 0 {
		adapted = 1
	}
	c.currentRange.Store(adapted)
	metrics.RPCRangeAdaptions.Inc()
	return adapted
}

func (c *networkClient) acquire(ctx context.Context) error {
	select {
	case c.semaphore <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *networkClient) release() {
	<-c.semaphore
}

// withRetry runs fn with exponential backoff and jitter on transient errors.
// Permanent errors surface immediately.
func (c *networkClient) withRetry(ctx context.Context, method string, fn func(context.Context) error) error {
	backoff := 250 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			jitter := time.Duration(rand.Int63n(int64(backoff) / 2))
			select {
			case <-time.After(backoff + jitter):
			case <-ctx.Done():
				return ctx.Err()
			}
			backoff *= 2
			metrics.RPCRetries.Inc()
		}

		metrics.RPCRequests.WithLabelValues(c.network, method).Inc()
		callCtx, cancel := context.WithTimeout(ctx, c.requestTimeout)
		err := fn(callCtx)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err

		if !isTransient(err) {
			return &PermanentError{cause: err}
		}
		log.Warn().Err(err).Str("network", c.network).Str("method", method).Int("attempt", attempt+1).Msg("Transient RPC error, retrying")
	}
	if isRateLimited(lastErr) {
		return &RateLimitedError{RetryAfter: backoff, cause: lastErr}
	}
	return fmt.Errorf("rpc %s failed after %d retries: %w", method, c.maxRetries, lastErr)
}

type rawLogResult struct {
	BlockNumber      string   `json:"blockNumber"`
	BlockHash        string   `json:"blockHash"`
	TransactionHash  string   `json:"transactionHash"`
	TransactionIndex string   `json:"transactionIndex"`
	LogIndex         string   `json:"logIndex"`
	Address          string   `json:"address"`
	Topics           []string `json:"topics"`
	Data             string   `json:"data"`
	Removed          bool     `json:"removed"`
}

func (p *Pool) GetLogs(ctx context.Context, network string, fromBlock, toBlock uint64, addresses []string, topics [][]string) (common.LogBatch, error) {
	c, err := p.client(network)
	if err != nil {
		return common.LogBatch{}, err
	}
	if toBlock < fromBlock {
		return common.LogBatch{}, &PermanentError{cause: fmt.Errorf("invalid range %d-%d", fromBlock, toBlock)}
	}
	if max := c.effectiveRange(); max > 0 && toBlock-fromBlock+1 > max {
		return common.LogBatch{}, &BlockRangeTooLargeError{Suggested: max}
	}

	if err := c.acquire(ctx); err != nil {
		return common.LogBatch{}, err
	}
	defer c.release()

	params := map[string]interface{}{
		"fromBlock": common.Uint64ToHex(fromBlock),
		"toBlock":   common.Uint64ToHex(toBlock),
	}
	if len(addresses) == 1 {
		params["address"] = addresses[0]
	} else if len(addresses) > 1 {
		params["address"] = addresses
	}
	if len(topics) > 0 {
		params["topics"] = topics
	}

	var raw []rawLogResult
	callErr := c.withRetry(ctx, "eth_getLogs", func(callCtx context.Context) error {
		return c.rpcClient.CallContext(callCtx, &raw, "eth_getLogs", params)
	})
	if callErr != nil {
		// A range hint takes priority over the transient/permanent split:
		// the caller can make progress immediately with a smaller range.
		if suggested, ok := suggestedRangeFromError(callErr); ok {
			adapted := c.adaptRange(suggested)
			log.Debug().Str("network", network).Uint64("suggested", suggested).Uint64("adapted", adapted).Msg("Provider suggested a smaller block range")
			return common.LogBatch{}, &BlockRangeTooLargeError{Suggested: adapted, cause: callErr}
		}
		if shouldHalveRange(callErr) {
			return common.LogBatch{}, &BlockRangeTooLargeError{Suggested: halvedRange(fromBlock, toBlock), cause: callErr}
		}
		return common.LogBatch{}, callErr
	}

	batch := common.LogBatch{Network: network, FromBlock: fromBlock, ToBlock: toBlock, Logs: make([]common.RawLog, 0, len(raw))}
	for _, r := range raw {
		if r.Removed {
			continue
		}
		rl, convErr := convertRawLog(r)
		if convErr != nil {
			log.Warn().Err(convErr).Str("network", network).Msg("Skipping malformed log record")
			continue
		}
		batch.Logs = append(batch.Logs, rl)
	}
	sortBatch(&batch)
	return batch, nil
}

func convertRawLog(r rawLogResult) (common.RawLog, error) {
	blockNumber, err := common.HexToUint64(r.BlockNumber)
	if err != nil {
		return common.RawLog{}, fmt.Errorf("bad blockNumber: %v", err)
	}
	txIndex, err := common.HexToUint64(r.TransactionIndex)
	if err != nil {
		return common.RawLog{}, fmt.Errorf("bad transactionIndex: %v", err)
	}
	logIndex, err := common.HexToUint64(r.LogIndex)
	if err != nil {
		return common.RawLog{}, fmt.Errorf("bad logIndex: %v", err)
	}
	return common.RawLog{
		BlockNumber: blockNumber,
		BlockHash:   r.BlockHash,
		TxHash:      r.TransactionHash,
		TxIndex:     txIndex,
		LogIndex:    logIndex,
		Address:     strings.ToLower(r.Address),
		Topics:      r.Topics,
		Data:        r.Data,
	}, nil
}

// sortBatch restores ascending (block_number, log_index) order. Providers
// almost always return logs sorted, so insertion sort is the right tool.
func sortBatch(b *common.LogBatch) {
	logs := b.Logs
	for i := 1; i < len(logs); i++ {
		for j := i; j > 0 && less(logs[j], logs[j-1]); j-- {
			logs[j], logs[j-1] = logs[j-1], logs[j]
		}
	}
}

func less(a, b common.RawLog) bool {
	if a.BlockNumber != b.BlockNumber {
		return a.BlockNumber < b.BlockNumber
	}
	return a.LogIndex < b.LogIndex
}

func (p *Pool) GetLatestBlockNumber(ctx context.Context, network string) (uint64, error) {
	c, err := p.client(network)
	if err != nil {
		return 0, err
	}
	if err := c.acquire(ctx); err != nil {
		return 0, err
	}
	defer c.release()

	var latest uint64
	callErr := c.withRetry(ctx, "eth_blockNumber", func(callCtx context.Context) error {
		n, err := c.ethClient.BlockNumber(callCtx)
		if err != nil {
			return err
		}
		latest = n
		return nil
	})
	return latest, callErr
}

type rawBlockResult struct {
	Number       string        `json:"number"`
	Hash         string        `json:"hash"`
	ParentHash   string        `json:"parentHash"`
	Timestamp    string        `json:"timestamp"`
	LogsBloom    string        `json:"logsBloom"`
	Transactions []rawTxResult `json:"transactions"`
}

type rawTxResult struct {
	Hash             string `json:"hash"`
	From             string `json:"from"`
	To               string `json:"to"`
	Value            string `json:"value"`
	TransactionIndex string `json:"transactionIndex"`
}

func (p *Pool) GetBlockByNumber(ctx context.Context, network string, number uint64, includeTxs bool) (common.Block, error) {
	c, err := p.client(network)
	if err != nil {
		return common.Block{}, err
	}
	if err := c.acquire(ctx); err != nil {
		return common.Block{}, err
	}
	defer c.release()

	var raw *rawBlockResult
	callErr := c.withRetry(ctx, "eth_getBlockByNumber", func(callCtx context.Context) error {
		return c.rpcClient.CallContext(callCtx, &raw, "eth_getBlockByNumber", common.Uint64ToHex(number), includeTxs)
	})
	if callErr != nil {
		return common.Block{}, callErr
	}
	if raw == nil {
		return common.Block{}, &PermanentError{cause: fmt.Errorf("block %d not found on %s", number, network)}
	}
	return convertRawBlock(raw)
}

func convertRawBlock(raw *rawBlockResult) (common.Block, error) {
	number, err := common.HexToUint64(raw.Number)
	if err != nil {
		return common.Block{}, fmt.Errorf("bad block number: %v", err)
	}
	timestamp, err := common.HexToUint64(raw.Timestamp)
	if err != nil {
		return common.Block{}, fmt.Errorf("bad block timestamp: %v", err)
	}
	block := common.Block{
		Number:     number,
		Hash:       raw.Hash,
		ParentHash: raw.ParentHash,
		Timestamp:  timestamp,
		LogsBloom:  raw.LogsBloom,
	}
	for _, tx := range raw.Transactions {
		value := new(big.Int)
		if tx.Value != "" {
			value.SetString(strings.TrimPrefix(tx.Value, "0x"), 16)
		}
		index, err := common.HexToUint64(tx.TransactionIndex)
		if err != nil {
			continue
		}
		block.Transactions = append(block.Transactions, common.Transaction{
			Hash:        tx.Hash,
			FromAddress: strings.ToLower(tx.From),
			ToAddress:   strings.ToLower(tx.To),
			Value:       value,
			Index:       index,
		})
	}
	return block, nil
}

// Call performs a read-only contract call, used for enrichment reads against
// global view contracts during factory discovery.
func (p *Pool) Call(ctx context.Context, network string, to string, data []byte, blockTag string) ([]byte, error) {
	c, err := p.client(network)
	if err != nil {
		return nil, err
	}
	if err := c.acquire(ctx); err != nil {
		return nil, err
	}
	defer c.release()

	callArgs := map[string]interface{}{
		"to":   gethCommon.HexToAddress(to),
		"data": fmt.Sprintf("0x%x", data),
	}
	if blockTag == "" {
		blockTag = "latest"
	}

	var result string
	callErr := c.withRetry(ctx, "eth_call", func(callCtx context.Context) error {
		return c.rpcClient.CallContext(callCtx, &result, "eth_call", callArgs, blockTag)
	})
	if callErr != nil {
		return nil, callErr
	}
	return gethCommon.FromHex(result), nil
}
