package source

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const (
	aggregatorABIJSON = `[{"inputs":[],"name":"latestRoundData","outputs":[{"internalType":"uint80","name":"roundId","type":"uint80"},{"internalType":"int256","name":"answer","type":"int256"},{"internalType":"uint256","name":"startedAt","type":"uint256"},{"internalType":"uint256","name":"updatedAt","type":"uint256"},{"internalType":"uint80","name":"answeredInRound","type":"uint80"}],"stateMutability":"view","type":"function"}]`
)

var (
	aggregatorABI abi.ABI
)

func init() {
	parsed, err := abi.JSON(strings.NewReader(aggregatorABIJSON))
	if err != nil {
		panic("failed to parse aggregator ABI: " + err.Error())
	}
	aggregatorABI = parsed
}

// ChainlinkOptions parameterise the on-chain fetcher.
type ChainlinkOptions struct {
	RPCURL     string
	Aggregator string
	Decimals   int32
	Timeout    time.Duration
}

// ChainlinkFeed reads XAU/USD from a Chainlink price aggregator via Ethereum RPC.
type ChainlinkFeed struct {
	opts      ChainlinkOptions
	logger    zerolog.Logger
	client    *ethclient.Client
	clientMux sync.Mutex
	now       func() time.Time
}

// NewChainlink builds a new on-chain fetcher.
func NewChainlink(opts ChainlinkOptions, logger zerolog.Logger) *ChainlinkFeed {
	if opts.Decimals <= 0 {
		opts.Decimals = 8
	}
	return &ChainlinkFeed{
		opts:   opts,
		logger: logger.With().Str("component", "source_chainlink").Logger(),
		now:    time.Now,
	}
}

// Fetch calls latestRoundData and scales the answer by the feed decimals.
func (f *ChainlinkFeed) Fetch(ctx context.Context) (Quote, error) {
	if f.opts.RPCURL == "" {
		return Quote{}, errors.New("ethereum rpc url not configured")
	}
	if f.opts.Aggregator == "" {
		return Quote{}, errors.New("aggregator contract address not configured")
	}

	timeout := f.opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	var cancel context.CancelFunc
	ctx, cancel = context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := f.getClient(ctx)
	if err != nil {
		return Quote{}, err
	}

	addr := common.HexToAddress(f.opts.Aggregator)
	payload, err := aggregatorABI.Pack("latestRoundData")
	if err != nil {
		return Quote{}, err
	}

	res, err := client.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: payload}, nil)
	if err != nil {
		return Quote{}, err
	}

	price, updatedAt, err := decodeRoundData(res, f.opts.Decimals)
	if err != nil {
		return Quote{}, err
	}

	return Quote{
		Source:     Chainlink,
		Price:      price,
		RawTime:    updatedAt.Format("15:04:05"),
		ReceivedAt: f.now(),
	}, nil
}

func decodeRoundData(res []byte, decimals int32) (decimal.Decimal, time.Time, error) {
	outputs, err := aggregatorABI.Unpack("latestRoundData", res)
	if err != nil {
		return decimal.Decimal{}, time.Time{}, err
	}
	if len(outputs) != 5 {
		return decimal.Decimal{}, time.Time{}, errors.New("unexpected latestRoundData response")
	}

	answer, ok := outputs[1].(*big.Int)
	if !ok {
		return decimal.Decimal{}, time.Time{}, errors.New("failed to decode latestRoundData answer")
	}
	if answer.Sign() <= 0 {
		return decimal.Decimal{}, time.Time{}, fmt.Errorf("non-positive answer %s: %w", answer.String(), ErrNoQuote)
	}
	updated, ok := outputs[3].(*big.Int)
	if !ok {
		return decimal.Decimal{}, time.Time{}, errors.New("failed to decode latestRoundData updatedAt")
	}

	return decimal.NewFromBigInt(answer, -decimals), time.Unix(updated.Int64(), 0), nil
}

func (f *ChainlinkFeed) getClient(ctx context.Context) (*ethclient.Client, error) {
	f.clientMux.Lock()
	defer f.clientMux.Unlock()

	if f.client != nil {
		return f.client, nil
	}

	client, err := ethclient.DialContext(ctx, f.opts.RPCURL)
	if err != nil {
		return nil, err
	}
	f.client = client
	return client, nil
}

var _ Fetcher = (*ChainlinkFeed)(nil)
