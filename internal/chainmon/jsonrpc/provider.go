// Package jsonrpc implements chainmon.Provider over a plain JSON-RPC
// endpoint using net/http, matching spec §3.D's choice not to add a
// websocket dependency: eth_blockNumber for HeadHeight and a polled
// eth_getLogs against the configured Signal contract address for
// Subscribe, decoded into chainmon.Log by topic.
package jsonrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/bridgevalidator/node/internal/chainmon"
	"github.com/bridgevalidator/node/internal/log"
)

// Topic0 values for the Signal contract's two events (spec §6's ABI).
const (
	TopicSignalSent     = "0xab374421610adba5db1616dab5e934025b27139fd1f357a2896fe80bc70c4305"
	TopicSignalReceived = "0xc0dd4e271591d0ac200567f7d6a2f79dc022623a4a6fe52b663f76e2ce907711"
)

const pollInterval = 4 * time.Second

// Provider polls a single JSON-RPC endpoint for the configured Signal
// contract's logs. It implements chainmon.Provider.
type Provider struct {
	endpoint   string
	contract   string
	srcChainID uint32
	httpClient *http.Client
	log        log.Logger
	closeCh    chan struct{}
}

// New returns a Provider polling endpoint for logs emitted by contract on
// the chain identified by srcChainID (spec §6's chainId convention).
func New(l log.Logger, endpoint, contract string, srcChainID uint32) *Provider {
	return &Provider{
		endpoint:   endpoint,
		contract:   contract,
		srcChainID: srcChainID,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		log:        l,
		closeCh:    make(chan struct{}),
	}
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int           `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string { return fmt.Sprintf("jsonrpc: %d %s", e.Code, e.Message) }

func (p *Provider) call(ctx context.Context, method string, params []interface{}, out interface{}) error {
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("jsonrpc: %s: %w", method, err)
	}
	defer resp.Body.Close()

	var rr rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
		return fmt.Errorf("jsonrpc: %s: decoding response: %w", method, err)
	}
	if rr.Error != nil {
		return rr.Error
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(rr.Result, out)
}

// HeadHeight issues eth_blockNumber.
func (p *Provider) HeadHeight(ctx context.Context) (uint64, error) {
	var hex string
	if err := p.call(ctx, "eth_blockNumber", nil, &hex); err != nil {
		return 0, err
	}
	return parseHexUint(hex)
}

type rpcLogEntry struct {
	Address         string   `json:"address"`
	Topics          []string `json:"topics"`
	Data            string   `json:"data"`
	BlockNumber     string   `json:"blockNumber"`
	TransactionHash string   `json:"transactionHash"`
}

// Subscribe starts a background polling loop issuing eth_getLogs against
// the configured contract every pollInterval, decoding results into
// chainmon.Log and delivering them on the returned channel until ctx is
// cancelled or Close is called.
func (p *Provider) Subscribe(ctx context.Context) (<-chan chainmon.Log, error) {
	out := make(chan chainmon.Log, 64)
	go p.poll(ctx, out)
	return out, nil
}

func (p *Provider) poll(ctx context.Context, out chan<- chainmon.Log) {
	defer close(out)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	fromBlock := "latest"
	fromBlock = p.pollOnce(ctx, out, fromBlock)
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.closeCh:
			return
		case <-ticker.C:
			fromBlock = p.pollOnce(ctx, out, fromBlock)
		}
	}
}

// pollOnce issues one eth_getLogs call and forwards every decoded entry,
// returning the fromBlock cursor to use on the next call.
func (p *Provider) pollOnce(ctx context.Context, out chan<- chainmon.Log, fromBlock string) string {
	entries, err := p.getLogs(ctx, fromBlock)
	if err != nil {
		p.log.Warnw("eth_getLogs failed", "chain", p.srcChainID, "err", err)
		return fromBlock
	}
	for _, e := range entries {
		l, ok := decodeLog(e, p.srcChainID)
		if !ok {
			continue
		}
		select {
		case out <- l:
		case <-ctx.Done():
			return fromBlock
		}
		if bn, err := parseHexUint(e.BlockNumber); err == nil {
			fromBlock = "0x" + strconv.FormatUint(bn+1, 16)
		}
	}
	return fromBlock
}

func (p *Provider) getLogs(ctx context.Context, fromBlock string) ([]rpcLogEntry, error) {
	filter := map[string]interface{}{
		"address":   p.contract,
		"fromBlock": fromBlock,
		"toBlock":   "latest",
		"topics":    [][]string{{TopicSignalSent, TopicSignalReceived}},
	}
	var entries []rpcLogEntry
	err := p.call(ctx, "eth_getLogs", []interface{}{filter}, &entries)
	return entries, err
}

func decodeLog(e rpcLogEntry, srcChainID uint32) (chainmon.Log, bool) {
	if len(e.Topics) < 2 {
		return chainmon.Log{}, false
	}
	blockNum, err := parseHexUint(e.BlockNumber)
	if err != nil {
		return chainmon.Log{}, false
	}
	return chainmon.Log{
		SignalID:   e.Topics[1],
		SrcChainID: srcChainID,
		Payload:    []byte(e.Data),
		TxHash:     e.TransactionHash,
		BlockNum:   blockNum,
		IsSent:     e.Topics[0] == TopicSignalSent,
	}, true
}

func parseHexUint(hex string) (uint64, error) {
	if len(hex) > 2 && hex[:2] == "0x" {
		hex = hex[2:]
	}
	if hex == "" {
		return 0, fmt.Errorf("jsonrpc: empty hex quantity")
	}
	return strconv.ParseUint(hex, 16, 64)
}

// Close stops the polling loop.
func (p *Provider) Close() error {
	select {
	case <-p.closeCh:
	default:
		close(p.closeCh)
	}
	return nil
}

var _ chainmon.Provider = (*Provider)(nil)
