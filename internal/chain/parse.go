package chain

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ethhook/ethhook/internal/model"
)

// rpcEnvelope is the outer shape of every JSON-RPC 2.0 message exchanged
// over the chain WebSocket, whether a request/response or a subscription
// notification.
type rpcEnvelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int            `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// subscriptionParams is the params object of an eth_subscription
// notification: {"subscription":"0x...","result":{...}}.
type subscriptionParams struct {
	Subscription string          `json:"subscription"`
	Result       json.RawMessage `json:"result"`
}

// rawLog mirrors the wire shape of an eth_getLogs / eth_subscription log
// entry. Every numeric field arrives hex-encoded.
type rawLog struct {
	Address          string   `json:"address"`
	Topics           []string `json:"topics"`
	Data             string   `json:"data"`
	BlockNumber      string   `json:"blockNumber"`
	BlockHash        string   `json:"blockHash"`
	TransactionHash  string   `json:"transactionHash"`
	LogIndex         string   `json:"logIndex"`
	Removed          bool     `json:"removed"`
}

// rawBlockHead mirrors the subset of an eth_subscription("newHeads")
// notification this ingestor needs.
type rawBlockHead struct {
	Number string `json:"number"`
	Hash   string `json:"hash"`
}

// buildSubscribeLogsRequest builds the eth_subscribe("logs", {}) request with
// JSON-RPC id 1, per spec.md §6.
func buildSubscribeLogsRequest() []byte {
	req := map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "eth_subscribe",
		"params":  []any{"logs", map[string]any{}},
	}
	b, _ := json.Marshal(req)
	return b
}

// buildSubscribeNewHeadsRequest builds the eth_subscribe("newHeads")
// fallback request used when a provider's logs subscription is rejected.
func buildSubscribeNewHeadsRequest() []byte {
	req := map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "eth_subscribe",
		"params":  []any{"newHeads"},
	}
	b, _ := json.Marshal(req)
	return b
}

// buildGetLogsRequest builds an eth_getLogs HTTP-fallback request scoped to
// a single block.
func buildGetLogsRequest(blockNumberHex string) []byte {
	req := map[string]any{
		"jsonrpc": "2.0",
		"id":      2,
		"method":  "eth_getLogs",
		"params": []any{map[string]any{
			"fromBlock": blockNumberHex,
			"toBlock":   blockNumberHex,
		}},
	}
	b, _ := json.Marshal(req)
	return b
}

func parseHexU64(s string) (uint64, error) {
	s = strings.TrimPrefix(s, "0x")
	if s == "" {
		return 0, fmt.Errorf("empty hex value")
	}
	return strconv.ParseUint(s, 16, 64)
}

func parseHexU32(s string) (uint32, error) {
	v, err := parseHexU64(s)
	if err != nil {
		return 0, err
	}
	return uint32(v), nil
}

func normalizeHex(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if !strings.HasPrefix(s, "0x") {
		s = "0x" + s
	}
	return s
}

// toRawEvent converts a wire-format log plus static chain identity into a
// model.RawEvent. The chain id and name always come from the ChainConfig,
// never from the wire, per spec.md §4.1 "Parsing".
func toRawEvent(cfg chainIdentity, l rawLog) (model.RawEvent, error) {
	if l.TransactionHash == "" {
		return model.RawEvent{}, fmt.Errorf("log missing transactionHash")
	}
	if l.BlockNumber == "" {
		return model.RawEvent{}, fmt.Errorf("log missing blockNumber")
	}

	blockNum, err := parseHexU64(l.BlockNumber)
	if err != nil {
		return model.RawEvent{}, fmt.Errorf("bad blockNumber: %w", err)
	}
	logIdx, err := parseHexU32(l.LogIndex)
	if err != nil {
		return model.RawEvent{}, fmt.Errorf("bad logIndex: %w", err)
	}

	topics := make([]string, 0, len(l.Topics))
	for i, t := range l.Topics {
		if i >= 4 {
			break
		}
		topics = append(topics, normalizeHex(t))
	}

	return model.RawEvent{
		ChainID:         cfg.ID,
		ChainName:       cfg.Name,
		BlockNumber:     blockNum,
		BlockHash:       normalizeHex(l.BlockHash),
		TransactionHash: normalizeHex(l.TransactionHash),
		LogIndex:        logIdx,
		Contract:        normalizeHex(l.Address),
		Topics:          topics,
		Data:            normalizeHex(l.Data),
		IngestedAt:      time.Now().UTC(),
	}, nil
}

type chainIdentity struct {
	ID   int64
	Name string
}
