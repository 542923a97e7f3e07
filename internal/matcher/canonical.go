package matcher

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/ethhook/ethhook/internal/model"
)

// canonicalEvent mirrors spec.md §4.3 step 4's canonical form: a JSON object
// with lexicographically ordered keys. encoding/json preserves Go struct
// field declaration order, so the fields below are declared in lexical
// order of their tags rather than grouped by meaning.
type canonicalEvent struct {
	BlockHash       string   `json:"block_hash"`
	BlockNumber     uint64   `json:"block_number"`
	ChainID         int64    `json:"chain_id"`
	ChainName       string   `json:"chain_name"`
	Contract        string   `json:"contract"`
	Data            string   `json:"data"`
	ID              string   `json:"id"`
	IngestedAt      string   `json:"ingested_at"`
	LogIndex        uint32   `json:"log_index"`
	Topics          []string `json:"topics"`
	TransactionHash string   `json:"transaction_hash"`
}

// canonicalize encodes an event into its canonical, byte-stable JSON form,
// generating a fresh event id. The same bytes are reused across every
// endpoint's DeliveryJob for this event and across every retry of each job.
func canonicalize(e model.RawEvent) ([]byte, error) {
	topics := e.Topics
	if topics == nil {
		topics = []string{}
	}
	ce := canonicalEvent{
		BlockHash:       e.BlockHash,
		BlockNumber:     e.BlockNumber,
		ChainID:         e.ChainID,
		ChainName:       e.ChainName,
		Contract:        e.Contract,
		Data:            e.Data,
		ID:              uuid.NewString(),
		IngestedAt:      e.IngestedAt.UTC().Format(time.RFC3339),
		LogIndex:        e.LogIndex,
		Topics:          topics,
		TransactionHash: e.TransactionHash,
	}
	return json.Marshal(ce)
}
