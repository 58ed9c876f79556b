package chain

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
)

const oracleABIJSON = `[
{"type":"event","name":"AssertionCreated","inputs":[
  {"name":"assertionId","type":"bytes32","indexed":true},
  {"name":"asserter","type":"address","indexed":true},
  {"name":"protocol","type":"string","indexed":false},
  {"name":"market","type":"string","indexed":false},
  {"name":"claim","type":"string","indexed":false},
  {"name":"bond","type":"uint256","indexed":false},
  {"name":"assertedAt","type":"uint64","indexed":false},
  {"name":"livenessEndsAt","type":"uint64","indexed":false}]},
{"type":"event","name":"AssertionDisputed","inputs":[
  {"name":"assertionId","type":"bytes32","indexed":true},
  {"name":"disputer","type":"address","indexed":true},
  {"name":"reason","type":"string","indexed":false},
  {"name":"disputedAt","type":"uint64","indexed":false}]},
{"type":"event","name":"AssertionResolved","inputs":[
  {"name":"assertionId","type":"bytes32","indexed":true},
  {"name":"resolution","type":"bool","indexed":false},
  {"name":"resolvedAt","type":"uint64","indexed":false}]},
{"type":"event","name":"VoteCast","inputs":[
  {"name":"assertionId","type":"bytes32","indexed":true},
  {"name":"voter","type":"address","indexed":true},
  {"name":"support","type":"bool","indexed":false},
  {"name":"weight","type":"uint256","indexed":false}]}
]`

var (
	oracleABI abi.ABI

	topicAssertionCreated  common.Hash
	topicAssertionDisputed common.Hash
	topicAssertionResolved common.Hash
	topicVoteCast          common.Hash
)

var dec1e18 = decimal.NewFromInt(1_000_000_000_000_000_000)

func init() {
	parsed, err := abi.JSON(strings.NewReader(oracleABIJSON))
	if err != nil {
		panic("failed to parse oracle ABI: " + err.Error())
	}
	oracleABI = parsed

	topicAssertionCreated = oracleABI.Events["AssertionCreated"].ID
	topicAssertionDisputed = oracleABI.Events["AssertionDisputed"].ID
	topicAssertionResolved = oracleABI.Events["AssertionResolved"].ID
	topicVoteCast = oracleABI.Events["VoteCast"].ID
}

// EventType names one of the four oracle log signatures.
type EventType string

const (
	EventAssertionCreated  EventType = "AssertionCreated"
	EventAssertionDisputed EventType = "AssertionDisputed"
	EventAssertionResolved EventType = "AssertionResolved"
	EventVoteCast          EventType = "VoteCast"
)

// EventTopics returns the topic0 hashes the scanner filters for.
func EventTopics() []common.Hash {
	return []common.Hash{
		topicAssertionCreated,
		topicAssertionDisputed,
		topicAssertionResolved,
		topicVoteCast,
	}
}

// DecodedEvent is one oracle log flattened into domain fields. Only the
// fields relevant to the event type are populated. The struct round-trips
// through JSON so it can be stored as the oracle-event payload and replayed.
type DecodedEvent struct {
	Type        EventType `json:"type"`
	AssertionID string    `json:"assertionId"`
	BlockNumber uint64    `json:"blockNumber"`
	TxHash      string    `json:"txHash"`
	LogIndex    uint      `json:"logIndex"`

	Asserter       string          `json:"asserter,omitempty"`
	Protocol       string          `json:"protocol,omitempty"`
	Market         string          `json:"market,omitempty"`
	Claim          string          `json:"claim,omitempty"`
	Bond           decimal.Decimal `json:"bond,omitempty"`
	AssertedAt     time.Time       `json:"assertedAt,omitempty"`
	LivenessEndsAt time.Time       `json:"livenessEndsAt,omitempty"`

	Disputer      string    `json:"disputer,omitempty"`
	DisputeReason string    `json:"disputeReason,omitempty"`
	DisputedAt    time.Time `json:"disputedAt,omitempty"`

	Resolution *bool     `json:"resolution,omitempty"`
	ResolvedAt time.Time `json:"resolvedAt,omitempty"`

	Voter   string          `json:"voter,omitempty"`
	Support bool            `json:"support,omitempty"`
	Weight  decimal.Decimal `json:"weight,omitempty"`
}

// DecodeLog turns a raw filtered log into a DecodedEvent. Logs that do not
// match any oracle signature return (nil, nil) so callers can skip them.
func DecodeLog(log types.Log) (*DecodedEvent, error) {
	if len(log.Topics) == 0 {
		return nil, nil
	}

	evt := &DecodedEvent{
		BlockNumber: log.BlockNumber,
		TxHash:      log.TxHash.Hex(),
		LogIndex:    log.Index,
	}

	switch log.Topics[0] {
	case topicAssertionCreated:
		return decodeAssertionCreated(evt, log)
	case topicAssertionDisputed:
		return decodeAssertionDisputed(evt, log)
	case topicAssertionResolved:
		return decodeAssertionResolved(evt, log)
	case topicVoteCast:
		return decodeVoteCast(evt, log)
	default:
		return nil, nil
	}
}

func decodeAssertionCreated(evt *DecodedEvent, log types.Log) (*DecodedEvent, error) {
	if len(log.Topics) < 3 {
		return nil, NewSyncError(CodeSyncFailed, fmt.Errorf("AssertionCreated log %s:%d missing indexed topics", evt.TxHash, evt.LogIndex))
	}
	values, err := oracleABI.Unpack("AssertionCreated", log.Data)
	if err != nil {
		return nil, NewSyncError(CodeSyncFailed, fmt.Errorf("unpack AssertionCreated: %w", err))
	}
	if len(values) != 6 {
		return nil, NewSyncError(CodeSyncFailed, fmt.Errorf("AssertionCreated: expected 6 data fields, got %d", len(values)))
	}

	evt.Type = EventAssertionCreated
	evt.AssertionID = log.Topics[1].Hex()
	evt.Asserter = common.HexToAddress(log.Topics[2].Hex()).Hex()

	var ok bool
	if evt.Protocol, ok = values[0].(string); !ok {
		return nil, decodeFieldErr("AssertionCreated", "protocol")
	}
	if evt.Market, ok = values[1].(string); !ok {
		return nil, decodeFieldErr("AssertionCreated", "market")
	}
	if evt.Claim, ok = values[2].(string); !ok {
		return nil, decodeFieldErr("AssertionCreated", "claim")
	}
	bond, ok := values[3].(*big.Int)
	if !ok {
		return nil, decodeFieldErr("AssertionCreated", "bond")
	}
	evt.Bond = decimal.NewFromBigInt(bond, 0).Div(dec1e18)

	assertedAt, ok := values[4].(uint64)
	if !ok {
		return nil, decodeFieldErr("AssertionCreated", "assertedAt")
	}
	livenessEndsAt, ok := values[5].(uint64)
	if !ok {
		return nil, decodeFieldErr("AssertionCreated", "livenessEndsAt")
	}
	evt.AssertedAt = time.Unix(int64(assertedAt), 0).UTC()
	evt.LivenessEndsAt = time.Unix(int64(livenessEndsAt), 0).UTC()

	return evt, nil
}

func decodeAssertionDisputed(evt *DecodedEvent, log types.Log) (*DecodedEvent, error) {
	if len(log.Topics) < 3 {
		return nil, NewSyncError(CodeSyncFailed, fmt.Errorf("AssertionDisputed log %s:%d missing indexed topics", evt.TxHash, evt.LogIndex))
	}
	values, err := oracleABI.Unpack("AssertionDisputed", log.Data)
	if err != nil {
		return nil, NewSyncError(CodeSyncFailed, fmt.Errorf("unpack AssertionDisputed: %w", err))
	}
	if len(values) != 2 {
		return nil, NewSyncError(CodeSyncFailed, fmt.Errorf("AssertionDisputed: expected 2 data fields, got %d", len(values)))
	}

	evt.Type = EventAssertionDisputed
	evt.AssertionID = log.Topics[1].Hex()
	evt.Disputer = common.HexToAddress(log.Topics[2].Hex()).Hex()

	var ok bool
	if evt.DisputeReason, ok = values[0].(string); !ok {
		return nil, decodeFieldErr("AssertionDisputed", "reason")
	}
	disputedAt, ok := values[1].(uint64)
	if !ok {
		return nil, decodeFieldErr("AssertionDisputed", "disputedAt")
	}
	evt.DisputedAt = time.Unix(int64(disputedAt), 0).UTC()

	return evt, nil
}

func decodeAssertionResolved(evt *DecodedEvent, log types.Log) (*DecodedEvent, error) {
	if len(log.Topics) < 2 {
		return nil, NewSyncError(CodeSyncFailed, fmt.Errorf("AssertionResolved log %s:%d missing indexed topics", evt.TxHash, evt.LogIndex))
	}
	values, err := oracleABI.Unpack("AssertionResolved", log.Data)
	if err != nil {
		return nil, NewSyncError(CodeSyncFailed, fmt.Errorf("unpack AssertionResolved: %w", err))
	}
	if len(values) != 2 {
		return nil, NewSyncError(CodeSyncFailed, fmt.Errorf("AssertionResolved: expected 2 data fields, got %d", len(values)))
	}

	evt.Type = EventAssertionResolved
	evt.AssertionID = log.Topics[1].Hex()

	resolution, ok := values[0].(bool)
	if !ok {
		return nil, decodeFieldErr("AssertionResolved", "resolution")
	}
	evt.Resolution = &resolution

	resolvedAt, ok := values[1].(uint64)
	if !ok {
		return nil, decodeFieldErr("AssertionResolved", "resolvedAt")
	}
	evt.ResolvedAt = time.Unix(int64(resolvedAt), 0).UTC()

	return evt, nil
}

func decodeVoteCast(evt *DecodedEvent, log types.Log) (*DecodedEvent, error) {
	if len(log.Topics) < 3 {
		return nil, NewSyncError(CodeSyncFailed, fmt.Errorf("VoteCast log %s:%d missing indexed topics", evt.TxHash, evt.LogIndex))
	}
	values, err := oracleABI.Unpack("VoteCast", log.Data)
	if err != nil {
		return nil, NewSyncError(CodeSyncFailed, fmt.Errorf("unpack VoteCast: %w", err))
	}
	if len(values) != 2 {
		return nil, NewSyncError(CodeSyncFailed, fmt.Errorf("VoteCast: expected 2 data fields, got %d", len(values)))
	}

	evt.Type = EventVoteCast
	evt.AssertionID = log.Topics[1].Hex()
	evt.Voter = common.HexToAddress(log.Topics[2].Hex()).Hex()

	support, ok := values[0].(bool)
	if !ok {
		return nil, decodeFieldErr("VoteCast", "support")
	}
	evt.Support = support

	weight, ok := values[1].(*big.Int)
	if !ok {
		return nil, decodeFieldErr("VoteCast", "weight")
	}
	evt.Weight = decimal.NewFromBigInt(weight, 0)

	return evt, nil
}

func decodeFieldErr(event, field string) error {
	return NewSyncError(CodeSyncFailed, fmt.Errorf("%s: unexpected type for %s", event, field))
}
