package chain

import (
	"encoding/json"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
)

var (
	testAssertionID = common.HexToHash("0x00000000000000000000000000000000000000000000000000000000000000aa")
	testAsserter    = common.HexToAddress("0x1111111111111111111111111111111111111111")
	testTxHash      = common.HexToHash("0xbbbb000000000000000000000000000000000000000000000000000000000000")
)

func packEventData(t *testing.T, event string, args ...interface{}) []byte {
	t.Helper()
	data, err := oracleABI.Events[event].Inputs.NonIndexed().Pack(args...)
	if err != nil {
		t.Fatalf("pack %s: %v", event, err)
	}
	return data
}

func addressTopic(addr common.Address) common.Hash {
	return common.BytesToHash(addr.Bytes())
}

func TestDecodeAssertionCreated(t *testing.T) {
	bond := new(big.Int)
	bond.SetString("2500000000000000000000", 10) // 2500 tokens at 18 decimals

	log := types.Log{
		Topics:      []common.Hash{topicAssertionCreated, testAssertionID, addressTopic(testAsserter)},
		Data:        packEventData(t, "AssertionCreated", "uma", "will-eth-flip-btc", "yes", bond, uint64(1700000000), uint64(1700007200)),
		BlockNumber: 123,
		TxHash:      testTxHash,
		Index:       4,
	}

	evt, err := DecodeLog(log)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if evt.Type != EventAssertionCreated {
		t.Fatalf("expected AssertionCreated, got %s", evt.Type)
	}
	if evt.AssertionID != testAssertionID.Hex() {
		t.Fatalf("wrong assertion id: %s", evt.AssertionID)
	}
	if evt.Asserter != testAsserter.Hex() {
		t.Fatalf("wrong asserter: %s", evt.Asserter)
	}
	if evt.Protocol != "uma" || evt.Market != "will-eth-flip-btc" || evt.Claim != "yes" {
		t.Fatalf("wrong string fields: %q %q %q", evt.Protocol, evt.Market, evt.Claim)
	}
	if !evt.Bond.Equal(decimal.NewFromInt(2500)) {
		t.Fatalf("bond should be scaled from wei, got %s", evt.Bond)
	}
	if got := evt.AssertedAt; !got.Equal(time.Unix(1700000000, 0).UTC()) {
		t.Fatalf("wrong assertedAt: %s", got)
	}
	if evt.BlockNumber != 123 || evt.LogIndex != 4 {
		t.Fatalf("log position not carried: block %d index %d", evt.BlockNumber, evt.LogIndex)
	}
}

func TestDecodeAssertionResolved(t *testing.T) {
	log := types.Log{
		Topics: []common.Hash{topicAssertionResolved, testAssertionID},
		Data:   packEventData(t, "AssertionResolved", true, uint64(1700050000)),
		TxHash: testTxHash,
	}

	evt, err := DecodeLog(log)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if evt.Type != EventAssertionResolved {
		t.Fatalf("expected AssertionResolved, got %s", evt.Type)
	}
	if evt.Resolution == nil || !*evt.Resolution {
		t.Fatal("expected resolution=true")
	}
	if !evt.ResolvedAt.Equal(time.Unix(1700050000, 0).UTC()) {
		t.Fatalf("wrong resolvedAt: %s", evt.ResolvedAt)
	}
}

func TestDecodeVoteCastKeepsRawWeight(t *testing.T) {
	weight := big.NewInt(987654321)
	voter := common.HexToAddress("0x2222222222222222222222222222222222222222")
	log := types.Log{
		Topics: []common.Hash{topicVoteCast, testAssertionID, addressTopic(voter)},
		Data:   packEventData(t, "VoteCast", false, weight),
		TxHash: testTxHash,
	}

	evt, err := DecodeLog(log)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if evt.Type != EventVoteCast {
		t.Fatalf("expected VoteCast, got %s", evt.Type)
	}
	if evt.Support {
		t.Fatal("expected support=false")
	}
	if evt.Weight.String() != "987654321" {
		t.Fatalf("vote weight must stay unscaled, got %s", evt.Weight)
	}
	if evt.Voter != voter.Hex() {
		t.Fatalf("wrong voter: %s", evt.Voter)
	}
}

func TestDecodeVoteCastHoldsMaxUint256Weight(t *testing.T) {
	// Vote weights are uint256 on chain, up to 78 decimal digits. They must
	// survive decode and storage without a precision cap.
	maxUint256 := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
	voter := common.HexToAddress("0x3333333333333333333333333333333333333333")
	log := types.Log{
		Topics: []common.Hash{topicVoteCast, testAssertionID, addressTopic(voter)},
		Data:   packEventData(t, "VoteCast", true, maxUint256),
		TxHash: testTxHash,
	}

	evt, err := DecodeLog(log)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if evt.Weight.String() != maxUint256.String() {
		t.Fatalf("weight truncated: got %s, want %s", evt.Weight, maxUint256)
	}
	if len(evt.Weight.String()) != 78 {
		t.Fatalf("expected 78 digits, got %d", len(evt.Weight.String()))
	}
}

func TestDecodeLogSkipsForeignSignatures(t *testing.T) {
	log := types.Log{
		Topics: []common.Hash{common.HexToHash("0xdeadbeef00000000000000000000000000000000000000000000000000000000")},
	}
	evt, err := DecodeLog(log)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if evt != nil {
		t.Fatal("foreign logs should decode to nil")
	}
}

func TestDecodedEventJSONRoundTrip(t *testing.T) {
	log := types.Log{
		Topics:      []common.Hash{topicAssertionDisputed, testAssertionID, addressTopic(testAsserter)},
		Data:        packEventData(t, "AssertionDisputed", "stale data", uint64(1700020000)),
		BlockNumber: 456,
		TxHash:      testTxHash,
		Index:       7,
	}
	evt, err := DecodeLog(log)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	payload, err := json.Marshal(evt)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var restored DecodedEvent
	if err := json.Unmarshal(payload, &restored); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if restored.Type != evt.Type || restored.AssertionID != evt.AssertionID {
		t.Fatalf("identity fields lost in round trip: %+v", restored)
	}
	if restored.Disputer != evt.Disputer || restored.DisputeReason != evt.DisputeReason {
		t.Fatalf("dispute fields lost in round trip: %+v", restored)
	}
	if !restored.DisputedAt.Equal(evt.DisputedAt) {
		t.Fatalf("timestamp changed: %s vs %s", restored.DisputedAt, evt.DisputedAt)
	}
	if restored.BlockNumber != 456 || restored.LogIndex != 7 {
		t.Fatalf("log position lost: %+v", restored)
	}
}
