package server

import (
	"context"
	"encoding/json"
	"math/big"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"PerpSettle/internal/core"
	"PerpSettle/internal/ingestion"
	fp "PerpSettle/internal/math"
	"PerpSettle/internal/risk"
)

func fpMust(t *testing.T, s string) *big.Int {
	t.Helper()
	v, err := fp.FromDecimal(s)
	if err != nil {
		t.Fatalf("bad decimal %q: %v", s, err)
	}
	return v
}

func newTestOps(t *testing.T, events chan ingestion.RawEvent) (*OpsService, uuid.UUID) {
	t.Helper()
	admin := uuid.New()
	eng, err := core.NewEngine(
		risk.DefaultParams("ETH-PERP"),
		core.NewStaticGuards(admin),
		nil, nil, nil, nil,
		zerolog.Nop(),
	)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	var sink chan<- ingestion.RawEvent
	if events != nil {
		sink = events
	}
	svc := NewOpsService(&sync.RWMutex{}, eng, sink, zerolog.Nop())
	svc.nowFn = func() int64 { return 1000 }
	return svc, admin
}

func wantCode(t *testing.T, err error, want codes.Code) {
	t.Helper()
	st, ok := status.FromError(err)
	if !ok {
		t.Fatalf("not a status error: %v", err)
	}
	if st.Code() != want {
		t.Fatalf("code: got %v (%s), want %v", st.Code(), st.Message(), want)
	}
}

func TestDepositAndWithdraw(t *testing.T) {
	svc, _ := newTestOps(t, nil)
	account := uuid.New()

	resp, err := svc.deposit(context.Background(), &opRequest{
		OpID:    uuid.NewString(),
		Account: account.String(),
		Amount:  "1000",
	})
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	op := resp.(*opResponse)
	if op.Sequence != 1 {
		t.Errorf("sequence: got %d, want 1", op.Sequence)
	}
	if len(op.StateHash) != 64 {
		t.Errorf("state_hash: got %d hex chars, want 64", len(op.StateHash))
	}

	if _, err := svc.withdraw(context.Background(), &opRequest{
		OpID:    uuid.NewString(),
		Account: account.String(),
		Amount:  "400",
	}); err != nil {
		t.Fatalf("withdraw: %v", err)
	}

	// Over-withdrawal is an engine rejection, not an internal error.
	_, err = svc.withdraw(context.Background(), &opRequest{
		OpID:    uuid.NewString(),
		Account: account.String(),
		Amount:  "10000",
	})
	wantCode(t, err, codes.FailedPrecondition)
}

func TestDuplicateOpIsAlreadyExists(t *testing.T) {
	svc, _ := newTestOps(t, nil)
	req := &opRequest{
		OpID:    uuid.NewString(),
		Account: uuid.NewString(),
		Amount:  "100",
	}

	if _, err := svc.deposit(context.Background(), req); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	_, err := svc.deposit(context.Background(), req)
	wantCode(t, err, codes.AlreadyExists)
}

func TestInvalidArguments(t *testing.T) {
	svc, _ := newTestOps(t, nil)

	_, err := svc.deposit(context.Background(), &opRequest{
		OpID:    "not-a-uuid",
		Account: uuid.NewString(),
		Amount:  "100",
	})
	wantCode(t, err, codes.InvalidArgument)

	_, err = svc.deposit(context.Background(), &opRequest{
		OpID:    uuid.NewString(),
		Account: uuid.NewString(),
		Amount:  "-100",
	})
	wantCode(t, err, codes.InvalidArgument)

	_, err = svc.setFundingMode(context.Background(), &fundingModeRequest{
		Caller: uuid.NewString(),
		Mode:   "sideways",
	})
	wantCode(t, err, codes.InvalidArgument)
}

func TestAdminGating(t *testing.T) {
	svc, admin := newTestOps(t, nil)

	_, err := svc.stopTrading(context.Background(), &adminRequest{Caller: uuid.NewString()})
	wantCode(t, err, codes.PermissionDenied)

	resp, err := svc.stopTrading(context.Background(), &adminRequest{Caller: admin.String()})
	if err != nil {
		t.Fatalf("stop trading as admin: %v", err)
	}
	if !resp.(*ackResponse).OK {
		t.Error("expected ok ack")
	}

	if _, err := svc.startTrading(context.Background(), &adminRequest{Caller: admin.String()}); err != nil {
		t.Fatalf("start trading: %v", err)
	}
}

func TestSubmitBatch(t *testing.T) {
	events := make(chan ingestion.RawEvent, 1)
	svc, _ := newTestOps(t, events)

	batch := map[string]interface{}{
		"batch_id": uuid.NewString(),
		"kind":     "order_match",
		"ts":       int64(1000),
		"accounts": []string{},
		"trades":   []interface{}{},
	}
	data, err := json.Marshal(batch)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	resp, err := svc.submitBatch(context.Background(), &submitBatchRequest{Batch: data})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !resp.(*submitBatchResponse).Accepted {
		t.Error("expected accepted")
	}

	raw := <-events
	if raw.EventType != "SettleBatch" {
		t.Errorf("event type: got %s, want SettleBatch", raw.EventType)
	}

	_, err = svc.submitBatch(context.Background(), &submitBatchRequest{Batch: []byte(`{"kind":"barter"}`)})
	wantCode(t, err, codes.InvalidArgument)
}

func TestSubmitBatchWithoutIngestion(t *testing.T) {
	svc, _ := newTestOps(t, nil)
	_, err := svc.submitBatch(context.Background(), &submitBatchRequest{Batch: []byte(`{}`)})
	wantCode(t, err, codes.Unavailable)
}

func TestUpdateParams(t *testing.T) {
	svc, admin := newTestOps(t, nil)

	params := marketParamsJSON{
		Symbol:               "ETH-PERP",
		MinPrice:             "0.01",
		MaxPrice:             "2000000",
		TickSize:             "0.01",
		MinQty:               "0.001",
		MaxQtyLimit:          "100000",
		MaxQtyMarket:         "10000",
		StepSize:             "0.001",
		MTBLong:              "0.2",
		MTBShort:             "0.2",
		InitialMarginReq:     "0.2",
		MaintenanceMarginReq: "0.1",
		MaxFundingRate:       "0.001",
		InsurancePoolShare:   "0.3",
		DefaultMakerFee:      "0",
		DefaultTakerFee:      "0.0005",
		GasSurcharge:         "0",
		GaslessThreshold:     "100",
	}

	if _, err := svc.updateParams(context.Background(), &updateParamsRequest{
		Caller: admin.String(),
		Params: params,
	}); err != nil {
		t.Fatalf("update params: %v", err)
	}

	got := svc.engine.Params()
	if got.InitialMarginReq.Cmp(fpMust(t, "0.2")) != 0 {
		t.Error("initial margin not applied")
	}
	if got.DefaultTakerFee.Cmp(fpMust(t, "0.0005")) != 0 {
		t.Error("taker fee not applied")
	}

	// Invalid configurations are rejected before reaching the engine state.
	params.MaintenanceMarginReq = "0.5"
	_, err := svc.updateParams(context.Background(), &updateParamsRequest{
		Caller: admin.String(),
		Params: params,
	})
	wantCode(t, err, codes.FailedPrecondition)
}
