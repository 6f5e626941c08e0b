package types

import (
	"encoding/json"
	"math/big"
	"testing"
)

func TestResolutionStateValid(t *testing.T) {
	valid := []ResolutionState{
		StateCreated, StateDetecting, StateEvidenceGathering, StateProposing,
		StateLiveness, StateMonitoring, StateDisputed, StateArbitration,
		StateResolved, StateSettled,
	}
	for _, s := range valid {
		if !s.Valid() {
			t.Errorf("expected %s to be valid", s)
		}
	}

	if ResolutionState("FROZEN").Valid() {
		t.Error("expected unknown state to be invalid")
	}
	if ResolutionState("").Valid() {
		t.Error("expected empty state to be invalid")
	}
}

func TestResolutionStateTerminal(t *testing.T) {
	if !StateSettled.Terminal() {
		t.Error("SETTLED must be terminal")
	}
	for _, s := range []ResolutionState{StateCreated, StateResolved, StateDisputed} {
		if s.Terminal() {
			t.Errorf("%s must not be terminal", s)
		}
	}
}

func TestEventJSONRoundTrip(t *testing.T) {
	raw := `{"eventId":"e1","description":"BTC above 100k","status":"LIVENESS","disputeCount":1,"rewardPool":"1000000000000000000","settled":false}`

	var ev Event
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ev.ID != "e1" || ev.Status != StateLiveness || ev.DisputeCount != 1 {
		t.Errorf("unexpected event: %+v", ev)
	}
}

func TestProposalDataBond(t *testing.T) {
	d := ProposalData{BondAmount: big.NewInt(42)}
	if d.Bond().Int64() != 42 {
		t.Errorf("expected typed bond, got %s", d.Bond())
	}

	d = ProposalData{BondAmountWei: "1000000000000000000"}
	want, _ := new(big.Int).SetString("1000000000000000000", 10)
	if d.Bond().Cmp(want) != 0 {
		t.Errorf("expected wire bond %s, got %s", want, d.Bond())
	}

	d = ProposalData{BondAmountWei: "not-a-number"}
	if d.Bond().Sign() != 0 {
		t.Errorf("expected zero bond for garbage input, got %s", d.Bond())
	}
}

func TestDisputeOpen(t *testing.T) {
	cases := []struct {
		status string
		open   bool
	}{
		{"pending", true},
		{"arbitration", true},
		{"resolved", false},
		{"withdrawn", false},
	}
	for _, tc := range cases {
		d := Dispute{Status: tc.status}
		if d.Open() != tc.open {
			t.Errorf("status %q: expected open=%v", tc.status, tc.open)
		}
	}
}
