package protocol

import (
	"encoding/json"
	"math/big"
	"testing"
)

const validAddr = "0x00000000000000000000000000000000000000aa"

func TestValidateTransaction(t *testing.T) {
	tests := []struct {
		name    string
		params  string
		wantMsg string
	}{
		{name: "params not an array", params: `{"to":"` + validAddr + `"}`, wantMsg: MsgMissingParams},
		{name: "two elements", params: `[{"to":"` + validAddr + `"},{}]`, wantMsg: MsgMissingParams},
		{name: "element not an object", params: `["x"]`, wantMsg: MsgMissingParams},
		{name: "missing to", params: `[{"value":"1"}]`, wantMsg: MsgMissingTo},
		{name: "to without prefix", params: `[{"to":"00000000000000000000000000000000000000aa","value":"1"}]`, wantMsg: MsgInvalidTo},
		{name: "to too short", params: `[{"to":"0x1234","value":"1"}]`, wantMsg: MsgInvalidTo},
		{name: "nothing to send", params: `[{"to":"` + validAddr + `"}]`, wantMsg: MsgEmptyTransaction},
		{name: "empty data only", params: `[{"to":"` + validAddr + `","data":""}]`, wantMsg: MsgEmptyTransaction},
		{name: "zero value", params: `[{"to":"` + validAddr + `","value":0,"tokens":[]}]`, wantMsg: MsgInvalidValue},
		{name: "negative value", params: `[{"to":"` + validAddr + `","value":"-1"}]`, wantMsg: MsgInvalidValue},
		{name: "fraction syntax", params: `[{"to":"` + validAddr + `","value":"1/2"}]`, wantMsg: MsgInvalidValue},
		{name: "token id not an address", params: `[{"to":"` + validAddr + `","tokens":[{"id":"abc","amount":"1"}]}]`, wantMsg: "invalid token at index 0: id must be an address"},
		{name: "token amount fractional", params: `[{"to":"` + validAddr + `","tokens":[{"id":"` + validAddr + `","amount":"1.5"}]}]`, wantMsg: "invalid token at index 0: amount must be a positive integer"},
		{name: "second token zero", params: `[{"to":"` + validAddr + `","tokens":[{"id":"` + validAddr + `","amount":2},{"id":"` + validAddr + `","amount":0}]}]`, wantMsg: "invalid token at index 1: amount must be a positive integer"},
		{name: "value only", params: `[{"to":"` + validAddr + `","value":"0.5"}]`},
		{name: "numeric value", params: `[{"to":"` + validAddr + `","value":2}]`},
		{name: "data only", params: `[{"to":"` + validAddr + `","data":"0xdeadbeef"}]`},
		{name: "tokens only", params: `[{"to":"` + validAddr + `","tokens":[{"id":"` + validAddr + `","amount":"10"}]}]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, perr := ValidateTransaction(json.RawMessage(tt.params))
			if tt.wantMsg == "" {
				if perr != nil {
					t.Fatalf("unexpected error: %v", perr)
				}
				return
			}
			if perr == nil {
				t.Fatalf("expected error %q", tt.wantMsg)
			}
			if perr.Code != CodeInvalidParams {
				t.Errorf("code = %s, want %s", perr.Code, CodeInvalidParams)
			}
			if perr.Message != tt.wantMsg {
				t.Errorf("message = %q, want %q", perr.Message, tt.wantMsg)
			}
		})
	}
}

func TestValidateTransactionDefaults(t *testing.T) {
	pending, perr := ValidateTransaction(json.RawMessage(`[{"to":"` + validAddr + `","data":"0x01"}]`))
	if perr != nil {
		t.Fatalf("unexpected error: %v", perr)
	}
	if pending.Value != "0" {
		t.Errorf("value = %q, want 0", pending.Value)
	}
	if pending.Tokens == nil || len(pending.Tokens) != 0 {
		t.Errorf("tokens = %#v, want empty slice", pending.Tokens)
	}
	if pending.Data == nil || *pending.Data != "0x01" {
		t.Errorf("data = %v, want 0x01", pending.Data)
	}

	encoded, err := json.Marshal(pending)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"to":"` + validAddr + `","value":"0","tokens":[],"data":"0x01"}`
	if string(encoded) != want {
		t.Errorf("payload = %s, want %s", encoded, want)
	}
}

func TestValueWei(t *testing.T) {
	tests := []struct {
		value   Amount
		want    string
		wantErr bool
	}{
		{value: "0", want: "0"},
		{value: "1", want: "1000000000000000000"},
		{value: "0.25", want: "250000000000000000"},
		{value: "0.0000000000000000001", wantErr: true},
		{value: "abc", wantErr: true},
	}
	for _, tt := range tests {
		got, err := PendingTransaction{Value: tt.value}.ValueWei()
		if tt.wantErr {
			if err == nil {
				t.Errorf("ValueWei(%q) expected error", tt.value)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ValueWei(%q): %v", tt.value, err)
		}
		want, _ := new(big.Int).SetString(tt.want, 10)
		if got.Cmp(want) != 0 {
			t.Errorf("ValueWei(%q) = %s, want %s", tt.value, got, want)
		}
	}
}

func TestCallData(t *testing.T) {
	data := "0xdeadbeef"
	got, err := PendingTransaction{Data: &data}.CallData()
	if err != nil {
		t.Fatalf("CallData: %v", err)
	}
	if len(got) != 4 || got[0] != 0xde {
		t.Errorf("CallData = %x", got)
	}

	bad := "0xzz"
	if _, err := (PendingTransaction{Data: &bad}).CallData(); err == nil {
		t.Error("expected error for invalid hex")
	}
}
