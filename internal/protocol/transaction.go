package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/params"
)

// Amount is a decimal quantity that arrives as either a JSON number or a JSON string.
type Amount string

func (a *Amount) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*a = Amount(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("amount must be a number or string: %w", err)
	}
	*a = Amount(n.String())
	return nil
}

// Token is one token transfer inside a transaction request.
type Token struct {
	ID     string `json:"id"`
	Amount Amount `json:"amount"`
}

// TransactionRequest is the single element of a sendTransaction params array.
type TransactionRequest struct {
	To     string  `json:"to"`
	Value  *Amount `json:"value,omitempty"`
	Tokens []Token `json:"tokens,omitempty"`
	Data   *string `json:"data,omitempty"`
}

// PendingTransaction is the sanitized payload persisted for the approval surface.
type PendingTransaction struct {
	To     string  `json:"to"`
	Value  Amount  `json:"value"`
	Tokens []Token `json:"tokens"`
	Data   *string `json:"data"`
}

// IsAddress reports whether s is a 0x-prefixed 20-byte hex address.
func IsAddress(s string) bool {
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		return false
	}
	return common.IsHexAddress(s)
}

// PositiveDecimal parses s as a decimal number strictly greater than zero.
func PositiveDecimal(s string) (*big.Rat, bool) {
	if s == "" || strings.Contains(s, "/") {
		return nil, false
	}
	r, ok := new(big.Rat).SetString(s)
	if !ok || r.Sign() <= 0 {
		return nil, false
	}
	return r, true
}

// PositiveInteger parses s as a base-10 integer strictly greater than zero.
func PositiveInteger(s string) (*big.Int, bool) {
	n, ok := new(big.Int).SetString(s, 10)
	if !ok || n.Sign() <= 0 {
		return nil, false
	}
	return n, true
}

// ValidateTransaction checks sendTransaction params in the order the router
// must apply them and returns the payload to persist. The first violation wins.
func ValidateTransaction(raw json.RawMessage) (PendingTransaction, *Error) {
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil || len(items) != 1 {
		return PendingTransaction{}, NewError(CodeInvalidParams, MsgMissingParams)
	}
	var tx TransactionRequest
	if err := json.Unmarshal(items[0], &tx); err != nil {
		return PendingTransaction{}, NewError(CodeInvalidParams, MsgMissingParams)
	}

	if tx.To == "" {
		return PendingTransaction{}, NewError(CodeInvalidParams, MsgMissingTo)
	}
	if !IsAddress(tx.To) {
		return PendingTransaction{}, NewError(CodeInvalidParams, MsgInvalidTo)
	}
	if tx.Value == nil && len(tx.Tokens) == 0 && (tx.Data == nil || *tx.Data == "") {
		return PendingTransaction{}, NewError(CodeInvalidParams, MsgEmptyTransaction)
	}
	if tx.Value != nil {
		if _, ok := PositiveDecimal(string(*tx.Value)); !ok {
			return PendingTransaction{}, NewError(CodeInvalidParams, MsgInvalidValue)
		}
	}
	for i, token := range tx.Tokens {
		if !IsAddress(token.ID) {
			return PendingTransaction{}, NewError(CodeInvalidParams, fmt.Sprintf("invalid token at index %d: id must be an address", i))
		}
		if _, ok := PositiveInteger(string(token.Amount)); !ok {
			return PendingTransaction{}, NewError(CodeInvalidParams, fmt.Sprintf("invalid token at index %d: amount must be a positive integer", i))
		}
	}

	pending := PendingTransaction{
		To:     tx.To,
		Value:  "0",
		Tokens: []Token{},
		Data:   tx.Data,
	}
	if tx.Value != nil {
		pending.Value = *tx.Value
	}
	if len(tx.Tokens) > 0 {
		pending.Tokens = tx.Tokens
	}
	return pending, nil
}

// ValueWei converts the ether-denominated value into wei.
func (p PendingTransaction) ValueWei() (*big.Int, error) {
	if p.Value == "" || p.Value == "0" {
		return new(big.Int), nil
	}
	r, ok := new(big.Rat).SetString(string(p.Value))
	if !ok || r.Sign() < 0 {
		return nil, fmt.Errorf("invalid value %q", p.Value)
	}
	r.Mul(r, new(big.Rat).SetInt(big.NewInt(params.Ether)))
	if !r.IsInt() {
		return nil, fmt.Errorf("value %q has more precision than wei", p.Value)
	}
	return new(big.Int).Set(r.Num()), nil
}

// CallData decodes the optional hex data field.
func (p PendingTransaction) CallData() ([]byte, error) {
	if p.Data == nil || *p.Data == "" {
		return nil, nil
	}
	s := strings.TrimPrefix(strings.TrimPrefix(*p.Data, "0x"), "0X")
	data, err := hexutil.Decode("0x" + s)
	if err != nil {
		return nil, fmt.Errorf("decode data: %w", err)
	}
	return data, nil
}
