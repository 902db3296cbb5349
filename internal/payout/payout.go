// Package payout moves settled rewards out of the engine.
//
// Native, IBC and token-factory denominations leave in a single bank send;
// every CW20 denomination is paid through its own token-contract transfer.
package payout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/atmx/reward-engine/internal/coins"
	"github.com/atmx/reward-engine/internal/denom"
)

var (
	ErrNoRecipient = errors.New("payout: recipient is required")
	ErrEmptyAmount = errors.New("payout: nothing to transfer")
)

// Transferer is the transfer collaborator the service pays through. A
// returned error aborts the surrounding transaction.
//
// ref identifies the payout. A transaction retried by the store calls
// Transfer again with the same ref, so implementations must treat a repeated
// ref as already paid.
type Transferer interface {
	Transfer(ctx context.Context, ref, recipient string, amount coins.Coins) error
}

// MessageType distinguishes bank sends from CW20 contract transfers.
type MessageType string

const (
	MsgBankSend     MessageType = "bank_send"
	MsgCW20Transfer MessageType = "cw20_transfer"
)

// Message is one outbound transfer.
type Message struct {
	Ref       string      `json:"ref"`
	Type      MessageType `json:"type"`
	Recipient string      `json:"recipient"`
	// Contract is the CW20 token contract; empty for bank sends.
	Contract string      `json:"contract,omitempty"`
	Amount   coins.Coins `json:"amount"`
}

// Plan splits amount into the messages that pay it to recipient. The bank
// send, if any, comes first; CW20 transfers follow in denom order.
func Plan(ref, recipient string, amount coins.Coins) ([]Message, error) {
	if recipient == "" {
		return nil, ErrNoRecipient
	}
	if amount.IsZero() {
		return nil, ErrEmptyAmount
	}

	var bank coins.Coins
	var cw20 []Message
	for _, c := range amount {
		d, err := denom.Parse(c.Denom)
		if err != nil {
			return nil, fmt.Errorf("plan payout to %s: %w", recipient, err)
		}
		if d.Kind == denom.KindCW20 {
			cw20 = append(cw20, Message{
				Ref:       ref,
				Type:      MsgCW20Transfer,
				Recipient: recipient,
				Contract:  d.Base,
				Amount:    coins.Coins{c},
			})
			continue
		}
		bank = append(bank, c)
	}

	msgs := make([]Message, 0, len(cw20)+1)
	if len(bank) > 0 {
		msgs = append(msgs, Message{Ref: ref, Type: MsgBankSend, Recipient: recipient, Amount: bank})
	}
	return append(msgs, cw20...), nil
}

// LogBank plans each transfer and logs the resulting messages. It stands in
// for a chain client when the engine runs standalone.
type LogBank struct {
	logger *slog.Logger
}

// NewLogBank returns a LogBank writing to logger, or slog.Default if nil.
func NewLogBank(logger *slog.Logger) *LogBank {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogBank{logger: logger}
}

func (b *LogBank) Transfer(ctx context.Context, ref, recipient string, amount coins.Coins) error {
	msgs, err := Plan(ref, recipient, amount)
	if err != nil {
		return err
	}
	for _, m := range msgs {
		b.logger.InfoContext(ctx, "payout transfer",
			"ref", m.Ref,
			"type", m.Type,
			"recipient", m.Recipient,
			"contract", m.Contract,
			"amount", m.Amount.String(),
		)
	}
	return nil
}

// RecordingBank keeps every planned message in memory. Setting Err makes
// subsequent transfers fail without recording anything.
type RecordingBank struct {
	mu   sync.Mutex
	msgs []Message
	seen map[string]bool
	Err  error
}

// NewRecordingBank creates an empty RecordingBank.
func NewRecordingBank() *RecordingBank {
	return &RecordingBank{seen: make(map[string]bool)}
}

func (b *RecordingBank) Transfer(_ context.Context, ref, recipient string, amount coins.Coins) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.Err != nil {
		return b.Err
	}
	if b.seen[ref] {
		return nil
	}
	msgs, err := Plan(ref, recipient, amount)
	if err != nil {
		return err
	}
	b.seen[ref] = true
	b.msgs = append(b.msgs, msgs...)
	return nil
}

// Messages returns a copy of everything recorded so far.
func (b *RecordingBank) Messages() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.msgs)
}

// Total sums every recorded amount for recipient.
func (b *RecordingBank) Total(recipient string) coins.Coins {
	b.mu.Lock()
	defer b.mu.Unlock()

	var total coins.Coins
	for _, m := range b.msgs {
		if m.Recipient == recipient {
			total = total.Add(m.Amount)
		}
	}
	return total
}
