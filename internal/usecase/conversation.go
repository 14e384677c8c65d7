package usecase

import (
	"context"
	"errors"
	"fmt"
	"unicode/utf8"

	"care-mediator/internal/domain"
)

const defaultTokenBudget = 4000

// HistoryReadWriter persists per-participant conversation documents. Writes
// replace the whole document; concurrent writers for the same participant
// resolve last-write-wins at document granularity, never interleaved.
type HistoryReadWriter interface {
	LoadHistory(ctx context.Context, participantID string) ([]domain.ChatMessage, error)
	SaveHistory(ctx context.Context, participantID string, messages []domain.ChatMessage) error
}

// ConversationLog is the append-only per-participant message log with
// token-budgeted trimming. Trimming only ever removes a prefix (the oldest
// entries); surviving messages keep their order.
type ConversationLog struct {
	store       HistoryReadWriter
	tokenBudget int
}

func NewConversationLog(store HistoryReadWriter, tokenBudget int) (*ConversationLog, error) {
	if store == nil {
		return nil, errors.New("usecase: history store must not be nil")
	}
	if tokenBudget <= 0 {
		tokenBudget = defaultTokenBudget
	}
	return &ConversationLog{store: store, tokenBudget: tokenBudget}, nil
}

// Load returns the recorded conversation, empty if none exists.
func (l *ConversationLog) Load(ctx context.Context, participantID string) ([]domain.ChatMessage, error) {
	msgs, err := l.store.LoadHistory(ctx, participantID)
	if err != nil {
		return nil, fmt.Errorf("usecase: load history: %w", err)
	}
	return msgs, nil
}

// AppendAndTrim appends the message, trims the log to the token budget, and
// persists the result. The returned sequence is what was persisted.
func (l *ConversationLog) AppendAndTrim(ctx context.Context, participantID string, msg domain.ChatMessage) ([]domain.ChatMessage, error) {
	history, err := l.store.LoadHistory(ctx, participantID)
	if err != nil {
		return nil, fmt.Errorf("usecase: load history: %w", err)
	}
	history = append(history, msg)
	trimmed := trimToBudget(history, l.tokenBudget)
	if err := l.store.SaveHistory(ctx, participantID, trimmed); err != nil {
		return nil, fmt.Errorf("usecase: save history: %w", err)
	}
	return trimmed, nil
}

// approxTokens approximates the token cost of a message as its rune count
// divided by four.
func approxTokens(content string) int {
	return utf8.RuneCountInString(content) / 4
}

// trimToBudget returns the longest contiguous newest suffix whose accumulated
// approximate cost fits the budget. A single message that alone exceeds the
// budget is kept alone rather than dropped.
func trimToBudget(msgs []domain.ChatMessage, budget int) []domain.ChatMessage {
	total := 0
	cut := len(msgs)
	for i := len(msgs) - 1; i >= 0; i-- {
		cost := approxTokens(msgs[i].Content)
		if total+cost > budget {
			break
		}
		total += cost
		cut = i
	}
	if cut == len(msgs) && len(msgs) > 0 {
		cut = len(msgs) - 1
	}
	return msgs[cut:]
}
