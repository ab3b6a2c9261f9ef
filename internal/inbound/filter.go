// Package inbound classifies raw channel messages and persists the storable
// ones encrypted at rest.
package inbound

import (
	"context"
	"log/slog"
	"strings"

	"github.com/waporthq/waport/internal/channel"
	"github.com/waporthq/waport/internal/crypto"
	"github.com/waporthq/waport/internal/store"
)

// Persister appends inbound rows. Satisfied by store.MessageStore.
type Persister interface {
	UpsertInbound(ctx context.Context, msg store.InboundMessage) (bool, error)
}

// Filter decides which raw messages are worth keeping and writes them. All
// failures are logged and swallowed: an error thrown back into the channel
// event source could destabilize the adapter's event loop.
type Filter struct {
	logger *slog.Logger
	cipher *crypto.Cipher
	store  Persister
}

// NewFilter creates a Filter.
func NewFilter(log *slog.Logger, cipher *crypto.Cipher, persister Persister) *Filter {
	if log == nil {
		log = slog.Default()
	}
	return &Filter{
		logger: log.With(slog.String("component", "inbound")),
		cipher: cipher,
		store:  persister,
	}
}

// Handle classifies one raw message and persists it when storable. Skip rules
// apply in precedence order: group-class address, self-echo, empty body,
// non-text media.
func (f *Filter) Handle(ctx context.Context, tenantID string, msg channel.Message) {
	if channel.IsGroupClassAddress(msg.From) || channel.IsGroupClassAddress(msg.To) {
		return
	}
	if msg.FromSelf {
		return
	}
	body := strings.TrimSpace(msg.Body)
	if body == "" {
		return
	}
	if channel.IsMediaType(msg.Type) {
		return
	}

	row := store.InboundMessage{
		TenantID:         tenantID,
		SenderAddress:    msg.From,
		RecipientAddress: msg.To,
		MessageType:      msg.Type,
		SourceMessageID:  msg.SourceID,
		ReceivedAt:       msg.ReceivedAt,
	}

	if env, err := f.cipher.Encrypt(body); err == nil {
		row.Ciphertext = &env.Ciphertext
		row.IV = &env.IV
		row.Tag = &env.Tag
	} else {
		// Plaintext fallback: losing the message entirely is worse than
		// storing it unencrypted.
		f.logger.Warn("body encryption failed",
			slog.String("tenant", tenantID), slog.Any("error", err))
		row.PlaintextBody = &body
	}

	inserted, err := f.store.UpsertInbound(ctx, row)
	if err != nil {
		f.logger.Warn("inbound persist failed",
			slog.String("tenant", tenantID),
			slog.String("source_id", msg.SourceID),
			slog.Any("error", err))
		return
	}
	if !inserted {
		f.logger.Debug("duplicate inbound message absorbed",
			slog.String("tenant", tenantID),
			slog.String("source_id", msg.SourceID))
	}
}
