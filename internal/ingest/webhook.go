package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/Veraticus/spendlot/internal/common"
	"github.com/Veraticus/spendlot/internal/model"
)

// PlaidWebhook is the part of a Plaid webhook body intake reads.
type PlaidWebhook struct {
	Error       *PlaidWebhookError `json:"error,omitempty"`
	WebhookType string             `json:"webhook_type"`
	WebhookCode string             `json:"webhook_code"`
	ItemID      string             `json:"item_id"`
}

// PlaidWebhookError is the error object of an ITEM ERROR webhook.
type PlaidWebhookError struct {
	ErrorType    string `json:"error_type"`
	ErrorCode    string `json:"error_code"`
	ErrorMessage string `json:"error_message"`
}

// WebhookAction is what a webhook caused.
type WebhookAction string

// Webhook actions.
const (
	WebhookEnqueued WebhookAction = "enqueued"
	WebhookQueued   WebhookAction = "already_queued"
	WebhookDisabled WebhookAction = "disabled"
	WebhookIgnored  WebhookAction = "ignored"
)

// transactionUpdates are the TRANSACTIONS codes that mean new data is ready.
var transactionUpdates = map[string]bool{
	"INITIAL_UPDATE":         true,
	"HISTORICAL_UPDATE":      true,
	"DEFAULT_UPDATE":         true,
	"SYNC_UPDATES_AVAILABLE": true,
}

// HandlePlaidWebhook resolves the webhook's item to its bank account.
// Transaction updates enqueue a sync unless one is already live. An item
// error stops polling the account until it is enabled again.
func (in *Intake) HandlePlaidWebhook(ctx context.Context, hook PlaidWebhook) (WebhookAction, error) {
	if in.poller == nil {
		return "", common.NewConfigurationError("no poller configured for webhooks", common.ErrMissingConfig)
	}
	if hook.ItemID == "" {
		return "", common.NewParseError("the webhook names no item", common.ErrEmptyPayload)
	}

	account, err := in.store.GetSourceAccountByExternalID(ctx, model.ProviderPlaid, hook.ItemID)
	if errors.Is(err, common.ErrNotFound) {
		in.logger.Warn("webhook for an unknown plaid item", "item_id", hook.ItemID, "type", hook.WebhookType, "code", hook.WebhookCode)
		return WebhookIgnored, nil
	}
	if err != nil {
		return "", err
	}
	logger := in.logger.With("account_id", account.ID, "user_id", account.UserID, "type", hook.WebhookType, "code", hook.WebhookCode)

	switch {
	case !account.Active:
		logger.Debug("webhook for a disabled account")
		return WebhookIgnored, nil

	case hook.WebhookType == "TRANSACTIONS" && transactionUpdates[hook.WebhookCode]:
		enqueued, err := in.poller.EnqueuePoll(ctx, account)
		if err != nil {
			return "", err
		}
		if !enqueued {
			logger.Debug("sync already queued")
			return WebhookQueued, nil
		}
		logger.Info("sync enqueued by webhook")
		return WebhookEnqueued, nil

	case hook.WebhookType == "ITEM" && hook.WebhookCode == "ERROR":
		if err := in.store.SetSourceAccountActive(ctx, account.ID, false); err != nil {
			return "", fmt.Errorf("failed to disable account: %w", err)
		}
		var code, message string
		if hook.Error != nil {
			code, message = hook.Error.ErrorCode, hook.Error.ErrorMessage
		}
		logger.Warn("plaid item needs attention; polling disabled", "error_code", code, "error_message", message)
		return WebhookDisabled, nil

	case hook.WebhookType == "ITEM" && hook.WebhookCode == "PENDING_EXPIRATION":
		logger.Warn("plaid item consent expires soon; relink it")
	}
	return WebhookIgnored, nil
}

// maxWebhookBody bounds webhook request bodies.
const maxWebhookBody = 1 << 20

// PlaidWebhookHandler serves Plaid webhooks over HTTP.
func (in *Intake) PlaidWebhookHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var hook PlaidWebhook
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxWebhookBody)).Decode(&hook); err != nil {
			writeWebhookStatus(w, http.StatusBadRequest, "error")
			return
		}

		action, err := in.HandlePlaidWebhook(r.Context(), hook)
		switch common.Classify(err) {
		case common.ClassNone:
			writeWebhookStatus(w, http.StatusOK, string(action))
		case common.ClassParse:
			writeWebhookStatus(w, http.StatusBadRequest, "error")
		default:
			in.logger.Error("plaid webhook failed", "item_id", hook.ItemID, "error", err)
			writeWebhookStatus(w, http.StatusInternalServerError, "error")
		}
	})
}

func writeWebhookStatus(w http.ResponseWriter, code int, status string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": status})
}
