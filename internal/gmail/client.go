// Package gmail lists receipt-like messages from a linked Gmail mailbox.
package gmail

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/Veraticus/spendlot/internal/common"
	"github.com/Veraticus/spendlot/internal/model"
	"github.com/Veraticus/spendlot/internal/service"
	gmailapi "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// receiptQuery narrows the mailbox to messages that usually carry a total.
const receiptQuery = "(receipt OR order OR invoice OR purchase OR payment OR subject:total)"

// Client reads a mailbox through the Gmail API.
type Client struct {
	service *gmailapi.Service
	logger  *slog.Logger
}

var _ service.Mailbox = (*Client)(nil)

// NewClient creates a client using the saved OAuth token.
func NewClient(ctx context.Context, cfg OAuth2Config, opts ...option.ClientOption) (*Client, error) {
	ts, err := TokenSource(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return NewClientWithOptions(ctx, append([]option.ClientOption{option.WithTokenSource(ts)}, opts...)...)
}

// NewClientWithOptions creates a client from raw API options.
func NewClientWithOptions(ctx context.Context, opts ...option.ClientOption) (*Client, error) {
	svc, err := gmailapi.NewService(ctx, opts...)
	if err != nil {
		return nil, common.NewConfigurationError("failed to create gmail service", err)
	}
	return &Client{service: svc, logger: slog.Default().With("component", "gmail")}, nil
}

// ListReceiptCandidates implements service.Mailbox. accountRef is the
// mailbox address; empty means the authenticated user.
func (c *Client) ListReceiptCandidates(ctx context.Context, accountRef string, since time.Time) iter.Seq2[model.RawEvidence, error] {
	user := accountRef
	if user == "" {
		user = "me"
	}
	query := fmt.Sprintf("after:%d %s", since.Unix(), receiptQuery)

	return func(yield func(model.RawEvidence, error) bool) {
		pageToken := ""
		for {
			call := c.service.Users.Messages.List(user).Q(query).Context(ctx)
			if pageToken != "" {
				call = call.PageToken(pageToken)
			}
			resp, err := call.Do()
			if err != nil {
				yield(model.RawEvidence{}, classify(err))
				return
			}

			for _, ref := range resp.Messages {
				msg, err := c.fetch(ctx, user, ref.Id)
				if err != nil {
					yield(model.RawEvidence{}, err)
					return
				}
				if msg.ReceivedAt.Before(since) {
					continue
				}
				if !yield(msg, nil) {
					return
				}
			}

			if resp.NextPageToken == "" {
				return
			}
			pageToken = resp.NextPageToken
		}
	}
}

func (c *Client) fetch(ctx context.Context, user, id string) (model.RawEvidence, error) {
	msg, err := c.service.Users.Messages.Get(user, id).Format("full").Context(ctx).Do()
	if err != nil {
		return model.RawEvidence{}, classify(err)
	}

	raw := model.RawEvidence{
		Kind:       model.SourceMail,
		ExternalID: msg.Id,
		ReceivedAt: time.UnixMilli(msg.InternalDate).UTC(),
	}
	if msg.Payload == nil {
		return raw, nil
	}
	for _, h := range msg.Payload.Headers {
		switch strings.ToLower(h.Name) {
		case "subject":
			raw.Subject = h.Value
		case "from":
			raw.Sender = h.Value
		}
	}

	var plain, html string
	var attachment *gmailapi.MessagePart
	walkParts(msg.Payload, func(part *gmailapi.MessagePart) {
		mime := strings.ToLower(part.MimeType)
		switch {
		case mime == "text/plain" && plain == "":
			plain = decodeBody(part.Body)
		case mime == "text/html" && html == "":
			html = decodeBody(part.Body)
		case attachment == nil && isReceiptAttachment(mime) && part.Body != nil && part.Body.AttachmentId != "":
			attachment = part
		}
	})
	raw.Text = plain
	if raw.Text == "" {
		raw.Text = stripTags(html)
	}
	if raw.Text == "" {
		raw.Text = msg.Snippet
	}

	if attachment != nil {
		body, err := c.service.Users.Messages.Attachments.Get(user, id, attachment.Body.AttachmentId).Context(ctx).Do()
		if err != nil {
			return model.RawEvidence{}, classify(err)
		}
		data, err := base64.URLEncoding.DecodeString(padBase64(body.Data))
		if err != nil {
			c.logger.Warn("skipping undecodable attachment", "message_id", id, "filename", attachment.Filename, "error", err)
		} else {
			raw.Attachment = data
			raw.ContentType = strings.ToLower(attachment.MimeType)
		}
	}
	return raw, nil
}

func walkParts(part *gmailapi.MessagePart, visit func(*gmailapi.MessagePart)) {
	if part == nil {
		return
	}
	visit(part)
	for _, child := range part.Parts {
		walkParts(child, visit)
	}
}

func isReceiptAttachment(mime string) bool {
	return strings.HasPrefix(mime, "image/") || mime == "application/pdf"
}

func decodeBody(body *gmailapi.MessagePartBody) string {
	if body == nil || body.Data == "" {
		return ""
	}
	data, err := base64.URLEncoding.DecodeString(padBase64(body.Data))
	if err != nil {
		return ""
	}
	return string(data)
}

// padBase64 restores padding Gmail sometimes omits.
func padBase64(s string) string {
	if n := len(s) % 4; n != 0 {
		s += strings.Repeat("=", 4-n)
	}
	return s
}

// stripTags reduces an HTML body to its text.
func stripTags(html string) string {
	var b strings.Builder
	inTag := false
	for _, r := range html {
		switch {
		case r == '<':
			inTag = true
			b.WriteRune(' ')
		case r == '>':
			inTag = false
		case !inTag:
			b.WriteRune(r)
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

func classify(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var apiErr *googleapi.Error
	if !errors.As(err, &apiErr) {
		return common.NewProviderError(model.ProviderGmail, fmt.Errorf("%w: %v", common.ErrProviderUnavailable, err))
	}
	switch apiErr.Code {
	case http.StatusTooManyRequests:
		return common.NewProviderError(model.ProviderGmail, fmt.Errorf("%w: %v", common.ErrRateLimit, err))
	case http.StatusUnauthorized, http.StatusForbidden:
		return common.NewConfigurationError("gmail rejected the credentials", err)
	case http.StatusNotFound:
		return common.NewConfigurationError("gmail mailbox not found", err)
	default:
		return common.NewProviderError(model.ProviderGmail, fmt.Errorf("%w: %v", common.ErrProviderUnavailable, err))
	}
}
