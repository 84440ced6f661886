// Package vision reads receipt images with Google Cloud Vision document
// text detection.
package vision

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/Veraticus/spendlot/internal/common"
	"github.com/Veraticus/spendlot/internal/model"
	"github.com/Veraticus/spendlot/internal/service"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	visionapi "google.golang.org/api/vision/v1"
)

const provider = "vision"

// Config selects how the client authenticates. An API key wins over a
// credentials file; with neither, application default credentials apply.
type Config struct {
	APIKey          string
	CredentialsFile string
	Endpoint        string // Overrides the API endpoint, for tests
}

// Client implements service.OCR.
type Client struct {
	svc    *visionapi.Service
	logger *slog.Logger
}

var _ service.OCR = (*Client)(nil)

// NewClient creates a Cloud Vision client.
func NewClient(ctx context.Context, cfg Config, opts ...option.ClientOption) (*Client, error) {
	switch {
	case cfg.APIKey != "":
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	case cfg.CredentialsFile != "":
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}

	svc, err := visionapi.NewService(ctx, opts...)
	if err != nil {
		return nil, common.NewConfigurationError("failed to create Cloud Vision client", err)
	}
	return &Client{svc: svc, logger: slog.Default().With("component", "vision")}, nil
}

// ExtractText implements service.OCR. Confidence is the mean page
// confidence Vision reports.
func (c *Client) ExtractText(ctx context.Context, image []byte) (model.OCRResult, error) {
	req := &visionapi.BatchAnnotateImagesRequest{
		Requests: []*visionapi.AnnotateImageRequest{{
			Image:    &visionapi.Image{Content: base64.StdEncoding.EncodeToString(image)},
			Features: []*visionapi.Feature{{Type: "DOCUMENT_TEXT_DETECTION"}},
		}},
	}

	resp, err := c.svc.Images.Annotate(req).Context(ctx).Do()
	if err != nil {
		return model.OCRResult{}, classify(err)
	}
	if len(resp.Responses) == 0 {
		return model.OCRResult{}, common.NewProviderError(provider, fmt.Errorf("%w: empty response", common.ErrProviderUnavailable))
	}

	annotation := resp.Responses[0]
	if annotation.Error != nil && annotation.Error.Code != 0 {
		return model.OCRResult{}, classifyStatus(annotation.Error.Code, annotation.Error.Message)
	}
	if annotation.FullTextAnnotation == nil || annotation.FullTextAnnotation.Text == "" {
		return model.OCRResult{}, common.NewParseError("no text recognized", common.ErrEmptyPayload)
	}

	result := model.OCRResult{Text: annotation.FullTextAnnotation.Text}
	if pages := annotation.FullTextAnnotation.Pages; len(pages) > 0 {
		var sum float64
		for _, page := range pages {
			sum += page.Confidence
		}
		result.Confidence = sum / float64(len(pages))
	}
	c.logger.Debug("image read", "bytes", len(image), "chars", len(result.Text), "confidence", result.Confidence)
	return result, nil
}

// classify sorts a transport or HTTP failure.
func classify(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == http.StatusTooManyRequests:
			return common.NewProviderError(provider, fmt.Errorf("%w: %v", common.ErrRateLimit, err))
		case apiErr.Code == http.StatusUnauthorized || apiErr.Code == http.StatusForbidden:
			return common.NewConfigurationError("Cloud Vision rejected the credentials", err)
		case apiErr.Code == http.StatusBadRequest:
			return common.NewParseError("Cloud Vision could not read the image", err)
		}
	}
	return common.NewProviderError(provider, fmt.Errorf("%w: %v", common.ErrProviderUnavailable, err))
}

// classifyStatus sorts a per-image google.rpc status.
func classifyStatus(code int64, message string) error {
	err := fmt.Errorf("vision status %d: %s", code, message)
	switch code {
	case 3: // INVALID_ARGUMENT
		return common.NewParseError("Cloud Vision could not read the image", err)
	case 7, 16: // PERMISSION_DENIED, UNAUTHENTICATED
		return common.NewConfigurationError("Cloud Vision rejected the credentials", err)
	case 8: // RESOURCE_EXHAUSTED
		return common.NewProviderError(provider, fmt.Errorf("%w: %v", common.ErrRateLimit, err))
	}
	return common.NewProviderError(provider, fmt.Errorf("%w: %v", common.ErrProviderUnavailable, err))
}
