package ingest

import (
	"bytes"
	"context"
	"testing"

	"github.com/Veraticus/spendlot/internal/common"
	"github.com/Veraticus/spendlot/internal/model"
	"github.com/Veraticus/spendlot/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmitImage(t *testing.T) {
	tests := []struct {
		wantErr     error
		name        string
		contentType string
		image       []byte
	}{
		{name: "detected png", image: pngHeader},
		{name: "declared jpeg", contentType: "image/jpeg", image: []byte("jpeg bytes")},
		{name: "pdf", contentType: "application/pdf", image: []byte("%PDF-1.7")},
		{name: "empty", wantErr: common.ErrEmptyPayload},
		{name: "too large", image: bytes.Repeat([]byte{1}, MaxImageSize+1), wantErr: common.ErrPayloadTooBig},
		{name: "plain text", image: []byte("hello there"), wantErr: common.ErrNotReceipt},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := testutil.SetupTestDB(t)
			ctx := context.Background()
			sub, err := NewIntake(db.Storage).SubmitImage(ctx, "user-1", tt.contentType, tt.image)

			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				assert.Equal(t, common.ClassParse, common.Classify(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, model.SourceImage, sub.Evidence.SourceKind)
			assert.Equal(t, model.StatusPending, sub.Evidence.Status)
			require.NotNil(t, sub.Unit)
			assert.Equal(t, model.WorkOCR, sub.Unit.Kind)
			assert.Equal(t, sub.Evidence.ID, sub.Unit.PayloadRef)

			blob, _, err := db.Storage.GetBlob(ctx, sub.Evidence.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.image, blob)
		})
	}

	t.Run("missing user", func(t *testing.T) {
		db := testutil.SetupTestDB(t)
		_, err := NewIntake(db.Storage).SubmitImage(context.Background(), "", "image/png", pngHeader)
		assert.ErrorIs(t, err, common.ErrUnknownUser)
	})
}

func TestSubmitSMS(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx := context.Background()
	require.NoError(t, db.Storage.SaveUserProfile(ctx, &model.UserProfile{UserID: "user-1", PhoneNumber: "5550102030"}))
	intake := NewIntake(db.Storage)

	tests := []struct {
		wantErr error
		name    string
		from    string
		body    string
	}{
		{name: "unknown sender", from: "+15559999999", body: "Paid $3 at Cafe", wantErr: common.ErrUnknownUser},
		{name: "no number", from: "anonymous", body: "Paid $3 at Cafe", wantErr: common.ErrUnknownUser},
		{name: "empty body", from: "+15550102030", body: "  ", wantErr: common.ErrEmptyPayload},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := intake.SubmitSMS(ctx, tt.from, tt.body, "")
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	t.Run("accepted", func(t *testing.T) {
		sub, err := intake.SubmitSMS(ctx, "(555) 010-2030", "Paid $3.00 at Cafe Roma", "SM42")
		require.NoError(t, err)
		assert.Equal(t, "user-1", sub.Evidence.UserID)
		assert.Equal(t, "SM42", sub.Evidence.ExternalID)
		assert.Equal(t, "Paid $3.00 at Cafe Roma", sub.Evidence.RawText)
		require.NotNil(t, sub.Unit)
		assert.Equal(t, model.WorkSMSParse, sub.Unit.Kind)
		assert.Equal(t, model.SourceSMS, sub.Unit.SourceKind)
	})
}
