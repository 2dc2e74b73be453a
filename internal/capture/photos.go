// Package capture is the boundary to the field-capture subsystems. The
// engine consumes it for photo storage; signature pads and checklist widgets
// feed the engine directly through typed payloads.
package capture

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wrapforge/fieldflow/internal/gateway"
	"github.com/wrapforge/fieldflow/model"
)

// MaxPhotoBytes is the per-file upload ceiling. Tablet captures land well
// under this; anything larger is a mis-selected file.
const MaxPhotoBytes = 10 << 20

// photoExtensions maps the accepted capture formats to the extension used
// when naming the stored object.
var photoExtensions = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/webp": ".webp",
	"image/heic": ".heic",
}

// PhotoStore is the remote storage slice the uploader needs.
type PhotoStore interface {
	UploadPhoto(ctx context.Context, entityID string, file gateway.PhotoFile, photoType string) (string, error)
}

// PhotoUploader stores captured photos remotely and hands back stable
// references. A reference is returned only after the backend confirms
// storage; callers never see local or unconfirmed paths.
type PhotoUploader struct {
	store  PhotoStore
	logger *zap.Logger
}

// NewPhotoUploader creates an uploader. logger may be nil.
func NewPhotoUploader(store PhotoStore, logger *zap.Logger) *PhotoUploader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PhotoUploader{store: store, logger: logger}
}

// UploadPhotos validates the files, assigns each a unique storage name, then
// uploads them one by one and returns the stable remote references in input
// order. Validation rejects the whole batch before anything is stored. On an
// upload failure it stops and returns the references stored so far together
// with the error, so the caller can persist what survived.
func (u *PhotoUploader) UploadPhotos(ctx context.Context, entityID string, files []gateway.PhotoFile, photoType string) ([]string, error) {
	if err := validatePhotos(files); err != nil {
		return nil, err
	}

	refs := make([]string, 0, len(files))
	for i, f := range files {
		original := f.Name
		f.Name = storageName(f)
		ref, err := u.store.UploadPhoto(ctx, entityID, f, photoType)
		if err != nil {
			u.logger.Warn("photo upload failed",
				zap.String("entity_id", entityID),
				zap.String("file", original),
				zap.Int("stored", len(refs)),
				zap.Error(err))
			return refs, fmt.Errorf("upload %d of %d (%s): %w", i+1, len(files), original, err)
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

func validatePhotos(files []gateway.PhotoFile) error {
	var details []model.FieldError
	for i, f := range files {
		field := fmt.Sprintf("photos[%d]", i)
		if _, ok := photoExtensions[f.ContentType]; !ok {
			details = append(details, model.FieldError{
				Field:   field,
				Code:    "unsupported_type",
				Message: fmt.Sprintf("content type %q is not an accepted photo format", f.ContentType),
			})
		}
		if len(f.Data) == 0 {
			details = append(details, model.FieldError{
				Field:   field,
				Code:    "empty",
				Message: "photo has no data",
			})
		} else if len(f.Data) > MaxPhotoBytes {
			details = append(details, model.FieldError{
				Field:   field,
				Code:    "too_large",
				Message: fmt.Sprintf("photo exceeds the %d byte limit", MaxPhotoBytes),
			})
		}
	}
	if details != nil {
		return model.NewValidationError(details)
	}
	return nil
}

// storageName assigns a collision-free object name; client file names repeat
// across devices (IMG_0001.jpg) and cannot key remote storage.
func storageName(f gateway.PhotoFile) string {
	return uuid.NewString() + photoExtensions[f.ContentType]
}
