package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/wrapforge/fieldflow/internal/gateway"
	"github.com/wrapforge/fieldflow/model"
)

type stubStore struct {
	failAt int // 1-based index of the upload that fails; 0 = never
	calls  int
	names  []string
}

func (s *stubStore) UploadPhoto(ctx context.Context, entityID string, file gateway.PhotoFile, photoType string) (string, error) {
	s.calls++
	s.names = append(s.names, file.Name)
	if s.failAt > 0 && s.calls == s.failAt {
		return "", errors.New("connection reset")
	}
	return fmt.Sprintf("https://cdn.example.com/%s/%s", entityID, file.Name), nil
}

func jpeg(name string) gateway.PhotoFile {
	return gateway.PhotoFile{Name: name, ContentType: "image/jpeg", Data: []byte{0xff, 0xd8, 0xff}}
}

func TestUploadPhotosReturnsRefsInOrder(t *testing.T) {
	store := &stubStore{}
	u := NewPhotoUploader(store, nil)
	refs, err := u.UploadPhotos(context.Background(), "iv-1", []gateway.PhotoFile{
		jpeg("a.jpg"), jpeg("b.jpg"), jpeg("c.jpg"),
	}, "installation")
	if err != nil {
		t.Fatalf("UploadPhotos: %v", err)
	}
	if len(refs) != 3 {
		t.Fatalf("refs = %d, want 3", len(refs))
	}
	for i, ref := range refs {
		if ref != "https://cdn.example.com/iv-1/"+store.names[i] {
			t.Errorf("refs[%d] = %q, want it built from the stored name", i, ref)
		}
	}
}

func TestUploadPhotosAssignsUniqueStorageNames(t *testing.T) {
	store := &stubStore{}
	u := NewPhotoUploader(store, nil)
	// Two devices both capture IMG_0001.jpg; stored names must not collide.
	if _, err := u.UploadPhotos(context.Background(), "iv-1", []gateway.PhotoFile{
		jpeg("IMG_0001.jpg"), jpeg("IMG_0001.jpg"),
	}, "inspection"); err != nil {
		t.Fatalf("UploadPhotos: %v", err)
	}
	if len(store.names) != 2 || store.names[0] == store.names[1] {
		t.Fatalf("stored names = %v, want two distinct names", store.names)
	}
	for _, name := range store.names {
		if name == "IMG_0001.jpg" || !strings.HasSuffix(name, ".jpg") {
			t.Errorf("stored name = %q, want a generated .jpg name", name)
		}
	}
}

func TestUploadPhotosRejectsBadFiles(t *testing.T) {
	tests := []struct {
		name string
		file gateway.PhotoFile
	}{
		{"unsupported type", gateway.PhotoFile{Name: "doc.pdf", ContentType: "application/pdf", Data: []byte("x")}},
		{"empty data", gateway.PhotoFile{Name: "a.jpg", ContentType: "image/jpeg"}},
		{"too large", gateway.PhotoFile{Name: "a.jpg", ContentType: "image/jpeg", Data: bytes.Repeat([]byte{0xff}, MaxPhotoBytes+1)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &stubStore{}
			u := NewPhotoUploader(store, nil)
			_, err := u.UploadPhotos(context.Background(), "iv-1", []gateway.PhotoFile{tt.file}, "inspection")
			if !model.IsCode(err, model.ErrValidation) {
				t.Fatalf("err = %v, want VALIDATION_ERROR", err)
			}
			if store.calls != 0 {
				t.Errorf("calls = %d, nothing may be stored for an invalid batch", store.calls)
			}
		})
	}
}

func TestUploadPhotosPartialFailure(t *testing.T) {
	store := &stubStore{failAt: 2}
	u := NewPhotoUploader(store, nil)
	refs, err := u.UploadPhotos(context.Background(), "iv-1", []gateway.PhotoFile{
		jpeg("a.jpg"), jpeg("b.jpg"), jpeg("c.jpg"),
	}, "installation")
	if err == nil {
		t.Fatal("expected error")
	}
	if len(refs) != 1 {
		t.Fatalf("refs = %v, want the one stored before the failure", refs)
	}
	if store.calls != 2 {
		t.Errorf("calls = %d, want 2 (stop at first failure)", store.calls)
	}
}

func TestUploadPhotosEmptyInput(t *testing.T) {
	u := NewPhotoUploader(&stubStore{}, nil)
	refs, err := u.UploadPhotos(context.Background(), "iv-1", nil, "inspection")
	if err != nil {
		t.Fatalf("UploadPhotos: %v", err)
	}
	if len(refs) != 0 {
		t.Errorf("refs = %v, want none", refs)
	}
}
