// Package intake filters dropped files, registers them as processing
// records and prepares one extraction job per record.
package intake

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"ocrdrop/internal/logging"
	"ocrdrop/internal/models"
	"ocrdrop/internal/preview"
	"ocrdrop/internal/state"
	"ocrdrop/internal/worker"
)

// extension -> fallback MIME type
var allowed = map[string]string{
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".bmp":  "image/bmp",
}

// File is one dropped file.
type File struct {
	Name     string
	MIMEType string
	Data     []byte
}

// Dispatcher receives the Intake event. *state.Store satisfies it.
type Dispatcher interface {
	Dispatch(e state.Event) bool
}

type Service struct {
	previews preview.Store
	newID    func() string
	now      func() time.Time
}

func NewService(previews preview.Store) *Service {
	return &Service{
		previews: previews,
		newID:    uuid.NewString,
		now:      time.Now,
	}
}

// Allowed reports whether the file name carries an accepted image extension.
func Allowed(name string) bool {
	_, ok := allowed[strings.ToLower(filepath.Ext(name))]
	return ok
}

// Accept registers every allowed file in input order with one Intake event
// and returns the new records with their jobs. Files with other extensions
// are skipped. If storing a preview fails, the files accepted so far are
// still registered and the error is returned alongside them.
func (s *Service) Accept(ctx context.Context, sink Dispatcher, files []File) ([]models.ImageRecord, []worker.Job, error) {
	log := logging.Named("intake")
	records := make([]models.ImageRecord, 0, len(files))
	jobs := make([]worker.Job, 0, len(files))

	var storeErr error
	for _, f := range files {
		if !Allowed(f.Name) {
			log.Debugw("skip unsupported file", "name", f.Name)
			continue
		}
		id := s.newID()
		mimeType := detectMIME(f)
		if err := s.previews.Put(ctx, id, preview.Blob{Data: f.Data, MIMEType: mimeType}); err != nil {
			storeErr = fmt.Errorf("store preview for %s: %w", f.Name, err)
			break
		}
		records = append(records, models.ImageRecord{
			ID:           id,
			Name:         f.Name,
			IsProcessing: true,
			PreviewURL:   models.PreviewURL(id),
			MimeType:     mimeType,
			CreatedAt:    s.now().UTC(),
		})
		jobs = append(jobs, worker.Job{
			RecordID: id,
			Name:     f.Name,
			MIMEType: mimeType,
			Read:     s.reader(id),
		})
	}

	if len(records) > 0 {
		sink.Dispatch(state.Intake{Records: records})
	}
	log.Debugw("files accepted", "accepted", len(records), "dropped", len(files))
	return records, jobs, storeErr
}

func (s *Service) reader(id string) func(ctx context.Context) ([]byte, error) {
	return func(ctx context.Context) ([]byte, error) {
		blob, err := s.previews.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		return blob.Data, nil
	}
}

// detectMIME prefers the declared type, then content sniffing, then the
// extension.
func detectMIME(f File) string {
	declared, _, _ := strings.Cut(f.MIMEType, ";")
	declared = strings.ToLower(strings.TrimSpace(declared))
	if strings.HasPrefix(declared, "image/") {
		return declared
	}
	if len(f.Data) > 0 {
		if sniffed := mimetype.Detect(f.Data); strings.HasPrefix(sniffed.String(), "image/") {
			return sniffed.String()
		}
	}
	return allowed[strings.ToLower(filepath.Ext(f.Name))]
}
