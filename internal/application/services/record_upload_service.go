package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"strings"
	"unicode/utf8"

	"github.com/rs/zerolog/log"
	"github.com/zatekoja/preauthagent/internal/domain/entities"
	"github.com/zatekoja/preauthagent/internal/domain/providers"
	apperrors "github.com/zatekoja/preauthagent/pkg/errors"
)

// MetadataSuffix is appended to an object key to name its sidecar.
const MetadataSuffix = ".metadata.json"

// UploadResult is returned after a record has been stored.
type UploadResult struct {
	Status   string `json:"status"`
	Filename string `json:"filename"`
	Key      string `json:"key"`
	Indexed  int    `json:"indexed_chunks"`
}

// RecordUploadService stores patient records and makes text records
// retrievable from the provider knowledge base.
type RecordUploadService struct {
	store           providers.ObjectStore
	kb              providers.KnowledgeBaseProvider
	knowledgeBaseID string
	chunkSize       int
}

// NewRecordUploadService creates a new upload service. kb may be nil or
// knowledgeBaseID empty, in which case records are stored but not indexed.
func NewRecordUploadService(store providers.ObjectStore, kb providers.KnowledgeBaseProvider, knowledgeBaseID string) *RecordUploadService {
	return &RecordUploadService{
		store:           store,
		kb:              kb,
		knowledgeBaseID: knowledgeBaseID,
		chunkSize:       DefaultChunkSize,
	}
}

// RecordKey returns the object key for a patient's file.
func RecordKey(patientID, filename string) string {
	return fmt.Sprintf("patients/%s/%s", patientID, filename)
}

// Upload stores body as the patient's file together with a sidecar binding
// it to the patient. If the sidecar cannot be written the file is removed
// again.
func (s *RecordUploadService) Upload(ctx context.Context, patientID, filename string, body io.Reader) (*UploadResult, error) {
	patientID = strings.TrimSpace(patientID)
	if patientID == "" {
		return nil, apperrors.NewValidationError("patient_id is required")
	}
	if strings.ContainsAny(patientID, `/\`) || patientID == "." || patientID == ".." {
		return nil, apperrors.NewValidationError("patient_id must not contain path separators or be a relative path")
	}
	name := path.Base(strings.ReplaceAll(strings.TrimSpace(filename), `\`, "/"))
	if name == "" || name == "." || name == "/" || name == ".." {
		return nil, apperrors.NewValidationError("file name is required")
	}

	data, err := io.ReadAll(body)
	if err != nil {
		return nil, apperrors.NewInternalError("failed to read upload", err)
	}

	key := RecordKey(patientID, name)
	logger := log.With().Str("patient_id", patientID).Str("key", key).Logger()

	if err := s.store.Put(ctx, key, bytes.NewReader(data)); err != nil {
		return nil, apperrors.NewExternalError("failed to store record", err)
	}

	sidecar, err := json.Marshal(entities.NewPatientRecordMetadata(patientID))
	if err != nil {
		return nil, apperrors.NewInternalError("failed to encode record metadata", err)
	}
	if err := s.store.Put(ctx, key+MetadataSuffix, bytes.NewReader(sidecar)); err != nil {
		logger.Error().Err(err).Msg("failed to store record metadata, removing record")
		if derr := s.store.Delete(context.WithoutCancel(ctx), key); derr != nil {
			logger.Error().Err(derr).Msg("failed to remove orphaned record")
		}
		return nil, apperrors.NewExternalError("failed to store record metadata", err)
	}

	result := &UploadResult{Status: "success", Filename: name, Key: key}
	if s.kb == nil || s.knowledgeBaseID == "" || !IsTextRecord(name, data) {
		logger.Info().Msg("record stored")
		return result, nil
	}

	// The record and sidecar are durable at this point, so an indexing
	// failure is reported as zero indexed chunks; the indexer picks the
	// record up on its next run.
	docs := ChunkDocument(key, patientID, string(data), s.chunkSize)
	if len(docs) > 0 {
		if err := s.index(ctx, docs); err != nil {
			logger.Warn().Err(err).Msg("record stored but not indexed")
			return result, nil
		}
	}
	result.Indexed = len(docs)

	logger.Info().Int("chunks", len(docs)).Msg("record stored and indexed")
	return result, nil
}

var textExtensions = map[string]bool{
	".txt": true, ".md": true, ".csv": true, ".json": true, ".xml": true, ".html": true, ".htm": true,
}

// IsTextRecord reports whether a record can be indexed as plain text.
func IsTextRecord(filename string, data []byte) bool {
	if !textExtensions[strings.ToLower(path.Ext(filename))] {
		return false
	}
	return utf8.Valid(data) && !bytes.Contains(data, []byte{0})
}

func (s *RecordUploadService) index(ctx context.Context, docs []entities.KnowledgeDocument) error {
	if err := s.kb.EnsureSource(ctx, s.knowledgeBaseID); err != nil {
		return fmt.Errorf("failed to prepare knowledge base %s: %w", s.knowledgeBaseID, err)
	}
	return s.kb.Index(ctx, s.knowledgeBaseID, docs)
}
