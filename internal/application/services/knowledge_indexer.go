package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/zatekoja/preauthagent/internal/domain/entities"
	"github.com/zatekoja/preauthagent/internal/domain/providers"
)

// IndexStats summarizes one directory load.
type IndexStats struct {
	Files   int
	Skipped int
	Chunks  int
}

// KnowledgeIndexer loads text documents from a file tree into a knowledge
// base. A file's patient binding comes from its ".metadata.json" sidecar,
// the same document the upload path writes.
type KnowledgeIndexer struct {
	kb        providers.KnowledgeBaseProvider
	chunkSize int
	batchSize int
}

// NewKnowledgeIndexer creates an indexer writing to kb
func NewKnowledgeIndexer(kb providers.KnowledgeBaseProvider) *KnowledgeIndexer {
	return &KnowledgeIndexer{kb: kb, chunkSize: DefaultChunkSize, batchSize: 100}
}

// IndexTree indexes every text file below root in fsys into sourceID. When
// requirePatient is set, files without a patient sidecar are skipped so
// clinical notes can never be retrieved for the wrong patient.
func (x *KnowledgeIndexer) IndexTree(ctx context.Context, fsys fs.FS, sourceID string, requirePatient bool) (IndexStats, error) {
	var stats IndexStats
	if err := x.kb.EnsureSource(ctx, sourceID); err != nil {
		return stats, fmt.Errorf("failed to prepare knowledge base %s: %w", sourceID, err)
	}

	var batch []entities.KnowledgeDocument
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := x.kb.Index(ctx, sourceID, batch); err != nil {
			return fmt.Errorf("failed to index into %s: %w", sourceID, err)
		}
		stats.Chunks += len(batch)
		batch = batch[:0]
		return nil
	}

	err := fs.WalkDir(fsys, ".", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || strings.HasSuffix(path, MetadataSuffix) || strings.HasPrefix(d.Name(), ".") {
			return nil
		}

		data, err := fs.ReadFile(fsys, path)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", path, err)
		}
		if !IsTextRecord(path, data) {
			stats.Skipped++
			return nil
		}

		patientID, err := readPatientSidecar(fsys, path)
		if err != nil {
			log.Warn().Err(err).Str("path", path).Msg("ignoring unreadable record metadata")
		}
		if requirePatient && patientID == "" {
			log.Warn().Str("path", path).Msg("skipping record without patient binding")
			stats.Skipped++
			return nil
		}

		stats.Files++
		for _, doc := range ChunkDocument(path, patientID, string(data), x.chunkSize) {
			batch = append(batch, doc)
			if len(batch) >= x.batchSize {
				if err := flush(); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return stats, err
	}
	return stats, flush()
}

func readPatientSidecar(fsys fs.FS, path string) (string, error) {
	data, err := fs.ReadFile(fsys, path+MetadataSuffix)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	var meta entities.PatientRecordMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return "", err
	}
	return meta.PatientID(), nil
}
