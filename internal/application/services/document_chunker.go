package services

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/zatekoja/preauthagent/internal/domain/entities"
)

// DefaultChunkSize is the target chunk length in characters.
const DefaultChunkSize = 1500

// ChunkDocument splits text into knowledge documents of at most size
// characters. Paragraph breaks are preferred split points; a paragraph longer
// than size is cut on whitespace. Document ids derive from location and
// ordinal, so re-indexing the same file overwrites its earlier chunks.
func ChunkDocument(location, patientID, text string, size int) []entities.KnowledgeDocument {
	if size <= 0 {
		size = DefaultChunkSize
	}

	var docs []entities.KnowledgeDocument
	emit := func(chunk string) {
		chunk = strings.TrimSpace(chunk)
		if chunk == "" {
			return
		}
		ordinal := len(docs)
		docs = append(docs, entities.KnowledgeDocument{
			ID:        uuid.NewSHA1(uuid.NameSpaceURL, []byte(fmt.Sprintf("%s#%d", location, ordinal))).String(),
			Text:      chunk,
			Location:  location,
			PatientID: patientID,
			Ordinal:   ordinal,
		})
	}

	var current strings.Builder
	flush := func() {
		emit(current.String())
		current.Reset()
	}

	normalized := strings.ReplaceAll(text, "\r\n", "\n")
	for _, para := range strings.Split(normalized, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		if utf8.RuneCountInString(para) > size {
			flush()
			for _, piece := range splitWords(para, size) {
				emit(piece)
			}
			continue
		}
		if current.Len() > 0 && utf8.RuneCountInString(current.String())+2+utf8.RuneCountInString(para) > size {
			flush()
		}
		if current.Len() > 0 {
			current.WriteString("\n\n")
		}
		current.WriteString(para)
	}
	flush()

	return docs
}

func splitWords(text string, size int) []string {
	var pieces []string
	var current strings.Builder
	count := 0
	for _, word := range strings.Fields(text) {
		n := utf8.RuneCountInString(word)
		if count > 0 && count+1+n > size {
			pieces = append(pieces, current.String())
			current.Reset()
			count = 0
		}
		if count > 0 {
			current.WriteByte(' ')
			count++
		}
		current.WriteString(word)
		count += n
	}
	if count > 0 {
		pieces = append(pieces, current.String())
	}
	return pieces
}
