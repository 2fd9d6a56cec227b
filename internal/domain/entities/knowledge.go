package entities

// SourceChunk is a scored fragment of retrieved text with its origin.
type SourceChunk struct {
	Text     string  `json:"text"`
	Location string  `json:"location,omitempty"`
	Score    float64 `json:"score"`
}

// RetrievalResult is what a knowledge base query returns. An empty chunk list
// means nothing matched; Failed distinguishes an upstream failure, in which
// case GeneratedText carries the diagnostic.
type RetrievalResult struct {
	GeneratedText string        `json:"generated_text"`
	SourceChunks  []SourceChunk `json:"source_chunks"`
	Failed        bool          `json:"failed,omitempty"`
}

// Texts returns the chunk texts in ranked order.
func (r RetrievalResult) Texts() []string {
	out := make([]string, 0, len(r.SourceChunks))
	for _, c := range r.SourceChunks {
		out = append(out, c.Text)
	}
	return out
}

// MetadataFilter constrains retrieval to documents whose metadata attribute
// Key equals Value.
type MetadataFilter struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// KnowledgeDocument is a chunk of source text as stored in a knowledge base.
type KnowledgeDocument struct {
	ID        string `json:"id"`
	Text      string `json:"text"`
	Location  string `json:"location"`
	PatientID string `json:"patient_id,omitempty"`
	Ordinal   int    `json:"ordinal"`
}

// PatientRecordMetadata is the sidecar document stored next to an uploaded
// record. It binds the file to a patient for filtered retrieval.
type PatientRecordMetadata struct {
	MetadataAttributes map[string]string `json:"metadataAttributes"`
}

// NewPatientRecordMetadata returns the sidecar for patientID.
func NewPatientRecordMetadata(patientID string) PatientRecordMetadata {
	return PatientRecordMetadata{
		MetadataAttributes: map[string]string{"patient_id": patientID},
	}
}

// PatientID returns the bound patient id, if any.
func (m PatientRecordMetadata) PatientID() string {
	return m.MetadataAttributes["patient_id"]
}
