package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/zatekoja/preauthagent/internal/application/services"
)

// MaxUploadBytes caps the size of an uploaded record.
const MaxUploadBytes = 32 << 20

// RecordUploader stores an uploaded patient record.
type RecordUploader interface {
	Upload(ctx context.Context, patientID, filename string, body io.Reader) (*services.UploadResult, error)
}

// UploadHandler handles patient record uploads
type UploadHandler struct {
	uploader RecordUploader
}

// NewUploadHandler creates a new upload handler
func NewUploadHandler(uploader RecordUploader) *UploadHandler {
	return &UploadHandler{uploader: uploader}
}

// UploadPatientRecord handles POST /upload-patient-record
func (h *UploadHandler) UploadPatientRecord(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, MaxUploadBytes)
	if err := r.ParseMultipartForm(MaxUploadBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondWithError(w, http.StatusRequestEntityTooLarge, "file too large")
			return
		}
		respondWithError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()

	result, err := h.uploader.Upload(r.Context(), r.FormValue("patient_id"), header.Filename, file)
	if err != nil {
		respondWithAppError(w, r, err)
		return
	}

	respondWithJSON(w, http.StatusOK, result)
}
