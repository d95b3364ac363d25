package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/receiptflow/gateway/store"
)

// presignTTL is the validity window of presigned image URLs.
const presignTTL = time.Hour

// multipartMemoryLimit bounds in-memory parsing of upload forms; anything
// beyond MaxImageSize is rejected later by validation regardless.
const multipartMemoryLimit = 12 << 20

// RecognitionFinder resolves Recognition projections for the status route.
type RecognitionFinder interface {
	FindByID(ctx context.Context, id string) (*store.Recognition, error)
}

// ImageFinder resolves Image records for the image route.
type ImageFinder interface {
	FindByID(ctx context.Context, id string) (*store.Image, error)
}

// Presigner mints presigned GET URLs for blob keys.
type Presigner interface {
	Presign(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// API is the HTTP edge of the gateway.
type API struct {
	Service      *Service
	Recognitions RecognitionFinder
	Images       ImageFinder
	Presigner    Presigner
	ServiceName  string
}

// Router builds the gateway's route table.
func (a *API) Router() *mux.Router {
	var r = mux.NewRouter()
	r.HandleFunc("/api/v1/recognize", a.handleRecognize).Methods("POST")
	r.HandleFunc("/api/v1/recognitions/{id}", a.handleGetRecognition).Methods("GET")
	r.HandleFunc("/api/v1/images/{id}", a.handleGetImage).Methods("GET")
	r.HandleFunc("/health", a.handleHealth).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")
	return r
}

func (a *API) handleRecognize(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(multipartMemoryLimit); err != nil {
		httpError(w, http.StatusBadRequest, fmt.Errorf("parsing multipart form: %w", err))
		return
	}

	file, header, err := r.FormFile("image")
	if err != nil {
		httpError(w, http.StatusBadRequest, errors.New("image file is required"))
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, MaxImageSize+1))
	if err != nil {
		httpError(w, http.StatusBadRequest, fmt.Errorf("reading image: %w", err))
		return
	}

	var mimeType = header.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}

	formats, err := ParseQRFormats(r.FormValue("acceptedQrFormats"))
	if err != nil {
		httpError(w, http.StatusBadRequest, err)
		return
	}

	result, err := a.Service.Upload(r.Context(), UploadRequest{
		Data:              data,
		MimeType:          mimeType,
		SourceService:     r.FormValue("sourceService"),
		SourceReference:   r.FormValue("sourceReference"),
		AcceptedQRFormats: formats,
		AlignmentMode:     r.FormValue("alignmentMode"),
	})

	var validationErr *ValidationError
	if errors.As(err, &validationErr) {
		httpError(w, http.StatusBadRequest, err)
		return
	} else if err != nil {
		log.WithFields(log.Fields{"err": err, "client": r.RemoteAddr}).
			Error("image upload failed")
		httpError(w, http.StatusInternalServerError, errors.New("internal error"))
		return
	}
	writeJSON(w, http.StatusAccepted, result)
}

// recognitionProjection is the external shape of a Recognition.
type recognitionProjection struct {
	RecognitionID  string            `json:"recognitionId"`
	ImageID        string            `json:"imageId"`
	Status         store.Status      `json:"status"`
	ResultType     *store.ResultType `json:"resultType,omitempty"`
	Text           *textProjection   `json:"text,omitempty"`
	QR             *qrProjection     `json:"qr,omitempty"`
	ProcessingTime *int64            `json:"processingTime,omitempty"`
	Error          *string           `json:"error,omitempty"`
	CreatedAt      time.Time         `json:"createdAt"`
	CompletedAt    *time.Time        `json:"completedAt,omitempty"`
}

type textProjection struct {
	RawText    string       `json:"rawText"`
	Confidence float64      `json:"confidence"`
	Engine     store.Engine `json:"engine"`
	Aligned    bool         `json:"aligned"`
}

type qrProjection struct {
	Data     string            `json:"data"`
	Format   store.QRFormat    `json:"format"`
	Location *store.QRLocation `json:"location,omitempty"`
}

func projectRecognition(rec *store.Recognition) recognitionProjection {
	var out = recognitionProjection{
		RecognitionID:  rec.ID,
		ImageID:        rec.ImageID,
		Status:         rec.Status,
		ResultType:     rec.ResultType,
		ProcessingTime: rec.ProcessingTimeMS,
		Error:          rec.Error,
		CreatedAt:      rec.CreatedAt,
		CompletedAt:    rec.CompletedAt,
	}
	if rec.ResultType == nil {
		return out
	}
	switch *rec.ResultType {
	case store.ResultText:
		if rec.RawText != nil && rec.Confidence != nil && rec.Engine != nil {
			out.Text = &textProjection{
				RawText:    *rec.RawText,
				Confidence: *rec.Confidence,
				Engine:     *rec.Engine,
				Aligned:    rec.Aligned != nil && *rec.Aligned,
			}
		}
	case store.ResultQR:
		if rec.QRData != nil && rec.QRFormat != nil {
			out.QR = &qrProjection{
				Data:     *rec.QRData,
				Format:   *rec.QRFormat,
				Location: rec.Location(),
			}
		}
	}
	return out
}

func (a *API) handleGetRecognition(w http.ResponseWriter, r *http.Request) {
	var id = mux.Vars(r)["id"]

	var rec, err = a.Recognitions.FindByID(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		httpError(w, http.StatusNotFound, fmt.Errorf("recognition %s not found", id))
		return
	} else if err != nil {
		log.WithFields(log.Fields{"id": id, "err": err}).Error("recognition lookup failed")
		httpError(w, http.StatusInternalServerError, errors.New("internal error"))
		return
	}
	writeJSON(w, http.StatusOK, projectRecognition(rec))
}

func (a *API) handleGetImage(w http.ResponseWriter, r *http.Request) {
	var id = mux.Vars(r)["id"]

	var variant = r.URL.Query().Get("type")
	if variant == "" {
		variant = "original"
	}
	if variant != "original" && variant != "processed" {
		httpError(w, http.StatusBadRequest, fmt.Errorf("unknown image type %q", variant))
		return
	}

	var img, err = a.Images.FindByID(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		httpError(w, http.StatusNotFound, fmt.Errorf("image %s not found", id))
		return
	} else if err != nil {
		log.WithFields(log.Fields{"id": id, "err": err}).Error("image lookup failed")
		httpError(w, http.StatusInternalServerError, errors.New("internal error"))
		return
	}

	var blobURL = img.OriginalURL
	if variant == "processed" {
		if img.ProcessedURL == nil {
			httpError(w, http.StatusNotFound, fmt.Errorf("image %s has no processed variant", id))
			return
		}
		blobURL = *img.ProcessedURL
	}

	_, key, err := store.ParseBlobURL(blobURL)
	if err != nil {
		log.WithFields(log.Fields{"id": id, "url": blobURL, "err": err}).
			Error("stored image URL is malformed")
		httpError(w, http.StatusInternalServerError, errors.New("internal error"))
		return
	}
	signed, err := a.Presigner.Presign(r.Context(), key, presignTTL)
	if err != nil {
		log.WithFields(log.Fields{"id": id, "key": key, "err": err}).
			Error("presigning image URL failed")
		httpError(w, http.StatusInternalServerError, errors.New("internal error"))
		return
	}

	writeJSON(w, http.StatusOK, struct {
		ImageID string `json:"imageId"`
		Type    string `json:"type"`
		URL     string `json:"url"`
	}{img.ID, variant, signed})
}

func (a *API) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, struct {
		Status    string    `json:"status"`
		Service   string    `json:"service"`
		Timestamp time.Time `json:"timestamp"`
	}{"ok", a.ServiceName, time.Now().UTC()})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func httpError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, struct {
		Error string `json:"error"`
	}{err.Error()})
}
