package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/verdantlabs/yardgen/internal/models"
	"github.com/verdantlabs/yardgen/internal/repository"
	"github.com/verdantlabs/yardgen/internal/service"
)

const maxUploadBytes = 10 << 20

type createGenerationRequest struct {
	UserID       int64    `json:"user_id" validate:"required,gt=0"`
	Kind         string   `json:"kind" validate:"omitempty,oneof=landscape holiday"`
	Address      string   `json:"address" validate:"required,min=5"`
	Areas        []string `json:"areas" validate:"required,min=1,dive,oneof=front_yard back_yard side_yard driveway patio"`
	Style        string   `json:"style" validate:"required"`
	CustomPrompt string   `json:"custom_prompt"`
}

type areaResultResponse struct {
	Area        string `json:"area"`
	OK          bool   `json:"ok"`
	ImageSource string `json:"image_source,omitempty"`
	ResultURL   string `json:"result_url,omitempty"`
	Error       string `json:"error,omitempty"`
}

type jobResponse struct {
	ID          string               `json:"id"`
	Status      string               `json:"status"`
	Kind        string               `json:"kind"`
	Address     string               `json:"address"`
	Style       string               `json:"style"`
	Areas       []string             `json:"areas"`
	PaymentPool string               `json:"payment_pool,omitempty"`
	Results     []areaResultResponse `json:"results,omitempty"`
	ResultURLs  []string             `json:"result_urls,omitempty"`
	Error       string               `json:"error,omitempty"`
	CreatedAt   time.Time            `json:"created_at"`
	CompletedAt *time.Time           `json:"completed_at,omitempty"`
}

func toJobResponse(job *models.GenerationJob) jobResponse {
	resp := jobResponse{
		ID:          job.ID,
		Status:      string(job.Status),
		Kind:        string(job.Kind),
		Address:     job.Address,
		Style:       job.Style,
		PaymentPool: string(job.PaymentPool),
		ResultURLs:  job.ResultRefs(),
		Error:       job.ErrorMessage,
		CreatedAt:   job.CreatedAt,
		CompletedAt: job.CompletedAt,
	}
	for _, a := range job.Areas {
		resp.Areas = append(resp.Areas, string(a))
	}
	for _, r := range job.AreaResults {
		resp.Results = append(resp.Results, areaResultResponse{
			Area:        string(r.Area),
			OK:          r.OK,
			ImageSource: string(r.ImageSource),
			ResultURL:   r.ResultURL,
			Error:       r.Error,
		})
	}
	return resp
}

// handleCreateGeneration accepts either a plain JSON body or a multipart form
// carrying a "payload" JSON part plus an optional "image" upload.
func (s *Server) handleCreateGeneration(w http.ResponseWriter, r *http.Request) {
	req, upload, err := s.parseCreateRequest(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		s.writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
		return
	}

	areas := make([]models.AreaKind, 0, len(req.Areas))
	for _, a := range req.Areas {
		areas = append(areas, models.AreaKind(a))
	}

	job, err := s.generations.Create(r.Context(), service.CreateRequest{
		UserID:       req.UserID,
		Kind:         models.JobKind(req.Kind),
		Address:      req.Address,
		Areas:        areas,
		Style:        req.Style,
		CustomPrompt: req.CustomPrompt,
		Upload:       upload,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, toJobResponse(job))
}

func (s *Server) parseCreateRequest(r *http.Request) (*createGenerationRequest, *service.Upload, error) {
	contentType := r.Header.Get("Content-Type")

	if strings.HasPrefix(contentType, "multipart/form-data") {
		if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
			return nil, nil, &service.ValidationError{Field: "body", Msg: "malformed multipart form"}
		}
		var req createGenerationRequest
		payload := r.FormValue("payload")
		if payload == "" {
			return nil, nil, &service.ValidationError{Field: "payload", Msg: "is required"}
		}
		if err := json.Unmarshal([]byte(payload), &req); err != nil {
			return nil, nil, &service.ValidationError{Field: "payload", Msg: "malformed json"}
		}

		var upload *service.Upload
		file, header, err := r.FormFile("image")
		if err == nil {
			defer file.Close()
			data, readErr := io.ReadAll(io.LimitReader(file, maxUploadBytes))
			if readErr != nil {
				return nil, nil, &service.ValidationError{Field: "image", Msg: "could not read upload"}
			}
			upload = &service.Upload{
				Data:        data,
				ContentType: header.Header.Get("Content-Type"),
			}
		} else if !errors.Is(err, http.ErrMissingFile) {
			return nil, nil, &service.ValidationError{Field: "image", Msg: "could not read upload"}
		}
		return &req, upload, nil
	}

	var req createGenerationRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxUploadBytes)).Decode(&req); err != nil {
		return nil, nil, &service.ValidationError{Field: "body", Msg: "malformed json"}
	}
	return &req, nil, nil
}

func (s *Server) handleGetGeneration(w http.ResponseWriter, r *http.Request) {
	job, err := s.generations.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toJobResponse(job))
}

func (s *Server) handleListGenerations(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(r.URL.Query().Get("user_id"), 10, 64)
	if err != nil || userID <= 0 {
		s.writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": "user_id query parameter is required"})
		return
	}

	filter := repository.ListFilter{UserID: userID, Status: models.JobStatus(r.URL.Query().Get("status"))}
	if limit, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil {
		filter.Limit = limit
	}
	if offset, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil {
		filter.Offset = offset
	}

	jobs, err := s.generations.List(r.Context(), filter)
	if err != nil {
		s.writeError(w, err)
		return
	}
	resp := make([]jobResponse, 0, len(jobs))
	for i := range jobs {
		resp = append(resp, toJobResponse(&jobs[i]))
	}
	s.writeJSON(w, http.StatusOK, resp)
}

type shareRequest struct {
	UserID int64 `json:"user_id" validate:"required,gt=0"`
}

func (s *Server) handleShare(w http.ResponseWriter, r *http.Request) {
	var req shareRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, &service.ValidationError{Field: "body", Msg: "malformed json"})
		return
	}
	if err := s.validate.Struct(&req); err != nil {
		s.writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
		return
	}

	if err := s.seasonal.ShareBonus(r.Context(), req.UserID, chi.URLParam(r, "id")); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "granted"})
}

type balanceResponse struct {
	UserID             int64 `json:"user_id"`
	TrialRemaining     int   `json:"trial_remaining"`
	TokenBalance       int   `json:"token_balance"`
	SubscriptionActive bool  `json:"subscription_active"`
	SeasonalCredits    int   `json:"seasonal_credits"`
}

func (s *Server) handleGetBalance(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(r.URL.Query().Get("user_id"), 10, 64)
	if err != nil || userID <= 0 {
		s.writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": "user_id query parameter is required"})
		return
	}

	balance, err := s.auth.Balance(r.Context(), userID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, balanceResponse{
		UserID:             balance.UserID,
		TrialRemaining:     balance.TrialRemaining,
		TokenBalance:       balance.TokenBalance,
		SubscriptionActive: balance.SubscriptionActive,
		SeasonalCredits:    balance.SeasonalCredits,
	})
}

func (s *Server) handlePaymentWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxUploadBytes))
	if err != nil {
		http.Error(w, "read body error", http.StatusBadRequest)
		return
	}
	if err := s.payments.HandleWebhook(r.Context(), s.paymentProvider, body); err != nil {
		var ve *service.ValidationError
		if errors.As(err, &ve) {
			http.Error(w, ve.Error(), http.StatusBadRequest)
			return
		}
		s.log.Error("payment webhook", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps service errors to the HTTP surface. Raw internal detail
// never leaves the process; it goes to the log instead.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var ve *service.ValidationError
	var rle *service.RateLimitError

	switch {
	case errors.As(err, &ve):
		s.writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": ve.Error()})
	case errors.As(err, &rle):
		seconds := int(rle.RetryAfter.Seconds())
		if seconds < 1 {
			seconds = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(seconds))
		s.writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error":               rle.Error(),
			"retry_after_seconds": seconds,
		})
	case errors.Is(err, service.ErrInsufficientCredits):
		s.writeJSON(w, http.StatusPaymentRequired, map[string]string{"error": err.Error()})
	case errors.Is(err, service.ErrJobNotFound), errors.Is(err, service.ErrUserNotFound):
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	case errors.Is(err, service.ErrNoImagery):
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
	case errors.Is(err, service.ErrAlreadyShared):
		s.writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	default:
		s.log.Error("handler error", "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}
