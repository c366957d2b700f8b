package signaling

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-signaling-relay/internal/matcher"
	"github.com/wilsonzlin/aero/proxy/webrtc-signaling-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-signaling-relay/internal/registry"
)

const defaultMaxBodyBytes = 64 * 1024

// Store is the subset of *registry.Registry the API dispatches onto.
type Store interface {
	Put(offer registry.Offer) (string, error)
	Get(id string) (registry.Record, error)
	SetAnswer(id string, answer json.RawMessage) error
	EvictIf(id string, cond func(registry.Record) bool) (registry.Record, bool)
}

// Poller hands out pending connections to consumers.
type Poller interface {
	Poll() (matcher.Result, error)
	RetryAfter() time.Duration
}

// Config wires together the runtime dependencies for the relay API.
type Config struct {
	Store   Store
	Matcher Poller
	Metrics *metrics.Metrics
	Logger  *slog.Logger

	// Authorizer gates every route. Nil allows everything.
	Authorizer Authorizer

	// MaxBodyBytes caps offer and answer bodies. Defaults to 64KiB.
	MaxBodyBytes int64

	// BasePath prefixes every route, e.g. "/signaling/1.0".
	BasePath string
}

type Server struct {
	store      Store
	matcher    Poller
	metrics    *metrics.Metrics
	log        *slog.Logger
	authorizer Authorizer
	maxBody    int64
	basePath   string
}

func NewServer(cfg Config) *Server {
	s := &Server{
		store:      cfg.Store,
		matcher:    cfg.Matcher,
		metrics:    cfg.Metrics,
		log:        cfg.Logger,
		authorizer: cfg.Authorizer,
		maxBody:    cfg.MaxBodyBytes,
		basePath:   cfg.BasePath,
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.authorizer == nil {
		s.authorizer = AllowAllAuthorizer{}
	}
	if s.maxBody <= 0 {
		s.maxBody = defaultMaxBodyBytes
	}
	return s
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	p := s.basePath
	mux.HandleFunc("POST "+p+"/connections", s.withAuth(s.handleCreateConnection))
	mux.HandleFunc("POST "+p+"/application/connections", s.withAuth(s.handleCreateConnection))
	mux.HandleFunc("GET "+p+"/application/queue", s.withAuth(s.handlePollQueue))
	mux.HandleFunc("GET "+p+"/client/queue", s.withAuth(s.handlePollQueue))
	mux.HandleFunc("GET "+p+"/connections/{id}/offer", s.withAuth(s.handleGetOffer))
	mux.HandleFunc("POST "+p+"/connections/{id}/answer", s.withAuth(s.handleSubmitAnswer))
	mux.HandleFunc("GET "+p+"/connections/{id}/answer", s.withAuth(s.handleGetAnswer))
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return mux
}

type connectionResponse struct {
	ConnectionID string `json:"connectionId"`
}

type httpErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (s *Server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.authorizer.Authorize(r); err != nil {
			s.metrics.Inc(metrics.AuthFailure)
			if IsUnauthorized(err) {
				writeJSONError(w, http.StatusUnauthorized, "unauthorized", "unauthorized")
				return
			}
			s.internalError(w, r, "authorize request", err)
			return
		}
		next(w, r)
	}
}

func (s *Server) handleCreateConnection(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r)
	if !ok {
		s.metrics.Inc(metrics.OfferRejected)
		return
	}
	offer, err := parseOffer(body)
	if err != nil {
		s.metrics.Inc(metrics.OfferRejected)
		s.writeError(w, r, err)
		return
	}
	id, err := s.store.Put(offer)
	if err != nil {
		s.metrics.Inc(metrics.OfferRejected)
		s.writeError(w, r, err)
		return
	}

	s.metrics.Inc(metrics.OfferEnqueued)
	s.log.Debug("offer enqueued", "connection_id", id, "device_id", offer.DeviceID, "request_id", requestID(r))
	writeJSON(w, http.StatusCreated, connectionResponse{ConnectionID: id})
}

func (s *Server) handlePollQueue(w http.ResponseWriter, r *http.Request) {
	res, err := s.matcher.Poll()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !res.Claimed {
		writeRetry(w, res.RetryAfter)
		return
	}
	s.log.Debug("connection claimed", "connection_id", res.ConnectionID, "request_id", requestID(r))
	writeJSON(w, http.StatusOK, connectionResponse{ConnectionID: res.ConnectionID})
}

func (s *Server) handleGetOffer(w http.ResponseWriter, r *http.Request) {
	rec, err := s.store.Get(r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.metrics.Inc(metrics.OfferFetched)
	writeRaw(w, http.StatusOK, rec.Offer.Payload)
}

func (s *Server) handleSubmitAnswer(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	body, ok := s.readBody(w, r)
	if !ok {
		s.metrics.Inc(metrics.AnswerRejected)
		return
	}
	if err := s.store.SetAnswer(id, body); err != nil {
		s.metrics.Inc(metrics.AnswerRejected)
		s.writeError(w, r, err)
		return
	}

	s.metrics.Inc(metrics.AnswerStored)
	s.log.Debug("answer stored", "connection_id", id, "request_id", requestID(r))
	writeJSON(w, http.StatusOK, connectionResponse{ConnectionID: id})
}

// handleGetAnswer hands out a stored answer exactly once: the record is
// evicted under the same lock that observes the Answered state.
func (s *Server) handleGetAnswer(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rec, ok := s.store.EvictIf(id, func(rec registry.Record) bool {
		return rec.State == registry.StateAnswered
	})
	if ok {
		s.metrics.Inc(metrics.AnswerDelivered)
		s.metrics.Inc(metrics.EvictedAfterDeliver)
		s.log.Debug("answer delivered", "connection_id", id, "request_id", requestID(r))
		writeRaw(w, http.StatusOK, rec.Answer)
		return
	}

	if _, err := s.store.Get(id); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.metrics.Inc(metrics.AnswerNotReady)
	writeRetry(w, s.matcher.RetryAfter())
}

func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBody))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeJSONError(w, http.StatusRequestEntityTooLarge, "bad_message", "message too large")
			return nil, false
		}
		writeJSONError(w, http.StatusBadRequest, "bad_message", "failed to read body")
		return nil, false
	}
	return body, true
}

// statusForError maps registry and matcher errors onto the wire contract.
// Anything unrecognised is an internal fault.
func statusForError(err error) (status int, code, message string) {
	switch {
	case errors.Is(err, registry.ErrInvalidPayload):
		return http.StatusBadRequest, "bad_message", "body must be well-formed JSON"
	case errors.Is(err, registry.ErrNotFound):
		return http.StatusNotFound, "not_found", "unknown or expired connection"
	case errors.Is(err, registry.ErrInvalidState):
		return http.StatusConflict, "invalid_state", "connection is not awaiting an answer"
	case errors.Is(err, registry.ErrRegistryFull):
		return http.StatusServiceUnavailable, "too_many_connections", "too many connections"
	default:
		return http.StatusInternalServerError, "internal_error", "internal error"
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message := statusForError(err)
	switch status {
	case http.StatusInternalServerError:
		s.internalError(w, r, "relay operation failed", err)
		return
	case http.StatusNotFound:
		s.metrics.Inc(metrics.ConnectionNotFound)
	}
	writeJSONError(w, status, code, message)
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	s.metrics.Inc(metrics.InternalError)
	s.log.Error(msg, "err", err, "method", r.Method, "path", r.URL.Path, "request_id", requestID(r))
	status, code, message := statusForError(nil)
	writeJSONError(w, status, code, message)
}

func requestID(r *http.Request) string {
	return r.Header.Get("X-Request-ID")
}

// retryAfterSeconds rounds up to whole seconds, the granularity of the
// Retry-After header, with a floor of one.
func retryAfterSeconds(d time.Duration) int {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}

func writeRetry(w http.ResponseWriter, after time.Duration) {
	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(after)))
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusNoContent)
}

func writeRaw(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, httpErrorResponse{Code: code, Message: message})
}
