package api

import (
	"net/http"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/mrganther/Reef-Project-WebApp/core/logger"
	"github.com/mrganther/Reef-Project-WebApp/iot/storage"
	"github.com/mrganther/Reef-Project-WebApp/iot/ttn"
)

// Service is the REST interface for on-demand snapshot lookups.
type Service struct {
	fetcher *storage.Fetcher
	devices *ttn.Registry
}

// Builder is a builder helper for the Service
type Builder struct {
	// Fetcher is the storage integration client. This is mandatory.
	Fetcher *storage.Fetcher
	// Devices is the configured device registry. This is mandatory.
	Devices *ttn.Registry
	// Router is a mux router. This is mandatory.
	Router *mux.Router
}

// NewService returns a new API service and adds its routes to the passed
// router.
func NewService(bb *Builder) *Service {
	if bb.Fetcher == nil {
		panic("Fetcher is missing")
	}
	if bb.Devices == nil {
		panic("Devices is missing")
	}
	if bb.Router == nil {
		panic("Router is missing")
	}
	s := &Service{
		fetcher: bb.Fetcher,
		devices: bb.Devices,
	}
	s.handleRoutes(bb.Router)
	return s
}

func (s *Service) handleRoutes(router *mux.Router) {
	logger.Default().Infoln("snapshot: handle route /api/latest-message GET")
	logger.Default().Infoln("snapshot: handle route /api/latest-messages GET")

	router.HandleFunc("/api/latest-message", s.latestMessage).Methods(http.MethodGet)
	router.HandleFunc("/api/latest-messages", s.latestMessages).Methods(http.MethodGet)
}

// latestMessage returns the most recent stored object for the primary
// configured device, verbatim, or JSON null when upstream has nothing.
func (s *Service) latestMessage(w http.ResponseWriter, r *http.Request) {
	rlog := logger.FromContext(r.Context())

	var (
		msg   json.RawMessage
		found bool
		err   error
	)
	if deviceID, ok := s.devices.Primary(); ok {
		msg, found, err = s.fetcher.FetchLatest(r.Context(), deviceID)
	} else {
		var msgs []json.RawMessage
		msgs, err = s.fetcher.FetchLatestForConfigured(r.Context())
		if err == nil && len(msgs) > 0 {
			msg, found = msgs[0], true
		}
	}
	if err != nil {
		writeUpstreamError(w, rlog, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if !found {
		w.Write([]byte("null"))
		return
	}
	w.Write(msg)
}

// latestMessages returns one stored object per configured device, or the
// application-level fallback when no devices are configured.
func (s *Service) latestMessages(w http.ResponseWriter, r *http.Request) {
	rlog := logger.FromContext(r.Context())

	msgs, err := s.fetcher.FetchLatestForConfigured(r.Context())
	if err != nil {
		writeUpstreamError(w, rlog, err)
		return
	}
	if msgs == nil {
		msgs = []json.RawMessage{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(msgs)
}

func writeUpstreamError(w http.ResponseWriter, rlog *logrus.Entry, err error) {
	rlog.Errorln("snapshot: upstream query failed:", err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusInternalServerError)
	json.NewEncoder(w).Encode(struct {
		Error string `json:"error"`
	}{Error: err.Error()})
}
