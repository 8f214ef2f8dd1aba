package api_test

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"

	"github.com/mrganther/Reef-Project-WebApp/iot/api"
	"github.com/mrganther/Reef-Project-WebApp/iot/storage"
	"github.com/mrganther/Reef-Project-WebApp/iot/ttn"
)

const storedUplink = `{"end_device_ids":{"device_id":"buoy-1"},"received_at":"2024-01-01T00:00:00Z","uplink_message":{"decoded_payload":{"Temp":21.5}}}`

func newTestAPI(upstream http.HandlerFunc, devices *ttn.Registry) (*mux.Router, func()) {
	server := httptest.NewServer(upstream)
	fetcher := storage.NewFetcher(&storage.Builder{
		ApplicationID: "reef-app",
		APIKey:        "secret",
		Devices:       devices,
		BaseURL:       server.URL,
	})
	router := mux.NewRouter()
	api.NewService(&api.Builder{
		Fetcher: fetcher,
		Devices: devices,
		Router:  router,
	})
	return router, server.Close
}

func get(t *testing.T, router *mux.Router, path string) (int, []byte) {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	body, err := io.ReadAll(rec.Result().Body)
	if err != nil {
		t.Fatal(err)
	}
	return rec.Code, body
}

func TestLatestMessageVerbatim(t *testing.T) {
	devices := ttn.NewRegistry().Add("buoy-1", ttn.KindBuoy)
	router, done := newTestAPI(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"result":%s}`, storedUplink)
	}, devices)
	defer done()

	status, body := get(t, router, "/api/latest-message")
	assert.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, storedUplink, string(body))
}

func TestLatestMessageNoneStored(t *testing.T) {
	devices := ttn.NewRegistry().Add("buoy-1", ttn.KindBuoy)
	router, done := newTestAPI(func(w http.ResponseWriter, r *http.Request) {
		// empty body, nothing stored
	}, devices)
	defer done()

	status, body := get(t, router, "/api/latest-message")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "null", string(body))
}

func TestLatestMessages(t *testing.T) {
	devices := ttn.NewRegistry().
		Add("buoy-1", ttn.KindBuoy).
		Add("ws-1", ttn.KindWeather)
	router, done := newTestAPI(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"result":%s}`, storedUplink)
	}, devices)
	defer done()

	status, body := get(t, router, "/api/latest-messages")
	assert.Equal(t, http.StatusOK, status)

	var msgs []json.RawMessage
	if err := json.Unmarshal(body, &msgs); err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, 2, len(msgs))
	assert.JSONEq(t, storedUplink, string(msgs[0]))
}

func TestLatestMessagesApplicationFallback(t *testing.T) {
	var gotPath string
	router, done := newTestAPI(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		fmt.Fprintf(w, `{"result":[%s]}`, storedUplink)
	}, ttn.NewRegistry())
	defer done()

	status, body := get(t, router, "/api/latest-messages")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "/api/v3/as/applications/reef-app/packages/storage/uplink_message", gotPath)

	var msgs []json.RawMessage
	if err := json.Unmarshal(body, &msgs); err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, 1, len(msgs))
}

func TestUpstreamFailureIsReportedAs500(t *testing.T) {
	devices := ttn.NewRegistry().Add("buoy-1", ttn.KindBuoy)
	router, done := newTestAPI(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "storage is on fire", http.StatusServiceUnavailable)
	}, devices)
	defer done()

	for _, path := range []string{"/api/latest-message", "/api/latest-messages"} {
		status, body := get(t, router, path)
		assert.Equal(t, http.StatusInternalServerError, status)

		var response struct {
			Error string `json:"error"`
		}
		if err := json.Unmarshal(body, &response); err != nil {
			t.Fatal(err)
		}
		assert.NotEmpty(t, response.Error)
	}
}
