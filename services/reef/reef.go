package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/joeshaw/envdecode"
	"github.com/sirupsen/logrus"

	"github.com/mrganther/Reef-Project-WebApp/core/logger"
	"github.com/mrganther/Reef-Project-WebApp/iot/api"
	"github.com/mrganther/Reef-Project-WebApp/iot/relay"
	"github.com/mrganther/Reef-Project-WebApp/iot/storage"
	"github.com/mrganther/Reef-Project-WebApp/iot/ttn"
	"github.com/mrganther/Reef-Project-WebApp/iot/ws"
)

// Service holds the configuration for this service
//
// use TTN_APP_ID="my-app" TTN_API_KEY="NNSXS...." TTN_BUOY_DEVICE_ID="buoy-1"
type Service struct {
	Region          string `env:"TTN_REGION,default=eu1" description:"the TTN cluster region, e.g. eu1 or nam1"`
	ApplicationID   string `env:"TTN_APP_ID,required" description:"the TTN application identity"`
	APIKey          string `env:"TTN_API_KEY,required" description:"the TTN API key, used as MQTT password and storage bearer token"`
	DeviceID        string `env:"TTN_DEVICE_ID,optional" description:"a single generic device identity"`
	BuoyDeviceID    string `env:"TTN_BUOY_DEVICE_ID,optional" description:"the buoy device identity"`
	WeatherDeviceID string `env:"TTN_WEATHER_DEVICE_ID,optional" description:"the weather station device identity"`
	Port            string `env:"PORT,default=3000" description:"the port the HTTP server listens on"`
	LogLevel        string `env:"LOG_LEVEL,default=info" description:"the log level"`
}

func main() {
	service := &Service{}
	if err := envdecode.Decode(service); err != nil {
		panic(err)
	}

	level, err := logrus.ParseLevel(service.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.InitLogger(level)

	devices := ttn.NewRegistry()
	if len(service.DeviceID) > 0 {
		devices.Add(service.DeviceID, "")
	}
	if len(service.BuoyDeviceID) > 0 {
		devices.Add(service.BuoyDeviceID, ttn.KindBuoy)
	}
	if len(service.WeatherDeviceID) > 0 {
		devices.Add(service.WeatherDeviceID, ttn.KindWeather)
	}

	connector := relay.NewConnector(&relay.Builder{
		Region:        service.Region,
		ApplicationID: service.ApplicationID,
		APIKey:        service.APIKey,
		DeviceIDs:     devices.DeviceIDs(),
	})

	fetcher := storage.NewFetcher(&storage.Builder{
		Region:        service.Region,
		ApplicationID: service.ApplicationID,
		APIKey:        service.APIKey,
		Devices:       devices,
	})

	router := mux.NewRouter()
	logger.AddRequestID(router)
	handleCORS(router)
	handleCompression(router)

	api.NewService(&api.Builder{
		Fetcher: fetcher,
		Devices: devices,
		Router:  router,
	})

	ws.NewHub(&ws.Builder{
		Relay:   connector,
		Devices: devices,
		Router:  router,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-signalCh
		logger.Default().Infoln("shutting down")
		cancel()
	}()

	go func() {
		if err := connector.Run(ctx); err != nil && err != context.Canceled {
			logger.Default().Errorln("relay terminated:", err)
		}
	}()

	srv := &http.Server{Addr: ":" + service.Port, Handler: router}
	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Default().Warnln("server shutdown:", err)
		}
	}()

	logger.Default().Infoln("listen on port :" + service.Port)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		panic(err)
	}
}

// handleCompression compresses api responses when the client asks for it.
func handleCompression(router *mux.Router) {
	compressionMiddleware := func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			handlers.CompressHandler(h).ServeHTTP(w, r)
		})
	}
	router.Use(compressionMiddleware)
}

// handleCORS allows the dashboard to call the api from a different origin.
func handleCORS(router *mux.Router) {
	corsMiddleware := func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Accept-Encoding, Authorization")
			w.Header().Set("Access-Control-Max-Age", "86400") // 24 hours

			if r.Method == http.MethodOptions {
				logger.FromContext(r.Context()).Debugln("called route for", r.URL, r.Method, " (handled by CORS middleware)")
				w.WriteHeader(http.StatusNoContent)
				return
			}

			h.ServeHTTP(w, r)
		})
	}
	router.Use(corsMiddleware)
}
