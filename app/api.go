package app

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"

	"github.com/zachfi/fmstreamer/modules/streamer"
	"github.com/zachfi/fmstreamer/pkg/stations"
)

// controller is the part of the streamer the API drives.
type controller interface {
	Status() streamer.Status
	Stations() map[string]string
	StationNames() []string
	AddStation(name, url string) error
	DeleteStation(name string) error
	Play(name string) error
	Stop()
	Retune(freq string) error
}

type ControlAPI struct {
	streamer controller
	logger   *slog.Logger
}

type station struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

type playRequest struct {
	Name string `json:"name"`
}

type freqRequest struct {
	Freq string `json:"freq"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func NewControlAPI(c controller, logger *slog.Logger) *ControlAPI {
	return &ControlAPI{
		streamer: c,
		logger:   logger.With("module", API),
	}
}

// Register adds the control routes to r.
func (api *ControlAPI) Register(r *mux.Router) {
	s := r.PathPrefix("/api").Subrouter()

	s.HandleFunc("/status", api.status).Methods(http.MethodGet)
	s.HandleFunc("/stations", api.listStations).Methods(http.MethodGet)
	s.HandleFunc("/stations", api.addStation).Methods(http.MethodPost)
	s.HandleFunc("/stations/{name}", api.deleteStation).Methods(http.MethodDelete)
	s.HandleFunc("/play", api.play).Methods(http.MethodPost)
	s.HandleFunc("/stop", api.stop).Methods(http.MethodPost)
	s.HandleFunc("/freq", api.retune).Methods(http.MethodPost)
}

func (api *ControlAPI) status(w http.ResponseWriter, _ *http.Request) {
	api.writeJSON(w, http.StatusOK, api.streamer.Status())
}

func (api *ControlAPI) listStations(w http.ResponseWriter, _ *http.Request) {
	urls := api.streamer.Stations()

	list := []station{}
	for _, name := range api.streamer.StationNames() {
		list = append(list, station{Name: name, URL: urls[name]})
	}

	api.writeJSON(w, http.StatusOK, list)
}

func (api *ControlAPI) addStation(w http.ResponseWriter, r *http.Request) {
	var req station
	if !api.decode(w, r, &req) {
		return
	}

	if err := api.streamer.AddStation(req.Name, req.URL); err != nil {
		api.writeError(w, err)
		return
	}

	api.logger.Info("station added", "station", req.Name, "url", req.URL)
	api.listStations(w, r)
}

func (api *ControlAPI) deleteStation(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	if err := api.streamer.DeleteStation(name); err != nil {
		api.writeError(w, err)
		return
	}

	api.logger.Info("station deleted", "station", name)
	api.listStations(w, r)
}

func (api *ControlAPI) play(w http.ResponseWriter, r *http.Request) {
	var req playRequest
	if !api.decode(w, r, &req) {
		return
	}

	if err := api.streamer.Play(req.Name); err != nil {
		api.writeError(w, err)
		return
	}

	api.status(w, r)
}

func (api *ControlAPI) stop(w http.ResponseWriter, r *http.Request) {
	api.streamer.Stop()
	api.status(w, r)
}

func (api *ControlAPI) retune(w http.ResponseWriter, r *http.Request) {
	var req freqRequest
	if !api.decode(w, r, &req) {
		return
	}

	if err := api.streamer.Retune(req.Freq); err != nil {
		api.writeError(w, err)
		return
	}

	api.status(w, r)
}

func (api *ControlAPI) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(v); err != nil {
		api.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
		return false
	}

	return true
}

func (api *ControlAPI) writeError(w http.ResponseWriter, err error) {
	code := http.StatusBadRequest
	switch {
	case errors.Is(err, stations.ErrUnknown):
		code = http.StatusNotFound
	case errors.Is(err, stations.ErrProtected):
		code = http.StatusForbidden
	}

	api.writeJSON(w, code, errorResponse{Error: err.Error()})
}

func (api *ControlAPI) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		api.logger.Error("failed to write response", "err", err)
	}
}
