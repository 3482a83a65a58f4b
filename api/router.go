package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"filedaq/devman"
	"filedaq/driver"
	"filedaq/logging"
)

// writeTimeout bounds how long a write request waits for the device.
const writeTimeout = 30 * time.Second

// DeviceResponse is the JSON response for a device listing entry.
type DeviceResponse struct {
	Name       string `json:"name"`
	Transport  string `json:"transport"`
	Enabled    bool   `json:"enabled"`
	Accessible bool   `json:"accessible"`
	Status     string `json:"status"`
	Error      string `json:"error,omitempty"`
}

// VariableResponse describes one variable and its latest value.
type VariableResponse struct {
	Device    string `json:"device"`
	Name      string `json:"name"`
	Program   string `json:"program"`
	Writable  bool   `json:"writable"`
	Value     string `json:"value"`
	Label     string `json:"label,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

// DeviceDetails is the JSON response for a single device.
type DeviceDetails struct {
	DeviceResponse
	Host      string             `json:"host,omitempty"`
	FilePath  string             `json:"file_path"`
	LastPoll  string             `json:"last_poll,omitempty"`
	CycleMS   int64              `json:"cycle_ms"`
	Variables []VariableResponse `json:"variables"`
}

// WriteRequest is the JSON request for writing a variable.
type WriteRequest struct {
	Variable string      `json:"variable"`
	Value    interface{} `json:"value"`
}

// WriteResponse is the JSON response after a write.
type WriteResponse struct {
	Device    string `json:"device"`
	Variable  string `json:"variable"`
	Value     string `json:"value,omitempty"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
	Timestamp string `json:"timestamp"`
}

type handlers struct {
	manager *devman.Manager
	hub     *eventHub
}

// newRouter builds the route table. Static routes win over the device
// parameter, so devices named "events" or "metrics" are shadowed.
func newRouter(h *handlers, gatherer prometheus.Gatherer) chi.Router {
	r := chi.NewRouter()
	r.Use(corsMiddleware)

	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	r.Get("/events", h.handleSSE)

	r.Get("/", h.handleList)
	r.Route("/{device}", func(r chi.Router) {
		r.Get("/", h.handleDevice)
		r.Get("/health", h.handleHealth)
		r.Get("/values", h.handleValues)
		r.Get("/values/{variable}", h.handleValue)
		r.Post("/read", h.handleRead)
		r.Post("/write", h.handleWrite)
	})
	return r
}

func (h *handlers) device(w http.ResponseWriter, r *http.Request) *devman.ManagedDevice {
	name, _ := url.PathUnescape(chi.URLParam(r, "device"))
	dev := h.manager.GetDevice(name)
	if dev == nil {
		writeError(w, http.StatusNotFound, "device not found")
	}
	return dev
}

func summarize(dev *devman.ManagedDevice) DeviceResponse {
	health := dev.GetHealth()
	return DeviceResponse{
		Name:       dev.Name(),
		Transport:  dev.Config.Transport.String(),
		Enabled:    dev.Config.Enabled,
		Accessible: health.Online,
		Status:     health.Status,
		Error:      health.Error,
	}
}

func variables(dev *devman.ManagedDevice) []VariableResponse {
	values := dev.GetValues()
	vars := dev.Driver.Variables()
	out := make([]VariableResponse, 0, len(vars))
	for _, v := range vars {
		out = append(out, variableResponse(dev.Name(), v, values))
	}
	return out
}

func variableResponse(device string, v *driver.Variable, values map[string]driver.Sample) VariableResponse {
	resp := VariableResponse{
		Device:   device,
		Name:     v.ID,
		Program:  v.Program.String(),
		Writable: v.Writable(),
	}
	if s, ok := values[v.ID]; ok {
		resp.Value = s.Value
		resp.Timestamp = s.Timestamp.UTC().Format(time.RFC3339)
		resp.Label = v.Dictionary.Resolve(s.Value)
		if resp.Label == resp.Value {
			resp.Label = ""
		}
	}
	return resp
}

func (h *handlers) handleList(w http.ResponseWriter, r *http.Request) {
	devices := h.manager.ListDevices()
	response := make([]DeviceResponse, 0, len(devices))
	for _, dev := range devices {
		response = append(response, summarize(dev))
	}
	sort.Slice(response, func(i, j int) bool { return response[i].Name < response[j].Name })
	writeJSON(w, response)
}

func (h *handlers) handleDevice(w http.ResponseWriter, r *http.Request) {
	dev := h.device(w, r)
	if dev == nil {
		return
	}

	details := DeviceDetails{
		DeviceResponse: summarize(dev),
		Host:           dev.Config.Host,
		FilePath:       dev.Config.FilePath,
		Variables:      variables(dev),
	}
	if last, took := dev.GetLastPoll(); !last.IsZero() {
		details.LastPoll = last.UTC().Format(time.RFC3339)
		details.CycleMS = took.Milliseconds()
	}
	writeJSON(w, details)
}

func (h *handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	dev := h.device(w, r)
	if dev == nil {
		return
	}
	writeJSON(w, dev.GetHealth())
}

func (h *handlers) handleValues(w http.ResponseWriter, r *http.Request) {
	dev := h.device(w, r)
	if dev == nil {
		return
	}
	writeJSON(w, variables(dev))
}

func (h *handlers) handleValue(w http.ResponseWriter, r *http.Request) {
	dev := h.device(w, r)
	if dev == nil {
		return
	}
	name, _ := url.PathUnescape(chi.URLParam(r, "variable"))
	for _, v := range dev.Driver.Variables() {
		if v.ID == name {
			writeJSON(w, variableResponse(dev.Name(), v, dev.GetValues()))
			return
		}
	}
	writeError(w, http.StatusNotFound, "variable not found")
}

// handleRead runs a read cycle immediately and returns the changed values.
func (h *handlers) handleRead(w http.ResponseWriter, r *http.Request) {
	dev := h.device(w, r)
	if dev == nil {
		return
	}
	changes, err := h.manager.ReadNow(dev.Name())
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	if changes == nil {
		changes = []devman.ValueChange{}
	}
	writeJSON(w, changes)
}

func (h *handlers) handleWrite(w http.ResponseWriter, r *http.Request) {
	dev := h.device(w, r)
	if dev == nil {
		return
	}

	var req WriteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	resp := WriteResponse{
		Device:   dev.Name(),
		Variable: req.Variable,
	}
	if req.Variable == "" || req.Value == nil {
		resp.Error = "variable and value are required"
		resp.Timestamp = time.Now().UTC().Format(time.RFC3339)
		writeStatusJSON(w, http.StatusBadRequest, resp)
		return
	}

	type result struct {
		written string
		err     error
	}
	resultChan := make(chan result, 1)
	go func() {
		written, err := h.manager.WriteVariable(dev.Name(), req.Variable, req.Value, "api")
		resultChan <- result{written, err}
	}()

	var res result
	select {
	case res = <-resultChan:
	case <-time.After(writeTimeout):
		res.err = fmt.Errorf("write timeout: device did not respond within %s", writeTimeout)
	}

	resp.Timestamp = time.Now().UTC().Format(time.RFC3339)
	if res.err != nil {
		logging.DebugLog("api", "write %s.%s failed: %v", dev.Name(), req.Variable, res.err)
		resp.Error = res.err.Error()
		writeStatusJSON(w, statusFor(res.err), resp)
		return
	}
	resp.Success = true
	resp.Value = res.written
	writeJSON(w, resp)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, devman.ErrDeviceNotFound), errors.Is(err, driver.ErrUnknownVariable):
		return http.StatusNotFound
	case errors.Is(err, driver.ErrNoValue):
		return http.StatusBadRequest
	case errors.Is(err, driver.ErrNotWritable):
		return http.StatusForbidden
	case errors.Is(err, devman.ErrDeviceDisabled):
		return http.StatusConflict
	case errors.Is(err, driver.ErrNotAccessible):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
