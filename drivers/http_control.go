package drivers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/julienschmidt/httprouter"
	"github.com/pkg/errors"
)

const httpTimeoutsMs = 3000
const httpTokenHeader = "mcpkit-token"

// HttpControl serves port status and relay control over HTTP.
type HttpControl struct {
	Token    string
	HttpAddr string

	// OnSwitch is called after a relay was switched over HTTP.
	OnSwitch func(ref PinRef, state bool) `json:"-"`

	mcp    *McpIO
	server *http.Server
	logger *log.Logger
}

type PinStatus struct {
	Pin   int
	Name  string
	State bool
}

type PortStatus struct {
	Name    string
	Address string
	SubPort string
	Role    string
	Value   uint8
	Pins    []PinStatus
}

// ParseState accepts on/off, true/false and 1/0.
func ParseState(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "on", "true", "1":
		return true, nil
	case "off", "false", "0":
		return false, nil
	}
	return false, errors.Errorf("unrecognized state %q", s)
}

// Status returns the cached state of a port: relay pins report asserted, contact pins their level.
func (mp *McpPort) Status() PortStatus {
	port := mp.port
	status := PortStatus{
		Name:    mp.Name,
		Address: fmt.Sprintf("0x%02x", port.Address()),
		SubPort: port.SubPort().String(),
		Role:    port.Role().String(),
		Value:   port.Current(),
	}

	for _, ref := range mp.PinRefs() {
		var state bool
		if mp.IsRelay() {
			state, _ = port.RelayState(ref.Pin)
		} else {
			state, _ = port.PinLevel(ref.Pin)
		}
		status.Pins = append(status.Pins, PinStatus{Pin: ref.Pin, Name: ref.Name, State: state})
	}
	return status
}

func (hc *HttpControl) Handler(mcp *McpIO) http.Handler {
	hc.mcp = mcp

	handler := httprouter.New()
	handler.GET("/ports", hc.handlePorts)
	handler.GET("/ports/:port", hc.handlePort)
	handler.PUT("/ports/:port/pins/:pin/:state", hc.handleSetPin)
	return handler
}

func (hc *HttpControl) Setup(mcp *McpIO) error {
	if !mcp.IsReady() {
		return errors.New("http control: mcpio driver not ready")
	}
	hc.logger = log.NewWithOptions(os.Stderr, log.Options{
		Prefix: "HttpControl: ",
		Level:  log.GetLevel(),
	})

	httpTimeout := httpTimeoutsMs * time.Millisecond

	hc.server = &http.Server{
		Addr:              hc.HttpAddr,
		Handler:           hc.Handler(mcp),
		ReadTimeout:       httpTimeout,
		ReadHeaderTimeout: httpTimeout,
		WriteTimeout:      httpTimeout,
		IdleTimeout:       2 * httpTimeout,
	}

	go func() {
		err := hc.server.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			hc.logger.Error("http server stopped", "err", err)
		}
	}()

	hc.logger.Info("listening", "addr", hc.HttpAddr)
	return nil
}

func (hc *HttpControl) Close() error {
	if hc.server == nil {
		return nil
	}
	return hc.server.Close()
}

func (hc *HttpControl) authorized(w http.ResponseWriter, r *http.Request) bool {
	if len(hc.Token) > 0 && r.Header.Get(httpTokenHeader) != hc.Token {
		http.Error(w, "token mismatch", http.StatusUnauthorized)
		return false
	}
	return true
}

func writeJson(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	err := json.NewEncoder(w).Encode(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (hc *HttpControl) handlePorts(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if !hc.authorized(w, r) {
		return
	}

	statuses := []PortStatus{}
	for _, mp := range hc.mcp.Ports {
		if mp.port != nil {
			statuses = append(statuses, mp.Status())
		}
	}
	writeJson(w, statuses)
}

func (hc *HttpControl) handlePort(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	if !hc.authorized(w, r) {
		return
	}

	mp, err := hc.mcp.GetPort(p.ByName("port"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJson(w, mp.Status())
}

func (hc *HttpControl) handleSetPin(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	if !hc.authorized(w, r) {
		return
	}

	pin, err := strconv.Atoi(p.ByName("pin"))
	if err != nil {
		http.Error(w, "pin is not a number", http.StatusBadRequest)
		return
	}
	state, err := ParseState(p.ByName("state"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	out, err := hc.mcp.GetOutput(p.ByName("port"), pin)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	err = out.Set(state)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	mp, _ := hc.mcp.GetPort(p.ByName("port"))
	if hc.OnSwitch != nil {
		hc.OnSwitch(PinRef{Port: mp.Name, Pin: pin}, state)
	}
	writeJson(w, mp.Status())
}
