package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"mcsmotor/internal/monitor"
	"mcsmotor/internal/motor"
)

// Channels looks up motor channels by 1-based output id.
type Channels interface {
	Channel(id int) (*motor.UniDirectional, bool)
	Channels() []*motor.UniDirectional
}

type MotorResponse struct {
	ID      int        `json:"id"`
	Enabled bool       `json:"enabled"`
	Running bool       `json:"running"`
	Speed   uint8      `json:"speed"`
	Mode    motor.Mode `json:"mode"`
	InUse   bool       `json:"in_use"`
}

type SenseResponse struct {
	ID  int    `json:"id"`
	Raw uint32 `json:"raw"`
}

type speedRequest struct {
	Speed *int `json:"speed"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

var wsWriteTimeout = 2 * time.Second

func writeJSON(w http.ResponseWriter, code int, v any) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		http.Error(w, "marshal failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	_, _ = w.Write(b)
	_, _ = w.Write([]byte("\n"))
}

func motorResponse(id int, ch *motor.UniDirectional) MotorResponse {
	st := ch.State()
	return MotorResponse{
		ID:      id,
		Enabled: st.Enabled,
		Running: st.Running,
		Speed:   st.Speed,
		Mode:    st.Mode,
		InUse:   ch.HalfBridge().InUse(),
	}
}

// readSpeed decodes {"speed":N}. An empty body yields ok=false.
func readSpeed(r *http.Request) (speed uint8, ok bool, err error) {
	var req speedRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, 4096))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		if errors.Is(err, io.EOF) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("invalid json: %w", err)
	}
	if req.Speed == nil {
		return 0, false, nil
	}
	if *req.Speed < 0 || *req.Speed > 255 {
		return 0, false, fmt.Errorf("speed must be an integer in [0,255]")
	}
	return uint8(*req.Speed), true, nil
}

// Handler serves the motor control API. mon and logs may be nil.
func Handler(chs Channels, mon *monitor.Service, logs *LogBuffer) http.Handler {
	r := mux.NewRouter()
	api := r.PathPrefix("/api").Subrouter()

	api.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		if mon == nil {
			http.Error(w, "monitor unavailable", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, mon.Snapshot())
	}).Methods(http.MethodGet)

	api.HandleFunc("/motors", func(w http.ResponseWriter, r *http.Request) {
		all := chs.Channels()
		out := make([]MotorResponse, 0, len(all))
		for i, ch := range all {
			out = append(out, motorResponse(i+1, ch))
		}
		writeJSON(w, http.StatusOK, out)
	}).Methods(http.MethodGet)

	// withChannel resolves {id} and maps channel errors onto status codes.
	withChannel := func(fn func(w http.ResponseWriter, r *http.Request, id int, ch *motor.UniDirectional) error) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			id, err := strconv.Atoi(mux.Vars(r)["id"])
			if err != nil {
				http.Error(w, "invalid motor id", http.StatusBadRequest)
				return
			}
			ch, ok := chs.Channel(id)
			if !ok {
				http.Error(w, "unknown motor", http.StatusNotFound)
				return
			}
			if err := fn(w, r, id, ch); err != nil {
				code := http.StatusInternalServerError
				if errors.Is(err, motor.ErrOutputInUse) {
					code = http.StatusConflict
				}
				log.Printf("web motor=%d %s %s failed: %v", id, r.Method, r.URL.Path, err)
				http.Error(w, err.Error(), code)
			}
		}
	}
	reply := func(w http.ResponseWriter, id int, ch *motor.UniDirectional) error {
		writeJSON(w, http.StatusOK, motorResponse(id, ch))
		return nil
	}

	api.HandleFunc("/motors/{id:[0-9]+}", withChannel(func(w http.ResponseWriter, r *http.Request, id int, ch *motor.UniDirectional) error {
		return reply(w, id, ch)
	})).Methods(http.MethodGet)

	m := api.PathPrefix("/motors/{id:[0-9]+}").Subrouter()

	m.HandleFunc("/begin", withChannel(func(w http.ResponseWriter, r *http.Request, id int, ch *motor.UniDirectional) error {
		if err := ch.Begin(); err != nil {
			return err
		}
		return reply(w, id, ch)
	})).Methods(http.MethodPost)

	m.HandleFunc("/end", withChannel(func(w http.ResponseWriter, r *http.Request, id int, ch *motor.UniDirectional) error {
		if err := ch.End(); err != nil {
			return err
		}
		return reply(w, id, ch)
	})).Methods(http.MethodPost)

	m.HandleFunc("/start", withChannel(func(w http.ResponseWriter, r *http.Request, id int, ch *motor.UniDirectional) error {
		speed, ok, err := readSpeed(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return nil
		}
		if ok {
			err = ch.StartAt(speed)
		} else {
			err = ch.Start()
		}
		if err != nil {
			return err
		}
		return reply(w, id, ch)
	})).Methods(http.MethodPost)

	m.HandleFunc("/stop", withChannel(func(w http.ResponseWriter, r *http.Request, id int, ch *motor.UniDirectional) error {
		if err := ch.Stop(); err != nil {
			return err
		}
		return reply(w, id, ch)
	})).Methods(http.MethodPost)

	m.HandleFunc("/speed", withChannel(func(w http.ResponseWriter, r *http.Request, id int, ch *motor.UniDirectional) error {
		speed, ok, err := readSpeed(r)
		if err == nil && !ok {
			err = fmt.Errorf("speed is required")
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return nil
		}
		if err := ch.SetSpeed(speed); err != nil {
			return err
		}
		return reply(w, id, ch)
	})).Methods(http.MethodPut)

	m.HandleFunc("/sense", withChannel(func(w http.ResponseWriter, r *http.Request, id int, ch *motor.UniDirectional) error {
		v, err := ch.CurrentSense()
		if err != nil {
			return err
		}
		writeJSON(w, http.StatusOK, SenseResponse{ID: id, Raw: v})
		return nil
	})).Methods(http.MethodGet)

	if logs != nil {
		api.Handle("/logs", logs.Handler()).Methods(http.MethodGet)
	}

	r.HandleFunc("/ws/status", func(w http.ResponseWriter, r *http.Request) {
		if mon == nil {
			http.Error(w, "monitor unavailable", http.StatusNotFound)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("web ws upgrade failed: %v", err)
			return
		}
		defer conn.Close()
		streamSnapshots(conn, mon)
	}).Methods(http.MethodGet)

	return r
}

// streamSnapshots writes the current snapshot, then every new one, until the
// client goes away.
func streamSnapshots(conn *websocket.Conn, mon *monitor.Service) {
	sub, cancel := mon.Subscribe()
	defer cancel()

	// Reader goroutine notices the client closing.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	send := func(s monitor.Snapshot) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		return conn.WriteJSON(s) == nil
	}
	if !send(mon.Snapshot()) {
		return
	}
	for {
		select {
		case <-gone:
			return
		case s := <-sub:
			if !send(s) {
				return
			}
		}
	}
}
