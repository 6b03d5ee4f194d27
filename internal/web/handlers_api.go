package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"miio-fan/internal/fan"
	"miio-fan/internal/miot"
)

const maxBodyBytes = 1 << 20

// statusView is the /api/status document. Derived fields are null when
// the fan did not report the backing property.
type statusView struct {
	Available         bool        `json:"available"`
	LastPoll          time.Time   `json:"last_poll"`
	Power             *string     `json:"power"`
	Mode              *string     `json:"mode"`
	Speed             *int        `json:"speed"`
	Oscillate         *bool       `json:"oscillate"`
	LED               *bool       `json:"led"`
	Buzzer            *bool       `json:"buzzer"`
	ChildLock         *bool       `json:"child_lock"`
	DelayOffCountdown *int        `json:"delay_off_countdown"`
	Raw               *fan.Status `json:"raw"`
}

func intOrNil(v int, err error) *int {
	if err != nil {
		return nil
	}
	return &v
}

func boolOrNil(v bool, err error) *bool {
	if err != nil {
		return nil
	}
	return &v
}

func newStatusView(st *fan.Status, available bool, at time.Time) statusView {
	v := statusView{Available: available, LastPoll: at, Raw: st}
	if p, err := st.Power(); err == nil {
		s := p.String()
		v.Power = &s
	}
	if m, err := st.Mode(); err == nil {
		s := m.String()
		v.Mode = &s
	}
	v.Speed = intOrNil(st.Speed())
	v.Oscillate = boolOrNil(st.Oscillate())
	v.LED = boolOrNil(st.LED())
	v.Buzzer = boolOrNil(st.Buzzer())
	v.ChildLock = boolOrNil(st.ChildLock())
	v.DelayOffCountdown = intOrNil(st.DelayOffCountdown())
	return v
}

func (s *Server) handleAPIInfo(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.coord.Info())
}

// GET /api/status serves the cached snapshot; ?refresh=1 polls the fan first.
func (s *Server) handleAPIStatus(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	var err error
	if r.URL.Query().Get("refresh") == "1" {
		_, err = s.coord.Refresh(ctx)
	} else {
		_, err = s.coord.Status(ctx)
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	st, at := s.coord.LastStatus()
	s.writeJSON(w, http.StatusOK, newStatusView(st, s.coord.Info().Available, at))
}

func (s *Server) handleAPIMapping(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.coord.Mapping())
}

type switchRequest struct {
	On *bool `json:"on"`
}

type speedRequest struct {
	Speed *int `json:"speed"`
}

type delayOffRequest struct {
	Seconds *int `json:"seconds"`
}

type commandResponse struct {
	Status string `json:"status"`
	Code   int    `json:"code"`
}

func (s *Server) handleAPIPower(w http.ResponseWriter, r *http.Request) {
	s.switchCommand(w, r, s.coord.SetPower)
}

func (s *Server) handleAPIOscillation(w http.ResponseWriter, r *http.Request) {
	s.switchCommand(w, r, s.coord.SetOscillation)
}

func (s *Server) handleAPIBuzzer(w http.ResponseWriter, r *http.Request) {
	s.switchCommand(w, r, s.coord.SetBuzzer)
}

func (s *Server) handleAPIChildLock(w http.ResponseWriter, r *http.Request) {
	s.switchCommand(w, r, s.coord.SetChildLock)
}

func (s *Server) handleAPINaturalMode(w http.ResponseWriter, r *http.Request) {
	s.switchCommand(w, r, s.coord.SetNaturalMode)
}

func (s *Server) handleAPISpeed(w http.ResponseWriter, r *http.Request) {
	var req speedRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Speed == nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "speed is required"})
		return
	}
	s.runCommand(w, r, func(ctx context.Context) (miot.Result, error) {
		return s.coord.SetSpeed(ctx, *req.Speed)
	})
}

func (s *Server) handleAPIDelayOff(w http.ResponseWriter, r *http.Request) {
	var req delayOffRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Seconds == nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "seconds is required"})
		return
	}
	s.runCommand(w, r, func(ctx context.Context) (miot.Result, error) {
		return s.coord.SetPowerOffDelay(ctx, *req.Seconds)
	})
}

func (s *Server) switchCommand(w http.ResponseWriter, r *http.Request, set func(context.Context, bool) (miot.Result, error)) {
	var req switchRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.On == nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "on is required"})
		return
	}
	s.runCommand(w, r, func(ctx context.Context) (miot.Result, error) {
		return set(ctx, *req.On)
	})
}

func (s *Server) runCommand(w http.ResponseWriter, r *http.Request, call func(context.Context) (miot.Result, error)) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	ack, err := call(ctx)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, commandResponse{Status: "ok", Code: ack.Code})
}

func (s *Server) handleAPIVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return false
	}
	return true
}

// writeError maps a fan error onto an HTTP status: bad input is 400, a
// device rejection 409, a timeout 504 and any other transport failure 502.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var codeErr *miot.CodeError
	switch {
	case errors.Is(err, fan.ErrInvalidArgument):
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.As(err, &codeErr):
		s.writeJSON(w, http.StatusConflict, map[string]any{
			"error": err.Error(),
			"code":  codeErr.Code,
		})
	case errors.Is(err, miot.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		s.writeJSON(w, http.StatusGatewayTimeout, map[string]string{"error": err.Error()})
	default:
		s.logger.Warn("device request failed", "err", err)
		s.writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("writeJSON encode failed", "err", err)
	}
}
