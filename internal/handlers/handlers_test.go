package handlers

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"homecare-backend/internal/apperr"
	"homecare-backend/internal/directory"
	"homecare-backend/internal/dispatch"
	"homecare-backend/internal/events"
	"homecare-backend/internal/middleware"
	"homecare-backend/internal/models"
	"homecare-backend/internal/presence"
	"homecare-backend/internal/store"
	"homecare-backend/internal/tracking"
	"homecare-backend/internal/utils"
)

const testSecret = "secret"

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestRouter(t *testing.T) *gin.Engine {
	t.Helper()

	hub := events.NewHub(events.DefaultBufferSize, zerolog.Nop())
	d := dispatch.New(dispatch.Deps{
		Store:     store.NewMemoryStore(),
		Sessions:  tracking.NewManager(tracking.Config{}, nil, hub, zerolog.Nop()),
		Presence:  presence.NewMemoryService(),
		Directory: directory.NewMemoryDirectory(models.Doctor{ID: "d1", Specialty: "Терапевт", Verified: true}),
		Hub:       hub,
	}, dispatch.Config{}, zerolog.Nop())

	r := gin.New()
	api := r.Group("/api", middleware.JWTAuth(testSecret, zerolog.Nop()))
	api.POST("/appointments", AppointmentCreate(d))
	api.GET("/appointments/pending", AppointmentListPending(d))
	api.GET("/appointments/:id", AppointmentGet(d))
	api.GET("/appointments/:id/candidates", AppointmentCandidates(d))
	api.GET("/appointments/:id/tracking", TrackingGet(d))
	api.PUT("/appointments/:id/accept", AppointmentAccept(d))
	api.PUT("/appointments/:id/start", AppointmentStart(d))
	api.PUT("/appointments/:id/arrive", AppointmentArrive(d))
	api.PUT("/appointments/:id/complete", AppointmentComplete(d))
	api.PUT("/appointments/:id/cancel", AppointmentCancel(d))
	api.PUT("/appointments/:id/tracking", TrackingUpdate(d))
	api.PUT("/doctors/presence", DoctorPresenceUpdate(d))
	api.PUT("/doctors/location", DoctorLocationUpdate(d))
	return r
}

func doJSON(t *testing.T, r *gin.Engine, method, path, userID string, role models.Role, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		tok, err := utils.GenerateJWT(testSecret, userID, role, time.Hour)
		if err != nil {
			t.Fatal(err)
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), out); err != nil {
		t.Fatalf("decode %s: %v", w.Body.String(), err)
	}
}

func createAppointment(t *testing.T, r *gin.Engine) models.AppointmentResponse {
	t.Helper()
	w := doJSON(t, r, http.MethodPost, "/api/appointments", "p1", models.RolePatient, gin.H{
		"description": "температура",
		"address":     "ул. Абая 10",
		"latitude":    43.2389,
		"longitude":   76.8897,
		"specialty":   "Терапевт",
		"urgency":     "high",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", w.Code, w.Body.String())
	}
	var a models.AppointmentResponse
	decode(t, w, &a)
	return a
}

func TestAppointmentFlow(t *testing.T) {
	r := newTestRouter(t)
	a := createAppointment(t, r)
	if a.Status != models.StatusPending || a.Urgency != models.UrgencyHigh || a.Location == nil {
		t.Fatalf("unexpected created appointment: %+v", a)
	}
	base := "/api/appointments/" + a.ID

	w := doJSON(t, r, http.MethodGet, "/api/appointments/pending?urgency=high", "d1", models.RoleDoctor, nil)
	var pending []models.AppointmentResponse
	decode(t, w, &pending)
	if w.Code != http.StatusOK || len(pending) != 1 || pending[0].ID != a.ID {
		t.Fatalf("pending: %d %s", w.Code, w.Body.String())
	}

	if w := doJSON(t, r, http.MethodPut, base+"/accept", "d1", models.RoleDoctor, nil); w.Code != http.StatusOK {
		t.Fatalf("accept: %d %s", w.Code, w.Body.String())
	}
	w = doJSON(t, r, http.MethodPut, base+"/accept", "d2", models.RoleDoctor, nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("second accept: expected 409, got %d", w.Code)
	}

	if w := doJSON(t, r, http.MethodPut, base+"/start", "d1", models.RoleDoctor, gin.H{}); w.Code != http.StatusConflict {
		t.Fatalf("start without position: expected 409, got %d", w.Code)
	}
	if w := doJSON(t, r, http.MethodPut, base+"/start", "d1", models.RoleDoctor, gin.H{"latitude": "north"}); w.Code != http.StatusBadRequest {
		t.Fatalf("start with malformed body: expected 400, got %d", w.Code)
	}
	w = doJSON(t, r, http.MethodPut, base+"/start", "d1", models.RoleDoctor, gin.H{"latitude": 43.2567, "longitude": 76.9286})
	if w.Code != http.StatusOK {
		t.Fatalf("start: %d %s", w.Code, w.Body.String())
	}

	w = doJSON(t, r, http.MethodGet, base+"/tracking", "p1", models.RolePatient, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("tracking: %d %s", w.Code, w.Body.String())
	}
	var view dispatch.TrackingView
	decode(t, w, &view)
	if !view.HasEta || view.Estimate.Source != models.EtaSourceStraightLine || view.Estimate.EtaMinutes <= 0 {
		t.Fatalf("unexpected tracking view: %+v", view)
	}

	ts := time.Now().UTC().Add(time.Minute)
	w = doJSON(t, r, http.MethodPut, base+"/tracking", "d1", models.RoleDoctor, gin.H{"latitude": 43.25, "longitude": 76.92, "timestamp": ts})
	var res dispatch.LocationResult
	decode(t, w, &res)
	if w.Code != http.StatusOK || !res.Accepted {
		t.Fatalf("tracking update: %d %s", w.Code, w.Body.String())
	}
	w = doJSON(t, r, http.MethodPut, base+"/tracking", "d1", models.RoleDoctor, gin.H{"latitude": 43.24, "longitude": 76.91, "timestamp": ts.Add(-time.Second)})
	res = dispatch.LocationResult{}
	decode(t, w, &res)
	if w.Code != http.StatusOK || res.Accepted || res.Reason != tracking.ReasonStale {
		t.Fatalf("stale update must be ignored: %d %s", w.Code, w.Body.String())
	}

	if w := doJSON(t, r, http.MethodPut, base+"/arrive", "d1", models.RoleDoctor, nil); w.Code != http.StatusOK {
		t.Fatalf("arrive: %d %s", w.Code, w.Body.String())
	}
	w = doJSON(t, r, http.MethodPut, base+"/complete", "d1", models.RoleDoctor, nil)
	var done models.AppointmentResponse
	decode(t, w, &done)
	if w.Code != http.StatusOK || done.Status != models.StatusCompleted || done.Tracking != nil {
		t.Fatalf("complete: %d %s", w.Code, w.Body.String())
	}

	w = doJSON(t, r, http.MethodPut, base+"/tracking", "d1", models.RoleDoctor, gin.H{"latitude": 43.24, "longitude": 76.91})
	if w.Code != http.StatusConflict {
		t.Fatalf("tracking after completion: expected 409, got %d", w.Code)
	}
}

func TestAppointmentGet_SinceVersion(t *testing.T) {
	r := newTestRouter(t)
	a := createAppointment(t, r)
	base := "/api/appointments/" + a.ID

	w := doJSON(t, r, http.MethodGet, fmt.Sprintf("%s?since_version=%d", base, a.Version), "p1", models.RolePatient, nil)
	if w.Code != http.StatusNotModified {
		t.Fatalf("expected 304, got %d", w.Code)
	}
	w = doJSON(t, r, http.MethodGet, base+"?since_version=0", "p1", models.RolePatient, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	w = doJSON(t, r, http.MethodGet, base+"?since_version=abc", "p1", models.RolePatient, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	w = doJSON(t, r, http.MethodGet, base, "p2", models.RolePatient, nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("foreign patient: expected 404, got %d", w.Code)
	}
}

func TestAppointmentCreate_Validation(t *testing.T) {
	r := newTestRouter(t)

	cases := []struct {
		name string
		body gin.H
		want int
	}{
		{"no description", gin.H{"address": "x"}, http.StatusBadRequest},
		{"half coordinate", gin.H{"description": "x", "address": "y", "latitude": 43.2}, http.StatusBadRequest},
		{"bad urgency", gin.H{"description": "x", "address": "y", "urgency": "asap"}, http.StatusBadRequest},
		{"no address", gin.H{"description": "x"}, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := doJSON(t, r, http.MethodPost, "/api/appointments", "p1", models.RolePatient, tc.body)
			if w.Code != tc.want {
				t.Fatalf("expected %d, got %d: %s", tc.want, w.Code, w.Body.String())
			}
		})
	}

	if w := doJSON(t, r, http.MethodPost, "/api/appointments", "", "", gin.H{"description": "x"}); w.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous: expected 401, got %d", w.Code)
	}
}

func TestCancelAndCandidates(t *testing.T) {
	r := newTestRouter(t)
	a := createAppointment(t, r)
	base := "/api/appointments/" + a.ID

	w := doJSON(t, r, http.MethodGet, base+"/candidates?limit=3", "p1", models.RolePatient, nil)
	var ranked []struct {
		Candidate struct {
			DoctorID string `json:"doctor_id"`
		} `json:"candidate"`
		Score float64 `json:"score"`
	}
	decode(t, w, &ranked)
	if w.Code != http.StatusOK || len(ranked) != 1 || ranked[0].Candidate.DoctorID != "d1" {
		t.Fatalf("candidates: %d %s", w.Code, w.Body.String())
	}
	if w := doJSON(t, r, http.MethodGet, base+"/candidates?limit=-1", "p1", models.RolePatient, nil); w.Code != http.StatusBadRequest {
		t.Fatalf("negative limit: expected 400, got %d", w.Code)
	}

	w = doJSON(t, r, http.MethodPut, base+"/cancel", "p1", models.RolePatient, gin.H{"reason": "врач не нужен"})
	var cancelled models.AppointmentResponse
	decode(t, w, &cancelled)
	if w.Code != http.StatusOK || cancelled.Status != models.StatusCancelled || cancelled.CancellationReason != "врач не нужен" {
		t.Fatalf("cancel: %d %s", w.Code, w.Body.String())
	}
	if w := doJSON(t, r, http.MethodPut, base+"/cancel", "p1", models.RolePatient, nil); w.Code != http.StatusConflict {
		t.Fatalf("cancel twice: expected 409, got %d", w.Code)
	}
}

func TestDoctorPresence(t *testing.T) {
	r := newTestRouter(t)

	w := doJSON(t, r, http.MethodPut, "/api/doctors/presence", "d1", models.RoleDoctor, gin.H{"online": true})
	if w.Code != http.StatusOK {
		t.Fatalf("presence: %d %s", w.Code, w.Body.String())
	}
	if w := doJSON(t, r, http.MethodPut, "/api/doctors/presence", "d1", models.RoleDoctor, gin.H{}); w.Code != http.StatusBadRequest {
		t.Fatalf("missing online: expected 400, got %d", w.Code)
	}
	if w := doJSON(t, r, http.MethodPut, "/api/doctors/location", "d1", models.RoleDoctor, gin.H{"latitude": 95.0, "longitude": 76.9}); w.Code != http.StatusBadRequest {
		t.Fatalf("bad coordinate: expected 400, got %d", w.Code)
	}
	if w := doJSON(t, r, http.MethodPut, "/api/doctors/location", "p1", models.RolePatient, gin.H{"latitude": 43.2, "longitude": 76.9}); w.Code != http.StatusConflict {
		t.Fatalf("patient location: expected 409, got %d", w.Code)
	}
}

func TestRespondError(t *testing.T) {
	cases := []struct {
		err  error
		want int
		msg  string
	}{
		{apperr.Invalid("плохо"), http.StatusBadRequest, "плохо"},
		{apperr.NotFound("нет"), http.StatusNotFound, "нет"},
		{apperr.Conflict("занято"), http.StatusConflict, "занято"},
		{errors.New("db down"), http.StatusInternalServerError, "Внутренняя ошибка сервера"},
	}
	for _, tc := range cases {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		RespondError(c, tc.err)

		var body map[string]string
		decode(t, w, &body)
		if w.Code != tc.want || body["error"] != tc.msg {
			t.Errorf("%v: got %d %q", tc.err, w.Code, body["error"])
		}
	}
}
