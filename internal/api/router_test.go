package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hackgods/medication-adherence/internal/access"
	"github.com/hackgods/medication-adherence/internal/adherence"
	"github.com/hackgods/medication-adherence/internal/archive"
	"github.com/hackgods/medication-adherence/internal/auth"
	"github.com/hackgods/medication-adherence/internal/clock"
	"github.com/hackgods/medication-adherence/internal/config"
	"github.com/hackgods/medication-adherence/internal/medication"
	"github.com/hackgods/medication-adherence/internal/metrics"
	"github.com/hackgods/medication-adherence/internal/notify"
)

var (
	rosa     = uuid.MustParse("51f0a7c2-1d2e-4f3a-8b4c-5d6e7f801001")
	maria    = uuid.MustParse("51f0a7c2-1d2e-4f3a-8b4c-5d6e7f801002")
	stranger = uuid.MustParse("51f0a7c2-1d2e-4f3a-8b4c-5d6e7f801003")
)

type testServer struct {
	t        *testing.T
	srv      *httptest.Server
	verifier *auth.Verifier
	dir      *access.Directory
	clk      *clock.Fixed
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	clk := clock.NewFixed(time.Date(2026, 3, 10, 7, 0, 0, 0, time.UTC))
	log := zap.NewNop()

	dir := access.NewDirectory(access.NewMemoryRepository(), clk, log)
	meds := medication.NewMemoryRepository()
	svc := medication.NewService(medication.Deps{Repo: meds, Preferences: meds, Clock: clk, Logger: log})
	dispatcher, err := notify.NewDispatcher(notify.Deps{
		Repo:      notify.NewMemoryRepository(),
		Directory: dir,
		Gateways: map[string]notify.Gateway{
			access.ChannelEmail: notify.NewLogGateway(access.ChannelEmail, log),
			access.ChannelSMS:   notify.NewLogGateway(access.ChannelSMS, log),
			access.ChannelPush:  notify.NewLogGateway(access.ChannelPush, log),
		},
		Clock: clk,
	})
	require.NoError(t, err)
	svc.SetListener(dispatcher)
	engine := adherence.NewEngine(meds, clk, nil, log)
	verifier := auth.NewVerifier(config.AuthConfig{JWTSecret: "test-secret", Issuer: "medication-adherence"}, clk)

	h := NewRouter(RouterConfig{
		Medication:     svc,
		Directory:      dir,
		Engine:         engine,
		Reports:        adherence.NewMemoryReportRepository(),
		Archiver:       archive.NewArchiver(archive.NewMemoryStore(meds), meds, dir, engine, clk, log),
		Dispatcher:     dispatcher,
		Verifier:       verifier,
		Metrics:        metrics.NewCollector("meds_api"),
		Logger:         log,
		Clock:          clk,
		Env:            "test",
		Version:        "v0.0.0",
		AllowedOrigins: []string{"*"},
	})
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return &testServer{t: t, srv: srv, verifier: verifier, dir: dir, clk: clk}
}

func (ts *testServer) do(as uuid.UUID, method, path string, body any, out any) int {
	ts.t.Helper()
	var rd *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(ts.t, err)
		rd = bytes.NewReader(raw)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, ts.srv.URL+path, rd)
	require.NoError(ts.t, err)
	req.Header.Set("Content-Type", "application/json")
	if as != uuid.Nil {
		tok, err := ts.verifier.Issue(as, time.Hour)
		require.NoError(ts.t, err)
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(ts.t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(ts.t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

// seed registers Rosa with one daily 08:00 UTC medication and links Maria as
// a viewer.
func (ts *testServer) seed() *medication.Command {
	ts.t.Helper()
	code := ts.do(rosa, http.MethodPost, "/patients", access.PatientInput{
		Name:     "Rosa Alvarez",
		TimeZone: "UTC",
		Contact:  access.Contact{Email: "rosa@example.com", Phone: "+15550100"},
	}, nil)
	require.Equal(ts.t, http.StatusCreated, code)

	code = ts.do(rosa, http.MethodPut, "/patients/"+rosa.String()+"/family/"+maria.String(), access.MemberInput{
		Name:         "Maria",
		Relationship: "daughter",
		Contact:      access.Contact{Email: "maria@example.com"},
		Permissions:  access.Permissions{CanViewMedications: true, CanReceiveNotifications: true, IsEmergencyContact: true},
	}, nil)
	require.Equal(ts.t, http.StatusOK, code)

	var cmd medication.Command
	code = ts.do(rosa, http.MethodPost, "/patients/"+rosa.String()+"/medications", map[string]any{
		"name":   "Lisinopril",
		"dosage": "10mg",
		"schedule": map[string]any{
			"frequency": "daily",
			"startDate": "2026-03-10",
		},
	}, &cmd)
	require.Equal(ts.t, http.StatusCreated, code)
	return &cmd
}

func TestHealthAndMetrics(t *testing.T) {
	ts := newTestServer(t)

	var live LivenessResponse
	assert.Equal(t, http.StatusOK, ts.do(uuid.Nil, http.MethodGet, "/health/live", nil, &live))
	assert.Equal(t, "v0.0.0", live.Version)

	var ready ReadinessResponse
	assert.Equal(t, http.StatusOK, ts.do(uuid.Nil, http.MethodGet, "/health/ready", nil, &ready))
	assert.Equal(t, "disabled", ready.Dependencies["postgres"])

	resp, err := http.Get(ts.srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRequiresBearerToken(t *testing.T) {
	ts := newTestServer(t)
	assert.Equal(t, http.StatusUnauthorized, ts.do(uuid.Nil, http.MethodGet, "/patients/"+rosa.String(), nil, nil))
}

func TestCreatePatientTwice(t *testing.T) {
	ts := newTestServer(t)
	ts.seed()
	code := ts.do(rosa, http.MethodPost, "/patients", access.PatientInput{Name: "Rosa", TimeZone: "UTC"}, nil)
	assert.Equal(t, http.StatusConflict, code)
}

func TestDoseLifecycle(t *testing.T) {
	ts := newTestServer(t)
	cmd := ts.seed()
	base := "/medications/" + cmd.ID.String()

	ts.clk.Set(time.Date(2026, 3, 10, 8, 10, 0, 0, time.UTC))
	sf := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)
	var ev medication.Event
	code := ts.do(rosa, http.MethodPost, base+"/events", map[string]any{
		"eventType":    "dose_taken",
		"scheduledFor": sf,
	}, &ev)
	require.Equal(t, http.StatusCreated, code)
	assert.Equal(t, medication.TimingOnTime, ev.Timing.Category)

	code = ts.do(rosa, http.MethodPost, base+"/events", map[string]any{
		"eventType":    "dose_taken",
		"scheduledFor": sf,
	}, nil)
	assert.Equal(t, http.StatusConflict, code)

	var day ListResponse[medication.DoseSlot]
	require.Equal(t, http.StatusOK, ts.do(rosa, http.MethodGet, base+"/day?date=2026-03-10", nil, &day))
	require.Len(t, day.Items, 1)
	assert.Equal(t, medication.DoseStatusTaken, day.Items[0].Status)

	undo := fmt.Sprintf("%s/events/%s/undo", base, ev.ID)
	assert.Equal(t, http.StatusCreated, ts.do(rosa, http.MethodPost, undo, UndoRequest{CorrectedAction: medication.DoseStatusMissed}, nil))
	assert.Equal(t, http.StatusConflict, ts.do(rosa, http.MethodPost, undo, UndoRequest{CorrectedAction: medication.DoseStatusMissed}, nil))

	require.Equal(t, http.StatusOK, ts.do(rosa, http.MethodGet, base+"/day?date=2026-03-10", nil, &day))
	assert.Equal(t, medication.DoseStatusMissed, day.Items[0].Status)

	var rollup adherence.PatientRollup
	path := "/patients/" + rosa.String() + "/adherence?from=2026-03-10&to=2026-03-10"
	require.Equal(t, http.StatusOK, ts.do(maria, http.MethodGet, path, nil, &rollup))
	assert.Equal(t, 1, rollup.Overall.Missed)
}

func TestSystemEventsAreRejected(t *testing.T) {
	ts := newTestServer(t)
	cmd := ts.seed()
	code := ts.do(rosa, http.MethodPost, "/medications/"+cmd.ID.String()+"/events", map[string]any{
		"eventType": "pattern_detected",
	}, nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestFamilyPermissions(t *testing.T) {
	ts := newTestServer(t)
	cmd := ts.seed()
	patient := "/patients/" + rosa.String()

	assert.Equal(t, http.StatusOK, ts.do(maria, http.MethodGet, patient+"/medications", nil, nil))
	assert.Equal(t, http.StatusOK, ts.do(maria, http.MethodGet, "/medications/"+cmd.ID.String(), nil, nil))

	var errResp ErrorResponse
	code := ts.do(maria, http.MethodPatch, "/medications/"+cmd.ID.String(), map[string]any{"name": "Other"}, &errResp)
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, "missing permission", errResp.Details)

	assert.Equal(t, http.StatusForbidden, ts.do(stranger, http.MethodGet, patient, nil, nil))
	assert.Equal(t, http.StatusForbidden, ts.do(maria, http.MethodPut, patient+"/family/"+stranger.String(), access.MemberInput{Name: "X"}, nil))
}

func TestValidationAndConflicts(t *testing.T) {
	ts := newTestServer(t)
	cmd := ts.seed()

	var errResp ErrorResponse
	code := ts.do(rosa, http.MethodPost, "/patients/"+rosa.String()+"/medications", map[string]any{
		"dosage":   "5mg",
		"schedule": map[string]any{"frequency": "hourly", "startDate": "2026-03-10"},
	}, &errResp)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "validation_failed", errResp.Error)
	fields := map[string]bool{}
	for _, f := range errResp.Fields {
		fields[f.Field] = true
	}
	assert.True(t, fields["name"])
	assert.True(t, fields["schedule.frequency"])

	stale := 99
	code = ts.do(rosa, http.MethodPatch, "/medications/"+cmd.ID.String(), medication.Patch{ExpectedVersion: &stale}, nil)
	assert.Equal(t, http.StatusConflict, code)

	code = ts.do(rosa, http.MethodGet, "/patients/"+rosa.String()+"/adherence?from=2026-03-10&to=2026-03-01", nil, nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code = ts.do(rosa, http.MethodGet, "/medications/"+uuid.NewString(), nil, nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestStatusChangeAndAlerts(t *testing.T) {
	ts := newTestServer(t)
	cmd := ts.seed()

	var updated medication.Command
	code := ts.do(rosa, http.MethodPost, "/medications/"+cmd.ID.String()+"/status", StatusChangeRequest{Status: medication.StatusPaused, Reason: "travel"}, &updated)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, medication.StatusPaused, updated.Status.Current)

	var resp DispatchResponse
	code = ts.do(rosa, http.MethodPost, "/patients/"+rosa.String()+"/alerts", AlertRequest{Message: "fell in the kitchen"}, &resp)
	require.Equal(t, http.StatusAccepted, code)
	// Rosa by email and SMS, Maria as emergency contact by email.
	assert.Equal(t, 3, resp.Queued)

	var ns ListResponse[*notify.Notification]
	require.Equal(t, http.StatusOK, ts.do(rosa, http.MethodGet, "/patients/"+rosa.String()+"/notifications", nil, &ns))
	emergencies := 0
	for _, n := range ns.Items {
		if n.Type == notify.TypeEmergency {
			emergencies++
			assert.Equal(t, notify.StatusDelivered, n.Status, "emergencies are delivered inline")
		}
	}
	assert.Equal(t, 3, emergencies)

	code = ts.do(rosa, http.MethodPost, "/patients/"+rosa.String()+"/responsibility", ResponsibilityRequest{CommandID: &cmd.ID}, &resp)
	require.Equal(t, http.StatusAccepted, code)
	assert.Zero(t, resp.Queued, "nobody can edit medications")
}

func TestPreferencesRoundTrip(t *testing.T) {
	ts := newTestServer(t)
	ts.seed()
	path := "/patients/" + rosa.String() + "/preferences"

	var prefs map[string]any
	require.Equal(t, http.StatusOK, ts.do(maria, http.MethodGet, path, nil, &prefs))
	assert.Contains(t, prefs, "buckets")

	assert.Equal(t, http.StatusForbidden, ts.do(maria, http.MethodPut, path, map[string]any{}, nil))
}
