package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"habitbot/internal/habit"
	"habitbot/internal/metrics"
	"habitbot/internal/notification"
	"habitbot/internal/storage"
	logx "habitbot/pkg/logx"
)

var t0 = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

type fixture struct {
	st  *storage.Memory
	srv *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := storage.NewMemory()
	svc := habit.NewService(st, logx.Nop(), habit.WithClock(func() time.Time { return t0 }))
	reg := prometheus.NewRegistry()
	metrics.NewCollector(reg)
	h := NewRouter(Deps{
		Habits:   svc,
		Records:  st,
		Gatherer: reg,
		Status:   func() any { return map[string]int{"ticks": 3} },
		Log:      logx.Nop(),
	})
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return &fixture{st: st, srv: srv}
}

func (f *fixture) do(t *testing.T, method, path, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	out := map[string]any{}
	if resp.StatusCode != http.StatusNoContent && !strings.HasPrefix(path, "/metrics") {
		var raw any
		if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
			t.Fatalf("decode %s %s: %v", method, path, err)
		}
		switch v := raw.(type) {
		case map[string]any:
			out = v
		case []any:
			out["items"] = v
		}
	}
	return resp, out
}

const coffeeHabit = `{"owner_id":1,"place":"home","time":"06:45","action":"stretch","duration":60,"prize":"coffee"}`

func TestCreateAndGetHabit(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	resp, body := f.do(t, http.MethodPost, "/v1/habits", coffeeHabit)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status=%d body=%v", resp.StatusCode, body)
	}
	if body["time"] != "06:45:00" || body["periodicity"] != float64(1) || body["active"] != true {
		t.Fatalf("unexpected body: %v", body)
	}
	if days, _ := body["days"].([]any); len(days) != 7 {
		t.Fatalf("days=%v, want all seven", body["days"])
	}

	resp, body = f.do(t, http.MethodGet, "/v1/habits/1", "")
	if resp.StatusCode != http.StatusOK || body["prize"] != "coffee" {
		t.Fatalf("get status=%d body=%v", resp.StatusCode, body)
	}
}

func TestCreateHabitErrors(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name  string
		body  string
		code  int
		kinds []string
	}{
		{
			name:  "validation",
			body:  `{"owner_id":1,"place":"home","time":"06:45","action":"run","duration":121,"periodicity":8}`,
			code:  http.StatusUnprocessableEntity,
			kinds: []string{"duration_too_long", "periodicity_out_of_range"},
		},
		{
			name: "bad time",
			body: `{"owner_id":1,"place":"home","time":"25:00","action":"run","duration":10}`,
			code: http.StatusBadRequest,
		},
		{
			name: "bad weekday",
			body: `{"owner_id":1,"place":"home","time":"07:00","action":"run","duration":10,"days":["funday"]}`,
			code: http.StatusBadRequest,
		},
		{
			name: "unknown field",
			body: `{"owner_id":1,"colour":"red"}`,
			code: http.StatusBadRequest,
		},
		{
			name:  "missing related",
			body:  `{"owner_id":1,"place":"home","time":"07:00","action":"run","duration":10,"related_id":99}`,
			code:  http.StatusUnprocessableEntity,
			kinds: []string{"related_habit_missing"},
		},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t)
			resp, body := f.do(t, http.MethodPost, "/v1/habits", tc.body)
			if resp.StatusCode != tc.code {
				t.Fatalf("status=%d want %d body=%v", resp.StatusCode, tc.code, body)
			}
			if tc.kinds == nil {
				return
			}
			got, _ := body["kinds"].([]any)
			if len(got) != len(tc.kinds) {
				t.Fatalf("kinds=%v want %v", got, tc.kinds)
			}
			for i, k := range tc.kinds {
				if got[i] != k {
					t.Fatalf("kinds=%v want %v", got, tc.kinds)
				}
			}
		})
	}
}

func TestPatchAndDeleteHabit(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	if resp, body := f.do(t, http.MethodPost, "/v1/habits", coffeeHabit); resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status=%d body=%v", resp.StatusCode, body)
	}

	resp, body := f.do(t, http.MethodPatch, "/v1/habits/1", `{"days":["weekdays"],"time":"07:30","active":false}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("patch status=%d body=%v", resp.StatusCode, body)
	}
	if body["time"] != "07:30:00" || body["active"] != false {
		t.Fatalf("patched body=%v", body)
	}
	if days, _ := body["days"].([]any); len(days) != 5 {
		t.Fatalf("days=%v", body["days"])
	}

	// A nice habit cannot carry a prize; the merged state is rejected.
	resp, body = f.do(t, http.MethodPatch, "/v1/habits/1", `{"is_nice":true}`)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("patch nice status=%d body=%v", resp.StatusCode, body)
	}

	if resp, _ = f.do(t, http.MethodDelete, "/v1/habits/1", ""); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status=%d", resp.StatusCode)
	}
	if resp, _ = f.do(t, http.MethodGet, "/v1/habits/1", ""); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("get after delete status=%d", resp.StatusCode)
	}
	if resp, _ = f.do(t, http.MethodGet, "/v1/habits/abc", ""); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad id status=%d", resp.StatusCode)
	}
}

func TestNotificationListings(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	key := notification.NewKey(7, t0.Add(3*time.Hour))
	rec, ok, err := f.st.Claim(ctx, key, "tok", t0.Add(3*time.Hour))
	if err != nil || !ok {
		t.Fatalf("claim ok=%v err=%v", ok, err)
	}
	dead, err := notification.FailPermanent(rec, errors.New("chat not found"), t0.Add(3*time.Hour))
	if err != nil {
		t.Fatalf("FailPermanent: %v", err)
	}
	if ok, err := f.st.Finish(ctx, dead); err != nil || !ok {
		t.Fatalf("finish ok=%v err=%v", ok, err)
	}

	for _, path := range []string{"/v1/notifications/dead", "/v1/habits/7/notifications?limit=5"} {
		resp, body := f.do(t, http.MethodGet, path, "")
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s status=%d", path, resp.StatusCode)
		}
		items, _ := body["items"].([]any)
		if len(items) != 1 {
			t.Fatalf("%s items=%v", path, body)
		}
		item := items[0].(map[string]any)
		if item["status"] != "dead" || item["attempts"] != float64(1) || item["last_error"] != "chat not found" {
			t.Fatalf("%s item=%v", path, item)
		}
	}
}

func TestHealthAndMetrics(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	resp, body := f.do(t, http.MethodGet, "/healthz", "")
	if resp.StatusCode != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("healthz status=%d body=%v", resp.StatusCode, body)
	}
	if rt, _ := body["runtime"].(map[string]any); rt["ticks"] != float64(3) {
		t.Fatalf("runtime=%v", body["runtime"])
	}

	resp, _ = f.do(t, http.MethodGet, "/metrics", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics status=%d", resp.StatusCode)
	}
}

func TestServerShutsDownOnCancel(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	s := NewServer(Config{Enabled: true, Addr: "127.0.0.1:0"}, http.NotFoundHandler(), logx.Nop())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
