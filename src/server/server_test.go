package server

import (
	"bytes"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/apache/arrow/go/v14/arrow/ipc"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"mrs/src/backtest"
	"mrs/src/columnar"
	"mrs/src/optimize"
	"mrs/src/series"
)

func init() { gin.SetMode(gin.TestMode) }

func wavePrices(t *testing.T, n int) series.Series {
	t.Helper()
	d := time.Date(2023, 1, 2, 0, 0, 0, 0, time.UTC)
	dates := make([]time.Time, n)
	closes := make([]float64, n)
	for i := 0; i < n; i++ {
		dates[i] = d.AddDate(0, 0, i)
		closes[i] = 100 + 6*math.Sin(float64(i)/4) + 0.02*float64(i)
	}
	s, err := series.FromCloses(dates, closes)
	if err != nil {
		t.Fatalf("series: %v", err)
	}
	return s
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	opt := optimize.New(backtest.DefaultConfig())
	opt.SetWorkers(2)
	return New(wavePrices(t, 160), opt, nil)
}

func do(t *testing.T, h http.Handler, method, path, body string, hdr map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestReadRoutesBeforeAnyRun(t *testing.T) {
	r := newTestServer(t).Router()
	if w := do(t, r, http.MethodGet, "/healthz", "", nil); w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"ready":false`) {
		t.Fatalf("healthz: %d %s", w.Code, w.Body)
	}
	for _, p := range []string{"/api/leaderboard", "/api/best", "/api/trades", "/api/trades/summary", "/api/series"} {
		if w := do(t, r, http.MethodGet, p, "", nil); w.Code != http.StatusNotFound {
			t.Fatalf("%s: expected 404, got %d", p, w.Code)
		}
	}
}

func TestOptimizeThenRead(t *testing.T) {
	srv := newTestServer(t)
	r := srv.Router()

	w := do(t, r, http.MethodPost, "/api/optimize", `{"windows":[5,10],"z_entries":[1.0,1.5],"z_exits":[0.3]}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("optimize: %d %s", w.Code, w.Body)
	}
	var resp struct {
		RunID     string `json:"run_id"`
		Evaluated int    `json:"evaluated"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.RunID == "" || resp.Evaluated != 4 {
		t.Fatalf("unexpected optimize response %s", w.Body)
	}

	w = do(t, r, http.MethodGet, "/api/leaderboard?limit=2", "", nil)
	var lb struct {
		RunID       string           `json:"run_id"`
		Leaderboard []optimize.Entry `json:"leaderboard"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &lb); err != nil {
		t.Fatal(err)
	}
	if lb.RunID != resp.RunID || len(lb.Leaderboard) != 2 || lb.Leaderboard[0].Rank != 1 {
		t.Fatalf("unexpected leaderboard %s", w.Body)
	}
	if lb.Leaderboard[0].Summary.Sharpe < lb.Leaderboard[1].Summary.Sharpe {
		t.Fatalf("leaderboard not sorted by sharpe: %s", w.Body)
	}
	if w := do(t, r, http.MethodGet, "/api/leaderboard?limit=x", "", nil); w.Code != http.StatusBadRequest {
		t.Fatalf("bad limit: %d", w.Code)
	}

	w = do(t, r, http.MethodGet, "/api/best", "", nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"dynamic_sizing":true`) {
		t.Fatalf("best: %d %s", w.Code, w.Body)
	}

	for _, p := range []string{"/api/trades", "/api/trades?side=long", "/api/trades/summary"} {
		if w := do(t, r, http.MethodGet, p, "", nil); w.Code != http.StatusOK {
			t.Fatalf("%s: %d", p, w.Code)
		}
	}
	w = do(t, r, http.MethodGet, "/api/trades?side=nope", "", nil)
	if strings.TrimSpace(w.Body.String()) != "[]" {
		t.Fatalf("expected empty trade list, got %s", w.Body)
	}

	w = do(t, r, http.MethodGet, "/api/series", "", nil)
	var ser struct {
		Rows []seriesRow `json:"rows"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &ser); err != nil {
		t.Fatal(err)
	}
	if len(ser.Rows) != 159 || ser.Rows[0].Date != "2023-01-03" {
		t.Fatalf("unexpected series rows: %d", len(ser.Rows))
	}
}

func TestSeriesAsArrow(t *testing.T) {
	srv := newTestServer(t)
	out, err := srv.opt.Optimize(srv.prices, optimize.Grid{Windows: []int{10}, ZEntries: []float64{1}, ZExits: []float64{0.5}})
	if err != nil {
		t.Fatal(err)
	}
	srv.SetOutcome(out)

	w := do(t, srv.Router(), http.MethodGet, "/api/series", "", map[string]string{"Accept": columnar.ContentType})
	if w.Code != http.StatusOK || w.Header().Get("Content-Type") != columnar.ContentType {
		t.Fatalf("arrow series: %d %q", w.Code, w.Header().Get("Content-Type"))
	}
	rdr, err := ipc.NewReader(bytes.NewReader(w.Body.Bytes()))
	if err != nil {
		t.Fatalf("arrow reader: %v", err)
	}
	defer rdr.Release()
	if !rdr.Next() || rdr.Record().NumRows() != int64(len(out.Final.Series)) {
		t.Fatalf("arrow stream does not hold the final series")
	}
}

func TestOptimizeErrors(t *testing.T) {
	r := newTestServer(t).Router()
	if w := do(t, r, http.MethodPost, "/api/optimize", `{"windows":`, nil); w.Code != http.StatusBadRequest {
		t.Fatalf("bad json: %d", w.Code)
	}
	if w := do(t, r, http.MethodPost, "/api/optimize", `{"windows":[10]}`, nil); w.Code != http.StatusBadRequest {
		t.Fatalf("empty grid: %d", w.Code)
	}
	w := do(t, r, http.MethodPost, "/api/optimize", `{"windows":[10],"z_entries":[0.5],"z_exits":[0.7]}`, nil)
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("all-invalid grid: %d %s", w.Code, w.Body)
	}
}

func TestProgressStream(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws/progress", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for srv.Hub().Clients() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	resp, err := http.Post(ts.URL+"/api/optimize", "application/json",
		strings.NewReader(`{"windows":[5,10,20],"z_entries":[1.0],"z_exits":[0.3,0.5]}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("optimize: %d", resp.StatusCode)
	}

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	phases := map[string]int{}
	for {
		var p optimize.Progress
		if err := conn.ReadJSON(&p); err != nil {
			t.Fatalf("read progress: %v (seen %v)", err, phases)
		}
		phases[p.Phase]++
		if p.Phase == "done" {
			if p.Done != 6 || p.Total != 6 {
				t.Fatalf("unexpected done event %+v", p)
			}
			break
		}
	}
	if phases["search"] != 6 || phases["final"] != 1 {
		t.Fatalf("unexpected event counts %v", phases)
	}
}
