package metrics

import (
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

func TestCounter_IncAndAdd(t *testing.T) {
	c := NewCounter("test.counter")
	if c.Value() != 0 {
		t.Fatalf("initial value = %d, want 0", c.Value())
	}
	c.Inc()
	if c.Value() != 1 {
		t.Fatalf("after Inc() value = %d, want 1", c.Value())
	}
	c.Add(9)
	if c.Value() != 10 {
		t.Fatalf("after Add(9) value = %d, want 10", c.Value())
	}
	// Negative adds must be ignored (counters are monotonic).
	c.Add(-5)
	if c.Value() != 10 {
		t.Fatalf("after Add(-5) value = %d, want 10 (negatives ignored)", c.Value())
	}
	if c.Name() != "test.counter" {
		t.Fatalf("name = %q, want %q", c.Name(), "test.counter")
	}
}

func TestGauge_SetIncDec(t *testing.T) {
	g := NewGauge("test.gauge")
	g.Set(42)
	if g.Value() != 42 {
		t.Fatalf("after Set(42) value = %d, want 42", g.Value())
	}
	g.Inc()
	g.Dec()
	g.Dec()
	if g.Value() != 41 {
		t.Fatalf("after Inc and two Dec value = %d, want 41", g.Value())
	}
	// Gauges can go negative.
	g.Set(-10)
	if g.Value() != -10 {
		t.Fatalf("after Set(-10) value = %d, want -10", g.Value())
	}
}

func TestHistogram_Observe(t *testing.T) {
	h := NewHistogram("test.hist")
	if h.Count() != 0 {
		t.Fatalf("initial count = %d, want 0", h.Count())
	}
	if h.Min() != 0 || h.Max() != 0 || h.Mean() != 0 {
		t.Fatalf("empty histogram: min=%f max=%f mean=%f, want all 0", h.Min(), h.Max(), h.Mean())
	}
	h.Observe(10)
	h.Observe(20)
	h.Observe(30)
	if h.Count() != 3 {
		t.Fatalf("count = %d, want 3", h.Count())
	}
	if h.Sum() != 60 {
		t.Fatalf("sum = %f, want 60", h.Sum())
	}
	if h.Min() != 10 || h.Max() != 30 {
		t.Fatalf("min=%f max=%f, want 10 and 30", h.Min(), h.Max())
	}
	if h.Mean() != 20 {
		t.Fatalf("mean = %f, want 20", h.Mean())
	}
}

func TestRegistry_GetOrCreate(t *testing.T) {
	r := NewRegistry()
	c1 := r.Counter("moves")
	c2 := r.Counter("moves")
	if c1 != c2 {
		t.Fatalf("Counter(%q) returned distinct instances", "moves")
	}
	c1.Inc()
	if c2.Value() != 1 {
		t.Fatalf("shared counter value = %d, want 1", c2.Value())
	}
	if r.Gauge("live") != r.Gauge("live") {
		t.Fatal("Gauge returned distinct instances for the same name")
	}
	if r.Histogram("lat") != r.Histogram("lat") {
		t.Fatal("Histogram returned distinct instances for the same name")
	}
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				r.Counter("shared").Inc()
			}
		}()
	}
	wg.Wait()
	if got := r.Counter("shared").Value(); got != 1600 {
		t.Fatalf("concurrent counter = %d, want 1600", got)
	}
}

func TestRegistry_Each(t *testing.T) {
	r := NewRegistry()
	r.Counter("a")
	r.Gauge("b")
	r.Histogram("c")
	seen := map[string]bool{}
	r.Each(func(name string, _ any) {
		seen[name] = true
	})
	for _, name := range []string{"a", "b", "c"} {
		if !seen[name] {
			t.Fatalf("Each did not visit %q", name)
		}
	}
}

func TestExporter_TextFormat(t *testing.T) {
	r := NewRegistry()
	r.Counter("session.moves_applied").Add(7)
	r.Gauge("session.live").Set(3)
	h := r.Histogram("session.move_latency_ms")
	h.Observe(5)
	h.Observe(15)

	e := NewExporter(r, ExporterConfig{Namespace: "tempo"})
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Fatalf("Content-Type = %q, want text/plain prefix", ct)
	}
	body := rec.Body.String()
	for _, want := range []string{
		"# TYPE tempo_session_moves_applied counter",
		"tempo_session_moves_applied 7",
		"# TYPE tempo_session_live gauge",
		"tempo_session_live 3",
		"tempo_session_move_latency_ms_count 2",
		"tempo_session_move_latency_ms_sum 20",
		"tempo_session_move_latency_ms_mean 10",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("exporter output missing %q:\n%s", want, body)
		}
	}
}

func TestExporter_MethodNotAllowed(t *testing.T) {
	e := NewExporter(NewRegistry(), DefaultExporterConfig())
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest("POST", "/metrics", nil))
	if rec.Code != 405 {
		t.Fatalf("POST status = %d, want 405", rec.Code)
	}
}

func TestExporter_DeterministicOrder(t *testing.T) {
	r := NewRegistry()
	r.Counter("zz")
	r.Counter("aa")
	r.Counter("mm")
	e := NewExporter(r, ExporterConfig{})

	rec1 := httptest.NewRecorder()
	e.ServeHTTP(rec1, httptest.NewRequest("GET", "/metrics", nil))
	rec2 := httptest.NewRecorder()
	e.ServeHTTP(rec2, httptest.NewRequest("GET", "/metrics", nil))
	if rec1.Body.String() != rec2.Body.String() {
		t.Fatal("exporter output is not deterministic across scrapes")
	}
	body := rec1.Body.String()
	if strings.Index(body, "aa 0") > strings.Index(body, "mm 0") ||
		strings.Index(body, "mm 0") > strings.Index(body, "zz 0") {
		t.Fatalf("counters not sorted by name:\n%s", body)
	}
}
