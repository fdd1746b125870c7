package metrics

import (
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewMetrics("test", reg)
	if err != nil {
		t.Fatalf("NewMetrics failed: %v", err)
	}

	m.StartRound(5)
	m.StartRound(5)
	m.SetHeight(5)
	m.SetView(2)
	m.IncMessagesSent("Vote")
	m.IncMessagesSent("Vote")
	m.IncMessagesReceived("Commit")
	m.IncMessagesDropped("stale")
	m.IncViewChanges()
	m.AddTransactions(3)
	m.EndRound(5)

	if got := testutil.ToFloat64(m.currentBlockHeight); got != 5 {
		t.Errorf("Height gauge = %v", got)
	}
	if got := testutil.ToFloat64(m.currentView); got != 2 {
		t.Errorf("View gauge = %v", got)
	}
	if got := testutil.ToFloat64(m.messagesSentTotal.WithLabelValues("Vote")); got != 2 {
		t.Errorf("Sent counter = %v", got)
	}
	if got := testutil.ToFloat64(m.messagesDroppedTotal.WithLabelValues("stale")); got != 1 {
		t.Errorf("Dropped counter = %v", got)
	}
	if got := testutil.ToFloat64(m.transactionsTotal); got != 3 {
		t.Errorf("Transactions counter = %v", got)
	}
	if got := testutil.ToFloat64(m.consensusRoundsTotal); got != 1 {
		t.Errorf("Rounds counter = %v", got)
	}
	if n := testutil.CollectAndCount(m.consensusDuration); n != 1 {
		t.Errorf("Expected one duration series, got %d", n)
	}
	if len(m.roundStartTimes) != 0 {
		t.Error("Round start time not cleared")
	}
}

func TestMetricsDuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	if _, err := NewMetrics("dup", reg); err != nil {
		t.Fatalf("NewMetrics failed: %v", err)
	}
	if _, err := NewMetrics("dup", reg); err == nil {
		t.Error("Expected registration conflict")
	}
}

func TestServer(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to find free port: %v", err)
	}
	addr := l.Addr().String()
	l.Close()

	reg := prometheus.NewRegistry()
	m, err := NewMetrics("srv", reg)
	if err != nil {
		t.Fatalf("NewMetrics failed: %v", err)
	}
	m.SetHeight(9)

	s := NewServer(addr, reg)
	s.Handle("/health", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("ok"))
	}))
	s.Start()
	defer s.Stop()

	get := func(path string) string {
		var lastErr error
		for i := 0; i < 50; i++ {
			resp, err := http.Get("http://" + addr + path)
			if err == nil {
				body, _ := io.ReadAll(resp.Body)
				resp.Body.Close()
				return string(body)
			}
			lastErr = err
			time.Sleep(20 * time.Millisecond)
		}
		t.Fatalf("GET %s failed: %v", path, lastErr)
		return ""
	}

	if body := get("/metrics"); !strings.Contains(body, "srv_block_height 9") {
		t.Errorf("Metrics output missing height:\n%s", body)
	}
	if body := get("/health"); body != "ok" {
		t.Errorf("Unexpected health body %q", body)
	}

	select {
	case err := <-s.Err():
		t.Errorf("Server reported error: %v", err)
	default:
	}
}
