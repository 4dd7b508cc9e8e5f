package sockindex

import (
	"testing"
	"time"

	"github.com/privacyradar/netattrib/internal/model"
)

func udpMapping(isListener bool, lastSeen time.Time) model.UDPPortMapping {
	return model.UDPPortMapping{IsListener: isListener, LastSeen: lastSeen}
}

func TestApplyRowDropsLoopback(t *testing.T) {
	st := emptyState()
	r := row{Proto: "tcp", Local: "127.0.0.1:5000", Remote: "127.0.0.1:6000", State: "ESTABLISHED", PID: 1234}
	if err := applyRow(st, r, time.Now()); err != nil {
		t.Fatalf("applyRow: %v", err)
	}
	if len(st.connections) != 0 {
		t.Errorf("expected zero connections for loopback row, got %d", len(st.connections))
	}
}

func TestApplyRowUDPListenerPromotion(t *testing.T) {
	st := emptyState()
	r := row{Proto: "udp", Local: "0.0.0.0:5353", Remote: "*:*", PID: 42, ProcName: "mdnsd"}
	if err := applyRow(st, r, time.Now()); err != nil {
		t.Fatalf("applyRow: %v", err)
	}

	concrete, ok := st.udpMap["0.0.0.0:5353"]
	if !ok || !concrete.IsListener {
		t.Fatalf("expected listener mapping under 0.0.0.0:5353, got %+v ok=%v", concrete, ok)
	}
	wildcard, ok := st.udpMap[":5353"]
	if !ok || !wildcard.IsListener {
		t.Fatalf("expected listener mapping under :5353, got %+v ok=%v", wildcard, ok)
	}
}

func TestApplyRowTCPBidirectionalMatch(t *testing.T) {
	st := emptyState()
	r := row{Proto: "tcp", Local: "10.0.0.2:443", Remote: "10.0.0.1:55555", State: "ESTABLISHED", PID: 100, ProcName: "nginx"}
	if err := applyRow(st, r, time.Now()); err != nil {
		t.Fatalf("applyRow: %v", err)
	}

	a := MakeConnKey("10.0.0.1:55555", "10.0.0.2:443", "tcp")
	b := MakeConnKey("10.0.0.2:443", "10.0.0.1:55555", "tcp")
	if a != b {
		t.Fatalf("bidirectional key not commutative: %+v != %+v", a, b)
	}
	conn, ok := st.connections[a]
	if !ok || conn.PID != 100 {
		t.Fatalf("expected connection pid=100, got %+v ok=%v", conn, ok)
	}
}

func TestParsePIDField(t *testing.T) {
	tests := []struct {
		in       string
		wantPID  int32
		wantName string
	}{
		{"1234/nginx", 1234, "nginx"},
		{"816", 816, ""},
		{"-", 0, ""},
		{"", 0, ""},
	}
	for _, tt := range tests {
		pid, name := parsePIDField(tt.in)
		if pid != tt.wantPID || name != tt.wantName {
			t.Errorf("parsePIDField(%q) = (%d, %q), want (%d, %q)", tt.in, pid, name, tt.wantPID, tt.wantName)
		}
	}
}

func TestParseRowsLinuxDialect(t *testing.T) {
	out := []byte(`Active Internet connections (servers and established)
Proto Recv-Q Send-Q Local Address           Foreign Address         State       PID/Program name
tcp        0      0 10.0.0.2:443            10.0.0.1:55555          ESTABLISHED 100/nginx
tcp        0      0 0.0.0.0:22              0.0.0.0:*               LISTEN      55/sshd
udp        0      0 0.0.0.0:68              0.0.0.0:*                           60/dhclient
`)
	rows := parseRows("linux", out)
	if len(rows) != 3 {
		t.Fatalf("expected 3 rows, got %d: %+v", len(rows), rows)
	}
	if rows[0].Proto != "tcp" || rows[0].PID != 100 || rows[0].ProcName != "nginx" {
		t.Errorf("unexpected first row: %+v", rows[0])
	}
	if rows[2].Proto != "udp" || rows[2].PID != 60 {
		t.Errorf("unexpected udp row: %+v", rows[2])
	}
}

func TestEvictStaleUDP(t *testing.T) {
	st := emptyState()
	now := time.Now()
	st.udpMap["1.2.3.4:9999"] = udpMapping(false, now.Add(-time.Hour))
	st.udpMap[":53"] = udpMapping(true, now.Add(-time.Hour))

	evictStaleUDP(st, now, 30*time.Second)

	if _, ok := st.udpMap["1.2.3.4:9999"]; ok {
		t.Error("expected stale non-listener mapping to be evicted")
	}
	if _, ok := st.udpMap[":53"]; !ok {
		t.Error("listener mapping must never be evicted")
	}
}
