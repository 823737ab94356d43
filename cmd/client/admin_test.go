package main

import (
	"strings"
	"testing"

	adminpb "github.com/i-melnichenko/kvx/pkg/api/adminv1"
)

func TestRowFromNode_Replica(t *testing.T) {
	row := rowFromNode("r1:7000", &adminpb.NodeInfo{
		NodeId: "r1",
		Role:   adminpb.NodeRole_NODE_ROLE_REPLICA,
		Status: adminpb.NodeStatus_NODE_STATUS_DEGRADED,
		Offset: 40,
		Replica: &adminpb.ReplicaLink{
			PrimaryAddr: "p1:7000",
			LastError:   "connection refused",
		},
		Stats: &adminpb.CommandStats{Total: 9, Failed: 2},
	})

	if row.role != "replica" || row.status != "degraded" {
		t.Fatalf("role/status = %q/%q", row.role, row.status)
	}
	if row.link != "down" || row.primaryOf != "p1:7000" {
		t.Fatalf("link = %q primary = %q", row.link, row.primaryOf)
	}
	if row.lag != -1 {
		t.Fatalf("lag = %d, want -1 before the primary is known", row.lag)
	}
	if row.commands != 9 || row.failed != 2 {
		t.Fatalf("stats = %d/%d", row.commands, row.failed)
	}
}

func TestFillReplicaLag(t *testing.T) {
	rows := []adminRow{
		{addr: "p", role: "primary", offset: 100, lag: -1},
		{addr: "r1", role: "replica", offset: 60, lag: -1},
		{addr: "r2", role: "replica", offset: 120, lag: -1},
		{addr: "r3", err: "unavailable", lag: -1},
	}
	fillReplicaLag(rows)

	if rows[1].lag != 40 {
		t.Fatalf("r1 lag = %d, want 40", rows[1].lag)
	}
	if rows[2].lag != 0 {
		t.Fatalf("r2 lag = %d, want 0", rows[2].lag)
	}
	if rows[3].lag != -1 {
		t.Fatalf("unreachable lag = %d, want -1", rows[3].lag)
	}
}

func TestFillReplicaLag_NoPrimary(t *testing.T) {
	rows := []adminRow{{addr: "r1", role: "replica", offset: 5, lag: -1}}
	fillReplicaLag(rows)
	if rows[0].lag != -1 {
		t.Fatalf("lag = %d, want -1", rows[0].lag)
	}
}

func TestBuildAlertLines(t *testing.T) {
	rows := []adminRow{
		{addr: "r1:7000", nodeID: "r1", role: "replica", link: "down", primaryOf: "p1:7000", linkErr: "eof"},
		{addr: "r2:7000", err: "rpc error: code = Unavailable desc = connection refused"},
	}
	got := strings.Join(buildAlertLines(rows, 200), "\n")

	for _, want := range []string{
		"no reachable primary",
		"r1 replication link to p1:7000 is down: eof",
		"r2:7000 unreachable: connection refused",
	} {
		if !strings.Contains(got, want) {
			t.Fatalf("alerts missing %q:\n%s", want, got)
		}
	}
}

func TestBuildAlertLines_OverMemory(t *testing.T) {
	rows := []adminRow{{addr: "p", nodeID: "p1", role: "primary", usedMem: 2048, maxMem: 1024}}
	got := strings.Join(buildAlertLines(rows, 200), "\n")
	if !strings.Contains(got, "p1 is over max memory (2.0 KiB of 1.0 KiB)") {
		t.Fatalf("unexpected alerts:\n%s", got)
	}
}

func TestSplitAddrs(t *testing.T) {
	got := splitAddrs(" a:1, ,b:2,")
	if len(got) != 2 || got[0] != "a:1" || got[1] != "b:2" {
		t.Fatalf("splitAddrs = %v", got)
	}
}
