package stats

import "testing"

func TestAggregateSumsAcrossShards(t *testing.T) {
	r := NewRegistry(3)

	r.Shard(0).IncrCmdGet()
	r.Shard(1).IncrCmdGet()
	r.Shard(1).IncrGetHit()
	r.Shard(2).IncrGetMiss()

	totals := r.Aggregate()
	if totals.CmdGet != 2 {
		t.Fatalf("CmdGet = %d, want 2", totals.CmdGet)
	}
	if totals.GetHits != 1 {
		t.Fatalf("GetHits = %d, want 1", totals.GetHits)
	}
	if totals.GetMisses != 1 {
		t.Fatalf("GetMisses = %d, want 1", totals.GetMisses)
	}
}

func TestResetPreservesCurrConnsGauge(t *testing.T) {
	r := NewRegistry(1)
	r.Shard(0).ConnOpened()
	r.Shard(0).IncrCmdGet()

	r.ResetAll()

	totals := r.Aggregate()
	if totals.CmdGet != 0 {
		t.Fatalf("CmdGet = %d, want 0 after reset", totals.CmdGet)
	}
	if totals.CurrConns != 1 {
		t.Fatalf("CurrConns = %d, want 1 (gauge should survive reset)", totals.CurrConns)
	}
}
